package services

import (
	"context"
	"fmt"
	"time"

	"crmflow/models"

	"github.com/badoux/checkmail"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
	"gorm.io/gorm"
)

// EmailSender delivers one rendered email through an outbound account.
// A nil accountID uses the default account.
type EmailSender interface {
	Send(ctx context.Context, accountID *uint, to, subject, body string) (messageID string, err error)
}

// SMTPSender sends through the account's SMTP credentials with gomail.
type SMTPSender struct {
	DB      *gorm.DB
	Logger  *logrus.Entry
	Timeout time.Duration
}

func NewSMTPSender(db *gorm.DB, timeout time.Duration, logger *logrus.Entry) *SMTPSender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SMTPSender{
		DB:      db,
		Logger:  logger,
		Timeout: timeout,
	}
}

func (s *SMTPSender) Send(ctx context.Context, accountID *uint, to, subject, body string) (string, error) {
	if err := checkmail.ValidateFormat(to); err != nil {
		return "", &PermanentSendError{Reason: fmt.Sprintf("invalid address %q: %v", to, err)}
	}

	account, err := s.resolveAccount(ctx, accountID)
	if err != nil {
		return "", err
	}

	messageID := uuid.New().String()

	m := gomail.NewMessage()
	m.SetHeader("From", fmt.Sprintf("%s <%s>", account.FromName, account.FromEmail))
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetHeader("Message-ID", fmt.Sprintf("<%s@crmflow>", messageID))
	m.SetBody("text/html", body)

	d := gomail.NewDialer(account.SMTPHost, account.SMTPPort, account.SMTPUsername, account.SMTPPassword)

	// gomail has no context support; bound the dial-and-send ourselves.
	// A timeout counts as transient, never as delivered.
	done := make(chan error, 1)
	go func() { done <- d.DialAndSend(m) }()

	select {
	case err := <-done:
		if err != nil {
			return "", &SendError{Err: err}
		}
	case <-time.After(s.Timeout):
		return "", &SendError{Err: fmt.Errorf("send to %s timed out after %s", to, s.Timeout)}
	case <-ctx.Done():
		return "", &SendError{Err: ctx.Err()}
	}

	s.Logger.WithFields(logrus.Fields{
		"to":         to,
		"account_id": account.ID,
		"message_id": messageID,
	}).Debug("Email sent")
	return messageID, nil
}

func (s *SMTPSender) resolveAccount(ctx context.Context, accountID *uint) (*models.EmailAccount, error) {
	var account models.EmailAccount
	query := s.DB.WithContext(ctx).Where("is_active = ?", true)
	if accountID != nil {
		query = query.Where("id = ?", *accountID)
	} else {
		query = query.Where("is_default = ?", true)
	}
	if err := query.First(&account).Error; err != nil {
		return nil, &PermanentSendError{Reason: fmt.Sprintf("no usable email account: %v", err)}
	}
	return &account, nil
}

// TemplatedEmailService backs the SEND_EMAIL automation action: load a
// stored template, render it for the contact, send it.
type TemplatedEmailService struct {
	DB       *gorm.DB
	Renderer TemplateRenderer
	Sender   EmailSender
	Logger   *logrus.Entry
}

func NewTemplatedEmailService(db *gorm.DB, renderer TemplateRenderer, sender EmailSender, logger *logrus.Entry) *TemplatedEmailService {
	return &TemplatedEmailService{
		DB:       db,
		Renderer: renderer,
		Sender:   sender,
		Logger:   logger,
	}
}

func (t *TemplatedEmailService) SendTemplate(ctx context.Context, contactID, templateID uint, accountID *uint) error {
	var tmpl models.Template
	if err := t.DB.WithContext(ctx).First(&tmpl, templateID).Error; err != nil {
		return fmt.Errorf("load template %d: %w", templateID, err)
	}
	var contact models.Contact
	if err := t.DB.WithContext(ctx).First(&contact, contactID).Error; err != nil {
		return fmt.Errorf("load contact %d: %w", contactID, err)
	}
	if contact.IsUnsubscribed || contact.IsDoNotContact {
		t.Logger.WithField("contact_id", contactID).Info("Contact opted out, not sending")
		return nil
	}

	subject, body, err := t.Renderer.Render(ctx, tmpl.Subject, tmpl.HTMLContent, contactID)
	if err != nil {
		return err
	}

	if _, err := t.Sender.Send(ctx, accountID, contact.Email, subject, body); err != nil {
		return err
	}

	return t.DB.WithContext(ctx).
		Model(&models.Contact{}).
		Where("id = ?", contactID).
		Update("last_emailed_at", time.Now().UTC()).Error
}
