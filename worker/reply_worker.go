package worker

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"strings"
	"time"

	"crmflow/automation"
	"crmflow/models"
	"crmflow/sequence"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var positiveKeywords = []string{"interested", "yes", "sounds good", "let's talk", "schedule", "sure"}
var negativeKeywords = []string{"not interested", "no thanks", "unsubscribe", "stop", "remove me"}

// ReplyWorker polls each active email account's inbox over IMAP,
// matches senders to contacts, short-circuits their sequence
// executions, and publishes classified reply events for the rule
// matcher.
type ReplyWorker struct {
	DB        *gorm.DB
	Bus       automation.Publisher
	Scheduler *sequence.Scheduler
	Logger    *logrus.Entry

	Interval time.Duration
}

func NewReplyWorker(db *gorm.DB, bus automation.Publisher, scheduler *sequence.Scheduler, logger *logrus.Entry) *ReplyWorker {
	return &ReplyWorker{
		DB:        db,
		Bus:       bus,
		Scheduler: scheduler,
		Logger:    logger,
		Interval:  5 * time.Minute,
	}
}

func (w *ReplyWorker) Start(ctx context.Context) {
	w.Logger.WithField("interval", w.Interval).Info("Reply watcher started")

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Logger.Info("Reply watcher shutting down...")
			return
		case <-ticker.C:
			w.pollAccounts(ctx)
		}
	}
}

func (w *ReplyWorker) pollAccounts(ctx context.Context) {
	var accounts []models.EmailAccount
	err := w.DB.WithContext(ctx).
		Where("is_active = ? AND imap_host IS NOT NULL AND imap_host != ''", true).
		Find(&accounts).Error
	if err != nil {
		w.Logger.WithError(err).Error("Failed to load email accounts")
		return
	}

	for _, account := range accounts {
		if err := w.pollAccount(ctx, &account); err != nil {
			w.Logger.WithError(err).WithField("account_id", account.ID).Error("Inbox poll failed")
			w.DB.WithContext(ctx).
				Model(&models.EmailAccount{}).
				Where("id = ?", account.ID).
				Update("last_error", err.Error())
			continue
		}
		w.DB.WithContext(ctx).
			Model(&models.EmailAccount{}).
			Where("id = ?", account.ID).
			Updates(map[string]interface{}{
				"last_polled_at": time.Now().UTC(),
				"last_error":     "",
			})
	}
}

func (w *ReplyWorker) pollAccount(ctx context.Context, account *models.EmailAccount) error {
	imapAddr := fmt.Sprintf("%s:%d", account.IMAPHost, account.IMAPPort)
	imapClient, err := client.DialTLS(imapAddr, &tls.Config{ServerName: account.IMAPHost})
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	defer imapClient.Logout()

	if err := imapClient.Login(account.IMAPUsername, account.IMAPPassword); err != nil {
		return fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	if _, err := imapClient.Select("INBOX", false); err != nil {
		return fmt.Errorf("failed to select mailbox: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{"\\Seen"}
	ids, err := imapClient.Search(criteria)
	if err != nil {
		return fmt.Errorf("failed to search messages: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- imapClient.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, imap.FetchItem("BODY.PEEK[]")}, messages)
	}()

	for msg := range messages {
		if err := w.processMessage(ctx, msg); err != nil {
			w.Logger.WithError(err).WithField("seq_num", msg.SeqNum).Warn("Failed to process inbound message")
		}
	}

	return <-done
}

func (w *ReplyWorker) processMessage(ctx context.Context, msg *imap.Message) error {
	if msg.Envelope == nil || len(msg.Envelope.From) == 0 {
		return fmt.Errorf("message has no sender")
	}
	from := msg.Envelope.From[0]
	fromAddr := fmt.Sprintf("%s@%s", from.MailboxName, from.HostName)

	var contact models.Contact
	err := w.DB.WithContext(ctx).Where("email = ?", fromAddr).First(&contact).Error
	if err == gorm.ErrRecordNotFound {
		// Not one of ours
		return nil
	}
	if err != nil {
		return err
	}

	body := extractTextBody(msg)
	polarity := ClassifyReply(msg.Envelope.Subject, body)

	return w.HandleReply(ctx, &contact, polarity)
}

// HandleReply records the reply, stops the contact's live executions,
// and feeds the classified events back onto the bus. Also called by the
// inbound-reply webhook so both paths behave identically.
func (w *ReplyWorker) HandleReply(ctx context.Context, contact *models.Contact, polarity string) error {
	now := time.Now().UTC()
	if err := w.DB.WithContext(ctx).
		Model(&models.Contact{}).
		Where("id = ?", contact.ID).
		Update("last_replied_at", now).Error; err != nil {
		return err
	}

	if err := w.Scheduler.OnReply(ctx, contact.ID); err != nil {
		w.Logger.WithError(err).WithField("contact_id", contact.ID).Error("Failed to stop executions on reply")
	}

	if err := w.Bus.Publish(ctx, automation.NewEvent(models.TriggerAnyReply, contact.ID)); err != nil {
		return err
	}
	switch polarity {
	case "positive":
		return w.Bus.Publish(ctx, automation.NewEvent(models.TriggerPositiveReply, contact.ID))
	case "negative":
		return w.Bus.Publish(ctx, automation.NewEvent(models.TriggerNegativeReply, contact.ID))
	}
	return nil
}

func extractTextBody(msg *imap.Message) string {
	// Body map keys are the section pointers the fetch allocated, so
	// GetBody's value comparison is the only correct lookup here.
	section := &imap.BodySectionName{}
	literal := msg.GetBody(section)
	if literal == nil {
		return ""
	}

	mr, err := mail.CreateReader(literal)
	if err != nil {
		return ""
	}
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil {
			return ""
		}
		if h, ok := p.Header.(*mail.InlineHeader); ok {
			contentType, _, _ := h.ContentType()
			if strings.Contains(contentType, "text/plain") {
				b, err := io.ReadAll(p.Body)
				if err == nil {
					return string(b)
				}
			}
		}
	}
	return ""
}

// ClassifyReply is a keyword heuristic; anything unmatched stays an
// unclassified ANY_REPLY.
func ClassifyReply(subject, body string) string {
	text := strings.ToLower(subject + " " + body)
	for _, kw := range negativeKeywords {
		if strings.Contains(text, kw) {
			return "negative"
		}
	}
	for _, kw := range positiveKeywords {
		if strings.Contains(text, kw) {
			return "positive"
		}
	}
	return "neutral"
}
