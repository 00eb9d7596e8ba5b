package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"crmflow/models"
	"crmflow/sequence"
	"crmflow/services"
	"crmflow/utils"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DispatchWorker is the time-driven loop that turns due pending
// ScheduledEmail rows into sent mail. Each row is claimed with a
// conditional UPDATE before any I/O, so a concurrent cancel and the
// sweep can never both own the same row. Rows from independent
// executions are processed concurrently; within one execution the
// at-most-one-pending invariant keeps sends strictly sequential.
type DispatchWorker struct {
	DB        *gorm.DB
	Scheduler *sequence.Scheduler
	Renderer  services.TemplateRenderer
	Sender    services.EmailSender
	Logger    *logrus.Entry

	Interval    time.Duration
	Concurrency int
	MaxAttempts int
	Backoff     time.Duration
	TrackingURL string

	// ClaimTimeout bounds how long a claimed row may sit in "sending"
	// before a sweep treats the claim as abandoned by a dead process.
	ClaimTimeout time.Duration

	// Now is swappable for tests
	Now func() time.Time
}

func NewDispatchWorker(db *gorm.DB, scheduler *sequence.Scheduler, renderer services.TemplateRenderer, sender services.EmailSender, logger *logrus.Entry) *DispatchWorker {
	return &DispatchWorker{
		DB:           db,
		Scheduler:    scheduler,
		Renderer:     renderer,
		Sender:       sender,
		Logger:       logger,
		Interval:     30 * time.Second,
		Concurrency:  8,
		MaxAttempts:  3,
		Backoff:      2 * time.Minute,
		ClaimTimeout: 5 * time.Minute,
		Now:          time.Now,
	}
}

func (w *DispatchWorker) Start(ctx context.Context) {
	w.Logger.WithField("interval", w.Interval).Info("Dispatch worker started")

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Logger.Info("Dispatch worker shutting down...")
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep finds every due pending email whose execution is active and
// dispatches each one. Exported so tests and the send-now path can run
// a cycle without the ticker.
func (w *DispatchWorker) Sweep(ctx context.Context) {
	now := w.Now().UTC()

	w.recoverStaleClaims(ctx, now)

	var due []models.ScheduledEmail
	err := w.DB.WithContext(ctx).
		Joins("JOIN sequence_executions ON sequence_executions.id = scheduled_emails.execution_id").
		Where("scheduled_emails.status = ? AND scheduled_emails.scheduled_at <= ? AND sequence_executions.status = ?",
			models.EmailPending, now, models.ExecutionActive).
		Find(&due).Error
	if err != nil {
		w.Logger.WithError(err).Error("Failed to query due emails")
		return
	}
	if len(due) == 0 {
		return
	}

	sem := make(chan struct{}, w.Concurrency)
	var wg sync.WaitGroup
	for _, email := range due {
		if !w.claim(ctx, email.ID) {
			// Cancelled or claimed elsewhere since the query
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(email models.ScheduledEmail) {
			defer wg.Done()
			defer func() { <-sem }()
			w.process(ctx, email)
		}(email)
	}
	wg.Wait()
}

// recoverStaleClaims picks up "sending" rows abandoned by a process
// that died between the claim and the terminal status write. The claim
// already spent the attempt, so a row out of attempts fails outright;
// otherwise it goes back to pending and the current sweep retries it.
func (w *DispatchWorker) recoverStaleClaims(ctx context.Context, now time.Time) {
	cutoff := now.Add(-w.ClaimTimeout)

	var stale []models.ScheduledEmail
	err := w.DB.WithContext(ctx).
		Where("status = ? AND updated_at <= ?", models.EmailSending, cutoff).
		Find(&stale).Error
	if err != nil {
		w.Logger.WithError(err).Error("Failed to query stale claimed emails")
		return
	}

	for _, email := range stale {
		logger := w.Logger.WithFields(logrus.Fields{
			"email_id": email.ID,
			"attempt":  email.AttemptCount,
		})
		if email.AttemptCount >= w.MaxAttempts {
			logger.Error("Abandoned claim out of attempts, failing execution")
			w.fail(ctx, email, "send attempt abandoned")
			continue
		}

		logger.Warn("Requeueing abandoned claimed email")
		err := w.DB.WithContext(ctx).
			Model(&models.ScheduledEmail{}).
			Where("id = ? AND status = ?", email.ID, models.EmailSending).
			Updates(map[string]interface{}{
				"status":       models.EmailPending,
				"scheduled_at": now,
				"last_error":   "send attempt abandoned",
			}).Error
		if err != nil {
			logger.WithError(err).Error("Failed to requeue abandoned email")
		}
	}
}

// claim transitions pending→sending; zero rows affected means the
// other party won the race.
func (w *DispatchWorker) claim(ctx context.Context, emailID uint) bool {
	res := w.DB.WithContext(ctx).
		Model(&models.ScheduledEmail{}).
		Where("id = ? AND status = ?", emailID, models.EmailPending).
		Updates(map[string]interface{}{
			"status":        models.EmailSending,
			"attempt_count": gorm.Expr("attempt_count + ?", 1),
		})
	if res.Error != nil {
		w.Logger.WithError(res.Error).WithField("email_id", emailID).Error("Failed to claim email")
		return false
	}
	return res.RowsAffected > 0
}

func (w *DispatchWorker) process(ctx context.Context, email models.ScheduledEmail) {
	logger := w.Logger.WithFields(logrus.Fields{
		"email_id":     email.ID,
		"execution_id": email.ExecutionID,
	})

	var execution models.SequenceExecution
	if err := w.DB.WithContext(ctx).First(&execution, email.ExecutionID).Error; err != nil {
		logger.WithError(err).Error("Execution not found, failing email")
		w.fail(ctx, email, "execution not found")
		return
	}
	var step models.SequenceStep
	if err := w.DB.WithContext(ctx).First(&step, email.StepID).Error; err != nil {
		logger.WithError(err).Error("Step not found, failing email")
		w.fail(ctx, email, "step not found")
		return
	}
	var contact models.Contact
	if err := w.DB.WithContext(ctx).First(&contact, execution.ContactID).Error; err != nil {
		logger.WithError(err).Error("Contact not found, failing email")
		w.fail(ctx, email, "contact not found")
		return
	}

	subject, body, err := w.Renderer.Render(ctx, step.SubjectTemplate, step.BodyTemplate, contact.ID)
	if err != nil {
		// Renders are deterministic; retrying cannot help
		logger.WithError(err).Error("Render failed, failing email")
		w.fail(ctx, email, err.Error())
		return
	}

	// The tracking id goes into the body before the send, so it is the
	// id persisted on the row; open/click hits resolve through it.
	messageID := uuid.New().String()
	if w.TrackingURL != "" {
		body = utils.InjectTracking(body, w.TrackingURL, messageID)
	}

	_, err = w.Sender.Send(ctx, nil, contact.Email, subject, body)
	if err != nil {
		var permanent *services.PermanentSendError
		if errors.As(err, &permanent) {
			logger.WithError(err).Error("Permanent send failure")
			w.fail(ctx, email, err.Error())
			return
		}
		w.retryOrFail(ctx, email, err, logger)
		return
	}

	sentAt := w.Now().UTC()
	err = w.DB.WithContext(ctx).
		Model(&models.ScheduledEmail{}).
		Where("id = ? AND status = ?", email.ID, models.EmailSending).
		Updates(map[string]interface{}{
			"status":     models.EmailSent,
			"sent_at":    sentAt,
			"message_id": messageID,
			"last_error": "",
		}).Error
	if err != nil {
		logger.WithError(err).Error("Failed to mark email sent")
		return
	}

	w.DB.WithContext(ctx).
		Model(&models.SequenceStep{}).
		Where("id = ?", step.ID).
		Update("sent_count", gorm.Expr("sent_count + ?", 1))
	w.DB.WithContext(ctx).
		Model(&models.Contact{}).
		Where("id = ?", contact.ID).
		Update("last_emailed_at", sentAt)

	logger.WithField("message_id", messageID).Info("Scheduled email sent")

	if err := w.Scheduler.Advance(ctx, execution.ID, sentAt); err != nil {
		logger.WithError(err).Error("Failed to advance execution")
	}
}

// retryOrFail requeues a transiently failed send with backoff until the
// attempt budget runs out, then fails the email and its execution.
func (w *DispatchWorker) retryOrFail(ctx context.Context, email models.ScheduledEmail, sendErr error, logger *logrus.Entry) {
	attempts := email.AttemptCount + 1
	if attempts < w.MaxAttempts {
		logger.WithError(sendErr).WithField("attempt", attempts).Warn("Transient send failure, retrying with backoff")
		err := w.DB.WithContext(ctx).
			Model(&models.ScheduledEmail{}).
			Where("id = ? AND status = ?", email.ID, models.EmailSending).
			Updates(map[string]interface{}{
				"status":       models.EmailPending,
				"scheduled_at": w.Now().UTC().Add(w.Backoff),
				"last_error":   sendErr.Error(),
			}).Error
		if err != nil {
			logger.WithError(err).Error("Failed to requeue email")
		}
		return
	}

	logger.WithError(sendErr).WithField("attempt", attempts).Error("Send attempts exhausted, failing execution")
	w.fail(ctx, email, sendErr.Error())
}

func (w *DispatchWorker) fail(ctx context.Context, email models.ScheduledEmail, cause string) {
	err := w.DB.WithContext(ctx).
		Model(&models.ScheduledEmail{}).
		Where("id = ? AND status = ?", email.ID, models.EmailSending).
		Updates(map[string]interface{}{
			"status":     models.EmailFailed,
			"last_error": cause,
		}).Error
	if err != nil {
		w.Logger.WithError(err).WithField("email_id", email.ID).Error("Failed to mark email failed")
	}
	if err := w.Scheduler.MarkFailed(ctx, email.ExecutionID, cause); err != nil {
		w.Logger.WithError(err).WithField("execution_id", email.ExecutionID).Error("Failed to fail execution")
	}
}

