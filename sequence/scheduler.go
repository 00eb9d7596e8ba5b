package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crmflow/automation"
	"crmflow/models"
	"crmflow/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	// ErrInvalidTransition means the execution was not in a state the
	// operation accepts. Races that were won by the other party also
	// surface this way and are safe to ignore.
	ErrInvalidTransition = errors.New("invalid execution state transition")

	ErrSequenceInactive = errors.New("sequence is not active")
	ErrSequenceEmpty    = errors.New("sequence has no steps")
	ErrNotFound         = gorm.ErrRecordNotFound
)

// Scheduler owns the sequence execution state machine. Every mutation
// that can race with the dispatch loop or with a cancel is a
// conditional UPDATE; the loser observes zero rows affected and
// does nothing. No authoritative state lives in memory, so a restart
// resumes from the persisted pending rows.
type Scheduler struct {
	DB     *gorm.DB
	Bus    automation.Publisher
	Logger *logrus.Entry

	// Now is swappable for tests
	Now func() time.Time
}

func NewScheduler(db *gorm.DB, bus automation.Publisher, logger *logrus.Entry) *Scheduler {
	return &Scheduler{
		DB:     db,
		Bus:    bus,
		Logger: logger,
		Now:    time.Now,
	}
}

// Start validates the sequence and creates an active execution with
// the first step's pending email. Step 1's delay counts from now.
func (s *Scheduler) Start(ctx context.Context, sequenceID, contactID uint, dealID *uint) (*models.SequenceExecution, error) {
	var seq models.Sequence
	if err := s.DB.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("step_order ASC") }).
		First(&seq, sequenceID).Error; err != nil {
		return nil, fmt.Errorf("load sequence %d: %w", sequenceID, err)
	}
	if !seq.Active {
		return nil, ErrSequenceInactive
	}
	if len(seq.Steps) == 0 {
		return nil, ErrSequenceEmpty
	}

	// One live execution per (sequence, contact)
	var existing int64
	if err := s.DB.WithContext(ctx).
		Model(&models.SequenceExecution{}).
		Where("sequence_id = ? AND contact_id = ? AND status IN ?",
			sequenceID, contactID, []string{models.ExecutionActive, models.ExecutionPaused}).
		Count(&existing).Error; err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, automation.ErrSequenceAlreadyRunning
	}

	now := s.Now().UTC()
	execution := models.SequenceExecution{
		SequenceID:       sequenceID,
		ContactID:        contactID,
		DealID:           dealID,
		Status:           models.ExecutionActive,
		CurrentStepIndex: 0,
		StartedAt:        now,
	}

	firstStep := seq.Steps[0]
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&execution).Error; err != nil {
			return err
		}
		email := models.ScheduledEmail{
			ExecutionID: execution.ID,
			StepID:      firstStep.ID,
			ScheduledAt: now.Add(firstStep.Delay()),
			Status:      models.EmailPending,
		}
		return tx.Create(&email).Error
	})
	if err != nil {
		return nil, err
	}

	s.Logger.WithFields(logrus.Fields{
		"execution_id": execution.ID,
		"sequence_id":  sequenceID,
		"contact_id":   contactID,
	}).Info("Sequence execution started")
	return &execution, nil
}

// Pause freezes dispatch without touching the persisted scheduled_at.
// Only valid from active.
func (s *Scheduler) Pause(ctx context.Context, executionID uint) error {
	return s.transition(ctx, executionID, []string{models.ExecutionActive}, models.ExecutionPaused)
}

// Resume reactivates a paused execution. A scheduled_at already in the
// past becomes immediately due on the next sweep; the paused duration
// is deliberately not re-baselined.
func (s *Scheduler) Resume(ctx context.Context, executionID uint) error {
	return s.transition(ctx, executionID, []string{models.ExecutionPaused}, models.ExecutionActive)
}

// Cancel terminates the execution from active or paused and cancels its
// pending email.
func (s *Scheduler) Cancel(ctx context.Context, executionID uint) error {
	err := s.transition(ctx, executionID,
		[]string{models.ExecutionActive, models.ExecutionPaused}, models.ExecutionCancelled)
	if err != nil {
		return err
	}
	return s.cancelPendingEmails(ctx, executionID)
}

// CancelForContact cancels any live execution of the sequence for the
// contact. Used by the STOP_SEQUENCE action; no live execution is not
// an error.
func (s *Scheduler) CancelForContact(ctx context.Context, sequenceID, contactID uint) error {
	var executions []models.SequenceExecution
	if err := s.DB.WithContext(ctx).
		Where("sequence_id = ? AND contact_id = ? AND status IN ?",
			sequenceID, contactID, []string{models.ExecutionActive, models.ExecutionPaused}).
		Find(&executions).Error; err != nil {
		return err
	}
	for _, execution := range executions {
		if err := s.Cancel(ctx, execution.ID); err != nil && !errors.Is(err, ErrInvalidTransition) {
			return err
		}
	}
	return nil
}

// OnReply short-circuits every live execution belonging to the replying
// contact: status becomes replied and pending emails are cancelled. The
// classified reply events re-enter the rule matcher through the bus,
// not through this call.
func (s *Scheduler) OnReply(ctx context.Context, contactID uint) error {
	var executions []models.SequenceExecution
	if err := s.DB.WithContext(ctx).
		Where("contact_id = ? AND status IN ?",
			contactID, []string{models.ExecutionActive, models.ExecutionPaused}).
		Find(&executions).Error; err != nil {
		return err
	}

	for _, execution := range executions {
		err := s.transition(ctx, execution.ID,
			[]string{models.ExecutionActive, models.ExecutionPaused}, models.ExecutionReplied)
		if errors.Is(err, ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return err
		}
		if err := s.cancelPendingEmails(ctx, execution.ID); err != nil {
			return err
		}
		s.Logger.WithFields(logrus.Fields{
			"execution_id": execution.ID,
			"contact_id":   contactID,
		}).Info("Execution stopped by reply")
	}
	return nil
}

// Advance moves the execution forward after a step's email was sent.
// The last step completes the execution and feeds a SEQUENCE_COMPLETED
// event back onto the bus; otherwise the next step's pending email is
// created with its delay counted from the send time. The next row only
// ever comes into existence here, after the previous one left pending,
// which is what keeps pending rows per execution at most one.
func (s *Scheduler) Advance(ctx context.Context, executionID uint, sentAt time.Time) error {
	var execution models.SequenceExecution
	if err := s.DB.WithContext(ctx).First(&execution, executionID).Error; err != nil {
		return err
	}
	if execution.Terminal() {
		return nil
	}

	var steps []models.SequenceStep
	if err := s.DB.WithContext(ctx).
		Where("sequence_id = ?", execution.SequenceID).
		Order("step_order ASC").
		Find(&steps).Error; err != nil {
		return err
	}

	nextIndex := execution.CurrentStepIndex + 1
	if nextIndex >= len(steps) {
		res := s.DB.WithContext(ctx).
			Model(&models.SequenceExecution{}).
			Where("id = ? AND status IN ?", executionID,
				[]string{models.ExecutionActive, models.ExecutionPaused}).
			Updates(map[string]interface{}{
				"status":       models.ExecutionCompleted,
				"completed_at": sentAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Terminated concurrently; the other party won
			return nil
		}
		s.publishCompleted(ctx, execution)
		return nil
	}

	nextStep := steps[nextIndex]
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.SequenceExecution{}).
			Where("id = ? AND status IN ? AND current_step_index = ?",
				executionID,
				[]string{models.ExecutionActive, models.ExecutionPaused},
				execution.CurrentStepIndex).
			Update("current_step_index", nextIndex)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		email := models.ScheduledEmail{
			ExecutionID: executionID,
			StepID:      nextStep.ID,
			ScheduledAt: sentAt.Add(nextStep.Delay()),
			Status:      models.EmailPending,
		}
		return tx.Create(&email).Error
	})
}

// SendNow makes a pending email immediately due, bypassing its
// persisted scheduled_at.
func (s *Scheduler) SendNow(ctx context.Context, scheduledEmailID uint) error {
	res := s.DB.WithContext(ctx).
		Model(&models.ScheduledEmail{}).
		Where("id = ? AND status = ?", scheduledEmailID, models.EmailPending).
		Update("scheduled_at", s.Now().UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// CancelEmail cancels one pending email. A row already sent, failed or
// claimed by the dispatch loop is left alone: zero rows affected,
// no error.
func (s *Scheduler) CancelEmail(ctx context.Context, scheduledEmailID uint) error {
	return s.DB.WithContext(ctx).
		Model(&models.ScheduledEmail{}).
		Where("id = ? AND status = ?", scheduledEmailID, models.EmailPending).
		Update("status", models.EmailCancelled).Error
}

// MarkFailed terminates the execution after an unrecoverable step
// failure.
func (s *Scheduler) MarkFailed(ctx context.Context, executionID uint, cause string) error {
	res := s.DB.WithContext(ctx).
		Model(&models.SequenceExecution{}).
		Where("id = ? AND status IN ?", executionID,
			[]string{models.ExecutionActive, models.ExecutionPaused}).
		Updates(map[string]interface{}{
			"status":       models.ExecutionFailed,
			"completed_at": s.Now().UTC(),
			"last_error":   cause,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}
	return s.cancelPendingEmails(ctx, executionID)
}

func (s *Scheduler) transition(ctx context.Context, executionID uint, from []string, to string) error {
	updates := map[string]interface{}{"status": to}
	if to == models.ExecutionCancelled || to == models.ExecutionReplied {
		updates["completed_at"] = s.Now().UTC()
	}
	res := s.DB.WithContext(ctx).
		Model(&models.SequenceExecution{}).
		Where("id = ? AND status IN ?", executionID, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// cancelPendingEmails is conditional on pending status so a row already
// claimed by the dispatch loop cannot also be cancelled.
func (s *Scheduler) cancelPendingEmails(ctx context.Context, executionID uint) error {
	return s.DB.WithContext(ctx).
		Model(&models.ScheduledEmail{}).
		Where("execution_id = ? AND status = ?", executionID, models.EmailPending).
		Update("status", models.EmailCancelled).Error
}

func (s *Scheduler) publishCompleted(ctx context.Context, execution models.SequenceExecution) {
	ev := automation.NewEvent(models.TriggerSequenceComplete, execution.ContactID)
	ev.SequenceID = utils.Pointer(execution.SequenceID)
	ev.DealID = execution.DealID
	if err := s.Bus.Publish(ctx, ev); err != nil {
		s.Logger.WithError(err).WithField("execution_id", execution.ID).
			Error("Failed to publish sequence completion event")
	}
	s.Logger.WithFields(logrus.Fields{
		"execution_id": execution.ID,
		"sequence_id":  execution.SequenceID,
	}).Info("Sequence execution completed")
}
