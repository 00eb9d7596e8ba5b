package automation

import (
	"context"
	"errors"
	"fmt"

	"crmflow/models"

	"github.com/sirupsen/logrus"
)

// ErrSequenceAlreadyRunning is returned by the scheduler when a
// START_SEQUENCE hits a contact who already has a live execution of
// that sequence. The dispatcher treats it as a logged no-op.
var ErrSequenceAlreadyRunning = errors.New("sequence already running for contact")

// Collaborator contracts. The dispatcher only ever talks to these;
// each call is assumed to succeed or fail atomically.

type SequenceScheduler interface {
	Start(ctx context.Context, sequenceID, contactID uint, dealID *uint) (*models.SequenceExecution, error)
	CancelForContact(ctx context.Context, sequenceID, contactID uint) error
}

type TagService interface {
	AddTag(ctx context.Context, contactID, tagID uint) error
	RemoveTag(ctx context.Context, contactID, tagID uint) error
}

type DealService interface {
	MoveDeal(ctx context.Context, contactID uint, dealID *uint, stageID uint) error
	CreateDeal(ctx context.Context, contactID uint, title string, value float64, pipelineID *uint) error
}

type TaskService interface {
	CreateTask(ctx context.Context, contactID uint, dealID *uint, title, taskType, priority string, dueDays int) error
}

type ScoreService interface {
	// AdjustScore applies the delta clamped to [0,100]
	AdjustScore(ctx context.Context, contactID uint, delta int) error
}

type NotificationService interface {
	Notify(ctx context.Context, contactID uint, ruleID *uint, message string) error
}

type EmailService interface {
	// SendTemplate renders the stored template for the contact and
	// sends it through the given account (default account when nil)
	SendTemplate(ctx context.Context, contactID, templateID uint, accountID *uint) error
}

// Dispatcher maps a matched rule's action onto a collaborator call.
type Dispatcher struct {
	Sequences     SequenceScheduler
	Tags          TagService
	Deals         DealService
	Tasks         TaskService
	Scores        ScoreService
	Notifications NotificationService
	Emails        EmailService
	Logger        *logrus.Entry
}

// Dispatch executes one rule's action for one event. Each branch is
// independently fallible; the caller wraps failures per rule.
func (d *Dispatcher) Dispatch(ctx context.Context, rule *CompiledRule, ev Event) error {
	switch rule.Action.Type {
	case models.ActionStartSequence:
		cfg := rule.Action.StartSequence
		_, err := d.Sequences.Start(ctx, cfg.SequenceID, ev.ContactID, ev.DealID)
		if errors.Is(err, ErrSequenceAlreadyRunning) {
			d.Logger.WithFields(logrus.Fields{
				"rule_id":     rule.Rule.ID,
				"sequence_id": cfg.SequenceID,
				"contact_id":  ev.ContactID,
			}).Warn("Sequence already running for contact, skipping start")
			return nil
		}
		return err

	case models.ActionStopSequence:
		return d.Sequences.CancelForContact(ctx, rule.Action.StopSequence.SequenceID, ev.ContactID)

	case models.ActionCreateTask:
		cfg := rule.Action.CreateTask
		return d.Tasks.CreateTask(ctx, ev.ContactID, ev.DealID, cfg.Title, cfg.Type, cfg.Priority, cfg.DueDays)

	case models.ActionMoveDeal:
		return d.Deals.MoveDeal(ctx, ev.ContactID, ev.DealID, rule.Action.MoveDeal.StageID)

	case models.ActionCreateDeal:
		cfg := rule.Action.CreateDeal
		return d.Deals.CreateDeal(ctx, ev.ContactID, cfg.Title, cfg.Value, cfg.PipelineID)

	case models.ActionAddTag:
		return d.Tags.AddTag(ctx, ev.ContactID, rule.Action.AddTag.TagID)

	case models.ActionRemoveTag:
		return d.Tags.RemoveTag(ctx, ev.ContactID, rule.Action.RemoveTag.TagID)

	case models.ActionUpdateLeadScore:
		return d.Scores.AdjustScore(ctx, ev.ContactID, rule.Action.UpdateScore.ScoreChange)

	case models.ActionSendNotif:
		ruleID := rule.Rule.ID
		return d.Notifications.Notify(ctx, ev.ContactID, &ruleID, rule.Action.Notify.Message)

	case models.ActionSendEmail:
		cfg := rule.Action.SendEmail
		return d.Emails.SendTemplate(ctx, ev.ContactID, cfg.TemplateID, cfg.AccountID)
	}
	return fmt.Errorf("unknown action type %q", rule.Action.Type)
}
