package automation

import (
	"context"
	"errors"
	"time"

	"crmflow/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Guard enforces at-most-one-execution-per-rule-per-subject unless the
// rule allows repeats, then invokes the dispatcher. The check-and-set
// is serialized by the unique (rule_id, subject_key) index: concurrent
// events for the same subject race on the INSERT and exactly one wins.
type Guard struct {
	DB         *gorm.DB
	Dispatcher *Dispatcher
	Logger     *logrus.Entry
}

func NewGuard(db *gorm.DB, dispatcher *Dispatcher, logger *logrus.Entry) *Guard {
	return &Guard{
		DB:         db,
		Dispatcher: dispatcher,
		Logger:     logger,
	}
}

// Execute records the firing and dispatches the rule's action. Returns
// ErrDuplicateExecutionSkip when a one-shot rule has already fired for
// the subject, or an ActionExecutionError when the action fails after
// the firing was recorded.
func (g *Guard) Execute(ctx context.Context, rule *CompiledRule, ev Event) error {
	subjectKey := ev.SubjectKey()

	if err := g.recordExecution(ctx, rule, ev, subjectKey); err != nil {
		return err
	}

	// Counter and timestamp live on the rule row; the update is a
	// single atomic expression, never read-modify-write in process.
	if err := g.DB.WithContext(ctx).
		Model(&models.AutomationRule{}).
		Where("id = ?", rule.Rule.ID).
		Updates(map[string]interface{}{
			"execution_count":  gorm.Expr("execution_count + ?", 1),
			"last_executed_at": time.Now().UTC(),
		}).Error; err != nil {
		g.Logger.WithError(err).WithField("rule_id", rule.Rule.ID).Error("Failed to bump rule counters")
	}

	if err := g.Dispatcher.Dispatch(ctx, rule, ev); err != nil {
		return &ActionExecutionError{RuleID: rule.Rule.ID, ActionType: rule.Action.Type, Err: err}
	}
	return nil
}

// recordExecution is the atomic create-or-increment. One-shot rules
// race on the INSERT alone: a unique violation means another worker
// (or an earlier event) already recorded this (rule, subject) and the
// loser skips. Repeatable rules try the increment first and fall back
// to INSERT, retrying the increment if they lose the insert race.
func (g *Guard) recordExecution(ctx context.Context, rule *CompiledRule, ev Event, subjectKey string) error {
	now := time.Now().UTC()

	if !rule.Rule.AllowMultipleExecutions {
		record := models.RuleExecution{
			RuleID:          rule.Rule.ID,
			SubjectKey:      subjectKey,
			ContactID:       ev.ContactID,
			DealID:          ev.DealID,
			Count:           1,
			FirstExecutedAt: now,
			LastExecutedAt:  now,
		}
		err := g.DB.WithContext(ctx).Create(&record).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateExecutionSkip
		}
		return err
	}

	res := g.DB.WithContext(ctx).
		Model(&models.RuleExecution{}).
		Where("rule_id = ? AND subject_key = ?", rule.Rule.ID, subjectKey).
		Updates(map[string]interface{}{
			"count":            gorm.Expr("count + ?", 1),
			"last_executed_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	record := models.RuleExecution{
		RuleID:          rule.Rule.ID,
		SubjectKey:      subjectKey,
		ContactID:       ev.ContactID,
		DealID:          ev.DealID,
		Count:           1,
		FirstExecutedAt: now,
		LastExecutedAt:  now,
	}
	err := g.DB.WithContext(ctx).Create(&record).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Lost the insert race to a concurrent event for the same subject
		return g.DB.WithContext(ctx).
			Model(&models.RuleExecution{}).
			Where("rule_id = ? AND subject_key = ?", rule.Rule.ID, subjectKey).
			Updates(map[string]interface{}{
				"count":            gorm.Expr("count + ?", 1),
				"last_executed_at": now,
			}).Error
	}
	return err
}
