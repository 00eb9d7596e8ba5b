package worker

import (
	"context"
	"time"

	"crmflow/automation"
	"crmflow/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// NoReplyWorker is the periodic sweep behind the NO_REPLY trigger:
// it is polled, never event-pushed. The sweep finds contacts whose last
// outbound email has gone unanswered for at least the smallest day
// threshold among active NO_REPLY rules and publishes one event per
// contact carrying the silence age; the matcher applies each rule's own
// threshold, and the guard's per-subject record keeps one-shot rules
// from re-firing sweep after sweep.
type NoReplyWorker struct {
	DB     *gorm.DB
	Bus    automation.Publisher
	Logger *logrus.Entry

	Interval time.Duration

	// Now is swappable for tests
	Now func() time.Time
}

func NewNoReplyWorker(db *gorm.DB, bus automation.Publisher, logger *logrus.Entry) *NoReplyWorker {
	return &NoReplyWorker{
		DB:       db,
		Bus:      bus,
		Logger:   logger,
		Interval: time.Hour,
		Now:      time.Now,
	}
}

func (w *NoReplyWorker) Start(ctx context.Context) {
	w.Logger.WithField("interval", w.Interval).Info("No-reply sweep started")

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Logger.Info("No-reply sweep shutting down...")
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one pass. Exported for tests.
func (w *NoReplyWorker) Sweep(ctx context.Context) {
	minDays, ok := w.minThresholdDays(ctx)
	if !ok {
		return
	}

	now := w.Now().UTC()
	cutoff := now.AddDate(0, 0, -minDays)

	// A contact qualifies when the last outbound email is older than
	// the cutoff and no reply arrived after it
	var contacts []models.Contact
	err := w.DB.WithContext(ctx).
		Where("last_emailed_at IS NOT NULL AND last_emailed_at <= ?", cutoff).
		Where("last_replied_at IS NULL OR last_replied_at < last_emailed_at").
		Where("is_unsubscribed = ? AND is_do_not_contact = ?", false, false).
		Find(&contacts).Error
	if err != nil {
		w.Logger.WithError(err).Error("No-reply sweep query failed")
		return
	}

	for _, contact := range contacts {
		ageDays := int(now.Sub(*contact.LastEmailedAt).Hours() / 24)
		ev := automation.NewEvent(models.TriggerNoReply, contact.ID)
		ev.NoReplyAgeDays = ageDays
		if err := w.Bus.Publish(ctx, ev); err != nil {
			w.Logger.WithError(err).WithField("contact_id", contact.ID).Error("Failed to publish no-reply event")
		}
	}

	if len(contacts) > 0 {
		w.Logger.WithField("contacts", len(contacts)).Debug("No-reply sweep published events")
	}
}

// minThresholdDays returns the smallest configured threshold among
// active NO_REPLY rules, or false when none exist.
func (w *NoReplyWorker) minThresholdDays(ctx context.Context) (int, bool) {
	var rules []models.AutomationRule
	if err := w.DB.WithContext(ctx).
		Where("active = ? AND trigger_type = ?", true, models.TriggerNoReply).
		Find(&rules).Error; err != nil {
		w.Logger.WithError(err).Error("Failed to load no-reply rules")
		return 0, false
	}

	minDays := 0
	for _, rule := range rules {
		spec, err := automation.ParseTriggerConfig(rule.TriggerType, rule.TriggerConfig)
		if err != nil || spec.NoReply == nil {
			w.Logger.WithField("rule_id", rule.ID).Warn("Skipping no-reply rule with invalid config")
			continue
		}
		if minDays == 0 || spec.NoReply.Days < minDays {
			minDays = spec.NoReply.Days
		}
	}
	return minDays, minDays > 0
}
