package automation

import (
	"context"
	"errors"

	"crmflow/models"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Matcher selects the active rules for an event and hands each match,
// in priority order, to the execution guard. One rule's failure never
// blocks the next rule.
type Matcher struct {
	DB     *gorm.DB
	Guard  *Guard
	Logger *logrus.Entry
}

func NewMatcher(db *gorm.DB, guard *Guard, logger *logrus.Entry) *Matcher {
	return &Matcher{
		DB:     db,
		Guard:  guard,
		Logger: logger,
	}
}

// HandleEvent evaluates every active rule whose trigger type matches
// the event. Rules with unusable configs are logged and skipped; they
// should have been rejected at save time.
func (m *Matcher) HandleEvent(ctx context.Context, ev Event) {
	var rules []models.AutomationRule
	if err := m.DB.WithContext(ctx).
		Where("active = ? AND trigger_type = ?", true, ev.Type).
		Order("priority ASC, id ASC").
		Find(&rules).Error; err != nil {
		m.Logger.WithError(err).WithField("event_type", ev.Type).Error("Failed to load rules")
		return
	}

	for _, rule := range rules {
		compiled, err := CompileRule(rule)
		if err != nil {
			m.Logger.WithError(err).WithField("rule_id", rule.ID).Warn("Skipping rule with invalid config")
			continue
		}
		if !compiled.Matches(ev) {
			continue
		}

		err = m.Guard.Execute(ctx, compiled, ev)
		switch {
		case err == nil:
		case errors.Is(err, ErrDuplicateExecutionSkip):
			m.Logger.WithFields(logrus.Fields{
				"rule_id":     rule.ID,
				"subject_key": ev.SubjectKey(),
			}).Debug("Rule already executed for subject, skipping")
		default:
			// Recorded per rule; sibling rules still run
			m.Logger.WithError(err).WithFields(logrus.Fields{
				"rule_id":  rule.ID,
				"event_id": ev.ID,
			}).Error("Rule execution failed")
			sentry.CaptureException(err)
		}
	}
}

// Matches evaluates the trigger predicate for the event. Type equality
// is already guaranteed by the rule query.
func (r *CompiledRule) Matches(ev Event) bool {
	switch r.Trigger.Type {
	case models.TriggerTagAdded, models.TriggerTagRemoved:
		// Absent tag id is a wildcard
		if r.Trigger.Tag == nil || r.Trigger.Tag.TagID == nil {
			return true
		}
		return ev.TagID != nil && *ev.TagID == *r.Trigger.Tag.TagID

	case models.TriggerNoReply:
		// Only the sweep produces these events; it reports the age of
		// the contact's last outbound email.
		if r.Trigger.NoReply == nil {
			return false
		}
		return ev.NoReplyAgeDays >= r.Trigger.NoReply.Days

	case models.TriggerLeadScoreChanged:
		return r.matchesScoreCrossing(ev)

	default:
		return true
	}
}

// matchesScoreCrossing matches an upward crossing of threshold_above or
// a downward crossing of threshold_below. With both thresholds set the
// rule can match on either crossing, never both in one evaluation: a
// single score change moves in one direction only.
func (r *CompiledRule) matchesScoreCrossing(ev Event) bool {
	cfg := r.Trigger.LeadScore
	if cfg == nil || ev.OldScore == nil || ev.NewScore == nil {
		return false
	}
	oldScore, newScore := *ev.OldScore, *ev.NewScore

	if cfg.ThresholdAbove != nil && oldScore < *cfg.ThresholdAbove && *cfg.ThresholdAbove <= newScore {
		return true
	}
	if cfg.ThresholdBelow != nil && oldScore >= *cfg.ThresholdBelow && *cfg.ThresholdBelow > newScore {
		return true
	}
	return false
}
