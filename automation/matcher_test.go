package automation

import (
	"context"
	"testing"

	"crmflow/models"
	"crmflow/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatcherPriorityOrdering(t *testing.T) {
	db, matcher, rec := newTestEngineParts(t)

	low := notifyRule(t, db, "runs second", models.TriggerContactCreated, func(r *models.AutomationRule) {
		r.Priority = 200
	})
	high := notifyRule(t, db, "runs first", models.TriggerContactCreated, func(r *models.AutomationRule) {
		r.Priority = 10
	})
	samePrio := notifyRule(t, db, "tie broken by id", models.TriggerContactCreated, func(r *models.AutomationRule) {
		r.Priority = 10
	})

	matcher.HandleEvent(context.Background(), NewEvent(models.TriggerContactCreated, 1))

	require.Equal(t, []uint{high.ID, samePrio.ID, low.ID}, rec.dispatched())
}

func TestMatcherSkipsInactiveAndOtherTriggers(t *testing.T) {
	db, matcher, rec := newTestEngineParts(t)

	notifyRule(t, db, "inactive", models.TriggerContactCreated, func(r *models.AutomationRule) {
		r.Active = false
	})
	notifyRule(t, db, "different trigger", models.TriggerAnyReply)

	matcher.HandleEvent(context.Background(), NewEvent(models.TriggerContactCreated, 1))

	require.Empty(t, rec.dispatched())
}

func TestMatcherRuleFailureDoesNotBlockSiblings(t *testing.T) {
	db, matcher, rec := newTestEngineParts(t)

	failing := notifyRule(t, db, "fails", models.TriggerContactCreated, func(r *models.AutomationRule) {
		r.Priority = 1
	})
	healthy := notifyRule(t, db, "still runs", models.TriggerContactCreated, func(r *models.AutomationRule) {
		r.Priority = 2
	})
	rec.failRule[failing.ID] = errBoom

	matcher.HandleEvent(context.Background(), NewEvent(models.TriggerContactCreated, 1))

	require.Equal(t, []uint{failing.ID, healthy.ID}, rec.dispatched())
}

func TestTagTriggerWildcardAndSpecific(t *testing.T) {
	db, matcher, rec := newTestEngineParts(t)

	wildcard := notifyRule(t, db, "any tag", models.TriggerTagAdded)
	specific := notifyRule(t, db, "tag 7 only", models.TriggerTagAdded, func(r *models.AutomationRule) {
		r.TriggerConfig = map[string]interface{}{"tag_id": 7}
		r.AllowMultipleExecutions = true
	})

	ev := NewEvent(models.TriggerTagAdded, 1)
	ev.TagID = utils.Pointer(uint(7))
	matcher.HandleEvent(context.Background(), ev)
	require.Equal(t, []uint{wildcard.ID, specific.ID}, rec.dispatched())

	// A different tag on another contact only matches the wildcard
	other := NewEvent(models.TriggerTagAdded, 2)
	other.TagID = utils.Pointer(uint(9))
	matcher.HandleEvent(context.Background(), other)
	require.Equal(t, []uint{wildcard.ID, specific.ID, wildcard.ID}, rec.dispatched())
}

func TestLeadScoreCrossingPredicate(t *testing.T) {
	above := 50
	below := 30

	tests := []struct {
		name     string
		trigger  LeadScoreTrigger
		oldScore int
		newScore int
		want     bool
	}{
		{"upward crossing", LeadScoreTrigger{ThresholdAbove: &above}, 40, 60, true},
		{"lands exactly on threshold", LeadScoreTrigger{ThresholdAbove: &above}, 40, 50, true},
		{"already above", LeadScoreTrigger{ThresholdAbove: &above}, 55, 60, false},
		{"moving down ignores above", LeadScoreTrigger{ThresholdAbove: &above}, 60, 40, false},
		{"downward crossing", LeadScoreTrigger{ThresholdBelow: &below}, 40, 20, true},
		{"leaves exactly the threshold", LeadScoreTrigger{ThresholdBelow: &below}, 30, 29, true},
		{"already below", LeadScoreTrigger{ThresholdBelow: &below}, 25, 10, false},
		{"both set, upward", LeadScoreTrigger{ThresholdAbove: &above, ThresholdBelow: &below}, 40, 60, true},
		{"both set, downward", LeadScoreTrigger{ThresholdAbove: &above, ThresholdBelow: &below}, 40, 20, true},
		{"both set, no crossing", LeadScoreTrigger{ThresholdAbove: &above, ThresholdBelow: &below}, 35, 45, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := &CompiledRule{
				Trigger: TriggerSpec{
					Type:      models.TriggerLeadScoreChanged,
					LeadScore: &tt.trigger,
				},
			}
			ev := NewEvent(models.TriggerLeadScoreChanged, 1)
			ev.OldScore = &tt.oldScore
			ev.NewScore = &tt.newScore
			assert.Equal(t, tt.want, rule.Matches(ev))
		})
	}
}

func TestNoReplyPredicateUsesEventAge(t *testing.T) {
	rule := &CompiledRule{
		Trigger: TriggerSpec{
			Type:    models.TriggerNoReply,
			NoReply: &NoReplyTrigger{Days: 5},
		},
	}

	ev := NewEvent(models.TriggerNoReply, 1)
	ev.NoReplyAgeDays = 4
	assert.False(t, rule.Matches(ev))

	ev.NoReplyAgeDays = 5
	assert.True(t, rule.Matches(ev))

	ev.NoReplyAgeDays = 12
	assert.True(t, rule.Matches(ev))
}
