package automation

import (
	"fmt"
	"time"

	"crmflow/models"

	"github.com/google/uuid"
)

// Event is a typed domain event carried on the bus. Only the fields
// relevant to the event type are populated.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	ContactID uint      `json:"contact_id"`
	DealID    *uint     `json:"deal_id,omitempty"`

	TagID      *uint  `json:"tag_id,omitempty"`
	EmailID    *uint  `json:"email_id,omitempty"`
	SequenceID *uint  `json:"sequence_id,omitempty"`
	StageID    *uint  `json:"stage_id,omitempty"`
	MessageID  string `json:"message_id,omitempty"`

	// LEAD_SCORE_CHANGED payload
	OldScore *int `json:"old_score,omitempty"`
	NewScore *int `json:"new_score,omitempty"`

	// NO_REPLY payload, set by the sweep worker
	NoReplyAgeDays int `json:"no_reply_age_days,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
}

// NewEvent builds an event with a fresh id and timestamp.
func NewEvent(eventType string, contactID uint) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		ContactID:  contactID,
		OccurredAt: time.Now().UTC(),
	}
}

// SubjectKey derives the dedup identity for the event's primary entity:
// the contact, plus the deal for deal-scoped triggers.
func (e Event) SubjectKey() string {
	switch e.Type {
	case models.TriggerDealCreated, models.TriggerDealStageChanged:
		if e.DealID != nil {
			return fmt.Sprintf("contact:%d:deal:%d", e.ContactID, *e.DealID)
		}
	}
	return fmt.Sprintf("contact:%d", e.ContactID)
}
