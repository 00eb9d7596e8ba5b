package models

import (
	"time"

	"gorm.io/gorm"
)

// SequenceExecution statuses. The four terminal states never
// transition again and never produce new scheduled emails.
const (
	ExecutionActive    = "active"
	ExecutionPaused    = "paused"
	ExecutionCompleted = "completed"
	ExecutionReplied   = "replied"
	ExecutionFailed    = "failed"
	ExecutionCancelled = "cancelled"
)

// ScheduledEmail statuses. "sending" marks a row claimed by the
// dispatch worker so cancellation cannot race a send in flight.
const (
	EmailPending   = "pending"
	EmailSending   = "sending"
	EmailSent      = "sent"
	EmailCancelled = "cancelled"
	EmailFailed    = "failed"
)

// Sequence represents a multi-step drip campaign
type Sequence struct {
	gorm.Model

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
	Active      bool   `gorm:"default:true;index" json:"active"`

	// Relations
	Steps      []SequenceStep      `gorm:"foreignKey:SequenceID" json:"steps,omitempty"`
	Executions []SequenceExecution `gorm:"foreignKey:SequenceID" json:"executions,omitempty"`
}

// SequenceStep is one templated email within a sequence. The delay
// counts from the previous step's send (from execution start for step 1).
type SequenceStep struct {
	gorm.Model

	SequenceID uint `gorm:"not null;index" json:"sequence_id"`
	StepOrder  int  `gorm:"not null" json:"step_order"`

	SubjectTemplate string `gorm:"not null" json:"subject_template"`
	BodyTemplate    string `gorm:"type:text" json:"body_template"`

	DelayDays    int `gorm:"default:0" json:"delay_days"`
	DelayHours   int `gorm:"default:0" json:"delay_hours"`
	DelayMinutes int `gorm:"default:0" json:"delay_minutes"`

	// Tracking
	SentCount int `gorm:"default:0" json:"sent_count"`
}

// Delay returns the configured wait before this step fires.
func (s *SequenceStep) Delay() time.Duration {
	return time.Duration(s.DelayDays)*24*time.Hour +
		time.Duration(s.DelayHours)*time.Hour +
		time.Duration(s.DelayMinutes)*time.Minute
}

// SequenceExecution is one contact's run through a sequence
type SequenceExecution struct {
	gorm.Model

	SequenceID uint  `gorm:"not null;index" json:"sequence_id"`
	ContactID  uint  `gorm:"not null;index" json:"contact_id"`
	DealID     *uint `json:"deal_id,omitempty"`

	Status           string `gorm:"default:'active';index" json:"status"`
	CurrentStepIndex int    `gorm:"default:0" json:"current_step_index"`

	StartedAt   time.Time  `gorm:"not null" json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	LastError   string     `json:"last_error"`

	// Relations
	Sequence        Sequence         `json:"-"`
	Contact         Contact          `json:"-"`
	ScheduledEmails []ScheduledEmail `gorm:"foreignKey:ExecutionID" json:"scheduled_emails,omitempty"`
}

// Terminal reports whether the execution can never progress again.
func (e *SequenceExecution) Terminal() bool {
	switch e.Status {
	case ExecutionCompleted, ExecutionReplied, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// ScheduledEmail is a persisted unit of pending send work. At most one
// pending row exists per execution; the next step's row is only created
// after this one leaves pending.
type ScheduledEmail struct {
	gorm.Model

	ExecutionID uint `gorm:"not null;index" json:"execution_id"`
	StepID      uint `gorm:"not null" json:"step_id"`

	// Computed once at creation and persisted; pause does not shift it
	ScheduledAt time.Time `gorm:"not null;index" json:"scheduled_at"`

	Status       string     `gorm:"default:'pending';index" json:"status"`
	AttemptCount int        `gorm:"default:0" json:"attempt_count"`
	SentAt       *time.Time `json:"sent_at"`
	MessageID    string     `gorm:"index" json:"message_id"`
	LastError    string     `json:"last_error"`

	// Engagement, written by the tracking endpoints
	OpenCount  int        `gorm:"default:0" json:"open_count"`
	ClickCount int        `gorm:"default:0" json:"click_count"`
	OpenedAt   *time.Time `json:"opened_at"`
	ClickedAt  *time.Time `json:"clicked_at"`

	// Relations
	Execution SequenceExecution `json:"-"`
	Step      SequenceStep      `json:"-"`
}
