package models

import (
	"time"

	"gorm.io/gorm"
)

// Contact represents a single CRM contact
type Contact struct {
	gorm.Model

	Email     string `gorm:"not null;index" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	Position  string `json:"position"`
	Phone     string `json:"phone"`

	// Lead score, clamped to [0,100] by the score service
	LeadScore int `gorm:"default:0" json:"lead_score"`

	// Status
	IsUnsubscribed bool `gorm:"default:false" json:"is_unsubscribed"`
	IsDoNotContact bool `gorm:"default:false" json:"is_do_not_contact"`

	// Reply-age bookkeeping for the NO_REPLY sweep
	LastEmailedAt *time.Time `json:"last_emailed_at"`
	LastRepliedAt *time.Time `json:"last_replied_at"`

	// Relations
	Tags       []ContactTag        `gorm:"foreignKey:ContactID" json:"tags,omitempty"`
	Deals      []Deal              `gorm:"foreignKey:ContactID" json:"deals,omitempty"`
	Executions []SequenceExecution `gorm:"foreignKey:ContactID" json:"executions,omitempty"`
}

// ContactTag joins a contact to a tag
type ContactTag struct {
	gorm.Model

	ContactID uint `gorm:"not null;uniqueIndex:idx_contact_tag" json:"contact_id"`
	TagID     uint `gorm:"not null;uniqueIndex:idx_contact_tag" json:"tag_id"`

	// Relations
	Contact Contact `json:"-"`
	Tag     Tag     `json:"-"`
}

// Tag is a label attachable to contacts
type Tag struct {
	gorm.Model
	Name string `gorm:"not null;uniqueIndex" json:"name"`
}

// Deal represents a sales opportunity tied to a contact
type Deal struct {
	gorm.Model

	ContactID  uint    `gorm:"not null;index" json:"contact_id"`
	PipelineID uint    `gorm:"not null;index" json:"pipeline_id"`
	StageID    uint    `gorm:"not null;index" json:"stage_id"`
	Title      string  `gorm:"not null" json:"title"`
	Value      float64 `gorm:"default:0" json:"value"`

	// Relations
	Contact Contact `json:"-"`
}

// Task is a follow-up item created by automation actions
type Task struct {
	gorm.Model

	ContactID uint  `gorm:"not null;index" json:"contact_id"`
	DealID    *uint `json:"deal_id,omitempty"`

	Title    string     `gorm:"not null" json:"title"`
	Type     string     `json:"type"` // call, email, meeting, todo
	Priority string     `gorm:"default:'normal'" json:"priority"`
	DueAt    *time.Time `json:"due_at"`
	Done     bool       `gorm:"default:false" json:"done"`
}

// Notification is a message surfaced to the operator UI
type Notification struct {
	gorm.Model

	ContactID uint   `gorm:"index" json:"contact_id"`
	RuleID    *uint  `json:"rule_id,omitempty"`
	Message   string `gorm:"not null" json:"message"`
	Read      bool   `gorm:"default:false" json:"read"`
}

// EmailAccount holds SMTP/IMAP credentials for an outbound identity
type EmailAccount struct {
	gorm.Model

	Name      string `gorm:"not null" json:"name"`
	FromEmail string `gorm:"not null" json:"from_email"`
	FromName  string `json:"from_name"`

	SMTPHost     string `json:"smtp_host"`
	SMTPPort     int    `json:"smtp_port"`
	SMTPUsername string `json:"smtp_username"`
	SMTPPassword string `json:"-"`

	IMAPHost     string `json:"imap_host"`
	IMAPPort     int    `json:"imap_port"`
	IMAPUsername string `json:"imap_username"`
	IMAPPassword string `json:"-"`

	IsDefault bool `gorm:"default:false" json:"is_default"`
	IsActive  bool `gorm:"default:true" json:"is_active"`

	LastPolledAt *time.Time `json:"last_polled_at"`
	LastError    string     `json:"last_error"`
}
