package models

import (
	"time"

	"gorm.io/gorm"
)

// Trigger types an automation rule can react to
const (
	TriggerContactCreated   = "CONTACT_CREATED"
	TriggerEmailOpened      = "EMAIL_OPENED"
	TriggerEmailClicked     = "EMAIL_CLICKED"
	TriggerTagAdded         = "TAG_ADDED"
	TriggerTagRemoved       = "TAG_REMOVED"
	TriggerDealCreated      = "DEAL_CREATED"
	TriggerDealStageChanged = "DEAL_STAGE_CHANGED"
	TriggerAnyReply         = "ANY_REPLY"
	TriggerPositiveReply    = "POSITIVE_REPLY"
	TriggerNegativeReply    = "NEGATIVE_REPLY"
	TriggerLeadScoreChanged = "LEAD_SCORE_CHANGED"
	TriggerNoReply          = "NO_REPLY"
	TriggerSequenceComplete = "SEQUENCE_COMPLETED"
)

// Action types a rule can dispatch when its trigger matches
const (
	ActionStartSequence   = "START_SEQUENCE"
	ActionStopSequence    = "STOP_SEQUENCE"
	ActionCreateTask      = "CREATE_TASK"
	ActionMoveDeal        = "MOVE_DEAL"
	ActionCreateDeal      = "CREATE_DEAL"
	ActionAddTag          = "ADD_TAG"
	ActionRemoveTag       = "REMOVE_TAG"
	ActionUpdateLeadScore = "UPDATE_LEAD_SCORE"
	ActionSendNotif       = "SEND_NOTIFICATION"
	ActionSendEmail       = "SEND_EMAIL"
)

// AutomationRule maps a domain event to an action
type AutomationRule struct {
	gorm.Model

	Name   string `gorm:"not null" json:"name"`
	Active bool   `gorm:"default:true;index" json:"active"`

	// Lower priority evaluates first; rule id breaks ties
	Priority int `gorm:"default:100" json:"priority"`

	TriggerType   string                 `gorm:"not null;index" json:"trigger_type"`
	TriggerConfig map[string]interface{} `gorm:"type:jsonb;serializer:json" json:"trigger_config"`

	ActionType   string                 `gorm:"not null" json:"action_type"`
	ActionConfig map[string]interface{} `gorm:"type:jsonb;serializer:json" json:"action_config"`

	// One-shot vs repeatable execution per subject
	AllowMultipleExecutions bool       `gorm:"default:false" json:"allow_multiple_executions"`
	ExecutionCount          int        `gorm:"default:0" json:"execution_count"`
	LastExecutedAt          *time.Time `json:"last_executed_at"`

	// Relations
	Executions []RuleExecution `gorm:"foreignKey:RuleID" json:"executions,omitempty"`
}

// RuleExecution records that a rule has fired for a subject.
// The unique (rule_id, subject_key) index is what makes the
// guard's check-and-set safe under concurrent events.
type RuleExecution struct {
	gorm.Model

	RuleID     uint   `gorm:"not null;uniqueIndex:idx_rule_subject" json:"rule_id"`
	SubjectKey string `gorm:"not null;uniqueIndex:idx_rule_subject" json:"subject_key"`

	ContactID uint  `gorm:"index" json:"contact_id"`
	DealID    *uint `json:"deal_id,omitempty"`

	Count           int       `gorm:"default:1" json:"count"`
	FirstExecutedAt time.Time `gorm:"not null" json:"first_executed_at"`
	LastExecutedAt  time.Time `gorm:"not null" json:"last_executed_at"`

	// Relations
	Rule AutomationRule `json:"-"`
}
