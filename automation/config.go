package automation

import (
	"bytes"
	"encoding/json"
	"fmt"

	"crmflow/models"
	"crmflow/utils"
)

// Trigger config variants. The opaque map stored on the rule is decoded
// into the variant for its trigger type at the system boundary (rule
// save) and again when rules are loaded for matching, never field by
// field during evaluation.

// TagTrigger configures TAG_ADDED / TAG_REMOVED. A nil TagID is a
// wildcard matching any tag.
type TagTrigger struct {
	TagID *uint `json:"tag_id,omitempty"`
}

// NoReplyTrigger configures the polled NO_REPLY trigger.
type NoReplyTrigger struct {
	Days int `json:"days" validate:"required,min=1"`
}

// LeadScoreTrigger fires when the score crosses a threshold upward,
// downward, or either when both are set.
type LeadScoreTrigger struct {
	ThresholdAbove *int `json:"threshold_above,omitempty" validate:"omitempty,min=0,max=100"`
	ThresholdBelow *int `json:"threshold_below,omitempty" validate:"omitempty,min=0,max=100"`
}

// Action config variants, one per action type.

type StartSequenceAction struct {
	SequenceID uint `json:"sequence_id" validate:"required"`
}

type StopSequenceAction struct {
	SequenceID uint `json:"sequence_id" validate:"required"`
}

type CreateTaskAction struct {
	Title    string `json:"title" validate:"required"`
	Type     string `json:"type" validate:"omitempty,oneof=call email meeting todo"`
	Priority string `json:"priority" validate:"omitempty,oneof=low normal high"`
	DueDays  int    `json:"due_days" validate:"min=0"`
}

type MoveDealAction struct {
	StageID uint `json:"stage_id" validate:"required"`
}

type CreateDealAction struct {
	Title      string  `json:"title" validate:"required"`
	Value      float64 `json:"value" validate:"min=0"`
	PipelineID *uint   `json:"pipeline_id,omitempty"`
}

type TagAction struct {
	TagID uint `json:"tag_id" validate:"required"`
}

type UpdateScoreAction struct {
	ScoreChange int `json:"score_change" validate:"required"`
}

type NotifyAction struct {
	Message string `json:"message" validate:"required"`
}

type SendEmailAction struct {
	TemplateID uint  `json:"template_id" validate:"required"`
	AccountID  *uint `json:"account_id,omitempty"`
}

// TriggerSpec is the decoded trigger side of a rule. Exactly one
// variant pointer is non-nil for types that carry config.
type TriggerSpec struct {
	Type      string
	Tag       *TagTrigger
	NoReply   *NoReplyTrigger
	LeadScore *LeadScoreTrigger
}

// ActionSpec is the decoded action side of a rule.
type ActionSpec struct {
	Type          string
	StartSequence *StartSequenceAction
	StopSequence  *StopSequenceAction
	CreateTask    *CreateTaskAction
	MoveDeal      *MoveDealAction
	CreateDeal    *CreateDealAction
	AddTag        *TagAction
	RemoveTag     *TagAction
	UpdateScore   *UpdateScoreAction
	Notify        *NotifyAction
	SendEmail     *SendEmailAction
}

// CompiledRule pairs a rule with its decoded, validated configs.
type CompiledRule struct {
	Rule    models.AutomationRule
	Trigger TriggerSpec
	Action  ActionSpec
}

// CompileRule decodes and validates both configs. A failure means the
// rule is unusable and is reported as a ValidationError.
func CompileRule(rule models.AutomationRule) (*CompiledRule, error) {
	trigger, err := ParseTriggerConfig(rule.TriggerType, rule.TriggerConfig)
	if err != nil {
		return nil, err
	}
	action, err := ParseActionConfig(rule.ActionType, rule.ActionConfig)
	if err != nil {
		return nil, err
	}
	return &CompiledRule{Rule: rule, Trigger: *trigger, Action: *action}, nil
}

// ParseTriggerConfig decodes the opaque map into the typed variant for
// the trigger type.
func ParseTriggerConfig(triggerType string, raw map[string]interface{}) (*TriggerSpec, error) {
	spec := &TriggerSpec{Type: triggerType}
	switch triggerType {
	case models.TriggerTagAdded, models.TriggerTagRemoved:
		var cfg TagTrigger
		if err := decodeConfig("trigger_config", raw, &cfg); err != nil {
			return nil, err
		}
		spec.Tag = &cfg
	case models.TriggerNoReply:
		var cfg NoReplyTrigger
		if err := decodeConfig("trigger_config", raw, &cfg); err != nil {
			return nil, err
		}
		spec.NoReply = &cfg
	case models.TriggerLeadScoreChanged:
		var cfg LeadScoreTrigger
		if err := decodeConfig("trigger_config", raw, &cfg); err != nil {
			return nil, err
		}
		if cfg.ThresholdAbove == nil && cfg.ThresholdBelow == nil {
			return nil, &ValidationError{Field: "trigger_config", Reason: "at least one of threshold_above, threshold_below is required"}
		}
		spec.LeadScore = &cfg
	case models.TriggerContactCreated, models.TriggerEmailOpened, models.TriggerEmailClicked,
		models.TriggerDealCreated, models.TriggerDealStageChanged,
		models.TriggerAnyReply, models.TriggerPositiveReply, models.TriggerNegativeReply,
		models.TriggerSequenceComplete:
		if len(raw) > 0 {
			return nil, &ValidationError{Field: "trigger_config", Reason: fmt.Sprintf("trigger %s takes no config", triggerType)}
		}
	default:
		return nil, &ValidationError{Field: "trigger_type", Reason: fmt.Sprintf("unknown trigger type %q", triggerType)}
	}
	return spec, nil
}

// ParseActionConfig decodes the opaque map into the typed variant for
// the action type.
func ParseActionConfig(actionType string, raw map[string]interface{}) (*ActionSpec, error) {
	spec := &ActionSpec{Type: actionType}
	var err error
	switch actionType {
	case models.ActionStartSequence:
		cfg := &StartSequenceAction{}
		err = decodeConfig("action_config", raw, cfg)
		spec.StartSequence = cfg
	case models.ActionStopSequence:
		cfg := &StopSequenceAction{}
		err = decodeConfig("action_config", raw, cfg)
		spec.StopSequence = cfg
	case models.ActionCreateTask:
		cfg := &CreateTaskAction{}
		err = decodeConfig("action_config", raw, cfg)
		spec.CreateTask = cfg
	case models.ActionMoveDeal:
		cfg := &MoveDealAction{}
		err = decodeConfig("action_config", raw, cfg)
		spec.MoveDeal = cfg
	case models.ActionCreateDeal:
		cfg := &CreateDealAction{}
		err = decodeConfig("action_config", raw, cfg)
		spec.CreateDeal = cfg
	case models.ActionAddTag:
		cfg := &TagAction{}
		err = decodeConfig("action_config", raw, cfg)
		spec.AddTag = cfg
	case models.ActionRemoveTag:
		cfg := &TagAction{}
		err = decodeConfig("action_config", raw, cfg)
		spec.RemoveTag = cfg
	case models.ActionUpdateLeadScore:
		cfg := &UpdateScoreAction{}
		err = decodeConfig("action_config", raw, cfg)
		spec.UpdateScore = cfg
	case models.ActionSendNotif:
		cfg := &NotifyAction{}
		err = decodeConfig("action_config", raw, cfg)
		spec.Notify = cfg
	case models.ActionSendEmail:
		cfg := &SendEmailAction{}
		err = decodeConfig("action_config", raw, cfg)
		spec.SendEmail = cfg
	default:
		return nil, &ValidationError{Field: "action_type", Reason: fmt.Sprintf("unknown action type %q", actionType)}
	}
	if err != nil {
		return nil, err
	}
	return spec, nil
}

// decodeConfig round-trips the opaque map through JSON into the typed
// struct, rejecting unknown keys, then runs struct validation.
func decodeConfig(field string, raw map[string]interface{}, out interface{}) error {
	if raw == nil {
		raw = map[string]interface{}{}
	}
	payload, err := json.Marshal(raw)
	if err != nil {
		return &ValidationError{Field: field, Reason: err.Error()}
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return &ValidationError{Field: field, Reason: err.Error()}
	}
	if err := utils.ValidateStruct(out); err != nil {
		return &ValidationError{Field: field, Reason: err.Error()}
	}
	return nil
}
