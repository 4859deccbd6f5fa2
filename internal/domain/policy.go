package domain

import (
	"time"
)

// TriggerType определяет, по каким признакам политика перехватывает действие.
type TriggerType string

const (
	TriggerToolCall     TriggerType = "tool_call"
	TriggerExternalAPI  TriggerType = "external_api"
	TriggerSpending     TriggerType = "spending"
	TriggerDataMutation TriggerType = "data_mutation"
	TriggerEscalation   TriggerType = "escalation"
	TriggerCustom       TriggerType = "custom"
)

func (t TriggerType) Valid() bool {
	switch t {
	case TriggerToolCall, TriggerExternalAPI, TriggerSpending, TriggerDataMutation, TriggerEscalation, TriggerCustom:
		return true
	}
	return false
}

// HitlPolicy — декларативное правило Human-in-the-loop. Движок его только читает.
//
// Conditions по типу триггера:
//
//	tool_call, external_api: {"patterns": ["delete_*", "send_email"]}
//	spending:                {"threshold_usd": 100}
//	data_mutation:           {"tables": ["users"], "operations": ["delete", "update"]}
//	custom:                  {"match": {"env": "prod"}}
type HitlPolicy struct {
	ID             string                 `json:"id"`
	AgentID        string                 `json:"agent_id"`
	Name           string                 `json:"name"`
	TriggerType    TriggerType            `json:"trigger_type"`
	Conditions     map[string]interface{} `json:"conditions"`
	AutoApprove    bool                   `json:"auto_approve"`
	TimeoutSeconds *int                   `json:"timeout_seconds,omitempty"`
	IsActive       bool                   `json:"is_active"`
	Priority       int                    `json:"priority"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p *HitlPolicy) Validate() error {
	if p.AgentID == "" {
		return &ValidationError{Field: "agent_id", Message: "required"}
	}
	if !p.TriggerType.Valid() {
		return &ValidationError{Field: "trigger_type", Message: "unknown trigger type " + string(p.TriggerType)}
	}
	if p.TimeoutSeconds != nil && *p.TimeoutSeconds <= 0 {
		return &ValidationError{Field: "timeout_seconds", Message: "must be positive"}
	}
	return nil
}

// ActionContext — действие агента, которое проверяется на соответствие политикам.
type ActionContext struct {
	ActionType string                 `json:"action_type"`
	Summary    string                 `json:"summary"`
	Details    map[string]interface{} `json:"details"`
}
