package domain

import (
	"encoding/json"
	"net/url"
	"time"
)

// События, на которые можно подписать вебхук.
const (
	EventAgentCreated       = "agent.created"
	EventAgentStarted       = "agent.started"
	EventAgentPaused        = "agent.paused"
	EventAgentResumed       = "agent.resumed"
	EventAgentStopped       = "agent.stopped"
	EventAgentKilled        = "agent.killed"
	EventAgentError         = "agent.error"
	EventAgentModelUpdated  = "agent.model_updated"
	EventAgentStatusChanged = "agent.status_changed"
	EventApprovalCreated    = "approval.created"
	EventApprovalResolved   = "approval.resolved"
	EventApprovalExpired    = "approval.expired"
	EventApprovalCancelled  = "approval.cancelled"
)

var knownEvents = map[string]struct{}{
	EventAgentCreated: {}, EventAgentStarted: {}, EventAgentPaused: {}, EventAgentResumed: {},
	EventAgentStopped: {}, EventAgentKilled: {}, EventAgentError: {}, EventAgentModelUpdated: {},
	EventAgentStatusChanged: {}, EventApprovalCreated: {}, EventApprovalResolved: {},
	EventApprovalExpired: {}, EventApprovalCancelled: {},
}

func KnownEvent(event string) bool {
	_, ok := knownEvents[event]
	return ok
}

type WebhookSubscription struct {
	ID                string   `json:"id"`
	AgentID           string   `json:"agent_id"`
	URL               string   `json:"url"`
	Secret            string   `json:"-"` // Никогда не отдаём наружу
	Events            []string `json:"events"`
	IsActive          bool     `json:"is_active"`
	MaxRetries        int      `json:"max_retries"`
	RetryDelaySeconds int      `json:"retry_delay_seconds"`
	TimeoutMs         int      `json:"timeout_ms"`

	// Счётчики обновляются атомарно на стороне БД
	TotalDeliveries  int64   `json:"total_deliveries"`
	FailedDeliveries int64   `json:"failed_deliveries"`
	LastError        *string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *WebhookSubscription) HasEvent(event string) bool {
	for _, e := range s.Events {
		if e == event {
			return true
		}
	}
	return false
}

func (s *WebhookSubscription) Validate() error {
	u, err := url.Parse(s.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ValidationError{Field: "url", Message: "must be an absolute http(s) url"}
	}
	if s.Secret == "" {
		return &ValidationError{Field: "secret", Message: "required"}
	}
	if len(s.Events) == 0 {
		return &ValidationError{Field: "events", Message: "at least one event is required"}
	}
	for _, e := range s.Events {
		if !KnownEvent(e) {
			return &ValidationError{Field: "events", Message: "unknown event " + e}
		}
	}
	if s.MaxRetries < 0 {
		return &ValidationError{Field: "max_retries", Message: "must not be negative"}
	}
	if s.RetryDelaySeconds < 0 {
		return &ValidationError{Field: "retry_delay_seconds", Message: "must not be negative"}
	}
	if s.TimeoutMs <= 0 {
		return &ValidationError{Field: "timeout_ms", Message: "must be positive"}
	}
	return nil
}

type DeliveryStatus string

const (
	DeliveryPending  DeliveryStatus = "pending"
	DeliveryRetrying DeliveryStatus = "retrying"
	DeliverySuccess  DeliveryStatus = "success"
	DeliveryFailed   DeliveryStatus = "failed"
)

// WebhookDelivery — одна последовательность попыток доставки. Запись только обновляется,
// повторно не создаётся; AttemptNumber не превышает MaxAttempts.
type WebhookDelivery struct {
	ID             string          `json:"id"`
	WebhookID      string          `json:"webhook_id"`
	Event          string          `json:"event"`
	Payload        json.RawMessage `json:"payload"`
	Status         DeliveryStatus  `json:"status"`
	AttemptNumber  int             `json:"attempt_number"`
	MaxAttempts    int             `json:"max_attempts"`
	ResponseStatus *int            `json:"response_status,omitempty"`
	ResponseBody   *string         `json:"response_body,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// WebhookEnvelope — тело POST-запроса подписчику.
type WebhookEnvelope struct {
	Event     string                 `json:"event"`
	WebhookID string                 `json:"webhook_id"`
	AgentID   string                 `json:"agent_id"`
	Timestamp string                 `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}
