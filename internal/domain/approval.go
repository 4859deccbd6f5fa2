package domain

import (
	"time"
)

// Статусы State Machine
type ApprovalStatus string

const (
	StatusPending   ApprovalStatus = "pending"
	StatusApproved  ApprovalStatus = "approved"
	StatusRejected  ApprovalStatus = "rejected"
	StatusExpired   ApprovalStatus = "expired"
	StatusCancelled ApprovalStatus = "cancelled"
)

func (s ApprovalStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// ApprovalRequest создаётся, когда действие агента перехвачено политикой HITL.
// Из pending выходит ровно один раз.
type ApprovalRequest struct {
	ID            string                 `json:"id"`
	AgentID       string                 `json:"agent_id"`
	PolicyID      *string                `json:"policy_id,omitempty"`
	ActionType    string                 `json:"action_type"`
	ActionSummary string                 `json:"action_summary"`
	ActionDetails map[string]interface{} `json:"action_details"`
	Status        ApprovalStatus         `json:"status"`

	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	AutoResolve bool       `json:"auto_resolve"` // true: по таймауту approved, иначе expired

	ReviewerID *string    `json:"reviewer_id,omitempty"`
	ReviewedAt *time.Time `json:"reviewed_at,omitempty"`
	Comment    *string    `json:"comment,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CanTransitionTo проверяет правила конечного автомата
func (a *ApprovalRequest) CanTransitionTo(next ApprovalStatus) error {
	if a.Status != StatusPending {
		return &StateConflictError{
			Entity:    "approval",
			ID:        a.ID,
			Current:   string(a.Status),
			Requested: string(next),
		}
	}
	if next == StatusPending || !next.Valid() {
		return &StateConflictError{
			Entity:    "approval",
			ID:        a.ID,
			Current:   string(a.Status),
			Requested: string(next),
			Allowed: []string{
				string(StatusApproved), string(StatusRejected),
				string(StatusExpired), string(StatusCancelled),
			},
		}
	}
	return nil
}

// ApprovalFilter — выборка для очереди решений (Decision Queue).
type ApprovalFilter struct {
	AgentID string
	Status  ApprovalStatus
	Limit   int
}

// ApprovalResolution — целевое состояние условного перехода из pending.
type ApprovalResolution struct {
	Status     ApprovalStatus
	ReviewerID *string
	Comment    *string
	ReviewedAt *time.Time
}
