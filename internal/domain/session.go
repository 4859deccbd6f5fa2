package domain

import "time"

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionIdle      SessionStatus = "idle"
	SessionCompleted SessionStatus = "completed"
	SessionExpired   SessionStatus = "expired"
	SessionError     SessionStatus = "error"
)

// completed, expired и error — терминальные
var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionActive:    {SessionIdle, SessionCompleted, SessionError},
	SessionIdle:      {SessionActive, SessionCompleted, SessionExpired},
	SessionCompleted: {},
	SessionExpired:   {},
	SessionError:     {},
}

func (s SessionStatus) Valid() bool {
	_, ok := sessionTransitions[s]
	return ok
}

func (s SessionStatus) IsTerminal() bool {
	return s.Valid() && len(sessionTransitions[s]) == 0
}

func (s SessionStatus) NextStates() []SessionStatus {
	next := sessionTransitions[s]
	out := make([]SessionStatus, len(next))
	copy(out, next)
	return out
}

func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	for _, candidate := range sessionTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

func CheckSessionTransition(sessionID string, from, to SessionStatus) error {
	if !to.Valid() {
		return &ValidationError{Field: "status", Message: "unknown session status " + string(to)}
	}
	if from.CanTransitionTo(to) {
		return nil
	}
	allowed := make([]string, 0, len(sessionTransitions[from]))
	for _, s := range sessionTransitions[from] {
		allowed = append(allowed, string(s))
	}
	return &StateConflictError{
		Entity:    "session",
		ID:        sessionID,
		Current:   string(from),
		Requested: string(to),
		Allowed:   allowed,
	}
}

// Session — ограниченный контекст исполнения, принадлежащий одному агенту.
type Session struct {
	ID          string        `json:"id"`
	AgentID     string        `json:"agent_id"`
	Status      SessionStatus `json:"status"`
	TurnCount   int           `json:"turn_count"`
	TotalTokens int64         `json:"total_tokens"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s Session) Conflict(requested SessionStatus) *StateConflictError {
	var allowed []string
	for _, st := range s.Status.NextStates() {
		allowed = append(allowed, string(st))
	}
	return &StateConflictError{
		Entity:    "session",
		ID:        s.ID,
		Current:   string(s.Status),
		Requested: string(requested),
		Allowed:   allowed,
	}
}
