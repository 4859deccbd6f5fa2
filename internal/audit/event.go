package audit

import "time"

// Результат применения команды в журнале
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultIgnored = "ignored" // Идемпотентный no-op: повтор start, stop неизвестного агента и т.п.
)

// LifecycleEvent — одна запись журнала жизненного цикла.
type LifecycleEvent struct {
	ID         string    `json:"id"`         // UUID события
	RequestID  string    `json:"request_id"` // RequestID команды с шины
	AgentID    string    `json:"agent_id"`
	Command    string    `json:"command"`
	Result     string    `json:"result"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	InstanceID string    `json:"instance_id"` // Какая реплика Execution Plane применила
	Timestamp  time.Time `json:"timestamp"`
}
