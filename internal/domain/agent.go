package domain

import "time"

// AgentStatus — долговременный статус агента в Control Plane.
type AgentStatus string

const (
	AgentDraft    AgentStatus = "draft"    // Создан, но ни разу не запускался
	AgentRunning  AgentStatus = "running"  // Исполняется на Execution Plane
	AgentPaused   AgentStatus = "paused"   // Раннер остановлен, конфигурация сохранена
	AgentStopped  AgentStatus = "stopped"  // Остановлен, запись на Execution Plane удалена
	AgentError    AgentStatus = "error"    // Бэкенд сообщил о сбое
	AgentArchived AgentStatus = "archived" // Терминальный статус
)

// agentTransitions — граф допустимых переходов. Всё, чего нет в графе, отклоняется
// до того, как команда попадёт на шину.
var agentTransitions = map[AgentStatus][]AgentStatus{
	AgentDraft:    {AgentRunning, AgentArchived},
	AgentRunning:  {AgentPaused, AgentStopped, AgentError},
	AgentPaused:   {AgentRunning, AgentStopped, AgentArchived},
	AgentStopped:  {AgentRunning, AgentArchived},
	AgentError:    {AgentRunning, AgentStopped, AgentArchived},
	AgentArchived: {},
}

func (s AgentStatus) Valid() bool {
	_, ok := agentTransitions[s]
	return ok
}

// NextStates возвращает копию списка допустимых следующих статусов.
func (s AgentStatus) NextStates() []AgentStatus {
	next := agentTransitions[s]
	out := make([]AgentStatus, len(next))
	copy(out, next)
	return out
}

func (s AgentStatus) CanTransitionTo(next AgentStatus) bool {
	for _, candidate := range agentTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// CheckAgentTransition проверяет ребро графа и возвращает StateConflictError
// с перечнем допустимых статусов, если перехода нет.
func CheckAgentTransition(agentID string, from, to AgentStatus) error {
	if !to.Valid() {
		return &ValidationError{Field: "status", Message: "unknown agent status " + string(to)}
	}
	if from.CanTransitionTo(to) {
		return nil
	}
	allowed := make([]string, 0, len(agentTransitions[from]))
	for _, s := range agentTransitions[from] {
		allowed = append(allowed, string(s))
	}
	return &StateConflictError{
		Entity:    "agent",
		ID:        agentID,
		Current:   string(from),
		Requested: string(to),
		Allowed:   allowed,
	}
}

// Agent — сконфигурированная долгоживущая нагрузка. Владелец записи — Control Plane,
// Execution Plane видит только проекцию.
type Agent struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Framework   string                 `json:"framework"` // Селектор бэкенда (непрозрачный)
	ModelConfig map[string]interface{} `json:"model_config"`
	Status      AgentStatus            `json:"status"`
	Version     int64                  `json:"version"` // Растёт строго монотонно на каждой мутации

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RuntimeStatus — локальный статус агента внутри одного инстанса Execution Plane.
type RuntimeStatus string

const (
	RuntimeStarting RuntimeStatus = "starting"
	RuntimeRunning  RuntimeStatus = "running"
	RuntimePaused   RuntimeStatus = "paused"
	RuntimeStopping RuntimeStatus = "stopping"
	RuntimeStopped  RuntimeStatus = "stopped"
	RuntimeError    RuntimeStatus = "error"
	RuntimeUnknown  RuntimeStatus = "unknown"
)

// Conflict описывает проигранный CAS: запрошенный переход относительно фактического состояния.
func (a Agent) Conflict(requested string) *StateConflictError {
	var allowed []string
	for _, st := range a.Status.NextStates() {
		allowed = append(allowed, string(st))
	}
	return &StateConflictError{
		Entity:    "agent",
		ID:        a.ID,
		Current:   string(a.Status),
		Requested: requested,
		Allowed:   allowed,
	}
}
