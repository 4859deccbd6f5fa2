package domain

import (
	"time"

	"github.com/google/uuid"
)

// CommandKind — намерение Control Plane, транслируемое на все Execution Plane.
type CommandKind string

const (
	CommandStart       CommandKind = "start"
	CommandStop        CommandKind = "stop"
	CommandPause       CommandKind = "pause"
	CommandResume      CommandKind = "resume"
	CommandKill        CommandKind = "kill"
	CommandUpdateModel CommandKind = "update_model"
)

func (k CommandKind) Valid() bool {
	switch k {
	case CommandStart, CommandStop, CommandPause, CommandResume, CommandKill, CommandUpdateModel:
		return true
	}
	return false
}

// Command существует только "на проводе" и шиной не персистится.
type Command struct {
	Command   CommandKind            `json:"command"`
	AgentID   string                 `json:"agentId"`
	Timestamp string                 `json:"timestamp"` // ISO-8601
	Payload   map[string]interface{} `json:"payload"`
	RequestID string                 `json:"requestId,omitempty"`
}

// NewCommand заполняет timestamp и requestId.
func NewCommand(kind CommandKind, agentID string, payload map[string]interface{}) Command {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return Command{
		Command:   kind,
		AgentID:   agentID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
		RequestID: uuid.NewString(),
	}
}

// Validate проверяет форму: перечислимый тип, UUID агента, ISO-8601 timestamp.
func (c Command) Validate() error {
	if !c.Command.Valid() {
		return &ValidationError{Field: "command", Message: "unknown command " + string(c.Command)}
	}
	if _, err := uuid.Parse(c.AgentID); err != nil {
		return &ValidationError{Field: "agentId", Message: "malformed agent id " + c.AgentID}
	}
	if _, err := ParseTimestamp(c.Timestamp); err != nil {
		return &ValidationError{Field: "timestamp", Message: "not an ISO-8601 timestamp: " + c.Timestamp}
	}
	return nil
}

// ParseTimestamp принимает RFC3339 с дробными секундами и без них.
func ParseTimestamp(ts string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, ts)
}

// StatusMessage публикуется Execution Plane в канал статусов. Нужен только для наблюдаемости.
type StatusMessage struct {
	AgentID   string                 `json:"agentId"`
	Status    RuntimeStatus          `json:"status"`
	Timestamp string                 `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

func (m StatusMessage) Validate() error {
	if m.AgentID == "" {
		return &ValidationError{Field: "agentId", Message: "required"}
	}
	if m.Status == "" {
		return &ValidationError{Field: "status", Message: "required"}
	}
	if _, err := ParseTimestamp(m.Timestamp); err != nil {
		return &ValidationError{Field: "timestamp", Message: "not an ISO-8601 timestamp: " + m.Timestamp}
	}
	return nil
}

// Ключи payload команд start/resume/update_model.
// Конфиг агента едет вместе с командой, чтобы реплика без записи могла его поднять.
const (
	PayloadName        = "name"
	PayloadFramework   = "framework"
	PayloadModelConfig = "model_config"
)

// AgentPayload упаковывает проекцию агента в payload команды.
func AgentPayload(a Agent) map[string]interface{} {
	return map[string]interface{}{
		PayloadName:        a.Name,
		PayloadFramework:   a.Framework,
		PayloadModelConfig: a.ModelConfig,
	}
}
