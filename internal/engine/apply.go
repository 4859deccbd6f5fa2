package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"
	"github.com/xela07ax/spaceai-agentops/internal/audit"
	"github.com/xela07ax/spaceai-agentops/internal/domain"
	"github.com/xela07ax/spaceai-agentops/internal/runner"
	"go.uber.org/zap"
)

// AgentSource — read-only проекция агентов из authority plane.
type AgentSource interface {
	GetAgent(ctx context.Context, id string) (domain.Agent, error)
}

// CommandHandler связывает шину с менеджером: применяет команду и пишет журнал.
type CommandHandler struct {
	manager *Manager
	agents  AgentSource
	journal audit.Recorder
	logger  *zap.Logger

	killSwitch *KillSwitch
}

func NewCommandHandler(m *Manager, agents AgentSource, journal audit.Recorder, logger *zap.Logger) *CommandHandler {
	return &CommandHandler{
		manager: m,
		agents:  agents,
		journal: journal,
		logger:  logger.Named("apply"),
	}
}

// WithKillSwitch подключает блок-лист: kill блокирует агента в гейте, start и resume снимают блок.
func (h *CommandHandler) WithKillSwitch(ks *KillSwitch) *CommandHandler {
	h.killSwitch = ks
	return h
}

// Apply — обработчик для bus.Subscribe.
func (h *CommandHandler) Apply(ctx context.Context, cmd domain.Command) error {
	start := h.manager.now()
	err := h.dispatch(ctx, cmd)
	elapsed := h.manager.now().Sub(start)

	result := audit.ResultOK
	switch {
	case errors.Is(err, errIgnored):
		result = audit.ResultIgnored
		err = nil
	case err != nil:
		result = audit.ResultError
	}

	h.manager.metrics.CommandsTotal.WithLabelValues(string(cmd.Command), result).Inc()
	h.manager.metrics.CommandDuration.WithLabelValues(string(cmd.Command)).Observe(elapsed.Seconds())

	if h.journal != nil {
		event := audit.LifecycleEvent{
			ID:         uuid.NewString(),
			RequestID:  cmd.RequestID,
			AgentID:    cmd.AgentID,
			Command:    string(cmd.Command),
			Result:     result,
			DurationMs: elapsed.Milliseconds(),
			InstanceID: h.manager.instanceID,
			Timestamp:  start.UTC(),
		}
		if err != nil {
			event.Error = err.Error()
		}
		h.journal.Record(event)
	}
	return err
}

func (h *CommandHandler) dispatch(ctx context.Context, cmd domain.Command) error {
	m := h.manager
	switch cmd.Command {
	case domain.CommandStart:
		cfg, err := h.resolveConfig(ctx, cmd)
		if err != nil {
			return err
		}
		return h.unblockOnSuccess(ctx, cmd.AgentID, m.start(ctx, cfg))

	case domain.CommandResume:
		// Реплика без записи (например, после рестарта) поднимает агента с нуля
		if _, ok := m.get(cmd.AgentID); ok {
			return h.unblockOnSuccess(ctx, cmd.AgentID, m.resume(ctx, cmd.AgentID))
		}
		cfg, err := h.resolveConfig(ctx, cmd)
		if err != nil {
			return err
		}
		return h.unblockOnSuccess(ctx, cmd.AgentID, m.start(ctx, cfg))

	case domain.CommandPause:
		return m.pause(ctx, cmd.AgentID)
	case domain.CommandStop:
		return m.stop(ctx, cmd.AgentID)
	case domain.CommandKill:
		// Блокируем даже агента, которого эта реплика не держит
		if h.killSwitch != nil {
			h.killSwitch.Block(ctx, cmd.AgentID)
		}
		return m.kill(ctx, cmd.AgentID)

	case domain.CommandUpdateModel:
		cfg, ok := cmd.Payload[domain.PayloadModelConfig].(map[string]interface{})
		if !ok {
			return &domain.ValidationError{Field: "payload.model_config", Message: "object required"}
		}
		updated, err := m.UpdateModelConfig(ctx, cmd.AgentID, cfg)
		if err != nil {
			return err
		}
		if !updated {
			return errIgnored
		}
		return nil
	}
	return &domain.ValidationError{Field: "command", Message: "unknown command " + string(cmd.Command)}
}

func (h *CommandHandler) unblockOnSuccess(ctx context.Context, agentID string, err error) error {
	if h.killSwitch != nil && ignoredToNil(err) == nil {
		h.killSwitch.Unblock(ctx, agentID)
	}
	return err
}

// resolveConfig берёт конфиг из payload команды, а если его там нет, из хранилища.
func (h *CommandHandler) resolveConfig(ctx context.Context, cmd domain.Command) (runner.Config, error) {
	if fw := cast.ToString(cmd.Payload[domain.PayloadFramework]); fw != "" {
		return runner.Config{
			AgentID:     cmd.AgentID,
			Name:        cast.ToString(cmd.Payload[domain.PayloadName]),
			Framework:   fw,
			ModelConfig: cast.ToStringMap(cmd.Payload[domain.PayloadModelConfig]),
		}, nil
	}
	if h.agents == nil {
		return runner.Config{}, &domain.ValidationError{Field: "payload.framework", Message: "required when no agent source is configured"}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	agent, err := h.agents.GetAgent(lookupCtx, cmd.AgentID)
	if err != nil {
		return runner.Config{}, err
	}
	return runner.ConfigFromAgent(agent), nil
}
