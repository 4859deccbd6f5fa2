package service

/*
Файл agent_service.go реализует управление агентами на Authority Plane.

- Переход проверяется по графу статусов до любого обращения к Execution Plane.
- Статус и version меняются CAS-ом в БД, затем в шину уходит соответствующая команда.
- Доменные события отдаются диспетчеру вебхуков.
*/

import (
	"context"
	"strings"

	"github.com/xela07ax/spaceai-agentops/internal/domain"
	"go.uber.org/zap"
)

// AgentRepository описывает требования к хранилищу данных об агентах
type AgentRepository interface {
	CreateAgent(ctx context.Context, a *domain.Agent) error
	GetAgent(ctx context.Context, id string) (domain.Agent, error)
	ListAgents(ctx context.Context, status domain.AgentStatus) ([]domain.Agent, error)
	UpdateAgentStatus(ctx context.Context, id string, from domain.AgentStatus, version int64, to domain.AgentStatus) (domain.Agent, error)
	UpdateAgentModelConfig(ctx context.Context, id string, version int64, cfg map[string]interface{}) (domain.Agent, error)
}

// CommandPublisher — шина команд (issueCommand).
type CommandPublisher interface {
	Publish(ctx context.Context, cmd domain.Command) error
}

type Notifier interface {
	Notify(ctx context.Context, agentID, event string, data map[string]interface{})
}

type AgentService struct {
	repo     AgentRepository
	bus      CommandPublisher
	notifier Notifier
	logger   *zap.Logger
}

func NewAgentService(repo AgentRepository, bus CommandPublisher, notifier Notifier, logger *zap.Logger) *AgentService {
	return &AgentService{
		repo:     repo,
		bus:      bus,
		notifier: notifier,
		logger:   logger.Named("agent-service"),
	}
}

type CreateAgentInput struct {
	Name        string                 `json:"name"`
	Framework   string                 `json:"framework"`
	ModelConfig map[string]interface{} `json:"model_config"`
}

func (s *AgentService) Create(ctx context.Context, in CreateAgentInput) (domain.Agent, error) {
	if strings.TrimSpace(in.Name) == "" {
		return domain.Agent{}, &domain.ValidationError{Field: "name", Message: "required"}
	}
	if strings.TrimSpace(in.Framework) == "" {
		return domain.Agent{}, &domain.ValidationError{Field: "framework", Message: "required"}
	}
	if in.ModelConfig == nil {
		in.ModelConfig = map[string]interface{}{}
	}

	a := domain.Agent{
		Name:        in.Name,
		Framework:   in.Framework,
		ModelConfig: in.ModelConfig,
		Status:      domain.AgentDraft,
	}
	if err := s.repo.CreateAgent(ctx, &a); err != nil {
		s.logger.Error("failed to create agent", zap.Error(err))
		return domain.Agent{}, err
	}

	s.notify(ctx, a.ID, domain.EventAgentCreated, map[string]interface{}{
		"name":      a.Name,
		"framework": a.Framework,
		"status":    string(a.Status),
	})
	s.logger.Info("agent created", zap.String("agent_id", a.ID), zap.String("framework", a.Framework))
	return a, nil
}

func (s *AgentService) Get(ctx context.Context, id string) (domain.Agent, error) {
	return s.repo.GetAgent(ctx, id)
}

// List: пустой status — все агенты. Неизвестный статус — ValidationError.
func (s *AgentService) List(ctx context.Context, status domain.AgentStatus) ([]domain.Agent, error) {
	if status != "" && !status.Valid() {
		return nil, &domain.ValidationError{Field: "status", Message: "unknown agent status " + string(status)}
	}
	return s.repo.ListAgents(ctx, status)
}

// Transition переводит агента в новый статус. expectedVersion (если задан) защищает
// от перезаписи чужого изменения: при расхождении — StateConflictError.
func (s *AgentService) Transition(ctx context.Context, id string, to domain.AgentStatus, expectedVersion *int64) (domain.Agent, error) {
	current, err := s.repo.GetAgent(ctx, id)
	if err != nil {
		return domain.Agent{}, err
	}
	if err := domain.CheckAgentTransition(id, current.Status, to); err != nil {
		return domain.Agent{}, err
	}

	version := current.Version
	if expectedVersion != nil {
		if *expectedVersion != current.Version {
			return domain.Agent{}, current.Conflict(string(to))
		}
		version = *expectedVersion
	}

	updated, err := s.repo.UpdateAgentStatus(ctx, id, current.Status, version, to)
	if err != nil {
		return domain.Agent{}, err
	}

	log := s.logger.With(zap.String("agent_id", id), zap.String("from", string(current.Status)), zap.String("to", string(to)))
	if kind, ok := commandFor(current.Status, to); ok {
		var payload map[string]interface{}
		if kind == domain.CommandStart || kind == domain.CommandResume {
			payload = domain.AgentPayload(updated)
		}
		s.issue(ctx, log, domain.NewCommand(kind, id, payload))
	}

	s.notify(ctx, id, domain.EventAgentStatusChanged, map[string]interface{}{
		"from":    string(current.Status),
		"to":      string(to),
		"version": updated.Version,
	})
	log.Info("agent status changed", zap.Int64("version", updated.Version))
	return updated, nil
}

// Kill — аварийная остановка. Если граф позволяет, агент переходит в stopped;
// команда kill рассылается в любом случае (на исполнителях она идемпотентна).
func (s *AgentService) Kill(ctx context.Context, id string) (domain.Agent, error) {
	current, err := s.repo.GetAgent(ctx, id)
	if err != nil {
		return domain.Agent{}, err
	}
	if current.Status == domain.AgentArchived {
		return domain.Agent{}, current.Conflict(string(domain.AgentStopped))
	}

	updated := current
	if current.Status.CanTransitionTo(domain.AgentStopped) {
		updated, err = s.repo.UpdateAgentStatus(ctx, id, current.Status, current.Version, domain.AgentStopped)
		if err != nil {
			return domain.Agent{}, err
		}
	}

	log := s.logger.With(zap.String("agent_id", id))
	s.issue(ctx, log, domain.NewCommand(domain.CommandKill, id, nil))
	s.notify(ctx, id, domain.EventAgentKilled, map[string]interface{}{
		"previous_status": string(current.Status),
		"status":          string(updated.Status),
	})
	log.Warn("agent killed", zap.String("previous_status", string(current.Status)))
	return updated, nil
}

func (s *AgentService) UpdateModelConfig(ctx context.Context, id string, cfg map[string]interface{}, expectedVersion *int64) (domain.Agent, error) {
	if cfg == nil {
		return domain.Agent{}, &domain.ValidationError{Field: "model_config", Message: "required"}
	}
	current, err := s.repo.GetAgent(ctx, id)
	if err != nil {
		return domain.Agent{}, err
	}
	if current.Status == domain.AgentArchived {
		return domain.Agent{}, current.Conflict(string(current.Status))
	}
	version := current.Version
	if expectedVersion != nil {
		version = *expectedVersion
	}

	updated, err := s.repo.UpdateAgentModelConfig(ctx, id, version, cfg)
	if err != nil {
		return domain.Agent{}, err
	}

	log := s.logger.With(zap.String("agent_id", id))
	s.issue(ctx, log, domain.NewCommand(domain.CommandUpdateModel, id, map[string]interface{}{
		domain.PayloadModelConfig: cfg,
	}))
	s.notify(ctx, id, domain.EventAgentModelUpdated, map[string]interface{}{
		"version":      updated.Version,
		"model_config": cfg,
	})
	return updated, nil
}

// HandleStatus — подписчик канала статусов. Отчёт error для агента в running
// переводит его в error (допустимое ребро графа). Остальное только логируется.
func (s *AgentService) HandleStatus(ctx context.Context, msg domain.StatusMessage) error {
	if msg.Status != domain.RuntimeError {
		s.logger.Debug("status report", zap.String("agent_id", msg.AgentID), zap.String("status", string(msg.Status)))
		return nil
	}

	current, err := s.repo.GetAgent(ctx, msg.AgentID)
	if err != nil {
		return err
	}
	if current.Status != domain.AgentRunning {
		return nil
	}
	updated, err := s.repo.UpdateAgentStatus(ctx, current.ID, current.Status, current.Version, domain.AgentError)
	if err != nil {
		// Проиграли гонку оператору: его решение важнее отчёта
		return err
	}

	s.notify(ctx, current.ID, domain.EventAgentStatusChanged, map[string]interface{}{
		"from":     string(current.Status),
		"to":       string(updated.Status),
		"version":  updated.Version,
		"reported": msg.Metadata,
	})
	s.logger.Warn("agent moved to error by execution plane report",
		zap.String("agent_id", current.ID), zap.Any("metadata", msg.Metadata))
	return nil
}

// commandFor — отображение ребра графа статусов на команду Execution Plane.
func commandFor(from, to domain.AgentStatus) (domain.CommandKind, bool) {
	switch to {
	case domain.AgentRunning:
		if from == domain.AgentPaused {
			return domain.CommandResume, true
		}
		return domain.CommandStart, true
	case domain.AgentPaused:
		return domain.CommandPause, true
	case domain.AgentStopped:
		return domain.CommandStop, true
	case domain.AgentArchived:
		if from == domain.AgentPaused || from == domain.AgentError {
			return domain.CommandStop, true
		}
	}
	return "", false
}

// issue публикует команду. Доставка at-most-once: сбой публикации не откатывает
// уже зафиксированный статус, он логируется.
func (s *AgentService) issue(ctx context.Context, log *zap.Logger, cmd domain.Command) {
	if err := s.bus.Publish(ctx, cmd); err != nil {
		log.Error("command publish failed",
			zap.String("command", string(cmd.Command)),
			zap.String("request_id", cmd.RequestID),
			zap.Error(err))
		return
	}
	log.Debug("command published", zap.String("command", string(cmd.Command)), zap.String("request_id", cmd.RequestID))
}

func (s *AgentService) notify(ctx context.Context, agentID, event string, data map[string]interface{}) {
	if s.notifier != nil {
		s.notifier.Notify(ctx, agentID, event, data)
	}
}
