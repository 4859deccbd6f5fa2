package engine

/*
Файл lifecycle.go реализует Lifecycle Manager — владельца рантайм-состояния агентов
внутри одного инстанса Execution Plane.

- Все операции идемпотентны: шина доставляет каждую команду каждой реплике.
- Операции над одним агентом сериализуются мьютексом агента, над разными — независимы.
- Менеджер работает только через контракт runner.Runner и не знает, какой бэкенд держит.
*/

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-agentops/internal/domain"
	"github.com/xela07ax/spaceai-agentops/internal/infra"
	"github.com/xela07ax/spaceai-agentops/internal/runner"
	"go.uber.org/zap"
)

// Notifier передаёт доменные события диспетчеру вебхуков. Fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, agentID, event string, data map[string]interface{})
}

// StatusReporter публикует отчёт о статусе в канал наблюдаемости.
type StatusReporter interface {
	PublishStatus(ctx context.Context, msg domain.StatusMessage) error
}

// ManagedAgentEntry — локальная запись агента. Наружу отдаётся только копией.
type ManagedAgentEntry struct {
	Config    runner.Config
	Runner    runner.Runner
	Status    domain.RuntimeStatus
	StartedAt time.Time
}

// AgentState — снимок записи для интроспекции.
type AgentState struct {
	AgentID   string               `json:"agent_id"`
	Framework string               `json:"framework"`
	Status    domain.RuntimeStatus `json:"status"`
	StartedAt time.Time            `json:"started_at"`
}

type Options struct {
	InstanceID  string
	StopTimeout time.Duration // 0 — Stop/Kill без ограничения
	Notifier    Notifier
	Reporter    StatusReporter
	Metrics     *infra.Metrics
	Now         func() time.Time
}

type Manager struct {
	registry *runner.Registry
	locks    *agentLocks

	mu      sync.RWMutex
	entries map[string]ManagedAgentEntry

	instanceID  string
	stopTimeout time.Duration
	notifier    Notifier
	reporter    StatusReporter
	metrics     *infra.Metrics
	logger      *zap.Logger
	now         func() time.Time
}

func NewManager(registry *runner.Registry, opts Options, logger *zap.Logger) *Manager {
	if opts.Metrics == nil {
		opts.Metrics = infra.NewMetrics(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		registry:    registry,
		locks:       newAgentLocks(),
		entries:     make(map[string]ManagedAgentEntry),
		instanceID:  opts.InstanceID,
		stopTimeout: opts.StopTimeout,
		notifier:    opts.Notifier,
		reporter:    opts.Reporter,
		metrics:     opts.Metrics,
		logger:      logger.Named("lifecycle"),
		now:         opts.Now,
	}
}

// errIgnored помечает идемпотентный no-op для журнала и метрик. Наружу не выходит.
var errIgnored = errors.New("ignored")

// Start поднимает агента. Уже запущенный — no-op, приостановленный — resume.
func (m *Manager) Start(ctx context.Context, cfg runner.Config) error {
	return ignoredToNil(m.start(ctx, cfg))
}

func (m *Manager) start(ctx context.Context, cfg runner.Config) error {
	if cfg.AgentID == "" {
		return &domain.ValidationError{Field: "agent_id", Message: "required"}
	}
	unlock := m.locks.Lock(cfg.AgentID)
	defer unlock()

	if entry, ok := m.get(cfg.AgentID); ok {
		if entry.Status == domain.RuntimeRunning {
			m.logger.Debug("start ignored: agent already running", zap.String("agent_id", cfg.AgentID))
			return errIgnored
		}
		return m.resumeLocked(ctx, entry)
	}

	r, err := m.registry.New(cfg.Framework)
	if err != nil {
		return err
	}
	// Пока идёт Init, запись видна в List/Status как starting
	entry := ManagedAgentEntry{Config: cfg, Runner: r, Status: domain.RuntimeStarting}
	m.put(cfg.AgentID, entry)
	if err := r.Init(ctx, cfg); err != nil {
		m.remove(cfg.AgentID)
		m.failed(ctx, cfg.AgentID, "init", err)
		return &domain.BackendError{Op: "init", AgentID: cfg.AgentID, Err: err}
	}

	entry.Status = domain.RuntimeRunning
	entry.StartedAt = m.now()
	m.put(cfg.AgentID, entry)
	m.logger.Info("agent started", zap.String("agent_id", cfg.AgentID), zap.String("framework", cfg.Framework))
	m.changed(ctx, cfg.AgentID, domain.RuntimeRunning, domain.EventAgentStarted, nil)
	return nil
}

// Pause останавливает раннер, но сохраняет конфиг для последующего resume.
func (m *Manager) Pause(ctx context.Context, agentID string) error {
	return ignoredToNil(m.pause(ctx, agentID))
}

func (m *Manager) pause(ctx context.Context, agentID string) error {
	unlock := m.locks.Lock(agentID)
	defer unlock()

	entry, ok := m.get(agentID)
	if !ok {
		m.logger.Warn("pause ignored: agent is not managed here", zap.String("agent_id", agentID))
		return errIgnored
	}
	if entry.Status == domain.RuntimePaused {
		return errIgnored
	}

	m.put(agentID, withStatus(entry, domain.RuntimeStopping))
	if err := m.stopRunner(ctx, entry.Runner); err != nil {
		entry.Status = domain.RuntimeError
		m.put(agentID, entry)
		m.failed(ctx, agentID, "stop", err)
		return &domain.BackendError{Op: "stop", AgentID: agentID, Err: err}
	}

	entry.Status = domain.RuntimePaused
	m.put(agentID, entry)
	m.logger.Info("agent paused", zap.String("agent_id", agentID))
	m.changed(ctx, agentID, domain.RuntimePaused, domain.EventAgentPaused, nil)
	return nil
}

// Resume заново инициализирует раннер из сохранённого конфига.
func (m *Manager) Resume(ctx context.Context, agentID string) error {
	return ignoredToNil(m.resume(ctx, agentID))
}

func (m *Manager) resume(ctx context.Context, agentID string) error {
	unlock := m.locks.Lock(agentID)
	defer unlock()

	entry, ok := m.get(agentID)
	if !ok {
		return &domain.NotFoundError{Entity: "managed agent", ID: agentID}
	}
	if entry.Status == domain.RuntimeRunning {
		return errIgnored
	}
	return m.resumeLocked(ctx, entry)
}

func (m *Manager) resumeLocked(ctx context.Context, entry ManagedAgentEntry) error {
	agentID := entry.Config.AgentID
	m.put(agentID, withStatus(entry, domain.RuntimeStarting))
	if err := entry.Runner.Init(ctx, entry.Config); err != nil {
		entry.Status = domain.RuntimeError
		m.put(agentID, entry)
		m.failed(ctx, agentID, "init", err)
		return &domain.BackendError{Op: "init", AgentID: agentID, Err: err}
	}

	entry.Status = domain.RuntimeRunning
	entry.StartedAt = m.now()
	m.put(agentID, entry)
	m.logger.Info("agent resumed", zap.String("agent_id", agentID))
	m.changed(ctx, agentID, domain.RuntimeRunning, domain.EventAgentResumed, nil)
	return nil
}

// Stop останавливает раннер и удаляет запись целиком.
// При сбое раннера запись остаётся в статусе error.
func (m *Manager) Stop(ctx context.Context, agentID string) error {
	return ignoredToNil(m.stop(ctx, agentID))
}

func (m *Manager) stop(ctx context.Context, agentID string) error {
	unlock := m.locks.Lock(agentID)
	defer unlock()

	entry, ok := m.get(agentID)
	if !ok {
		m.logger.Warn("stop ignored: agent is not managed here", zap.String("agent_id", agentID))
		return errIgnored
	}
	return m.stopLocked(ctx, entry, domain.EventAgentStopped)
}

func (m *Manager) stopLocked(ctx context.Context, entry ManagedAgentEntry, event string) error {
	agentID := entry.Config.AgentID
	// Приостановленный раннер уже остановлен
	if entry.Status != domain.RuntimePaused {
		m.put(agentID, withStatus(entry, domain.RuntimeStopping))
		if err := m.stopRunner(ctx, entry.Runner); err != nil {
			entry.Status = domain.RuntimeError
			m.put(agentID, entry)
			m.failed(ctx, agentID, "stop", err)
			return &domain.BackendError{Op: "stop", AgentID: agentID, Err: err}
		}
	}

	m.remove(agentID)
	m.logger.Info("agent stopped", zap.String("agent_id", agentID), zap.String("event", event))
	m.changed(ctx, agentID, domain.RuntimeStopped, event, nil)
	return nil
}

// Kill для кластерного бэкенда (runner.Killer) снимает агента без graceful stop,
// для остальных идентичен Stop.
func (m *Manager) Kill(ctx context.Context, agentID string) error {
	return ignoredToNil(m.kill(ctx, agentID))
}

func (m *Manager) kill(ctx context.Context, agentID string) error {
	unlock := m.locks.Lock(agentID)
	defer unlock()

	entry, ok := m.get(agentID)
	if !ok {
		m.logger.Warn("kill ignored: agent is not managed here", zap.String("agent_id", agentID))
		return errIgnored
	}

	killer, ok := entry.Runner.(runner.Killer)
	if !ok {
		return m.stopLocked(ctx, entry, domain.EventAgentKilled)
	}

	kctx, cancel := m.withStopTimeout(ctx)
	defer cancel()
	if err := killer.Kill(kctx); err != nil {
		// Запись всё равно снимаем: kill не должен оставлять агента под управлением
		m.logger.Error("runner kill failed", zap.String("agent_id", agentID), zap.Error(err))
	}
	m.remove(agentID)
	m.logger.Warn("agent killed", zap.String("agent_id", agentID))
	m.changed(ctx, agentID, domain.RuntimeStopped, domain.EventAgentKilled, nil)
	return nil
}

// Status отдаёт рантайм-статус. Для running дополнительно опрашивает health-check:
// нездоровый раннер даёт error в отчёте, хранимый статус не меняется.
func (m *Manager) Status(ctx context.Context, agentID string) domain.RuntimeStatus {
	entry, ok := m.get(agentID)
	if !ok {
		return domain.RuntimeUnknown
	}
	if entry.Status != domain.RuntimeRunning {
		return entry.Status
	}

	health, err := entry.Runner.HealthCheck(ctx)
	if err != nil || !health.Healthy {
		m.metrics.RunnerHealthFailures.WithLabelValues(entry.Config.Framework).Inc()
		m.logger.Warn("runner reported unhealthy",
			zap.String("agent_id", agentID),
			zap.String("health", health.Status),
			zap.Error(err))
		return domain.RuntimeError
	}
	return domain.RuntimeRunning
}

// UpdateModelConfig передаёт новую конфигурацию модели без рестарта.
// Для не запущенного агента false без ошибки.
func (m *Manager) UpdateModelConfig(ctx context.Context, agentID string, cfg map[string]interface{}) (bool, error) {
	unlock := m.locks.Lock(agentID)
	defer unlock()

	entry, ok := m.get(agentID)
	if !ok || entry.Status != domain.RuntimeRunning {
		return false, nil
	}

	updated, err := entry.Runner.UpdateModelConfig(ctx, cfg)
	if err != nil {
		return false, &domain.BackendError{Op: "update_model_config", AgentID: agentID, Err: err}
	}
	if updated {
		entry.Config.ModelConfig = cfg
		m.put(agentID, entry)
		m.logger.Info("model config updated", zap.String("agent_id", agentID))
	}
	return updated, nil
}

// List возвращает снимки всех записей, отсортированные по agent id.
func (m *Manager) List() []AgentState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]AgentState, 0, len(m.entries))
	for id, e := range m.entries {
		out = append(out, AgentState{
			AgentID:   id,
			Framework: e.Config.Framework,
			Status:    e.Status,
			StartedAt: e.StartedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Restore поднимает агентов, которые в durable-хранилище числятся running.
func (m *Manager) Restore(ctx context.Context, agents []domain.Agent) int {
	restored := 0
	for _, a := range agents {
		if a.Status != domain.AgentRunning {
			continue
		}
		if err := m.Start(ctx, runner.ConfigFromAgent(a)); err != nil {
			m.logger.Error("failed to restore agent", zap.String("agent_id", a.ID), zap.Error(err))
			continue
		}
		restored++
	}
	m.logger.Info("agents restored", zap.Int("count", restored), zap.Int("candidates", len(agents)))
	return restored
}

// Shutdown останавливает все локальные раннеры. Остановка процесса не меняет
// durable-статус агента, поэтому ни вебхуков, ни отчётов в agent:status не шлём:
// после рестарта Restore поднимет агентов снова.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, st := range m.List() {
		if err := m.release(ctx, st.AgentID); err != nil {
			m.logger.Error("failed to stop agent on shutdown", zap.String("agent_id", st.AgentID), zap.Error(err))
		}
	}
	m.metrics.ManagedAgents.Set(float64(m.count()))
}

// release снимает агента с этого инстанса без доменных событий.
func (m *Manager) release(ctx context.Context, agentID string) error {
	unlock := m.locks.Lock(agentID)
	defer unlock()

	entry, ok := m.get(agentID)
	if !ok {
		return nil
	}
	if entry.Status != domain.RuntimePaused {
		m.put(agentID, withStatus(entry, domain.RuntimeStopping))
		if err := m.stopRunner(ctx, entry.Runner); err != nil {
			m.remove(agentID)
			return &domain.BackendError{Op: "stop", AgentID: agentID, Err: err}
		}
	}
	m.remove(agentID)
	m.logger.Info("agent released on shutdown", zap.String("agent_id", agentID))
	return nil
}

func withStatus(e ManagedAgentEntry, status domain.RuntimeStatus) ManagedAgentEntry {
	e.Status = status
	return e
}

func (m *Manager) stopRunner(ctx context.Context, r runner.Runner) error {
	sctx, cancel := m.withStopTimeout(ctx)
	defer cancel()
	if err := r.Stop(sctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && m.stopTimeout > 0 {
			return fmt.Errorf("stop did not finish within %s: %w", m.stopTimeout, err)
		}
		return err
	}
	return nil
}

func (m *Manager) withStopTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.stopTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.stopTimeout)
}

func (m *Manager) failed(ctx context.Context, agentID, op string, err error) {
	m.logger.Error("runner operation failed", zap.String("agent_id", agentID), zap.String("op", op), zap.Error(err))
	m.changed(ctx, agentID, domain.RuntimeError, domain.EventAgentError, map[string]interface{}{
		"operation": op,
		"error":     err.Error(),
	})
}

// changed публикует статус и доменное событие. Сбои публикации только логируются.
func (m *Manager) changed(ctx context.Context, agentID string, status domain.RuntimeStatus, event string, extra map[string]interface{}) {
	m.metrics.ManagedAgents.Set(float64(m.count()))

	if m.reporter != nil {
		msg := domain.StatusMessage{
			AgentID:   agentID,
			Status:    status,
			Timestamp: m.now().UTC().Format(time.RFC3339Nano),
			Metadata:  map[string]interface{}{"instance_id": m.instanceID},
		}
		if err := m.reporter.PublishStatus(ctx, msg); err != nil {
			m.logger.Warn("failed to publish status", zap.String("agent_id", agentID), zap.Error(err))
		}
	}

	if m.notifier != nil {
		data := map[string]interface{}{
			"status":      string(status),
			"instance_id": m.instanceID,
		}
		for k, v := range extra {
			data[k] = v
		}
		m.notifier.Notify(ctx, agentID, event, data)
	}
}

func (m *Manager) get(agentID string) (ManagedAgentEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[agentID]
	return e, ok
}

func (m *Manager) put(agentID string, e ManagedAgentEntry) {
	m.mu.Lock()
	m.entries[agentID] = e
	m.mu.Unlock()
}

func (m *Manager) remove(agentID string) {
	m.mu.Lock()
	delete(m.entries, agentID)
	m.mu.Unlock()
}

func (m *Manager) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func ignoredToNil(err error) error {
	if errors.Is(err, errIgnored) {
		return nil
	}
	return err
}
