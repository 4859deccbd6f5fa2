package approval

/*
Файл engine.go реализует HITL Approval Engine.

- Сопоставление действия с политиками агента (по убыванию приоритета, детерминированно).
- Заявка выходит из pending ровно один раз: все переходы — условный UPDATE ... WHERE status = 'pending'.
- Свип просроченных заявок безопасен при параллельном запуске с нескольких реплик:
  засчитываются только реально выполненные переходы.
*/

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-agentops/internal/domain"
	"github.com/xela07ax/spaceai-agentops/internal/infra"
	"go.uber.org/zap"
)

// PolicySource отдаёт активные политики агента. Реализуют хранилище и PolicyCache.
type PolicySource interface {
	ActivePolicies(ctx context.Context, agentID string) ([]domain.HitlPolicy, error)
}

type Store interface {
	PolicySource
	CreateApproval(ctx context.Context, req *domain.ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*domain.ApprovalRequest, error)
	ListApprovals(ctx context.Context, f domain.ApprovalFilter) ([]domain.ApprovalRequest, error)
	// ResolvePending выполняет переход только если заявка всё ещё pending.
	// false без ошибки — кто-то успел раньше.
	ResolvePending(ctx context.Context, id string, r domain.ApprovalResolution) (bool, error)
	ListExpiredPending(ctx context.Context, now time.Time) ([]domain.ApprovalRequest, error)
}

// Notifier — выход на диспетчер вебхуков.
type Notifier interface {
	Notify(ctx context.Context, agentID, event string, data map[string]interface{})
}

// Signals будит ожидающих решения по заявке.
type Signals interface {
	PublishDecision(ctx context.Context, req domain.ApprovalRequest) error
	WaitSignal(ctx context.Context, approvalID string) (<-chan struct{}, func(), error)
}

type GateOutcome string

const (
	GateProceed     GateOutcome = "proceed"
	GateBlocked     GateOutcome = "blocked"
	GateAutoApprove GateOutcome = "auto_approve" // Политика с autoApprove без таймаута: решает вызывающий
)

type GateDecision struct {
	Decision          GateOutcome `json:"decision"`
	ApprovalRequestID string      `json:"approval_request_id,omitempty"`
	PolicyID          string      `json:"policy_id,omitempty"`
}

type Options struct {
	Policies     PolicySource // По умолчанию — само хранилище
	Signals      Signals
	Notifier     Notifier
	Metrics      *infra.Metrics
	PollInterval time.Duration
	Now          func() time.Time
}

type Engine struct {
	store        Store
	policies     PolicySource
	signals      Signals
	notifier     Notifier
	metrics      *infra.Metrics
	logger       *zap.Logger
	pollInterval time.Duration
	now          func() time.Time
}

func NewEngine(store Store, opts Options, logger *zap.Logger) *Engine {
	if opts.Policies == nil {
		opts.Policies = store
	}
	if opts.Metrics == nil {
		opts.Metrics = infra.NewMetrics(nil)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:        store,
		policies:     opts.Policies,
		signals:      opts.Signals,
		notifier:     opts.Notifier,
		metrics:      opts.Metrics,
		logger:       logger.Named("approval"),
		pollInterval: opts.PollInterval,
		now:          opts.Now,
	}
}

// FindMatchingPolicy возвращает первую подходящую активную политику агента или nil.
func (e *Engine) FindMatchingPolicy(ctx context.Context, agentID string, action domain.ActionContext) (*domain.HitlPolicy, error) {
	policies, err := e.policies.ActivePolicies(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("load policies for agent %s: %w", agentID, err)
	}
	SortPolicies(policies)

	for i := range policies {
		if policies[i].IsActive && PolicyMatches(policies[i], action) {
			p := policies[i]
			return &p, nil
		}
	}
	return nil, nil
}

// SortPolicies: приоритет по убыванию, затем created_at, затем id.
func SortPolicies(policies []domain.HitlPolicy) {
	sort.SliceStable(policies, func(i, j int) bool {
		a, b := policies[i], policies[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// CreateApprovalRequest создаёт pending-заявку. Таймаут политики задаёт expiresAt
// и автоматическое решение; без таймаута заявка сама не истекает.
func (e *Engine) CreateApprovalRequest(ctx context.Context, agentID string, policy *domain.HitlPolicy, action domain.ActionContext) (*domain.ApprovalRequest, error) {
	if agentID == "" {
		return nil, &domain.ValidationError{Field: "agent_id", Message: "required"}
	}
	if action.ActionType == "" {
		return nil, &domain.ValidationError{Field: "action_type", Message: "required"}
	}

	now := e.now().UTC()
	req := &domain.ApprovalRequest{
		ID:            uuid.NewString(),
		AgentID:       agentID,
		ActionType:    action.ActionType,
		ActionSummary: action.Summary,
		ActionDetails: action.Details,
		Status:        domain.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.ActionDetails == nil {
		req.ActionDetails = map[string]interface{}{}
	}
	if policy != nil {
		id := policy.ID
		req.PolicyID = &id
		if policy.TimeoutSeconds != nil {
			expires := now.Add(time.Duration(*policy.TimeoutSeconds) * time.Second)
			req.ExpiresAt = &expires
			req.AutoResolve = policy.AutoApprove
		}
	}

	if err := e.store.CreateApproval(ctx, req); err != nil {
		return nil, err
	}

	e.metrics.ApprovalsTotal.WithLabelValues("created").Inc()
	e.logger.Info("approval request created",
		zap.String("approval_id", req.ID),
		zap.String("agent_id", agentID),
		zap.String("action_type", action.ActionType))
	e.notify(ctx, req, domain.EventApprovalCreated)
	return req, nil
}

// ResolveApproval — решение оператора: approved или rejected.
func (e *Engine) ResolveApproval(ctx context.Context, id string, decision domain.ApprovalStatus, reviewerID string, comment *string) (*domain.ApprovalRequest, error) {
	if decision != domain.StatusApproved && decision != domain.StatusRejected {
		return nil, &domain.ValidationError{Field: "decision", Message: "must be approved or rejected"}
	}
	if reviewerID == "" {
		return nil, &domain.ValidationError{Field: "reviewer_id", Message: "required"}
	}
	return e.transition(ctx, id, decision, &reviewerID, comment, domain.EventApprovalResolved)
}

// CancelApproval снимает заявку, например когда агент остановлен.
func (e *Engine) CancelApproval(ctx context.Context, id string, reviewerID string, reason *string) (*domain.ApprovalRequest, error) {
	var reviewer *string
	if reviewerID != "" {
		reviewer = &reviewerID
	}
	return e.transition(ctx, id, domain.StatusCancelled, reviewer, reason, domain.EventApprovalCancelled)
}

func (e *Engine) transition(ctx context.Context, id string, to domain.ApprovalStatus, reviewerID, comment *string, event string) (*domain.ApprovalRequest, error) {
	// 1. Read-check: понятная ошибка с текущим статусом
	req, err := e.store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := req.CanTransitionTo(to); err != nil {
		return nil, err
	}

	// 2. Write под условием: параллельное решение проиграет здесь
	at := e.now().UTC()
	ok, err := e.store.ResolvePending(ctx, id, domain.ApprovalResolution{
		Status:     to,
		ReviewerID: reviewerID,
		Comment:    comment,
		ReviewedAt: &at,
	})
	if err != nil {
		return nil, err
	}

	current, err := e.store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &domain.StateConflictError{
			Entity:    "approval",
			ID:        id,
			Current:   string(current.Status),
			Requested: string(to),
		}
	}

	e.metrics.ApprovalsTotal.WithLabelValues(string(to)).Inc()
	e.logger.Info("approval request resolved",
		zap.String("approval_id", id),
		zap.String("status", string(to)))
	e.signal(ctx, *current)
	e.notify(ctx, current, event)
	return current, nil
}

// ExpireTimedOutRequests переводит просроченные pending-заявки в approved (autoResolve)
// или expired. Возвращает число реально выполненных переходов.
func (e *Engine) ExpireTimedOutRequests(ctx context.Context) (int, error) {
	now := e.now().UTC()
	expired, err := e.store.ListExpiredPending(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired approvals: %w", err)
	}

	count := 0
	for _, req := range expired {
		to := domain.StatusExpired
		if req.AutoResolve {
			to = domain.StatusApproved
		}

		ok, err := e.store.ResolvePending(ctx, req.ID, domain.ApprovalResolution{Status: to})
		if err != nil {
			e.logger.Error("failed to expire approval", zap.String("approval_id", req.ID), zap.Error(err))
			continue
		}
		if !ok {
			continue // Другая реплика или оператор успели раньше
		}
		count++

		req.Status = to
		req.UpdatedAt = now
		e.metrics.ApprovalsTotal.WithLabelValues(string(to)).Inc()
		e.logger.Info("approval request timed out",
			zap.String("approval_id", req.ID),
			zap.String("status", string(to)))
		e.signal(ctx, req)
		if to == domain.StatusApproved {
			e.notify(ctx, &req, domain.EventApprovalResolved)
		} else {
			e.notify(ctx, &req, domain.EventApprovalExpired)
		}
	}
	return count, nil
}

// EvaluateGate — точка входа для перехватчика действий агента.
func (e *Engine) EvaluateGate(ctx context.Context, agentID string, action domain.ActionContext) (GateDecision, error) {
	policy, err := e.FindMatchingPolicy(ctx, agentID, action)
	if err != nil {
		return GateDecision{}, err
	}
	if policy == nil {
		return GateDecision{Decision: GateProceed}, nil
	}
	if policy.AutoApprove && policy.TimeoutSeconds == nil {
		return GateDecision{Decision: GateAutoApprove, PolicyID: policy.ID}, nil
	}

	req, err := e.CreateApprovalRequest(ctx, agentID, policy, action)
	if err != nil {
		return GateDecision{}, err
	}
	return GateDecision{Decision: GateBlocked, ApprovalRequestID: req.ID, PolicyID: policy.ID}, nil
}

// WaitForDecision блокирует вызывающего, пока заявка не выйдет из pending.
// Будит сигнал из Redis, на случай потери сигнала опрашиваем хранилище.
func (e *Engine) WaitForDecision(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	var wake <-chan struct{}
	if e.signals != nil {
		ch, stop, err := e.signals.WaitSignal(ctx, id)
		if err != nil {
			e.logger.Warn("decision signal unavailable, polling only", zap.String("approval_id", id), zap.Error(err))
		} else {
			wake = ch
			defer stop()
		}
	}

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		req, err := e.store.GetApproval(ctx, id)
		if err != nil {
			return nil, err
		}
		if req.Status != domain.StatusPending {
			return req, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
	}
}

// RunSweeper периодически вызывает ExpireTimedOutRequests до отмены контекста.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.ExpireTimedOutRequests(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					e.logger.Error("approval sweep failed", zap.Error(err))
				}
				continue
			}
			if n > 0 {
				e.logger.Info("approval sweep finished", zap.Int("transitioned", n))
			}
		}
	}
}

// List — очередь решений для консоли.
func (e *Engine) List(ctx context.Context, f domain.ApprovalFilter) ([]domain.ApprovalRequest, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, &domain.ValidationError{Field: "status", Message: "unknown status " + string(f.Status)}
	}
	return e.store.ListApprovals(ctx, f)
}

func (e *Engine) Get(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	return e.store.GetApproval(ctx, id)
}

func (e *Engine) signal(ctx context.Context, req domain.ApprovalRequest) {
	if e.signals == nil {
		return
	}
	if err := e.signals.PublishDecision(ctx, req); err != nil {
		e.logger.Warn("failed to publish decision signal", zap.String("approval_id", req.ID), zap.Error(err))
	}
}

func (e *Engine) notify(ctx context.Context, req *domain.ApprovalRequest, event string) {
	if e.notifier == nil {
		return
	}
	data := map[string]interface{}{
		"approval_id": req.ID,
		"status":      string(req.Status),
		"action_type": req.ActionType,
		"summary":     req.ActionSummary,
	}
	if req.PolicyID != nil {
		data["policy_id"] = *req.PolicyID
	}
	if req.ReviewerID != nil {
		data["reviewer_id"] = *req.ReviewerID
	}
	if req.ExpiresAt != nil {
		data["expires_at"] = req.ExpiresAt.Format(time.RFC3339)
	}
	e.notifier.Notify(ctx, req.AgentID, event, data)
}
