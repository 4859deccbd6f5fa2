package engine

/*
Файл gateway.go — HTTP-шлюз Execution Plane.

- POST /v1/gate: перехватчик действий агента спрашивает, можно ли выполнять действие.
- GET /v1/gate/{id}/wait: long-poll до решения оператора по заявке.
- GET /v1/agents: интроспекция локального менеджера.
Агент, которого этот инстанс держит не в running, действовать не может.
Убитый агент (KillSwitch) получает 403 до следующего start.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/spaceai-agentops/internal/approval"
	"github.com/xela07ax/spaceai-agentops/internal/domain"
	"github.com/xela07ax/spaceai-agentops/internal/infra"
	"go.uber.org/zap"
)

// GateEvaluator — то, что шлюзу нужно от движка согласований.
type GateEvaluator interface {
	EvaluateGate(ctx context.Context, agentID string, action domain.ActionContext) (approval.GateDecision, error)
	WaitForDecision(ctx context.Context, id string) (*domain.ApprovalRequest, error)
}

type GatewayOptions struct {
	Metrics    *infra.Metrics
	KillSwitch *KillSwitch   // nil — блок-лист не проверяется
	MaxWait    time.Duration // Верхняя граница long-poll, по умолчанию 60s
}

type Gateway struct {
	manager    *Manager
	gate       GateEvaluator
	killSwitch *KillSwitch
	metrics    *infra.Metrics
	logger     *zap.Logger
	maxWait    time.Duration
	router     *chi.Mux
}

type GateRequest struct {
	AgentID    string                 `json:"agent_id"`
	ActionType string                 `json:"action_type"`
	Summary    string                 `json:"summary"`
	Details    map[string]interface{} `json:"details"`
}

func NewGateway(m *Manager, gate GateEvaluator, opts GatewayOptions, logger *zap.Logger) *Gateway {
	if opts.Metrics == nil {
		opts.Metrics = infra.NewMetrics(nil)
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = time.Minute
	}
	g := &Gateway{
		manager:    m,
		gate:       gate,
		killSwitch: opts.KillSwitch,
		metrics:    opts.Metrics,
		logger:     logger.Named("gateway"),
		maxWait:    opts.MaxWait,
		router:     chi.NewRouter(),
	}
	g.routes()
	return g
}

func (g *Gateway) routes() {
	r := g.router
	r.Use(middleware.Recoverer)
	r.Use(TracingMiddleware)
	r.Use(accessLog(g.logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/v1/gate", g.HandleGate)
	r.Get("/v1/gate/{id}/wait", g.HandleWait)
	r.Get("/v1/agents", g.HandleAgents)
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// HandleGate POST /v1/gate
func (g *Gateway) HandleGate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	outcome := "error"
	defer func() {
		g.metrics.GateDecisions.WithLabelValues(outcome).Inc()
		g.metrics.GateDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	var req GateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, r, &domain.ValidationError{Field: "body", Message: "malformed JSON"})
		return
	}
	if req.AgentID == "" {
		g.writeError(w, r, &domain.ValidationError{Field: "agent_id", Message: "required"})
		return
	}

	// Убитый агент не действует ни на одной реплике
	if g.killSwitch != nil && g.killSwitch.IsBlocked(req.AgentID) {
		outcome = "refused"
		g.logger.Warn("intercepted killed agent action",
			zap.String("trace_id", TraceID(r.Context())),
			zap.String("agent_id", req.AgentID))
		writeGateJSON(w, http.StatusForbidden, map[string]string{"error": "agent_killed", "reason": "kill_switch"})
		return
	}

	if entry, ok := g.manager.get(req.AgentID); ok && entry.Status != domain.RuntimeRunning {
		outcome = "refused"
		g.writeError(w, r, &domain.StateConflictError{
			Entity:    "agent",
			ID:        req.AgentID,
			Current:   string(entry.Status),
			Requested: "act",
		})
		return
	}

	decision, err := g.gate.EvaluateGate(r.Context(), req.AgentID, domain.ActionContext{
		ActionType: req.ActionType,
		Summary:    req.Summary,
		Details:    req.Details,
	})
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	outcome = string(decision.Decision)

	g.logger.Info("gate evaluated",
		zap.String("trace_id", TraceID(r.Context())),
		zap.String("agent_id", req.AgentID),
		zap.String("action_type", req.ActionType),
		zap.String("decision", outcome),
		zap.String("approval_id", decision.ApprovalRequestID))
	writeGateJSON(w, http.StatusOK, decision)
}

// HandleWait GET /v1/gate/{id}/wait?timeout=30s. Пока заявка pending — 202.
func (g *Gateway) HandleWait(w http.ResponseWriter, r *http.Request) {
	timeout := 30 * time.Second
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			g.writeError(w, r, &domain.ValidationError{Field: "timeout", Message: "must be a positive duration"})
			return
		}
		timeout = d
	}
	if timeout > g.maxWait {
		timeout = g.maxWait
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	id := chi.URLParam(r, "id")
	req, err := g.gate.WaitForDecision(ctx, id)
	if errors.Is(err, context.DeadlineExceeded) {
		writeGateJSON(w, http.StatusAccepted, map[string]string{
			"id":     id,
			"status": string(domain.StatusPending),
		})
		return
	}
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeGateJSON(w, http.StatusOK, req)
}

// HandleAgents GET /v1/agents
func (g *Gateway) HandleAgents(w http.ResponseWriter, r *http.Request) {
	writeGateJSON(w, http.StatusOK, g.manager.List())
}

func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *domain.ValidationError
		notFound   *domain.NotFoundError
		conflict   *domain.StateConflictError
	)
	code := http.StatusInternalServerError
	body := map[string]interface{}{"error": err.Error()}
	switch {
	case errors.As(err, &validation):
		code = http.StatusBadRequest
	case errors.As(err, &notFound):
		code = http.StatusNotFound
	case errors.As(err, &conflict):
		code = http.StatusConflict
		body["current"] = conflict.Current
	default:
		g.logger.Error("gateway request failed", zap.String("trace_id", TraceID(r.Context())), zap.Error(err))
		body["error"] = "internal error"
	}
	writeGateJSON(w, code, body)
}

func writeGateJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
