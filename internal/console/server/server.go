package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/spaceai-agentops/internal/console/handler"
	"github.com/xela07ax/spaceai-agentops/internal/infra/auth"
	"go.uber.org/zap"
)

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Проверка токенов (RS256). nil — dev-режим без аутентификации,
	// reviewer_id тогда берётся из тела запроса.
	authValidator auth.TokenValidator

	// Обработчики бизнес-доменов
	agentHandler    *handler.AgentHandler    // /v1/agents
	sessionHandler  *handler.SessionHandler  // /v1/sessions
	policyHandler   *handler.PolicyHandler   // /v1/policies
	approvalHandler *handler.ApprovalHandler // /v1/approvals (HITL)
	webhookHandler  *handler.WebhookHandler  // /v1/webhooks
}

type Handlers struct {
	Agents    *handler.AgentHandler
	Sessions  *handler.SessionHandler
	Policies  *handler.PolicyHandler
	Approvals *handler.ApprovalHandler
	Webhooks  *handler.WebhookHandler
}

// NewConsoleServer инициализирует сервер консоли со всеми зависимостями
func NewConsoleServer(logger *zap.Logger, validator auth.TokenValidator, h Handlers) *ConsoleServer {
	s := &ConsoleServer{
		router:          chi.NewRouter(),
		logger:          logger.Named("console-api"),
		authValidator:   validator,
		agentHandler:    h.Agents,
		sessionHandler:  h.Sessions,
		policyHandler:   h.Policies,
		approvalHandler: h.Approvals,
		webhookHandler:  h.Webhooks,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР ---
	r.Group(func(r chi.Router) {
		if s.authValidator != nil {
			r.Use(auth.NewMiddleware(s.authValidator, s.logger))
		}

		r.Route("/v1/agents", func(r chi.Router) {
			r.Get("/", s.agentHandler.List)
			r.Post("/", s.agentHandler.Create)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.agentHandler.Get)
				r.Post("/transition", s.agentHandler.Transition)
				r.Post("/kill", s.agentHandler.Kill) // Мгновенная остановка на всех репликах
				r.Put("/model", s.agentHandler.UpdateModel)
				r.Post("/sessions", s.agentHandler.CreateSession)
			})
		})

		r.Route("/v1/sessions/{id}", func(r chi.Router) {
			r.Get("/", s.sessionHandler.Get)
			r.Post("/transition", s.sessionHandler.Transition)
			r.Post("/usage", s.sessionHandler.AddUsage)
		})

		// HITL-политики. Любое изменение рассылает refresh кэшам шлюзов
		r.Route("/v1/policies", func(r chi.Router) {
			r.Get("/", s.policyHandler.List)
			r.Post("/", s.policyHandler.Create)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.policyHandler.Get)
				r.Put("/", s.policyHandler.Update)
				r.Delete("/", s.policyHandler.Delete)
			})
		})

		// Human-in-the-loop (Approvals)
		r.Route("/v1/approvals", func(r chi.Router) {
			r.Get("/", s.approvalHandler.List) // Очередь запросов на проверку
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.approvalHandler.GetDetails)
				r.Group(func(r chi.Router) {
					if s.authValidator != nil {
						r.Use(auth.RequireScope(auth.ScopeApprovalsDecide, s.logger))
					}
					r.Post("/decide", s.approvalHandler.Decide) // Approve/Reject + сигнал в Redis
					r.Post("/cancel", s.approvalHandler.Cancel)
				})
			})
		})

		r.Route("/v1/webhooks", func(r chi.Router) {
			r.Get("/", s.webhookHandler.List)
			r.Post("/", s.webhookHandler.Create)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.webhookHandler.Get)
				r.Delete("/", s.webhookHandler.Delete)
				r.Get("/deliveries", s.webhookHandler.Deliveries)
			})
		})
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
