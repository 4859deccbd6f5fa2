package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-agentops/internal/console/service"
	"github.com/xela07ax/spaceai-agentops/internal/domain"
	"go.uber.org/zap"
)

type AgentHandler struct {
	service  *service.AgentService
	sessions *service.SessionService
	logger   *zap.Logger
}

func NewAgentHandler(s *service.AgentService, sessions *service.SessionService, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{service: s, sessions: sessions, logger: logger}
}

// Create POST /v1/agents
func (h *AgentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in service.CreateAgentInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, h.logger, err)
		return
	}
	agent, err := h.service.Create(r.Context(), in)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

// List GET /v1/agents?status=
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	agents, err := h.service.List(r.Context(), domain.AgentStatus(r.URL.Query().Get("status")))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	agent, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

type transitionRequest struct {
	Status  domain.AgentStatus `json:"status"`
	Version *int64             `json:"version"`
}

// Transition POST /v1/agents/{id}/transition
func (h *AgentHandler) Transition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	agent, err := h.service.Transition(r.Context(), chi.URLParam(r, "id"), req.Status, req.Version)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// Kill POST /v1/agents/{id}/kill: аварийная остановка на всех Execution Plane.
func (h *AgentHandler) Kill(w http.ResponseWriter, r *http.Request) {
	agent, err := h.service.Kill(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

type modelRequest struct {
	ModelConfig map[string]interface{} `json:"model_config"`
	Version     *int64                 `json:"version"`
}

// UpdateModel PUT /v1/agents/{id}/model
func (h *AgentHandler) UpdateModel(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	agent, err := h.service.UpdateModelConfig(r.Context(), chi.URLParam(r, "id"), req.ModelConfig, req.Version)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// CreateSession POST /v1/agents/{id}/sessions
func (h *AgentHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Create(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}
