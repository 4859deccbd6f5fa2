package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-agentops/internal/console/service"
	"github.com/xela07ax/spaceai-agentops/internal/domain"
	"go.uber.org/zap"
)

type PolicyHandler struct {
	service *service.PolicyService
	logger  *zap.Logger
}

func NewPolicyHandler(s *service.PolicyService, logger *zap.Logger) *PolicyHandler {
	return &PolicyHandler{service: s, logger: logger}
}

// Get возвращает детали конкретной политики по её ID.
// GET /v1/policies/{id}
func (h *PolicyHandler) Get(w http.ResponseWriter, r *http.Request) {
	policy, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

// List GET /v1/policies?agent_id=
func (h *PolicyHandler) List(w http.ResponseWriter, r *http.Request) {
	policies, err := h.service.List(r.Context(), r.URL.Query().Get("agent_id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, policies)
}

func (h *PolicyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var p domain.HitlPolicy
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, h.logger, err)
		return
	}
	p.ID = ""
	if err := h.service.Create(r.Context(), &p); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// Update обновляет существующую политику (например, меняет Conditions)
func (h *PolicyHandler) Update(w http.ResponseWriter, r *http.Request) {
	var p domain.HitlPolicy
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, h.logger, err)
		return
	}
	p.ID = chi.URLParam(r, "id")

	if err := h.service.Update(r.Context(), &p); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Delete удаляет политику и инициирует инвалидацию кэша
func (h *PolicyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
