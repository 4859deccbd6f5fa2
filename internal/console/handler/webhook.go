package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-agentops/internal/console/service"
	"go.uber.org/zap"
)

type WebhookHandler struct {
	service *service.WebhookService
	logger  *zap.Logger
}

func NewWebhookHandler(s *service.WebhookService, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{service: s, logger: logger}
}

func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in service.CreateWebhookInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, h.logger, err)
		return
	}
	sub, err := h.service.Create(r.Context(), in)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	subs, err := h.service.List(r.Context(), r.URL.Query().Get("agent_id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

func (h *WebhookHandler) Get(w http.ResponseWriter, r *http.Request) {
	sub, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Deliveries GET /v1/webhooks/{id}/deliveries?limit=
func (h *WebhookHandler) Deliveries(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	list, err := h.service.Deliveries(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}
