package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-agentops/internal/console/service"
	"github.com/xela07ax/spaceai-agentops/internal/domain"
	"go.uber.org/zap"
)

type SessionHandler struct {
	service *service.SessionService
	logger  *zap.Logger
}

func NewSessionHandler(s *service.SessionService, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{service: s, logger: logger}
}

func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *SessionHandler) Transition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status domain.SessionStatus `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	sess, err := h.service.Transition(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *SessionHandler) AddUsage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Turns  int   `json:"turns"`
		Tokens int64 `json:"tokens"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	sess, err := h.service.AddUsage(r.Context(), chi.URLParam(r, "id"), req.Turns, req.Tokens)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}
