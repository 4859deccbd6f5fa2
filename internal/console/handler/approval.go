package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-agentops/internal/domain"
	"github.com/xela07ax/spaceai-agentops/internal/infra/auth"
	"go.uber.org/zap"
)

// ApprovalService Описываем, что нам нужно от движка согласований
type ApprovalService interface {
	Get(ctx context.Context, id string) (*domain.ApprovalRequest, error)
	List(ctx context.Context, f domain.ApprovalFilter) ([]domain.ApprovalRequest, error)
	ResolveApproval(ctx context.Context, id string, decision domain.ApprovalStatus, reviewerID string, comment *string) (*domain.ApprovalRequest, error)
	CancelApproval(ctx context.Context, id string, reviewerID string, reason *string) (*domain.ApprovalRequest, error)
}

type ApprovalHandler struct {
	service ApprovalService
	logger  *zap.Logger
}

func NewApprovalHandler(s ApprovalService, logger *zap.Logger) *ApprovalHandler {
	return &ApprovalHandler{service: s, logger: logger}
}

func (h *ApprovalHandler) GetDetails(w http.ResponseWriter, r *http.Request) {
	approval, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

// List GET /v1/approvals?status=&agent_id=&limit=. Без статуса — очередь pending, status=all — всё.
func (h *ApprovalHandler) List(w http.ResponseWriter, r *http.Request) {
	status := domain.ApprovalStatus(r.URL.Query().Get("status"))
	switch status {
	case "":
		status = domain.StatusPending
	case "all":
		status = ""
	default:
		if !status.Valid() {
			writeError(w, h.logger, &domain.ValidationError{Field: "status", Message: "unknown approval status " + string(status)})
			return
		}
	}
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	list, err := h.service.List(r.Context(), domain.ApprovalFilter{
		AgentID: r.URL.Query().Get("agent_id"),
		Status:  status,
		Limit:   limit,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type DecideRequest struct {
	Decision   domain.ApprovalStatus `json:"decision"` // approved | rejected
	Comment    *string               `json:"comment"`
	ReviewerID string                `json:"reviewer_id"`
}

// Decide POST /v1/approvals/{id}/decide
func (h *ApprovalHandler) Decide(w http.ResponseWriter, r *http.Request) {
	var req DecideRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	approval, err := h.service.ResolveApproval(r.Context(), chi.URLParam(r, "id"), req.Decision, reviewer(r, req.ReviewerID), req.Comment)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

// Cancel POST /v1/approvals/{id}/cancel
func (h *ApprovalHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason     *string `json:"reason"`
		ReviewerID string  `json:"reviewer_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	approval, err := h.service.CancelApproval(r.Context(), chi.URLParam(r, "id"), reviewer(r, req.ReviewerID), req.Reason)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

// reviewer: личность из токена важнее поля тела. Тело используется только без auth-middleware.
func reviewer(r *http.Request, fromBody string) string {
	if id, ok := auth.UserID(r.Context()); ok {
		return id
	}
	return fromBody
}
