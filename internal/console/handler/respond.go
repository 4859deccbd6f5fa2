package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/xela07ax/spaceai-agentops/internal/domain"
	"go.uber.org/zap"
)

type errorBody struct {
	Error   string   `json:"error"`
	Current string   `json:"current,omitempty"`
	Allowed []string `json:"allowed,omitempty"`
}

// StatusFor отображает таксономию ошибок на HTTP-коды.
func StatusFor(err error) int {
	var (
		validation *domain.ValidationError
		notFound   *domain.NotFoundError
		conflict   *domain.StateConflictError
		backend    *domain.BackendError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &backend):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	code := StatusFor(err)
	body := errorBody{Error: err.Error()}

	var conflict *domain.StateConflictError
	if errors.As(err, &conflict) {
		body.Current = conflict.Current
		body.Allowed = conflict.Allowed
		if body.Allowed == nil {
			body.Allowed = []string{}
		}
	}
	if code == http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err))
		body.Error = "internal error"
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &domain.ValidationError{Message: "invalid request body: " + err.Error()}
	}
	return nil
}

// queryLimit читает ?limit=, по умолчанию 100.
func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 100, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, &domain.ValidationError{Field: "limit", Message: "must be a positive integer"}
	}
	return n, nil
}
