package auth

import (
	"context"
	"net/http"

	"github.com/xela07ax/spaceai-agentops/internal/domain"
	"go.uber.org/zap"
)

// TokenValidator — интерфейс проверки токена оператора
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.CustomClaims, error)
}

// Тип для ключа в контексте (избегаем коллизий)
type ctxKey string

const (
	userIDKey ctxKey = "user_id"
	scopesKey ctxKey = "user_scopes"
)

// ScopeApprovalsDecide — право решать и отменять HITL-заявки
const ScopeApprovalsDecide = "approvals.decide"

func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			// Прокидываем данные в контекст
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), claims.UserID, claims.Scopes)))
		})
	}
}

// WithIdentity кладёт личность оператора в контекст. Используется и в тестах хендлеров.
func WithIdentity(ctx context.Context, userID string, scopes map[string]bool) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, scopesKey, scopes)
}

// UserID достаёт ID оператора, проставленный middleware.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}

func HasScope(ctx context.Context, scope string) bool {
	scopes, _ := ctx.Value(scopesKey).(map[string]bool)
	return scopes["admin"] || scopes[scope]
}

// RequireScope пропускает только операторов с нужным scope (или admin).
// Ставится после NewMiddleware.
func RequireScope(scope string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !HasScope(r.Context(), scope) {
				id, _ := UserID(r.Context())
				logger.Warn("scope denied", zap.String("user_id", id), zap.String("scope", scope))
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
