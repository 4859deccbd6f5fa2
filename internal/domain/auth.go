package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// CustomClaims — claims токена оператора. Токены выпускает внешний IdP,
// мы их только проверяем (RS256) и берём UserID как reviewer_id.
type CustomClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"` // "approvals.decide": true
	jwt.RegisteredClaims
}
