package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xela07ax/spaceai-agentops/internal/domain"
)

// ValidatorOptions — дополнительные требования к токену оператора.
// Пустые Issuer/Audience не проверяются.
type ValidatorOptions struct {
	Issuer   string
	Audience string
	Leeway   time.Duration // Допуск рассинхронизации часов с IdP
}

// OperatorValidator проверяет RS256-токены, выпущенные внешним IdP.
// Консоль ключей не выпускает, у неё только публичная часть.
type OperatorValidator struct {
	publicKey *rsa.PublicKey
	parser    *jwt.Parser
}

func NewOperatorValidator(pubKey *rsa.PublicKey, opts ValidatorOptions) *OperatorValidator {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}
	if opts.Leeway > 0 {
		parserOpts = append(parserOpts, jwt.WithLeeway(opts.Leeway))
	}
	return &OperatorValidator{publicKey: pubKey, parser: jwt.NewParser(parserOpts...)}
}

// VerifyToken реализует TokenValidator. Префикс "Bearer " допускается.
func (v *OperatorValidator) VerifyToken(tokenStr string) (*domain.CustomClaims, error) {
	tokenStr = strings.TrimSpace(strings.TrimPrefix(tokenStr, "Bearer "))
	if tokenStr == "" {
		return nil, errors.New("invalid token: empty")
	}

	claims := &domain.CustomClaims{}
	_, err := v.parser.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		return v.publicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	// reviewer_id решений берётся отсюда, пустой оператор недопустим
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, errors.New("invalid claims: user_id is empty")
	}
	return claims, nil
}

// ParseRSAPublicKey превращает PEM в ключ для проверки подписи
func ParseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	if len(data) == 0 {
		return nil, errors.New("public key data is empty")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return key, nil
}
