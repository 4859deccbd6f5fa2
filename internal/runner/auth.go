package runner

import (
	"context"
	"crypto/subtle"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// tokenHeader — заголовок с общим секретом исполнителя и хоста (в gRPC заголовки в нижнем регистре)
const tokenHeader = "x-runner-token"

// UnaryTokenInterceptor проверяет токен в метаданных gRPC вызова.
// Пустой token отключает проверку.
func UnaryTokenInterceptor(token string, logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if token == "" {
			return handler(ctx, req)
		}

		// 1. Извлекаем метаданные из контекста
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Errorf(codes.Unauthenticated, "missing metadata")
		}

		// 2. Ищем токен
		tokens := md.Get(tokenHeader)
		if len(tokens) == 0 || subtle.ConstantTimeCompare([]byte(tokens[0]), []byte(token)) != 1 {
			logger.Warn("rejected runner call", zap.String("method", info.FullMethod))
			return nil, status.Errorf(codes.Unauthenticated, "invalid runner token")
		}

		return handler(ctx, req)
	}
}

// TokenCredentials кладёт токен в каждый вызов клиента.
type TokenCredentials string

func (t TokenCredentials) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{tokenHeader: string(t)}, nil
}

// Канал до хоста внутри кластера, TLS не требуем.
func (t TokenCredentials) RequireTransportSecurity() bool { return false }
