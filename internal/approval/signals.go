package approval

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-agentops/internal/domain"
	"github.com/xela07ax/spaceai-agentops/internal/infra"
)

// RedisSignals транслирует решения по заявкам через персональные каналы Pub/Sub.
// Сигнал только будит ожидающего, само решение всегда перечитывается из хранилища.
type RedisSignals struct {
	rdb *redis.Client
}

func NewRedisSignals(rdb *redis.Client) *RedisSignals {
	return &RedisSignals{rdb: rdb}
}

func (s *RedisSignals) PublishDecision(ctx context.Context, req domain.ApprovalRequest) error {
	return s.rdb.Publish(ctx, infra.ApprovalDecisionChannel(req.ID), string(req.Status)).Err()
}

// WaitSignal подписывается на канал заявки. Подписка активна к моменту возврата.
func (s *RedisSignals) WaitSignal(ctx context.Context, approvalID string) (<-chan struct{}, func(), error) {
	pubsub := s.rdb.Subscribe(ctx, infra.ApprovalDecisionChannel(approvalID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe to decision of %s: %w", approvalID, err)
	}

	wake := make(chan struct{}, 1)
	msgs := pubsub.Channel()
	go func() {
		for range msgs {
			select {
			case wake <- struct{}{}:
			default: // Уже разбудили
			}
		}
	}()

	return wake, func() { _ = pubsub.Close() }, nil
}

// PublishPolicyUpdate просит все Execution Plane перечитать политики.
// Сигнал может быть простым "refresh": кэш сам перечитает всё.
func PublishPolicyUpdate(ctx context.Context, rdb *redis.Client) error {
	return rdb.Publish(ctx, infra.RedisChanPolicyUpdate, "refresh").Err()
}
