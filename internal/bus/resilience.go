package bus

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const resubscribeDelay = 5 * time.Second

// ListenResilient — универсальный цикл для "живучей" подписки на канал Redis.
// Обрабатывает переподключения и логирование; разбор полезной нагрузки — забота onMessage.
//
// Если pubsub уже подписан (подтверждение получено вызывающим), цикл начинает с него,
// иначе подписывается сам. onReconnect вызывается после каждой собственной успешной подписки.
func ListenResilient(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	channel string,
	pubsub *redis.PubSub,
	onReconnect func() error, // Callback для синхронизации при переподключении
	onMessage func(payload string), // Callback для обработки сообщения
) {
	for {
		if pubsub == nil {
			pubsub = rdb.Subscribe(ctx, channel)

			// Проверка успешности подписки
			if _, err := pubsub.Receive(ctx); err != nil {
				_ = pubsub.Close()
				pubsub = nil
				if ctx.Err() != nil {
					return
				}
				logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
				if !sleepCtx(ctx, resubscribeDelay) {
					return
				}
				continue
			}

			if onReconnect != nil {
				if err := onReconnect(); err != nil {
					logger.Error("sync failed on reconnect", zap.String("chan", channel), zap.Error(err))
				}
			}
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				onMessage(msg.Payload)
			}
		}

		_ = pubsub.Close()
		pubsub = nil
		logger.Warn("subscription channel closed, resubscribing", zap.String("chan", channel))
		if !sleepCtx(ctx, time.Second) {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
