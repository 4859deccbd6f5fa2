package bus

/*
Файл bus.go реализует Command Bus — единственный канал связи между Control Plane
и Execution Plane.

- Fan-out, а не work-stealing: каждый подписанный инстанс получает каждую команду.
- At-most-once: без подтверждений и персистентности; команда, опубликованная
  при отсутствии подписчиков, теряется. Поэтому операции жизненного цикла идемпотентны.
- Битое сообщение логируется и отбрасывается, паника или ошибка обработчика
  не останавливает обработку следующих сообщений.
- Команды одного агента обрабатываются последовательно, разных агентов — параллельно.
*/

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-agentops/internal/domain"
	"github.com/xela07ax/spaceai-agentops/internal/infra"
	"go.uber.org/zap"
)

// Handler применяет команду. Ошибка логируется шиной и дальше не идёт.
type Handler func(ctx context.Context, cmd domain.Command) error

// StatusHandler обрабатывает отчёт о статусе от Execution Plane.
type StatusHandler func(ctx context.Context, msg domain.StatusMessage) error

type CommandBus struct {
	rdb     *redis.Client
	metrics *infra.Metrics
	logger  *zap.Logger

	commandsChan string
	statusChan   string
}

func NewCommandBus(rdb *redis.Client, metrics *infra.Metrics, logger *zap.Logger) *CommandBus {
	if metrics == nil {
		metrics = infra.NewMetrics(nil)
	}
	return &CommandBus{
		rdb:          rdb,
		metrics:      metrics,
		logger:       logger.With(zap.String("mod", "bus")),
		commandsChan: infra.RedisChanCommands,
		statusChan:   infra.RedisChanStatus,
	}
}

// Publish валидирует, сериализует и отправляет команду. Подтверждения нет.
func (b *CommandBus) Publish(ctx context.Context, cmd domain.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("bus: marshal command: %w", err)
	}

	receivers, err := b.rdb.Publish(ctx, b.commandsChan, data).Result()
	if err != nil {
		return fmt.Errorf("bus: publish %s: %w", cmd.Command, err)
	}
	if receivers == 0 {
		// At-most-once: без подписчиков команда потеряна, это не ошибка вызывающего
		b.logger.Warn("command published with no subscribers",
			zap.String("command", string(cmd.Command)),
			zap.String("agent_id", cmd.AgentID),
			zap.String("request_id", cmd.RequestID))
		return nil
	}

	b.logger.Debug("command published",
		zap.String("command", string(cmd.Command)),
		zap.String("agent_id", cmd.AgentID),
		zap.Int64("receivers", receivers))
	return nil
}

// Subscribe подписывает обработчик на канал команд. Возвращаемая функция отписывает
// и ждёт завершения уже принятых команд. При возврате без ошибки подписка уже активна.
func (b *CommandBus) Subscribe(ctx context.Context, handler Handler) (func(), error) {
	queue := newSerialQueue()
	return b.subscribe(ctx, b.commandsChan, func(payload string) {
		cmd, err := DecodeCommand(payload)
		if err != nil {
			b.drop(b.commandsChan, payload, err)
			return
		}
		queue.Submit(cmd.AgentID, func() {
			b.safeHandle(b.commandsChan, cmd.AgentID, func() error { return handler(ctx, cmd) })
		})
	}, queue.Wait)
}

// PublishStatus отправляет отчёт о статусе. Используется только для наблюдаемости.
func (b *CommandBus) PublishStatus(ctx context.Context, msg domain.StatusMessage) error {
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("bus: marshal status: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.statusChan, data).Err(); err != nil {
		return fmt.Errorf("bus: publish status: %w", err)
	}
	return nil
}

func (b *CommandBus) SubscribeStatus(ctx context.Context, handler StatusHandler) (func(), error) {
	return b.subscribe(ctx, b.statusChan, func(payload string) {
		var msg domain.StatusMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			b.drop(b.statusChan, payload, err)
			return
		}
		if err := msg.Validate(); err != nil {
			b.drop(b.statusChan, payload, err)
			return
		}
		b.safeHandle(b.statusChan, msg.AgentID, func() error { return handler(ctx, msg) })
	}, nil)
}

// DecodeCommand разбирает и валидирует сообщение из канала команд.
func DecodeCommand(payload string) (domain.Command, error) {
	var cmd domain.Command
	if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
		return cmd, err
	}
	if err := cmd.Validate(); err != nil {
		return cmd, err
	}
	if cmd.Payload == nil {
		cmd.Payload = map[string]interface{}{}
	}
	return cmd, nil
}

func (b *CommandBus) subscribe(ctx context.Context, channel string, onMessage func(string), drain func()) (func(), error) {
	listenCtx, cancel := context.WithCancel(ctx)

	pubsub := b.rdb.Subscribe(listenCtx, channel)
	if _, err := pubsub.Receive(listenCtx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("bus: subscribe %s: %w", channel, err)
	}
	b.logger.Info("subscribed", zap.String("chan", channel))

	done := make(chan struct{})
	go func() {
		defer close(done)
		ListenResilient(listenCtx, b.rdb, b.logger, channel, pubsub, nil, onMessage)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
			if drain != nil {
				drain()
			}
			b.logger.Info("unsubscribed", zap.String("chan", channel))
		})
	}, nil
}

func (b *CommandBus) drop(channel, payload string, err error) {
	decodeErr := &domain.BusDecodeError{Channel: channel, Err: err}
	b.metrics.BusDecodeErrors.WithLabelValues(channel).Inc()
	b.logger.Warn("dropping bus message", zap.Error(decodeErr), zap.Int("size", len(payload)))
}

// safeHandle изолирует обработчик: ни ошибка, ни паника не ломают цикл приёма.
func (b *CommandBus) safeHandle(channel, agentID string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus handler panicked",
				zap.String("chan", channel),
				zap.String("agent_id", agentID),
				zap.Any("panic", r))
		}
	}()
	if err := fn(); err != nil {
		b.logger.Error("bus handler failed",
			zap.String("chan", channel),
			zap.String("agent_id", agentID),
			zap.Error(err))
	}
}
