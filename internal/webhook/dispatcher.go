package webhook

/*
Файл dispatcher.go реализует Webhook Dispatcher: подпись, доставка, повторы и учёт.

- Fire-and-forget: DispatchEvent запускает по задаче на подписку и сразу возвращает их число.
- Ошибки доставки (сеть, таймаут, не-2xx) не выходят к вызывающему: только запись и лог.
- Параллелизм ограничен семафором: горутина доставки появляется только вместе со слотом.
- Close дожидается доставок в полёте, итоговая запись доставки переживает его отмену.
*/

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-agentops/internal/domain"
	"github.com/xela07ax/spaceai-agentops/internal/infra"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Потолок сохраняемого тела ответа
const maxResponseBody = 4 << 10

// Итоговая запись доставки переживает отмену контекста доставки (Close по таймауту)
const finalizeTimeout = 5 * time.Second

type Store interface {
	ListActiveSubscriptions(ctx context.Context, agentID, event string) ([]domain.WebhookSubscription, error)
	CreateDelivery(ctx context.Context, d *domain.WebhookDelivery) error
	UpdateDelivery(ctx context.Context, d *domain.WebhookDelivery) error
	// RecordDeliveryOutcome атомарно двигает счётчики подписки
	RecordDeliveryOutcome(ctx context.Context, webhookID string, success bool, lastError *string) error
}

// AttemptResult — итог одной HTTP-попытки. Сбой описан структурой, а не брошен.
type AttemptResult struct {
	StatusCode int
	Body       string
	Err        *domain.DeliveryError
}

func (r AttemptResult) Success() bool { return r.Err == nil }

type Options struct {
	Concurrency    int64
	DefaultTimeout time.Duration
	HTTPClient     *http.Client
	Metrics        *infra.Metrics
	Now            func() time.Time
	// Sleep — пауза между попытками; подменяется в тестах
	Sleep func(ctx context.Context, d time.Duration) error
}

type Dispatcher struct {
	store   Store
	client  *http.Client
	sem     *semaphore.Weighted
	metrics *infra.Metrics
	logger  *zap.Logger

	defaultTimeout time.Duration
	now            func() time.Time
	sleep          func(ctx context.Context, d time.Duration) error

	// baseCtx живёт дольше запросов, которые породили события
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewDispatcher(store Store, opts Options, logger *zap.Logger) *Dispatcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 32
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 10 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Metrics == nil {
		opts.Metrics = infra.NewMetrics(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:          store,
		client:         opts.HTTPClient,
		sem:            semaphore.NewWeighted(opts.Concurrency),
		metrics:        opts.Metrics,
		logger:         logger.With(zap.String("mod", "webhook")),
		defaultTimeout: opts.DefaultTimeout,
		now:            opts.Now,
		sleep:          opts.Sleep,
		baseCtx:        ctx,
		cancel:         cancel,
	}
}

// DeliverPayload выполняет одну подписанную POST-попытку с ограничением по времени.
func (d *Dispatcher) DeliverPayload(ctx context.Context, sub domain.WebhookSubscription, deliveryID, event string, body []byte) AttemptResult {
	timeout := d.defaultTimeout
	if sub.TimeoutMs > 0 {
		timeout = time.Duration(sub.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return AttemptResult{Err: &domain.DeliveryError{Message: err.Error()}}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", SignPayload(body, sub.Secret))
	req.Header.Set("X-Webhook-Event", event)
	req.Header.Set("X-Webhook-Delivery", deliveryID)

	resp, err := d.client.Do(req)
	if err != nil {
		return AttemptResult{Err: &domain.DeliveryError{Timeout: isTimeout(err), Message: err.Error()}}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil && isTimeout(err) {
		return AttemptResult{StatusCode: resp.StatusCode, Err: &domain.DeliveryError{Timeout: true, Message: err.Error()}}
	}
	// Дочитываем остаток, чтобы соединение вернулось в пул
	_, _ = io.Copy(io.Discard, resp.Body)

	res := AttemptResult{StatusCode: resp.StatusCode, Body: responseText(raw)}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		res.Err = &domain.DeliveryError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	return res
}

// DeliverWebhook создаёт одну запись доставки и делает до maxRetries+1 попыток.
// Ошибка возвращается только при сбое хранилища, неудачная доставка — это status=failed.
func (d *Dispatcher) DeliverWebhook(ctx context.Context, sub domain.WebhookSubscription, agentID, event string, data map[string]interface{}) (*domain.WebhookDelivery, error) {
	if data == nil {
		data = map[string]interface{}{}
	}
	body, err := json.Marshal(domain.WebhookEnvelope{
		Event:     event,
		WebhookID: sub.ID,
		AgentID:   agentID,
		Timestamp: d.now().UTC().Format(time.RFC3339Nano),
		Data:      data,
	})
	if err != nil {
		return nil, fmt.Errorf("webhook: marshal envelope: %w", err)
	}

	// Attempts(0) в retry-go означает бесконечные повторы
	maxAttempts := max(sub.MaxRetries+1, 1)
	delivery := &domain.WebhookDelivery{
		ID:          uuid.NewString(),
		WebhookID:   sub.ID,
		Event:       event,
		Payload:     body,
		Status:      domain.DeliveryPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   d.now().UTC(),
	}
	if err := d.store.CreateDelivery(ctx, delivery); err != nil {
		return nil, fmt.Errorf("webhook: create delivery: %w", err)
	}

	log := d.logger.With(
		zap.String("webhook_id", sub.ID),
		zap.String("delivery_id", delivery.ID),
		zap.String("event", event))

	var last AttemptResult
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(uint(maxAttempts)),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var de *domain.DeliveryError
			return errors.As(err, &de)
		}),
		// Пауза считается от номера следующей попытки, а не от счётчика библиотеки
		retry.DelayType(func(_ uint, _ error, _ retry.DelayContext) time.Duration {
			return 0
		}),
	)

	err = r.Do(func() error {
		attempt := delivery.AttemptNumber + 1
		if wait := BackoffDelay(sub.RetryDelaySeconds, attempt); wait > 0 {
			if err := d.sleep(ctx, wait); err != nil {
				return err
			}
		}

		delivery.AttemptNumber = attempt
		last = d.DeliverPayload(ctx, sub, delivery.ID, event, body)
		d.applyAttempt(delivery, last)

		if last.Success() {
			d.metrics.WebhookAttempts.WithLabelValues("success").Inc()
			return nil
		}
		d.metrics.WebhookAttempts.WithLabelValues("failure").Inc()
		log.Warn("webhook attempt failed", zap.Int("attempt", attempt), zap.Error(last.Err))

		if attempt < maxAttempts {
			next := d.now().UTC().Add(BackoffDelay(sub.RetryDelaySeconds, attempt+1))
			delivery.Status = domain.DeliveryRetrying
			delivery.NextRetryAt = &next
			if err := d.store.UpdateDelivery(ctx, delivery); err != nil {
				log.Error("failed to record retrying state", zap.Error(err))
			}
		}
		return last.Err
	})

	completed := d.now().UTC()
	delivery.CompletedAt = &completed
	delivery.NextRetryAt = nil

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if err == nil {
		delivery.Status = domain.DeliverySuccess
		if uerr := d.store.UpdateDelivery(fctx, delivery); uerr != nil {
			log.Error("failed to record delivery success", zap.Error(uerr))
		}
		if uerr := d.store.RecordDeliveryOutcome(fctx, sub.ID, true, nil); uerr != nil {
			log.Error("failed to update subscription counters", zap.Error(uerr))
		}
		d.metrics.WebhookDeliveries.WithLabelValues(event, string(domain.DeliverySuccess)).Inc()
		log.Debug("webhook delivered", zap.Int("attempts", delivery.AttemptNumber))
		return delivery, nil
	}

	delivery.Status = domain.DeliveryFailed
	lastErr := err.Error()
	if delivery.ErrorMessage == nil {
		delivery.ErrorMessage = &lastErr
	}
	if uerr := d.store.UpdateDelivery(fctx, delivery); uerr != nil {
		log.Error("failed to record delivery failure", zap.Error(uerr))
	}
	if uerr := d.store.RecordDeliveryOutcome(fctx, sub.ID, false, delivery.ErrorMessage); uerr != nil {
		log.Error("failed to update subscription counters", zap.Error(uerr))
	}
	d.metrics.WebhookDeliveries.WithLabelValues(event, string(domain.DeliveryFailed)).Inc()
	log.Warn("webhook delivery failed", zap.Int("attempts", delivery.AttemptNumber), zap.Error(err))
	return delivery, nil
}

func (d *Dispatcher) applyAttempt(delivery *domain.WebhookDelivery, res AttemptResult) {
	delivery.ResponseStatus = nil
	if res.StatusCode != 0 {
		code := res.StatusCode
		delivery.ResponseStatus = &code
	}
	body := res.Body
	delivery.ResponseBody = &body
	delivery.ErrorMessage = nil
	if res.Err != nil {
		msg := res.Err.Error()
		delivery.ErrorMessage = &msg
	}
}

// DispatchEvent запускает доставку по каждой активной подписке и не ждёт их.
// Возвращает число поставленных доставок. Горутина доставки создаётся только
// после захвата слота семафора, ожидающие подписки держит одна горутина события.
func (d *Dispatcher) DispatchEvent(ctx context.Context, agentID, event string, data map[string]interface{}) (int, error) {
	subs, err := d.store.ListActiveSubscriptions(ctx, agentID, event)
	if err != nil {
		return 0, fmt.Errorf("webhook: load subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return 0, nil
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for i, sub := range subs {
			if err := d.sem.Acquire(d.baseCtx, 1); err != nil {
				d.logger.Warn("webhook deliveries dropped on shutdown",
					zap.String("event", event), zap.Int("dropped", len(subs)-i))
				return
			}
			d.wg.Add(1)
			go d.deliverAsync(sub, agentID, event, data)
		}
	}()
	return len(subs), nil
}

// deliverAsync выполняет доставку в захваченном слоте и освобождает его.
func (d *Dispatcher) deliverAsync(sub domain.WebhookSubscription, agentID, event string, data map[string]interface{}) {
	defer d.wg.Done()
	defer d.sem.Release(1)
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("webhook delivery panicked", zap.String("webhook_id", sub.ID), zap.Any("panic", r))
		}
	}()

	if _, err := d.DeliverWebhook(d.baseCtx, sub, agentID, event, data); err != nil {
		d.logger.Error("webhook delivery aborted", zap.String("webhook_id", sub.ID), zap.Error(err))
	}
}

// responseText готовит тело ответа к записи в TEXT-колонку: обрезка по лимиту
// могла разрезать многобайтовый символ, а получатель мог вернуть бинарные данные.
func responseText(raw []byte) string {
	if n := len(raw); n > 0 {
		start := n - 1
		for start > 0 && start > n-utf8.UTFMax && !utf8.RuneStart(raw[start]) {
			start--
		}
		if !utf8.FullRune(raw[start:]) {
			raw = raw[:start]
		}
	}
	text := strings.ToValidUTF8(string(raw), "\uFFFD")
	text = strings.ReplaceAll(text, "\x00", "")
	// Замена невалидных байтов могла удлинить строку
	for len(text) > maxResponseBody {
		_, size := utf8.DecodeLastRuneInString(text)
		text = text[:len(text)-size]
	}
	return text
}

// Notify — вход для остальных компонентов: ничего не возвращает и не блокирует.
func (d *Dispatcher) Notify(_ context.Context, agentID, event string, data map[string]interface{}) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		n, err := d.DispatchEvent(d.baseCtx, agentID, event, data)
		if err != nil {
			d.logger.Error("webhook dispatch failed", zap.String("agent_id", agentID), zap.String("event", event), zap.Error(err))
			return
		}
		if n > 0 {
			d.logger.Debug("webhook dispatch started", zap.String("agent_id", agentID), zap.String("event", event), zap.Int("subscriptions", n))
		}
	}()
}

// Close ждёт доставки в полёте. По истечении ctx отменяет оставшиеся.
func (d *Dispatcher) Close(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("webhook dispatcher: cancelling in-flight deliveries")
		d.cancel()
		<-done
	}
	d.cancel()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
