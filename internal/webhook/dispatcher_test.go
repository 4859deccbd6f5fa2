package webhook_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-agentops/internal/domain"
	"github.com/xela07ax/spaceai-agentops/internal/infra"
	"github.com/xela07ax/spaceai-agentops/internal/repository/memory"
	"github.com/xela07ax/spaceai-agentops/internal/webhook"
	"go.uber.org/zap/zaptest"
)

type receiver struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   [][]byte
}

func (r *receiver) record(req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	r.bodies = append(r.bodies, body)
}

func (r *receiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func newSub(t *testing.T, store *memory.Store, url string, mutate func(*domain.WebhookSubscription)) domain.WebhookSubscription {
	t.Helper()
	sub := &domain.WebhookSubscription{
		URL:        url,
		Secret:     "s3cret",
		Events:     []string{domain.EventAgentStarted},
		IsActive:   true,
		MaxRetries: 0,
		TimeoutMs:  1000,
	}
	if mutate != nil {
		mutate(sub)
	}
	require.NoError(t, store.CreateSubscription(context.Background(), sub))
	return *sub
}

func newDispatcher(t *testing.T, store *memory.Store, metrics *infra.Metrics) *webhook.Dispatcher {
	t.Helper()
	d := webhook.NewDispatcher(store, webhook.Options{
		Metrics: metrics,
		Sleep:   func(context.Context, time.Duration) error { return nil },
	}, zaptest.NewLogger(t))
	t.Cleanup(func() { d.Close(context.Background()) })
	return d
}

func TestSignPayload(t *testing.T) {
	body := []byte(`{"event":"agent.started"}`)

	sig := webhook.SignPayload(body, "secret")
	assert.True(t, strings.HasPrefix(sig, "sha256="))
	assert.Len(t, strings.TrimPrefix(sig, "sha256="), 64)
	assert.Equal(t, sig, webhook.SignPayload(body, "secret"))
	assert.NotEqual(t, sig, webhook.SignPayload(body, "other"))
	assert.NotEqual(t, sig, webhook.SignPayload([]byte(`{"event":"agent.stopped"}`), "secret"))

	assert.True(t, webhook.VerifySignature(body, "secret", sig))
	assert.False(t, webhook.VerifySignature(body, "other", sig))
	assert.False(t, webhook.VerifySignature(body, "secret", strings.TrimPrefix(sig, "sha256=")))
	assert.False(t, webhook.VerifySignature(body, "secret", "sha256=zz"))
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		base, attempt int
		want          time.Duration
	}{
		{5, 1, 0},
		{5, 2, 5 * time.Second},
		{5, 3, 10 * time.Second},
		{5, 4, 20 * time.Second},
		{5, 5, 40 * time.Second},
		{5, 6, 60 * time.Second},
		{5, 20, 60 * time.Second},
		{0, 3, 0},
		{90, 2, 60 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, webhook.BackoffDelay(tt.base, tt.attempt), "base=%d attempt=%d", tt.base, tt.attempt)
	}
}

func TestDeliverPayload_HeadersAndBody(t *testing.T) {
	rec := &receiver{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	store := memory.New()
	sub := newSub(t, store, srv.URL, nil)
	d := newDispatcher(t, store, nil)

	body := []byte(`{"hello":"world"}`)
	res := d.DeliverPayload(context.Background(), sub, "del-1", domain.EventAgentStarted, body)
	require.True(t, res.Success())
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ok", res.Body)

	require.Equal(t, 1, rec.count())
	req := rec.requests[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.Equal(t, webhook.SignPayload(body, "s3cret"), req.Header.Get("X-Webhook-Signature"))
	assert.Equal(t, domain.EventAgentStarted, req.Header.Get("X-Webhook-Event"))
	assert.Equal(t, "del-1", req.Header.Get("X-Webhook-Delivery"))
	assert.Equal(t, body, rec.bodies[0])
}

func TestDeliverPayload_Failures(t *testing.T) {
	store := memory.New()
	d := newDispatcher(t, store, nil)

	t.Run("non-2xx", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		res := d.DeliverPayload(context.Background(), newSub(t, store, srv.URL, nil), "d", "e", []byte("{}"))
		require.False(t, res.Success())
		assert.Equal(t, http.StatusBadGateway, res.Err.StatusCode)
		assert.False(t, res.Err.Timeout)
	})

	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()
		defer close(release)

		sub := newSub(t, store, srv.URL, func(s *domain.WebhookSubscription) { s.TimeoutMs = 50 })
		res := d.DeliverPayload(context.Background(), sub, "d", "e", []byte("{}"))
		require.False(t, res.Success())
		assert.True(t, res.Err.Timeout)
	})

	t.Run("truncated body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(strings.Repeat("x", 10000)))
		}))
		defer srv.Close()

		res := d.DeliverPayload(context.Background(), newSub(t, store, srv.URL, nil), "d", "e", []byte("{}"))
		require.True(t, res.Success())
		assert.Len(t, res.Body, 4096)
	})

	t.Run("connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		res := d.DeliverPayload(context.Background(), newSub(t, store, url, nil), "d", "e", []byte("{}"))
		require.False(t, res.Success())
		assert.Zero(t, res.Err.StatusCode)
	})
}

func TestDeliverWebhook_RetriesThenFails(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	store := memory.New()
	metrics := infra.NewMetrics(prometheus.NewRegistry())
	sub := newSub(t, store, srv.URL, func(s *domain.WebhookSubscription) {
		s.MaxRetries = 2
		s.RetryDelaySeconds = 1
	})

	var slept []time.Duration
	d := webhook.NewDispatcher(store, webhook.Options{
		Metrics: metrics,
		Sleep: func(_ context.Context, dur time.Duration) error {
			slept = append(slept, dur)
			return nil
		},
	}, zaptest.NewLogger(t))
	defer d.Close(context.Background())

	delivery, err := d.DeliverWebhook(context.Background(), sub, "agent-1", domain.EventAgentStarted, map[string]interface{}{"k": "v"})
	require.NoError(t, err)

	assert.EqualValues(t, 3, hits.Load())
	assert.Equal(t, domain.DeliveryFailed, delivery.Status)
	assert.Equal(t, 3, delivery.AttemptNumber)
	assert.Equal(t, 3, delivery.MaxAttempts)
	require.NotNil(t, delivery.ResponseStatus)
	assert.Equal(t, http.StatusInternalServerError, *delivery.ResponseStatus)
	require.NotNil(t, delivery.ErrorMessage)
	assert.Contains(t, *delivery.ErrorMessage, "500")
	assert.NotNil(t, delivery.CompletedAt)
	assert.Nil(t, delivery.NextRetryAt)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, slept)

	stored, err := store.GetDelivery(context.Background(), delivery.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryFailed, stored.Status)
	assert.Equal(t, 3, stored.AttemptNumber)

	// Одна запись на всю последовательность попыток
	all, err := store.ListDeliveries(context.Background(), sub.ID, 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	after, err := store.GetSubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, after.TotalDeliveries)
	assert.EqualValues(t, 1, after.FailedDeliveries)
	require.NotNil(t, after.LastError)

	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.WebhookAttempts.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.WebhookDeliveries.WithLabelValues(domain.EventAgentStarted, "failed")))
}

func TestDeliverWebhook_SucceedsAfterRetry(t *testing.T) {
	var hits atomic.Int32
	rec := &receiver{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := memory.New()
	sub := newSub(t, store, srv.URL, func(s *domain.WebhookSubscription) { s.MaxRetries = 3 })
	d := newDispatcher(t, store, nil)

	delivery, err := d.DeliverWebhook(context.Background(), sub, "agent-1", domain.EventAgentStarted, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliverySuccess, delivery.Status)
	assert.Equal(t, 2, delivery.AttemptNumber)
	assert.Nil(t, delivery.ErrorMessage)

	// Повторная попытка шлёт те же байты с той же подписью и тем же id доставки
	require.Equal(t, 2, rec.count())
	assert.Equal(t, rec.bodies[0], rec.bodies[1])
	assert.Equal(t, rec.requests[0].Header.Get("X-Webhook-Signature"), rec.requests[1].Header.Get("X-Webhook-Signature"))
	assert.Equal(t, delivery.ID, rec.requests[1].Header.Get("X-Webhook-Delivery"))

	var env domain.WebhookEnvelope
	require.NoError(t, json.Unmarshal(rec.bodies[0], &env))
	assert.Equal(t, domain.EventAgentStarted, env.Event)
	assert.Equal(t, sub.ID, env.WebhookID)
	assert.Equal(t, "agent-1", env.AgentID)
	assert.NotNil(t, env.Data)

	after, err := store.GetSubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, after.TotalDeliveries)
	assert.EqualValues(t, 0, after.FailedDeliveries)
}

func TestDispatchEvent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := memory.New()
	newSub(t, store, srv.URL, func(s *domain.WebhookSubscription) { s.AgentID = "agent-1" })
	newSub(t, store, srv.URL, nil) // глобальная
	newSub(t, store, srv.URL, func(s *domain.WebhookSubscription) { s.AgentID = "agent-2" })
	newSub(t, store, srv.URL, func(s *domain.WebhookSubscription) { s.IsActive = false })
	newSub(t, store, srv.URL, func(s *domain.WebhookSubscription) { s.Events = []string{domain.EventAgentStopped} })

	d := webhook.NewDispatcher(store, webhook.Options{}, zaptest.NewLogger(t))

	n, err := d.DispatchEvent(context.Background(), "agent-1", domain.EventAgentStarted, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = d.DispatchEvent(context.Background(), "agent-1", domain.EventAgentCreated, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	d.Close(context.Background())
	assert.EqualValues(t, 2, hits.Load())
}

func TestNotify_DoesNotBlockOnFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := memory.New()
	sub := newSub(t, store, srv.URL, func(s *domain.WebhookSubscription) { s.MaxRetries = 1 })
	d := webhook.NewDispatcher(store, webhook.Options{
		Sleep: func(context.Context, time.Duration) error { return nil },
	}, zaptest.NewLogger(t))

	d.Notify(context.Background(), "agent-1", domain.EventAgentStarted, map[string]interface{}{"x": 1})
	d.Close(context.Background())

	deliveries, err := store.ListDeliveries(context.Background(), sub.ID, 0)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, domain.DeliveryFailed, deliveries[0].Status)
	assert.Equal(t, 2, deliveries[0].AttemptNumber)
}

func TestDeliverWebhook_ResponseBodyIsStorableText(t *testing.T) {
	for name, tc := range map[string]struct {
		body string
		want string
	}{
		"multibyte rune cut by the cap": {strings.Repeat("a", 4095) + "ё", strings.Repeat("a", 4095)},
		"binary and NUL bytes":          {"\x00\xff\xfeok\x00", "\uFFFDok"},
		"plain":                         {"accepted", "accepted"},
	} {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			store := memory.New()
			sub := newSub(t, store, srv.URL, nil)
			d := newDispatcher(t, store, nil)

			delivery, err := d.DeliverWebhook(context.Background(), sub, "agent-1", domain.EventAgentStarted, nil)
			require.NoError(t, err)
			require.Equal(t, domain.DeliverySuccess, delivery.Status)

			stored, err := store.GetDelivery(context.Background(), delivery.ID)
			require.NoError(t, err)
			require.NotNil(t, stored.ResponseBody)
			assert.True(t, utf8.ValidString(*stored.ResponseBody))
			assert.NotContains(t, *stored.ResponseBody, "\x00")
			assert.LessOrEqual(t, len(*stored.ResponseBody), 4096)
			assert.Equal(t, tc.want, *stored.ResponseBody)
		})
	}
}

// cancelAwareStore ведёт себя как pgx: запросы с отменённым контекстом не проходят.
type cancelAwareStore struct {
	*memory.Store
}

func (s cancelAwareStore) UpdateDelivery(ctx context.Context, d *domain.WebhookDelivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.UpdateDelivery(ctx, d)
}

func (s cancelAwareStore) RecordDeliveryOutcome(ctx context.Context, webhookID string, success bool, lastError *string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.RecordDeliveryOutcome(ctx, webhookID, success, lastError)
}

func TestDeliverWebhook_FinalStateSurvivesCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	mem := memory.New()
	sub := newSub(t, mem, srv.URL, func(s *domain.WebhookSubscription) {
		s.MaxRetries = 2
		s.RetryDelaySeconds = 1
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Close по таймауту: отмена приходит во время паузы перед повтором
	d := webhook.NewDispatcher(cancelAwareStore{mem}, webhook.Options{
		Sleep: func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		},
	}, zaptest.NewLogger(t))
	defer d.Close(context.Background())

	delivery, err := d.DeliverWebhook(ctx, sub, "agent-1", domain.EventAgentStarted, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryFailed, delivery.Status)

	stored, err := mem.GetDelivery(context.Background(), delivery.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryFailed, stored.Status)
	assert.Equal(t, 1, stored.AttemptNumber)
	assert.NotNil(t, stored.CompletedAt)

	got, err := mem.GetSubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.TotalDeliveries)
	assert.EqualValues(t, 1, got.FailedDeliveries)
}

func TestDispatchEvent_WaitingDeliveriesDoNotSpawnGoroutines(t *testing.T) {
	release := make(chan struct{})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	const subs = 60
	store := memory.New()
	for i := 0; i < subs; i++ {
		newSub(t, store, srv.URL, nil)
	}
	d := webhook.NewDispatcher(store, webhook.Options{Concurrency: 1}, zaptest.NewLogger(t))

	before := runtime.NumGoroutine()
	n, err := d.DispatchEvent(context.Background(), "agent-1", domain.EventAgentStarted, nil)
	require.NoError(t, err)
	require.Equal(t, subs, n)

	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, 5*time.Millisecond)
	// Одна доставка в полёте: горутина события, горутина доставки и HTTP-соединение
	assert.Less(t, runtime.NumGoroutine()-before, subs/3)

	close(release)
	d.Close(context.Background())
	assert.EqualValues(t, subs, hits.Load())
}
