package approval_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-agentops/internal/approval"
	"github.com/xela07ax/spaceai-agentops/internal/domain"
	"github.com/xela07ax/spaceai-agentops/internal/repository/memory"
	"go.uber.org/zap/zaptest"
)

const agentA = "5e2f7a1c-8b3d-4c6e-9f0a-1b2c3d4e5f60"

// fakeClock — управляемые часы для таймаутов.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type notified struct {
	agentID, event string
}

type spyNotifier struct {
	mu     sync.Mutex
	events []notified
}

func (n *spyNotifier) Notify(_ context.Context, agentID, event string, _ map[string]interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, notified{agentID, event})
}

func (n *spyNotifier) names() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, e := range n.events {
		out = append(out, e.event)
	}
	return out
}

func newEngine(t *testing.T) (*approval.Engine, *memory.Store, *fakeClock, *spyNotifier) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)}
	store := memory.New().WithClock(clock.Now)
	notifier := &spyNotifier{}
	eng := approval.NewEngine(store, approval.Options{
		Notifier:     notifier,
		Now:          clock.Now,
		PollInterval: 10 * time.Millisecond,
	}, zaptest.NewLogger(t))
	return eng, store, clock, notifier
}

func seconds(n int) *int { return &n }

func TestEvaluateGate_SpendingScenario(t *testing.T) {
	eng, store, _, _ := newEngine(t)
	ctx := context.Background()

	require.NoError(t, store.CreatePolicy(ctx, &domain.HitlPolicy{
		AgentID:     agentA,
		Name:        "big spend",
		TriggerType: domain.TriggerSpending,
		Conditions:  map[string]interface{}{"threshold_usd": 100},
		IsActive:    true,
	}))

	blocked, err := eng.EvaluateGate(ctx, agentA, domain.ActionContext{
		ActionType: "purchase",
		Details:    map[string]interface{}{"amount_usd": 150},
	})
	require.NoError(t, err)
	assert.Equal(t, approval.GateBlocked, blocked.Decision)
	require.NotEmpty(t, blocked.ApprovalRequestID)

	req, err := eng.Get(ctx, blocked.ApprovalRequestID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, req.Status)
	assert.Nil(t, req.ExpiresAt, "no timeout means no auto-resolution")
	assert.False(t, req.AutoResolve)

	proceed, err := eng.EvaluateGate(ctx, agentA, domain.ActionContext{
		ActionType: "purchase",
		Details:    map[string]interface{}{"amount_usd": 50},
	})
	require.NoError(t, err)
	assert.Equal(t, approval.GateProceed, proceed.Decision)
	assert.Empty(t, proceed.ApprovalRequestID)

	all, err := eng.List(ctx, domain.ApprovalFilter{AgentID: agentA})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestEvaluateGate_AutoApproveWithoutTimeoutIsCallersChoice(t *testing.T) {
	eng, store, _, _ := newEngine(t)
	ctx := context.Background()

	require.NoError(t, store.CreatePolicy(ctx, &domain.HitlPolicy{
		AgentID: agentA, TriggerType: domain.TriggerEscalation, AutoApprove: true, IsActive: true,
	}))

	d, err := eng.EvaluateGate(ctx, agentA, domain.ActionContext{ActionType: "escalate"})
	require.NoError(t, err)
	assert.Equal(t, approval.GateAutoApprove, d.Decision)

	all, err := eng.List(ctx, domain.ApprovalFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestExpire_AutoApproveAfterTimeout(t *testing.T) {
	eng, store, clock, notifier := newEngine(t)
	ctx := context.Background()

	require.NoError(t, store.CreatePolicy(ctx, &domain.HitlPolicy{
		AgentID: agentA, TriggerType: domain.TriggerToolCall,
		Conditions:     map[string]interface{}{"patterns": []interface{}{"deploy_*"}},
		AutoApprove:    true,
		TimeoutSeconds: seconds(5),
		IsActive:       true,
	}))

	d, err := eng.EvaluateGate(ctx, agentA, domain.ActionContext{ActionType: "deploy_prod"})
	require.NoError(t, err)
	require.Equal(t, approval.GateBlocked, d.Decision)

	n, err := eng.ExpireTimedOutRequests(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "not expired yet")

	clock.Advance(6 * time.Second)
	n, err = eng.ExpireTimedOutRequests(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	req, err := eng.Get(ctx, d.ApprovalRequestID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, req.Status)
	assert.Nil(t, req.ReviewerID)
	assert.Equal(t, []string{domain.EventApprovalCreated, domain.EventApprovalResolved}, notifier.names())
}

func TestExpire_WithoutAutoApproveExpires(t *testing.T) {
	eng, _, clock, notifier := newEngine(t)
	ctx := context.Background()

	policy := &domain.HitlPolicy{ID: "p1", AgentID: agentA, TriggerType: domain.TriggerEscalation, TimeoutSeconds: seconds(5), IsActive: true}
	req, err := eng.CreateApprovalRequest(ctx, agentA, policy, domain.ActionContext{ActionType: "escalate"})
	require.NoError(t, err)
	require.NotNil(t, req.ExpiresAt)
	assert.Equal(t, "p1", *req.PolicyID)

	clock.Advance(5 * time.Second)
	n, err := eng.ExpireTimedOutRequests(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := eng.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, got.Status)
	assert.Contains(t, notifier.names(), domain.EventApprovalExpired)
}

func TestExpire_ConcurrentSweepsCountOnce(t *testing.T) {
	eng, _, clock, _ := newEngine(t)
	ctx := context.Background()

	policy := &domain.HitlPolicy{ID: "p1", AgentID: agentA, TriggerType: domain.TriggerEscalation, TimeoutSeconds: seconds(1), IsActive: true}
	_, err := eng.CreateApprovalRequest(ctx, agentA, policy, domain.ActionContext{ActionType: "escalate"})
	require.NoError(t, err)
	clock.Advance(2 * time.Second)

	var wg sync.WaitGroup
	counts := make([]int, 2)
	for i := range counts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := eng.ExpireTimedOutRequests(ctx)
			assert.NoError(t, err)
			counts[i] = n
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, counts[0]+counts[1])
}

func TestResolveApproval(t *testing.T) {
	eng, _, _, notifier := newEngine(t)
	ctx := context.Background()

	req, err := eng.CreateApprovalRequest(ctx, agentA, nil, domain.ActionContext{ActionType: "delete_user", Summary: "drop user 42"})
	require.NoError(t, err)

	comment := "looks fine"
	got, err := eng.ResolveApproval(ctx, req.ID, domain.StatusApproved, "reviewer-1", &comment)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, got.Status)
	require.NotNil(t, got.ReviewerID)
	assert.Equal(t, "reviewer-1", *got.ReviewerID)
	require.NotNil(t, got.ReviewedAt)
	reviewedAt := *got.ReviewedAt

	// Повторное решение по закрытой заявке даёт конфликт без изменений
	_, err = eng.ResolveApproval(ctx, req.ID, domain.StatusRejected, "reviewer-2", nil)
	var conflict *domain.StateConflictError
	require.ErrorAs(t, err, &conflict)
	require.ErrorIs(t, err, domain.ErrAlreadyProcessed)
	assert.Equal(t, "approved", conflict.Current)
	assert.Contains(t, err.Error(), "approved")

	after, err := eng.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "reviewer-1", *after.ReviewerID)
	assert.Equal(t, reviewedAt, *after.ReviewedAt)
	assert.Equal(t, []string{domain.EventApprovalCreated, domain.EventApprovalResolved}, notifier.names())
}

func TestResolveApproval_Validation(t *testing.T) {
	eng, _, _, _ := newEngine(t)
	ctx := context.Background()

	_, err := eng.ResolveApproval(ctx, "missing", domain.StatusApproved, "r", nil)
	var nf *domain.NotFoundError
	require.ErrorAs(t, err, &nf)

	req, err := eng.CreateApprovalRequest(ctx, agentA, nil, domain.ActionContext{ActionType: "x"})
	require.NoError(t, err)

	var verr *domain.ValidationError
	_, err = eng.ResolveApproval(ctx, req.ID, domain.StatusExpired, "r", nil)
	require.ErrorAs(t, err, &verr)
	_, err = eng.ResolveApproval(ctx, req.ID, domain.StatusApproved, "", nil)
	require.ErrorAs(t, err, &verr)
}

func TestCancelApproval(t *testing.T) {
	eng, _, _, _ := newEngine(t)
	ctx := context.Background()

	req, err := eng.CreateApprovalRequest(ctx, agentA, nil, domain.ActionContext{ActionType: "x"})
	require.NoError(t, err)

	got, err := eng.CancelApproval(ctx, req.ID, "", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)

	_, err = eng.CancelApproval(ctx, req.ID, "", nil)
	require.ErrorIs(t, err, domain.ErrAlreadyProcessed)
}

func TestFindMatchingPolicy_PriorityAndTieBreak(t *testing.T) {
	eng, store, clock, _ := newEngine(t)
	ctx := context.Background()

	mk := func(id string, prio int, active bool) {
		require.NoError(t, store.CreatePolicy(ctx, &domain.HitlPolicy{
			ID: id, AgentID: agentA, TriggerType: domain.TriggerEscalation, Priority: prio, IsActive: active,
		}))
		clock.Advance(time.Second)
	}
	mk("low", 1, true)
	mk("high-older", 10, true)
	mk("high-newer", 10, true)
	mk("highest-inactive", 100, false)

	p, err := eng.FindMatchingPolicy(ctx, agentA, domain.ActionContext{ActionType: "x"})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "high-older", p.ID)

	none, err := eng.FindMatchingPolicy(ctx, "another-agent", domain.ActionContext{ActionType: "x"})
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestWaitForDecision_WokenBySignal(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := memory.New()
	eng := approval.NewEngine(store, approval.Options{
		Signals:      approval.NewRedisSignals(rdb),
		PollInterval: time.Hour, // Только сигнал может разбудить
	}, zaptest.NewLogger(t))
	ctx := context.Background()

	req, err := eng.CreateApprovalRequest(ctx, agentA, nil, domain.ActionContext{ActionType: "x"})
	require.NoError(t, err)

	done := make(chan *domain.ApprovalRequest, 1)
	go func() {
		got, err := eng.WaitForDecision(ctx, req.ID)
		assert.NoError(t, err)
		done <- got
	}()

	// Даём ожидающему подписаться, затем решаем
	time.Sleep(100 * time.Millisecond)
	_, err = eng.ResolveApproval(ctx, req.ID, domain.StatusRejected, "r1", nil)
	require.NoError(t, err)

	select {
	case got := <-done:
		assert.Equal(t, domain.StatusRejected, got.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by the decision signal")
	}
}

func TestWaitForDecision_ContextCancel(t *testing.T) {
	eng, _, _, _ := newEngine(t)
	req, err := eng.CreateApprovalRequest(context.Background(), agentA, nil, domain.ActionContext{ActionType: "x"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = eng.WaitForDecision(ctx, req.ID)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPolicyCache_RefreshOnSignal(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := memory.New()
	cache := approval.NewPolicyCache(store, rdb, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, cache.Refresh(ctx))
	go cache.StartListener(ctx)

	eng := approval.NewEngine(store, approval.Options{Policies: cache}, zaptest.NewLogger(t))
	action := domain.ActionContext{ActionType: "delete_user"}

	d, err := eng.EvaluateGate(ctx, agentA, action)
	require.NoError(t, err)
	assert.Equal(t, approval.GateProceed, d.Decision)

	require.NoError(t, store.CreatePolicy(ctx, &domain.HitlPolicy{
		AgentID: agentA, TriggerType: domain.TriggerToolCall,
		Conditions: map[string]interface{}{"patterns": []interface{}{"delete_*"}}, IsActive: true,
	}))

	// Пока сигнала нет, кэш старый
	d, err = eng.EvaluateGate(ctx, agentA, action)
	require.NoError(t, err)
	assert.Equal(t, approval.GateProceed, d.Decision)

	require.Eventually(t, func() bool {
		_ = approval.PublishPolicyUpdate(ctx, rdb)
		ps, _ := cache.ActivePolicies(ctx, agentA)
		return len(ps) == 1
	}, 2*time.Second, 20*time.Millisecond)

	d, err = eng.EvaluateGate(ctx, agentA, action)
	require.NoError(t, err)
	assert.Equal(t, approval.GateBlocked, d.Decision)
}
