package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-agentops/internal/approval"
	"github.com/xela07ax/spaceai-agentops/internal/domain"
	"github.com/xela07ax/spaceai-agentops/internal/repository/memory"
	"go.uber.org/zap/zaptest"
)

type gatewayEnv struct {
	*testEnv
	store  *memory.Store
	hitl   *approval.Engine
	server *httptest.Server
}

func newGatewayEnv(t *testing.T) *gatewayEnv {
	t.Helper()
	env := newTestEnv(t, Options{})
	store := memory.New()
	hitl := approval.NewEngine(store, approval.Options{PollInterval: 10 * time.Millisecond}, zaptest.NewLogger(t))

	gw := NewGateway(env.mgr, hitl, GatewayOptions{Metrics: env.metrics, MaxWait: 2 * time.Second}, zaptest.NewLogger(t))
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return &gatewayEnv{testEnv: env, store: store, hitl: hitl, server: srv}
}

func (e *gatewayEnv) gate(t *testing.T, req GateRequest) (*http.Response, map[string]interface{}) {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	resp, err := http.Post(e.server.URL+"/v1/gate", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestGateway_ProceedWithoutPolicy(t *testing.T) {
	env := newGatewayEnv(t)

	resp, out := env.gate(t, GateRequest{AgentID: agentID, ActionType: "search_docs"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "proceed", out["decision"])
	assert.NotEmpty(t, resp.Header.Get("X-Trace-ID"))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.GateDecisions.WithLabelValues("proceed")))
}

func TestGateway_TraceIDIsEchoed(t *testing.T) {
	env := newGatewayEnv(t)

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/v1/gate",
		bytes.NewBufferString(`{"agent_id":"a1","action_type":"x"}`))
	require.NoError(t, err)
	req.Header.Set("X-Trace-ID", "trace-42")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "trace-42", resp.Header.Get("X-Trace-ID"))
}

func TestGateway_BlockedThenDecided(t *testing.T) {
	env := newGatewayEnv(t)
	ctx := context.Background()

	require.NoError(t, env.store.CreatePolicy(ctx, &domain.HitlPolicy{
		AgentID:     agentID,
		TriggerType: domain.TriggerSpending,
		Conditions:  map[string]interface{}{"threshold_usd": 100},
		IsActive:    true,
	}))

	resp, out := env.gate(t, GateRequest{
		AgentID:    agentID,
		ActionType: "refund",
		Summary:    "refund $150",
		Details:    map[string]interface{}{"amount_usd": 150},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "blocked", out["decision"])
	id, _ := out["approval_request_id"].(string)
	require.NotEmpty(t, id)

	// Пока решения нет, ждём 202
	waitResp, err := http.Get(env.server.URL + "/v1/gate/" + id + "/wait?timeout=30ms")
	require.NoError(t, err)
	waitResp.Body.Close()
	assert.Equal(t, http.StatusAccepted, waitResp.StatusCode)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = env.hitl.ResolveApproval(context.Background(), id, domain.StatusApproved, "alice", nil)
	}()

	waitResp, err = http.Get(env.server.URL + "/v1/gate/" + id + "/wait?timeout=1s")
	require.NoError(t, err)
	defer waitResp.Body.Close()
	require.Equal(t, http.StatusOK, waitResp.StatusCode)

	var decided domain.ApprovalRequest
	require.NoError(t, json.NewDecoder(waitResp.Body).Decode(&decided))
	assert.Equal(t, domain.StatusApproved, decided.Status)

	// Ниже порога заявка не создаётся
	_, out = env.gate(t, GateRequest{AgentID: agentID, ActionType: "refund", Details: map[string]interface{}{"amount_usd": 20}})
	assert.Equal(t, "proceed", out["decision"])
}

func TestGateway_RefusesAgentThatIsNotRunning(t *testing.T) {
	env := newGatewayEnv(t)
	ctx := context.Background()

	require.NoError(t, env.mgr.Start(ctx, cfg("fake")))
	resp, _ := env.gate(t, GateRequest{AgentID: agentID, ActionType: "search"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, env.mgr.Pause(ctx, agentID))
	resp, out := env.gate(t, GateRequest{AgentID: agentID, ActionType: "search"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "paused", out["current"])
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.GateDecisions.WithLabelValues("refused")))
}

func TestGateway_BadRequests(t *testing.T) {
	env := newGatewayEnv(t)

	resp, err := http.Post(env.server.URL+"/v1/gate", "application/json", bytes.NewBufferString("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.gate(t, GateRequest{ActionType: "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Без action_type заявку не создать: ошибка валидации, а не 500
	require.NoError(t, env.store.CreatePolicy(context.Background(), &domain.HitlPolicy{
		AgentID: agentID, TriggerType: domain.TriggerEscalation, IsActive: true,
	}))
	resp, _ = env.gate(t, GateRequest{AgentID: agentID})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(env.server.URL + "/v1/gate/missing/wait?timeout=10ms")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(env.server.URL + "/v1/gate/x/wait?timeout=soon")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGateway_ListsLocalAgents(t *testing.T) {
	env := newGatewayEnv(t)
	require.NoError(t, env.mgr.Start(context.Background(), cfg("fake")))

	resp, err := http.Get(env.server.URL + "/v1/agents")
	require.NoError(t, err)
	defer resp.Body.Close()

	var states []AgentState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&states))
	require.Len(t, states, 1)
	assert.Equal(t, domain.RuntimeRunning, states[0].Status)
}
