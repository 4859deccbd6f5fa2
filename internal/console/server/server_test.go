package server_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-agentops/internal/approval"
	"github.com/xela07ax/spaceai-agentops/internal/console/handler"
	"github.com/xela07ax/spaceai-agentops/internal/console/server"
	"github.com/xela07ax/spaceai-agentops/internal/console/service"
	"github.com/xela07ax/spaceai-agentops/internal/domain"
	"github.com/xela07ax/spaceai-agentops/internal/infra/auth"
	"github.com/xela07ax/spaceai-agentops/internal/repository/memory"
	"go.uber.org/zap/zaptest"
)

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, domain.Command) error { return nil }

type env struct {
	srv    *httptest.Server
	store  *memory.Store
	engine *approval.Engine
}

func newEnv(t *testing.T, validator auth.TokenValidator) *env {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := memory.New()
	engine := approval.NewEngine(store, approval.Options{}, logger)

	agents := service.NewAgentService(store, nopPublisher{}, nil, logger)
	sessions := service.NewSessionService(store, logger)
	policies := service.NewPolicyService(store, nil, logger)
	webhooks := service.NewWebhookService(store)

	cs := server.NewConsoleServer(logger, validator, server.Handlers{
		Agents:    handler.NewAgentHandler(agents, sessions, logger),
		Sessions:  handler.NewSessionHandler(sessions, logger),
		Policies:  handler.NewPolicyHandler(policies, logger),
		Approvals: handler.NewApprovalHandler(engine, logger),
		Webhooks:  handler.NewWebhookHandler(webhooks, logger),
	})
	srv := httptest.NewServer(cs)
	t.Cleanup(srv.Close)
	return &env{srv: srv, store: store, engine: engine}
}

func (e *env) do(t *testing.T, method, path string, body interface{}, out interface{}) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	if out != nil && resp.StatusCode >= 400 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type errResp struct {
	Error   string   `json:"error"`
	Current string   `json:"current"`
	Allowed []string `json:"allowed"`
}

func TestAgentEndpoints(t *testing.T) {
	e := newEnv(t, nil)

	var agent domain.Agent
	code := e.do(t, http.MethodPost, "/v1/agents", map[string]interface{}{
		"name": "support", "framework": "simulated", "model_config": map[string]interface{}{"model": "m1"},
	}, &agent)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, domain.AgentDraft, agent.Status)

	var conflict errResp
	code = e.do(t, http.MethodPost, "/v1/agents/"+agent.ID+"/transition", map[string]string{"status": "paused"}, &conflict)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "draft", conflict.Current)
	assert.Equal(t, []string{"running", "archived"}, conflict.Allowed)

	code = e.do(t, http.MethodPost, "/v1/agents/"+agent.ID+"/transition", map[string]string{"status": "running"}, &agent)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, domain.AgentRunning, agent.Status)
	assert.EqualValues(t, 2, agent.Version)

	code = e.do(t, http.MethodPost, "/v1/agents/"+agent.ID+"/transition", map[string]interface{}{"status": "paused", "version": 1}, &conflict)
	assert.Equal(t, http.StatusConflict, code)

	code = e.do(t, http.MethodPut, "/v1/agents/"+agent.ID+"/model", map[string]interface{}{"model_config": map[string]interface{}{"model": "m2"}}, &agent)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "m2", agent.ModelConfig["model"])

	code = e.do(t, http.MethodPost, "/v1/agents/"+agent.ID+"/kill", nil, &agent)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, domain.AgentStopped, agent.Status)

	var list []domain.Agent
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/v1/agents?status=stopped", nil, &list))
	assert.Len(t, list, 1)

	var bad errResp
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/v1/agents?status=zombie", nil, &bad))
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/v1/agents/unknown", nil, &bad))
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/v1/agents", map[string]string{"name": "x"}, &bad))

	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/v1/agents", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionEndpoints(t *testing.T) {
	e := newEnv(t, nil)
	var agent domain.Agent
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/v1/agents", map[string]string{"name": "x", "framework": "simulated"}, &agent))

	var sess domain.Session
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/v1/agents/"+agent.ID+"/sessions", nil, &sess))
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/v1/sessions/"+sess.ID+"/usage", map[string]int{"turns": 2, "tokens": 40}, &sess))
	assert.Equal(t, 2, sess.TurnCount)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/v1/sessions/"+sess.ID+"/transition", map[string]string{"status": "idle"}, &sess))
	assert.Equal(t, domain.SessionIdle, sess.Status)

	var conflict errResp
	assert.Equal(t, http.StatusConflict, e.do(t, http.MethodPost, "/v1/sessions/"+sess.ID+"/transition", map[string]string{"status": "error"}, &conflict))
	assert.ElementsMatch(t, []string{"active", "completed", "expired"}, conflict.Allowed)
}

func TestApprovalEndpoints(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	req, err := e.engine.CreateApprovalRequest(ctx, "a1", nil, domain.ActionContext{ActionType: "refund", Summary: "refund $150"})
	require.NoError(t, err)

	var list []domain.ApprovalRequest
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/v1/approvals", nil, &list))
	require.Len(t, list, 1)

	var bad errResp
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/v1/approvals?status=maybe", nil, &bad))
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/v1/approvals/"+req.ID+"/decide", map[string]string{"decision": "approved"}, &bad))

	var decided domain.ApprovalRequest
	code := e.do(t, http.MethodPost, "/v1/approvals/"+req.ID+"/decide", map[string]string{
		"decision": "approved", "reviewer_id": "alice", "comment": "ok",
	}, &decided)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, domain.StatusApproved, decided.Status)
	require.NotNil(t, decided.ReviewerID)
	assert.Equal(t, "alice", *decided.ReviewerID)

	var conflict errResp
	code = e.do(t, http.MethodPost, "/v1/approvals/"+req.ID+"/decide", map[string]string{"decision": "rejected", "reviewer_id": "bob"}, &conflict)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "approved", conflict.Current)

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/v1/approvals/missing", nil, &bad))

	other, err := e.engine.CreateApprovalRequest(ctx, "a1", nil, domain.ActionContext{ActionType: "delete"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/v1/approvals/"+other.ID+"/cancel", map[string]string{"reason": "agent stopped"}, &decided))
	assert.Equal(t, domain.StatusCancelled, decided.Status)

	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/v1/approvals?status=all", nil, &list))
	assert.Len(t, list, 2)
}

func TestPolicyAndWebhookEndpoints(t *testing.T) {
	e := newEnv(t, nil)

	var p domain.HitlPolicy
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/v1/policies", map[string]interface{}{
		"agent_id": "a1", "trigger_type": "spending", "conditions": map[string]interface{}{"threshold_usd": 100},
		"is_active": true, "priority": 10,
	}, &p))
	require.NotEmpty(t, p.ID)

	var got domain.HitlPolicy
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/v1/policies/"+p.ID, nil, &got))
	assert.Equal(t, 10, got.Priority)
	assert.Equal(t, http.StatusNoContent, e.do(t, http.MethodDelete, "/v1/policies/"+p.ID, nil, nil))
	var bad errResp
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodDelete, "/v1/policies/"+p.ID, nil, &bad))

	var sub map[string]interface{}
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/v1/webhooks", map[string]interface{}{
		"url": "https://example.com/hook", "secret": "s3cret", "events": []string{"agent.started"},
	}, &sub))
	_, leaked := sub["secret"]
	assert.False(t, leaked)

	var deliveries []domain.WebhookDelivery
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/v1/webhooks/"+sub["id"].(string)+"/deliveries", nil, &deliveries))
	assert.Empty(t, deliveries)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/v1/webhooks", map[string]interface{}{
		"url": "https://example.com/hook", "secret": "s", "events": []string{"agent.exploded"},
	}, &bad))
}

func TestAuthPerimeter(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	e := newEnv(t, auth.NewOperatorValidator(&key.PublicKey, auth.ValidatorOptions{}))

	resp, err := http.Get(e.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(e.srv.URL + "/v1/agents")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// reviewer берётся из токена, а не из тела
	pending, err := e.engine.CreateApprovalRequest(context.Background(), "a1", nil, domain.ActionContext{ActionType: "refund"})
	require.NoError(t, err)

	sign := func(scopes map[string]bool) string {
		token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, &domain.CustomClaims{
			UserID: "op-7",
			Scopes: scopes,
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}).SignedString(key)
		require.NoError(t, err)
		return token
	}
	decide := func(token string) *http.Response {
		body := bytes.NewBufferString(`{"decision":"rejected","reviewer_id":"spoofed"}`)
		req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/v1/approvals/"+pending.ID+"/decide", body)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	// Читать очередь можно без scope, решать нельзя
	listReq, err := http.NewRequest(http.MethodGet, e.srv.URL+"/v1/approvals", nil)
	require.NoError(t, err)
	listReq.Header.Set("Authorization", "Bearer "+sign(nil))
	resp, err = http.DefaultClient.Do(listReq)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = decide(sign(nil))
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = decide(sign(map[string]bool{auth.ScopeApprovalsDecide: true}))
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var decided domain.ApprovalRequest
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decided))
	require.NotNil(t, decided.ReviewerID)
	assert.Equal(t, "op-7", *decided.ReviewerID)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, handler.StatusFor(&domain.ValidationError{}))
	assert.Equal(t, http.StatusNotFound, handler.StatusFor(&domain.NotFoundError{}))
	assert.Equal(t, http.StatusConflict, handler.StatusFor(&domain.StateConflictError{}))
	assert.Equal(t, http.StatusBadGateway, handler.StatusFor(&domain.BackendError{Err: context.Canceled}))
	assert.Equal(t, http.StatusInternalServerError, handler.StatusFor(errors.New("boom")))
}
