package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-agentops/internal/domain"
	"github.com/xela07ax/spaceai-agentops/internal/repository/memory"
	"go.uber.org/zap/zaptest"
)

func TestSessionService(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	agents := NewAgentService(store, &publisherSpy{}, nil, zaptest.NewLogger(t))
	svc := NewSessionService(store, zaptest.NewLogger(t))

	a, err := agents.Create(ctx, CreateAgentInput{Name: "x", Framework: "simulated"})
	require.NoError(t, err)

	_, err = svc.Create(ctx, "missing")
	var nf *domain.NotFoundError
	require.ErrorAs(t, err, &nf)

	sess, err := svc.Create(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionActive, sess.Status)

	sess, err = svc.AddUsage(ctx, sess.ID, 1, 120)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.TurnCount)

	_, err = svc.AddUsage(ctx, sess.ID, -1, 0)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = svc.Transition(ctx, sess.ID, domain.SessionExpired)
	var conflict *domain.StateConflictError
	require.ErrorAs(t, err, &conflict)

	sess, err = svc.Transition(ctx, sess.ID, domain.SessionCompleted)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, sess.Status)

	_, err = svc.AddUsage(ctx, sess.ID, 1, 1)
	require.ErrorAs(t, err, &conflict)
	assert.Empty(t, conflict.Allowed)
}

func TestPolicyService_BroadcastsOnChange(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	var signals int
	svc := NewPolicyService(store, func(context.Context) error {
		signals++
		return nil
	}, zaptest.NewLogger(t))

	err := svc.Create(ctx, &domain.HitlPolicy{AgentID: "a1", TriggerType: "nope"})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Zero(t, signals)

	p := &domain.HitlPolicy{AgentID: "a1", TriggerType: domain.TriggerEscalation, IsActive: true}
	require.NoError(t, svc.Create(ctx, p))
	p.Priority = 5
	require.NoError(t, svc.Update(ctx, p))
	require.NoError(t, svc.Delete(ctx, p.ID))
	assert.Equal(t, 3, signals)

	err = svc.Delete(ctx, p.ID)
	var nf *domain.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestPolicyService_SignalFailureIsNotFatal(t *testing.T) {
	svc := NewPolicyService(memory.New(), func(context.Context) error {
		return errors.New("redis down")
	}, zaptest.NewLogger(t))

	require.NoError(t, svc.Create(context.Background(), &domain.HitlPolicy{AgentID: "a1", TriggerType: domain.TriggerEscalation}))
}

func TestWebhookService_Defaults(t *testing.T) {
	ctx := context.Background()
	svc := NewWebhookService(memory.New())

	_, err := svc.Create(ctx, CreateWebhookInput{URL: "ftp://x", Secret: "s", Events: []string{domain.EventAgentStarted}})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)

	sub, err := svc.Create(ctx, CreateWebhookInput{URL: "https://example.com/h", Secret: "s", Events: []string{domain.EventAgentStarted}})
	require.NoError(t, err)
	assert.True(t, sub.IsActive)
	assert.Equal(t, 3, sub.MaxRetries)
	assert.Equal(t, 5, sub.RetryDelaySeconds)
	assert.Equal(t, 10000, sub.TimeoutMs)

	zero := 0
	sub, err = svc.Create(ctx, CreateWebhookInput{URL: "https://example.com/h", Secret: "s", Events: []string{domain.EventAgentStarted}, MaxRetries: &zero})
	require.NoError(t, err)
	assert.Equal(t, 0, sub.MaxRetries)

	_, err = svc.Deliveries(ctx, "missing", 10)
	var nf *domain.NotFoundError
	require.ErrorAs(t, err, &nf)
}
