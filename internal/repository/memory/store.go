// Package memory — in-memory хранилище для dev-режима и тестов. Повторяет
// семантику условных обновлений Postgres-репозиториев под одним мьютексом.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-agentops/internal/audit"
	"github.com/xela07ax/spaceai-agentops/internal/domain"
)

type Store struct {
	mu sync.RWMutex

	agents     map[string]domain.Agent
	sessions   map[string]domain.Session
	policies   map[string]domain.HitlPolicy
	approvals  map[string]domain.ApprovalRequest
	webhooks   map[string]domain.WebhookSubscription
	deliveries map[string]domain.WebhookDelivery
	journal    []audit.LifecycleEvent

	now func() time.Time
}

func New() *Store {
	return &Store{
		agents:     make(map[string]domain.Agent),
		sessions:   make(map[string]domain.Session),
		policies:   make(map[string]domain.HitlPolicy),
		approvals:  make(map[string]domain.ApprovalRequest),
		webhooks:   make(map[string]domain.WebhookSubscription),
		deliveries: make(map[string]domain.WebhookDelivery),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock подменяет часы (для тестов с таймаутами).
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// ---- Agents ----

func (s *Store) CreateAgent(_ context.Context, a *domain.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := s.now()
	a.Version = 1
	a.CreatedAt, a.UpdatedAt = now, now
	s.agents[a.ID] = cloneAgent(*a)
	return nil
}

func (s *Store) GetAgent(_ context.Context, id string) (domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return domain.Agent{}, &domain.NotFoundError{Entity: "agent", ID: id}
	}
	return cloneAgent(a), nil
}

func (s *Store) ListAgents(_ context.Context, status domain.AgentStatus) ([]domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		if status == "" || a.Status == status {
			out = append(out, cloneAgent(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UpdateAgentStatus — CAS по (status, version). Версия растёт на 1.
func (s *Store) UpdateAgentStatus(_ context.Context, id string, from domain.AgentStatus, version int64, to domain.AgentStatus) (domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return domain.Agent{}, &domain.NotFoundError{Entity: "agent", ID: id}
	}
	if a.Status != from || a.Version != version {
		return domain.Agent{}, a.Conflict(string(to))
	}
	a.Status = to
	a.Version++
	a.UpdatedAt = s.now()
	s.agents[id] = a
	return cloneAgent(a), nil
}

func (s *Store) UpdateAgentModelConfig(_ context.Context, id string, version int64, cfg map[string]interface{}) (domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return domain.Agent{}, &domain.NotFoundError{Entity: "agent", ID: id}
	}
	if a.Version != version {
		return domain.Agent{}, a.Conflict(string(a.Status))
	}
	a.ModelConfig = cfg
	a.Version++
	a.UpdatedAt = s.now()
	s.agents[id] = a
	return cloneAgent(a), nil
}

func cloneAgent(a domain.Agent) domain.Agent {
	a.ModelConfig = cloneMap(a.ModelConfig)
	return a
}

// ---- Sessions ----

func (s *Store) CreateSession(_ context.Context, sess *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[sess.AgentID]; !ok {
		return &domain.NotFoundError{Entity: "agent", ID: sess.AgentID}
	}
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	now := s.now()
	sess.CreatedAt, sess.UpdatedAt = now, now
	s.sessions[sess.ID] = *sess
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, &domain.NotFoundError{Entity: "session", ID: id}
	}
	return sess, nil
}

func (s *Store) UpdateSessionStatus(_ context.Context, id string, from, to domain.SessionStatus) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, &domain.NotFoundError{Entity: "session", ID: id}
	}
	if sess.Status != from {
		return domain.Session{}, sess.Conflict(to)
	}
	sess.Status = to
	sess.UpdatedAt = s.now()
	s.sessions[id] = sess
	return sess, nil
}

func (s *Store) AddSessionUsage(_ context.Context, id string, turns int, tokens int64) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, &domain.NotFoundError{Entity: "session", ID: id}
	}
	sess.TurnCount += turns
	sess.TotalTokens += tokens
	sess.UpdatedAt = s.now()
	s.sessions[id] = sess
	return sess, nil
}

// ---- Policies ----

func (s *Store) CreatePolicy(_ context.Context, p *domain.HitlPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := s.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.policies[p.ID] = clonePolicy(*p)
	return nil
}

func (s *Store) GetPolicy(_ context.Context, id string) (domain.HitlPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return domain.HitlPolicy{}, &domain.NotFoundError{Entity: "policy", ID: id}
	}
	return clonePolicy(p), nil
}

func (s *Store) UpdatePolicy(_ context.Context, p *domain.HitlPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.policies[p.ID]
	if !ok {
		return &domain.NotFoundError{Entity: "policy", ID: p.ID}
	}
	p.CreatedAt = old.CreatedAt
	p.UpdatedAt = s.now()
	s.policies[p.ID] = clonePolicy(*p)
	return nil
}

func (s *Store) DeletePolicy(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[id]; !ok {
		return &domain.NotFoundError{Entity: "policy", ID: id}
	}
	delete(s.policies, id)
	return nil
}

// ListPolicies: пустой agentID — все политики.
func (s *Store) ListPolicies(_ context.Context, agentID string) ([]domain.HitlPolicy, error) {
	return s.filterPolicies(func(p domain.HitlPolicy) bool {
		return agentID == "" || p.AgentID == agentID
	}), nil
}

func (s *Store) ActivePolicies(_ context.Context, agentID string) ([]domain.HitlPolicy, error) {
	return s.filterPolicies(func(p domain.HitlPolicy) bool {
		return p.IsActive && p.AgentID == agentID
	}), nil
}

func (s *Store) AllActivePolicies(_ context.Context) ([]domain.HitlPolicy, error) {
	return s.filterPolicies(func(p domain.HitlPolicy) bool { return p.IsActive }), nil
}

func (s *Store) filterPolicies(keep func(domain.HitlPolicy) bool) []domain.HitlPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.HitlPolicy, 0)
	for _, p := range s.policies {
		if keep(p) {
			out = append(out, clonePolicy(p))
		}
	}
	// Тот же порядок, что ORDER BY priority DESC, created_at, id
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out
}

func clonePolicy(p domain.HitlPolicy) domain.HitlPolicy {
	p.Conditions = cloneMap(p.Conditions)
	if p.TimeoutSeconds != nil {
		t := *p.TimeoutSeconds
		p.TimeoutSeconds = &t
	}
	return p
}

// ---- Approvals ----

func (s *Store) CreateApproval(_ context.Context, req *domain.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = s.now()
		req.UpdatedAt = req.CreatedAt
	}
	s.approvals[req.ID] = *req
	return nil
}

func (s *Store) GetApproval(_ context.Context, id string) (*domain.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.approvals[id]
	if !ok {
		return nil, &domain.NotFoundError{Entity: "approval request", ID: id}
	}
	return &req, nil
}

func (s *Store) ListApprovals(_ context.Context, f domain.ApprovalFilter) ([]domain.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ApprovalRequest, 0)
	for _, req := range s.approvals {
		if f.AgentID != "" && req.AgentID != f.AgentID {
			continue
		}
		if f.Status != "" && req.Status != f.Status {
			continue
		}
		out = append(out, req)
	}
	// Свежие сверху
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ResolvePending — аналог UPDATE ... WHERE id = $1 AND status = 'pending'.
func (s *Store) ResolvePending(_ context.Context, id string, r domain.ApprovalResolution) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.approvals[id]
	if !ok || req.Status != domain.StatusPending {
		return false, nil
	}
	req.Status = r.Status
	req.ReviewerID = r.ReviewerID
	req.Comment = r.Comment
	req.ReviewedAt = r.ReviewedAt
	req.UpdatedAt = s.now()
	s.approvals[id] = req
	return true, nil
}

func (s *Store) ListExpiredPending(_ context.Context, now time.Time) ([]domain.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ApprovalRequest, 0)
	for _, req := range s.approvals {
		if req.Status == domain.StatusPending && req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	return out, nil
}

// ---- Webhooks ----

func (s *Store) CreateSubscription(_ context.Context, sub *domain.WebhookSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	now := s.now()
	sub.CreatedAt, sub.UpdatedAt = now, now
	s.webhooks[sub.ID] = cloneSub(*sub)
	return nil
}

func (s *Store) GetSubscription(_ context.Context, id string) (domain.WebhookSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.webhooks[id]
	if !ok {
		return domain.WebhookSubscription{}, &domain.NotFoundError{Entity: "webhook", ID: id}
	}
	return cloneSub(sub), nil
}

func (s *Store) ListSubscriptions(_ context.Context, agentID string) ([]domain.WebhookSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.WebhookSubscription, 0)
	for _, sub := range s.webhooks {
		if agentID == "" || sub.AgentID == agentID {
			out = append(out, cloneSub(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteSubscription(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.webhooks[id]; !ok {
		return &domain.NotFoundError{Entity: "webhook", ID: id}
	}
	delete(s.webhooks, id)
	return nil
}

// ListActiveSubscriptions: подписки агента плюс глобальные (без agent_id).
func (s *Store) ListActiveSubscriptions(_ context.Context, agentID, event string) ([]domain.WebhookSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.WebhookSubscription, 0)
	for _, sub := range s.webhooks {
		if !sub.IsActive || !sub.HasEvent(event) {
			continue
		}
		if sub.AgentID == "" || sub.AgentID == agentID {
			out = append(out, cloneSub(sub))
		}
	}
	return out, nil
}

func (s *Store) CreateDelivery(_ context.Context, d *domain.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now()
	}
	s.deliveries[d.ID] = *d
	return nil
}

func (s *Store) UpdateDelivery(_ context.Context, d *domain.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deliveries[d.ID]; !ok {
		return &domain.NotFoundError{Entity: "delivery", ID: d.ID}
	}
	s.deliveries[d.ID] = *d
	return nil
}

func (s *Store) GetDelivery(_ context.Context, id string) (domain.WebhookDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[id]
	if !ok {
		return domain.WebhookDelivery{}, &domain.NotFoundError{Entity: "delivery", ID: id}
	}
	return d, nil
}

func (s *Store) ListDeliveries(_ context.Context, webhookID string, limit int) ([]domain.WebhookDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.WebhookDelivery, 0)
	for _, d := range s.deliveries {
		if d.WebhookID == webhookID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecordDeliveryOutcome — атомарные инкременты счётчиков подписки.
func (s *Store) RecordDeliveryOutcome(_ context.Context, webhookID string, success bool, lastError *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.webhooks[webhookID]
	if !ok {
		return &domain.NotFoundError{Entity: "webhook", ID: webhookID}
	}
	sub.TotalDeliveries++
	if success {
		sub.LastError = nil
	} else {
		sub.FailedDeliveries++
		sub.LastError = lastError
	}
	sub.UpdatedAt = s.now()
	s.webhooks[webhookID] = sub
	return nil
}

func cloneSub(sub domain.WebhookSubscription) domain.WebhookSubscription {
	sub.Events = append([]string(nil), sub.Events...)
	return sub
}

// ---- Journal ----

func (s *Store) WriteBatch(_ context.Context, events []audit.LifecycleEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = append(s.journal, events...)
	return nil
}

func (s *Store) JournalEvents() []audit.LifecycleEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.LifecycleEvent(nil), s.journal...)
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
