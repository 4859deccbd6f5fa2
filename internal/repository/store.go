// Package repository выбирает хранилище платформы: PostgreSQL или in-memory для dev-режима.
package repository

import (
	"context"
	"time"

	"github.com/xela07ax/spaceai-agentops/internal/audit"
	"github.com/xela07ax/spaceai-agentops/internal/domain"
	"github.com/xela07ax/spaceai-agentops/internal/infra"
	"github.com/xela07ax/spaceai-agentops/internal/repository/memory"
	"github.com/xela07ax/spaceai-agentops/internal/repository/postgres"
	"go.uber.org/zap"
)

// Store — полный набор операций, который реализуют оба хранилища.
type Store interface {
	CreateAgent(ctx context.Context, a *domain.Agent) error
	GetAgent(ctx context.Context, id string) (domain.Agent, error)
	ListAgents(ctx context.Context, status domain.AgentStatus) ([]domain.Agent, error)
	UpdateAgentStatus(ctx context.Context, id string, from domain.AgentStatus, version int64, to domain.AgentStatus) (domain.Agent, error)
	UpdateAgentModelConfig(ctx context.Context, id string, version int64, cfg map[string]interface{}) (domain.Agent, error)

	CreateSession(ctx context.Context, s *domain.Session) error
	GetSession(ctx context.Context, id string) (domain.Session, error)
	UpdateSessionStatus(ctx context.Context, id string, from, to domain.SessionStatus) (domain.Session, error)
	AddSessionUsage(ctx context.Context, id string, turns int, tokens int64) (domain.Session, error)

	CreatePolicy(ctx context.Context, p *domain.HitlPolicy) error
	GetPolicy(ctx context.Context, id string) (domain.HitlPolicy, error)
	UpdatePolicy(ctx context.Context, p *domain.HitlPolicy) error
	DeletePolicy(ctx context.Context, id string) error
	ListPolicies(ctx context.Context, agentID string) ([]domain.HitlPolicy, error)
	ActivePolicies(ctx context.Context, agentID string) ([]domain.HitlPolicy, error)
	AllActivePolicies(ctx context.Context) ([]domain.HitlPolicy, error)

	CreateApproval(ctx context.Context, req *domain.ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*domain.ApprovalRequest, error)
	ListApprovals(ctx context.Context, f domain.ApprovalFilter) ([]domain.ApprovalRequest, error)
	ResolvePending(ctx context.Context, id string, r domain.ApprovalResolution) (bool, error)
	ListExpiredPending(ctx context.Context, now time.Time) ([]domain.ApprovalRequest, error)

	CreateSubscription(ctx context.Context, s *domain.WebhookSubscription) error
	GetSubscription(ctx context.Context, id string) (domain.WebhookSubscription, error)
	ListSubscriptions(ctx context.Context, agentID string) ([]domain.WebhookSubscription, error)
	DeleteSubscription(ctx context.Context, id string) error
	ListActiveSubscriptions(ctx context.Context, agentID, event string) ([]domain.WebhookSubscription, error)
	RecordDeliveryOutcome(ctx context.Context, webhookID string, success bool, lastError *string) error
	CreateDelivery(ctx context.Context, d *domain.WebhookDelivery) error
	UpdateDelivery(ctx context.Context, d *domain.WebhookDelivery) error
	GetDelivery(ctx context.Context, id string) (domain.WebhookDelivery, error)
	ListDeliveries(ctx context.Context, webhookID string, limit int) ([]domain.WebhookDelivery, error)

	WriteBatch(ctx context.Context, events []audit.LifecycleEvent) error
}

var (
	_ Store = (*postgres.Repo)(nil)
	_ Store = (*memory.Store)(nil)
)

// Open подключает PostgreSQL по cfg.URL. Пустой URL — in-memory хранилище,
// состояние которого живёт только в этом процессе.
func Open(ctx context.Context, cfg infra.DatabaseConfig, logger *zap.Logger) (Store, func(), error) {
	if cfg.URL == "" {
		logger.Warn("database.url is empty, using in-memory store")
		return memory.New(), func() {}, nil
	}

	pool, err := postgres.NewPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Migrate {
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("database schema applied")
	}
	return postgres.New(pool), pool.Close, nil
}
