package approval

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-agentops/internal/bus"
	"github.com/xela07ax/spaceai-agentops/internal/domain"
	"github.com/xela07ax/spaceai-agentops/internal/infra"
	"go.uber.org/zap"
)

type PolicyRepository interface {
	AllActivePolicies(ctx context.Context) ([]domain.HitlPolicy, error)
}

// PolicyCache — in-memory кэш активных политик для Hot Path гейта.
// Синхронизируется с БД при старте и по сигналу из канала обновлений,
// в рантайме EvaluateGate обращается только к памяти.
type PolicyCache struct {
	mu sync.RWMutex
	// Кэш: agent_id -> политики, уже отсортированные для выбора
	byAgent map[string][]domain.HitlPolicy

	repo   PolicyRepository // Используется только для Refresh()
	rdb    *redis.Client
	logger *zap.Logger
}

func NewPolicyCache(repo PolicyRepository, rdb *redis.Client, logger *zap.Logger) *PolicyCache {
	return &PolicyCache{
		byAgent: make(map[string][]domain.HitlPolicy),
		repo:    repo,
		rdb:     rdb,
		logger:  logger.Named("policy_cache"),
	}
}

// ActivePolicies отдаёт копию, чтобы вызывающий мог её сортировать.
func (c *PolicyCache) ActivePolicies(_ context.Context, agentID string) ([]domain.HitlPolicy, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	src := c.byAgent[agentID]
	out := make([]domain.HitlPolicy, len(src))
	copy(out, src)
	return out, nil
}

// Refresh выполняет «холодную загрузку» всех активных политик из хранилища.
func (c *PolicyCache) Refresh(ctx context.Context) error {
	policies, err := c.repo.AllActivePolicies(ctx)
	if err != nil {
		return err
	}

	next := make(map[string][]domain.HitlPolicy)
	for _, p := range policies {
		if !p.IsActive {
			continue
		}
		next[p.AgentID] = append(next[p.AgentID], p)
	}
	for _, list := range next {
		SortPolicies(list)
	}

	c.mu.Lock()
	c.byAgent = next
	c.mu.Unlock()

	c.logger.Info("policy cache refreshed", zap.Int("count", len(policies)), zap.Int("agents", len(next)))
	return nil
}

// StartListener перечитывает кэш по каждому сигналу и после каждого переподключения.
func (c *PolicyCache) StartListener(ctx context.Context) {
	bus.ListenResilient(ctx, c.rdb, c.logger, infra.RedisChanPolicyUpdate, nil,
		func() error { return c.Refresh(ctx) },
		func(string) {
			if err := c.Refresh(ctx); err != nil {
				c.logger.Error("policy refresh failed", zap.Error(err))
			}
		},
	)
}
