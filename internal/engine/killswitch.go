package engine

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-agentops/internal/infra"
	"go.uber.org/zap"
)

// KillSwitch — блок-лист убитых агентов.
// L1 — локальная мапа для гейта, L2 — множество в Redis, чтобы блокировка пережила рестарт.
// Команду kill получает каждая реплика, поэтому отдельный канал сигналов не нужен.
type KillSwitch struct {
	mu            sync.RWMutex
	blockedAgents map[string]struct{}
	rdb           *redis.Client // nil — только локальный блок-лист
	logger        *zap.Logger
}

func NewKillSwitch(rdb *redis.Client, logger *zap.Logger) *KillSwitch {
	return &KillSwitch{
		blockedAgents: make(map[string]struct{}),
		rdb:           rdb,
		logger:        logger.Named("killswitch"),
	}
}

// Init загружает текущее состояние блокировок при старте сервиса
func (k *KillSwitch) Init(ctx context.Context) error {
	if k.rdb == nil {
		return nil
	}
	agents, err := k.rdb.SMembers(ctx, infra.RedisKeyKilledSet).Result()
	if err != nil {
		return err
	}

	k.mu.Lock()
	for _, id := range agents {
		k.blockedAgents[id] = struct{}{}
	}
	k.mu.Unlock()
	k.logger.Info("kill switch loaded", zap.Int("blocked", len(agents)))
	return nil
}

// Block помечает агента убитым. Ошибка Redis не отменяет локальную блокировку.
func (k *KillSwitch) Block(ctx context.Context, agentID string) {
	k.mu.Lock()
	k.blockedAgents[agentID] = struct{}{}
	k.mu.Unlock()

	if k.rdb != nil {
		if err := k.rdb.SAdd(ctx, infra.RedisKeyKilledSet, agentID).Err(); err != nil {
			k.logger.Error("failed to persist kill", zap.String("agent_id", agentID), zap.Error(err))
		}
	}
}

// Unblock снимает блокировку: агента снова запустили.
func (k *KillSwitch) Unblock(ctx context.Context, agentID string) {
	k.mu.Lock()
	delete(k.blockedAgents, agentID)
	k.mu.Unlock()

	if k.rdb != nil {
		if err := k.rdb.SRem(ctx, infra.RedisKeyKilledSet, agentID).Err(); err != nil {
			k.logger.Error("failed to clear kill", zap.String("agent_id", agentID), zap.Error(err))
		}
	}
}

func (k *KillSwitch) IsBlocked(agentID string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, blocked := k.blockedAgents[agentID]
	return blocked
}
