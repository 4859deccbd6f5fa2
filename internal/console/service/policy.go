package service

import (
	"context"

	"github.com/xela07ax/spaceai-agentops/internal/domain"
	"go.uber.org/zap"
)

// PolicyRepository описывает требования сервиса к хранилищу политик
type PolicyRepository interface {
	GetPolicy(ctx context.Context, id string) (domain.HitlPolicy, error)
	ListPolicies(ctx context.Context, agentID string) ([]domain.HitlPolicy, error)
	CreatePolicy(ctx context.Context, p *domain.HitlPolicy) error
	UpdatePolicy(ctx context.Context, p *domain.HitlPolicy) error
	DeletePolicy(ctx context.Context, id string) error
}

// PolicyBroadcaster рассылает сигнал "refresh" кэшам политик на Execution Plane.
type PolicyBroadcaster func(ctx context.Context) error

type PolicyService struct {
	repo      PolicyRepository
	broadcast PolicyBroadcaster
	logger    *zap.Logger
}

func NewPolicyService(repo PolicyRepository, broadcast PolicyBroadcaster, logger *zap.Logger) *PolicyService {
	return &PolicyService{
		repo:      repo,
		broadcast: broadcast,
		logger:    logger.Named("policy-service"),
	}
}

func (s *PolicyService) Get(ctx context.Context, id string) (domain.HitlPolicy, error) {
	return s.repo.GetPolicy(ctx, id)
}

// List возвращает политики агента (или все, если agentID пуст)
func (s *PolicyService) List(ctx context.Context, agentID string) ([]domain.HitlPolicy, error) {
	return s.repo.ListPolicies(ctx, agentID)
}

// Create сохраняет политику и уведомляет шлюзы об обновлении
func (s *PolicyService) Create(ctx context.Context, p *domain.HitlPolicy) error {
	if p.Conditions == nil {
		p.Conditions = map[string]interface{}{}
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if err := s.repo.CreatePolicy(ctx, p); err != nil {
		return err
	}
	s.notifyUpdate(ctx)
	return nil
}

// Update обновляет политику и инициирует инвалидацию кэша
func (s *PolicyService) Update(ctx context.Context, p *domain.HitlPolicy) error {
	if p.Conditions == nil {
		p.Conditions = map[string]interface{}{}
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if err := s.repo.UpdatePolicy(ctx, p); err != nil {
		return err
	}
	s.notifyUpdate(ctx)
	return nil
}

func (s *PolicyService) Delete(ctx context.Context, id string) error {
	if err := s.repo.DeletePolicy(ctx, id); err != nil {
		return err
	}
	s.notifyUpdate(ctx)
	return nil
}

// notifyUpdate: изменение уже сохранено. Если сигнал потерялся, кэши догонят
// на следующем переподключении к Redis.
func (s *PolicyService) notifyUpdate(ctx context.Context) {
	if s.broadcast == nil {
		return
	}
	if err := s.broadcast(ctx); err != nil {
		s.logger.Warn("policy refresh signal failed", zap.Error(err))
	}
}
