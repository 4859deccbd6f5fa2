package service

import (
	"context"

	"github.com/xela07ax/spaceai-agentops/internal/domain"
)

type WebhookRepository interface {
	CreateSubscription(ctx context.Context, s *domain.WebhookSubscription) error
	GetSubscription(ctx context.Context, id string) (domain.WebhookSubscription, error)
	ListSubscriptions(ctx context.Context, agentID string) ([]domain.WebhookSubscription, error)
	DeleteSubscription(ctx context.Context, id string) error
	ListDeliveries(ctx context.Context, webhookID string, limit int) ([]domain.WebhookDelivery, error)
}

type WebhookService struct {
	repo WebhookRepository
}

func NewWebhookService(repo WebhookRepository) *WebhookService {
	return &WebhookService{repo: repo}
}

// Значения по умолчанию для полей, которые клиент не прислал.
const (
	defaultMaxRetries        = 3
	defaultRetryDelaySeconds = 5
	defaultTimeoutMs         = 10000
)

type CreateWebhookInput struct {
	AgentID           string   `json:"agent_id"`
	URL               string   `json:"url"`
	Secret            string   `json:"secret"`
	Events            []string `json:"events"`
	MaxRetries        *int     `json:"max_retries"`
	RetryDelaySeconds *int     `json:"retry_delay_seconds"`
	TimeoutMs         *int     `json:"timeout_ms"`
}

func (s *WebhookService) Create(ctx context.Context, in CreateWebhookInput) (domain.WebhookSubscription, error) {
	sub := domain.WebhookSubscription{
		AgentID:           in.AgentID,
		URL:               in.URL,
		Secret:            in.Secret,
		Events:            in.Events,
		IsActive:          true,
		MaxRetries:        intOr(in.MaxRetries, defaultMaxRetries),
		RetryDelaySeconds: intOr(in.RetryDelaySeconds, defaultRetryDelaySeconds),
		TimeoutMs:         intOr(in.TimeoutMs, defaultTimeoutMs),
	}
	if err := sub.Validate(); err != nil {
		return domain.WebhookSubscription{}, err
	}
	if err := s.repo.CreateSubscription(ctx, &sub); err != nil {
		return domain.WebhookSubscription{}, err
	}
	return sub, nil
}

func (s *WebhookService) Get(ctx context.Context, id string) (domain.WebhookSubscription, error) {
	return s.repo.GetSubscription(ctx, id)
}

func (s *WebhookService) List(ctx context.Context, agentID string) ([]domain.WebhookSubscription, error) {
	return s.repo.ListSubscriptions(ctx, agentID)
}

func (s *WebhookService) Delete(ctx context.Context, id string) error {
	return s.repo.DeleteSubscription(ctx, id)
}

func (s *WebhookService) Deliveries(ctx context.Context, webhookID string, limit int) ([]domain.WebhookDelivery, error) {
	if _, err := s.repo.GetSubscription(ctx, webhookID); err != nil {
		return nil, err
	}
	return s.repo.ListDeliveries(ctx, webhookID, limit)
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}
