package service

import (
	"context"

	"github.com/xela07ax/spaceai-agentops/internal/domain"
	"go.uber.org/zap"
)

type SessionRepository interface {
	CreateSession(ctx context.Context, s *domain.Session) error
	GetSession(ctx context.Context, id string) (domain.Session, error)
	UpdateSessionStatus(ctx context.Context, id string, from, to domain.SessionStatus) (domain.Session, error)
	AddSessionUsage(ctx context.Context, id string, turns int, tokens int64) (domain.Session, error)
}

type SessionService struct {
	repo   SessionRepository
	logger *zap.Logger
}

func NewSessionService(repo SessionRepository, logger *zap.Logger) *SessionService {
	return &SessionService{repo: repo, logger: logger.Named("session-service")}
}

// Create открывает сессию агента в статусе active.
func (s *SessionService) Create(ctx context.Context, agentID string) (domain.Session, error) {
	sess := domain.Session{AgentID: agentID, Status: domain.SessionActive}
	if err := s.repo.CreateSession(ctx, &sess); err != nil {
		return domain.Session{}, err
	}
	s.logger.Debug("session opened", zap.String("agent_id", agentID), zap.String("session_id", sess.ID))
	return sess, nil
}

func (s *SessionService) Get(ctx context.Context, id string) (domain.Session, error) {
	return s.repo.GetSession(ctx, id)
}

func (s *SessionService) Transition(ctx context.Context, id string, to domain.SessionStatus) (domain.Session, error) {
	current, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return domain.Session{}, err
	}
	if err := domain.CheckSessionTransition(id, current.Status, to); err != nil {
		return domain.Session{}, err
	}
	return s.repo.UpdateSessionStatus(ctx, id, current.Status, to)
}

// AddUsage копит счётчики. Закрытая сессия расход не принимает.
func (s *SessionService) AddUsage(ctx context.Context, id string, turns int, tokens int64) (domain.Session, error) {
	if turns < 0 || tokens < 0 {
		return domain.Session{}, &domain.ValidationError{Field: "usage", Message: "must not be negative"}
	}
	current, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return domain.Session{}, err
	}
	if current.Status.IsTerminal() {
		return domain.Session{}, current.Conflict(current.Status)
	}
	return s.repo.AddSessionUsage(ctx, id, turns, tokens)
}
