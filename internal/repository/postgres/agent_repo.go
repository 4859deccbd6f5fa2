package postgres

/*
Файл agent_repo.go хранит агентов и сессии.
Переходы статусов и смена конфигурации модели идут через CAS по (status, version).
*/

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-agentops/internal/domain"
)

type scanner interface {
	Scan(dest ...any) error
}

const agentColumns = `id, name, framework, model_config, status, version, created_at, updated_at`

func scanAgent(row scanner) (domain.Agent, error) {
	var a domain.Agent
	var status string
	if err := row.Scan(&a.ID, &a.Name, &a.Framework, &a.ModelConfig, &status, &a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return domain.Agent{}, err
	}
	a.Status = domain.AgentStatus(status)
	if a.ModelConfig == nil {
		a.ModelConfig = map[string]interface{}{}
	}
	return a, nil
}

// CreateAgent вставляет агента с version = 1.
func (r *Repo) CreateAgent(ctx context.Context, a *domain.Agent) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.ModelConfig == nil {
		a.ModelConfig = map[string]interface{}{}
	}
	query := `INSERT INTO agents (id, name, framework, model_config, status, version)
	          VALUES ($1, $2, $3, $4, $5, 1)
	          RETURNING version, created_at, updated_at`

	err := r.pool.QueryRow(ctx, query, a.ID, a.Name, a.Framework, a.ModelConfig, string(a.Status)).
		Scan(&a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to create agent: %w", err)
	}
	return nil
}

func (r *Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	a, err := scanAgent(r.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return domain.Agent{}, &domain.NotFoundError{Entity: "agent", ID: id}
		}
		return domain.Agent{}, fmt.Errorf("postgres: failed to get agent: %w", err)
	}
	return a, nil
}

// ListAgents: пустой status — все агенты.
func (r *Repo) ListAgents(ctx context.Context, status domain.AgentStatus) ([]domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []interface{}
	if status != "" {
		query += " WHERE status = $1"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at, id"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query agents: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan agent: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return out, nil
}

// UpdateAgentStatus — условный UPDATE. Если строка не обновилась, перечитываем агента,
// чтобы отличить «не найден» от проигранной гонки.
func (r *Repo) UpdateAgentStatus(ctx context.Context, id string, from domain.AgentStatus, version int64, to domain.AgentStatus) (domain.Agent, error) {
	query := `UPDATE agents
	          SET status = $1, version = version + 1, updated_at = NOW()
	          WHERE id = $2 AND status = $3 AND version = $4
	          RETURNING ` + agentColumns

	a, err := scanAgent(r.pool.QueryRow(ctx, query, string(to), id, string(from), version))
	if err == nil {
		return a, nil
	}
	if !isNoRows(err) {
		return domain.Agent{}, fmt.Errorf("postgres: failed to update agent status: %w", err)
	}
	return domain.Agent{}, r.agentConflict(ctx, id, string(to))
}

func (r *Repo) UpdateAgentModelConfig(ctx context.Context, id string, version int64, cfg map[string]interface{}) (domain.Agent, error) {
	if cfg == nil {
		cfg = map[string]interface{}{}
	}
	query := `UPDATE agents
	          SET model_config = $1, version = version + 1, updated_at = NOW()
	          WHERE id = $2 AND version = $3
	          RETURNING ` + agentColumns

	a, err := scanAgent(r.pool.QueryRow(ctx, query, cfg, id, version))
	if err == nil {
		return a, nil
	}
	if !isNoRows(err) {
		return domain.Agent{}, fmt.Errorf("postgres: failed to update model config: %w", err)
	}
	return domain.Agent{}, r.agentConflict(ctx, id, "")
}

func (r *Repo) agentConflict(ctx context.Context, id, requested string) error {
	current, err := r.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	if requested == "" {
		requested = string(current.Status)
	}
	return current.Conflict(requested)
}

// ---- Sessions ----

const sessionColumns = `id, agent_id, status, turn_count, total_tokens, created_at, updated_at`

func scanSession(row scanner) (domain.Session, error) {
	var s domain.Session
	var status string
	if err := row.Scan(&s.ID, &s.AgentID, &status, &s.TurnCount, &s.TotalTokens, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return domain.Session{}, err
	}
	s.Status = domain.SessionStatus(status)
	return s, nil
}

// CreateSession: агент должен существовать, иначе NotFoundError.
func (r *Repo) CreateSession(ctx context.Context, s *domain.Session) error {
	if _, err := r.GetAgent(ctx, s.AgentID); err != nil {
		return err
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	query := `INSERT INTO sessions (id, agent_id, status, turn_count, total_tokens)
	          VALUES ($1, $2, $3, $4, $5)
	          RETURNING created_at, updated_at`

	err := r.pool.QueryRow(ctx, query, s.ID, s.AgentID, string(s.Status), s.TurnCount, s.TotalTokens).
		Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to create session: %w", err)
	}
	return nil
}

func (r *Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	s, err := scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return domain.Session{}, &domain.NotFoundError{Entity: "session", ID: id}
		}
		return domain.Session{}, fmt.Errorf("postgres: failed to get session: %w", err)
	}
	return s, nil
}

func (r *Repo) UpdateSessionStatus(ctx context.Context, id string, from, to domain.SessionStatus) (domain.Session, error) {
	query := `UPDATE sessions SET status = $1, updated_at = NOW()
	          WHERE id = $2 AND status = $3
	          RETURNING ` + sessionColumns

	s, err := scanSession(r.pool.QueryRow(ctx, query, string(to), id, string(from)))
	if err == nil {
		return s, nil
	}
	if !isNoRows(err) {
		return domain.Session{}, fmt.Errorf("postgres: failed to update session status: %w", err)
	}
	current, err := r.GetSession(ctx, id)
	if err != nil {
		return domain.Session{}, err
	}
	return domain.Session{}, current.Conflict(to)
}

// AddSessionUsage — атомарный инкремент счётчиков на стороне БД.
func (r *Repo) AddSessionUsage(ctx context.Context, id string, turns int, tokens int64) (domain.Session, error) {
	query := `UPDATE sessions
	          SET turn_count = turn_count + $1, total_tokens = total_tokens + $2, updated_at = NOW()
	          WHERE id = $3
	          RETURNING ` + sessionColumns

	s, err := scanSession(r.pool.QueryRow(ctx, query, turns, tokens, id))
	if err != nil {
		if isNoRows(err) {
			return domain.Session{}, &domain.NotFoundError{Entity: "session", ID: id}
		}
		return domain.Session{}, fmt.Errorf("postgres: failed to add session usage: %w", err)
	}
	return s, nil
}
