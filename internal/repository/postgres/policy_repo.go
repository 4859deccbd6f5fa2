package postgres

/*
Файл policy_repo.go хранит HITL-политики.
Порядок выборки фиксирован: priority DESC, created_at, id. На нём держится детерминированный выбор политики.
*/

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-agentops/internal/domain"
)

const policyColumns = `id, agent_id, name, trigger_type, conditions, auto_approve, timeout_seconds, is_active, priority, created_at, updated_at`

const policyOrder = ` ORDER BY priority DESC, created_at, id`

func scanPolicy(row scanner) (domain.HitlPolicy, error) {
	var p domain.HitlPolicy
	var trigger string
	err := row.Scan(&p.ID, &p.AgentID, &p.Name, &trigger, &p.Conditions, &p.AutoApprove,
		&p.TimeoutSeconds, &p.IsActive, &p.Priority, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return domain.HitlPolicy{}, err
	}
	p.TriggerType = domain.TriggerType(trigger)
	if p.Conditions == nil {
		p.Conditions = map[string]interface{}{}
	}
	return p, nil
}

func (r *Repo) CreatePolicy(ctx context.Context, p *domain.HitlPolicy) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Conditions == nil {
		p.Conditions = map[string]interface{}{}
	}
	query := `INSERT INTO hitl_policies (id, agent_id, name, trigger_type, conditions, auto_approve, timeout_seconds, is_active, priority)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	          RETURNING created_at, updated_at`

	err := r.pool.QueryRow(ctx, query, p.ID, p.AgentID, p.Name, string(p.TriggerType), p.Conditions,
		p.AutoApprove, p.TimeoutSeconds, p.IsActive, p.Priority).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to create policy: %w", err)
	}
	return nil
}

func (r *Repo) GetPolicy(ctx context.Context, id string) (domain.HitlPolicy, error) {
	p, err := scanPolicy(r.pool.QueryRow(ctx, `SELECT `+policyColumns+` FROM hitl_policies WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return domain.HitlPolicy{}, &domain.NotFoundError{Entity: "policy", ID: id}
		}
		return domain.HitlPolicy{}, fmt.Errorf("postgres: failed to get policy: %w", err)
	}
	return p, nil
}

func (r *Repo) UpdatePolicy(ctx context.Context, p *domain.HitlPolicy) error {
	query := `UPDATE hitl_policies
	          SET name = $1, trigger_type = $2, conditions = $3, auto_approve = $4,
	              timeout_seconds = $5, is_active = $6, priority = $7, updated_at = NOW()
	          WHERE id = $8
	          RETURNING created_at, updated_at`

	err := r.pool.QueryRow(ctx, query, p.Name, string(p.TriggerType), p.Conditions, p.AutoApprove,
		p.TimeoutSeconds, p.IsActive, p.Priority, p.ID).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return &domain.NotFoundError{Entity: "policy", ID: p.ID}
		}
		return fmt.Errorf("postgres: failed to update policy: %w", err)
	}
	return nil
}

func (r *Repo) DeletePolicy(ctx context.Context, id string) error {
	ct, err := r.pool.Exec(ctx, `DELETE FROM hitl_policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to delete policy: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return &domain.NotFoundError{Entity: "policy", ID: id}
	}
	return nil
}

// ListPolicies: пустой agentID — все политики.
func (r *Repo) ListPolicies(ctx context.Context, agentID string) ([]domain.HitlPolicy, error) {
	if agentID == "" {
		return r.queryPolicies(ctx, `SELECT `+policyColumns+` FROM hitl_policies`+policyOrder)
	}
	return r.queryPolicies(ctx, `SELECT `+policyColumns+` FROM hitl_policies WHERE agent_id = $1`+policyOrder, agentID)
}

// ActivePolicies — набор, по которому шлюз ищет совпадение для агента.
func (r *Repo) ActivePolicies(ctx context.Context, agentID string) ([]domain.HitlPolicy, error) {
	return r.queryPolicies(ctx, `SELECT `+policyColumns+` FROM hitl_policies WHERE agent_id = $1 AND is_active`+policyOrder, agentID)
}

// AllActivePolicies — «холодная загрузка» кэша политик на старте и по сигналу обновления.
func (r *Repo) AllActivePolicies(ctx context.Context) ([]domain.HitlPolicy, error) {
	return r.queryPolicies(ctx, `SELECT `+policyColumns+` FROM hitl_policies WHERE is_active`+policyOrder)
}

func (r *Repo) queryPolicies(ctx context.Context, query string, args ...any) ([]domain.HitlPolicy, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query policies: %w", err)
	}
	defer rows.Close()

	out := make([]domain.HitlPolicy, 0)
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan policy: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return out, nil
}
