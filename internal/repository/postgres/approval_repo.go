package postgres

/*
Файл approval_repo.go содержит реализацию методов для механизма Human-in-the-loop (HITL, «человек в контуре»).
Решение по заявке принимается только условным UPDATE ... WHERE status = 'pending'.
*/

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-agentops/internal/domain"
)

const approvalColumns = `id, agent_id, policy_id, action_type, action_summary, action_details, status,
	expires_at, auto_resolve, reviewer_id, reviewed_at, comment, created_at, updated_at`

func scanApproval(row scanner) (domain.ApprovalRequest, error) {
	var a domain.ApprovalRequest
	var status string
	err := row.Scan(&a.ID, &a.AgentID, &a.PolicyID, &a.ActionType, &a.ActionSummary, &a.ActionDetails, &status,
		&a.ExpiresAt, &a.AutoResolve, &a.ReviewerID, &a.ReviewedAt, &a.Comment, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	a.Status = domain.ApprovalStatus(status)
	if a.ActionDetails == nil {
		a.ActionDetails = map[string]interface{}{}
	}
	return a, nil
}

// CreateApproval создает заявку, по которой оператор через Console API примет решение.
func (r *Repo) CreateApproval(ctx context.Context, req *domain.ApprovalRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.ActionDetails == nil {
		req.ActionDetails = map[string]interface{}{}
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	if req.UpdatedAt.IsZero() {
		req.UpdatedAt = req.CreatedAt
	}
	query := `INSERT INTO approval_requests (id, agent_id, policy_id, action_type, action_summary, action_details,
	              status, expires_at, auto_resolve, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.pool.Exec(ctx, query, req.ID, req.AgentID, req.PolicyID, req.ActionType, req.ActionSummary,
		req.ActionDetails, string(req.Status), req.ExpiresAt, req.AutoResolve, req.CreatedAt, req.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to create approval request: %w", err)
	}
	return nil
}

// GetApproval получение деталей запроса для анализа.
func (r *Repo) GetApproval(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	a, err := scanApproval(r.pool.QueryRow(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, &domain.NotFoundError{Entity: "approval request", ID: id}
		}
		return nil, fmt.Errorf("postgres: failed to get approval request: %w", err)
	}
	return &a, nil
}

// ListApprovals фильтрация и выборка списка запросов (Decision Queue).
func (r *Repo) ListApprovals(ctx context.Context, f domain.ApprovalFilter) ([]domain.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approval_requests WHERE TRUE`
	var args []interface{}
	if f.AgentID != "" {
		args = append(args, f.AgentID)
		query += fmt.Sprintf(" AND agent_id = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d", len(args))

	return r.queryApprovals(ctx, query, args...)
}

// ResolvePending атомарно закрывает заявку. false — заявка уже не pending (или её нет):
// решение принял кто-то другой.
func (r *Repo) ResolvePending(ctx context.Context, id string, res domain.ApprovalResolution) (bool, error) {
	query := `UPDATE approval_requests
	          SET status = $1, reviewer_id = $2, comment = $3, reviewed_at = $4, updated_at = NOW()
	          WHERE id = $5 AND status = 'pending'`

	ct, err := r.pool.Exec(ctx, query, string(res.Status), res.ReviewerID, res.Comment, res.ReviewedAt, id)
	if err != nil {
		return false, fmt.Errorf("postgres: failed to resolve approval request: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// ListExpiredPending — кандидаты для sweeper-а.
func (r *Repo) ListExpiredPending(ctx context.Context, now time.Time) ([]domain.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approval_requests
	          WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at <= $1
	          ORDER BY expires_at`
	return r.queryApprovals(ctx, query, now)
}

func (r *Repo) queryApprovals(ctx context.Context, query string, args ...any) ([]domain.ApprovalRequest, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query approvals: %w", err)
	}
	defer rows.Close()

	// Пустой слайс, чтобы в JSON был [] вместо null
	out := make([]domain.ApprovalRequest, 0)
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan approval: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return out, nil
}
