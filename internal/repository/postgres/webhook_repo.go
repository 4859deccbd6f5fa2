package postgres

/*
Файл webhook_repo.go хранит подписки и журнал доставок.
Счётчики подписки двигаются инкрементом в SQL, параллельные доставки не теряют обновлений.
*/

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-agentops/internal/domain"
)

const subscriptionColumns = `id, agent_id, url, secret, events, is_active, max_retries, retry_delay_seconds, timeout_ms,
	total_deliveries, failed_deliveries, last_error, created_at, updated_at`

func scanSubscription(row scanner) (domain.WebhookSubscription, error) {
	var s domain.WebhookSubscription
	err := row.Scan(&s.ID, &s.AgentID, &s.URL, &s.Secret, &s.Events, &s.IsActive, &s.MaxRetries,
		&s.RetryDelaySeconds, &s.TimeoutMs, &s.TotalDeliveries, &s.FailedDeliveries, &s.LastError,
		&s.CreatedAt, &s.UpdatedAt)
	return s, err
}

func (r *Repo) CreateSubscription(ctx context.Context, s *domain.WebhookSubscription) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	query := `INSERT INTO webhook_subscriptions (id, agent_id, url, secret, events, is_active, max_retries, retry_delay_seconds, timeout_ms)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	          RETURNING created_at, updated_at`

	err := r.pool.QueryRow(ctx, query, s.ID, s.AgentID, s.URL, s.Secret, s.Events, s.IsActive,
		s.MaxRetries, s.RetryDelaySeconds, s.TimeoutMs).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to create webhook: %w", err)
	}
	return nil
}

func (r *Repo) GetSubscription(ctx context.Context, id string) (domain.WebhookSubscription, error) {
	s, err := scanSubscription(r.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return domain.WebhookSubscription{}, &domain.NotFoundError{Entity: "webhook", ID: id}
		}
		return domain.WebhookSubscription{}, fmt.Errorf("postgres: failed to get webhook: %w", err)
	}
	return s, nil
}

func (r *Repo) ListSubscriptions(ctx context.Context, agentID string) ([]domain.WebhookSubscription, error) {
	if agentID == "" {
		return r.querySubscriptions(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions ORDER BY created_at, id`)
	}
	return r.querySubscriptions(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE agent_id = $1 ORDER BY created_at, id`, agentID)
}

func (r *Repo) DeleteSubscription(ctx context.Context, id string) error {
	ct, err := r.pool.Exec(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to delete webhook: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return &domain.NotFoundError{Entity: "webhook", ID: id}
	}
	return nil
}

// ListActiveSubscriptions: подписки агента плюс глобальные (agent_id = '').
func (r *Repo) ListActiveSubscriptions(ctx context.Context, agentID, event string) ([]domain.WebhookSubscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions
	          WHERE is_active AND (agent_id = $1 OR agent_id = '') AND $2 = ANY(events)
	          ORDER BY created_at, id`
	return r.querySubscriptions(ctx, query, agentID, event)
}

// RecordDeliveryOutcome — атомарные инкременты, last_error очищается при успехе.
func (r *Repo) RecordDeliveryOutcome(ctx context.Context, webhookID string, success bool, lastError *string) error {
	query := `UPDATE webhook_subscriptions
	          SET total_deliveries = total_deliveries + 1,
	              failed_deliveries = failed_deliveries + CASE WHEN $2 THEN 0 ELSE 1 END,
	              last_error = CASE WHEN $2 THEN NULL ELSE $3 END,
	              updated_at = NOW()
	          WHERE id = $1`

	ct, err := r.pool.Exec(ctx, query, webhookID, success, lastError)
	if err != nil {
		return fmt.Errorf("postgres: failed to record delivery outcome: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return &domain.NotFoundError{Entity: "webhook", ID: webhookID}
	}
	return nil
}

func (r *Repo) querySubscriptions(ctx context.Context, query string, args ...any) ([]domain.WebhookSubscription, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query webhooks: %w", err)
	}
	defer rows.Close()

	out := make([]domain.WebhookSubscription, 0)
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan webhook: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return out, nil
}

// ---- Deliveries ----

const deliveryColumns = `id, webhook_id, event, payload, status, attempt_number, max_attempts,
	response_status, response_body, error_message, next_retry_at, created_at, completed_at`

func scanDelivery(row scanner) (domain.WebhookDelivery, error) {
	var d domain.WebhookDelivery
	var status string
	var payload []byte
	err := row.Scan(&d.ID, &d.WebhookID, &d.Event, &payload, &status, &d.AttemptNumber, &d.MaxAttempts,
		&d.ResponseStatus, &d.ResponseBody, &d.ErrorMessage, &d.NextRetryAt, &d.CreatedAt, &d.CompletedAt)
	if err != nil {
		return domain.WebhookDelivery{}, err
	}
	d.Status = domain.DeliveryStatus(status)
	d.Payload = payload
	return d, nil
}

func (r *Repo) CreateDelivery(ctx context.Context, d *domain.WebhookDelivery) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO webhook_deliveries (id, webhook_id, event, payload, status, attempt_number, max_attempts, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.pool.Exec(ctx, query, d.ID, d.WebhookID, d.Event, []byte(d.Payload), string(d.Status),
		d.AttemptNumber, d.MaxAttempts, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to create delivery: %w", err)
	}
	return nil
}

// UpdateDelivery перезаписывает изменяемые поля одной и той же записи доставки.
func (r *Repo) UpdateDelivery(ctx context.Context, d *domain.WebhookDelivery) error {
	query := `UPDATE webhook_deliveries
	          SET status = $1, attempt_number = $2, response_status = $3, response_body = $4,
	              error_message = $5, next_retry_at = $6, completed_at = $7
	          WHERE id = $8`

	ct, err := r.pool.Exec(ctx, query, string(d.Status), d.AttemptNumber, d.ResponseStatus, d.ResponseBody,
		d.ErrorMessage, d.NextRetryAt, d.CompletedAt, d.ID)
	if err != nil {
		return fmt.Errorf("postgres: failed to update delivery: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return &domain.NotFoundError{Entity: "delivery", ID: d.ID}
	}
	return nil
}

func (r *Repo) GetDelivery(ctx context.Context, id string) (domain.WebhookDelivery, error) {
	d, err := scanDelivery(r.pool.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return domain.WebhookDelivery{}, &domain.NotFoundError{Entity: "delivery", ID: id}
		}
		return domain.WebhookDelivery{}, fmt.Errorf("postgres: failed to get delivery: %w", err)
	}
	return d, nil
}

func (r *Repo) ListDeliveries(ctx context.Context, webhookID string, limit int) ([]domain.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries
	          WHERE webhook_id = $1 ORDER BY created_at DESC LIMIT $2`, webhookID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query deliveries: %w", err)
	}
	defer rows.Close()

	out := make([]domain.WebhookDelivery, 0)
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan delivery: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return out, nil
}
