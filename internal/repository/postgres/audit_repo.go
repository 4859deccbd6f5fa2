package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/xela07ax/spaceai-agentops/internal/audit"
)

// Количество колонок в таблице lifecycle_events
const journalFields = 9

// WriteBatch — пакетная вставка журнала одним INSERT с динамическими плейсхолдерами.
func (r *Repo) WriteBatch(ctx context.Context, events []audit.LifecycleEvent) error {
	if len(events) == 0 {
		return nil
	}

	var placeholders strings.Builder
	vals := make([]interface{}, 0, len(events)*journalFields)

	for i, e := range events {
		p := i * journalFields
		if i > 0 {
			placeholders.WriteByte(',')
		}
		fmt.Fprintf(&placeholders, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9)

		vals = append(vals,
			e.ID, e.RequestID, e.AgentID, e.Command, e.Result,
			e.Error, e.DurationMs, e.InstanceID, e.Timestamp,
		)
	}

	query := "INSERT INTO lifecycle_events (id, request_id, agent_id, command, result, error, duration_ms, instance_id, timestamp) VALUES " +
		placeholders.String() + " ON CONFLICT (id) DO NOTHING"

	if _, err := r.pool.Exec(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: failed to write journal batch: %w", err)
	}
	return nil
}
