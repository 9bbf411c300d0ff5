package persistence

import (
	"context"
	"fmt"
	"time"
)

// UpsertAgentUsage replaces the usage projection row for (session, role).
func (s *Store) UpsertAgentUsage(ctx context.Context, u AgentUsage) error {
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = time.Now().UTC()
	}
	if u.Status == "" {
		u.Status = UsageIdle
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agent_usage (session_id, role, invocation_count, cost_total, last_cost, status, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id, role) DO UPDATE SET
				invocation_count = excluded.invocation_count,
				cost_total = excluded.cost_total,
				last_cost = excluded.last_cost,
				status = excluded.status,
				updated_at = excluded.updated_at;
		`, u.SessionID, u.Role, u.InvocationCount, u.CostTotal, u.LastCost, u.Status, u.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert agent usage: %w", err)
		}
		return nil
	})
}

// ListAgentUsage returns usage rows for a session, or for all sessions when
// sessionID is empty.
func (s *Store) ListAgentUsage(ctx context.Context, sessionID string) ([]AgentUsage, error) {
	query := `SELECT session_id, role, invocation_count, cost_total, last_cost, status, updated_at FROM agent_usage`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY session_id, role;`, args...)
	if err != nil {
		return nil, fmt.Errorf("list agent usage: %w", err)
	}
	defer rows.Close()
	var out []AgentUsage
	for rows.Next() {
		var u AgentUsage
		if err := rows.Scan(&u.SessionID, &u.Role, &u.InvocationCount, &u.CostTotal, &u.LastCost, &u.Status, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent usage: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
