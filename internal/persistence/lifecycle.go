package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-cortex/internal/bus"
)

const lifecycleColumns = `session_id, process_id, parent_process_id, status, worker_handles, budgets_spent, heartbeat_at, started_at, updated_at`

func scanLifecycle(scanFn func(dest ...any) error, rec *OrchestratorRecord) error {
	var hb sql.NullTime
	if err := scanFn(&rec.SessionID, &rec.ProcessID, &rec.ParentProcessID, &rec.Status,
		&rec.WorkerHandles, &rec.BudgetsSpent, &hb, &rec.StartedAt, &rec.UpdatedAt); err != nil {
		return err
	}
	if hb.Valid {
		t := hb.Time
		rec.HeartbeatAt = &t
	} else {
		rec.HeartbeatAt = nil
	}
	return nil
}

func normalizeRecord(rec *OrchestratorRecord) {
	now := time.Now().UTC()
	if rec.WorkerHandles == "" {
		rec.WorkerHandles = "[]"
	}
	if rec.BudgetsSpent == "" {
		rec.BudgetsSpent = "{}"
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = now
	}
	rec.UpdatedAt = now
}

// UpsertLifecycleRecord writes the record unconditionally. Used at startup
// (starting, then running) and when a reset adopts a new identity.
func (s *Store) UpsertLifecycleRecord(ctx context.Context, rec OrchestratorRecord) error {
	if rec.SessionID == "" {
		return fmt.Errorf("upsert lifecycle: session_id must be non-empty")
	}
	normalizeRecord(&rec)
	var prev LifecycleStatus
	err := retryOnBusy(ctx, busyRetries, func() error {
		_ = s.db.QueryRowContext(ctx, `SELECT status FROM orchestrator_records WHERE session_id = ?;`, rec.SessionID).Scan(&prev)
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO orchestrator_records (`+lifecycleColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				process_id = excluded.process_id,
				parent_process_id = excluded.parent_process_id,
				status = excluded.status,
				worker_handles = excluded.worker_handles,
				budgets_spent = excluded.budgets_spent,
				heartbeat_at = excluded.heartbeat_at,
				updated_at = excluded.updated_at;
		`, rec.SessionID, rec.ProcessID, rec.ParentProcessID, rec.Status, rec.WorkerHandles,
			rec.BudgetsSpent, nullTime(rec.HeartbeatAt), rec.StartedAt, rec.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert lifecycle record: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if prev != rec.Status {
		s.publish(bus.TopicLifecycleStatus, bus.LifecycleEvent{
			SessionID: rec.SessionID,
			From:      string(prev),
			To:        string(rec.Status),
			Reason:    "upsert",
		})
	}
	return nil
}

// TouchLifecycleRecord refreshes heartbeat, budgets and handles while the
// record is still starting or running for the same process. It reports
// false when another actor has moved the record on (replaced, clearing,
// terminal) or another process owns it.
func (s *Store) TouchLifecycleRecord(ctx context.Context, rec OrchestratorRecord) (bool, error) {
	normalizeRecord(&rec)
	hb := rec.UpdatedAt
	if rec.HeartbeatAt != nil {
		hb = *rec.HeartbeatAt
	}
	var touched bool
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE orchestrator_records
			SET heartbeat_at = ?, worker_handles = ?, budgets_spent = ?, updated_at = ?
			WHERE session_id = ? AND process_id = ? AND status IN (?, ?);
		`, hb, rec.WorkerHandles, rec.BudgetsSpent, rec.UpdatedAt,
			rec.SessionID, rec.ProcessID, StatusStarting, StatusRunning)
		if err != nil {
			return fmt.Errorf("touch lifecycle record: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		touched = n == 1
		return nil
	})
	return touched, err
}

// FinalizeLifecycleRecord moves the record to status only from the sources
// FinalizeSources allows, so a terminal status written by a competing actor
// is never downgraded. It reports whether the row changed.
func (s *Store) FinalizeLifecycleRecord(ctx context.Context, sessionID string, status LifecycleStatus) (bool, error) {
	from := FinalizeSources(status)
	if len(from) == 0 {
		return false, fmt.Errorf("%w: no finalize path to %s", ErrIllegalTransition, status)
	}
	var (
		changed bool
		prev    LifecycleStatus
	)
	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin finalize tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `SELECT status FROM orchestrator_records WHERE session_id = ?;`, sessionID).Scan(&prev); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("read lifecycle status: %w", err)
		}

		args := []any{status, time.Now().UTC(), sessionID}
		for _, st := range from {
			args = append(args, st)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE orchestrator_records SET status = ?, updated_at = ?
			WHERE session_id = ? AND status IN (`+placeholders(len(from))+`);
		`, args...)
		if err != nil {
			return fmt.Errorf("finalize lifecycle record: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		changed = n == 1
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	if changed && prev != status {
		s.publish(bus.TopicLifecycleStatus, bus.LifecycleEvent{
			SessionID: sessionID,
			From:      string(prev),
			To:        string(status),
			Reason:    "finalize",
		})
	}
	return changed, nil
}

// ReadLifecycleStatus returns the stored status for a session.
func (s *Store) ReadLifecycleStatus(ctx context.Context, sessionID string) (LifecycleStatus, error) {
	var st LifecycleStatus
	err := s.db.QueryRowContext(ctx, `SELECT status FROM orchestrator_records WHERE session_id = ?;`, sessionID).Scan(&st)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("read lifecycle status: %w", err)
	}
	return st, nil
}

func (s *Store) GetLifecycleRecord(ctx context.Context, sessionID string) (*OrchestratorRecord, error) {
	var rec OrchestratorRecord
	row := s.db.QueryRowContext(ctx, `SELECT `+lifecycleColumns+` FROM orchestrator_records WHERE session_id = ?;`, sessionID)
	if err := scanLifecycle(row.Scan, &rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get lifecycle record: %w", err)
	}
	return &rec, nil
}

// ListLifecycleRecords returns the most recently updated records.
func (s *Store) ListLifecycleRecords(ctx context.Context, limit int) ([]OrchestratorRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+lifecycleColumns+`
		FROM orchestrator_records
		ORDER BY updated_at DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list lifecycle records: %w", err)
	}
	defer rows.Close()
	var out []OrchestratorRecord
	for rows.Next() {
		var rec OrchestratorRecord
		if err := scanLifecycle(rows.Scan, &rec); err != nil {
			return nil, fmt.Errorf("scan lifecycle record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
