package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/basket/go-cortex/internal/bus"
	"github.com/basket/go-cortex/internal/shared"
)

const itemColumns = `id, session_id, kind, payload, status, claimed_by, created_at, updated_at`

func scanItem(scanFn func(dest ...any) error, item *WorkItem) error {
	return scanFn(
		&item.ID,
		&item.SessionID,
		&item.Kind,
		&item.Payload,
		&item.Status,
		&item.ClaimedBy,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
}

// Enqueue inserts a pending work item and returns its id.
func (s *Store) Enqueue(ctx context.Context, sessionID string, kind ItemKind, payload string) (int64, error) {
	if sessionID == "" {
		return 0, fmt.Errorf("enqueue: session_id must be non-empty")
	}
	if payload == "" {
		payload = "{}"
	}
	var id int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enqueue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO work_items (session_id, kind, payload, status, claimed_by, created_at, updated_at)
			VALUES (?, ?, ?, ?, '', ?, ?);
		`, sessionID, string(kind), payload, ItemPending, now, now)
		if err != nil {
			return fmt.Errorf("insert work item: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("work item id: %w", err)
		}
		if err := s.appendItemEventTx(ctx, tx, id, sessionID, "", ItemPending, "enqueue"); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ClaimBatch atomically moves up to limit pending items of sessionID to
// processing, oldest first, and returns them in creation order. Each item is
// returned by at most one caller across processes sharing the database.
func (s *Store) ClaimBatch(ctx context.Context, sessionID, owner string, limit int) ([]WorkItem, error) {
	if limit <= 0 {
		limit = DefaultClaimLimit
	}
	var claimed []WorkItem
	err := retryOnBusy(ctx, busyRetries, func() error {
		claimed = claimed[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT `+itemColumns+`
			FROM work_items
			WHERE session_id = ? AND status = ?
			ORDER BY created_at ASC, id ASC
			LIMIT ?;
		`, sessionID, ItemPending, limit)
		if err != nil {
			return fmt.Errorf("select pending items: %w", err)
		}
		var candidates []WorkItem
		for rows.Next() {
			var item WorkItem
			if err := scanItem(rows.Scan, &item); err != nil {
				rows.Close()
				return fmt.Errorf("scan pending item: %w", err)
			}
			candidates = append(candidates, item)
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("close pending rows: %w", err)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate pending items: %w", err)
		}

		for _, item := range candidates {
			ok, err := s.transitionItemTx(ctx, tx, item.ID, []ItemStatus{ItemPending}, ItemProcessing, &owner, "claim")
			if err != nil {
				return fmt.Errorf("claim item %d: %w", item.ID, err)
			}
			if !ok {
				continue
			}
			item.Status = ItemProcessing
			item.ClaimedBy = owner
			claimed = append(claimed, item)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	for _, item := range claimed {
		s.publish(bus.TopicItemClaimed, bus.ItemEvent{
			ItemID:    item.ID,
			SessionID: item.SessionID,
			Kind:      string(item.Kind),
			Status:    string(item.Status),
		})
	}
	return claimed, nil
}

// SetStatus moves an item to status, validating the transition.
func (s *Store) SetStatus(ctx context.Context, itemID int64, status ItemStatus) error {
	return s.setStatus(ctx, itemID, status, "set_status")
}

// Requeue returns a processing item to pending (worker busy).
func (s *Store) Requeue(ctx context.Context, itemID int64) error {
	return s.setStatus(ctx, itemID, ItemPending, "requeue")
}

func (s *Store) setStatus(ctx context.Context, itemID int64, status ItemStatus, reason string) error {
	var sessionID string
	var kind ItemKind
	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin status tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current ItemStatus
		if err := tx.QueryRowContext(ctx, `
			SELECT status, session_id, kind FROM work_items WHERE id = ?;
		`, itemID).Scan(&current, &sessionID, &kind); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select item status: %w", err)
		}
		if !CanTransition(current, status) {
			return fmt.Errorf("%w: item %d %s -> %s", ErrIllegalTransition, itemID, current, status)
		}
		var clear *string
		if status == ItemPending {
			empty := ""
			clear = &empty
		}
		ok, err := s.transitionItemTx(ctx, tx, itemID, []ItemStatus{current}, status, clear, reason)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: item %d changed concurrently", ErrIllegalTransition, itemID)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	topic := bus.TopicItemSettled
	if status == ItemPending {
		topic = bus.TopicItemRequeued
	}
	s.publish(topic, bus.ItemEvent{ItemID: itemID, SessionID: sessionID, Kind: string(kind), Status: string(status)})
	return nil
}

// FailOutstanding marks every pending or processing item of sessionID failed.
func (s *Store) FailOutstanding(ctx context.Context, sessionID string) (int64, error) {
	return s.moveAll(ctx, sessionID, []ItemStatus{ItemPending, ItemProcessing}, ItemFailed, "", "shutdown")
}

// RecoverStale returns items left processing by another owner (a dead prior
// process) to pending.
func (s *Store) RecoverStale(ctx context.Context, sessionID, owner string) (int64, error) {
	return s.moveAll(ctx, sessionID, []ItemStatus{ItemProcessing}, ItemPending, owner, "recover_stale")
}

func (s *Store) moveAll(ctx context.Context, sessionID string, from []ItemStatus, to ItemStatus, exceptOwner, reason string) (int64, error) {
	var moved int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		moved = 0
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin %s tx: %w", reason, err)
		}
		defer func() { _ = tx.Rollback() }()

		args := []any{sessionID}
		for _, st := range from {
			args = append(args, st)
		}
		query := `SELECT id FROM work_items WHERE session_id = ? AND status IN (` + placeholders(len(from)) + `)`
		if exceptOwner != "" {
			query += ` AND claimed_by <> ?`
			args = append(args, exceptOwner)
		}
		rows, err := tx.QueryContext(ctx, query+` ORDER BY id;`, args...)
		if err != nil {
			return fmt.Errorf("select items for %s: %w", reason, err)
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan item id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()

		var clear *string
		if to == ItemPending {
			empty := ""
			clear = &empty
		}
		for _, id := range ids {
			ok, err := s.transitionItemTx(ctx, tx, id, from, to, clear, reason)
			if err != nil {
				return err
			}
			if ok {
				moved++
			}
		}
		return tx.Commit()
	})
	return moved, err
}

// transitionItemTx performs a conditional status change and appends an
// item_events row. It returns false when the item is absent or not in one of
// allowedFrom. claimedBy, when non-nil, overwrites the claim owner.
func (s *Store) transitionItemTx(
	ctx context.Context,
	tx *sql.Tx,
	itemID int64,
	allowedFrom []ItemStatus,
	to ItemStatus,
	claimedBy *string,
	reason string,
) (bool, error) {
	var current ItemStatus
	var sessionID string
	if err := tx.QueryRowContext(ctx, `
		SELECT status, session_id FROM work_items WHERE id = ?;
	`, itemID).Scan(&current, &sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select item for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return false, nil
	}
	if !CanTransition(current, to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current, to)
	}

	owner := sql.NullString{}
	if claimedBy != nil {
		owner.Valid = true
		owner.String = *claimedBy
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE work_items
		SET status = ?,
			claimed_by = CASE WHEN ? THEN ? ELSE claimed_by END,
			updated_at = ?
		WHERE id = ? AND status = ?;
	`, to, owner.Valid, owner.String, time.Now().UTC(), itemID, current)
	if err != nil {
		return false, fmt.Errorf("update item transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return false, nil
	}
	if err := s.appendItemEventTx(ctx, tx, itemID, sessionID, current, to, reason); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) appendItemEventTx(ctx context.Context, tx *sql.Tx, itemID int64, sessionID string, from, to ItemStatus, reason string) error {
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = sessionID
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO item_events (item_id, session_id, run_id, trace_id, state_from, state_to, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, itemID, sessionID, shared.RunID(ctx), traceID, string(from), string(to), reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert item_event: %w", err)
	}
	return nil
}

// GetItem loads one work item.
func (s *Store) GetItem(ctx context.Context, itemID int64) (*WorkItem, error) {
	var item WorkItem
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id = ?;`, itemID)
	if err := scanItem(row.Scan, &item); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get item: %w", err)
	}
	return &item, nil
}

// ListItems returns the items of a session in creation order.
func (s *Store) ListItems(ctx context.Context, sessionID string) ([]WorkItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM work_items
		WHERE session_id = ?
		ORDER BY created_at ASC, id ASC;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()
	var out []WorkItem
	for rows.Next() {
		var item WorkItem
		if err := scanItem(rows.Scan, &item); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// CountByStatus returns item counts per status for a session.
func (s *Store) CountByStatus(ctx context.Context, sessionID string) (map[ItemStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM work_items WHERE session_id = ? GROUP BY status;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("count items: %w", err)
	}
	defer rows.Close()
	counts := make(map[ItemStatus]int)
	for rows.Next() {
		var st ItemStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan item count: %w", err)
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// ItemEvents returns the transition trail of one item, oldest first.
func (s *Store) ItemEvents(ctx context.Context, itemID int64) ([]ItemEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, item_id, session_id, run_id, trace_id, state_from, state_to, reason, created_at
		FROM item_events
		WHERE item_id = ?
		ORDER BY event_id ASC;
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("list item events: %w", err)
	}
	defer rows.Close()
	var out []ItemEvent
	for rows.Next() {
		var ev ItemEvent
		if err := rows.Scan(&ev.EventID, &ev.ItemID, &ev.SessionID, &ev.RunID, &ev.TraceID,
			&ev.StateFrom, &ev.StateTo, &ev.Reason, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan item event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
