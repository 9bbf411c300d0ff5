package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-cortex/internal/bus"
)

// AppendCompaction stores a new summary. rec.Version must be exactly one
// past the session's latest stored version, otherwise ErrVersionConflict.
func (s *Store) AppendCompaction(ctx context.Context, rec CompactionRecord) error {
	if rec.SessionID == "" {
		return fmt.Errorf("append compaction: session_id must be non-empty")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin compaction tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var latest int
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(version), 0) FROM compactions WHERE session_id = ?;
		`, rec.SessionID).Scan(&latest); err != nil {
			return fmt.Errorf("read latest compaction version: %w", err)
		}
		if rec.Version != latest+1 {
			return fmt.Errorf("%w: have %d, got %d", ErrVersionConflict, latest, rec.Version)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO compactions (session_id, version, summary, tail, token_estimate, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, rec.SessionID, rec.Version, rec.Summary, rec.Tail, rec.TokenEstimate, rec.CreatedAt); err != nil {
			return fmt.Errorf("insert compaction: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicCompactionSaved, bus.CompactionSavedEvent{
		SessionID:     rec.SessionID,
		Version:       rec.Version,
		TokenEstimate: rec.TokenEstimate,
	})
	return nil
}

// LatestCompaction returns the highest version for a session, or ErrNotFound.
func (s *Store) LatestCompaction(ctx context.Context, sessionID string) (*CompactionRecord, error) {
	var rec CompactionRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, version, summary, tail, token_estimate, created_at
		FROM compactions
		WHERE session_id = ?
		ORDER BY version DESC
		LIMIT 1;
	`, sessionID).Scan(&rec.SessionID, &rec.Version, &rec.Summary, &rec.Tail, &rec.TokenEstimate, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("latest compaction: %w", err)
	}
	return &rec, nil
}
