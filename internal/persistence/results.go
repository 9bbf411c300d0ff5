package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const resultColumns = `id, session_id, fingerprint, kind, text, confidence, source_worker, created_at`

func scanResult(scanFn func(dest ...any) error, r *RetrievalResult) error {
	return scanFn(&r.ID, &r.SessionID, &r.Fingerprint, &r.Kind, &r.Text, &r.Confidence, &r.SourceWorker, &r.CreatedAt)
}

// WriteResult appends a hit or miss for a query fingerprint.
func (s *Store) WriteResult(ctx context.Context, r RetrievalResult) (int64, error) {
	if r.Kind != ResultHit && r.Kind != ResultMiss {
		return 0, fmt.Errorf("write result: invalid kind %q", r.Kind)
	}
	if r.Fingerprint == "" {
		return 0, fmt.Errorf("write result: fingerprint must be non-empty")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	var id int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO retrieval_results (session_id, fingerprint, kind, text, confidence, source_worker, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, r.SessionID, r.Fingerprint, r.Kind, r.Text, r.Confidence, r.SourceWorker, r.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert retrieval result: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// ReadLatestResult returns the most recently written result for a fingerprint.
func (s *Store) ReadLatestResult(ctx context.Context, sessionID, fingerprint string) (*RetrievalResult, error) {
	var r RetrievalResult
	row := s.db.QueryRowContext(ctx, `
		SELECT `+resultColumns+`
		FROM retrieval_results
		WHERE session_id = ? AND fingerprint = ?
		ORDER BY id DESC
		LIMIT 1;
	`, sessionID, fingerprint)
	if err := scanResult(row.Scan, &r); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read latest result: %w", err)
	}
	return &r, nil
}

// ListResults returns all results for a fingerprint, oldest first.
func (s *Store) ListResults(ctx context.Context, sessionID, fingerprint string) ([]RetrievalResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+resultColumns+`
		FROM retrieval_results
		WHERE session_id = ? AND fingerprint = ?
		ORDER BY id ASC;
	`, sessionID, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()
	var out []RetrievalResult
	for rows.Next() {
		var r RetrievalResult
		if err := scanResult(rows.Scan, &r); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
