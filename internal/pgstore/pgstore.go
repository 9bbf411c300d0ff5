// Package pgstore is the PostgreSQL queue store. It mirrors the SQLite
// store's operations so several coordinators on different hosts can share
// one queue; claims use FOR UPDATE SKIP LOCKED instead of a write lock.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/basket/go-cortex/internal/bus"
	"github.com/basket/go-cortex/internal/persistence"
	"github.com/basket/go-cortex/internal/shared"
)

const (
	schemaVersion  = 1
	schemaChecksum = "cx-pg-v1-2026-09-28-queue-foundation"
	maxRetries     = 5
)

type Store struct {
	db  *sqlx.DB
	bus *bus.Bus
}

// Open connects to dsn and applies the schema.
func Open(ctx context.Context, dsn string, eventBus *bus.Bus) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	s := &Store{db: db, bus: eventBus}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) publish(topic string, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS work_items (
		id BIGSERIAL PRIMARY KEY,
		session_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'processing', 'completed', 'failed')),
		claimed_by TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_work_items_claim ON work_items (session_id, status, created_at, id)`,
	`CREATE TABLE IF NOT EXISTS item_events (
		event_id BIGSERIAL PRIMARY KEY,
		item_id BIGINT NOT NULL REFERENCES work_items(id) ON DELETE CASCADE,
		session_id TEXT NOT NULL,
		run_id TEXT NOT NULL DEFAULT '',
		trace_id TEXT NOT NULL,
		state_from TEXT NOT NULL DEFAULT '',
		state_to TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_item_events_item ON item_events (item_id, event_id)`,
	`CREATE TABLE IF NOT EXISTS retrieval_results (
		id BIGSERIAL PRIMARY KEY,
		session_id TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('hit', 'miss')),
		text TEXT NOT NULL DEFAULT '',
		confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		source_worker TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_retrieval_results_lookup ON retrieval_results (session_id, fingerprint, id)`,
	`CREATE TABLE IF NOT EXISTS orchestrator_records (
		session_id TEXT PRIMARY KEY,
		process_id INTEGER NOT NULL,
		parent_process_id INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		worker_handles TEXT NOT NULL DEFAULT '[]',
		budgets_spent TEXT NOT NULL DEFAULT '{}',
		heartbeat_at TIMESTAMPTZ,
		started_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS compactions (
		session_id TEXT NOT NULL,
		version INTEGER NOT NULL CHECK (version >= 1),
		summary TEXT NOT NULL,
		tail TEXT NOT NULL DEFAULT '',
		token_estimate INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (session_id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS agent_usage (
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		invocation_count INTEGER NOT NULL DEFAULT 0,
		cost_total DOUBLE PRECISION NOT NULL DEFAULT 0,
		last_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (session_id, role)
	)`,
}

func (s *Store) migrate(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		// Serialise concurrent first-boot migrations across coordinators.
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(727011)`); err != nil {
			return fmt.Errorf("migration lock: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				version INTEGER PRIMARY KEY,
				checksum TEXT NOT NULL,
				applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`); err != nil {
			return fmt.Errorf("create schema_migrations: %w", err)
		}
		var checksum string
		err := tx.GetContext(ctx, &checksum, `SELECT checksum FROM schema_migrations WHERE version = $1`, schemaVersion)
		switch {
		case err == nil:
			if checksum != schemaChecksum {
				return fmt.Errorf("schema checksum mismatch for version %d: have %q want %q", schemaVersion, checksum, schemaChecksum)
			}
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("read schema checksum: %w", err)
		}
		for _, q := range schema {
			if _, err := tx.ExecContext(ctx, q); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES ($1, $2)`, schemaVersion, schemaChecksum)
		return err
	})
}

// isRetryable matches serialization failures and deadlocks (class 40).
func isRetryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Class() == "40"
	}
	return false
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 0
	return backoff.Retry(func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("begin tx: %w", err))
		}
		defer func() { _ = tx.Rollback() }()
		if err := fn(tx); err != nil {
			if isRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := tx.Commit(); err != nil {
			if isRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx))
}

func appendEvent(ctx context.Context, tx *sqlx.Tx, itemID int64, sessionID string, from, to persistence.ItemStatus, reason string) error {
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = sessionID
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO item_events (item_id, session_id, run_id, trace_id, state_from, state_to, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		itemID, sessionID, shared.RunID(ctx), traceID, string(from), string(to), reason)
	if err != nil {
		return fmt.Errorf("insert item_event: %w", err)
	}
	return nil
}

const itemColumns = `id, session_id, kind, payload, status, claimed_by, created_at, updated_at`

func (s *Store) Enqueue(ctx context.Context, sessionID string, kind persistence.ItemKind, payload string) (int64, error) {
	if sessionID == "" {
		return 0, fmt.Errorf("enqueue: session_id must be non-empty")
	}
	if payload == "" {
		payload = "{}"
	}
	var id int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &id, `
			INSERT INTO work_items (session_id, kind, payload, status)
			VALUES ($1, $2, $3, 'pending') RETURNING id`, sessionID, string(kind), payload); err != nil {
			return fmt.Errorf("insert work item: %w", err)
		}
		return appendEvent(ctx, tx, id, sessionID, "", persistence.ItemPending, "enqueue")
	})
	return id, err
}

// ClaimBatch claims up to limit pending items. Rows locked by a concurrent
// claimer are skipped rather than waited on, so every item goes to exactly
// one caller.
func (s *Store) ClaimBatch(ctx context.Context, sessionID, owner string, limit int) ([]persistence.WorkItem, error) {
	if limit <= 0 {
		limit = persistence.DefaultClaimLimit
	}
	var items []persistence.WorkItem
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		items = nil
		if err := tx.SelectContext(ctx, &items, `
			UPDATE work_items SET status = 'processing', claimed_by = $1, updated_at = now()
			WHERE id IN (
				SELECT id FROM work_items
				WHERE session_id = $2 AND status = 'pending'
				ORDER BY created_at ASC, id ASC
				LIMIT $3
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+itemColumns, owner, sessionID, limit); err != nil {
			return fmt.Errorf("claim items: %w", err)
		}
		for _, item := range items {
			if err := appendEvent(ctx, tx, item.ID, item.SessionID, persistence.ItemPending, persistence.ItemProcessing, "claim"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// RETURNING does not preserve the subquery order.
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	for _, item := range items {
		s.publish(bus.TopicItemClaimed, bus.ItemEvent{ItemID: item.ID, SessionID: item.SessionID, Kind: string(item.Kind), Status: string(item.Status)})
	}
	return items, nil
}

func (s *Store) SetStatus(ctx context.Context, itemID int64, status persistence.ItemStatus) error {
	return s.setStatus(ctx, itemID, status, "set_status")
}

func (s *Store) Requeue(ctx context.Context, itemID int64) error {
	return s.setStatus(ctx, itemID, persistence.ItemPending, "requeue")
}

func (s *Store) setStatus(ctx context.Context, itemID int64, status persistence.ItemStatus, reason string) error {
	var cur struct {
		Status    persistence.ItemStatus `db:"status"`
		SessionID string                 `db:"session_id"`
		Kind      string                 `db:"kind"`
	}
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &cur, `SELECT status, session_id, kind FROM work_items WHERE id = $1 FOR UPDATE`, itemID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return persistence.ErrNotFound
			}
			return fmt.Errorf("select item status: %w", err)
		}
		if !persistence.CanTransition(cur.Status, status) {
			return fmt.Errorf("%w: item %d %s -> %s", persistence.ErrIllegalTransition, itemID, cur.Status, status)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE work_items
			SET status = $1, claimed_by = CASE WHEN $1 = 'pending' THEN '' ELSE claimed_by END, updated_at = now()
			WHERE id = $2`, string(status), itemID); err != nil {
			return fmt.Errorf("update item status: %w", err)
		}
		return appendEvent(ctx, tx, itemID, cur.SessionID, cur.Status, status, reason)
	})
	if err != nil {
		return err
	}
	topic := bus.TopicItemSettled
	if status == persistence.ItemPending {
		topic = bus.TopicItemRequeued
	}
	s.publish(topic, bus.ItemEvent{ItemID: itemID, SessionID: cur.SessionID, Kind: cur.Kind, Status: string(status)})
	return nil
}

func (s *Store) FailOutstanding(ctx context.Context, sessionID string) (int64, error) {
	return s.moveAll(ctx, sessionID, []string{"pending", "processing"}, persistence.ItemFailed, "", "shutdown")
}

func (s *Store) RecoverStale(ctx context.Context, sessionID, owner string) (int64, error) {
	return s.moveAll(ctx, sessionID, []string{"processing"}, persistence.ItemPending, owner, "recover_stale")
}

func (s *Store) moveAll(ctx context.Context, sessionID string, from []string, to persistence.ItemStatus, exceptOwner, reason string) (int64, error) {
	var moved []struct {
		ID     int64                  `db:"id"`
		Status persistence.ItemStatus `db:"prev"`
	}
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		moved = nil
		if err := tx.SelectContext(ctx, &moved, `
			WITH target AS (
				SELECT id, status AS prev FROM work_items
				WHERE session_id = $1 AND status = ANY($2) AND ($4 = '' OR claimed_by <> $4)
				FOR UPDATE
			)
			UPDATE work_items w
			SET status = $3, claimed_by = CASE WHEN $3 = 'pending' THEN '' ELSE w.claimed_by END, updated_at = now()
			FROM target
			WHERE w.id = target.id
			RETURNING w.id, target.prev`, sessionID, pq.Array(from), string(to), exceptOwner); err != nil {
			return fmt.Errorf("%s: %w", reason, err)
		}
		for _, m := range moved {
			if err := appendEvent(ctx, tx, m.ID, sessionID, m.Status, to, reason); err != nil {
				return err
			}
		}
		return nil
	})
	return int64(len(moved)), err
}

func (s *Store) GetItem(ctx context.Context, itemID int64) (*persistence.WorkItem, error) {
	var item persistence.WorkItem
	if err := s.db.GetContext(ctx, &item, `SELECT `+itemColumns+` FROM work_items WHERE id = $1`, itemID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("get item: %w", err)
	}
	return &item, nil
}

func (s *Store) ListItems(ctx context.Context, sessionID string) ([]persistence.WorkItem, error) {
	var items []persistence.WorkItem
	err := s.db.SelectContext(ctx, &items, `
		SELECT `+itemColumns+` FROM work_items WHERE session_id = $1 ORDER BY created_at, id`, sessionID)
	return items, err
}

func (s *Store) CountByStatus(ctx context.Context, sessionID string) (map[persistence.ItemStatus]int, error) {
	var rows []struct {
		Status persistence.ItemStatus `db:"status"`
		N      int                    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT status, COUNT(*) AS n FROM work_items WHERE session_id = $1 GROUP BY status`, sessionID); err != nil {
		return nil, fmt.Errorf("count items: %w", err)
	}
	out := make(map[persistence.ItemStatus]int, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

func (s *Store) ItemEvents(ctx context.Context, itemID int64) ([]persistence.ItemEvent, error) {
	var events []persistence.ItemEvent
	err := s.db.SelectContext(ctx, &events, `
		SELECT event_id, item_id, session_id, run_id, trace_id, state_from, state_to, reason, created_at
		FROM item_events WHERE item_id = $1 ORDER BY event_id`, itemID)
	return events, err
}

func (s *Store) WriteResult(ctx context.Context, r persistence.RetrievalResult) (int64, error) {
	if r.Kind != persistence.ResultHit && r.Kind != persistence.ResultMiss {
		return 0, fmt.Errorf("write result: invalid kind %q", r.Kind)
	}
	var id int64
	err := s.db.GetContext(ctx, &id, `
		INSERT INTO retrieval_results (session_id, fingerprint, kind, text, confidence, source_worker)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		r.SessionID, r.Fingerprint, string(r.Kind), r.Text, r.Confidence, r.SourceWorker)
	if err != nil {
		return 0, fmt.Errorf("insert retrieval result: %w", err)
	}
	return id, nil
}

const resultColumns = `id, session_id, fingerprint, kind, text, confidence, source_worker, created_at`

func (s *Store) ReadLatestResult(ctx context.Context, sessionID, fingerprint string) (*persistence.RetrievalResult, error) {
	var r persistence.RetrievalResult
	if err := s.db.GetContext(ctx, &r, `
		SELECT `+resultColumns+` FROM retrieval_results
		WHERE session_id = $1 AND fingerprint = $2
		ORDER BY id DESC LIMIT 1`, sessionID, fingerprint); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("read latest result: %w", err)
	}
	return &r, nil
}

func (s *Store) ListResults(ctx context.Context, sessionID, fingerprint string) ([]persistence.RetrievalResult, error) {
	var out []persistence.RetrievalResult
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+resultColumns+` FROM retrieval_results
		WHERE session_id = $1 AND fingerprint = $2 ORDER BY id`, sessionID, fingerprint)
	return out, err
}

const lifecycleColumns = `session_id, process_id, parent_process_id, status, worker_handles, budgets_spent, heartbeat_at, started_at, updated_at`

func (s *Store) UpsertLifecycleRecord(ctx context.Context, rec persistence.OrchestratorRecord) error {
	if rec.SessionID == "" {
		return fmt.Errorf("upsert lifecycle: session_id must be non-empty")
	}
	if rec.WorkerHandles == "" {
		rec.WorkerHandles = "[]"
	}
	if rec.BudgetsSpent == "" {
		rec.BudgetsSpent = "{}"
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO orchestrator_records (`+lifecycleColumns+`)
		VALUES (:session_id, :process_id, :parent_process_id, :status, :worker_handles, :budgets_spent, :heartbeat_at, :started_at, now())
		ON CONFLICT (session_id) DO UPDATE SET
			process_id = EXCLUDED.process_id,
			parent_process_id = EXCLUDED.parent_process_id,
			status = EXCLUDED.status,
			worker_handles = EXCLUDED.worker_handles,
			budgets_spent = EXCLUDED.budgets_spent,
			heartbeat_at = EXCLUDED.heartbeat_at,
			updated_at = now()`, rec)
	if err != nil {
		return fmt.Errorf("upsert lifecycle record: %w", err)
	}
	s.publish(bus.TopicLifecycleStatus, bus.LifecycleEvent{SessionID: rec.SessionID, To: string(rec.Status), Reason: "upsert"})
	return nil
}

func (s *Store) TouchLifecycleRecord(ctx context.Context, rec persistence.OrchestratorRecord) (bool, error) {
	hb := time.Now().UTC()
	if rec.HeartbeatAt != nil {
		hb = *rec.HeartbeatAt
	}
	if rec.WorkerHandles == "" {
		rec.WorkerHandles = "[]"
	}
	if rec.BudgetsSpent == "" {
		rec.BudgetsSpent = "{}"
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE orchestrator_records
		SET heartbeat_at = $1, worker_handles = $2, budgets_spent = $3, updated_at = now()
		WHERE session_id = $4 AND process_id = $5 AND status IN ('starting', 'running')`,
		hb, rec.WorkerHandles, rec.BudgetsSpent, rec.SessionID, rec.ProcessID)
	if err != nil {
		return false, fmt.Errorf("touch lifecycle record: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Store) FinalizeLifecycleRecord(ctx context.Context, sessionID string, status persistence.LifecycleStatus) (bool, error) {
	from := persistence.FinalizeSources(status)
	if len(from) == 0 {
		return false, fmt.Errorf("%w: no finalize path to %s", persistence.ErrIllegalTransition, status)
	}
	sources := make([]string, len(from))
	for i, st := range from {
		sources[i] = string(st)
	}
	var prev string
	changed := false
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &prev, `SELECT status FROM orchestrator_records WHERE session_id = $1 FOR UPDATE`, sessionID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return persistence.ErrNotFound
			}
			return fmt.Errorf("read lifecycle status: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE orchestrator_records SET status = $1, updated_at = now()
			WHERE session_id = $2 AND status = ANY($3)`, string(status), sessionID, pq.Array(sources))
		if err != nil {
			return fmt.Errorf("finalize lifecycle record: %w", err)
		}
		n, err := res.RowsAffected()
		changed = n == 1
		return err
	})
	if err != nil {
		return false, err
	}
	if changed {
		s.publish(bus.TopicLifecycleStatus, bus.LifecycleEvent{SessionID: sessionID, From: prev, To: string(status), Reason: "finalize"})
	}
	return changed, nil
}

func (s *Store) ReadLifecycleStatus(ctx context.Context, sessionID string) (persistence.LifecycleStatus, error) {
	var st persistence.LifecycleStatus
	if err := s.db.GetContext(ctx, &st, `SELECT status FROM orchestrator_records WHERE session_id = $1`, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", persistence.ErrNotFound
		}
		return "", fmt.Errorf("read lifecycle status: %w", err)
	}
	return st, nil
}

func (s *Store) GetLifecycleRecord(ctx context.Context, sessionID string) (*persistence.OrchestratorRecord, error) {
	var rec persistence.OrchestratorRecord
	if err := s.db.GetContext(ctx, &rec, `SELECT `+lifecycleColumns+` FROM orchestrator_records WHERE session_id = $1`, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("get lifecycle record: %w", err)
	}
	return &rec, nil
}

func (s *Store) ListLifecycleRecords(ctx context.Context, limit int) ([]persistence.OrchestratorRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []persistence.OrchestratorRecord
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+lifecycleColumns+` FROM orchestrator_records ORDER BY updated_at DESC LIMIT $1`, limit)
	return out, err
}

func (s *Store) AppendCompaction(ctx context.Context, rec persistence.CompactionRecord) error {
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, rec.SessionID); err != nil {
			return fmt.Errorf("lock compaction session: %w", err)
		}
		var latest int
		if err := tx.GetContext(ctx, &latest, `SELECT COALESCE(MAX(version), 0) FROM compactions WHERE session_id = $1`, rec.SessionID); err != nil {
			return fmt.Errorf("read latest compaction version: %w", err)
		}
		if rec.Version != latest+1 {
			return fmt.Errorf("%w: have %d, got %d", persistence.ErrVersionConflict, latest, rec.Version)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO compactions (session_id, version, summary, tail, token_estimate)
			VALUES ($1, $2, $3, $4, $5)`, rec.SessionID, rec.Version, rec.Summary, rec.Tail, rec.TokenEstimate)
		return err
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicCompactionSaved, bus.CompactionSavedEvent{SessionID: rec.SessionID, Version: rec.Version, TokenEstimate: rec.TokenEstimate})
	return nil
}

func (s *Store) LatestCompaction(ctx context.Context, sessionID string) (*persistence.CompactionRecord, error) {
	var rec persistence.CompactionRecord
	if err := s.db.GetContext(ctx, &rec, `
		SELECT session_id, version, summary, tail, token_estimate, created_at
		FROM compactions WHERE session_id = $1 ORDER BY version DESC LIMIT 1`, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("latest compaction: %w", err)
	}
	return &rec, nil
}

func (s *Store) UpsertAgentUsage(ctx context.Context, u persistence.AgentUsage) error {
	if u.Status == "" {
		u.Status = persistence.UsageIdle
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO agent_usage (session_id, role, invocation_count, cost_total, last_cost, status, updated_at)
		VALUES (:session_id, :role, :invocation_count, :cost_total, :last_cost, :status, now())
		ON CONFLICT (session_id, role) DO UPDATE SET
			invocation_count = EXCLUDED.invocation_count,
			cost_total = EXCLUDED.cost_total,
			last_cost = EXCLUDED.last_cost,
			status = EXCLUDED.status,
			updated_at = now()`, u)
	if err != nil {
		return fmt.Errorf("upsert agent usage: %w", err)
	}
	return nil
}

func (s *Store) ListAgentUsage(ctx context.Context, sessionID string) ([]persistence.AgentUsage, error) {
	var out []persistence.AgentUsage
	err := s.db.SelectContext(ctx, &out, `
		SELECT session_id, role, invocation_count, cost_total, last_cost, status, updated_at
		FROM agent_usage WHERE ($1 = '' OR session_id = $1) ORDER BY session_id, role`, sessionID)
	return out, err
}
