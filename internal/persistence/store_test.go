package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-cortex/internal/bus"
	"github.com/basket/go-cortex/internal/persistence"
	"github.com/basket/go-cortex/internal/shared"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "cortex.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	if journal := queryOneString(t, db, "PRAGMA journal_mode;"); journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}

	for _, table := range []string{"schema_migrations", "work_items", "retrieval_results", "orchestrator_records", "compactions", "agent_usage", "item_events"} {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestStore_MigrationLedgerIsIdempotent(t *testing.T) {
	store, dbPath := openTestStore(t)
	version, checksum, err := store.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if version != 2 || checksum == "" {
		t.Fatalf("unexpected schema version %d checksum %q", version, checksum)
	}
	_ = store.Close()

	reopened, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	v2, c2, err := reopened.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("schema version after reopen: %v", err)
	}
	if v2 != version || c2 != checksum {
		t.Fatalf("ledger changed on reopen: %d/%q -> %d/%q", version, checksum, v2, c2)
	}
}

func TestStore_ClaimBatchOrderAndLimit(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 12; i++ {
		id, err := store.Enqueue(ctx, "S", persistence.KindObservation, fmt.Sprintf(`{"content":"obs %d"}`, i))
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		ids = append(ids, id)
	}
	if _, err := store.Enqueue(ctx, "other", persistence.KindQuery, `{"query":"x"}`); err != nil {
		t.Fatalf("enqueue other: %v", err)
	}

	first, err := store.ClaimBatch(ctx, "S", "owner-1", 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(first) != 10 {
		t.Fatalf("expected 10 claimed, got %d", len(first))
	}
	for i, item := range first {
		if item.ID != ids[i] {
			t.Fatalf("claim order: position %d got id %d want %d", i, item.ID, ids[i])
		}
		if item.Status != persistence.ItemProcessing || item.ClaimedBy != "owner-1" {
			t.Fatalf("unexpected claimed item %+v", item)
		}
	}

	second, err := store.ClaimBatch(ctx, "S", "owner-1", 10)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(second) != 2 || second[0].ID != ids[10] || second[1].ID != ids[11] {
		t.Fatalf("expected remaining two items, got %+v", second)
	}

	third, err := store.ClaimBatch(ctx, "S", "owner-1", 10)
	if err != nil {
		t.Fatalf("third claim: %v", err)
	}
	if len(third) != 0 {
		t.Fatalf("expected empty claim, got %d", len(third))
	}
}

func TestStore_ConcurrentClaimersNeverShareItems(t *testing.T) {
	_, dbPath := openTestStore(t)
	ctx := context.Background()

	seed, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open seed: %v", err)
	}
	defer seed.Close()
	const total = 40
	for i := 0; i < total; i++ {
		if _, err := seed.Enqueue(ctx, "S", persistence.KindObservation, `{"content":"x"}`); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var (
		mu   sync.Mutex
		seen = make(map[int64]string)
		wg   sync.WaitGroup
	)
	errs := make(chan error, 4)
	for w := 0; w < 4; w++ {
		owner := fmt.Sprintf("claimer-%d", w)
		conn, err := persistence.Open(dbPath, nil)
		if err != nil {
			t.Fatalf("open claimer: %v", err)
		}
		defer conn.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				items, err := conn.ClaimBatch(ctx, "S", owner, 3)
				if err != nil {
					errs <- err
					return
				}
				if len(items) == 0 {
					return
				}
				mu.Lock()
				for _, item := range items {
					if prev, dup := seen[item.ID]; dup {
						mu.Unlock()
						errs <- fmt.Errorf("item %d claimed by %s and %s", item.ID, prev, owner)
						return
					}
					seen[item.ID] = owner
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	if len(seen) != total {
		t.Fatalf("expected %d claimed items, got %d", total, len(seen))
	}
}

func TestStore_SetStatusTransitions(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	id, err := store.Enqueue(ctx, "S", persistence.KindQuery, `{"query":"where is config loaded"}`)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.SetStatus(ctx, id, persistence.ItemCompleted); !errors.Is(err, persistence.ErrIllegalTransition) {
		t.Fatalf("pending -> completed should be illegal, got %v", err)
	}
	if _, err := store.ClaimBatch(ctx, "S", "o", 10); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.SetStatus(ctx, id, persistence.ItemCompleted); err != nil {
		t.Fatalf("processing -> completed: %v", err)
	}
	if err := store.SetStatus(ctx, id, persistence.ItemFailed); !errors.Is(err, persistence.ErrIllegalTransition) {
		t.Fatalf("completed is final, got %v", err)
	}
	if err := store.SetStatus(ctx, 9999, persistence.ItemCompleted); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_RequeueReturnsItemToPending(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := shared.WithTraceID(context.Background(), "trace-requeue")

	id, _ := store.Enqueue(ctx, "S", persistence.KindObservation, `{"content":"a"}`)
	if _, err := store.ClaimBatch(ctx, "S", "o", 10); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.Requeue(ctx, id); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	item, err := store.GetItem(ctx, id)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if item.Status != persistence.ItemPending || item.ClaimedBy != "" {
		t.Fatalf("expected pending unclaimed item, got %+v", item)
	}

	events, err := store.ItemEvents(ctx, id)
	if err != nil {
		t.Fatalf("item events: %v", err)
	}
	want := []persistence.ItemStatus{persistence.ItemPending, persistence.ItemProcessing, persistence.ItemPending}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, ev := range events {
		if ev.StateTo != want[i] {
			t.Fatalf("event %d: got %s want %s", i, ev.StateTo, want[i])
		}
		if ev.TraceID != "trace-requeue" {
			t.Fatalf("event %d: trace id %q", i, ev.TraceID)
		}
	}
}

func TestStore_FailOutstandingAndRecoverStale(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := store.Enqueue(ctx, "S", persistence.KindObservation, `{}`); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if _, err := store.ClaimBatch(ctx, "S", "dead-owner", 2); err != nil {
		t.Fatalf("claim: %v", err)
	}

	recovered, err := store.RecoverStale(ctx, "S", "live-owner")
	if err != nil {
		t.Fatalf("recover stale: %v", err)
	}
	if recovered != 2 {
		t.Fatalf("expected 2 recovered, got %d", recovered)
	}

	if _, err := store.ClaimBatch(ctx, "S", "live-owner", 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	none, err := store.RecoverStale(ctx, "S", "live-owner")
	if err != nil {
		t.Fatalf("recover stale: %v", err)
	}
	if none != 0 {
		t.Fatalf("own claims must not be recovered, got %d", none)
	}

	failed, err := store.FailOutstanding(ctx, "S")
	if err != nil {
		t.Fatalf("fail outstanding: %v", err)
	}
	if failed != 3 {
		t.Fatalf("expected 3 failed, got %d", failed)
	}
	counts, err := store.CountByStatus(ctx, "S")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[persistence.ItemFailed] != 3 || counts[persistence.ItemPending] != 0 {
		t.Fatalf("unexpected counts %+v", counts)
	}
}

func TestStore_ResultsLatestWins(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.ReadLatestResult(ctx, "S", "fp"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.WriteResult(ctx, persistence.RetrievalResult{
		SessionID: "S", Fingerprint: "fp", Kind: persistence.ResultMiss, SourceWorker: "retriever_a",
	}); err != nil {
		t.Fatalf("write miss: %v", err)
	}
	if _, err := store.WriteResult(ctx, persistence.RetrievalResult{
		SessionID: "S", Fingerprint: "fp", Kind: persistence.ResultHit, Text: "config is loaded in main.go",
		Confidence: 0.7, SourceWorker: "retriever_b",
	}); err != nil {
		t.Fatalf("write hit: %v", err)
	}
	latest, err := store.ReadLatestResult(ctx, "S", "fp")
	if err != nil {
		t.Fatalf("read latest: %v", err)
	}
	if latest.Kind != persistence.ResultHit || latest.SourceWorker != "retriever_b" {
		t.Fatalf("unexpected latest %+v", latest)
	}
	all, err := store.ListResults(ctx, "S", "fp")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 results, got %d", len(all))
	}
	if _, err := store.WriteResult(ctx, persistence.RetrievalResult{SessionID: "S", Fingerprint: "fp", Kind: "maybe"}); err == nil {
		t.Fatal("expected invalid kind error")
	}
}

func TestStore_FinalizeNeverDowngradesTerminal(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.FinalizeLifecycleRecord(ctx, "S", persistence.StatusStopped); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.UpsertLifecycleRecord(ctx, persistence.OrchestratorRecord{
		SessionID: "S", ProcessID: 100, Status: persistence.StatusRunning,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	changed, err := store.FinalizeLifecycleRecord(ctx, "S", persistence.StatusReplaced)
	if err != nil || !changed {
		t.Fatalf("finalize replaced: changed=%v err=%v", changed, err)
	}
	changed, err = store.FinalizeLifecycleRecord(ctx, "S", persistence.StatusStopped)
	if err != nil {
		t.Fatalf("finalize stopped: %v", err)
	}
	if changed {
		t.Fatal("stopped must not overwrite replaced")
	}
	st, err := store.ReadLifecycleStatus(ctx, "S")
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if st != persistence.StatusReplaced {
		t.Fatalf("expected replaced, got %s", st)
	}
}

func TestStore_ClearingYieldsOnlyToClearedOrReplaced(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if err := store.UpsertLifecycleRecord(ctx, persistence.OrchestratorRecord{
		SessionID: "S", ProcessID: 1, Status: persistence.StatusClearing,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if changed, _ := store.FinalizeLifecycleRecord(ctx, "S", persistence.StatusStopped); changed {
		t.Fatal("stopped must not overwrite clearing")
	}
	if changed, _ := store.FinalizeLifecycleRecord(ctx, "S", persistence.StatusCleared); !changed {
		t.Fatal("cleared should overwrite clearing")
	}
}

func TestStore_TouchOnlyWhileRunningForSameProcess(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	rec := persistence.OrchestratorRecord{SessionID: "S", ProcessID: 42, Status: persistence.StatusRunning}
	if err := store.UpsertLifecycleRecord(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	now := time.Now().UTC()
	rec.HeartbeatAt = &now
	rec.BudgetsSpent = `{"learner":0.5}`
	ok, err := store.TouchLifecycleRecord(ctx, rec)
	if err != nil || !ok {
		t.Fatalf("touch: ok=%v err=%v", ok, err)
	}
	got, err := store.GetLifecycleRecord(ctx, "S")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.HeartbeatAt == nil || got.BudgetsSpent != `{"learner":0.5}` {
		t.Fatalf("touch not applied: %+v", got)
	}

	other := rec
	other.ProcessID = 43
	if ok, _ := store.TouchLifecycleRecord(ctx, other); ok {
		t.Fatal("touch from another process must not apply")
	}

	if _, err := store.FinalizeLifecycleRecord(ctx, "S", persistence.StatusReplaced); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if ok, _ := store.TouchLifecycleRecord(ctx, rec); ok {
		t.Fatal("touch after replaced must report false")
	}
}

func TestStore_AppendCompactionRequiresNextVersion(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.LatestCompaction(ctx, "S"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.AppendCompaction(ctx, persistence.CompactionRecord{SessionID: "S", Version: 2, Summary: "x"}); !errors.Is(err, persistence.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	for v := 1; v <= 2; v++ {
		if err := store.AppendCompaction(ctx, persistence.CompactionRecord{
			SessionID: "S", Version: v, Summary: fmt.Sprintf("summary v%d", v), TokenEstimate: 1000 * v,
		}); err != nil {
			t.Fatalf("append v%d: %v", v, err)
		}
	}
	if err := store.AppendCompaction(ctx, persistence.CompactionRecord{SessionID: "S", Version: 2, Summary: "dup"}); !errors.Is(err, persistence.ErrVersionConflict) {
		t.Fatalf("expected conflict on duplicate version, got %v", err)
	}
	latest, err := store.LatestCompaction(ctx, "S")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Version != 2 || latest.Summary != "summary v2" {
		t.Fatalf("unexpected latest %+v", latest)
	}
}

func TestStore_AgentUsageUpsert(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		if err := store.UpsertAgentUsage(ctx, persistence.AgentUsage{
			SessionID: "S", Role: "learner", InvocationCount: i, CostTotal: 0.1 * float64(i), LastCost: 0.1,
			Status: persistence.UsageIdle,
		}); err != nil {
			t.Fatalf("upsert usage: %v", err)
		}
	}
	if err := store.UpsertAgentUsage(ctx, persistence.AgentUsage{SessionID: "T", Role: "curator", Status: persistence.UsageDisabled}); err != nil {
		t.Fatalf("upsert usage: %v", err)
	}
	rows, err := store.ListAgentUsage(ctx, "S")
	if err != nil {
		t.Fatalf("list usage: %v", err)
	}
	if len(rows) != 1 || rows[0].InvocationCount != 2 {
		t.Fatalf("unexpected usage rows %+v", rows)
	}
	all, _ := store.ListAgentUsage(ctx, "")
	if len(all) != 2 {
		t.Fatalf("expected 2 rows across sessions, got %d", len(all))
	}
}

func TestStore_PublishesItemEvents(t *testing.T) {
	eventBus := bus.New()
	sub := eventBus.Subscribe("item.")
	defer eventBus.Unsubscribe(sub)

	store, err := persistence.Open(filepath.Join(t.TempDir(), "cortex.db"), eventBus)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	id, _ := store.Enqueue(ctx, "S", persistence.KindQuery, `{"query":"q"}`)
	if _, err := store.ClaimBatch(ctx, "S", "o", 10); err != nil {
		t.Fatalf("claim: %v", err)
	}
	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicItemClaimed {
			t.Fatalf("unexpected topic %s", ev.Topic)
		}
		payload, ok := ev.Payload.(bus.ItemEvent)
		if !ok || payload.ItemID != id {
			t.Fatalf("unexpected payload %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for item.claimed")
	}
}
