package agent

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func setupTestRegistry(t *testing.T, roles ...Role) *Registry {
	t.Helper()
	var cfgs []RoleConfig
	for _, role := range roles {
		cfgs = append(cfgs, RoleConfig{Role: role, Model: "test-model", PersistSession: true})
	}
	reg, err := NewRegistry(cfgs)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func TestRegistry_DuplicateRoleRejected(t *testing.T) {
	_, err := NewRegistry([]RoleConfig{{Role: RoleLearner}, {Role: RoleLearner}})
	if err == nil {
		t.Fatal("expected duplicate role error")
	}
}

func TestRegistry_TryAcquireIsExclusive(t *testing.T) {
	reg := setupTestRegistry(t, RoleLearner)

	if _, ok := reg.TryAcquire(RoleLearner); !ok {
		t.Fatal("first acquire should succeed")
	}
	if _, ok := reg.TryAcquire(RoleLearner); ok {
		t.Fatal("second acquire must fail while busy")
	}
	reg.Release(RoleLearner, "", 0)
	if _, ok := reg.TryAcquire(RoleLearner); !ok {
		t.Fatal("acquire after release should succeed")
	}
}

func TestRegistry_DisabledRoleNeverAcquires(t *testing.T) {
	reg := setupTestRegistry(t, RoleLearner)
	if reg.Enabled(RoleCurator) {
		t.Fatal("curator should be disabled")
	}
	if _, ok := reg.TryAcquire(RoleCurator); ok {
		t.Fatal("disabled role must not be acquired")
	}
	if err := reg.WaitIdle(context.Background(), RoleCurator); err != nil {
		t.Fatalf("disabled role should be idle: %v", err)
	}
}

func TestRegistry_ConcurrentAcquireAtMostOne(t *testing.T) {
	reg := setupTestRegistry(t, RoleCompactor)
	var (
		wg      sync.WaitGroup
		inside  atomic.Int32
		maxSeen atomic.Int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := reg.TryAcquire(RoleCompactor); !ok {
				return
			}
			n := inside.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			reg.Release(RoleCompactor, "", 0)
		}()
	}
	wg.Wait()
	if maxSeen.Load() > 1 {
		t.Fatalf("observed %d concurrent holders", maxSeen.Load())
	}
}

func TestRegistry_ReleaseKeepsTokenAndCost(t *testing.T) {
	reg := setupTestRegistry(t, RoleRetrieverA)

	tok, _ := reg.TryAcquire(RoleRetrieverA)
	if tok != "" {
		t.Fatalf("fresh handle should have no token, got %q", tok)
	}
	reg.Release(RoleRetrieverA, "sess-1", 0.25)

	tok, _ = reg.TryAcquire(RoleRetrieverA)
	if tok != "sess-1" {
		t.Fatalf("expected resumed token sess-1, got %q", tok)
	}
	// An empty token does not erase the stored one.
	reg.Release(RoleRetrieverA, "", 0.5)

	snap := reg.Snapshot()
	if len(snap) != len(Roles) {
		t.Fatalf("snapshot should list every role, got %d", len(snap))
	}
	h := snap[0]
	if h.Role != RoleRetrieverA || h.Token != "sess-1" || h.InvocationCount != 2 || h.CostTotal != 0.75 || h.LastCost != 0.5 {
		t.Fatalf("unexpected handle %+v", h)
	}
}

func TestRegistry_TokenNotPersistedWhenDisabled(t *testing.T) {
	reg, err := NewRegistry([]RoleConfig{{Role: RoleCurator, PersistSession: false}})
	if err != nil {
		t.Fatal(err)
	}
	reg.TryAcquire(RoleCurator)
	reg.Release(RoleCurator, "ephemeral", 0)
	if tok, _ := reg.TryAcquire(RoleCurator); tok != "" {
		t.Fatalf("token should not persist, got %q", tok)
	}
}

func TestRegistry_WaitIdle(t *testing.T) {
	reg := setupTestRegistry(t, RoleLearner)
	reg.TryAcquire(RoleLearner)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := reg.WaitIdle(ctx, RoleLearner); err == nil {
		t.Fatal("WaitIdle should time out while busy")
	}

	done := make(chan error, 1)
	go func() { done <- reg.WaitIdle(context.Background(), RoleLearner) }()
	time.Sleep(5 * time.Millisecond)
	reg.Release(RoleLearner, "", 0)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitIdle: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitIdle did not return after release")
	}
}

func TestRegistry_SummaryJSON(t *testing.T) {
	reg := setupTestRegistry(t, RoleLearner, RoleCompactor)
	reg.TryAcquire(RoleLearner)

	var entries []map[string]any
	if err := json.Unmarshal([]byte(reg.SummaryJSON()), &entries); err != nil {
		t.Fatalf("summary is not JSON: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 enabled roles, got %d", len(entries))
	}
	if entries[0]["role"] != "learner" || entries[0]["status"] != "busy" {
		t.Fatalf("unexpected first entry %+v", entries[0])
	}
}

func TestCollectAndRun(t *testing.T) {
	ctx := context.Background()
	res, err := Collect(ctx, Finished(Result{Status: StatusSuccess, Output: "hello", CostUSD: 0.1}))
	if err != nil || res.Output != "hello" {
		t.Fatalf("Collect: %+v %v", res, err)
	}

	inv := Async(ctx, func(context.Context) Result {
		return Result{Status: StatusError, Error: "boom", CostUSD: 0.2}
	})
	res, err = Collect(ctx, inv)
	if err != nil || res.Status != StatusError || res.CostUSD != 0.2 {
		t.Fatalf("Collect async: %+v %v", res, err)
	}
	if err := inv.Notify(ctx, "x"); err != ErrNotifyUnsupported {
		t.Fatalf("expected ErrNotifyUnsupported, got %v", err)
	}

	empty := make(chan Event)
	close(empty)
	if _, err := Collect(ctx, chanInvocation(empty)); err != ErrNoResult {
		t.Fatalf("expected ErrNoResult, got %v", err)
	}
}
