package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/go-cortex/internal/agent"
	"github.com/basket/go-cortex/internal/bus"
	"github.com/basket/go-cortex/internal/config"
	"github.com/basket/go-cortex/internal/persistence"
	"github.com/basket/go-cortex/internal/procwatch"
)

// testStore keeps the database open across shutdown so tests can inspect
// it, and counts the calls shutdown must make exactly once.
type testStore struct {
	*persistence.Store
	closes    atomic.Int32
	terminals atomic.Int32
}

func (s *testStore) Close() error {
	s.closes.Add(1)
	return nil
}

func (s *testStore) FinalizeLifecycleRecord(ctx context.Context, sessionID string, status persistence.LifecycleStatus) (bool, error) {
	if status.Terminal() {
		s.terminals.Add(1)
	}
	return s.Store.FinalizeLifecycleRecord(ctx, sessionID, status)
}

func openTestStore(t *testing.T) *testStore {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "cortex.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return &testStore{Store: store}
}

type script func(req agent.Request) agent.Result

func reply(output string, cost float64) script {
	return func(agent.Request) agent.Result {
		return agent.Result{Status: agent.StatusSuccess, Output: output, CostUSD: cost, Token: "tok"}
	}
}

func failure(msg string, cost float64) script {
	return func(agent.Request) agent.Result {
		return agent.Result{Status: agent.StatusError, Error: msg, CostUSD: cost}
	}
}

// fakeBackend answers per role from scripts. A role with a gate blocks
// until the gate is closed.
type fakeBackend struct {
	mu       sync.Mutex
	scripts  map[agent.Role]script
	gates    map[agent.Role]chan struct{}
	prompts  map[agent.Role][]string
	notes    map[agent.Role][]string
	inflight map[agent.Role]int
	maxSeen  map[agent.Role]int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		scripts:  make(map[agent.Role]script),
		gates:    make(map[agent.Role]chan struct{}),
		prompts:  make(map[agent.Role][]string),
		notes:    make(map[agent.Role][]string),
		inflight: make(map[agent.Role]int),
		maxSeen:  make(map[agent.Role]int),
	}
}

func (f *fakeBackend) on(role agent.Role, s script) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[role] = s
}

func (f *fakeBackend) gate(role agent.Role) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := make(chan struct{})
	f.gates[role] = g
	return g
}

func (f *fakeBackend) calls(role agent.Role) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts[role]...)
}

func (f *fakeBackend) notices(role agent.Role) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.notes[role]...)
}

func (f *fakeBackend) peak(role agent.Role) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxSeen[role]
}

func (f *fakeBackend) Invoke(ctx context.Context, req agent.Request) (agent.Invocation, error) {
	role := req.Config.Role
	f.mu.Lock()
	f.prompts[role] = append(f.prompts[role], req.Prompt)
	f.inflight[role]++
	if f.inflight[role] > f.maxSeen[role] {
		f.maxSeen[role] = f.inflight[role]
	}
	s, g := f.scripts[role], f.gates[role]
	f.mu.Unlock()

	inv := &fakeInvocation{events: make(chan agent.Event, 1), f: f, role: role}
	go func() {
		defer close(inv.events)
		if g != nil {
			select {
			case <-g:
			case <-ctx.Done():
			}
		}
		res := agent.Result{Status: agent.StatusSuccess, Output: "SKIP"}
		if s != nil {
			res = s(req)
		}
		f.mu.Lock()
		f.inflight[role]--
		f.mu.Unlock()
		inv.events <- agent.Event{Type: agent.EventResult, Result: &res}
	}()
	return inv, nil
}

type fakeInvocation struct {
	events chan agent.Event
	f      *fakeBackend
	role   agent.Role
}

func (i *fakeInvocation) Events() <-chan agent.Event { return i.events }

func (i *fakeInvocation) Notify(_ context.Context, text string) error {
	i.f.mu.Lock()
	defer i.f.mu.Unlock()
	i.f.notes[i.role] = append(i.f.notes[i.role], text)
	return nil
}

// testPolicy idles every loop timer so tests drive polls themselves.
func testPolicy() config.Policy {
	p := config.DefaultPolicy()
	p.PollInterval = time.Hour
	p.HeartbeatInterval = time.Hour
	p.CompactionCheckInterval = time.Hour
	p.CuratorSchedule = "off"
	p.BatchWindow = time.Hour
	p.ShutdownGrace = 2 * time.Second
	return p
}

type harness struct {
	t     *testing.T
	st    *testStore
	fb    *fakeBackend
	reg   *agent.Registry
	bus   *bus.Bus
	c     *Coordinator
	exits atomic.Int32
}

func newHarness(t *testing.T, roles []agent.Role, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{t: t, st: openTestStore(t), fb: newFakeBackend(), bus: bus.New()}

	var rcs []agent.RoleConfig
	for _, r := range roles {
		rcs = append(rcs, agent.RoleConfig{Role: r, Model: "test-model", PersistSession: true})
	}
	reg, err := agent.NewRegistry(rcs)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	h.reg = reg

	cfg := Config{
		SessionID: "s1",
		Policy:    testPolicy(),
		Store:     h.st,
		Backend:   h.fb,
		Registry:  reg,
		Bus:       h.bus,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Exit:      func(int) { h.exits.Add(1) },
		Probe:     func(int) procwatch.Liveness { return procwatch.Alive },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	h.c = c
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx, ReasonSignal)
	})
	return h
}

func (h *harness) start() {
	h.t.Helper()
	if err := h.c.Start(context.Background()); err != nil {
		h.t.Fatalf("start: %v", err)
	}
}

func (h *harness) enqueue(sessionID string, kind persistence.ItemKind, payload string) int64 {
	h.t.Helper()
	id, err := h.st.Enqueue(context.Background(), sessionID, kind, payload)
	if err != nil {
		h.t.Fatalf("enqueue: %v", err)
	}
	return id
}

func (h *harness) poll() {
	h.c.pollOnce(context.Background())
}

func (h *harness) status(id int64) persistence.ItemStatus {
	h.t.Helper()
	item, err := h.st.GetItem(context.Background(), id)
	if err != nil {
		h.t.Fatalf("get item %d: %v", id, err)
	}
	return item.Status
}

func (h *harness) waitStatus(id int64, want persistence.ItemStatus) {
	h.t.Helper()
	waitFor(h.t, 3*time.Second, func() bool { return h.status(id) == want },
		"item %d to become %s", id, want)
}

func (h *harness) waitDone() {
	h.t.Helper()
	select {
	case <-h.c.Done():
	case <-time.After(5 * time.Second):
		h.t.Fatal("timed out waiting for shutdown")
	}
}

func (h *harness) lifecycle(sessionID string) persistence.LifecycleStatus {
	h.t.Helper()
	st, err := h.st.ReadLifecycleStatus(context.Background(), sessionID)
	if err != nil {
		h.t.Fatalf("read lifecycle %s: %v", sessionID, err)
	}
	return st
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for "+format, args...)
}
