package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-cortex/internal/agent"
	"github.com/basket/go-cortex/internal/config"
	"github.com/basket/go-cortex/internal/payload"
	"github.com/basket/go-cortex/internal/persistence"
)

var bothRetrievers = []agent.Role{agent.RoleRetrieverA, agent.RoleRetrieverB}

const longAnswer = "The retry policy lives in internal/queue/retry.go and caps at five attempts."

func queryPayload(q string) string {
	return fmt.Sprintf(`{"query":%q}`, q)
}

func TestNew_RequiresSessionAndCollaborators(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, config.ErrMissingSession) {
		t.Fatalf("expected missing session error, got %v", err)
	}
	if _, err := New(Config{SessionID: "s1"}); err == nil {
		t.Fatal("expected error without store and backend")
	}
}

func TestStart_RecordsRunningAndRejectsSecondStart(t *testing.T) {
	h := newHarness(t, bothRetrievers, nil)
	h.start()

	if got := h.lifecycle("s1"); got != persistence.StatusRunning {
		t.Fatalf("status = %s, want running", got)
	}
	if err := h.c.Start(context.Background()); err == nil {
		t.Fatal("second start should fail")
	}
}

func TestStart_RecoversItemsStrandedByDeadOwner(t *testing.T) {
	h := newHarness(t, bothRetrievers, nil)
	id := h.enqueue("s1", persistence.KindQuery, queryPayload("where is the config loader"))
	if _, err := h.st.ClaimBatch(context.Background(), "s1", "dead-process", 10); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if h.status(id) != persistence.ItemProcessing {
		t.Fatal("setup: item should be processing")
	}

	h.start()
	if got := h.status(id); got != persistence.ItemPending {
		t.Fatalf("stranded item status = %s, want pending", got)
	}
}

func TestPoll_ClaimsAtMostLimitInCreationOrder(t *testing.T) {
	h := newHarness(t, bothRetrievers, nil)
	gateA, gateB := h.fb.gate(agent.RoleRetrieverA), h.fb.gate(agent.RoleRetrieverB)
	h.start()

	var ids []int64
	for i := 0; i < 12; i++ {
		q := fmt.Sprintf("question %d", i)
		if i == 3 || i == 7 {
			q = "shared question"
		}
		ids = append(ids, h.enqueue("s1", persistence.KindQuery, queryPayload(q)))
	}

	h.poll()

	// The first query holds both retrievers; the other claimed queries
	// found them busy and missed at once.
	if got := h.status(ids[0]); got != persistence.ItemProcessing {
		t.Fatalf("first item = %s, want processing", got)
	}
	for _, id := range ids[1:10] {
		if got := h.status(id); got != persistence.ItemCompleted {
			t.Fatalf("item %d = %s, want completed", id, got)
		}
	}
	for _, id := range ids[10:] {
		if got := h.status(id); got != persistence.ItemPending {
			t.Fatalf("item %d = %s, want pending", id, got)
		}
	}

	shared, err := h.st.ListResults(context.Background(), "s1", payload.Fingerprint("shared question"))
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	if len(shared) != 2 {
		t.Fatalf("shared fingerprint results = %d, want 2", len(shared))
	}
	for _, r := range shared {
		if r.Kind != persistence.ResultMiss || r.SourceWorker != "none" {
			t.Fatalf("busy result = %+v, want miss from none", r)
		}
	}

	close(gateA)
	close(gateB)
	h.waitStatus(ids[0], persistence.ItemCompleted)
}

func TestRetrieval_ClassifiesEachWorkerIndependently(t *testing.T) {
	h := newHarness(t, bothRetrievers, nil)
	h.fb.on(agent.RoleRetrieverA, reply(longAnswer, 0.01))
	h.fb.on(agent.RoleRetrieverB, reply("  skip ", 0.01))
	h.start()

	id := h.enqueue("s1", persistence.KindQuery, `{"query":"where is retry configured","fingerprint":"fp-1"}`)
	h.poll()
	h.waitStatus(id, persistence.ItemCompleted)

	results, err := h.st.ListResults(context.Background(), "s1", "fp-1")
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want one per retriever", len(results))
	}
	byWorker := map[string]persistence.RetrievalResult{}
	for _, r := range results {
		byWorker[r.SourceWorker] = r
	}
	hit := byWorker[string(agent.RoleRetrieverA)]
	if hit.Kind != persistence.ResultHit || hit.Text != longAnswer || hit.Confidence != hitConfidence {
		t.Fatalf("retriever_a result = %+v", hit)
	}
	if miss := byWorker[string(agent.RoleRetrieverB)]; miss.Kind != persistence.ResultMiss || miss.Text != "" {
		t.Fatalf("retriever_b result = %+v", miss)
	}

	waitFor(t, time.Second, func() bool {
		return !h.reg.Busy(agent.RoleRetrieverA) && !h.reg.Busy(agent.RoleRetrieverB)
	}, "retrievers to be released")
	h.c.mu.Lock()
	turns, surfaced := h.c.turns.Items(), h.c.surfaced.Items()
	h.c.mu.Unlock()
	if len(turns) != 1 || !strings.Contains(turns[0], "where is retry configured") {
		t.Fatalf("turns = %q", turns)
	}
	if len(surfaced) != 1 || surfaced[0] != longAnswer {
		t.Fatalf("surfaced = %q", surfaced)
	}
}

func TestRetrieval_ShortOutputAndErrorsAreMisses(t *testing.T) {
	h := newHarness(t, bothRetrievers, nil)
	h.fb.on(agent.RoleRetrieverA, reply("too short", 0))
	h.fb.on(agent.RoleRetrieverB, failure("429 rate limit", 0.002))
	h.start()

	id := h.enqueue("s1", persistence.KindQuery, `{"query":"q","fingerprint":"fp-2"}`)
	h.poll()
	h.waitStatus(id, persistence.ItemCompleted)

	results, err := h.st.ListResults(context.Background(), "s1", "fp-2")
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	for _, r := range results {
		if r.Kind != persistence.ResultMiss {
			t.Fatalf("result from %s = %s, want miss", r.SourceWorker, r.Kind)
		}
	}
	waitFor(t, time.Second, func() bool { return !h.reg.Busy(agent.RoleRetrieverB) }, "failed worker release")
	if got := h.c.Budget().Total(); got < 0.002 {
		t.Fatalf("cost of failed call not accounted: %v", got)
	}
}

func TestRetrieval_HitTextIsRedacted(t *testing.T) {
	h := newHarness(t, []agent.Role{agent.RoleRetrieverA}, nil)
	h.fb.on(agent.RoleRetrieverA, reply(longAnswer+" The staging key is sk-abcdefghijklmnopqrstuvwx.", 0))
	h.start()

	id := h.enqueue("s1", persistence.KindQuery, `{"query":"staging credentials","fingerprint":"fp-secret"}`)
	h.poll()
	h.waitStatus(id, persistence.ItemCompleted)

	results, err := h.st.ListResults(context.Background(), "s1", "fp-secret")
	if err != nil || len(results) != 1 {
		t.Fatalf("results = %+v, %v", results, err)
	}
	if text := results[0].Text; strings.Contains(text, "sk-abcdef") || !strings.Contains(text, "[REDACTED]") {
		t.Fatalf("stored text = %q", text)
	}
}

type failingResults struct {
	Store
}

func (failingResults) WriteResult(context.Context, persistence.RetrievalResult) (int64, error) {
	return 0, errors.New("disk full")
}

type recordingHandler struct {
	mu   sync.Mutex
	msgs []string
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler        { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler             { return h }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	msg := r.Message
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "error" {
			msg += ": " + a.Value.String()
		}
		return true
	})
	h.mu.Lock()
	h.msgs = append(h.msgs, msg)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) contains(sub string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range h.msgs {
		if strings.Contains(m, sub) {
			return true
		}
	}
	return false
}

func TestRetrieval_WorkerWriteFailureIsReported(t *testing.T) {
	logs := &recordingHandler{}
	h := newHarness(t, []agent.Role{agent.RoleRetrieverA}, func(c *Config) {
		c.Store = failingResults{Store: c.Store}
		c.Logger = slog.New(logs)
	})
	h.fb.on(agent.RoleRetrieverA, reply(longAnswer, 0))
	h.start()

	id := h.enqueue("s1", persistence.KindQuery, queryPayload("retry policy"))
	h.poll()
	h.waitStatus(id, persistence.ItemCompleted)

	if !logs.contains("retrieval race incomplete: retriever_a: write hit result: disk full") {
		t.Fatalf("worker error not reported: %v", logs.msgs)
	}
}

func TestRetrieval_HitNotifiesRunningPeer(t *testing.T) {
	h := newHarness(t, bothRetrievers, nil)
	// retriever_a answers only once retriever_b is in flight.
	h.fb.on(agent.RoleRetrieverA, func(agent.Request) agent.Result {
		deadline := time.Now().Add(2 * time.Second)
		for len(h.fb.calls(agent.RoleRetrieverB)) == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		time.Sleep(20 * time.Millisecond)
		return agent.Result{Status: agent.StatusSuccess, Output: longAnswer}
	})
	gateB := h.fb.gate(agent.RoleRetrieverB)
	h.start()

	id := h.enqueue("s1", persistence.KindQuery, queryPayload("retry policy"))
	h.poll()

	waitFor(t, 2*time.Second, func() bool { return len(h.fb.notices(agent.RoleRetrieverB)) == 1 },
		"peer notice for retriever_b")
	if n := h.fb.notices(agent.RoleRetrieverB)[0]; !strings.Contains(n, "five attempts") {
		t.Fatalf("notice does not carry the hit: %q", n)
	}
	if got := h.status(id); got != persistence.ItemProcessing {
		t.Fatalf("item settled before both workers finished: %s", got)
	}
	close(gateB)
	h.waitStatus(id, persistence.ItemCompleted)
	if len(h.fb.notices(agent.RoleRetrieverA)) != 0 {
		t.Fatal("a finished worker must not be notified")
	}
}

func TestRetrieval_NeverTwoInvocationsPerRole(t *testing.T) {
	h := newHarness(t, bothRetrievers, nil)
	gateA := h.fb.gate(agent.RoleRetrieverA)
	h.fb.on(agent.RoleRetrieverB, reply(longAnswer, 0))
	h.start()

	first := h.enqueue("s1", persistence.KindQuery, queryPayload("one"))
	h.poll()
	waitFor(t, time.Second, func() bool { return !h.reg.Busy(agent.RoleRetrieverB) }, "retriever_b release")

	second := h.enqueue("s1", persistence.KindQuery, queryPayload("two"))
	h.poll()
	h.waitStatus(second, persistence.ItemCompleted)

	close(gateA)
	h.waitStatus(first, persistence.ItemCompleted)
	if peak := h.fb.peak(agent.RoleRetrieverA); peak != 1 {
		t.Fatalf("retriever_a peak concurrency = %d", peak)
	}
	if calls := len(h.fb.calls(agent.RoleRetrieverA)); calls != 1 {
		t.Fatalf("busy retriever_a was invoked again: %d calls", calls)
	}
	if calls := len(h.fb.calls(agent.RoleRetrieverB)); calls != 2 {
		t.Fatalf("free retriever_b calls = %d, want 2", calls)
	}
}

func TestRouter_InvalidPayloadFailsOnlyThatItem(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.start()

	bad := h.enqueue("s1", persistence.KindQuery, `{"fingerprint":"x"}`)
	broken := h.enqueue("s1", persistence.KindObservation, `{not json`)
	unknown := h.enqueue("s1", persistence.ItemKind("telemetry_ping"), `{}`)
	good := h.enqueue("s1", persistence.KindQuery, queryPayload("still routed"))
	h.poll()

	for id, want := range map[int64]persistence.ItemStatus{
		bad:     persistence.ItemFailed,
		broken:  persistence.ItemFailed,
		unknown: persistence.ItemCompleted,
		good:    persistence.ItemCompleted,
	} {
		if got := h.status(id); got != want {
			t.Fatalf("item %d = %s, want %s", id, got, want)
		}
	}
}

func TestRouter_MaintenanceTriggerRunsCurator(t *testing.T) {
	h := newHarness(t, []agent.Role{agent.RoleCurator}, nil)
	h.fb.on(agent.RoleCurator, reply(`Done. {"merged":2,"demoted":1,"contradictions":0,"consolidated":1,"summary":"tidied"}`, 0.03))
	sub := h.bus.Subscribe("curator.")
	defer h.bus.Unsubscribe(sub)
	h.start()

	id := h.enqueue("s1", persistence.KindMaintenanceTrigger, `{"reason":"manual"}`)
	h.poll()
	h.waitStatus(id, persistence.ItemCompleted)

	select {
	case ev := <-sub.Ch():
		if !strings.Contains(fmt.Sprint(ev.Payload), "merged=2") {
			t.Fatalf("report event = %+v", ev.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no curator report published")
	}
	if prompt := h.fb.calls(agent.RoleCurator)[0]; !strings.Contains(prompt, "manual") {
		t.Fatalf("curator prompt missing reason: %q", prompt)
	}
}

func TestRouter_MaintenanceTriggerRequeuedWhileCuratorBusy(t *testing.T) {
	h := newHarness(t, []agent.Role{agent.RoleCurator}, nil)
	h.start()
	if _, ok := h.reg.TryAcquire(agent.RoleCurator); !ok {
		t.Fatal("acquire curator")
	}

	id := h.enqueue("s1", persistence.KindMaintenanceTrigger, `{}`)
	h.poll()
	if got := h.status(id); got != persistence.ItemPending {
		t.Fatalf("status = %s, want pending", got)
	}

	h.reg.Release(agent.RoleCurator, "", 0)
	h.poll()
	h.waitStatus(id, persistence.ItemCompleted)
}

func TestRouter_TriggersWithoutWorkerComplete(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.start()

	maint := h.enqueue("s1", persistence.KindMaintenanceTrigger, `{}`)
	compact := h.enqueue("s1", persistence.KindCompactionTrigger, `{"reason":"pre-clear"}`)
	h.poll()

	if h.status(maint) != persistence.ItemCompleted || h.status(compact) != persistence.ItemCompleted {
		t.Fatal("triggers for disabled roles should complete as no-ops")
	}
	if len(h.fb.calls(agent.RoleCurator))+len(h.fb.calls(agent.RoleCompactor)) != 0 {
		t.Fatal("no worker should have been invoked")
	}
}
