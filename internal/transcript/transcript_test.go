package transcript_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/basket/go-cortex/internal/transcript"
)

const sampleLog = `{"type":"system","message":{"role":"system","content":"boot"}}
{"type":"user","message":{"role":"user","content":"where is the retry loop?"}}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"It is in store.go."},{"type":"tool_use","name":"Read"}]}}
{"type":"user","message":{"role":"user","content":[{"type":"tool_result","content":"file body"}]}}
not json at all
{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"  retryOnBusy wraps it.  "}]}}
`

func writeLog(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.jsonl")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write transcript: %v", err)
	}
	return path
}

func TestFragments_ExtractsConversationOnly(t *testing.T) {
	frags, err := transcript.Fragments(writeLog(t, sampleLog))
	if err != nil {
		t.Fatalf("Fragments: %v", err)
	}
	want := []transcript.Fragment{
		{Role: transcript.RoleUser, Text: "where is the retry loop?"},
		{Role: transcript.RoleAssistant, Text: "It is in store.go."},
		{Role: transcript.RoleAssistant, Text: "retryOnBusy wraps it."},
	}
	if len(frags) != len(want) {
		t.Fatalf("got %d fragments, want %d: %+v", len(frags), len(want), frags)
	}
	for i := range want {
		if frags[i] != want[i] {
			t.Fatalf("fragment %d = %+v, want %+v", i, frags[i], want[i])
		}
	}
}

func TestFragments_MissingFile(t *testing.T) {
	if _, err := transcript.Fragments(filepath.Join(t.TempDir(), "nope.jsonl")); err == nil {
		t.Fatal("expected error for missing transcript")
	}
}

func TestWindow_KeepsMostRecentThatFit(t *testing.T) {
	frags := []transcript.Fragment{
		{Role: transcript.RoleUser, Text: strings.Repeat("a", 50)},
		{Role: transcript.RoleAssistant, Text: strings.Repeat("b", 20)},
		{Role: transcript.RoleUser, Text: strings.Repeat("c", 20)},
	}
	// "Assistant: " + 20 + 1 = 32, "User: " + 20 + 1 = 27.
	got := transcript.Window(frags, 60)
	if len(got) != 2 || got[0].Text[0] != 'b' || got[1].Text[0] != 'c' {
		t.Fatalf("unexpected window %+v", got)
	}
	all := transcript.Window(frags, 10_000)
	if len(all) != 3 {
		t.Fatalf("large budget should keep everything, got %d", len(all))
	}
	if transcript.Window(frags, 0) != nil {
		t.Fatal("zero budget yields nothing")
	}
}

func TestWindow_TruncatesOversizedNewest(t *testing.T) {
	frags := []transcript.Fragment{{Role: transcript.RoleUser, Text: "0123456789abcdef"}}
	got := transcript.Window(frags, 12)
	if len(got) != 1 || got[0].Text != "abcdef" {
		t.Fatalf("expected tail of newest fragment, got %+v", got)
	}

	wide := []transcript.Fragment{{Role: transcript.RoleUser, Text: strings.Repeat("é", 100)}}
	got = transcript.Window(wide, 11)
	if len(got) != 1 || !utf8.ValidString(got[0].Text) || got[0].Text != "éé" {
		t.Fatalf("expected rune-aligned tail, got %+v", got)
	}
}

func TestTailIsNewerHalf(t *testing.T) {
	frags := []transcript.Fragment{
		{Role: transcript.RoleUser, Text: "one"},
		{Role: transcript.RoleAssistant, Text: "two"},
		{Role: transcript.RoleUser, Text: "three"},
		{Role: transcript.RoleAssistant, Text: "four"},
	}
	tail := transcript.Tail(frags)
	if strings.Contains(tail, "one") || !strings.Contains(tail, "User: three") || !strings.Contains(tail, "Assistant: four") {
		t.Fatalf("unexpected tail %q", tail)
	}
}

func TestStale(t *testing.T) {
	path := writeLog(t, "{}\n")
	now := time.Now()
	if transcript.Stale(path, 5*time.Minute, now) {
		t.Fatal("fresh file should not be stale")
	}
	old := now.Add(-10 * time.Minute)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if !transcript.Stale(path, 5*time.Minute, now) {
		t.Fatal("file untouched for 10m should be stale")
	}
	if !transcript.Stale(filepath.Join(t.TempDir(), "missing"), time.Minute, now) {
		t.Fatal("missing file counts as stale")
	}
}

func TestWatcher_NudgesOnGrowth(t *testing.T) {
	path := writeLog(t, "")
	w := transcript.NewWatcher(path, time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	appendLine := func() {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		_, _ = f.WriteString(`{"type":"user","message":{"role":"user","content":"hi"}}` + "\n")
		_ = f.Close()
	}
	appendLine()
	for {
		select {
		case <-w.Nudges():
			return
		case <-tick.C:
			appendLine()
		case <-deadline:
			t.Fatal("timed out waiting for transcript nudge")
		}
	}
}
