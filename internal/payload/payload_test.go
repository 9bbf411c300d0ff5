package payload_test

import (
	"errors"
	"testing"

	"github.com/basket/go-cortex/internal/payload"
	"github.com/basket/go-cortex/internal/persistence"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		kind    persistence.ItemKind
		raw     string
		wantErr bool
	}{
		{"query ok", persistence.KindQuery, `{"query":"where is the retry loop"}`, false},
		{"query with fingerprint", persistence.KindQuery, `{"query":"x","fingerprint":"abc123"}`, false},
		{"query empty", persistence.KindQuery, `{"query":""}`, true},
		{"query missing", persistence.KindQuery, `{}`, true},
		{"query bad fingerprint", persistence.KindQuery, `{"query":"x","fingerprint":"has space"}`, true},
		{"observation ok", persistence.KindObservation, `{"content":"edited main.go","tool":"Edit"}`, false},
		{"observation wrong type", persistence.KindObservation, `{"content":42}`, true},
		{"maintenance empty body", persistence.KindMaintenanceTrigger, ``, false},
		{"compaction reason", persistence.KindCompactionTrigger, `{"reason":"pre-compact hook"}`, false},
		{"reset ok", persistence.KindReset, `{"session_id":"S2","transcript_path":"/tmp/t.jsonl"}`, false},
		{"reset missing session", persistence.KindReset, `{"transcript_path":"/tmp/t.jsonl"}`, true},
		{"lifecycle end", persistence.KindLifecycleEvent, `{"event":"end"}`, false},
		{"not json", persistence.KindQuery, `query=x`, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := payload.Validate(tc.kind, tc.raw)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestValidateUnknownKind(t *testing.T) {
	err := payload.Validate("telemetry_ping", `{}`)
	if !errors.Is(err, payload.ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestDecodeReset(t *testing.T) {
	var r payload.Reset
	if err := payload.Decode(persistence.KindReset, `{"session_id":"S2"}`, &r); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.SessionID != "S2" || r.TranscriptPath != "" {
		t.Fatalf("unexpected reset payload %+v", r)
	}
}

func TestFingerprintNormalizes(t *testing.T) {
	a := payload.Fingerprint("Where is  the CONFIG loaded?")
	b := payload.Fingerprint("  where is the config\tloaded?  ")
	if a != b {
		t.Fatalf("fingerprints differ: %s vs %s", a, b)
	}
	if len(a) != 16 {
		t.Fatalf("expected 16 hex chars, got %q", a)
	}
	if payload.Fingerprint("other question") == a {
		t.Fatal("distinct queries must not collide")
	}
	q := payload.Query{Query: "x", Fingerprint: "given"}
	if q.QueryFingerprint() != "given" {
		t.Fatal("explicit fingerprint should win")
	}
}

func TestParseCuratorReport(t *testing.T) {
	out := "Done.\n```json\n{\"merged\":3,\"demoted\":1,\"contradictions\":0,\"consolidated\":2,\"summary\":\"tidied\"}\n```"
	r := payload.ParseCuratorReport(out)
	if !r.Structured || r.Merged != 3 || r.Consolidated != 2 || r.Summary != "tidied" {
		t.Fatalf("unexpected report %+v", r)
	}

	plain := payload.ParseCuratorReport("merged a few duplicates, nothing else")
	if plain.Structured || plain.Summary != "merged a few duplicates, nothing else" {
		t.Fatalf("unexpected plain report %+v", plain)
	}

	bad := payload.ParseCuratorReport(`{"merged":-1,"summary":"x"}`)
	if bad.Structured {
		t.Fatal("schema-invalid report must fall back to summary")
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"before {\"a\":1} after", `{"a":1}`},
		{"```\n[1,2]\n```", `[1,2]`},
		{"{\"s\":\"has } brace\"}", `{"s":"has } brace"}`},
		{"no json here", ""},
	}
	for _, tc := range tests {
		if got := payload.ExtractJSON(tc.in); got != tc.want {
			t.Fatalf("ExtractJSON(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
