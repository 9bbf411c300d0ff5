package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}
	ctx = WithTraceID(ctx, "abc")
	if got := TraceID(ctx); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
	// Empty trace id falls back to the placeholder.
	if got := TraceID(WithTraceID(context.Background(), "")); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}
}

func TestSessionAndRole_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if SessionID(ctx) != "" || Role(ctx) != "" {
		t.Fatal("expected empty defaults")
	}
	ctx = WithRole(WithSessionID(ctx, "s1"), "learner")
	if got := SessionID(ctx); got != "s1" {
		t.Fatalf("expected s1, got %q", got)
	}
	if got := Role(ctx); got != "learner" {
		t.Fatalf("expected learner, got %q", got)
	}
}

func TestItemID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := ItemID(ctx); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	ctx = WithItemID(ctx, 42)
	if got := ItemID(ctx); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestNewRunID_Unique(t *testing.T) {
	a, b := NewRunID(), NewRunID()
	if a == "" || a == b {
		t.Fatalf("expected distinct run ids, got %q and %q", a, b)
	}
}
