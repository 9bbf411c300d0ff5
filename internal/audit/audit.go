// Package audit keeps an append-only JSONL trail of lifecycle decisions:
// status transitions, budget exhaustion and session identity swaps.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-cortex/internal/bus"
	"github.com/basket/go-cortex/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	SessionID string `json:"session_id"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

var (
	mu         sync.Mutex
	file       *os.File
	entryCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// Count returns the number of entries recorded since startup.
func Count() int64 {
	return entryCount.Load()
}

func Record(event, sessionID, from, to, reason string) {
	recordAt(time.Now(), event, sessionID, from, to, reason)
}

func recordAt(at time.Time, event, sessionID, from, to, reason string) {
	entryCount.Add(1)
	reason = shared.Redact(reason)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	b, err := json.Marshal(entry{
		Timestamp: at.UTC().Format(time.RFC3339Nano),
		Event:     event,
		SessionID: sessionID,
		From:      from,
		To:        to,
		Reason:    reason,
	})
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}

// followBuffer leaves room for a burst of transitions during shutdown.
const followBuffer = 512

// Follow records lifecycle and budget events from the bus until ctx is done.
// Events lost to a full buffer are noted as one audit_gap entry. The returned
// channel closes once the subscription is drained.
func Follow(ctx context.Context, b *bus.Bus) <-chan struct{} {
	done := make(chan struct{})
	sub := b.SubscribeBuffered(followBuffer, "lifecycle.", bus.TopicBudgetExhausted)
	go func() {
		defer close(done)
		defer b.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				flushPending(sub)
				if n := sub.Dropped(); n > 0 {
					Record("audit_gap", "", "", "", fmt.Sprintf("%d events dropped", n))
				}
				return
			case ev := <-sub.Ch():
				recordEvent(ev)
			}
		}
	}()
	return done
}

func flushPending(sub *bus.Subscription) {
	for {
		select {
		case ev := <-sub.Ch():
			recordEvent(ev)
		default:
			return
		}
	}
}

func recordEvent(ev bus.Event) {
	switch p := ev.Payload.(type) {
	case bus.LifecycleEvent:
		recordAt(ev.At, "status", p.SessionID, p.From, p.To, p.Reason)
	case bus.SessionResetEvent:
		recordAt(ev.At, "session_reset", p.OldSessionID, p.OldSessionID, p.NewSessionID, "")
	case bus.BudgetExhaustedEvent:
		recordAt(ev.At, "budget_exhausted", p.SessionID, "", "",
			fmt.Sprintf("total=%.4f ceiling=%.4f", p.TotalUSD, p.CeilingUSD))
	}
}
