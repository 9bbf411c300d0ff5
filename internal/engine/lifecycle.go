package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/basket/go-cortex/internal/bus"
	"github.com/basket/go-cortex/internal/persistence"
)

// Reason names why the coordinator is shutting down.
type Reason string

const (
	ReasonSignal     Reason = "signal"
	ReasonEnd        Reason = "end"
	ReasonBudget     Reason = "budget"
	ReasonParentGone Reason = "parent_gone"
	ReasonReplaced   Reason = "replaced"
	ReasonCleared    Reason = "cleared"
	ReasonCrash      Reason = "crash"
)

// terminalStatus maps a shutdown reason to the status written last. A
// replaced coordinator writes nothing: another actor owns the record now.
func terminalStatus(r Reason) (persistence.LifecycleStatus, bool) {
	switch r {
	case ReasonReplaced:
		return "", false
	case ReasonCleared:
		return persistence.StatusCleared, true
	case ReasonCrash:
		return persistence.StatusCrashed, true
	default:
		return persistence.StatusStopped, true
	}
}

// Reason returns the shutdown reason, or "" while running.
func (c *Coordinator) Reason() Reason {
	r, _ := c.reason.Load().(Reason)
	return r
}

// Stopping reports whether shutdown has begun.
func (c *Coordinator) Stopping() bool {
	return c.stopping.Load()
}

// Shutdown begins shutdown for reason and waits until it finished or ctx is
// done. Concurrent and repeated calls share the first call's shutdown.
func (c *Coordinator) Shutdown(ctx context.Context, reason Reason) error {
	c.requestShutdown(reason)
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// requestShutdown flips the stopping flag once and runs the shutdown
// sequence in the background. Callers never block on it.
func (c *Coordinator) requestShutdown(reason Reason) {
	if !c.stopping.CompareAndSwap(false, true) {
		return
	}
	c.reason.Store(reason)
	close(c.stopCh)
	c.log.Info("shutdown requested", "reason", reason, "session_id", c.session())
	go c.shutdown(reason)
}

// shutdown cancels timers, records the terminal status best-effort, fails
// leftover items and closes the store. A force-exit timer bounds the whole
// sequence.
func (c *Coordinator) shutdown(reason Reason) {
	force := time.AfterFunc(c.policy.ShutdownGrace, func() {
		c.log.Warn("shutdown grace elapsed; forcing exit", "grace", c.policy.ShutdownGrace)
		c.exit(0)
	})
	defer force.Stop()

	c.mu.Lock()
	if c.batchTimer != nil {
		c.batchTimer.Stop()
		c.batchTimer = nil
	}
	sessionID := c.sessionID
	retired := append([]string(nil), c.retired...)
	curator, cancelLoop := c.curator, c.cancel
	c.mu.Unlock()
	if curator != nil {
		curator.Stop()
	}
	if cancelLoop != nil {
		cancelLoop()
	}
	c.running.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), c.policy.ShutdownGrace)
	defer cancel()

	if !c.awaitInFlight(cancelLoop != nil, c.policy.ShutdownGrace/2) {
		c.log.Warn("worker invocations still in flight at shutdown")
	}

	status, write := terminalStatus(reason)
	if write {
		c.bestEffort("mark stopping", func() error {
			_, err := c.store.FinalizeLifecycleRecord(ctx, sessionID, persistence.StatusStopping)
			return err
		})
	}
	for _, id := range append([]string{sessionID}, retired...) {
		c.bestEffort("fail outstanding items", func() error {
			n, err := c.store.FailOutstanding(ctx, id)
			if n > 0 {
				c.log.Info("failed outstanding items", "session_id", id, "count", n)
			}
			return err
		})
	}
	if write {
		c.bestEffort("mark terminal", func() error {
			_, err := c.store.FinalizeLifecycleRecord(ctx, sessionID, status)
			return err
		})
	}
	c.bestEffort("close store", c.store.Close)

	c.log.Info("coordinator stopped", "reason", reason, "session_id", sessionID, "status", status,
		"cost_usd", c.budget.Total())
	close(c.done)
	c.exit(0)
}

// awaitInFlight waits for the loop to exit and then for tracked workers so
// their results land before the store closes.
func (c *Coordinator) awaitInFlight(loopStarted bool, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	if loopStarted {
		select {
		case <-c.loopDone:
		case <-deadline.C:
			return false
		}
	}
	idle := make(chan struct{})
	go func() {
		c.workers.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return true
	case <-deadline.C:
		return false
	}
}

func (c *Coordinator) exit(code int) {
	if c.cfg.Exit == nil {
		return
	}
	c.exitOnce.Do(func() { c.cfg.Exit(code) })
}

// onExhausted is called exactly once, by whichever accounting call first
// met the session ceiling.
func (c *Coordinator) onExhausted() {
	sessionID := c.session()
	c.log.Warn("session budget exhausted",
		"session_id", sessionID,
		"total_usd", c.budget.Total(),
		"ceiling_usd", c.budget.Ceiling(),
	)
	c.bus.Publish(bus.TopicBudgetExhausted, bus.BudgetExhaustedEvent{
		SessionID:  sessionID,
		TotalUSD:   c.budget.Total(),
		CeilingUSD: c.budget.Ceiling(),
	})
	c.requestShutdown(ReasonBudget)
}

// RecordCrash persists a crashed status for sessionID on a connection opened
// just for this purpose. It retries the open and the write briefly since the
// primary connection may be the thing that failed.
func RecordCrash(ctx context.Context, open func() (Store, error), sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("record crash: session_id must be non-empty")
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond

	return backoff.Retry(func() error {
		st, err := open()
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer func() { _ = st.Close() }()

		_, err = st.FinalizeLifecycleRecord(ctx, sessionID, persistence.StatusCrashed)
		if errors.Is(err, persistence.ErrNotFound) {
			return st.UpsertLifecycleRecord(ctx, persistence.OrchestratorRecord{
				SessionID: sessionID,
				Status:    persistence.StatusCrashed,
			})
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, 4), ctx))
}
