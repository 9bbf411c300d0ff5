package engine

import (
	"context"
	"time"

	"github.com/basket/go-cortex/internal/persistence"
	"github.com/basket/go-cortex/internal/procwatch"
	"github.com/basket/go-cortex/internal/transcript"
)

// heartbeat refreshes the lifecycle record and agent usage rows, then checks
// whether this process should still be running at all.
func (c *Coordinator) heartbeat(ctx context.Context) {
	if !c.running.Load() || c.stopping.Load() {
		return
	}
	sessionID := c.session()

	touched, err := c.store.TouchLifecycleRecord(ctx, c.record(sessionID, persistence.StatusRunning))
	switch {
	case err != nil:
		c.log.Warn("heartbeat write failed", "session_id", sessionID, "error", err)
	case !touched:
		status, _ := c.store.ReadLifecycleStatus(ctx, sessionID)
		c.log.Warn("lifecycle record taken over by another actor; stopping",
			"session_id", sessionID, "status", status)
		c.requestShutdown(ReasonReplaced)
		return
	}

	for _, h := range c.reg.Snapshot() {
		status := persistence.UsageIdle
		switch {
		case !h.Enabled:
			status = persistence.UsageDisabled
		case h.Busy:
			status = persistence.UsageBusy
		}
		u := persistence.AgentUsage{
			SessionID:       sessionID,
			Role:            string(h.Role),
			InvocationCount: h.InvocationCount,
			CostTotal:       h.CostTotal,
			LastCost:        h.LastCost,
			Status:          status,
		}
		if err := c.store.UpsertAgentUsage(ctx, u); err != nil {
			c.log.Debug("agent usage write failed", "role", h.Role, "error", err)
		}
	}

	if c.parentGone() {
		c.log.Warn("parent process gone; stopping", "parent_pid", c.cfg.ParentPID)
		c.requestShutdown(ReasonParentGone)
	}
}

// parentGone probes the parent when one was named. Where liveness cannot be
// probed, a transcript untouched for ParentStaleness counts as gone.
func (c *Coordinator) parentGone() bool {
	if c.cfg.ParentPID <= 0 {
		return false
	}
	switch c.probe(c.cfg.ParentPID) {
	case procwatch.Gone:
		return true
	case procwatch.Alive:
		return false
	}
	path := c.transcript()
	if path == "" {
		return false
	}
	return transcript.Stale(path, c.policy.ParentStaleness, time.Now())
}
