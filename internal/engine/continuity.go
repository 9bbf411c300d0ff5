package engine

import (
	"context"
	"fmt"

	"github.com/basket/go-cortex/internal/bus"
	"github.com/basket/go-cortex/internal/payload"
	"github.com/basket/go-cortex/internal/persistence"
)

// resetSession moves the coordinator to a new session identity without
// touching worker handles. It runs on the loop and blocks it: the outgoing
// identity's learner batch and final compaction finish first.
func (c *Coordinator) resetSession(ctx context.Context, item persistence.WorkItem, r payload.Reset) error {
	oldID := c.session()
	if r.SessionID == oldID {
		if r.TranscriptPath != "" {
			c.setTranscript(r.TranscriptPath)
		}
		c.log.Info("reset names the active session; transcript updated only", "session_id", oldID)
		c.finish(ctx, item, persistence.ItemCompleted)
		return nil
	}
	log := c.log.With("old_session_id", oldID, "new_session_id", r.SessionID)
	log.Info("session reset: draining outgoing identity")

	if err := c.drainLearner(ctx); err != nil {
		return fmt.Errorf("drain learner: %w", err)
	}
	c.finalCompaction(ctx)

	c.bestEffort("mark cleared", func() error {
		changed, err := c.store.FinalizeLifecycleRecord(ctx, oldID, persistence.StatusCleared)
		if err == nil && !changed {
			log.Info("outgoing record already terminal; left as is")
		}
		return err
	})
	// The reset item belongs to the outgoing identity.
	c.finish(ctx, item, persistence.ItemCompleted)

	c.mu.Lock()
	c.retire(oldID, r.SessionID)
	c.sessionID = r.SessionID
	if r.TranscriptPath != "" {
		c.transcriptPath = r.TranscriptPath
	}
	c.turns.Reset()
	c.surfaced.Reset()
	c.buffer = nil
	if c.batchTimer != nil {
		c.batchTimer.Stop()
		c.batchTimer = nil
	}
	c.compaction = compactionState{}
	path := c.transcriptPath
	c.mu.Unlock()
	if c.watcher != nil {
		c.watcher.SetPath(path)
	}

	c.seedCompaction(ctx, r.SessionID)
	if err := c.store.UpsertLifecycleRecord(ctx, c.record(r.SessionID, persistence.StatusRunning)); err != nil {
		log.Error("record for new identity failed", "error", err)
		c.requestShutdown(ReasonCrash)
		return nil
	}
	c.bus.Publish(bus.TopicSessionReset, bus.SessionResetEvent{OldSessionID: oldID, NewSessionID: r.SessionID})
	log.Info("session reset complete")
	return nil
}

func (c *Coordinator) setTranscript(path string) {
	c.mu.Lock()
	c.transcriptPath = path
	c.mu.Unlock()
	if c.watcher != nil {
		c.watcher.SetPath(path)
	}
}

// retire keeps oldID claimable so items requeued under it still run, and
// drops next from the set when a reset returns to an earlier identity.
// Callers hold c.mu.
func (c *Coordinator) retire(oldID, next string) {
	kept := c.retired[:0]
	for _, id := range c.retired {
		if id != next && id != oldID {
			kept = append(kept, id)
		}
	}
	c.retired = append(kept, oldID)
}
