package engine

import (
	"context"
	"time"

	"github.com/basket/go-cortex/internal/agent"
	"github.com/basket/go-cortex/internal/payload"
	"github.com/basket/go-cortex/internal/persistence"
)

// enqueueObservation buffers an observation and applies the flush policy:
// flush at max, otherwise arm the window timer, otherwise flush early once
// the minimum is met under a pending timer.
func (c *Coordinator) enqueueObservation(ctx context.Context, item persistence.WorkItem) error {
	if !c.reg.Enabled(agent.RoleLearner) {
		c.finish(ctx, item, persistence.ItemCompleted)
		return nil
	}

	c.mu.Lock()
	c.buffer = append(c.buffer, item)
	n := len(c.buffer)
	flush := false
	switch {
	case n >= c.policy.BatchMax:
		flush = true
	case c.batchTimer == nil:
		c.batchTimer = time.AfterFunc(c.policy.BatchWindow, c.nudgeFlush)
	case n >= c.policy.BatchMin:
		flush = true
	}
	c.mu.Unlock()

	if flush {
		c.flushLearner(ctx)
	}
	return nil
}

// nudgeFlush asks the loop to flush. It never blocks; one pending nudge is
// enough.
func (c *Coordinator) nudgeFlush() {
	select {
	case c.flushCh <- struct{}{}:
	default:
	}
}

// flushLearner hands up to BatchMax buffered observations to the learner.
// A busy learner sends the whole buffer back to pending instead.
func (c *Coordinator) flushLearner(ctx context.Context) {
	c.mu.Lock()
	if c.batchTimer != nil {
		c.batchTimer.Stop()
		c.batchTimer = nil
	}
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	token, ok := c.reg.TryAcquire(agent.RoleLearner)
	if !ok {
		items := c.buffer
		c.buffer = nil
		c.mu.Unlock()
		c.log.Info("learner busy; requeueing buffered observations", "count", len(items))
		for _, item := range items {
			c.requeue(ctx, item, agent.RoleLearner)
		}
		return
	}
	n := min(len(c.buffer), c.policy.BatchMax)
	batch := append([]persistence.WorkItem(nil), c.buffer[:n]...)
	c.buffer = append([]persistence.WorkItem(nil), c.buffer[n:]...)
	if len(c.buffer) > 0 {
		c.batchTimer = time.AfterFunc(c.policy.BatchWindow, c.nudgeFlush)
	}
	c.mu.Unlock()

	c.metrics.LearnerBatchSize.Record(ctx, int64(len(batch)))
	c.goWorker(ctx, func(ctx context.Context) {
		c.learn(ctx, token, batch)
	})
}

// learn runs one learner invocation for batch and settles every item with
// the invocation's outcome.
func (c *Coordinator) learn(ctx context.Context, token agent.Token, batch []persistence.WorkItem) {
	start := time.Now()
	var res agent.Result
	outcome := "failed"
	defer func() {
		c.settle(agent.RoleLearner, res, outcome, time.Since(start))
	}()

	obs := make([]payload.Observation, 0, len(batch))
	for _, item := range batch {
		var o payload.Observation
		if err := payload.Decode(item.Kind, item.Payload, &o); err != nil {
			o.Content = item.Payload
		}
		obs = append(obs, o)
	}
	prompt := learnerSinglePrompt(obs[0])
	if len(obs) > 1 {
		prompt = learnerBatchPrompt(obs)
	}

	res, err := c.invoke(ctx, agent.RoleLearner, token, prompt, nil)
	status := persistence.ItemCompleted
	if err != nil {
		status = persistence.ItemFailed
	} else {
		outcome = "completed"
	}
	for _, item := range batch {
		c.finish(ctx, item, status)
	}
	c.log.Debug("learner batch settled", "size", len(batch), "status", status)
}

// drainLearner flushes until the buffer is empty and the learner is idle.
// Used before the session identity changes or ends.
func (c *Coordinator) drainLearner(ctx context.Context) error {
	for {
		if err := c.reg.WaitIdle(ctx, agent.RoleLearner); err != nil {
			return err
		}
		c.mu.Lock()
		n := len(c.buffer)
		c.mu.Unlock()
		if n == 0 {
			return nil
		}
		c.flushLearner(ctx)
	}
}
