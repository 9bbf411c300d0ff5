package engine

import "context"

// bestEffort runs fn and discards its error. Used for steps that must never
// block the primary flow: peer notification, terminal status writes during
// shutdown, failing outstanding items.
func (c *Coordinator) bestEffort(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Debug("best-effort step panicked", "step", name, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		c.log.Debug("best-effort step failed", "step", name, "error", err)
	}
}

// bestEffortAsync starts fn without waiting for it. Nothing observes the
// outcome, so it is not tracked with the worker group.
func (c *Coordinator) bestEffortAsync(ctx context.Context, name string, fn func(ctx context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	go c.bestEffort(name, func() error { return fn(ctx) })
}
