package engine

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/go-cortex/internal/agent"
	"github.com/basket/go-cortex/internal/payload"
	"github.com/basket/go-cortex/internal/persistence"
	"github.com/basket/go-cortex/internal/shared"
)

// pollOnce claims a batch for the active session, then fills the rest of
// the claim limit from retired sessions, and routes each item in claim
// order. Once shutdown begins the rest of the batch is left to the shutdown
// path, which fails it.
func (c *Coordinator) pollOnce(ctx context.Context) {
	if !c.running.Load() || c.stopping.Load() {
		return
	}
	var items []persistence.WorkItem
	for _, sessionID := range c.claimSessions() {
		room := c.policy.ClaimLimit - len(items)
		if room <= 0 {
			break
		}
		batch, err := c.store.ClaimBatch(ctx, sessionID, c.owner, room)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.log.Warn("claim batch failed", "session_id", sessionID, "error", err)
			}
			break
		}
		items = append(items, batch...)
	}
	if len(items) == 0 {
		return
	}
	c.metrics.ItemsClaimed.Add(ctx, int64(len(items)))
	c.log.Debug("claimed items", "session_id", c.session(), "count", len(items))

	for _, item := range items {
		if c.stopping.Load() {
			return
		}
		c.handle(ctx, item)
	}
}

// handle routes one item. Any error or panic fails that item only.
func (c *Coordinator) handle(ctx context.Context, item persistence.WorkItem) {
	ctx = shared.WithItemID(ctx, item.ID)
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	log := c.log.With("item_id", item.ID, "kind", item.Kind, "session_id", item.SessionID,
		"trace_id", shared.TraceID(ctx))

	defer func() {
		if r := recover(); r != nil {
			log.Error("item handler panic", "panic", r)
			c.finish(ctx, item, persistence.ItemFailed)
		}
	}()

	if item.Kind.Known() {
		if err := payload.Validate(item.Kind, item.Payload); err != nil {
			log.Warn("rejecting item with invalid payload", "error", err)
			c.finish(ctx, item, persistence.ItemFailed)
			return
		}
	}
	if err := c.route(ctx, item); err != nil {
		log.Warn("item handler failed", "error", err)
		c.finish(ctx, item, persistence.ItemFailed)
	}
}

// route dispatches on the closed set of item kinds. Handlers that settle
// the item asynchronously return nil once the work is handed off.
func (c *Coordinator) route(ctx context.Context, item persistence.WorkItem) error {
	if item.SessionID != c.session() && retiredNoop(item.Kind) {
		c.log.Debug("completing item of a retired session", "item_id", item.ID, "kind", item.Kind,
			"session_id", item.SessionID)
		c.finish(ctx, item, persistence.ItemCompleted)
		return nil
	}
	switch item.Kind {
	case persistence.KindQuery:
		return c.routeQuery(ctx, item)
	case persistence.KindObservation:
		return c.enqueueObservation(ctx, item)
	case persistence.KindMaintenanceTrigger:
		return c.routeMaintenance(ctx, item)
	case persistence.KindCompactionTrigger:
		return c.routeCompaction(ctx, item)
	case persistence.KindReset:
		return c.routeReset(ctx, item)
	case persistence.KindLifecycleEvent:
		return c.routeLifecycle(ctx, item)
	default:
		c.log.Debug("completing item of unknown kind", "item_id", item.ID, "kind", item.Kind)
		c.finish(ctx, item, persistence.ItemCompleted)
		return nil
	}
}

// retiredNoop reports kinds that act on the live identity only. A retired
// session had its final compaction at reset, so these complete unhandled.
func retiredNoop(kind persistence.ItemKind) bool {
	switch kind {
	case persistence.KindCompactionTrigger, persistence.KindReset, persistence.KindLifecycleEvent:
		return true
	}
	return false
}

func (c *Coordinator) routeMaintenance(ctx context.Context, item persistence.WorkItem) error {
	var m payload.Maintenance
	if err := payload.Decode(item.Kind, item.Payload, &m); err != nil {
		return err
	}
	if !c.reg.Enabled(agent.RoleCurator) {
		c.log.Info("maintenance trigger ignored: curator disabled", "item_id", item.ID)
		c.finish(ctx, item, persistence.ItemCompleted)
		return nil
	}
	reason := m.Reason
	if reason == "" {
		reason = "trigger"
	}
	if !c.startCurator(ctx, &item, reason) {
		c.requeue(ctx, item, agent.RoleCurator)
	}
	return nil
}

func (c *Coordinator) routeCompaction(ctx context.Context, item persistence.WorkItem) error {
	var cp payload.Compaction
	if err := payload.Decode(item.Kind, item.Payload, &cp); err != nil {
		return err
	}
	if !c.reg.Enabled(agent.RoleCompactor) || c.transcript() == "" {
		c.log.Info("compaction trigger ignored: no compactor or transcript", "item_id", item.ID)
		c.finish(ctx, item, persistence.ItemCompleted)
		return nil
	}
	if !c.maybeCompact(ctx, &item) {
		c.requeue(ctx, item, agent.RoleCompactor)
	}
	return nil
}

func (c *Coordinator) routeReset(ctx context.Context, item persistence.WorkItem) error {
	var r payload.Reset
	if err := payload.Decode(item.Kind, item.Payload, &r); err != nil {
		return err
	}
	return c.resetSession(ctx, item, r)
}

func (c *Coordinator) routeLifecycle(ctx context.Context, item persistence.WorkItem) error {
	var l payload.Lifecycle
	if err := payload.Decode(item.Kind, item.Payload, &l); err != nil {
		return err
	}
	if l.Event != payload.LifecycleEnd {
		c.log.Debug("lifecycle event noted", "event", l.Event, "item_id", item.ID)
		c.finish(ctx, item, persistence.ItemCompleted)
		return nil
	}
	c.log.Info("session end received; draining learner", "session_id", item.SessionID)
	if err := c.drainLearner(ctx); err != nil {
		c.log.Warn("learner drain interrupted", "error", err)
	}
	c.finish(ctx, item, persistence.ItemCompleted)
	c.requestShutdown(ReasonEnd)
	return nil
}

// finish moves an item to a terminal status. Errors are logged: the item is
// either settled already or will be failed by shutdown.
func (c *Coordinator) finish(ctx context.Context, item persistence.WorkItem, status persistence.ItemStatus) {
	if err := c.store.SetStatus(ctx, item.ID, status); err != nil {
		level := c.log.Warn
		if c.stopping.Load() {
			level = c.log.Debug
		}
		level("settle item failed", "item_id", item.ID, "status", status, "error", err)
		return
	}
	c.metrics.ItemsSettled.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(item.Kind)),
		attribute.String("status", string(status)),
	))
}

// requeue returns an item to pending because role was busy.
func (c *Coordinator) requeue(ctx context.Context, item persistence.WorkItem, role agent.Role) {
	if err := c.store.Requeue(ctx, item.ID); err != nil {
		c.log.Warn("requeue failed", "item_id", item.ID, "error", err)
		return
	}
	c.metrics.ItemsRequeued.Add(ctx, 1, metric.WithAttributes(attribute.String("role", string(role))))
	c.log.Debug("item requeued: worker busy", "item_id", item.ID, "role", role)
}

func errDisabled(role agent.Role) error {
	return fmt.Errorf("role %s is disabled", role)
}
