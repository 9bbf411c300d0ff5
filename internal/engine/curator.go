package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/go-cortex/internal/agent"
	"github.com/basket/go-cortex/internal/bus"
	"github.com/basket/go-cortex/internal/payload"
	"github.com/basket/go-cortex/internal/persistence"
)

// startCurator launches one maintenance pass unless the curator is already
// running. item, when set, is completed after the pass whatever its outcome.
func (c *Coordinator) startCurator(ctx context.Context, item *persistence.WorkItem, reason string) bool {
	token, ok := c.reg.TryAcquire(agent.RoleCurator)
	if !ok {
		c.metrics.BusyRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("role", string(agent.RoleCurator))))
		return false
	}
	c.goWorker(ctx, func(ctx context.Context) {
		c.curate(ctx, token, reason)
		if item != nil {
			c.finish(ctx, *item, persistence.ItemCompleted)
		}
	})
	return true
}

func (c *Coordinator) curate(ctx context.Context, token agent.Token, reason string) {
	start := time.Now()
	var res agent.Result
	outcome := "failed"
	defer func() {
		c.settle(agent.RoleCurator, res, outcome, time.Since(start))
	}()

	res, err := c.invoke(ctx, agent.RoleCurator, token, curatorPrompt(reason), nil)
	if err != nil {
		return
	}
	outcome = "completed"
	report := payload.ParseCuratorReport(res.Output)
	sessionID := c.session()
	c.log.Info("curator pass finished",
		"session_id", sessionID,
		"reason", reason,
		"merged", report.Merged,
		"demoted", report.Demoted,
		"contradictions", report.Contradictions,
		"consolidated", report.Consolidated,
		"structured", report.Structured,
	)
	c.bus.Publish(bus.TopicCuratorReport, bus.CuratorReportEvent{
		SessionID: sessionID,
		Report:    report.String(),
	})
}
