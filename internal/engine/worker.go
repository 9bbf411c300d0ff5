package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/go-cortex/internal/agent"
	"github.com/basket/go-cortex/internal/bus"
	cortexotel "github.com/basket/go-cortex/internal/otel"
	"github.com/basket/go-cortex/internal/shared"
)

// invoke runs one role invocation to completion. The caller must hold the
// role's busy flag and hand res.Token and res.CostUSD to settle afterwards,
// whatever the outcome. started, when set, sees the live invocation before
// its events are drained.
func (c *Coordinator) invoke(ctx context.Context, role agent.Role, token agent.Token, prompt string, started func(agent.Invocation)) (agent.Result, error) {
	rc, ok := c.reg.Config(role)
	if !ok {
		return agent.Result{}, errDisabled(role)
	}
	sessionID := c.session()
	ctx = shared.WithRole(ctx, string(role))
	ctx = shared.WithSessionID(ctx, sessionID)
	ctx, span := cortexotel.StartClientSpan(ctx, c.tracer, "worker."+string(role),
		cortexotel.AttrSessionID.String(sessionID),
		cortexotel.AttrRole.String(string(role)),
		cortexotel.AttrModel.String(rc.Model),
	)
	defer span.End()

	start := time.Now()
	res, err := c.run(ctx, agent.Request{Config: rc, Prompt: prompt, Resume: token}, started)
	elapsed := time.Since(start)

	outcome := "success"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		cortexotel.AttrOutcome.String(outcome),
		cortexotel.AttrCostUSD.Float64(res.CostUSD),
	)
	attrs := metric.WithAttributes(
		attribute.String("role", string(role)),
		attribute.String("outcome", outcome),
	)
	c.metrics.WorkerInvocations.Add(ctx, 1, attrs)
	c.metrics.WorkerDuration.Record(ctx, elapsed.Seconds(), attrs)
	if res.CostUSD > 0 {
		c.metrics.WorkerCost.Add(ctx, res.CostUSD, metric.WithAttributes(attribute.String("role", string(role))))
	}

	log := c.log.With("role", role, "session_id", sessionID)
	if err != nil {
		log.Warn("worker invocation failed",
			"error", err,
			"error_class", ClassifyError(err),
			"cost_usd", res.CostUSD,
			"duration_ms", elapsed.Milliseconds(),
		)
		return res, err
	}
	log.Debug("worker invocation settled",
		"cost_usd", res.CostUSD,
		"turns", res.Turns,
		"output_chars", len(res.Output),
		"duration_ms", elapsed.Milliseconds(),
	)
	return res, nil
}

func (c *Coordinator) run(ctx context.Context, req agent.Request, started func(agent.Invocation)) (agent.Result, error) {
	if started == nil {
		return agent.Run(ctx, c.backend, req)
	}
	inv, err := c.backend.Invoke(ctx, req)
	if err != nil {
		return agent.Result{Status: agent.StatusError, Error: err.Error()}, fmt.Errorf("invoke %s: %w", req.Config.Role, err)
	}
	started(inv)
	res, err := agent.Collect(ctx, inv)
	if err != nil {
		return res, fmt.Errorf("collect %s: %w", req.Config.Role, err)
	}
	if res.Status != agent.StatusSuccess {
		return res, fmt.Errorf("%s returned %s: %s", req.Config.Role, res.Status, res.Error)
	}
	return res, nil
}

// settle releases the busy flag and then consults the budget governor. It
// runs on every path out of an invocation.
func (c *Coordinator) settle(role agent.Role, res agent.Result, outcome string, elapsed time.Duration) {
	c.reg.Release(role, res.Token, res.CostUSD)
	c.bus.Publish(bus.TopicWorkerSettled, bus.WorkerSettledEvent{
		SessionID: c.session(),
		Role:      string(role),
		Outcome:   outcome,
		CostUSD:   res.CostUSD,
		Duration:  elapsed.Seconds(),
	})
	if c.budget.Add(role, res.CostUSD) {
		c.onExhausted()
	}
}
