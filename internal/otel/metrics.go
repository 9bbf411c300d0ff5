package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the coordinator's metric instruments.
type Metrics struct {
	ItemsClaimed      metric.Int64Counter
	ItemsSettled      metric.Int64Counter
	ItemsRequeued     metric.Int64Counter
	WorkerInvocations metric.Int64Counter
	WorkerDuration    metric.Float64Histogram
	WorkerCost        metric.Float64Counter
	LearnerBatchSize  metric.Int64Histogram
	Compactions       metric.Int64Counter
	BusyRejections    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ItemsClaimed, err = meter.Int64Counter("cortex.items.claimed",
		metric.WithDescription("Work items claimed by the poller"),
	)
	if err != nil {
		return nil, err
	}

	m.ItemsSettled, err = meter.Int64Counter("cortex.items.settled",
		metric.WithDescription("Work items moved to a terminal status"),
	)
	if err != nil {
		return nil, err
	}

	m.ItemsRequeued, err = meter.Int64Counter("cortex.items.requeued",
		metric.WithDescription("Work items returned to pending because a worker was busy"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkerInvocations, err = meter.Int64Counter("cortex.worker.invocations",
		metric.WithDescription("Agent backend invocations per role and outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkerDuration, err = meter.Float64Histogram("cortex.worker.duration",
		metric.WithDescription("Agent backend invocation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkerCost, err = meter.Float64Counter("cortex.worker.cost",
		metric.WithDescription("Cost reported by agent invocations"),
		metric.WithUnit("USD"),
	)
	if err != nil {
		return nil, err
	}

	m.LearnerBatchSize, err = meter.Int64Histogram("cortex.learner.batch_size",
		metric.WithDescription("Observations per learner flush"),
	)
	if err != nil {
		return nil, err
	}

	m.Compactions, err = meter.Int64Counter("cortex.compactions",
		metric.WithDescription("Persisted compaction summaries"),
	)
	if err != nil {
		return nil, err
	}

	m.BusyRejections, err = meter.Int64Counter("cortex.worker.busy_rejections",
		metric.WithDescription("Requests that found their worker role busy"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
