package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all engine metric instruments.
type Metrics struct {
	TasksStarted     metric.Int64Counter
	TaskDuration     metric.Float64Histogram
	StageDuration    metric.Float64Histogram
	EventsEmitted    metric.Int64Counter
	ActivePermits    metric.Int64UpDownCounter
	PermitSaturation metric.Int64Counter
	ActiveTasks      metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksStarted, err = meter.Int64Counter("mgx.task.started",
		metric.WithDescription("Tasks dispatched to the pipeline"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("mgx.task.duration",
		metric.WithDescription("Task run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StageDuration, err = meter.Float64Histogram("mgx.stage.duration",
		metric.WithDescription("Pipeline stage duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsEmitted, err = meter.Int64Counter("mgx.events.emitted",
		metric.WithDescription("Events published on the task bus"),
	)
	if err != nil {
		return nil, err
	}

	m.ActivePermits, err = meter.Int64UpDownCounter("mgx.ratelimit.active",
		metric.WithDescription("Rate limiter permits currently held"),
	)
	if err != nil {
		return nil, err
	}

	m.PermitSaturation, err = meter.Int64Counter("mgx.ratelimit.saturation",
		metric.WithDescription("Times the rate limiter reached capacity"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTasks, err = meter.Int64UpDownCounter("mgx.task.active",
		metric.WithDescription("Tasks currently running a pipeline"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
