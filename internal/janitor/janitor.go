// Package janitor evicts finished tasks from memory on a cron schedule so the
// event buffers and state maps of long-dead tasks do not accumulate forever.
package janitor

import (
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// janitorParser accepts standard 5-field cron expressions plus descriptors
// like "@every 10m" and "@hourly".
var janitorParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Evictor removes terminal tasks completed before the cutoff and returns
// the ids it removed.
type Evictor interface {
	EvictTerminalBefore(cutoff time.Time) []string
}

// Config holds the dependencies for the janitor.
type Config struct {
	Evictor   Evictor
	Logger    *slog.Logger
	Schedule  string        // cron expression or descriptor; defaults to "@every 10m"
	Retention time.Duration // how long terminal tasks stay queryable; defaults to 1 hour
}

// Janitor runs periodic retention sweeps against the task runner.
type Janitor struct {
	evictor   Evictor
	logger    *slog.Logger
	retention time.Duration
	cron      *cronlib.Cron
}

// New creates a Janitor with the given config. The schedule is validated
// eagerly so a bad expression fails at startup rather than silently never
// firing.
func New(cfg Config) (*Janitor, error) {
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "@every 10m"
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	j := &Janitor{
		evictor:   cfg.Evictor,
		logger:    logger.With("component", "janitor"),
		retention: retention,
		cron:      cronlib.New(cronlib.WithParser(janitorParser)),
	}
	if _, err := j.cron.AddFunc(schedule, j.Sweep); err != nil {
		return nil, fmt.Errorf("janitor schedule %q: %w", schedule, err)
	}
	return j, nil
}

// Start runs an immediate sweep, then begins the cron loop in the background.
func (j *Janitor) Start() {
	j.Sweep()
	j.cron.Start()
	j.logger.Info("janitor started", "retention", j.retention)
}

// Stop halts the cron loop and waits for an in-flight sweep to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	j.logger.Info("janitor stopped")
}

// Sweep evicts every terminal task that completed longer ago than the
// retention window.
func (j *Janitor) Sweep() {
	cutoff := time.Now().Add(-j.retention)
	evicted := j.evictor.EvictTerminalBefore(cutoff)
	if len(evicted) > 0 {
		j.logger.Info("retention sweep", "evicted", len(evicted), "cutoff", cutoff.UTC().Format(time.RFC3339))
	}
}
