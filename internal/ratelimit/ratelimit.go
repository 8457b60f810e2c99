// Package ratelimit bounds concurrent downstream model calls across all
// tasks with a fixed-capacity permit gate.
package ratelimit

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Stats is a point-in-time snapshot of limiter counters.
type Stats struct {
	Active     int   `json:"active_calls"`
	Total      int64 `json:"total_calls"`
	Saturation int64 `json:"rate_limit_hits"`
	Throttled  int64 `json:"throttled_errors"`
	Capacity   int   `json:"max_concurrent_calls"`
}

// Limiter is a counting-semaphore admission gate. One Limiter is shared by
// every task in the process; the composition root constructs it and injects
// it into the pipeline.
type Limiter struct {
	capacity int
	sem      chan struct{}
	logger   *slog.Logger

	mu         sync.Mutex
	active     int
	total      int64
	saturation int64
	throttled  int64

	onAcquire   func()
	onRelease   func()
	onSaturated func()
}

// Instrument registers hooks fired on permit grant, release, and saturation.
// Set them before the limiter is shared; any hook may be nil.
func (l *Limiter) Instrument(onAcquire, onRelease, onSaturated func()) {
	l.onAcquire = onAcquire
	l.onRelease = onRelease
	l.onSaturated = onSaturated
}

// New creates a Limiter admitting at most capacity concurrent holders.
func New(capacity int, logger *slog.Logger) *Limiter {
	if capacity <= 0 {
		capacity = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		capacity: capacity,
		sem:      make(chan struct{}, capacity),
		logger:   logger,
	}
}

// Acquire blocks until a permit is available or ctx ends. The returned
// release function is idempotent and must be called on every exit path.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	l.mu.Lock()
	l.active++
	l.total++
	saturated := l.active >= l.capacity
	if saturated {
		l.saturation++
		l.logger.Warn("model call limit reached; new calls will wait",
			"active", l.active, "capacity", l.capacity)
	}
	l.mu.Unlock()
	if l.onAcquire != nil {
		l.onAcquire()
	}
	if saturated && l.onSaturated != nil {
		l.onSaturated()
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			l.active--
			l.mu.Unlock()
			<-l.sem
			if l.onRelease != nil {
				l.onRelease()
			}
		})
	}
	return release, nil
}

// Observe classifies an error raised while holding a permit. Throttling-class
// failures are counted; the error is returned unchanged either way.
func (l *Limiter) Observe(err error) error {
	if err == nil {
		return nil
	}
	if IsThrottled(err) {
		l.mu.Lock()
		l.throttled++
		throttled := l.throttled
		active := l.active
		l.mu.Unlock()
		l.logger.Error("downstream throttled the call",
			"throttled_total", throttled, "active", active, "capacity", l.capacity)
	}
	return err
}

// IsThrottled reports whether the error message indicates a throttling
// response from the downstream collaborator.
func IsThrottled(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests")
}

// Stats returns the current counter snapshot.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Active:     l.active,
		Total:      l.total,
		Saturation: l.saturation,
		Throttled:  l.throttled,
		Capacity:   l.capacity,
	}
}
