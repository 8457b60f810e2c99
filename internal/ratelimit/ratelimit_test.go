package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLimiter_CapacityNeverExceeded(t *testing.T) {
	const capacity = 3
	const callers = 10

	l := New(capacity, nil)

	var active, peak int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background())
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			defer release()

			now := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if now <= p || atomic.CompareAndSwapInt32(&peak, p, now) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()

	if p := atomic.LoadInt32(&peak); p > capacity {
		t.Fatalf("peak concurrent holders = %d, want <= %d", p, capacity)
	}
	st := l.Stats()
	if st.Total != callers {
		t.Fatalf("Total = %d, want %d", st.Total, callers)
	}
	if st.Active != 0 {
		t.Fatalf("Active after all released = %d, want 0", st.Active)
	}
	if st.Saturation == 0 {
		t.Fatal("expected at least one saturation hit with excess callers")
	}
}

func TestLimiter_AcquireHonorsContext(t *testing.T) {
	l := New(1, nil)
	release, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("blocked Acquire = %v, want deadline exceeded", err)
	}
}

func TestLimiter_ReleaseIdempotent(t *testing.T) {
	l := New(1, nil)
	release, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release()
	release() // second call must be a no-op

	if st := l.Stats(); st.Active != 0 {
		t.Fatalf("Active = %d, want 0", st.Active)
	}
	// Capacity must still be 1 permit, not 2.
	r2, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}
	defer r2()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx); err == nil {
		t.Fatal("expected second Acquire to block after double release")
	}
}

func TestObserve_CountsThrottledOnly(t *testing.T) {
	l := New(2, nil)

	if err := l.Observe(errors.New("HTTP 429 Too Many Requests")); err == nil {
		t.Fatal("Observe must return the error unchanged")
	}
	_ = l.Observe(errors.New("rate limit exceeded"))
	_ = l.Observe(errors.New("connection refused"))
	_ = l.Observe(nil)

	if st := l.Stats(); st.Throttled != 2 {
		t.Fatalf("Throttled = %d, want 2", st.Throttled)
	}
}

func TestIsThrottled(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"HTTP 429", true},
		{"Rate Limit hit", true},
		{"too many requests", true},
		{"boom", false},
	}
	for _, tc := range cases {
		if got := IsThrottled(errors.New(tc.msg)); got != tc.want {
			t.Fatalf("IsThrottled(%q) = %t, want %t", tc.msg, got, tc.want)
		}
	}
}

func TestLimiter_InstrumentHooks(t *testing.T) {
	l := New(2, nil)

	var acquires, releases, saturations atomic.Int32
	l.Instrument(
		func() { acquires.Add(1) },
		func() { releases.Add(1) },
		func() { saturations.Add(1) },
	)

	r1, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := acquires.Load(); got != 1 {
		t.Fatalf("acquire hook fired %d times, want 1", got)
	}
	if got := saturations.Load(); got != 0 {
		t.Fatalf("saturation hook fired %d times, want 0", got)
	}

	// The second permit fills the gate and must report saturation.
	r2, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if got := saturations.Load(); got != 1 {
		t.Fatalf("saturation hook fired %d times, want 1", got)
	}

	r1()
	r2()
	r2() // idempotent release must not re-fire the hook

	if got := acquires.Load(); got != 2 {
		t.Fatalf("acquire hook fired %d times, want 2", got)
	}
	if got := releases.Load(); got != 2 {
		t.Fatalf("release hook fired %d times, want 2", got)
	}
}
