package ratelimit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hpungsan/chatrelay/internal/clock"
	"github.com/hpungsan/chatrelay/internal/errors"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestLimiter(t *testing.T, capacity int, window time.Duration) (*Limiter, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(epoch)
	l, err := New("test", Config{Capacity: capacity, Window: window}, clk)
	require.NoError(t, err)
	return l, clk
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "negative capacity", cfg: Config{Capacity: -1, Window: time.Minute}},
		{name: "zero window", cfg: Config{Capacity: 5, Window: 0}},
		{name: "negative window", cfg: Config{Capacity: 5, Window: -time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New("chat", tt.cfg, nil)
			if !errors.Is(err, errors.ErrInvalidConfig) {
				t.Fatalf("New() error = %v, want INVALID_CONFIG", err)
			}
		})
	}
}

func TestCheck_TwentyPerMinuteScenario(t *testing.T) {
	l, _ := newTestLimiter(t, 20, 60*time.Second)

	allowed, rejected := 0, 0
	for i := 0; i < 25; i++ {
		d := l.Check("ip-1")
		if d.Allowed {
			allowed++
			if rejected > 0 {
				t.Fatalf("call %d allowed after a rejection", i+1)
			}
			continue
		}
		rejected++
		if d.RetryAfterSeconds != 60 {
			t.Errorf("call %d RetryAfterSeconds = %d, want 60", i+1, d.RetryAfterSeconds)
		}
	}

	if allowed != 20 || rejected != 5 {
		t.Fatalf("allowed=%d rejected=%d, want 20/5", allowed, rejected)
	}
}

func TestCheck_RemainingCountsDown(t *testing.T) {
	l, _ := newTestLimiter(t, 3, time.Minute)

	for want := 2; want >= 0; want-- {
		d := l.Check("a")
		require.True(t, d.Allowed)
		require.Equal(t, want, d.Remaining)
		require.Equal(t, 3, d.Limit)
		require.Equal(t, epoch.Add(time.Minute), d.ResetAt)
	}

	d := l.Check("a")
	require.False(t, d.Allowed)
	require.Equal(t, 0, d.Remaining)
}

func TestCheck_ResetsAfterWindow(t *testing.T) {
	l, clk := newTestLimiter(t, 2, time.Minute)

	l.Check("a")
	l.Check("a")
	for i := 0; i < 10; i++ {
		if l.Check("a").Allowed {
			t.Fatal("expected rejection before reset")
		}
	}

	clk.Advance(time.Minute)
	d := l.Check("a")
	if !d.Allowed {
		t.Fatal("expected admission once the reset time is reached")
	}
	if d.Remaining != 1 {
		t.Errorf("Remaining = %d, want 1", d.Remaining)
	}
	if !d.ResetAt.Equal(epoch.Add(2 * time.Minute)) {
		t.Errorf("ResetAt = %v, want %v", d.ResetAt, epoch.Add(2*time.Minute))
	}
}

func TestCheck_RetryAfterDecreases(t *testing.T) {
	l, clk := newTestLimiter(t, 1, 10*time.Second)
	l.Check("a")

	prev := 1 << 30
	for i := 0; i < 11; i++ {
		d := l.Check("a")
		require.False(t, d.Allowed)
		require.GreaterOrEqual(t, d.RetryAfterSeconds, 0)
		require.LessOrEqual(t, d.RetryAfterSeconds, prev)
		prev = d.RetryAfterSeconds
		clk.Advance(900 * time.Millisecond)
	}
	require.Equal(t, 1, prev)
}

func TestCheck_RetryAfterRoundsUp(t *testing.T) {
	l, clk := newTestLimiter(t, 1, 2*time.Second)
	l.Check("a")

	clk.Advance(1500 * time.Millisecond)
	d := l.Check("a")
	if d.RetryAfterSeconds != 1 {
		t.Errorf("RetryAfterSeconds = %d, want 1 (ceil of 0.5s)", d.RetryAfterSeconds)
	}
}

func TestCheck_ZeroCapacityRejectsEverything(t *testing.T) {
	l, _ := newTestLimiter(t, 0, 30*time.Second)

	for i := 0; i < 5; i++ {
		d := l.Check("a")
		if d.Allowed {
			t.Fatalf("call %d allowed with zero capacity", i+1)
		}
		if d.RetryAfterSeconds != 30 {
			t.Errorf("RetryAfterSeconds = %d, want 30", d.RetryAfterSeconds)
		}
	}
}

func TestCheck_IdentitiesAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, 1, time.Minute)

	require.True(t, l.Check("a").Allowed)
	require.False(t, l.Check("a").Allowed)
	require.True(t, l.Check("b").Allowed)
}

func TestCheck_ConcurrentSameIdentity(t *testing.T) {
	const capacity = 50
	l, _ := newTestLimiter(t, capacity, time.Hour)

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 400; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check("hot").Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != capacity {
		t.Fatalf("allowed = %d, want exactly %d", got, capacity)
	}
}

func TestCheck_ConcurrentWithSweep(t *testing.T) {
	const capacity = 10
	l, clk := newTestLimiter(t, capacity, time.Minute)

	// Expire a populated window so the sweeper and checkers race on it.
	l.Check("hot")
	clk.Advance(time.Minute)

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check("hot").Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			l.Sweep(clk.Now())
		}
	}()
	wg.Wait()

	// The clock does not move, so the fresh window's reset is in the
	// future and at most one window's worth of capacity can be spent.
	if got := allowed.Load(); got > capacity {
		t.Fatalf("allowed = %d, want <= %d", got, capacity)
	}
}

func TestStatus_DoesNotSpend(t *testing.T) {
	l, _ := newTestLimiter(t, 2, time.Minute)

	d := l.Status("a")
	require.True(t, d.Allowed)
	require.Equal(t, 2, d.Remaining)
	require.Equal(t, 0, l.Len())

	l.Check("a")
	l.Check("a")
	d = l.Status("a")
	require.False(t, d.Allowed)
	require.Equal(t, 60, d.RetryAfterSeconds)
	require.False(t, l.Check("a").Allowed)
}

func TestStatus_ZeroCapacityReportsRetryAfter(t *testing.T) {
	l, clk := newTestLimiter(t, 0, 30*time.Second)

	d := l.Status("unseen")
	require.False(t, d.Allowed)
	require.Equal(t, 30, d.RetryAfterSeconds)
	require.Equal(t, 0, l.Len())

	l.Check("a")
	clk.Advance(31 * time.Second)
	d = l.Status("a")
	require.False(t, d.Allowed)
	require.Equal(t, 30, d.RetryAfterSeconds)
}

func TestSweep_RemovesOnlyExpiredWindows(t *testing.T) {
	l, clk := newTestLimiter(t, 5, time.Minute)

	l.Check("old")
	clk.Advance(30 * time.Second)
	l.Check("new")
	require.Equal(t, 2, l.Len())

	require.Equal(t, 0, l.Sweep(clk.Now()))

	clk.Advance(30 * time.Second)
	require.Equal(t, 1, l.Sweep(clk.Now()))
	require.Equal(t, 1, l.Len())

	// "new" keeps its partially spent window.
	require.Equal(t, 3, l.Check("new").Remaining)
}

func TestSweep_EmptyIsNoop(t *testing.T) {
	l, clk := newTestLimiter(t, 5, time.Minute)
	if n := l.Sweep(clk.Now()); n != 0 {
		t.Errorf("Sweep() = %d, want 0", n)
	}
}

func TestCeilSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int
	}{
		{in: -time.Second, want: 0},
		{in: 0, want: 0},
		{in: time.Nanosecond, want: 1},
		{in: time.Second, want: 1},
		{in: 1001 * time.Millisecond, want: 2},
		{in: time.Minute, want: 60},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.in), func(t *testing.T) {
			if got := ceilSeconds(tt.in); got != tt.want {
				t.Errorf("ceilSeconds(%v) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}
