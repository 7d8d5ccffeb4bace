// Package sweep runs periodic eviction passes over the relay's in-memory
// stores.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hpungsan/chatrelay/internal/clock"
	"github.com/hpungsan/chatrelay/internal/errors"
)

// Target is a store that can evict its expired entries. Implementations
// must lock per entry rather than across the whole pass.
type Target interface {
	Sweep(now time.Time) int
}

// TargetFunc adapts a function to Target.
type TargetFunc func(now time.Time) int

// Sweep calls f(now).
func (f TargetFunc) Sweep(now time.Time) int { return f(now) }

// Sweeper calls Target.Sweep on a fixed interval until stopped.
type Sweeper struct {
	name     string
	interval time.Duration
	target   Target
	clock    clock.Clock
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates a Sweeper. A non-positive interval is a configuration error.
// A nil clock uses the system clock and a nil logger uses slog.Default.
func New(name string, interval time.Duration, target Target, clk clock.Clock, logger *slog.Logger) (*Sweeper, error) {
	if interval <= 0 {
		return nil, errors.NewInvalidConfig(fmt.Sprintf("sweep.%s.interval", name), "must be > 0")
	}
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		name:     name,
		interval: interval,
		target:   target,
		clock:    clk,
		logger: logger.With(
			slog.String("component", "sweep"),
			slog.String("store", name),
		),
	}, nil
}

// Start begins sweeping in a background goroutine. Calling Start on a
// running Sweeper is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.run(sweepCtx)
}

// Stop cancels the background goroutine and waits for it to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done
}

// IsRunning reports whether the background goroutine is active.
func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunOnce performs a single sweep and returns the number of evicted entries.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	start := time.Now()
	removed := s.target.Sweep(s.clock.Now())

	if removed > 0 {
		s.logger.InfoContext(ctx, "evicted idle entries",
			slog.Int("removed", removed),
			slog.Duration("duration", time.Since(start)),
		)
	}
	return removed
}

func (s *Sweeper) run(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.running = false
		close(s.done)
		s.mu.Unlock()
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.DebugContext(ctx, "sweeper stopping")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}
