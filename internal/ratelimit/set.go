package ratelimit

import (
	"slices"
	"time"

	"github.com/hpungsan/chatrelay/internal/clock"
)

// Well-known limiter names.
const (
	Chat   = "chat"
	Health = "health"
)

// DefaultConfigs returns the built-in limiters: a strict one for the chat
// endpoint and a lenient one for health checks.
func DefaultConfigs() map[string]Config {
	return map[string]Config{
		Chat:   {Capacity: 20, Window: time.Minute},
		Health: {Capacity: 100, Window: time.Minute},
	}
}

// Set holds independent named limiters. Limiters in a Set never share state.
type Set struct {
	limiters map[string]*Limiter
}

// NewSet builds one Limiter per entry in cfgs. The first invalid entry (in
// name order) is returned as an error.
func NewSet(cfgs map[string]Config, clk clock.Clock) (*Set, error) {
	s := &Set{limiters: make(map[string]*Limiter, len(cfgs))}
	names := make([]string, 0, len(cfgs))
	for name := range cfgs {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		l, err := New(name, cfgs[name], clk)
		if err != nil {
			return nil, err
		}
		s.limiters[name] = l
	}
	return s, nil
}

// Get returns the limiter with the given name.
func (s *Set) Get(name string) (*Limiter, bool) {
	l, ok := s.limiters[name]
	return l, ok
}

// Names returns the limiter names in sorted order.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.limiters))
	for name := range s.limiters {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Sweep sweeps every limiter in the set and returns the total removed.
func (s *Set) Sweep(now time.Time) int {
	removed := 0
	for _, l := range s.limiters {
		removed += l.Sweep(now)
	}
	return removed
}

// Len returns the number of tracked identities across all limiters.
func (s *Set) Len() int {
	n := 0
	for _, l := range s.limiters {
		n += l.Len()
	}
	return n
}
