// Package session holds short-lived, bounded conversation history in memory.
//
// Conversations must be created explicitly before messages can be appended;
// reading an unknown conversation yields an empty history. Each conversation
// has its own mutex so appends to one id are totally ordered while distinct
// ids proceed in parallel. Idle conversations are removed by Sweep.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hpungsan/chatrelay/internal/clock"
	"github.com/hpungsan/chatrelay/internal/errors"
)

// Roles accepted by Append.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultHistoryLimit is the number of messages History returns when the
// caller does not ask for a specific count.
const DefaultHistoryLimit = 10

// Config holds the store's limits.
type Config struct {
	// MaxHistory is the most messages kept per conversation. Oldest messages
	// are dropped first.
	MaxHistory int
	// IdleTimeout is how long a conversation may go untouched before Sweep
	// removes it.
	IdleTimeout time.Duration
	// SweepInterval is how often the owning sweeper should call Sweep.
	SweepInterval time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxHistory:    50,
		IdleTimeout:   30 * time.Minute,
		SweepInterval: 10 * time.Minute,
	}
}

// Message is a stored conversation entry.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Turn is a message as handed to the upstream model, without timestamps.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Info is conversation metadata.
type Info struct {
	ID             string    `json:"id"`
	MessageCount   int       `json:"message_count"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type conversation struct {
	mu             sync.Mutex
	id             string
	messages       []Message
	createdAt      time.Time
	lastActivityAt time.Time
	evicted        bool // set under mu when removed from the map
}

// Store is an in-memory conversation store. It is safe for concurrent use.
type Store struct {
	cfg   Config
	clock clock.Clock

	mu     sync.RWMutex
	convos map[string]*conversation
}

// New creates a Store. Non-positive limits are configuration errors.
func New(cfg Config, clk clock.Clock) (*Store, error) {
	if cfg.MaxHistory <= 0 {
		return nil, errors.NewInvalidConfig("session.max_history", "must be > 0")
	}
	if cfg.IdleTimeout <= 0 {
		return nil, errors.NewInvalidConfig("session.idle_timeout_ms", "must be > 0")
	}
	if cfg.SweepInterval <= 0 {
		return nil, errors.NewInvalidConfig("session.sweep_interval_ms", "must be > 0")
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Store{
		cfg:    cfg,
		clock:  clk,
		convos: make(map[string]*conversation),
	}, nil
}

// Config returns the store's configuration.
func (s *Store) Config() Config { return s.cfg }

// Create starts a new, empty conversation and returns its id.
func (s *Store) Create() string {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	for s.convos[id] != nil {
		id = uuid.NewString()
	}
	s.convos[id] = &conversation{
		id:             id,
		createdAt:      now,
		lastActivityAt: now,
	}
	return id
}

// Append records a message on an existing conversation and trims history to
// MaxHistory. Unknown ids fail with NOT_FOUND; roles other than user and
// assistant fail with a validation error.
func (s *Store) Append(id, role, content string) (Message, error) {
	if role != RoleUser && role != RoleAssistant {
		return Message{}, errors.NewInvalidRequest(fmt.Sprintf("role must be %q or %q, got %q", RoleUser, RoleAssistant, role))
	}
	msgs, err := s.appendAll(id, Turn{Role: role, Content: content})
	if err != nil {
		return Message{}, err
	}
	return msgs[0], nil
}

// AppendExchange records a user message and the assistant's reply as one
// unit: no other append on the same conversation can land between them.
func (s *Store) AppendExchange(id, user, assistant string) (Message, Message, error) {
	msgs, err := s.appendAll(id,
		Turn{Role: RoleUser, Content: user},
		Turn{Role: RoleAssistant, Content: assistant},
	)
	if err != nil {
		return Message{}, Message{}, err
	}
	return msgs[0], msgs[1], nil
}

// appendAll stores turns in order under a single hold of the conversation
// lock, then trims to MaxHistory.
func (s *Store) appendAll(id string, turns ...Turn) ([]Message, error) {
	c := s.lookup(id)
	if c == nil {
		return nil, errors.NewNotFound(id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.evicted {
		return nil, errors.NewNotFound(id)
	}

	now := s.clock.Now()
	out := make([]Message, 0, len(turns))
	for _, t := range turns {
		ts := now
		// Timestamps within a conversation are strictly increasing even when
		// the clock does not advance between appends.
		if n := len(c.messages); n > 0 && !ts.After(c.messages[n-1].Timestamp) {
			ts = c.messages[n-1].Timestamp.Add(time.Nanosecond)
		}
		msg := Message{Role: t.Role, Content: t.Content, Timestamp: ts}
		c.messages = append(c.messages, msg)
		c.touch(ts)
		out = append(out, msg)
	}

	if excess := len(c.messages) - s.cfg.MaxHistory; excess > 0 {
		c.messages = c.messages[excess:]
	}
	return out, nil
}

// History returns up to limit of the most recent messages, oldest first.
// A non-positive limit means DefaultHistoryLimit. Unknown ids yield an empty
// slice. Reading refreshes the conversation's activity time.
func (s *Store) History(id string, limit int) []Turn {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	c := s.lookup(id)
	if c == nil {
		return []Turn{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.evicted {
		return []Turn{}
	}
	c.touch(s.clock.Now())

	msgs := c.messages
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	turns := make([]Turn, len(msgs))
	for i, m := range msgs {
		turns[i] = Turn{Role: m.Role, Content: m.Content}
	}
	return turns
}

// Messages returns a copy of every retained message with timestamps. It does
// not refresh activity.
func (s *Store) Messages(id string) ([]Message, bool) {
	c := s.lookup(id)
	if c == nil {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.evicted {
		return nil, false
	}
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out, true
}

// Info returns conversation metadata. It does not refresh activity, so
// observing a conversation never extends its lifetime.
func (s *Store) Info(id string) (Info, bool) {
	c := s.lookup(id)
	if c == nil {
		return Info{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.evicted {
		return Info{}, false
	}
	return Info{
		ID:             c.id,
		MessageCount:   len(c.messages),
		CreatedAt:      c.createdAt,
		LastActivityAt: c.lastActivityAt,
	}, true
}

// Delete ends a conversation. Returns false if it did not exist.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convos[id]
	if !ok {
		return false
	}
	c.mu.Lock()
	c.evicted = true
	c.mu.Unlock()
	delete(s.convos, id)
	return true
}

// Sweep removes conversations idle for longer than IdleTimeout as of now.
// The map lock is taken once per candidate, never for the whole pass.
// Returns the number removed.
func (s *Store) Sweep(now time.Time) int {
	s.mu.RLock()
	ids := make([]string, 0, len(s.convos))
	for id := range s.convos {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	removed := 0
	for _, id := range ids {
		s.mu.Lock()
		if c, ok := s.convos[id]; ok {
			c.mu.Lock()
			if now.Sub(c.lastActivityAt) > s.cfg.IdleTimeout {
				c.evicted = true
				delete(s.convos, id)
				removed++
			}
			c.mu.Unlock()
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of live conversations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.convos)
}

func (s *Store) lookup(id string) *conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.convos[id]
}

// touch advances lastActivityAt. Must be called with c.mu held.
func (c *conversation) touch(now time.Time) {
	if now.After(c.lastActivityAt) {
		c.lastActivityAt = now
	}
}
