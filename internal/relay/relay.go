// Package relay is the request handler shared by every transport. It owns
// admission, message hygiene, conversation bookkeeping and the upstream call.
package relay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/hpungsan/chatrelay/internal/clock"
	"github.com/hpungsan/chatrelay/internal/errors"
	"github.com/hpungsan/chatrelay/internal/message"
	"github.com/hpungsan/chatrelay/internal/prompt"
	"github.com/hpungsan/chatrelay/internal/ratelimit"
	"github.com/hpungsan/chatrelay/internal/session"
	"github.com/hpungsan/chatrelay/internal/upstream"
)

// ErrorRecorder persists failures for later inspection.
type ErrorRecorder interface {
	Record(ctx context.Context, kind, message string, status int, details map[string]any) error
}

// Deps are the collaborators a Service is built from. Limiters, Sessions and
// Provider are required.
type Deps struct {
	Limiters *ratelimit.Set
	Sessions *session.Store
	Provider upstream.Provider
	Prompts  *prompt.Catalog
	ErrorLog ErrorRecorder
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Options tune request handling.
type Options struct {
	// HistoryLimit is how many stored messages are sent upstream as context.
	HistoryLimit    int
	MaxMessageChars int
	Model           string
	MaxTokens       int
	Temperature     *float64
}

// Service handles chat and conversation requests. Safe for concurrent use.
type Service struct {
	limiters *ratelimit.Set
	sessions *session.Store
	provider upstream.Provider
	prompts  *prompt.Catalog
	errlog   ErrorRecorder
	clock    clock.Clock
	logger   *slog.Logger
	opts     Options
}

// New builds a Service.
func New(deps Deps, opts Options) (*Service, error) {
	if deps.Limiters == nil || deps.Sessions == nil || deps.Provider == nil {
		return nil, errors.NewInternal(fmt.Errorf("relay: limiters, sessions and provider are required"))
	}
	if deps.Prompts == nil {
		deps.Prompts = prompt.NewCatalog()
	}
	if deps.Clock == nil {
		deps.Clock = clock.System()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = session.DefaultHistoryLimit
	}
	if opts.MaxMessageChars <= 0 {
		opts.MaxMessageChars = message.DefaultMaxLength
	}
	return &Service{
		limiters: deps.Limiters,
		sessions: deps.Sessions,
		provider: deps.Provider,
		prompts:  deps.Prompts,
		errlog:   deps.ErrorLog,
		clock:    deps.Clock,
		logger:   deps.Logger.With(slog.String("component", "relay")),
		opts:     opts,
	}, nil
}

// Prompts returns the prompt catalog in use.
func (s *Service) Prompts() *prompt.Catalog { return s.prompts }

// Clock returns the service's time source.
func (s *Service) Clock() clock.Clock { return s.clock }

// Admit spends one unit of the named limiter for identity. A rejection is
// reported in the Decision, not as an error.
func (s *Service) Admit(limiter, identity string) (ratelimit.Decision, error) {
	l, ok := s.limiters.Get(limiter)
	if !ok {
		return ratelimit.Decision{}, errors.NewInternal(fmt.Errorf("unknown limiter %q", limiter))
	}
	return l.Check(identity), nil
}

// LimiterStatus reports identity's standing on the named limiter without
// spending anything.
func (s *Service) LimiterStatus(limiter, identity string) (ratelimit.Decision, error) {
	l, ok := s.limiters.Get(limiter)
	if !ok {
		return ratelimit.Decision{}, errors.NewInternal(fmt.Errorf("unknown limiter %q", limiter))
	}
	return l.Status(identity), nil
}

// checkID rejects ids that are not UUIDs.
func checkID(id string) error {
	if id == "" {
		return errors.NewInvalidRequest("conversation_id is required")
	}
	if _, err := uuid.Parse(id); err != nil {
		return errors.NewInvalidRequest("Invalid conversation ID format")
	}
	return nil
}

// cleanMessage returns the cleaned text or a validation error.
func (s *Service) cleanMessage(raw string) (string, error) {
	text := message.Clean(raw)
	if problems := message.Validate(text, message.Options{MaxLength: s.opts.MaxMessageChars}); problems != nil {
		return "", errors.NewValidationFailed(problems)
	}
	if message.IsSpam(text) {
		return "", errors.NewInvalidRequest("Message rejected as spam")
	}
	return text, nil
}

// Stats is a point-in-time view of in-memory state.
type Stats struct {
	Conversations  int `json:"conversations"`
	TrackedClients int `json:"tracked_clients"`
	PromptTypes    int `json:"prompt_types"`
}

// Stats reports current store sizes.
func (s *Service) Stats() Stats {
	return Stats{
		Conversations:  s.sessions.Len(),
		TrackedClients: s.limiters.Len(),
		PromptTypes:    len(s.prompts.Types()),
	}
}
