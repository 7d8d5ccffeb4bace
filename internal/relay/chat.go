package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/hpungsan/chatrelay/internal/errors"
	"github.com/hpungsan/chatrelay/internal/message"
	"github.com/hpungsan/chatrelay/internal/prompt"
	"github.com/hpungsan/chatrelay/internal/ratelimit"
	"github.com/hpungsan/chatrelay/internal/session"
	"github.com/hpungsan/chatrelay/internal/upstream"
)

// loggedMessageChars caps how much user text goes into the error log.
const loggedMessageChars = 100

// ChatInput contains parameters for the Chat operation.
type ChatInput struct {
	// ClientID is the admission identity (client address, MCP session, ...).
	ClientID string
	// ConversationID continues an existing conversation. Empty means a
	// stateless exchange unless NewConversation is set.
	ConversationID  string
	Message         string // required
	PromptType      string // default: "default"
	NewConversation bool
}

// ChatOutput contains the result of the Chat operation.
type ChatOutput struct {
	Response       string             `json:"response"`
	ConversationID string             `json:"conversation_id,omitempty"`
	Model          string             `json:"model"`
	Usage          upstream.Usage     `json:"usage"`
	Analysis       *prompt.Analysis   `json:"analysis,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
	Admission      ratelimit.Decision `json:"-"`
}

// Chat admits the caller, forwards the message with conversation context to
// the upstream model and records both sides of the exchange.
//
// Nothing is stored unless the upstream call succeeds: a new conversation is
// only created, and the user message only appended, once a reply exists.
func (s *Service) Chat(ctx context.Context, input ChatInput) (*ChatOutput, error) {
	decision, err := s.Admit(ratelimit.Chat, input.ClientID)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, errors.NewRateLimited(ratelimit.Chat, decision.RetryAfterSeconds)
	}

	text, err := s.cleanMessage(input.Message)
	if err != nil {
		return nil, err
	}

	var history []session.Turn
	if input.ConversationID != "" {
		if err := checkID(input.ConversationID); err != nil {
			return nil, err
		}
		if _, ok := s.sessions.Info(input.ConversationID); !ok {
			return nil, errors.NewNotFound(input.ConversationID)
		}
		history = s.sessions.History(input.ConversationID, s.opts.HistoryLimit)
	}

	msgs := s.prompts.BuildMessages(text, history, input.PromptType)

	resp, err := s.provider.Complete(ctx, upstream.Request{
		Model:       s.opts.Model,
		Messages:    msgs,
		MaxTokens:   s.opts.MaxTokens,
		Temperature: s.opts.Temperature,
	})
	if err != nil {
		return nil, s.upstreamFailure(ctx, err, text)
	}

	out := &ChatOutput{
		Response:       resp.Content,
		ConversationID: input.ConversationID,
		Model:          resp.Model,
		Usage:          resp.Usage,
		Timestamp:      s.clock.Now(),
		Admission:      decision,
	}

	if out.ConversationID == "" && input.NewConversation {
		out.ConversationID = s.sessions.Create()
	}
	if out.ConversationID != "" {
		if _, _, err := s.sessions.AppendExchange(out.ConversationID, text, resp.Content); err != nil {
			return nil, err
		}
		stored := s.sessions.History(out.ConversationID, s.sessions.Config().MaxHistory)
		analysis := prompt.Analyze(stored)
		out.Analysis = &analysis
	}

	return out, nil
}

// upstreamFailure records err and maps it to an AI_* error.
func (s *Service) upstreamFailure(ctx context.Context, err error, userText string) error {
	status := upstream.StatusCode(err)
	rerr := errors.NewUpstream(status, err.Error())

	s.logger.Warn("upstream call failed",
		slog.String("code", string(rerr.Code)),
		slog.Int("status", status),
		slog.String("error", err.Error()),
	)

	if s.errlog != nil {
		details := map[string]any{
			"service":      "openai",
			"user_message": truncate(message.Sanitize(userText), loggedMessageChars),
		}
		if status != 0 {
			details["status_code"] = status
		}
		if recErr := s.errlog.Record(context.WithoutCancel(ctx), string(rerr.Code), err.Error(), status, details); recErr != nil {
			s.logger.Error("error log write failed", slog.String("error", recErr.Error()))
		}
	}
	return rerr
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
