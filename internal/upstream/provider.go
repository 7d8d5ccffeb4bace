// Package upstream talks to the chat-completion model behind the relay.
package upstream

import (
	"context"
	"errors"
	"fmt"

	"github.com/hpungsan/chatrelay/internal/session"
)

// Provider produces a single completion for a message list.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Request is the input to one completion call.
type Request struct {
	// Model overrides the provider's default model when non-empty.
	Model       string
	Messages    []session.Turn
	MaxTokens   int
	Temperature *float64
}

// Usage is the token accounting reported by the model.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a completed reply.
type Response struct {
	Content      string
	Model        string
	FinishReason string
	Usage        Usage
}

// StatusError is returned when the model API answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Message)
}

// StatusCode extracts the HTTP status carried by err, or 0 when err did not
// come from an HTTP response (network failure, timeout, bad payload).
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
