package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hpungsan/chatrelay/internal/errors"
	"github.com/hpungsan/chatrelay/internal/ratelimit"
	"github.com/hpungsan/chatrelay/internal/relay"
)

// stdioIdentity is the admission identity when no client session is known.
const stdioIdentity = "mcp:stdio"

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	svc *relay.Service
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(svc *relay.Service) *Handlers {
	return &Handlers{svc: svc}
}

// Request types for each tool

// ChatSendRequest represents the arguments for chat_send.
type ChatSendRequest struct {
	Message         string `json:"message"`
	ConversationID  string `json:"conversation_id,omitempty"`
	PromptType      string `json:"prompt_type,omitempty"`
	NewConversation bool   `json:"new_conversation,omitempty"`
}

// ConversationRequest identifies a conversation.
type ConversationRequest struct {
	ConversationID string `json:"conversation_id"`
}

// ConversationAppendRequest represents the arguments for conversation_append.
type ConversationAppendRequest struct {
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role"`
	Content        string `json:"content"`
}

// ConversationHistoryRequest represents the arguments for conversation_history.
type ConversationHistoryRequest struct {
	ConversationID string `json:"conversation_id"`
	Limit          int    `json:"limit,omitempty"`
}

// LimiterCheckRequest represents the arguments for limiter_check.
type LimiterCheckRequest struct {
	Limiter string `json:"limiter,omitempty"`
}

// LimiterCheckOutput is a non-consuming limiter snapshot.
type LimiterCheckOutput struct {
	Limiter           string    `json:"limiter"`
	Identity          string    `json:"identity"`
	Allowed           bool      `json:"allowed"`
	Limit             int       `json:"limit"`
	Remaining         int       `json:"remaining"`
	ResetAt           time.Time `json:"reset_at"`
	RetryAfterSeconds int       `json:"retry_after_seconds"`
}

// identity returns the admission identity for the calling MCP session.
func identity(ctx context.Context) string {
	if sess := server.ClientSessionFromContext(ctx); sess != nil && sess.SessionID() != "" {
		return "mcp:" + sess.SessionID()
	}
	return stdioIdentity
}

// Handler implementations

// HandleChatSend handles the chat_send tool call.
func (h *Handlers) HandleChatSend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ChatSendRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := h.svc.Chat(ctx, relay.ChatInput{
		ClientID:        identity(ctx),
		ConversationID:  input.ConversationID,
		Message:         input.Message,
		PromptType:      input.PromptType,
		NewConversation: input.NewConversation,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleConversationCreate handles the conversation_create tool call.
func (h *Handlers) HandleConversationCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return successResult(h.svc.CreateConversation())
}

// HandleConversationAppend handles the conversation_append tool call.
func (h *Handlers) HandleConversationAppend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ConversationAppendRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := h.svc.AppendMessage(input.ConversationID, input.Role, input.Content)
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleConversationHistory handles the conversation_history tool call.
func (h *Handlers) HandleConversationHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ConversationHistoryRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if input.Limit < 0 {
		return errorResult(errors.NewInvalidRequest("limit must not be negative")), nil
	}

	result, err := h.svc.History(input.ConversationID, input.Limit)
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleConversationInfo handles the conversation_info tool call.
func (h *Handlers) HandleConversationInfo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ConversationRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := h.svc.Info(input.ConversationID)
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleConversationEnd handles the conversation_end tool call.
func (h *Handlers) HandleConversationEnd(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ConversationRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	if err := h.svc.EndConversation(input.ConversationID); err != nil {
		return errorResult(err), nil
	}

	return successResult(map[string]any{"conversation_id": input.ConversationID, "ended": true})
}

// HandleLimiterCheck handles the limiter_check tool call.
func (h *Handlers) HandleLimiterCheck(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[LimiterCheckRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if input.Limiter == "" {
		input.Limiter = ratelimit.Chat
	}

	id := identity(ctx)
	d, err := h.svc.LimiterStatus(input.Limiter, id)
	if err != nil {
		return errorResult(errors.NewInvalidRequest("unknown limiter: " + input.Limiter)), nil
	}

	return successResult(LimiterCheckOutput{
		Limiter:           input.Limiter,
		Identity:          id,
		Allowed:           d.Allowed,
		Limit:             d.Limit,
		Remaining:         d.Remaining,
		ResetAt:           d.ResetAt,
		RetryAfterSeconds: d.RetryAfterSeconds,
	})
}

// Result helpers

// errorResult creates an MCP error result from any error.
// Uses IsError: true so MCP clients recognize failures properly.
// Internal error details are not exposed.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	if rErr, ok := errors.As(err); ok {
		errorObj := map[string]any{
			"code":    rErr.Code,
			"message": rErr.Message,
			"status":  rErr.Status,
		}
		if rErr.Code != errors.ErrInternal && rErr.Details != nil {
			errorObj["details"] = rErr.Details
		}
		if rErr.Code == errors.ErrInternal {
			errorObj["message"] = "an internal error occurred"
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    "INTERNAL",
				"message": "an internal error occurred",
				"status":  500,
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
