package mcp

import (
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hpungsan/chatrelay/internal/config"
	"github.com/hpungsan/chatrelay/internal/relay"
)

// toolEntry pairs a tool definition with a handler factory.
type toolEntry struct {
	def     mcp.Tool
	handler func(*Handlers) server.ToolHandlerFunc
}

// toolRegistry maps tool names to their definitions and handler factories.
var toolRegistry = map[string]toolEntry{
	"chat_send": {
		def:     chatSendToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleChatSend },
	},
	"conversation_create": {
		def:     conversationCreateToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleConversationCreate },
	},
	"conversation_append": {
		def:     conversationAppendToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleConversationAppend },
	},
	"conversation_history": {
		def:     conversationHistoryToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleConversationHistory },
	},
	"conversation_info": {
		def:     conversationInfoToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleConversationInfo },
	},
	"conversation_end": {
		def:     conversationEndToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleConversationEnd },
	},
	"limiter_check": {
		def:     limiterCheckToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleLimiterCheck },
	},
}

// AllToolNames returns every tool name, sorted.
func AllToolNames() []string {
	names := make([]string, 0, len(toolRegistry))
	for name := range toolRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateDisabledTools returns a list of unknown tool names from the given list.
func ValidateDisabledTools(names []string) []string {
	unknown := make([]string, 0)
	for _, name := range names {
		if _, ok := toolRegistry[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// NewServer creates an MCP server with the relay tools registered.
// Tools listed in cfg.DisabledTools are skipped.
func NewServer(svc *relay.Service, cfg *config.Config, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"chatrelay",
		version,
		server.WithToolCapabilities(true),
	)

	h := NewHandlers(svc)

	disabled := make(map[string]bool, len(cfg.DisabledTools))
	for _, name := range cfg.DisabledTools {
		disabled[name] = true
	}

	for name, entry := range toolRegistry {
		if disabled[name] {
			continue
		}
		s.AddTool(entry.def, entry.handler(h))
	}

	return s
}

// Run serves the MCP tools over stdio until stdin closes.
func Run(svc *relay.Service, cfg *config.Config, version string) error {
	return server.ServeStdio(NewServer(svc, cfg, version))
}
