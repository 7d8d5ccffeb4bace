package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

var chatSendToolDef = mcp.NewTool("chat_send",
	mcp.WithDescription("Send a message to the AI model. Continues conversation_id when given, starts a new conversation when new_conversation is true, otherwise answers statelessly. Counts against the chat rate limit."),
	mcp.WithString("message",
		mcp.Required(),
		mcp.Description("User message (max 4000 characters by default)"),
	),
	mcp.WithString("conversation_id",
		mcp.Description("UUID of an existing conversation to continue"),
	),
	mcp.WithString("prompt_type",
		mcp.Description("System prompt: default, technical, creative, casual, or a custom type from prompts.yaml"),
	),
	mcp.WithBoolean("new_conversation",
		mcp.Description("Create a conversation and store this exchange in it"),
	),
)

var conversationCreateToolDef = mcp.NewTool("conversation_create",
	mcp.WithDescription("Start an empty conversation and return its id and metadata."),
)

var conversationAppendToolDef = mcp.NewTool("conversation_append",
	mcp.WithDescription("Record a message on an existing conversation without calling the model."),
	mcp.WithString("conversation_id",
		mcp.Required(),
		mcp.Description("Conversation UUID"),
	),
	mcp.WithString("role",
		mcp.Required(),
		mcp.Description("Message author"),
		mcp.Enum("user", "assistant"),
	),
	mcp.WithString("content",
		mcp.Required(),
		mcp.Description("Message text"),
	),
)

var conversationHistoryToolDef = mcp.NewTool("conversation_history",
	mcp.WithDescription("Return the most recent messages of a conversation, oldest first. Unknown conversations have an empty history."),
	mcp.WithString("conversation_id",
		mcp.Required(),
		mcp.Description("Conversation UUID"),
	),
	mcp.WithNumber("limit",
		mcp.Description("Maximum messages to return (default from config)"),
	),
)

var conversationInfoToolDef = mcp.NewTool("conversation_info",
	mcp.WithDescription("Return message count, creation and last activity time of a conversation. Does not extend its lifetime."),
	mcp.WithString("conversation_id",
		mcp.Required(),
		mcp.Description("Conversation UUID"),
	),
)

var conversationEndToolDef = mcp.NewTool("conversation_end",
	mcp.WithDescription("Delete a conversation and its history."),
	mcp.WithString("conversation_id",
		mcp.Required(),
		mcp.Description("Conversation UUID"),
	),
)

var limiterCheckToolDef = mcp.NewTool("limiter_check",
	mcp.WithDescription("Report the caller's standing on a rate limiter without spending a request."),
	mcp.WithString("limiter",
		mcp.Description("Limiter name (default: chat)"),
	),
)
