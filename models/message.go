package models

import (
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	// KindContent messages carry conversational text and are replayed to the
	// model on later turns.
	KindContent = "content"
	// KindToolCall messages record a completed tool invocation for audit and
	// UI purposes. They are never replayed to the model.
	KindToolCall = "tool_call"
)

// Source is a citation extracted from a tool result.
type Source struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Type  string `json:"type"`
}

// MessageMetadata is the free-form bag persisted alongside a message.
// Content messages fill Model and Sources; tool_call messages fill the
// Tool* fields.
type MessageMetadata struct {
	Model      string   `json:"model,omitempty"`
	Sources    []Source `json:"sources,omitempty"`
	ToolName   string   `json:"tool_name,omitempty"`
	ToolArgs   string   `json:"tool_args,omitempty"`
	ToolResult string   `json:"tool_result,omitempty"`
}

// Message is one append-only row in a conversation. Position is assigned by
// the store at write time and is unique per conversation.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	ParentID       *string         `json:"parent_id,omitempty"`
	Role           string          `json:"role"`
	Content        string          `json:"content"`
	Kind           string          `json:"kind"`
	Metadata       MessageMetadata `json:"metadata"`
	Position       int             `json:"position"`
	CreatedAt      time.Time       `json:"created_at"`
}
