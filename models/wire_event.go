package models

// WireEventType tags one record on the chat event stream.
type WireEventType string

const (
	WireEventConversation  WireEventType = "conversation"
	WireEventContent       WireEventType = "content"
	WireEventToolCallStart WireEventType = "tool_call_start"
	WireEventToolCall      WireEventType = "tool_call"
	WireEventToolResult    WireEventType = "tool_result"
	WireEventSources       WireEventType = "sources"
	WireEventDone          WireEventType = "done"
	WireEventError         WireEventType = "error"
)

// WireEvent is one line of the chat stream. Exactly one payload group is set
// per type; the stream terminates on done or error.
type WireEvent struct {
	Type WireEventType `json:"type"`

	ConversationID string `json:"conversation_id,omitempty"`

	Delta string `json:"delta,omitempty"`

	ToolName      string `json:"tool_name,omitempty"`
	ToolArgs      string `json:"tool_args,omitempty"`
	ToolResult    string `json:"tool_result,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`

	Sources []Source `json:"sources,omitempty"`

	Message string `json:"message,omitempty"`
}

// Terminal reports whether no further events may follow this one.
func (e WireEvent) Terminal() bool {
	return e.Type == WireEventDone || e.Type == WireEventError
}
