// chatrelay/utils/types/chat.go
package types

// Event types carried on a stream.
const (
	EventChunk = "chunk"
	EventError = "error"
	EventEnd   = "end"
)

// ChatRequest is a new user message for a conversation.
type ChatRequest struct {
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
}

// StreamEvent is one relay event as sent to the browser.
type StreamEvent struct {
	ConversationID string `json:"conversationId"`
	Type           string `json:"type"`
	Data           string `json:"data"`
}

type Part struct {
	Text string `json:"text"`
}

// HistoryMessage mirrors the hosted model's content shape: role plus text parts.
type HistoryMessage struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

type ClearResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type ArchiveResponse struct {
	Key string `json:"key"`
}
