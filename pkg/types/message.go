package types

import (
	"encoding/json"
	"strings"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
	RoleError Role = "error"
)

// ContentBlock is one element of a multi-modal message body.
type ContentBlock struct {
	Type string `json:"type"` // "text" | "image"
	Text string `json:"text,omitempty"`
	// Image fields; Data is base64-encoded.
	MediaType string `json:"mediaType,omitempty"`
	Data      string `json:"data,omitempty"`
}

// TextBlock builds a plain text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// ImageBlock builds an image content block from base64 data.
func ImageBlock(mediaType, data string) ContentBlock {
	return ContentBlock{Type: "image", MediaType: mediaType, Data: data}
}

// Message is one turn or sub-turn of a conversation. A tool-use message is an
// agent message carrying the Tool* fields, not a separate variant.
type Message struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionID"`
	Role      Role        `json:"role"`
	Time      MessageTime `json:"time"`

	// Content is either plain text or a content-block sequence.
	Text   string         `json:"text,omitempty"`
	Blocks []ContentBlock `json:"blocks,omitempty"`

	// Tool-use fields, set on agent messages that invoke a tool. ToolResult
	// starts nil and is filled at most once, matched by ToolCallID.
	ToolCallID string          `json:"toolCallID,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	ToolInput  json.RawMessage `json:"toolInput,omitempty"`
	ToolResult *string         `json:"toolResult,omitempty"`

	// Usage is the provider-reported usage delta attached to this message.
	Usage *TokenUsage `json:"usage,omitempty"`

	// Fault carries error details for RoleError messages.
	Fault *MessageError `json:"fault,omitempty"`
}

// MessageTime contains timestamps for a message, in Unix milliseconds.
type MessageTime struct {
	Created int64  `json:"created"`
	Updated *int64 `json:"updated,omitempty"`
}

// MessageError describes a failure surfaced into the conversation.
type MessageError struct {
	Name    string `json:"name"` // "AdapterError" | "PersistError" | "AbortError"
	Message string `json:"message"`
}

// IsToolUse reports whether the message is an agent tool invocation.
func (m *Message) IsToolUse() bool {
	return m.Role == RoleAgent && m.ToolCallID != ""
}

// ContentText flattens the message body to plain text. Image blocks are
// elided; text blocks are joined with newlines.
func (m *Message) ContentText() string {
	if m.Text != "" {
		return m.Text
	}
	var parts []string
	for _, b := range m.Blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
