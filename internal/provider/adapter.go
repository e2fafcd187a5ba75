// Package provider normalizes a streaming AI provider into the
// provider-agnostic event stream the session layer consumes.
package provider

import (
	"context"

	"github.com/parley-ai/parley/pkg/types"
)

// WarmupProbe is the throwaway prompt used to pre-create provider sessions.
// The summary filter treats it as noise, so warm sessions never surface a
// probe as their title.
const WarmupProbe = "Warmup"

// StreamOptions maps the orchestration layer's option vocabulary into a
// provider call.
type StreamOptions struct {
	// Model is the provider model identifier.
	Model string
	// Workspace is the working directory the provider operates in.
	Workspace string
	// ResumeID is the provider-issued session identity to resume; empty
	// starts a fresh provider session.
	ResumeID string
	// AllowedTools restricts the provider's tool surface; nil means the
	// provider default.
	AllowedTools []string
	// PermissionMode is passed through to the provider verbatim.
	PermissionMode string
}

// ToolResult carries a provider-reported tool outcome, matched to the
// originating tool-use message by ToolCallID.
type ToolResult struct {
	ToolCallID string
	Output     string
	IsError    bool
}

// Event is one normalized unit yielded by a provider stream. Exactly the
// events described here reach the session layer; provider-internal
// bookkeeping never does.
type Event struct {
	// SessionID is the provider-issued session identity, set on events that
	// carry it. Its first appearance triggers re-keying upstream.
	SessionID string

	// Message is a normalized domain message to append to history. Nil for
	// events that only carry identity, usage, or a tool result.
	Message *types.Message

	// ToolResult fills the result slot of an earlier tool-use message.
	ToolResult *ToolResult

	// Usage is a usage delta to fold into the session's token counts.
	Usage *types.TokenUsage

	// CostUSD is the provider-reported cost for the turn, when it reports
	// one; zero otherwise.
	CostUSD float64
}

// Stream yields events in provider order until io.EOF.
type Stream interface {
	// Recv returns the next event, io.EOF at normal end of stream, or the
	// stream error.
	Recv() (*Event, error)
	// Interrupt aborts the in-flight provider call. The stream still drains
	// to EOF or error afterwards.
	Interrupt() error
	// Close releases the stream's resources.
	Close() error
}

// Adapter is the provider contract consumed by the session layer.
type Adapter interface {
	// Stream starts one conversational turn.
	Stream(ctx context.Context, content []types.ContentBlock, opts StreamOptions) (Stream, error)
	// Warmup pre-creates a provider session by issuing a minimal probe and
	// interrupting it once the provider identity is captured.
	Warmup(ctx context.Context, opts StreamOptions) (string, error)
}
