// Package types provides the core data types for the parley server.
package types

// AgentState describes what the agent is doing inside the current turn.
type AgentState string

const (
	AgentIdle        AgentState = "idle"
	AgentThinking    AgentState = "thinking"
	AgentSpeaking    AgentState = "speaking"
	AgentToolCalling AgentState = "tool_calling"
	AgentToolWaiting AgentState = "tool_waiting"
	AgentError       AgentState = "error"
	AgentCompleted   AgentState = "completed"
)

// SessionState describes the container lifecycle of a session.
type SessionState string

const (
	SessionCreated   SessionState = "created"
	SessionActive    SessionState = "active"
	SessionIdle      SessionState = "idle"
	SessionCompleted SessionState = "completed"
	SessionAborted   SessionState = "aborted"
	SessionError     SessionState = "error"
	SessionDeleted   SessionState = "deleted"
)

// Terminal reports whether the state admits no further sends. The error
// state is not terminal; a send from it starts a fresh recovery turn.
func (s SessionState) Terminal() bool {
	switch s {
	case SessionCompleted, SessionAborted, SessionDeleted:
		return true
	}
	return false
}

// SessionRecord is the persisted metadata for a session.
type SessionRecord struct {
	ID        string            `json:"id"`
	Workspace string            `json:"workspace"`
	Model     string            `json:"model"`
	Summary   string            `json:"summary,omitempty"`
	State     SessionState      `json:"state"`
	Time      SessionTime       `json:"time"`
	Usage     TokenUsage        `json:"usage"`
	Stats     SessionStatistics `json:"stats"`
}

// SessionTime contains timestamps for a session, in Unix milliseconds.
type SessionTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// SessionStatistics is the derived, recomputed-on-update view of a session.
type SessionStatistics struct {
	// DurationMS is total wall-clock time since the session was created.
	DurationMS int64 `json:"durationMS"`
	// ProviderMS is cumulative time spent inside provider calls.
	ProviderMS int64 `json:"providerMS"`
	// ThinkingMS is cumulative time-to-first-token across turns.
	ThinkingMS int64 `json:"thinkingMS"`
	CostUSD    float64 `json:"costUSD"`
	Turns      int     `json:"turns"`
	Messages   int     `json:"messages"`
}
