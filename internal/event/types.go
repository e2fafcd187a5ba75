package event

import "github.com/parley-ai/parley/pkg/types"

// SessionCreatedData is published when a session is registered.
type SessionCreatedData struct {
	Record *types.SessionRecord `json:"record"`
}

// SessionUpdatedData is published when session metadata changes, including
// re-keying from a placeholder to a provider-issued id.
type SessionUpdatedData struct {
	Record     *types.SessionRecord `json:"record"`
	PreviousID string               `json:"previousID,omitempty"`
}

// SessionDeletedData is published when a session is removed.
type SessionDeletedData struct {
	SessionID string `json:"sessionID"`
}

// SessionStateData is published on every session-state transition.
type SessionStateData struct {
	SessionID string             `json:"sessionID"`
	From      types.SessionState `json:"from"`
	To        types.SessionState `json:"to"`
}

// AgentStateData is published on every agent-state transition.
type AgentStateData struct {
	SessionID string           `json:"sessionID"`
	From      types.AgentState `json:"from"`
	To        types.AgentState `json:"to"`
}

// SessionErrorData is published when a turn fails.
type SessionErrorData struct {
	SessionID   string `json:"sessionID"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// MessageCreatedData is published for each message appended to history.
type MessageCreatedData struct {
	Message *types.Message `json:"message"`
}

// MessageUpdatedData is published when an existing message changes, e.g. a
// tool result slot being filled.
type MessageUpdatedData struct {
	Message *types.Message `json:"message"`
}

// PersistData is published around persistence writes.
type PersistData struct {
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID,omitempty"`
	Error     string `json:"error,omitempty"`
}
