package session

import (
	"fmt"

	"github.com/parley-ai/parley/pkg/types"
)

// The two per-session state machines are explicit transition tables with
// pure transition functions. Events with no transition from the current
// state are rejected, never silently ignored.

// agentEvent drives the agent machine: what the AI is doing within a turn.
type agentEvent string

const (
	agentUserMessage agentEvent = "user_message"
	agentContent     agentEvent = "content"
	agentToolCall    agentEvent = "tool_call"
	agentToolAck     agentEvent = "tool_ack"
	agentResume      agentEvent = "resume"
	agentDone        agentEvent = "done"
	agentAbort       agentEvent = "abort"
	agentFail        agentEvent = "fail"
	agentReset       agentEvent = "reset"
	agentComplete    agentEvent = "complete"
)

var agentTransitions = map[types.AgentState]map[agentEvent]types.AgentState{
	types.AgentIdle: {
		agentUserMessage: types.AgentThinking,
		agentComplete:    types.AgentCompleted,
	},
	types.AgentThinking: {
		agentContent:  types.AgentSpeaking,
		agentToolCall: types.AgentToolCalling,
		agentDone:     types.AgentIdle,
		agentAbort:    types.AgentIdle,
		agentFail:     types.AgentError,
	},
	types.AgentSpeaking: {
		agentContent:  types.AgentSpeaking,
		agentToolCall: types.AgentToolCalling,
		agentDone:     types.AgentIdle,
		agentAbort:    types.AgentIdle,
		agentFail:     types.AgentError,
	},
	types.AgentToolCalling: {
		agentToolAck: types.AgentToolWaiting,
		agentAbort:   types.AgentIdle,
		agentFail:    types.AgentError,
	},
	types.AgentToolWaiting: {
		agentResume:   types.AgentThinking,
		agentContent:  types.AgentSpeaking,
		agentToolCall: types.AgentToolCalling,
		agentDone:     types.AgentIdle,
		agentAbort:    types.AgentIdle,
		agentFail:     types.AgentError,
	},
	types.AgentError: {
		agentReset:       types.AgentIdle,
		agentUserMessage: types.AgentThinking,
	},
	// AgentCompleted is terminal.
}

// sessionEvent drives the session machine: the container lifecycle.
type sessionEvent string

const (
	sessSend     sessionEvent = "send"
	sessDone     sessionEvent = "done"
	sessComplete sessionEvent = "complete"
	sessAbort    sessionEvent = "abort"
	sessFail     sessionEvent = "fail"
	sessDelete   sessionEvent = "delete"
)

var sessionTransitions = map[types.SessionState]map[sessionEvent]types.SessionState{
	types.SessionCreated: {
		sessSend:   types.SessionActive,
		sessDelete: types.SessionDeleted,
	},
	types.SessionActive: {
		sessDone:   types.SessionIdle,
		sessAbort:  types.SessionAborted,
		sessFail:   types.SessionError,
		sessDelete: types.SessionDeleted,
	},
	types.SessionIdle: {
		sessSend:     types.SessionActive,
		sessComplete: types.SessionCompleted,
		sessDelete:   types.SessionDeleted,
	},
	types.SessionError: {
		sessSend:   types.SessionActive,
		sessDelete: types.SessionDeleted,
	},
	types.SessionCompleted: {
		sessDelete: types.SessionDeleted,
	},
	types.SessionAborted: {
		sessDelete: types.SessionDeleted,
	},
	// SessionDeleted is terminal.
}

// agentTransition returns the next agent state for an event, or an error
// when the event has no transition from the current state.
func agentTransition(state types.AgentState, ev agentEvent) (types.AgentState, error) {
	if next, ok := agentTransitions[state][ev]; ok {
		return next, nil
	}
	return state, fmt.Errorf("agent state %q: no transition for %q", state, ev)
}

// sessionTransition returns the next session state for an event, or an error
// when the event has no transition from the current state.
func sessionTransition(state types.SessionState, ev sessionEvent) (types.SessionState, error) {
	if next, ok := sessionTransitions[state][ev]; ok {
		return next, nil
	}
	return state, fmt.Errorf("session state %q: no transition for %q", state, ev)
}
