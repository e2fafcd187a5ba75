// Package session implements the conversation core: the Session entity with
// its dual state machines, the streaming send pipeline, the manager that
// indexes sessions, and the warmup pool.
package session

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/parley-ai/parley/internal/event"
	"github.com/parley-ai/parley/internal/logging"
	"github.com/parley-ai/parley/internal/provider"
	"github.com/parley-ai/parley/internal/store"
	"github.com/parley-ai/parley/internal/transcript"
	"github.com/parley-ai/parley/pkg/types"
)

// placeholderPrefix marks session ids issued before the provider reveals its
// own identity. No message is ever durably recorded under a placeholder id.
const placeholderPrefix = "pending_"

// fatalErrorPatterns classifies adapter errors that terminate a session.
// Adapter errors are recoverable by default; this set starts empty and grows
// only from observed evidence.
var fatalErrorPatterns = []string{}

// Config carries the per-session configuration slice of the server config.
type Config struct {
	Workspace      string
	Model          string
	TokenBudget    int
	PermissionMode string
	AllowedTools   []string
}

// Session is one conversation container: ordered message history, the agent
// and session state machines, token usage, statistics, and the send
// pipeline against the provider adapter.
type Session struct {
	mu sync.Mutex

	id          string
	placeholder bool
	cfg         Config

	messages   []*types.Message
	byToolCall map[string]*types.Message
	persisted  int

	agent types.AgentState
	state types.SessionState

	usage        types.TokenUsage
	stats        types.SessionStatistics
	providerCost float64

	createdAt    time.Time
	lastActivity time.Time
	turnStart    time.Time
	firstToken   bool

	adapter provider.Adapter
	store   *store.Store
	bus     *event.Bus
	pricing *PricingTable
	log     zerolog.Logger

	// onRekey re-indexes the session in the manager's live map; invoked
	// outside the session lock.
	onRekey func(oldID, newID string)

	current provider.Stream
	pending []event.Event
}

func newSession(id string, placeholder bool, cfg Config, adapter provider.Adapter, st *store.Store, bus *event.Bus, pricing *PricingTable, onRekey func(string, string)) *Session {
	now := time.Now()
	s := &Session{
		id:           id,
		placeholder:  placeholder,
		cfg:          cfg,
		byToolCall:   make(map[string]*types.Message),
		agent:        types.AgentIdle,
		state:        types.SessionCreated,
		createdAt:    now,
		lastActivity: now,
		adapter:      adapter,
		store:        st,
		bus:          bus,
		pricing:      pricing,
		log:          logging.Component("session").With().Str("session", id).Logger(),
		onRekey:      onRekey,
	}
	s.usage.Total = cfg.TokenBudget
	return s
}

// newHistoricalSession rebuilds a resumable session from a parsed transcript.
func newHistoricalSession(h *transcript.History, cfg Config, adapter provider.Adapter, st *store.Store, bus *event.Bus, pricing *PricingTable) *Session {
	s := newSession(h.SessionID, false, cfg, adapter, st, bus, pricing, nil)
	s.state = types.SessionIdle
	s.messages = h.Messages
	s.persisted = len(h.Messages)
	for _, m := range h.Messages {
		if m.IsToolUse() {
			s.byToolCall[m.ToolCallID] = m
		}
		if m.Role == types.RoleUser {
			s.stats.Turns++
		}
	}
	s.usage = h.Usage
	s.usage.Total = cfg.TokenBudget
	if h.Record != nil {
		s.stats = h.Record.Stats
		s.createdAt = time.UnixMilli(h.Record.Time.Created)
		s.lastActivity = time.UnixMilli(h.Record.Time.Updated)
		if h.Record.Model != "" {
			s.cfg.Model = h.Record.Model
		}
	}
	s.stats.Messages = len(s.messages)
	return s
}

// ID returns the current session identity.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// State returns the session (container) state.
func (s *Session) State() types.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AgentState returns what the agent is doing right now.
func (s *Session) AgentState() types.AgentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent
}

// Usage returns a snapshot of cumulative token usage.
func (s *Session) Usage() types.TokenUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// Stats returns a snapshot of the derived statistics.
func (s *Session) Stats() types.SessionStatistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recomputeLocked()
	return s.stats
}

// LastActivity returns the time of the session's most recent event.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// Summary derives the session's human-readable label from the first real
// user message.
func (s *Session) Summary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return summarize(s.messages)
}

// Messages returns a slice of the in-memory history. limit <= 0 means all
// remaining messages from offset.
func (s *Session) Messages(limit, offset int) []*types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset < 0 || offset >= len(s.messages) {
		return nil
	}
	end := len(s.messages)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]*types.Message, end-offset)
	copy(out, s.messages[offset:end])
	return out
}

// Record builds the persistable snapshot of the session.
func (s *Session) Record() *types.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordLocked()
}

func (s *Session) recordLocked() *types.SessionRecord {
	s.recomputeLocked()
	return &types.SessionRecord{
		ID:        s.id,
		Workspace: s.cfg.Workspace,
		Model:     s.cfg.Model,
		Summary:   summarize(s.messages),
		State:     s.state,
		Time: types.SessionTime{
			Created: s.createdAt.UnixMilli(),
			Updated: s.lastActivity.UnixMilli(),
		},
		Usage: s.usage,
		Stats: s.stats,
	}
}

// Send runs one conversational turn. The user message is appended and
// persisted before the provider call; provider messages stream into history
// in arrival order. Adapter failures are recoverable by policy: they surface
// through events and session state, not through Send's error, which reports
// only state conflicts.
func (s *Session) Send(ctx context.Context, content []types.ContentBlock) error {
	s.mu.Lock()
	if s.state == types.SessionActive {
		s.mu.Unlock()
		return &StateConflictError{Op: "send", State: string(types.SessionActive)}
	}
	if s.state.Terminal() {
		st := s.state
		s.mu.Unlock()
		return &StateConflictError{Op: "send", State: string(st)}
	}
	s.applySessionLocked(sessSend)
	s.applyAgentLocked(agentUserMessage)

	userMsg := &types.Message{
		ID:        newID(),
		SessionID: s.id,
		Role:      types.RoleUser,
		Time:      types.MessageTime{Created: time.Now().UnixMilli()},
	}
	if text, ok := singleText(content); ok {
		userMsg.Text = text
	} else {
		userMsg.Blocks = content
	}
	s.appendLocked(userMsg)
	s.pending = append(s.pending, event.Event{Type: event.MessageCreated, Data: event.MessageCreatedData{Message: userMsg}})

	s.turnStart = time.Now()
	s.firstToken = false
	resume := ""
	if !s.placeholder {
		resume = s.id
	}
	opts := provider.StreamOptions{
		Model:          s.cfg.Model,
		Workspace:      s.cfg.Workspace,
		ResumeID:       resume,
		AllowedTools:   s.cfg.AllowedTools,
		PermissionMode: s.cfg.PermissionMode,
	}
	s.mu.Unlock()
	s.flushEvents()

	// The user message must be durable before the provider call; a crash
	// right after the call still leaves a record of the ask. Deferred while
	// the identity is a placeholder and flushed on re-key.
	if !s.isPlaceholder() {
		s.persistMessage(userMsg)
		s.markPersisted(1)
	}

	stream, err := s.adapter.Stream(ctx, content, opts)
	if err != nil {
		s.failTurn(err)
		return nil
	}

	s.mu.Lock()
	if s.state != types.SessionActive {
		// Aborted while the provider was starting.
		s.mu.Unlock()
		stream.Close()
		return nil
	}
	s.current = stream
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
		stream.Close()
	}()

	providerStart := time.Now()
	for {
		ev, err := stream.Recv()
		if err == io.EOF {
			if s.State() == types.SessionAborted {
				s.finishAbort(providerStart)
			} else {
				s.finishTurn(providerStart)
			}
			return nil
		}
		if err != nil {
			if s.State() == types.SessionAborted {
				s.finishAbort(providerStart)
				return nil
			}
			s.failTurn(err)
			return nil
		}
		s.handleEvent(ev)
	}
}

// handleEvent folds one provider event into the session under the lock, then
// publishes and persists outside it, preserving arrival order.
func (s *Session) handleEvent(ev *provider.Event) {
	var toPersist []*types.Message
	var rekeyOld, rekeyNew string

	s.mu.Lock()
	if ev.SessionID != "" && s.placeholder {
		rekeyOld, rekeyNew = s.id, ev.SessionID
		s.adoptIdentityLocked(ev.SessionID)
	}

	if m := ev.Message; m != nil {
		if m.ID == "" {
			m.ID = newID()
		}
		m.SessionID = s.id
		if m.IsToolUse() {
			s.applyAgentLocked(agentToolCall)
			s.applyAgentLocked(agentToolAck)
			s.byToolCall[m.ToolCallID] = m
		} else {
			s.applyAgentLocked(agentContent)
		}
		if !s.firstToken {
			s.firstToken = true
			s.stats.ThinkingMS += time.Since(s.turnStart).Milliseconds()
		}
		s.appendLocked(m)
		s.pending = append(s.pending, event.Event{Type: event.MessageCreated, Data: event.MessageCreatedData{Message: m}})
		// Messages arriving on the identity-carrying event are still
		// unflushed; completeRekey persists them exactly once.
		if !s.placeholder && rekeyNew == "" {
			toPersist = append(toPersist, m)
		}
	}

	if tr := ev.ToolResult; tr != nil {
		if m, ok := s.byToolCall[tr.ToolCallID]; ok && m.ToolResult == nil {
			out := tr.Output
			m.ToolResult = &out
			now := time.Now().UnixMilli()
			m.Time.Updated = &now
			if s.agent == types.AgentToolWaiting {
				s.applyAgentLocked(agentResume)
			}
			s.pending = append(s.pending, event.Event{Type: event.MessageUpdated, Data: event.MessageUpdatedData{Message: m}})
			if !s.placeholder && rekeyNew == "" {
				toPersist = append(toPersist, m)
			}
		}
	}

	if ev.Usage != nil {
		s.usage.Add(*ev.Usage)
	}
	if ev.CostUSD > 0 {
		s.providerCost = ev.CostUSD
	}
	s.lastActivity = time.Now()
	s.recomputeLocked()
	s.mu.Unlock()

	if rekeyNew != "" {
		s.completeRekey(rekeyOld, rekeyNew)
	}
	s.flushEvents()
	for _, m := range toPersist {
		go s.persistMessage(m)
	}
}

// adoptIdentityLocked re-keys the in-memory session to the provider-issued
// identity. Persistence of the record and buffered messages happens in
// completeRekey, after the lock is released, still before any later event is
// processed by this goroutine.
func (s *Session) adoptIdentityLocked(newID string) {
	s.id = newID
	s.placeholder = false
	s.log = logging.Component("session").With().Str("session", newID).Logger()
	for _, m := range s.messages {
		m.SessionID = newID
	}
}

// completeRekey re-indexes the session and flushes deferred persistence:
// the session record first, then the buffered messages, so a crash between
// the writes cannot leave messages without a session record.
func (s *Session) completeRekey(oldID, newID string) {
	if s.onRekey != nil {
		s.onRekey(oldID, newID)
	}

	rec := s.Record()
	s.persistRecord(rec)

	s.mu.Lock()
	unflushed := make([]*types.Message, len(s.messages)-s.persisted)
	copy(unflushed, s.messages[s.persisted:])
	s.mu.Unlock()

	for _, m := range unflushed {
		s.persistMessage(m)
	}
	s.markPersisted(len(unflushed))

	s.bus.PublishSync(event.Event{Type: event.SessionUpdated, Data: event.SessionUpdatedData{Record: rec, PreviousID: oldID}})
	s.log.Info().Str("previous", oldID).Msg("session re-keyed to provider identity")
}

func (s *Session) finishTurn(providerStart time.Time) {
	s.mu.Lock()
	if s.state != types.SessionActive {
		s.mu.Unlock()
		return
	}
	s.applyAgentLocked(agentDone)
	s.applySessionLocked(sessDone)
	s.stats.ProviderMS += time.Since(providerStart).Milliseconds()
	s.lastActivity = time.Now()
	rec := s.recordLocked()
	placeholder := s.placeholder
	s.mu.Unlock()

	s.flushEvents()
	if !placeholder {
		s.persistRecord(rec)
	}
}

// finishAbort settles state after Abort severed the stream.
func (s *Session) finishAbort(providerStart time.Time) {
	s.mu.Lock()
	s.stats.ProviderMS += time.Since(providerStart).Milliseconds()
	s.lastActivity = time.Now()
	rec := s.recordLocked()
	placeholder := s.placeholder
	s.mu.Unlock()

	s.flushEvents()
	if !placeholder {
		s.persistRecord(rec)
	}
}

// failTurn applies the error policy: agent goes to error; the container goes
// back to idle for recoverable failures so the user can retry in the same
// conversation, or to the error state for the curated fatal set.
func (s *Session) failTurn(err error) {
	fatal := isFatal(err)

	s.mu.Lock()
	s.applyAgentLocked(agentFail)
	if fatal {
		s.applySessionLocked(sessFail)
	} else {
		s.applySessionLocked(sessDone)
	}
	errMsg := &types.Message{
		ID:        newID(),
		SessionID: s.id,
		Role:      types.RoleError,
		Text:      err.Error(),
		Fault:     &types.MessageError{Name: "AdapterError", Message: err.Error()},
		Time:      types.MessageTime{Created: time.Now().UnixMilli()},
	}
	s.appendLocked(errMsg)
	s.pending = append(s.pending, event.Event{Type: event.MessageCreated, Data: event.MessageCreatedData{Message: errMsg}})
	s.pending = append(s.pending, event.Event{Type: event.SessionError, Data: event.SessionErrorData{
		SessionID:   s.id,
		Message:     err.Error(),
		Recoverable: !fatal,
	}})
	s.lastActivity = time.Now()
	placeholder := s.placeholder
	rec := s.recordLocked()
	s.mu.Unlock()

	s.flushEvents()
	s.log.Warn().Err(err).Bool("fatal", fatal).Msg("turn failed")
	if !placeholder {
		go s.persistMessage(errMsg)
		s.persistRecord(rec)
	}
}

// Abort severs the active turn. Valid only while the session is active; the
// interrupt reaches the provider call itself so the upstream work actually
// stops.
func (s *Session) Abort() error {
	s.mu.Lock()
	if s.state != types.SessionActive {
		st := s.state
		s.mu.Unlock()
		return &StateConflictError{Op: "abort", State: string(st)}
	}
	s.applySessionLocked(sessAbort)
	switch s.agent {
	case types.AgentThinking, types.AgentSpeaking, types.AgentToolCalling, types.AgentToolWaiting:
		s.applyAgentLocked(agentAbort)
	}
	stream := s.current
	s.lastActivity = time.Now()
	s.mu.Unlock()

	s.flushEvents()
	if stream != nil {
		if err := stream.Interrupt(); err != nil {
			s.log.Warn().Err(err).Msg("provider interrupt failed")
		}
	}
	return nil
}

// Complete marks an idle session as finished; no further sends are accepted.
func (s *Session) Complete() error {
	s.mu.Lock()
	if _, err := sessionTransition(s.state, sessComplete); err != nil {
		st := s.state
		s.mu.Unlock()
		return &StateConflictError{Op: "complete", State: string(st)}
	}
	s.applySessionLocked(sessComplete)
	if s.agent == types.AgentIdle {
		s.applyAgentLocked(agentComplete)
	}
	rec := s.recordLocked()
	placeholder := s.placeholder
	s.mu.Unlock()

	s.flushEvents()
	if !placeholder {
		s.persistRecord(rec)
	}
	return nil
}

// Reset clears an agent error without a new user message.
func (s *Session) Reset() error {
	s.mu.Lock()
	if _, err := agentTransition(s.agent, agentReset); err != nil {
		st := s.agent
		s.mu.Unlock()
		return &StateConflictError{Op: "reset", State: string(st)}
	}
	s.applyAgentLocked(agentReset)
	s.mu.Unlock()
	s.flushEvents()
	return nil
}

// markDeleted transitions the container to its terminal deleted state.
// Called by the manager, which owns the live map.
func (s *Session) markDeleted() {
	s.mu.Lock()
	if s.state != types.SessionDeleted {
		s.state = types.SessionDeleted
	}
	s.mu.Unlock()
}

// appendLocked appends to the in-memory history. History is append-only for
// the lifetime of the session; the only later mutation is filling a tool
// result slot.
func (s *Session) appendLocked(m *types.Message) {
	s.messages = append(s.messages, m)
	if m.Role == types.RoleUser {
		s.stats.Turns++
	}
	s.stats.Messages = len(s.messages)
}

func (s *Session) recomputeLocked() {
	s.stats.Messages = len(s.messages)
	s.stats.DurationMS = time.Since(s.createdAt).Milliseconds()
	if s.providerCost > 0 {
		s.stats.CostUSD = s.providerCost
	} else {
		s.stats.CostUSD = s.pricing.Cost(s.usage, s.cfg.Model)
	}
}

// applySessionLocked transitions the session machine and queues the
// transition event. Invalid events are logged and dropped at this level;
// operations validate their own preconditions first.
func (s *Session) applySessionLocked(ev sessionEvent) {
	next, err := sessionTransition(s.state, ev)
	if err != nil {
		s.log.Error().Err(err).Msg("rejected session transition")
		return
	}
	if next == s.state && ev != sessSend {
		return
	}
	from := s.state
	s.state = next
	s.pending = append(s.pending, event.Event{Type: event.SessionState, Data: event.SessionStateData{
		SessionID: s.id, From: from, To: next,
	}})
}

func (s *Session) applyAgentLocked(ev agentEvent) {
	next, err := agentTransition(s.agent, ev)
	if err != nil {
		s.log.Error().Err(err).Msg("rejected agent transition")
		return
	}
	if next == s.agent {
		return
	}
	from := s.agent
	s.agent = next
	s.pending = append(s.pending, event.Event{Type: event.AgentState, Data: event.AgentStateData{
		SessionID: s.id, From: from, To: next,
	}})
}

// flushEvents publishes queued transition/message events in order.
func (s *Session) flushEvents() {
	s.mu.Lock()
	pend := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, e := range pend {
		s.bus.PublishSync(e)
	}
}

func (s *Session) isPlaceholder() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.placeholder
}

func (s *Session) markPersisted(n int) {
	s.mu.Lock()
	s.persisted += n
	s.mu.Unlock()
}

// persistMessage writes one message to the transcript. Persistence failures
// never reach the stream loop; they surface as events and logs only.
func (s *Session) persistMessage(m *types.Message) {
	sid := m.SessionID
	s.bus.Publish(event.Event{Type: event.PersistStarted, Data: event.PersistData{SessionID: sid, MessageID: m.ID}})
	if err := s.store.SaveMessage(context.Background(), sid, m); err != nil {
		s.log.Error().Err(err).Str("message", m.ID).Msg("failed to persist message")
		s.bus.Publish(event.Event{Type: event.PersistFailed, Data: event.PersistData{SessionID: sid, MessageID: m.ID, Error: err.Error()}})
		return
	}
	s.bus.Publish(event.Event{Type: event.PersistSuccess, Data: event.PersistData{SessionID: sid, MessageID: m.ID}})
}

func (s *Session) persistRecord(rec *types.SessionRecord) {
	if err := s.store.SaveSession(context.Background(), rec); err != nil {
		s.log.Error().Err(err).Msg("failed to persist session record")
		s.bus.Publish(event.Event{Type: event.PersistFailed, Data: event.PersistData{SessionID: rec.ID, Error: err.Error()}})
	}
}

func isFatal(err error) bool {
	msg := err.Error()
	for _, p := range fatalErrorPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func singleText(content []types.ContentBlock) (string, bool) {
	if len(content) == 1 && content[0].Type == "text" {
		return content[0].Text, true
	}
	return "", false
}

func newID() string {
	return ulid.Make().String()
}
