package session

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/parley-ai/parley/internal/event"
	"github.com/parley-ai/parley/internal/logging"
	"github.com/parley-ai/parley/internal/provider"
	"github.com/parley-ai/parley/internal/store"
	"github.com/parley-ai/parley/internal/transcript"
	"github.com/parley-ai/parley/pkg/types"
)

// ManagerConfig tunes the manager's lifecycle policies.
type ManagerConfig struct {
	Session      Config
	WarmPoolSize int
	// SweepInterval is how often idle-session housekeeping runs. Zero
	// disables the sweep.
	SweepInterval time.Duration
	// CreatedTTL removes sessions that were created but never sent to.
	CreatedTTL time.Duration
	// TurnTTL aborts turns that have been active longer than this.
	TurnTTL time.Duration
	// Watch enables the transcript directory watcher.
	Watch bool
}

// Manager owns the live session map: creation, lookup, listing, deletion,
// historical loading, and the re-key hook that keeps the map consistent when
// a session adopts its provider identity.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	adapter provider.Adapter
	store   *store.Store
	bus     *event.Bus
	pool    *Pool
	pricing *PricingTable
	cfg     ManagerConfig
	log     zerolog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// ListItem is one row of a session listing.
type ListItem struct {
	ID         string                  `json:"id"`
	Summary    string                  `json:"summary"`
	State      types.SessionState      `json:"state"`
	AgentState types.AgentState        `json:"agentState"`
	Updated    int64                   `json:"updated"`
	Usage      types.TokenUsage        `json:"usage"`
	Stats      types.SessionStatistics `json:"stats"`
}

// NewManager wires a manager over the given adapter, store, and bus.
func NewManager(adapter provider.Adapter, st *store.Store, bus *event.Bus, cfg ManagerConfig) *Manager {
	warmOpts := provider.StreamOptions{
		Model:          cfg.Session.Model,
		Workspace:      cfg.Session.Workspace,
		PermissionMode: cfg.Session.PermissionMode,
		AllowedTools:   cfg.Session.AllowedTools,
	}
	return &Manager{
		sessions: make(map[string]*Session),
		adapter:  adapter,
		store:    st,
		bus:      bus,
		pool:     NewPool(adapter, warmOpts, cfg.WarmPoolSize),
		pricing:  DefaultPricing(),
		cfg:      cfg,
		log:      logging.Component("manager"),
		done:     make(chan struct{}),
	}
}

// Start loads historical sessions, fills the warmup pool, and launches the
// sweep and the transcript watcher. Pool fill failures are non-fatal.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.LoadHistorical(ctx); err != nil {
		m.log.Warn().Err(err).Msg("historical load failed")
	}
	if err := m.pool.Initialize(ctx); err != nil {
		m.log.Warn().Err(err).Msg("warmup pool initialization incomplete")
	}
	if m.cfg.SweepInterval > 0 {
		m.wg.Add(1)
		go m.sweepLoop()
	}
	if m.cfg.Watch {
		if err := m.startWatcher(); err != nil {
			m.log.Warn().Err(err).Msg("transcript watcher unavailable")
		}
	}
	return nil
}

// Stop halts background work. Live sessions are left as-is; their records
// are already durable.
func (m *Manager) Stop() {
	close(m.done)
	if m.watcher != nil {
		m.watcher.Close()
	}
	m.wg.Wait()
}

// Create builds a new session, claiming a warm provider session when one is
// available. When initial content is given the first turn starts
// immediately in the background.
func (m *Manager) Create(ctx context.Context, content []types.ContentBlock) (*Session, error) {
	id, warm := m.pool.Acquire()
	placeholder := !warm
	if placeholder {
		id = placeholderPrefix + newID()
	}

	s := newSession(id, placeholder, m.cfg.Session, m.adapter, m.store, m.bus, m.pricing, m.rekey)

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.log.Info().Str("session", id).Bool("warm", warm).Msg("session created")
	m.bus.Publish(event.Event{Type: event.SessionCreated, Data: event.SessionCreatedData{Record: s.Record()}})

	if len(content) > 0 {
		go func() {
			if err := s.Send(context.Background(), content); err != nil {
				m.log.Warn().Err(err).Str("session", s.ID()).Msg("initial send rejected")
			}
		}()
	}
	return s, nil
}

// Get returns a live session by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// List returns sessions ordered by most recent activity. Unclaimed warm
// sessions and sessions whose summary is a raw error dump are hidden.
// limit <= 0 returns all remaining items from offset.
func (m *Manager) List(limit, offset int) []ListItem {
	m.mu.RLock()
	snapshot := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		snapshot = append(snapshot, s)
	}
	m.mu.RUnlock()

	items := make([]ListItem, 0, len(snapshot))
	for _, s := range snapshot {
		id := s.ID()
		if m.pool.Contains(id) {
			continue
		}
		sum := s.Summary()
		if IsErrorBlob(sum) {
			continue
		}
		rec := s.Record()
		items = append(items, ListItem{
			ID:         id,
			Summary:    sum,
			State:      rec.State,
			AgentState: s.AgentState(),
			Updated:    rec.Time.Updated,
			Usage:      rec.Usage,
			Stats:      rec.Stats,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Updated > items[j].Updated })

	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// ActiveCount returns the number of live sessions in a non-terminal state.
// Created, idle, and errored sessions all hold capacity.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	snapshot := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		snapshot = append(snapshot, s)
	}
	m.mu.RUnlock()

	n := 0
	for _, s := range snapshot {
		if !s.State().Terminal() {
			n++
		}
	}
	return n
}

// Delete removes a session from the live map and its transcript from disk.
// Deleting an unknown id is a logged no-op.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		m.log.Debug().Str("session", id).Msg("delete of unknown session ignored")
		return nil
	}
	if s.State() == types.SessionActive {
		if err := s.Abort(); err != nil {
			m.log.Warn().Err(err).Str("session", id).Msg("abort during delete failed")
		}
	}
	s.markDeleted()
	if err := m.store.Delete(ctx, id); err != nil {
		m.log.Warn().Err(err).Str("session", id).Msg("transcript removal failed")
	}
	m.bus.Publish(event.Event{Type: event.SessionDeleted, Data: event.SessionDeletedData{SessionID: id}})
	m.log.Info().Str("session", id).Msg("session deleted")
	return nil
}

// LoadHistorical parses every transcript in the store directory and
// registers the resulting sessions as resumable. Transcripts of already-live
// sessions are skipped.
func (m *Manager) LoadHistorical(ctx context.Context) error {
	histories, err := transcript.LoadDir(m.store.Dir())
	if err != nil {
		return err
	}
	loaded := 0
	for _, h := range histories {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.mu.Lock()
		if _, live := m.sessions[h.SessionID]; live {
			m.mu.Unlock()
			continue
		}
		s := newHistoricalSession(h, m.cfg.Session, m.adapter, m.store, m.bus, m.pricing)
		s.onRekey = m.rekey
		m.sessions[h.SessionID] = s
		m.mu.Unlock()
		loaded++
	}
	if loaded > 0 {
		m.log.Info().Int("sessions", loaded).Msg("historical sessions loaded")
	}
	return nil
}

// rekey moves a session from its placeholder id to the provider identity in
// the live map. Invoked by the session itself, outside its own lock.
func (m *Manager) rekey(oldID, newID string) {
	m.mu.Lock()
	if s, ok := m.sessions[oldID]; ok {
		delete(m.sessions, oldID)
		m.sessions[newID] = s
	}
	m.mu.Unlock()
	m.log.Debug().Str("from", oldID).Str("to", newID).Msg("session re-keyed")
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	t := time.NewTicker(m.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-t.C:
			m.sweepOnce()
		}
	}
}

// sweepOnce removes created-never-sent sessions past their TTL and aborts
// turns running longer than the turn TTL.
func (m *Manager) sweepOnce() {
	m.mu.RLock()
	snapshot := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		snapshot = append(snapshot, s)
	}
	m.mu.RUnlock()

	now := time.Now()
	for _, s := range snapshot {
		switch s.State() {
		case types.SessionCreated:
			if m.cfg.CreatedTTL > 0 && now.Sub(s.CreatedAt()) > m.cfg.CreatedTTL {
				m.log.Info().Str("session", s.ID()).Msg("sweeping never-used session")
				_ = m.Delete(context.Background(), s.ID())
			}
		case types.SessionActive:
			if m.cfg.TurnTTL > 0 && now.Sub(s.LastActivity()) > m.cfg.TurnTTL {
				m.log.Warn().Str("session", s.ID()).Msg("aborting stuck turn")
				if err := s.Abort(); err != nil {
					m.log.Warn().Err(err).Str("session", s.ID()).Msg("sweep abort failed")
				}
			}
		}
	}
}

// startWatcher follows the transcript directory so sessions written by other
// writers become visible without a restart.
func (m *Manager) startWatcher() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(m.store.Dir()); err != nil {
		w.Close()
		return err
	}
	m.watcher = w
	m.wg.Add(1)
	go m.watchLoop()
	return nil
}

func (m *Manager) watchLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !strings.HasSuffix(ev.Name, ".jsonl") {
				continue
			}
			m.absorbTranscript(ev.Name)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.log.Warn().Err(err).Msg("transcript watcher error")
		}
	}
}

// absorbTranscript loads one externally written transcript. Files belonging
// to live sessions are ignored; the live session is authoritative.
func (m *Manager) absorbTranscript(path string) {
	id := strings.TrimSuffix(filepath.Base(path), ".jsonl")
	m.mu.RLock()
	_, live := m.sessions[id]
	m.mu.RUnlock()
	if live {
		return
	}
	h, err := transcript.LoadFile(path)
	if err != nil {
		m.log.Debug().Err(err).Str("path", path).Msg("ignoring unreadable transcript")
		return
	}
	m.mu.Lock()
	if _, dup := m.sessions[h.SessionID]; dup {
		m.mu.Unlock()
		return
	}
	s := newHistoricalSession(h, m.cfg.Session, m.adapter, m.store, m.bus, m.pricing)
	s.onRekey = m.rekey
	m.sessions[h.SessionID] = s
	m.mu.Unlock()
	m.log.Info().Str("session", h.SessionID).Msg("absorbed external transcript")
	m.bus.Publish(event.Event{Type: event.SessionCreated, Data: event.SessionCreatedData{Record: s.Record()}})
}
