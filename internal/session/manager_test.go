package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/internal/event"
	"github.com/parley-ai/parley/internal/provider"
	"github.com/parley-ai/parley/internal/store"
	"github.com/parley-ai/parley/pkg/types"
)

func newTestManager(t *testing.T, adapter provider.Adapter) (*Manager, *store.Store, *event.Bus) {
	t.Helper()
	st := store.New(t.TempDir())
	bus := event.NewBus()
	t.Cleanup(func() { bus.Close() })
	cfg := ManagerConfig{
		Session: Config{Workspace: "/tmp/ws", Model: "claude-sonnet-4-5", TokenBudget: 200000},
	}
	return NewManager(adapter, st, bus, cfg), st, bus
}

func TestCreateAssignsPlaceholderWithoutPool(t *testing.T) {
	adapter := &fakeAdapter{}
	m, _, _ := newTestManager(t, adapter)

	s, err := m.Create(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(s.ID(), placeholderPrefix))
	assert.Equal(t, types.SessionCreated, s.State())

	got, err := m.Get(s.ID())
	require.NoError(t, err)
	assert.Same(t, s, got)
}

func TestCreateClaimsWarmSession(t *testing.T) {
	adapter := &fakeAdapter{warmIDs: []string{"warm_1", "warm_2"}}
	m, _, _ := newTestManager(t, adapter)
	m.pool = NewPool(adapter, provider.StreamOptions{}, 1)
	require.NoError(t, m.pool.Initialize(context.Background()))

	s, err := m.Create(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "warm_1", s.ID())
	assert.False(t, strings.HasPrefix(s.ID(), placeholderPrefix))
}

func TestCreateWithInitialContentStartsTurn(t *testing.T) {
	stream := &scriptedStream{events: []*provider.Event{
		{SessionID: "prov_init"},
		{Message: agentMsg("m1", "hello back")},
	}}
	adapter := &fakeAdapter{streams: []provider.Stream{stream}}
	m, _, _ := newTestManager(t, adapter)

	s, err := m.Create(context.Background(), []types.ContentBlock{types.TextBlock("hello")})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s.State() == types.SessionIdle
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "prov_init", s.ID())
	assert.Len(t, s.Messages(0, 0), 2)
}

func TestRekeyReindexesLiveMap(t *testing.T) {
	stream := &scriptedStream{events: []*provider.Event{
		{SessionID: "prov_rekey"},
		{Message: agentMsg("m1", "hi")},
	}}
	adapter := &fakeAdapter{streams: []provider.Stream{stream}}
	m, _, _ := newTestManager(t, adapter)

	s, err := m.Create(context.Background(), nil)
	require.NoError(t, err)
	oldID := s.ID()

	require.NoError(t, s.Send(context.Background(), []types.ContentBlock{types.TextBlock("hi")}))

	_, err = m.Get(oldID)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := m.Get("prov_rekey")
	require.NoError(t, err)
	assert.Same(t, s, got)
}

func TestDeleteRemovesSessionAndTranscript(t *testing.T) {
	stream := &scriptedStream{events: []*provider.Event{
		{SessionID: "prov_del"},
		{Message: agentMsg("m1", "bye")},
	}}
	adapter := &fakeAdapter{streams: []provider.Stream{stream}}
	m, st, bus := newTestManager(t, adapter)

	var mu sync.Mutex
	deleted := []string{}
	unsub := bus.Subscribe(event.SessionDeleted, func(e event.Event) {
		mu.Lock()
		deleted = append(deleted, e.Data.(event.SessionDeletedData).SessionID)
		mu.Unlock()
	})
	defer unsub()

	s, err := m.Create(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), []types.ContentBlock{types.TextBlock("bye")}))

	// Wait for background message persistence before deleting, so a late
	// write cannot recreate the transcript.
	require.Eventually(t, func() bool {
		msgs, err := st.Messages(context.Background(), "prov_del")
		return err == nil && len(msgs) == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Delete(context.Background(), "prov_del"))
	assert.Equal(t, types.SessionDeleted, s.State())

	_, err = m.Get("prov_del")
	assert.ErrorIs(t, err, ErrNotFound)

	_, statErr := os.Stat(filepath.Join(st.Dir(), "prov_del.jsonl"))
	assert.True(t, os.IsNotExist(statErr))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(deleted) == 1 && deleted[0] == "prov_del"
	}, time.Second, 5*time.Millisecond)
}

func TestDeleteUnknownIsNoOp(t *testing.T) {
	adapter := &fakeAdapter{}
	m, _, _ := newTestManager(t, adapter)
	assert.NoError(t, m.Delete(context.Background(), "never-existed"))
}

func TestListOrdersByRecencyAndHidesErrorBlobs(t *testing.T) {
	adapter := &fakeAdapter{}
	m, _, _ := newTestManager(t, adapter)

	older := newSession("s_older", false, m.cfg.Session, adapter, m.store, m.bus, m.pricing, nil)
	older.state = types.SessionIdle
	older.appendLocked(userMsg("older question"))
	older.lastActivity = time.Now().Add(-time.Hour)

	newer := newSession("s_newer", false, m.cfg.Session, adapter, m.store, m.bus, m.pricing, nil)
	newer.state = types.SessionIdle
	newer.appendLocked(userMsg("newer question"))
	newer.lastActivity = time.Now()

	blob := newSession("s_blob", false, m.cfg.Session, adapter, m.store, m.bus, m.pricing, nil)
	blob.state = types.SessionIdle
	blob.appendLocked(userMsg(`{"type":"error","message":"overloaded"}`))

	m.mu.Lock()
	m.sessions["s_older"] = older
	m.sessions["s_newer"] = newer
	m.sessions["s_blob"] = blob
	m.mu.Unlock()

	items := m.List(0, 0)
	require.Len(t, items, 2)
	assert.Equal(t, "s_newer", items[0].ID)
	assert.Equal(t, "s_older", items[1].ID)
	assert.Equal(t, "newer question", items[0].Summary)

	page := m.List(1, 1)
	require.Len(t, page, 1)
	assert.Equal(t, "s_older", page[0].ID)

	assert.Nil(t, m.List(0, 10))
}

func TestLoadHistoricalRestoresSessions(t *testing.T) {
	adapter := &fakeAdapter{}
	dir := t.TempDir()
	st := store.New(dir)
	ctx := context.Background()

	require.NoError(t, st.SaveSession(ctx, &types.SessionRecord{
		ID:    "hist_1",
		Model: "claude-sonnet-4-5",
		State: types.SessionIdle,
		Time:  types.SessionTime{Created: 1000, Updated: 2000},
	}))
	require.NoError(t, st.SaveMessage(ctx, "hist_1", &types.Message{
		ID: "u1", SessionID: "hist_1", Role: types.RoleUser, Text: "old question",
		Time: types.MessageTime{Created: 1500},
	}))
	require.NoError(t, st.SaveMessage(ctx, "hist_1", &types.Message{
		ID: "a1", SessionID: "hist_1", Role: types.RoleAgent, Text: "old answer",
		Usage: &types.TokenUsage{Input: 10, Output: 20},
		Time:  types.MessageTime{Created: 1600},
	}))

	bus := event.NewBus()
	t.Cleanup(func() { bus.Close() })
	m := NewManager(adapter, st, bus, ManagerConfig{
		Session: Config{Model: "claude-sonnet-4-5", TokenBudget: 200000},
	})

	require.NoError(t, m.LoadHistorical(ctx))

	s, err := m.Get("hist_1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionIdle, s.State())
	assert.Equal(t, types.AgentIdle, s.AgentState())
	assert.Len(t, s.Messages(0, 0), 2)
	assert.Equal(t, "old question", s.Summary())

	u := s.Usage()
	assert.Equal(t, 10, u.Input)
	assert.Equal(t, 20, u.Output)
	assert.Equal(t, 30, u.Used)
}

func TestLoadHistoricalSkipsLiveSessions(t *testing.T) {
	adapter := &fakeAdapter{}
	m, st, _ := newTestManager(t, adapter)
	ctx := context.Background()

	live := newSession("dup_1", false, m.cfg.Session, adapter, st, m.bus, m.pricing, nil)
	m.mu.Lock()
	m.sessions["dup_1"] = live
	m.mu.Unlock()

	require.NoError(t, st.SaveSession(ctx, &types.SessionRecord{
		ID: "dup_1", State: types.SessionIdle,
		Time: types.SessionTime{Created: 1, Updated: 2},
	}))

	require.NoError(t, m.LoadHistorical(ctx))

	got, err := m.Get("dup_1")
	require.NoError(t, err)
	assert.Same(t, live, got, "live session is authoritative over its transcript")
}

func TestSweepDeletesExpiredCreatedSessions(t *testing.T) {
	adapter := &fakeAdapter{}
	m, _, _ := newTestManager(t, adapter)
	m.cfg.CreatedTTL = time.Minute

	stale, err := m.Create(context.Background(), nil)
	require.NoError(t, err)
	staleID := stale.ID()
	stale.mu.Lock()
	stale.createdAt = time.Now().Add(-2 * time.Minute)
	stale.mu.Unlock()

	fresh, err := m.Create(context.Background(), nil)
	require.NoError(t, err)

	m.sweepOnce()

	_, err = m.Get(staleID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, types.SessionDeleted, stale.State())

	_, err = m.Get(fresh.ID())
	assert.NoError(t, err, "fresh sessions survive the sweep")
}

func TestSweepAbortsStuckTurns(t *testing.T) {
	stream := newBlockingStream()
	adapter := &fakeAdapter{streams: []provider.Stream{stream}}
	m, _, _ := newTestManager(t, adapter)
	m.cfg.TurnTTL = time.Minute

	s, err := m.Create(context.Background(), nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- s.Send(context.Background(), []types.ContentBlock{types.TextBlock("work")})
	}()
	require.Eventually(t, func() bool {
		return s.State() == types.SessionActive
	}, time.Second, 5*time.Millisecond)

	s.mu.Lock()
	s.lastActivity = time.Now().Add(-2 * time.Minute)
	s.mu.Unlock()

	m.sweepOnce()

	require.NoError(t, <-done)
	assert.Equal(t, types.SessionAborted, s.State())
}

func TestWatcherAbsorbsExternalTranscript(t *testing.T) {
	adapter := &fakeAdapter{}
	m, st, _ := newTestManager(t, adapter)
	m.cfg.Watch = true

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	// Assemble the transcript outside the watched directory, then move it in
	// whole so the watcher sees a complete file.
	ctx := context.Background()
	scratch := store.New(t.TempDir())
	require.NoError(t, scratch.SaveSession(ctx, &types.SessionRecord{
		ID: "ext_1", State: types.SessionIdle,
		Time: types.SessionTime{Created: 1000, Updated: 2000},
	}))
	require.NoError(t, scratch.SaveMessage(ctx, "ext_1", &types.Message{
		ID: "u1", SessionID: "ext_1", Role: types.RoleUser, Text: "written elsewhere",
		Time: types.MessageTime{Created: 1500},
	}))
	require.NoError(t, os.Rename(
		filepath.Join(scratch.Dir(), "ext_1.jsonl"),
		filepath.Join(st.Dir(), "ext_1.jsonl"),
	))

	require.Eventually(t, func() bool {
		_, err := m.Get("ext_1")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	s, err := m.Get("ext_1")
	require.NoError(t, err)
	assert.Equal(t, "written elsewhere", s.Summary())
	assert.Equal(t, types.SessionIdle, s.State())
}

func TestActiveCount(t *testing.T) {
	stream := newBlockingStream()
	adapter := &fakeAdapter{streams: []provider.Stream{stream}}
	m, _, _ := newTestManager(t, adapter)

	assert.Zero(t, m.ActiveCount())

	s, err := m.Create(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, m.ActiveCount(), "a created session already holds capacity")

	done := make(chan error, 1)
	go func() {
		done <- s.Send(context.Background(), []types.ContentBlock{types.TextBlock("work")})
	}()
	require.Eventually(t, func() bool {
		return s.State() == types.SessionActive
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, m.ActiveCount())

	require.NoError(t, s.Abort())
	require.NoError(t, <-done)
	assert.Zero(t, m.ActiveCount(), "aborted sessions no longer count")
}
