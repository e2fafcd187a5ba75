// Package testutil provides helpers for integration-style tests against the
// HTTP server: a scripted provider adapter, a test server harness, an HTTP
// client, and an SSE reader.
package testutil

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/parley-ai/parley/internal/provider"
	"github.com/parley-ai/parley/pkg/types"
)

// ScriptedStream replays a fixed provider event sequence, then EOF.
type ScriptedStream struct {
	mu     sync.Mutex
	events []*provider.Event
	idx    int
}

// NewScriptedStream builds a stream over the given events.
func NewScriptedStream(events ...*provider.Event) *ScriptedStream {
	return &ScriptedStream{events: events}
}

func (s *ScriptedStream) Recv() (*provider.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx < len(s.events) {
		e := s.events[s.idx]
		s.idx++
		return e, nil
	}
	return nil, io.EOF
}

func (s *ScriptedStream) Interrupt() error { return nil }
func (s *ScriptedStream) Close() error     { return nil }

// ScriptedAdapter hands out scripted streams in order. When the script runs
// dry it synthesizes a minimal turn, so tests that only care about the HTTP
// surface need no explicit script.
type ScriptedAdapter struct {
	mu      sync.Mutex
	streams []provider.Stream
	warmIDs []string
	nextID  int
}

// NewScriptedAdapter builds an adapter with optional pre-scripted streams.
func NewScriptedAdapter(streams ...provider.Stream) *ScriptedAdapter {
	return &ScriptedAdapter{streams: streams}
}

// AddStream appends a scripted stream.
func (a *ScriptedAdapter) AddStream(s provider.Stream) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.streams = append(a.streams, s)
}

// AddWarmIDs seeds identities returned by Warmup.
func (a *ScriptedAdapter) AddWarmIDs(ids ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.warmIDs = append(a.warmIDs, ids...)
}

func (a *ScriptedAdapter) Stream(ctx context.Context, content []types.ContentBlock, opts provider.StreamOptions) (provider.Stream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.streams) > 0 {
		s := a.streams[0]
		a.streams = a.streams[1:]
		return s, nil
	}

	id := opts.ResumeID
	if id == "" {
		a.nextID++
		id = "scripted_" + string(rune('a'+a.nextID%26)) + time.Now().Format("150405.000000")
	}
	return NewScriptedStream(
		&provider.Event{SessionID: id},
		&provider.Event{Message: &types.Message{
			ID:   "reply_" + id,
			Role: types.RoleAgent,
			Text: "OK",
			Time: types.MessageTime{Created: time.Now().UnixMilli()},
		}},
		&provider.Event{Usage: &types.TokenUsage{Input: 5, Output: 1}},
	), nil
}

func (a *ScriptedAdapter) Warmup(ctx context.Context, opts provider.StreamOptions) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.warmIDs) == 0 {
		return "", errors.New("testutil: no warm ids scripted")
	}
	id := a.warmIDs[0]
	a.warmIDs = a.warmIDs[1:]
	return id, nil
}
