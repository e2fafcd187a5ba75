package testutil

import (
	"context"
	"net/http/httptest"
	"os"

	"github.com/parley-ai/parley/internal/event"
	"github.com/parley-ai/parley/internal/server"
	"github.com/parley-ai/parley/internal/session"
	"github.com/parley-ai/parley/internal/store"
)

// TestServer wraps a fully wired server over a scripted adapter.
type TestServer struct {
	BaseURL string

	Adapter *ScriptedAdapter
	Manager *session.Manager
	Bus     *event.Bus

	httpSrv *httptest.Server
	dataDir string
}

// StartTestServer boots a server with a temp transcript directory and no
// warm pool.
func StartTestServer() (*TestServer, error) {
	dir, err := os.MkdirTemp("", "parley-citest-*")
	if err != nil {
		return nil, err
	}

	adapter := NewScriptedAdapter()
	bus := event.NewBus()
	st := store.New(dir)
	manager := session.NewManager(adapter, st, bus, session.ManagerConfig{
		Session: session.Config{Model: "claude-sonnet-4-5", TokenBudget: 200000},
	})
	if err := manager.Start(context.Background()); err != nil {
		bus.Close()
		os.RemoveAll(dir)
		return nil, err
	}

	srv := server.New(server.DefaultConfig(), manager, bus)
	httpSrv := httptest.NewServer(srv.Router())

	return &TestServer{
		BaseURL: httpSrv.URL,
		Adapter: adapter,
		Manager: manager,
		Bus:     bus,
		httpSrv: httpSrv,
		dataDir: dir,
	}, nil
}

// Client returns an HTTP client bound to the server.
func (s *TestServer) Client() *TestClient {
	return NewTestClient(s.BaseURL)
}

// SSEClient returns an SSE reader bound to the server.
func (s *TestServer) SSEClient() *SSEClient {
	return NewSSEClient(s.BaseURL)
}

// Stop shuts everything down and removes the data directory.
func (s *TestServer) Stop() {
	s.httpSrv.Close()
	s.Manager.Stop()
	s.Bus.Close()
	os.RemoveAll(s.dataDir)
}
