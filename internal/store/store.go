// Package store persists session transcripts as append-only JSONL files,
// one file per session.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/parley-ai/parley/internal/transcript"
	"github.com/parley-ai/parley/pkg/types"
)

// ErrNotFound is returned for sessions with no transcript on disk.
var ErrNotFound = errors.New("not found")

// Store is the message persister. Writes append a single self-describing
// line; reads parse the whole file through the transcript loader.
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*fileLock
}

// New creates a store rooted at dir. The directory is created lazily on
// first write.
func New(dir string) *Store {
	return &Store{dir: dir, locks: make(map[string]*fileLock)}
}

// Dir returns the transcript directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".jsonl")
}

// SaveMessage appends one message entry to the session transcript.
func (s *Store) SaveMessage(ctx context.Context, sessionID string, msg *types.Message) error {
	return s.append(transcript.MessageEntry(sessionID, msg))
}

// SaveSession appends a summary entry carrying the session record. The
// latest summary entry in a file wins on read.
func (s *Store) SaveSession(ctx context.Context, rec *types.SessionRecord) error {
	return s.append(transcript.SummaryEntry(rec))
}

func (s *Store) append(e transcript.Entry) error {
	if e.SessionID == "" {
		return fmt.Errorf("append: empty session id")
	}

	data, err := e.Encode()
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create transcript dir: %w", err)
	}

	path := s.path(e.SessionID)
	lock := s.lockFor(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock transcript: %w", err)
	}
	defer lock.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

// Messages returns the ordered message history for a session.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]*types.Message, error) {
	h, err := s.load(sessionID)
	if err != nil {
		return nil, err
	}
	return h.Messages, nil
}

// Record returns the latest persisted session record.
func (s *Store) Record(ctx context.Context, sessionID string) (*types.SessionRecord, error) {
	h, err := s.load(sessionID)
	if err != nil {
		return nil, err
	}
	if h.Record == nil {
		return nil, ErrNotFound
	}
	return h.Record, nil
}

func (s *Store) load(sessionID string) (*transcript.History, error) {
	h, err := transcript.LoadFile(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return h, nil
}

// Delete removes a session transcript. Deleting an absent transcript
// succeeds.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	path := s.path(sessionID)
	lock := s.lockFor(path)
	if err := lock.Lock(); err != nil {
		return err
	}
	defer lock.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete transcript: %w", err)
	}
	return nil
}

// List returns the session ids that have transcripts on disk.
func (s *Store) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".jsonl"))
	}
	return ids, nil
}

func (s *Store) lockFor(path string) *fileLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[path]
	if !ok {
		lock = newFileLock(path)
		s.locks[path] = lock
	}
	return lock
}
