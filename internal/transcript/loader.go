package transcript

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/parley-ai/parley/internal/logging"
	"github.com/parley-ai/parley/pkg/types"
)

// History is a parsed transcript: everything needed to rebuild an in-memory
// session from disk.
type History struct {
	SessionID string
	Record    *types.SessionRecord
	Messages  []*types.Message
	Usage     types.TokenUsage

	// messageIndex maps message uuid to position. Re-appended entries with a
	// known uuid replace the original in place, so updated messages (a tool
	// result filled after the fact) do not duplicate on load.
	messageIndex map[string]int
}

// maxLineBytes bounds a single transcript line. Image blocks are base64 and
// can get large.
const maxLineBytes = 16 * 1024 * 1024

// LoadFile parses one transcript file. Malformed lines are skipped, not
// fatal. Returns an error only when the file cannot be read at all or
// contains no usable session identity.
func LoadFile(path string) (*History, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := &History{messageIndex: make(map[string]int)}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	skipped := 0
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		e, ok := decodeEntry(line)
		if !ok {
			skipped++
			continue
		}
		h.apply(e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read transcript %s: %w", path, err)
	}
	if skipped > 0 {
		logging.Warn().Str("path", path).Int("lines", skipped).Msg("skipped malformed transcript lines")
	}

	if h.SessionID == "" {
		return nil, fmt.Errorf("transcript %s has no session identity", path)
	}
	return h, nil
}

func (h *History) apply(e Entry) {
	if h.SessionID == "" && e.SessionID != "" {
		h.SessionID = e.SessionID
	}

	switch e.Type {
	case EntrySummary:
		if e.Record != nil {
			h.Record = e.Record
		}
	case EntryUser, EntryAgent, EntryError:
		if e.Message == nil {
			return
		}
		if e.UUID != "" {
			if i, seen := h.messageIndex[e.UUID]; seen {
				// Usage was already folded from the original entry.
				h.Messages[i] = e.Message
				return
			}
			h.messageIndex[e.UUID] = len(h.Messages)
		}
		h.Messages = append(h.Messages, e.Message)
		if e.Message.Usage != nil {
			h.Usage.Add(*e.Message.Usage)
		}
	}
}

// HasMessage reports whether the history contains a message with the uuid.
func (h *History) HasMessage(uuid string) bool {
	_, ok := h.messageIndex[uuid]
	return ok
}

// LoadDir parses every *.jsonl transcript under dir. Files that fail to
// parse are skipped. Summary entries carrying only a leafUuid back-reference
// are resolved in a second pass against message uuids seen in the directory.
func LoadDir(dir string) ([]*History, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var histories []*History
	var orphanSummaries []Entry

	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".jsonl") {
			continue
		}
		path := filepath.Join(dir, de.Name())
		orphanSummaries = append(orphanSummaries, collectOrphanSummaries(path)...)
		h, err := LoadFile(path)
		if err != nil {
			logging.Warn().Err(err).Str("path", path).Msg("skipping unparseable transcript")
			continue
		}
		histories = append(histories, h)
	}

	// Second pass: attach leafUuid-only summaries to the session holding the
	// referenced message.
	for _, s := range orphanSummaries {
		for _, h := range histories {
			if h.HasMessage(s.LeafUUID) {
				if s.Record != nil {
					s.Record.ID = h.SessionID
					h.Record = s.Record
				}
				break
			}
		}
	}

	return histories, nil
}

// collectOrphanSummaries re-reads a file for summary entries that lack a
// session id but carry a leafUuid.
func collectOrphanSummaries(path string) []Entry {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		e, ok := decodeEntry(sc.Bytes())
		if !ok {
			continue
		}
		if e.Type == EntrySummary && e.SessionID == "" && e.LeafUUID != "" {
			out = append(out, e)
		}
	}
	return out
}
