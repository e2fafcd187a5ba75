// Package transcript defines the persisted conversation-entry-per-line
// transcript format and loads historical sessions from it.
package transcript

import (
	"encoding/json"

	"github.com/parley-ai/parley/pkg/types"
)

// Entry types. Both "agent" and the legacy "assistant" spelling are accepted
// on read; "agent" is written.
const (
	EntryUser    = "user"
	EntryAgent   = "agent"
	EntryError   = "error"
	EntrySummary = "summary"
)

// Entry is one self-describing transcript line.
type Entry struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionID,omitempty"`
	Timestamp int64  `json:"timestamp"`
	UUID      string `json:"uuid,omitempty"`

	// Message entries.
	Message *types.Message `json:"message,omitempty"`

	// Summary entries carry the session record and optionally a back-reference
	// to a message uuid, used to attach the summary to a session whose id was
	// not yet known when the summary was written.
	Record   *types.SessionRecord `json:"record,omitempty"`
	LeafUUID string               `json:"leafUuid,omitempty"`
}

// MessageEntry builds a transcript entry for a conversation message.
func MessageEntry(sessionID string, msg *types.Message) Entry {
	t := EntryAgent
	switch msg.Role {
	case types.RoleUser:
		t = EntryUser
	case types.RoleError:
		t = EntryError
	}
	return Entry{
		Type:      t,
		SessionID: sessionID,
		Timestamp: msg.Time.Created,
		UUID:      msg.ID,
		Message:   msg,
	}
}

// SummaryEntry builds a transcript entry for a session record.
func SummaryEntry(rec *types.SessionRecord) Entry {
	return Entry{
		Type:      EntrySummary,
		SessionID: rec.ID,
		Timestamp: rec.Time.Updated,
		Record:    rec,
	}
}

// Encode renders the entry as one JSON line without the trailing newline.
func (e Entry) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// decodeEntry parses one line. Returns false for lines that are not valid
// entries; callers skip those rather than failing the file.
func decodeEntry(line []byte) (Entry, bool) {
	var e Entry
	if err := json.Unmarshal(line, &e); err != nil {
		return Entry{}, false
	}
	switch e.Type {
	case EntryUser, EntryAgent, EntryError, EntrySummary:
		return e, true
	case "assistant":
		e.Type = EntryAgent
		return e, true
	}
	return Entry{}, false
}
