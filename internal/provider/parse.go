package provider

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/parley-ai/parley/pkg/types"
)

// Raw shapes of the provider's stream-json protocol. Only the fields the
// orchestration layer cares about are decoded.

type rawEvent struct {
	Type         string      `json:"type"`
	Subtype      string      `json:"subtype"`
	SessionID    string      `json:"session_id"`
	Message      *rawMessage `json:"message"`
	IsError      bool        `json:"is_error"`
	Result       string      `json:"result"`
	TotalCostUSD float64     `json:"total_cost_usd"`
	Usage        *rawUsage   `json:"usage"`
}

type rawMessage struct {
	ID      string     `json:"id"`
	Role    string     `json:"role"`
	Content []rawBlock `json:"content"`
	Usage   *rawUsage  `json:"usage"`
}

type rawBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text"`

	// tool_use
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`

	// tool_result
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

type rawUsage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheReadTokens     int `json:"cache_read_input_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens"`
}

func (u *rawUsage) toDelta() *types.TokenUsage {
	if u == nil {
		return nil
	}
	d := types.TokenUsage{
		Input:         u.InputTokens,
		Output:        u.OutputTokens,
		CacheRead:     u.CacheReadTokens,
		CacheCreation: u.CacheCreationTokens,
	}
	d.Used = d.Input + d.Output + d.CacheRead + d.CacheCreation
	if d.Used == 0 {
		return nil
	}
	return &d
}

// parsed is one outcome of parsing a protocol line: either a normalized
// event or a terminal stream error.
type parsed struct {
	event *Event
	err   error
}

// parseLine translates one protocol line into zero or more normalized
// events. A single assistant line can fan out into several domain messages,
// one per content block. Returns an error for lines that are not protocol
// events at all; those are skipped by the caller.
func parseLine(line []byte) ([]parsed, error) {
	var raw rawEvent
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("decode provider event: %w", err)
	}

	switch raw.Type {
	case "system":
		// Only the init event matters: it is the earliest carrier of the
		// provider session identity. Other system events are bookkeeping.
		if raw.Subtype == "init" && raw.SessionID != "" {
			return []parsed{{event: &Event{SessionID: raw.SessionID}}}, nil
		}
		return nil, nil

	case "assistant":
		return parseAssistant(raw), nil

	case "user":
		// Provider-synthesized "user" events carry tool results back to the
		// model. They are not authored by the human and never reach history;
		// the tool results fill existing tool-use messages.
		return parseToolResults(raw), nil

	case "result":
		return parseResult(raw), nil
	}

	return nil, fmt.Errorf("unknown provider event type %q", raw.Type)
}

func parseAssistant(raw rawEvent) []parsed {
	if raw.Message == nil {
		return nil
	}
	now := time.Now().UnixMilli()

	var out []parsed
	for i, b := range raw.Message.Content {
		var msg *types.Message
		switch b.Type {
		case "text":
			if b.Text == "" {
				continue
			}
			msg = &types.Message{
				Role: types.RoleAgent,
				Text: b.Text,
				Time: types.MessageTime{Created: now},
			}
		case "tool_use":
			msg = &types.Message{
				Role:       types.RoleAgent,
				Time:       types.MessageTime{Created: now},
				ToolCallID: b.ID,
				ToolName:   b.Name,
				ToolInput:  b.Input,
			}
		default:
			continue
		}
		msg.ID = blockID(raw.Message.ID, i)
		out = append(out, parsed{event: &Event{SessionID: raw.SessionID, Message: msg}})
	}

	if delta := raw.Message.Usage.toDelta(); delta != nil {
		out = append(out, parsed{event: &Event{SessionID: raw.SessionID, Usage: delta}})
	}
	return out
}

func parseToolResults(raw rawEvent) []parsed {
	if raw.Message == nil {
		return nil
	}
	var out []parsed
	for _, b := range raw.Message.Content {
		if b.Type != "tool_result" || b.ToolUseID == "" {
			continue
		}
		out = append(out, parsed{event: &Event{
			SessionID: raw.SessionID,
			ToolResult: &ToolResult{
				ToolCallID: b.ToolUseID,
				Output:     flattenResult(b.Content),
				IsError:    b.IsError,
			},
		}})
	}
	return out
}

func parseResult(raw rawEvent) []parsed {
	if raw.IsError {
		msg := raw.Result
		if msg == "" {
			msg = raw.Subtype
		}
		return []parsed{{err: fmt.Errorf("provider result: %s", msg)}}
	}
	// Usage on the result line repeats the per-message deltas already folded;
	// only cost and identity are new here.
	return []parsed{{event: &Event{
		SessionID: raw.SessionID,
		CostUSD:   raw.TotalCostUSD,
	}}}
}

// flattenResult renders a tool_result content payload, which the protocol
// allows as a bare string or a block array, into plain text.
func flattenResult(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}
	var blocks []rawBlock
	if err := json.Unmarshal(content, &blocks); err == nil {
		var out string
		for _, b := range blocks {
			if b.Type == "text" {
				if out != "" {
					out += "\n"
				}
				out += b.Text
			}
		}
		return out
	}
	return string(content)
}

func blockID(messageID string, idx int) string {
	if messageID == "" {
		return newMessageID()
	}
	return fmt.Sprintf("%s_%d", messageID, idx)
}
