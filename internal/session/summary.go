package session

import (
	"strings"

	"github.com/parley-ai/parley/internal/provider"
	"github.com/parley-ai/parley/pkg/types"
)

// SummaryPlaceholder is used when no qualifying user message exists.
const SummaryPlaceholder = "New conversation"

const summaryMaxLen = 80

// noisePrefixes marks system/bookkeeping user messages that must never
// become a session summary: warmup probes, slash-command framing,
// continuation banners, system-reminder blocks.
var noisePrefixes = []string{
	"<command-name>",
	"<command-message>",
	"<local-command-stdout>",
	"<system-reminder>",
	"Caveat: ",
	"This session is being continued from",
}

// errorBlobPrefixes identify persisted user text that is actually a raw
// provider error dump. Sessions whose summary degenerates to one of these
// are hidden from listings.
var errorBlobPrefixes = []string{
	`{"type":"error"`,
	"API Error",
}

// isNoiseText reports whether a user message is bookkeeping rather than a
// real question. This filter is the single source of truth for summary
// derivation, persisted summaries, and listing exclusion.
func isNoiseText(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return true
	}
	if t == provider.WarmupProbe {
		return true
	}
	for _, p := range noisePrefixes {
		if strings.HasPrefix(t, p) {
			return true
		}
	}
	return false
}

// IsErrorBlob reports whether a derived summary is a raw error dump.
func IsErrorBlob(summary string) bool {
	t := strings.TrimSpace(summary)
	for _, p := range errorBlobPrefixes {
		if strings.HasPrefix(t, p) {
			return true
		}
	}
	return false
}

// summarize derives a short label from the first real user message.
func summarize(messages []*types.Message) string {
	for _, m := range messages {
		if m.Role != types.RoleUser {
			continue
		}
		text := m.ContentText()
		if isNoiseText(text) {
			continue
		}
		return firstLine(text)
	}
	return SummaryPlaceholder
}

func firstLine(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	if len(text) > summaryMaxLen {
		text = strings.TrimSpace(text[:summaryMaxLen]) + "..."
	}
	return text
}
