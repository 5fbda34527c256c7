package core

import (
	"strings"

	"github.com/qbit-ai/qbitsync/schema"
)

// historyBuffer keeps a user's prompt history, newest last. Blank and
// immediately repeated entries are skipped.
type historyBuffer struct {
	entries []string
	max     int
}

func newHistory(max int) *historyBuffer {
	if max <= 0 {
		max = schema.DefaultHistoryMax
	}
	return &historyBuffer{max: max}
}

func (h *historyBuffer) Append(entry string) bool {
	if h == nil {
		return false
	}
	if strings.TrimSpace(entry) == "" {
		return false
	}
	if len(h.entries) > 0 && h.entries[len(h.entries)-1] == entry {
		return false
	}
	h.entries = append(h.entries, entry)
	if len(h.entries) > h.max {
		h.entries = h.entries[len(h.entries)-h.max:]
	}
	return true
}

func (h *historyBuffer) Entries() []string {
	if h == nil {
		return nil
	}
	return append([]string(nil), h.entries...)
}
