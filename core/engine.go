package core

import (
	"sync"

	"github.com/qbit-ai/qbitsync/schema"
)

// bufferView is a snapshot of an engine's visible scrollback state.
type bufferView struct {
	Lines        []string
	TotalLines   int
	ScrollOffset int
	AtBottom     bool
}

// escState tracks ANSI escape parsing across chunk boundaries.
type escState int

const (
	escNone escState = iota
	escEsc
	escCSI
	escOSC
	escOSCEsc
	escCharset
)

// engine holds terminal emulation state for one session: scrollback
// lines, the partial line under construction, scroll position, and
// screen mode flags. Engines outlive view attachments; only session
// teardown disposes them. ScrollOffset counts lines from the bottom,
// 0 means pinned to the live tail.
type engine struct {
	mu           sync.Mutex
	lines        []string
	partial      []rune
	crPending    bool
	scrollOffset int
	maxLines     int
	altScreen    bool
	size         schema.TermSize
	esc          escState
}

func newEngine(maxLines int) *engine {
	if maxLines <= 0 {
		maxLines = schema.DefaultScrollbackMax
	}
	return &engine{maxLines: maxLines}
}

// WriteChunk applies raw terminal bytes to the scrollback. Escape
// sequences are stripped; carriage returns overwrite the current line;
// alternate-screen output is not recorded.
func (e *engine) WriteChunk(data []byte) {
	if len(data) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.altScreen {
		return
	}
	for _, r := range string(data) {
		switch e.esc {
		case escEsc:
			switch r {
			case '[':
				e.esc = escCSI
			case ']':
				e.esc = escOSC
			case '(', ')', '#':
				e.esc = escCharset
			default:
				e.esc = escNone
			}
			continue
		case escCSI:
			if r >= 0x40 && r <= 0x7e {
				e.esc = escNone
			}
			continue
		case escOSC:
			if r == '\a' {
				e.esc = escNone
			} else if r == 0x1b {
				e.esc = escOSCEsc
			}
			continue
		case escOSCEsc:
			if r == '\\' {
				e.esc = escNone
			} else {
				e.esc = escOSC
			}
			continue
		case escCharset:
			e.esc = escNone
			continue
		}
		switch {
		case r == 0x1b:
			e.esc = escEsc
		case r == '\n':
			e.commitLineLocked()
			e.crPending = false
		case r == '\r':
			e.crPending = true
		case r == '\b':
			if len(e.partial) > 0 {
				e.partial = e.partial[:len(e.partial)-1]
			}
		case r == '\t':
			e.applyPrintableLocked('\t')
		case r < 0x20 || r == 0x7f:
			// Remaining control bytes carry no visible content.
		default:
			e.applyPrintableLocked(r)
		}
	}
}

func (e *engine) applyPrintableLocked(r rune) {
	if e.crPending {
		e.partial = e.partial[:0]
		e.crPending = false
	}
	e.partial = append(e.partial, r)
}

func (e *engine) commitLineLocked() {
	e.lines = append(e.lines, string(e.partial))
	e.partial = e.partial[:0]
	if e.scrollOffset > 0 {
		e.scrollOffset++
	}
	if len(e.lines) > e.maxLines {
		trim := len(e.lines) - e.maxLines
		e.lines = e.lines[trim:]
		if e.scrollOffset > len(e.lines) {
			e.scrollOffset = len(e.lines)
		}
	}
}

// SetAltScreen toggles alternate-screen mode. Content drawn on the
// alternate screen never enters the scrollback, and leaving it restores
// the buffer exactly as it was.
func (e *engine) SetAltScreen(enabled bool) {
	e.mu.Lock()
	e.altScreen = enabled
	e.mu.Unlock()
}

// AltScreen reports whether the alternate screen is active.
func (e *engine) AltScreen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.altScreen
}

// Resize records the terminal geometry.
func (e *engine) Resize(size schema.TermSize) {
	e.mu.Lock()
	e.size = size
	e.mu.Unlock()
}

// Size returns the last recorded terminal geometry.
func (e *engine) Size() schema.TermSize {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.size
}

// CurrentLine returns the line currently under construction.
func (e *engine) CurrentLine() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return string(e.partial)
}

// Clear drops all scrollback content and resets scroll position.
func (e *engine) Clear() {
	e.mu.Lock()
	e.lines = nil
	e.partial = e.partial[:0]
	e.crPending = false
	e.scrollOffset = 0
	e.mu.Unlock()
}

// ResetScroll returns the view to the bottom.
func (e *engine) ResetScroll() {
	e.mu.Lock()
	e.scrollOffset = 0
	e.mu.Unlock()
}

// Scroll adjusts the scroll offset by delta. Positive delta scrolls up
// (older lines), negative delta scrolls down. Limit is the viewport height.
func (e *engine) Scroll(delta, limit int) {
	e.mu.Lock()
	e.scrollOffset = clampScroll(e.scrollOffset+delta, e.totalLocked(), limit)
	e.mu.Unlock()
}

// Snapshot returns a view of the scrollback for the given viewport limit.
// The partial line, if any, appears as the last line.
func (e *engine) Snapshot(limit int) bufferView {
	e.mu.Lock()
	defer e.mu.Unlock()

	visible := e.lines
	if len(e.partial) > 0 {
		visible = append(append([]string(nil), e.lines...), string(e.partial))
	}
	total := len(visible)
	if limit <= 0 || limit > total {
		limit = total
	}

	max := maxScroll(total, limit)
	if e.scrollOffset > max {
		e.scrollOffset = max
	}

	end := total - e.scrollOffset
	if end < 0 {
		end = 0
	}
	start := end - limit
	if start < 0 {
		start = 0
	}

	lines := make([]string, end-start)
	copy(lines, visible[start:end])

	return bufferView{
		Lines:        lines,
		TotalLines:   total,
		ScrollOffset: e.scrollOffset,
		AtBottom:     e.scrollOffset == 0,
	}
}

func (e *engine) totalLocked() int {
	total := len(e.lines)
	if len(e.partial) > 0 {
		total++
	}
	return total
}

func maxScroll(total, limit int) int {
	if total <= 0 || limit <= 0 {
		return 0
	}
	if total <= limit {
		return 0
	}
	return total - limit
}

func clampScroll(offset, total, limit int) int {
	max := maxScroll(total, limit)
	if offset < 0 {
		return 0
	}
	if offset > max {
		return max
	}
	return offset
}
