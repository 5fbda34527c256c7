package sshserver

import (
	"fmt"
	"io"
	"strings"
)

// screen writes ANSI frames to the attached terminal.
type screen struct {
	out io.Writer
}

func newScreen(out io.Writer) *screen {
	return &screen{out: out}
}

// EnterAltScreen switches to the alternate screen and clears it.
func (s *screen) EnterAltScreen() error {
	_, err := io.WriteString(s.out, "\x1b[?1049h\x1b[H\x1b[2J")
	return err
}

// ExitAltScreen restores the primary screen and the cursor.
func (s *screen) ExitAltScreen() error {
	_, err := io.WriteString(s.out, "\x1b[?1049l\x1b[?25h")
	return err
}

// Clear wipes the whole screen. Render only erases the lines it touches,
// so mode switches that shrink the frame call Clear first.
func (s *screen) Clear() error {
	_, err := io.WriteString(s.out, "\x1b[H\x1b[2J")
	return err
}

// Render draws a full frame. Lines are erased to end of line instead of
// clearing the screen, which keeps redraws stable over slow links.
// cursorRow and cursorCol are 1-based.
func (s *screen) Render(lines []string, cursorRow, cursorCol int) error {
	var b strings.Builder
	b.WriteString("\x1b[?25l\x1b[H")
	for i, line := range lines {
		if i > 0 {
			b.WriteString("\r\n")
		}
		b.WriteString(line)
		b.WriteString("\x1b[K")
	}
	b.WriteString("\x1b[J")
	if cursorRow < 1 {
		cursorRow = 1
	}
	if cursorCol < 1 {
		cursorCol = 1
	}
	fmt.Fprintf(&b, "\x1b[%d;%dH", cursorRow, cursorCol)
	b.WriteString("\x1b[?25h")
	_, err := io.WriteString(s.out, b.String())
	return err
}

// WriteRaw forwards bytes untouched. Passthrough mode relays session
// output through here.
func (s *screen) WriteRaw(data []byte) error {
	_, err := s.out.Write(data)
	return err
}
