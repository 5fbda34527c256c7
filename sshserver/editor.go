package sshserver

import (
	"bufio"
	"io"
	"unicode"
	"unicode/utf8"
)

type keyKind int

const (
	keyNone keyKind = iota
	keyRune
	keyEnter
	keyAltEnter
	keyTab
	keyShiftTab
	keyBackspace
	keyDelete
	keyUp
	keyDown
	keyLeft
	keyRight
	keyHome
	keyEnd
	keyPgUp
	keyPgDn
	keyEsc
	keyCtrlA
	keyCtrlB
	keyCtrlC
	keyCtrlD
	keyCtrlE
	keyCtrlK
	keyCtrlL
	keyCtrlN
	keyCtrlP
	keyCtrlT
	keyCtrlU
	keyCtrlW
	keyCtrlY
)

// key is one decoded input event. raw holds the exact bytes that produced
// it so passthrough mode can forward them verbatim, including sequences
// the decoder does not recognize.
type key struct {
	kind keyKind
	r    rune
	raw  []byte
}

var ctrlKeys = map[byte]keyKind{
	0x01: keyCtrlA,
	0x02: keyCtrlB,
	0x03: keyCtrlC,
	0x04: keyCtrlD,
	0x05: keyCtrlE,
	0x0b: keyCtrlK,
	0x0c: keyCtrlL,
	0x0e: keyCtrlN,
	0x10: keyCtrlP,
	0x14: keyCtrlT,
	0x15: keyCtrlU,
	0x17: keyCtrlW,
	0x19: keyCtrlY,
}

// readKeys decodes terminal input into keys until the reader fails. The
// channel is closed on exit.
func readKeys(r io.Reader, keys chan<- key) {
	defer close(keys)
	br := bufio.NewReader(r)
	for {
		b, err := br.ReadByte()
		if err != nil {
			return
		}
		switch {
		case b == '\r':
			// Swallow the LF of a CRLF pair when it is already buffered.
			if br.Buffered() > 0 {
				if next, err := br.Peek(1); err == nil && next[0] == '\n' {
					_, _ = br.ReadByte()
				}
			}
			keys <- key{kind: keyEnter, raw: []byte{'\r'}}
		case b == '\n':
			keys <- key{kind: keyEnter, raw: []byte{'\n'}}
		case b == 0x1b:
			k, ok := readEscape(br)
			if !ok {
				return
			}
			keys <- k
		case b == 0x7f || b == 0x08:
			keys <- key{kind: keyBackspace, raw: []byte{b}}
		case b == '\t':
			keys <- key{kind: keyTab, raw: []byte{b}}
		case b < 0x20:
			if kind, ok := ctrlKeys[b]; ok {
				keys <- key{kind: kind, raw: []byte{b}}
			} else {
				keys <- key{kind: keyNone, raw: []byte{b}}
			}
		default:
			r, raw, ok := readRawRune(br, b)
			if !ok {
				return
			}
			if r == utf8.RuneError {
				keys <- key{kind: keyNone, raw: raw}
			} else {
				keys <- key{kind: keyRune, r: r, raw: raw}
			}
		}
	}
}

func readRawRune(br *bufio.Reader, first byte) (rune, []byte, bool) {
	raw := []byte{first}
	if first < utf8.RuneSelf {
		return rune(first), raw, true
	}
	want := 1
	switch {
	case first&0xe0 == 0xc0:
		want = 2
	case first&0xf0 == 0xe0:
		want = 3
	case first&0xf8 == 0xf0:
		want = 4
	}
	for len(raw) < want {
		b, err := br.ReadByte()
		if err != nil {
			return 0, nil, false
		}
		raw = append(raw, b)
	}
	r, _ := utf8.DecodeRune(raw)
	return r, raw, true
}

// readEscape decodes the bytes following an ESC. A lone ESC press arrives
// with nothing buffered behind it; real escape sequences land in the same
// write as their introducer, so an empty buffer means a bare key. A
// sequence split across writes misreads as ESC, which has not mattered in
// practice.
func readEscape(br *bufio.Reader) (key, bool) {
	if br.Buffered() == 0 {
		return key{kind: keyEsc, raw: []byte{0x1b}}, true
	}
	b, err := br.ReadByte()
	if err != nil {
		return key{}, false
	}
	switch b {
	case '[':
		return readCSI(br)
	case 'O':
		return readSS3(br)
	case '\r':
		return key{kind: keyAltEnter, raw: []byte{0x1b, '\r'}}, true
	default:
		return key{kind: keyNone, raw: []byte{0x1b, b}}, true
	}
}

func readCSI(br *bufio.Reader) (key, bool) {
	raw := []byte{0x1b, '['}
	var params []byte
	for {
		b, err := br.ReadByte()
		if err != nil {
			return key{}, false
		}
		raw = append(raw, b)
		if b >= 0x40 && b <= 0x7e {
			return key{kind: csiKey(b, string(params)), raw: raw}, true
		}
		params = append(params, b)
		if len(params) > 16 {
			return key{kind: keyNone, raw: raw}, true
		}
	}
}

func csiKey(final byte, params string) keyKind {
	switch final {
	case 'A':
		return keyUp
	case 'B':
		return keyDown
	case 'C':
		return keyRight
	case 'D':
		return keyLeft
	case 'H':
		return keyHome
	case 'F':
		return keyEnd
	case 'Z':
		return keyShiftTab
	case '~':
		switch params {
		case "1", "7":
			return keyHome
		case "3":
			return keyDelete
		case "4", "8":
			return keyEnd
		case "5":
			return keyPgUp
		case "6":
			return keyPgDn
		}
	}
	return keyNone
}

func readSS3(br *bufio.Reader) (key, bool) {
	b, err := br.ReadByte()
	if err != nil {
		return key{}, false
	}
	raw := []byte{0x1b, 'O', b}
	switch b {
	case 'A':
		return key{kind: keyUp, raw: raw}, true
	case 'B':
		return key{kind: keyDown, raw: raw}, true
	case 'C':
		return key{kind: keyRight, raw: raw}, true
	case 'D':
		return key{kind: keyLeft, raw: raw}, true
	case 'H':
		return key{kind: keyHome, raw: raw}, true
	case 'F':
		return key{kind: keyEnd, raw: raw}, true
	}
	return key{kind: keyNone, raw: raw}, true
}

// promptEditor is a line editor for prompt input. Drafts may span
// multiple lines; '\n' in the buffer is a literal newline entered with
// alt+enter.
type promptEditor struct {
	buf    []rune
	cursor int
}

func (e *promptEditor) String() string { return string(e.buf) }

func (e *promptEditor) Len() int { return len(e.buf) }

func (e *promptEditor) SetString(value string) {
	e.buf = []rune(value)
	e.cursor = len(e.buf)
}

func (e *promptEditor) Clear() {
	e.buf = e.buf[:0]
	e.cursor = 0
}

// Apply performs the edit a key asks for and reports whether the key was
// an editing key. Keys with view-level meaning never reach here.
func (e *promptEditor) Apply(k key) bool {
	switch k.kind {
	case keyRune:
		e.InsertRune(k.r)
	case keyAltEnter:
		e.InsertRune('\n')
	case keyBackspace:
		e.Backspace()
	case keyDelete:
		e.Delete()
	case keyLeft:
		e.MoveLeft()
	case keyRight:
		e.MoveRight()
	case keyHome, keyCtrlA:
		e.MoveHome()
	case keyEnd, keyCtrlE:
		e.MoveEnd()
	case keyCtrlU:
		e.KillToStart()
	case keyCtrlK:
		e.KillToEnd()
	case keyCtrlW:
		e.DeleteWordBackward()
	default:
		return false
	}
	return true
}

func (e *promptEditor) InsertRune(r rune) {
	e.buf = append(e.buf, 0)
	copy(e.buf[e.cursor+1:], e.buf[e.cursor:])
	e.buf[e.cursor] = r
	e.cursor++
}

func (e *promptEditor) Backspace() {
	if e.cursor == 0 {
		return
	}
	e.buf = append(e.buf[:e.cursor-1], e.buf[e.cursor:]...)
	e.cursor--
}

func (e *promptEditor) Delete() {
	if e.cursor >= len(e.buf) {
		return
	}
	e.buf = append(e.buf[:e.cursor], e.buf[e.cursor+1:]...)
}

func (e *promptEditor) MoveLeft() {
	if e.cursor > 0 {
		e.cursor--
	}
}

func (e *promptEditor) MoveRight() {
	if e.cursor < len(e.buf) {
		e.cursor++
	}
}

// MoveHome moves to the start of the current editor line.
func (e *promptEditor) MoveHome() {
	e.cursor = e.lineStart(e.cursor)
}

// MoveEnd moves to the end of the current editor line.
func (e *promptEditor) MoveEnd() {
	e.cursor = e.lineEnd(e.cursor)
}

// MoveUp moves the cursor one editor line up, keeping the column where it
// fits. It reports false when already on the first line, letting the view
// fall back to history navigation.
func (e *promptEditor) MoveUp() bool {
	start := e.lineStart(e.cursor)
	if start == 0 {
		return false
	}
	col := e.cursor - start
	prevStart := e.lineStart(start - 1)
	prevLen := start - 1 - prevStart
	if col > prevLen {
		col = prevLen
	}
	e.cursor = prevStart + col
	return true
}

// MoveDown mirrors MoveUp toward the last editor line.
func (e *promptEditor) MoveDown() bool {
	end := e.lineEnd(e.cursor)
	if end >= len(e.buf) {
		return false
	}
	col := e.cursor - e.lineStart(e.cursor)
	nextStart := end + 1
	nextLen := e.lineEnd(nextStart) - nextStart
	if col > nextLen {
		col = nextLen
	}
	e.cursor = nextStart + col
	return true
}

func (e *promptEditor) KillToStart() {
	start := e.lineStart(e.cursor)
	e.buf = append(e.buf[:start], e.buf[e.cursor:]...)
	e.cursor = start
}

func (e *promptEditor) KillToEnd() {
	end := e.lineEnd(e.cursor)
	e.buf = append(e.buf[:e.cursor], e.buf[end:]...)
}

func (e *promptEditor) DeleteWordBackward() {
	if e.cursor == 0 {
		return
	}
	pos := e.cursor
	for pos > 0 && unicode.IsSpace(e.buf[pos-1]) && e.buf[pos-1] != '\n' {
		pos--
	}
	for pos > 0 && !unicode.IsSpace(e.buf[pos-1]) {
		pos--
	}
	e.buf = append(e.buf[:pos], e.buf[e.cursor:]...)
	e.cursor = pos
}

func (e *promptEditor) lineStart(pos int) int {
	for pos > 0 && e.buf[pos-1] != '\n' {
		pos--
	}
	return pos
}

func (e *promptEditor) lineEnd(pos int) int {
	for pos < len(e.buf) && e.buf[pos] != '\n' {
		pos++
	}
	return pos
}
