package hostshell

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/qbit-ai/qbitsync/schema"
)

// maxSeqLen bounds how many bytes of a single escape sequence the
// scanner will hold before giving up and passing them through as
// ordinary output.
const maxSeqLen = 4096

type scanState int

const (
	scanGround scanState = iota
	scanEscape
	scanCSI
	scanOSC
	scanOSCEscape
)

// scanner extracts control reports from a terminal byte stream while
// passing the bytes through: OSC 133 prompt marks, OSC 7 directory
// reports, alternate screen switches (CSI ?1049) and synchronized
// output brackets (CSI ?2026). Sync brackets are stripped from the
// output because the session's output buffer re-implements their
// semantics; everything else is forwarded untouched. Sequences split
// across reads are reassembled.
type scanner struct {
	state  scanState
	seq    []byte
	out    []byte
	events []schema.HostEvent
}

func newScanner() *scanner {
	return &scanner{}
}

// Scan consumes one chunk and returns the ordered events it produced:
// terminal output interleaved with the control reports found in it.
func (s *scanner) Scan(chunk []byte) []schema.HostEvent {
	s.events = nil
	for _, b := range chunk {
		switch s.state {
		case scanGround:
			if b == 0x1b {
				s.state = scanEscape
				s.seq = append(s.seq[:0], b)
			} else {
				s.out = append(s.out, b)
			}
		case scanEscape:
			switch b {
			case '[':
				s.seq = append(s.seq, b)
				s.state = scanCSI
			case ']':
				s.seq = append(s.seq, b)
				s.state = scanOSC
			case 0x1b:
				// A bare ESC followed by another: forward the first.
				s.out = append(s.out, s.seq...)
				s.seq = append(s.seq[:0], b)
			default:
				s.seq = append(s.seq, b)
				s.out = append(s.out, s.seq...)
				s.reset()
			}
		case scanCSI:
			s.seq = append(s.seq, b)
			if b >= 0x40 && b <= 0x7e {
				s.finishCSI()
				s.reset()
			} else if len(s.seq) > maxSeqLen {
				s.out = append(s.out, s.seq...)
				s.reset()
			}
		case scanOSC:
			switch b {
			case 0x07:
				s.seq = append(s.seq, b)
				s.finishOSC(1)
				s.reset()
			case 0x1b:
				s.seq = append(s.seq, b)
				s.state = scanOSCEscape
			default:
				s.seq = append(s.seq, b)
				if len(s.seq) > maxSeqLen {
					s.out = append(s.out, s.seq...)
					s.reset()
				}
			}
		case scanOSCEscape:
			s.seq = append(s.seq, b)
			if b == '\\' {
				s.finishOSC(2)
			} else {
				s.out = append(s.out, s.seq...)
			}
			s.reset()
		}
	}
	s.flushOut()
	return s.events
}

// Flush releases any partially captured sequence as plain output.
// Called once when the stream ends.
func (s *scanner) Flush() []schema.HostEvent {
	s.events = nil
	if len(s.seq) > 0 {
		s.out = append(s.out, s.seq...)
		s.reset()
	}
	s.flushOut()
	return s.events
}

func (s *scanner) reset() {
	s.seq = s.seq[:0]
	s.state = scanGround
}

func (s *scanner) flushOut() {
	if len(s.out) == 0 {
		return
	}
	s.events = append(s.events, schema.HostEvent{
		Channel: schema.ChannelTerminalOutput,
		Data:    append([]byte(nil), s.out...),
	})
	s.out = s.out[:0]
}

func (s *scanner) emit(ev schema.HostEvent) {
	s.flushOut()
	s.events = append(s.events, ev)
}

// finishCSI inspects a complete CSI sequence. Private set/reset modes
// carry the reports this layer cares about; anything else passes
// through unchanged.
func (s *scanner) finishCSI() {
	body := s.seq[2 : len(s.seq)-1]
	final := s.seq[len(s.seq)-1]
	if len(body) == 0 || body[0] != '?' || (final != 'h' && final != 'l') {
		s.out = append(s.out, s.seq...)
		return
	}
	enabled := final == 'h'
	params := parseParams(body[1:])
	syncOnly := len(params) == 1 && params[0] == 2026
	for _, p := range params {
		switch p {
		case 2026:
			s.emit(schema.HostEvent{Channel: schema.ChannelSyncMode, SyncEnabled: enabled})
		case 47, 1047, 1049:
			s.emit(schema.HostEvent{Channel: schema.ChannelAlternateScreen, AltScreen: enabled})
		}
	}
	if !syncOnly {
		s.out = append(s.out, s.seq...)
	}
}

// finishOSC inspects a complete OSC sequence; termLen is the length of
// the terminator (BEL or ST). All OSC bytes pass through.
func (s *scanner) finishOSC(termLen int) {
	body := string(s.seq[2 : len(s.seq)-termLen])
	switch {
	case body == "133" || strings.HasPrefix(body, "133;"):
		if mark, ok := parseCommandMark(body); ok {
			s.emit(schema.HostEvent{Channel: schema.ChannelCommandMark, Mark: mark})
		}
	case strings.HasPrefix(body, "7;"):
		if dir, ok := parseDirectoryReport(body[2:]); ok {
			s.emit(schema.HostEvent{Channel: schema.ChannelDirectoryChanged, Directory: dir})
		}
	}
	s.out = append(s.out, s.seq...)
}

func parseParams(body []byte) []int {
	parts := strings.Split(string(body), ";")
	params := make([]int, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		params = append(params, n)
	}
	return params
}

// parseCommandMark decodes an OSC 133 body ("133;A", "133;D;0", ...).
// Phases beyond A-D exist in some shells; they are ignored here.
func parseCommandMark(body string) (*schema.CommandMark, bool) {
	parts := strings.Split(body, ";")
	if len(parts) < 2 || parts[1] == "" {
		return nil, false
	}
	switch parts[1][0] {
	case 'A':
		return &schema.CommandMark{Phase: schema.CommandPromptStart}, true
	case 'B':
		return &schema.CommandMark{Phase: schema.CommandInputStart}, true
	case 'C':
		return &schema.CommandMark{Phase: schema.CommandExecStart}, true
	case 'D':
		mark := &schema.CommandMark{Phase: schema.CommandFinished}
		if len(parts) > 2 {
			if code, err := strconv.Atoi(parts[2]); err == nil {
				mark.ExitCode = &code
			}
		}
		return mark, true
	}
	return nil, false
}

// parseDirectoryReport decodes an OSC 7 file URI into a local path.
func parseDirectoryReport(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "file" || u.Path == "" {
		return "", false
	}
	return u.Path, true
}
