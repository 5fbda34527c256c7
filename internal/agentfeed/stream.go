package agentfeed

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/qbit-ai/qbitsync/schema"
)

var errInvalidRecord = errors.New("line is neither an envelope nor an event")

// sequencer hands out session-scoped sequence numbers under the feed's
// lock. Wire seqs are rebased onto the session counter so a process
// that restarts at zero each turn still produces one monotonic sequence
// per session; gaps and duplicates inside a run are preserved for the
// consumer's gate to see.
type sequencer struct {
	mu   *sync.Mutex
	base uint64
	next *uint64
}

func (q *sequencer) assign(wire *uint64) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if wire != nil {
		seq := q.base + *wire
		if seq >= *q.next {
			*q.next = seq + 1
		}
		return seq
	}
	seq := *q.next
	*q.next = seq + 1
	return seq
}

// envelopeStream turns an agent process's stdout into sequenced
// envelopes and drains stderr into the log. The events channel closes
// once both pipes are exhausted; Close unsticks the readers when the
// consumer gives up early.
type envelopeStream struct {
	session schema.SessionID
	events  chan schema.AgentEnvelope
	stop    chan struct{}
	log     pslog.Logger

	stopOnce sync.Once
	errMu    sync.Mutex
	err      error
	wg       sync.WaitGroup
}

func newEnvelopeStream(ctx context.Context, session schema.SessionID, seq *sequencer, stdout, stderr io.Reader) *envelopeStream {
	stream := &envelopeStream{
		session: session,
		events:  make(chan schema.AgentEnvelope, 256),
		stop:    make(chan struct{}),
		log:     pslog.Ctx(ctx),
	}
	stream.wg.Add(2)
	go stream.readEnvelopes(ctx, seq, stdout)
	go stream.readStderr(stderr)
	go func() {
		stream.wg.Wait()
		close(stream.events)
	}()
	return stream
}

func (s *envelopeStream) readEnvelopes(ctx context.Context, seq *sequencer, reader io.Reader) {
	defer s.wg.Done()
	jsonStream := newJSONLStream(reader)
	for {
		record, err := jsonStream.Next(ctx)
		if err != nil {
			var decodeErr *jsonlDecodeError
			if errors.As(err, &decodeErr) {
				line := strings.TrimSpace(string(decodeErr.Line()))
				if line != "" {
					preview := previewText(line, 200)
					s.log.Warn("agentfeed decode failed", "preview", preview, "truncated", len(preview) < len(line), "err", err)
				}
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				s.log.Warn("agentfeed stream error", "err", err)
				s.setErr(err)
			}
			return
		}
		assigned := seq.assign(record.Seq)
		ts := record.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		envelope := schema.AgentEnvelope{
			SessionID: s.session,
			Seq:       &assigned,
			Timestamp: ts,
			Event:     record.Event,
		}
		select {
		case s.events <- envelope:
		case <-s.stop:
			return
		}
	}
}

// readStderr keeps agent diagnostics in the log instead of the stream;
// a chatty agent must not be able to fail a turn with a warning line.
func (s *envelopeStream) readStderr(reader io.Reader) {
	defer s.wg.Done()
	scanner := bufio.NewScanner(reader)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	count := 0
	for scanner.Scan() {
		text := scanner.Text()
		if text == "" {
			continue
		}
		count++
		preview := previewText(text, 200)
		s.log.Trace("agentfeed stderr", "text_len", len(text), "preview", preview, "truncated", len(preview) < len(text))
	}
	if err := scanner.Err(); err != nil {
		s.log.Warn("agentfeed stderr read failed", "err", err)
		s.setErr(err)
	}
	if count > 0 {
		s.log.Debug("agentfeed stderr completed", "lines", count)
	}
}

func (s *envelopeStream) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *envelopeStream) Next(ctx context.Context) (schema.AgentEnvelope, error) {
	select {
	case <-ctx.Done():
		return schema.AgentEnvelope{}, ctx.Err()
	case env, ok := <-s.events:
		if ok {
			return env, nil
		}
		s.errMu.Lock()
		err := s.err
		s.errMu.Unlock()
		if err != nil {
			return schema.AgentEnvelope{}, err
		}
		return schema.AgentEnvelope{}, io.EOF
	}
}

func (s *envelopeStream) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func previewText(value string, max int) string {
	if max <= 0 || len(value) <= max {
		return value
	}
	return value[:max]
}
