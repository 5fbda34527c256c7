package agentfeed

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/qbit-ai/qbitsync/schema"
)

// wireRecord is one decoded stdout line from the agent process. Agents
// either emit full envelopes ({"seq":n,"ts":...,"event":{...}}) or bare
// event objects ({"type":"text_delta",...}); both decode here. Seq is
// nil for bare events and for envelopes that omit it.
type wireRecord struct {
	Seq       *uint64
	Timestamp time.Time
	Event     schema.AgentEvent
}

type jsonlDecodeError struct {
	line []byte
	err  error
}

func (e *jsonlDecodeError) Error() string {
	if e == nil || e.err == nil {
		return "jsonl decode error"
	}
	return e.err.Error()
}

func (e *jsonlDecodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

func (e *jsonlDecodeError) Line() []byte {
	if e == nil {
		return nil
	}
	return e.line
}

type jsonlStream struct {
	reader *bufio.Reader
}

func newJSONLStream(r io.Reader) *jsonlStream {
	return &jsonlStream{reader: bufio.NewReader(r)}
}

// Next returns the next record, skipping blank lines. A malformed line
// yields a jsonlDecodeError carrying the raw bytes; the stream remains
// usable afterwards.
func (s *jsonlStream) Next(ctx context.Context) (wireRecord, error) {
	for {
		if ctx.Err() != nil {
			return wireRecord{}, ctx.Err()
		}
		line, err := s.reader.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			return wireRecord{}, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			if err != nil {
				return wireRecord{}, err
			}
			continue
		}
		record, decodeErr := decodeRecord(line)
		if decodeErr != nil {
			return wireRecord{}, &jsonlDecodeError{line: append([]byte(nil), line...), err: decodeErr}
		}
		return record, nil
	}
}

func decodeRecord(line []byte) (wireRecord, error) {
	var probe struct {
		Seq   *uint64         `json:"seq"`
		TS    *time.Time      `json:"ts"`
		Event json.RawMessage `json:"event"`
		Type  string          `json:"type"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return wireRecord{}, err
	}

	record := wireRecord{Seq: probe.Seq}
	if probe.TS != nil {
		record.Timestamp = *probe.TS
	}
	switch {
	case len(probe.Event) > 0:
		if err := json.Unmarshal(probe.Event, &record.Event); err != nil {
			return wireRecord{}, err
		}
		record.Event.Raw = append([]byte(nil), probe.Event...)
	case probe.Type != "":
		if err := json.Unmarshal(line, &record.Event); err != nil {
			return wireRecord{}, err
		}
		record.Event.Raw = append([]byte(nil), line...)
	default:
		return wireRecord{}, errInvalidRecord
	}
	return record, nil
}
