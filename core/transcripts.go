package core

import (
	"context"

	"github.com/qbit-ai/qbitsync/schema"
)

// TranscriptStore persists session timelines and reads them back.
type TranscriptStore interface {
	Save(ctx context.Context, info schema.TranscriptInfo, snap schema.TimelineSnapshot) error
	List(ctx context.Context) ([]schema.TranscriptInfo, error)
	Load(ctx context.Context, name string) (schema.TranscriptInfo, schema.TimelineSnapshot, error)
}
