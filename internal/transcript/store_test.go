package transcript

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/qbit-ai/qbitsync/schema"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "transcripts"), filepath.Join(dir, "keys.bin"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func sampleSnapshot(sessionID schema.SessionID) schema.TimelineSnapshot {
	return schema.TimelineSnapshot{
		SessionID: sessionID,
		Blocks: []schema.RenderBlock{
			{ID: "b1", Kind: schema.BlockUserPrompt, Text: "list the files", Timestamp: time.Now()},
			{ID: "b2", Kind: schema.BlockAgentText, Text: "hello from the agent", Timestamp: time.Now()},
		},
		Phase: schema.PhaseIdle,
	}
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	sessionID := schema.SessionID("11111111-2222-3333-4444-555555555555")

	info := schema.TranscriptInfo{
		SessionID: sessionID,
		Title:     "morning session",
		Blocks:    2,
		SavedAt:   time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
	}
	if err := store.Save(ctx, info, sampleSnapshot(sessionID)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	infos, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("expected 1 transcript, got %d", len(infos))
	}
	listed := infos[0]
	if listed.Name == "" {
		t.Fatalf("expected assigned name")
	}
	if !strings.Contains(listed.Name, string(sessionID)) {
		t.Fatalf("name %q should carry the session id", listed.Name)
	}
	if listed.SessionID != sessionID || listed.Title != "morning session" || listed.Blocks != 2 {
		t.Fatalf("unexpected listing: %+v", listed)
	}
	if !listed.SavedAt.Equal(info.SavedAt) {
		t.Fatalf("SavedAt = %v, want %v", listed.SavedAt, info.SavedAt)
	}

	loaded, timeline, err := store.Load(ctx, listed.Name)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Title != "morning session" || loaded.Blocks != 2 {
		t.Fatalf("unexpected loaded info: %+v", loaded)
	}
	if len(timeline.Blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(timeline.Blocks))
	}
	if timeline.Blocks[0].Kind != schema.BlockUserPrompt || timeline.Blocks[0].Text != "list the files" {
		t.Fatalf("unexpected first block: %+v", timeline.Blocks[0])
	}
	if timeline.Blocks[1].Text != "hello from the agent" {
		t.Fatalf("unexpected second block: %+v", timeline.Blocks[1])
	}
	if timeline.SessionID != sessionID {
		t.Fatalf("timeline session = %q, want %q", timeline.SessionID, sessionID)
	}
}

func TestStoreEncryptsAtRest(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	sessionID := schema.SessionID("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee")

	if err := store.Save(ctx, schema.TranscriptInfo{SessionID: sessionID}, sampleSnapshot(sessionID)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	entries, err := os.ReadDir(store.dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 file, got %d", len(entries))
	}
	raw, err := os.ReadFile(filepath.Join(store.dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if bytes.Contains(raw, []byte("hello from the agent")) {
		t.Fatalf("transcript stored in plaintext")
	}
	if bytes.Contains(raw, []byte("morning")) {
		t.Fatalf("transcript stored in plaintext")
	}
}

func TestStoreAssignsDistinctNames(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	sessionID := schema.SessionID("11111111-2222-3333-4444-555555555555")
	savedAt := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	for i := 0; i < 3; i++ {
		info := schema.TranscriptInfo{SessionID: sessionID, SavedAt: savedAt}
		if err := store.Save(ctx, info, sampleSnapshot(sessionID)); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
	}
	infos, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 3 {
		t.Fatalf("expected 3 transcripts, got %d", len(infos))
	}
	seen := map[string]bool{}
	for _, info := range infos {
		if seen[info.Name] {
			t.Fatalf("duplicate name %q", info.Name)
		}
		seen[info.Name] = true
		if _, _, err := store.Load(ctx, info.Name); err != nil {
			t.Fatalf("Load %q: %v", info.Name, err)
		}
	}
}

func TestStoreListNewestFirst(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	sessionID := schema.SessionID("11111111-2222-3333-4444-555555555555")

	older := schema.TranscriptInfo{SessionID: sessionID, Title: "older", SavedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	newer := schema.TranscriptInfo{SessionID: sessionID, Title: "newer", SavedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
	if err := store.Save(ctx, older, sampleSnapshot(sessionID)); err != nil {
		t.Fatalf("Save older: %v", err)
	}
	if err := store.Save(ctx, newer, sampleSnapshot(sessionID)); err != nil {
		t.Fatalf("Save newer: %v", err)
	}
	infos, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 transcripts, got %d", len(infos))
	}
	if infos[0].Title != "newer" || infos[1].Title != "older" {
		t.Fatalf("unexpected order: %q, %q", infos[0].Title, infos[1].Title)
	}
}

func TestStoreLoadMissing(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, _, err := store.Load(ctx, "20260101T000000Z.11111111-2222-3333-4444-555555555555")
	if !errors.Is(err, schema.ErrTranscriptNotFound) {
		t.Fatalf("expected ErrTranscriptNotFound, got %v", err)
	}
	_, _, err = store.Load(ctx, "../../../etc/passwd")
	if !errors.Is(err, schema.ErrTranscriptNotFound) {
		t.Fatalf("expected ErrTranscriptNotFound for traversal, got %v", err)
	}
	_, _, err = store.Load(ctx, "")
	if !errors.Is(err, schema.ErrTranscriptNotFound) {
		t.Fatalf("expected ErrTranscriptNotFound for empty name, got %v", err)
	}
}

func TestStoreRejectsEmptySession(t *testing.T) {
	store := newStore(t)
	if err := store.Save(context.Background(), schema.TranscriptInfo{}, schema.TimelineSnapshot{}); err == nil {
		t.Fatalf("expected error for missing session id")
	}
}

func TestStoreListSkipsUnreadableFiles(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	sessionID := schema.SessionID("11111111-2222-3333-4444-555555555555")

	if err := store.Save(ctx, schema.TranscriptInfo{SessionID: sessionID, Title: "good"}, sampleSnapshot(sessionID)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	junk := filepath.Join(store.dir, "20260101T000000Z."+string(sessionID)+fileSuffix)
	if err := os.WriteFile(junk, []byte("not encrypted"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(store.dir, "notes.txt"), []byte("ignore me"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	infos, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("expected 1 transcript, got %d", len(infos))
	}
	if infos[0].Title != "good" {
		t.Fatalf("unexpected transcript: %+v", infos[0])
	}
}

func TestStoreLoadRejectsWrongKeyFile(t *testing.T) {
	dir := t.TempDir()
	transcripts := filepath.Join(dir, "transcripts")
	first, err := NewStore(transcripts, filepath.Join(dir, "keys-a.bin"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()
	sessionID := schema.SessionID("11111111-2222-3333-4444-555555555555")
	if err := first.Save(ctx, schema.TranscriptInfo{SessionID: sessionID}, sampleSnapshot(sessionID)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	infos, err := first.List(ctx)
	if err != nil || len(infos) != 1 {
		t.Fatalf("List: %v (%d)", err, len(infos))
	}

	second, err := NewStore(transcripts, filepath.Join(dir, "keys-b.bin"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, _, err := second.Load(ctx, infos[0].Name); err == nil {
		t.Fatalf("expected decrypt failure with wrong key file")
	} else if errors.Is(err, schema.ErrTranscriptNotFound) {
		t.Fatalf("wrong key file should not read as missing transcript, got %v", err)
	}
}
