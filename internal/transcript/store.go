// Package transcript persists finalized session timelines encrypted at rest.
package transcript

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"
	"pkt.systems/pslog"

	"github.com/qbit-ai/qbitsync/schema"
)

const (
	fileSuffix       = ".qtr"
	descriptorPrefix = "qbitsync:transcript:"
	nameSep          = "."
	nameStamp        = "20060102T150405Z"
)

// EnsureKeyFile creates or loads the key file at path and ensures a root key exists.
func EnsureKeyFile(path string) error {
	return EnsureKeyFileWithLogger(path, nil)
}

// EnsureKeyFileWithLogger creates or loads the key file with logging.
func EnsureKeyFileWithLogger(path string, logger pslog.Logger) error {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("transcript key file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		logger.Warn("transcript key file ensure failed", "err", err)
		return err
	}
	store, err := keymgmt.LoadProto(path)
	if err != nil {
		logger.Warn("transcript key file ensure failed", "err", err)
		return err
	}
	if _, err := store.EnsureRootKey(); err != nil {
		logger.Warn("transcript key file ensure failed", "err", err)
		return err
	}
	if err := store.Commit(); err != nil {
		logger.Warn("transcript key file ensure failed", "err", err)
		return err
	}
	logger.Info("transcript key file ensure ok", "path", path)
	return nil
}

// Store writes encrypted transcript files into a flat directory. Each
// session gets its own data encryption key in the key file; the transcript
// name carries the session id so loads can find the right descriptor.
type Store struct {
	dir     string
	keyFile string
	log     pslog.Logger

	// Guards the key file's read-modify-write cycle across operations.
	mu sync.Mutex
}

// NewStore initializes the transcript store and ensures the root key exists.
func NewStore(dir, keyFile string) (*Store, error) {
	return NewStoreWithLogger(dir, keyFile, nil)
}

// NewStoreWithLogger initializes the transcript store with logging.
func NewStoreWithLogger(dir, keyFile string, logger pslog.Logger) (*Store, error) {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("transcript directory is required")
	}
	if strings.TrimSpace(keyFile) == "" {
		return nil, fmt.Errorf("transcript key file is required")
	}
	if err := EnsureKeyFileWithLogger(keyFile, logger); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &Store{dir: dir, keyFile: keyFile, log: logger.With("transcript_dir", dir)}, nil
}

// fileRecord is the encrypted on-disk payload.
type fileRecord struct {
	Name            string               `json:"name"`
	SessionID       schema.SessionID     `json:"session_id"`
	Title           string               `json:"title,omitempty"`
	Blocks          []schema.RenderBlock `json:"blocks"`
	StreamingBlocks []schema.RenderBlock `json:"streaming_blocks,omitempty"`
	StreamingText   string               `json:"streaming_text,omitempty"`
	Phase           schema.TurnPhase     `json:"phase,omitempty"`
	SavedAt         time.Time            `json:"saved_at"`
}

func (r fileRecord) describe(name string) schema.TranscriptInfo {
	return schema.TranscriptInfo{
		Name:      name,
		SessionID: r.SessionID,
		Title:     r.Title,
		Blocks:    len(r.Blocks),
		SavedAt:   r.SavedAt,
	}
}

func (r fileRecord) timeline() schema.TimelineSnapshot {
	return schema.TimelineSnapshot{
		SessionID:       r.SessionID,
		Blocks:          r.Blocks,
		StreamingBlocks: r.StreamingBlocks,
		StreamingText:   r.StreamingText,
		Phase:           r.Phase,
	}
}

// Save encrypts the snapshot and writes it under a store-assigned name
// built from the save time and session id. The caller's Name is ignored.
func (s *Store) Save(ctx context.Context, info schema.TranscriptInfo, snap schema.TimelineSnapshot) error {
	sessionID := strings.TrimSpace(string(info.SessionID))
	if sessionID == "" {
		return fmt.Errorf("transcript session id is required")
	}
	savedAt := info.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}
	savedAt = savedAt.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	name, path, err := s.reserveName(savedAt, sessionID)
	if err != nil {
		s.log.Warn("transcript save failed", "session", sessionID, "err", err)
		return err
	}
	rec := fileRecord{
		Name:            name,
		SessionID:       info.SessionID,
		Title:           info.Title,
		Blocks:          snap.Blocks,
		StreamingBlocks: snap.StreamingBlocks,
		StreamingText:   snap.StreamingText,
		Phase:           snap.Phase,
		SavedAt:         savedAt,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		s.log.Warn("transcript save failed", "name", name, "err", err)
		return err
	}
	material, root, err := s.materialFor(sessionID)
	if err != nil {
		s.log.Warn("transcript save failed", "name", name, "err", err)
		return err
	}
	kg := kryptograf.New(root)

	tmp, err := os.CreateTemp(s.dir, "transcript-*.tmp")
	if err != nil {
		s.log.Warn("transcript save failed", "name", name, "err", err)
		return err
	}
	tmpPath := tmp.Name()
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		s.log.Warn("transcript save failed", "name", name, "err", err)
		return err
	}
	writer, err := kg.EncryptWriter(tmp, material)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		s.log.Warn("transcript save failed", "name", name, "err", err)
		return err
	}
	if _, err := io.Copy(writer, bytes.NewReader(payload)); err != nil {
		_ = writer.Close()
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		s.log.Warn("transcript save failed", "name", name, "err", err)
		return err
	}
	if err := writer.Close(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		s.log.Warn("transcript save failed", "name", name, "err", err)
		return err
	}
	_ = tmp.Close()
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		s.log.Warn("transcript save failed", "name", name, "err", err)
		return err
	}
	s.log.Info("transcript saved", "name", name, "session", sessionID, "blocks", len(rec.Blocks))
	return nil
}

// List reads every transcript in the directory, newest first. Files that
// fail to decrypt or decode are skipped with a warning.
func (s *Store) List(ctx context.Context) ([]schema.TranscriptInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		s.log.Warn("transcript list failed", "err", err)
		return nil, err
	}
	var infos []schema.TranscriptInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileSuffix) {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), fileSuffix)
		sessionID, ok := parseName(name)
		if !ok {
			continue
		}
		rec, err := s.readRecord(filepath.Join(s.dir, entry.Name()), sessionID)
		if err != nil {
			s.log.Warn("transcript skipped", "name", name, "err", err)
			continue
		}
		infos = append(infos, rec.describe(name))
	}
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].SavedAt.Equal(infos[j].SavedAt) {
			return infos[i].SavedAt.After(infos[j].SavedAt)
		}
		return infos[i].Name < infos[j].Name
	})
	return infos, nil
}

// Load decrypts one transcript by name.
func (s *Store) Load(ctx context.Context, name string) (schema.TranscriptInfo, schema.TimelineSnapshot, error) {
	sessionID, ok := parseName(name)
	if !ok {
		return schema.TranscriptInfo{}, schema.TimelineSnapshot{}, schema.ErrTranscriptNotFound
	}
	path := filepath.Join(s.dir, name+fileSuffix)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.readRecord(path, sessionID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return schema.TranscriptInfo{}, schema.TimelineSnapshot{}, schema.ErrTranscriptNotFound
		}
		s.log.Warn("transcript load failed", "name", name, "err", err)
		return schema.TranscriptInfo{}, schema.TimelineSnapshot{}, err
	}
	return rec.describe(name), rec.timeline(), nil
}

func (s *Store) readRecord(path, sessionID string) (*fileRecord, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	material, root, err := s.materialFor(sessionID)
	if err != nil {
		return nil, err
	}
	kg := kryptograf.New(root)
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()
	reader, err := kg.DecryptReader(file, material)
	if err != nil {
		return nil, err
	}
	defer func() { _ = reader.Close() }()
	plain, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	var rec fileRecord
	if err := json.Unmarshal(plain, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) materialFor(sessionID string) (keymgmt.Material, keymgmt.RootKey, error) {
	store, err := keymgmt.LoadProto(s.keyFile)
	if err != nil {
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	root, err := store.EnsureRootKey()
	if err != nil {
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	descName := descriptorPrefix + sessionID
	material, err := store.EnsureDescriptor(descName, root, []byte(descName))
	if err != nil {
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	if err := store.Commit(); err != nil {
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	return material, root, nil
}

// reserveName picks the first free name for the save time. Saves within the
// same second for the same session get a numeric suffix on the stamp.
func (s *Store) reserveName(savedAt time.Time, sessionID string) (string, string, error) {
	stamp := savedAt.Format(nameStamp)
	for n := 0; ; n++ {
		candidate := stamp
		if n > 0 {
			candidate = fmt.Sprintf("%s-%d", stamp, n+1)
		}
		name := candidate + nameSep + sessionID
		path := filepath.Join(s.dir, name+fileSuffix)
		_, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			return name, path, nil
		}
		if err != nil {
			return "", "", err
		}
	}
}

// parseName splits "<stamp>.<session-id>" and rejects anything that could
// escape the transcript directory.
func parseName(name string) (string, bool) {
	if name == "" || strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return "", false
	}
	idx := strings.Index(name, nameSep)
	if idx <= 0 || idx == len(name)-1 {
		return "", false
	}
	return name[idx+1:], true
}
