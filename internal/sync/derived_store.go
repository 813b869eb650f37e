package sync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tonimelisma/ctxsync/internal/convert"
)

// ErrDerivedNotFound is returned when no derived file exists for a document.
var ErrDerivedNotFound = errors.New("sync: derived representation not found")

const derivedExt = ".json"

// derivedRecord is the on-disk form of a derived representation.
type derivedRecord struct {
	Doc      *convert.Doc `json:"doc"`
	SyncedAt time.Time    `json:"synced_at"`
}

// DerivedStore persists derived representations as indented JSON files
// under <state_dir>/derived/<id>.json so they can be inspected directly.
// Writes are atomic (temp file + rename).
type DerivedStore struct {
	dir     string
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewDerivedStore creates a store rooted at dir. The directory is created
// on first write.
func NewDerivedStore(dir string, logger *slog.Logger) *DerivedStore {
	return &DerivedStore{
		dir:     dir,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// Dir returns the store's root directory.
func (s *DerivedStore) Dir() string {
	return s.dir
}

func (s *DerivedStore) pathFor(id string) (string, error) {
	clean := filepath.FromSlash(id)
	if id == "" || !filepath.IsLocal(clean) {
		return "", fmt.Errorf("sync: invalid document ID %q", id)
	}

	return filepath.Join(s.dir, clean+derivedExt), nil
}

// Save writes doc, replacing any previous representation of the same ID.
func (s *DerivedStore) Save(doc *convert.Doc) error {
	p, err := s.pathFor(doc.ID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(derivedRecord{Doc: doc, SyncedAt: s.nowFunc().UTC()}, "", "  ")
	if err != nil {
		return fmt.Errorf("sync: encoding derived %s: %w", doc.ID, err)
	}

	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("sync: creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".derived-*")
	if err != nil {
		return fmt.Errorf("sync: creating temp file for %s: %w", doc.ID, err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("sync: writing derived %s: %w", doc.ID, err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("sync: syncing derived %s: %w", doc.ID, err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("sync: closing derived %s: %w", doc.ID, err)
	}

	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("sync: renaming derived %s: %w", doc.ID, err)
	}

	s.logger.Debug("derived representation saved",
		slog.String("doc_id", doc.ID),
		slog.Int("bytes", len(data)),
	)

	return nil
}

// Load reads the derived representation of id. Numbers in the field tree
// are restored to int64 or float64.
func (s *DerivedStore) Load(id string) (*convert.Doc, error) {
	p, err := s.pathFor(id)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrDerivedNotFound, id)
		}

		return nil, fmt.Errorf("sync: reading derived %s: %w", id, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var rec derivedRecord
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("sync: decoding derived %s: %w", id, err)
	}

	if rec.Doc == nil || rec.Doc.ID != id {
		return nil, fmt.Errorf("sync: derived file for %s holds a different document", id)
	}

	if err := rec.Doc.Normalize(); err != nil {
		return nil, fmt.Errorf("sync: decoding derived %s: %w", id, err)
	}

	return rec.Doc, nil
}

// Remove deletes the derived file for id and prunes empty parent
// directories. A missing file is not an error.
func (s *DerivedStore) Remove(id string) error {
	p, err := s.pathFor(id)
	if err != nil {
		return err
	}

	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("sync: removing derived %s: %w", id, err)
	}

	// Prune now-empty directories up to the store root. os.Remove fails on
	// non-empty directories, which ends the walk.
	for dir := filepath.Dir(p); dir != s.dir && strings.HasPrefix(dir, s.dir); dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break
		}
	}

	return nil
}

// RemoveAll deletes every derived file.
func (s *DerivedStore) RemoveAll() error {
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("sync: removing derived store: %w", err)
	}

	return nil
}
