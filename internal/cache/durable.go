package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/tonimelisma/ctxsync/internal/codec"
)

// envelopeVersion is bumped when the on-disk envelope layout changes;
// older envelopes read as misses.
const envelopeVersion = 1

// envelope is the CBOR record stored per durable entry.
type envelope struct {
	Version     int         `cbor:"v"`
	DocID       string      `cbor:"doc"`
	Fingerprint string      `cbor:"fp"`
	Shape       string      `cbor:"shape"`
	InsertedAt  time.Time   `cbor:"at"`
	Compression Compression `cbor:"c"`
	Size        int         `cbor:"n"`
	Payload     []byte      `cbor:"p"`
}

// durableTier stores one file per entry under
// <dir>/<xxhash(doc)>/<xxhash(key)>.cbor so a document's entries can be
// dropped with one directory removal.
type durableTier struct {
	dir         string
	compression Compression
	logger      *slog.Logger
}

func newDurableTier(dir string, c Compression, logger *slog.Logger) *durableTier {
	return &durableTier{dir: dir, compression: c, logger: logger}
}

func hashName(s string) string {
	return strconv.FormatUint(xxhash.Sum64String(s), 16)
}

func (d *durableTier) docDir(docID string) string {
	return filepath.Join(d.dir, hashName(docID))
}

func (d *durableTier) entryPath(key Key) string {
	return filepath.Join(d.docDir(key.DocID), hashName(key.String())+".cbor")
}

func (d *durableTier) put(e Entry) error {
	payload, used, err := compress(e.Value, d.compression)
	if err != nil {
		return err
	}

	data, err := codec.Marshal(envelope{
		Version:     envelopeVersion,
		DocID:       e.Key.DocID,
		Fingerprint: e.Key.Fingerprint,
		Shape:       e.Key.Shape,
		InsertedAt:  e.InsertedAt.UTC(),
		Compression: used,
		Size:        len(e.Value),
		Payload:     payload,
	})
	if err != nil {
		return fmt.Errorf("cache: encoding entry: %w", err)
	}

	dir := d.docDir(e.Key.DocID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cache: creating %s: %w", dir, err)
	}

	return writeFileAtomic(d.entryPath(e.Key), dir, data)
}

// writeFileAtomic writes data to a temp file in dir and renames it over
// path, so readers never observe a partial entry.
func writeFileAtomic(path, dir string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".entry-*")
	if err != nil {
		return fmt.Errorf("cache: creating temp file: %w", err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("cache: writing temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("cache: closing temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("cache: renaming entry: %w", err)
	}

	return nil
}

// get reads an entry. Expired, mismatched and unreadable entries are
// misses; expired and corrupt files are removed.
func (d *durableTier) get(key Key, ttl time.Duration, now time.Time) (Entry, bool) {
	path := d.entryPath(key)

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			d.logger.Debug("cache: durable read failed", slog.String("path", path), slog.String("error", err.Error()))
		}

		return Entry{}, false
	}

	var env envelope
	if err := codec.Unmarshal(data, &env); err != nil || env.Version != envelopeVersion {
		d.logger.Debug("cache: discarding unreadable durable entry", slog.String("path", path))
		os.Remove(path)

		return Entry{}, false
	}

	// Guards against xxhash collisions between distinct keys.
	if env.DocID != key.DocID || env.Fingerprint != key.Fingerprint || env.Shape != key.Shape {
		return Entry{}, false
	}

	if ttl > 0 && now.Sub(env.InsertedAt) > ttl {
		os.Remove(path)

		return Entry{}, false
	}

	value, err := decompress(env.Payload, env.Compression, env.Size)
	if err != nil {
		d.logger.Debug("cache: discarding corrupt durable entry", slog.String("path", path), slog.String("error", err.Error()))
		os.Remove(path)

		return Entry{}, false
	}

	return Entry{
		Key:        key,
		Value:      value,
		Tier:       TierDurable,
		InsertedAt: env.InsertedAt,
		TTL:        ttl,
	}, true
}

func (d *durableTier) removeDoc(docID string) error {
	if err := os.RemoveAll(d.docDir(docID)); err != nil {
		return fmt.Errorf("cache: removing entries for %s: %w", docID, err)
	}

	return nil
}

func (d *durableTier) purge() error {
	if err := os.RemoveAll(d.dir); err != nil {
		return fmt.Errorf("cache: purging %s: %w", d.dir, err)
	}

	return nil
}
