package sync

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors surfaced by the sync engine.
var (
	ErrSourceUnreadable = errors.New("sync: source unreadable")
	ErrRegistryCorrupt  = errors.New("sync: registry corrupt")
	ErrUnknownDocument  = errors.New("sync: unknown document")
	ErrSourceRoot       = errors.New("sync: source root unavailable")
)

// SyncStatus is the state of a derived representation relative to its
// source document.
type SyncStatus string

// Sync statuses. The string values are persisted in the registry.
const (
	StatusSynced   SyncStatus = "synced"
	StatusOutdated SyncStatus = "outdated"
	StatusOrphaned SyncStatus = "orphaned"
	StatusError    SyncStatus = "error"
)

// ParseSyncStatus converts a persisted status string.
func ParseSyncStatus(s string) (SyncStatus, error) {
	switch st := SyncStatus(s); st {
	case StatusSynced, StatusOutdated, StatusOrphaned, StatusError:
		return st, nil
	default:
		return "", fmt.Errorf("sync: unknown status %q", s)
	}
}

func (s SyncStatus) String() string {
	return string(s)
}

// DocMeta is the registry's record for one document. SourceFingerprint is
// the fingerprint the current derived representation was built from;
// ObservedFingerprint is the last fingerprint read from the source and is
// empty when the source could not be read.
type DocMeta struct {
	ID                  string     `json:"id"`
	Path                string     `json:"path"`
	Category            string     `json:"category"`
	Status              SyncStatus `json:"status"`
	SourceFingerprint   string     `json:"source_fingerprint,omitempty"`
	ObservedFingerprint string     `json:"observed_fingerprint,omitempty"`
	ContentFingerprint  string     `json:"content_fingerprint,omitempty"`
	SchemaVersion       int        `json:"schema_version"`
	ByteSize            int64      `json:"byte_size"`
	EstimatedTokens     int        `json:"estimated_tokens"`
	GeneratedAt         time.Time  `json:"generated_at,omitzero"`
	LastSyncedAt        time.Time  `json:"last_synced_at,omitzero"`
	OrphanedAt          time.Time  `json:"orphaned_at,omitzero"`
	LastError           string     `json:"last_error,omitempty"`
}

// HasDerived reports whether a derived representation was ever produced.
func (m *DocMeta) HasDerived() bool {
	return m.SourceFingerprint != ""
}

// Stale reports whether the derived representation no longer reflects
// the source. Orphans are not stale; they are gone.
func (m *DocMeta) Stale() bool {
	return m.HasDerived() && (m.Status == StatusOutdated || m.Status == StatusError)
}

// ChangeType identifies the kind of change observed on a source.
type ChangeType int

// Change types.
const (
	ChangeCreate ChangeType = iota
	ChangeModify
	ChangeDelete
)

func (t ChangeType) String() string {
	switch t {
	case ChangeCreate:
		return "create"
	case ChangeModify:
		return "modify"
	case ChangeDelete:
		return "delete"
	default:
		return fmt.Sprintf("ChangeType(%d)", int(t))
	}
}

// ChangeEvent describes one observed change to a source document.
// Fingerprint is empty for deletes and for sources that could not be
// hashed at observation time.
type ChangeEvent struct {
	Type        ChangeType
	DocID       string
	Path        string // slash-separated, relative to the source root
	Fingerprint string
	Size        int64
	Mtime       int64 // Unix nanoseconds
}

// AlertKind classifies operator-visible failures.
type AlertKind string

// Alert kinds. Only these two escalate past the engine.
const (
	AlertSourceUnreadable AlertKind = "source_unreadable"
	AlertRegistryCorrupt  AlertKind = "registry_corrupt"
)

// Alert is an operator-visible failure.
type Alert struct {
	Kind  AlertKind
	DocID string
	Err   error
	At    time.Time
}

// AlertHandler receives alerts. It is called synchronously from engine
// goroutines and must not block.
type AlertHandler func(Alert)

// StatusEvent reports a document's status transition.
type StatusEvent struct {
	DocID       string     `json:"doc_id"`
	Path        string     `json:"path"`
	From        SyncStatus `json:"from,omitempty"`
	To          SyncStatus `json:"to"`
	Fingerprint string     `json:"fingerprint,omitempty"`
	At          time.Time  `json:"at"`
}
