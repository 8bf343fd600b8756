// Package syncstate persists the incremental sync cursor: the modifiedTime
// watermark the next run enumerates changes after. Two backends exist, one on
// the database sync_state table and one on a local JSON file, selected by
// configuration.
package syncstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/invoicehub/drive-ingest/internal/config"
)

const cursorKey = "drive_last_sync_time"

// Store reads and writes the sync cursor. GetLastSyncTime returns nil when no
// cursor has been persisted yet; the enumerator then anchors its window at the
// current time.
type Store interface {
	GetLastSyncTime() (*time.Time, error)
	SetLastSyncTime(t time.Time) error
	Delete() error
}

// KV is the slice of the database store the DB backend needs.
type KV interface {
	GetState(key string) (string, error)
	SetState(key, value string) error
	DeleteState(key string) error
}

// New selects a backend from the configured name.
func New(backend, filePath string, kv KV) (Store, error) {
	switch backend {
	case config.StateBackendDB:
		return &DBStore{kv: kv}, nil
	case config.StateBackendFile:
		return &FileStore{path: filePath}, nil
	default:
		return nil, fmt.Errorf("unknown sync state backend %q", backend)
	}
}

// DBStore keeps the cursor in the sync_state table, next to the data it
// guards, so a database restore rolls both back together.
type DBStore struct {
	kv KV
}

func (s *DBStore) GetLastSyncTime() (*time.Time, error) {
	value, err := s.kv.GetState(cursorKey)
	if err != nil {
		return nil, err
	}
	if value == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil, fmt.Errorf("corrupt sync cursor %q: %w", value, err)
	}

	return &t, nil
}

func (s *DBStore) SetLastSyncTime(t time.Time) error {
	return s.kv.SetState(cursorKey, t.UTC().Format(time.RFC3339Nano))
}

func (s *DBStore) Delete() error {
	return s.kv.DeleteState(cursorKey)
}

// FileStore keeps the cursor in a small JSON file, for deployments without a
// writable sync_state table or for local runs against production data.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

type fileState struct {
	LastSyncTime time.Time `json:"last_sync_time"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (s *FileStore) GetLastSyncTime() (*time.Time, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("error reading sync state file %s: %w", s.path, err)
	}

	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("corrupt sync state file %s: %w", s.path, err)
	}
	if state.LastSyncTime.IsZero() {
		return nil, nil
	}

	t := state.LastSyncTime
	return &t, nil
}

// SetLastSyncTime writes the cursor atomically: a rename replaces the old
// file only after the new content is fully on disk.
func (s *FileStore) SetLastSyncTime(t time.Time) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("error creating sync state directory: %w", err)
	}

	data, err := json.MarshalIndent(fileState{
		LastSyncTime: t.UTC(),
		UpdatedAt:    time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("error encoding sync state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("error writing sync state file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("error replacing sync state file %s: %w", s.path, err)
	}

	return nil
}

func (s *FileStore) Delete() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error deleting sync state file %s: %w", s.path, err)
	}
	return nil
}
