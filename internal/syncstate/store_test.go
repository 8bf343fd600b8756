package syncstate

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/invoicehub/drive-ingest/internal/config"
)

// MockKV is a mock implementation of the KV interface.
type MockKV struct {
	mock.Mock
}

func (m *MockKV) GetState(key string) (string, error) {
	args := m.Called(key)
	return args.String(0), args.Error(1)
}

func (m *MockKV) SetState(key, value string) error {
	args := m.Called(key, value)
	return args.Error(0)
}

func (m *MockKV) DeleteState(key string) error {
	args := m.Called(key)
	return args.Error(0)
}

func TestNewSelectsBackend(t *testing.T) {
	db, err := New(config.StateBackendDB, "", new(MockKV))
	assert.NoError(t, err)
	assert.IsType(t, &DBStore{}, db)

	file, err := New(config.StateBackendFile, "state.json", nil)
	assert.NoError(t, err)
	assert.IsType(t, &FileStore{}, file)

	_, err = New("redis", "", nil)
	assert.ErrorContains(t, err, "unknown sync state backend")
}

func TestDBStoreRoundTrip(t *testing.T) {
	kv := new(MockKV)
	cursor := time.Date(2026, 8, 1, 12, 30, 0, 0, time.UTC)

	kv.On("SetState", cursorKey, cursor.Format(time.RFC3339Nano)).Return(nil)
	kv.On("GetState", cursorKey).Return(cursor.Format(time.RFC3339Nano), nil)

	store := &DBStore{kv: kv}
	assert.NoError(t, store.SetLastSyncTime(cursor))

	got, err := store.GetLastSyncTime()
	assert.NoError(t, err)
	if assert.NotNil(t, got) {
		assert.True(t, got.Equal(cursor))
	}
	kv.AssertExpectations(t)
}

func TestDBStoreMissingCursor(t *testing.T) {
	kv := new(MockKV)
	kv.On("GetState", cursorKey).Return("", nil)

	got, err := (&DBStore{kv: kv}).GetLastSyncTime()
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestDBStoreCorruptCursor(t *testing.T) {
	kv := new(MockKV)
	kv.On("GetState", cursorKey).Return("yesterday-ish", nil)

	_, err := (&DBStore{kv: kv}).GetLastSyncTime()
	assert.ErrorContains(t, err, "corrupt sync cursor")
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "last_sync.json")
	store := NewFileStore(path)

	got, err := store.GetLastSyncTime()
	assert.NoError(t, err)
	assert.Nil(t, got)

	cursor := time.Date(2026, 8, 1, 12, 30, 0, 0, time.UTC)
	assert.NoError(t, store.SetLastSyncTime(cursor))

	got, err = store.GetLastSyncTime()
	assert.NoError(t, err)
	if assert.NotNil(t, got) {
		assert.True(t, got.Equal(cursor))
	}

	// No leftover temp file from the atomic write.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, store.Delete())
	got, err = store.GetLastSyncTime()
	assert.NoError(t, err)
	assert.Nil(t, got)

	// Deleting twice is fine.
	assert.NoError(t, store.Delete())
}

func TestFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "last_sync.json")
	assert.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewFileStore(path).GetLastSyncTime()
	assert.ErrorContains(t, err, "corrupt sync state file")
}
