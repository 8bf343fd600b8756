package ingestion

import (
	"context"
	"os"

	"github.com/stretchr/testify/mock"

	"github.com/invoicehub/drive-ingest/internal/models"
	"github.com/invoicehub/drive-ingest/internal/quarantine"
)

// MockRemoteStore is a mock implementation of the RemoteStore interface. Its
// Download writes a minimal valid PDF to destPath unless an error is queued.
type MockRemoteStore struct {
	mock.Mock
}

func (m *MockRemoteStore) Download(fileID, destPath string, expectedSize int64) error {
	args := m.Called(fileID, destPath, expectedSize)
	if args.Error(0) != nil {
		return args.Error(0)
	}
	return os.WriteFile(destPath, []byte("%PDF-1.4 test"), 0o644)
}

func (m *MockRemoteStore) FileMetadata(fileID string) (*models.RemoteFile, error) {
	args := m.Called(fileID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.RemoteFile), args.Error(1)
}

// MockExtractor is a mock implementation of the Extractor interface.
type MockExtractor struct {
	mock.Mock
}

func (m *MockExtractor) Extract(ctx context.Context, localPath string) (*models.ExtractionResult, error) {
	args := m.Called(localPath)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ExtractionResult), args.Error(1)
}

func (m *MockExtractor) Name() string {
	return "mock-extractor"
}

// MockStore is a mock implementation of the ReprocessStore interface.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) FindByRemoteFileID(remoteFileID string) (*models.InvoiceRecord, error) {
	args := m.Called(remoteFileID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.InvoiceRecord), args.Error(1)
}

func (m *MockStore) FindByContentHash(contentHash string) (*models.InvoiceRecord, error) {
	args := m.Called(contentHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.InvoiceRecord), args.Error(1)
}

func (m *MockStore) FindByBusinessKey(supplierName, invoiceNumber string) (*models.InvoiceRecord, error) {
	args := m.Called(supplierName, invoiceNumber)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.InvoiceRecord), args.Error(1)
}

func (m *MockStore) Upsert(rec *models.InvoiceRecord, incrementRevision bool) (int64, error) {
	args := m.Called(rec, incrementRevision)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) MarkError(rec *models.InvoiceRecord) error {
	args := m.Called(rec)
	return args.Error(0)
}

func (m *MockStore) InsertEvent(ev models.IngestEvent) error {
	args := m.Called(ev)
	return args.Error(0)
}

func (m *MockStore) SelectReprocessCandidates(q models.ReprocessQuery) ([]models.InvoiceRecord, error) {
	args := m.Called(q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.InvoiceRecord), args.Error(1)
}

func (m *MockStore) RecordReprocessAttempt(remoteFileID, reason string, maxAttempts int) (bool, error) {
	args := m.Called(remoteFileID, reason, maxAttempts)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) MarkDeletedFromRemote(remoteFileID string) error {
	args := m.Called(remoteFileID)
	return args.Error(0)
}

// MockQuarantiner is a mock implementation of the Quarantiner interface.
type MockQuarantiner struct {
	mock.Mock
}

func (m *MockQuarantiner) Place(sourcePath string, category quarantine.Category, snap quarantine.Snapshot) (string, error) {
	args := m.Called(sourcePath, category, snap)
	return args.String(0), args.Error(1)
}

// MockPendingSaver is a mock implementation of the PendingSaver interface.
type MockPendingSaver struct {
	mock.Mock
}

func (m *MockPendingSaver) Save(sourcePath, remoteFileID, fileName string) (string, error) {
	args := m.Called(sourcePath, remoteFileID, fileName)
	return args.String(0), args.Error(1)
}
