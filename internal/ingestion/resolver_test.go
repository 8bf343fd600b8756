package ingestion

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/invoicehub/drive-ingest/internal/models"
)

func amount(v float64) *float64 { return &v }

func record(fileID, hash, supplier, number string, total *float64) *models.InvoiceRecord {
	return &models.InvoiceRecord{
		RemoteFileID:  fileID,
		SupplierName:  supplier,
		InvoiceNumber: number,
		TotalAmount:   total,
		ContentHash:   hash,
		Revision:      1,
	}
}

func TestDecide(t *testing.T) {
	incoming := record("file-1", "hash-a", "ACME", "INV-001", amount(100))

	tests := []struct {
		name     string
		byFileID *models.InvoiceRecord
		byHash   *models.InvoiceRecord
		byKey    *models.InvoiceRecord
		want     models.Decision
	}{
		{
			name: "new invoice inserts",
			want: models.DecisionInsert,
		},
		{
			name:     "same file with identical content is ignored",
			byFileID: record("file-1", "hash-a", "ACME", "INV-001", amount(100)),
			want:     models.DecisionIgnore,
		},
		{
			name:     "same file with changed content becomes a revision",
			byFileID: record("file-1", "hash-old", "ACME", "INV-001", amount(90)),
			want:     models.DecisionUpdateRevision,
		},
		{
			name:   "same content from another file is a duplicate",
			byHash: record("file-2", "hash-a", "ACME", "INV-001", amount(100)),
			want:   models.DecisionDuplicate,
		},
		{
			name:  "same business key with a different amount needs review",
			byKey: record("file-3", "hash-b", "ACME", "INV-001", amount(250)),
			want:  models.DecisionReview,
		},
		{
			name:  "same business key within amount tolerance inserts",
			byKey: record("file-3", "hash-b", "ACME", "INV-001", amount(100.01)),
			want:  models.DecisionInsert,
		},
		{
			name:  "same business key with a missing amount needs review",
			byKey: record("file-3", "hash-b", "ACME", "INV-001", nil),
			want:  models.DecisionReview,
		},
		{
			name:     "error row recovery overwrites without a revision",
			byFileID: record("file-1", "", "", "", nil),
			want:     models.DecisionInsert,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := Decide(incoming, tt.byFileID, tt.byHash, tt.byKey)
			assert.Equal(t, tt.want, got)
			assert.NotEmpty(t, reason)
		})
	}
}

func TestDecideFileIDMatchBeatsHashMatch(t *testing.T) {
	incoming := record("file-1", "hash-a", "ACME", "INV-001", amount(100))

	// Both lookups hit; the same-file rule must win over the duplicate rule.
	byFileID := record("file-1", "hash-old", "ACME", "INV-001", amount(100))
	byHash := record("file-2", "hash-a", "ACME", "INV-001", amount(100))

	got, _ := Decide(incoming, byFileID, byHash, nil)
	assert.Equal(t, models.DecisionUpdateRevision, got)
}

func TestDecideDuplicateBeatsReview(t *testing.T) {
	incoming := record("file-1", "hash-a", "ACME", "INV-001", amount(100))

	byHash := record("file-2", "hash-a", "ACME", "INV-001", amount(100))
	byKey := record("file-3", "hash-b", "ACME", "INV-001", amount(500))

	got, _ := Decide(incoming, nil, byHash, byKey)
	assert.Equal(t, models.DecisionDuplicate, got)
}

func TestDecideErrorRowStillChecksDuplicateContent(t *testing.T) {
	incoming := record("file-1", "hash-a", "ACME", "INV-001", amount(100))

	// The stored row for this file is an error row; the incoming content
	// still collides with a different file, so the duplicate rule wins.
	byFileID := record("file-1", "", "", "", nil)
	byHash := record("file-2", "hash-a", "ACME", "INV-001", amount(100))

	got, _ := Decide(incoming, byFileID, byHash, nil)
	assert.Equal(t, models.DecisionDuplicate, got)
}

func TestDecideWithoutFingerprintFallsThroughToBusinessKey(t *testing.T) {
	incoming := record("file-1", "", "ACME", "", amount(100))
	incoming.InvoiceNumber = "INV-001"

	byKey := record("file-3", "hash-b", "ACME", "INV-001", amount(500))

	got, _ := Decide(incoming, nil, nil, byKey)
	assert.Equal(t, models.DecisionReview, got)
}
