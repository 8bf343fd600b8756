package models

import "time"

// Invoice record states as persisted in the invoices table.
const (
	StateProcessed      = "processed"
	StatePending        = "pending"
	StateError          = "error"
	StateReview         = "review"
	StateDuplicate      = "duplicate"
	StatePermanentError = "permanent_error"
)

// Decision is the outcome of the duplicate resolver for an incoming invoice.
type Decision string

const (
	DecisionInsert         Decision = "insert"
	DecisionIgnore         Decision = "ignore"
	DecisionDuplicate      Decision = "duplicate"
	DecisionReview         Decision = "review"
	DecisionUpdateRevision Decision = "update_revision"
)

// RemoteFile describes one file returned by a remote store listing. It is a
// transient value valid for the page that produced it; LocalPath is filled in
// after the file has been downloaded to the staging area.
type RemoteFile struct {
	ID             string
	Name           string
	ParentFolderID string
	MimeType       string
	ModifiedAt     time.Time
	SizeBytes      int64
	LocalPath      string
}

// ExtractionResult holds the structured fields produced by the extraction
// collaborator for a single document. Pointer fields are nil when the
// extractor could not determine a value.
type ExtractionResult struct {
	SupplierName  string
	InvoiceNumber string
	IssueDate     string // ISO date (YYYY-MM-DD), empty when unknown
	NetAmount     *float64
	TaxAmount     *float64
	TotalAmount   *float64
	Currency      string
	Confidence    string // high | medium | low
	ExtractorName string
}

// InvoiceRecord is the persisted representation of one ingested invoice.
// There is at most one non-superseded record per RemoteFileID and at most one
// record per non-empty ContentHash.
type InvoiceRecord struct {
	ID                int64
	RemoteFileID      string
	RemoteFileName    string
	FolderName        string
	SupplierName      string
	InvoiceNumber     string
	Currency          string
	IssueDate         *time.Time
	NetAmount         *float64
	TaxAmount         *float64
	TotalAmount       *float64
	Extractor         string
	Confidence        string
	ContentHash       string // empty = no fingerprintable identity
	Revision          int
	RemoteModifiedAt  *time.Time
	State             string
	ErrorMsg          string
	ReprocessAttempts int
	ReprocessedAt     *time.Time
	ReprocessReason   string
	DeletedFromRemote bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IngestEvent is one row of the audit trail written at every notable stage of
// a file's journey through the pipeline.
type IngestEvent struct {
	RemoteFileID string
	Stage        string
	Level        string
	Detail       string
	ContentHash  string
	Decision     string
}

// Audit event stages.
const (
	StageIngestStart     = "ingest_start"
	StageIngestComplete  = "ingest_complete"
	StageIngestError     = "ingest_error"
	StageDuplicateCheck  = "duplicate_check"
	StageRevisionCreated = "revision_created"
	StageValidation      = "validation"
	StageRejectedSize    = "file_rejected_size"
	StageReprocess       = "reprocess"
	StagePipelineRun     = "pipeline_run"
)

// Audit event levels.
const (
	LevelInfo    = "INFO"
	LevelWarning = "WARNING"
	LevelError   = "ERROR"
)

// ReprocessQuery narrows the set of records eligible for automatic
// reprocessing.
type ReprocessQuery struct {
	States       []string
	UpdatedAfter time.Time
	MaxAttempts  int
	MaxCount     int
}
