package ingestion

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/invoicehub/drive-ingest/internal/fingerprint"
	"github.com/invoicehub/drive-ingest/internal/models"
	"github.com/invoicehub/drive-ingest/internal/quarantine"
)

// RemoteStore downloads documents and answers metadata probes.
type RemoteStore interface {
	Download(fileID, destPath string, expectedSize int64) error
	FileMetadata(fileID string) (*models.RemoteFile, error)
}

// Extractor produces structured invoice fields from a local document.
type Extractor interface {
	Extract(ctx context.Context, localPath string) (*models.ExtractionResult, error)
	Name() string
}

// Store is the persistence surface the runner needs.
type Store interface {
	FindByRemoteFileID(remoteFileID string) (*models.InvoiceRecord, error)
	FindByContentHash(contentHash string) (*models.InvoiceRecord, error)
	FindByBusinessKey(supplierName, invoiceNumber string) (*models.InvoiceRecord, error)
	Upsert(rec *models.InvoiceRecord, incrementRevision bool) (int64, error)
	MarkError(rec *models.InvoiceRecord) error
	InsertEvent(ev models.IngestEvent) error
}

// Quarantiner files away problem documents.
type Quarantiner interface {
	Place(sourcePath string, category quarantine.Category, snap quarantine.Snapshot) (string, error)
}

// PendingSaver keeps copies of documents awaiting manual attention.
type PendingSaver interface {
	Save(sourcePath, remoteFileID, fileName string) (string, error)
}

// BatchRunner downloads, extracts, resolves and persists one batch of changed
// files at a time. A failure on one file is recorded and never aborts the
// batch; only context cancellation stops it early.
type BatchRunner struct {
	remote     RemoteStore
	extractor  Extractor
	store      Store
	quarantine Quarantiner
	pending    PendingSaver

	stagingDir   string
	maxFileBytes int64
	now          func() time.Time
}

func NewBatchRunner(remote RemoteStore, ext Extractor, store Store, q Quarantiner, pending PendingSaver, stagingDir string, maxFileSizeMB int) *BatchRunner {
	return &BatchRunner{
		remote:       remote,
		extractor:    ext,
		store:        store,
		quarantine:   q,
		pending:      pending,
		stagingDir:   stagingDir,
		maxFileBytes: int64(maxFileSizeMB) * 1024 * 1024,
		now:          time.Now,
	}
}

// ProcessBatch works through the files in order. Files that reach a terminal
// outcome feed their remote modifiedTime into the cursor candidate; files
// that fail do not, so the next run re-lists them.
func (r *BatchRunner) ProcessBatch(ctx context.Context, files []models.RemoteFile, stats *RunStats) error {
	for i := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.processFile(ctx, &files[i], stats)
	}
	return nil
}

func (r *BatchRunner) processFile(ctx context.Context, file *models.RemoteFile, stats *RunStats) {
	log.Printf("Processing %s (%s)", file.Name, file.ID)
	r.event(file.ID, models.StageIngestStart, models.LevelInfo, "processing "+file.Name, "", "")

	if r.maxFileBytes > 0 && file.SizeBytes > r.maxFileBytes {
		detail := fmt.Sprintf("file is %.2f MB, limit is %d MB",
			float64(file.SizeBytes)/(1024*1024), r.maxFileBytes/(1024*1024))
		log.Printf("WARN: rejecting %s by size: %s", file.Name, detail)
		r.event(file.ID, models.StageRejectedSize, models.LevelWarning, detail, "", "")
		stats.SkippedSize++
		return
	}

	localPath := filepath.Join(r.stagingDir, file.ID+".pdf")
	if err := r.remote.Download(file.ID, localPath, file.SizeBytes); err != nil {
		log.Printf("ERROR: download failed for %s: %v", file.Name, err)
		stats.DownloadErrors++
		r.recordFailure(file, "", fmt.Sprintf("download failed: %v", err), stats)
		return
	}
	file.LocalPath = localPath
	stats.Downloads++
	defer func() {
		if err := os.Remove(localPath); err != nil && !os.IsNotExist(err) {
			log.Printf("WARN: failed to clean up %s: %v", localPath, err)
		}
	}()

	if err := ValidateFileIntegrity(localPath, file.SizeBytes); err != nil {
		log.Printf("ERROR: integrity check failed for %s: %v", file.Name, err)
		r.quarantineFile(file, quarantine.CategoryOther, nil, err.Error())
		r.recordFailure(file, localPath, err.Error(), stats)
		return
	}

	extraction, err := r.extractor.Extract(ctx, localPath)
	if err != nil {
		log.Printf("ERROR: extraction failed for %s: %v", file.Name, err)
		r.recordFailure(file, localPath, fmt.Sprintf("extraction failed: %v", err), stats)
		return
	}

	rec := buildRecord(file, extraction)

	// Supplier and total are the minimum identity an invoice must carry;
	// without them the record cannot be matched or reconciled later.
	if rec.SupplierName == "" {
		r.quarantineFile(file, quarantine.CategoryReview, rec, "supplier name not found in document")
		r.recordFailure(file, localPath, "supplier name not found in document", stats)
		return
	}
	if rec.TotalAmount == nil {
		r.quarantineFile(file, quarantine.CategoryReview, rec, "total amount not found in document")
		r.recordFailure(file, localPath, "total amount not found in document", stats)
		return
	}

	decision, reason, err := r.resolve(rec, stats)
	if err != nil {
		r.recordFailure(file, localPath, err.Error(), stats)
		return
	}

	level := models.LevelWarning
	if decision == models.DecisionInsert {
		level = models.LevelInfo
	}
	r.event(file.ID, models.StageDuplicateCheck, level, reason, rec.ContentHash, string(decision))

	switch decision {
	case models.DecisionIgnore:
		stats.Ignored++
		stats.ObserveOutcomeTime(file.ModifiedAt)
		return

	case models.DecisionDuplicate:
		stats.Duplicates++
		r.quarantineFile(file, quarantine.CategoryDuplicates, rec, reason)
		stats.ObserveOutcomeTime(file.ModifiedAt)
		return

	case models.DecisionReview:
		stats.Review++
		rec.State = models.StateReview
		rec.ErrorMsg = reason
		r.quarantineFile(file, quarantine.CategoryReview, rec, reason)
		r.savePending(file, localPath)

	case models.DecisionUpdateRevision:
		rec.State = models.StateProcessed
		r.event(file.ID, models.StageRevisionCreated, models.LevelInfo, reason, rec.ContentHash, "")

	case models.DecisionInsert:
		rec.State = models.StateProcessed
	}

	if decision == models.DecisionInsert || decision == models.DecisionUpdateRevision {
		if violations := ValidateRecord(rec, r.now()); len(violations) > 0 {
			stats.ValidationFailed++
			rec.State = models.StateReview
			rec.ErrorMsg = joinViolations(violations)
			r.event(file.ID, models.StageValidation, models.LevelWarning, rec.ErrorMsg, rec.ContentHash, "")
			r.savePending(file, localPath)
		}
	}

	id, err := r.store.Upsert(rec, decision == models.DecisionUpdateRevision)
	if err != nil {
		log.Printf("ERROR: persist failed for %s: %v", file.Name, err)
		r.recordFailure(file, localPath, fmt.Sprintf("persist failed: %v", err), stats)
		return
	}

	switch {
	case decision == models.DecisionUpdateRevision && rec.State == models.StateProcessed:
		stats.Revisions++
	case rec.State == models.StateProcessed:
		stats.Processed++
	}

	r.event(file.ID, models.StageIngestComplete, models.LevelInfo,
		fmt.Sprintf("persisted as record %d in state %s", id, rec.State), rec.ContentHash, string(decision))
	stats.ObserveOutcomeTime(file.ModifiedAt)
}

func (r *BatchRunner) resolve(rec *models.InvoiceRecord, stats *RunStats) (models.Decision, string, error) {
	byFileID, err := r.store.FindByRemoteFileID(rec.RemoteFileID)
	if err != nil {
		return "", "", fmt.Errorf("duplicate lookup by file id failed: %w", err)
	}
	byHash, err := r.store.FindByContentHash(rec.ContentHash)
	if err != nil {
		return "", "", fmt.Errorf("duplicate lookup by content hash failed: %w", err)
	}
	byKey, err := r.store.FindByBusinessKey(rec.SupplierName, rec.InvoiceNumber)
	if err != nil {
		return "", "", fmt.Errorf("duplicate lookup by business key failed: %w", err)
	}

	decision, reason := Decide(rec, byFileID, byHash, byKey)
	return decision, reason, nil
}

// recordFailure persists the failure as an error-state record so the
// reprocessing scheduler can find it, keeps a pending copy when one exists on
// disk, and writes the audit event. MarkError only touches state and
// error_msg, so extracted fields from an earlier successful ingest survive
// the failure.
func (r *BatchRunner) recordFailure(file *models.RemoteFile, localPath, errMsg string, stats *RunStats) {
	stats.Errors++
	r.event(file.ID, models.StageIngestError, models.LevelError, errMsg, "", "")

	if localPath != "" {
		r.savePending(file, localPath)
	}

	rec := &models.InvoiceRecord{
		RemoteFileID:   file.ID,
		RemoteFileName: file.Name,
		FolderName:     file.ParentFolderID,
		Extractor:      r.extractor.Name(),
		State:          models.StateError,
		ErrorMsg:       errMsg,
	}
	if !file.ModifiedAt.IsZero() {
		t := file.ModifiedAt
		rec.RemoteModifiedAt = &t
	}
	if err := r.store.MarkError(rec); err != nil {
		log.Printf("ERROR: failed to record error state for %s: %v", file.ID, err)
	}
}

func (r *BatchRunner) quarantineFile(file *models.RemoteFile, cat quarantine.Category, rec *models.InvoiceRecord, reason string) {
	if file.LocalPath == "" {
		return
	}

	snap := quarantine.Snapshot{
		SourceFileID:   file.ID,
		SourceFileName: file.Name,
		Reason:         reason,
	}
	if rec != nil {
		snap.SupplierName = rec.SupplierName
		snap.InvoiceNumber = rec.InvoiceNumber
		snap.TotalAmount = rec.TotalAmount
		snap.ContentHash = rec.ContentHash
		if rec.IssueDate != nil {
			snap.IssueDate = rec.IssueDate.Format("2006-01-02")
		}
	}

	if _, err := r.quarantine.Place(file.LocalPath, cat, snap); err != nil {
		log.Printf("WARN: failed to quarantine %s: %v", file.Name, err)
	}
}

func (r *BatchRunner) savePending(file *models.RemoteFile, localPath string) {
	if _, err := r.pending.Save(localPath, file.ID, file.Name); err != nil {
		log.Printf("WARN: failed to save pending copy of %s: %v", file.Name, err)
	}
}

func (r *BatchRunner) event(fileID, stage, level, detail, hash, decision string) {
	err := r.store.InsertEvent(models.IngestEvent{
		RemoteFileID: fileID,
		Stage:        stage,
		Level:        level,
		Detail:       detail,
		ContentHash:  hash,
		Decision:     decision,
	})
	if err != nil {
		log.Printf("WARN: failed to write audit event for %s: %v", fileID, err)
	}
}

// buildRecord assembles the persistable record from the listing entry and the
// extraction, including the content fingerprint.
func buildRecord(file *models.RemoteFile, ex *models.ExtractionResult) *models.InvoiceRecord {
	rec := &models.InvoiceRecord{
		RemoteFileID:   file.ID,
		RemoteFileName: file.Name,
		FolderName:     file.ParentFolderID,
		SupplierName:   ex.SupplierName,
		InvoiceNumber:  ex.InvoiceNumber,
		Currency:       ex.Currency,
		NetAmount:      ex.NetAmount,
		TaxAmount:      ex.TaxAmount,
		TotalAmount:    ex.TotalAmount,
		Extractor:      ex.ExtractorName,
		Confidence:     ex.Confidence,
	}
	if !file.ModifiedAt.IsZero() {
		t := file.ModifiedAt
		rec.RemoteModifiedAt = &t
	}
	if ex.IssueDate != "" {
		if t, err := time.Parse("2006-01-02", ex.IssueDate); err == nil {
			rec.IssueDate = &t
		} else {
			log.Printf("WARN: unparseable issue date %q for %s", ex.IssueDate, file.Name)
		}
	}

	rec.ContentHash = fingerprint.Generate(ex.SupplierName, ex.InvoiceNumber, ex.IssueDate, ex.TotalAmount)

	return rec
}

func joinViolations(violations []string) string {
	out := "validation failed: " + violations[0]
	for _, v := range violations[1:] {
		out += "; " + v
	}
	return out
}
