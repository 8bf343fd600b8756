package ingestion

import (
	"context"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/invoicehub/drive-ingest/internal/models"
)

// ReprocessStore is the persistence surface of the scheduler.
type ReprocessStore interface {
	Store
	SelectReprocessCandidates(q models.ReprocessQuery) ([]models.InvoiceRecord, error)
	RecordReprocessAttempt(remoteFileID, reason string, maxAttempts int) (bool, error)
	MarkDeletedFromRemote(remoteFileID string) error
}

// Scheduler retries invoices that previously ended in the error or review
// states. Every retry consumes one attempt; a record that spends its attempt
// budget escalates one-way to permanent_error and is never selected again.
type Scheduler struct {
	store  ReprocessStore
	remote RemoteStore
	runner *BatchRunner

	maxAgeDays  int
	maxCount    int
	maxAttempts int
	patterns    []string
	dryRun      bool
	now         func() time.Time
}

func NewScheduler(store ReprocessStore, remote RemoteStore, runner *BatchRunner, maxAgeDays, maxCount, maxAttempts int, transientPatterns []string, dryRun bool) *Scheduler {
	return &Scheduler{
		store:       store,
		remote:      remote,
		runner:      runner,
		maxAgeDays:  maxAgeDays,
		maxCount:    maxCount,
		maxAttempts: maxAttempts,
		patterns:    transientPatterns,
		dryRun:      dryRun,
		now:         time.Now,
	}
}

// SelectCandidates fetches eligible records and orders them so likely
// transient failures (error text matching a configured pattern) go first.
// Within each group the database ordering by recency is preserved.
func (s *Scheduler) SelectCandidates() ([]models.InvoiceRecord, error) {
	candidates, err := s.store.SelectReprocessCandidates(models.ReprocessQuery{
		States:       []string{models.StateError, models.StateReview},
		UpdatedAfter: s.now().AddDate(0, 0, -s.maxAgeDays),
		MaxAttempts:  s.maxAttempts,
		MaxCount:     s.maxCount,
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return s.isTransient(candidates[i].ErrorMsg) && !s.isTransient(candidates[j].ErrorMsg)
	})

	return candidates, nil
}

func (s *Scheduler) isTransient(errMsg string) bool {
	msg := strings.ToLower(errMsg)
	for _, p := range s.patterns {
		if strings.Contains(msg, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// Run reprocesses the selected candidates through the normal ingestion path.
// Records whose source file vanished from the remote are marked deleted and
// skipped without consuming an attempt.
func (s *Scheduler) Run(ctx context.Context, stats *RunStats) error {
	candidates, err := s.SelectCandidates()
	if err != nil {
		return err
	}
	stats.ReprocessSelected = len(candidates)
	if len(candidates) == 0 {
		return nil
	}

	log.Printf("Reprocessing %d previously failed invoices", len(candidates))

	for i := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.reprocessOne(ctx, &candidates[i], stats)
	}

	return nil
}

func (s *Scheduler) reprocessOne(ctx context.Context, rec *models.InvoiceRecord, stats *RunStats) {
	remote, err := s.remote.FileMetadata(rec.RemoteFileID)
	if err != nil {
		log.Printf("WARN: cannot probe remote file %s, skipping: %v", rec.RemoteFileID, err)
		return
	}
	if remote == nil {
		log.Printf("File %s (%s) no longer exists on the remote, excluding from reprocessing",
			rec.RemoteFileID, rec.RemoteFileName)
		if err := s.store.MarkDeletedFromRemote(rec.RemoteFileID); err != nil {
			log.Printf("WARN: %v", err)
		}
		s.runner.event(rec.RemoteFileID, models.StageReprocess, models.LevelWarning,
			"source file deleted from remote", "", "")
		return
	}

	if s.dryRun {
		log.Printf("Dry run: would reprocess %s (%s, attempt %d/%d)",
			rec.RemoteFileName, rec.State, rec.ReprocessAttempts+1, s.maxAttempts)
		return
	}

	s.runner.event(rec.RemoteFileID, models.StageReprocess, models.LevelInfo,
		"reprocess attempt started", "", "")

	if err := s.runner.ProcessBatch(ctx, []models.RemoteFile{*remote}, stats); err != nil {
		return
	}

	after, err := s.store.FindByRemoteFileID(rec.RemoteFileID)
	if err != nil {
		log.Printf("WARN: cannot read back record %s after reprocess: %v", rec.RemoteFileID, err)
		return
	}
	if after != nil && after.State == models.StateProcessed {
		stats.ReprocessRecovered++
		log.Printf("Recovered %s on reprocess attempt %d", rec.RemoteFileName, rec.ReprocessAttempts+1)
		return
	}

	// The retry is charged only after it fails, so the escalation cannot be
	// overwritten by the failure record the retry itself wrote.
	escalated, err := s.store.RecordReprocessAttempt(rec.RemoteFileID, rec.ErrorMsg, s.maxAttempts)
	if err != nil {
		log.Printf("ERROR: %v", err)
		return
	}
	if escalated {
		stats.ReprocessEscalated++
		log.Printf("WARN: %s exhausted its %d reprocess attempts, marked permanent",
			rec.RemoteFileName, s.maxAttempts)
	}
}
