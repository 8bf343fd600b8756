package ingestion

import (
	"log"
	"time"
)

// RunStats accumulates counters across one pipeline run. It is passed by
// pointer through the run so every stage adds to the same totals, and is
// serializable for the --output-json flag.
type RunStats struct {
	Pages            int `json:"pages"`
	ItemsListed      int `json:"items_listed"`
	Downloads        int `json:"downloads"`
	DownloadErrors   int `json:"download_errors"`
	Processed        int `json:"processed"`
	Revisions        int `json:"revisions"`
	Ignored          int `json:"ignored"`
	Duplicates       int `json:"duplicates"`
	Review           int `json:"review"`
	ValidationFailed int `json:"validation_failed"`
	Errors           int `json:"errors"`
	SkippedSize      int `json:"skipped_size"`

	ReprocessSelected  int `json:"reprocess_selected"`
	ReprocessRecovered int `json:"reprocess_recovered"`
	ReprocessEscalated int `json:"reprocess_escalated"`
	ExpiredPending     int `json:"expired_pending"`

	LastSyncBefore *time.Time `json:"last_sync_before,omitempty"`
	LastSyncAfter  *time.Time `json:"last_sync_after,omitempty"`

	// MaxOKModifiedTime is the largest remote modifiedTime among files that
	// reached a terminal outcome this run. It is the MAX_OK_TIME cursor
	// candidate; per-file errors never advance it.
	MaxOKModifiedTime *time.Time `json:"max_ok_modified_time,omitempty"`

	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration_ns"`
}

// ObserveOutcomeTime folds one terminal outcome's remote modifiedTime into
// the MAX_OK_TIME candidate.
func (s *RunStats) ObserveOutcomeTime(t time.Time) {
	if t.IsZero() {
		return
	}
	if s.MaxOKModifiedTime == nil || t.After(*s.MaxOKModifiedTime) {
		s.MaxOKModifiedTime = &t
	}
}

// TotalOutcomes is the count of files that reached any terminal decision.
func (s *RunStats) TotalOutcomes() int {
	return s.Processed + s.Revisions + s.Ignored + s.Duplicates + s.Review
}

func (s *RunStats) LogSummary() {
	log.Printf("Run summary: %d pages, %d listed, %d downloaded (%d failed), %d processed, %d revisions, %d ignored, %d duplicates, %d review, %d validation-failed, %d errors, %d oversized skipped",
		s.Pages, s.ItemsListed, s.Downloads, s.DownloadErrors, s.Processed, s.Revisions,
		s.Ignored, s.Duplicates, s.Review, s.ValidationFailed, s.Errors, s.SkippedSize)
	if s.ReprocessSelected > 0 || s.ExpiredPending > 0 {
		log.Printf("Reprocessing: %d selected, %d recovered, %d escalated, %d stuck-pending expired",
			s.ReprocessSelected, s.ReprocessRecovered, s.ReprocessEscalated, s.ExpiredPending)
	}
	if s.LastSyncAfter != nil {
		log.Printf("Sync cursor advanced to %s", s.LastSyncAfter.Format(time.RFC3339))
	} else {
		log.Printf("Sync cursor unchanged")
	}
	log.Printf("Run took %s", s.Duration.Round(time.Millisecond))
}
