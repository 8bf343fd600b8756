package ingestion

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/invoicehub/drive-ingest/internal/config"
	"github.com/invoicehub/drive-ingest/internal/diskspace"
	"github.com/invoicehub/drive-ingest/internal/models"
	"github.com/invoicehub/drive-ingest/internal/syncstate"
)

// Locker serializes runs; the production implementation is the OS file lock.
type Locker interface {
	WithLock(ctx context.Context, body func() error) error
}

// Enumerator yields pages of changed remote files.
type Enumerator interface {
	ForEachPage(ctx context.Context, rootFolderID string, since *time.Time, maxPages int, handler func(files []models.RemoteFile) error) error
}

// Runner processes one batch of files.
type Runner interface {
	ProcessBatch(ctx context.Context, files []models.RemoteFile, stats *RunStats) error
}

// Reprocessor retries previously failed records before new work starts.
type Reprocessor interface {
	Run(ctx context.Context, stats *RunStats) error
}

// AccessValidator proves the configured root folder is reachable.
type AccessValidator interface {
	ValidateFolderAccess(folderID string) error
}

// PendingExpirer moves stuck pending records to error.
type PendingExpirer interface {
	ExpireStuckPending(olderThan time.Time) (int64, error)
}

// Cleaner ages out quarantine or pending copies.
type Cleaner interface {
	Cleanup(maxAgeDays int) (int, error)
}

// Pipeline is one incremental ingestion run end to end: lock, preflight,
// reprocess pass, change enumeration, batch processing and cursor advance.
type Pipeline struct {
	cfg *config.Config

	lock        Locker
	cursor      syncstate.Store
	enumerator  Enumerator
	runner      Runner
	reprocessor Reprocessor
	access      AccessValidator
	expirer     PendingExpirer
	quarantine  Cleaner
	pending     Cleaner

	checkDisk func(path string, warnPct, criticalPct int) (*diskspace.Status, error)
	sleep     func(time.Duration)
	now       func() time.Time
}

func NewPipeline(cfg *config.Config, lock Locker, cursor syncstate.Store, enum Enumerator, runner Runner, reproc Reprocessor, access AccessValidator, expirer PendingExpirer, quarantineCleaner, pendingCleaner Cleaner) *Pipeline {
	return &Pipeline{
		cfg:         cfg,
		lock:        lock,
		cursor:      cursor,
		enumerator:  enum,
		runner:      runner,
		reprocessor: reproc,
		access:      access,
		expirer:     expirer,
		quarantine:  quarantineCleaner,
		pending:     pendingCleaner,
		checkDisk:   diskspace.Check,
		sleep:       time.Sleep,
		now:         time.Now,
	}
}

// Run executes one pipeline run under the job lock and returns its stats.
// A second concurrent run fails fast with joblock.ErrLockTimeout.
func (p *Pipeline) Run(ctx context.Context) (*RunStats, error) {
	stats := &RunStats{StartedAt: p.now()}

	err := p.lock.WithLock(ctx, func() error {
		return p.run(ctx, stats)
	})

	stats.FinishedAt = p.now()
	stats.Duration = stats.FinishedAt.Sub(stats.StartedAt)
	if err == nil {
		stats.LogSummary()
	}

	return stats, err
}

func (p *Pipeline) run(ctx context.Context, stats *RunStats) error {
	if err := p.preflight(); err != nil {
		return err
	}

	expired, err := p.expirer.ExpireStuckPending(p.now().Add(-time.Duration(p.cfg.PendingStuckHours) * time.Hour))
	if err != nil {
		return err
	}
	if expired > 0 {
		log.Printf("Expired %d records stuck in pending for over %dh", expired, p.cfg.PendingStuckHours)
	}
	stats.ExpiredPending = int(expired)

	since, err := p.cursor.GetLastSyncTime()
	if err != nil {
		return err
	}
	stats.LastSyncBefore = since

	if p.cfg.ReprocessEnabled && p.reprocessor != nil && !p.cfg.DryRun {
		if err := p.reprocessor.Run(ctx, stats); err != nil {
			return fmt.Errorf("reprocessing pass failed: %w", err)
		}
	}

	if err := p.enumerate(ctx, since, stats); err != nil {
		return err
	}

	p.cleanupAged()

	if p.cfg.DryRun {
		log.Printf("Dry run: listed %d changed files across %d pages, nothing persisted", stats.ItemsListed, stats.Pages)
		return nil
	}

	return p.advanceCursor(stats)
}

// preflight refuses to start a run that could not finish: no disk, or no
// access to the configured folder.
func (p *Pipeline) preflight() error {
	status, err := p.checkDisk(p.cfg.DataPath, p.cfg.DiskWarnPercent, p.cfg.DiskCriticalPercent)
	if err != nil {
		return err
	}
	if status.Critical {
		return fmt.Errorf("disk space critical: %.1f%% available (%.1f GB), need at least %d%%",
			status.PercentAvailable, status.AvailableGB, p.cfg.DiskCriticalPercent)
	}
	if status.Warning {
		log.Printf("WARN: disk space low: %.1f%% available (%.1f GB)",
			status.PercentAvailable, status.AvailableGB)
	}

	if err := p.access.ValidateFolderAccess(p.cfg.DriveFolderID); err != nil {
		return err
	}

	return nil
}

func (p *Pipeline) enumerate(ctx context.Context, since *time.Time, stats *RunStats) error {
	return p.enumerator.ForEachPage(ctx, p.cfg.DriveFolderID, since, p.cfg.MaxPagesPerRun, func(files []models.RemoteFile) error {
		stats.Pages++
		stats.ItemsListed += len(files)

		if p.cfg.DryRun {
			for _, f := range files {
				log.Printf("Dry run: would process %s (%s, modified %s)",
					f.Name, f.ID, f.ModifiedAt.Format(time.RFC3339))
			}
			return nil
		}

		for start := 0; start < len(files); start += p.cfg.BatchSize {
			end := start + p.cfg.BatchSize
			if end > len(files) {
				end = len(files)
			}
			if err := p.runner.ProcessBatch(ctx, files[start:end], stats); err != nil {
				return err
			}
			if end < len(files) {
				p.sleep(time.Duration(p.cfg.SleepBetweenBatch) * time.Second)
			}
		}

		return nil
	})
}

func (p *Pipeline) cleanupAged() {
	if n, err := p.quarantine.Cleanup(p.cfg.QuarantineMaxAgeDays); err != nil {
		log.Printf("WARN: quarantine cleanup failed: %v", err)
	} else if n > 0 {
		log.Printf("Cleaned up %d quarantined files older than %d days", n, p.cfg.QuarantineMaxAgeDays)
	}
	if n, err := p.pending.Cleanup(p.cfg.PendingMaxAgeDays); err != nil {
		log.Printf("WARN: pending cleanup failed: %v", err)
	} else if n > 0 {
		log.Printf("Cleaned up %d pending files older than %d days", n, p.cfg.PendingMaxAgeDays)
	}
}

// advanceCursor moves the sync watermark. MAX_OK_TIME only moves it up to the
// newest change that reached a terminal outcome, so failed files are
// re-listed next run; with no terminal outcomes the cursor stays put.
// CURRENT_TIME jumps to the wall clock at completion regardless, covering the
// whole span the run just enumerated.
func (p *Pipeline) advanceCursor(stats *RunStats) error {
	var next *time.Time
	switch p.cfg.AdvanceStrategy {
	case config.AdvanceCurrentTime:
		t := p.now()
		next = &t
	case config.AdvanceMaxOKTime:
		next = stats.MaxOKModifiedTime
	}

	if next == nil {
		log.Printf("No terminal outcomes this run, sync cursor stays at %s", formatCursor(stats.LastSyncBefore))
		stats.LastSyncAfter = stats.LastSyncBefore
		return nil
	}
	if stats.LastSyncBefore != nil && !next.After(*stats.LastSyncBefore) {
		stats.LastSyncAfter = stats.LastSyncBefore
		return nil
	}

	if err := p.cursor.SetLastSyncTime(*next); err != nil {
		return err
	}
	stats.LastSyncAfter = next

	return nil
}

func formatCursor(t *time.Time) string {
	if t == nil {
		return "(unset)"
	}
	return t.Format(time.RFC3339)
}

// NewStagingDir creates a unique staging directory for one run's downloads.
// The caller removes it when the run ends.
func NewStagingDir(dataPath string) (string, error) {
	dir := filepath.Join(dataPath, "staging", uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("error creating staging directory %s: %w", dir, err)
	}
	return dir, nil
}
