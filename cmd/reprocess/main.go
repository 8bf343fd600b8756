// Command reprocess re-runs a single invoice through the ingestion path by
// its remote file id, for operator-driven recovery of stuck records.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/invoicehub/drive-ingest/internal/config"
	"github.com/invoicehub/drive-ingest/internal/database"
	"github.com/invoicehub/drive-ingest/internal/drive"
	"github.com/invoicehub/drive-ingest/internal/extractor"
	"github.com/invoicehub/drive-ingest/internal/ingestion"
	"github.com/invoicehub/drive-ingest/internal/joblock"
	"github.com/invoicehub/drive-ingest/internal/models"
	"github.com/invoicehub/drive-ingest/internal/quarantine"
)

type flags struct {
	remoteFileID  string
	force         bool
	resetAttempts bool
	dryRun        bool
	checkLock     bool
}

func run(ctx context.Context, fl flags) error {
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if fl.checkLock {
		lock := joblock.New(filepath.Join(cfg.DataPath, "ingest.lock"), time.Second)
		held, err := lock.IsLocked()
		if err != nil {
			return err
		}
		if held {
			fmt.Println("Job lock is held: an ingestion run is in progress")
		} else {
			fmt.Println("Job lock is free")
		}
		return nil
	}

	if fl.remoteFileID == "" {
		return fmt.Errorf("--remote-file-id is required")
	}

	dbpool, err := database.ConnectDB(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("unable to connect to database: %w", err)
	}
	defer dbpool.Close()

	store := database.NewPostgresStore(ctx, dbpool)

	rec, err := store.FindByRemoteFileID(fl.remoteFileID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("no record for remote file id %s; the file must have been ingested at least once", fl.remoteFileID)
	}

	log.Printf("Found %s: state=%s, revision=%d, reprocess attempts=%d",
		rec.RemoteFileName, rec.State, rec.Revision, rec.ReprocessAttempts)

	if rec.State == models.StateProcessed && !fl.force {
		return fmt.Errorf("record is already processed; use --force to reprocess anyway")
	}

	if fl.dryRun {
		log.Printf("Dry run: would download %s from the remote, re-extract and update the record", rec.RemoteFileName)
		if fl.resetAttempts {
			log.Println("Dry run: would reset the reprocess attempt counter first")
		}
		return nil
	}

	if fl.resetAttempts {
		if err := store.ResetReprocessState(fl.remoteFileID); err != nil {
			return err
		}
		log.Println("Reprocess attempt counter reset")
	}

	retry := drive.NewRetryPolicy(cfg.DriveRetryMax, time.Duration(cfg.DriveRetryBaseMs)*time.Millisecond)
	client, err := drive.NewClient(ctx, cfg.ServiceAccountFile, retry)
	if err != nil {
		return err
	}

	remote, err := client.FileMetadata(fl.remoteFileID)
	if err != nil {
		return err
	}
	if remote == nil {
		if err := store.MarkDeletedFromRemote(fl.remoteFileID); err != nil {
			return err
		}
		return fmt.Errorf("file %s no longer exists on the remote; record marked deleted", fl.remoteFileID)
	}
	if remote.MimeType != "application/pdf" {
		return fmt.Errorf("file %s is not a PDF (%s)", fl.remoteFileID, remote.MimeType)
	}

	vertex, err := extractor.NewVertexExtractor(ctx, cfg.VertexProjectID, cfg.VertexRegion, cfg.VertexModel)
	if err != nil {
		return err
	}
	defer vertex.Close()

	stagingDir, err := ingestion.NewStagingDir(cfg.DataPath)
	if err != nil {
		return err
	}
	defer os.RemoveAll(stagingDir)

	runner := ingestion.NewBatchRunner(client, vertex, store,
		quarantine.NewStore(cfg.QuarantinePath), quarantine.NewPendingQueue(cfg.PendingPath),
		stagingDir, cfg.MaxFileSizeMB)

	stats := &ingestion.RunStats{StartedAt: time.Now()}
	if err := runner.ProcessBatch(ctx, []models.RemoteFile{*remote}, stats); err != nil {
		return err
	}

	after, err := store.FindByRemoteFileID(fl.remoteFileID)
	if err != nil {
		return err
	}
	if after == nil {
		return fmt.Errorf("record vanished during reprocessing")
	}

	log.Printf("Reprocessing finished: state %s -> %s", rec.State, after.State)
	switch after.State {
	case models.StateProcessed:
		log.Println("Record recovered")
	case models.StateReview:
		log.Printf("Record still needs review: %s", after.ErrorMsg)
	default:
		return fmt.Errorf("reprocessing did not recover the record (state %s): %s", after.State, after.ErrorMsg)
	}

	return nil
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: could not load .env file: %v", err)
	}

	var fl flags
	flag.StringVar(&fl.remoteFileID, "remote-file-id", "", "remote file id of the invoice to reprocess")
	flag.BoolVar(&fl.force, "force", false, "reprocess even when the record is already in the processed state")
	flag.BoolVar(&fl.resetAttempts, "reset-attempts", false, "zero the reprocess attempt counter before reprocessing")
	flag.BoolVar(&fl.dryRun, "dry-run", false, "describe what would happen without changing anything")
	flag.BoolVar(&fl.checkLock, "check-lock", false, "report whether an ingestion run currently holds the job lock")
	flag.Parse()

	if err := run(context.Background(), fl); err != nil {
		log.Fatal(err)
	}
}
