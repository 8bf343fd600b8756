package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/invoicehub/drive-ingest/internal/config"
	"github.com/invoicehub/drive-ingest/internal/database"
	"github.com/invoicehub/drive-ingest/internal/drive"
	"github.com/invoicehub/drive-ingest/internal/extractor"
	"github.com/invoicehub/drive-ingest/internal/ingestion"
	"github.com/invoicehub/drive-ingest/internal/joblock"
	"github.com/invoicehub/drive-ingest/internal/quarantine"
	"github.com/invoicehub/drive-ingest/internal/syncstate"
)

type flags struct {
	dryRun     bool
	resetState bool
	outputJSON bool
}

func setup(ctx context.Context, fl flags) (*ingestion.Pipeline, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.DryRun = fl.dryRun

	dbpool, err := database.ConnectDB(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	store := database.NewPostgresStore(ctx, dbpool)
	if err := store.CreateTables(); err != nil {
		dbpool.Close()
		return nil, nil, err
	}

	cursor, err := syncstate.New(cfg.StateBackend, cfg.StateFile, store)
	if err != nil {
		dbpool.Close()
		return nil, nil, err
	}

	if fl.resetState {
		if err := cursor.Delete(); err != nil {
			dbpool.Close()
			return nil, nil, fmt.Errorf("failed to reset sync cursor: %w", err)
		}
		log.Println("Sync cursor reset, next run starts from now minus the sync window")
	}

	retry := drive.NewRetryPolicy(cfg.DriveRetryMax, time.Duration(cfg.DriveRetryBaseMs)*time.Millisecond)
	client, err := drive.NewClient(ctx, cfg.ServiceAccountFile, retry)
	if err != nil {
		dbpool.Close()
		return nil, nil, err
	}

	vertex, err := extractor.NewVertexExtractor(ctx, cfg.VertexProjectID, cfg.VertexRegion, cfg.VertexModel)
	if err != nil {
		dbpool.Close()
		return nil, nil, err
	}

	stagingDir, err := ingestion.NewStagingDir(cfg.DataPath)
	if err != nil {
		vertex.Close()
		dbpool.Close()
		return nil, nil, err
	}

	quarantineStore := quarantine.NewStore(cfg.QuarantinePath)
	pendingQueue := quarantine.NewPendingQueue(cfg.PendingPath)

	runner := ingestion.NewBatchRunner(client, vertex, store, quarantineStore, pendingQueue, stagingDir, cfg.MaxFileSizeMB)
	scheduler := ingestion.NewScheduler(store, client, runner,
		cfg.ReprocessMaxAgeDays, cfg.ReprocessMaxCount, cfg.ReprocessMaxAttempts,
		cfg.TransientErrorPatterns, cfg.ReprocessDryRun)
	enumerator := drive.NewEnumerator(client, cfg.DrivePageSize, time.Duration(cfg.SyncWindowMin)*time.Minute)
	lock := joblock.New(filepath.Join(cfg.DataPath, "ingest.lock"), time.Duration(cfg.LockTimeoutSec)*time.Second)

	pipeline := ingestion.NewPipeline(cfg, lock, cursor, enumerator, runner, scheduler,
		client, store, quarantineStore, pendingQueue)

	cleanupFunc := func() {
		if err := os.RemoveAll(stagingDir); err != nil {
			log.Printf("WARN: failed to remove staging directory %s: %v", stagingDir, err)
		}
		if err := vertex.Close(); err != nil {
			log.Printf("WARN: failed to close extractor: %v", err)
		}
		dbpool.Close()
	}

	return pipeline, cleanupFunc, nil
}

func execute(ctx context.Context, pipeline *ingestion.Pipeline, outputJSON bool) error {
	log.Println("Starting incremental ingestion run...")
	stats, err := pipeline.Run(ctx)
	if err != nil {
		return err
	}

	if outputJSON {
		out, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode run stats: %w", err)
		}
		fmt.Println(string(out))
	}

	return nil
}

func cleanup(cleanupFunc func()) {
	log.Println("Cleaning up resources...")
	cleanupFunc()
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: could not load .env file: %v", err)
	}

	var fl flags
	flag.BoolVar(&fl.dryRun, "dry-run", false, "list changed files without downloading or persisting anything")
	flag.BoolVar(&fl.resetState, "reset-state", false, "delete the sync cursor so the next run starts from the sync window")
	flag.BoolVar(&fl.outputJSON, "output-json", false, "print run statistics as JSON on stdout")
	flag.Parse()

	startTime := time.Now()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipeline, cleanupFunc, err := setup(ctx, fl)
	if err != nil {
		log.Fatal(err)
	}
	defer cleanup(cleanupFunc)

	if err := execute(ctx, pipeline, fl.outputJSON); err != nil {
		cleanup(cleanupFunc)
		log.Fatalf("Error during ingestion run: %v\n", err)
	}

	log.Println("Ingestion run finished.")
	log.Printf("Execution time: %s\n", time.Since(startTime))
}
