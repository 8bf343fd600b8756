package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Cursor advance strategies.
const (
	AdvanceMaxOKTime   = "MAX_OK_TIME"
	AdvanceCurrentTime = "CURRENT_TIME"
)

// Sync state backends.
const (
	StateBackendDB   = "db"
	StateBackendFile = "file"
)

// Config is built once from the environment and passed down explicitly to
// every component constructor. It is never mutated after New returns.
type Config struct {
	DatabaseURL        string
	DriveFolderID      string
	ServiceAccountFile string

	DrivePageSize    int
	DriveRetryMax    int
	DriveRetryBaseMs int
	SyncWindowMin    int

	BatchSize         int
	SleepBetweenBatch int // seconds
	MaxPagesPerRun    int
	AdvanceStrategy   string
	MaxFileSizeMB     int

	StateBackend string
	StateFile    string

	DataPath             string
	QuarantinePath       string
	PendingPath          string
	QuarantineMaxAgeDays int
	PendingMaxAgeDays    int
	PendingStuckHours    int

	LockTimeoutSec int

	DiskWarnPercent     int
	DiskCriticalPercent int

	ReprocessEnabled       bool
	ReprocessMaxAgeDays    int
	ReprocessMaxCount      int
	ReprocessMaxAttempts   int
	ReprocessDryRun        bool
	TransientErrorPatterns []string

	VertexProjectID string
	VertexRegion    string
	VertexModel     string

	// DryRun is set from the command line, not the environment. A dry run
	// validates configuration and lists work without downloading, mutating
	// the database or advancing the cursor.
	DryRun bool
}

// New builds the configuration from the environment.
func New() (*Config, error) {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is not set")
	}

	folderID := os.Getenv("DRIVE_FOLDER_ID")
	if folderID == "" {
		return nil, fmt.Errorf("DRIVE_FOLDER_ID environment variable is not set")
	}

	cfg := &Config{
		DatabaseURL:        databaseURL,
		DriveFolderID:      folderID,
		ServiceAccountFile: os.Getenv("GOOGLE_SERVICE_ACCOUNT_FILE"),
		AdvanceStrategy:    getEnv("ADVANCE_STRATEGY", AdvanceMaxOKTime),
		StateBackend:       strings.ToLower(getEnv("STATE_BACKEND", StateBackendDB)),
		StateFile:          getEnv("STATE_FILE", "state/last_sync.json"),
		DataPath:           getEnv("DATA_PATH", "data"),
		QuarantinePath:     getEnv("QUARANTINE_PATH", "data/quarantine"),
		PendingPath:        getEnv("PENDING_PATH", "data/pending"),
		VertexProjectID:    os.Getenv("VERTEX_PROJECT_ID"),
		VertexRegion:       getEnv("VERTEX_REGION", "europe-west1"),
		VertexModel:        getEnv("VERTEX_MODEL", "gemini-1.5-pro"),
	}

	patterns := getEnv("TRANSIENT_ERROR_PATTERNS", "rate limit,timeout,temporarily unavailable,connection reset,quota")
	for _, p := range strings.Split(patterns, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cfg.TransientErrorPatterns = append(cfg.TransientErrorPatterns, p)
		}
	}

	var err error
	intVars := []struct {
		dst *int
		key string
		def int
	}{
		{&cfg.DrivePageSize, "DRIVE_PAGE_SIZE", 100},
		{&cfg.DriveRetryMax, "DRIVE_RETRY_MAX", 5},
		{&cfg.DriveRetryBaseMs, "DRIVE_RETRY_BASE_MS", 500},
		{&cfg.SyncWindowMin, "SYNC_WINDOW_MINUTES", 1440},
		{&cfg.BatchSize, "BATCH_SIZE", 10},
		{&cfg.SleepBetweenBatch, "SLEEP_BETWEEN_BATCH_SEC", 10},
		{&cfg.MaxPagesPerRun, "MAX_PAGES_PER_RUN", 10},
		{&cfg.MaxFileSizeMB, "MAX_FILE_SIZE_MB", 50},
		{&cfg.QuarantineMaxAgeDays, "QUARANTINE_MAX_AGE_DAYS", 90},
		{&cfg.PendingMaxAgeDays, "PENDING_MAX_AGE_DAYS", 30},
		{&cfg.PendingStuckHours, "PENDING_STUCK_HOURS", 24},
		{&cfg.LockTimeoutSec, "LOCK_TIMEOUT_SEC", 300},
		{&cfg.DiskWarnPercent, "DISK_WARN_PERCENT", 10},
		{&cfg.DiskCriticalPercent, "DISK_CRITICAL_PERCENT", 5},
		{&cfg.ReprocessMaxAgeDays, "REPROCESS_MAX_AGE_DAYS", 14},
		{&cfg.ReprocessMaxCount, "REPROCESS_MAX_COUNT", 20},
		{&cfg.ReprocessMaxAttempts, "REPROCESS_MAX_ATTEMPTS", 3},
	}
	for _, v := range intVars {
		*v.dst, err = getEnvAsInt(v.key, v.def)
		if err != nil {
			return nil, err
		}
	}

	cfg.ReprocessEnabled, err = getEnvAsBool("REPROCESS_ENABLED", true)
	if err != nil {
		return nil, err
	}
	cfg.ReprocessDryRun, err = getEnvAsBool("REPROCESS_DRY_RUN", false)
	if err != nil {
		return nil, err
	}

	if cfg.AdvanceStrategy != AdvanceMaxOKTime && cfg.AdvanceStrategy != AdvanceCurrentTime {
		return nil, fmt.Errorf("invalid ADVANCE_STRATEGY %q: expected %s or %s", cfg.AdvanceStrategy, AdvanceMaxOKTime, AdvanceCurrentTime)
	}
	if cfg.StateBackend != StateBackendDB && cfg.StateBackend != StateBackendFile {
		return nil, fmt.Errorf("invalid STATE_BACKEND %q: expected %s or %s", cfg.StateBackend, StateBackendDB, StateBackendFile)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: expected an integer, got '%s'", key, valueStr)
	}

	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) (bool, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return false, fmt.Errorf("invalid value for %s: expected a boolean, got '%s'", key, valueStr)
	}

	return value, nil
}
