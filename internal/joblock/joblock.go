// Package joblock serializes pipeline runs on one host with an OS-level
// advisory file lock. The lock dies with the process, so a crashed run never
// leaves a stale lock behind.
package joblock

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// ErrLockTimeout is returned when another run still holds the lock after the
// acquisition timeout.
var ErrLockTimeout = errors.New("job lock held by another process")

const pollInterval = 250 * time.Millisecond

type JobLock struct {
	path    string
	timeout time.Duration
	flock   *flock.Flock
}

func New(path string, timeout time.Duration) *JobLock {
	return &JobLock{
		path:    path,
		timeout: timeout,
		flock:   flock.New(path),
	}
}

// WithLock acquires the lock, runs body, and releases the lock even if body
// fails. The body never runs when acquisition fails.
func (l *JobLock) WithLock(ctx context.Context, body func() error) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("error creating lock directory: %w", err)
	}

	lockCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	locked, err := l.flock.TryLockContext(lockCtx, pollInterval)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w (waited %s for %s)", ErrLockTimeout, l.timeout, l.path)
		}
		return fmt.Errorf("error acquiring job lock %s: %w", l.path, err)
	}
	if !locked {
		return fmt.Errorf("%w (waited %s for %s)", ErrLockTimeout, l.timeout, l.path)
	}

	defer func() {
		if err := l.flock.Unlock(); err != nil {
			log.Printf("WARN: failed to release job lock %s: %v", l.path, err)
		}
	}()

	return body()
}

// IsLocked reports whether another process currently holds the lock. Used by
// the diagnostic flag of the reprocess tool.
func (l *JobLock) IsLocked() (bool, error) {
	probe := flock.New(l.path)
	locked, err := probe.TryLock()
	if err != nil {
		return false, fmt.Errorf("error probing job lock %s: %w", l.path, err)
	}
	if !locked {
		return true, nil
	}
	if err := probe.Unlock(); err != nil {
		return false, fmt.Errorf("error releasing lock probe %s: %w", l.path, err)
	}

	return false, nil
}

// ForceRelease deletes the lock file. The OS lock itself dies with its
// holder, so this is only ever housekeeping for the file on disk.
func (l *JobLock) ForceRelease() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error removing lock file %s: %w", l.path, err)
	}
	return nil
}
