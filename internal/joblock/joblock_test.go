package joblock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWithLockRunsBody(t *testing.T) {
	lock := New(filepath.Join(t.TempDir(), "job.lock"), time.Second)

	ran := false
	err := lock.WithLock(context.Background(), func() error {
		ran = true
		return nil
	})

	assert.NoError(t, err)
	assert.True(t, ran)
}

func TestWithLockPropagatesBodyError(t *testing.T) {
	lock := New(filepath.Join(t.TempDir(), "job.lock"), time.Second)

	bodyErr := errors.New("run failed")
	err := lock.WithLock(context.Background(), func() error { return bodyErr })

	assert.ErrorIs(t, err, bodyErr)
}

func TestWithLockReleasesAfterBody(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.lock")
	lock := New(path, time.Second)

	assert.NoError(t, lock.WithLock(context.Background(), func() error { return nil }))

	// A second acquisition must succeed immediately.
	assert.NoError(t, lock.WithLock(context.Background(), func() error { return nil }))
}

func TestWithLockTimesOutWhenHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.lock")

	holder := New(path, time.Second)
	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = holder.WithLock(context.Background(), func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	contender := New(path, 300*time.Millisecond)
	ran := false
	err := contender.WithLock(context.Background(), func() error {
		ran = true
		return nil
	})

	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.False(t, ran, "body must not run when the lock was never acquired")
}

func TestIsLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.lock")

	lock := New(path, time.Second)
	held, err := lock.IsLocked()
	assert.NoError(t, err)
	assert.False(t, held)

	release := make(chan struct{})
	acquired := make(chan struct{})
	go func() {
		_ = lock.WithLock(context.Background(), func() error {
			close(acquired)
			<-release
			return nil
		})
	}()
	<-acquired
	defer close(release)

	held, err = New(path, time.Second).IsLocked()
	assert.NoError(t, err)
	assert.True(t, held)
}

func TestForceRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.lock")
	lock := New(path, time.Second)

	assert.NoError(t, lock.WithLock(context.Background(), func() error { return nil }))
	if _, err := os.Stat(path); err == nil {
		assert.NoError(t, lock.ForceRelease())
	}

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Releasing an absent lock file is not an error.
	assert.NoError(t, lock.ForceRelease())
}
