package drive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"
)

func newTestPolicy(maxAttempts int) (*RetryPolicy, *[]time.Duration) {
	var slept []time.Duration
	p := NewRetryPolicy(maxAttempts, 100*time.Millisecond)
	p.Sleep = func(d time.Duration) { slept = append(slept, d) }
	return p, &slept
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&googleapi.Error{Code: 429}))
	assert.True(t, IsTransient(&googleapi.Error{Code: 500}))
	assert.True(t, IsTransient(&googleapi.Error{Code: 503}))

	assert.False(t, IsTransient(&googleapi.Error{Code: 401}))
	assert.False(t, IsTransient(&googleapi.Error{Code: 404}))
	assert.False(t, IsTransient(errors.New("parse failure")))
}

func TestDoRetriesTransientWithBackoff(t *testing.T) {
	p, slept := newTestPolicy(4)

	calls := 0
	err := p.Do(context.Background(), "list", func() error {
		calls++
		if calls < 3 {
			return &googleapi.Error{Code: 503}
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *slept)
}

func TestDoFailsFastOnNonTransient(t *testing.T) {
	p, slept := newTestPolicy(5)

	calls := 0
	err := p.Do(context.Background(), "get", func() error {
		calls++
		return &googleapi.Error{Code: 403}
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
}

func TestDoExhaustsAttempts(t *testing.T) {
	p, _ := newTestPolicy(3)

	calls := 0
	err := p.Do(context.Background(), "download", func() error {
		calls++
		return &googleapi.Error{Code: 429}
	})

	assert.ErrorContains(t, err, "failed after 3 attempts")
	assert.Equal(t, 3, calls)
}

func TestDoCapsDelay(t *testing.T) {
	p, slept := newTestPolicy(6)
	p.MaxDelay = 250 * time.Millisecond

	_ = p.Do(context.Background(), "list", func() error {
		return &googleapi.Error{Code: 500}
	})

	for _, d := range *slept {
		assert.LessOrEqual(t, d, 250*time.Millisecond)
	}
}

func TestDoStopsWhenContextEnds(t *testing.T) {
	p, slept := newTestPolicy(5)
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := p.Do(ctx, "list", func() error {
		calls++
		cancel()
		return &googleapi.Error{Code: 503}
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
}
