package drive

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"google.golang.org/api/googleapi"
)

// RetryPolicy retries transient Drive API failures with exponential backoff.
// Sleep is injectable for tests.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Sleep       func(time.Duration)
}

func NewRetryPolicy(maxAttempts int, baseDelay time.Duration) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxDelay:    time.Minute,
		Sleep:       time.Sleep,
	}
}

// IsTransient reports whether the error is worth retrying: rate limiting,
// server-side 5xx, or a network timeout. Auth and not-found errors are not.
func IsTransient(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 429 || (apiErr.Code >= 500 && apiErr.Code < 600)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

// Do runs op until it succeeds, fails non-transiently, the attempt budget is
// spent, or the context ends. Delay doubles per attempt up to MaxDelay.
func (p *RetryPolicy) Do(ctx context.Context, label string, op func() error) error {
	delay := p.BaseDelay

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		log.Printf("WARN: %s failed (attempt %d/%d), retrying in %s: %v",
			label, attempt, p.MaxAttempts, delay, err)
		p.Sleep(delay)

		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", label, p.MaxAttempts, err)
}
