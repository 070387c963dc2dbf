package scrape

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/yourorg/eylo/internal/domain"
)

// Retrying wraps an Adapter. Every attempt runs under its own Timeout;
// transient failures are retried with exponential backoff, permanent ones
// are returned at once.
type Retrying struct {
	Next      Adapter
	Attempts  int
	BaseDelay time.Duration
	Timeout   time.Duration
	Logger    *slog.Logger

	// Sleep waits between attempts. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (r *Retrying) Scrape(ctx context.Context, url string) (*domain.ScrapedContent, error) {
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		content, err := r.attempt(ctx, url)
		if err == nil {
			return content, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, lastErr
		}
		if !domain.IsTransient(err) || attempt == attempts-1 {
			break
		}

		delay := computeBackoff(r.BaseDelay, attempt)
		if r.Logger != nil {
			r.Logger.Warn("scrape failed, retrying",
				"url", url,
				"attempt", attempt+1,
				"max_attempts", attempts,
				"delay", delay,
				"err", err)
		}
		if err := sleep(ctx, delay); err != nil {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

func (r *Retrying) attempt(ctx context.Context, url string) (*domain.ScrapedContent, error) {
	attemptCtx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	content, err := r.Next.Scrape(attemptCtx, url)
	if err != nil {
		// An attempt that ran out of its own budget may succeed next time.
		if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && !domain.IsTransient(err) {
			return nil, domain.Transient(domain.KindScrape, err)
		}
		return nil, err
	}
	if content == nil {
		return nil, domain.Permanent(domain.KindScrape, errors.New("scraper returned no content"))
	}
	return content, nil
}

// computeBackoff returns base * 2^attempt with ±25% jitter. The exponent is
// capped at 20 to prevent overflow and the delay at one hour.
func computeBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	maxDelay := time.Hour
	shift := attempt
	if shift > 20 {
		shift = 20
	}
	d := base * time.Duration(1<<shift)
	if d > maxDelay || d <= 0 {
		d = maxDelay
	}
	if d/2 <= 0 {
		return d
	}
	jitter := time.Duration(rand.Int63n(int64(d/2))) - d/4
	return d + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
