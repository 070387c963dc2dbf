package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/yourorg/eylo/internal/domain"
	"github.com/yourorg/eylo/internal/queue"
)

// Processor runs one claimed envelope to a terminal job status.
type Processor interface {
	Process(ctx context.Context, env domain.Envelope) error
}

// HealthReporter receives per-component liveness.
type HealthReporter interface {
	SetServing(component string, ok bool)
}

type Options struct {
	// ClaimTimeout bounds each blocking claim.
	ClaimTimeout time.Duration
	// IdleInterval is slept after a claim returns nothing.
	IdleInterval time.Duration
	// ErrorCooldown is the first pause after a queue or processing error;
	// consecutive queue errors double it up to MaxErrorCooldown.
	ErrorCooldown    time.Duration
	MaxErrorCooldown time.Duration
}

func (o Options) withDefaults() Options {
	if o.ClaimTimeout <= 0 {
		o.ClaimTimeout = 5 * time.Second
	}
	if o.IdleInterval <= 0 {
		o.IdleInterval = 2 * time.Second
	}
	if o.ErrorCooldown <= 0 {
		o.ErrorCooldown = 5 * time.Second
	}
	if o.MaxErrorCooldown < o.ErrorCooldown {
		o.MaxErrorCooldown = o.ErrorCooldown
	}
	return o
}

type Worker struct {
	ID        string
	Queue     queue.Queue
	Processor Processor
	Health    HealthReporter
	Logger    *slog.Logger
	Options   Options

	// Sleep pauses between iterations; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error

	startDone     chan struct{}
	startDoneOnce sync.Once
}

func New(
	id string,
	q queue.Queue,
	p Processor,
	health HealthReporter,
	logger *slog.Logger,
	opts Options,
) *Worker {
	return &Worker{
		ID:        id,
		Queue:     q,
		Processor: p,
		Health:    health,
		Logger:    logger.With("worker_id", id),
		Options:   opts.withDefaults(),
		Sleep:     sleepCtx,
		startDone: make(chan struct{}),
	}
}

// Start runs the claim loop until ctx is canceled. Jobs are processed one
// at a time; no error escapes the loop.
func (w *Worker) Start(ctx context.Context) {
	defer w.startDoneOnce.Do(func() { close(w.startDone) })

	w.Logger.Info("worker starting",
		"claim_timeout", w.Options.ClaimTimeout,
		"idle_interval", w.Options.IdleInterval)
	w.setServing(true)

	failures := 0
	for {
		if ctx.Err() != nil {
			w.Logger.Info("worker stopping")
			return
		}

		env, err := w.Queue.ClaimNext(ctx, w.Options.ClaimTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			failures++
			cooldown := w.cooldown(failures)
			w.Logger.Error("claim error", "err", err, "consecutive_failures", failures, "cooldown", cooldown)
			w.setServing(false)
			_ = w.Sleep(ctx, cooldown)
			continue
		}
		if failures > 0 {
			w.Logger.Info("queue recovered", "after_failures", failures)
			failures = 0
			w.setServing(true)
		}
		if env == nil {
			_ = w.Sleep(ctx, w.Options.IdleInterval)
			continue
		}

		err = w.runJob(ctx, *env)
		w.release(ctx, env.JobID)
		if err != nil {
			_ = w.Sleep(ctx, w.Options.ErrorCooldown)
		}
	}
}

// DrainAndWait blocks until the claim loop exits (usually after ctx
// cancellation) or until the caller's timeout/cancelation is reached.
func (w *Worker) DrainAndWait(ctx context.Context) error {
	select {
	case <-w.startDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release drops jobID from the backend's inflight record, if it keeps one.
// It runs even after shutdown has canceled ctx.
func (w *Worker) release(ctx context.Context, jobID string) {
	tracker, ok := w.Queue.(queue.InflightTracker)
	if !ok {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := tracker.Release(rctx, jobID); err != nil {
		w.Logger.Warn("inflight release failed", "job_id", jobID, "err", err)
	}
}

func (w *Worker) cooldown(failures int) time.Duration {
	d := w.Options.ErrorCooldown
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= w.Options.MaxErrorCooldown {
			return w.Options.MaxErrorCooldown
		}
	}
	return d
}

func (w *Worker) setServing(ok bool) {
	if w.Health != nil {
		w.Health.SetServing(w.ID, ok)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
