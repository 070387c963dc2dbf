package worker

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/yourorg/eylo/internal/domain"
)

// runJob hands env to the processor. A panic is recovered and reported as
// an error so one bad job cannot stop the worker; the job is left for the
// reaper.
func (w *Worker) runJob(ctx context.Context, env domain.Envelope) (err error) {
	log := w.Logger.With("job_id", env.JobID, "user_id", env.UserID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic processing job %s: %v", env.JobID, r)
		}
	}()

	if err := w.Processor.Process(ctx, env); err != nil {
		log.Error("job processing error", "err", err, "kind", domain.KindOf(err))
		return err
	}
	return nil
}
