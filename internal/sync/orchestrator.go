package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nucleus/prsync-core/internal/model"
	"github.com/nucleus/prsync-core/internal/store"
)

// ErrJobNotPromotable means the job is not in a state that may start
// running. Schedulers treat it as "try again later", not a failure.
var ErrJobNotPromotable = errors.New("job is not promotable")

// Orchestrator owns the job lifecycle. The promotion gate guarantees at
// most one executor per job name: only PENDING and NOT_STARTED promote to
// RUNNING, so a second trigger while a run is active bounces off.
type Orchestrator struct {
	jobs         store.JobStore
	logger       *slog.Logger
	now          func() time.Time
	maxRetryRuns int
}

// NewOrchestrator returns an orchestrator over the given job store.
func NewOrchestrator(jobs store.JobStore, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		jobs:   jobs,
		logger: logger.With("component", "orchestrator"),
		now:    time.Now,
	}
}

// LimitRetries caps how many failed runs a job may accumulate before
// promotion is refused. Zero means no cap. A capped job stays PENDING with
// its checkpoint intact until an operator pauses and unpauses it.
func (o *Orchestrator) LimitRetries(n int) { o.maxRetryRuns = n }

// Promote moves a job to RUNNING, creating it on first sight. A fresh
// start (no checkpoint) stamps last_run_started_at, which becomes the
// incremental watermark if the run succeeds; a resumption keeps the
// original stamp so the watermark covers the whole logical run.
func (o *Orchestrator) Promote(ctx context.Context, name string) (*model.JobRecord, error) {
	job, err := o.jobs.GetJob(ctx, name)
	if err != nil {
		return nil, err
	}
	if job == nil {
		job = &model.JobRecord{Name: name, Status: model.StatusNotStarted}
	}
	switch job.Status {
	case model.StatusNotStarted, model.StatusPending:
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrJobNotPromotable, name, job.Status)
	}
	if o.maxRetryRuns > 0 && job.RetryCount >= o.maxRetryRuns {
		return nil, fmt.Errorf("%w: %s failed %d runs (limit %d)",
			ErrJobNotPromotable, name, job.RetryCount, o.maxRetryRuns)
	}

	fresh := !job.HasCheckpoint() && len(job.RepoQueue) == 0
	if fresh {
		started := o.now().UTC()
		job.LastRunStartedAt = &started
	}
	job.Status = model.StatusRunning
	if err := o.jobs.SaveJob(ctx, job); err != nil {
		return nil, err
	}
	o.logger.Info("job promoted", "job", name, "fresh", fresh, "retry_count", job.RetryCount)
	return job, nil
}

// Finish records a fully successful run. The watermark advances to the
// run's own start time, so anything updated while the run was in flight
// falls on the safe side of the next scan. Checkpoint and queue are
// cleared; the queue's finished entries have served their purpose.
func (o *Orchestrator) Finish(ctx context.Context, job *model.JobRecord) error {
	job.Status = model.StatusFinished
	job.LastSuccessAt = job.LastRunStartedAt
	job.ClearCheckpoint()
	job.RepoQueue = nil
	job.RetryCount = 0
	job.ErrorMessage = ""
	if err := o.jobs.SaveJob(ctx, job); err != nil {
		return err
	}
	o.logger.Info("job finished", "job", job.Name)
	return nil
}

// Yield re-queues a run that paused on quota exhaustion or shutdown. The
// engine already applied the checkpoint to the job; the next promotion
// continues from it. Retry count and error message are untouched: a pause
// is not a failure.
func (o *Orchestrator) Yield(ctx context.Context, job *model.JobRecord) error {
	job.Status = model.StatusPending
	if err := o.jobs.SaveJob(ctx, job); err != nil {
		return err
	}
	o.logger.Info("job yielded", "job", job.Name, "checkpoint", string(checkpointKind(job)))
	return nil
}

// Requeue records a failed run for a later retry. Checkpoint and queue
// survive so the retry continues instead of starting over.
func (o *Orchestrator) Requeue(ctx context.Context, job *model.JobRecord, cause error) error {
	code, _ := model.Classify(cause)
	job.Status = model.StatusPending
	job.RetryCount++
	job.ErrorMessage = fmt.Sprintf("%s: %v", code, cause)
	if err := o.jobs.SaveJob(ctx, job); err != nil {
		return err
	}
	o.logger.Error("job requeued after failure",
		"job", job.Name, "code", code, "retry_count", job.RetryCount, "error", cause)
	return nil
}

// Pause takes an idle job out of the automatic promotion cycle. An
// operator action; a RUNNING execution is never interrupted, so pausing
// one is a no-op until it reaches a terminal state.
func (o *Orchestrator) Pause(ctx context.Context, name string) error {
	job, err := o.jobs.GetJob(ctx, name)
	if err != nil || job == nil {
		return err
	}
	if job.Status == model.StatusRunning || job.Status == model.StatusPaused {
		return nil
	}
	job.Status = model.StatusPaused
	if err := o.jobs.SaveJob(ctx, job); err != nil {
		return err
	}
	o.logger.Info("job paused", "job", name)
	return nil
}

// Unpause returns a PAUSED job to NOT_STARTED, re-entering the automatic
// cycle. A retained checkpoint still makes the next promotion a
// continuation, not a fresh start. Failure bookkeeping resets, so
// pause-then-unpause is also the operator path out of an exhausted retry
// cap.
func (o *Orchestrator) Unpause(ctx context.Context, name string) error {
	job, err := o.jobs.GetJob(ctx, name)
	if err != nil || job == nil {
		return err
	}
	if job.Status != model.StatusPaused {
		return nil
	}
	job.Status = model.StatusNotStarted
	job.RetryCount = 0
	job.ErrorMessage = ""
	if err := o.jobs.SaveJob(ctx, job); err != nil {
		return err
	}
	o.logger.Info("job unpaused", "job", name)
	return nil
}

// Rearm makes a FINISHED job eligible for its next periodic run.
func (o *Orchestrator) Rearm(ctx context.Context, name string) error {
	job, err := o.jobs.GetJob(ctx, name)
	if err != nil || job == nil {
		return err
	}
	if job.Status != model.StatusFinished {
		return nil
	}
	job.Status = model.StatusNotStarted
	if err := o.jobs.SaveJob(ctx, job); err != nil {
		return err
	}
	o.logger.Info("job rearmed", "job", name)
	return nil
}

// Execute runs one full cycle: promote, run, then finish, yield, or
// requeue depending on how the run ended. The run error is returned after
// the requeue bookkeeping persists.
func (o *Orchestrator) Execute(ctx context.Context, name string, engine *Engine) error {
	job, err := o.Promote(ctx, name)
	if err != nil {
		return err
	}

	result, runErr := engine.Run(ctx, job)
	switch {
	case runErr != nil:
		if err := o.Requeue(ctx, job, runErr); err != nil {
			return errors.Join(runErr, err)
		}
		return runErr
	case result.Status == RunPaused:
		return o.Yield(ctx, job)
	default:
		return o.Finish(ctx, job)
	}
}

func checkpointKind(job *model.JobRecord) model.CheckpointKind {
	cp, err := job.Checkpoint()
	if err != nil {
		return model.CheckpointKind("invalid")
	}
	return cp.Kind
}
