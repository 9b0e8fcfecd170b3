package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nucleus/prsync-core/internal/model"
	"github.com/nucleus/prsync-core/internal/store"
)

// EngineConfig bounds the engine's batching.
type EngineConfig struct {
	// BatchSize is how many resolved pull requests accumulate before a
	// flush (default: 50).
	BatchSize int
}

// Engine walks the repository queue and extracts pull requests
// incrementally. It holds no state across runs: everything resumable lives
// on the job record.
type Engine struct {
	source   Source
	jobs     store.JobStore
	catalog  store.RepoCatalog
	entities store.EntityStore
	notifier Notifier
	archiver Archiver
	queue    *QueueManager
	cfg      EngineConfig
	logger   *slog.Logger
}

// NewEngine wires an engine. notifier and archiver may be nil.
func NewEngine(source Source, jobs store.JobStore, catalog store.RepoCatalog, entities store.EntityStore,
	notifier Notifier, archiver Archiver, cfg EngineConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		source:   source,
		jobs:     jobs,
		catalog:  catalog,
		entities: entities,
		notifier: notifier,
		archiver: archiver,
		queue:    NewQueueManager(logger),
		cfg:      cfg,
		logger:   logger.With("component", "engine"),
	}
}

// RunStatus reports how a run ended.
type RunStatus int

const (
	// RunCompleted means every queued repository finished.
	RunCompleted RunStatus = iota
	// RunPaused means the run yielded at a checkpoint (quota exhausted or
	// shutdown requested) with partial progress durable.
	RunPaused
)

// RunResult summarizes one engine run.
type RunResult struct {
	Status        RunStatus
	ReposFinished int
	Flushes       int
}

// repoOutcome is how one repository's scan ended.
type repoOutcome struct {
	paused     bool
	checkpoint model.Checkpoint
}

// Run drives a promoted job until the queue is empty, the quota runs out,
// or something fails. On pause and on failure the job carries the
// checkpoint; the orchestrator persists the final status.
func (e *Engine) Run(ctx context.Context, job *model.JobRecord) (*RunResult, error) {
	resume, err := job.Checkpoint()
	if err != nil {
		return nil, err
	}

	// An empty queue means a fresh run; a populated one is a continuation
	// and must never be rebuilt.
	if len(job.RepoQueue) == 0 {
		repos, err := e.catalog.ListRepositories(ctx)
		if err != nil {
			return nil, err
		}
		e.queue.Initialize(job, repos)
		if err := e.jobs.SaveJob(ctx, job); err != nil {
			return nil, err
		}
	}

	w := NewWriter(e.entities, e.notifier, e.archiver, e.cfg.BatchSize, uuid.NewString(), e.logger)
	res := &RunResult{Status: RunCompleted}
	defer func() { res.Flushes = w.Flushes() }()

	for {
		entry := e.queue.NextUnfinished(job)
		if entry == nil {
			break
		}

		repo, err := e.catalog.GetRepository(ctx, entry.RepoID)
		if err != nil {
			if code, _ := model.Classify(err); code == model.CodeNotFound {
				// Deregistered since the queue snapshot: skip it.
				e.logger.Warn("repository missing from catalog, skipping",
					"job", job.Name, "repo_id", entry.RepoID, "repo", entry.RepoName)
				e.queue.MarkFinished(job, entry.RepoID)
				// The persisted cursor belonged to the vanished repository;
				// it must not leak into the next entry's scan.
				resume = model.NewCleanCheckpoint()
				job.ClearCheckpoint()
				if err := e.jobs.SaveJob(ctx, job); err != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		}

		// A nested checkpoint names the pull request it was captured in; if
		// that is not the repository about to be scanned, the row predates a
		// queue change and resuming from it would skip foreign pages.
		if resume.Kind == model.CheckpointNested && resume.PR.RepoID != repo.ID {
			e.logger.Warn("discarding checkpoint captured in another repository",
				"job", job.Name, "repo", repo.Name, "checkpoint_repo", resume.PR.RepoName)
			resume = model.NewCleanCheckpoint()
		}

		outcome, err := e.syncRepository(ctx, job, repo, resume, w)
		// Resume state applies only to the repository it was captured in.
		resume = model.NewCleanCheckpoint()
		if err != nil {
			job.ApplyCheckpoint(outcome.checkpoint)
			return nil, err
		}
		if outcome.paused {
			job.ApplyCheckpoint(outcome.checkpoint)
			res.Status = RunPaused
			e.logger.Info("run paused", "job", job.Name, "repo", repo.Name)
			return res, nil
		}

		e.queue.MarkFinished(job, entry.RepoID)
		job.ClearCheckpoint()
		if err := e.jobs.SaveJob(ctx, job); err != nil {
			return nil, err
		}
		res.ReposFinished++
		e.logger.Info("repository finished",
			"job", job.Name, "repo", repo.Name, "remaining", e.queue.Remaining(job))
	}

	return res, nil
}

// syncRepository scans one repository newest-updated-first, resolving and
// batching each pull request, stopping early at the incremental watermark.
//
// Two positions are tracked: cursor, the page currently being fetched, and
// pending, the cursor of the oldest page with batch content not yet
// flushed. A graceful pause flushes and checkpoints at cursor; a hard
// failure discards the batch and checkpoints at pending so nothing is lost.
func (e *Engine) syncRepository(ctx context.Context, job *model.JobRecord, repo model.RepositoryRecord, resume model.Checkpoint, w *Writer) (repoOutcome, error) {
	logger := e.logger.With("job", job.Name, "repo", repo.Name)
	watermark := job.LastSuccessAt

	cursor := resume.PRCursor
	var pending *string

	fallbackCursor := func() string {
		if pending != nil {
			return *pending
		}
		return cursor
	}
	trackBatch := func() {
		if w.Len() == 0 {
			pending = nil
		} else if pending == nil {
			c := cursor
			pending = &c
		}
	}

	// Nested re-entry: finish the interrupted pull request before the scan
	// continues at the unchanged outer cursor.
	if resume.Kind == model.CheckpointNested {
		logger.Info("resuming interrupted pull request", "number", resume.PR.Number)
		item, err := e.source.PullRequestByNumber(ctx, repo, resume.PR.Number)
		switch {
		case err != nil && isNotFound(err):
			// Deleted upstream since the checkpoint: nothing to finish.
			logger.Warn("checkpointed pull request no longer exists, skipping", "number", resume.PR.Number)
		case err != nil:
			cp, cerr := model.NewNestedCheckpoint(resume.PR, cursor, resume.Nested)
			if cerr != nil {
				return repoOutcome{}, cerr
			}
			return e.interrupt(ctx, w, cp, cp, err)
		default:
			set, restart, err := e.resolveNested(ctx, repo, item, resume.Nested)
			if err != nil {
				cp, cerr := model.NewNestedCheckpoint(resume.PR, cursor, restart)
				if cerr != nil {
					return repoOutcome{}, cerr
				}
				return e.interrupt(ctx, w, cp, cp, err)
			}
			if err := w.Add(ctx, BatchItem{PR: item.PR, Nested: set}); err != nil {
				cp, cerr := model.NewNestedCheckpoint(resume.PR, cursor, model.NestedCursors{})
				if cerr != nil {
					return repoOutcome{}, cerr
				}
				return e.interrupt(ctx, w, cp, cp, err)
			}
			trackBatch()
		}
	}

	for {
		// Page boundary: honor shutdown before the next request.
		if err := ctx.Err(); err != nil {
			return e.interrupt(ctx, w,
				model.NewOuterCheckpoint(cursor), model.NewOuterCheckpoint(fallbackCursor()), err)
		}

		page, err := e.source.PullRequestPage(ctx, repo, cursor)
		if err != nil {
			return e.interrupt(ctx, w,
				model.NewOuterCheckpoint(cursor), model.NewOuterCheckpoint(fallbackCursor()), err)
		}

		for i := range page.Items {
			item := &page.Items[i]

			// Descending updatedAt order: the first item strictly older
			// than the watermark means everything further back is already
			// current.
			if watermark != nil && item.PR.GHUpdatedAt.Before(*watermark) {
				logger.Info("watermark reached, repository up to date",
					"number", item.PR.Number, "updated_at", item.PR.GHUpdatedAt.Format(time.RFC3339))
				if err := w.Flush(ctx); err != nil {
					return e.interrupt(ctx, w,
						model.NewOuterCheckpoint(cursor), model.NewOuterCheckpoint(fallbackCursor()), err)
				}
				return repoOutcome{checkpoint: model.NewCleanCheckpoint()}, nil
			}

			set, restart, err := e.resolveNested(ctx, repo, item, model.NestedCursors{})
			if err != nil {
				ref := model.PRRef{RepoID: repo.ID, RepoName: repo.Name, Number: item.PR.Number, NodeID: item.PR.ExternalID}
				pauseCP, cerr := model.NewNestedCheckpoint(ref, cursor, restart)
				if cerr != nil {
					return repoOutcome{}, cerr
				}
				failCP, cerr := model.NewNestedCheckpoint(ref, fallbackCursor(), restart)
				if cerr != nil {
					return repoOutcome{}, cerr
				}
				return e.interrupt(ctx, w, pauseCP, failCP, err)
			}

			if err := w.Add(ctx, BatchItem{PR: item.PR, Nested: set}); err != nil {
				return e.interrupt(ctx, w,
					model.NewOuterCheckpoint(cursor), model.NewOuterCheckpoint(fallbackCursor()), err)
			}
			trackBatch()
		}

		if !page.HasNextPage {
			if err := w.Flush(ctx); err != nil {
				return e.interrupt(ctx, w,
					model.NewOuterCheckpoint(cursor), model.NewOuterCheckpoint(fallbackCursor()), err)
			}
			return repoOutcome{checkpoint: model.NewCleanCheckpoint()}, nil
		}
		cursor = page.EndCursor
	}
}

// interrupt ends a repository scan that cannot continue. Pauses flush and
// keep the forward checkpoint; failures discard the batch and fall back to
// the checkpoint covering the discarded data. A failing flush demotes a
// pause to a failure.
func (e *Engine) interrupt(ctx context.Context, w *Writer, pauseCP, failCP model.Checkpoint, cause error) (repoOutcome, error) {
	if isPause(cause) {
		if err := w.Flush(ctx); err == nil {
			return repoOutcome{paused: true, checkpoint: pauseCP}, nil
		} else {
			e.logger.Warn("flush during pause failed, demoting to failure", "error", err)
			cause = err
		}
	}
	w.Discard()
	return repoOutcome{checkpoint: failCP}, cause
}

// isPause reports whether the error is an expected yield signal rather
// than a failure.
func isPause(err error) bool {
	return model.IsQuotaExhausted(err) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func isNotFound(err error) bool {
	code, _ := model.Classify(err)
	return code == model.CodeNotFound
}
