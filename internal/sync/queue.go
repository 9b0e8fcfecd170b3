package sync

import (
	"log/slog"

	"github.com/nucleus/prsync-core/internal/model"
)

// QueueManager maintains the per-run repository work queue stored on the
// job row. The queue is built once per run and only ever moves forward:
// entries flip to finished and are never reset until the run completes.
type QueueManager struct {
	logger *slog.Logger
}

// NewQueueManager returns a queue manager.
func NewQueueManager(logger *slog.Logger) *QueueManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueManager{logger: logger.With("component", "queue")}
}

// Initialize snapshots the catalog into a fresh queue. Callers invoke this
// only at the start of a run, never on resumption.
func (m *QueueManager) Initialize(job *model.JobRecord, repos []model.RepositoryRecord) {
	entries := make([]model.QueueEntry, 0, len(repos))
	for _, repo := range repos {
		entries = append(entries, model.QueueEntry{RepoID: repo.ID, RepoName: repo.Name})
	}
	job.RepoQueue = entries
	m.logger.Info("repository queue initialized", "job", job.Name, "repositories", len(entries))
}

// NextUnfinished returns the first pending entry, or nil when the run has
// covered every repository.
func (m *QueueManager) NextUnfinished(job *model.JobRecord) *model.QueueEntry {
	for i := range job.RepoQueue {
		if !job.RepoQueue[i].Finished {
			entry := job.RepoQueue[i]
			return &entry
		}
	}
	return nil
}

// MarkFinished flips one repository to finished. Marking an absent or
// already-finished entry is a logged no-op, so replays after resumption are
// harmless.
func (m *QueueManager) MarkFinished(job *model.JobRecord, repoID int64) {
	for i := range job.RepoQueue {
		if job.RepoQueue[i].RepoID != repoID {
			continue
		}
		if job.RepoQueue[i].Finished {
			m.logger.Warn("repository already marked finished", "job", job.Name, "repo_id", repoID)
			return
		}
		job.RepoQueue[i].Finished = true
		return
	}
	m.logger.Warn("repository not present in queue", "job", job.Name, "repo_id", repoID)
}

// Remaining counts the unfinished entries.
func (m *QueueManager) Remaining(job *model.JobRecord) int {
	n := 0
	for i := range job.RepoQueue {
		if !job.RepoQueue[i].Finished {
			n++
		}
	}
	return n
}
