package model

import "time"

// JobStatus is the lifecycle state of a named sync job.
type JobStatus string

const (
	StatusNotStarted JobStatus = "NOT_STARTED"
	StatusPending    JobStatus = "PENDING"
	StatusRunning    JobStatus = "RUNNING"
	StatusFinished   JobStatus = "FINISHED"
	StatusPaused     JobStatus = "PAUSED"
)

// QueueEntry is one repository in a run's work queue. Finished entries are
// kept (not removed) so a completed run remains auditable.
type QueueEntry struct {
	RepoID   int64  `json:"repoId"`
	RepoName string `json:"repoName"`
	Finished bool   `json:"finished"`
}

// PRRef identifies the pull request whose nested resolution was interrupted.
type PRRef struct {
	RepoID   int64  `json:"repoId"`
	RepoName string `json:"repoName"`
	Number   int    `json:"number"`
	NodeID   string `json:"nodeId,omitempty"`
}

// JobRecord is the single persisted row per named job. It owns all
// resumption state: the work queue, the outer cursor, and the per-dimension
// nested cursors scoped to CurrentPR. Only the orchestrator and the
// extraction engine mutate it, and the orchestrator's promotion rule
// guarantees at most one concurrent executor per name.
type JobRecord struct {
	Name             string
	Status           JobStatus
	LastRunStartedAt *time.Time
	LastSuccessAt    *time.Time
	RepoQueue        []QueueEntry
	PRCursor         string
	CurrentPR        *PRRef
	CommitCursor     string
	ReviewCursor     string
	CommentCursor    string
	ThreadCursor     string
	RetryCount       int
	ErrorMessage     string
	UpdatedAt        time.Time
}

// HasCheckpoint reports whether the job carries a resumable position, i.e.
// the next promotion is a continuation rather than a fresh start.
func (j *JobRecord) HasCheckpoint() bool {
	return j.PRCursor != "" || j.CurrentPR != nil
}

// Checkpoint reconstructs the tagged checkpoint variant from the persisted
// cursor columns.
func (j *JobRecord) Checkpoint() (Checkpoint, error) {
	switch {
	case j.CurrentPR != nil:
		return NewNestedCheckpoint(*j.CurrentPR, j.PRCursor, NestedCursors{
			Commits:  j.CommitCursor,
			Reviews:  j.ReviewCursor,
			Comments: j.CommentCursor,
			Threads:  j.ThreadCursor,
		})
	case j.PRCursor != "":
		return NewOuterCheckpoint(j.PRCursor), nil
	default:
		if j.CommitCursor != "" || j.ReviewCursor != "" || j.CommentCursor != "" || j.ThreadCursor != "" {
			return Checkpoint{}, ErrInvalidCheckpoint
		}
		return NewCleanCheckpoint(), nil
	}
}

// ApplyCheckpoint writes the checkpoint variant onto the cursor columns.
func (j *JobRecord) ApplyCheckpoint(cp Checkpoint) {
	j.PRCursor = cp.PRCursor
	j.CurrentPR = nil
	j.CommitCursor = ""
	j.ReviewCursor = ""
	j.CommentCursor = ""
	j.ThreadCursor = ""
	if cp.Kind == CheckpointNested {
		ref := cp.PR
		j.CurrentPR = &ref
		j.CommitCursor = cp.Nested.Commits
		j.ReviewCursor = cp.Nested.Reviews
		j.CommentCursor = cp.Nested.Comments
		j.ThreadCursor = cp.Nested.Threads
	}
}

// ClearCheckpoint resets every cursor column to the clean state. The work
// queue is cleared separately, on run completion only.
func (j *JobRecord) ClearCheckpoint() {
	j.ApplyCheckpoint(NewCleanCheckpoint())
}
