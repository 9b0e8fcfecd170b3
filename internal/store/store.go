// Package store persists sync jobs, the repository catalog, and extracted
// pull-request entities. Postgres is the production backend; an in-memory
// implementation backs the engine tests.
package store

import (
	"context"

	"github.com/nucleus/prsync-core/internal/model"
)

// JobStore persists the single row per named sync job. GetJob returns
// (nil, nil) when the job does not exist; SaveJob upserts the full row.
type JobStore interface {
	GetJob(ctx context.Context, name string) (*model.JobRecord, error)
	SaveJob(ctx context.Context, job *model.JobRecord) error
}

// RepoCatalog reads the repository registration table. Rows are owned by
// the admin layer; the sync core never mutates them mid-run.
type RepoCatalog interface {
	ListRepositories(ctx context.Context) ([]model.RepositoryRecord, error)
	GetRepository(ctx context.Context, id int64) (model.RepositoryRecord, error)
}

// EntityStore runs entity writes inside a single transaction. The callback
// either commits as a whole or leaves the store untouched.
type EntityStore interface {
	InTx(ctx context.Context, fn func(tx EntityTx) error) error
}

// EntityTx is the write surface available inside one transaction. Nested
// records are replaced wholesale per pull request: delete everything, then
// reinsert the full fresh set. Review-thread comments live in the same
// table as top-level comments, so they are replaced together.
type EntityTx interface {
	// GetExisting returns the already-persisted rows for the given external
	// IDs within one repository, keyed by external ID. Used to preserve
	// first-seen timestamps and to split inserts from updates.
	GetExisting(ctx context.Context, repoID int64, externalIDs []string) (map[string]model.PullRequestRecord, error)

	// UpsertPullRequests writes the batch and returns the records with
	// database IDs assigned, split into inserted and updated.
	UpsertPullRequests(ctx context.Context, recs []model.PullRequestRecord) (*UpsertResult, error)

	ReplaceCommits(ctx context.Context, prID int64, recs []model.CommitRecord) error
	ReplaceReviews(ctx context.Context, prID int64, recs []model.ReviewRecord) error
	ReplaceComments(ctx context.Context, prID int64, recs []model.CommentRecord) error
}

// UpsertResult reports the outcome of one batch upsert.
type UpsertResult struct {
	Inserted []model.PullRequestRecord
	Updated  []model.PullRequestRecord
}

// ByExternalID indexes all written records by external ID.
func (r *UpsertResult) ByExternalID() map[string]model.PullRequestRecord {
	out := make(map[string]model.PullRequestRecord, len(r.Inserted)+len(r.Updated))
	for _, rec := range r.Inserted {
		out[rec.ExternalID] = rec
	}
	for _, rec := range r.Updated {
		out[rec.ExternalID] = rec
	}
	return out
}

func storageError(err error) error {
	if err == nil {
		return nil
	}
	return &model.APIError{Code: model.CodeStorageFailed, Retryable: true, Err: err}
}
