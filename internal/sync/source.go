package sync

import (
	"context"

	"github.com/nucleus/prsync-core/internal/model"
)

// Source is the upstream pull-request API the engine extracts from. The
// production implementation is github.Client; engine tests use an
// in-package fake. Every call is a suspension point: implementations
// surface *model.QuotaError when the request quota is exhausted instead of
// sleeping.
type Source interface {
	// PullRequestPage returns one page of the outer scan in last-updated
	// descending order. An empty cursor means the first page.
	PullRequestPage(ctx context.Context, repo model.RepositoryRecord, cursor string) (*model.PullRequestPage, error)

	// PullRequestByNumber re-acquires one pull request with fresh inline
	// nested first pages.
	PullRequestByNumber(ctx context.Context, repo model.RepositoryRecord, number int) (*model.PullRequestItem, error)

	// Follow-up pages for nested collections. The cursor is required.
	CommitsPage(ctx context.Context, repo model.RepositoryRecord, number int, cursor string) (model.Connection[model.CommitRecord], error)
	ReviewsPage(ctx context.Context, repo model.RepositoryRecord, number int, cursor string) (model.Connection[model.ReviewRecord], error)
	CommentsPage(ctx context.Context, repo model.RepositoryRecord, number int, cursor string) (model.Connection[model.CommentRecord], error)
	ThreadsPage(ctx context.Context, repo model.RepositoryRecord, number int, cursor string) (model.Connection[model.CommentRecord], error)
}
