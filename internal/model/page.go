package model

// Connection is one page of a paginated collection plus the position to
// fetch the next page from. EndCursor is opaque to everything except the
// upstream API.
type Connection[T any] struct {
	Nodes       []T
	TotalCount  int
	HasNextPage bool
	EndCursor   string
}

// PullRequestItem is one pull request as returned by the outer page query,
// with the inline first page of each nested collection. Threads carries
// review-thread comments flattened per thread page; its cursor walks
// threads, not individual comments.
type PullRequestItem struct {
	PR       PullRequestRecord
	Commits  Connection[CommitRecord]
	Reviews  Connection[ReviewRecord]
	Comments Connection[CommentRecord]
	Threads  Connection[CommentRecord]
}

// PullRequestPage is one page of the outer pull-request scan, ordered by
// last-updated descending.
type PullRequestPage struct {
	Items       []PullRequestItem
	HasNextPage bool
	EndCursor   string
}

// InlineCursor reports the paging state of the inline connection for the
// given nested kind.
func (it *PullRequestItem) InlineCursor(kind NestedKind) (hasNext bool, cursor string) {
	switch kind {
	case KindCommits:
		return it.Commits.HasNextPage, it.Commits.EndCursor
	case KindReviews:
		return it.Reviews.HasNextPage, it.Reviews.EndCursor
	case KindComments:
		return it.Comments.HasNextPage, it.Comments.EndCursor
	case KindReviewThreads:
		return it.Threads.HasNextPage, it.Threads.EndCursor
	}
	return false, ""
}
