package sync

import (
	"context"

	"github.com/nucleus/prsync-core/internal/model"
)

// resolveNested assembles the complete nested set of one pull request:
// inline first pages plus follow-up pages for every collection that did not
// fit. Collections resolve strictly in model.NestedKinds order so an
// interruption point is unambiguous.
//
// On error the returned cursors record, per collection, where follow-up
// paging must restart. Everything fetched in this attempt is discarded with
// the item, so each collection restarts from the cursor this attempt
// started it at; a later re-acquisition of the item re-covers the inline
// pages. That keeps the reconstructed set gapless.
func (e *Engine) resolveNested(ctx context.Context, repo model.RepositoryRecord, item *model.PullRequestItem, resume model.NestedCursors) (model.NestedSet, model.NestedCursors, error) {
	set := model.NestedSet{
		Commits:  append([]model.CommitRecord(nil), item.Commits.Nodes...),
		Reviews:  append([]model.ReviewRecord(nil), item.Reviews.Nodes...),
		Comments: append([]model.CommentRecord(nil), item.Comments.Nodes...),
	}
	set.Comments = append(set.Comments, item.Threads.Nodes...)

	// Where follow-up paging starts: a recorded resume cursor wins, else the
	// inline end cursor when the inline page was not the last.
	start := model.NestedCursors{}
	for _, kind := range model.NestedKinds {
		if c := resume.Cursor(kind); c != "" {
			start = start.Set(kind, c)
			continue
		}
		if hasNext, end := item.InlineCursor(kind); hasNext {
			start = start.Set(kind, end)
		}
	}

	number := item.PR.Number
	for _, kind := range model.NestedKinds {
		cursor := start.Cursor(kind)
		for cursor != "" {
			// Inner page boundary is a suspension point too.
			if err := ctx.Err(); err != nil {
				return model.NestedSet{}, start, err
			}

			var hasNext bool
			var end string
			var err error
			switch kind {
			case model.KindCommits:
				var conn model.Connection[model.CommitRecord]
				if conn, err = e.source.CommitsPage(ctx, repo, number, cursor); err == nil {
					set.Commits = append(set.Commits, conn.Nodes...)
					hasNext, end = conn.HasNextPage, conn.EndCursor
				}
			case model.KindReviews:
				var conn model.Connection[model.ReviewRecord]
				if conn, err = e.source.ReviewsPage(ctx, repo, number, cursor); err == nil {
					set.Reviews = append(set.Reviews, conn.Nodes...)
					hasNext, end = conn.HasNextPage, conn.EndCursor
				}
			case model.KindComments:
				var conn model.Connection[model.CommentRecord]
				if conn, err = e.source.CommentsPage(ctx, repo, number, cursor); err == nil {
					set.Comments = append(set.Comments, conn.Nodes...)
					hasNext, end = conn.HasNextPage, conn.EndCursor
				}
			case model.KindReviewThreads:
				var conn model.Connection[model.CommentRecord]
				if conn, err = e.source.ThreadsPage(ctx, repo, number, cursor); err == nil {
					set.Comments = append(set.Comments, conn.Nodes...)
					hasNext, end = conn.HasNextPage, conn.EndCursor
				}
			}
			if err != nil {
				return model.NestedSet{}, start, err
			}
			if !hasNext {
				break
			}
			cursor = end
		}
	}

	return dedupeNested(set), model.NestedCursors{}, nil
}

// dedupeNested drops records repeated across inline and follow-up pages
// (page sizes are constant, but re-acquired snapshots can overlap). Later
// occurrences win so re-fetched data supersedes inline data.
func dedupeNested(set model.NestedSet) model.NestedSet {
	out := model.NestedSet{}
	seenCommits := map[string]int{}
	for _, c := range set.Commits {
		if i, ok := seenCommits[c.ExternalID]; ok {
			out.Commits[i] = c
			continue
		}
		seenCommits[c.ExternalID] = len(out.Commits)
		out.Commits = append(out.Commits, c)
	}
	seenReviews := map[string]int{}
	for _, r := range set.Reviews {
		if i, ok := seenReviews[r.ExternalID]; ok {
			out.Reviews[i] = r
			continue
		}
		seenReviews[r.ExternalID] = len(out.Reviews)
		out.Reviews = append(out.Reviews, r)
	}
	seenComments := map[string]int{}
	for _, c := range set.Comments {
		if i, ok := seenComments[c.ExternalID]; ok {
			out.Comments[i] = c
			continue
		}
		seenComments[c.ExternalID] = len(out.Comments)
		out.Comments = append(out.Comments, c)
	}
	return out
}
