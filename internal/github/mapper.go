package github

import (
	"fmt"
	"time"

	"github.com/shurcooL/githubv4"

	"github.com/nucleus/prsync-core/internal/model"
)

// mapPullRequest converts a wire node into a record plus the inline first
// page of each nested connection. Nodes missing their identity (no node ID
// or number) are rejected; the caller skips them.
func mapPullRequest(node *prNode, repoID int64) (model.PullRequestItem, error) {
	if node == nil || node.ID == "" || node.Number == 0 {
		return model.PullRequestItem{}, fmt.Errorf("pull request node missing id or number")
	}

	rec := model.PullRequestRecord{
		ExternalID:   string(node.ID),
		RepositoryID: repoID,
		Number:       int(node.Number),
		Title:        string(node.Title),
		Body:         string(node.Body),
		State:        string(node.State),
		Author:       string(node.Author.Login),
		Draft:        bool(node.IsDraft),
		BaseRef:      string(node.BaseRefName),
		HeadRef:      string(node.HeadRefName),
		URL:          string(node.URL),
		Commits:      int(node.Commits.TotalCount),
		Additions:    int(node.Additions),
		Deletions:    int(node.Deletions),
		ChangedFiles: int(node.ChangedFiles),
		GHCreatedAt:  node.CreatedAt.Time,
		GHUpdatedAt:  node.UpdatedAt.Time,
		MergedAt:     optionalTime(node.MergedAt),
		ClosedAt:     optionalTime(node.ClosedAt),
	}

	return model.PullRequestItem{
		PR:       rec,
		Commits:  mapCommitConn(&node.Commits),
		Reviews:  mapReviewConn(&node.Reviews),
		Comments: mapCommentConn(&node.Comments),
		Threads:  mapThreadConn(&node.ReviewThreads),
	}, nil
}

func mapCommitConn(conn *commitConn) model.Connection[model.CommitRecord] {
	out := model.Connection[model.CommitRecord]{
		TotalCount:  int(conn.TotalCount),
		HasNextPage: bool(conn.PageInfo.HasNextPage),
		EndCursor:   string(conn.PageInfo.EndCursor),
	}
	for _, n := range conn.Nodes {
		if n.Commit.Oid == "" {
			continue
		}
		out.Nodes = append(out.Nodes, model.CommitRecord{
			ExternalID:  string(n.Commit.Oid),
			Message:     string(n.Commit.Message),
			AuthorName:  string(n.Commit.Author.Name),
			AuthorEmail: string(n.Commit.Author.Email),
			CommittedAt: n.Commit.CommittedDate.Time,
			Additions:   int(n.Commit.Additions),
			Deletions:   int(n.Commit.Deletions),
		})
	}
	return out
}

func mapReviewConn(conn *reviewConn) model.Connection[model.ReviewRecord] {
	out := model.Connection[model.ReviewRecord]{
		TotalCount:  int(conn.TotalCount),
		HasNextPage: bool(conn.PageInfo.HasNextPage),
		EndCursor:   string(conn.PageInfo.EndCursor),
	}
	for _, n := range conn.Nodes {
		if n.ID == "" {
			continue
		}
		out.Nodes = append(out.Nodes, model.ReviewRecord{
			ExternalID:  string(n.ID),
			Author:      string(n.Author.Login),
			State:       string(n.State),
			Body:        string(n.Body),
			SubmittedAt: optionalTime(n.SubmittedAt),
		})
	}
	return out
}

func mapCommentConn(conn *commentConn) model.Connection[model.CommentRecord] {
	out := model.Connection[model.CommentRecord]{
		TotalCount:  int(conn.TotalCount),
		HasNextPage: bool(conn.PageInfo.HasNextPage),
		EndCursor:   string(conn.PageInfo.EndCursor),
	}
	for _, n := range conn.Nodes {
		if n.ID == "" {
			continue
		}
		out.Nodes = append(out.Nodes, mapComment(&n))
	}
	return out
}

// mapThreadConn flattens review threads into line-anchored comment records.
// The connection cursor pages over threads, not individual comments: each
// thread carries at most nestedFirst comments and is not paged further.
// Review threads are short in practice; a longer one is truncated.
func mapThreadConn(conn *threadConn) model.Connection[model.CommentRecord] {
	out := model.Connection[model.CommentRecord]{
		TotalCount:  int(conn.TotalCount),
		HasNextPage: bool(conn.PageInfo.HasNextPage),
		EndCursor:   string(conn.PageInfo.EndCursor),
	}
	for _, t := range conn.Nodes {
		for _, n := range t.Comments.Nodes {
			if n.ID == "" {
				continue
			}
			rec := mapComment(&n)
			rec.Path = string(t.Path)
			if t.Line != nil {
				rec.Line = int(*t.Line)
			}
			rec.ThreadResolved = bool(t.IsResolved)
			out.Nodes = append(out.Nodes, rec)
		}
	}
	return out
}

func mapComment(n *commentNode) model.CommentRecord {
	return model.CommentRecord{
		ExternalID:  string(n.ID),
		Author:      string(n.Author.Login),
		Body:        string(n.Body),
		URL:         string(n.URL),
		GHCreatedAt: n.CreatedAt.Time,
		GHUpdatedAt: n.UpdatedAt.Time,
	}
}

func optionalTime(dt *githubv4.DateTime) *time.Time {
	if dt == nil {
		return nil
	}
	t := dt.Time
	return &t
}
