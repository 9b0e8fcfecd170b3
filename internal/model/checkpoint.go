package model

import (
	"errors"
	"fmt"
)

// CheckpointKind tags the checkpoint variant.
type CheckpointKind string

const (
	// CheckpointClean means no pending work: either never started or the
	// prior run completed and cleared its state.
	CheckpointClean CheckpointKind = "clean"
	// CheckpointOuter resumes the outer pull-request scan at a page
	// boundary.
	CheckpointOuter CheckpointKind = "outer"
	// CheckpointNested re-enters a single pull request and resumes its
	// interrupted nested collections.
	CheckpointNested CheckpointKind = "nested"
)

// ErrInvalidCheckpoint is returned when persisted cursor columns describe an
// unrepresentable combination (for example a nested cursor without a
// current pull-request reference).
var ErrInvalidCheckpoint = errors.New("invalid checkpoint state")

// NestedCursors holds the per-dimension resume positions scoped to one pull
// request. An empty cursor means that dimension needs no follow-up paging
// on re-entry (its inline first page is sufficient).
type NestedCursors struct {
	Commits  string `json:"commits,omitempty"`
	Reviews  string `json:"reviews,omitempty"`
	Comments string `json:"comments,omitempty"`
	Threads  string `json:"threads,omitempty"`
}

// Empty reports whether no dimension has a resume position.
func (c NestedCursors) Empty() bool {
	return c.Commits == "" && c.Reviews == "" && c.Comments == "" && c.Threads == ""
}

// Cursor returns the resume position for one dimension.
func (c NestedCursors) Cursor(kind NestedKind) string {
	switch kind {
	case KindCommits:
		return c.Commits
	case KindReviews:
		return c.Reviews
	case KindComments:
		return c.Comments
	case KindReviewThreads:
		return c.Threads
	}
	return ""
}

// Set returns a copy with the given dimension's cursor replaced.
func (c NestedCursors) Set(kind NestedKind, cursor string) NestedCursors {
	switch kind {
	case KindCommits:
		c.Commits = cursor
	case KindReviews:
		c.Reviews = cursor
	case KindComments:
		c.Comments = cursor
	case KindReviewThreads:
		c.Threads = cursor
	}
	return c
}

// Checkpoint is the tagged snapshot of exactly where extraction stopped.
// Construct it only through NewCleanCheckpoint, NewOuterCheckpoint, and
// NewNestedCheckpoint so invalid combinations cannot be built.
type Checkpoint struct {
	Kind     CheckpointKind
	PRCursor string        // outer scan position; empty means first page
	PR       PRRef         // set only for CheckpointNested
	Nested   NestedCursors // set only for CheckpointNested
}

// NewCleanCheckpoint describes a state with no pending work.
func NewCleanCheckpoint() Checkpoint {
	return Checkpoint{Kind: CheckpointClean}
}

// NewOuterCheckpoint resumes the outer scan at the given page cursor.
func NewOuterCheckpoint(prCursor string) Checkpoint {
	if prCursor == "" {
		return NewCleanCheckpoint()
	}
	return Checkpoint{Kind: CheckpointOuter, PRCursor: prCursor}
}

// NewNestedCheckpoint re-enters one pull request. outerCursor preserves the
// unchanged outer scan position; cursors records, per dimension, where
// follow-up paging must restart so the reconstructed nested set has no
// gaps.
func NewNestedCheckpoint(pr PRRef, outerCursor string, cursors NestedCursors) (Checkpoint, error) {
	if pr.RepoID == 0 || pr.Number == 0 {
		return Checkpoint{}, fmt.Errorf("%w: nested checkpoint requires a pull-request reference", ErrInvalidCheckpoint)
	}
	return Checkpoint{
		Kind:     CheckpointNested,
		PRCursor: outerCursor,
		PR:       pr,
		Nested:   cursors,
	}, nil
}

// IsClean reports whether the checkpoint describes no pending work.
func (cp Checkpoint) IsClean() bool {
	return cp.Kind == CheckpointClean || cp.Kind == ""
}

// Validate rejects combinations that cannot describe a resumable position.
func (cp Checkpoint) Validate() error {
	switch cp.Kind {
	case CheckpointClean, "":
		if cp.PRCursor != "" || !cp.Nested.Empty() || cp.PR != (PRRef{}) {
			return ErrInvalidCheckpoint
		}
	case CheckpointOuter:
		if cp.PRCursor == "" || !cp.Nested.Empty() || cp.PR != (PRRef{}) {
			return ErrInvalidCheckpoint
		}
	case CheckpointNested:
		if cp.PR.RepoID == 0 || cp.PR.Number == 0 {
			return ErrInvalidCheckpoint
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidCheckpoint, cp.Kind)
	}
	return nil
}
