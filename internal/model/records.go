// Package model holds the record types, job/checkpoint state, and coded
// errors shared by the connector, engine, and persistence layers.
package model

import "time"

// RepositoryRecord identifies one repository to extract. Rows are owned by
// the admin layer; this core only reads them.
type RepositoryRecord struct {
	ID            int64     `json:"id"`
	ExternalID    string    `json:"externalId"`
	Name          string    `json:"name"` // owner/repo
	Description   string    `json:"description,omitempty"`
	DefaultBranch string    `json:"defaultBranch,omitempty"`
	Private       bool      `json:"private"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// PullRequestRecord is keyed by (ExternalID, RepositoryID).
type PullRequestRecord struct {
	ID           int64      `json:"id,omitempty"`
	ExternalID   string     `json:"externalId"`
	RepositoryID int64      `json:"repositoryId"`
	Number       int        `json:"number"`
	Title        string     `json:"title"`
	Body         string     `json:"body,omitempty"`
	State        string     `json:"state"`
	Author       string     `json:"author,omitempty"`
	Draft        bool       `json:"draft"`
	BaseRef      string     `json:"baseRef,omitempty"`
	HeadRef      string     `json:"headRef,omitempty"`
	URL          string     `json:"url,omitempty"`
	Commits      int        `json:"commits"`
	Additions    int        `json:"additions"`
	Deletions    int        `json:"deletions"`
	ChangedFiles int        `json:"changedFiles"`
	GHCreatedAt  time.Time  `json:"ghCreatedAt"`
	GHUpdatedAt  time.Time  `json:"ghUpdatedAt"`
	MergedAt     *time.Time `json:"mergedAt,omitempty"`
	ClosedAt     *time.Time `json:"closedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt,omitempty"`
}

// CommitRecord is one commit on a pull request.
type CommitRecord struct {
	ExternalID    string    `json:"externalId"` // commit OID
	PullRequestID int64     `json:"pullRequestId,omitempty"`
	Message       string    `json:"message"`
	AuthorName    string    `json:"authorName,omitempty"`
	AuthorEmail   string    `json:"authorEmail,omitempty"`
	CommittedAt   time.Time `json:"committedAt"`
	Additions     int       `json:"additions"`
	Deletions     int       `json:"deletions"`
}

// ReviewRecord is one review on a pull request.
type ReviewRecord struct {
	ExternalID    string     `json:"externalId"`
	PullRequestID int64      `json:"pullRequestId,omitempty"`
	Author        string     `json:"author,omitempty"`
	State         string     `json:"state"`
	Body          string     `json:"body,omitempty"`
	SubmittedAt   *time.Time `json:"submittedAt,omitempty"`
}

// CommentRecord covers both top-level pull-request comments and
// line-anchored review-thread comments; the latter carry Path/Line and
// thread resolution state.
type CommentRecord struct {
	ExternalID     string    `json:"externalId"`
	PullRequestID  int64     `json:"pullRequestId,omitempty"`
	Author         string    `json:"author,omitempty"`
	Body           string    `json:"body"`
	URL            string    `json:"url,omitempty"`
	Path           string    `json:"path,omitempty"`
	Line           int       `json:"line,omitempty"`
	ThreadResolved bool      `json:"threadResolved,omitempty"`
	GHCreatedAt    time.Time `json:"ghCreatedAt"`
	GHUpdatedAt    time.Time `json:"ghUpdatedAt"`
}

// NestedKind names one nested pagination dimension of a pull request.
type NestedKind string

const (
	KindCommits       NestedKind = "commits"
	KindReviews       NestedKind = "reviews"
	KindComments      NestedKind = "comments"
	KindReviewThreads NestedKind = "review_threads"
)

// NestedKinds lists all dimensions in resolution order. The order is part
// of the checkpoint contract: collections are resolved strictly in this
// sequence so an interruption point is unambiguous.
var NestedKinds = []NestedKind{KindCommits, KindReviews, KindComments, KindReviewThreads}

// NestedSet is the fully resolved child-record set for one pull request.
// Review-thread comments are folded into Comments.
type NestedSet struct {
	Commits  []CommitRecord
	Reviews  []ReviewRecord
	Comments []CommentRecord
}

// ChangeOp classifies a change notification.
type ChangeOp string

const (
	OpInsert ChangeOp = "insert"
	OpUpdate ChangeOp = "update"
)

// ChangeEvent is handed to the downstream change-notification interface
// after a successful flush. Best effort; consumers index asynchronously.
type ChangeEvent struct {
	EntityKind string            `json:"entityKind"`
	Op         ChangeOp          `json:"op"`
	Record     PullRequestRecord `json:"record"`
}
