package github

import (
	"time"

	"github.com/shurcooL/githubv4"
)

// GraphQL wire shapes. Field tags follow the githubv4 convention: arguments
// are inlined where they are constant for the lifetime of the query and
// bound to variables otherwise.

type pageInfo struct {
	EndCursor   githubv4.String
	HasNextPage githubv4.Boolean
}

type rateLimit struct {
	Remaining githubv4.Int
	ResetAt   githubv4.DateTime
}

// rated is implemented by every query so the client can feed the governor
// from the response metadata without knowing the concrete query type.
type rated interface {
	rateStat() (remaining int, resetAt time.Time)
}

func (r rateLimit) rateStat() (int, time.Time) {
	return int(r.Remaining), r.ResetAt.Time
}

type actor struct {
	Login githubv4.String
}

type commitNode struct {
	Commit struct {
		Oid           githubv4.String
		Message       githubv4.String
		CommittedDate githubv4.DateTime
		Additions     githubv4.Int
		Deletions     githubv4.Int
		Author        struct {
			Name  githubv4.String
			Email githubv4.String
		}
	}
}

type reviewNode struct {
	ID          githubv4.String
	Author      actor
	State       githubv4.String
	Body        githubv4.String
	SubmittedAt *githubv4.DateTime
}

type commentNode struct {
	ID        githubv4.String
	Author    actor
	Body      githubv4.String
	URL       githubv4.String
	CreatedAt githubv4.DateTime
	UpdatedAt githubv4.DateTime
}

type threadNode struct {
	ID         githubv4.String
	IsResolved githubv4.Boolean
	Path       githubv4.String
	Line       *githubv4.Int
	Comments   struct {
		Nodes []commentNode
	} `graphql:"comments(first: $nestedFirst)"`
}

type commitConn struct {
	TotalCount githubv4.Int
	PageInfo   pageInfo
	Nodes      []commitNode
}

type reviewConn struct {
	TotalCount githubv4.Int
	PageInfo   pageInfo
	Nodes      []reviewNode
}

type commentConn struct {
	TotalCount githubv4.Int
	PageInfo   pageInfo
	Nodes      []commentNode
}

type threadConn struct {
	TotalCount githubv4.Int
	PageInfo   pageInfo
	Nodes      []threadNode
}

// prNode carries the pull request itself plus the inline first page of each
// nested connection, so small pull requests cost a single request.
type prNode struct {
	ID            githubv4.String
	Number        githubv4.Int
	Title         githubv4.String
	Body          githubv4.String
	State         githubv4.String
	IsDraft       githubv4.Boolean
	Author        actor
	BaseRefName   githubv4.String
	HeadRefName   githubv4.String
	URL           githubv4.String
	Additions     githubv4.Int
	Deletions     githubv4.Int
	ChangedFiles  githubv4.Int
	CreatedAt     githubv4.DateTime
	UpdatedAt     githubv4.DateTime
	MergedAt      *githubv4.DateTime
	ClosedAt      *githubv4.DateTime
	Commits       commitConn  `graphql:"commits(first: $nestedFirst)"`
	Reviews       reviewConn  `graphql:"reviews(first: $nestedFirst)"`
	Comments      commentConn `graphql:"comments(first: $nestedFirst)"`
	ReviewThreads threadConn  `graphql:"reviewThreads(first: $nestedFirst)"`
}

// prPageQuery walks a repository's pull requests newest-updated-first so the
// scan can stop at the first item older than the job watermark.
type prPageQuery struct {
	Repository struct {
		PullRequests struct {
			PageInfo pageInfo
			Nodes    []prNode
		} `graphql:"pullRequests(first: $pageSize, after: $prCursor, states: [OPEN, CLOSED, MERGED], orderBy: {field: UPDATED_AT, direction: DESC})"`
	} `graphql:"repository(owner: $owner, name: $name)"`
	RateLimit rateLimit `graphql:"rateLimit"`
}

func (q *prPageQuery) rateStat() (int, time.Time) { return q.RateLimit.rateStat() }

// prByNumberQuery re-acquires a single pull request when a nested checkpoint
// is resumed.
type prByNumberQuery struct {
	Repository struct {
		PullRequest prNode `graphql:"pullRequest(number: $number)"`
	} `graphql:"repository(owner: $owner, name: $name)"`
	RateLimit rateLimit `graphql:"rateLimit"`
}

func (q *prByNumberQuery) rateStat() (int, time.Time) { return q.RateLimit.rateStat() }

// Follow-up queries for nested collections that did not fit in the inline
// first page. These always carry a cursor.

type commitsPageQuery struct {
	Repository struct {
		PullRequest struct {
			Commits commitConn `graphql:"commits(first: $nestedFirst, after: $cursor)"`
		} `graphql:"pullRequest(number: $number)"`
	} `graphql:"repository(owner: $owner, name: $name)"`
	RateLimit rateLimit `graphql:"rateLimit"`
}

func (q *commitsPageQuery) rateStat() (int, time.Time) { return q.RateLimit.rateStat() }

type reviewsPageQuery struct {
	Repository struct {
		PullRequest struct {
			Reviews reviewConn `graphql:"reviews(first: $nestedFirst, after: $cursor)"`
		} `graphql:"pullRequest(number: $number)"`
	} `graphql:"repository(owner: $owner, name: $name)"`
	RateLimit rateLimit `graphql:"rateLimit"`
}

func (q *reviewsPageQuery) rateStat() (int, time.Time) { return q.RateLimit.rateStat() }

type commentsPageQuery struct {
	Repository struct {
		PullRequest struct {
			Comments commentConn `graphql:"comments(first: $nestedFirst, after: $cursor)"`
		} `graphql:"pullRequest(number: $number)"`
	} `graphql:"repository(owner: $owner, name: $name)"`
	RateLimit rateLimit `graphql:"rateLimit"`
}

func (q *commentsPageQuery) rateStat() (int, time.Time) { return q.RateLimit.rateStat() }

type threadsPageQuery struct {
	Repository struct {
		PullRequest struct {
			ReviewThreads threadConn `graphql:"reviewThreads(first: $nestedFirst, after: $cursor)"`
		} `graphql:"pullRequest(number: $number)"`
	} `graphql:"repository(owner: $owner, name: $name)"`
	RateLimit rateLimit `graphql:"rateLimit"`
}

func (q *threadsPageQuery) rateStat() (int, time.Time) { return q.RateLimit.rateStat() }
