// Package github implements the GraphQL connector for the pull-request
// extraction engine: a rate-limited, retry-capable client, the quota
// governor, and the query/mapping layer that turns wire nodes into records.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/nucleus/prsync-core/internal/model"
)

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig configures the GraphQL client behavior.
type ClientConfig struct {
	// BaseURL is the API root; "/graphql" is appended (default:
	// https://api.github.com).
	BaseURL string

	// Token authenticates requests. Empty means unauthenticated (stub
	// servers in tests).
	Token string

	// PageSize for the outer pull-request scan (default: 50).
	PageSize int

	// NestedPageSize for inline and follow-up nested pages (default: 50).
	NestedPageSize int

	// Timeout for individual requests (default: 30s).
	Timeout time.Duration

	// MaxRetries for transient failures (default: 3).
	MaxRetries int

	// RateLimit requests per second of client-side pacing (default: 5).
	// This only smooths the request stream; hard quota handling belongs to
	// the Governor.
	RateLimit float64

	// RateBurst maximum burst size (default: 3).
	RateBurst int

	// Transport allows injecting a custom HTTP transport (for tests/stubs).
	Transport http.RoundTripper
}

// DefaultClientConfig returns a client config with sensible defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL:        "https://api.github.com",
		PageSize:       50,
		NestedPageSize: 50,
		Timeout:        30 * time.Second,
		MaxRetries:     3,
		RateLimit:      5.0,
		RateBurst:      3,
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client is the paginated pull-request source. Every call consults the
// governor first and feeds it the quota metadata of the response after.
type Client struct {
	config      *ClientConfig
	gql         *githubv4.Client
	governor    *Governor
	rateLimiter *rate.Limiter
	logger      *slog.Logger
}

// NewClient creates a connector client against config.BaseURL.
func NewClient(config *ClientConfig, governor *Governor, logger *slog.Logger) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://api.github.com"
	}
	if config.PageSize == 0 {
		config.PageSize = 50
	}
	if config.NestedPageSize == 0 {
		config.NestedPageSize = 50
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.RateLimit == 0 {
		config.RateLimit = 5.0
	}
	if config.RateBurst == 0 {
		config.RateBurst = 3
	}
	if governor == nil {
		governor = NewGovernor(0)
	}
	if logger == nil {
		logger = slog.Default()
	}

	transport := config.Transport
	if config.Token != "" {
		transport = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: config.Token}),
			Base:   config.Transport,
		}
	}
	httpClient := &http.Client{
		Timeout:   config.Timeout,
		Transport: transport,
	}
	endpoint := strings.TrimSuffix(config.BaseURL, "/") + "/graphql"

	return &Client{
		config:      config,
		gql:         githubv4.NewEnterpriseClient(endpoint, httpClient),
		governor:    governor,
		rateLimiter: rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst),
		logger:      logger.With("component", "github"),
	}
}

// Governor exposes the quota governor the client consults.
func (c *Client) Governor() *Governor { return c.governor }

// query executes one GraphQL query with governor consultation, client-side
// pacing, and bounded exponential backoff for transient failures.
func (c *Client) query(ctx context.Context, q any, vars map[string]any) error {
	if err := c.governor.Before(); err != nil {
		return err
	}
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		err := c.gql.Query(ctx, q, vars)
		if err == nil {
			if r, ok := q.(rated); ok {
				remaining, resetAt := r.rateStat()
				c.governor.Observe(remaining, resetAt)
			}
			return nil
		}

		lastErr = classifyQueryError(err)
		var apiErr *model.APIError
		if !errors.As(lastErr, &apiErr) || !apiErr.Retryable {
			return lastErr
		}

		backoff := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// =============================================================================
// SOURCE OPERATIONS
// =============================================================================

// PullRequestPage fetches one page of the outer scan, newest-updated-first.
// cursor == "" means the first page.
func (c *Client) PullRequestPage(ctx context.Context, repo model.RepositoryRecord, cursor string) (*model.PullRequestPage, error) {
	owner, name, err := splitRepoName(repo.Name)
	if err != nil {
		return nil, err
	}

	var q prPageQuery
	vars := map[string]any{
		"owner":       githubv4.String(owner),
		"name":        githubv4.String(name),
		"pageSize":    githubv4.Int(c.config.PageSize),
		"nestedFirst": githubv4.Int(c.config.NestedPageSize),
		"prCursor":    optionalCursor(cursor),
	}
	if err := c.query(ctx, &q, vars); err != nil {
		return nil, err
	}

	page := &model.PullRequestPage{
		HasNextPage: bool(q.Repository.PullRequests.PageInfo.HasNextPage),
		EndCursor:   string(q.Repository.PullRequests.PageInfo.EndCursor),
	}
	for i := range q.Repository.PullRequests.Nodes {
		item, err := mapPullRequest(&q.Repository.PullRequests.Nodes[i], repo.ID)
		if err != nil {
			// A malformed node must not fail the page: skip it, keep going.
			c.logger.Warn("skipping unmappable pull request node",
				"repo", repo.Name, "error", err)
			continue
		}
		page.Items = append(page.Items, item)
	}
	return page, nil
}

// PullRequestByNumber re-acquires a single pull request with fresh inline
// nested pages. Used when resuming a nested checkpoint.
func (c *Client) PullRequestByNumber(ctx context.Context, repo model.RepositoryRecord, number int) (*model.PullRequestItem, error) {
	owner, name, err := splitRepoName(repo.Name)
	if err != nil {
		return nil, err
	}

	var q prByNumberQuery
	vars := map[string]any{
		"owner":       githubv4.String(owner),
		"name":        githubv4.String(name),
		"number":      githubv4.Int(number),
		"nestedFirst": githubv4.Int(c.config.NestedPageSize),
	}
	if err := c.query(ctx, &q, vars); err != nil {
		return nil, err
	}

	item, err := mapPullRequest(&q.Repository.PullRequest, repo.ID)
	if err != nil {
		return nil, &model.APIError{Code: model.CodeNotFound, Err: err}
	}
	return &item, nil
}

// CommitsPage fetches one follow-up page of a pull request's commits.
func (c *Client) CommitsPage(ctx context.Context, repo model.RepositoryRecord, number int, cursor string) (model.Connection[model.CommitRecord], error) {
	var q commitsPageQuery
	vars, err := c.nestedVars(repo, number, cursor)
	if err != nil {
		return model.Connection[model.CommitRecord]{}, err
	}
	if err := c.query(ctx, &q, vars); err != nil {
		return model.Connection[model.CommitRecord]{}, err
	}
	return mapCommitConn(&q.Repository.PullRequest.Commits), nil
}

// ReviewsPage fetches one follow-up page of a pull request's reviews.
func (c *Client) ReviewsPage(ctx context.Context, repo model.RepositoryRecord, number int, cursor string) (model.Connection[model.ReviewRecord], error) {
	var q reviewsPageQuery
	vars, err := c.nestedVars(repo, number, cursor)
	if err != nil {
		return model.Connection[model.ReviewRecord]{}, err
	}
	if err := c.query(ctx, &q, vars); err != nil {
		return model.Connection[model.ReviewRecord]{}, err
	}
	return mapReviewConn(&q.Repository.PullRequest.Reviews), nil
}

// CommentsPage fetches one follow-up page of a pull request's top-level
// comments.
func (c *Client) CommentsPage(ctx context.Context, repo model.RepositoryRecord, number int, cursor string) (model.Connection[model.CommentRecord], error) {
	var q commentsPageQuery
	vars, err := c.nestedVars(repo, number, cursor)
	if err != nil {
		return model.Connection[model.CommentRecord]{}, err
	}
	if err := c.query(ctx, &q, vars); err != nil {
		return model.Connection[model.CommentRecord]{}, err
	}
	return mapCommentConn(&q.Repository.PullRequest.Comments), nil
}

// ThreadsPage fetches one follow-up page of review threads, flattened to
// their comments. The cursor walks threads, not individual comments.
func (c *Client) ThreadsPage(ctx context.Context, repo model.RepositoryRecord, number int, cursor string) (model.Connection[model.CommentRecord], error) {
	var q threadsPageQuery
	vars, err := c.nestedVars(repo, number, cursor)
	if err != nil {
		return model.Connection[model.CommentRecord]{}, err
	}
	if err := c.query(ctx, &q, vars); err != nil {
		return model.Connection[model.CommentRecord]{}, err
	}
	return mapThreadConn(&q.Repository.PullRequest.ReviewThreads), nil
}

func (c *Client) nestedVars(repo model.RepositoryRecord, number int, cursor string) (map[string]any, error) {
	owner, name, err := splitRepoName(repo.Name)
	if err != nil {
		return nil, err
	}
	if cursor == "" {
		return nil, fmt.Errorf("follow-up page requires a cursor")
	}
	return map[string]any{
		"owner":       githubv4.String(owner),
		"name":        githubv4.String(name),
		"number":      githubv4.Int(number),
		"nestedFirst": githubv4.Int(c.config.NestedPageSize),
		"cursor":      githubv4.String(cursor),
	}, nil
}

// =============================================================================
// ERROR CLASSIFICATION
// =============================================================================

// classifyQueryError maps transport and GraphQL failures onto coded errors.
// githubv4 folds HTTP status and GraphQL error payloads into message text,
// so classification inspects both the error chain and the message.
func classifyQueryError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &model.APIError{Code: model.CodeTimeout, Retryable: true, Err: err}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &model.APIError{Code: model.CodeUnreachable, Retryable: true, Err: err}
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "API rate limit exceeded") || strings.Contains(msg, "RATE_LIMITED"):
		// Quota exhaustion reported in-band is a pause signal, not a failure.
		return &model.QuotaError{Remaining: 0, ResetAt: time.Now().Add(time.Hour)}
	case strings.Contains(msg, "status code: 401") || strings.Contains(msg, "Bad credentials"):
		return &model.APIError{Code: model.CodeAuthInvalid, Err: err}
	case strings.Contains(msg, "status code: 403"):
		return &model.APIError{Code: model.CodeAuthInvalid, Err: err}
	case strings.Contains(msg, "status code: 404") || strings.Contains(msg, "Could not resolve"):
		return &model.APIError{Code: model.CodeNotFound, Err: err}
	case strings.Contains(msg, "status code: 429"):
		return &model.APIError{Code: model.CodeRateLimited, Retryable: true, Err: err}
	case strings.Contains(msg, "status code: 5"):
		return &model.APIError{Code: model.CodeUnreachable, Retryable: true, Err: err}
	default:
		return &model.APIError{Code: model.CodeQueryFailed, Err: err}
	}
}

func splitRepoName(full string) (owner, name string, err error) {
	parts := strings.SplitN(full, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repository name %q is not owner/repo", full)
	}
	return parts[0], parts[1], nil
}

func optionalCursor(cursor string) *githubv4.String {
	if cursor == "" {
		return (*githubv4.String)(nil)
	}
	v := githubv4.String(cursor)
	return &v
}
