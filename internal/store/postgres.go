package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nucleus/prsync-core/internal/model"
)

// PostgresStore implements JobStore and EntityStore backed by pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to Postgres and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("database dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreWithPool reuses an existing pool (tests share one).
func NewPostgresStoreWithPool(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Pool exposes the underlying pool for sharing with other layers.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

// Close releases the pool.
func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS repositories (
  id bigserial PRIMARY KEY,
  external_id text NOT NULL UNIQUE,
  name text NOT NULL,
  description text NOT NULL DEFAULT '',
  default_branch text NOT NULL DEFAULT '',
  private boolean NOT NULL DEFAULT false,
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sync_jobs (
  name text PRIMARY KEY,
  status text NOT NULL DEFAULT 'NOT_STARTED',
  last_run_started_at timestamptz,
  last_success_at timestamptz,
  repo_queue jsonb,
  pr_cursor text NOT NULL DEFAULT '',
  current_pr jsonb,
  commit_cursor text NOT NULL DEFAULT '',
  review_cursor text NOT NULL DEFAULT '',
  comment_cursor text NOT NULL DEFAULT '',
  thread_cursor text NOT NULL DEFAULT '',
  retry_count int NOT NULL DEFAULT 0,
  error_message text NOT NULL DEFAULT '',
  updated_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS pull_requests (
  id bigserial PRIMARY KEY,
  external_id text NOT NULL,
  repository_id bigint NOT NULL REFERENCES repositories(id),
  number int NOT NULL,
  title text NOT NULL DEFAULT '',
  body text NOT NULL DEFAULT '',
  state text NOT NULL DEFAULT '',
  author text NOT NULL DEFAULT '',
  draft boolean NOT NULL DEFAULT false,
  base_ref text NOT NULL DEFAULT '',
  head_ref text NOT NULL DEFAULT '',
  url text NOT NULL DEFAULT '',
  commit_count int NOT NULL DEFAULT 0,
  additions int NOT NULL DEFAULT 0,
  deletions int NOT NULL DEFAULT 0,
  changed_files int NOT NULL DEFAULT 0,
  gh_created_at timestamptz NOT NULL,
  gh_updated_at timestamptz NOT NULL,
  merged_at timestamptz,
  closed_at timestamptz,
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now(),
  UNIQUE (repository_id, external_id)
);

CREATE TABLE IF NOT EXISTS pr_commits (
  id bigserial PRIMARY KEY,
  pull_request_id bigint NOT NULL REFERENCES pull_requests(id) ON DELETE CASCADE,
  external_id text NOT NULL,
  message text NOT NULL DEFAULT '',
  author_name text NOT NULL DEFAULT '',
  author_email text NOT NULL DEFAULT '',
  committed_at timestamptz,
  additions int NOT NULL DEFAULT 0,
  deletions int NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_pr_commits_pr ON pr_commits (pull_request_id);

CREATE TABLE IF NOT EXISTS pr_reviews (
  id bigserial PRIMARY KEY,
  pull_request_id bigint NOT NULL REFERENCES pull_requests(id) ON DELETE CASCADE,
  external_id text NOT NULL,
  author text NOT NULL DEFAULT '',
  state text NOT NULL DEFAULT '',
  body text NOT NULL DEFAULT '',
  submitted_at timestamptz
);
CREATE INDEX IF NOT EXISTS idx_pr_reviews_pr ON pr_reviews (pull_request_id);

CREATE TABLE IF NOT EXISTS pr_comments (
  id bigserial PRIMARY KEY,
  pull_request_id bigint NOT NULL REFERENCES pull_requests(id) ON DELETE CASCADE,
  external_id text NOT NULL,
  author text NOT NULL DEFAULT '',
  body text NOT NULL DEFAULT '',
  url text NOT NULL DEFAULT '',
  path text NOT NULL DEFAULT '',
  line int NOT NULL DEFAULT 0,
  thread_resolved boolean NOT NULL DEFAULT false,
  gh_created_at timestamptz,
  gh_updated_at timestamptz
);
CREATE INDEX IF NOT EXISTS idx_pr_comments_pr ON pr_comments (pull_request_id);
`
	_, err := s.pool.Exec(ctx, ddl)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// =============================================================================
// JOB STORE
// =============================================================================

const jobColumns = `name, status, last_run_started_at, last_success_at, repo_queue, pr_cursor,
current_pr, commit_cursor, review_cursor, comment_cursor, thread_cursor, retry_count, error_message, updated_at`

func (s *PostgresStore) GetJob(ctx context.Context, name string) (*model.JobRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM sync_jobs WHERE name=$1`, name)

	var (
		job       model.JobRecord
		status    string
		queueJSON []byte
		prJSON    []byte
	)
	err := row.Scan(&job.Name, &status, &job.LastRunStartedAt, &job.LastSuccessAt, &queueJSON,
		&job.PRCursor, &prJSON, &job.CommitCursor, &job.ReviewCursor, &job.CommentCursor,
		&job.ThreadCursor, &job.RetryCount, &job.ErrorMessage, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, storageError(err)
	}
	job.Status = model.JobStatus(status)
	if len(queueJSON) > 0 {
		if err := json.Unmarshal(queueJSON, &job.RepoQueue); err != nil {
			return nil, storageError(fmt.Errorf("decode repo_queue: %w", err))
		}
	}
	if len(prJSON) > 0 {
		var ref model.PRRef
		if err := json.Unmarshal(prJSON, &ref); err != nil {
			return nil, storageError(fmt.Errorf("decode current_pr: %w", err))
		}
		job.CurrentPR = &ref
	}
	return &job, nil
}

func (s *PostgresStore) SaveJob(ctx context.Context, job *model.JobRecord) error {
	var queueJSON, prJSON []byte
	var err error
	if job.RepoQueue != nil {
		if queueJSON, err = json.Marshal(job.RepoQueue); err != nil {
			return storageError(err)
		}
	}
	if job.CurrentPR != nil {
		if prJSON, err = json.Marshal(job.CurrentPR); err != nil {
			return storageError(err)
		}
	}
	job.UpdatedAt = time.Now().UTC()

	_, err = s.pool.Exec(ctx, `
INSERT INTO sync_jobs (`+jobColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (name) DO UPDATE SET
  status=EXCLUDED.status,
  last_run_started_at=EXCLUDED.last_run_started_at,
  last_success_at=EXCLUDED.last_success_at,
  repo_queue=EXCLUDED.repo_queue,
  pr_cursor=EXCLUDED.pr_cursor,
  current_pr=EXCLUDED.current_pr,
  commit_cursor=EXCLUDED.commit_cursor,
  review_cursor=EXCLUDED.review_cursor,
  comment_cursor=EXCLUDED.comment_cursor,
  thread_cursor=EXCLUDED.thread_cursor,
  retry_count=EXCLUDED.retry_count,
  error_message=EXCLUDED.error_message,
  updated_at=EXCLUDED.updated_at`,
		job.Name, string(job.Status), job.LastRunStartedAt, job.LastSuccessAt, queueJSON,
		job.PRCursor, prJSON, job.CommitCursor, job.ReviewCursor, job.CommentCursor,
		job.ThreadCursor, job.RetryCount, job.ErrorMessage, job.UpdatedAt)
	if err != nil {
		return storageError(err)
	}
	return nil
}

// =============================================================================
// ENTITY STORE
// =============================================================================

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx EntityTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storageError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgEntityTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return storageError(err)
	}
	return nil
}

type pgEntityTx struct {
	tx pgx.Tx
}

func (t *pgEntityTx) GetExisting(ctx context.Context, repoID int64, externalIDs []string) (map[string]model.PullRequestRecord, error) {
	if len(externalIDs) == 0 {
		return map[string]model.PullRequestRecord{}, nil
	}
	rows, err := t.tx.Query(ctx, `
SELECT id, external_id, repository_id, number, created_at, gh_updated_at
FROM pull_requests
WHERE repository_id=$1 AND external_id = ANY($2)`, repoID, externalIDs)
	if err != nil {
		return nil, storageError(err)
	}
	defer rows.Close()

	out := map[string]model.PullRequestRecord{}
	for rows.Next() {
		var rec model.PullRequestRecord
		if err := rows.Scan(&rec.ID, &rec.ExternalID, &rec.RepositoryID, &rec.Number, &rec.CreatedAt, &rec.GHUpdatedAt); err != nil {
			return nil, storageError(err)
		}
		out[rec.ExternalID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err)
	}
	return out, nil
}

func (t *pgEntityTx) UpsertPullRequests(ctx context.Context, recs []model.PullRequestRecord) (*UpsertResult, error) {
	result := &UpsertResult{}
	if len(recs) == 0 {
		return result, nil
	}

	batch := &pgx.Batch{}
	for _, rec := range recs {
		batch.Queue(`
INSERT INTO pull_requests (
  external_id, repository_id, number, title, body, state, author, draft,
  base_ref, head_ref, url, commit_count, additions, deletions, changed_files,
  gh_created_at, gh_updated_at, merged_at, closed_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
ON CONFLICT (repository_id, external_id) DO UPDATE SET
  number=EXCLUDED.number,
  title=EXCLUDED.title,
  body=EXCLUDED.body,
  state=EXCLUDED.state,
  author=EXCLUDED.author,
  draft=EXCLUDED.draft,
  base_ref=EXCLUDED.base_ref,
  head_ref=EXCLUDED.head_ref,
  url=EXCLUDED.url,
  commit_count=EXCLUDED.commit_count,
  additions=EXCLUDED.additions,
  deletions=EXCLUDED.deletions,
  changed_files=EXCLUDED.changed_files,
  gh_created_at=EXCLUDED.gh_created_at,
  gh_updated_at=EXCLUDED.gh_updated_at,
  merged_at=EXCLUDED.merged_at,
  closed_at=EXCLUDED.closed_at,
  updated_at=now()
RETURNING id, created_at, updated_at`,
			rec.ExternalID, rec.RepositoryID, rec.Number, rec.Title, rec.Body, rec.State,
			rec.Author, rec.Draft, rec.BaseRef, rec.HeadRef, rec.URL, rec.Commits,
			rec.Additions, rec.Deletions, rec.ChangedFiles, rec.GHCreatedAt, rec.GHUpdatedAt,
			rec.MergedAt, rec.ClosedAt)
	}

	br := t.tx.SendBatch(ctx, batch)
	defer br.Close()
	for _, rec := range recs {
		// A record carrying a database ID was found by GetExisting, so the
		// upsert took the update path.
		existed := rec.ID != 0
		if err := br.QueryRow().Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, storageError(err)
		}
		if existed {
			result.Updated = append(result.Updated, rec)
		} else {
			result.Inserted = append(result.Inserted, rec)
		}
	}
	return result, nil
}

func (t *pgEntityTx) ReplaceCommits(ctx context.Context, prID int64, recs []model.CommitRecord) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM pr_commits WHERE pull_request_id=$1`, prID); err != nil {
		return storageError(err)
	}
	if len(recs) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(recs))
	for _, c := range recs {
		rows = append(rows, []any{prID, c.ExternalID, c.Message, c.AuthorName, c.AuthorEmail, c.CommittedAt, c.Additions, c.Deletions})
	}
	_, err := t.tx.CopyFrom(ctx, pgx.Identifier{"pr_commits"},
		[]string{"pull_request_id", "external_id", "message", "author_name", "author_email", "committed_at", "additions", "deletions"},
		pgx.CopyFromRows(rows))
	return storageError(err)
}

func (t *pgEntityTx) ReplaceReviews(ctx context.Context, prID int64, recs []model.ReviewRecord) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM pr_reviews WHERE pull_request_id=$1`, prID); err != nil {
		return storageError(err)
	}
	if len(recs) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, []any{prID, r.ExternalID, r.Author, r.State, r.Body, r.SubmittedAt})
	}
	_, err := t.tx.CopyFrom(ctx, pgx.Identifier{"pr_reviews"},
		[]string{"pull_request_id", "external_id", "author", "state", "body", "submitted_at"},
		pgx.CopyFromRows(rows))
	return storageError(err)
}

func (t *pgEntityTx) ReplaceComments(ctx context.Context, prID int64, recs []model.CommentRecord) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM pr_comments WHERE pull_request_id=$1`, prID); err != nil {
		return storageError(err)
	}
	if len(recs) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(recs))
	for _, c := range recs {
		rows = append(rows, []any{prID, c.ExternalID, c.Author, c.Body, c.URL, c.Path, c.Line, c.ThreadResolved, c.GHCreatedAt, c.GHUpdatedAt})
	}
	_, err := t.tx.CopyFrom(ctx, pgx.Identifier{"pr_comments"},
		[]string{"pull_request_id", "external_id", "author", "body", "url", "path", "line", "thread_resolved", "gh_created_at", "gh_updated_at"},
		pgx.CopyFromRows(rows))
	return storageError(err)
}
