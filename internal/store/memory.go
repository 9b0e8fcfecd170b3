package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nucleus/prsync-core/internal/model"
)

// MemoryStore is an in-memory JobStore, RepoCatalog, and EntityStore. It
// backs the engine tests and keeps the same transactional contract as the
// Postgres store: an injected transaction failure leaves no partial writes.
type MemoryStore struct {
	mu         sync.Mutex
	jobs       map[string]model.JobRecord
	repos      []model.RepositoryRecord
	nextPRID   int64
	prs        map[int64]model.PullRequestRecord // by database ID
	prIndex    map[string]int64                  // repoID/externalID -> database ID
	commits    map[int64][]model.CommitRecord
	reviews    map[int64][]model.ReviewRecord
	comments   map[int64][]model.CommentRecord
	failNextTx int
	txCount    int
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     map[string]model.JobRecord{},
		nextPRID: 1,
		prs:      map[int64]model.PullRequestRecord{},
		prIndex:  map[string]int64{},
		commits:  map[int64][]model.CommitRecord{},
		reviews:  map[int64][]model.ReviewRecord{},
		comments: map[int64][]model.CommentRecord{},
	}
}

// AddRepository registers a catalog row and assigns its ID.
func (m *MemoryStore) AddRepository(rec model.RepositoryRecord) model.RepositoryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == 0 {
		rec.ID = int64(len(m.repos) + 1)
	}
	m.repos = append(m.repos, rec)
	return rec
}

// FailNextTx makes the next n transactions fail before any write applies.
func (m *MemoryStore) FailNextTx(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNextTx = n
}

// TxCount reports how many transactions committed.
func (m *MemoryStore) TxCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txCount
}

// =============================================================================
// JOB STORE
// =============================================================================

func (m *MemoryStore) GetJob(_ context.Context, name string) (*model.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[name]
	if !ok {
		return nil, nil
	}
	out := cloneJob(job)
	return &out, nil
}

func (m *MemoryStore) SaveJob(_ context.Context, job *model.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job.UpdatedAt = time.Now().UTC()
	m.jobs[job.Name] = cloneJob(*job)
	return nil
}

func cloneJob(job model.JobRecord) model.JobRecord {
	out := job
	if job.RepoQueue != nil {
		out.RepoQueue = append([]model.QueueEntry(nil), job.RepoQueue...)
	}
	if job.CurrentPR != nil {
		ref := *job.CurrentPR
		out.CurrentPR = &ref
	}
	if job.LastRunStartedAt != nil {
		t := *job.LastRunStartedAt
		out.LastRunStartedAt = &t
	}
	if job.LastSuccessAt != nil {
		t := *job.LastSuccessAt
		out.LastSuccessAt = &t
	}
	return out
}

// =============================================================================
// REPO CATALOG
// =============================================================================

func (m *MemoryStore) ListRepositories(_ context.Context) ([]model.RepositoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]model.RepositoryRecord(nil), m.repos...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) GetRepository(_ context.Context, id int64) (model.RepositoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.repos {
		if rec.ID == id {
			return rec, nil
		}
	}
	return model.RepositoryRecord{}, &model.APIError{Code: model.CodeNotFound, Err: fmt.Errorf("repository %d not registered", id)}
}

// =============================================================================
// ENTITY STORE
// =============================================================================

func (m *MemoryStore) InTx(_ context.Context, fn func(tx EntityTx) error) error {
	m.mu.Lock()
	if m.failNextTx > 0 {
		m.failNextTx--
		m.mu.Unlock()
		return storageError(errors.New("injected transaction failure"))
	}
	m.mu.Unlock()

	// Writes apply against a scratch overlay and merge only on success, so
	// a failing callback leaves the store untouched.
	tx := &memEntityTx{store: m, scratch: NewMemoryStore()}
	if err := fn(tx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, rec := range tx.scratch.prs {
		m.prs[id] = rec
		m.prIndex[prKey(rec.RepositoryID, rec.ExternalID)] = id
	}
	for id, recs := range tx.scratch.commits {
		m.commits[id] = recs
	}
	for id, recs := range tx.scratch.reviews {
		m.reviews[id] = recs
	}
	for id, recs := range tx.scratch.comments {
		m.comments[id] = recs
	}
	m.txCount++
	return nil
}

type memEntityTx struct {
	store   *MemoryStore
	scratch *MemoryStore
}

func prKey(repoID int64, externalID string) string {
	return fmt.Sprintf("%d/%s", repoID, externalID)
}

func (t *memEntityTx) GetExisting(_ context.Context, repoID int64, externalIDs []string) (map[string]model.PullRequestRecord, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	out := map[string]model.PullRequestRecord{}
	for _, extID := range externalIDs {
		if id, ok := t.store.prIndex[prKey(repoID, extID)]; ok {
			out[extID] = t.store.prs[id]
		}
	}
	return out, nil
}

func (t *memEntityTx) UpsertPullRequests(_ context.Context, recs []model.PullRequestRecord) (*UpsertResult, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	result := &UpsertResult{}
	now := time.Now().UTC()
	for _, rec := range recs {
		key := prKey(rec.RepositoryID, rec.ExternalID)
		existed := rec.ID != 0
		if !existed {
			// Same upsert semantics as Postgres: a conflicting row wins
			// even when the caller skipped the existence lookup. Rows
			// written earlier in this transaction conflict too.
			if id, ok := t.scratch.prIndex[key]; ok {
				existed = true
				rec.ID = id
				rec.CreatedAt = t.scratch.prs[id].CreatedAt
			} else if id, ok := t.store.prIndex[key]; ok {
				existed = true
				rec.ID = id
				rec.CreatedAt = t.store.prs[id].CreatedAt
			}
		}
		if !existed {
			rec.ID = t.store.nextPRID
			t.store.nextPRID++
			rec.CreatedAt = now
		}
		rec.UpdatedAt = now
		t.scratch.prs[rec.ID] = rec
		t.scratch.prIndex[key] = rec.ID
		if existed {
			result.Updated = append(result.Updated, rec)
		} else {
			result.Inserted = append(result.Inserted, rec)
		}
	}
	return result, nil
}

func (t *memEntityTx) ReplaceCommits(_ context.Context, prID int64, recs []model.CommitRecord) error {
	for i := range recs {
		recs[i].PullRequestID = prID
	}
	t.scratch.commits[prID] = append([]model.CommitRecord(nil), recs...)
	return nil
}

func (t *memEntityTx) ReplaceReviews(_ context.Context, prID int64, recs []model.ReviewRecord) error {
	for i := range recs {
		recs[i].PullRequestID = prID
	}
	t.scratch.reviews[prID] = append([]model.ReviewRecord(nil), recs...)
	return nil
}

func (t *memEntityTx) ReplaceComments(_ context.Context, prID int64, recs []model.CommentRecord) error {
	for i := range recs {
		recs[i].PullRequestID = prID
	}
	t.scratch.comments[prID] = append([]model.CommentRecord(nil), recs...)
	return nil
}

// =============================================================================
// TEST ACCESSORS
// =============================================================================

// PullRequests returns the persisted records for one repository, ordered by
// number.
func (m *MemoryStore) PullRequests(repoID int64) []model.PullRequestRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.PullRequestRecord
	for _, rec := range m.prs {
		if rec.RepositoryID == repoID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// PullRequest looks up one persisted record by repository and number.
func (m *MemoryStore) PullRequest(repoID int64, number int) (model.PullRequestRecord, bool) {
	for _, rec := range m.PullRequests(repoID) {
		if rec.Number == number {
			return rec, true
		}
	}
	return model.PullRequestRecord{}, false
}

// CommitsFor returns the persisted commits of one pull request.
func (m *MemoryStore) CommitsFor(prID int64) []model.CommitRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.CommitRecord(nil), m.commits[prID]...)
}

// ReviewsFor returns the persisted reviews of one pull request.
func (m *MemoryStore) ReviewsFor(prID int64) []model.ReviewRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.ReviewRecord(nil), m.reviews[prID]...)
}

// CommentsFor returns the persisted comments of one pull request.
func (m *MemoryStore) CommentsFor(prID int64) []model.CommentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.CommentRecord(nil), m.comments[prID]...)
}
