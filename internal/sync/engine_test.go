package sync_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus/prsync-core/internal/github"
	"github.com/nucleus/prsync-core/internal/model"
	"github.com/nucleus/prsync-core/internal/store"
	"github.com/nucleus/prsync-core/internal/sync"
)

const jobName = "github-pr-sync"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// harness wires a stub-backed engine over an in-memory store. A fresh
// client and governor are built per execution, mirroring production where
// the governor lives for exactly one job execution.
type harness struct {
	t         *testing.T
	stub      *github.StubServer
	store     *store.MemoryStore
	orch      *sync.Orchestrator
	batchSize int
	repos     map[string]model.RepositoryRecord
}

func newHarness(t *testing.T, batchSize int) *harness {
	m := store.NewMemoryStore()
	return &harness{
		t:         t,
		stub:      github.NewStubServer(),
		store:     m,
		orch:      sync.NewOrchestrator(m, testLogger()),
		batchSize: batchSize,
		repos:     map[string]model.RepositoryRecord{},
	}
}

func (h *harness) addRepo(name string, prs []*github.StubPR) model.RepositoryRecord {
	h.stub.AddRepo(name, prs)
	repo := h.store.AddRepository(model.RepositoryRecord{ExternalID: name, Name: name})
	h.repos[name] = repo
	return repo
}

// registerRepoOnly registers a catalog row without stub fixtures, so the
// upstream reports the repository as missing.
func (h *harness) registerRepoOnly(name string) model.RepositoryRecord {
	repo := h.store.AddRepository(model.RepositoryRecord{ExternalID: name, Name: name})
	h.repos[name] = repo
	return repo
}

func (h *harness) newEngine() *sync.Engine {
	return h.newEngineWith(h.store)
}

func (h *harness) newEngineWith(catalog store.RepoCatalog) *sync.Engine {
	client := github.NewClient(&github.ClientConfig{
		BaseURL:        h.stub.URL(),
		PageSize:       2,
		NestedPageSize: 2,
		MaxRetries:     1,
		RateLimit:      1e6,
		RateBurst:      1 << 20,
		Transport:      h.stub.Transport(),
	}, github.NewGovernor(0), testLogger())
	return sync.NewEngine(client, h.store, catalog, h.store, nil, nil,
		sync.EngineConfig{BatchSize: h.batchSize}, testLogger())
}

func (h *harness) execute(ctx context.Context) error {
	return h.orch.Execute(ctx, jobName, h.newEngine())
}

func (h *harness) job() *model.JobRecord {
	job, err := h.store.GetJob(context.Background(), jobName)
	require.NoError(h.t, err)
	require.NotNil(h.t, job)
	return job
}

func plainPR(number int, updated time.Time) *github.StubPR {
	return &github.StubPR{
		Record: model.PullRequestRecord{
			ExternalID:  fmt.Sprintf("PR_node%d", number),
			Number:      number,
			Title:       fmt.Sprintf("change %d", number),
			State:       "OPEN",
			Author:      "octocat",
			GHCreatedAt: updated.Add(-time.Hour),
			GHUpdatedAt: updated,
		},
	}
}

func withCommits(pr *github.StubPR, n int) *github.StubPR {
	for i := 0; i < n; i++ {
		pr.Commits = append(pr.Commits, model.CommitRecord{
			ExternalID:  fmt.Sprintf("oid-%d-%d", pr.Record.Number, i),
			Message:     fmt.Sprintf("commit %d", i),
			CommittedAt: pr.Record.GHUpdatedAt,
		})
	}
	return pr
}

func withReviews(pr *github.StubPR, n int) *github.StubPR {
	for i := 0; i < n; i++ {
		pr.Reviews = append(pr.Reviews, model.ReviewRecord{
			ExternalID: fmt.Sprintf("REV-%d-%d", pr.Record.Number, i),
			Author:     "alice",
			State:      "APPROVED",
		})
	}
	return pr
}

var base = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func TestEngine_FullRunPersistsEverything(t *testing.T) {
	h := newHarness(t, 50)
	repo := h.addRepo("octo/alpha", []*github.StubPR{
		withReviews(withCommits(plainPR(1, base.Add(3*time.Hour)), 5), 3),
		plainPR(2, base.Add(2*time.Hour)),
		plainPR(3, base.Add(1*time.Hour)),
	})

	require.NoError(t, h.execute(context.Background()))

	job := h.job()
	assert.Equal(t, model.StatusFinished, job.Status)
	assert.False(t, job.HasCheckpoint())
	assert.Empty(t, job.RepoQueue)
	require.NotNil(t, job.LastSuccessAt)
	require.NotNil(t, job.LastRunStartedAt)
	assert.True(t, job.LastSuccessAt.Equal(*job.LastRunStartedAt))

	prs := h.store.PullRequests(repo.ID)
	require.Len(t, prs, 3)

	heavy, ok := h.store.PullRequest(repo.ID, 1)
	require.True(t, ok)
	assert.Len(t, h.store.CommitsFor(heavy.ID), 5)
	assert.Len(t, h.store.ReviewsFor(heavy.ID), 3)
}

func TestEngine_EarlyTerminationStopsAtWatermark(t *testing.T) {
	h := newHarness(t, 50)
	old1 := plainPR(1, base.Add(-48*time.Hour))
	old2 := plainPR(2, base.Add(-47*time.Hour))
	old3 := plainPR(3, base.Add(-46*time.Hour))
	repo := h.addRepo("octo/alpha", []*github.StubPR{old1, old2, old3})

	require.NoError(t, h.execute(context.Background()))
	pagesFirstRun := h.stub.CallCount(github.OpPRPage)
	require.Equal(t, 2, pagesFirstRun) // 3 PRs at page size 2

	// One pull request changes after the watermark; the rest are stale.
	old2.Record.Title = "change 2 amended"
	old2.Record.GHUpdatedAt = time.Now().UTC().Add(time.Hour)

	require.NoError(t, h.orch.Rearm(context.Background(), jobName))
	require.NoError(t, h.execute(context.Background()))

	// The second scan stops inside the first page: the amended PR leads,
	// the next item is older than the watermark.
	assert.Equal(t, pagesFirstRun+1, h.stub.CallCount(github.OpPRPage))

	rec, ok := h.store.PullRequest(repo.ID, 2)
	require.True(t, ok)
	assert.Equal(t, "change 2 amended", rec.Title)
	assert.Len(t, h.store.PullRequests(repo.ID), 3)
}

func TestEngine_QuotaPauseThenResume(t *testing.T) {
	h := newHarness(t, 50)
	repo := h.addRepo("octo/alpha", []*github.StubPR{
		plainPR(5, base.Add(5*time.Hour)),
		plainPR(4, base.Add(4*time.Hour)),
		plainPR(3, base.Add(3*time.Hour)),
		plainPR(2, base.Add(2*time.Hour)),
		plainPR(1, base.Add(1*time.Hour)),
	})
	// Quota lasts exactly one request: the first page is served, the
	// governor observes remaining=0 and refuses the second.
	h.stub.SetQuota(1, time.Now().Add(time.Hour))

	require.NoError(t, h.execute(context.Background()))

	job := h.job()
	// A quota pause re-queues without error bookkeeping.
	assert.Equal(t, model.StatusPending, job.Status)
	assert.Equal(t, "cursor:2", job.PRCursor)
	assert.Nil(t, job.CurrentPR)
	assert.Zero(t, job.RetryCount)
	assert.Empty(t, job.ErrorMessage)
	// Partial progress is durable: the flushed first page survived.
	assert.Len(t, h.store.PullRequests(repo.ID), 2)

	// Quota window resets; the next trigger continues from the checkpoint.
	h.stub.SetQuota(5000, time.Now().Add(time.Hour))
	require.NoError(t, h.execute(context.Background()))

	job = h.job()
	assert.Equal(t, model.StatusFinished, job.Status)
	assert.Len(t, h.store.PullRequests(repo.ID), 5)
}

func TestEngine_NestedCheckpointResume(t *testing.T) {
	h := newHarness(t, 50)
	repo := h.addRepo("octo/alpha", []*github.StubPR{
		withReviews(plainPR(1, base.Add(2*time.Hour)), 6),
		plainPR(2, base.Add(1*time.Hour)),
	})
	// Request 1 serves the outer page, request 2 the first reviews
	// follow-up; the governor then refuses mid-pull-request.
	h.stub.SetQuota(2, time.Now().Add(time.Hour))

	require.NoError(t, h.execute(context.Background()))

	job := h.job()
	assert.Equal(t, model.StatusPending, job.Status)
	require.NotNil(t, job.CurrentPR)
	assert.Equal(t, 1, job.CurrentPR.Number)
	assert.Equal(t, repo.ID, job.CurrentPR.RepoID)
	// Reviews restart where this attempt began paging them, so the
	// reconstructed set has no gap.
	assert.Equal(t, "cursor:2", job.ReviewCursor)
	assert.Empty(t, job.CommitCursor)
	started := *job.LastRunStartedAt

	h.stub.SetQuota(5000, time.Now().Add(time.Hour))
	require.NoError(t, h.execute(context.Background()))

	job = h.job()
	assert.Equal(t, model.StatusFinished, job.Status)
	// Resumption is the same logical run: the original start stamp became
	// the watermark.
	require.NotNil(t, job.LastSuccessAt)
	assert.True(t, job.LastSuccessAt.Equal(started))

	rec, ok := h.store.PullRequest(repo.ID, 1)
	require.True(t, ok)
	assert.Len(t, h.store.ReviewsFor(rec.ID), 6)
	assert.Len(t, h.store.PullRequests(repo.ID), 2)
}

func TestEngine_TransportFailureRequeuesWithoutLosingData(t *testing.T) {
	h := newHarness(t, 50)
	repo := h.addRepo("octo/alpha", []*github.StubPR{
		plainPR(4, base.Add(4*time.Hour)),
		plainPR(3, base.Add(3*time.Hour)),
		withCommits(plainPR(2, base.Add(2*time.Hour)), 3),
		plainPR(1, base.Add(1*time.Hour)),
	})
	// The commits follow-up of PR 2 (second outer page) fails through
	// every retry.
	h.stub.FailNext(github.OpCommitsPage, 2)

	err := h.execute(context.Background())
	require.Error(t, err)
	code, retryable := model.Classify(err)
	assert.Equal(t, model.CodeUnreachable, code)
	assert.True(t, retryable)

	job := h.job()
	assert.Equal(t, model.StatusPending, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.Contains(t, job.ErrorMessage, model.CodeUnreachable)
	require.NotNil(t, job.CurrentPR)
	assert.Equal(t, 2, job.CurrentPR.Number)
	// The batch held both outer pages and was discarded, so the outer
	// cursor fell back to cover them: nothing was silently lost.
	assert.Empty(t, job.PRCursor)
	assert.Empty(t, h.store.PullRequests(repo.ID))

	// The retry re-enters the interrupted pull request and re-covers the
	// discarded pages.
	require.NoError(t, h.execute(context.Background()))

	job = h.job()
	assert.Equal(t, model.StatusFinished, job.Status)
	assert.Zero(t, job.RetryCount)
	assert.Empty(t, job.ErrorMessage)
	assert.Len(t, h.store.PullRequests(repo.ID), 4)
	rec, ok := h.store.PullRequest(repo.ID, 2)
	require.True(t, ok)
	assert.Len(t, h.store.CommitsFor(rec.ID), 3)
}

func TestEngine_FlushFailureDiscardsBatchAndRewinds(t *testing.T) {
	h := newHarness(t, 2)
	repo := h.addRepo("octo/alpha", []*github.StubPR{
		plainPR(4, base.Add(4*time.Hour)),
		plainPR(3, base.Add(3*time.Hour)),
		plainPR(2, base.Add(2*time.Hour)),
		plainPR(1, base.Add(1*time.Hour)),
	})
	h.store.FailNextTx(1)

	err := h.execute(context.Background())
	require.Error(t, err)
	code, _ := model.Classify(err)
	assert.Equal(t, model.CodeStorageFailed, code)

	job := h.job()
	assert.Equal(t, model.StatusPending, job.Status)
	assert.False(t, job.HasCheckpoint()) // rewound to the start of the repo
	assert.Empty(t, h.store.PullRequests(repo.ID))

	require.NoError(t, h.execute(context.Background()))
	assert.Equal(t, model.StatusFinished, h.job().Status)
	assert.Len(t, h.store.PullRequests(repo.ID), 4)
}

func TestEngine_BatchBoundaryDoesNotChangeOutcome(t *testing.T) {
	build := func() []*github.StubPR {
		return []*github.StubPR{
			withReviews(withCommits(plainPR(1, base.Add(5*time.Hour)), 3), 4),
			plainPR(2, base.Add(4*time.Hour)),
			withCommits(plainPR(3, base.Add(3*time.Hour)), 1),
			plainPR(4, base.Add(2*time.Hour)),
			plainPR(5, base.Add(1*time.Hour)),
		}
	}

	type state map[int]struct{ title string; commits, reviews int }
	capture := func(h *harness, repo model.RepositoryRecord) state {
		out := state{}
		for _, pr := range h.store.PullRequests(repo.ID) {
			out[pr.Number] = struct {
				title            string
				commits, reviews int
			}{pr.Title, len(h.store.CommitsFor(pr.ID)), len(h.store.ReviewsFor(pr.ID))}
		}
		return out
	}

	var baseline state
	for _, batchSize := range []int{1, 4, 5, 6} {
		h := newHarness(t, batchSize)
		repo := h.addRepo("octo/alpha", build())
		require.NoError(t, h.execute(context.Background()))

		got := capture(h, repo)
		require.Len(t, got, 5, "batch size %d", batchSize)
		if baseline == nil {
			baseline = got
			continue
		}
		assert.Equal(t, baseline, got, "batch size %d", batchSize)
	}
}

func TestEngine_QueueSurvivesFailureAndSkipsFinishedRepos(t *testing.T) {
	h := newHarness(t, 50)
	alpha := h.addRepo("octo/alpha", []*github.StubPR{plainPR(1, base.Add(time.Hour))})
	// octo/beta is registered but unknown upstream, so its scan fails.
	h.registerRepoOnly("octo/beta")

	err := h.execute(context.Background())
	require.Error(t, err)

	job := h.job()
	assert.Equal(t, model.StatusPending, job.Status)
	require.Len(t, job.RepoQueue, 2)
	assert.True(t, job.RepoQueue[0].Finished) // octo/alpha completed
	assert.False(t, job.RepoQueue[1].Finished)
	assert.Len(t, h.store.PullRequests(alpha.ID), 1)

	alphaPages := h.stub.CallCount(github.OpPRPage)

	// The upstream repo appears; the retry continues the same queue and
	// never rescans the finished repository.
	h.stub.AddRepo("octo/beta", []*github.StubPR{plainPR(9, base.Add(time.Hour))})
	require.NoError(t, h.execute(context.Background()))

	job = h.job()
	assert.Equal(t, model.StatusFinished, job.Status)
	assert.Equal(t, alphaPages+1, h.stub.CallCount(github.OpPRPage))

	beta := h.repos["octo/beta"]
	assert.Len(t, h.store.PullRequests(beta.ID), 1)
}

// catalogOutage fails lookups for one repository id with a storage error,
// forcing the run to die between queue entries.
type catalogOutage struct {
	*store.MemoryStore
	failID int64
}

func (c *catalogOutage) GetRepository(ctx context.Context, id int64) (model.RepositoryRecord, error) {
	if id == c.failID {
		return model.RepositoryRecord{}, &model.APIError{
			Code: model.CodeStorageFailed, Retryable: true, Err: errors.New("catalog unavailable"),
		}
	}
	return c.MemoryStore.GetRepository(ctx, id)
}

func TestEngine_DeregisteredRepoSkipClearsPersistedCursor(t *testing.T) {
	h := newHarness(t, 50)
	beta := h.addRepo("octo/beta", []*github.StubPR{
		plainPR(4, base.Add(4*time.Hour)),
		plainPR(3, base.Add(3*time.Hour)),
		plainPR(2, base.Add(2*time.Hour)),
		plainPR(1, base.Add(1*time.Hour)),
	})
	ctx := context.Background()

	// A requeued run whose checkpointed repository was deregistered after
	// the queue snapshot: the persisted cursor belongs to the dead entry.
	started := base
	require.NoError(t, h.store.SaveJob(ctx, &model.JobRecord{
		Name:             jobName,
		Status:           model.StatusPending,
		LastRunStartedAt: &started,
		RepoQueue: []model.QueueEntry{
			{RepoID: 999, RepoName: "octo/gone"},
			{RepoID: beta.ID, RepoName: beta.Name},
		},
		PRCursor: "cursor:2",
	}))

	// The catalog dies right after the skip, so the row persisted by the
	// skip itself is what the next promotion sees.
	err := h.orch.Execute(ctx, jobName, h.newEngineWith(&catalogOutage{MemoryStore: h.store, failID: beta.ID}))
	require.Error(t, err)

	job := h.job()
	assert.Equal(t, model.StatusPending, job.Status)
	require.Len(t, job.RepoQueue, 2)
	assert.True(t, job.RepoQueue[0].Finished)
	// The dead entry's cursor must not survive to offset the next scan.
	assert.False(t, job.HasCheckpoint())

	require.NoError(t, h.execute(ctx))
	assert.Equal(t, model.StatusFinished, h.job().Status)
	assert.Len(t, h.store.PullRequests(beta.ID), 4)
}

func TestEngine_ForeignCheckpointDiscardedBeforeScan(t *testing.T) {
	h := newHarness(t, 50)
	beta := h.addRepo("octo/beta", []*github.StubPR{
		plainPR(4, base.Add(4*time.Hour)),
		plainPR(3, base.Add(3*time.Hour)),
		plainPR(2, base.Add(2*time.Hour)),
		plainPR(1, base.Add(1*time.Hour)),
	})
	ctx := context.Background()

	// A stale row left by an older process: the checkpoint was captured in
	// a repository that is no longer in front of the queue. Resuming from it
	// would start the scan at a foreign offset and drop the newest pages.
	started := base
	require.NoError(t, h.store.SaveJob(ctx, &model.JobRecord{
		Name:             jobName,
		Status:           model.StatusPending,
		LastRunStartedAt: &started,
		RepoQueue: []model.QueueEntry{
			{RepoID: 999, RepoName: "octo/gone", Finished: true},
			{RepoID: beta.ID, RepoName: beta.Name},
		},
		PRCursor:     "cursor:2",
		CurrentPR:    &model.PRRef{RepoID: 999, RepoName: "octo/gone", Number: 7, NodeID: "PR_gone7"},
		ReviewCursor: "cursor:2",
	}))

	require.NoError(t, h.execute(ctx))

	job := h.job()
	assert.Equal(t, model.StatusFinished, job.Status)
	// The scan started clean: every pull request made it in.
	assert.Len(t, h.store.PullRequests(beta.ID), 4)
}

func TestEngine_ShutdownYieldsAtPageBoundary(t *testing.T) {
	h := newHarness(t, 50)
	repo := h.addRepo("octo/alpha", []*github.StubPR{
		plainPR(3, base.Add(3*time.Hour)),
		plainPR(2, base.Add(2*time.Hour)),
		plainPR(1, base.Add(1*time.Hour)),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, h.execute(ctx))

	// Cancellation before the first request parks the run with everything
	// intact; a later execution completes it.
	job := h.job()
	assert.Equal(t, model.StatusPending, job.Status)
	assert.Zero(t, job.RetryCount)
	assert.Empty(t, h.store.PullRequests(repo.ID))

	require.NoError(t, h.execute(context.Background()))
	assert.Len(t, h.store.PullRequests(repo.ID), 3)
}

func TestEngine_EmptyCatalogFinishesImmediately(t *testing.T) {
	h := newHarness(t, 50)
	require.NoError(t, h.execute(context.Background()))

	job := h.job()
	assert.Equal(t, model.StatusFinished, job.Status)
	assert.Empty(t, job.RepoQueue)
}
