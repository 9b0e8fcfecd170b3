package sync_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus/prsync-core/internal/model"
	"github.com/nucleus/prsync-core/internal/store"
	"github.com/nucleus/prsync-core/internal/sync"
)

func TestOrchestrator_PromoteCreatesAndGates(t *testing.T) {
	m := store.NewMemoryStore()
	o := sync.NewOrchestrator(m, testLogger())
	ctx := context.Background()

	job, err := o.Promote(ctx, "github-pr-sync")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, job.Status)
	require.NotNil(t, job.LastRunStartedAt)

	// A second trigger while the job runs bounces off the promotion gate.
	_, err = o.Promote(ctx, "github-pr-sync")
	require.Error(t, err)
	assert.True(t, errors.Is(err, sync.ErrJobNotPromotable))
}

func TestOrchestrator_ResumptionKeepsRunStart(t *testing.T) {
	m := store.NewMemoryStore()
	o := sync.NewOrchestrator(m, testLogger())
	ctx := context.Background()

	job, err := o.Promote(ctx, "j")
	require.NoError(t, err)
	started := *job.LastRunStartedAt

	// The engine pauses with a checkpoint; the job yields back to PENDING
	// and the next trigger promotes it directly.
	job.ApplyCheckpoint(model.NewOuterCheckpoint("cursor:4"))
	job.RepoQueue = []model.QueueEntry{{RepoID: 1, RepoName: "octo/alpha"}}
	require.NoError(t, o.Yield(ctx, job))

	saved, err := m.GetJob(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, saved.Status)
	assert.Zero(t, saved.RetryCount)

	resumed, err := o.Promote(ctx, "j")
	require.NoError(t, err)
	// Same logical run: the original stamp survives so the eventual
	// watermark covers everything since the run began.
	require.NotNil(t, resumed.LastRunStartedAt)
	assert.True(t, resumed.LastRunStartedAt.Equal(started))
	assert.Equal(t, "cursor:4", resumed.PRCursor)
}

func TestOrchestrator_FinishAdvancesWatermarkAndClears(t *testing.T) {
	m := store.NewMemoryStore()
	o := sync.NewOrchestrator(m, testLogger())
	ctx := context.Background()

	job, err := o.Promote(ctx, "j")
	require.NoError(t, err)
	started := *job.LastRunStartedAt
	job.RepoQueue = []model.QueueEntry{{RepoID: 1, RepoName: "octo/alpha", Finished: true}}
	job.RetryCount = 3
	job.ErrorMessage = "E_TIMEOUT: earlier attempt"

	require.NoError(t, o.Finish(ctx, job))

	got, err := m.GetJob(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFinished, got.Status)
	require.NotNil(t, got.LastSuccessAt)
	assert.True(t, got.LastSuccessAt.Equal(started))
	assert.Empty(t, got.RepoQueue)
	assert.False(t, got.HasCheckpoint())
	assert.Zero(t, got.RetryCount)
	assert.Empty(t, got.ErrorMessage)

	// Finished jobs need a rearm before they promote again.
	_, err = o.Promote(ctx, "j")
	assert.True(t, errors.Is(err, sync.ErrJobNotPromotable))
	require.NoError(t, o.Rearm(ctx, "j"))
	_, err = o.Promote(ctx, "j")
	assert.NoError(t, err)
}

func TestOrchestrator_RequeueKeepsContinuationState(t *testing.T) {
	m := store.NewMemoryStore()
	o := sync.NewOrchestrator(m, testLogger())
	ctx := context.Background()

	job, err := o.Promote(ctx, "j")
	require.NoError(t, err)
	job.RepoQueue = []model.QueueEntry{
		{RepoID: 1, RepoName: "octo/alpha", Finished: true},
		{RepoID: 2, RepoName: "octo/beta"},
	}
	job.ApplyCheckpoint(model.NewOuterCheckpoint("cursor:6"))

	cause := &model.APIError{Code: model.CodeUnreachable, Retryable: true, Err: errors.New("dial tcp: connection refused")}
	require.NoError(t, o.Requeue(ctx, job, cause))

	got, err := m.GetJob(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.ErrorMessage, model.CodeUnreachable)
	assert.Equal(t, "cursor:6", got.PRCursor)
	require.Len(t, got.RepoQueue, 2)
	assert.True(t, got.RepoQueue[0].Finished)

	// Repeated identical failures stay visible through the counter.
	require.NoError(t, o.Requeue(ctx, got, cause))
	again, _ := m.GetJob(ctx, "j")
	assert.Equal(t, 2, again.RetryCount)
}

func TestOrchestrator_RetryCapBlocksPromotion(t *testing.T) {
	m := store.NewMemoryStore()
	o := sync.NewOrchestrator(m, testLogger())
	o.LimitRetries(2)
	ctx := context.Background()
	cause := errors.New("dial tcp: connection refused")

	for i := 0; i < 2; i++ {
		job, err := o.Promote(ctx, "j")
		require.NoError(t, err)
		job.ApplyCheckpoint(model.NewOuterCheckpoint("cursor:4"))
		require.NoError(t, o.Requeue(ctx, job, cause))
	}

	// Two failed runs exhaust the cap; the scheduler's next trigger
	// bounces off.
	_, err := o.Promote(ctx, "j")
	assert.True(t, errors.Is(err, sync.ErrJobNotPromotable))

	// Pause-then-unpause is the operator reset: bookkeeping clears, the
	// checkpoint survives, and the job promotes as a continuation.
	require.NoError(t, o.Pause(ctx, "j"))
	require.NoError(t, o.Unpause(ctx, "j"))
	job, err := o.Promote(ctx, "j")
	require.NoError(t, err)
	assert.Zero(t, job.RetryCount)
	assert.Empty(t, job.ErrorMessage)
	assert.Equal(t, "cursor:4", job.PRCursor)
}

func TestOrchestrator_PauseExcludesFromPromotion(t *testing.T) {
	m := store.NewMemoryStore()
	o := sync.NewOrchestrator(m, testLogger())
	ctx := context.Background()

	// Missing jobs are a no-op for the operator transitions.
	require.NoError(t, o.Pause(ctx, "absent"))
	require.NoError(t, o.Unpause(ctx, "absent"))

	job := &model.JobRecord{Name: "j", Status: model.StatusPending, UpdatedAt: time.Now()}
	require.NoError(t, m.SaveJob(ctx, job))

	require.NoError(t, o.Pause(ctx, "j"))
	_, err := o.Promote(ctx, "j")
	assert.True(t, errors.Is(err, sync.ErrJobNotPromotable))

	// Unpause re-enters the cycle via NOT_STARTED; Rearm only touches
	// FINISHED.
	require.NoError(t, o.Rearm(ctx, "j"))
	got, _ := m.GetJob(ctx, "j")
	assert.Equal(t, model.StatusPaused, got.Status)

	require.NoError(t, o.Unpause(ctx, "j"))
	got, _ = m.GetJob(ctx, "j")
	assert.Equal(t, model.StatusNotStarted, got.Status)
	_, err = o.Promote(ctx, "j")
	assert.NoError(t, err)
}
