package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus/prsync-core/internal/model"
	"github.com/nucleus/prsync-core/internal/store"
)

func TestMemoryStore_Unit_UpsertSplitsInsertsFromUpdates(t *testing.T) {
	m := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	err := m.InTx(ctx, func(tx store.EntityTx) error {
		res, err := tx.UpsertPullRequests(ctx, []model.PullRequestRecord{
			{ExternalID: "PR_1", RepositoryID: 1, Number: 1, Title: "first", GHUpdatedAt: now},
		})
		require.NoError(t, err)
		require.Len(t, res.Inserted, 1)
		assert.NotZero(t, res.Inserted[0].ID)
		return nil
	})
	require.NoError(t, err)

	err = m.InTx(ctx, func(tx store.EntityTx) error {
		existing, err := tx.GetExisting(ctx, 1, []string{"PR_1", "PR_2"})
		require.NoError(t, err)
		require.Len(t, existing, 1)

		recs := []model.PullRequestRecord{
			{ID: existing["PR_1"].ID, ExternalID: "PR_1", RepositoryID: 1, Number: 1, Title: "first updated", GHUpdatedAt: now},
			{ExternalID: "PR_2", RepositoryID: 1, Number: 2, Title: "second", GHUpdatedAt: now},
		}
		res, err := tx.UpsertPullRequests(ctx, recs)
		require.NoError(t, err)
		assert.Len(t, res.Updated, 1)
		assert.Len(t, res.Inserted, 1)
		return nil
	})
	require.NoError(t, err)

	rec, ok := m.PullRequest(1, 1)
	require.True(t, ok)
	assert.Equal(t, "first updated", rec.Title)
	assert.Len(t, m.PullRequests(1), 2)
}

func TestMemoryStore_Unit_FailedTxLeavesNoPartialWrites(t *testing.T) {
	m := store.NewMemoryStore()
	ctx := context.Background()

	m.FailNextTx(1)
	err := m.InTx(ctx, func(tx store.EntityTx) error {
		t.Fatal("callback must not run when the transaction fails")
		return nil
	})
	require.Error(t, err)
	code, retryable := model.Classify(err)
	assert.Equal(t, model.CodeStorageFailed, code)
	assert.True(t, retryable)
	assert.Empty(t, m.PullRequests(1))
	assert.Zero(t, m.TxCount())
}

func TestMemoryStore_Unit_ReplaceNestedIsFullRefresh(t *testing.T) {
	m := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	var prID int64
	err := m.InTx(ctx, func(tx store.EntityTx) error {
		res, err := tx.UpsertPullRequests(ctx, []model.PullRequestRecord{
			{ExternalID: "PR_1", RepositoryID: 1, Number: 1, GHUpdatedAt: now},
		})
		require.NoError(t, err)
		prID = res.Inserted[0].ID
		return tx.ReplaceCommits(ctx, prID, []model.CommitRecord{
			{ExternalID: "a"}, {ExternalID: "b"}, {ExternalID: "stale"},
		})
	})
	require.NoError(t, err)
	require.Len(t, m.CommitsFor(prID), 3)

	// A later refresh with fewer records removes the stale one: no unions.
	err = m.InTx(ctx, func(tx store.EntityTx) error {
		return tx.ReplaceCommits(ctx, prID, []model.CommitRecord{
			{ExternalID: "a"}, {ExternalID: "b"},
		})
	})
	require.NoError(t, err)

	commits := m.CommitsFor(prID)
	require.Len(t, commits, 2)
	for _, c := range commits {
		assert.NotEqual(t, "stale", c.ExternalID)
		assert.Equal(t, prID, c.PullRequestID)
	}
}

func TestMemoryStore_Unit_JobRoundTrip(t *testing.T) {
	m := store.NewMemoryStore()
	ctx := context.Background()

	missing, err := m.GetJob(ctx, "github-pr-sync")
	require.NoError(t, err)
	assert.Nil(t, missing)

	job := &model.JobRecord{
		Name:   "github-pr-sync",
		Status: model.StatusRunning,
		RepoQueue: []model.QueueEntry{
			{RepoID: 1, RepoName: "octo/alpha", Finished: true},
			{RepoID: 2, RepoName: "octo/beta"},
		},
		PRCursor:     "cursor:4",
		CurrentPR:    &model.PRRef{RepoID: 2, RepoName: "octo/beta", Number: 9},
		ReviewCursor: "cursor:2",
	}
	require.NoError(t, m.SaveJob(ctx, job))

	got, err := m.GetJob(ctx, "github-pr-sync")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job.RepoQueue, got.RepoQueue)
	require.NotNil(t, got.CurrentPR)
	assert.Equal(t, 9, got.CurrentPR.Number)

	cp, err := got.Checkpoint()
	require.NoError(t, err)
	assert.Equal(t, model.CheckpointNested, cp.Kind)
	assert.Equal(t, "cursor:2", cp.Nested.Reviews)
}
