package archive_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus/prsync-core/internal/archive"
	"github.com/nucleus/prsync-core/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func samplePR(number int) model.PullRequestRecord {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	return model.PullRequestRecord{
		ExternalID:   "PR_node1",
		RepositoryID: 7,
		Number:       number,
		Title:        "add retry backoff",
		State:        "MERGED",
		Author:       "octocat",
		GHCreatedAt:  now,
		GHUpdatedAt:  now,
		MergedAt:     &now,
	}
}

func TestSink_StageBatchLaysOutRunPartitions(t *testing.T) {
	store := archive.NewLocalStore(t.TempDir())
	sink := archive.NewSink(store, archive.SinkConfig{Bucket: "lake", BasePrefix: "github"}, testLogger())
	ctx := context.Background()

	nested := model.NestedSet{
		Commits: []model.CommitRecord{
			{ExternalID: "oid-1", Message: "first"},
			{ExternalID: "oid-2", Message: "second"},
		},
		Reviews: []model.ReviewRecord{{ExternalID: "PRR_1", State: "APPROVED"}},
	}
	require.NoError(t, sink.StageBatch(ctx, "run-a", []model.PullRequestRecord{samplePR(1)}, nested))

	date := time.Now().UTC().Format("2006-01-02")
	keys, err := store.ListPrefix(ctx, "lake", "github")
	require.NoError(t, err)
	assert.Contains(t, keys, "github/pull_requests/dt="+date+"/run=run-a/part-000000.parquet")
	assert.Contains(t, keys, "github/pr_commits/dt="+date+"/run=run-a/part-000000.jsonl.gz")
	assert.Contains(t, keys, "github/pr_reviews/dt="+date+"/run=run-a/part-000000.jsonl.gz")
	// No comments in the batch, no empty part.
	assert.Len(t, keys, 3)
}

func TestSink_NestedPartsRoundTrip(t *testing.T) {
	store := archive.NewLocalStore(t.TempDir())
	sink := archive.NewSink(store, archive.SinkConfig{Bucket: "lake"}, testLogger())
	ctx := context.Background()

	nested := model.NestedSet{
		Commits: []model.CommitRecord{
			{ExternalID: "oid-1", Message: "first", Additions: 10},
			{ExternalID: "oid-2", Message: "second", Deletions: 3},
		},
	}
	require.NoError(t, sink.StageBatch(ctx, "run-a", []model.PullRequestRecord{samplePR(1)}, nested))

	date := time.Now().UTC().Format("2006-01-02")
	data, err := store.GetObject(ctx, "lake", "github/pr_commits/dt="+date+"/run=run-a/part-000000.jsonl.gz")
	require.NoError(t, err)

	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	dec := json.NewDecoder(gz)

	var got []model.CommitRecord
	for dec.More() {
		var rec model.CommitRecord
		require.NoError(t, dec.Decode(&rec))
		got = append(got, rec)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "oid-1", got[0].ExternalID)
	assert.Equal(t, 10, got[0].Additions)
	assert.Equal(t, "oid-2", got[1].ExternalID)
}

func TestSink_PartsAdvancePerRunAndDataset(t *testing.T) {
	store := archive.NewLocalStore(t.TempDir())
	sink := archive.NewSink(store, archive.SinkConfig{Bucket: "lake"}, testLogger())
	ctx := context.Background()

	require.NoError(t, sink.StageBatch(ctx, "run-a", []model.PullRequestRecord{samplePR(1)}, model.NestedSet{}))
	require.NoError(t, sink.StageBatch(ctx, "run-a", []model.PullRequestRecord{samplePR(2)}, model.NestedSet{}))
	require.NoError(t, sink.StageBatch(ctx, "run-b", []model.PullRequestRecord{samplePR(3)}, model.NestedSet{}))

	date := time.Now().UTC().Format("2006-01-02")
	keys, err := store.ListPrefix(ctx, "lake", "github/pull_requests")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"github/pull_requests/dt=" + date + "/run=run-a/part-000000.parquet",
		"github/pull_requests/dt=" + date + "/run=run-a/part-000001.parquet",
		"github/pull_requests/dt=" + date + "/run=run-b/part-000000.parquet",
	}, keys)
}

func TestSink_EmptyBatchWritesNothing(t *testing.T) {
	store := archive.NewLocalStore(t.TempDir())
	sink := archive.NewSink(store, archive.SinkConfig{Bucket: "lake"}, testLogger())

	require.NoError(t, sink.StageBatch(context.Background(), "run-a", nil, model.NestedSet{}))

	keys, err := store.ListPrefix(context.Background(), "lake", "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
