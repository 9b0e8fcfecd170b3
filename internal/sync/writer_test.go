package sync_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus/prsync-core/internal/model"
	"github.com/nucleus/prsync-core/internal/store"
	"github.com/nucleus/prsync-core/internal/sync"
)

type capturingNotifier struct {
	events []model.ChangeEvent
}

func (n *capturingNotifier) Publish(ev model.ChangeEvent) {
	n.events = append(n.events, ev)
}

type flakyArchiver struct {
	calls int
	fail  bool
}

func (a *flakyArchiver) StageBatch(_ context.Context, runID string, prs []model.PullRequestRecord, nested model.NestedSet) error {
	a.calls++
	if a.fail {
		return errors.New("object store unreachable")
	}
	return nil
}

func batchItem(number int) sync.BatchItem {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	return sync.BatchItem{
		PR: model.PullRequestRecord{
			ExternalID:   fmt.Sprintf("PR_node%d", number),
			RepositoryID: 1,
			Number:       number,
			Title:        fmt.Sprintf("change %d", number),
			GHCreatedAt:  now,
			GHUpdatedAt:  now,
		},
		Nested: model.NestedSet{
			Commits: []model.CommitRecord{{ExternalID: fmt.Sprintf("oid-%d", number)}},
		},
	}
}

func TestWriter_FlushesAtThreshold(t *testing.T) {
	m := store.NewMemoryStore()
	w := sync.NewWriter(m, nil, nil, 2, "run-1", testLogger())
	ctx := context.Background()

	require.NoError(t, w.Add(ctx, batchItem(1)))
	assert.Equal(t, 1, w.Len())
	assert.Zero(t, m.TxCount())

	require.NoError(t, w.Add(ctx, batchItem(2)))
	assert.Zero(t, w.Len())
	assert.Equal(t, 1, m.TxCount())
	assert.Len(t, m.PullRequests(1), 2)
}

func TestWriter_NotifiesInsertsAndUpdatesAfterCommit(t *testing.T) {
	m := store.NewMemoryStore()
	n := &capturingNotifier{}
	ctx := context.Background()

	w := sync.NewWriter(m, n, nil, 50, "run-1", testLogger())
	require.NoError(t, w.Add(ctx, batchItem(1)))
	require.NoError(t, w.Flush(ctx))
	require.Len(t, n.events, 1)
	assert.Equal(t, model.OpInsert, n.events[0].Op)
	assert.Equal(t, "pull_request", n.events[0].EntityKind)

	// Second run sees the same pull request again: an update this time.
	item := batchItem(1)
	item.PR.Title = "change 1 amended"
	require.NoError(t, w.Add(ctx, item))
	require.NoError(t, w.Flush(ctx))
	require.Len(t, n.events, 2)
	assert.Equal(t, model.OpUpdate, n.events[1].Op)
	assert.Equal(t, "change 1 amended", n.events[1].Record.Title)
	assert.NotZero(t, n.events[1].Record.ID)
}

func TestWriter_ArchiveFailureDoesNotFailFlush(t *testing.T) {
	m := store.NewMemoryStore()
	a := &flakyArchiver{fail: true}
	w := sync.NewWriter(m, nil, a, 50, "run-1", testLogger())
	ctx := context.Background()

	require.NoError(t, w.Add(ctx, batchItem(1)))
	require.NoError(t, w.Flush(ctx))

	assert.Equal(t, 1, a.calls)
	assert.Len(t, m.PullRequests(1), 1)
}

func TestWriter_FailedFlushKeepsBatchUntilDiscard(t *testing.T) {
	m := store.NewMemoryStore()
	w := sync.NewWriter(m, nil, nil, 50, "run-1", testLogger())
	ctx := context.Background()

	require.NoError(t, w.Add(ctx, batchItem(1)))
	m.FailNextTx(1)
	require.Error(t, w.Flush(ctx))

	// The caller decides: retrying the flush would resend the same batch.
	assert.Equal(t, 1, w.Len())
	assert.Empty(t, m.PullRequests(1))

	w.Discard()
	assert.Zero(t, w.Len())
	require.NoError(t, w.Flush(ctx)) // empty flush is a no-op
	assert.Zero(t, m.TxCount())
}

func TestWriter_PreservesFirstSeenTimestamp(t *testing.T) {
	m := store.NewMemoryStore()
	w := sync.NewWriter(m, nil, nil, 50, "run-1", testLogger())
	ctx := context.Background()

	require.NoError(t, w.Add(ctx, batchItem(1)))
	require.NoError(t, w.Flush(ctx))
	first, ok := m.PullRequest(1, 1)
	require.True(t, ok)

	item := batchItem(1)
	item.PR.Title = "later"
	require.NoError(t, w.Add(ctx, item))
	require.NoError(t, w.Flush(ctx))

	second, ok := m.PullRequest(1, 1)
	require.True(t, ok)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.CreatedAt.Equal(first.CreatedAt))
	assert.Equal(t, "later", second.Title)
}
