package sync_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus/prsync-core/internal/model"
	"github.com/nucleus/prsync-core/internal/sync"
)

func TestQueueManager_WalksForwardOnly(t *testing.T) {
	qm := sync.NewQueueManager(testLogger())
	job := &model.JobRecord{Name: "j"}
	qm.Initialize(job, []model.RepositoryRecord{
		{ID: 1, Name: "octo/alpha"},
		{ID: 2, Name: "octo/beta"},
		{ID: 3, Name: "octo/gamma"},
	})
	require.Len(t, job.RepoQueue, 3)
	assert.Equal(t, 3, qm.Remaining(job))

	next := qm.NextUnfinished(job)
	require.NotNil(t, next)
	assert.Equal(t, int64(1), next.RepoID)

	qm.MarkFinished(job, 1)
	assert.Equal(t, 2, qm.Remaining(job))

	// Finished entries stay in the queue for auditability.
	assert.True(t, job.RepoQueue[0].Finished)
	assert.Equal(t, "octo/alpha", job.RepoQueue[0].RepoName)

	next = qm.NextUnfinished(job)
	require.NotNil(t, next)
	assert.Equal(t, int64(2), next.RepoID)
}

func TestQueueManager_MarkFinishedIsIdempotent(t *testing.T) {
	qm := sync.NewQueueManager(testLogger())
	job := &model.JobRecord{Name: "j"}
	qm.Initialize(job, []model.RepositoryRecord{{ID: 1, Name: "octo/alpha"}})

	qm.MarkFinished(job, 1)
	qm.MarkFinished(job, 1) // replay after resumption: logged, not fatal
	qm.MarkFinished(job, 99) // unknown repository: logged, not fatal

	assert.Zero(t, qm.Remaining(job))
	assert.Nil(t, qm.NextUnfinished(job))
}
