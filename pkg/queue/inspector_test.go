package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspectorStats(t *testing.T) {
	broker := newTestBroker(t)
	ctx := context.Background()
	inspector := NewInspector(broker)

	for i := 0; i < 3; i++ {
		require.NoError(t, broker.Enqueue(ctx, NewJob("default", "noop", nil)))
	}
	failed := NewJob("default", "noop", nil)
	require.NoError(t, broker.Enqueue(ctx, failed))
	popped, err := broker.dequeue(ctx, []string{"default"}, 0)
	require.NoError(t, err)
	require.NotNil(t, popped)
	require.NoError(t, broker.markStarted(ctx, popped, "w1"))
	require.NoError(t, broker.markFinished(ctx, popped, JobStatusFailed, assert.AnError))

	stats, err := inspector.Stats(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Queued)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(0), stats.Started)
}

func TestInspectorRegistryJobsPaged(t *testing.T) {
	broker := newTestBroker(t)
	ctx := context.Background()
	inspector := NewInspector(broker)

	var ids []string
	for i := 0; i < 5; i++ {
		job := NewJob("default", "noop", nil)
		require.NoError(t, broker.Enqueue(ctx, job))
		ids = append(ids, job.ID)
	}

	page, err := inspector.RegistryJobs(ctx, "default", "queued", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Len(t, page.Items, 2)

	page, err = inspector.RegistryJobs(ctx, "default", "queued", 3, 2)
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)

	_ = ids
}

func TestInspectorUnknownRegistry(t *testing.T) {
	broker := newTestBroker(t)
	inspector := NewInspector(broker)

	_, err := inspector.RegistryJobs(context.Background(), "default", "lost", 1, 8)
	assert.Error(t, err)
}

func TestInspectorJobDetail(t *testing.T) {
	broker := newTestBroker(t)
	ctx := context.Background()
	inspector := NewInspector(broker)

	job := NewJob("default", "repo_group_sync", map[string]interface{}{"pulp_server_id": float64(3)})
	job.Description = "pulp1 el7 sync"
	require.NoError(t, broker.Enqueue(ctx, job))

	got, err := inspector.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "pulp1 el7 sync", got.Description)

	_, err = inspector.Job(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}
