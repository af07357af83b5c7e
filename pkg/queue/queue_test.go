package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewBroker(rdb)
}

func TestEnqueueAndGetJob(t *testing.T) {
	broker := newTestBroker(t)
	ctx := context.Background()

	job := NewJob("default", "repo_group_sync", map[string]interface{}{"pulp_server_id": float64(1)})
	job.TaskID = 7
	require.NoError(t, broker.Enqueue(ctx, job))

	got, err := broker.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusQueued, got.Status)
	assert.Equal(t, uint64(7), got.TaskID)
	assert.NotNil(t, got.EnqueuedAt)

	queues, err := broker.Queues(ctx)
	require.NoError(t, err)
	assert.Contains(t, queues, "default")
}

func TestGetJobMissing(t *testing.T) {
	broker := newTestBroker(t)
	_, err := broker.GetJob(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestCancelQueuedJob(t *testing.T) {
	broker := newTestBroker(t)
	ctx := context.Background()

	job := NewJob("default", "repo_group_sync", nil)
	require.NoError(t, broker.Enqueue(ctx, job))
	require.NoError(t, broker.CancelJob(ctx, job.ID))

	got, err := broker.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCanceled, got.Status)

	// queue no longer holds the job
	dequeued, err := broker.dequeue(ctx, []string{"default"}, time.Second)
	require.NoError(t, err)
	assert.Nil(t, dequeued)
}

func TestCancelFinishedJobErrors(t *testing.T) {
	broker := newTestBroker(t)
	ctx := context.Background()

	job := NewJob("default", "noop", nil)
	require.NoError(t, broker.Enqueue(ctx, job))
	require.NoError(t, broker.markStarted(ctx, job, "w1"))
	require.NoError(t, broker.markFinished(ctx, job, JobStatusFinished, nil))

	assert.Error(t, broker.CancelJob(ctx, job.ID))
}

func TestScheduledJobMovesWhenDue(t *testing.T) {
	broker := newTestBroker(t)
	ctx := context.Background()

	job := NewJob("default", "repo_group_sync", nil)
	require.NoError(t, broker.EnqueueAt(ctx, job, time.Now().Add(-time.Second)))

	moved, err := broker.moveDueScheduledJobs(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	got, err := broker.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusQueued, got.Status)
}

func TestScheduledJobNotMovedEarly(t *testing.T) {
	broker := newTestBroker(t)
	ctx := context.Background()

	job := NewJob("default", "repo_group_sync", nil)
	require.NoError(t, broker.EnqueueAt(ctx, job, time.Now().Add(time.Hour)))

	moved, err := broker.moveDueScheduledJobs(ctx, "default")
	require.NoError(t, err)
	assert.Zero(t, moved)
}

func TestWorkerRunsJob(t *testing.T) {
	broker := newTestBroker(t)
	ctx := context.Background()

	var ran atomic.Bool
	worker := NewWorker(broker, []string{"default"})
	worker.Register("noop", func(_ context.Context, _ *Job) error {
		ran.Store(true)
		return nil
	})
	worker.Start()
	defer worker.Stop()

	job := NewJob("default", "noop", nil)
	require.NoError(t, broker.Enqueue(ctx, job))

	require.Eventually(t, func() bool {
		got, err := broker.GetJob(ctx, job.ID)
		return err == nil && got.Status == JobStatusFinished
	}, 5*time.Second, 50*time.Millisecond)
	assert.True(t, ran.Load())
}

func TestWorkerRecordsFailureAndRunsHook(t *testing.T) {
	broker := newTestBroker(t)
	ctx := context.Background()

	var hookErr atomic.Value
	worker := NewWorker(broker, []string{"default"})
	worker.Register("boom", func(_ context.Context, _ *Job) error {
		return errors.New("sync exploded")
	})
	worker.OnFailure(func(_ *Job, jobErr error) {
		hookErr.Store(jobErr.Error())
	})
	worker.Start()
	defer worker.Stop()

	job := NewJob("default", "boom", nil)
	require.NoError(t, broker.Enqueue(ctx, job))

	require.Eventually(t, func() bool {
		got, err := broker.GetJob(ctx, job.ID)
		return err == nil && got.Status == JobStatusFailed
	}, 5*time.Second, 50*time.Millisecond)

	got, err := broker.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Error, "sync exploded")
	assert.Equal(t, "sync exploded", hookErr.Load())
}

func TestWorkerUnknownFunctionFails(t *testing.T) {
	broker := newTestBroker(t)
	ctx := context.Background()

	worker := NewWorker(broker, []string{"default"})
	worker.Start()
	defer worker.Stop()

	job := NewJob("default", "missing", nil)
	require.NoError(t, broker.Enqueue(ctx, job))

	require.Eventually(t, func() bool {
		got, err := broker.GetJob(ctx, job.ID)
		return err == nil && got.Status == JobStatusFailed
	}, 5*time.Second, 50*time.Millisecond)
}

func TestWorkerRecoversFromPanic(t *testing.T) {
	broker := newTestBroker(t)
	ctx := context.Background()

	worker := NewWorker(broker, []string{"default"})
	worker.Register("panic", func(_ context.Context, _ *Job) error {
		panic("oh no")
	})
	worker.Start()
	defer worker.Stop()

	job := NewJob("default", "panic", nil)
	require.NoError(t, broker.Enqueue(ctx, job))

	require.Eventually(t, func() bool {
		got, err := broker.GetJob(ctx, job.ID)
		return err == nil && got.Status == JobStatusFailed
	}, 5*time.Second, 50*time.Millisecond)

	got, err := broker.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Error, "job panicked")
}

func TestRegisterScheduleRejectsBadCron(t *testing.T) {
	broker := newTestBroker(t)
	err := broker.RegisterSchedule(context.Background(), &Schedule{
		ID:       "pulp1:bad",
		CronExpr: "not a cron",
		Function: "repo_group_sync",
	})
	assert.Error(t, err)
}

func TestCancelSchedulesByPrefix(t *testing.T) {
	broker := newTestBroker(t)
	ctx := context.Background()

	for _, id := range []string{"pulp1:el7", "pulp1:el8", "pulp2:el7"} {
		require.NoError(t, broker.RegisterSchedule(ctx, &Schedule{
			ID:       id,
			CronExpr: "0 2 * * *",
			Function: "repo_group_sync",
		}))
	}

	removed, err := broker.CancelSchedulesByPrefix(ctx, "pulp1:")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	schedules, err := broker.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, "pulp2:el7", schedules[0].ID)
}

func TestDueSchedulesAdvanceNextRun(t *testing.T) {
	broker := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, broker.RegisterSchedule(ctx, &Schedule{
		ID:       "pulp1:el7",
		CronExpr: "* * * * *",
		Function: "repo_group_sync",
	}))

	// nothing due yet, next run is in the future
	due, err := broker.dueSchedules(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, due)

	// jump past the next run
	due, err = broker.dueSchedules(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "pulp1:el7", due[0].ID)
}
