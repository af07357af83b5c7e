package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/Pulp-manager/pkg/types"
)

func taskFixture(id uint64, name string, state types.TaskState, queued time.Time) *types.Task {
	return &types.Task{
		ID:         id,
		Name:       name,
		TaskType:   types.TaskTypeRepoSync,
		State:      state,
		DateQueued: &queued,
	}
}

func TestSplitFilterKey(t *testing.T) {
	tests := []struct {
		key   string
		field string
		op    string
	}{
		{"name", "name", "eq"},
		{"name__match", "name", "match"},
		{"date_queued__ge", "date_queued", "ge"},
		{"task_type", "task_type", "eq"},
		{"parent_task_id", "parent_task_id", "eq"},
		{"state__in", "state", "in"},
		{"repo_sync_health_rollup_date__le", "repo_sync_health_rollup_date", "le"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			field, op := splitFilterKey(tt.key)
			assert.Equal(t, tt.field, field)
			assert.Equal(t, tt.op, op)
		})
	}
}

func TestApplyQueryEquality(t *testing.T) {
	now := time.Now().UTC()
	tasks := []*types.Task{
		taskFixture(1, "sync a", types.TaskStateCompleted, now),
		taskFixture(2, "sync b", types.TaskStateFailed, now),
	}

	got, err := applyQuery(tasks, Query{Filters: map[string]interface{}{"state": "failed"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(2), got[0].ID)
}

func TestApplyQueryUnknownFieldErrors(t *testing.T) {
	tasks := []*types.Task{taskFixture(1, "sync a", types.TaskStateQueued, time.Now())}

	_, err := applyQuery(tasks, Query{Filters: map[string]interface{}{"nonsense": "x"}})
	assert.Error(t, err)
}

func TestApplyQueryMatch(t *testing.T) {
	now := time.Now().UTC()
	tasks := []*types.Task{
		taskFixture(1, "pulp1 repo sync centos7-x86_64", types.TaskStateCompleted, now),
		taskFixture(2, "pulp1 repo sync ubuntu-jammy", types.TaskStateCompleted, now),
	}

	got, err := applyQuery(tasks, Query{Filters: map[string]interface{}{"name__match": "CENTOS"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[0].ID)
}

func TestApplyQueryDateComparison(t *testing.T) {
	early := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	tasks := []*types.Task{
		taskFixture(1, "a", types.TaskStateCompleted, early),
		taskFixture(2, "b", types.TaskStateCompleted, late),
	}

	got, err := applyQuery(tasks, Query{Filters: map[string]interface{}{
		"date_queued__ge": "2024-03-01T00:00:00Z",
	}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(2), got[0].ID)
}

func TestApplyQuerySortDescending(t *testing.T) {
	now := time.Now().UTC()
	tasks := []*types.Task{
		taskFixture(1, "a", types.TaskStateCompleted, now),
		taskFixture(3, "c", types.TaskStateCompleted, now),
		taskFixture(2, "b", types.TaskStateCompleted, now),
	}

	got, err := applyQuery(tasks, Query{SortBy: "id", OrderBy: "desc"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(3), got[0].ID)
	assert.Equal(t, uint64(1), got[2].ID)
}

func TestApplyQueryIn(t *testing.T) {
	now := time.Now().UTC()
	tasks := []*types.Task{
		taskFixture(1, "a", types.TaskStateCompleted, now),
		taskFixture(2, "b", types.TaskStateFailed, now),
		taskFixture(3, "c", types.TaskStateRunning, now),
	}

	got, err := applyQuery(tasks, Query{Filters: map[string]interface{}{
		"state__in": "completed,failed",
	}})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestPaginate(t *testing.T) {
	now := time.Now().UTC()
	var tasks []*types.Task
	for i := uint64(1); i <= 10; i++ {
		tasks = append(tasks, taskFixture(i, "t", types.TaskStateCompleted, now))
	}

	page := paginate(tasks, 2, 4)
	assert.Equal(t, 2, page.Page)
	assert.Equal(t, 10, page.Total)
	require.Len(t, page.Items, 4)
	assert.Equal(t, uint64(5), page.Items[0].ID)

	// page below 1 clamps to 1
	page = paginate(tasks, 0, 4)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, uint64(1), page.Items[0].ID)

	// past the end returns an empty page with the right total
	page = paginate(tasks, 5, 4)
	assert.Empty(t, page.Items)
	assert.Equal(t, 10, page.Total)
}
