package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskStateTerminal(t *testing.T) {
	tests := []struct {
		state    TaskState
		terminal bool
	}{
		{TaskStateQueued, false},
		{TaskStateRunning, false},
		{TaskStateCompleted, true},
		{TaskStateFailed, true},
		{TaskStateCanceled, true},
		{TaskStateFailedToStart, true},
		{TaskStateSkipped, false},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.state.Terminal())
		})
	}
}

func TestTaskStateJSONRoundTrip(t *testing.T) {
	data, err := json.Marshal(TaskStateFailedToStart)
	require.NoError(t, err)
	assert.Equal(t, `"failed_to_start"`, string(data))

	var state TaskState
	require.NoError(t, json.Unmarshal(data, &state))
	assert.Equal(t, TaskStateFailedToStart, state)
}

func TestParseTaskStateUnknown(t *testing.T) {
	_, err := ParseTaskState("sleeping")
	assert.Error(t, err)
}

func TestTaskTypeNamesOrdered(t *testing.T) {
	names := TaskTypeNames()
	require.Len(t, names, 8)
	assert.Equal(t, "repo_sync", names[0])
	assert.Equal(t, "repo_group_sync", names[1])
	assert.Equal(t, "repo_removal", names[4])
	assert.Equal(t, "remove_repo_content", names[5])
}

func TestRepoHealthSeverityOrdering(t *testing.T) {
	assert.True(t, RepoHealthRed > RepoHealthAmber)
	assert.True(t, RepoHealthAmber > RepoHealthGreen)
}

func TestRepoHealthJSON(t *testing.T) {
	data, err := json.Marshal(RepoHealthAmber)
	require.NoError(t, err)
	assert.Equal(t, `"amber"`, string(data))

	var h RepoHealthStatus
	require.NoError(t, json.Unmarshal([]byte(`"red"`), &h))
	assert.Equal(t, RepoHealthRed, h)
}
