package types

import (
	"encoding/json"
	"fmt"
)

// TaskState is the lifecycle state of a tracked task or stage.
// Completed, failed, canceled, skipped and failed_to_start are terminal.
type TaskState int

const (
	TaskStateQueued TaskState = iota + 1
	TaskStateRunning
	TaskStateCompleted
	TaskStateFailed
	TaskStateCanceled
	TaskStateFailedToStart
	TaskStateSkipped
)

var taskStateNames = map[TaskState]string{
	TaskStateQueued:        "queued",
	TaskStateRunning:       "running",
	TaskStateCompleted:     "completed",
	TaskStateFailed:        "failed",
	TaskStateCanceled:      "canceled",
	TaskStateFailedToStart: "failed_to_start",
	TaskStateSkipped:       "skipped",
}

func (s TaskState) String() string {
	if name, ok := taskStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// Terminal reports whether no further transitions are allowed out of s.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCanceled, TaskStateFailedToStart, TaskStateSkipped:
		return true
	}
	return false
}

// ParseTaskState converts a state name into a TaskState.
func ParseTaskState(name string) (TaskState, error) {
	for state, stateName := range taskStateNames {
		if stateName == name {
			return state, nil
		}
	}
	return 0, fmt.Errorf("unknown task state %q", name)
}

// TaskStateNames returns the supported state names in value order.
func TaskStateNames() []string {
	names := make([]string, 0, len(taskStateNames))
	for s := TaskStateQueued; s <= TaskStateSkipped; s++ {
		names = append(names, taskStateNames[s])
	}
	return names
}

func (s TaskState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *TaskState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	state, err := ParseTaskState(name)
	if err != nil {
		return err
	}
	*s = state
	return nil
}

// TaskType identifies the workflow a task runs.
type TaskType int

const (
	TaskTypeRepoSync TaskType = iota + 1
	TaskTypeRepoGroupSync
	TaskTypeRepoSnapshot
	TaskTypeRepoCreationFromGit
	TaskTypeRepoRemoval
	TaskTypeRemoveRepoContent
	TaskTypeRepoConfigRegistration
	TaskTypePulpServerReconcile
)

var taskTypeNames = map[TaskType]string{
	TaskTypeRepoSync:               "repo_sync",
	TaskTypeRepoGroupSync:          "repo_group_sync",
	TaskTypeRepoSnapshot:           "repo_snapshot",
	TaskTypeRepoCreationFromGit:    "repo_creation_from_git",
	TaskTypeRepoRemoval:            "repo_removal",
	TaskTypeRemoveRepoContent:      "remove_repo_content",
	TaskTypeRepoConfigRegistration: "repo_config_registration",
	TaskTypePulpServerReconcile:    "pulp_server_reconcile",
}

func (t TaskType) String() string {
	if name, ok := taskTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

// ParseTaskType converts a task type name into a TaskType.
func ParseTaskType(name string) (TaskType, error) {
	for taskType, typeName := range taskTypeNames {
		if typeName == name {
			return taskType, nil
		}
	}
	return 0, fmt.Errorf("unknown task type %q", name)
}

// TaskTypeNames returns the supported task type names in value order.
func TaskTypeNames() []string {
	names := make([]string, 0, len(taskTypeNames))
	for t := TaskTypeRepoSync; t <= TaskTypePulpServerReconcile; t++ {
		names = append(names, taskTypeNames[t])
	}
	return names
}

func (t TaskType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TaskType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	taskType, err := ParseTaskType(name)
	if err != nil {
		return err
	}
	*t = taskType
	return nil
}

// RepoHealthStatus grades the sync health of a repo or a whole server.
// Higher values are worse, which makes rollup a max over repos.
type RepoHealthStatus int

const (
	RepoHealthGreen RepoHealthStatus = iota + 1
	RepoHealthAmber
	RepoHealthRed
)

var repoHealthNames = map[RepoHealthStatus]string{
	RepoHealthGreen: "green",
	RepoHealthAmber: "amber",
	RepoHealthRed:   "red",
}

func (h RepoHealthStatus) String() string {
	if name, ok := repoHealthNames[h]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(h))
}

// ParseRepoHealthStatus converts a health name into a RepoHealthStatus.
func ParseRepoHealthStatus(name string) (RepoHealthStatus, error) {
	for status, statusName := range repoHealthNames {
		if statusName == name {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown repo health status %q", name)
}

// RepoHealthStatusNames returns the supported health names in value order.
func RepoHealthStatusNames() []string {
	names := make([]string, 0, len(repoHealthNames))
	for h := RepoHealthGreen; h <= RepoHealthRed; h++ {
		names = append(names, repoHealthNames[h])
	}
	return names
}

func (h RepoHealthStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

func (h *RepoHealthStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	status, err := ParseRepoHealthStatus(name)
	if err != nil {
		return err
	}
	*h = status
	return nil
}
