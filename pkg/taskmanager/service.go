package taskmanager

import (
	"fmt"
	"time"

	"github.com/G-Research/Pulp-manager/pkg/storage"
	"github.com/G-Research/Pulp-manager/pkg/types"
)

// ErrInvalidStateTransition is returned when a task is asked to move to a
// state its current state does not allow.
type ErrInvalidStateTransition struct {
	TaskID uint64
	From   types.TaskState
	To     types.TaskState
}

func (e *ErrInvalidStateTransition) Error() string {
	return fmt.Sprintf("task %d cannot move from %s to %s", e.TaskID, e.From, e.To)
}

// allowedTransitions is the task state machine. Terminal states have no
// entries so they absorb. A queued task that never reaches a worker can
// only become canceled, skipped or failed_to_start; failed is reserved
// for tasks that actually ran.
var allowedTransitions = map[types.TaskState][]types.TaskState{
	types.TaskStateQueued: {
		types.TaskStateRunning,
		types.TaskStateCanceled,
		types.TaskStateSkipped,
		types.TaskStateFailedToStart,
	},
	types.TaskStateRunning: {
		types.TaskStateCompleted,
		types.TaskStateFailed,
		types.TaskStateCanceled,
	},
}

func transitionAllowed(from, to types.TaskState) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Service owns task and stage bookkeeping. Every transition is persisted
// before the caller carries out the side effects it describes.
type Service struct {
	store storage.Store
}

// NewService creates a task service over the store.
func NewService(store storage.Store) *Service {
	return &Service{store: store}
}

// CreateTask persists a new task in the queued state.
func (s *Service) CreateTask(name string, taskType types.TaskType, parentID *uint64,
	args map[string]interface{}) (*types.Task, error) {

	now := time.Now().UTC()
	task := &types.Task{
		Name:         name,
		TaskType:     taskType,
		State:        types.TaskStateQueued,
		ParentTaskID: parentID,
		TaskArgs:     args,
		DateQueued:   &now,
	}
	if err := s.store.CreateTask(task); err != nil {
		return nil, err
	}
	return task, nil
}

// GetTask returns the task with the given ID.
func (s *Service) GetTask(id uint64) (*types.Task, error) {
	return s.store.GetTask(id)
}

// SetWorkerJob records which queue job will execute the task.
func (s *Service) SetWorkerJob(id uint64, jobID string) (*types.Task, error) {
	task, err := s.store.GetTask(id)
	if err != nil {
		return nil, err
	}
	task.WorkerJobID = jobID
	if err := s.store.UpdateTask(task); err != nil {
		return nil, err
	}
	return task, nil
}

func (s *Service) transition(id uint64, to types.TaskState, mutate func(*types.Task)) (*types.Task, error) {
	task, err := s.store.GetTask(id)
	if err != nil {
		return nil, err
	}
	if !transitionAllowed(task.State, to) {
		return nil, &ErrInvalidStateTransition{TaskID: id, From: task.State, To: to}
	}

	task.State = to
	if mutate != nil {
		mutate(task)
	}
	if err := s.store.UpdateTask(task); err != nil {
		return nil, err
	}
	return task, nil
}

// StartTask moves the task to running and records the worker.
func (s *Service) StartTask(id uint64, workerName string) (*types.Task, error) {
	return s.transition(id, types.TaskStateRunning, func(task *types.Task) {
		now := time.Now().UTC()
		task.DateStarted = &now
		task.WorkerName = workerName
	})
}

// CompleteTask moves the task to completed.
func (s *Service) CompleteTask(id uint64) (*types.Task, error) {
	return s.transition(id, types.TaskStateCompleted, stampFinished)
}

// FailTask moves the task to failed with the given error detail.
func (s *Service) FailTask(id uint64, detail map[string]interface{}) (*types.Task, error) {
	return s.transition(id, types.TaskStateFailed, func(task *types.Task) {
		stampFinished(task)
		task.Error = detail
	})
}

// CancelTask moves the task to canceled.
func (s *Service) CancelTask(id uint64) (*types.Task, error) {
	return s.transition(id, types.TaskStateCanceled, stampFinished)
}

// SkipTask marks a queued task that will never run, recording why.
func (s *Service) SkipTask(id uint64, detail map[string]interface{}) (*types.Task, error) {
	return s.transition(id, types.TaskStateSkipped, func(task *types.Task) {
		stampFinished(task)
		task.Error = detail
	})
}

// FailTaskToStart marks a queued task that never reached a worker.
func (s *Service) FailTaskToStart(id uint64, detail map[string]interface{}) (*types.Task, error) {
	return s.transition(id, types.TaskStateFailedToStart, func(task *types.Task) {
		stampFinished(task)
		task.Error = detail
	})
}

func stampFinished(task *types.Task) {
	now := time.Now().UTC()
	task.DateFinished = &now
}

// AddStage creates a running stage on the task.
func (s *Service) AddStage(taskID uint64, name string) (*types.TaskStage, error) {
	stage := &types.TaskStage{
		TaskID: taskID,
		Name:   name,
		State:  types.TaskStateRunning,
	}
	if err := s.store.CreateTaskStage(stage); err != nil {
		return nil, err
	}
	return stage, nil
}

// UpdateStageDetail replaces a stage's detail map.
func (s *Service) UpdateStageDetail(stage *types.TaskStage, detail map[string]interface{}) error {
	stage.Detail = detail
	return s.store.UpdateTaskStage(stage)
}

// CompleteStage marks the stage completed, optionally with detail.
func (s *Service) CompleteStage(stage *types.TaskStage, detail map[string]interface{}) error {
	stage.State = types.TaskStateCompleted
	if detail != nil {
		stage.Detail = detail
	}
	return s.store.UpdateTaskStage(stage)
}

// FailStage marks the stage failed with error detail.
func (s *Service) FailStage(stage *types.TaskStage, errDetail map[string]interface{}) error {
	stage.State = types.TaskStateFailed
	stage.Error = errDetail
	return s.store.UpdateTaskStage(stage)
}

// SkipStage marks the stage skipped with a reason in detail.
func (s *Service) SkipStage(stage *types.TaskStage, detail map[string]interface{}) error {
	stage.State = types.TaskStateSkipped
	if detail != nil {
		stage.Detail = detail
	}
	return s.store.UpdateTaskStage(stage)
}

// ListStages returns the stages of a task.
func (s *Service) ListStages(taskID uint64) ([]*types.TaskStage, error) {
	return s.store.ListTaskStages(taskID)
}

// LinkRepo associates a task with a pulp server repo it operated on.
func (s *Service) LinkRepo(taskID, pulpServerRepoID uint64) error {
	return s.store.CreatePulpServerRepoTask(&types.PulpServerRepoTask{
		TaskID:           taskID,
		PulpServerRepoID: pulpServerRepoID,
	})
}

// RecentTasksForRepo returns up to limit tasks linked to the repo, newest
// first, used for health grading.
func (s *Service) RecentTasksForRepo(pulpServerRepoID uint64, limit int) ([]*types.Task, error) {
	links, err := s.store.ListPulpServerRepoTasksByRepo(pulpServerRepoID)
	if err != nil {
		return nil, err
	}

	tasks := make([]*types.Task, 0, len(links))
	for _, link := range links {
		task, err := s.store.GetTask(link.TaskID)
		if err != nil {
			if err == storage.ErrNotFound {
				continue
			}
			return nil, err
		}
		tasks = append(tasks, task)
	}

	// links are created in ID order, newest last
	for i, j := 0, len(tasks)-1; i < j; i, j = i+1, j-1 {
		tasks[i], tasks[j] = tasks[j], tasks[i]
	}
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}
