package taskmanager

import (
	"context"
	"fmt"

	"github.com/G-Research/Pulp-manager/pkg/config"
	"github.com/G-Research/Pulp-manager/pkg/log"
	"github.com/G-Research/Pulp-manager/pkg/queue"
	"github.com/G-Research/Pulp-manager/pkg/storage"
	"github.com/G-Research/Pulp-manager/pkg/types"
)

// Worker function names. Handlers under these names are registered by the
// worker process.
const (
	FuncRepoGroupSync          = "repo_group_sync"
	FuncRepoSnapshot           = "repo_snapshot"
	FuncRepoRemoval            = "repo_removal"
	FuncRemoveRepoContent      = "remove_repo_content"
	FuncRepoConfigRegistration = "repo_config_registration"
	FuncPulpServerReconcile    = "pulp_server_reconcile"
)

// Job type labels carried in job metadata for the inspector.
const (
	JobTypeAdhocRepoSync          = "ADHOC_REPO_SYNC"
	JobTypeRepoGroupSyncScheduled = "REPO_GROUP_SYNC_SCHEDULED"
	JobTypeRepoRegistrationMeta   = "REPO_REGISTRATION_META"
)

// JobManager ties tasks to queue jobs: every queued task has a job, and
// every job knows its task.
type JobManager struct {
	store  storage.Store
	broker *queue.Broker
	tasks  *Service
	cfg    *config.Config
}

// NewJobManager creates a job manager.
func NewJobManager(store storage.Store, broker *queue.Broker, cfg *config.Config) *JobManager {
	return &JobManager{
		store:  store,
		broker: broker,
		tasks:  NewService(store),
		cfg:    cfg,
	}
}

// Tasks exposes the underlying task service.
func (m *JobManager) Tasks() *Service {
	return m.tasks
}

// queueTask creates the task row first and then the queue job carrying the
// task ID, so a queued task always has a job behind it. If enqueueing
// fails the task is marked failed_to_start.
func (m *JobManager) queueTask(ctx context.Context, name string, taskType types.TaskType,
	function, jobType string, args map[string]interface{}, timeoutSec int) (*types.Task, error) {

	task, err := m.tasks.CreateTask(name, taskType, nil, args)
	if err != nil {
		return nil, err
	}

	job := queue.NewJob(queue.DefaultQueue, function, map[string]interface{}{
		"task_id": task.ID,
	})
	job.TaskID = task.ID
	job.JobType = jobType
	job.Description = name
	job.TimeoutSec = timeoutSec
	if m.cfg != nil && m.cfg.Worker.ResultTTLSec > 0 {
		job.ResultTTLSec = m.cfg.Worker.ResultTTLSec
	}

	if err := m.broker.Enqueue(ctx, job); err != nil {
		if _, failErr := m.tasks.FailTaskToStart(task.ID, map[string]interface{}{
			"msg": fmt.Sprintf("failed to enqueue job: %v", err),
		}); failErr != nil {
			log.WithTaskID(task.ID).Error().Err(failErr).Msg("failed to record enqueue failure")
		}
		return nil, err
	}

	task, err = m.tasks.SetWorkerJob(task.ID, job.ID)
	if err != nil {
		return nil, err
	}
	return task, nil
}

// QueueRepoGroupSync queues a sync of a repo group on a pulp server.
// sourceServerName names the backend whose repos are registered on the
// target before syncing; when empty it falls back to the pulp master
// recorded on the group registration, if any.
func (m *JobManager) QueueRepoGroupSync(ctx context.Context, serverName, groupName,
	sourceServerName, jobType string) (*types.Task, error) {

	server, err := m.store.GetPulpServerByName(serverName)
	if err != nil {
		return nil, fmt.Errorf("pulp server %s: %w", serverName, err)
	}
	group, err := m.store.GetRepoGroupByName(groupName)
	if err != nil {
		return nil, fmt.Errorf("repo group %s: %w", groupName, err)
	}
	serverGroup, err := m.store.GetPulpServerRepoGroupByPair(server.ID, group.ID)
	if err != nil {
		return nil, fmt.Errorf("repo group %s is not registered on %s: %w", groupName, serverName, err)
	}

	if sourceServerName == "" && serverGroup.PulpMasterID != nil {
		master, err := m.store.GetPulpServer(*serverGroup.PulpMasterID)
		if err != nil {
			return nil, fmt.Errorf("pulp master of %s on %s: %w", groupName, serverName, err)
		}
		sourceServerName = master.Name
	}

	if jobType == "" {
		jobType = JobTypeAdhocRepoSync
	}

	args := map[string]interface{}{
		"pulp_server_id": server.ID,
		"repo_group_id":  group.ID,
	}
	if sourceServerName != "" {
		args["source_pulp_server_name"] = sourceServerName
	}

	return m.queueTask(ctx,
		fmt.Sprintf("%s repo group sync %s", serverName, groupName),
		types.TaskTypeRepoGroupSync,
		FuncRepoGroupSync, jobType,
		args,
		serverGroup.MaxRuntime,
	)
}

// QueueRepoSnapshot queues a snapshot of matching repos on a pulp server.
// allowReuse tolerates an already-used prefix so snapshots land on the
// existing destination repos.
func (m *JobManager) QueueRepoSnapshot(ctx context.Context, serverName, prefix, regexInclude, regexExclude string,
	allowReuse bool) (*types.Task, error) {

	server, err := m.store.GetPulpServerByName(serverName)
	if err != nil {
		return nil, fmt.Errorf("pulp server %s: %w", serverName, err)
	}
	if !server.SnapshotSupported {
		return nil, fmt.Errorf("pulp server %s does not support snapshots", serverName)
	}

	return m.queueTask(ctx,
		fmt.Sprintf("%s repo snapshot %s", serverName, prefix),
		types.TaskTypeRepoSnapshot,
		FuncRepoSnapshot, JobTypeAdhocRepoSync,
		map[string]interface{}{
			"pulp_server_id":       server.ID,
			"prefix":               prefix,
			"regex_include":        regexInclude,
			"regex_exclude":        regexExclude,
			"allow_snapshot_reuse": allowReuse,
		},
		0,
	)
}

// QueueRepoRemoval queues removal of repos matching the regexes. Dry runs
// report what would be removed without touching the backend.
func (m *JobManager) QueueRepoRemoval(ctx context.Context, serverName, regexInclude, regexExclude string, dryRun bool) (*types.Task, error) {
	if regexInclude == "" && regexExclude == "" {
		return nil, fmt.Errorf("at least one of regex_include or regex_exclude is required")
	}

	server, err := m.store.GetPulpServerByName(serverName)
	if err != nil {
		return nil, fmt.Errorf("pulp server %s: %w", serverName, err)
	}

	return m.queueTask(ctx,
		fmt.Sprintf("%s repo removal", serverName),
		types.TaskTypeRepoRemoval,
		FuncRepoRemoval, JobTypeAdhocRepoSync,
		map[string]interface{}{
			"pulp_server_id": server.ID,
			"regex_include":  regexInclude,
			"regex_exclude":  regexExclude,
			"dry_run":        dryRun,
		},
		0,
	)
}

// QueueRemoveRepoContent queues removal of specific content units from a
// repo.
func (m *JobManager) QueueRemoveRepoContent(ctx context.Context, serverName, repoName string,
	contentHrefs []string, forcePublish bool) (*types.Task, error) {

	server, err := m.store.GetPulpServerByName(serverName)
	if err != nil {
		return nil, fmt.Errorf("pulp server %s: %w", serverName, err)
	}
	repo, err := m.store.GetRepoByName(repoName)
	if err != nil {
		return nil, fmt.Errorf("repo %s: %w", repoName, err)
	}
	serverRepo, err := m.store.GetPulpServerRepoByPair(server.ID, repo.ID)
	if err != nil {
		return nil, fmt.Errorf("repo %s is not on %s: %w", repoName, serverName, err)
	}

	hrefs := make([]interface{}, len(contentHrefs))
	for i, href := range contentHrefs {
		hrefs[i] = href
	}

	return m.queueTask(ctx,
		fmt.Sprintf("%s remove repo content %s", serverName, repoName),
		types.TaskTypeRemoveRepoContent,
		FuncRemoveRepoContent, JobTypeAdhocRepoSync,
		map[string]interface{}{
			"pulp_server_id":      server.ID,
			"pulp_server_repo_id": serverRepo.ID,
			"content_hrefs":       hrefs,
			"force_publish":       forcePublish,
		},
		0,
	)
}

// QueueRepoConfigRegistration queues a run of the declarative config
// reconciler.
func (m *JobManager) QueueRepoConfigRegistration(ctx context.Context) (*types.Task, error) {
	return m.queueTask(ctx,
		"repo config registration",
		types.TaskTypeRepoConfigRegistration,
		FuncRepoConfigRegistration, JobTypeRepoRegistrationMeta,
		map[string]interface{}{},
		0,
	)
}

// QueuePulpServerReconcile queues an inventory reconcile of one backend.
func (m *JobManager) QueuePulpServerReconcile(ctx context.Context, serverName string) (*types.Task, error) {
	server, err := m.store.GetPulpServerByName(serverName)
	if err != nil {
		return nil, fmt.Errorf("pulp server %s: %w", serverName, err)
	}

	return m.queueTask(ctx,
		fmt.Sprintf("%s reconcile", serverName),
		types.TaskTypePulpServerReconcile,
		FuncPulpServerReconcile, JobTypeRepoRegistrationMeta,
		map[string]interface{}{"pulp_server_id": server.ID},
		0,
	)
}

// ChangeTaskState moves a task to the requested state on behalf of the
// API. Only cancellation is supported: the queue job is canceled (or sent
// a stop command if started) before the task is marked.
func (m *JobManager) ChangeTaskState(ctx context.Context, taskID uint64, stateName string) (*types.Task, error) {
	state, err := types.ParseTaskState(stateName)
	if err != nil {
		return nil, err
	}
	if state != types.TaskStateCanceled {
		return nil, fmt.Errorf("only transitions to canceled are supported, got %s", stateName)
	}

	task, err := m.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task.State.Terminal() {
		return nil, &ErrInvalidStateTransition{TaskID: taskID, From: task.State, To: state}
	}

	if task.WorkerJobID != "" {
		if err := m.broker.CancelJob(ctx, task.WorkerJobID); err != nil && err != queue.ErrJobNotFound {
			return nil, fmt.Errorf("failed to cancel job %s: %w", task.WorkerJobID, err)
		}
	}

	return m.tasks.CancelTask(taskID)
}

// HandleJobFailure marks the tracked task failed after its job failed.
// Wired as the worker's failure hook so worker crashes and handler errors
// both surface on the task. A task the worker never started becomes
// failed_to_start rather than failed.
func (m *JobManager) HandleJobFailure(job *queue.Job, jobErr error) {
	if job.TaskID == 0 {
		return
	}

	task, err := m.store.GetTask(job.TaskID)
	if err != nil {
		log.WithJobID(job.ID).Error().Err(err).Msg("failed to load task for failed job")
		return
	}
	if task.State.Terminal() {
		return
	}

	detail := map[string]interface{}{"msg": jobErr.Error()}
	if task.State == types.TaskStateQueued {
		if _, err := m.tasks.FailTaskToStart(job.TaskID, detail); err != nil {
			log.WithTaskID(job.TaskID).Error().Err(err).Msg("failed to mark task failed to start")
		}
		return
	}

	if _, err := m.tasks.FailTask(job.TaskID, detail); err != nil {
		log.WithTaskID(job.TaskID).Error().Err(err).Msg("failed to mark task failed")
	}
}

// SetupSchedules registers cron schedules for a server's repo groups,
// canceling any previously registered schedule for the server first.
func (m *JobManager) SetupSchedules(ctx context.Context, serverName string) error {
	server, err := m.store.GetPulpServerByName(serverName)
	if err != nil {
		return err
	}

	if _, err := m.broker.CancelSchedulesByPrefix(ctx, serverName+":"); err != nil {
		return err
	}

	groups, err := m.store.ListPulpServerRepoGroups(server.ID)
	if err != nil {
		return err
	}

	for _, serverGroup := range groups {
		if serverGroup.Schedule == "" {
			continue
		}
		group, err := m.store.GetRepoGroup(serverGroup.RepoGroupID)
		if err != nil {
			return err
		}

		args := map[string]interface{}{
			"pulp_server_name": serverName,
			"repo_group_name":  group.Name,
		}
		if serverGroup.PulpMasterID != nil {
			master, err := m.store.GetPulpServer(*serverGroup.PulpMasterID)
			if err != nil {
				return fmt.Errorf("pulp master of %s on %s: %w", group.Name, serverName, err)
			}
			args["source_pulp_server_name"] = master.Name
		}

		schedule := &queue.Schedule{
			ID:          fmt.Sprintf("%s:%s", serverName, group.Name),
			CronExpr:    serverGroup.Schedule,
			Queue:       queue.DefaultQueue,
			Function:    FuncRepoGroupSync,
			Args:        args,
			JobType:     JobTypeRepoGroupSyncScheduled,
			Description: fmt.Sprintf("%s repo group sync %s", serverName, group.Name),
			TimeoutSec:  serverGroup.MaxRuntime,
		}
		if err := m.broker.RegisterSchedule(ctx, schedule); err != nil {
			return err
		}
	}

	if server.RepoConfigRegistrationSchedule != "" {
		schedule := &queue.Schedule{
			ID:       fmt.Sprintf("%s:repo_config_registration", serverName),
			CronExpr: server.RepoConfigRegistrationSchedule,
			Queue:    queue.DefaultQueue,
			Function: FuncRepoConfigRegistration,
			Args: map[string]interface{}{
				"regex_include": server.RepoConfigRegistrationRegexInclude,
				"regex_exclude": server.RepoConfigRegistrationRegexExclude,
			},
			JobType:     JobTypeRepoRegistrationMeta,
			Description: fmt.Sprintf("%s repo config registration", serverName),
			TimeoutSec:  server.RepoConfigRegistrationMaxRuntime,
		}
		if err := m.broker.RegisterSchedule(ctx, schedule); err != nil {
			return err
		}
	}
	return nil
}

// FireSchedule is the scheduler's callback: it turns a due schedule into
// a tracked task plus queue job, exactly like an ad-hoc request.
func (m *JobManager) FireSchedule(ctx context.Context, schedule *queue.Schedule) error {
	switch schedule.Function {
	case FuncRepoGroupSync:
		serverName, _ := schedule.Args["pulp_server_name"].(string)
		groupName, _ := schedule.Args["repo_group_name"].(string)
		sourceName, _ := schedule.Args["source_pulp_server_name"].(string)
		_, err := m.QueueRepoGroupSync(ctx, serverName, groupName, sourceName, JobTypeRepoGroupSyncScheduled)
		return err
	case FuncRepoConfigRegistration:
		_, err := m.QueueRepoConfigRegistration(ctx)
		return err
	default:
		return fmt.Errorf("schedule %s has unsupported function %s", schedule.ID, schedule.Function)
	}
}
