package worker

import (
	"context"

	"github.com/G-Research/Pulp-manager/pkg/config"
	"github.com/G-Research/Pulp-manager/pkg/queue"
	"github.com/G-Research/Pulp-manager/pkg/reconciler"
	"github.com/G-Research/Pulp-manager/pkg/remover"
	"github.com/G-Research/Pulp-manager/pkg/repoconfig"
	"github.com/G-Research/Pulp-manager/pkg/snapshot"
	"github.com/G-Research/Pulp-manager/pkg/storage"
	"github.com/G-Research/Pulp-manager/pkg/syncher"
	"github.com/G-Research/Pulp-manager/pkg/taskmanager"
	"github.com/G-Research/Pulp-manager/pkg/types"
)

// Runner is a worker process with every workflow handler registered.
// Each handler brackets its workflow run with the tracked task's
// lifecycle: start on pickup, complete on success. Failures propagate to
// the queue, whose failure hook marks the task failed.
type Runner struct {
	worker *queue.Worker
	tasks  *taskmanager.Service
}

// runFunc is the shape every workflow package exposes.
type runFunc func(ctx context.Context, task *types.Task) error

// New builds a worker consuming the configured queues with all workflow
// handlers wired.
func New(store storage.Store, broker *queue.Broker, jobs *taskmanager.JobManager, cfg *config.Config) *Runner {
	w := queue.NewWorker(broker, cfg.Worker.Queues)
	w.OnFailure(jobs.HandleJobFailure)

	r := &Runner{worker: w, tasks: jobs.Tasks()}

	sync := syncher.New(store, cfg.Pulp, w.Name())
	snap := snapshot.New(store, cfg.Pulp, w.Name())
	remove := remover.New(store, cfg.Pulp, w.Name())
	reconcile := reconciler.New(store, cfg.Pulp)
	registrar := repoconfig.NewRegistrar(store, jobs, cfg.Pulp.SyncConfigPath)

	w.Register(taskmanager.FuncRepoGroupSync, r.handler(sync.Run))
	w.Register(taskmanager.FuncRepoSnapshot, r.handler(snap.Run))
	w.Register(taskmanager.FuncRepoRemoval, r.handler(remove.RunRepoRemoval))
	w.Register(taskmanager.FuncRemoveRepoContent, r.handler(remove.RunContentRemoval))
	w.Register(taskmanager.FuncRepoConfigRegistration, r.handler(registrar.Run))
	w.Register(taskmanager.FuncPulpServerReconcile, r.handler(reconcile.Run))

	return r
}

// handler adapts a workflow entry point into a queue handler.
func (r *Runner) handler(run runFunc) queue.HandlerFunc {
	return func(ctx context.Context, job *queue.Job) error {
		taskID, err := taskmanager.ArgUint64(job.Args, "task_id")
		if err != nil {
			return err
		}

		task, err := r.tasks.StartTask(taskID, r.worker.Name())
		if err != nil {
			return err
		}

		if err := run(ctx, task); err != nil {
			return err
		}

		_, err = r.tasks.CompleteTask(taskID)
		return err
	}
}

// Start begins consuming jobs.
func (r *Runner) Start() {
	r.worker.Start()
}

// Stop halts the worker after the current job finishes.
func (r *Runner) Stop() {
	r.worker.Stop()
}
