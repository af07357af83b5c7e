package queue

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/G-Research/Pulp-manager/pkg/log"
)

// HandlerFunc executes a job. The context is canceled when the job is
// stopped or its timeout elapses.
type HandlerFunc func(ctx context.Context, job *Job) error

// FailureFunc is invoked after a job ends in failure, giving the job
// manager a chance to mark the tracked task failed.
type FailureFunc func(job *Job, jobErr error)

// errJobStopped distinguishes a stop command from a timeout.
var errJobStopped = fmt.Errorf("job received stop command")

// Worker consumes queues and runs registered handler functions.
type Worker struct {
	broker    *Broker
	name      string
	queues    []string
	handlers  map[string]HandlerFunc
	onFailure FailureFunc
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewWorker creates a worker named after the host consuming the given
// queues.
func NewWorker(broker *Broker, queues []string) *Worker {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "pulp-manager-worker"
	}
	if len(queues) == 0 {
		queues = []string{DefaultQueue}
	}
	return &Worker{
		broker:   broker,
		name:     hostname,
		queues:   queues,
		handlers: map[string]HandlerFunc{},
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Name returns the worker's name as recorded on jobs it runs.
func (w *Worker) Name() string {
	return w.name
}

// Register binds a function name to its handler.
func (w *Worker) Register(function string, handler HandlerFunc) {
	w.handlers[function] = handler
}

// OnFailure sets the hook run after a job fails.
func (w *Worker) OnFailure(hook FailureFunc) {
	w.onFailure = hook
}

// Start begins consuming jobs.
func (w *Worker) Start() {
	go w.run()
	log.WithComponent("worker").Info().
		Str("worker", w.name).Strs("queues", w.queues).
		Msg("worker started")
}

// Stop halts the worker after the current job finishes.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
	log.WithComponent("worker").Info().Str("worker", w.name).Msg("worker stopped")
}

func (w *Worker) run() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		ctx := context.Background()
		job, err := w.broker.dequeue(ctx, w.queues, time.Second)
		if err != nil {
			log.WithComponent("worker").Error().Err(err).Msg("failed to dequeue job")
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}
		w.process(ctx, job)
	}
}

// process runs a single job through its handler.
func (w *Worker) process(ctx context.Context, job *Job) {
	logger := log.WithComponent("worker").With().
		Str("job_id", job.ID).Str("function", job.Function).Uint64("task_id", job.TaskID).
		Logger()

	if w.broker.stopRequested(ctx, job.ID) {
		logger.Info().Msg("job canceled before start")
		if err := w.broker.markFinished(ctx, job, JobStatusCanceled, nil); err != nil {
			logger.Error().Err(err).Msg("failed to record canceled job")
		}
		return
	}

	handler, ok := w.handlers[job.Function]
	if !ok {
		err := fmt.Errorf("no handler registered for function %q", job.Function)
		logger.Error().Err(err).Msg("job failed")
		w.finishJob(ctx, job, JobStatusFailed, err)
		return
	}

	if err := w.broker.markStarted(ctx, job, w.name); err != nil {
		logger.Error().Err(err).Msg("failed to mark job started")
		return
	}
	logger.Info().Msg("job started")

	jobErr := w.execute(ctx, job, handler)

	switch {
	case jobErr == nil:
		logger.Info().Msg("job finished")
		w.finishJob(ctx, job, JobStatusFinished, nil)
	case jobErr == errJobStopped:
		logger.Info().Msg("job canceled")
		w.finishJob(ctx, job, JobStatusCanceled, jobErr)
	default:
		logger.Error().Err(jobErr).Msg("job failed")
		w.finishJob(ctx, job, JobStatusFailed, jobErr)
	}
}

// execute runs the handler with timeout and stop-command handling, and
// converts handler panics into errors so one bad job cannot kill the
// worker.
func (w *Worker) execute(ctx context.Context, job *Job, handler HandlerFunc) (jobErr error) {
	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if job.TimeoutSec > 0 {
		var timeoutCancel context.CancelFunc
		jobCtx, timeoutCancel = context.WithTimeout(jobCtx, time.Duration(job.TimeoutSec)*time.Second)
		defer timeoutCancel()
	}

	// watch for stop commands while the handler runs
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-watchDone:
				return
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				if w.broker.stopRequested(context.Background(), job.ID) {
					cancel(errJobStopped)
					return
				}
			}
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			jobErr = fmt.Errorf("job panicked: %v\n%s", r, debug.Stack())
		}
	}()

	if err := handler(jobCtx, job); err != nil {
		if context.Cause(jobCtx) == errJobStopped {
			return errJobStopped
		}
		return err
	}
	return nil
}

func (w *Worker) finishJob(ctx context.Context, job *Job, status JobStatus, jobErr error) {
	if err := w.broker.markFinished(ctx, job, status, jobErr); err != nil {
		log.WithComponent("worker").Error().Err(err).Str("job_id", job.ID).
			Msg("failed to record job result")
	}
	if status == JobStatusFailed && w.onFailure != nil {
		w.onFailure(job, jobErr)
	}
}
