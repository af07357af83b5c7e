package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/G-Research/Pulp-manager/pkg/log"
)

// DefaultQueue is the queue workers consume unless configured otherwise.
const DefaultQueue = "default"

// DefaultResultTTL is how long finished and failed jobs stay readable.
const DefaultResultTTL = 172800 * time.Second

// ErrJobNotFound is returned when a job ID is unknown or expired.
var ErrJobNotFound = errors.New("job not found")

// JobStatus is the queue-side lifecycle of a job, tracked separately from
// the task state the job carries.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusScheduled JobStatus = "scheduled"
	JobStatusDeferred  JobStatus = "deferred"
	JobStatusStarted   JobStatus = "started"
	JobStatusFinished  JobStatus = "finished"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// registryNames are the per-queue job registries the inspector exposes.
var registryNames = []string{"queued", "scheduled", "deferred", "started", "finished", "failed"}

// Job is a unit of work on a queue. Args are the handler's input; TaskID
// links the job back to the tracked task it executes.
type Job struct {
	ID           string                 `json:"id"`
	Queue        string                 `json:"queue"`
	Function     string                 `json:"function"`
	Args         map[string]interface{} `json:"args"`
	JobType      string                 `json:"job_type"`
	Description  string                 `json:"description"`
	TaskID       uint64                 `json:"task_id"`
	Status       JobStatus              `json:"status"`
	WorkerName   string                 `json:"worker_name"`
	Error        string                 `json:"error"`
	EnqueuedAt   *time.Time             `json:"enqueued_at"`
	StartedAt    *time.Time             `json:"started_at"`
	EndedAt      *time.Time             `json:"ended_at"`
	TimeoutSec   int                    `json:"timeout_sec"`
	ResultTTLSec int                    `json:"result_ttl_sec"`
}

// Broker manages jobs and registries on redis.
type Broker struct {
	rdb *redis.Client
}

// NewBroker creates a broker on the given redis client.
func NewBroker(rdb *redis.Client) *Broker {
	return &Broker{rdb: rdb}
}

func queueKey(name string) string            { return "pm:queue:" + name }
func registryKey(name, registry string) string { return "pm:queue:" + name + ":" + registry }
func jobKey(id string) string                 { return "pm:job:" + id }
func stopKey(id string) string                { return "pm:job:" + id + ":stop" }

const queuesKey = "pm:queues"

// NewJob builds a job with defaults applied.
func NewJob(queue, function string, args map[string]interface{}) *Job {
	if queue == "" {
		queue = DefaultQueue
	}
	return &Job{
		ID:           uuid.NewString(),
		Queue:        queue,
		Function:     function,
		Args:         args,
		ResultTTLSec: int(DefaultResultTTL.Seconds()),
	}
}

func (b *Broker) saveJob(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return b.rdb.Set(ctx, jobKey(job.ID), data, 0).Err()
}

// GetJob returns the job with the given ID.
func (b *Broker) GetJob(ctx context.Context, id string) (*Job, error) {
	data, err := b.rdb.Get(ctx, jobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Enqueue pushes the job onto its queue for immediate execution.
func (b *Broker) Enqueue(ctx context.Context, job *Job) error {
	now := time.Now().UTC()
	job.EnqueuedAt = &now
	job.Status = JobStatusQueued

	if err := b.rdb.SAdd(ctx, queuesKey, job.Queue).Err(); err != nil {
		return err
	}
	if err := b.saveJob(ctx, job); err != nil {
		return err
	}
	if err := b.rdb.LPush(ctx, queueKey(job.Queue), job.ID).Err(); err != nil {
		return err
	}

	log.WithComponent("queue").Debug().
		Str("job_id", job.ID).Str("queue", job.Queue).Str("function", job.Function).
		Msg("job enqueued")
	return nil
}

// EnqueueAt places the job in the scheduled registry for execution at the
// given time. The scheduler process moves due jobs onto their queue.
func (b *Broker) EnqueueAt(ctx context.Context, job *Job, at time.Time) error {
	job.Status = JobStatusScheduled

	if err := b.rdb.SAdd(ctx, queuesKey, job.Queue).Err(); err != nil {
		return err
	}
	if err := b.saveJob(ctx, job); err != nil {
		return err
	}
	return b.rdb.ZAdd(ctx, registryKey(job.Queue, "scheduled"), redis.Z{
		Score:  float64(at.Unix()),
		Member: job.ID,
	}).Err()
}

// EnqueueIn schedules the job after the given delay.
func (b *Broker) EnqueueIn(ctx context.Context, job *Job, delay time.Duration) error {
	return b.EnqueueAt(ctx, job, time.Now().Add(delay))
}

// CancelJob removes a pending job from its queue or registry. A started
// job cannot be removed; it is sent a stop command the worker honors.
func (b *Broker) CancelJob(ctx context.Context, id string) error {
	job, err := b.GetJob(ctx, id)
	if err != nil {
		return err
	}

	switch job.Status {
	case JobStatusQueued:
		if err := b.rdb.LRem(ctx, queueKey(job.Queue), 0, job.ID).Err(); err != nil {
			return err
		}
	case JobStatusScheduled, JobStatusDeferred:
		registry := "scheduled"
		if job.Status == JobStatusDeferred {
			registry = "deferred"
		}
		if err := b.rdb.ZRem(ctx, registryKey(job.Queue, registry), job.ID).Err(); err != nil {
			return err
		}
	case JobStatusStarted:
		return b.SendStopCommand(ctx, id)
	default:
		return fmt.Errorf("job %s is %s and cannot be canceled", id, job.Status)
	}

	now := time.Now().UTC()
	job.Status = JobStatusCanceled
	job.EndedAt = &now
	return b.saveJob(ctx, job)
}

// SendStopCommand flags a started job for cancellation. The worker polls
// the flag and cancels the handler context.
func (b *Broker) SendStopCommand(ctx context.Context, id string) error {
	return b.rdb.Set(ctx, stopKey(id), "1", time.Hour).Err()
}

// stopRequested reports whether a stop command is pending for the job.
func (b *Broker) stopRequested(ctx context.Context, id string) bool {
	n, err := b.rdb.Exists(ctx, stopKey(id)).Result()
	return err == nil && n > 0
}

// markStarted records the job as running on the named worker.
func (b *Broker) markStarted(ctx context.Context, job *Job, workerName string) error {
	now := time.Now().UTC()
	job.Status = JobStatusStarted
	job.StartedAt = &now
	job.WorkerName = workerName

	if err := b.saveJob(ctx, job); err != nil {
		return err
	}
	return b.rdb.ZAdd(ctx, registryKey(job.Queue, "started"), redis.Z{
		Score:  float64(now.Unix()),
		Member: job.ID,
	}).Err()
}

// markFinished moves the job into a terminal registry and schedules its
// record for expiry after the result TTL.
func (b *Broker) markFinished(ctx context.Context, job *Job, status JobStatus, jobErr error) error {
	now := time.Now().UTC()
	job.Status = status
	job.EndedAt = &now
	if jobErr != nil {
		job.Error = jobErr.Error()
	}

	if err := b.saveJob(ctx, job); err != nil {
		return err
	}
	if err := b.rdb.ZRem(ctx, registryKey(job.Queue, "started"), job.ID).Err(); err != nil {
		return err
	}

	registry := "finished"
	if status == JobStatusFailed {
		registry = "failed"
	}
	if err := b.rdb.ZAdd(ctx, registryKey(job.Queue, registry), redis.Z{
		Score:  float64(now.Unix()),
		Member: job.ID,
	}).Err(); err != nil {
		return err
	}

	ttl := time.Duration(job.ResultTTLSec) * time.Second
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	return b.rdb.Expire(ctx, jobKey(job.ID), ttl).Err()
}

// dequeue pops the next job ID off any of the queues, blocking up to
// timeout. Returns nil when nothing is ready.
func (b *Broker) dequeue(ctx context.Context, queues []string, timeout time.Duration) (*Job, error) {
	keys := make([]string, len(queues))
	for i, q := range queues {
		keys[i] = queueKey(q)
	}

	result, err := b.rdb.BRPop(ctx, timeout, keys...).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	job, err := b.GetJob(ctx, result[1])
	if err == ErrJobNotFound {
		// record expired while queued, skip it
		return nil, nil
	}
	return job, err
}

// moveDueScheduledJobs shifts jobs whose scheduled time has passed onto
// their queue. Returns the number of jobs moved.
func (b *Broker) moveDueScheduledJobs(ctx context.Context, queueName string) (int, error) {
	key := registryKey(queueName, "scheduled")
	ids, err := b.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", time.Now().Unix()),
	}).Result()
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, id := range ids {
		if err := b.rdb.ZRem(ctx, key, id).Err(); err != nil {
			return moved, err
		}
		job, err := b.GetJob(ctx, id)
		if err == ErrJobNotFound {
			continue
		}
		if err != nil {
			return moved, err
		}
		if err := b.Enqueue(ctx, job); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// Queues returns the names of all queues seen by the broker.
func (b *Broker) Queues(ctx context.Context) ([]string, error) {
	queues, err := b.rdb.SMembers(ctx, queuesKey).Result()
	if err != nil {
		return nil, err
	}
	return queues, nil
}
