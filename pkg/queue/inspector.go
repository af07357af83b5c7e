package queue

import (
	"context"
	"fmt"
	"sort"

	"github.com/G-Research/Pulp-manager/pkg/storage"
)

// QueueStats summarizes a queue's registries.
type QueueStats struct {
	Name      string `json:"name"`
	Queued    int64  `json:"queued"`
	Scheduled int64  `json:"scheduled"`
	Deferred  int64  `json:"deferred"`
	Started   int64  `json:"started"`
	Finished  int64  `json:"finished"`
	Failed    int64  `json:"failed"`
}

// Inspector provides read-only visibility into queues for the control
// plane.
type Inspector struct {
	broker *Broker
}

// NewInspector creates an inspector over the broker.
func NewInspector(broker *Broker) *Inspector {
	return &Inspector{broker: broker}
}

// Queues returns all known queue names, sorted.
func (i *Inspector) Queues(ctx context.Context) ([]string, error) {
	queues, err := i.broker.Queues(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(queues)
	return queues, nil
}

// Stats returns per-registry job counts for a queue.
func (i *Inspector) Stats(ctx context.Context, queueName string) (*QueueStats, error) {
	stats := &QueueStats{Name: queueName}

	queued, err := i.broker.rdb.LLen(ctx, queueKey(queueName)).Result()
	if err != nil {
		return nil, err
	}
	stats.Queued = queued

	counts := map[string]*int64{
		"scheduled": &stats.Scheduled,
		"deferred":  &stats.Deferred,
		"started":   &stats.Started,
		"finished":  &stats.Finished,
		"failed":    &stats.Failed,
	}
	for registry, target := range counts {
		n, err := i.broker.rdb.ZCard(ctx, registryKey(queueName, registry)).Result()
		if err != nil {
			return nil, err
		}
		*target = n
	}
	return stats, nil
}

// RegistryJobs returns one page of jobs from the named registry of a
// queue. The queued registry is the queue list itself.
func (i *Inspector) RegistryJobs(ctx context.Context, queueName, registry string, page, pageSize int) (*storage.PagedResult[Job], error) {
	valid := false
	for _, name := range registryNames {
		if name == registry {
			valid = true
			break
		}
	}
	if !valid {
		return nil, fmt.Errorf("unknown registry %q", registry)
	}

	var ids []string
	var err error
	if registry == "queued" {
		ids, err = i.broker.rdb.LRange(ctx, queueKey(queueName), 0, -1).Result()
	} else {
		ids, err = i.broker.rdb.ZRevRange(ctx, registryKey(queueName, registry), 0, -1).Result()
	}
	if err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := i.broker.GetJob(ctx, id)
		if err == ErrJobNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 8
	}
	start := (page - 1) * pageSize
	if start > len(jobs) {
		start = len(jobs)
	}
	end := start + pageSize
	if end > len(jobs) {
		end = len(jobs)
	}

	return &storage.PagedResult[Job]{
		Page:     page,
		PageSize: pageSize,
		Total:    len(jobs),
		Items:    jobs[start:end],
	}, nil
}

// Schedules returns the registered cron schedules for a queue.
func (i *Inspector) Schedules(ctx context.Context, queueName string) ([]*Schedule, error) {
	all, err := i.broker.ListSchedules(ctx)
	if err != nil {
		return nil, err
	}
	schedules := make([]*Schedule, 0, len(all))
	for _, schedule := range all {
		if schedule.Queue == queueName {
			schedules = append(schedules, schedule)
		}
	}
	return schedules, nil
}

// Job returns a single job by ID.
func (i *Inspector) Job(ctx context.Context, id string) (*Job, error) {
	return i.broker.GetJob(ctx, id)
}
