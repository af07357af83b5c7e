package metrics

import (
	"context"
	"time"

	"github.com/G-Research/Pulp-manager/pkg/queue"
	"github.com/G-Research/Pulp-manager/pkg/storage"
	"github.com/G-Research/Pulp-manager/pkg/types"
)

// Collector periodically refreshes the gauges from the store and queue.
type Collector struct {
	store     storage.Store
	inspector *queue.Inspector
	stopCh    chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store, inspector *queue.Inspector) *Collector {
	return &Collector{
		store:     store,
		inspector: inspector,
		stopCh:    make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectTaskMetrics()
	c.collectRepoHealthMetrics()
	c.collectQueueMetrics()
}

func (c *Collector) collectTaskMetrics() {
	tasks, err := c.store.FilterTasks(storage.Query{})
	if err != nil {
		return
	}

	counts := make(map[[2]string]int)
	for _, task := range tasks {
		counts[[2]string{task.TaskType.String(), task.State.String()}]++
	}

	TasksTotal.Reset()
	for key, n := range counts {
		TasksTotal.WithLabelValues(key[0], key[1]).Set(float64(n))
	}
}

func (c *Collector) collectRepoHealthMetrics() {
	details, err := c.store.FilterPulpServerRepoDetails(storage.Query{})
	if err != nil {
		return
	}

	counts := make(map[[2]string]int)
	for _, detail := range details {
		if detail.RepoSyncHealth == nil {
			continue
		}
		counts[[2]string{detail.PulpServerName, detail.RepoSyncHealth.String()}]++
	}

	RepoHealth.Reset()
	for key, n := range counts {
		RepoHealth.WithLabelValues(key[0], key[1]).Set(float64(n))
	}
}

func (c *Collector) collectQueueMetrics() {
	if c.inspector == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	queues, err := c.inspector.Queues(ctx)
	if err != nil {
		return
	}

	QueueJobs.Reset()
	for _, queueName := range queues {
		stats, err := c.inspector.Stats(ctx, queueName)
		if err != nil {
			continue
		}
		QueueJobs.WithLabelValues(queueName, "queued").Set(float64(stats.Queued))
		QueueJobs.WithLabelValues(queueName, "scheduled").Set(float64(stats.Scheduled))
		QueueJobs.WithLabelValues(queueName, "started").Set(float64(stats.Started))
		QueueJobs.WithLabelValues(queueName, "finished").Set(float64(stats.Finished))
		QueueJobs.WithLabelValues(queueName, "failed").Set(float64(stats.Failed))
	}
}

// ObserveSyncDuration records a finished sync task's runtime.
func ObserveSyncDuration(task *types.Task, serverName string) {
	if task.DateStarted == nil || task.DateFinished == nil {
		return
	}
	SyncDuration.WithLabelValues(serverName).Observe(task.DateFinished.Sub(*task.DateStarted).Seconds())
}
