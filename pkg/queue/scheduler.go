package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/G-Research/Pulp-manager/pkg/log"
)

const (
	schedulesKey    = "pm:schedules"
	scheduleNextKey = "pm:schedules:next"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Schedule fires a function on a cron expression. The ID carries a prefix
// naming its owner so re-registration can cancel stale entries, e.g.
// "pulp1.example.com:el7".
type Schedule struct {
	ID          string                 `json:"id"`
	CronExpr    string                 `json:"cron_expr"`
	Queue       string                 `json:"queue"`
	Function    string                 `json:"function"`
	Args        map[string]interface{} `json:"args"`
	JobType     string                 `json:"job_type"`
	Description string                 `json:"description"`
	TimeoutSec  int                    `json:"timeout_sec"`
}

// RegisterSchedule validates the cron expression and stores the schedule,
// seeding its next run time.
func (b *Broker) RegisterSchedule(ctx context.Context, schedule *Schedule) error {
	parsed, err := cronParser.Parse(schedule.CronExpr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q for schedule %s: %w", schedule.CronExpr, schedule.ID, err)
	}

	data, err := json.Marshal(schedule)
	if err != nil {
		return err
	}
	if err := b.rdb.HSet(ctx, schedulesKey, schedule.ID, data).Err(); err != nil {
		return err
	}
	return b.rdb.ZAdd(ctx, scheduleNextKey, redis.Z{
		Score:  float64(parsed.Next(time.Now()).Unix()),
		Member: schedule.ID,
	}).Err()
}

// CancelSchedulesByPrefix removes all schedules whose ID starts with prefix.
// Returns the number of schedules removed.
func (b *Broker) CancelSchedulesByPrefix(ctx context.Context, prefix string) (int, error) {
	ids, err := b.rdb.HKeys(ctx, schedulesKey).Result()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range ids {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		if err := b.rdb.HDel(ctx, schedulesKey, id).Err(); err != nil {
			return removed, err
		}
		if err := b.rdb.ZRem(ctx, scheduleNextKey, id).Err(); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// ListSchedules returns all registered schedules.
func (b *Broker) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	raw, err := b.rdb.HGetAll(ctx, schedulesKey).Result()
	if err != nil {
		return nil, err
	}

	schedules := make([]*Schedule, 0, len(raw))
	for _, data := range raw {
		var schedule Schedule
		if err := json.Unmarshal([]byte(data), &schedule); err != nil {
			return nil, err
		}
		schedules = append(schedules, &schedule)
	}
	return schedules, nil
}

// dueSchedules returns schedules whose next run time has passed and
// advances each one to its following run.
func (b *Broker) dueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error) {
	ids, err := b.rdb.ZRangeByScore(ctx, scheduleNextKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		return nil, err
	}

	var due []*Schedule
	for _, id := range ids {
		data, err := b.rdb.HGet(ctx, schedulesKey, id).Result()
		if err == redis.Nil {
			b.rdb.ZRem(ctx, scheduleNextKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}

		var schedule Schedule
		if err := json.Unmarshal([]byte(data), &schedule); err != nil {
			return nil, err
		}

		parsed, err := cronParser.Parse(schedule.CronExpr)
		if err != nil {
			return nil, err
		}
		if err := b.rdb.ZAdd(ctx, scheduleNextKey, redis.Z{
			Score:  float64(parsed.Next(now).Unix()),
			Member: id,
		}).Err(); err != nil {
			return nil, err
		}
		due = append(due, &schedule)
	}
	return due, nil
}

// FireFunc is invoked by the scheduler when a cron schedule comes due.
// The job manager supplies one that creates the tracked task and enqueues
// the job.
type FireFunc func(ctx context.Context, schedule *Schedule) error

// Scheduler drives cron schedules and moves due scheduled jobs onto their
// queues. One scheduler process runs per deployment.
type Scheduler struct {
	broker   *Broker
	fire     FireFunc
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewScheduler creates a scheduler polling at the given interval.
func NewScheduler(broker *Broker, fire FireFunc, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		broker:   broker,
		fire:     fire,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the scheduling loop.
func (s *Scheduler) Start() {
	go s.run()
	log.WithComponent("scheduler").Info().Dur("interval", s.interval).Msg("scheduler started")
}

// Stop halts the scheduling loop and waits for it to exit.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
	log.WithComponent("scheduler").Info().Msg("scheduler stopped")
}

func (s *Scheduler) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	logger := log.WithComponent("scheduler")

	queues, err := s.broker.Queues(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list queues")
		return
	}
	for _, queueName := range queues {
		moved, err := s.broker.moveDueScheduledJobs(ctx, queueName)
		if err != nil {
			logger.Error().Err(err).Str("queue", queueName).Msg("failed to move scheduled jobs")
			continue
		}
		if moved > 0 {
			logger.Info().Int("moved", moved).Str("queue", queueName).Msg("scheduled jobs enqueued")
		}
	}

	due, err := s.broker.dueSchedules(ctx, time.Now())
	if err != nil {
		logger.Error().Err(err).Msg("failed to evaluate cron schedules")
		return
	}
	for _, schedule := range due {
		if err := s.fire(ctx, schedule); err != nil {
			logger.Error().Err(err).Str("schedule", schedule.ID).Msg("failed to fire schedule")
			continue
		}
		logger.Info().Str("schedule", schedule.ID).Str("function", schedule.Function).Msg("schedule fired")
	}
}
