package jobs

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"allinone/internal/config"
)

// Maintenance task types carried on the stream.
const (
	TaskUsageGC     = "usage_gc"
	TaskStaleEvents = "stale_events"
)

// Enqueuer is the slice of the redis client the scheduler writes through.
type Enqueuer interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

type Scheduler struct {
	cron  *cron.Cron
	queue Enqueuer
	cfg   config.JobsConfig
	log   zerolog.Logger
	now   func() time.Time
}

func NewScheduler(queue Enqueuer, cfg config.JobsConfig, log zerolog.Logger) *Scheduler {
	c := cron.New(cron.WithSeconds())
	return &Scheduler{
		cron:  c,
		queue: queue,
		cfg:   cfg,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *Scheduler) Start() error {
	if s.queue == nil {
		return nil
	}

	if _, err := s.cron.AddFunc(s.cfg.UsageGCSpec, func() { s.enqueue(TaskUsageGC) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.cfg.StaleEventsSpec, func() { s.enqueue(TaskStaleEvents) }); err != nil {
		return err
	}

	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits up to five seconds for running jobs.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-time.After(5 * time.Second):
		s.log.Warn().Msg("scheduler stop timed out")
	}
}

func (s *Scheduler) enqueue(taskType string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Enqueue(ctx, taskType); err != nil {
		s.log.Error().Err(err).Str("task", taskType).Msg("enqueue task failed")
		return
	}
	s.log.Debug().Str("task", taskType).Msg("task enqueued")
}

// Enqueue appends one maintenance task to the stream.
func (s *Scheduler) Enqueue(ctx context.Context, taskType string) error {
	if s.queue == nil {
		return nil
	}
	_, err := s.queue.XAdd(ctx, &redis.XAddArgs{
		Stream: s.cfg.Stream,
		Values: map[string]any{
			"type":       taskType,
			"enqueuedAt": s.now().Format(time.RFC3339),
		},
	}).Result()
	return err
}
