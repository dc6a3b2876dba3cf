package aggregation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedules maps each granularity to its cron expression, e.g. hourly at
// :05, daily at 01:00, weekly Monday 02:00.
type Schedules map[Granularity]string

// Scheduler drives Engine.RunBucket on the configured cron schedules.
type Scheduler struct {
	engine *Engine
	cron   *cron.Cron
	ctx    context.Context
}

// NewScheduler builds a Scheduler. ctx is used as the base context for every
// triggered run, so cancelling it stops in-flight aggregation work.
func NewScheduler(ctx context.Context, engine *Engine, schedules Schedules) (*Scheduler, error) {
	s := &Scheduler{engine: engine, cron: cron.New(), ctx: ctx}

	for granularity, expr := range schedules {
		granularity := granularity
		_, err := s.cron.AddFunc(expr, func() {
			start, end := BucketRange(granularity, time.Now())
			if err := s.engine.RunBucket(s.ctx, granularity, start, end); err != nil {
				slog.Error("aggregation: scheduled run failed", "granularity", granularity, "error", err)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", granularity, err)
		}
	}

	return s, nil
}

// Start begins running the cron schedules in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler, waiting for any in-flight run to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
