// Package scheduler runs world actions on cron schedules kept in sqlite.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/reedfamily/forgebot/internal/audit"
	xlog "github.com/reedfamily/forgebot/internal/log"
	"github.com/reedfamily/forgebot/internal/metrics"
	"github.com/reedfamily/forgebot/internal/world"
	"github.com/rs/zerolog"
)

// Runner performs a named world action.
type Runner interface {
	Do(ctx context.Context, actor world.Actor, action, slug string) error
}

type Scheduler struct {
	repo   *Repository
	runner Runner
	logger zerolog.Logger
	now    func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
}

func New(repo *Repository, runner Runner) *Scheduler {
	return &Scheduler{
		repo:   repo,
		runner: runner,
		logger: xlog.WithComponent("scheduler"),
		now:    time.Now,
	}
}

// Start checks schedules once a minute, aligned to the minute, until Stop or
// ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		for {
			wait := time.Until(s.now().Truncate(time.Minute).Add(time.Minute))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				s.RunDue(ctx, s.now())
			}
		}
	}()
	s.logger.Info().Str("event", "scheduler.started").Msg("scheduler started")
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// RunDue runs every enabled schedule whose expression matches at and returns
// how many ran.
func (s *Scheduler) RunDue(ctx context.Context, at time.Time) int {
	schedules, err := s.repo.Enabled(ctx)
	if err != nil {
		s.logger.Error().Err(err).Str("event", "scheduler.query_failed").Msg("could not load schedules")
		return 0
	}

	ran := 0
	for _, sc := range schedules {
		c, err := ParseCron(sc.CronExpr)
		if err != nil {
			s.logger.Warn().Err(err).Str("schedule", sc.ID).Str("cron", sc.CronExpr).Msg("skipping schedule with invalid cron expression")
			continue
		}
		if !c.Matches(at) {
			continue
		}
		s.execute(ctx, sc, at)
		ran++
	}
	return ran
}

func (s *Scheduler) execute(ctx context.Context, sc Schedule, at time.Time) {
	logger := s.logger.With().Str("schedule", sc.ID).Str("world", sc.World).Str("action", sc.Action).Logger()
	actor := world.Actor{ID: "schedule:" + sc.ID, Source: audit.SourceScheduler}

	result := "ok"
	if err := s.runner.Do(ctx, actor, sc.Action, sc.World); err != nil {
		result = "error"
		logger.Error().Err(err).Str("event", "scheduler.action_failed").Msg("scheduled action failed")
	} else {
		logger.Info().Str("event", "scheduler.action").Msg("scheduled action ran")
	}
	metrics.ScheduledActions.WithLabelValues(sc.Action, result).Inc()

	if err := s.repo.markRun(context.WithoutCancel(ctx), sc.ID, at); err != nil {
		logger.Warn().Err(err).Msg("could not record last run")
	}
}
