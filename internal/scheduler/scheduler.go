package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowstate/flowstate/internal/engine"
	"github.com/flowstate/flowstate/internal/store"
	"github.com/flowstate/flowstate/pkg/schema"
)

// TriggerRunner is the slice of the engine facade the scheduler needs.
// Satisfied by *engine.Service.
type TriggerRunner interface {
	HandleTrigger(ctx context.Context, workflowSlug string, trig *schema.Trigger) (*engine.RunResult, error)
}

// Scheduler polls the store for due cron triggers and fires each one as a
// fresh thread on its workflow. Due-ness derives from the cron expression
// and the last firing: a trigger is due when the first occurrence after
// last_fired_at (creation time when it never fired) has passed.
type Scheduler struct {
	store  store.Store
	runner TriggerRunner
	pool   *engine.WorkerPool
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	interval time.Duration

	inflightMu sync.Mutex
	inflight   map[string]struct{} // trigger IDs currently firing (dedup)
}

// NewScheduler creates a Scheduler polling at the default 60s interval.
// A nil pool means due triggers fire inline on the polling goroutine;
// with a pool, firings run concurrently up to the pool's size.
func NewScheduler(s store.Store, runner TriggerRunner, pool *engine.WorkerPool, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    s,
		runner:   runner,
		pool:     pool,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		interval: 60 * time.Second,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// First tick fires right away: after a restart, overdue timers should
	// not also wait out a full interval.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks all enabled triggers and fires those that are due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	triggers, err := s.store.ListTriggers(ctx, store.TriggerFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled triggers", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, t := range triggers {
		due, err := s.isDue(t, now)
		if err != nil {
			s.logger.Error("bad cron expression on trigger",
				slog.String("trigger_id", t.ID),
				slog.String("cron", t.CronExpression),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !due {
			continue
		}
		if !s.tryAcquire(t.ID) {
			continue // previous firing still running
		}
		s.dispatch(ctx, t, now)
	}
}

// dispatch hands a due trigger to the worker pool, or fires inline when no
// pool is configured. The in-flight mark is held until the firing finishes,
// so a slow run cannot be double-fired by a later tick.
func (s *Scheduler) dispatch(ctx context.Context, t *store.ScheduledTrigger, now time.Time) {
	run := func(ctx context.Context) error {
		defer s.release(t.ID)
		if err := s.fire(ctx, t, now); err != nil {
			s.logger.Error("scheduled trigger failed",
				slog.String("trigger_id", t.ID),
				slog.String("workflow", t.WorkflowSlug),
				slog.String("error", err.Error()),
			)
			return err
		}
		return nil
	}

	if s.pool == nil {
		_ = run(ctx)
		return
	}
	if err := s.pool.Submit(ctx, run); err != nil {
		s.release(t.ID)
		s.logger.Error("submit trigger firing",
			slog.String("trigger_id", t.ID),
			slog.String("error", err.Error()),
		)
	}
}

// isDue reports whether the trigger's schedule has an occurrence between
// its last firing and now.
func (s *Scheduler) isDue(t *store.ScheduledTrigger, now time.Time) (bool, error) {
	schedule, err := s.parser.Parse(t.CronExpression)
	if err != nil {
		return false, err
	}
	anchor := t.CreatedAt
	if t.LastFiredAt != nil {
		anchor = *t.LastFiredAt
	}
	return !schedule.Next(anchor).After(now), nil
}

// fire starts a fresh thread on the trigger's workflow and stamps
// last_fired_at. The stamp lands even when the run fails: a broken
// workflow must not make its trigger fire on every subsequent tick.
func (s *Scheduler) fire(ctx context.Context, t *store.ScheduledTrigger, now time.Time) error {
	s.logger.Info("firing scheduled trigger",
		slog.String("trigger_id", t.ID),
		slog.String("workflow", t.WorkflowSlug),
	)

	_, runErr := s.runner.HandleTrigger(ctx, t.WorkflowSlug, &schema.Trigger{
		Text: t.Input,
		Payload: map[string]any{
			"source":     "scheduler",
			"trigger_id": t.ID,
			"fired_at":   now.Format(time.RFC3339),
		},
	})

	fired := now
	if err := s.store.UpdateTrigger(ctx, t.ID, store.TriggerUpdate{LastFiredAt: &fired}); err != nil {
		s.logger.Error("failed to stamp trigger firing",
			slog.String("trigger_id", t.ID),
			slog.String("error", err.Error()),
		)
	}
	return runErr
}

// tryAcquire marks the trigger in-flight, false when it already is.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// NextFiring computes the next occurrence of a cron expression after from.
// Useful for previewing a trigger before saving it.
func (s *Scheduler) NextFiring(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// ValidateExpression checks a cron expression without scheduling anything.
func (s *Scheduler) ValidateExpression(cronExpr string) error {
	_, err := s.parser.Parse(cronExpr)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid cron expression %q: %s", cronExpr, err.Error()).WithCause(err)
	}
	return nil
}

// Stop shuts the polling loop down and waits for it to exit.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
