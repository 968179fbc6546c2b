// Package scheduler periodically applies the auto-completion policy so
// experiments whose last missing gate was run time complete without waiting
// for another conversion.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/abkit/internal/observability"
)

var scheduleParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Evaluator applies the winner policy to every experiment and reports how
// many completed.
type Evaluator interface {
	EvaluateAll(ctx context.Context) int
}

// Sweeper runs an Evaluator on a cron schedule.
type Sweeper struct {
	evaluator Evaluator
	schedule  cron.Schedule
	logger    *observability.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	started bool

	runs      atomic.Int64
	completed atomic.Int64
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLogger configures the sweeper logger.
func WithLogger(logger *observability.Logger) Option {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a sweeper for spec, a cron expression or descriptor such as
// "@every 1h".
func New(evaluator Evaluator, spec string, opts ...Option) (*Sweeper, error) {
	if evaluator == nil {
		return nil, errors.New("evaluator is required")
	}
	schedule, err := scheduleParser.Parse(strings.TrimSpace(spec))
	if err != nil {
		return nil, fmt.Errorf("invalid sweeper schedule %q: %w", spec, err)
	}
	s := &Sweeper{
		evaluator: evaluator,
		schedule:  schedule,
		logger:    observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start schedules the sweep. Runs never overlap; a tick that arrives while a
// sweep is still in progress is skipped.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("sweeper already started")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(s.schedule, cron.FuncJob(func() { s.RunOnce(runCtx) }))
	c.Start()

	s.cron = c
	s.cancel = cancel
	s.started = true
	s.logger.Info(ctx, "Sweeper started")
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel, s.started = nil, nil, false
	s.mu.Unlock()

	<-c.Stop().Done()
	cancel()
}

// RunOnce performs a single sweep and returns the number of experiments it completed.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	n := s.evaluator.EvaluateAll(ctx)
	s.runs.Add(1)
	s.completed.Add(int64(n))
	if n > 0 {
		s.logger.Info(ctx, "Sweeper completed experiments", "completed", n)
	} else {
		s.logger.Debug(ctx, "Sweeper found nothing to complete")
	}
	return n
}

// Runs returns how many sweeps have executed.
func (s *Sweeper) Runs() int64 { return s.runs.Load() }

// Completed returns how many experiments sweeps have completed in total.
func (s *Sweeper) Completed() int64 { return s.completed.Load() }
