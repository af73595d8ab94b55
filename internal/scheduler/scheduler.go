package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every iteration.
type TickFunc func(ctx context.Context, at time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Name string
	// Interval is the pause between the end of one tick and the start of the
	// next.
	Interval time.Duration
	// Immediate runs the first tick without waiting for an interval.
	Immediate bool
	// ExitOnError stops the loop and returns the first tick error. Otherwise
	// errors are logged and the loop continues.
	ExitOnError bool
}

// Scheduler drives a periodic job until its context is cancelled.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	name := opts.Name
	if name == "" {
		name = "scheduler"
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Str("loop", name).Logger()}
}

// Run blocks, invoking tick once per iteration until ctx is cancelled or, with
// ExitOnError, a tick fails.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	next := time.Now().UTC().Add(s.opts.Interval)
	if s.opts.Immediate {
		next = time.Now().UTC()
	}
	for {
		delay := time.Until(next)
		if delay < 0 {
			delay = 0
		}

		if delay > 0 {
			s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		if err := tick(ctx, next); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if s.opts.ExitOnError {
				return err
			}
			s.logger.Error().Err(err).Time("tick", next).Msg("tick execution failed")
		}

		next = time.Now().UTC().Add(s.opts.Interval)
	}
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	return sleep(ctx, d)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
