package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"price-pusher/internal/entry"
	"price-pusher/internal/fetcher"
	"price-pusher/internal/metrics"
	"price-pusher/internal/scheduler"
)

const (
	DefaultInterval     = 5 * time.Second
	DefaultMaxAttempts  = 5
	DefaultRetryDelay   = 5 * time.Second
	DefaultFetchTimeout = fetcher.DefaultFetchTimeout
)

// ErrCallbackNotSet is returned when polling starts before SetCallback.
var ErrCallbackNotSet = errors.New("poller: update callback not set")

// Aggregator is the fetch side the poller drives.
type Aggregator interface {
	Fetch(ctx context.Context, opts fetcher.FetchOptions) ([]entry.Entry, []*fetcher.SourceError, error)
	UsesRPC() bool
}

// UpdateFunc receives the entries of one round.
type UpdateFunc func(entries []entry.Entry)

// Options tune the polling loop.
type Options struct {
	Interval     time.Duration
	FetchTimeout time.Duration
	// MaxAttempts applies only when an RPC backed source is registered.
	MaxAttempts int
	RetryDelay  time.Duration
}

// Poller repeatedly runs aggregation rounds and forwards the result.
type Poller struct {
	agg      Aggregator
	opts     Options
	logger   zerolog.Logger
	onUpdate UpdateFunc
}

// New constructs a Poller instance.
func New(agg Aggregator, opts Options, logger zerolog.Logger) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	} else if opts.RetryDelay == 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	return &Poller{
		agg:    agg,
		opts:   opts,
		logger: logger.With().Str("component", "poller").Logger(),
	}
}

// SetCallback registers the consumer of each round.
func (p *Poller) SetCallback(fn UpdateFunc) {
	p.onUpdate = fn
}

// Poll performs one aggregation round and invokes the callback exactly once.
// Failing sources are dropped. A failure of the round itself is retried only
// when at least one source reads from an RPC endpoint.
func (p *Poller) Poll(ctx context.Context) error {
	if p.onUpdate == nil {
		return ErrCallbackNotSet
	}

	attempts := 1
	if p.agg.UsesRPC() {
		attempts = p.opts.MaxAttempts
	}

	for attempt := 1; ; attempt++ {
		start := time.Now()
		entries, srcErrs, err := p.agg.Fetch(ctx, fetcher.FetchOptions{
			Timeout:      p.opts.FetchTimeout,
			ReturnErrors: true,
		})
		if err == nil {
			for _, se := range srcErrs {
				metrics.RecordSourceError(se.Source)
			}
			metrics.RecordPollRound("success")
			p.logger.Debug().
				Int("entries", len(entries)).
				Int("source_errors", len(srcErrs)).
				Dur("elapsed", time.Since(start)).
				Msg("poll round completed")
			p.onUpdate(entries)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt >= attempts {
			metrics.RecordPollRound("failed")
			return fmt.Errorf("poll round failed after %d attempt(s): %w", attempt, err)
		}

		metrics.RecordPollRound("retry")
		p.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Dur("retry_in", p.opts.RetryDelay).
			Msg("poll round failed, retrying")
		if err := scheduler.Sleep(ctx, p.opts.RetryDelay); err != nil {
			return err
		}
	}
}

// PollForever runs Poll, then waits Interval, until ctx is cancelled or a
// round fails for good.
func (p *Poller) PollForever(ctx context.Context) error {
	if p.onUpdate == nil {
		return ErrCallbackNotSet
	}
	sched := scheduler.New(scheduler.Options{
		Name:        "poller",
		Interval:    p.opts.Interval,
		Immediate:   true,
		ExitOnError: true,
	}, p.logger)

	p.logger.Info().
		Dur("interval", p.opts.Interval).
		Bool("rpc_sources", p.agg.UsesRPC()).
		Msg("poller started")
	return sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
		return p.Poll(ctx)
	})
}
