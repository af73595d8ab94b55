package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"price-pusher/internal/entry"
)

// DefaultFetchTimeout bounds every source independently.
const DefaultFetchTimeout = 20 * time.Second

// ErrNoFetchers is returned when a round is requested with nothing registered.
var ErrNoFetchers = errors.New("fetcher: no fetchers registered")

// SourceError wraps the failure of a single source.
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string { return fmt.Sprintf("%s: %v", e.Source, e.Err) }
func (e *SourceError) Unwrap() error { return e.Err }

// FetchOptions tune one aggregation round.
type FetchOptions struct {
	Timeout time.Duration
	// ReturnErrors collects per-source failures instead of dropping them.
	ReturnErrors bool
}

// Aggregator queries every registered fetcher concurrently.
type Aggregator struct {
	mu       sync.RWMutex
	fetchers []Fetcher
	logger   zerolog.Logger
}

// NewAggregator builds an aggregator over the given fetchers.
func NewAggregator(logger zerolog.Logger, fetchers ...Fetcher) *Aggregator {
	return &Aggregator{
		fetchers: append([]Fetcher(nil), fetchers...),
		logger:   logger.With().Str("component", "fetcher_aggregator").Logger(),
	}
}

// Add registers another fetcher.
func (a *Aggregator) Add(f Fetcher) {
	a.mu.Lock()
	a.fetchers = append(a.fetchers, f)
	a.mu.Unlock()
}

// Fetchers returns the registered fetchers.
func (a *Aggregator) Fetchers() []Fetcher {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Fetcher(nil), a.fetchers...)
}

// UsesRPC is true when at least one fetcher depends on an RPC endpoint.
func (a *Aggregator) UsesRPC() bool {
	for _, f := range a.Fetchers() {
		if f.UsesRPC() {
			return true
		}
	}
	return false
}

// Fetch runs one round. Each source gets its own timeout and a source that
// ignores its context is abandoned once the timeout passes, so a hung source
// degrades to a SourceError. Entries keep registration order.
func (a *Aggregator) Fetch(ctx context.Context, opts FetchOptions) ([]entry.Entry, []*SourceError, error) {
	fetchers := a.Fetchers()
	if len(fetchers) == 0 {
		return nil, nil, ErrNoFetchers
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}

	type result struct {
		entries []entry.Entry
		err     error
	}
	results := make([]result, len(fetchers))

	// source failures stay in results; only a cancelled round fails the group
	var g errgroup.Group
	for i, f := range fetchers {
		g.Go(func() error {
			entries, err := fetchWithTimeout(ctx, f, timeout)
			results[i] = result{entries: entries, err: err}
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var (
		out  []entry.Entry
		errs []*SourceError
	)
	for i, res := range results {
		if res.err != nil {
			a.logger.Warn().Err(res.err).Str("source", fetchers[i].Name()).Msg("source fetch failed")
			if opts.ReturnErrors {
				errs = append(errs, &SourceError{Source: fetchers[i].Name(), Err: res.err})
			}
			continue
		}
		out = append(out, res.entries...)
	}
	return out, errs, nil
}

func fetchWithTimeout(ctx context.Context, f Fetcher, timeout time.Duration) ([]entry.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		entries []entry.Entry
		err     error
	}
	done := make(chan result, 1)
	go func() {
		entries, err := f.Fetch(ctx)
		done <- result{entries: entries, err: err}
	}()

	select {
	case res := <-done:
		return res.entries, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch timed out after %s: %w", timeout, ctx.Err())
	}
}
