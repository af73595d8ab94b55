package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"price-pusher/internal/entry"
	"price-pusher/internal/listener"
	"price-pusher/internal/metrics"
	"price-pusher/internal/poller"
	"price-pusher/internal/prices"
	"price-pusher/internal/pusher"
)

const DefaultQueueSize = 64

// Poller produces observation rounds.
type Poller interface {
	SetCallback(fn poller.UpdateFunc)
	Poll(ctx context.Context) error
	PollForever(ctx context.Context) error
}

// Pusher consumes flushed batches.
type Pusher interface {
	UpdatePriceFeeds(ctx context.Context, entries []entry.Entry) (*pusher.Result, error)
}

// Monitor is a background task run next to the pipeline, such as the RPC
// health check.
type Monitor interface {
	Run(ctx context.Context) error
}

// Options configure an Orchestrator.
type Options struct {
	Groups    []listener.Group
	Handler   listener.RequestHandler
	QueueSize int
	Monitors  []Monitor
}

// Orchestrator owns the observed price table and runs the poller, one
// listener per group and the pusher.
type Orchestrator struct {
	store     *prices.Store
	poller    Poller
	pusher    Pusher
	listeners []*listener.Listener
	monitors  []Monitor
	queue     chan []entry.Entry
	logger    zerolog.Logger
}

// New wires the pipeline. The poller's callback is bound to Ingest and every
// listener receives a read-only view of the table.
func New(opts Options, p Poller, push Pusher, logger zerolog.Logger) *Orchestrator {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	o := &Orchestrator{
		store:    prices.NewStore(),
		poller:   p,
		pusher:   push,
		monitors: opts.Monitors,
		queue:    make(chan []entry.Entry, opts.QueueSize),
		logger:   logger.With().Str("component", "orchestrator").Logger(),
	}
	for _, g := range opts.Groups {
		o.listeners = append(o.listeners, listener.New(g, opts.Handler, o.store.View(), logger))
	}
	p.SetCallback(o.Ingest)
	return o
}

// Listeners returns the per-group listeners.
func (o *Orchestrator) Listeners() []*listener.Listener {
	return o.listeners
}

// Observed returns a read-only view of the table.
func (o *Orchestrator) Observed() prices.View {
	return o.store.View()
}

// Ingest records a round of observations, last write wins per source.
func (o *Orchestrator) Ingest(entries []entry.Entry) {
	stored, skipped := o.store.Ingest(entries)
	metrics.SetObservedEntries(o.store.Len())
	o.logger.Debug().Int("stored", stored).Int("skipped", skipped).Msg("entries ingested")
}

// Run starts every task and blocks until ctx is cancelled or one of them
// fails. A failure cancels the others.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return o.poller.PollForever(ctx) })
	for _, l := range o.listeners {
		g.Go(func() error { return l.RunForever(ctx) })
		g.Go(func() error { return o.supervise(ctx, l) })
	}
	g.Go(func() error { return o.pushLoop(ctx) })
	for _, m := range o.monitors {
		g.Go(func() error { return m.Run(ctx) })
	}

	o.logger.Info().
		Int("groups", len(o.listeners)).
		Int("queue_size", cap(o.queue)).
		Int("monitors", len(o.monitors)).
		Msg("orchestrator started")

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		o.logger.Error().Err(err).Msg("orchestrator stopped")
	}
	return err
}

// EvaluateOnce runs one poll round and one evaluation pass per group. It
// reports the assets that need an update and never pushes.
func (o *Orchestrator) EvaluateOnce(ctx context.Context) (map[string][]prices.Asset, error) {
	if err := o.poller.Poll(ctx); err != nil {
		return nil, err
	}
	out := make(map[string][]prices.Asset, len(o.listeners))
	for _, l := range o.listeners {
		assets, err := l.Evaluate(ctx)
		if err != nil {
			return nil, err
		}
		out[l.Name()] = assets
		l.Notification().Clear()
	}
	return out, nil
}

func (o *Orchestrator) supervise(ctx context.Context, l *listener.Listener) error {
	for {
		if err := l.Notification().Wait(ctx); err != nil {
			return err
		}
		if err := o.drain(ctx, l); err != nil {
			return err
		}
	}
}

// drain flushes the group's assets, queues them as one batch and clears the
// notification.
func (o *Orchestrator) drain(ctx context.Context, l *listener.Listener) error {
	batch := o.store.Flush(l.Assets()...)
	metrics.SetObservedEntries(o.store.Len())

	if len(batch) > 0 {
		select {
		case o.queue <- batch:
			metrics.SetQueueDepth(len(o.queue))
			o.logger.Info().
				Str("group", l.Name()).
				Int("entries", len(batch)).
				Msg("batch queued")
		case <-ctx.Done():
			return ctx.Err()
		}
	} else {
		o.logger.Debug().Str("group", l.Name()).Msg("notification with nothing to flush")
	}

	l.Notification().Clear()
	return nil
}

func (o *Orchestrator) pushLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch := <-o.queue:
			metrics.SetQueueDepth(len(o.queue))
			start := time.Now()
			res, err := o.pusher.UpdatePriceFeeds(ctx, batch)
			if err != nil {
				return err
			}
			if res == nil {
				o.logger.Warn().Int("entries", len(batch)).Msg("batch dropped")
				continue
			}
			o.logger.Debug().
				Str("batch_id", res.BatchID.String()).
				Dur("elapsed", time.Since(start)).
				Msg("batch done")
		}
	}
}
