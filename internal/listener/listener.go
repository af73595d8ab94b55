package listener

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"price-pusher/internal/entry"
	"price-pusher/internal/metrics"
	"price-pusher/internal/prices"
	"price-pusher/internal/scheduler"
)

const DefaultPollingFrequency = 10 * time.Second

// Group is a named set of pairs sharing update thresholds.
type Group struct {
	Name   string
	Spot   []entry.Pair
	Future []entry.Pair
	// Staleness is the maximum age gap between the freshest observation and
	// the stored oracle value.
	Staleness time.Duration
	// Deviation is a fraction, 0.1 means 10%.
	Deviation        decimal.Decimal
	PollingFrequency time.Duration
}

// Validate checks thresholds and pair declarations.
func (g Group) Validate() error {
	if strings.TrimSpace(g.Name) == "" {
		return errors.New("group name is required")
	}
	if len(g.Spot) == 0 && len(g.Future) == 0 {
		return fmt.Errorf("group %s: no pairs declared", g.Name)
	}
	if g.Staleness <= 0 {
		return fmt.Errorf("group %s: staleness must be positive", g.Name)
	}
	if !g.Deviation.IsPositive() {
		return fmt.Errorf("group %s: deviation must be positive", g.Name)
	}
	return nil
}

// Assets lists every tracked (pair, data type) of the group.
func (g Group) Assets() []prices.Asset {
	out := make([]prices.Asset, 0, len(g.Spot)+len(g.Future))
	for _, p := range g.Spot {
		out = append(out, prices.Asset{Pair: p, DataType: entry.Spot})
	}
	for _, p := range g.Future {
		out = append(out, prices.Asset{Pair: p, DataType: entry.Future})
	}
	return out
}

// RequestHandler reads the value currently stored by the destination oracle.
type RequestHandler interface {
	FetchLatestEntry(ctx context.Context, pair entry.Pair, dt entry.DataType, sources []string) (entry.Entry, error)
}

// Listener compares the oracle's stored values for one group against the
// freshest observations and raises its notification when an update is due.
type Listener struct {
	group    Group
	handler  RequestHandler
	observed prices.View
	logger   zerolog.Logger
	event    *Event

	mu     sync.Mutex
	oracle map[string]map[entry.DataType]entry.Entry
}

// New constructs a Listener instance.
func New(group Group, handler RequestHandler, observed prices.View, logger zerolog.Logger) *Listener {
	if group.PollingFrequency <= 0 {
		group.PollingFrequency = DefaultPollingFrequency
	}
	return &Listener{
		group:    group,
		handler:  handler,
		observed: observed,
		logger:   logger.With().Str("component", "listener").Str("group", group.Name).Logger(),
		event:    NewEvent(),
		oracle:   make(map[string]map[entry.DataType]entry.Entry),
	}
}

func (l *Listener) Name() string                    { return l.group.Name }
func (l *Listener) Assets() []prices.Asset          { return l.group.Assets() }
func (l *Listener) Notification() *Event            { return l.event }
func (l *Listener) PollingFrequency() time.Duration { return l.group.PollingFrequency }

// OracleEntry returns the last snapshot read for an asset.
func (l *Listener) OracleEntry(a prices.Asset) (entry.Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.oracle[a.Pair.ID()][a.DataType]
	return e, ok
}

// Refresh reloads the oracle snapshot for every asset that has observations.
// A failed read drops that asset's snapshot so it is not evaluated this pass.
func (l *Listener) Refresh(ctx context.Context) error {
	for _, a := range l.group.Assets() {
		sources := l.observed.Sources(a.Pair.ID(), a.DataType)
		if len(sources) == 0 {
			continue
		}

		e, err := l.handler.FetchLatestEntry(ctx, a.Pair, a.DataType, sources)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			metrics.RecordOracleReadError(l.group.Name)
			l.logger.Warn().
				Err(err).
				Str("pair", a.Pair.ID()).
				Str("data_type", a.DataType.String()).
				Strs("sources", sources).
				Msg("oracle read failed, skipping asset")
			l.forget(a)
			continue
		}
		l.store(a, e)
	}
	return nil
}

func (l *Listener) store(a prices.Asset, e entry.Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	byType, ok := l.oracle[a.Pair.ID()]
	if !ok {
		byType = make(map[entry.DataType]entry.Entry)
		l.oracle[a.Pair.ID()] = byType
	}
	byType[a.DataType] = e
}

func (l *Listener) forget(a prices.Asset) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.oracle[a.Pair.ID()], a.DataType)
}

// NeedsUpdate evaluates every asset with both an oracle snapshot and at least
// one observation, and returns the assets that crossed a threshold.
func (l *Listener) NeedsUpdate() (bool, []prices.Asset) {
	var triggered []prices.Asset
	for _, a := range l.group.Assets() {
		stored, ok := l.OracleEntry(a)
		if !ok {
			continue
		}
		fresh, ok := freshest(l.observed.Entries(a.Pair.ID(), a.DataType), a.DataType, stored.Expiry())
		if !ok {
			continue
		}

		reason := l.check(fresh, stored)
		if reason == "" {
			continue
		}
		l.logger.Info().
			Str("pair", a.Pair.ID()).
			Str("data_type", a.DataType.String()).
			Str("reason", reason).
			Str("observed", fresh.PriceDecimal().String()).
			Str("oracle", stored.PriceDecimal().String()).
			Int64("observed_ts", fresh.Timestamp()).
			Int64("oracle_ts", stored.Timestamp()).
			Msg("asset needs update")
		triggered = append(triggered, a)
	}
	return len(triggered) > 0, triggered
}

func (l *Listener) check(observed, stored entry.Entry) string {
	if observed.Timestamp()-stored.Timestamp() > int64(l.group.Staleness/time.Second) {
		return "staleness"
	}

	oracle := stored.PriceDecimal()
	if !oracle.IsPositive() {
		return "empty_oracle"
	}
	deviation := observed.PriceDecimal().Sub(oracle).Abs().Div(oracle)
	if deviation.GreaterThan(l.group.Deviation) {
		return "deviation"
	}
	return ""
}

// freshest picks the observation with the latest timestamp. For futures it
// prefers the bucket matching the stored expiry and falls back to every
// expiry when that bucket is empty.
func freshest(entries []entry.Entry, dt entry.DataType, expiry int64) (entry.Entry, bool) {
	if dt == entry.Future {
		var bucket []entry.Entry
		for _, e := range entries {
			if e.Expiry() == expiry {
				bucket = append(bucket, e)
			}
		}
		if len(bucket) > 0 {
			entries = bucket
		}
	}

	var (
		best  entry.Entry
		found bool
	)
	for _, e := range entries {
		if !found || e.Timestamp() > best.Timestamp() {
			best = e
			found = true
		}
	}
	return best, found
}

// Evaluate runs one refresh and evaluation pass, raising the notification
// when any asset needs an update.
func (l *Listener) Evaluate(ctx context.Context) ([]prices.Asset, error) {
	if err := l.Refresh(ctx); err != nil {
		return nil, err
	}
	needs, assets := l.NeedsUpdate()
	if needs {
		metrics.RecordNotification(l.group.Name)
		l.logger.Info().Int("assets", len(assets)).Msg("raising update notification")
		l.event.Set()
	}
	return assets, nil
}

// RunForever evaluates the group every PollingFrequency until ctx is done.
func (l *Listener) RunForever(ctx context.Context) error {
	sched := scheduler.New(scheduler.Options{
		Name:      "listener:" + l.group.Name,
		Interval:  l.group.PollingFrequency,
		Immediate: true,
	}, l.logger)

	l.logger.Info().
		Int("assets", len(l.group.Assets())).
		Dur("polling_frequency", l.group.PollingFrequency).
		Msg("listener started")
	return sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
		_, err := l.Evaluate(ctx)
		return err
	})
}
