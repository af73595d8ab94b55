package pusher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"price-pusher/internal/alerting"
	"price-pusher/internal/entry"
	"price-pusher/internal/metrics"
	"price-pusher/internal/rpchealth"
	"price-pusher/internal/storage"
)

const (
	DefaultMaxConsecutiveFailures = 10
	DefaultAcceptanceInterval     = time.Second

	TargetOnchain  = "onchain"
	TargetOffchain = "offchain"
)

// ErrTooManyFailures is returned once the consecutive failure limit is hit.
var ErrTooManyFailures = errors.New("pusher: too many consecutive push failures")

// OnchainClient publishes entries through transactions.
type OnchainClient interface {
	PublishMany(ctx context.Context, entries []entry.Entry) ([]common.Hash, error)
	WaitForAcceptance(ctx context.Context, tx common.Hash, interval time.Duration) error
}

// OffchainClient publishes entries to an HTTP API.
type OffchainClient interface {
	PublishEntries(ctx context.Context, entries []entry.Entry, publishToWebsocket bool) error
}

// Health is the failover state the on-chain pusher reports into.
type Health interface {
	Endpoint() string
	RecordFailure() bool
	RecordSuccess()
	Failover(ctx context.Context) error
}

// Options tune the pusher.
type Options struct {
	Publisher              string
	MaxConsecutiveFailures int
	AcceptanceInterval     time.Duration
	PublishToWebsocket     bool
	// Store, when set, receives one audit row per batch.
	Store storage.PushBatchStore
	// Notifier, when set, is told when the circuit breaker opens.
	Notifier alerting.Notifier
	Channels []string
}

// Result describes a published batch.
type Result struct {
	BatchID  uuid.UUID
	Entries  int
	TxHashes []common.Hash
	Endpoint string
	Attempts int
}

// Pusher submits batches to the destination oracle.
type Pusher struct {
	onchain  OnchainClient
	offchain OffchainClient
	health   Health
	opts     Options
	logger   zerolog.Logger

	// pushMu serialises chain submissions so two batches never race on the nonce.
	pushMu sync.Mutex

	mu          sync.Mutex
	consecutive int
}

// NewOnchain builds a pusher that publishes transactions and rotates RPC
// endpoints through health.
func NewOnchain(client OnchainClient, health Health, opts Options, logger zerolog.Logger) *Pusher {
	p := newPusher(opts, logger.With().Str("target", TargetOnchain).Logger())
	p.onchain = client
	p.health = health
	return p
}

// NewOffchain builds a pusher that publishes to the HTTP API.
func NewOffchain(client OffchainClient, opts Options, logger zerolog.Logger) *Pusher {
	p := newPusher(opts, logger.With().Str("target", TargetOffchain).Logger())
	p.offchain = client
	return p
}

func newPusher(opts Options, logger zerolog.Logger) *Pusher {
	if opts.MaxConsecutiveFailures <= 0 {
		opts.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if opts.AcceptanceInterval <= 0 {
		opts.AcceptanceInterval = DefaultAcceptanceInterval
	}
	return &Pusher{
		opts:   opts,
		logger: logger.With().Str("component", "pusher").Logger(),
	}
}

// Target reports onchain or offchain.
func (p *Pusher) Target() string {
	if p.onchain != nil {
		return TargetOnchain
	}
	return TargetOffchain
}

// ConsecutiveFailures returns the current failure streak.
func (p *Pusher) ConsecutiveFailures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consecutive
}

// UpdatePriceFeeds publishes entries. An empty batch is a no-op. A failed
// batch is dropped and nil, nil is returned until the consecutive failure
// limit is reached, at which point ErrTooManyFailures is returned.
func (p *Pusher) UpdatePriceFeeds(ctx context.Context, entries []entry.Entry) (*Result, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	return p.push(ctx, uuid.New(), entries, 1)
}

func (p *Pusher) push(ctx context.Context, id uuid.UUID, entries []entry.Entry, attempt int) (*Result, error) {
	start := time.Now()
	endpoint := p.endpoint()
	hashes, err := p.publish(ctx, entries)
	elapsed := time.Since(start)

	if err == nil {
		p.setFailures(0)
		if p.health != nil {
			p.health.RecordSuccess()
		}
		metrics.RecordPush("success", len(entries), elapsed.Seconds())
		p.audit(ctx, id, entries, hashes, endpoint, attempt, start, elapsed, nil)
		p.logger.Info().
			Str("batch_id", id.String()).
			Int("entries", len(entries)).
			Int("txs", len(hashes)).
			Int("attempt", attempt).
			Dur("elapsed", elapsed).
			Msg("batch published")
		return &Result{BatchID: id, Entries: len(entries), TxHashes: hashes, Endpoint: endpoint, Attempts: attempt}, nil
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	failures := p.incFailures()
	metrics.RecordPush("failed", len(entries), elapsed.Seconds())
	p.logger.Warn().
		Err(err).
		Str("batch_id", id.String()).
		Str("endpoint", endpoint).
		Int("entries", len(entries)).
		Int("attempt", attempt).
		Int("consecutive_failures", failures).
		Msg("push failed")

	if p.health != nil && rpchealth.IsRPCError(err) && p.health.RecordFailure() && attempt == 1 {
		if swErr := p.health.Failover(ctx); swErr != nil {
			p.logger.Error().Err(swErr).Str("endpoint", endpoint).Msg("endpoint switch failed")
		} else {
			p.logger.Info().
				Str("from", endpoint).
				Str("to", p.health.Endpoint()).
				Str("batch_id", id.String()).
				Msg("retrying batch on new endpoint")
			return p.push(ctx, id, entries, attempt+1)
		}
	}

	p.audit(ctx, id, entries, hashes, endpoint, attempt, start, elapsed, err)

	if failures >= p.opts.MaxConsecutiveFailures {
		p.notifyCircuitOpen(ctx, failures, err)
		return nil, fmt.Errorf("%w (%d in a row): %w", ErrTooManyFailures, failures, err)
	}
	return nil, nil
}

func (p *Pusher) publish(ctx context.Context, entries []entry.Entry) ([]common.Hash, error) {
	if p.onchain == nil {
		if p.offchain == nil {
			return nil, errors.New("pusher: no destination client")
		}
		if err := p.offchain.PublishEntries(ctx, entries, p.opts.PublishToWebsocket); err != nil {
			return nil, fmt.Errorf("publish entries: %w", err)
		}
		return nil, nil
	}

	p.pushMu.Lock()
	defer p.pushMu.Unlock()

	hashes, err := p.onchain.PublishMany(ctx, entries)
	if err != nil {
		return nil, fmt.Errorf("publish many: %w", err)
	}
	for _, h := range hashes {
		if err := p.onchain.WaitForAcceptance(ctx, h, p.opts.AcceptanceInterval); err != nil {
			return hashes, fmt.Errorf("wait for %s: %w", h.Hex(), err)
		}
	}
	return hashes, nil
}

func (p *Pusher) endpoint() string {
	if p.health == nil {
		return ""
	}
	return p.health.Endpoint()
}

func (p *Pusher) incFailures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutive++
	metrics.SetConsecutiveFailures(p.consecutive)
	return p.consecutive
}

func (p *Pusher) setFailures(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutive = n
	metrics.SetConsecutiveFailures(n)
}

func (p *Pusher) audit(ctx context.Context, id uuid.UUID, entries []entry.Entry, hashes []common.Hash, endpoint string, attempt int, start time.Time, elapsed time.Duration, pushErr error) {
	if p.opts.Store == nil {
		return
	}

	batch := storage.PushBatch{
		ID:        id,
		Publisher: p.opts.Publisher,
		Target:    p.Target(),
		Endpoint:  endpoint,
		Status:    storage.StatusPushed,
		Entries:   len(entries),
		Pairs:     pairIDs(entries),
		Attempts:  attempt,
		StartedAt: start.UTC(),
		Duration:  elapsed,
	}
	for _, h := range hashes {
		batch.TxHashes = append(batch.TxHashes, h.Hex())
	}
	if pushErr != nil {
		msg := pushErr.Error()
		batch.Status = storage.StatusFailed
		batch.Error = &msg
	}

	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := p.opts.Store.InsertPushBatch(auditCtx, batch); err != nil {
		p.logger.Error().Err(err).Str("batch_id", id.String()).Msg("failed to persist push batch")
	}
}

func (p *Pusher) notifyCircuitOpen(ctx context.Context, failures int, cause error) {
	p.logger.Error().
		Err(cause).
		Int("consecutive_failures", failures).
		Int("limit", p.opts.MaxConsecutiveFailures).
		Msg("push circuit breaker open")
	if p.opts.Notifier == nil {
		return
	}

	note := alerting.Notification{
		Kind:      alerting.KindCircuitOpen,
		At:        time.Now(),
		Publisher: p.opts.Publisher,
		Failures:  failures,
		Threshold: p.opts.MaxConsecutiveFailures,
		Err:       cause,
		Channels:  p.opts.Channels,
	}
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.opts.Notifier.Notify(notifyCtx, note); err != nil {
		p.logger.Error().Err(err).Msg("failed to dispatch alert")
	}
}

func pairIDs(entries []entry.Entry) []string {
	seen := make(map[string]struct{}, len(entries))
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		id := e.PairID()
		if e.DataType() == entry.Generic {
			id = e.Key()
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
