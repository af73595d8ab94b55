package rpchealth

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"price-pusher/internal/metrics"
	"price-pusher/internal/scheduler"
)

const (
	DefaultThreshold     = 3
	DefaultCheckInterval = 60 * time.Second
	DefaultProbeTimeout  = 10 * time.Second
)

// ErrNoHealthyEndpoint is returned when no configured endpoint answers.
var ErrNoHealthyEndpoint = errors.New("rpchealth: no healthy endpoint available")

// Node is the subset of an RPC client the manager needs to probe an endpoint.
type Node interface {
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}

// Dialer opens a client for one endpoint.
type Dialer[N Node] func(ctx context.Context, endpoint string) (N, error)

// SwitchHook is called after the active endpoint changed.
type SwitchHook func(from, to string)

// Options parameterise a Manager.
type Options struct {
	Network       string
	Endpoints     []string
	Threshold     int
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	// ChainID, when set, must match what a candidate reports before it is
	// committed as the active endpoint.
	ChainID *big.Int
}

// Manager owns the active RPC client for one network, counts failures
// against it and rotates to another endpoint once the threshold is reached.
type Manager[N Node] struct {
	opts   Options
	dial   Dialer[N]
	logger zerolog.Logger

	mu       sync.RWMutex
	node     N
	active   string
	failed   map[string]struct{}
	failures int

	switchMu sync.Mutex
	rand     *rand.Rand

	hooksMu sync.Mutex
	hooks   []SwitchHook
}

// New connects to the first endpoint that answers a chain-id query.
func New[N Node](ctx context.Context, opts Options, dial Dialer[N], logger zerolog.Logger) (*Manager[N], error) {
	if len(opts.Endpoints) == 0 {
		return nil, fmt.Errorf("rpchealth: no endpoints configured for network %q", opts.Network)
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}

	m := &Manager[N]{
		opts:   opts,
		dial:   dial,
		logger: logger.With().Str("component", "rpc_health").Str("network", opts.Network).Logger(),
		failed: make(map[string]struct{}),
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	var lastErr error
	for _, endpoint := range opts.Endpoints {
		node, err := m.verify(ctx, endpoint)
		if err != nil {
			lastErr = err
			m.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("initial endpoint did not respond")
			continue
		}
		m.node = node
		m.active = endpoint
		m.logger.Info().Str("endpoint", endpoint).Msg("connected to rpc endpoint")
		return m, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrNoHealthyEndpoint, lastErr)
}

// Node returns the client for the active endpoint.
func (m *Manager[N]) Node() N {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.node
}

// Endpoint returns the active endpoint.
func (m *Manager[N]) Endpoint() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Failures returns the consecutive failure count of the active endpoint.
func (m *Manager[N]) Failures() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failures
}

// Threshold returns the failure count at which the endpoint is rotated.
func (m *Manager[N]) Threshold() int { return m.opts.Threshold }

// OnSwitch registers a hook run after every successful rotation.
func (m *Manager[N]) OnSwitch(hook SwitchHook) {
	m.hooksMu.Lock()
	m.hooks = append(m.hooks, hook)
	m.hooksMu.Unlock()
}

// CheckHealth issues one liveness call against the active endpoint.
func (m *Manager[N]) CheckHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()

	node := m.Node()
	height, err := node.BlockNumber(ctx)
	if err != nil {
		metrics.RecordHealthProbe("failed")
		failures := m.recordFailure()
		m.logger.Warn().Err(err).Str("endpoint", m.Endpoint()).Int("failures", failures).Msg("rpc liveness probe failed")
		return err
	}
	metrics.RecordHealthProbe("ok")
	m.RecordSuccess()
	m.logger.Debug().Uint64("block", height).Str("endpoint", m.Endpoint()).Msg("rpc endpoint healthy")
	return nil
}

// RecordFailure counts one failure attributable to the active endpoint and
// reports whether the rotation threshold has been reached.
func (m *Manager[N]) RecordFailure() bool {
	return m.recordFailure() >= m.opts.Threshold
}

// RecordSuccess resets the failure counter.
func (m *Manager[N]) RecordSuccess() {
	m.mu.Lock()
	m.failures = 0
	m.mu.Unlock()
}

// NeedsSwitch reports whether the failure counter reached the threshold.
func (m *Manager[N]) NeedsSwitch() bool {
	return m.Failures() >= m.opts.Threshold
}

func (m *Manager[N]) recordFailure() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
	return m.failures
}

// SwitchEndpoint marks the active endpoint as failed and moves to a randomly
// chosen endpoint that answers a chain-id query. When every endpoint has
// failed at some point the failed set is reset to just the current one, so
// the manager never locks itself out.
func (m *Manager[N]) SwitchEndpoint(ctx context.Context) error {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()
	return m.switchLocked(ctx)
}

// Failover rotates the endpoint only if the failure threshold is still
// reached once the switch lock is held. When a concurrent caller already
// rotated, it returns nil and the new endpoint stays active.
func (m *Manager[N]) Failover(ctx context.Context) error {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()
	if !m.NeedsSwitch() {
		m.logger.Debug().Str("endpoint", m.Endpoint()).Msg("endpoint already rotated")
		return nil
	}
	return m.switchLocked(ctx)
}

func (m *Manager[N]) switchLocked(ctx context.Context) error {
	m.mu.Lock()
	from := m.active
	m.failed[from] = struct{}{}
	candidates := m.candidatesLocked()
	if len(candidates) == 0 {
		m.logger.Warn().Int("endpoints", len(m.opts.Endpoints)).Msg("all endpoints marked failed, resetting failed set")
		m.failed = map[string]struct{}{from: {}}
		candidates = m.candidatesLocked()
		if len(candidates) == 0 {
			candidates = []string{from}
		}
	}
	m.mu.Unlock()

	m.rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })

	for _, endpoint := range candidates {
		node, err := m.verify(ctx, endpoint)
		if err != nil {
			m.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("candidate endpoint did not respond")
			m.mu.Lock()
			m.failed[endpoint] = struct{}{}
			m.mu.Unlock()
			continue
		}

		m.mu.Lock()
		old := m.node
		m.node = node
		m.active = endpoint
		m.failures = 0
		m.mu.Unlock()

		old.Close()
		metrics.RecordEndpointSwitch("ok")
		m.logger.Info().Str("from", from).Str("to", endpoint).Msg("switched rpc endpoint")
		m.runHooks(from, endpoint)
		return nil
	}

	metrics.RecordEndpointSwitch("failed")
	return fmt.Errorf("%w: tried %d candidates for network %q", ErrNoHealthyEndpoint, len(candidates), m.opts.Network)
}

// Run probes the active endpoint every CheckInterval and rotates it once the
// failure threshold is reached, independently of push activity.
func (m *Manager[N]) Run(ctx context.Context) error {
	sched := scheduler.New(scheduler.Options{Name: "rpc_health", Interval: m.opts.CheckInterval}, m.logger)
	return sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
		if err := m.CheckHealth(ctx); err == nil {
			return nil
		}
		if !m.NeedsSwitch() {
			return nil
		}
		if err := m.Failover(ctx); err != nil {
			m.logger.Error().Err(err).Msg("endpoint rotation failed")
		}
		return nil
	})
}

// Close releases the active client.
func (m *Manager[N]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != "" {
		m.node.Close()
	}
}

func (m *Manager[N]) candidatesLocked() []string {
	out := make([]string, 0, len(m.opts.Endpoints))
	for _, endpoint := range m.opts.Endpoints {
		if _, bad := m.failed[endpoint]; bad {
			continue
		}
		out = append(out, endpoint)
	}
	return out
}

func (m *Manager[N]) verify(ctx context.Context, endpoint string) (N, error) {
	var zero N

	ctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()

	node, err := m.dial(ctx, endpoint)
	if err != nil {
		return zero, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	chainID, err := node.ChainID(ctx)
	if err != nil {
		node.Close()
		return zero, fmt.Errorf("query chain id on %s: %w", endpoint, err)
	}
	if m.opts.ChainID != nil && chainID.Cmp(m.opts.ChainID) != 0 {
		node.Close()
		return zero, fmt.Errorf("endpoint %s reports chain id %s, want %s", endpoint, chainID, m.opts.ChainID)
	}
	return node, nil
}

func (m *Manager[N]) runHooks(from, to string) {
	m.hooksMu.Lock()
	hooks := append([]SwitchHook(nil), m.hooks...)
	m.hooksMu.Unlock()
	for _, hook := range hooks {
		hook(from, to)
	}
}

// ProbeResult is what one endpoint reported to Probe.
type ProbeResult struct {
	Endpoint string
	ChainID  *big.Int
	Block    uint64
	Latency  time.Duration
}

// Probe dials endpoint and asks it for its chain id and head block, without
// touching any manager state.
func Probe[N Node](ctx context.Context, endpoint string, dial Dialer[N], timeout time.Duration) (ProbeResult, error) {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := ProbeResult{Endpoint: endpoint}
	start := time.Now()
	node, err := dial(ctx, endpoint)
	if err != nil {
		return res, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	defer node.Close()

	if res.ChainID, err = node.ChainID(ctx); err != nil {
		return res, fmt.Errorf("query chain id on %s: %w", endpoint, err)
	}
	if res.Block, err = node.BlockNumber(ctx); err != nil {
		return res, fmt.Errorf("query block number on %s: %w", endpoint, err)
	}
	res.Latency = time.Since(start)
	return res, nil
}
