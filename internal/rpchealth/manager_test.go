package rpchealth

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeNode struct {
	endpoint string
	net      *fakeNetwork
	closed   bool
}

func (n *fakeNode) BlockNumber(ctx context.Context) (uint64, error) {
	if n.net.isDown(n.endpoint) {
		return 0, fmt.Errorf("%s: connection refused", n.endpoint)
	}
	return 100, nil
}

func (n *fakeNode) ChainID(ctx context.Context) (*big.Int, error) {
	if n.net.isDown(n.endpoint) {
		return nil, fmt.Errorf("%s: connection refused", n.endpoint)
	}
	return big.NewInt(n.net.chainID(n.endpoint)), nil
}

func (n *fakeNode) Close() { n.closed = true }

type fakeNetwork struct {
	mu     sync.Mutex
	down   map[string]bool
	chains map[string]int64
	dials  []string
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{down: map[string]bool{}, chains: map[string]int64{}}
}

func (f *fakeNetwork) setDown(endpoint string, down bool) {
	f.mu.Lock()
	f.down[endpoint] = down
	f.mu.Unlock()
}

func (f *fakeNetwork) isDown(endpoint string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.down[endpoint]
}

func (f *fakeNetwork) chainID(endpoint string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.chains[endpoint]; ok {
		return id
	}
	return 1
}

func (f *fakeNetwork) dial(ctx context.Context, endpoint string) (*fakeNode, error) {
	f.mu.Lock()
	f.dials = append(f.dials, endpoint)
	f.mu.Unlock()
	return &fakeNode{endpoint: endpoint, net: f}, nil
}

func newManager(t *testing.T, fn *fakeNetwork, endpoints ...string) *Manager[*fakeNode] {
	t.Helper()
	m, err := New(context.Background(), Options{Network: "test", Endpoints: endpoints}, fn.dial, zerolog.Nop())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestNewSkipsDeadEndpoints(t *testing.T) {
	fn := newFakeNetwork()
	fn.setDown("a", true)
	m := newManager(t, fn, "a", "b")
	if m.Endpoint() != "b" {
		t.Fatalf("expected b to be active, got %s", m.Endpoint())
	}
}

func TestNewFailsWhenNothingAnswers(t *testing.T) {
	fn := newFakeNetwork()
	fn.setDown("a", true)
	_, err := New(context.Background(), Options{Endpoints: []string{"a"}}, fn.dial, zerolog.Nop())
	if !errors.Is(err, ErrNoHealthyEndpoint) {
		t.Fatalf("expected ErrNoHealthyEndpoint, got %v", err)
	}
}

func TestCheckHealthCounts(t *testing.T) {
	fn := newFakeNetwork()
	m := newManager(t, fn, "a", "b")

	fn.setDown("a", true)
	for i := 1; i <= 2; i++ {
		if err := m.CheckHealth(context.Background()); err == nil {
			t.Fatal("probe against a dead endpoint should fail")
		}
		if m.Failures() != i {
			t.Fatalf("expected %d failures, got %d", i, m.Failures())
		}
	}
	if m.NeedsSwitch() {
		t.Fatal("threshold is 3, two failures must not trigger a switch")
	}

	fn.setDown("a", false)
	if err := m.CheckHealth(context.Background()); err != nil {
		t.Fatalf("probe should succeed: %v", err)
	}
	if m.Failures() != 0 {
		t.Fatal("successful probe should reset the counter")
	}
}

func TestRecordFailureThreshold(t *testing.T) {
	m := newManager(t, newFakeNetwork(), "a")
	if m.RecordFailure() || m.RecordFailure() {
		t.Fatal("threshold reached too early")
	}
	if !m.RecordFailure() {
		t.Fatal("third failure should reach the threshold")
	}
}

func TestSwitchEndpointRotates(t *testing.T) {
	fn := newFakeNetwork()
	m := newManager(t, fn, "a", "b", "c")
	old := m.Node()

	var switched []string
	m.OnSwitch(func(from, to string) { switched = append(switched, from+"->"+to) })

	m.RecordFailure()
	if err := m.SwitchEndpoint(context.Background()); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if m.Endpoint() == "a" {
		t.Fatal("failed endpoint must not be picked again while others are healthy")
	}
	if m.Failures() != 0 {
		t.Fatal("switch should reset the failure counter")
	}
	if !old.closed {
		t.Fatal("previous client should be closed")
	}
	if len(switched) != 1 {
		t.Fatalf("switch hook should run once, got %v", switched)
	}
}

func TestSwitchEndpointSkipsUnresponsiveCandidates(t *testing.T) {
	fn := newFakeNetwork()
	m := newManager(t, fn, "a", "b", "c")
	fn.setDown("b", true)

	if err := m.SwitchEndpoint(context.Background()); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if m.Endpoint() != "c" {
		t.Fatalf("only c answers, got %s", m.Endpoint())
	}
}

func TestSwitchEndpointRejectsWrongChain(t *testing.T) {
	fn := newFakeNetwork()
	fn.chains["b"] = 5
	m, err := New(context.Background(), Options{Endpoints: []string{"a", "b"}, ChainID: big.NewInt(1)}, fn.dial, zerolog.Nop())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := m.SwitchEndpoint(context.Background()); !errors.Is(err, ErrNoHealthyEndpoint) {
		t.Fatalf("b is on another chain, expected ErrNoHealthyEndpoint, got %v", err)
	}
}

func TestSwitchEndpointExhaustionResetsFailedSet(t *testing.T) {
	fn := newFakeNetwork()
	m := newManager(t, fn, "a", "b")

	// a -> b, then b fails as well so every endpoint has been marked.
	if err := m.SwitchEndpoint(context.Background()); err != nil {
		t.Fatalf("first switch: %v", err)
	}
	if m.Endpoint() != "b" {
		t.Fatalf("expected b, got %s", m.Endpoint())
	}
	if err := m.SwitchEndpoint(context.Background()); err != nil {
		t.Fatalf("switch after exhaustion must not fail while a is reachable: %v", err)
	}
	if m.Endpoint() != "a" {
		t.Fatalf("expected a after reset, got %s", m.Endpoint())
	}
}

func TestSwitchEndpointSingleEndpoint(t *testing.T) {
	fn := newFakeNetwork()
	m := newManager(t, fn, "only")
	if err := m.SwitchEndpoint(context.Background()); err != nil {
		t.Fatalf("single reachable endpoint should be reconnected: %v", err)
	}
	if m.Endpoint() != "only" {
		t.Fatalf("unexpected endpoint %s", m.Endpoint())
	}
}

func TestSwitchEndpointAllDown(t *testing.T) {
	fn := newFakeNetwork()
	m := newManager(t, fn, "a", "b")
	fn.setDown("a", true)
	fn.setDown("b", true)
	if err := m.SwitchEndpoint(context.Background()); !errors.Is(err, ErrNoHealthyEndpoint) {
		t.Fatalf("expected ErrNoHealthyEndpoint, got %v", err)
	}
	if m.Endpoint() != "a" {
		t.Fatal("active endpoint should be unchanged after a failed switch")
	}
}

func TestFailoverRotatesOnce(t *testing.T) {
	fn := newFakeNetwork()
	m := newManager(t, fn, "a", "b", "c")

	var (
		mu       sync.Mutex
		switched []string
	)
	m.OnSwitch(func(from, to string) {
		mu.Lock()
		switched = append(switched, from+"->"+to)
		mu.Unlock()
	})

	if err := m.Failover(context.Background()); err != nil || m.Endpoint() != "a" {
		t.Fatalf("below the threshold nothing should rotate: %s %v", m.Endpoint(), err)
	}

	for i := 0; i < m.Threshold(); i++ {
		m.RecordFailure()
	}
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Failover(context.Background()); err != nil {
				t.Errorf("failover: %v", err)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(switched) != 1 {
		t.Fatalf("concurrent callers at the threshold should rotate once, got %v", switched)
	}
	if m.Endpoint() == "a" || m.Failures() != 0 {
		t.Fatalf("unexpected state after failover: %s failures=%d", m.Endpoint(), m.Failures())
	}
}

func TestRunRotatesAfterThreshold(t *testing.T) {
	fn := newFakeNetwork()
	m, err := New(context.Background(), Options{
		Network:       "test",
		Endpoints:     []string{"a", "b"},
		Threshold:     3,
		CheckInterval: 5 * time.Millisecond,
	}, fn.dial, zerolog.Nop())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	switched := make(chan string, 4)
	m.OnSwitch(func(from, to string) { switched <- from + "->" + to })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	if m.Endpoint() != "a" || m.Failures() != 0 {
		t.Fatalf("healthy endpoint should stay active: %s failures=%d", m.Endpoint(), m.Failures())
	}

	fn.setDown("a", true)
	select {
	case s := <-switched:
		if s != "a->b" {
			t.Fatalf("unexpected rotation %s", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("background monitor did not rotate the failing endpoint")
	}
	if m.Endpoint() != "b" {
		t.Fatalf("expected b to be active, got %s", m.Endpoint())
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRunKeepsEndpointBelowThreshold(t *testing.T) {
	fn := newFakeNetwork()
	m, err := New(context.Background(), Options{
		Network:       "test",
		Endpoints:     []string{"a", "b"},
		Threshold:     1000,
		CheckInterval: 5 * time.Millisecond,
	}, fn.dial, zerolog.Nop())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	fn.setDown("a", true)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_ = m.Run(ctx)

	if m.Endpoint() != "a" {
		t.Fatalf("endpoint rotated below the threshold: %s", m.Endpoint())
	}
	if m.Failures() == 0 {
		t.Fatal("failed probes should have been counted")
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial tcp: i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsRPCError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("boom"), false},
		{fmt.Errorf("send tx: %w", timeoutErr{}), true},
		{fmt.Errorf("wrap: %w", ErrRPC), true},
		{context.DeadlineExceeded, true},
		{context.Canceled, false},
		{errors.New("429 Too Many Requests"), true},
		{errors.New("execution reverted: stale"), false},
		{errors.New("nonce too low"), false},
	}
	for _, c := range cases {
		if got := IsRPCError(c.err); got != c.want {
			t.Errorf("IsRPCError(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestProbe(t *testing.T) {
	fn := newFakeNetwork()
	fn.chains["b"] = 10

	res, err := Probe(context.Background(), "b", fn.dial, 0)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if res.ChainID.Int64() != 10 || res.Block != 100 {
		t.Fatalf("unexpected probe result %+v", res)
	}

	fn.setDown("a", true)
	if _, err := Probe(context.Background(), "a", fn.dial, 0); err == nil {
		t.Fatal("a down endpoint must fail the probe")
	}
}
