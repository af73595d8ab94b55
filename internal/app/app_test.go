package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"price-pusher/internal/chain"
	"price-pusher/internal/config"
	"price-pusher/internal/storage"
)

func testConfig() *config.Config {
	return &config.Config{
		Publisher:  config.PublisherConfig{Name: "PRAGMA", Target: config.TargetOffchain},
		Currencies: map[string]uint32{"btc": 8, "usd": 8, "eth": 18},
		Poller:     config.PollerConfig{Interval: time.Second, FetchTimeout: time.Second, MaxAttempts: 1},
		Pusher:     config.PusherConfig{MaxConsecutiveFailures: 10, AcceptanceInterval: time.Second},
		Groups: []config.GroupConfig{{
			Name:              "majors",
			Spot:              []string{"BTC/USD"},
			Future:            []string{"ETH/USD"},
			StalenessSeconds:  120,
			DeviationFraction: 0.025,
			PollingFrequency:  3 * time.Second,
		}},
	}
}

func TestListenerGroups(t *testing.T) {
	a := NewApp(testConfig(), zerolog.Nop())
	groups, err := a.listenerGroups()
	if err != nil {
		t.Fatalf("groups: %v", err)
	}
	g := groups[0]
	if g.Staleness != 120*time.Second || g.Deviation.String() != "0.025" || g.PollingFrequency != 3*time.Second {
		t.Fatalf("unexpected group %+v", g)
	}
	if g.Future[0].Decimals() != 18 || g.Spot[0].ID() != "BTC/USD" {
		t.Fatalf("currency table not applied: %+v", g)
	}
}

func TestNewAggregator(t *testing.T) {
	cfg := testConfig()
	cfg.Fetchers = []config.FetcherConfig{
		{Name: "REST", Kind: config.FetcherREST, Pairs: []string{"BTC/USD"}, URLTemplate: "http://x/{base}", PricePath: "p"},
	}
	a := NewApp(cfg, zerolog.Nop())
	agg, err := a.newAggregator()
	if err != nil {
		t.Fatalf("aggregator: %v", err)
	}
	if agg.UsesRPC() {
		t.Fatal("rest only aggregator should not use rpc")
	}

	cfg.Fetchers = append(cfg.Fetchers, config.FetcherConfig{
		Name:   "CHAINLINK",
		Kind:   config.FetcherChainlink,
		RPCURL: "http://rpc",
		Feeds:  map[string]string{"eth/usd": "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419"},
	})
	agg, err = a.newAggregator()
	if err != nil {
		t.Fatalf("aggregator: %v", err)
	}
	if !agg.UsesRPC() || len(agg.Fetchers()) != 2 {
		t.Fatal("chainlink source should mark the aggregator as rpc backed")
	}
}

func TestEvaluateOffchain(t *testing.T) {
	now := time.Now().Unix()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/ticker/BTCUSD":
			fmt.Fprintf(w, `{"price":"111"}`)
		case r.URL.Path == "/v1/data/BTC/USD":
			fmt.Fprintf(w, `{"price":"10000000000","timestamp":%d}`, now)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Groups[0].Future = nil
	cfg.Offchain = config.OffchainConfig{BaseURL: srv.URL, Timeout: time.Second}
	cfg.Fetchers = []config.FetcherConfig{
		{Name: "REST", Kind: config.FetcherREST, Pairs: []string{"BTC/USD"}, URLTemplate: srv.URL + "/ticker/{base}{quote}", PricePath: "price"},
	}

	var out bytes.Buffer
	if err := NewApp(cfg, zerolog.Nop()).Evaluate(context.Background(), &out); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !strings.Contains(out.String(), "BTC/USD") || !strings.Contains(out.String(), "yes") {
		t.Fatalf("BTC/USD should need an update:\n%s", out.String())
	}
}

type probeBackend struct {
	chain.Backend
	chainID int64
}

func (p probeBackend) ChainID(context.Context) (*big.Int, error)   { return big.NewInt(p.chainID), nil }
func (p probeBackend) BlockNumber(context.Context) (uint64, error) { return 42, nil }
func (p probeBackend) Close()                                      {}

func TestCheckEndpoints(t *testing.T) {
	cfg := testConfig()
	cfg.Publisher.Target = config.TargetOnchain
	cfg.Network = config.NetworkConfig{
		Active: "Sepolia",
		Networks: map[string]config.NetworkTarget{
			"sepolia": {RPCURLs: []string{"http://down", "http://wrong-chain", "http://ok"}, ChainID: 11155111},
		},
		RequestTimeout: time.Second,
	}
	dial := func(ctx context.Context, endpoint string) (chain.Backend, error) {
		switch endpoint {
		case "http://down":
			return nil, errors.New("connection refused")
		case "http://wrong-chain":
			return probeBackend{chainID: 1}, nil
		default:
			return probeBackend{chainID: 11155111}, nil
		}
	}

	var out bytes.Buffer
	a := NewApp(cfg, zerolog.Nop())
	if err := a.checkEndpoints(context.Background(), &out, dial); err != nil {
		t.Fatalf("one healthy endpoint should be enough: %v", err)
	}
	report := out.String()
	if !strings.Contains(report, "connection refused") || !strings.Contains(report, "want 11155111") || !strings.Contains(report, "ok") {
		t.Fatalf("unexpected report:\n%s", report)
	}

	cfg.Network.Networks["sepolia"] = config.NetworkTarget{RPCURLs: []string{"http://down"}, ChainID: 11155111}
	out.Reset()
	if err := a.checkEndpoints(context.Background(), &out, dial); err == nil {
		t.Fatal("no healthy endpoint on the active network must fail")
	}
}

func TestRenderBatches(t *testing.T) {
	msg := "rpc timeout\nretry later"
	batches := []storage.PushBatch{
		{ID: uuid.New(), Target: "onchain", Status: storage.StatusPushed, Entries: 3, Attempts: 1, TxHashes: []string{"0xaa", "0xbb"}, StartedAt: time.Unix(1700000000, 0)},
		{ID: uuid.New(), Target: "onchain", Status: storage.StatusFailed, Entries: 1, Attempts: 2, Error: &msg, StartedAt: time.Unix(1700000060, 0)},
	}
	var out bytes.Buffer
	if err := renderBatches(&out, batches, map[string]int64{"pushed": 10, "failed": 2}); err != nil {
		t.Fatalf("render: %v", err)
	}
	s := out.String()
	if !strings.Contains(s, "0xaa (+1)") || !strings.Contains(s, "rpc timeout retry later") {
		t.Fatalf("unexpected rows:\n%s", s)
	}
	if !strings.Contains(s, "totals: failed=2 pushed=10") {
		t.Fatalf("unexpected totals:\n%s", s)
	}

	out.Reset()
	if err := renderBatches(&out, nil, nil); err != nil || !strings.Contains(out.String(), "no push batches") {
		t.Fatalf("empty listing: %q %v", out.String(), err)
	}
}

type pruneStore struct {
	storage.PushBatchStore
	cutoff time.Time
}

func (p *pruneStore) DeletePushBatchesBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	p.cutoff = olderThan
	return 3, nil
}

func TestRetentionPrune(t *testing.T) {
	store := &pruneStore{}
	r := newRetention(store, 24*time.Hour, zerolog.Nop())
	r.now = func() time.Time { return time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC) }
	if err := r.prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if !store.cutoff.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected cutoff %s", store.cutoff)
	}
}
