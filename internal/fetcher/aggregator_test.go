package fetcher

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"price-pusher/internal/entry"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

type stubFetcher struct {
	name    string
	rpc     bool
	entries []entry.Entry
	err     error
	hang    bool
}

func (s *stubFetcher) Name() string  { return s.name }
func (s *stubFetcher) UsesRPC() bool { return s.rpc }

func (s *stubFetcher) Fetch(ctx context.Context) ([]entry.Entry, error) {
	if s.hang {
		// ignores ctx on purpose
		time.Sleep(time.Second)
	}
	return s.entries, s.err
}

func spot(source string, price int64) entry.Entry {
	return entry.NewSpot("BTC/USD", source, "PRAGMA", big.NewInt(price), nil, 1000)
}

func TestAggregatorNoFetchers(t *testing.T) {
	a := NewAggregator(noopLogger())
	if _, _, err := a.Fetch(context.Background(), FetchOptions{}); !errors.Is(err, ErrNoFetchers) {
		t.Fatalf("expected ErrNoFetchers, got %v", err)
	}
}

func TestAggregatorKeepsOrderAndDropsFailures(t *testing.T) {
	a := NewAggregator(noopLogger(),
		&stubFetcher{name: "A", entries: []entry.Entry{spot("A", 1)}},
		&stubFetcher{name: "B", err: errors.New("boom")},
		&stubFetcher{name: "C", entries: []entry.Entry{spot("C", 3)}},
	)

	entries, errs, err := a.Fetch(context.Background(), FetchOptions{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(errs) != 0 {
		t.Fatal("errors must not be collected unless requested")
	}
	if len(entries) != 2 || entries[0].Source() != "A" || entries[1].Source() != "C" {
		t.Fatalf("unexpected entries %v", entries)
	}

	_, errs, _ = a.Fetch(context.Background(), FetchOptions{ReturnErrors: true})
	if len(errs) != 1 || errs[0].Source != "B" {
		t.Fatalf("expected one SourceError for B, got %v", errs)
	}
}

func TestAggregatorAbandonsHungSource(t *testing.T) {
	a := NewAggregator(noopLogger(),
		&stubFetcher{name: "slow", hang: true, entries: []entry.Entry{spot("slow", 1)}},
		&stubFetcher{name: "fast", entries: []entry.Entry{spot("fast", 2)}},
	)

	start := time.Now()
	entries, errs, err := a.Fetch(context.Background(), FetchOptions{Timeout: 50 * time.Millisecond, ReturnErrors: true})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("hung source should not hold up the round")
	}
	if len(entries) != 1 || entries[0].Source() != "fast" {
		t.Fatalf("unexpected entries %v", entries)
	}
	if len(errs) != 1 || !errors.Is(errs[0], context.DeadlineExceeded) {
		t.Fatalf("expected a timeout error for the hung source, got %v", errs)
	}
}

func TestAggregatorUsesRPC(t *testing.T) {
	a := NewAggregator(noopLogger(), &stubFetcher{name: "A"})
	if a.UsesRPC() {
		t.Fatal("no RPC fetcher registered")
	}
	a.Add(&stubFetcher{name: "B", rpc: true})
	if !a.UsesRPC() {
		t.Fatal("UsesRPC should be true once an RPC fetcher is added")
	}
}

func TestAggregatorParentCancelled(t *testing.T) {
	a := NewAggregator(noopLogger(), &stubFetcher{name: "A"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := a.Fetch(ctx, FetchOptions{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
