package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRunImmediateAndRepeat(t *testing.T) {
	s := New(Options{Interval: 5 * time.Millisecond, Immediate: true}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var ticks int32
	err := s.Run(ctx, func(ctx context.Context, at time.Time) error {
		if atomic.AddInt32(&ticks, 1) == 3 {
			cancel()
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if atomic.LoadInt32(&ticks) != 3 {
		t.Fatalf("expected 3 ticks, got %d", ticks)
	}
}

func TestRunExitOnError(t *testing.T) {
	s := New(Options{Interval: time.Millisecond, Immediate: true, ExitOnError: true}, zerolog.Nop())
	boom := errors.New("boom")

	err := s.Run(context.Background(), func(ctx context.Context, at time.Time) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("tick error should stop the loop, got %v", err)
	}
}

func TestRunContinuesOnError(t *testing.T) {
	s := New(Options{Interval: time.Millisecond, Immediate: true}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ticks int32
	_ = s.Run(ctx, func(ctx context.Context, at time.Time) error {
		if atomic.AddInt32(&ticks, 1) >= 2 {
			cancel()
		}
		return errors.New("transient")
	})
	if atomic.LoadInt32(&ticks) < 2 {
		t.Fatal("loop should continue after a failed tick")
	}
}

func TestRunWaitsOneIntervalWithoutImmediate(t *testing.T) {
	s := New(Options{Interval: 20 * time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	start := time.Now()
	var first time.Duration
	_ = s.Run(ctx, func(ctx context.Context, at time.Time) error {
		first = time.Since(start)
		cancel()
		return nil
	})
	if first < 20*time.Millisecond {
		t.Fatalf("first tick ran after %s, before one interval elapsed", first)
	}
}

func TestNewPanicsOnZeroInterval(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("zero interval should panic")
		}
	}()
	New(Options{}, zerolog.Nop())
}
