package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"price-pusher/internal/metrics"
	"price-pusher/internal/scheduler"
	"price-pusher/internal/storage"
)

// metricsServer serves the Prometheus registry for as long as the pipeline runs.
type metricsServer struct {
	srv    *http.Server
	logger zerolog.Logger
}

func newMetricsServer(addr string, logger zerolog.Logger) *metricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &metricsServer{
		srv:    &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		logger: logger.With().Str("component", "metrics_server").Logger(),
	}
}

func (m *metricsServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		m.logger.Info().Str("addr", m.srv.Addr).Msg("serving metrics")
		errCh <- m.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.srv.Shutdown(shutdownCtx); err != nil {
			m.logger.Warn().Err(err).Msg("metrics server shutdown")
		}
		return ctx.Err()
	}
}

// retention prunes old audit rows once an hour.
type retention struct {
	store  storage.PushBatchStore
	keep   time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

func newRetention(store storage.PushBatchStore, keep time.Duration, logger zerolog.Logger) *retention {
	return &retention{
		store:  store,
		keep:   keep,
		logger: logger.With().Str("component", "retention").Logger(),
		now:    time.Now,
	}
}

func (r *retention) Run(ctx context.Context) error {
	sched := scheduler.New(scheduler.Options{Name: "retention", Interval: time.Hour, Immediate: true}, r.logger)
	return sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
		return r.prune(ctx)
	})
}

func (r *retention) prune(ctx context.Context) error {
	cutoff := r.now().UTC().Add(-r.keep)
	deleted, err := r.store.DeletePushBatchesBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if deleted > 0 {
		r.logger.Info().Int64("deleted", deleted).Time("cutoff", cutoff).Msg("pruned push batches")
	}
	return nil
}
