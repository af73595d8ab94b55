package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"price-pusher/internal/alerting"
	"price-pusher/internal/config"
	"price-pusher/internal/storage"
	"price-pusher/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger}
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		telegram := alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
		return alerting.Throttle(telegram, a.Config.Alerting.Cooldown)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database, "price-pusher/"+a.Config.Publisher.Name)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running pusher until a signal arrives or a task
// fails fatally.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := a.Logger.With().Str("component", "app").Logger()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		logger.Warn().Msg("database.dsn not configured; push audit disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if store != nil {
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
		unlock, acquired, err := store.TryAdvisoryLock(ctx, a.Config.Pusher.AdvisoryLockKey)
		if err != nil {
			return err
		}
		if !acquired {
			return fmt.Errorf("another pusher for %s holds advisory lock %d", a.Config.Publisher.Name, a.Config.Pusher.AdvisoryLockKey)
		}
		defer unlock()
	}

	p, err := a.buildPipeline(ctx, store, true)
	if err != nil {
		return err
	}
	defer p.close()

	logger.Info().
		Str("version", version.Version).
		Str("target", a.Config.Publisher.Target).
		Int("groups", len(a.Config.Groups)).
		Int("fetchers", len(a.Config.Fetchers)).
		Msg("starting price pusher")

	err = p.orch.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("price pusher terminated with error")
		return err
	}

	logger.Info().Msg("price pusher stopped")
	return nil
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}
