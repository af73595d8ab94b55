package app

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"price-pusher/internal/alerting"
	"price-pusher/internal/chain"
	"price-pusher/internal/config"
	"price-pusher/internal/entry"
	"price-pusher/internal/fetcher"
	"price-pusher/internal/listener"
	"price-pusher/internal/offchain"
	"price-pusher/internal/orchestrator"
	"price-pusher/internal/poller"
	"price-pusher/internal/pusher"
	"price-pusher/internal/rpchealth"
	"price-pusher/internal/storage"
)

type pipeline struct {
	orch   *orchestrator.Orchestrator
	pusher *pusher.Pusher
	health *rpchealth.Manager[chain.Backend]
}

func (p *pipeline) close() {
	if p.health != nil {
		p.health.Close()
	}
}

// buildPipeline wires fetchers, poller, destination client, pusher and
// orchestrator. Background monitors are only attached for the run command.
func (a *App) buildPipeline(ctx context.Context, store *storage.Store, withMonitors bool) (*pipeline, error) {
	agg, err := a.newAggregator()
	if err != nil {
		return nil, err
	}
	groups, err := a.listenerGroups()
	if err != nil {
		return nil, err
	}

	poll := poller.New(agg, poller.Options{
		Interval:     a.Config.Poller.Interval,
		FetchTimeout: a.Config.Poller.FetchTimeout,
		MaxAttempts:  a.Config.Poller.MaxAttempts,
		RetryDelay:   a.Config.Poller.RetryDelay,
	}, a.Logger)

	notifier := a.newNotifier()
	pushOpts := pusher.Options{
		Publisher:              a.Config.Publisher.Name,
		MaxConsecutiveFailures: a.Config.Pusher.MaxConsecutiveFailures,
		AcceptanceInterval:     a.Config.Pusher.AcceptanceInterval,
		PublishToWebsocket:     a.Config.Offchain.PublishToWebsocket,
		Notifier:               notifier,
		Channels:               a.Config.Alerting.Channels,
	}
	if store != nil {
		pushOpts.Store = store
	}

	p := &pipeline{}
	var (
		handler  listener.RequestHandler
		monitors []orchestrator.Monitor
	)

	switch a.Config.Publisher.Target {
	case config.TargetOnchain:
		health, client, err := a.newChainClient(ctx, notifier)
		if err != nil {
			return nil, err
		}
		p.health = health
		p.pusher = pusher.NewOnchain(client, health, pushOpts, a.Logger)
		handler = client
	case config.TargetOffchain:
		client := offchain.NewClient(offchain.Options{
			BaseURL:     a.Config.Offchain.BaseURL,
			APIKey:      a.Config.Offchain.APIKey,
			Publisher:   a.Config.Publisher.Name,
			UserAgent:   a.Config.Offchain.UserAgent,
			Timeout:     a.Config.Offchain.Timeout,
			Interval:    a.Config.Offchain.Interval,
			Aggregation: a.Config.Offchain.Aggregation,
		}, a.Logger)
		p.pusher = pusher.NewOffchain(client, pushOpts, a.Logger)
		handler = client
	default:
		return nil, fmt.Errorf("unknown publisher target %q", a.Config.Publisher.Target)
	}

	if withMonitors {
		if p.health != nil {
			monitors = append(monitors, p.health)
		}
		if a.Config.Metrics.Enabled {
			monitors = append(monitors, newMetricsServer(a.Config.Metrics.Listen, a.Logger))
		}
		if store != nil && a.Config.Database.Retention > 0 {
			monitors = append(monitors, newRetention(store, a.Config.Database.Retention, a.Logger))
		}
	}

	p.orch = orchestrator.New(orchestrator.Options{
		Groups:    groups,
		Handler:   handler,
		QueueSize: a.Config.Pusher.QueueSize,
		Monitors:  monitors,
	}, poll, p.pusher, a.Logger)
	return p, nil
}

func (a *App) newChainClient(ctx context.Context, notifier alerting.Notifier) (*rpchealth.Manager[chain.Backend], *chain.Client, error) {
	target, err := a.Config.ActiveNetwork()
	if err != nil {
		return nil, nil, err
	}

	opts := rpchealth.Options{
		Network:       a.Config.Network.Active,
		Endpoints:     target.RPCURLs,
		Threshold:     a.Config.Network.FailoverThreshold,
		CheckInterval: a.Config.Network.HealthCheckInterval,
		ProbeTimeout:  a.Config.Network.RequestTimeout,
	}
	var chainID *big.Int
	if target.ChainID > 0 {
		chainID = big.NewInt(target.ChainID)
		opts.ChainID = chainID
	}

	health, err := rpchealth.New[chain.Backend](ctx, opts, chain.Dial, a.Logger)
	if err != nil {
		return nil, nil, err
	}
	if notifier != nil {
		health.OnSwitch(a.switchAlert(notifier, health.Threshold()))
	}

	client, err := chain.NewClient(health, chain.Options{
		Oracle:     common.HexToAddress(target.OracleAddress),
		PrivateKey: a.Config.Network.PrivateKey,
		ChainID:    chainID,
		ChunkSize:  a.Config.Network.ChunkSize,
		GasLimit:   a.Config.Network.GasLimit,
		Publisher:  a.Config.Publisher.Name,
	}, a.Logger)
	if err != nil {
		health.Close()
		return nil, nil, err
	}
	return health, client, nil
}

// switchAlert reports endpoint rotations. It runs inside SwitchEndpoint, so
// delivery happens off that goroutine.
func (a *App) switchAlert(notifier alerting.Notifier, threshold int) func(from, to string) {
	return func(from, to string) {
		note := alerting.Notification{
			Kind:      alerting.KindEndpointSwitched,
			At:        time.Now().UTC(),
			Publisher: a.Config.Publisher.Name,
			Network:   a.Config.Network.Active,
			From:      from,
			To:        to,
			Threshold: threshold,
			Channels:  a.Config.Alerting.Channels,
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := notifier.Notify(ctx, note); err != nil {
				a.Logger.Warn().Err(err).Str("component", "app").Msg("endpoint switch alert failed")
			}
		}()
	}
}

func (a *App) newAggregator() (*fetcher.Aggregator, error) {
	agg := fetcher.NewAggregator(a.Logger)
	for _, fc := range a.Config.Fetchers {
		switch fc.Kind {
		case config.FetcherREST:
			pairs, err := a.Config.Pairs(fc.Pairs)
			if err != nil {
				return nil, fmt.Errorf("fetcher %s: %w", fc.Name, err)
			}
			agg.Add(fetcher.NewREST(fetcher.RESTOptions{
				Name:              fc.Name,
				Publisher:         a.Config.Publisher.Name,
				Pairs:             pairs,
				URLTemplate:       fc.URLTemplate,
				PricePath:         fc.PricePath,
				VolumePath:        fc.VolumePath,
				TimestampPath:     fc.TimestampPath,
				TimestampMillis:   fc.TimestampMillis,
				Headers:           fc.Headers,
				UserAgent:         a.Config.Offchain.UserAgent,
				Timeout:           fc.Timeout,
				RequestsPerSecond: fc.RequestsPerSecond,
				Burst:             fc.Burst,
			}, a.Logger))
		case config.FetcherChainlink:
			feeds := make(map[entry.Pair]string, len(fc.Feeds))
			for id, addr := range fc.Feeds {
				pair, err := a.Config.Pair(id)
				if err != nil {
					return nil, fmt.Errorf("fetcher %s: %w", fc.Name, err)
				}
				feeds[pair] = addr
			}
			agg.Add(fetcher.NewChainlink(fetcher.ChainlinkOptions{
				Name:      fc.Name,
				Publisher: a.Config.Publisher.Name,
				RPCURL:    fc.RPCURL,
				Feeds:     feeds,
				Timeout:   fc.Timeout,
			}, a.Logger))
		default:
			return nil, fmt.Errorf("fetcher %s: unknown kind %q", fc.Name, fc.Kind)
		}
	}
	return agg, nil
}

func (a *App) listenerGroups() ([]listener.Group, error) {
	out := make([]listener.Group, 0, len(a.Config.Groups))
	for _, gc := range a.Config.Groups {
		spot, err := a.Config.Pairs(gc.Spot)
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", gc.Name, err)
		}
		future, err := a.Config.Pairs(gc.Future)
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", gc.Name, err)
		}
		g := listener.Group{
			Name:             gc.Name,
			Spot:             spot,
			Future:           future,
			Staleness:        time.Duration(gc.StalenessSeconds) * time.Second,
			Deviation:        decimal.NewFromFloat(gc.DeviationFraction),
			PollingFrequency: gc.PollingFrequency,
		}
		if err := g.Validate(); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}
