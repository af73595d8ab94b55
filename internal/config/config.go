package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"price-pusher/internal/entry"
	"price-pusher/internal/logging"
)

const (
	TargetOnchain  = "onchain"
	TargetOffchain = "offchain"

	FetcherREST      = "rest"
	FetcherChainlink = "chainlink"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig         `mapstructure:"app"`
	Logging    logging.Config    `mapstructure:"logging"`
	Publisher  PublisherConfig   `mapstructure:"publisher"`
	Network    NetworkConfig     `mapstructure:"network"`
	Offchain   OffchainConfig    `mapstructure:"offchain"`
	Poller     PollerConfig      `mapstructure:"poller"`
	Pusher     PusherConfig      `mapstructure:"pusher"`
	Currencies map[string]uint32 `mapstructure:"currencies"`
	Groups     []GroupConfig     `mapstructure:"groups"`
	Fetchers   []FetcherConfig   `mapstructure:"fetchers"`
	Database   DatabaseConfig    `mapstructure:"database"`
	Alerting   AlertingConfig    `mapstructure:"alerting"`
	Metrics    MetricsConfig     `mapstructure:"metrics"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// PublisherConfig names the publishing account and where its prices go.
type PublisherConfig struct {
	Name   string `mapstructure:"name"`
	Target string `mapstructure:"target"`
}

// NetworkConfig covers on-chain access for the active network.
type NetworkConfig struct {
	Active              string                   `mapstructure:"active"`
	Networks            map[string]NetworkTarget `mapstructure:"networks"`
	PrivateKey          string                   `mapstructure:"private_key"`
	RequestTimeout      time.Duration            `mapstructure:"request_timeout"`
	HealthCheckInterval time.Duration            `mapstructure:"health_check_interval"`
	FailoverThreshold   int                      `mapstructure:"failover_threshold"`
	ChunkSize           int                      `mapstructure:"chunk_size"`
	GasLimit            uint64                   `mapstructure:"gas_limit"`
}

// NetworkTarget is one chain the pusher can publish to.
type NetworkTarget struct {
	RPCURLs       []string `mapstructure:"rpc_urls"`
	ChainID       int64    `mapstructure:"chain_id"`
	OracleAddress string   `mapstructure:"oracle_address"`
}

// OffchainConfig captures the publisher API.
type OffchainConfig struct {
	BaseURL            string        `mapstructure:"base_url"`
	APIKey             string        `mapstructure:"api_key"`
	PublishToWebsocket bool          `mapstructure:"publish_to_websocket"`
	Timeout            time.Duration `mapstructure:"timeout"`
	Interval           string        `mapstructure:"interval"`
	Aggregation        string        `mapstructure:"aggregation"`
	UserAgent          string        `mapstructure:"user_agent"`
}

// PollerConfig governs the observation rounds.
type PollerConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
}

// PusherConfig governs submission.
type PusherConfig struct {
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	AcceptanceInterval     time.Duration `mapstructure:"acceptance_interval"`
	QueueSize              int           `mapstructure:"queue_size"`
	AdvisoryLockKey        int64         `mapstructure:"advisory_lock_key"`
}

// GroupConfig is one price group as written in the file.
type GroupConfig struct {
	Name              string        `mapstructure:"name"`
	Spot              []string      `mapstructure:"spot"`
	Future            []string      `mapstructure:"future"`
	StalenessSeconds  int64         `mapstructure:"staleness_seconds"`
	DeviationFraction float64       `mapstructure:"deviation_fraction"`
	PollingFrequency  time.Duration `mapstructure:"polling_frequency"`
}

// FetcherConfig declares one price source.
type FetcherConfig struct {
	Name              string            `mapstructure:"name"`
	Kind              string            `mapstructure:"kind"`
	Pairs             []string          `mapstructure:"pairs"`
	URLTemplate       string            `mapstructure:"url_template"`
	PricePath         string            `mapstructure:"price_path"`
	VolumePath        string            `mapstructure:"volume_path"`
	TimestampPath     string            `mapstructure:"timestamp_path"`
	TimestampMillis   bool              `mapstructure:"timestamp_millis"`
	Headers           map[string]string `mapstructure:"headers"`
	RequestsPerSecond float64           `mapstructure:"requests_per_second"`
	Burst             int               `mapstructure:"burst"`
	Timeout           time.Duration     `mapstructure:"timeout"`
	RPCURL            string            `mapstructure:"rpc_url"`
	// Feeds maps "BASE/QUOTE" to an aggregator contract address.
	Feeds map[string]string `mapstructure:"feeds"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	// Retention prunes audit rows older than this; zero keeps everything.
	Retention time.Duration `mapstructure:"retention"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRICEPUSHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "price-pusher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("publisher.name", "")
	v.SetDefault("publisher.target", TargetOnchain)

	// secrets come from the environment, viper only binds keys it knows about
	v.SetDefault("network.active", "")
	v.SetDefault("network.private_key", "")
	v.SetDefault("network.request_timeout", "10s")
	v.SetDefault("network.health_check_interval", "60s")
	v.SetDefault("network.failover_threshold", 3)
	v.SetDefault("network.chunk_size", 20)
	v.SetDefault("network.gas_limit", 0)

	v.SetDefault("offchain.base_url", "")
	v.SetDefault("offchain.api_key", "")
	v.SetDefault("offchain.publish_to_websocket", false)
	v.SetDefault("offchain.timeout", "10s")
	v.SetDefault("offchain.interval", "1min")
	v.SetDefault("offchain.aggregation", "median")
	v.SetDefault("offchain.user_agent", "")

	v.SetDefault("poller.interval", "5s")
	v.SetDefault("poller.fetch_timeout", "20s")
	v.SetDefault("poller.max_attempts", 5)
	v.SetDefault("poller.retry_delay", "5s")

	v.SetDefault("pusher.max_consecutive_failures", 10)
	v.SetDefault("pusher.acceptance_interval", "1s")
	v.SetDefault("pusher.queue_size", 64)
	v.SetDefault("pusher.advisory_lock_key", int64(0x70707368))

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "10m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", ":9100")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.retention", "720h")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Publisher.Name) == "" {
		return fmt.Errorf("publisher.name must be set")
	}

	switch c.Publisher.Target {
	case TargetOnchain:
		target, err := c.ActiveNetwork()
		if err != nil {
			return err
		}
		if len(target.RPCURLs) == 0 {
			return fmt.Errorf("network.networks.%s.rpc_urls must list at least one endpoint", c.Network.Active)
		}
		if !common.IsHexAddress(target.OracleAddress) {
			return fmt.Errorf("network.networks.%s.oracle_address is not a valid address", c.Network.Active)
		}
		if c.Network.ChunkSize <= 0 {
			return fmt.Errorf("network.chunk_size must be greater than zero")
		}
	case TargetOffchain:
		if c.Offchain.BaseURL == "" {
			return fmt.Errorf("offchain.base_url must be set for the offchain target")
		}
	default:
		return fmt.Errorf("publisher.target must be %q or %q, got %q", TargetOnchain, TargetOffchain, c.Publisher.Target)
	}

	if c.Poller.Interval <= 0 {
		return fmt.Errorf("poller.interval must be greater than zero")
	}
	if c.Poller.MaxAttempts <= 0 {
		return fmt.Errorf("poller.max_attempts must be greater than zero")
	}
	if c.Pusher.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("pusher.max_consecutive_failures must be greater than zero")
	}

	if len(c.Groups) == 0 {
		return fmt.Errorf("at least one price group must be configured")
	}
	seen := make(map[string]struct{}, len(c.Groups))
	for i, g := range c.Groups {
		if g.Name == "" {
			return fmt.Errorf("groups[%d].name must be set", i)
		}
		if _, dup := seen[g.Name]; dup {
			return fmt.Errorf("groups: duplicate name %q", g.Name)
		}
		seen[g.Name] = struct{}{}
		if len(g.Spot) == 0 && len(g.Future) == 0 {
			return fmt.Errorf("groups.%s: no pairs declared", g.Name)
		}
		if g.StalenessSeconds <= 0 {
			return fmt.Errorf("groups.%s.staleness_seconds must be greater than zero", g.Name)
		}
		if g.DeviationFraction <= 0 {
			return fmt.Errorf("groups.%s.deviation_fraction must be greater than zero", g.Name)
		}
		if err := c.checkPairs(g.Spot); err != nil {
			return fmt.Errorf("groups.%s.spot: %w", g.Name, err)
		}
		if err := c.checkPairs(g.Future); err != nil {
			return fmt.Errorf("groups.%s.future: %w", g.Name, err)
		}
	}

	if len(c.Fetchers) == 0 {
		return fmt.Errorf("at least one fetcher must be configured")
	}
	for i, f := range c.Fetchers {
		if f.Name == "" {
			return fmt.Errorf("fetchers[%d].name must be set", i)
		}
		switch f.Kind {
		case FetcherREST:
			if f.URLTemplate == "" || f.PricePath == "" {
				return fmt.Errorf("fetchers.%s: url_template and price_path are required", f.Name)
			}
			if err := c.checkPairs(f.Pairs); err != nil {
				return fmt.Errorf("fetchers.%s.pairs: %w", f.Name, err)
			}
		case FetcherChainlink:
			if f.RPCURL == "" {
				return fmt.Errorf("fetchers.%s.rpc_url must be set", f.Name)
			}
			if len(f.Feeds) == 0 {
				return fmt.Errorf("fetchers.%s.feeds must not be empty", f.Name)
			}
			for pair, addr := range f.Feeds {
				if _, err := c.Pair(pair); err != nil {
					return fmt.Errorf("fetchers.%s.feeds: %w", f.Name, err)
				}
				if !common.IsHexAddress(addr) {
					return fmt.Errorf("fetchers.%s.feeds.%s is not a valid address", f.Name, pair)
				}
			}
		default:
			return fmt.Errorf("fetchers.%s.kind must be %q or %q", f.Name, FetcherREST, FetcherChainlink)
		}
	}

	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen 必须配置")
	}
	return nil
}

// ActiveNetwork returns the network selected by network.active.
func (c *Config) ActiveNetwork() (NetworkTarget, error) {
	if c.Network.Active == "" {
		return NetworkTarget{}, fmt.Errorf("network.active must be set for the onchain target")
	}
	target, ok := c.Network.Networks[strings.ToLower(c.Network.Active)]
	if !ok {
		return NetworkTarget{}, fmt.Errorf("network.networks has no entry for %q", c.Network.Active)
	}
	return target, nil
}

// Decimals returns the currency precision table keyed by upper-case id.
func (c *Config) Decimals() map[string]uint32 {
	out := make(map[string]uint32, len(c.Currencies))
	for id, d := range c.Currencies {
		out[strings.ToUpper(id)] = d
	}
	return out
}

// Pair parses "BASE/QUOTE" against the currency table.
func (c *Config) Pair(s string) (entry.Pair, error) {
	return entry.ParsePair(s, c.Decimals())
}

// Pairs parses a list of pair ids.
func (c *Config) Pairs(ids []string) ([]entry.Pair, error) {
	out := make([]entry.Pair, 0, len(ids))
	for _, id := range ids {
		p, err := c.Pair(id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (c *Config) checkPairs(ids []string) error {
	_, err := c.Pairs(ids)
	return err
}
