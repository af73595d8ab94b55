package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
publisher:
  name: PRAGMA
  target: onchain
network:
  active: Sepolia
  networks:
    sepolia:
      rpc_urls:
        - https://rpc-1.example
        - https://rpc-2.example
      chain_id: 11155111
      oracle_address: "0x00000000000000000000000000000000000000aa"
currencies:
  BTC: 8
  USD: 8
  ETH: 18
groups:
  - name: majors
    spot: [BTC/USD, ETH/USD]
    staleness_seconds: 120
    deviation_fraction: 0.025
    polling_frequency: 7s
fetchers:
  - name: BINANCE
    kind: rest
    pairs: [BTC/USD]
    url_template: https://api.example/ticker?symbol={base}{quote}
    price_path: price
  - name: CHAINLINK
    kind: chainlink
    rpc_url: https://rpc-1.example
    feeds:
      ETH/USD: "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("PRICEPUSHER_NETWORK_PRIVATE_KEY", "0xabc")

	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Poller.Interval != 5*time.Second || cfg.Poller.MaxAttempts != 5 || cfg.Poller.RetryDelay != 5*time.Second {
		t.Fatalf("unexpected poller defaults %+v", cfg.Poller)
	}
	if cfg.Pusher.MaxConsecutiveFailures != 10 || cfg.Pusher.AcceptanceInterval != time.Second {
		t.Fatalf("unexpected pusher defaults %+v", cfg.Pusher)
	}
	if cfg.Network.HealthCheckInterval != 60*time.Second || cfg.Network.FailoverThreshold != 3 {
		t.Fatalf("unexpected network defaults %+v", cfg.Network)
	}
	if cfg.Network.PrivateKey != "0xabc" {
		t.Fatal("private key should come from the environment")
	}
	if cfg.Groups[0].PollingFrequency != 7*time.Second || cfg.Groups[0].StalenessSeconds != 120 {
		t.Fatalf("unexpected group %+v", cfg.Groups[0])
	}

	target, err := cfg.ActiveNetwork()
	if err != nil {
		t.Fatalf("active network: %v", err)
	}
	if len(target.RPCURLs) != 2 || target.ChainID != 11155111 {
		t.Fatalf("unexpected network %+v", target)
	}
}

func TestPairUsesCurrencyTable(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p, err := cfg.Pair("eth/usd")
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	if p.ID() != "ETH/USD" || p.Decimals() != 18 {
		t.Fatalf("unexpected pair %s with %d decimals", p.ID(), p.Decimals())
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		replace [2]string
		want    string
	}{
		{"未知目标", [2]string{"target: onchain", "target: somewhere"}, "publisher.target"},
		{"缺少网络", [2]string{"active: Sepolia", "active: mainnet"}, "network.networks"},
		{"非法合约地址", [2]string{`oracle_address: "0x00000000000000000000000000000000000000aa"`, "oracle_address: nope"}, "oracle_address"},
		{"偏差为零", [2]string{"deviation_fraction: 0.025", "deviation_fraction: 0"}, "deviation_fraction"},
		{"非法交易对", [2]string{"spot: [BTC/USD, ETH/USD]", "spot: [BTCUSD]"}, "invalid pair"},
		{"未知数据源类型", [2]string{"kind: rest", "kind: websocket"}, "kind"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := strings.Replace(sampleConfig, tc.replace[0], tc.replace[1], 1)
			_, err := Load(writeConfig(t, body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestOffchainTargetNeedsBaseURL(t *testing.T) {
	body := strings.Replace(sampleConfig, "target: onchain", "target: offchain", 1)
	if _, err := Load(writeConfig(t, body)); err == nil || !strings.Contains(err.Error(), "offchain.base_url") {
		t.Fatalf("expected base url error, got %v", err)
	}

	t.Setenv("PRICEPUSHER_OFFCHAIN_BASE_URL", "https://api.example")
	if _, err := Load(writeConfig(t, body)); err != nil {
		t.Fatalf("base url from env should satisfy validation: %v", err)
	}
}

func TestTelegramRequiresCredentials(t *testing.T) {
	body := sampleConfig + `
alerting:
  telegram:
    enabled: true
`
	if _, err := Load(writeConfig(t, body)); err == nil || !strings.Contains(err.Error(), "bot_token") {
		t.Fatalf("expected bot token error, got %v", err)
	}
}
