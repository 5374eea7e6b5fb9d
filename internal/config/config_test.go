package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "general:\n  instance_id: test-1\n"))
	require.NoError(t, err)

	assert.Equal(t, "test-1", cfg.General.InstanceID)
	assert.Equal(t, "info", cfg.General.LogLevel)
	assert.Equal(t, 15, cfg.General.HeartbeatIntervalS)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 0.1, cfg.Buy.AmountQuote)
	assert.Equal(t, 200, cfg.Buy.SlippageBps)
	assert.Equal(t, 100.0, cfg.Sell.TakeProfitPct)
	assert.Equal(t, 50.0, cfg.Sell.StopLossPct)
	assert.Equal(t, 3000, cfg.Sell.PollIntervalMs)
	assert.Equal(t, 0.95, cfg.DryRun.SuccessRate)
	assert.Equal(t, 9090, cfg.Metrics.Port)
}

func TestLoad_ExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("QUARRY_TEST_BROKER", "kafka-prod:9092")

	cfg, err := Load(writeConfig(t, `
kafka:
  brokers: ["${QUARRY_TEST_BROKER}"]
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"kafka-prod:9092"}, cfg.Kafka.Brokers)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_MalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "general: [unclosed"))
	assert.Error(t, err)
}

func TestValidate_DefaultsPassInDryRun(t *testing.T) {
	cfg, err := Load(writeConfig(t, "dry_run:\n  enabled: true\n"))
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
}

func TestValidate_LiveTradingRequiresWallet(t *testing.T) {
	cfg, err := Load(writeConfig(t, "dry_run:\n  enabled: false\n"))
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wallet.pubkey")

	cfg.Wallet.Pubkey = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_RejectsBadValues(t *testing.T) {
	base := func(t *testing.T) *Config {
		cfg, err := Load(writeConfig(t, "dry_run:\n  enabled: true\n"))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative buy amount", func(c *Config) { c.Buy.AmountQuote = -1 }},
		{"slippage out of range", func(c *Config) { c.Buy.SlippageBps = 10_000 }},
		{"bad settlement mint", func(c *Config) { c.Buy.SettlementMint = "not-base58!!" }},
		{"zero take profit", func(c *Config) { c.Sell.TakeProfitPct = -5 }},
		{"stop loss at 100", func(c *Config) { c.Sell.StopLossPct = 100 }},
		{"success rate above 1", func(c *Config) { c.DryRun.SuccessRate = 1.5 }},
		{"no brokers", func(c *Config) { c.Kafka.Brokers = nil }},
		{"no redis", func(c *Config) { c.Redis.Addr = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base(t)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
