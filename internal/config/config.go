package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quarry-trading/quarry/internal/solana"
	"github.com/quarry-trading/quarry/internal/store"
)

// Config is the root configuration shared by all pipeline stages. Each stage
// reads the sections it needs; Validate checks only what every stage needs,
// stages validate their own sections at startup.
type Config struct {
	General   GeneralConfig          `yaml:"general"`
	Kafka     KafkaConfig            `yaml:"kafka"`
	Wallet    WalletConfig           `yaml:"wallet"`
	Redis     store.RedisConfig      `yaml:"redis"`
	RPC       solana.RPCConfig       `yaml:"rpc"`
	LogStream solana.LogStreamConfig `yaml:"log_stream"`
	Filter    FilterConfig           `yaml:"filter"`
	Buy       BuyConfig              `yaml:"buy"`
	Sell      SellConfig             `yaml:"sell"`
	DryRun    DryRunConfig           `yaml:"dry_run"`
	Metrics   MetricsConfig          `yaml:"metrics"`
}

type GeneralConfig struct {
	InstanceID  string `yaml:"instance_id"`
	Environment string `yaml:"environment"` // production|staging|development
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // json|console
	// Heartbeat emission interval for every stage.
	HeartbeatIntervalS int `yaml:"heartbeat_interval_s"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
}

type WalletConfig struct {
	// Trading wallet public key. Signing is delegated to the swap layer; the
	// pipeline only needs the payer identity for transaction assembly.
	Pubkey string `yaml:"pubkey"`
}

type FilterConfig struct {
	// Known/trusted mints are skipped: the pipeline only targets new tokens.
	KnownMints []string `yaml:"known_mints"`
	// Reject tokens classified high risk, not only extreme.
	RejectHighRisk bool `yaml:"reject_high_risk"`
	// Minimum quote-side pool liquidity.
	MinPoolQuote float64 `yaml:"min_pool_quote"`
	// Decimals outside [MinDecimals, MaxDecimals] count as a red flag.
	MinDecimals uint8 `yaml:"min_decimals"`
	MaxDecimals uint8 `yaml:"max_decimals"`
	// Blacklisted authority addresses.
	BlacklistedAuthorities []string `yaml:"blacklisted_authorities"`
}

type BuyConfig struct {
	// Settlement currency; candidates quoted in anything else are rejected.
	SettlementMint string `yaml:"settlement_mint"`
	// Quote units to spend per buy, from config, never from the candidate.
	AmountQuote float64 `yaml:"amount_quote"`
	SlippageBps int     `yaml:"slippage_bps"`
	// Priority fee in micro-lamports and compute unit limit.
	PriorityFeeMicroLamports uint64 `yaml:"priority_fee_micro_lamports"`
	ComputeUnits             uint32 `yaml:"compute_units"`
	MaxAttempts              int    `yaml:"max_attempts"`
}

type SellConfig struct {
	TakeProfitPct  float64 `yaml:"take_profit_pct"`
	StopLossPct    float64 `yaml:"stop_loss_pct"`
	PollIntervalMs int     `yaml:"poll_interval_ms"`
}

type DryRunConfig struct {
	Enabled bool `yaml:"enabled"`
	// Probability in [0,1] that a simulated submission confirms successfully.
	SuccessRate float64 `yaml:"success_rate"`
	// Simulated confirmation latency.
	ConfirmLatencyMs int `yaml:"confirm_latency_ms"`
	// Per-tick volatility band width for the simulated price source.
	VolatilityPct float64 `yaml:"volatility_pct"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads and parses a YAML configuration file. Environment variables in
// the file are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = "quarry-1"
	}
	if cfg.General.Environment == "" {
		cfg.General.Environment = "development"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}
	if cfg.General.HeartbeatIntervalS == 0 {
		cfg.General.HeartbeatIntervalS = 15
	}
	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.RPC.Endpoint == "" {
		cfg.RPC.Endpoint = "https://api.mainnet-beta.solana.com"
	}
	if cfg.RPC.Timeout == 0 {
		cfg.RPC.Timeout = 10 * time.Second
	}
	if cfg.RPC.RateLimitRPS == 0 {
		cfg.RPC.RateLimitRPS = 10
	}
	if cfg.LogStream.WSEndpoint == "" {
		cfg.LogStream.WSEndpoint = "wss://api.mainnet-beta.solana.com"
	}
	if len(cfg.LogStream.ProgramIDs) == 0 {
		cfg.LogStream.ProgramIDs = []string{string(solana.RaydiumAMMV4), string(solana.PumpFun)}
	}
	if cfg.LogStream.ReconnectDelayMs == 0 {
		cfg.LogStream.ReconnectDelayMs = 1000
	}
	if cfg.LogStream.PingIntervalS == 0 {
		cfg.LogStream.PingIntervalS = 30
	}
	if len(cfg.Filter.KnownMints) == 0 {
		cfg.Filter.KnownMints = []string{string(solana.SOLMint), string(solana.USDCMint)}
	}
	if cfg.Filter.MinPoolQuote == 0 {
		cfg.Filter.MinPoolQuote = 1.0
	}
	if cfg.Filter.MaxDecimals == 0 {
		cfg.Filter.MaxDecimals = 9
	}
	if cfg.Buy.SettlementMint == "" {
		cfg.Buy.SettlementMint = string(solana.SOLMint)
	}
	if cfg.Buy.AmountQuote == 0 {
		cfg.Buy.AmountQuote = 0.1
	}
	if cfg.Buy.SlippageBps == 0 {
		cfg.Buy.SlippageBps = 200
	}
	if cfg.Buy.ComputeUnits == 0 {
		cfg.Buy.ComputeUnits = 200_000
	}
	if cfg.Buy.PriorityFeeMicroLamports == 0 {
		cfg.Buy.PriorityFeeMicroLamports = 100_000
	}
	if cfg.Buy.MaxAttempts == 0 {
		cfg.Buy.MaxAttempts = 4
	}
	if cfg.Sell.TakeProfitPct == 0 {
		cfg.Sell.TakeProfitPct = 100
	}
	if cfg.Sell.StopLossPct == 0 {
		cfg.Sell.StopLossPct = 50
	}
	if cfg.Sell.PollIntervalMs == 0 {
		cfg.Sell.PollIntervalMs = 3000
	}
	if cfg.DryRun.SuccessRate == 0 {
		cfg.DryRun.SuccessRate = 0.95
	}
	if cfg.DryRun.ConfirmLatencyMs == 0 {
		cfg.DryRun.ConfirmLatencyMs = 800
	}
	if cfg.DryRun.VolatilityPct == 0 {
		cfg.DryRun.VolatilityPct = 15
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
}

// Validate checks cross-stage required configuration. Missing required
// startup configuration aborts the process with a clear diagnostic.
func (cfg *Config) Validate() error {
	if len(cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required")
	}
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if solana.Pubkey(cfg.Buy.SettlementMint).Validate() != nil {
		return fmt.Errorf("buy.settlement_mint %q is not a valid address", cfg.Buy.SettlementMint)
	}
	if cfg.Buy.AmountQuote <= 0 {
		return fmt.Errorf("buy.amount_quote must be positive")
	}
	if cfg.Buy.SlippageBps < 0 || cfg.Buy.SlippageBps >= 10_000 {
		return fmt.Errorf("buy.slippage_bps must be in [0, 10000)")
	}
	if cfg.Sell.TakeProfitPct <= 0 {
		return fmt.Errorf("sell.take_profit_pct must be positive")
	}
	if cfg.Sell.StopLossPct <= 0 || cfg.Sell.StopLossPct >= 100 {
		return fmt.Errorf("sell.stop_loss_pct must be in (0, 100)")
	}
	if cfg.DryRun.SuccessRate < 0 || cfg.DryRun.SuccessRate > 1 {
		return fmt.Errorf("dry_run.success_rate must be in [0, 1]")
	}
	// Live trading needs a real payer; dry run never signs anything.
	if !cfg.DryRun.Enabled && solana.Pubkey(cfg.Wallet.Pubkey).Validate() != nil {
		return fmt.Errorf("wallet.pubkey %q is not a valid address (required unless dry_run.enabled)", cfg.Wallet.Pubkey)
	}
	return nil
}
