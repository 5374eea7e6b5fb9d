package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quarry-trading/quarry/internal/bus"
	"github.com/quarry-trading/quarry/internal/config"
	"github.com/quarry-trading/quarry/internal/solana"
	"github.com/quarry-trading/quarry/internal/store"
)

// ---------------------------------------------------------------------------
// Shared stage bootstrap
// Every binary goes through the same startup sequence: flags, config, logging,
// validation. Stages differ only in what they wire afterwards.
// ---------------------------------------------------------------------------

// Options is the parsed command line shared by all stages.
type Options struct {
	ConfigPath string
	StubRPC    bool
}

// Bootstrap parses flags, loads and validates configuration and installs the
// global logger. Invalid startup configuration aborts the process.
func Bootstrap(service string) (*config.Config, Options) {
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	stubRPC := flag.Bool("stub", false, "Use stub RPC (no real Solana connection)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	SetupLogging(cfg.General, service)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("configuration validation failed")
	}

	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Str("environment", cfg.General.Environment).
		Bool("dry_run", cfg.DryRun.Enabled).
		Bool("stub_rpc", *stubRPC).
		Msg("configuration loaded")

	return cfg, Options{ConfigPath: *configPath, StubRPC: *stubRPC}
}

// SetupLogging configures the global zerolog logger for a stage.
func SetupLogging(general config.GeneralConfig, service string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "console" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Str("service", service).
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().Timestamp().Str("service", service).
			Str("instance", general.InstanceID).Logger()
	}
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// NewRPC creates the Solana RPC client for a stage: stub when requested,
// live otherwise. The returned close func is a no-op for the stub.
func NewRPC(cfg *config.Config, opts Options) (solana.RPCClient, func()) {
	if opts.StubRPC {
		log.Info().Msg("solana rpc: STUB mode")
		return solana.NewStubRPCClient(), func() {}
	}

	live := solana.NewLiveRPCClient(cfg.RPC)

	blacklist := make([]solana.Pubkey, 0, len(cfg.Filter.BlacklistedAuthorities))
	for _, a := range cfg.Filter.BlacklistedAuthorities {
		blacklist = append(blacklist, solana.Pubkey(a))
	}
	live.SetBlacklist(blacklist)

	healthCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := live.Health(healthCtx); err != nil {
		log.Warn().Err(err).Str("endpoint", cfg.RPC.Endpoint).
			Msg("solana rpc health check failed (continuing, may be rate-limited)")
	} else {
		log.Info().Str("endpoint", cfg.RPC.Endpoint).Msg("solana rpc: LIVE, connected")
	}

	return live, live.Close
}

// HeartbeatTask returns a periodic job that publishes this stage's liveness
// on the heartbeat topic and mirrors it into Redis when a store is provided.
func HeartbeatTask(producer bus.Producer, redisStore *store.RedisStore, service, instance string, interval time.Duration) func(ctx context.Context) {
	start := time.Now()
	return func(ctx context.Context) {
		hb := bus.Heartbeat{
			BaseEvent:     bus.NewBaseEvent(instance),
			Service:       service,
			Status:        "healthy",
			UptimeSeconds: int64(time.Since(start).Seconds()),
		}
		if err := producer.PublishJSON(ctx, bus.TopicHeartbeat, service, hb); err != nil {
			log.Warn().Err(err).Msg("heartbeat publish failed")
		}
		if redisStore != nil {
			// TTL of three intervals: the key vanishing means the stage is gone.
			if err := redisStore.SetHeartbeat(ctx, service, 3*interval); err != nil {
				log.Debug().Err(err).Msg("heartbeat redis mirror failed")
			}
		}
	}
}
