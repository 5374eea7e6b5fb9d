package main

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quarry-trading/quarry/internal/app"
	"github.com/quarry-trading/quarry/internal/bus"
	"github.com/quarry-trading/quarry/internal/executor"
	"github.com/quarry-trading/quarry/internal/retry"
	"github.com/quarry-trading/quarry/internal/sched"
	"github.com/quarry-trading/quarry/internal/solana"
	"github.com/quarry-trading/quarry/internal/store"
	"github.com/quarry-trading/quarry/internal/swap"
)

const service = "quarry-buyer"

func main() {
	cfg, opts := app.Bootstrap(service)

	log.Info().Msg("=============================================")
	log.Info().Msg("QUARRY Buy Executor - Starting")
	log.Info().Msg("buy_candidate -> position_opened")
	log.Info().Msg("=============================================")

	producer, err := bus.NewProducer(cfg.Kafka.Brokers, cfg.General.InstanceID)
	if err != nil {
		log.Fatal().Err(err).Msg("kafka producer init failed")
	}
	defer producer.Close()

	consumer, err := bus.NewConsumer(cfg.Kafka.Brokers, service, []string{bus.TopicBuyCandidate})
	if err != nil {
		log.Fatal().Err(err).Msg("kafka consumer init failed")
	}
	defer consumer.Close()

	// The executor cannot run without the position store: it is the only
	// protection against double buys.
	redisStore, err := store.NewRedisStore(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("redis position store init failed")
	}
	defer redisStore.Close()

	rpc, closeRPC := app.NewRPC(cfg, opts)
	defer closeRPC()

	var client swap.Client
	if cfg.DryRun.Enabled {
		client = swap.NewSimulatedClient("BUY", cfg.DryRun.SuccessRate,
			time.Duration(cfg.DryRun.ConfirmLatencyMs)*time.Millisecond)
		log.Info().Msg("swap execution: DRY RUN, no real transactions")
	} else {
		client = swap.NewLiveClient(rpc)
	}

	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cfg.Buy.MaxAttempts

	exec := executor.New(executor.Config{
		SettlementMint:           solana.Pubkey(cfg.Buy.SettlementMint),
		AmountQuote:              decimal.NewFromFloat(cfg.Buy.AmountQuote),
		SlippageBps:              cfg.Buy.SlippageBps,
		PriorityFeeMicroLamports: cfg.Buy.PriorityFeeMicroLamports,
		ComputeUnits:             cfg.Buy.ComputeUnits,
		Payer:                    solana.Pubkey(cfg.Wallet.Pubkey),
		Retry:                    policy,
		DryRun:                   cfg.DryRun.Enabled,
	}, rpc, client, redisStore, producer, cfg.General.InstanceID)

	ctx, cancel := app.SignalContext()
	defer cancel()

	scheduler := sched.New()
	heartbeatInterval := time.Duration(cfg.General.HeartbeatIntervalS) * time.Second
	scheduler.Add(sched.Task{
		Name:           "heartbeat",
		Interval:       heartbeatInterval,
		RunImmediately: true,
		Run:            app.HeartbeatTask(producer, redisStore, service, cfg.General.InstanceID, heartbeatInterval),
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()

	if err := consumer.Consume(ctx, exec.HandleMessage); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("consumer stopped unexpectedly")
	}

	cancel()
	wg.Wait()

	if pending := producer.Flush(5 * time.Second); pending != 0 {
		log.Warn().Msg("producer flush timed out, events may be unsent")
	}

	stats := exec.Stats()
	log.Info().
		Int64("received", stats.Received).
		Int64("opened", stats.Opened).
		Int64("skipped", stats.Skipped).
		Int64("failed", stats.Failed).
		Msg("QUARRY Buy Executor - Stopped")
}
