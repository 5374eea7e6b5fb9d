package main

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quarry-trading/quarry/internal/app"
	"github.com/quarry-trading/quarry/internal/bus"
	"github.com/quarry-trading/quarry/internal/sched"
	"github.com/quarry-trading/quarry/internal/seller"
	"github.com/quarry-trading/quarry/internal/solana"
	"github.com/quarry-trading/quarry/internal/store"
	"github.com/quarry-trading/quarry/internal/swap"
)

const service = "quarry-seller"

func main() {
	cfg, opts := app.Bootstrap(service)

	log.Info().Msg("=============================================")
	log.Info().Msg("QUARRY Sell Manager - Starting")
	log.Info().Msg("position_opened -> poll -> position_closed")
	log.Info().Msg("=============================================")

	producer, err := bus.NewProducer(cfg.Kafka.Brokers, cfg.General.InstanceID)
	if err != nil {
		log.Fatal().Err(err).Msg("kafka producer init failed")
	}
	defer producer.Close()

	consumer, err := bus.NewConsumer(cfg.Kafka.Brokers, service, []string{bus.TopicPositionOpened})
	if err != nil {
		log.Fatal().Err(err).Msg("kafka consumer init failed")
	}
	defer consumer.Close()

	redisStore, err := store.NewRedisStore(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("redis position store init failed")
	}
	defer redisStore.Close()

	rpc, closeRPC := app.NewRPC(cfg, opts)
	defer closeRPC()

	// Execution follows each position's recorded mode, so both paths are
	// always wired regardless of the process-wide dry-run flag.
	simLatency := time.Duration(cfg.DryRun.ConfirmLatencyMs) * time.Millisecond
	mgr := seller.New(seller.Config{
		TakeProfitPct:            decimal.NewFromFloat(cfg.Sell.TakeProfitPct),
		StopLossPct:              decimal.NewFromFloat(cfg.Sell.StopLossPct),
		SlippageBps:              cfg.Buy.SlippageBps,
		PriorityFeeMicroLamports: cfg.Buy.PriorityFeeMicroLamports,
		ComputeUnits:             cfg.Buy.ComputeUnits,
		Payer:                    solana.Pubkey(cfg.Wallet.Pubkey),
	},
		redisStore, producer, rpc,
		seller.NewLivePriceSource(rpc),
		seller.NewSimulatedPriceSource(cfg.DryRun.VolatilityPct),
		swap.NewLiveClient(rpc),
		swap.NewSimulatedClient("SELL", cfg.DryRun.SuccessRate, simLatency),
		cfg.General.InstanceID)

	ctx, cancel := app.SignalContext()
	defer cancel()

	// Recover positions opened while this stage was down, before the first
	// poll tick.
	loadCtx, loadCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := mgr.LoadPositions(loadCtx); err != nil {
		loadCancel()
		log.Fatal().Err(err).Msg("position recovery failed")
	}
	loadCancel()

	scheduler := sched.New()
	heartbeatInterval := time.Duration(cfg.General.HeartbeatIntervalS) * time.Second
	scheduler.Add(sched.Task{
		Name:           "heartbeat",
		Interval:       heartbeatInterval,
		RunImmediately: true,
		Run:            app.HeartbeatTask(producer, redisStore, service, cfg.General.InstanceID, heartbeatInterval),
	})
	scheduler.Every("poll", time.Duration(cfg.Sell.PollIntervalMs)*time.Millisecond, func(ctx context.Context) {
		_ = mgr.Tick(ctx)
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()

	if err := consumer.Consume(ctx, mgr.HandleMessage); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("consumer stopped unexpectedly")
	}

	cancel()
	wg.Wait()
	mgr.Wait()

	if pending := producer.Flush(5 * time.Second); pending != 0 {
		log.Warn().Msg("producer flush timed out, events may be unsent")
	}

	stats := mgr.Stats()
	log.Info().
		Int("open_positions", stats.OpenPositions).
		Int64("closed", stats.Closed).
		Int64("sells_failed", stats.SellsFailed).
		Msg("QUARRY Sell Manager - Stopped")
}
