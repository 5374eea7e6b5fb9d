package main

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quarry-trading/quarry/internal/app"
	"github.com/quarry-trading/quarry/internal/bus"
	"github.com/quarry-trading/quarry/internal/filter"
	"github.com/quarry-trading/quarry/internal/sched"
	"github.com/quarry-trading/quarry/internal/solana"
	"github.com/quarry-trading/quarry/internal/store"
)

const service = "quarry-filter"

func main() {
	cfg, opts := app.Bootstrap(service)

	log.Info().Msg("=============================================")
	log.Info().Msg("QUARRY Token Filter - Starting")
	log.Info().Msg("pool_detected -> buy_candidate (fail-closed)")
	log.Info().Msg("=============================================")

	producer, err := bus.NewProducer(cfg.Kafka.Brokers, cfg.General.InstanceID)
	if err != nil {
		log.Fatal().Err(err).Msg("kafka producer init failed")
	}
	defer producer.Close()

	consumer, err := bus.NewConsumer(cfg.Kafka.Brokers, service, []string{bus.TopicPoolDetected})
	if err != nil {
		log.Fatal().Err(err).Msg("kafka consumer init failed")
	}
	defer consumer.Close()

	redisStore, err := store.NewRedisStore(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("redis unavailable, heartbeat mirror disabled")
		redisStore = nil
	} else {
		defer redisStore.Close()
	}

	rpc, closeRPC := app.NewRPC(cfg, opts)
	defer closeRPC()

	knownMints := make([]solana.Pubkey, 0, len(cfg.Filter.KnownMints))
	for _, m := range cfg.Filter.KnownMints {
		knownMints = append(knownMints, solana.Pubkey(m))
	}

	flt := filter.New(filter.Config{
		KnownMints:     knownMints,
		RejectHighRisk: cfg.Filter.RejectHighRisk,
		MinPoolQuote:   decimal.NewFromFloat(cfg.Filter.MinPoolQuote),
		MinDecimals:    cfg.Filter.MinDecimals,
		MaxDecimals:    cfg.Filter.MaxDecimals,
	}, rpc, producer, cfg.General.InstanceID)

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

	if err := consumer.Consume(ctx, flt.HandleMessage); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("consumer stopped unexpectedly")
	}

	cancel()
	wg.Wait()

	if pending := producer.Flush(5 * time.Second); pending != 0 {
		log.Warn().Msg("producer flush timed out, events may be unsent")
	}

	stats := flt.Stats()
	log.Info().
		Int64("evaluated", stats.Evaluated).
		Int64("passed", stats.Passed).
		Int64("rejected", stats.Rejected).
		Msg("QUARRY Token Filter - Stopped")
}
