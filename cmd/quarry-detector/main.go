package main

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quarry-trading/quarry/internal/app"
	"github.com/quarry-trading/quarry/internal/bus"
	"github.com/quarry-trading/quarry/internal/detector"
	"github.com/quarry-trading/quarry/internal/sched"
	"github.com/quarry-trading/quarry/internal/solana"
	"github.com/quarry-trading/quarry/internal/store"
)

const service = "quarry-detector"

func main() {
	cfg, _ := app.Bootstrap(service)

	log.Info().Msg("=============================================")
	log.Info().Msg("QUARRY Pool Detector - Starting")
	log.Info().Msg("chain logs -> pool_detected")
	log.Info().Msg("=============================================")

	producer, err := bus.NewProducer(cfg.Kafka.Brokers, cfg.General.InstanceID)
	if err != nil {
		log.Fatal().Err(err).Msg("kafka producer init failed")
	}
	defer producer.Close()

	// The detector holds no positions; Redis is only the heartbeat mirror.
	redisStore, err := store.NewRedisStore(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("redis unavailable, heartbeat mirror disabled")
		redisStore = nil
	} else {
		defer redisStore.Close()
	}

	ctx, cancel := app.SignalContext()
	defer cancel()

	stream := solana.NewLogStream(cfg.LogStream)
	events := stream.Start(ctx)

	det := detector.New(detector.DefaultConfig(), producer, cfg.General.InstanceID)

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

	// Blocks until the signal context cancels or the stream closes.
	if err := det.Run(ctx, events); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("detector stopped unexpectedly")
	}

	cancel()
	wg.Wait()

	if pending := producer.Flush(5 * time.Second); pending != 0 {
		log.Warn().Msg("producer flush timed out, events may be unsent")
	}

	stats := det.Stats()
	log.Info().
		Int64("entries_seen", stats.EntriesSeen).
		Int64("pools_emitted", stats.PoolsEmitted).
		Msg("QUARRY Pool Detector - Stopped")
}
