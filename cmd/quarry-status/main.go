package main

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quarry-trading/quarry/internal/app"
	"github.com/quarry-trading/quarry/internal/bus"
	"github.com/quarry-trading/quarry/internal/observability"
	"github.com/quarry-trading/quarry/internal/sched"
	"github.com/quarry-trading/quarry/internal/status"
	"github.com/quarry-trading/quarry/internal/store"
)

const service = "quarry-status"

func main() {
	cfg, _ := app.Bootstrap(service)

	log.Info().Msg("=============================================")
	log.Info().Msg("QUARRY Status Facade - Starting")
	log.Info().Msg("all topics -> /status /healthz /metrics")
	log.Info().Msg("=============================================")

	consumer, err := bus.NewConsumer(cfg.Kafka.Brokers, service, bus.AllTopics())
	if err != nil {
		log.Fatal().Err(err).Msg("kafka consumer init failed")
	}
	defer consumer.Close()

	redisStore, err := store.NewRedisStore(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("redis position store init failed")
	}
	defer redisStore.Close()

	registry := observability.PipelineMetrics()
	heartbeatInterval := time.Duration(cfg.General.HeartbeatIntervalS) * time.Second

	facade := status.New(status.Config{
		StaleAfter: 3 * heartbeatInterval,
	}, redisStore, registry)

	ctx, cancel := app.SignalContext()
	defer cancel()

	seedCtx, seedCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := facade.Seed(seedCtx); err != nil {
		log.Warn().Err(err).Msg("open-position seed failed, view fills in from events")
	}
	seedCancel()

	monitor := observability.NewHealthMonitor(heartbeatInterval)
	monitor.Register("pipeline", facade.Health)
	monitor.Register("redis", func(ctx context.Context) observability.ComponentHealth {
		if _, err := redisStore.List(ctx); err != nil {
			return observability.ComponentHealth{
				Status:  observability.StatusUnhealthy,
				Message: err.Error(),
			}
		}
		return observability.ComponentHealth{Status: observability.StatusHealthy}
	})

	server := status.NewServer(cfg.Metrics.Port, facade, monitor, registry)

	scheduler := sched.New()
	scheduler.Every("staleness", heartbeatInterval, func(ctx context.Context) {
		_ = facade.RefreshStaleness(ctx)
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		monitor.Start(ctx)
	}()

	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("http server failed")
			cancel()
		}
	}()

	if err := consumer.Consume(ctx, facade.HandleMessage); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("consumer stopped unexpectedly")
	}

	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown failed")
	}

	log.Info().Msg("QUARRY Status Facade - Stopped")
}
