package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/burhanwani/WhatsAppSimulator/internal/bootstrap"
	"github.com/burhanwani/WhatsAppSimulator/internal/config"
	"github.com/burhanwani/WhatsAppSimulator/internal/service/processor"
	"github.com/burhanwani/WhatsAppSimulator/pkg/logger"
	"github.com/burhanwani/WhatsAppSimulator/pkg/metrics"
)

const serviceName = "processor-service"

func main() {
	logger.InitDefault(serviceName)

	cfg, err := config.Load(serviceName)
	if err != nil {
		bootstrap.Exit("Invalid configuration", err)
	}
	if err := logger.Init(&cfg.Log); err != nil {
		bootstrap.Exit("Failed to initialize logger", err)
	}
	defer logger.Sync()

	if cfg.Relay.Backend == config.BackendMemory {
		logger.Warn("In-memory relay is process local; gateway-service must run its own processor")
	}

	ctx := context.Background()
	res, err := bootstrap.Open(ctx, cfg)
	if err != nil {
		bootstrap.Exit("Failed to open backends", err)
	}
	defer res.Close()

	envelope, err := res.Envelope()
	if err != nil {
		bootstrap.Exit("Failed to build envelope", err)
	}
	sink, err := res.DeadLetterSink(ctx)
	if err != nil {
		bootstrap.Exit("Failed to open dead-letter sink", err)
	}

	proc := processor.New(envelope, res.MessageStore(), res.Queue(), sink, processor.Config{
		Backoff: cfg.Processor.Backoff,
	})

	appMetrics := metrics.NewMetrics(serviceName, prometheus.DefaultRegisterer)
	router := bootstrap.NewRouter(cfg, appMetrics)

	logger.Info("Envelope processor ready",
		zap.String("store", cfg.Store.Backend),
		zap.String("relay", cfg.Relay.Backend),
		zap.String("deadletter", cfg.DeadLetter.Backend))

	if err := bootstrap.Run(cfg, router, proc.Run); err != nil {
		bootstrap.Exit("Processor stopped", err)
	}
}
