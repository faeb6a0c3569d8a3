package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/burhanwani/WhatsAppSimulator/internal/bootstrap"
	"github.com/burhanwani/WhatsAppSimulator/internal/config"
	keysHandler "github.com/burhanwani/WhatsAppSimulator/internal/handler/http/keys"
	"github.com/burhanwani/WhatsAppSimulator/internal/middleware"
	"github.com/burhanwani/WhatsAppSimulator/internal/service/keys"
	"github.com/burhanwani/WhatsAppSimulator/pkg/logger"
	"github.com/burhanwani/WhatsAppSimulator/pkg/metrics"
)

const serviceName = "key-service"

func main() {
	logger.InitDefault(serviceName)

	// 1. Load configuration
	cfg, err := config.Load(serviceName)
	if err != nil {
		bootstrap.Exit("Invalid configuration", err)
	}
	if err := logger.Init(&cfg.Log); err != nil {
		bootstrap.Exit("Failed to initialize logger", err)
	}
	defer logger.Sync()

	// 2. Connect to backends
	res, err := bootstrap.Open(context.Background(), cfg)
	if err != nil {
		bootstrap.Exit("Failed to open backends", err)
	}
	defer res.Close()

	// 3. Key registry
	limiter := middleware.NewRateLimiter(cfg.Keys.UploadLimit, cfg.Keys.UploadWindow, cfg.Keys.UploadLimit)
	keysSvc := keys.NewService(res.KeysRepository(), res.KeyCache(), limiter)
	handler := keysHandler.NewHandler(keysSvc)

	// 4. Routes
	appMetrics := metrics.NewMetrics(serviceName, prometheus.DefaultRegisterer)
	router := bootstrap.NewRouter(cfg, appMetrics)

	handler.Mount(router,
		middleware.Timeout(cfg.Server.RequestTimeout),
		middleware.AuthMiddleware(res.TokenVerifier()))

	logger.Info("Key registry ready",
		zap.String("keys_backend", cfg.Store.KeysBackend),
		zap.Bool("cache", cfg.Keys.CacheEnabled))

	if err := bootstrap.Run(cfg, router); err != nil {
		bootstrap.Exit("Key service stopped", err)
	}
}
