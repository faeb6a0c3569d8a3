package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/burhanwani/WhatsAppSimulator/internal/bootstrap"
	"github.com/burhanwani/WhatsAppSimulator/internal/config"
	wsHandler "github.com/burhanwani/WhatsAppSimulator/internal/handler/ws"
	"github.com/burhanwani/WhatsAppSimulator/internal/middleware"
	"github.com/burhanwani/WhatsAppSimulator/internal/service/processor"
	"github.com/burhanwani/WhatsAppSimulator/pkg/logger"
	"github.com/burhanwani/WhatsAppSimulator/pkg/metrics"
)

const serviceName = "gateway-service"

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

	queue := res.Queue()
	messages := res.MessageStore()
	appMetrics := metrics.NewMetrics(serviceName, prometheus.DefaultRegisterer)

	gateway := wsHandler.NewGateway(res.TokenVerifier(), queue, messages, res.CursorStore(), envelope, appMetrics, wsHandler.Config{
		SendBuffer:      cfg.Gateway.SendBuffer,
		PageSize:        cfg.Store.PageSize,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		PresenceRefresh: cfg.Gateway.PresenceRefresh,
	})
	defer gateway.Shutdown()

	if presence := res.Presence(); presence != nil {
		instance := cfg.Gateway.InstanceID
		if instance == "" {
			host, _ := os.Hostname()
			instance = fmt.Sprintf("%s-%d", host, os.Getpid())
		}
		gateway.WithPresence(presence, instance)
		logger.Info("Routing outbound messages through presence", zap.String("instance", instance))
	}

	workers := []func(context.Context) error{gateway.Run}

	// Nothing outside this process can consume an in-memory inbound stream
	if cfg.Relay.Backend == config.BackendMemory {
		sink, err := res.DeadLetterSink(ctx)
		if err != nil {
			bootstrap.Exit("Failed to open dead-letter sink", err)
		}
		proc := processor.New(envelope, messages, queue, sink, processor.Config{Backoff: cfg.Processor.Backoff})
		workers = append(workers, proc.Run)
		logger.Info("Running embedded envelope processor")
	}

	router := bootstrap.NewRouter(cfg, appMetrics)
	// Long-lived upgrade, not wrapped in the request timeout
	wsRoute := []gin.HandlerFunc{gateway.ServeWS}
	if cfg.Gateway.ConnectLimit > 0 {
		limiter := middleware.NewRateLimiter(cfg.Gateway.ConnectLimit, time.Minute, 0).WithMetrics(appMetrics)
		wsRoute = append([]gin.HandlerFunc{limiter.Middleware()}, wsRoute...)
	}
	router.GET("/ws", wsRoute...)

	logger.Info("Session gateway ready",
		zap.String("relay", cfg.Relay.Backend),
		zap.String("cursors", cfg.Relay.CursorBackend))

	if err := bootstrap.Run(cfg, router, workers...); err != nil {
		bootstrap.Exit("Gateway stopped", err)
	}
}
