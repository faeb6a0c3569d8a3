// Package bootstrap wires configuration into the stores, queues and HTTP
// scaffolding shared by the service binaries.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/burhanwani/WhatsAppSimulator/internal/config"
	"github.com/burhanwani/WhatsAppSimulator/internal/crypto"
	"github.com/burhanwani/WhatsAppSimulator/internal/database"
	"github.com/burhanwani/WhatsAppSimulator/internal/deadletter"
	"github.com/burhanwani/WhatsAppSimulator/internal/middleware"
	"github.com/burhanwani/WhatsAppSimulator/internal/relay"
	"github.com/burhanwani/WhatsAppSimulator/internal/repository/cassandra"
	"github.com/burhanwani/WhatsAppSimulator/internal/repository/cockroach"
	"github.com/burhanwani/WhatsAppSimulator/internal/repository/memory"
	redisrepo "github.com/burhanwani/WhatsAppSimulator/internal/repository/redis"
	"github.com/burhanwani/WhatsAppSimulator/internal/service/keys"
	"github.com/burhanwani/WhatsAppSimulator/internal/store"
	"github.com/burhanwani/WhatsAppSimulator/pkg/jwt"
	"github.com/burhanwani/WhatsAppSimulator/pkg/logger"
	"github.com/burhanwani/WhatsAppSimulator/pkg/metrics"
)

// Resources holds the connections a service opened
type Resources struct {
	cfg *config.Config

	Redis     *database.RedisClient
	Cockroach *database.DB
	Cassandra *database.CassandraDB

	queue   relay.Queue
	closers []func()
}

// Open connects to the backends cfg selects
func Open(ctx context.Context, cfg *config.Config) (*Resources, error) {
	r := &Resources{cfg: cfg}

	needRedis := cfg.Relay.Backend == config.BackendRedis ||
		cfg.Relay.CursorBackend == config.BackendRedis ||
		(cfg.Keys.CacheEnabled && cfg.Keys.CacheBackend == config.BackendRedis)
	if needRedis {
		database.InitRedisMetrics()
		rdb, err := database.NewRedisDB(ctx, &cfg.Redis)
		if err != nil {
			return nil, err
		}
		rdb.StartHealthCheck(ctx, 10*time.Second)
		r.Redis = rdb
		logger.Info("Connected to Redis", zap.String("host", cfg.Redis.Host))
	}

	if cfg.Store.Backend == config.BackendCockroach || cfg.Store.KeysBackend == config.BackendCockroach {
		db, err := database.NewCockroachDB(ctx, &cfg.Database)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.Cockroach = db
		logger.Info("Connected to CockroachDB", zap.String("host", cfg.Database.Host))

		if cfg.Store.AutoMigrate {
			if err := cockroach.Migrate(ctx, db.Pool); err != nil {
				r.Close()
				return nil, fmt.Errorf("failed to migrate CockroachDB: %w", err)
			}
		}
	}

	if cfg.Store.Backend == config.BackendCassandra {
		cdb, err := database.NewCassandraDB(&cfg.Cassandra)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.Cassandra = cdb
		logger.Info("Connected to Cassandra", zap.Strings("hosts", cfg.Cassandra.Hosts))

		if cfg.Store.AutoMigrate {
			if err := cassandra.NewMessageRepository(cdb).Migrate(ctx); err != nil {
				r.Close()
				return nil, err
			}
		}
	}

	return r, nil
}

// Close releases every connection
func (r *Resources) Close() {
	for _, c := range r.closers {
		c()
	}
	if r.queue != nil {
		_ = r.queue.Close()
	}
	if r.Cassandra != nil {
		r.Cassandra.Close()
	}
	if r.Cockroach != nil {
		r.Cockroach.Close()
	}
	if r.Redis != nil {
		_ = r.Redis.Close()
	}
}

// Queue returns the relay queue, creating it on first use
func (r *Resources) Queue() relay.Queue {
	if r.queue != nil {
		return r.queue
	}
	if r.cfg.Relay.Backend == config.BackendRedis {
		r.queue = relay.NewRedisStreamsQueue(r.Redis.Client, relay.RedisStreamsOptions{
			Options:  r.cfg.Relay.Options,
			Consumer: r.cfg.Relay.Consumer,
			Block:    r.cfg.Relay.Block,
			LeaseTTL: r.cfg.Relay.LeaseTTL,
		})
	} else {
		r.queue = relay.NewMemoryQueue(r.cfg.Relay.Options)
	}
	return r.queue
}

// MessageStore returns the configured message store
func (r *Resources) MessageStore() store.MessageStore {
	switch r.cfg.Store.Backend {
	case config.BackendCockroach:
		return cockroach.NewMessageRepository(r.Cockroach.Pool)
	case config.BackendCassandra:
		return cassandra.NewMessageRepository(r.Cassandra)
	default:
		return memory.NewMessageRepository()
	}
}

// CursorStore returns the configured delivery cursor store
func (r *Resources) CursorStore() store.CursorStore {
	if r.cfg.Relay.CursorBackend == config.BackendRedis {
		return redisrepo.NewCursorRepository(r.Redis)
	}
	return memory.NewCursorRepository()
}

// Presence returns the gateway presence store, or nil when the relay is
// in-memory and a single gateway owns every session
func (r *Resources) Presence() store.PresenceStore {
	if r.cfg.Relay.Backend != config.BackendRedis {
		return nil
	}
	return redisrepo.NewPresenceRepository(r.Redis, r.cfg.Gateway.PresenceTTL)
}

// KeysRepository returns the configured public key store
func (r *Resources) KeysRepository() keys.Repository {
	if r.cfg.Store.KeysBackend == config.BackendCockroach {
		return cockroach.NewKeysRepository(r.Cockroach.Pool)
	}
	return memory.NewKeysRepository()
}

// KeyCache returns the configured key cache, or nil when disabled
func (r *Resources) KeyCache() keys.Cache {
	if !r.cfg.Keys.CacheEnabled {
		return nil
	}
	if r.cfg.Keys.CacheBackend == config.BackendRedis {
		return redisrepo.NewKeyCacheRepository(r.Redis, r.cfg.Keys.CacheTTL)
	}
	c := memory.NewKeyCache(r.cfg.Keys.CacheTTL, 0)
	r.closers = append(r.closers, c.Close)
	return c
}

// DeadLetterSink returns the configured dead-letter sink
func (r *Resources) DeadLetterSink(ctx context.Context) (deadletter.Sink, error) {
	if r.cfg.DeadLetter.Backend == config.BackendMinIO {
		return deadletter.NewMinIOSink(ctx, r.cfg.DeadLetter.MinIO)
	}
	return deadletter.NewMemorySink(), nil
}

// Envelope builds the at-rest envelope from the master key
func (r *Resources) Envelope() (*crypto.Envelope, error) {
	if err := r.cfg.RequireMasterKey(); err != nil {
		return nil, err
	}
	provider, err := crypto.NewLocalKeyProvider(r.cfg.MasterKey)
	if err != nil {
		return nil, err
	}
	return crypto.NewEnvelope(provider), nil
}

// TokenVerifier builds the bearer token verifier, checking revocation in
// Redis when a Redis connection is open
func (r *Resources) TokenVerifier() *middleware.TokenVerifier {
	manager := jwt.NewJWTManager(r.cfg.JWT.Secret, r.cfg.JWT.AccessTokenExpiry, r.cfg.JWT.Issuer, r.cfg.JWT.Audience)
	var revocation middleware.RevocationChecker
	if r.Redis != nil {
		revocation = redisrepo.NewRevocationRepository(r.Redis)
	}
	return middleware.NewTokenVerifier(manager, revocation)
}

// NewRouter returns a gin engine with the common middleware, /health and /metrics
func NewRouter(cfg *config.Config, m *metrics.Metrics) *gin.Engine {
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	_ = router.SetTrustedProxies(nil)

	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.SecurityHeaders())
	if len(cfg.Server.AllowedOrigins) > 0 {
		router.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	}
	router.Use(middleware.NewPrometheusMiddleware(m).Handler())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": cfg.Server.ServiceName,
			"time":    time.Now().UTC(),
		})
	})
	router.GET("/metrics", middleware.MetricsHandler(prometheus.DefaultGatherer))

	return router
}

// Run serves handler on the configured port alongside the background workers
// until SIGINT or SIGTERM, then shuts everything down gracefully.
func Run(cfg *config.Config, handler http.Handler, workers ...func(ctx context.Context) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info("Server starting",
			zap.String("service", cfg.Server.ServiceName),
			zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})

	for _, w := range workers {
		w := w
		g.Go(func() error {
			if err := w(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server forced to shutdown", zap.Error(err))
		}
		return nil
	})

	err := g.Wait()
	logger.Info("Server exited")
	return err
}

// Exit reports a fatal startup error and exits
func Exit(msg string, err error) {
	logger.Error(msg, zap.Error(err))
	_ = logger.Sync()
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}
