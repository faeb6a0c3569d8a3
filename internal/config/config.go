// Package config loads service configuration from the environment.
// Secrets may be supplied as Docker secret files via the *_FILE variants.
package config

import (
	"fmt"
	"time"

	"github.com/burhanwani/WhatsAppSimulator/internal/crypto"
	"github.com/burhanwani/WhatsAppSimulator/internal/database"
	"github.com/burhanwani/WhatsAppSimulator/internal/deadletter"
	"github.com/burhanwani/WhatsAppSimulator/internal/relay"
	"github.com/burhanwani/WhatsAppSimulator/pkg/env"
	"github.com/burhanwani/WhatsAppSimulator/pkg/logger"
	"github.com/burhanwani/WhatsAppSimulator/pkg/resilience"
)

// Backend names
const (
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendCockroach = "cockroach"
	BackendCassandra = "cassandra"
	BackendMinIO     = "minio"
)

// Config holds all configuration for the relay services
type Config struct {
	Server     ServerConfig
	JWT        JWTConfig
	Store      StoreConfig
	Relay      RelayConfig
	Database   database.CockroachConfig
	Redis      database.RedisConfig
	Cassandra  database.CassandraConfig
	DeadLetter DeadLetterConfig
	Processor  ProcessorConfig
	Keys       KeysConfig
	Gateway    GatewayConfig
	Log        logger.Config

	// MasterKey is the 32-byte envelope master key
	MasterKey []byte
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            int
	Environment     string // development, staging, production
	ServiceName     string
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration
	AllowedOrigins  []string
}

// JWTConfig holds bearer token settings
type JWTConfig struct {
	Secret            string
	Issuer            string
	Audience          string
	AccessTokenExpiry time.Duration
}

// StoreConfig selects the message and key store
type StoreConfig struct {
	Backend     string // memory, cockroach, cassandra
	KeysBackend string // memory, cockroach
	AutoMigrate bool
	PageSize    int
}

// RelayConfig selects and tunes the relay queue
type RelayConfig struct {
	Backend string // memory, redis
	Options relay.Options
	// Consumer must be unique per replica: partition leases are held by name
	Consumer      string
	Block         time.Duration
	LeaseTTL      time.Duration
	CursorBackend string // memory, redis
}

// DeadLetterConfig selects the dead-letter sink
type DeadLetterConfig struct {
	Backend string // memory, minio
	MinIO   deadletter.MinIOConfig
}

// ProcessorConfig tunes the envelope processor
type ProcessorConfig struct {
	Backoff resilience.Backoff
}

// KeysConfig tunes the key registry
type KeysConfig struct {
	CacheEnabled bool
	CacheBackend string // memory, redis
	CacheTTL     time.Duration
	UploadLimit  int
	UploadWindow time.Duration
}

// GatewayConfig tunes the session gateway
type GatewayConfig struct {
	SendBuffer   int
	ConnectLimit int // upgrades per minute per client IP
	// InstanceID names this replica in presence; hostname-pid when empty
	InstanceID      string
	PresenceTTL     time.Duration
	PresenceRefresh time.Duration
}

// Load reads the configuration for service from the environment and validates it
func Load(service string) (*Config, error) {
	masterKey, err := env.GetBase64FromFile("RELAY_MASTER_KEY")
	if err != nil {
		return nil, err
	}

	defaults := relay.DefaultOptions()
	backoff := resilience.DefaultBackoff()

	cfg := &Config{
		Server: ServerConfig{
			Port:            env.GetInt("PORT", 8080),
			Environment:     env.GetString("ENV", "development"),
			ServiceName:     env.GetString("SERVICE_NAME", service),
			ShutdownTimeout: env.GetDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
			RequestTimeout:  env.GetDuration("REQUEST_TIMEOUT", 15*time.Second),
			AllowedOrigins:  env.GetStringSlice("CORS_ALLOWED_ORIGINS", nil),
		},
		JWT: JWTConfig{
			Secret:            env.GetStringFromFile("JWT_SECRET", ""),
			Issuer:            env.GetString("JWT_ISSUER", "relay"),
			Audience:          env.GetString("JWT_AUDIENCE", "relay-api"),
			AccessTokenExpiry: env.GetDuration("JWT_ACCESS_EXPIRY", 15*time.Minute),
		},
		Store: StoreConfig{
			Backend:     env.GetString("STORE_BACKEND", BackendMemory),
			KeysBackend: env.GetString("KEYS_BACKEND", BackendMemory),
			AutoMigrate: env.GetBool("DB_AUTO_MIGRATE", false),
			PageSize:    env.GetInt("CATCHUP_PAGE_SIZE", 100),
		},
		Relay: RelayConfig{
			Backend: env.GetString("RELAY_BACKEND", BackendMemory),
			Options: relay.Options{
				Partitions:      env.GetInt("RELAY_PARTITIONS", defaults.Partitions),
				Capacity:        env.GetInt("RELAY_CAPACITY", defaults.Capacity),
				Overflow:        relay.ParseOverflowPolicy(env.GetString("RELAY_OVERFLOW", "block")),
				RetryBackoff:    env.GetDuration("RELAY_RETRY_BACKOFF", defaults.RetryBackoff),
				MaxRetryBackoff: env.GetDuration("RELAY_MAX_RETRY_BACKOFF", defaults.MaxRetryBackoff),
			},
			Consumer:      env.GetString("RELAY_CONSUMER", ""),
			Block:         env.GetDuration("RELAY_BLOCK", 2*time.Second),
			LeaseTTL:      env.GetDuration("RELAY_LEASE_TTL", 15*time.Second),
			CursorBackend: env.GetString("CURSOR_BACKEND", BackendMemory),
		},
		Database: database.CockroachConfig{
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 26257),
			User:     env.GetString("DB_USER", "root"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "relay"),
			SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
			MaxConns: int32(env.GetInt("DB_MAX_CONNS", 25)),
			MinConns: int32(env.GetInt("DB_MIN_CONNS", 2)),
		},
		Redis: database.RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
		},
		Cassandra: database.CassandraConfig{
			Hosts:       env.GetStringSlice("CASSANDRA_HOSTS", []string{"localhost"}),
			Keyspace:    env.GetString("CASSANDRA_KEYSPACE", "relay"),
			Username:    env.GetString("CASSANDRA_USERNAME", ""),
			Password:    env.GetStringFromFile("CASSANDRA_PASSWORD", ""),
			Timeout:     env.GetDuration("CASSANDRA_TIMEOUT", 600*time.Millisecond),
			Consistency: env.GetString("CASSANDRA_CONSISTENCY", "QUORUM"),
		},
		DeadLetter: DeadLetterConfig{
			Backend: env.GetString("DEADLETTER_BACKEND", BackendMemory),
			MinIO: deadletter.MinIOConfig{
				Endpoint:  env.GetString("MINIO_ENDPOINT", "localhost:9000"),
				AccessKey: env.GetStringFromFile("MINIO_ACCESS_KEY", "minioadmin"),
				SecretKey: env.GetStringFromFile("MINIO_SECRET_KEY", "minioadmin"),
				Bucket:    env.GetString("MINIO_BUCKET", "relay-deadletter"),
				UseSSL:    env.GetBool("MINIO_USE_SSL", false),
			},
		},
		Processor: ProcessorConfig{
			Backoff: resilience.Backoff{
				Initial:     env.GetDuration("WRAP_RETRY_INITIAL", backoff.Initial),
				Max:         env.GetDuration("WRAP_RETRY_MAX", backoff.Max),
				Multiplier:  env.GetFloat("WRAP_RETRY_MULTIPLIER", backoff.Multiplier),
				MaxAttempts: env.GetInt("WRAP_MAX_ATTEMPTS", backoff.MaxAttempts),
			},
		},
		Keys: KeysConfig{
			CacheEnabled: env.GetBool("KEY_CACHE_ENABLED", false),
			CacheBackend: env.GetString("KEY_CACHE_BACKEND", BackendRedis),
			CacheTTL:     env.GetDuration("KEY_CACHE_TTL", time.Hour),
			UploadLimit:  env.GetInt("KEY_UPLOAD_LIMIT", 10),
			UploadWindow: env.GetDuration("KEY_UPLOAD_WINDOW", time.Minute),
		},
		Gateway: GatewayConfig{
			SendBuffer:      env.GetInt("GATEWAY_SEND_BUFFER", 256),
			ConnectLimit:    env.GetInt("GATEWAY_CONNECT_LIMIT", 30),
			InstanceID:      env.GetString("GATEWAY_INSTANCE_ID", ""),
			PresenceTTL:     env.GetDuration("GATEWAY_PRESENCE_TTL", 90*time.Second),
			PresenceRefresh: env.GetDuration("GATEWAY_PRESENCE_REFRESH", 30*time.Second),
		},
		Log: logger.Config{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/app.log"),
			Service:  service,
		},
		MasterKey: masterKey,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET must be set")
	}
	if c.Server.Environment == "production" && len(c.JWT.Secret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
	}
	if c.MasterKey != nil && len(c.MasterKey) != crypto.MasterKeySize {
		return fmt.Errorf("RELAY_MASTER_KEY must decode to %d bytes, got %d", crypto.MasterKeySize, len(c.MasterKey))
	}

	checks := []struct {
		name, value string
		allowed     []string
	}{
		{"STORE_BACKEND", c.Store.Backend, []string{BackendMemory, BackendCockroach, BackendCassandra}},
		{"KEYS_BACKEND", c.Store.KeysBackend, []string{BackendMemory, BackendCockroach}},
		{"RELAY_BACKEND", c.Relay.Backend, []string{BackendMemory, BackendRedis}},
		{"CURSOR_BACKEND", c.Relay.CursorBackend, []string{BackendMemory, BackendRedis}},
		{"DEADLETTER_BACKEND", c.DeadLetter.Backend, []string{BackendMemory, BackendMinIO}},
		{"KEY_CACHE_BACKEND", c.Keys.CacheBackend, []string{BackendMemory, BackendRedis}},
	}
	for _, chk := range checks {
		if !oneOf(chk.value, chk.allowed) {
			return fmt.Errorf("%s must be one of %v, got %q", chk.name, chk.allowed, chk.value)
		}
	}

	if c.Processor.Backoff.MaxAttempts < 1 {
		return fmt.Errorf("WRAP_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

// RequireMasterKey fails when no envelope master key was configured
func (c *Config) RequireMasterKey() error {
	if len(c.MasterKey) == 0 {
		return fmt.Errorf("RELAY_MASTER_KEY is required by %s", c.Server.ServiceName)
	}
	return nil
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
