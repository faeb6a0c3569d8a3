package config

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burhanwani/WhatsAppSimulator/internal/relay"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	cfg, err := Load("gateway-service")
	require.NoError(t, err)

	assert.Equal(t, "gateway-service", cfg.Server.ServiceName)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, BackendMemory, cfg.Relay.Backend)
	assert.Equal(t, relay.OverflowBlock, cfg.Relay.Options.Overflow)
	assert.Equal(t, 15*time.Second, cfg.Relay.LeaseTTL)
	assert.Empty(t, cfg.Gateway.InstanceID)
	assert.Equal(t, 90*time.Second, cfg.Gateway.PresenceTTL)
	assert.Equal(t, 30*time.Second, cfg.Gateway.PresenceRefresh)
	assert.Equal(t, 5, cfg.Processor.Backoff.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Processor.Backoff.Initial)
	assert.False(t, cfg.Keys.CacheEnabled)
	assert.Equal(t, BackendRedis, cfg.Keys.CacheBackend)
	assert.Nil(t, cfg.MasterKey)
	assert.Error(t, cfg.RequireMasterKey())
}

func TestLoad_Overrides(t *testing.T) {
	key := make([]byte, 32)
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("RELAY_MASTER_KEY", base64.StdEncoding.EncodeToString(key))
	t.Setenv("STORE_BACKEND", "cassandra")
	t.Setenv("RELAY_BACKEND", "redis")
	t.Setenv("RELAY_OVERFLOW", "reject")
	t.Setenv("RELAY_PARTITIONS", "8")
	t.Setenv("WRAP_MAX_ATTEMPTS", "3")
	t.Setenv("CASSANDRA_HOSTS", "c1,c2")

	cfg, err := Load("processor-service")
	require.NoError(t, err)

	assert.Equal(t, BackendCassandra, cfg.Store.Backend)
	assert.Equal(t, BackendRedis, cfg.Relay.Backend)
	assert.Equal(t, relay.OverflowReject, cfg.Relay.Options.Overflow)
	assert.Equal(t, 8, cfg.Relay.Options.Partitions)
	assert.Equal(t, 3, cfg.Processor.Backoff.MaxAttempts)
	assert.Equal(t, []string{"c1", "c2"}, cfg.Cassandra.Hosts)
	assert.NoError(t, cfg.RequireMasterKey())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing jwt secret", map[string]string{"JWT_SECRET": ""}},
		{"short production secret", map[string]string{"ENV": "production"}},
		{"unknown store backend", map[string]string{"STORE_BACKEND": "sqlite"}},
		{"master key wrong length", map[string]string{"RELAY_MASTER_KEY": base64.StdEncoding.EncodeToString([]byte("short"))}},
		{"master key not base64", map[string]string{"RELAY_MASTER_KEY": "%%%"}},
		{"unknown key cache backend", map[string]string{"KEY_CACHE_BACKEND": "memcached"}},
		{"zero attempts", map[string]string{"WRAP_MAX_ATTEMPTS": "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("JWT_SECRET", "test-secret")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("key-service")
			assert.Error(t, err)
		})
	}
}
