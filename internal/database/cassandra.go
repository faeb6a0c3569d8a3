package database

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
)

// DefaultCassandraQueryTimeout is the default timeout for Cassandra queries
const DefaultCassandraQueryTimeout = 5 * time.Second

// CassandraDB wraps the gocql Session with context support
type CassandraDB struct {
	Session *gocql.Session
}

// CassandraConfig holds Cassandra connection configuration
type CassandraConfig struct {
	Hosts       []string
	Keyspace    string
	Username    string
	Password    string
	Timeout     time.Duration
	Consistency string
}

// NewCassandraDB creates a session. Lightweight transactions used by the
// message store run at SERIAL regardless of the configured consistency.
func NewCassandraDB(cfg *CassandraConfig) (*CassandraDB, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = gocql.Quorum
	if cfg.Consistency != "" {
		c, err := gocql.ParseConsistencyWrapper(cfg.Consistency)
		if err != nil {
			return nil, fmt.Errorf("invalid Cassandra consistency %q: %w", cfg.Consistency, err)
		}
		cluster.Consistency = c
	}
	cluster.SerialConsistency = gocql.Serial

	cluster.Timeout = DefaultCassandraQueryTimeout
	if cfg.Timeout > 0 {
		cluster.Timeout = cfg.Timeout
	}

	if cfg.Username != "" && cfg.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create Cassandra session: %w", err)
	}
	return &CassandraDB{Session: session}, nil
}

// Close closes the Cassandra session
func (c *CassandraDB) Close() {
	c.Session.Close()
}

// QueryWithContext binds stmt to ctx so cancellation and deadlines apply.
// Without a deadline the cluster timeout bounds the query.
func (c *CassandraDB) QueryWithContext(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return c.Session.Query(stmt, values...).WithContext(ctx)
}

// ExecWithContext executes a query without returning results
func (c *CassandraDB) ExecWithContext(ctx context.Context, stmt string, values ...interface{}) error {
	return c.QueryWithContext(ctx, stmt, values...).Exec()
}
