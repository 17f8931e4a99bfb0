package db

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	// spareConns is kept free for the webhook handler, queue stats and
	// the sweep's rollbacks.
	spareConns = 5

	minPoolConns = 10
)

// DB owns the connection pool. Transaction handles check connections out of
// it for their whole lifetime.
type DB struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// Workers is the number of sync workers that may each hold a
	// connection at once. It sizes the pool.
	Workers int
}

// DSN returns a postgres URL. Credentials are escaped.
func (c Config) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Database,
	}
	if c.Password != "" {
		u.User = url.UserPassword(c.User, c.Password)
	} else {
		u.User = url.User(c.User)
	}
	if c.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {c.SSLMode}}.Encode()
	}
	return u.String()
}

// maxConns leaves every worker a connection plus spareConns.
func (c Config) maxConns() int32 {
	n := c.Workers + spareConns
	if n < minPoolConns {
		n = minPoolConns
	}
	return int32(n)
}

// Conn is the part of a checked-out pooled connection used by transaction
// handles. *pgxpool.Conn satisfies it.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Release()
}

// ConnPool hands out exclusively owned connections.
type ConnPool interface {
	Acquire(ctx context.Context) (Conn, error)
}

func New(ctx context.Context, cfg Config, logger *zap.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	poolConfig.MaxConns = cfg.maxConns()
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "ocg-syncd"
	// A transaction abandoned by a crashed process must not hold row locks
	// forever.
	poolConfig.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"] = "60000"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("database pool ready",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
		zap.Int32("max_conns", poolConfig.MaxConns),
		zap.Int("workers", cfg.Workers),
	)

	return &DB{pool: pool, logger: logger}, nil
}

func (db *DB) Close() {
	db.logger.Info("closing database pool")
	db.pool.Close()
}

func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Acquire checks out a connection for exclusive use by a transaction handle.
func (db *DB) Acquire(ctx context.Context) (Conn, error) {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Health pings the database; used by GET /health.
func (db *DB) Health(ctx context.Context) error {
	return db.pool.Ping(ctx)
}
