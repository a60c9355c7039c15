package database

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UniqueViolation is the SQLSTATE for unique constraint failures.
const UniqueViolation = "23505"

const applicationName = "vendor-sync"

// DB is the shared connection pool behind every repository.
type DB struct {
	pool *pgxpool.Pool
}

type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int32
	// ConnectAttempts bounds the startup ping; Postgres often comes up
	// after the service in compose setups. Zero means a single attempt.
	ConnectAttempts int
	ConnectBackoff  time.Duration
}

// DSN renders the connection URL for cfg.
func (cfg Config) DSN() string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:     "/" + cfg.Database,
		RawQuery: "sslmode=" + url.QueryEscape(sslMode),
	}
	return u.String()
}

func New(ctx context.Context, cfg Config) (*DB, error) {
	return Open(ctx, cfg.DSN(), cfg)
}

// Open builds a pool for dsn and waits until Postgres answers a ping.
func Open(ctx context.Context, dsn string, cfg Config) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if _, ok := poolConfig.ConnConfig.RuntimeParams["application_name"]; !ok {
		poolConfig.ConnConfig.RuntimeParams["application_name"] = applicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := ping(ctx, pool, cfg.ConnectAttempts, cfg.ConnectBackoff); err != nil {
		pool.Close()
		return nil, err
	}
	return &DB{pool: pool}, nil
}

func ping(ctx context.Context, pool *pgxpool.Pool, attempts int, backoff time.Duration) error {
	attempts = max(attempts, 1)
	if backoff <= 0 {
		backoff = time.Second
	}

	var err error
	for i := 1; i <= attempts; i++ {
		if err = pool.Ping(ctx); err == nil {
			return nil
		}
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to reach database: %w", ctx.Err())
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("failed to reach database after %d attempts: %w", attempts, err)
}

func (db *DB) Close() {
	db.pool.Close()
}

func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

func (db *DB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return db.pool.Exec(ctx, sql, args...)
}

func (db *DB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return db.pool.QueryRow(ctx, sql, args...)
}

// WithTx runs fn in a transaction that is committed when fn returns nil
// and rolled back otherwise.
func (db *DB) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == UniqueViolation
}
