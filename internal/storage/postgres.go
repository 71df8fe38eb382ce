// internal/storage/postgres.go
// PostgreSQL implementation of the KV interface.
// This implementation is intended for production use with persistent data storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgres stores each key as one row of the kv_store table.
type postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// schemaSQL creates the key/value table.
const schemaSQL = `
	CREATE TABLE IF NOT EXISTS kv_store (
	    key TEXT PRIMARY KEY,                                        -- Store key
	    value BYTEA NOT NULL,                                        -- Serialized value
	    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()   -- Last write time
	);
`

const (
	getSQL = `SELECT value FROM kv_store WHERE key = $1`
	setSQL = `INSERT INTO kv_store (key, value, updated_at) VALUES ($1, $2, $3)
	          ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`
)

// NewPostgres creates a new PostgreSQL KV.
// It establishes a connection pool to the database and initializes the schema.
// Parameters:
//   - dsn: Database connection string in PostgreSQL format
//
// Returns:
//   - KV: Implementation of the key/value interface
//   - error: Any error that occurred during initialization
func NewPostgres(ctx context.Context, dsn string) (KV, error) {
	// Parse the database connection string
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	// The report store serializes its own writes, so a small pool suffices
	config.MaxConns = 5
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	// Establish connection with timeout
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test the connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Initialize database schema
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

// Ping checks database connectivity
func (p *postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// Get retrieves a value by key
func (p *postgres) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := p.db.QueryRow(ctx, getSQL, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %q: %w", key, err)
	}
	return value, nil
}

// Set creates or replaces a value
func (p *postgres) Set(ctx context.Context, key string, value []byte) error {
	if _, err := p.db.Exec(ctx, setSQL, key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to set %q: %w", key, err)
	}
	return nil
}
