// Package storage provides the shared PostgreSQL connection used by every
// persisted component of the ETL core (watermark store, run log, writer,
// quality log, calendar cache).
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const (
	postgresDriver = "postgres"
	ctxTimeout     = 5 * time.Second
)

// Connection represents a database connection pool shared by every
// persisted component. There is exactly one Connection per process;
// it is constructed once in main() and threaded explicitly through the
// runtime context (Design Note "Global mutable state" — no package-level
// singleton).
type Connection struct {
	*sql.DB
}

// NewConnection opens a pooled PostgreSQL connection and verifies it with
// an immediate health check.
func NewConnection(config *Config) (*Connection, error) {
	db, err := sql.Open(postgresDriver, config.databaseURL)
	if err != nil {
		return nil, err
	}

	// Configure connection pool with production-ready settings
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	// Perform immediate health check with timeout
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("database health check failed: %w", err)
	}

	return &Connection{db}, nil
}

// HealthCheck checks if the database connection is healthy with a timeout.
// Used by health-check endpoints and monitoring.
func (c *Connection) HealthCheck(ctx context.Context) error { //nolint: contextcheck
	if ctx == nil {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(context.Background(), ctxTimeout)

		defer cancel()
	}

	return c.PingContext(ctx)
}

// Close closes the database connection pool gracefully. Safe to call
// multiple times.
func (c *Connection) Close() error {
	return c.DB.Close()
}

// Stats returns connection pool statistics for monitoring.
func (c *Connection) Stats() sql.DBStats {
	return c.DB.Stats()
}

// TestConnection wraps an already-open *sql.DB (typically a sqlmock
// connection) as a Connection, bypassing NewConnection's pooling
// configuration and health check. For use in package _test.go files only.
func TestConnection(db *sql.DB) *Connection {
	return &Connection{db}
}
