// internal/common/database/sqlite.go
package database

import (
	"context"
	"database/sql"
	"fmt"

	"entitlement-delivery/internal/common/config"

	_ "modernc.org/sqlite"
)

// SQLiteClient wraps an embedded SQLite database used for single-node deployments.
type SQLiteClient struct {
	DB *sql.DB
}

// NewSQLite opens the database file. SQLite allows a single writer, so the pool is
// pinned to one connection and concurrent consumers queue on it.
func NewSQLite(cfg config.SQLiteConfig) (*SQLiteClient, error) {
	db, err := sql.Open("sqlite", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	return &SQLiteClient{DB: db}, nil
}

// Ping tests the database connection
func (c *SQLiteClient) Ping(ctx context.Context) error {
	return c.DB.PingContext(ctx)
}

// Close closes the database connection
func (c *SQLiteClient) Close() error {
	if c.DB != nil {
		return c.DB.Close()
	}
	return nil
}

// GetDB returns the underlying *sql.DB
func (c *SQLiteClient) GetDB() *sql.DB {
	return c.DB
}

// Open returns the *sql.DB for the configured driver along with its dialect
// name, and exports the pool's stats to Prometheus.
func Open(cfg config.DatabaseConfig) (*sql.DB, string, error) {
	var (
		db  *sql.DB
		err error
	)
	switch cfg.Driver {
	case config.DriverSQLite:
		var c *SQLiteClient
		if c, err = NewSQLite(cfg.SQLite); err == nil {
			db = c.DB
		}
	case config.DriverPostgres:
		db, err = NewPostgres(cfg.Postgres)
	default:
		return nil, "", fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, "", err
	}
	if err := registerPoolMetrics(db, cfg.Driver); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("register pool metrics: %w", err)
	}
	return db, cfg.Driver, nil
}
