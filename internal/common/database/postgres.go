// internal/common/database/postgres.go
package database

import (
	"database/sql"
	"fmt"
	"time"

	"entitlement-delivery/internal/common/config"

	_ "github.com/lib/pq"
)

// NewPostgres opens the entitlement store pool. lib/pq dials lazily, so the
// first error for a bad host shows up on the caller's ping.
func NewPostgres(cfg config.PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	// token consumption holds a row lock for one short transaction; idle
	// connections above the open cap are never useful
	idle := cfg.MaxIdle
	if idle > cfg.MaxConnections {
		idle = cfg.MaxConnections
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(idle)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return db, nil
}
