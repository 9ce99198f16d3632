package store

import (
	"context"
	"fmt"
)

// Catalog and principal tables are owned by the storefront; they are created here
// so single-node deployments and tests have them, and are only read at runtime.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS principals (
		id TEXT PRIMARY KEY,
		created_at BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS catalog_products (
		id TEXT PRIMARY KEY,
		pass_excluded BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS catalog_product_files (
		file_key TEXT PRIMARY KEY,
		product_id TEXT NOT NULL REFERENCES catalog_products(id)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_catalog_product_files_product ON catalog_product_files(product_id)`,

	`CREATE TABLE IF NOT EXISTS licenses (
		id TEXT PRIMARY KEY,
		principal_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		order_id TEXT NOT NULL,
		tier TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		revoked BOOLEAN NOT NULL DEFAULT FALSE,
		revoked_at BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS ix_licenses_principal_product ON licenses(principal_id, product_id)`,

	`CREATE TABLE IF NOT EXISTS access_passes (
		id TEXT PRIMARY KEY,
		principal_id TEXT NOT NULL,
		pass_type TEXT NOT NULL,
		status TEXT NOT NULL,
		period_start BIGINT NOT NULL,
		period_end BIGINT,
		cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
		total_downloads INTEGER NOT NULL DEFAULT 0,
		period_downloads INTEGER NOT NULL DEFAULT 0,
		last_event_at BIGINT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_access_passes_one_active ON access_passes(principal_id) WHERE status = 'active'`,
	`CREATE INDEX IF NOT EXISTS ix_access_passes_principal ON access_passes(principal_id)`,

	`CREATE TABLE IF NOT EXISTS pass_events (
		event_id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		pass_id TEXT NOT NULL,
		principal_id TEXT NOT NULL,
		occurred_at BIGINT NOT NULL,
		received_at BIGINT NOT NULL,
		outcome TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS download_tokens (
		id TEXT PRIMARY KEY,
		principal_id TEXT NOT NULL,
		entitlement_kind TEXT NOT NULL,
		entitlement_id TEXT NOT NULL,
		issued_at BIGINT NOT NULL,
		expires_at BIGINT NOT NULL,
		max_uses INTEGER NOT NULL,
		uses_remaining INTEGER NOT NULL CHECK (uses_remaining >= 0),
		fingerprint TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS ix_download_tokens_expires_at ON download_tokens(expires_at)`,
	`CREATE TABLE IF NOT EXISTS download_token_files (
		token_id TEXT NOT NULL REFERENCES download_tokens(id) ON DELETE CASCADE,
		file_key TEXT NOT NULL,
		product_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		consumed_at BIGINT,
		PRIMARY KEY (token_id, file_key)
	)`,

	`CREATE TABLE IF NOT EXISTS download_events (
		id TEXT PRIMARY KEY,
		token_id TEXT NOT NULL,
		principal_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		file_key TEXT NOT NULL,
		occurred_at BIGINT NOT NULL,
		client_ip TEXT NOT NULL,
		user_agent TEXT NOT NULL,
		bytes_served BIGINT NOT NULL DEFAULT 0,
		anomalous BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS ix_download_events_token ON download_events(token_id)`,
	`CREATE INDEX IF NOT EXISTS ix_download_events_principal ON download_events(principal_id, occurred_at)`,
}

// Migrate creates any missing tables and indexes.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i, err)
		}
	}
	return nil
}
