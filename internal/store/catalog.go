package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"entitlement-delivery/internal/models"
)

// PrincipalExists reports whether the storefront knows the principal.
func (s *SQLStore) PrincipalExists(ctx context.Context, principalID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM principals WHERE id = ?`), principalID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup principal: %w", err)
	}
	return true, nil
}

// GetProduct loads a catalog product without its file list.
func (s *SQLStore) GetProduct(ctx context.Context, productID string) (*models.Product, error) {
	p := models.Product{ID: productID}
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT pass_excluded FROM catalog_products WHERE id = ?`), productID,
	).Scan(&p.PassExcluded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup product: %w", err)
	}
	return &p, nil
}

// ProductForFile returns the product owning a storage key.
func (s *SQLStore) ProductForFile(ctx context.Context, fileKey string) (string, error) {
	var productID string
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT product_id FROM catalog_product_files WHERE file_key = ?`), fileKey,
	).Scan(&productID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup file owner: %w", err)
	}
	return productID, nil
}

// PutPrincipal registers a principal. Used by catalog sync and tests.
func (s *SQLStore) PutPrincipal(ctx context.Context, principalID string) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO principals (id, created_at) VALUES (?, 0) ON CONFLICT (id) DO NOTHING`), principalID)
	if err != nil {
		return fmt.Errorf("put principal: %w", err)
	}
	return nil
}

// PutProduct upserts a product and its file keys.
func (s *SQLStore) PutProduct(ctx context.Context, p models.Product) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put product: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, s.rebind(
		`INSERT INTO catalog_products (id, pass_excluded) VALUES (?, ?)
		 ON CONFLICT (id) DO UPDATE SET pass_excluded = excluded.pass_excluded`),
		p.ID, p.PassExcluded); err != nil {
		return fmt.Errorf("put product: %w", err)
	}
	for _, key := range p.FileKeys {
		if _, err = tx.ExecContext(ctx, s.rebind(
			`INSERT INTO catalog_product_files (file_key, product_id) VALUES (?, ?)
			 ON CONFLICT (file_key) DO UPDATE SET product_id = excluded.product_id`),
			key, p.ID); err != nil {
			return fmt.Errorf("put product file: %w", err)
		}
	}
	return tx.Commit()
}
