package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"entitlement-delivery/internal/models"
)

const licenseColumns = `id, principal_id, product_id, order_id, tier, created_at, revoked, revoked_at`

func scanLicense(row rowScanner) (*models.License, error) {
	var (
		l         models.License
		createdAt int64
		revokedAt sql.NullInt64
	)
	if err := row.Scan(&l.ID, &l.PrincipalID, &l.ProductID, &l.OrderID, &l.Tier, &createdAt, &l.Revoked, &revokedAt); err != nil {
		return nil, err
	}
	l.CreatedAt = fromMillis(createdAt)
	l.RevokedAt = timePtr(revokedAt)
	return &l, nil
}

// FindActiveLicense returns the oldest non-revoked license for (principal, product).
// Duplicate licenses are tolerated; any one of them authorizes.
func (s *SQLStore) FindActiveLicense(ctx context.Context, principalID, productID string) (*models.License, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+licenseColumns+` FROM licenses
		 WHERE principal_id = ? AND product_id = ? AND revoked = FALSE
		 ORDER BY created_at ASC LIMIT 1`), principalID, productID)
	l, err := scanLicense(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find license: %w", err)
	}
	return l, nil
}

// GetLicense loads a license by id.
func (s *SQLStore) GetLicense(ctx context.Context, id string) (*models.License, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+licenseColumns+` FROM licenses WHERE id = ?`), id)
	l, err := scanLicense(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get license: %w", err)
	}
	return l, nil
}

// CreateLicense records a completed purchase. Re-delivery of the same license id is a no-op.
func (s *SQLStore) CreateLicense(ctx context.Context, l *models.License) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO licenses (`+licenseColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`),
		l.ID, l.PrincipalID, l.ProductID, l.OrderID, string(l.Tier), toMillis(l.CreatedAt), l.Revoked, nullMillis(l.RevokedAt))
	if err != nil {
		return fmt.Errorf("create license: %w", err)
	}
	return nil
}

// RevokeLicense marks a license revoked. Revoking twice keeps the first timestamp.
func (s *SQLStore) RevokeLicense(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE licenses SET revoked = TRUE, revoked_at = COALESCE(revoked_at, ?) WHERE id = ?`),
		toMillis(at), id)
	if err != nil {
		return fmt.Errorf("revoke license: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke license: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
