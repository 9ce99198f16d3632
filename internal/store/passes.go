package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"entitlement-delivery/internal/models"
)

const passColumns = `id, principal_id, pass_type, status, period_start, period_end, cancel_at_period_end,
	total_downloads, period_downloads, last_event_at, created_at, updated_at`

func scanPass(row rowScanner) (*models.AccessPass, error) {
	var (
		p                                 models.AccessPass
		periodStart, createdAt, updatedAt int64
		periodEnd, lastEventAt            sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.PrincipalID, &p.Type, &p.Status, &periodStart, &periodEnd, &p.CancelAtPeriodEnd,
		&p.TotalDownloads, &p.PeriodDownloads, &lastEventAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.PeriodStart = fromMillis(periodStart)
	p.PeriodEnd = timePtr(periodEnd)
	p.LastEventAt = timePtr(lastEventAt)
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	return &p, nil
}

// CurrentPass returns the principal's active pass, or the most recently updated
// one when none is active.
func (s *SQLStore) CurrentPass(ctx context.Context, principalID string) (*models.AccessPass, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+passColumns+` FROM access_passes WHERE principal_id = ?
		 ORDER BY CASE WHEN status = 'active' THEN 0 ELSE 1 END, updated_at DESC LIMIT 1`), principalID)
	p, err := scanPass(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("current pass: %w", err)
	}
	return p, nil
}

// GetPass loads a pass by id.
func (s *SQLStore) GetPass(ctx context.Context, id string) (*models.AccessPass, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+passColumns+` FROM access_passes WHERE id = ?`), id)
	p, err := scanPass(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pass: %w", err)
	}
	return p, nil
}

// PutPass inserts or replaces a pass row as-is. Lifecycle changes go through ApplyPassEvent.
func (s *SQLStore) PutPass(ctx context.Context, p *models.AccessPass) error {
	_, err := s.db.ExecContext(ctx, s.rebind(upsertPassSQL), passArgs(p)...)
	if err != nil {
		return fmt.Errorf("put pass: %w", err)
	}
	return nil
}

// ExpirePass flips an active, non-lifetime pass whose period has ended to expired.
// It reports true only for the caller whose update changed the row, so concurrent
// lazy corrections produce exactly one lifecycle notification.
func (s *SQLStore) ExpirePass(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE access_passes SET status = 'expired', updated_at = ?
		 WHERE id = ? AND status = 'active' AND pass_type <> 'lifetime'
		   AND period_end IS NOT NULL AND period_end <= ?`),
		toMillis(now), id, toMillis(now))
	if err != nil {
		return false, fmt.Errorf("expire pass: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("expire pass: %w", err)
	}
	return n == 1, nil
}

const upsertPassSQL = `INSERT INTO access_passes (` + passColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		principal_id = excluded.principal_id,
		pass_type = excluded.pass_type,
		status = excluded.status,
		period_start = excluded.period_start,
		period_end = excluded.period_end,
		cancel_at_period_end = excluded.cancel_at_period_end,
		total_downloads = excluded.total_downloads,
		period_downloads = excluded.period_downloads,
		last_event_at = excluded.last_event_at,
		updated_at = excluded.updated_at`

func passArgs(p *models.AccessPass) []interface{} {
	return []interface{}{
		p.ID, p.PrincipalID, string(p.Type), string(p.Status), toMillis(p.PeriodStart), nullMillis(p.PeriodEnd),
		p.CancelAtPeriodEnd, p.TotalDownloads, p.PeriodDownloads, nullMillis(p.LastEventAt),
		toMillis(p.CreatedAt), toMillis(p.UpdatedAt),
	}
}

// PassTransition computes the next state of a pass from its current state (nil
// when the pass does not exist yet). A nil result leaves the row untouched; the
// returned outcome is recorded against the event.
type PassTransition func(current *models.AccessPass) (next *models.AccessPass, outcome string)

// ApplyPassEvent records ev and applies fn to the pass it targets in one transaction.
// A redelivered event id returns ErrDuplicateEvent without touching the pass.
func (s *SQLStore) ApplyPassEvent(ctx context.Context, ev models.PassEvent, receivedAt time.Time, fn PassTransition) (outcome string, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin apply pass event: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO pass_events (event_id, event_type, pass_id, principal_id, occurred_at, received_at, outcome)
		 VALUES (?, ?, ?, ?, ?, ?, 'pending') ON CONFLICT (event_id) DO NOTHING`),
		ev.EventID, string(ev.Type), ev.EntitlementID, ev.PrincipalID, toMillis(ev.OccurredAt), toMillis(receivedAt))
	if err != nil {
		return "", fmt.Errorf("record pass event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("record pass event: %w", err)
	}
	if n == 0 {
		err = ErrDuplicateEvent
		return "", err
	}

	current, err := scanPass(tx.QueryRowContext(ctx, s.rebind(
		`SELECT `+passColumns+` FROM access_passes WHERE id = ?`+s.forUpdate()), ev.EntitlementID))
	if errors.Is(err, sql.ErrNoRows) {
		current, err = nil, nil
	}
	if err != nil {
		return "", fmt.Errorf("load pass: %w", err)
	}

	next, outcome := fn(current)
	if next != nil {
		if next.Status == models.PassActive {
			// one active pass per principal: supersede any other
			if _, err = tx.ExecContext(ctx, s.rebind(
				`UPDATE access_passes SET status = 'cancelled', updated_at = ?
				 WHERE principal_id = ? AND id <> ? AND status = 'active'`),
				toMillis(next.UpdatedAt), next.PrincipalID, next.ID); err != nil {
				return "", fmt.Errorf("supersede active passes: %w", err)
			}
		}
		if _, err = tx.ExecContext(ctx, s.rebind(upsertPassSQL), passArgs(next)...); err != nil {
			return "", fmt.Errorf("save pass: %w", err)
		}
	}

	if _, err = tx.ExecContext(ctx, s.rebind(`UPDATE pass_events SET outcome = ? WHERE event_id = ?`), outcome, ev.EventID); err != nil {
		return "", fmt.Errorf("record pass event outcome: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return "", fmt.Errorf("commit pass event: %w", err)
	}
	return outcome, nil
}
