package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"entitlement-delivery/internal/models"
)

// CreateToken persists a freshly issued token and its file set.
func (s *SQLStore) CreateToken(ctx context.Context, t *models.DownloadToken) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create token: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, s.rebind(
		`INSERT INTO download_tokens (id, principal_id, entitlement_kind, entitlement_id, issued_at, expires_at, max_uses, uses_remaining, fingerprint)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.PrincipalID, string(t.Entitlement.Kind), t.Entitlement.ID, toMillis(t.IssuedAt), toMillis(t.ExpiresAt),
		t.MaxUses, t.UsesRemaining, t.Fingerprint); err != nil {
		return fmt.Errorf("insert token: %w", err)
	}

	for i, f := range t.Files {
		if _, err = tx.ExecContext(ctx, s.rebind(
			`INSERT INTO download_token_files (token_id, file_key, product_id, position) VALUES (?, ?, ?, ?)`),
			t.ID, f.Key, f.ProductID, i); err != nil {
			return fmt.Errorf("insert token file: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit token: %w", err)
	}
	return nil
}

// GetToken loads a token and its files. It never mutates state.
func (s *SQLStore) GetToken(ctx context.Context, id string) (*models.DownloadToken, error) {
	var (
		t                   models.DownloadToken
		issuedAt, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, principal_id, entitlement_kind, entitlement_id, issued_at, expires_at, max_uses, uses_remaining, fingerprint
		 FROM download_tokens WHERE id = ?`), id,
	).Scan(&t.ID, &t.PrincipalID, &t.Entitlement.Kind, &t.Entitlement.ID, &issuedAt, &expiresAt, &t.MaxUses, &t.UsesRemaining, &t.Fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	t.IssuedAt = fromMillis(issuedAt)
	t.ExpiresAt = fromMillis(expiresAt)

	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT file_key, product_id, consumed_at FROM download_token_files WHERE token_id = ? ORDER BY position`), id)
	if err != nil {
		return nil, fmt.Errorf("get token files: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			f          models.TokenFile
			consumedAt sql.NullInt64
		)
		if err := rows.Scan(&f.Key, &f.ProductID, &consumedAt); err != nil {
			return nil, fmt.Errorf("scan token file: %w", err)
		}
		f.ConsumedAt = timePtr(consumedAt)
		t.Files = append(t.Files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get token files: %w", err)
	}
	return &t, nil
}

// ConsumeRequest describes one download against a token.
type ConsumeRequest struct {
	TokenID string
	FileKey string
	Now     time.Time
	// PassPeriodLimit caps period downloads when the token was issued under an
	// access pass. Zero disables the cap.
	PassPeriodLimit int
	// Event carries the caller-supplied audit fields (id, client IP, user agent,
	// bytes, anomalous). Token, principal, product and time are filled in here.
	Event models.DownloadEvent
}

// ConsumeResult is the outcome of a successful consume.
type ConsumeResult struct {
	UsesRemaining int
	Entitlement   models.EntitlementRef
	Event         models.DownloadEvent
}

// ConsumeToken spends one use of a token on one of its files. Each file is
// delivered at most once, and the decrement is a single conditional UPDATE, so
// concurrent callers observe one linear sequence of counter values and a token
// with k uses yields exactly k successes. The file marker, the audit event and
// the pass usage counters commit in the same transaction.
//
// Failures are ErrNotFound, ErrTokenExpired, ErrFileNotAuthorized,
// ErrTokenExhausted or ErrPassQuotaExhausted.
func (s *SQLStore) ConsumeToken(ctx context.Context, req ConsumeRequest) (*ConsumeResult, error) {
	res, err := s.consume(ctx, req)
	if errors.Is(err, errNoMatch) {
		return nil, s.classifyConsumeFailure(ctx, req)
	}
	return res, err
}

func (s *SQLStore) consume(ctx context.Context, req ConsumeRequest) (res *ConsumeResult, err error) {
	now := toMillis(req.Now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin consume: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// claim the file first; a second delivery of the same key matches nothing
	var productID string
	err = tx.QueryRowContext(ctx, s.rebind(
		`UPDATE download_token_files SET consumed_at = ?
		 WHERE token_id = ? AND file_key = ? AND consumed_at IS NULL
		 RETURNING product_id`),
		now, req.TokenID, req.FileKey).Scan(&productID)
	if errors.Is(err, sql.ErrNoRows) {
		err = errNoMatch
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("claim token file: %w", err)
	}

	res = &ConsumeResult{}
	var principalID string
	err = tx.QueryRowContext(ctx, s.rebind(
		`UPDATE download_tokens SET uses_remaining = uses_remaining - 1
		 WHERE id = ? AND uses_remaining > 0 AND expires_at > ?
		 RETURNING uses_remaining, principal_id, entitlement_kind, entitlement_id`),
		req.TokenID, now).Scan(&res.UsesRemaining, &principalID, &res.Entitlement.Kind, &res.Entitlement.ID)
	if errors.Is(err, sql.ErrNoRows) {
		err = errNoMatch
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("decrement token: %w", err)
	}

	ev := req.Event
	ev.TokenID = req.TokenID
	ev.PrincipalID = principalID
	ev.ProductID = productID
	ev.FileKey = req.FileKey
	ev.OccurredAt = fromMillis(now)
	if _, err = tx.ExecContext(ctx, s.rebind(
		`INSERT INTO download_events (id, token_id, principal_id, product_id, file_key, occurred_at, client_ip, user_agent, bytes_served, anomalous)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		ev.ID, ev.TokenID, ev.PrincipalID, ev.ProductID, ev.FileKey, now, ev.ClientIP, ev.UserAgent, ev.BytesServed, ev.Anomalous); err != nil {
		return nil, fmt.Errorf("insert download event: %w", err)
	}

	if res.Entitlement.Kind == models.KindAccessPass {
		var bumped sql.Result
		bumped, err = tx.ExecContext(ctx, s.rebind(
			`UPDATE access_passes SET total_downloads = total_downloads + 1, period_downloads = period_downloads + 1, updated_at = ?
			 WHERE id = ? AND (? = 0 OR period_downloads < ?)`),
			now, res.Entitlement.ID, req.PassPeriodLimit, req.PassPeriodLimit)
		if err != nil {
			return nil, fmt.Errorf("bump pass usage: %w", err)
		}
		var n int64
		if n, err = bumped.RowsAffected(); err != nil {
			return nil, fmt.Errorf("bump pass usage: %w", err)
		}
		if n == 0 && req.PassPeriodLimit > 0 {
			err = ErrPassQuotaExhausted
			return nil, err
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit consume: %w", err)
	}
	res.Event = ev
	return res, nil
}

// classifyConsumeFailure explains why the conditional update matched nothing,
// checking in the same order the verifier does.
func (s *SQLStore) classifyConsumeFailure(ctx context.Context, req ConsumeRequest) error {
	var expiresAt int64
	var usesRemaining int
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT expires_at, uses_remaining FROM download_tokens WHERE id = ?`), req.TokenID,
	).Scan(&expiresAt, &usesRemaining)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("classify consume failure: %w", err)
	}
	if toMillis(req.Now) >= expiresAt {
		return ErrTokenExpired
	}

	var consumedAt sql.NullInt64
	err = s.db.QueryRowContext(ctx, s.rebind(
		`SELECT consumed_at FROM download_token_files WHERE token_id = ? AND file_key = ?`),
		req.TokenID, req.FileKey).Scan(&consumedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrFileNotAuthorized
	}
	if err != nil {
		return fmt.Errorf("classify consume failure: %w", err)
	}
	// either the counter is at zero or this file's use is already spent
	return ErrTokenExhausted
}

// ListDownloadEvents returns a token's audit trail, oldest first.
func (s *SQLStore) ListDownloadEvents(ctx context.Context, tokenID string) ([]models.DownloadEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, token_id, principal_id, product_id, file_key, occurred_at, client_ip, user_agent, bytes_served, anomalous
		 FROM download_events WHERE token_id = ? ORDER BY occurred_at, id`), tokenID)
	if err != nil {
		return nil, fmt.Errorf("list download events: %w", err)
	}
	defer rows.Close()

	var events []models.DownloadEvent
	for rows.Next() {
		var (
			ev         models.DownloadEvent
			occurredAt int64
		)
		if err := rows.Scan(&ev.ID, &ev.TokenID, &ev.PrincipalID, &ev.ProductID, &ev.FileKey, &occurredAt,
			&ev.ClientIP, &ev.UserAgent, &ev.BytesServed, &ev.Anomalous); err != nil {
			return nil, fmt.Errorf("scan download event: %w", err)
		}
		ev.OccurredAt = fromMillis(occurredAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PurgeExpiredTokens deletes tokens that expired before cutoff along with their
// file rows. Download events are kept. Expiry never depends on this running.
func (s *SQLStore) PurgeExpiredTokens(ctx context.Context, cutoff time.Time, batch int) (purged int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin purge: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	selectIDs := `SELECT id FROM download_tokens WHERE expires_at < ? ORDER BY expires_at, id LIMIT ?`
	if _, err = tx.ExecContext(ctx, s.rebind(
		`DELETE FROM download_token_files WHERE token_id IN (`+selectIDs+`)`), toMillis(cutoff), batch); err != nil {
		return 0, fmt.Errorf("purge token files: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.rebind(
		`DELETE FROM download_tokens WHERE id IN (`+selectIDs+`)`), toMillis(cutoff), batch)
	if err != nil {
		return 0, fmt.Errorf("purge tokens: %w", err)
	}
	if purged, err = res.RowsAffected(); err != nil {
		return 0, fmt.Errorf("purge tokens: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit purge: %w", err)
	}
	return purged, nil
}
