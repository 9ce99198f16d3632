package tokens

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"entitlement-delivery/internal/common/config"
	"entitlement-delivery/internal/common/database"
	apperrors "entitlement-delivery/internal/common/errors"
	"entitlement-delivery/internal/common/logger"
	"entitlement-delivery/internal/common/ratelimit"
	"entitlement-delivery/internal/entitlement"
	"entitlement-delivery/internal/models"
	"entitlement-delivery/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test Helper Functions
// ==========================

const (
	clientIP  = "198.51.100.10"
	userAgent = "Mozilla/5.0 (X11; Linux x86_64)"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type captureSink struct {
	mu     sync.Mutex
	events []models.DownloadEvent
}

func (s *captureSink) Record(_ context.Context, ev models.DownloadEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

type fixture struct {
	store    *store.SQLStore
	issuer   *Issuer
	verifier *Verifier
	sink     *captureSink
	clock    *clock
}

var testConfig = Config{
	DefaultTTL:        5 * time.Minute,
	MaxTTL:            time.Hour,
	DefaultMaxUses:    1,
	FingerprintSecret: "test-secret",
}

func newFixture(t *testing.T, limiter Limiter) *fixture {
	t.Helper()
	client, err := database.NewSQLite(config.SQLiteConfig{
		Path:        filepath.Join(t.TempDir(), "tokens.db"),
		BusyTimeout: 5000,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	s := store.New(client.GetDB(), store.DialectSQLite)
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.PutPrincipal(ctx, "user-1"))
	require.NoError(t, s.PutPrincipal(ctx, "user-2"))
	require.NoError(t, s.PutProduct(ctx, models.Product{ID: "P1", FileKeys: []string{"P1/file.zip"}}))
	require.NoError(t, s.PutProduct(ctx, models.Product{ID: "BUNDLE", FileKeys: []string{"A", "B", "C", "D"}}))

	tier, ok := models.NormalizeTier("standard")
	require.True(t, ok)
	for _, lic := range []models.License{
		{ID: "lic-1", PrincipalID: "user-1", ProductID: "P1", OrderID: "o-1", Tier: tier},
		{ID: "lic-bundle", PrincipalID: "user-1", ProductID: "BUNDLE", OrderID: "o-2", Tier: models.TierExtended},
	} {
		lic := lic
		lic.CreatedAt = time.Now().UTC()
		require.NoError(t, s.CreateLicense(ctx, &lic))
	}

	log := logger.NewTestLogger(t)
	clk := &clock{t: time.Now().UTC().Truncate(time.Millisecond)}
	engine := entitlement.NewEngine(s, nil, entitlement.Config{}, log).WithClock(clk.Now)
	sink := &captureSink{}

	return &fixture{
		store:    s,
		issuer:   NewIssuer(engine, s, limiter, testConfig, log).WithClock(clk.Now),
		verifier: NewVerifier(s, testConfig, log, sink).WithClock(clk.Now),
		sink:     sink,
		clock:    clk,
	}
}

func (f *fixture) issue(t *testing.T, entitlementID string, maxUses int, keys ...string) *IssuedToken {
	t.Helper()
	tok, err := f.issuer.IssueToken(context.Background(), IssueRequest{
		PrincipalID:   "user-1",
		EntitlementID: entitlementID,
		FileKeys:      keys,
		ClientIP:      clientIP,
		UserAgent:     userAgent,
		Options:       IssueOptions{MaxUses: maxUses},
	})
	require.NoError(t, err)
	return tok
}

func validateReq(token, key string) ValidateRequest {
	return ValidateRequest{TokenID: token, FileKey: key, ClientIP: clientIP, UserAgent: userAgent}
}

// ==========================
// Token Value Tests
// ==========================

func TestTokenValueAndDigest(t *testing.T) {
	a, err := newTokenValue()
	require.NoError(t, err)
	b, err := newTokenValue()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Len(t, a, 43) // 32 bytes, unpadded base64url
	assert.Len(t, Digest(a), 64)
	assert.Equal(t, Digest(a), Digest(a))
	assert.NotEqual(t, a, Digest(a))
}

func TestFingerprint(t *testing.T) {
	keyed := Fingerprint("secret", clientIP, userAgent)
	assert.Equal(t, keyed, Fingerprint("secret", clientIP, userAgent))
	assert.NotEqual(t, keyed, Fingerprint("other", clientIP, userAgent))
	assert.NotEqual(t, keyed, Fingerprint("", clientIP, userAgent))
	assert.NotEqual(t, keyed, Fingerprint("secret", "10.0.0.1", userAgent))
	// the separator keeps ip/ua boundaries unambiguous
	assert.NotEqual(t, Fingerprint("", "1.2.3.4", "5x"), Fingerprint("", "1.2.3.45", "x"))
}

// ==========================
// Issue Tests
// ==========================

func TestLicenseScenario_SingleUse(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tok := f.issue(t, "lic-1", 0, "P1/file.zip")
	assert.Equal(t, 1, tok.UsesRemaining)
	assert.Equal(t, models.KindLicense, tok.Via)
	assert.Equal(t, []string{"P1/file.zip"}, tok.FileKeys)

	res, err := f.verifier.Validate(ctx, validateReq(tok.Token, "P1/file.zip"))
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 0, res.RemainingUses)
	assert.False(t, res.Anomalous)

	res, err = f.verifier.Validate(ctx, validateReq(tok.Token, "P1/file.zip"))
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, apperrors.ErrCodeExhausted, res.Reason)
	assert.Equal(t, apperrors.ErrCodeExhausted, apperrors.CodeOf(res.Err()))

	events, err := f.store.ListDownloadEvents(ctx, Digest(tok.Token))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "P1", events[0].ProductID)
	assert.Len(t, f.sink.events, 1)
}

func TestIssueThenInspect_DoesNotSpendUses(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	tok := f.issue(t, "lic-bundle", 2, "A", "B", "C")

	for i := 0; i < 3; i++ {
		res, err := f.verifier.Inspect(ctx, tok.Token, "")
		require.NoError(t, err)
		assert.True(t, res.OK)
		assert.Equal(t, tok.FileKeys, res.FileKeys)
		assert.Equal(t, tok.FileKeys, res.AvailableFileKeys)
		assert.Equal(t, 2, res.RemainingUses)
		assert.True(t, res.ExpiresAt.Equal(tok.ExpiresAt))
	}

	stored, err := f.store.GetToken(ctx, Digest(tok.Token))
	require.NoError(t, err)
	assert.Equal(t, 2, stored.UsesRemaining)
}

func TestIssueToken_Rejections(t *testing.T) {
	tests := []struct {
		name string
		req  IssueRequest
		want apperrors.ErrorCode
	}{
		{
			name: "no principal",
			req:  IssueRequest{EntitlementID: "lic-1", FileKeys: []string{"P1/file.zip"}},
			want: apperrors.ErrCodeUnauthenticated,
		},
		{
			name: "no file keys",
			req:  IssueRequest{PrincipalID: "user-1", EntitlementID: "lic-1"},
			want: apperrors.ErrCodeInvalidRequest,
		},
		{
			name: "more uses than files",
			req:  IssueRequest{PrincipalID: "user-1", EntitlementID: "lic-bundle", FileKeys: []string{"A", "B"}, Options: IssueOptions{MaxUses: 3}},
			want: apperrors.ErrCodeInvalidRequest,
		},
		{
			name: "duplicate keys do not add uses",
			req:  IssueRequest{PrincipalID: "user-1", EntitlementID: "lic-bundle", FileKeys: []string{"A", "A"}, Options: IssueOptions{MaxUses: 2}},
			want: apperrors.ErrCodeInvalidRequest,
		},
		{
			name: "negative ttl",
			req:  IssueRequest{PrincipalID: "user-1", EntitlementID: "lic-1", FileKeys: []string{"P1/file.zip"}, Options: IssueOptions{TTL: -time.Second}},
			want: apperrors.ErrCodeInvalidRequest,
		},
		{
			name: "unknown file",
			req:  IssueRequest{PrincipalID: "user-1", EntitlementID: "lic-1", FileKeys: []string{"P9/missing.zip"}},
			want: apperrors.ErrCodeFileNotAuthorized,
		},
		{
			name: "file from a product the license does not cover",
			req:  IssueRequest{PrincipalID: "user-1", EntitlementID: "lic-1", FileKeys: []string{"P1/file.zip", "A"}, Options: IssueOptions{MaxUses: 1}},
			want: apperrors.ErrCodeEntitlementInvalid,
		},
		{
			name: "file outside the requested product",
			req:  IssueRequest{PrincipalID: "user-1", EntitlementID: "lic-bundle", ProductID: "P1", FileKeys: []string{"A"}},
			want: apperrors.ErrCodeFileNotAuthorized,
		},
		{
			name: "someone else's license",
			req:  IssueRequest{PrincipalID: "user-2", EntitlementID: "lic-1", FileKeys: []string{"P1/file.zip"}},
			want: apperrors.ErrCodeEntitlementInvalid,
		},
	}

	f := newFixture(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.issuer.IssueToken(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.want, apperrors.CodeOf(err))
		})
	}
}

func TestIssueToken_TTLIsCapped(t *testing.T) {
	f := newFixture(t, nil)
	tok, err := f.issuer.IssueToken(context.Background(), IssueRequest{
		PrincipalID:   "user-1",
		EntitlementID: "lic-1",
		FileKeys:      []string{"P1/file.zip"},
		Options:       IssueOptions{TTL: 48 * time.Hour},
	})
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(time.Hour), tok.ExpiresAt)
}

func TestIssueToken_RateLimited(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	limiter := ratelimit.New(rdb, "token-issue", 2, time.Minute, logger.NewTestLogger(t))
	f := newFixture(t, limiter)

	f.issue(t, "lic-1", 1, "P1/file.zip")
	f.issue(t, "lic-1", 1, "P1/file.zip")

	_, err = f.issuer.IssueToken(context.Background(), IssueRequest{
		PrincipalID: "user-1", EntitlementID: "lic-1", FileKeys: []string{"P1/file.zip"},
	})
	require.Error(t, err)
	stdErr, ok := apperrors.AsStandard(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeRateLimited, stdErr.Code)
	assert.True(t, stdErr.Retryable)
	assert.Contains(t, stdErr.Metadata, "retryAfterSeconds")
}

// ==========================
// Validate Tests
// ==========================

func TestValidate_ExpiredEvenWithUsesLeft(t *testing.T) {
	f := newFixture(t, nil)
	tok := f.issue(t, "lic-bundle", 3, "A", "B", "C")

	f.clock.Advance(5 * time.Minute)
	res, err := f.verifier.Validate(context.Background(), validateReq(tok.Token, "A"))
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, apperrors.ErrCodeTokenExpired, res.Reason)

	insp, err := f.verifier.Inspect(context.Background(), tok.Token, "A")
	require.NoError(t, err)
	assert.Equal(t, apperrors.ErrCodeTokenExpired, insp.Reason)
	assert.Equal(t, 3, insp.RemainingUses)
}

func TestValidate_Rejections(t *testing.T) {
	f := newFixture(t, nil)
	tok := f.issue(t, "lic-bundle", 2, "A", "B")

	tests := []struct {
		name  string
		token string
		key   string
		want  apperrors.ErrorCode
	}{
		{"empty token", "", "A", apperrors.ErrCodeTokenInvalid},
		{"unknown token", "not-a-token", "A", apperrors.ErrCodeTokenInvalid},
		{"digest presented instead of value", Digest(tok.Token), "A", apperrors.ErrCodeTokenInvalid},
		{"file outside the set", tok.Token, "C", apperrors.ErrCodeFileNotAuthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.verifier.Validate(context.Background(), validateReq(tt.token, tt.key))
			require.NoError(t, err)
			assert.False(t, res.OK)
			assert.Equal(t, tt.want, res.Reason)
		})
	}

	stored, err := f.store.GetToken(context.Background(), Digest(tok.Token))
	require.NoError(t, err)
	assert.Equal(t, 2, stored.UsesRemaining)
}

func TestValidate_FingerprintMismatchIsAnomalousNotRejected(t *testing.T) {
	f := newFixture(t, nil)
	tok := f.issue(t, "lic-1", 1, "P1/file.zip")

	res, err := f.verifier.Validate(context.Background(), ValidateRequest{
		TokenID:   tok.Token,
		FileKey:   "P1/file.zip",
		ClientIP:  "203.0.113.99",
		UserAgent: userAgent,
	})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.True(t, res.Anomalous)
	require.NotNil(t, res.Event)
	assert.True(t, res.Event.Anomalous)

	events, err := f.store.ListDownloadEvents(context.Background(), Digest(tok.Token))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Anomalous)
	assert.Equal(t, "203.0.113.99", events[0].ClientIP)
}

func TestValidate_ConcurrentConsumersNeverOverspend(t *testing.T) {
	tests := []struct {
		files int
		uses  int
	}{
		{files: 1, uses: 1},
		{files: 3, uses: 3},
		{files: 4, uses: 2},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(fmt.Sprintf("files=%d,uses=%d", tt.files, tt.uses), func(t *testing.T) {
			f := newFixture(t, nil)
			keys := []string{"A", "B", "C", "D"}[:tt.files]
			tok := f.issue(t, "lic-bundle", tt.uses, keys...)

			var (
				wg        sync.WaitGroup
				successes atomic.Int32
				exhausted atomic.Int32
			)
			callers := tt.files + 1
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func(key string) {
					defer wg.Done()
					res, err := f.verifier.Validate(context.Background(), validateReq(tok.Token, key))
					if !assert.NoError(t, err) {
						return
					}
					if res.OK {
						successes.Add(1)
					} else if res.Reason == apperrors.ErrCodeExhausted {
						exhausted.Add(1)
					}
				}(keys[i%len(keys)])
			}
			wg.Wait()

			assert.Equal(t, int32(tt.uses), successes.Load())
			assert.Equal(t, int32(callers-tt.uses), exhausted.Load())

			stored, err := f.store.GetToken(context.Background(), Digest(tok.Token))
			require.NoError(t, err)
			assert.Equal(t, 0, stored.UsesRemaining)
		})
	}
}

func TestValidate_RepeatedFileKeepsOtherFilesUse(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	tok := f.issue(t, "lic-bundle", 2, "A", "B")

	res, err := f.verifier.Validate(ctx, validateReq(tok.Token, "A"))
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, 1, res.RemainingUses)

	res, err = f.verifier.Validate(ctx, validateReq(tok.Token, "A"))
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, apperrors.ErrCodeExhausted, res.Reason)

	insp, err := f.verifier.Inspect(ctx, tok.Token, "A")
	require.NoError(t, err)
	assert.Equal(t, apperrors.ErrCodeExhausted, insp.Reason)
	assert.Equal(t, 1, insp.RemainingUses)
	assert.Equal(t, []string{"B"}, insp.AvailableFileKeys)

	res, err = f.verifier.Validate(ctx, validateReq(tok.Token, "B"))
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 0, res.RemainingUses)
	assert.Len(t, f.sink.events, 2)
}

// ==========================
// Access Pass Allowance Tests
// ==========================

// withPassLimit gives user-2 an active recurring pass "pass-2" and rebuilds the
// issuer and verifier with a per-period download cap.
func (f *fixture) withPassLimit(t *testing.T, limit int) {
	t.Helper()
	ctx := context.Background()
	now := f.clock.Now()
	end := now.Add(30 * 24 * time.Hour)
	require.NoError(t, f.store.PutPass(ctx, &models.AccessPass{
		ID: "pass-2", PrincipalID: "user-2", Type: models.PassRecurring, Status: models.PassActive,
		PeriodStart: now.Add(-time.Hour), PeriodEnd: &end, CreatedAt: now, UpdatedAt: now,
	}))

	log := logger.NewTestLogger(t)
	engine := entitlement.NewEngine(f.store, nil, entitlement.Config{PassPeriodDownloadLimit: limit}, log).WithClock(f.clock.Now)
	cfg := testConfig
	cfg.PassPeriodDownloadLimit = limit
	f.issuer = NewIssuer(engine, f.store, nil, cfg, log).WithClock(f.clock.Now)
	f.verifier = NewVerifier(f.store, cfg, log, f.sink).WithClock(f.clock.Now)
}

func (f *fixture) issuePass(t *testing.T, maxUses int, keys ...string) *IssuedToken {
	t.Helper()
	tok, err := f.issuer.IssueToken(context.Background(), IssueRequest{
		PrincipalID:   "user-2",
		EntitlementID: "pass-2",
		ProductID:     "BUNDLE",
		FileKeys:      keys,
		ClientIP:      clientIP,
		UserAgent:     userAgent,
		Options:       IssueOptions{MaxUses: maxUses},
	})
	require.NoError(t, err)
	return tok
}

func TestIssueToken_PassTokenCappedAtPeriodAllowance(t *testing.T) {
	f := newFixture(t, nil)
	f.withPassLimit(t, 1)

	tok := f.issuePass(t, 4, "A", "B", "C", "D")
	assert.Equal(t, models.KindAccessPass, tok.Via)
	assert.Equal(t, 1, tok.MaxUses)
	assert.Equal(t, 1, tok.UsesRemaining)

	successes := 0
	for _, key := range []string{"A", "B", "C", "D"} {
		res, err := f.verifier.Validate(context.Background(), validateReq(tok.Token, key))
		require.NoError(t, err)
		if res.OK {
			successes++
		}
	}
	assert.Equal(t, 1, successes)

	pass, err := f.store.GetPass(context.Background(), "pass-2")
	require.NoError(t, err)
	assert.Equal(t, 1, pass.PeriodDownloads)
}

func TestValidate_PassAllowanceHoldsAcrossTokens(t *testing.T) {
	f := newFixture(t, nil)
	f.withPassLimit(t, 2)
	ctx := context.Background()

	// both issued while the whole allowance is unused
	first := f.issuePass(t, 2, "A", "B")
	second := f.issuePass(t, 2, "C", "D")
	require.Equal(t, 2, second.MaxUses)

	for _, key := range []string{"A", "B"} {
		res, err := f.verifier.Validate(ctx, validateReq(first.Token, key))
		require.NoError(t, err)
		require.True(t, res.OK, key)
	}

	res, err := f.verifier.Validate(ctx, validateReq(second.Token, "C"))
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, apperrors.ErrCodePassQuotaExhausted, res.Reason)

	stored, err := f.store.GetToken(ctx, Digest(second.Token))
	require.NoError(t, err)
	assert.Equal(t, 2, stored.UsesRemaining)

	pass, err := f.store.GetPass(ctx, "pass-2")
	require.NoError(t, err)
	assert.Equal(t, 2, pass.PeriodDownloads)
}
