package gateway

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"entitlement-delivery/internal/blob"
	"entitlement-delivery/internal/common/config"
	"entitlement-delivery/internal/common/database"
	apperrors "entitlement-delivery/internal/common/errors"
	"entitlement-delivery/internal/common/logger"
	"entitlement-delivery/internal/entitlement"
	"entitlement-delivery/internal/models"
	"entitlement-delivery/internal/store"
	"entitlement-delivery/internal/tokens"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test Helper Functions
// ==========================

type fakeBlobs struct {
	mu        sync.Mutex
	objects   map[string]blob.Metadata
	signErr   error
	headErr   error
	signed    []string
	lastTTL   time.Duration
	lastDispo blob.Disposition
}

func (f *fakeBlobs) Exists(ctx context.Context, key string) (bool, error) {
	_, err := f.Metadata(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (f *fakeBlobs) Metadata(_ context.Context, key string) (blob.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.headErr != nil {
		return blob.Metadata{}, f.headErr
	}
	md, ok := f.objects[key]
	if !ok {
		return blob.Metadata{}, blob.ErrNotFound
	}
	return md, nil
}

func (f *fakeBlobs) SignedURL(_ context.Context, key string, ttl time.Duration, d blob.Disposition) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signErr != nil {
		return "", f.signErr
	}
	f.signed = append(f.signed, key)
	f.lastTTL = ttl
	f.lastDispo = d
	return "https://blobs.example.test/" + key + "?sig=abc", nil
}

type fixture struct {
	store   *store.SQLStore
	issuer  *tokens.Issuer
	gateway *Gateway
	blobs   *fakeBlobs
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client, err := database.NewSQLite(config.SQLiteConfig{
		Path:        filepath.Join(t.TempDir(), "gateway.db"),
		BusyTimeout: 5000,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	s := store.New(client.GetDB(), store.DialectSQLite)
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.PutPrincipal(ctx, "user-1"))
	require.NoError(t, s.PutProduct(ctx, models.Product{ID: "BUNDLE", FileKeys: []string{"A", "B", "C", "GONE"}}))
	require.NoError(t, s.CreateLicense(ctx, &models.License{
		ID: "lic-1", PrincipalID: "user-1", ProductID: "BUNDLE", OrderID: "o-1",
		Tier: models.TierBasic, CreatedAt: time.Now().UTC(),
	}))

	now := time.Now().UTC().Truncate(time.Millisecond)
	clock := func() time.Time { return now }
	log := logger.NewTestLogger(t)
	cfg := tokens.Config{DefaultTTL: 5 * time.Minute, MaxTTL: time.Hour, DefaultMaxUses: 1}

	engine := entitlement.NewEngine(s, nil, entitlement.Config{}, log).WithClock(clock)
	blobs := &fakeBlobs{objects: map[string]blob.Metadata{
		"A": {Size: 1024, ContentType: "application/zip"},
		"B": {Size: 2048, ContentType: "application/pdf"},
		"C": {Size: 10, ContentType: "text/plain"},
	}}

	return &fixture{
		store:   s,
		issuer:  tokens.NewIssuer(engine, s, nil, cfg, log).WithClock(clock),
		gateway: New(tokens.NewVerifier(s, cfg, log).WithClock(clock), blobs, nil, Config{SignedURLTTL: time.Minute}, log).WithClock(clock),
		blobs:   blobs,
		now:     now,
	}
}

func (f *fixture) issue(t *testing.T, maxUses int, ttl time.Duration, keys ...string) string {
	t.Helper()
	tok, err := f.issuer.IssueToken(context.Background(), tokens.IssueRequest{
		PrincipalID:   "user-1",
		EntitlementID: "lic-1",
		FileKeys:      keys,
		ClientIP:      "198.51.100.1",
		UserAgent:     "test",
		Options:       tokens.IssueOptions{MaxUses: maxUses, TTL: ttl},
	})
	require.NoError(t, err)
	return tok.Token
}

func resolve(f *fixture, token, key string) (*Resolution, error) {
	return f.gateway.Resolve(context.Background(), ResolveRequest{
		TokenID:     token,
		FileKey:     key,
		ClientIP:    "198.51.100.1",
		UserAgent:   "test",
		Disposition: blob.Attachment,
	})
}

func uses(t *testing.T, f *fixture, token string) int {
	t.Helper()
	stored, err := f.store.GetToken(context.Background(), tokens.Digest(token))
	require.NoError(t, err)
	return stored.UsesRemaining
}

// ==========================
// Resolve Tests
// ==========================

func TestResolve_BundleSelection(t *testing.T) {
	f := newFixture(t)
	token := f.issue(t, 2, 0, "A", "B")

	_, err := resolve(f, token, "")
	assert.Equal(t, apperrors.ErrCodeFileSelectionRequired, apperrors.CodeOf(err))

	_, err = resolve(f, token, "C")
	assert.Equal(t, apperrors.ErrCodeFileNotAuthorized, apperrors.CodeOf(err))
	assert.Equal(t, 2, uses(t, f, token))

	res, err := resolve(f, token, "A")
	require.NoError(t, err)
	assert.Equal(t, "A", res.FileKey)
	assert.Equal(t, 1, res.RemainingUses)
	assert.Equal(t, int64(1024), res.Size)
	assert.Equal(t, "application/zip", res.ContentType)
	assert.Contains(t, res.URL, "https://blobs.example.test/A")
	assert.Equal(t, 60, res.ExpiresInSeconds)

	// only B is left, so it is picked without a file parameter
	res, err = resolve(f, token, "")
	require.NoError(t, err)
	assert.Equal(t, "B", res.FileKey)
	assert.Equal(t, 0, res.RemainingUses)

	_, err = resolve(f, token, "")
	assert.Equal(t, apperrors.ErrCodeExhausted, apperrors.CodeOf(err))
}

func TestResolve_SingleFileNeedsNoSelection(t *testing.T) {
	f := newFixture(t)
	token := f.issue(t, 1, 0, "C")

	res, err := resolve(f, token, "")
	require.NoError(t, err)
	assert.Equal(t, "C", res.FileKey)
	assert.Equal(t, blob.Attachment, f.blobs.lastDispo)
}

func TestResolve_SignedURLNeverOutlivesToken(t *testing.T) {
	f := newFixture(t)
	token := f.issue(t, 1, 20*time.Second, "A")

	res, err := resolve(f, token, "A")
	require.NoError(t, err)
	assert.Equal(t, 20, res.ExpiresInSeconds)
	assert.Equal(t, 20*time.Second, f.blobs.lastTTL)
}

func TestResolve_MissingBlobDoesNotSpendUse(t *testing.T) {
	f := newFixture(t)
	token := f.issue(t, 1, 0, "GONE")

	_, err := resolve(f, token, "GONE")
	stdErr, ok := apperrors.AsStandard(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeFileNotFound, stdErr.Code)
	assert.False(t, stdErr.Retryable)
	assert.Equal(t, 1, uses(t, f, token))
}

func TestResolve_StorageOutageDoesNotSpendUse(t *testing.T) {
	f := newFixture(t)
	token := f.issue(t, 1, 0, "A")
	f.blobs.signErr = errors.New("connection reset")

	_, err := resolve(f, token, "A")
	stdErr, ok := apperrors.AsStandard(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeUpstreamUnavailable, stdErr.Code)
	assert.True(t, stdErr.Retryable)
	assert.Equal(t, 1, uses(t, f, token))

	f.blobs.signErr = nil
	res, err := resolve(f, token, "A")
	require.NoError(t, err)
	assert.Equal(t, 0, res.RemainingUses)
}

func TestResolve_UnknownToken(t *testing.T) {
	f := newFixture(t)
	_, err := resolve(f, "bogus", "A")
	assert.Equal(t, apperrors.ErrCodeTokenInvalid, apperrors.CodeOf(err))
	assert.Empty(t, f.blobs.signed)
}

// ==========================
// Head Tests
// ==========================

func TestHead_DoesNotSpendUse(t *testing.T) {
	f := newFixture(t)
	token := f.issue(t, 2, 0, "A", "B")

	info, err := f.gateway.Head(context.Background(), token, "B")
	require.NoError(t, err)
	assert.Equal(t, "B", info.FileKey)
	assert.Equal(t, int64(2048), info.Size)
	assert.Equal(t, "application/pdf", info.ContentType)
	assert.Equal(t, 2, info.RemainingUses)
	assert.True(t, info.ExpiresAt.Equal(f.now.Add(5*time.Minute)))

	_, err = f.gateway.Head(context.Background(), token, "")
	assert.Equal(t, apperrors.ErrCodeFileSelectionRequired, apperrors.CodeOf(err))

	assert.Equal(t, 2, uses(t, f, token))
	assert.Empty(t, f.blobs.signed)
}

func TestSelectFile(t *testing.T) {
	tests := []struct {
		name      string
		insp      tokens.InspectResult
		requested string
		want      string
		wantErr   bool
	}{
		{"explicit key", tokens.InspectResult{FileKeys: []string{"A", "B"}, AvailableFileKeys: []string{"A", "B"}}, "B", "B", false},
		{"one left", tokens.InspectResult{FileKeys: []string{"A", "B"}, AvailableFileKeys: []string{"B"}}, "", "B", false},
		{"single file re-download", tokens.InspectResult{FileKeys: []string{"A"}}, "", "A", false},
		{"ambiguous", tokens.InspectResult{FileKeys: []string{"A", "B"}, AvailableFileKeys: []string{"A", "B"}}, "", "", true},
		{"all consumed in bundle", tokens.InspectResult{FileKeys: []string{"A", "B"}}, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := selectFile(tt.insp, tt.requested)
			if tt.wantErr {
				assert.Equal(t, apperrors.ErrCodeFileSelectionRequired, apperrors.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
