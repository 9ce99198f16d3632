package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "entitlement-delivery/internal/common/errors"
	"entitlement-delivery/internal/common/logger"
	"entitlement-delivery/internal/common/metrics"
	"entitlement-delivery/internal/common/observability"
	"entitlement-delivery/internal/common/ratelimit"
	"entitlement-delivery/internal/entitlement"
	"entitlement-delivery/internal/models"
	"entitlement-delivery/internal/store"

	"go.opentelemetry.io/otel/attribute"
)

// Authorizer re-validates an entitlement for one product.
type Authorizer interface {
	Authorize(ctx context.Context, principalID, entitlementID, productID string) (entitlement.Decision, error)
}

// IssuerStore is what the issuer needs from the entitlement store.
type IssuerStore interface {
	ProductForFile(ctx context.Context, fileKey string) (string, error)
	CreateToken(ctx context.Context, t *models.DownloadToken) error
}

// Limiter throttles issuance per principal.
type Limiter interface {
	Allow(ctx context.Context, key string) ratelimit.Decision
	Scope() string
}

type IssueOptions struct {
	MaxUses int
	TTL     time.Duration
}

type IssueRequest struct {
	PrincipalID   string
	EntitlementID string
	// ProductID, when set, restricts FileKeys to that product's files.
	ProductID     string
	FileKeys      []string
	ClientIP      string
	UserAgent     string
	Options       IssueOptions
}

// IssuedToken is returned to the client once. Token is the only copy of the
// plaintext value.
type IssuedToken struct {
	Token         string                 `json:"tokenId"`
	ExpiresAt     time.Time              `json:"expiresAt"`
	FileKeys      []string               `json:"fileKeys"`
	MaxUses       int                    `json:"maxUses"`
	UsesRemaining int                    `json:"usesRemaining"`
	Via           models.EntitlementKind `json:"via"`
}

type Issuer struct {
	authorizer Authorizer
	store      IssuerStore
	limiter    Limiter
	config     Config
	logger     logger.Logger
	now        func() time.Time
}

// NewIssuer builds an issuer. limiter may be nil to disable throttling.
func NewIssuer(authorizer Authorizer, s IssuerStore, limiter Limiter, cfg Config, log logger.Logger) *Issuer {
	return &Issuer{
		authorizer: authorizer,
		store:      s,
		limiter:    limiter,
		config:     cfg.withDefaults(),
		logger:     log.WithFields(map[string]interface{}{"component": "token-issuer"}),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// IssueToken mints a token for req after re-checking the entitlement against
// every file's owning product.
func (i *Issuer) IssueToken(ctx context.Context, req IssueRequest) (tok *IssuedToken, err error) {
	ctx, span := observability.StartSpan(ctx, "tokens.IssueToken",
		attribute.String("principal.id", req.PrincipalID),
		attribute.String("entitlement.id", req.EntitlementID),
		attribute.Int("file.count", len(req.FileKeys)),
	)
	defer func() { observability.EndSpan(span, err) }()

	keys, maxUses, ttl, err := i.normalize(req)
	if err != nil {
		return nil, err
	}

	if i.limiter != nil {
		if d := i.limiter.Allow(ctx, req.PrincipalID); !d.Allowed {
			metrics.RateLimited.WithLabelValues(i.limiter.Scope()).Inc()
			return nil, apperrors.NewRateLimitedError(i.limiter.Scope(), d.RetryAfter)
		}
	}

	files, via, allowance, err := i.authorizeFiles(ctx, req, keys)
	if err != nil {
		return nil, err
	}
	if allowance >= 0 && maxUses > allowance {
		// a pass token never carries more uses than the period has left
		maxUses = allowance
	}

	value, err := newTokenValue()
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}

	now := i.now()
	record := &models.DownloadToken{
		ID:            Digest(value),
		PrincipalID:   req.PrincipalID,
		Entitlement:   models.EntitlementRef{Kind: via, ID: req.EntitlementID},
		Files:         files,
		IssuedAt:      now,
		ExpiresAt:     now.Add(ttl),
		MaxUses:       maxUses,
		UsesRemaining: maxUses,
		Fingerprint:   Fingerprint(i.config.FingerprintSecret, req.ClientIP, req.UserAgent),
	}
	if err := i.store.CreateToken(ctx, record); err != nil {
		return nil, apperrors.NewUpstreamUnavailableError("entitlement-store", err)
	}

	metrics.TokensIssued.WithLabelValues(string(via)).Inc()
	i.logger.Info("download token issued", map[string]interface{}{
		"tokenDigest":   record.ID[:12],
		"principalId":   req.PrincipalID,
		"entitlementId": req.EntitlementID,
		"via":           string(via),
		"files":         len(files),
		"maxUses":       maxUses,
		"expiresAt":     record.ExpiresAt,
	})

	return &IssuedToken{
		Token:         value,
		ExpiresAt:     record.ExpiresAt,
		FileKeys:      record.FileKeys(),
		MaxUses:       maxUses,
		UsesRemaining: maxUses,
		Via:           via,
	}, nil
}

func (i *Issuer) normalize(req IssueRequest) ([]string, int, time.Duration, error) {
	if req.PrincipalID == "" {
		return nil, 0, 0, apperrors.NewAuthenticationError("principal is required")
	}
	if req.EntitlementID == "" {
		return nil, 0, 0, apperrors.NewInvalidRequestError("entitlementId is required")
	}

	seen := make(map[string]struct{}, len(req.FileKeys))
	keys := make([]string, 0, len(req.FileKeys))
	for _, k := range req.FileKeys {
		if k == "" {
			return nil, 0, 0, apperrors.NewInvalidRequestError("file keys must not be empty")
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return nil, 0, 0, apperrors.NewInvalidRequestError("at least one file key is required")
	}

	maxUses := req.Options.MaxUses
	if maxUses == 0 {
		maxUses = i.config.DefaultMaxUses
		if maxUses > len(keys) {
			maxUses = len(keys)
		}
	}
	if maxUses < 1 || maxUses > len(keys) {
		return nil, 0, 0, apperrors.NewInvalidRequestError(
			fmt.Sprintf("maxUses must be between 1 and %d", len(keys)))
	}

	ttl := req.Options.TTL
	switch {
	case ttl < 0:
		return nil, 0, 0, apperrors.NewInvalidRequestError("ttl must be positive")
	case ttl == 0:
		ttl = i.config.DefaultTTL
	case ttl > i.config.MaxTTL:
		ttl = i.config.MaxTTL
	}
	return keys, maxUses, ttl, nil
}

// authorizeFiles resolves each key's product and authorizes each product once.
// allowance is the smallest remaining pass download count among the decisions,
// or -1 when no decision is capped.
func (i *Issuer) authorizeFiles(ctx context.Context, req IssueRequest, keys []string) (files []models.TokenFile, via models.EntitlementKind, allowance int, err error) {
	files = make([]models.TokenFile, 0, len(keys))
	granted := make(map[string]entitlement.Decision)
	allowance = -1

	for _, key := range keys {
		productID, err := i.store.ProductForFile(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			return nil, "", 0, apperrors.NewDenied(apperrors.ErrCodeFileNotAuthorized, key)
		}
		if err != nil {
			return nil, "", 0, apperrors.NewUpstreamUnavailableError("catalog", err)
		}
		if req.ProductID != "" && productID != req.ProductID {
			return nil, "", 0, apperrors.NewDenied(apperrors.ErrCodeFileNotAuthorized, key)
		}

		d, ok := granted[productID]
		if !ok {
			d, err = i.authorizer.Authorize(ctx, req.PrincipalID, req.EntitlementID, productID)
			if err != nil {
				return nil, "", 0, err
			}
			if !d.Granted {
				i.logger.Info("token issuance denied", map[string]interface{}{
					"principalId":   req.PrincipalID,
					"entitlementId": req.EntitlementID,
					"productId":     productID,
					"reason":        string(d.Reason),
				})
				return nil, "", 0, d.Err()
			}
			if d.RemainingDownloads != nil && (allowance < 0 || *d.RemainingDownloads < allowance) {
				allowance = *d.RemainingDownloads
			}
			granted[productID] = d
		}
		via = d.Via
		files = append(files, models.TokenFile{Key: key, ProductID: productID})
	}
	return files, via, allowance, nil
}
