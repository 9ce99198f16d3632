// Package gateway turns a download token and a file key into a short-lived
// signed storage URL.
package gateway

import (
	"context"
	"errors"
	"time"

	"entitlement-delivery/internal/blob"
	apperrors "entitlement-delivery/internal/common/errors"
	"entitlement-delivery/internal/common/logger"
	"entitlement-delivery/internal/common/metrics"
	"entitlement-delivery/internal/common/observability"
	"entitlement-delivery/internal/common/ratelimit"
	"entitlement-delivery/internal/tokens"

	"go.opentelemetry.io/otel/attribute"
)

// Verifier is the token verifier the gateway resolves through.
type Verifier interface {
	Inspect(ctx context.Context, tokenID, fileKey string) (tokens.InspectResult, error)
	Validate(ctx context.Context, req tokens.ValidateRequest) (tokens.ValidationResult, error)
}

// Limiter throttles deliveries per client address.
type Limiter interface {
	Allow(ctx context.Context, key string) ratelimit.Decision
	Scope() string
}

type Config struct {
	SignedURLTTL time.Duration
}

type ResolveRequest struct {
	TokenID     string
	FileKey     string
	ClientIP    string
	UserAgent   string
	Disposition blob.Disposition
}

type Resolution struct {
	URL              string `json:"url"`
	ExpiresInSeconds int    `json:"expiresInSeconds"`
	ContentType      string `json:"contentType"`
	Size             int64  `json:"size"`
	RemainingUses    int    `json:"remainingUses"`
	FileKey          string `json:"fileKey"`
	Anomalous        bool   `json:"-"`
}

// FileInfo is what Head reports about a token's file.
type FileInfo struct {
	FileKey       string    `json:"fileKey"`
	ContentType   string    `json:"contentType"`
	Size          int64     `json:"size"`
	LastModified  time.Time `json:"lastModified"`
	RemainingUses int       `json:"remainingUses"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

type Gateway struct {
	verifier Verifier
	blobs    blob.Store
	limiter  Limiter
	config   Config
	logger   logger.Logger
	now      func() time.Time
}

// New builds the gateway. limiter may be nil.
func New(verifier Verifier, blobs blob.Store, limiter Limiter, cfg Config, log logger.Logger) *Gateway {
	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = time.Minute
	}
	return &Gateway{
		verifier: verifier,
		blobs:    blobs,
		limiter:  limiter,
		config:   cfg,
		logger:   log.WithFields(map[string]interface{}{"component": "delivery-gateway"}),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (g *Gateway) WithClock(now func() time.Time) *Gateway {
	g.now = now
	return g
}

// Resolve spends one use of the token and returns a signed URL for the file.
// The URL is signed before the use is spent so a storage outage never burns a
// use, and nothing is returned unless the consume succeeded. Token failures
// surface with the verifier's reason code unchanged.
func (g *Gateway) Resolve(ctx context.Context, req ResolveRequest) (res *Resolution, err error) {
	ctx, span := observability.StartSpan(ctx, "gateway.Resolve", attribute.String("file.key", req.FileKey))
	defer func() {
		observability.EndSpan(span, err)
		result := "ok"
		if err != nil {
			result = string(apperrors.CodeOf(err))
		}
		metrics.DeliveryResolutions.WithLabelValues(result).Inc()
	}()

	if g.limiter != nil && req.ClientIP != "" {
		if d := g.limiter.Allow(ctx, req.ClientIP); !d.Allowed {
			metrics.RateLimited.WithLabelValues(g.limiter.Scope()).Inc()
			return nil, apperrors.NewRateLimitedError(g.limiter.Scope(), d.RetryAfter)
		}
	}

	insp, err := g.verifier.Inspect(ctx, req.TokenID, req.FileKey)
	if err != nil {
		return nil, err
	}
	if !insp.OK {
		return nil, insp.Err()
	}

	key, err := selectFile(insp, req.FileKey)
	if err != nil {
		return nil, err
	}

	md, err := g.metadata(ctx, key)
	if err != nil {
		return nil, err
	}

	ttl := g.config.SignedURLTTL
	if left := insp.ExpiresAt.Sub(g.now()); left < ttl {
		ttl = left
	}
	if ttl < time.Second {
		return nil, apperrors.NewDenied(apperrors.ErrCodeTokenExpired, "")
	}

	url, err := g.blobs.SignedURL(ctx, key, ttl, req.Disposition)
	if err != nil {
		return nil, apperrors.NewUpstreamUnavailableError("blob-store", err)
	}

	v, err := g.verifier.Validate(ctx, tokens.ValidateRequest{
		TokenID:     req.TokenID,
		FileKey:     key,
		ClientIP:    req.ClientIP,
		UserAgent:   req.UserAgent,
		BytesServed: md.Size,
	})
	if err != nil {
		return nil, err
	}
	if !v.OK {
		return nil, v.Err()
	}

	g.logger.Debug("download resolved", map[string]interface{}{
		"fileKey":       key,
		"remainingUses": v.RemainingUses,
		"anomalous":     v.Anomalous,
	})

	return &Resolution{
		URL:              url,
		ExpiresInSeconds: int(ttl / time.Second),
		ContentType:      md.ContentType,
		Size:             md.Size,
		RemainingUses:    v.RemainingUses,
		FileKey:          key,
		Anomalous:        v.Anomalous,
	}, nil
}

// Head reports metadata for the file a Resolve would serve, spending nothing.
func (g *Gateway) Head(ctx context.Context, tokenID, fileKey string) (info *FileInfo, err error) {
	ctx, span := observability.StartSpan(ctx, "gateway.Head", attribute.String("file.key", fileKey))
	defer func() { observability.EndSpan(span, err) }()

	insp, err := g.verifier.Inspect(ctx, tokenID, fileKey)
	if err != nil {
		return nil, err
	}
	if !insp.OK {
		return nil, insp.Err()
	}
	key, err := selectFile(insp, fileKey)
	if err != nil {
		return nil, err
	}
	md, err := g.metadata(ctx, key)
	if err != nil {
		return nil, err
	}
	return &FileInfo{
		FileKey:       key,
		ContentType:   md.ContentType,
		Size:          md.Size,
		LastModified:  md.LastModified,
		RemainingUses: insp.RemainingUses,
		ExpiresAt:     insp.ExpiresAt,
	}, nil
}

func (g *Gateway) metadata(ctx context.Context, key string) (blob.Metadata, error) {
	md, err := g.blobs.Metadata(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		g.logger.Error("authorized file missing from storage", map[string]interface{}{"fileKey": key})
		return blob.Metadata{}, apperrors.NewDenied(apperrors.ErrCodeFileNotFound, key)
	}
	if err != nil {
		return blob.Metadata{}, apperrors.NewUpstreamUnavailableError("blob-store", err)
	}
	return md, nil
}

// selectFile picks the file to serve. Without an explicit key the token must
// leave exactly one candidate; the gateway never guesses.
func selectFile(insp tokens.InspectResult, requested string) (string, error) {
	if requested != "" {
		return requested, nil
	}
	switch {
	case len(insp.AvailableFileKeys) == 1:
		return insp.AvailableFileKeys[0], nil
	case len(insp.AvailableFileKeys) == 0 && len(insp.FileKeys) == 1:
		return insp.FileKeys[0], nil
	}
	return "", apperrors.NewDenied(apperrors.ErrCodeFileSelectionRequired, "")
}
