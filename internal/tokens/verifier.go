package tokens

import (
	"context"
	"errors"
	"time"

	apperrors "entitlement-delivery/internal/common/errors"
	"entitlement-delivery/internal/common/logger"
	"entitlement-delivery/internal/common/metrics"
	"entitlement-delivery/internal/common/observability"
	"entitlement-delivery/internal/models"
	"entitlement-delivery/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// VerifierStore is what the verifier needs from the entitlement store.
type VerifierStore interface {
	GetToken(ctx context.Context, id string) (*models.DownloadToken, error)
	ConsumeToken(ctx context.Context, req store.ConsumeRequest) (*store.ConsumeResult, error)
}

// EventSink receives every successful consumption after it commits.
type EventSink interface {
	Record(ctx context.Context, ev models.DownloadEvent) error
}

type ValidateRequest struct {
	TokenID     string
	FileKey     string
	ClientIP    string
	UserAgent   string
	BytesServed int64
}

// ValidationResult is the outcome of one consume attempt. Failures carry a
// reason code and are final; only errors returned alongside are retryable.
type ValidationResult struct {
	OK            bool                  `json:"ok"`
	RemainingUses int                   `json:"remainingUses"`
	Reason        apperrors.ErrorCode   `json:"reason,omitempty"`
	Anomalous     bool                  `json:"anomalous,omitempty"`
	Event         *models.DownloadEvent `json:"-"`
}

// Err converts a failed validation into an error.
func (r ValidationResult) Err() error {
	if r.OK {
		return nil
	}
	return apperrors.NewDenied(r.Reason, "")
}

// InspectResult describes a token without spending a use.
type InspectResult struct {
	OK                bool                `json:"ok"`
	Reason            apperrors.ErrorCode `json:"reason,omitempty"`
	PrincipalID       string              `json:"-"`
	FileKeys          []string            `json:"fileKeys,omitempty"`
	AvailableFileKeys []string            `json:"availableFileKeys,omitempty"`
	RemainingUses     int                 `json:"remainingUses"`
	ExpiresAt         time.Time           `json:"expiresAt"`
}

func (r InspectResult) Err() error {
	if r.OK {
		return nil
	}
	return apperrors.NewDenied(r.Reason, "")
}

type Verifier struct {
	store  VerifierStore
	sinks  []EventSink
	config Config
	logger logger.Logger
	now    func() time.Time
}

func NewVerifier(s VerifierStore, cfg Config, log logger.Logger, sinks ...EventSink) *Verifier {
	return &Verifier{
		store:  s,
		sinks:  sinks,
		config: cfg.withDefaults(),
		logger: log.WithFields(map[string]interface{}{"component": "token-verifier"}),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Validate checks the token and spends one use in a single conditional update.
// Checks run in order: exists, not expired, file authorized, uses remaining.
// Each file of a token is delivered at most once.
// A client fingerprint that differs from issuance marks the download anomalous
// but never rejects it.
func (v *Verifier) Validate(ctx context.Context, req ValidateRequest) (res ValidationResult, err error) {
	ctx, span := observability.StartSpan(ctx, "tokens.Validate", attribute.String("file.key", req.FileKey))
	defer func() {
		observability.EndSpan(span, err)
		if err == nil {
			result := "ok"
			if !res.OK {
				result = string(res.Reason)
			}
			metrics.TokenValidations.WithLabelValues(result).Inc()
		}
	}()

	if req.TokenID == "" {
		return ValidationResult{Reason: apperrors.ErrCodeTokenInvalid}, nil
	}
	id := Digest(req.TokenID)

	tok, err := v.store.GetToken(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return ValidationResult{Reason: apperrors.ErrCodeTokenInvalid}, nil
	}
	if err != nil {
		return ValidationResult{}, apperrors.NewUpstreamUnavailableError("entitlement-store", err)
	}

	anomalous := !fingerprintMatches(tok.Fingerprint, Fingerprint(v.config.FingerprintSecret, req.ClientIP, req.UserAgent))

	consumed, err := v.store.ConsumeToken(ctx, store.ConsumeRequest{
		TokenID:         id,
		FileKey:         req.FileKey,
		Now:             v.now(),
		PassPeriodLimit: v.config.PassPeriodDownloadLimit,
		Event: models.DownloadEvent{
			ID:          uuid.NewString(),
			ClientIP:    req.ClientIP,
			UserAgent:   req.UserAgent,
			BytesServed: req.BytesServed,
			Anomalous:   anomalous,
		},
	})
	if err != nil {
		if reason, ok := consumeReason(err); ok {
			return ValidationResult{Reason: reason}, nil
		}
		return ValidationResult{}, apperrors.NewUpstreamUnavailableError("entitlement-store", err)
	}

	if anomalous {
		metrics.AnomalousDownloads.Inc()
		v.logger.Warn("download fingerprint differs from issuance", map[string]interface{}{
			"tokenDigest": id[:12],
			"principalId": consumed.Event.PrincipalID,
			"fileKey":     req.FileKey,
			"clientIp":    req.ClientIP,
		})
	}

	ev := consumed.Event
	for _, sink := range v.sinks {
		if err := sink.Record(ctx, ev); err != nil {
			v.logger.Warn("download event sink failed", map[string]interface{}{
				"eventId": ev.ID,
				"error":   err.Error(),
			})
		}
	}

	return ValidationResult{
		OK:            true,
		RemainingUses: consumed.UsesRemaining,
		Anomalous:     anomalous,
		Event:         &ev,
	}, nil
}

// Inspect reports the token's state for fileKey without mutating anything.
// An empty fileKey skips the file check.
func (v *Verifier) Inspect(ctx context.Context, tokenID, fileKey string) (res InspectResult, err error) {
	ctx, span := observability.StartSpan(ctx, "tokens.Inspect", attribute.String("file.key", fileKey))
	defer func() { observability.EndSpan(span, err) }()

	if tokenID == "" {
		return InspectResult{Reason: apperrors.ErrCodeTokenInvalid}, nil
	}
	tok, err := v.store.GetToken(ctx, Digest(tokenID))
	if errors.Is(err, store.ErrNotFound) {
		return InspectResult{Reason: apperrors.ErrCodeTokenInvalid}, nil
	}
	if err != nil {
		return InspectResult{}, apperrors.NewUpstreamUnavailableError("entitlement-store", err)
	}

	res = InspectResult{
		PrincipalID:       tok.PrincipalID,
		FileKeys:          tok.FileKeys(),
		AvailableFileKeys: tok.UnconsumedKeys(),
		RemainingUses:     tok.UsesRemaining,
		ExpiresAt:         tok.ExpiresAt,
	}
	switch {
	case tok.Expired(v.now()):
		res.Reason = apperrors.ErrCodeTokenExpired
	case fileKey != "" && !tok.Authorizes(fileKey):
		res.Reason = apperrors.ErrCodeFileNotAuthorized
	case tok.UsesRemaining <= 0, fileKey != "" && fileConsumed(tok, fileKey):
		res.Reason = apperrors.ErrCodeExhausted
	default:
		res.OK = true
	}
	return res, nil
}

func consumeReason(err error) (apperrors.ErrorCode, bool) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apperrors.ErrCodeTokenInvalid, true
	case errors.Is(err, store.ErrTokenExpired):
		return apperrors.ErrCodeTokenExpired, true
	case errors.Is(err, store.ErrFileNotAuthorized):
		return apperrors.ErrCodeFileNotAuthorized, true
	case errors.Is(err, store.ErrTokenExhausted):
		return apperrors.ErrCodeExhausted, true
	case errors.Is(err, store.ErrPassQuotaExhausted):
		return apperrors.ErrCodePassQuotaExhausted, true
	}
	return "", false
}

func fileConsumed(tok *models.DownloadToken, key string) bool {
	f, ok := tok.File(key)
	return ok && f.ConsumedAt != nil
}
