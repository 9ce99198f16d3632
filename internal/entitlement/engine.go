// Package entitlement decides whether a principal may obtain a product and
// applies payment-provider transitions to access passes.
package entitlement

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

	"go.opentelemetry.io/otel/attribute"
)

// Store is the slice of the entitlement store the engine reads and corrects.
type Store interface {
	PrincipalExists(ctx context.Context, principalID string) (bool, error)
	GetProduct(ctx context.Context, productID string) (*models.Product, error)
	FindActiveLicense(ctx context.Context, principalID, productID string) (*models.License, error)
	GetLicense(ctx context.Context, id string) (*models.License, error)
	CurrentPass(ctx context.Context, principalID string) (*models.AccessPass, error)
	GetPass(ctx context.Context, id string) (*models.AccessPass, error)
	ExpirePass(ctx context.Context, id string, now time.Time) (bool, error)
	ApplyPassEvent(ctx context.Context, ev models.PassEvent, receivedAt time.Time, fn store.PassTransition) (string, error)
}

// Notifier receives access pass lifecycle changes. Delivery is best effort.
type Notifier interface {
	NotifyPass(ctx context.Context, eventType models.PassEventType, pass *models.AccessPass) error
}

// Config tunes pass evaluation.
type Config struct {
	// PassPeriodDownloadLimit caps downloads per pass period. Zero disables the cap.
	PassPeriodDownloadLimit int
}

// Decision is the result of an access check. Denials carry a stable reason code.
type Decision struct {
	Granted            bool                   `json:"granted"`
	Via                models.EntitlementKind `json:"via"`
	EntitlementID      string                 `json:"entitlementId,omitempty"`
	Reason             apperrors.ErrorCode    `json:"reason,omitempty"`
	RemainingDownloads *int                   `json:"remainingDownloads,omitempty"`
}

// Err converts a denial into the error returned across the API surface.
func (d Decision) Err() error {
	if d.Granted {
		return nil
	}
	return apperrors.NewDenied(d.Reason, "")
}

func deny(reason apperrors.ErrorCode) Decision {
	return Decision{Via: models.KindNone, Reason: reason}
}

type Engine struct {
	store    Store
	notifier Notifier
	config   Config
	logger   logger.Logger
	now      func() time.Time
}

func NewEngine(s Store, notifier Notifier, cfg Config, log logger.Logger) *Engine {
	return &Engine{
		store:    s,
		notifier: notifier,
		config:   cfg,
		logger:   log.WithFields(map[string]interface{}{"component": "entitlement"}),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the engine's clock. Used by tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// EffectiveStatus is the pass status at now. An active, non-lifetime pass whose
// period has ended is expired regardless of what is stored.
func EffectiveStatus(p *models.AccessPass, now time.Time) models.PassStatus {
	if p.Status == models.PassActive && p.Type != models.PassLifetime &&
		p.PeriodEnd != nil && !now.Before(*p.PeriodEnd) {
		return models.PassExpired
	}
	return p.Status
}

// CheckAccess decides whether principalID may obtain productID right now.
func (e *Engine) CheckAccess(ctx context.Context, principalID, productID string) (d Decision, err error) {
	ctx, span := observability.StartSpan(ctx, "entitlement.CheckAccess",
		attribute.String("principal.id", principalID),
		attribute.String("product.id", productID),
	)
	defer func() {
		observability.EndSpan(span, err)
		if err == nil {
			metrics.EntitlementChecks.WithLabelValues(string(d.Via), string(d.Reason)).Inc()
		}
	}()

	product, denial, err := e.resolveSubject(ctx, principalID, productID)
	if err != nil || denial != nil {
		if denial != nil {
			return *denial, nil
		}
		return Decision{}, err
	}

	lic, err := e.store.FindActiveLicense(ctx, principalID, productID)
	switch {
	case err == nil:
		return Decision{Granted: true, Via: models.KindLicense, EntitlementID: lic.ID}, nil
	case !errors.Is(err, store.ErrNotFound):
		return Decision{}, apperrors.NewUpstreamUnavailableError("entitlement-store", err)
	}

	pass, err := e.store.CurrentPass(ctx, principalID)
	if errors.Is(err, store.ErrNotFound) {
		return deny(apperrors.ErrCodeNoEntitlement), nil
	}
	if err != nil {
		return Decision{}, apperrors.NewUpstreamUnavailableError("entitlement-store", err)
	}
	return e.evaluatePass(ctx, pass, product), nil
}

// Authorize re-validates one specific entitlement for one product. It never
// relies on an earlier CheckAccess result.
func (e *Engine) Authorize(ctx context.Context, principalID, entitlementID, productID string) (d Decision, err error) {
	ctx, span := observability.StartSpan(ctx, "entitlement.Authorize",
		attribute.String("principal.id", principalID),
		attribute.String("entitlement.id", entitlementID),
		attribute.String("product.id", productID),
	)
	defer func() { observability.EndSpan(span, err) }()

	product, denial, err := e.resolveSubject(ctx, principalID, productID)
	if err != nil || denial != nil {
		if denial != nil {
			return *denial, nil
		}
		return Decision{}, err
	}

	lic, err := e.store.GetLicense(ctx, entitlementID)
	switch {
	case err == nil:
		if lic.PrincipalID != principalID || lic.ProductID != productID || lic.Revoked {
			return deny(apperrors.ErrCodeEntitlementInvalid), nil
		}
		return Decision{Granted: true, Via: models.KindLicense, EntitlementID: lic.ID}, nil
	case !errors.Is(err, store.ErrNotFound):
		return Decision{}, apperrors.NewUpstreamUnavailableError("entitlement-store", err)
	}

	pass, err := e.store.GetPass(ctx, entitlementID)
	if errors.Is(err, store.ErrNotFound) {
		return deny(apperrors.ErrCodeEntitlementInvalid), nil
	}
	if err != nil {
		return Decision{}, apperrors.NewUpstreamUnavailableError("entitlement-store", err)
	}
	if pass.PrincipalID != principalID {
		return deny(apperrors.ErrCodeEntitlementInvalid), nil
	}
	return e.evaluatePass(ctx, pass, product), nil
}

// resolveSubject loads the product after confirming both principal and product
// exist. A non-nil denial means the lookup failed on bad input.
func (e *Engine) resolveSubject(ctx context.Context, principalID, productID string) (*models.Product, *Decision, error) {
	exists, err := e.store.PrincipalExists(ctx, principalID)
	if err != nil {
		return nil, nil, apperrors.NewUpstreamUnavailableError("entitlement-store", err)
	}
	if !exists {
		d := deny(apperrors.ErrCodePrincipalNotFound)
		return nil, &d, nil
	}

	product, err := e.store.GetProduct(ctx, productID)
	if errors.Is(err, store.ErrNotFound) {
		d := deny(apperrors.ErrCodeProductNotFound)
		return nil, &d, nil
	}
	if err != nil {
		return nil, nil, apperrors.NewUpstreamUnavailableError("catalog", err)
	}
	return product, nil, nil
}

func (e *Engine) evaluatePass(ctx context.Context, pass *models.AccessPass, product *models.Product) Decision {
	now := e.now()
	status := EffectiveStatus(pass, now)
	if status != pass.Status {
		e.correctExpiry(ctx, pass, now)
	}

	switch status {
	case models.PassActive:
	case models.PassExpired:
		return deny(apperrors.ErrCodePassExpired)
	default:
		return deny(apperrors.ErrCodePassInactive)
	}

	if product.PassExcluded {
		return deny(apperrors.ErrCodeProductExcluded)
	}

	d := Decision{Granted: true, Via: models.KindAccessPass, EntitlementID: pass.ID}
	if limit := e.config.PassPeriodDownloadLimit; limit > 0 {
		remaining := limit - pass.PeriodDownloads
		if remaining <= 0 {
			return deny(apperrors.ErrCodePassQuotaExhausted)
		}
		d.RemainingDownloads = &remaining
	}
	return d
}

// correctExpiry persists a lazily detected expiry. Only the caller whose update
// flipped the row notifies.
func (e *Engine) correctExpiry(ctx context.Context, pass *models.AccessPass, now time.Time) {
	flipped, err := e.store.ExpirePass(ctx, pass.ID, now)
	if err != nil {
		e.logger.Warn("failed to persist pass expiry", map[string]interface{}{
			"passId": pass.ID,
			"error":  err.Error(),
		})
		return
	}
	if !flipped {
		return
	}

	metrics.PassesExpired.Inc()
	e.logger.Info("access pass expired", map[string]interface{}{
		"passId":      pass.ID,
		"principalId": pass.PrincipalID,
		"periodEnd":   pass.PeriodEnd,
	})

	expired := *pass
	expired.Status = models.PassExpired
	expired.UpdatedAt = now
	e.notify(ctx, models.PassEventExpired, &expired)
}

func (e *Engine) notify(ctx context.Context, eventType models.PassEventType, pass *models.AccessPass) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.NotifyPass(ctx, eventType, pass); err != nil {
		e.logger.Warn("pass notification failed", map[string]interface{}{
			"passId":    pass.ID,
			"eventType": string(eventType),
			"error":     err.Error(),
		})
	}
}
