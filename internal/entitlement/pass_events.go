package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "entitlement-delivery/internal/common/errors"
	"entitlement-delivery/internal/common/metrics"
	"entitlement-delivery/internal/common/observability"
	"entitlement-delivery/internal/models"
	"entitlement-delivery/internal/store"

	"go.opentelemetry.io/otel/attribute"
)

// Outcomes recorded against each pass event.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeStale     = "stale"
	OutcomeIgnored   = "ignored"
)

// ApplyResult reports what an event did to its pass.
type ApplyResult struct {
	Applied bool               `json:"applied"`
	Outcome string             `json:"outcome"`
	Pass    *models.AccessPass `json:"pass,omitempty"`
}

// ValidatePassEvent checks the fields every event type needs.
func ValidatePassEvent(ev models.PassEvent) error {
	switch {
	case ev.EventID == "":
		return apperrors.NewInvalidRequestError("eventId is required")
	case ev.PrincipalID == "":
		return apperrors.NewInvalidRequestError("principalId is required")
	case ev.EntitlementID == "":
		return apperrors.NewInvalidRequestError("entitlementId is required")
	case ev.OccurredAt.IsZero():
		return apperrors.NewInvalidRequestError("occurredAt is required")
	}
	switch ev.Type {
	case models.PassEventActivated, models.PassEventRenewed, models.PassEventCancelled,
		models.PassEventReactivated, models.PassEventPaymentFailed, models.PassEventExpired:
	default:
		return apperrors.NewInvalidRequestError(fmt.Sprintf("unknown eventType %q", ev.Type))
	}
	if ev.PassType != "" && ev.PassType != models.PassRecurring && ev.PassType != models.PassLifetime {
		return apperrors.NewInvalidRequestError(fmt.Sprintf("unknown passType %q", ev.PassType))
	}
	return nil
}

// ApplyPassEvent applies one payment-provider event. Delivery is at least once:
// redelivered event ids, events older than the last applied one and renewals
// that do not extend the period leave the pass untouched.
func (e *Engine) ApplyPassEvent(ctx context.Context, ev models.PassEvent) (res ApplyResult, err error) {
	ctx, span := observability.StartSpan(ctx, "entitlement.ApplyPassEvent",
		attribute.String("event.id", ev.EventID),
		attribute.String("event.type", string(ev.Type)),
		attribute.String("pass.id", ev.EntitlementID),
	)
	defer func() {
		observability.EndSpan(span, err)
		if err == nil {
			metrics.PassEventsApplied.WithLabelValues(string(ev.Type), res.Outcome).Inc()
		}
	}()

	if err := ValidatePassEvent(ev); err != nil {
		return ApplyResult{}, err
	}

	now := e.now()
	var next *models.AccessPass
	outcome, err := e.store.ApplyPassEvent(ctx, ev, now, func(current *models.AccessPass) (*models.AccessPass, string) {
		p, o := transition(current, ev, now)
		next = p
		return p, o
	})
	if errors.Is(err, store.ErrDuplicateEvent) {
		e.logger.Debug("duplicate pass event", map[string]interface{}{"eventId": ev.EventID})
		return ApplyResult{Outcome: OutcomeDuplicate}, nil
	}
	if err != nil {
		return ApplyResult{}, apperrors.NewUpstreamUnavailableError("entitlement-store", err)
	}

	e.logger.Info("pass event processed", map[string]interface{}{
		"eventId":   ev.EventID,
		"eventType": string(ev.Type),
		"passId":    ev.EntitlementID,
		"outcome":   outcome,
	})

	res = ApplyResult{Applied: outcome == OutcomeApplied, Outcome: outcome}
	if res.Applied {
		res.Pass = next
		e.notify(ctx, ev.Type, next)
	}
	return res, nil
}

// transition computes the pass after ev. It returns nil when the event does not
// change anything.
func transition(current *models.AccessPass, ev models.PassEvent, now time.Time) (*models.AccessPass, string) {
	if current == nil {
		switch ev.Type {
		case models.PassEventActivated, models.PassEventRenewed, models.PassEventReactivated:
		default:
			// nothing to cancel or expire
			return nil, OutcomeIgnored
		}
		current = &models.AccessPass{
			ID:          ev.EntitlementID,
			PrincipalID: ev.PrincipalID,
			Type:        models.PassRecurring,
			Status:      models.PassCancelled,
			CreatedAt:   now,
		}
	} else {
		if current.PrincipalID != ev.PrincipalID {
			return nil, OutcomeIgnored
		}
		if current.LastEventAt != nil && ev.OccurredAt.Before(*current.LastEventAt) {
			return nil, OutcomeStale
		}
	}

	next := *current
	if ev.PassType != "" {
		next.Type = ev.PassType
	}

	switch ev.Type {
	case models.PassEventActivated:
		next.Status = models.PassActive
		next.CancelAtPeriodEnd = ev.CancelAtPeriodEnd
		setPeriod(&next, ev)

	case models.PassEventRenewed:
		if current.PeriodEnd != nil && ev.PeriodEnd != nil && !ev.PeriodEnd.After(*current.PeriodEnd) {
			return nil, OutcomeStale
		}
		next.Status = models.PassActive
		next.CancelAtPeriodEnd = ev.CancelAtPeriodEnd
		setPeriod(&next, ev)

	case models.PassEventReactivated:
		next.Status = models.PassActive
		next.CancelAtPeriodEnd = false
		if ev.PeriodEnd != nil && (next.PeriodEnd == nil || ev.PeriodEnd.After(*next.PeriodEnd)) {
			setPeriod(&next, ev)
		}

	case models.PassEventCancelled:
		if ev.CancelAtPeriodEnd && next.Status == models.PassActive && next.Type != models.PassLifetime {
			// keeps access until the paid period runs out
			next.CancelAtPeriodEnd = true
		} else {
			next.Status = models.PassCancelled
		}

	case models.PassEventPaymentFailed:
		next.Status = models.PassPastDue

	case models.PassEventExpired:
		next.Status = models.PassExpired
	}

	if next.Type == models.PassLifetime {
		next.PeriodEnd = nil
	}
	occurred := ev.OccurredAt
	next.LastEventAt = &occurred
	next.UpdatedAt = now
	return &next, OutcomeApplied
}

// setPeriod moves the pass to the event's billing period. A new period starts
// with a fresh download allowance.
func setPeriod(p *models.AccessPass, ev models.PassEvent) {
	start := ev.OccurredAt
	if ev.PeriodStart != nil {
		start = *ev.PeriodStart
	}
	if !start.Equal(p.PeriodStart) {
		p.PeriodDownloads = 0
	}
	p.PeriodStart = start.UTC()
	if ev.PeriodEnd != nil {
		end := ev.PeriodEnd.UTC()
		p.PeriodEnd = &end
	}
}
