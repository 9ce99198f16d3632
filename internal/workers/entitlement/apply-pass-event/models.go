// internal/workers/entitlement/apply-pass-event/models.go
package applypassevent

import (
	"time"

	"entitlement-delivery/internal/models"
)

// Input is the payment webhook event as carried in the job variables.
type Input struct {
	EventID           string     `json:"eventId"`
	EventType         string     `json:"eventType"`
	PrincipalID       string     `json:"principalId"`
	EntitlementID     string     `json:"entitlementId"`
	PassType          string     `json:"passType,omitempty"`
	Status            string     `json:"status,omitempty"`
	PeriodStart       *time.Time `json:"periodStart,omitempty"`
	PeriodEnd         *time.Time `json:"periodEnd,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancelAtPeriodEnd,omitempty"`
	OccurredAt        time.Time  `json:"occurredAt"`
}

func (in *Input) toEvent() models.PassEvent {
	return models.PassEvent{
		EventID:           in.EventID,
		Type:              models.PassEventType(in.EventType),
		PrincipalID:       in.PrincipalID,
		EntitlementID:     in.EntitlementID,
		PassType:          models.PassType(in.PassType),
		Status:            models.PassStatus(in.Status),
		PeriodStart:       in.PeriodStart,
		PeriodEnd:         in.PeriodEnd,
		CancelAtPeriodEnd: in.CancelAtPeriodEnd,
		OccurredAt:        in.OccurredAt,
	}
}

// Output is written back to the process instance.
type Output struct {
	Outcome    string     `json:"passEventOutcome"`
	Applied    bool       `json:"passEventApplied"`
	PassID     string     `json:"passId,omitempty"`
	PassStatus string     `json:"passStatus,omitempty"`
	PeriodEnd  *time.Time `json:"passPeriodEnd,omitempty"`
}
