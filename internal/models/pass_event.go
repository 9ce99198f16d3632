package models

import "time"

// PassEventType enumerates the payment-provider transitions applied to access passes.
type PassEventType string

const (
	PassEventActivated     PassEventType = "pass.activated"
	PassEventRenewed       PassEventType = "pass.renewed"
	PassEventCancelled     PassEventType = "pass.cancelled"
	PassEventReactivated   PassEventType = "pass.reactivated"
	PassEventPaymentFailed PassEventType = "pass.payment_failed"
	PassEventExpired       PassEventType = "pass.expired"
)

// PassEvent is one webhook delivery from the payment provider feed.
type PassEvent struct {
	EventID           string        `json:"eventId"`
	Type              PassEventType `json:"eventType"`
	PrincipalID       string        `json:"principalId"`
	EntitlementID     string        `json:"entitlementId"`
	PassType          PassType      `json:"passType,omitempty"`
	Status            PassStatus    `json:"status,omitempty"`
	PeriodStart       *time.Time    `json:"periodStart,omitempty"`
	PeriodEnd         *time.Time    `json:"periodEnd,omitempty"`
	CancelAtPeriodEnd bool          `json:"cancelAtPeriodEnd,omitempty"`
	OccurredAt        time.Time     `json:"occurredAt"`
}
