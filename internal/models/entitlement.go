package models

import "time"

// LicenseTier is the commercial tier a license was sold at.
type LicenseTier string

const (
	TierBasic    LicenseTier = "basic"
	TierExtended LicenseTier = "extended"
)

// NormalizeTier maps legacy tier names onto the current set. "standard" predates
// the basic/extended split and grants the same rights as basic.
func NormalizeTier(tier string) (LicenseTier, bool) {
	switch tier {
	case "basic", "standard", "":
		return TierBasic, true
	case "extended":
		return TierExtended, true
	default:
		return "", false
	}
}

// License grants a principal permanent access to one product.
type License struct {
	ID          string      `json:"id"`
	PrincipalID string      `json:"principalId"`
	ProductID   string      `json:"productId"`
	OrderID     string      `json:"orderId"`
	Tier        LicenseTier `json:"tier"`
	CreatedAt   time.Time   `json:"createdAt"`
	Revoked     bool        `json:"revoked"`
	RevokedAt   *time.Time  `json:"revokedAt,omitempty"`
}

type PassType string

const (
	PassRecurring PassType = "recurring"
	PassLifetime  PassType = "lifetime"
)

type PassStatus string

const (
	PassActive    PassStatus = "active"
	PassCancelled PassStatus = "cancelled"
	PassExpired   PassStatus = "expired"
	PassPastDue   PassStatus = "past_due"
)

// AccessPass grants a principal access to every product not excluded from passes.
type AccessPass struct {
	ID                string     `json:"id"`
	PrincipalID       string     `json:"principalId"`
	Type              PassType   `json:"passType"`
	Status            PassStatus `json:"status"`
	PeriodStart       time.Time  `json:"periodStart"`
	PeriodEnd         *time.Time `json:"periodEnd,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancelAtPeriodEnd"`
	TotalDownloads    int        `json:"totalDownloads"`
	PeriodDownloads   int        `json:"periodDownloads"`
	LastEventAt       *time.Time `json:"lastEventAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// EntitlementKind distinguishes the two ways a product can be granted.
type EntitlementKind string

const (
	KindLicense    EntitlementKind = "license"
	KindAccessPass EntitlementKind = "access_pass"
	KindNone       EntitlementKind = "none"
)

// EntitlementRef points at the record a download token was issued against.
type EntitlementRef struct {
	Kind EntitlementKind `json:"kind"`
	ID   string          `json:"id"`
}

// Product is the catalog view the engine needs.
type Product struct {
	ID           string   `json:"id"`
	PassExcluded bool     `json:"passExcluded"`
	FileKeys     []string `json:"fileKeys,omitempty"`
}
