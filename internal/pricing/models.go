package pricing

import "time"

// Amounts are expressed in minor units (e.g., cents) using int64.

// ServicePrice is the fixed price of one consultation of a given service type.
// CommissionMinor + ProviderMinor must equal AmountMinor (within one minor
// unit of rounding).
type ServicePrice struct {
	ID          string `json:"id" db:"id"`
	ServiceType string `json:"service_type" db:"service_type"`
	Currency    string `json:"currency" db:"currency"`

	AmountMinor     int64 `json:"amount_minor" db:"amount_minor"`
	CommissionMinor int64 `json:"commission_minor" db:"commission_minor"`
	ProviderMinor   int64 `json:"provider_minor" db:"provider_minor"`

	// Effective window for pricing.
	EffectiveFrom time.Time  `json:"effective_from" db:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty" db:"effective_to"`

	Status PricingStatus `json:"status" db:"status"`
}

type PricingStatus string

const (
	PricingStatusActive   PricingStatus = "active"
	PricingStatusInactive PricingStatus = "inactive"
)

// Quote is the resolved price for a booking.
type Quote struct {
	ServiceType     string `json:"service_type"`
	Currency        string `json:"currency"`
	AmountMinor     int64  `json:"amount_minor"`
	CommissionMinor int64  `json:"commission_minor"`
	ProviderMinor   int64  `json:"provider_minor"`
}
