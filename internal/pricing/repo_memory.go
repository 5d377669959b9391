package pricing

import (
	"context"
	"time"
)

// MemoryRepo is a simple in-memory repository used in tests and as the
// built-in price list when no pricing table is configured.
type MemoryRepo struct {
	Prices []ServicePrice
}

// DefaultPrices is the standard price list.
func DefaultPrices() []ServicePrice {
	var epoch time.Time
	return []ServicePrice{
		{ID: "lawyer-eur", ServiceType: "lawyer_call", Currency: "eur", AmountMinor: 4900, CommissionMinor: 1900, ProviderMinor: 3000, EffectiveFrom: epoch, Status: PricingStatusActive},
		{ID: "lawyer-usd", ServiceType: "lawyer_call", Currency: "usd", AmountMinor: 5500, CommissionMinor: 2100, ProviderMinor: 3400, EffectiveFrom: epoch, Status: PricingStatusActive},
		{ID: "expat-eur", ServiceType: "expat_call", Currency: "eur", AmountMinor: 1900, CommissionMinor: 900, ProviderMinor: 1000, EffectiveFrom: epoch, Status: PricingStatusActive},
		{ID: "expat-usd", ServiceType: "expat_call", Currency: "usd", AmountMinor: 2500, CommissionMinor: 1000, ProviderMinor: 1500, EffectiveFrom: epoch, Status: PricingStatusActive},
	}
}

func NewMemoryRepo(prices ...ServicePrice) *MemoryRepo {
	if len(prices) == 0 {
		prices = DefaultPrices()
	}
	return &MemoryRepo{Prices: prices}
}

func (r *MemoryRepo) FindServicePrice(ctx context.Context, serviceType, currency string, at time.Time) (ServicePrice, bool, error) {
	_ = ctx

	// Prefer the most recent effective pricing row.
	var best ServicePrice
	found := false

	for _, p := range r.Prices {
		if p.ServiceType != serviceType || p.Currency != currency {
			continue
		}
		if p.Status != PricingStatusActive {
			continue
		}
		if at.Before(p.EffectiveFrom) {
			continue
		}
		if p.EffectiveTo != nil && !at.Before(*p.EffectiveTo) {
			continue
		}

		if !found || p.EffectiveFrom.After(best.EffectiveFrom) {
			best = p
			found = true
		}
	}

	return best, found, nil
}
