package pricing

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Service resolves consultation prices and call limits.
//
// Contract:
// - Pricing configuration CRUD lives elsewhere; this is read-only.
// - Pure calculation + repository lookups.
type Service struct {
	repo  PriceRepository
	clock func() time.Time
}

func NewService(repo PriceRepository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var (
	ErrPricingNotFound   = errors.New("pricing not found")
	ErrInvalidPricingReq = errors.New("invalid pricing request")
)

// Maximum call length per provider type, in seconds.
const (
	LawyerMaxDuration = 25 * 60
	ExpatMaxDuration  = 35 * 60
)

// RoundingTolerance is the accepted gap, in minor units, between a total and
// the sum of its parts.
const RoundingTolerance int64 = 1

// PriceRepository abstracts pricing persistence.
type PriceRepository interface {
	FindServicePrice(ctx context.Context, serviceType, currency string, at time.Time) (ServicePrice, bool, error)
}

// QuoteFor returns the effective price for serviceType in currency.
func (s *Service) QuoteFor(ctx context.Context, serviceType, currency string) (Quote, error) {
	serviceType = strings.TrimSpace(serviceType)
	currency = strings.ToLower(strings.TrimSpace(currency))
	if serviceType == "" || currency == "" {
		return Quote{}, ErrInvalidPricingReq
	}

	p, ok, err := s.repo.FindServicePrice(ctx, serviceType, currency, s.clock().UTC())
	if err != nil {
		return Quote{}, err
	}
	if !ok {
		return Quote{}, ErrPricingNotFound
	}
	if !Reconciles(p.AmountMinor, p.CommissionMinor, p.ProviderMinor) {
		return Quote{}, ErrInvalidPricingReq
	}
	return Quote{
		ServiceType:     p.ServiceType,
		Currency:        p.Currency,
		AmountMinor:     p.AmountMinor,
		CommissionMinor: p.CommissionMinor,
		ProviderMinor:   p.ProviderMinor,
	}, nil
}

// MaxDurationSeconds returns the call time limit for a provider type.
// Unknown types get the shorter lawyer limit.
func MaxDurationSeconds(providerType string) int {
	if providerType == "expat" {
		return ExpatMaxDuration
	}
	return LawyerMaxDuration
}

// Reconciles reports whether commission + provider share equals total
// within RoundingTolerance.
func Reconciles(total, commission, provider int64) bool {
	diff := total - (commission + provider)
	if diff < 0 {
		diff = -diff
	}
	return diff <= RoundingTolerance
}
