package pricing

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestReconciles(t *testing.T) {
	cases := []struct {
		total, commission, provider int64
		want                        bool
	}{
		{4900, 1900, 3000, true},
		{4900, 1900, 2999, true},
		{4900, 1900, 3001, true},
		{4900, 1900, 2998, false},
		{4900, 2000, 3000, false},
	}
	for _, tc := range cases {
		if got := Reconciles(tc.total, tc.commission, tc.provider); got != tc.want {
			t.Fatalf("Reconciles(%d,%d,%d) = %v, want %v", tc.total, tc.commission, tc.provider, got, tc.want)
		}
	}
}

func TestMaxDurationSeconds(t *testing.T) {
	if got := MaxDurationSeconds("lawyer"); got != 1500 {
		t.Fatalf("expected 1500, got %d", got)
	}
	if got := MaxDurationSeconds("expat"); got != 2100 {
		t.Fatalf("expected 2100, got %d", got)
	}
}

func TestQuotePrefersNewestEffectivePrice(t *testing.T) {
	old := time.Unix(1600000000, 0).UTC()
	newer := time.Unix(1650000000, 0).UTC()
	repo := NewMemoryRepo(
		ServicePrice{ServiceType: "lawyer_call", Currency: "eur", AmountMinor: 4000, CommissionMinor: 1000, ProviderMinor: 3000, EffectiveFrom: old, Status: PricingStatusActive},
		ServicePrice{ServiceType: "lawyer_call", Currency: "eur", AmountMinor: 4900, CommissionMinor: 1900, ProviderMinor: 3000, EffectiveFrom: newer, Status: PricingStatusActive},
		ServicePrice{ServiceType: "lawyer_call", Currency: "eur", AmountMinor: 9999, CommissionMinor: 1, ProviderMinor: 9998, EffectiveFrom: newer, Status: PricingStatusInactive},
	)
	svc := NewService(repo)
	svc.clock = func() time.Time { return newer.Add(time.Hour) }

	q, err := svc.QuoteFor(context.Background(), "lawyer_call", "EUR")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if q.AmountMinor != 4900 {
		t.Fatalf("expected newest active price, got %d", q.AmountMinor)
	}
}

func TestQuoteNotFound(t *testing.T) {
	svc := NewService(NewMemoryRepo())
	if _, err := svc.QuoteFor(context.Background(), "lawyer_call", "jpy"); !errors.Is(err, ErrPricingNotFound) {
		t.Fatalf("expected ErrPricingNotFound, got %v", err)
	}
	if _, err := svc.QuoteFor(context.Background(), "", "eur"); !errors.Is(err, ErrInvalidPricingReq) {
		t.Fatalf("expected ErrInvalidPricingReq, got %v", err)
	}
}
