package reporting

import (
	"time"

	"consultline/internal/payments"
)

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// PaymentStatisticsRequest filters the payment scan.
type PaymentStatisticsRequest struct {
	Range      TimeRange         `json:"range"`
	Statuses   []payments.Status `json:"statuses,omitempty"`
	ClientID   string            `json:"client_id,omitempty"`
	ProviderID string            `json:"provider_id,omitempty"`
	Currency   string            `json:"currency,omitempty"`
}

// PaymentStatistics splits revenue from refunds. Revenue only counts
// succeeded or captured payments; refunded payments are reported apart.
type PaymentStatistics struct {
	Currency string `json:"currency"`

	TotalPayments int `json:"total_payments"`

	CapturedCount         int   `json:"captured_count"`
	RevenueMinor          int64 `json:"revenue_minor"`
	CommissionMinor       int64 `json:"commission_minor"`
	ProviderEarningsMinor int64 `json:"provider_earnings_minor"`
	AverageTicketMinor    int64 `json:"average_ticket_minor"`

	RefundedCount int   `json:"refunded_count"`
	RefundedMinor int64 `json:"refunded_minor"`

	PendingCount  int `json:"pending_count"`
	CanceledCount int `json:"canceled_count"`
	FailedCount   int `json:"failed_count"`
}

// AttemptsSummary aggregates the call-attempt log over a time range.
type AttemptsSummary struct {
	Sessions           int `json:"sessions"`
	Attempts           int `json:"attempts"`
	Connected          int `json:"connected"`
	FailedAttempts     int `json:"failed_attempts"`
	ExhaustedProviders int `json:"exhausted_providers"`
	ExhaustedClients   int `json:"exhausted_clients"`
	CompletedSessions  int `json:"completed_sessions"`
	FailedSessions     int `json:"failed_sessions"`

	ConnectionRate float64 `json:"connection_rate"`
}
