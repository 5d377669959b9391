package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"consultline/internal/apperr"
	"consultline/internal/audit"
	"consultline/internal/auth"
	"consultline/internal/calls"
	"consultline/internal/finance"
	"consultline/internal/payments"
	"consultline/internal/pricing"
	"consultline/internal/rbac"
	"consultline/internal/reporting"
	"consultline/internal/sessions"
	"consultline/pkg/logger"

	"github.com/gin-gonic/gin"
)

type SessionService interface {
	Get(ctx context.Context, id string) (sessions.CallSession, error)
	BookSession(ctx context.Context, p calls.CreateSessionParams, delay time.Duration) (sessions.CallSession, error)
	CancelSession(ctx context.Context, id, reason string) error
}

type PaymentService interface {
	CreatePaymentIntent(ctx context.Context, req payments.CreateIntentRequest) (payments.CreateIntentResult, error)
}

type PriceQuoter interface {
	QuoteFor(ctx context.Context, serviceType, currency string) (pricing.Quote, error)
}

type StatsService interface {
	PaymentStatistics(ctx context.Context, req reporting.PaymentStatisticsRequest) (reporting.PaymentStatistics, error)
	AttemptsSummary(ctx context.Context, r reporting.TimeRange) (reporting.AttemptsSummary, error)
}

type AuditLog interface {
	History(ctx context.Context, sessionID string) ([]audit.Record, error)
	LogOperatorAction(ctx context.Context, sessionID string, ev audit.EventType, actorUserID, actorRole, ip, message string) error
}

type TicketReader interface {
	TicketsForSession(ctx context.Context, sessionID string) ([]finance.Ticket, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Sessions SessionService
	Payments PaymentService
	Stats    StatsService
	Audit    AuditLog
	Finance  TicketReader
	Pricing  PriceQuoter

	// DefaultCurrency is used by quotes that name no currency.
	DefaultCurrency string
	// StartDelay is how long after booking the saga starts.
	StartDelay      time.Duration
}

// writeError maps the apperr taxonomy to a status. Unclassified errors are
// logged and hidden from the caller.
func writeError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		logger.FromGin(c).Error("request failed", "err", err)
		c.AbortWithStatusJSON(status, gin.H{"error": "internal error"})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error(), "kind": apperr.Kind(err)})
}

type identity struct {
	userID string
	role   string
}

func callerOf(c *gin.Context) identity {
	uid, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	return identity{userID: uid, role: role}
}

// party reports whether the caller may see session s.
func (id identity) party(s sessions.CallSession) bool {
	if rbac.IsStaff(id.role) {
		return true
	}
	switch id.role {
	case rbac.RoleClient:
		return s.Metadata.ClientID == id.userID
	case rbac.RoleProvider:
		return s.Metadata.ProviderID == id.userID
	}
	return false
}

// --- Payments ---

// CreatePaymentIntent authorizes the booking amount before a session exists.
// RBAC: client (for themselves) or admin.
func (h Handlers) CreatePaymentIntent(c *gin.Context) {
	var req payments.CreateIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	who := callerOf(c)
	if who.role == rbac.RoleClient && req.ClientID != who.userID {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "clientId must be the caller"})
		return
	}

	res, err := h.Payments.CreatePaymentIntent(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// Quote returns the current price for a service type.
func (h Handlers) Quote(c *gin.Context) {
	currency := c.Query("currency")
	if currency == "" {
		currency = h.DefaultCurrency
	}
	q, err := h.Pricing.QuoteFor(c.Request.Context(), c.Query("serviceType"), currency)
	switch {
	case errors.Is(err, pricing.ErrInvalidPricingReq):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "serviceType and currency required"})
		return
	case errors.Is(err, pricing.ErrPricingNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no price for service"})
		return
	case err != nil:
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, q)
}

// --- Call sessions ---

// CreateSession books a session on an authorized payment and schedules the
// saga start.
func (h Handlers) CreateSession(c *gin.Context) {
	var req calls.CreateSessionParams
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	who := callerOf(c)
	if who.role == rbac.RoleClient && req.ClientID != who.userID {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "clientId must be the caller"})
		return
	}

	s, err := h.Sessions.BookSession(c.Request.Context(), req, h.StartDelay)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, s)
}

func (h Handlers) GetSession(c *gin.Context) {
	s, ok := h.loadVisible(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s)
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// CancelSession cancels a session before its saga starts.
// RBAC: the session's client or admin.
func (h Handlers) CancelSession(c *gin.Context) {
	s, ok := h.loadVisible(c)
	if !ok {
		return
	}
	who := callerOf(c)
	if !rbac.IsAdmin(who.role) && !(who.role == rbac.RoleClient && s.Metadata.ClientID == who.userID) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = calls.ReasonCancelled
	}

	ctx := c.Request.Context()
	if err := h.Sessions.CancelSession(ctx, s.ID, reason); err != nil {
		writeError(c, err)
		return
	}
	if h.Audit != nil {
		if err := h.Audit.LogOperatorAction(ctx, s.ID, audit.EventSessionCancelled, who.userID, who.role, c.ClientIP(), reason); err != nil {
			logger.FromGin(c).Warn("operator action not recorded", "session_id", s.ID, "err", err)
		}
	}

	out, err := h.Sessions.Get(ctx, s.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// SessionHistory returns the append-only attempt log of a session.
func (h Handlers) SessionHistory(c *gin.Context) {
	s, ok := h.loadVisible(c)
	if !ok {
		return
	}
	recs, err := h.Audit.History(c.Request.Context(), s.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": s.ID, "records": recs})
}

func (h Handlers) loadVisible(c *gin.Context) (sessions.CallSession, bool) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "id required"})
		return sessions.CallSession{}, false
	}
	s, err := h.Sessions.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return sessions.CallSession{}, false
	}
	// Non-parties get a 404 so ids cannot be enumerated.
	if !callerOf(c).party(s) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call session not found"})
		return sessions.CallSession{}, false
	}
	return s, true
}

// --- Admin ---

// PaymentStats serves GET /v1/admin/payments/stats.
// RBAC: admin or finance.
func (h Handlers) PaymentStats(c *gin.Context) {
	r, ok := parseRange(c)
	if !ok {
		return
	}
	req := reporting.PaymentStatisticsRequest{
		Range:      r,
		ClientID:   c.Query("clientId"),
		ProviderID: c.Query("providerId"),
		Currency:   c.Query("currency"),
	}
	if raw := c.Query("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			if st = strings.TrimSpace(st); st != "" {
				req.Statuses = append(req.Statuses, payments.Status(st))
			}
		}
	}

	out, err := h.Stats.PaymentStatistics(c.Request.Context(), req)
	if errors.Is(err, reporting.ErrInvalidRequest) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid range"})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// AttemptStats serves GET /v1/admin/calls/attempts.
func (h Handlers) AttemptStats(c *gin.Context) {
	r, ok := parseRange(c)
	if !ok {
		return
	}
	out, err := h.Stats.AttemptsSummary(c.Request.Context(), r)
	if errors.Is(err, reporting.ErrInvalidRequest) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid range"})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// SessionTickets lists finance tickets opened for a session.
func (h Handlers) SessionTickets(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	tickets, err := h.Finance.TicketsForSession(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": id, "tickets": tickets})
}

// parseRange reads RFC 3339 from/to query parameters.
func parseRange(c *gin.Context) (reporting.TimeRange, bool) {
	from, err1 := time.Parse(time.RFC3339, c.Query("from"))
	to, err2 := time.Parse(time.RFC3339, c.Query("to"))
	if err1 != nil || err2 != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from and to must be RFC 3339 timestamps"})
		return reporting.TimeRange{}, false
	}
	return reporting.TimeRange{From: from, To: to}, true
}
