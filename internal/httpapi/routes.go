package httpapi

import (
	"consultline/internal/rbac"

	"github.com/gin-gonic/gin"
)

// Register mounts the authenticated API on v1. Identity must already be in
// the request context.
func (h Handlers) Register(v1 gin.IRouter) {
	pay := v1.Group("/payments")
	pay.Use(rbac.RequireAnyRole(rbac.RoleClient))
	{
		pay.POST("/intents", h.CreatePaymentIntent)
	}

	v1.GET("/pricing/quote", rbac.RequireAnyRole(rbac.RoleClient, rbac.RoleProvider, rbac.RoleFinance), h.Quote)

	cs := v1.Group("/call-sessions")
	{
		cs.POST("", rbac.RequireAnyRole(rbac.RoleClient), h.CreateSession)
		cs.GET("/:id", rbac.RequireAnyRole(rbac.RoleClient, rbac.RoleProvider, rbac.RoleFinance), h.GetSession)
		cs.GET("/:id/history", rbac.RequireAnyRole(rbac.RoleClient, rbac.RoleProvider, rbac.RoleFinance), h.SessionHistory)
		cs.POST("/:id/cancel", rbac.RequireAnyRole(rbac.RoleClient), h.CancelSession)
	}

	admin := v1.Group("/admin")
	admin.Use(rbac.RequireAnyRole(rbac.RoleFinance))
	{
		admin.GET("/payments/stats", h.PaymentStats)
		admin.GET("/calls/attempts", h.AttemptStats)
		admin.GET("/call-sessions/:id/tickets", h.SessionTickets)
	}
}
