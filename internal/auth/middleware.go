package auth

import (
	"errors"
	"net/http"
	"strings"

	"consultline/pkg/logger"

	"github.com/gin-gonic/gin"
)

// RequireAccessToken authenticates the bearer token and puts the caller's
// identity on the request context and request logger. Authorization is left
// to internal/rbac.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		scheme, tok, ok := strings.Cut(strings.TrimSpace(c.GetHeader("Authorization")), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(tok) == "" {
			unauthorized(c, "missing bearer token")
			return
		}

		claims, err := m.Verify(strings.TrimSpace(tok), TokenTypeAccess)
		if err != nil {
			logger.FromGin(c).Debug("access token rejected", "err", err)
			if errors.Is(err, ErrExpiredToken) {
				unauthorized(c, "token expired")
				return
			}
			unauthorized(c, "invalid token")
			return
		}

		l := logger.FromGin(c).With("user_id", claims.UserID, "role", claims.Role)
		c.Set(logger.GinKey, l)

		ctx := WithIdentity(c.Request.Context(), claims.UserID, claims.Role)
		c.Request = c.Request.WithContext(logger.With(ctx, l))
		c.Next()
	}
}

func unauthorized(c *gin.Context, msg string) {
	c.Header("WWW-Authenticate", `Bearer realm="consultline"`)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
}
