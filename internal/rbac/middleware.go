package rbac

import (
	"net/http"

	"consultline/internal/auth"
	"consultline/pkg/logger"

	"github.com/gin-gonic/gin"
)

// RequireAnyRole admits callers holding one of allowed; admin is always
// admitted. Ownership of a particular session is checked by the handler.
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	admitted := make(map[string]struct{}, len(allowed)+1)
	for _, r := range allowed {
		admitted[r] = struct{}{}
	}
	admitted[RoleAdmin] = struct{}{}

	return func(c *gin.Context) {
		role, err := auth.Role(c.Request.Context())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		if _, ok := admitted[role]; !ok {
			logger.FromGin(c).Info("role denied", "role", role, "route", c.FullPath())
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}
