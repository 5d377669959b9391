package logger

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	headerRequestID = "X-Request-Id"

	// GinKey is the gin context key holding the request logger.
	GinKey = "logger"
)

// Health and metrics endpoints are summarized at debug level only.
var quietPaths = map[string]struct{}{
	"/healthz": {},
	"/readyz":  {},
	"/metrics": {},
}

// Middleware assigns a request id and makes the request logger available via
// FromGin and, for code below the handlers, From(c.Request.Context()).
func Middleware(l *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		rid := c.GetHeader(headerRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Writer.Header().Set(headerRequestID, rid)

		reqLogger := l.With("request_id", rid)
		c.Set(GinKey, reqLogger)
		c.Request = c.Request.WithContext(With(c.Request.Context(), reqLogger))

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		}

		// Handlers may have swapped in a richer logger (user, session).
		out := FromGin(c)
		switch {
		case len(c.Errors) > 0:
			out.Error("request", append(attrs, "errors", c.Errors.String())...)
		case status >= 500:
			out.Warn("request", attrs...)
		default:
			if _, quiet := quietPaths[path]; quiet {
				out.Debug("request", attrs...)
				return
			}
			out.Info("request", attrs...)
		}
	}
}

// FromGin pulls the request-scoped logger from Gin context.
func FromGin(c *gin.Context) *slog.Logger {
	if l, ok := c.Value(GinKey).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}
