package middleware

import (
	"time"

	"github.com/clearlens/clearlens/internal/logger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// requestLoggerKey is the gin context key holding the request-scoped logger.
const requestLoggerKey = "request_logger"

// LoggerMiddleware assigns every request an ID, exposes it via the
// X-Request-ID header, and injects a logger carrying it into both the request
// context and the gin context. It logs one line at the start of the request
// and one at the end with status, latency and response size.
func LoggerMiddleware(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := uuid.NewString()

		ctx := logger.WithFields(c.Request.Context(), logger.Fields{
			logger.FieldRequestID: requestID,
			logger.FieldComponent: "api",
		})
		c.Request = c.Request.WithContext(ctx)
		c.Set(requestLoggerKey, logger.FromContext(ctx))
		c.Header("X-Request-ID", requestID)

		logger.CtxInfo(ctx, "request started: method=%s, path=%s, client_ip=%s",
			c.Request.Method, c.Request.URL.Path, c.ClientIP())

		c.Next()

		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path += "?" + raw
		}
		logger.With(logger.Fields{
			logger.FieldStatus:     c.Writer.Status(),
			logger.FieldDurationMs: time.Since(start).Milliseconds(),
			logger.FieldSize:       c.Writer.Size(),
		}).Info(ctx, "request completed: method=%s, path=%s", c.Request.Method, path)
	}
}

// GetLogger returns the request-scoped logger, falling back to whatever the
// request context carries.
func GetLogger(c *gin.Context) *logger.Logger {
	if v, ok := c.Get(requestLoggerKey); ok {
		if log, ok := v.(*logger.Logger); ok {
			return log
		}
	}
	return logger.FromContext(c.Request.Context())
}
