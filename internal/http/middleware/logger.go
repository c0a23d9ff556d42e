package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const requestIDKey = "request_id"

// quietPaths are served without an access log line.
var quietPaths = map[string]struct{}{
	"/healthz": {},
}

// RequestLogger assigns a request id and writes one access log line per
// request, tagged with the caller and institution when known.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.L()
	}
	logger = logger.Named("access")

	return func(c *gin.Context) {
		start := time.Now()
		requestID := strings.TrimSpace(c.GetHeader("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(requestIDKey, requestID)
		c.Header("X-Request-ID", requestID)

		c.Next()

		if _, quiet := quietPaths[c.Request.URL.Path]; quiet {
			return
		}

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String(requestIDKey, requestID),
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.String("path", c.Request.URL.Path),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if sess, ok := GetSession(c); ok {
			fields = append(fields, zap.String("username", sess.Username))
		}
		if id := GetAuthorisationServerID(c); id != "" {
			fields = append(fields, zap.String("authorisation_server_id", id))
		}
		if id := c.Writer.Header().Get("x-fapi-interaction-id"); id != "" {
			fields = append(fields, zap.String("interaction_id", id))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case status >= 500:
			logger.Error("http_request", fields...)
		case status >= 400:
			logger.Warn("http_request", fields...)
		default:
			logger.Info("http_request", fields...)
		}
	}
}

// GetRequestID returns the id RequestLogger assigned.
func GetRequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}
