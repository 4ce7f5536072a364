package paas

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// WriteAuditMiddleware logs every mutating /api request to the PaaS log.
func WriteAuditMiddleware(p *Client, logger *zap.Logger) gin.HandlerFunc {
	if p == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.Request.URL.Path
		method := strings.ToUpper(c.Request.Method)
		if !strings.HasPrefix(path, "/api/") {
			return
		}
		if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
			return
		}

		status := c.Writer.Status()
		details := map[string]any{
			"method":   method,
			"path":     path,
			"status":   status,
			"duration": time.Since(start).String(),
			"project":  strings.TrimSpace(c.GetHeader("X-Easyweb3-Project")),
		}
		if actor, ok := c.Get("actor"); ok {
			details["actor"] = actor
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err := p.CreateLog(ctx, CreateLogRequest{
			Agent:    p.AgentName(),
			Action:   "autopilot_http_write",
			Level:    levelFromStatus(status),
			Details:  details,
			Metadata: map[string]any{},
		})
		if err != nil && logger != nil {
			logger.Debug("paas audit log failed", zap.Error(err))
		}
	}
}

func levelFromStatus(status int) string {
	if status >= 500 {
		return "error"
	}
	if status >= 400 {
		return "warn"
	}
	return "info"
}
