package paas

import (
	"github.com/gin-gonic/gin"
)

func InjectClientMiddleware(p *Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		if p != nil && c.Request != nil {
			ctx := WithClient(c.Request.Context(), p)
			if route := c.FullPath(); route != "" {
				ctx = WithSource(ctx, c.Request.Method+" "+route)
			}
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	}
}

func ClientFromGin(c *gin.Context) *Client {
	if c == nil || c.Request == nil {
		return nil
	}
	return ClientFromContext(c.Request.Context())
}

// LogBestEffort mirrors an operator action to the PaaS log when a client is
// attached to the request.
func LogBestEffort(c *gin.Context, action, level string, details map[string]any) {
	ClientFromGin(c).LogBestEffort(action, level, details)
}
