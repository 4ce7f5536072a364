package paas

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func RegisterDocs(r *gin.Engine) {
	r.GET("/docs", func(c *gin.Context) {
		c.Header("Content-Type", "text/markdown; charset=utf-8")
		c.String(http.StatusOK, `# Sherpa Autopilot

Runs recurring on-chain strategies (DCA, rebalance, limit orders, custom
trades) under scoped session keys, wallet risk limits and a global kill switch.

## Auth

All /api/* routes need a Bearer JWT (HS256). The token subject is recorded as
the actor of every approval and policy change. Health endpoints are public.

## Routes

- GET /healthz, GET /readyz
- GET /swagger/index.html
- POST /api/v1/strategies, GET /api/v1/strategies, GET /api/v1/strategies/:id
- POST /api/v1/strategies/:id/{activate,pause,resume,execute,archive}
- GET /api/v1/executions, GET /api/v1/executions/:id
- POST /api/v1/executions/:id/{approve,skip,cancel,pause,resume}
- POST /api/v1/session-keys, GET /api/v1/session-keys, GET /api/v1/session-keys/:id
- POST /api/v1/session-keys/:id/{revoke,extend}
- GET /api/v1/policy/status, PUT /api/v1/policy/system
- POST /api/v1/policy/emergency-stop, GET|PUT /api/v1/policy/risk/:wallet
- GET /api/v1/audit, GET /api/v1/events/ws
`)
	})
}
