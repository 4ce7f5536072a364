package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	claimsKey = "auth_claims"
	// ActorKey holds the caller identity on the gin context.
	ActorKey = "actor"
)

// Middleware rejects requests without a valid bearer token. When disabled,
// every request runs as a local admin; only use that in development.
func Middleware(j JWT, disabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if disabled {
			claims := Claims{Role: RoleAdmin}
			claims.Subject = "local"
			if v := strings.TrimSpace(c.GetHeader("X-Actor")); v != "" {
				claims.Subject = v
			}
			set(c, claims)
			c.Next()
			return
		}
		tok := bearerToken(c.GetHeader("Authorization"))
		if tok == "" && websocketUpgrade(c) {
			// browsers can't set headers on a websocket handshake
			tok = strings.TrimSpace(c.Query("access_token"))
		}
		if tok == "" {
			abort(c, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := j.Verify(tok)
		if err != nil {
			abort(c, http.StatusUnauthorized, "invalid token")
			return
		}
		set(c, claims)
		c.Next()
	}
}

// RequireAdmin must run after Middleware.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok || !claims.IsAdmin() {
			abort(c, http.StatusForbidden, "admin role required")
			return
		}
		c.Next()
	}
}

func ClaimsFrom(c *gin.Context) (Claims, bool) {
	if c == nil {
		return Claims{}, false
	}
	v, ok := c.Get(claimsKey)
	if !ok {
		return Claims{}, false
	}
	claims, ok := v.(Claims)
	return claims, ok
}

// Actor returns the caller identity, or "anonymous" outside of Middleware.
func Actor(c *gin.Context) string {
	if claims, ok := ClaimsFrom(c); ok {
		return claims.Actor()
	}
	return "anonymous"
}

func set(c *gin.Context, claims Claims) {
	c.Set(claimsKey, claims)
	c.Set(ActorKey, claims.Actor())
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"code": status, "message": msg})
}

func bearerToken(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	parts := strings.SplitN(v, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func websocketUpgrade(c *gin.Context) bool {
	return strings.EqualFold(strings.TrimSpace(c.GetHeader("Upgrade")), "websocket")
}
