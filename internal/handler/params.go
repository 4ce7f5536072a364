package handler

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"sherpa/internal/auth"
)

func intQuery(c *gin.Context, key string, def int) int {
	if val := c.Query(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return def
}

func boolQueryDefault(c *gin.Context, key string, def bool) bool {
	if val := c.Query(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return def
}

func boolQueryPtr(c *gin.Context, key string) *bool {
	if val := c.Query(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return &b
		}
	}
	return nil
}

func strQueryPtr(c *gin.Context, key string) *string {
	if val := strings.TrimSpace(c.Query(key)); val != "" {
		return &val
	}
	return nil
}

// timeQueryPtr accepts RFC3339 timestamps or a lookback duration like "24h".
func timeQueryPtr(c *gin.Context, key string) *time.Time {
	val := strings.TrimSpace(c.Query(key))
	if val == "" {
		return nil
	}
	if ts, err := time.Parse(time.RFC3339, val); err == nil {
		ts = ts.UTC()
		return &ts
	}
	if d, err := time.ParseDuration(val); err == nil && d > 0 {
		ts := time.Now().UTC().Add(-d)
		return &ts
	}
	return nil
}

func parseOrder(value string, allow map[string]string) string {
	key := strings.TrimSpace(strings.ToLower(value))
	if key == "" {
		return ""
	}
	if mapped, ok := allow[key]; ok {
		return mapped
	}
	return ""
}

// pageMeta reports has_next when the page came back full; list queries
// don't count totals.
func pageMeta(limit, offset, count int) map[string]any {
	if limit < 0 {
		limit = 0
	}
	if offset < 0 {
		offset = 0
	}
	return map[string]any{
		"limit":    limit,
		"offset":   offset,
		"count":    count,
		"has_next": limit > 0 && count >= limit,
	}
}

// scopeWallet resolves the wallet filter for a list query. Admins may query
// any wallet or none; everyone else only sees their own.
func scopeWallet(c *gin.Context) (*string, bool) {
	requested := strQueryPtr(c, "wallet")
	claims, ok := auth.ClaimsFrom(c)
	if !ok {
		return nil, false
	}
	if claims.IsAdmin() {
		return requested, true
	}
	own := strings.TrimSpace(claims.Wallet)
	if own == "" {
		return nil, false
	}
	if requested != nil && !strings.EqualFold(*requested, own) {
		return nil, false
	}
	return &own, true
}

// ownsWallet reports whether the caller may act on resources of wallet.
func ownsWallet(c *gin.Context, wallet string) bool {
	claims, ok := auth.ClaimsFrom(c)
	if !ok {
		return false
	}
	if claims.IsAdmin() {
		return true
	}
	own := strings.TrimSpace(claims.Wallet)
	return own != "" && strings.EqualFold(own, strings.TrimSpace(wallet))
}
