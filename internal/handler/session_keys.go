package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"sherpa/internal/auth"
	"sherpa/internal/models"
	"sherpa/internal/repository"
	"sherpa/internal/service"
)

type SessionKeyHandler struct {
	Service *service.AutopilotService
}

func (h *SessionKeyHandler) Register(r gin.IRouter) {
	group := r.Group("/session-keys")
	group.POST("", h.create)
	group.GET("", h.list)
	group.GET("/:id", h.get)
	group.POST("/:id/revoke", h.revoke)
	group.POST("/:id/extend", h.extend)
}

type revokeSessionKeyRequest struct {
	Reason string `json:"reason"`
}

type extendSessionKeyRequest struct {
	Days int `json:"days"`
}

// @Summary Create session key
// @Tags session-keys
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param body body service.CreateSessionKeyInput true "session key"
// @Success 200 {object} map[string]any
// @Failure 400 {object} map[string]any
// @Router /api/v1/session-keys [post]
func (h *SessionKeyHandler) create(c *gin.Context) {
	var req service.CreateSessionKeyInput
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	if strings.TrimSpace(req.WalletAddress) == "" {
		if claims, ok := auth.ClaimsFrom(c); ok {
			req.WalletAddress = claims.Wallet
		}
	}
	if !ownsWallet(c, req.WalletAddress) {
		Error(c, http.StatusForbidden, "wallet not owned by caller", nil)
		return
	}
	item, err := h.Service.CreateSessionKey(c.Request.Context(), req, auth.Actor(c))
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, item, nil)
}

// @Summary List session keys
// @Tags session-keys
// @Security BearerAuth
// @Produce json
// @Param wallet query string false "wallet address"
// @Param status query string false "active|expired|revoked|exhausted"
// @Param limit query int false "limit"
// @Param offset query int false "offset"
// @Param order_by query string false "created_at|expires_at"
// @Param asc query bool false "ascending"
// @Success 200 {object} map[string]any
// @Router /api/v1/session-keys [get]
func (h *SessionKeyHandler) list(c *gin.Context) {
	wallet, ok := scopeWallet(c)
	if !ok {
		Error(c, http.StatusForbidden, "wallet not owned by caller", nil)
		return
	}
	params := repository.ListSessionKeysParams{
		Limit:         intQuery(c, "limit", 50),
		Offset:        intQuery(c, "offset", 0),
		WalletAddress: wallet,
		OrderBy: parseOrder(c.Query("order_by"), map[string]string{
			"created_at": "created_at",
			"expires_at": "expires_at",
		}),
		Asc: boolQueryPtr(c, "asc"),
	}
	if v := strQueryPtr(c, "status"); v != nil {
		st := models.SessionKeyStatus(strings.ToLower(*v))
		params.Status = &st
	}
	items, err := h.Service.ListSessionKeys(c.Request.Context(), params)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, items, pageMeta(params.Limit, params.Offset, len(items)))
}

// @Summary Get session key
// @Tags session-keys
// @Security BearerAuth
// @Produce json
// @Param id path string true "session key id"
// @Success 200 {object} map[string]any
// @Failure 404 {object} map[string]any
// @Router /api/v1/session-keys/{id} [get]
func (h *SessionKeyHandler) get(c *gin.Context) {
	item, ok := h.load(c)
	if !ok {
		return
	}
	Ok(c, item, nil)
}

// @Summary Revoke session key
// @Description Revocation is permanent and expires every live strategy bound to the key.
// @Tags session-keys
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path string true "session key id"
// @Param body body revokeSessionKeyRequest false "reason"
// @Success 200 {object} map[string]any
// @Router /api/v1/session-keys/{id}/revoke [post]
func (h *SessionKeyHandler) revoke(c *gin.Context) {
	item, ok := h.load(c)
	if !ok {
		return
	}
	var req revokeSessionKeyRequest
	_ = c.ShouldBindJSON(&req)
	out, err := h.Service.RevokeSessionKey(c.Request.Context(), item.ID, req.Reason, auth.Actor(c))
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, out, nil)
}

// @Summary Extend session key
// @Tags session-keys
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path string true "session key id"
// @Param body body extendSessionKeyRequest true "days to add"
// @Success 200 {object} map[string]any
// @Failure 409 {object} map[string]any
// @Router /api/v1/session-keys/{id}/extend [post]
func (h *SessionKeyHandler) extend(c *gin.Context) {
	item, ok := h.load(c)
	if !ok {
		return
	}
	var req extendSessionKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	out, err := h.Service.ExtendSessionKey(c.Request.Context(), item.ID, req.Days, auth.Actor(c))
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, out, nil)
}

func (h *SessionKeyHandler) load(c *gin.Context) (*models.SessionKey, bool) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		Error(c, http.StatusBadRequest, "id required", nil)
		return nil, false
	}
	item, err := h.Service.GetSessionKey(c.Request.Context(), id)
	if err != nil {
		Fail(c, err)
		return nil, false
	}
	if !ownsWallet(c, item.WalletAddress) {
		Error(c, http.StatusForbidden, "session key belongs to another wallet", nil)
		return nil, false
	}
	return item, true
}
