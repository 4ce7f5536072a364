package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"sherpa/internal/auth"
	"sherpa/internal/service"
)

type PolicyHandler struct {
	Service *service.AutopilotService
}

func (h *PolicyHandler) Register(r gin.IRouter) {
	group := r.Group("/policy")
	group.GET("/status", h.status)
	group.PUT("/system", auth.RequireAdmin(), h.updateSystem)
	group.POST("/emergency-stop", auth.RequireAdmin(), h.emergencyStop)
	group.GET("/risk/:wallet", h.getRisk)
	group.PUT("/risk/:wallet", h.putRisk)
}

type emergencyStopRequest struct {
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason"`
}

// @Summary Policy status
// @Description System banner plus the caller's risk policy, session keys and pending approvals.
// @Tags policy
// @Security BearerAuth
// @Produce json
// @Param wallet query string false "wallet address (defaults to the caller's)"
// @Success 200 {object} service.PolicyStatus
// @Router /api/v1/policy/status [get]
func (h *PolicyHandler) status(c *gin.Context) {
	wallet, ok := scopeWallet(c)
	if !ok {
		Error(c, http.StatusForbidden, "wallet not owned by caller", nil)
		return
	}
	target := ""
	if wallet != nil {
		target = *wallet
	}
	out, err := h.Service.GetPolicyStatus(c.Request.Context(), target)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, out, nil)
}

// @Summary Update system policy
// @Tags policy
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param body body service.SystemPolicyUpdate true "fields to change"
// @Success 200 {object} map[string]any
// @Failure 403 {object} map[string]any
// @Router /api/v1/policy/system [put]
func (h *PolicyHandler) updateSystem(c *gin.Context) {
	var req service.SystemPolicyUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	out, err := h.Service.UpdateSystemPolicy(c.Request.Context(), req, auth.Actor(c))
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, out, nil)
}

// @Summary Toggle emergency stop
// @Description Halts every autonomous execution that has not yet broadcast. A reason is required to engage.
// @Tags policy
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param body body emergencyStopRequest true "stop state"
// @Success 200 {object} map[string]any
// @Failure 403 {object} map[string]any
// @Router /api/v1/policy/emergency-stop [post]
func (h *PolicyHandler) emergencyStop(c *gin.Context) {
	var req emergencyStopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	out, err := h.Service.SetEmergencyStop(c.Request.Context(), req.Enabled, req.Reason, auth.Actor(c))
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, out, nil)
}

// @Summary Get risk policy
// @Tags policy
// @Security BearerAuth
// @Produce json
// @Param wallet path string true "wallet address"
// @Success 200 {object} map[string]any
// @Failure 404 {object} map[string]any
// @Router /api/v1/policy/risk/{wallet} [get]
func (h *PolicyHandler) getRisk(c *gin.Context) {
	wallet := strings.TrimSpace(c.Param("wallet"))
	if !ownsWallet(c, wallet) {
		Error(c, http.StatusForbidden, "wallet not owned by caller", nil)
		return
	}
	out, err := h.Service.GetRiskPolicy(c.Request.Context(), wallet)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, out, nil)
}

// @Summary Upsert risk policy
// @Tags policy
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param wallet path string true "wallet address"
// @Param body body service.RiskPolicyInput true "limits"
// @Success 200 {object} map[string]any
// @Failure 400 {object} map[string]any
// @Router /api/v1/policy/risk/{wallet} [put]
func (h *PolicyHandler) putRisk(c *gin.Context) {
	wallet := strings.TrimSpace(c.Param("wallet"))
	if !ownsWallet(c, wallet) {
		Error(c, http.StatusForbidden, "wallet not owned by caller", nil)
		return
	}
	var req service.RiskPolicyInput
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	out, err := h.Service.UpsertRiskPolicy(c.Request.Context(), wallet, req, auth.Actor(c))
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, out, nil)
}
