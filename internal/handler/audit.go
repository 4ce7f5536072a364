package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"sherpa/internal/repository"
	"sherpa/internal/service"
)

type AuditHandler struct {
	Service *service.AutopilotService
}

func (h *AuditHandler) Register(r gin.IRouter) {
	r.GET("/audit", h.list)
}

// @Summary List audit entries
// @Tags audit
// @Security BearerAuth
// @Produce json
// @Param wallet query string false "wallet address"
// @Param kind query string false "decision|transition|policy|session_key|strategy"
// @Param entity_id query string false "entity id"
// @Param since query string false "RFC3339 timestamp or lookback like 24h"
// @Param limit query int false "limit"
// @Param offset query int false "offset"
// @Param asc query bool false "ascending"
// @Success 200 {object} map[string]any
// @Router /api/v1/audit [get]
func (h *AuditHandler) list(c *gin.Context) {
	wallet, ok := scopeWallet(c)
	if !ok {
		Error(c, http.StatusForbidden, "wallet not owned by caller", nil)
		return
	}
	params := repository.ListAuditParams{
		Limit:    intQuery(c, "limit", 100),
		Offset:   intQuery(c, "offset", 0),
		Kind:     strQueryPtr(c, "kind"),
		EntityID: strQueryPtr(c, "entity_id"),
		Wallet:   wallet,
		Since:    timeQueryPtr(c, "since"),
		Asc:      boolQueryPtr(c, "asc"),
	}
	items, err := h.Service.ListAudit(c.Request.Context(), params)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, items, pageMeta(params.Limit, params.Offset, len(items)))
}
