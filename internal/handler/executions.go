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

type ExecutionHandler struct {
	Service *service.AutopilotService
}

func (h *ExecutionHandler) Register(r gin.IRouter) {
	group := r.Group("/executions")
	group.GET("", h.list)
	group.GET("/:id", h.get)
	group.POST("/:id/approve", h.approve)
	group.POST("/:id/skip", h.skip)
	group.POST("/:id/cancel", h.cancel)
	group.POST("/:id/pause", h.pause)
	group.POST("/:id/resume", h.resume)
}

type executionReasonRequest struct {
	Reason string `json:"reason"`
}

// @Summary List executions
// @Tags executions
// @Security BearerAuth
// @Produce json
// @Param wallet query string false "wallet address"
// @Param strategy_id query string false "strategy id"
// @Param state query string false "execution state"
// @Param needs_review query bool false "only executions flagged for review"
// @Param limit query int false "limit"
// @Param offset query int false "offset"
// @Param order_by query string false "created_at|updated_at|scheduled_for"
// @Param asc query bool false "ascending"
// @Success 200 {object} map[string]any
// @Router /api/v1/executions [get]
func (h *ExecutionHandler) list(c *gin.Context) {
	wallet, ok := scopeWallet(c)
	if !ok {
		Error(c, http.StatusForbidden, "wallet not owned by caller", nil)
		return
	}
	params := repository.ListExecutionsParams{
		Limit:         intQuery(c, "limit", 50),
		Offset:        intQuery(c, "offset", 0),
		StrategyID:    strQueryPtr(c, "strategy_id"),
		WalletAddress: wallet,
		NeedsReview:   boolQueryPtr(c, "needs_review"),
		OrderBy: parseOrder(c.Query("order_by"), map[string]string{
			"created_at":    "created_at",
			"updated_at":    "updated_at",
			"scheduled_for": "scheduled_for",
		}),
		Asc: boolQueryPtr(c, "asc"),
	}
	if v := strQueryPtr(c, "state"); v != nil {
		st := models.ExecutionState(strings.ToLower(*v))
		params.State = &st
	}
	items, err := h.Service.ListExecutions(c.Request.Context(), params)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, items, pageMeta(params.Limit, params.Offset, len(items)))
}

// @Summary Get execution
// @Description Returns the execution with its steps and state history.
// @Tags executions
// @Security BearerAuth
// @Produce json
// @Param id path string true "execution id"
// @Success 200 {object} map[string]any
// @Failure 404 {object} map[string]any
// @Router /api/v1/executions/{id} [get]
func (h *ExecutionHandler) get(c *gin.Context) {
	item, ok := h.load(c)
	if !ok {
		return
	}
	Ok(c, item, nil)
}

// @Summary Approve execution
// @Description Approves an execution waiting in awaiting_approval. Approving twice is a no-op.
// @Tags executions
// @Security BearerAuth
// @Produce json
// @Param id path string true "execution id"
// @Success 200 {object} map[string]any
// @Failure 409 {object} map[string]any
// @Router /api/v1/executions/{id}/approve [post]
func (h *ExecutionHandler) approve(c *gin.Context) {
	item, ok := h.load(c)
	if !ok {
		return
	}
	out, err := h.Service.ApproveExecution(c.Request.Context(), item.ID, auth.Actor(c))
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, out, nil)
}

// @Summary Skip execution
// @Tags executions
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path string true "execution id"
// @Param body body executionReasonRequest false "reason"
// @Success 200 {object} map[string]any
// @Failure 409 {object} map[string]any
// @Router /api/v1/executions/{id}/skip [post]
func (h *ExecutionHandler) skip(c *gin.Context) {
	item, ok := h.load(c)
	if !ok {
		return
	}
	var req executionReasonRequest
	_ = c.ShouldBindJSON(&req)
	out, err := h.Service.SkipExecution(c.Request.Context(), item.ID, auth.Actor(c), req.Reason)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, out, nil)
}

// @Summary Cancel execution
// @Tags executions
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path string true "execution id"
// @Param body body executionReasonRequest false "reason"
// @Success 200 {object} map[string]any
// @Failure 409 {object} map[string]any
// @Router /api/v1/executions/{id}/cancel [post]
func (h *ExecutionHandler) cancel(c *gin.Context) {
	item, ok := h.load(c)
	if !ok {
		return
	}
	var req executionReasonRequest
	_ = c.ShouldBindJSON(&req)
	out, err := h.Service.CancelExecution(c.Request.Context(), item.ID, auth.Actor(c), req.Reason)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, out, nil)
}

// @Summary Pause execution
// @Tags executions
// @Security BearerAuth
// @Produce json
// @Param id path string true "execution id"
// @Success 200 {object} map[string]any
// @Failure 409 {object} map[string]any
// @Router /api/v1/executions/{id}/pause [post]
func (h *ExecutionHandler) pause(c *gin.Context) {
	item, ok := h.load(c)
	if !ok {
		return
	}
	out, err := h.Service.PauseExecution(c.Request.Context(), item.ID, auth.Actor(c))
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, out, nil)
}

// @Summary Resume execution
// @Tags executions
// @Security BearerAuth
// @Produce json
// @Param id path string true "execution id"
// @Success 200 {object} map[string]any
// @Failure 409 {object} map[string]any
// @Router /api/v1/executions/{id}/resume [post]
func (h *ExecutionHandler) resume(c *gin.Context) {
	item, ok := h.load(c)
	if !ok {
		return
	}
	out, err := h.Service.ResumeExecution(c.Request.Context(), item.ID, auth.Actor(c))
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, out, nil)
}

func (h *ExecutionHandler) load(c *gin.Context) (*models.Execution, bool) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		Error(c, http.StatusBadRequest, "id required", nil)
		return nil, false
	}
	item, err := h.Service.GetExecution(c.Request.Context(), id)
	if err != nil {
		Fail(c, err)
		return nil, false
	}
	if !ownsWallet(c, item.WalletAddress) {
		Error(c, http.StatusForbidden, "execution belongs to another wallet", nil)
		return nil, false
	}
	return item, true
}
