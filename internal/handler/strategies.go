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

type StrategyHandler struct {
	Service *service.AutopilotService
}

func (h *StrategyHandler) Register(r gin.IRouter) {
	group := r.Group("/strategies")
	group.POST("", h.create)
	group.GET("", h.list)
	group.GET("/:id", h.get)
	group.POST("/:id/activate", h.activate)
	group.POST("/:id/pause", h.pause)
	group.POST("/:id/resume", h.resume)
	group.POST("/:id/execute", h.execute)
	group.POST("/:id/archive", h.archive)
}

type activateStrategyRequest struct {
	SessionKeyID string `json:"session_key_id"`
}

// @Summary Create strategy
// @Tags strategies
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param body body service.CreateStrategyInput true "strategy"
// @Success 200 {object} map[string]any
// @Failure 400 {object} map[string]any
// @Failure 403 {object} map[string]any
// @Router /api/v1/strategies [post]
func (h *StrategyHandler) create(c *gin.Context) {
	var req service.CreateStrategyInput
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
	item, err := h.Service.CreateStrategy(c.Request.Context(), req, auth.Actor(c))
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, item, nil)
}

// @Summary List strategies
// @Tags strategies
// @Security BearerAuth
// @Produce json
// @Param wallet query string false "wallet address (admins only for other wallets)"
// @Param status query string false "draft|pending_session|active|paused|completed|expired|failed"
// @Param include_archived query bool false "include archived strategies"
// @Param limit query int false "limit"
// @Param offset query int false "offset"
// @Param order_by query string false "created_at|updated_at|next_execution_at|name"
// @Param asc query bool false "ascending"
// @Success 200 {object} map[string]any
// @Router /api/v1/strategies [get]
func (h *StrategyHandler) list(c *gin.Context) {
	wallet, ok := scopeWallet(c)
	if !ok {
		Error(c, http.StatusForbidden, "wallet not owned by caller", nil)
		return
	}
	params := repository.ListStrategiesParams{
		Limit:           intQuery(c, "limit", 50),
		Offset:          intQuery(c, "offset", 0),
		WalletAddress:   wallet,
		IncludeArchived: boolQueryDefault(c, "include_archived", false),
		OrderBy: parseOrder(c.Query("order_by"), map[string]string{
			"created_at":        "created_at",
			"updated_at":        "updated_at",
			"next_execution_at": "next_execution_at",
			"name":              "name",
		}),
		Asc: boolQueryPtr(c, "asc"),
	}
	if v := strQueryPtr(c, "status"); v != nil {
		st := models.StrategyStatus(strings.ToLower(*v))
		params.Status = &st
	}
	items, err := h.Service.ListStrategies(c.Request.Context(), params)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, items, pageMeta(params.Limit, params.Offset, len(items)))
}

// @Summary Get strategy
// @Tags strategies
// @Security BearerAuth
// @Produce json
// @Param id path string true "strategy id"
// @Success 200 {object} map[string]any
// @Failure 404 {object} map[string]any
// @Router /api/v1/strategies/{id} [get]
func (h *StrategyHandler) get(c *gin.Context) {
	item, ok := h.load(c)
	if !ok {
		return
	}
	Ok(c, item, nil)
}

// @Summary Activate strategy
// @Description Binds a session key (optional for manual-approval strategies) and schedules the first run.
// @Tags strategies
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path string true "strategy id"
// @Param body body activateStrategyRequest false "session key"
// @Success 200 {object} map[string]any
// @Failure 409 {object} map[string]any
// @Router /api/v1/strategies/{id}/activate [post]
func (h *StrategyHandler) activate(c *gin.Context) {
	item, ok := h.load(c)
	if !ok {
		return
	}
	var req activateStrategyRequest
	_ = c.ShouldBindJSON(&req)
	out, err := h.Service.ActivateStrategy(c.Request.Context(), item.ID, strings.TrimSpace(req.SessionKeyID), auth.Actor(c))
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, out, nil)
}

// @Summary Pause strategy
// @Tags strategies
// @Security BearerAuth
// @Produce json
// @Param id path string true "strategy id"
// @Success 200 {object} map[string]any
// @Failure 409 {object} map[string]any
// @Router /api/v1/strategies/{id}/pause [post]
func (h *StrategyHandler) pause(c *gin.Context) {
	item, ok := h.load(c)
	if !ok {
		return
	}
	out, err := h.Service.PauseStrategy(c.Request.Context(), item.ID, auth.Actor(c))
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, out, nil)
}

// @Summary Resume strategy
// @Tags strategies
// @Security BearerAuth
// @Produce json
// @Param id path string true "strategy id"
// @Success 200 {object} map[string]any
// @Failure 409 {object} map[string]any
// @Router /api/v1/strategies/{id}/resume [post]
func (h *StrategyHandler) resume(c *gin.Context) {
	item, ok := h.load(c)
	if !ok {
		return
	}
	out, err := h.Service.ResumeStrategy(c.Request.Context(), item.ID, auth.Actor(c))
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, out, nil)
}

// @Summary Execute strategy now
// @Tags strategies
// @Security BearerAuth
// @Produce json
// @Param id path string true "strategy id"
// @Success 200 {object} map[string]any
// @Failure 409 {object} map[string]any
// @Router /api/v1/strategies/{id}/execute [post]
func (h *StrategyHandler) execute(c *gin.Context) {
	item, ok := h.load(c)
	if !ok {
		return
	}
	out, err := h.Service.ExecuteNow(c.Request.Context(), item.ID, auth.Actor(c))
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, out, nil)
}

// @Summary Archive strategy
// @Description Cancels executions that have not reached the chain and hides the strategy from default listings.
// @Tags strategies
// @Security BearerAuth
// @Produce json
// @Param id path string true "strategy id"
// @Success 200 {object} map[string]any
// @Failure 409 {object} map[string]any
// @Router /api/v1/strategies/{id}/archive [post]
func (h *StrategyHandler) archive(c *gin.Context) {
	item, ok := h.load(c)
	if !ok {
		return
	}
	out, err := h.Service.ArchiveStrategy(c.Request.Context(), item.ID, auth.Actor(c))
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, out, nil)
}

func (h *StrategyHandler) load(c *gin.Context) (*models.Strategy, bool) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		Error(c, http.StatusBadRequest, "id required", nil)
		return nil, false
	}
	item, err := h.Service.GetStrategy(c.Request.Context(), id)
	if err != nil {
		Fail(c, err)
		return nil, false
	}
	if !ownsWallet(c, item.WalletAddress) {
		Error(c, http.StatusForbidden, "strategy belongs to another wallet", nil)
		return nil, false
	}
	return item, true
}
