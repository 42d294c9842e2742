package rewards

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/lootcore/internal/logging"
	"github.com/mbd888/lootcore/internal/protocol"
	"github.com/mbd888/lootcore/internal/validation"
)

// Handler provides HTTP endpoints for the reward service.
type Handler struct {
	service *Service
}

// NewHandler creates a new reward handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the public RPC and read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/open_container", h.OpenContainer)
	r.POST("/keep_reward", h.KeepReward)
	r.POST("/liquidate_reward", h.LiquidateReward)
	r.GET("/containers", h.ListContainers)

	actors := r.Group("/actors/:actor", validation.IdentifierParamMiddleware("actor"))
	actors.GET("/balance", h.GetBalance)
	actors.GET("/rewards", h.ListRewards)
	actors.GET("/outcomes/:key", validation.IdentifierParamMiddleware("key"), h.GetOutcome)
}

// RegisterAdminRoutes sets up operator routes. The caller guards r.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	actors := r.Group("/actors/:actor", validation.IdentifierParamMiddleware("actor"))
	actors.POST("/credit", h.Credit)
	actors.POST("/allowance", h.GrantAllowance)
}

// statusFor maps a failure code to an HTTP status. Only non-business
// errors produce 5xx, which clients treat as an unknown outcome.
func statusFor(code string) int {
	switch code {
	case protocol.CodeInvalidInput:
		return http.StatusBadRequest
	case protocol.CodeRateLimited:
		return http.StatusTooManyRequests
	case protocol.CodeInsufficientFunds, protocol.CodeNoAllowance:
		return http.StatusPaymentRequired
	case protocol.CodeUnknownContainer, protocol.CodeNotFound:
		return http.StatusNotFound
	case protocol.CodeAlreadyClaimed, protocol.CodeValueMismatch:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// failure resolves err into a wire failure and status.
func failure(c *gin.Context, err error) (*protocol.Failure, int) {
	if f := Failure(err); f != nil {
		if f.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(f.RetryAfter.Seconds()))))
		}
		return f, statusFor(f.Code)
	}
	logging.L(c.Request.Context()).Error("reward request failed", "path", c.FullPath(), "error", err)
	return &protocol.Failure{Code: protocol.CodeInternal, Message: "internal error"}, http.StatusInternalServerError
}

func badBody(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"success": false,
		"error":   protocol.CodeInvalidInput,
		"message": "Invalid request body",
	})
}

// OpenContainer handles POST /v1/open_container
func (h *Handler) OpenContainer(c *gin.Context) {
	var req protocol.OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}

	res, err := h.service.OpenContainer(c.Request.Context(), req)
	if err != nil {
		f, status := failure(c, err)
		c.JSON(status, protocol.OpenResponse{
			Error:        f.Code,
			Message:      f.Message,
			Required:     f.Required,
			Current:      f.Current,
			RetryAfterMs: protocol.RetryAfterMillis(f.RetryAfter),
		})
		return
	}

	c.JSON(http.StatusOK, res.Response())
}

// KeepReward handles POST /v1/keep_reward
func (h *Handler) KeepReward(c *gin.Context) {
	var req protocol.KeepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}

	res, err := h.service.KeepReward(c.Request.Context(), req)
	if err != nil {
		f, status := failure(c, err)
		c.JSON(status, protocol.KeepResponse{
			Error:        f.Code,
			Message:      f.Message,
			RetryAfterMs: protocol.RetryAfterMillis(f.RetryAfter),
		})
		return
	}

	c.JSON(http.StatusOK, protocol.KeepResponse{Success: true, NewBalance: res.Balance, Credited: res.Credited})
}

// LiquidateReward handles POST /v1/liquidate_reward
func (h *Handler) LiquidateReward(c *gin.Context) {
	var req protocol.LiquidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}

	res, err := h.service.LiquidateReward(c.Request.Context(), req)
	if err != nil {
		f, status := failure(c, err)
		c.JSON(status, protocol.LiquidateResponse{
			Error:        f.Code,
			Message:      f.Message,
			RetryAfterMs: protocol.RetryAfterMillis(f.RetryAfter),
		})
		return
	}

	c.JSON(http.StatusOK, protocol.LiquidateResponse{Success: true, NewBalance: res.Balance, Credited: res.Credited})
}

// ListContainers handles GET /v1/containers
func (h *Handler) ListContainers(c *gin.Context) {
	containers := h.service.Containers()
	c.JSON(http.StatusOK, gin.H{
		"containers": containers,
		"count":      len(containers),
	})
}

// GetBalance handles GET /v1/actors/:actor/balance
func (h *Handler) GetBalance(c *gin.Context) {
	acct, err := h.service.Balance(c.Request.Context(), c.Param("actor"))
	if err != nil {
		f, status := failure(c, err)
		c.JSON(status, protocol.ErrorResponse{Error: f.Code, Message: f.Message})
		return
	}

	c.JSON(http.StatusOK, protocol.BalanceResponse{
		ActorID:   acct.ActorID,
		Balance:   acct.Balance,
		FreeOpens: acct.FreeOpens,
		AdCredits: acct.AdCredits,
	})
}

// GetOutcome handles GET /v1/actors/:actor/outcomes/:key
func (h *Handler) GetOutcome(c *gin.Context) {
	rec, err := h.service.LookupOutcome(c.Request.Context(), c.Param("actor"), c.Param("key"))
	if err != nil {
		f, status := failure(c, err)
		c.JSON(status, protocol.OpenResponse{Error: f.Code, Message: f.Message})
		return
	}

	c.JSON(http.StatusOK, (&OpenResult{Record: rec, Replayed: true}).Response())
}

// ListRewards handles GET /v1/actors/:actor/rewards
func (h *Handler) ListRewards(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	page, err := h.service.ListRewards(c.Request.Context(), c.Param("actor"), c.Query("cursor"), limit)
	if err != nil {
		f, status := failure(c, err)
		c.JSON(status, protocol.ErrorResponse{Error: f.Code, Message: f.Message})
		return
	}

	resp := gin.H{
		"rewards":  page.Items,
		"count":    len(page.Items),
		"has_more": page.HasMore,
	}
	if page.HasMore {
		resp["next_cursor"] = page.NextCursor
	}
	c.JSON(http.StatusOK, resp)
}

// CreditRequest is the admin credit body. Negative amounts debit.
type CreditRequest struct {
	Amount int64 `json:"amount" binding:"required"`
}

// AllowanceRequest is the admin allowance body.
type AllowanceRequest struct {
	Mode  protocol.PaymentMode `json:"mode" binding:"required"`
	Count int64                `json:"count" binding:"required"`
}

// Credit handles POST /v1/admin/actors/:actor/credit
func (h *Handler) Credit(c *gin.Context) {
	var req CreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}

	acct, err := h.service.Credit(c.Request.Context(), c.Param("actor"), req.Amount)
	if err != nil {
		f, status := failure(c, err)
		c.JSON(status, protocol.ErrorResponse{Error: f.Code, Message: f.Message})
		return
	}

	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// GrantAllowance handles POST /v1/admin/actors/:actor/allowance
func (h *Handler) GrantAllowance(c *gin.Context) {
	var req AllowanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}

	acct, err := h.service.GrantAllowance(c.Request.Context(), c.Param("actor"), req.Mode, req.Count)
	if err != nil {
		f, status := failure(c, err)
		c.JSON(status, protocol.ErrorResponse{Error: f.Code, Message: f.Message})
		return
	}

	c.JSON(http.StatusOK, gin.H{"account": acct})
}
