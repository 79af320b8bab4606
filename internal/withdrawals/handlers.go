package withdrawals

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gigmarket/orderflow/internal/apperr"
	"github.com/gigmarket/orderflow/internal/auth"
	"github.com/gigmarket/orderflow/internal/pagination"
	"github.com/gigmarket/orderflow/internal/validation"
)

// Handler provides HTTP endpoints for withdrawals.
type Handler struct {
	service *Service
}

// NewHandler creates a new withdrawal handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up routes for authenticated account owners.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/withdrawals", h.Request)
	r.GET("/withdrawals", h.List)
	r.GET("/withdrawals/:id", validation.IDParamMiddleware(), h.Get)
}

// RegisterAdminRoutes sets up admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/withdrawals", h.ListAll)
	r.POST("/withdrawals/:id/settle", validation.IDParamMiddleware(), h.Settle)
}

// RegisterWebhookRoutes sets up the payout callback behind callbackAuth.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup, callbackAuth gin.HandlerFunc) {
	r.POST("/webhooks/payouts", callbackAuth, h.PayoutWebhook)
}

func actor(c *gin.Context) auth.Actor {
	a, _ := auth.ActorFrom(c)
	return a
}

// Request handles POST /v1/withdrawals
func (h *Handler) Request(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadBody(c)
		return
	}
	req.AccountName = validation.SanitizeString(req.AccountName, 100)

	w, err := h.service.Request(c.Request.Context(), actor(c), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"withdrawal": w})
}

// List handles GET /v1/withdrawals
func (h *Handler) List(c *gin.Context) {
	h.listPage(c, func(cursor *pagination.Cursor, limit int) ([]*Withdrawal, error) {
		return h.service.List(c.Request.Context(), actor(c), cursor, limit)
	})
}

// ListAll handles GET /v1/admin/withdrawals?status=
func (h *Handler) ListAll(c *gin.Context) {
	status := strings.ToLower(strings.TrimSpace(c.Query("status")))
	if status != "" {
		if errs := validation.Validate(validation.OneOf("status", status,
			string(StatusPending), string(StatusSuccess), string(StatusFailed))); len(errs) > 0 {
			validation.Respond(c, errs)
			return
		}
	}
	h.listPage(c, func(cursor *pagination.Cursor, limit int) ([]*Withdrawal, error) {
		return h.service.ListAll(c.Request.Context(), actor(c), Status(status), cursor, limit)
	})
}

func (h *Handler) listPage(c *gin.Context, fetch func(*pagination.Cursor, int) ([]*Withdrawal, error)) {
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	limit := pagination.ParseLimit(c.Query("limit"))

	items, err := fetch(cursor, limit+1)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	page, next, more := pagination.ComputePage(items, limit, func(w *Withdrawal) (time.Time, string) {
		return w.CreatedAt, w.ID
	})
	if page == nil {
		page = []*Withdrawal{}
	}
	c.JSON(http.StatusOK, gin.H{
		"withdrawals": page,
		"count":       len(page),
		"nextCursor":  next,
		"hasMore":     more,
	})
}

// Get handles GET /v1/withdrawals/:id
func (h *Handler) Get(c *gin.Context) {
	w, err := h.service.Get(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": w})
}

type settleRequest struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason"`
}

// Settle handles POST /v1/admin/withdrawals/:id/settle
func (h *Handler) Settle(c *gin.Context) {
	var req settleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadBody(c)
		return
	}
	if errs := validation.Validate(validation.OneOf("status", req.Status, string(StatusSuccess), string(StatusFailed))); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}
	w, err := h.service.Settle(c.Request.Context(), actor(c), c.Param("id"), Status(req.Status),
		validation.SanitizeString(req.Reason, 500))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": w})
}

// disbursementCallback is the provider's payout notification body.
type disbursementCallback struct {
	ID          string `json:"id"`
	ExternalID  string `json:"external_id"`
	Status      string `json:"status"`
	FailureCode string `json:"failure_code"`
}

// PayoutWebhook handles POST /v1/webhooks/payouts
func (h *Handler) PayoutWebhook(c *gin.Context) {
	var cb disbursementCallback
	if err := c.ShouldBindJSON(&cb); err != nil {
		apperr.BadBody(c)
		return
	}
	res, err := h.service.HandlePayoutEvent(c.Request.Context(), PayoutEvent{
		ExternalRef: cb.ExternalID,
		Status:      cb.Status,
		ProviderID:  cb.ID,
		FailureCode: cb.FailureCode,
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
