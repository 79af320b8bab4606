package orders

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gigmarket/orderflow/internal/apperr"
	"github.com/gigmarket/orderflow/internal/auth"
	"github.com/gigmarket/orderflow/internal/pagination"
	"github.com/gigmarket/orderflow/internal/payments"
	"github.com/gigmarket/orderflow/internal/validation"
)

// WebhookParser verifies and decodes a signed provider webhook.
type WebhookParser interface {
	ParseWebhook(payload []byte, signature string) (*payments.Event, error)
}

// Handler provides HTTP endpoints for order operations.
type Handler struct {
	service    *Service
	reconciler *Reconciler
	scheduler  Scheduler
	stripe     WebhookParser
}

// NewHandler creates a new order handler.
func NewHandler(service *Service, reconciler *Reconciler) *Handler {
	return &Handler{service: service, reconciler: reconciler}
}

// WithScheduler exposes a manual sweep trigger to admins.
func (h *Handler) WithScheduler(s Scheduler) *Handler {
	h.scheduler = s
	return h
}

// WithStripe enables the Stripe webhook route.
func (h *Handler) WithStripe(p WebhookParser) *Handler {
	h.stripe = p
	return h
}

// RegisterRoutes sets up public routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/catalog/:itemId/active-order", validation.IDParamMiddleware("itemId"), h.HasActiveOrder)
}

// RegisterProtectedRoutes sets up routes for authenticated buyers and sellers.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/orders/intents", h.CreatePaymentIntent)
	r.GET("/orders", h.ListOrders)

	o := r.Group("/orders/:id", validation.IDParamMiddleware())
	o.GET("", h.GetOrder)
	o.POST("/accept", h.Accept)
	o.POST("/complete", h.Complete)
	o.POST("/reject", h.Reject)
	o.POST("/progress", h.UpdateProgress)
	o.POST("/extra", h.RequestExtra)
	o.POST("/extra/pay", h.PayExtra)
	o.POST("/extra/reject", h.RejectExtra)
	o.POST("/revisions", h.RequestRevision)
	o.POST("/revisions/respond", h.RespondRevision)
	o.POST("/dispute", h.ReportDispute)
	o.POST("/dispute/respond", h.RespondDispute)
}

// RegisterAdminRoutes sets up admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/orders", h.AdminListOrders)
	r.GET("/orders/summary", h.AdminSummary)
	r.POST("/orders/:id/dispute/resolve", validation.IDParamMiddleware(), h.ResolveDispute)
	r.POST("/orders/:id/fail", validation.IDParamMiddleware(), h.Fail)
	r.POST("/sweeps", h.RunSweep)
}

// RegisterWebhookRoutes sets up provider callbacks. The generic payment
// callback must sit behind the callback-token check.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup, callbackAuth gin.HandlerFunc) {
	r.POST("/webhooks/payments", callbackAuth, h.PaymentWebhook)
	if h.stripe != nil {
		r.POST("/webhooks/stripe", h.StripeWebhook)
	}
}

func actor(c *gin.Context) auth.Actor {
	a, _ := auth.ActorFrom(c)
	return a
}

// CreatePaymentIntent handles POST /v1/orders/intents
func (h *Handler) CreatePaymentIntent(c *gin.Context) {
	var req PaymentIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadBody(c)
		return
	}
	intent, err := h.service.CreatePaymentIntent(c.Request.Context(), actor(c), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"intent": intent})
}

// ListOrders handles GET /v1/orders?as=buyer|seller
func (h *Handler) ListOrders(c *gin.Context) {
	as := c.DefaultQuery("as", "buyer")
	if errs := validation.Validate(validation.OneOf("as", as, "buyer", "seller")); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}
	f, limit := listFilter(c)
	orders, err := h.service.ListMine(c.Request.Context(), actor(c), as == "seller", f)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	respondPage(c, orders, limit)
}

// AdminListOrders handles GET /v1/admin/orders?status=&disputed=true
func (h *Handler) AdminListOrders(c *gin.Context) {
	f, limit := listFilter(c)
	f.Status = Status(c.Query("status"))
	f.DisputeActive = c.Query("disputed") == "true"
	orders, err := h.service.ListAll(c.Request.Context(), actor(c), f)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	respondPage(c, orders, limit)
}

func listFilter(c *gin.Context) (ListFilter, int) {
	limit := pagination.ParseLimit(c.Query("limit"))
	return ListFilter{Cursor: c.Query("cursor"), Limit: limit + 1}, limit
}

func respondPage(c *gin.Context, orders []*Order, limit int) {
	page, next, more := pagination.ComputePage(orders, limit, func(o *Order) (time.Time, string) {
		return o.CreatedAt, o.ID
	})
	if page == nil {
		page = []*Order{}
	}
	c.JSON(http.StatusOK, gin.H{
		"orders":     page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    more,
	})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order":           o,
		"disputeDeadline": o.DisputeDeadline(h.service.policy.DisputeWindow),
	})
}

// orderAction adapts a service call taking only (ctx, actor, id).
func (h *Handler) orderAction(c *gin.Context, fn func(ctx context.Context, a auth.Actor, id string) (*Order, error)) {
	o, err := fn(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// Accept handles POST /v1/orders/:id/accept
func (h *Handler) Accept(c *gin.Context) { h.orderAction(c, h.service.Accept) }

// Complete handles POST /v1/orders/:id/complete
func (h *Handler) Complete(c *gin.Context) { h.orderAction(c, h.service.Complete) }

// Reject handles POST /v1/orders/:id/reject
func (h *Handler) Reject(c *gin.Context) { h.orderAction(c, h.service.Reject) }

// RejectExtra handles POST /v1/orders/:id/extra/reject
func (h *Handler) RejectExtra(c *gin.Context) { h.orderAction(c, h.service.RejectExtra) }

// RequestRevision handles POST /v1/orders/:id/revisions
func (h *Handler) RequestRevision(c *gin.Context) { h.orderAction(c, h.service.RequestRevisionUse) }

// UpdateProgress handles POST /v1/orders/:id/progress
func (h *Handler) UpdateProgress(c *gin.Context) {
	var req struct {
		ProgressStatus ProgressStatus `json:"progressStatus" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadBody(c)
		return
	}
	o, err := h.service.UpdateProgress(c.Request.Context(), actor(c), c.Param("id"), req.ProgressStatus)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// RequestExtra handles POST /v1/orders/:id/extra
func (h *Handler) RequestExtra(c *gin.Context) {
	var req ExtraProposal
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadBody(c)
		return
	}
	if errs := validation.Validate(
		validation.Required("description", req.Description),
		validation.MaxLength("description", req.Description, validation.MaxStringLength),
		validation.Positive("amount", req.Amount),
		validation.NonNegative("extraDays", req.ExtraDays),
	); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}
	o, intent, err := h.service.RequestExtra(c.Request.Context(), actor(c), c.Param("id"), req)
	if err != nil && o == nil {
		apperr.Respond(c, err)
		return
	}
	if err != nil {
		// The request is recorded; only the invoice failed. The buyer can
		// retry through /extra/pay.
		c.JSON(http.StatusAccepted, gin.H{"order": o, "error": apperr.Code(err), "message": apperr.Message(err)})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": o, "intent": intent})
}

// PayExtra handles POST /v1/orders/:id/extra/pay
func (h *Handler) PayExtra(c *gin.Context) {
	intent, err := h.service.PayExtra(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"intent": intent})
}

// RespondRevision handles POST /v1/orders/:id/revisions/respond
func (h *Handler) RespondRevision(c *gin.Context) {
	var req struct {
		Approve *bool `json:"approve" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadBody(c)
		return
	}
	o, err := h.service.RespondRevisionUse(c.Request.Context(), actor(c), c.Param("id"), *req.Approve)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ReportDispute handles POST /v1/orders/:id/dispute
func (h *Handler) ReportDispute(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadBody(c)
		return
	}
	reason := validation.SanitizeString(req.Reason, validation.MaxStringLength)
	o, err := h.service.ReportDispute(c.Request.Context(), actor(c), c.Param("id"), reason)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order":           o,
		"disputeDeadline": o.DisputeDeadline(h.service.policy.DisputeWindow),
	})
}

// RespondDispute handles POST /v1/orders/:id/dispute/respond
func (h *Handler) RespondDispute(c *gin.Context) {
	var req struct {
		Response string `json:"response" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadBody(c)
		return
	}
	response := validation.SanitizeString(req.Response, validation.MaxStringLength)
	o, err := h.service.RespondDispute(c.Request.Context(), actor(c), c.Param("id"), response)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ResolveDispute handles POST /v1/admin/orders/:id/dispute/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req struct {
		Action ResolutionAction `json:"action" binding:"required"`
		Note   string           `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadBody(c)
		return
	}
	note := validation.SanitizeString(req.Note, validation.MaxStringLength)
	o, err := h.service.ResolveDispute(c.Request.Context(), actor(c), c.Param("id"), req.Action, note)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// Fail handles POST /v1/admin/orders/:id/fail
func (h *Handler) Fail(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadBody(c)
		return
	}
	o, err := h.service.Fail(c.Request.Context(), actor(c), c.Param("id"), req.Reason)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// AdminSummary handles GET /v1/admin/orders/summary?since=RFC3339
func (h *Handler) AdminSummary(c *gin.Context) {
	var since time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			validation.Respond(c, validation.ValidationErrors{{Field: "since", Message: "must be an RFC3339 timestamp"}})
			return
		}
		since = t
	}
	sum, err := h.service.Summary(c.Request.Context(), actor(c), since)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": sum})
}

// RunSweep handles POST /v1/admin/sweeps
func (h *Handler) RunSweep(c *gin.Context) {
	if h.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "scheduler_disabled",
			"message": "Scheduler is not configured",
		})
		return
	}
	res, err := h.scheduler.Sweep(c.Request.Context())
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sweep": res})
}

// HasActiveOrder handles GET /v1/catalog/:itemId/active-order
func (h *Handler) HasActiveOrder(c *gin.Context) {
	active, err := h.service.HasActiveOrder(c.Request.Context(), c.Param("itemId"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"catalogItemId": c.Param("itemId"), "hasActiveOrder": active})
}

// invoiceCallback is the hosted-invoice provider's callback body. The
// camelCase fields carry the same values for callers posting a
// PaymentEvent directly.
type invoiceCallback struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id"`
	Status     string `json:"status"`
	PayerEmail string `json:"payer_email"`

	ExternalRef     string `json:"externalRef"`
	PayerEmailCamel string `json:"payerEmail"`
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// PaymentWebhook handles POST /v1/webhooks/payments
func (h *Handler) PaymentWebhook(c *gin.Context) {
	var cb invoiceCallback
	if err := c.ShouldBindJSON(&cb); err != nil {
		apperr.BadBody(c)
		return
	}
	h.reconcile(c, PaymentEvent{
		Source:      "invoice",
		ExternalRef: firstNonEmpty(cb.ExternalID, cb.ExternalRef),
		Status:      cb.Status,
		PayerEmail:  firstNonEmpty(cb.PayerEmail, cb.PayerEmailCamel),
		ProviderID:  cb.ID,
	})
}

// StripeWebhook handles POST /v1/webhooks/stripe
func (h *Handler) StripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		apperr.BadBody(c)
		return
	}
	ev, err := h.stripe.ParseWebhook(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if ev == nil {
		// Event type we do not act on.
		c.JSON(http.StatusOK, gin.H{"outcome": OutcomeIgnored})
		return
	}
	h.reconcile(c, PaymentEvent{
		Source:      "stripe",
		ExternalRef: ev.ExternalRef,
		Status:      ev.Status,
		PayerEmail:  ev.PayerEmail,
		ProviderID:  ev.ProviderID,
	})
}

func (h *Handler) reconcile(c *gin.Context, ev PaymentEvent) {
	res, err := h.reconciler.HandlePaymentEvent(c.Request.Context(), ev)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
