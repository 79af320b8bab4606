package ledger

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/gigmarket/orderflow/internal/apperr"
	"github.com/gigmarket/orderflow/internal/auth"
	"github.com/gigmarket/orderflow/internal/validation"
)

// Handler exposes balances and journal history.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler.
func NewHandler(l *Ledger) *Handler {
	return &Handler{ledger: l}
}

// RegisterProtectedRoutes sets up routes for authenticated account owners.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/me/balance", h.MyBalance)
	r.GET("/accounts/me/entries", h.MyEntries)
}

// RegisterAdminRoutes sets up admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:id", validation.IDParamMiddleware(), h.AdminAccount)
}

// MyBalance handles GET /v1/accounts/me/balance
func (h *Handler) MyBalance(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	acct, err := h.ledger.Balance(c.Request.Context(), actor.ID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// MyEntries handles GET /v1/accounts/me/entries?limit=
func (h *Handler) MyEntries(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	h.respondEntries(c, actor.ID)
}

// AdminAccount handles GET /v1/admin/accounts/:id, with recent history.
func (h *Handler) AdminAccount(c *gin.Context) {
	id := c.Param("id")
	acct, err := h.ledger.Balance(c.Request.Context(), id)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	entries, err := h.ledger.History(c.Request.Context(), id, limitParam(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"account": acct, "entries": entries})
}

func (h *Handler) respondEntries(c *gin.Context, accountID string) {
	entries, err := h.ledger.History(c.Request.Context(), accountID, limitParam(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func limitParam(c *gin.Context) int {
	n, _ := strconv.Atoi(c.Query("limit"))
	return n
}
