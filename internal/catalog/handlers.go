package catalog

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gigmarket/orderflow/internal/apperr"
	"github.com/gigmarket/orderflow/internal/auth"
	"github.com/gigmarket/orderflow/internal/pagination"
	"github.com/gigmarket/orderflow/internal/validation"
)

// Handler provides HTTP endpoints for catalog items.
type Handler struct {
	service *Service
}

// NewHandler creates a new catalog handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) catalog routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/catalog/:itemId", validation.IDParamMiddleware("itemId"), h.GetItem)
	r.GET("/sellers/:sellerId/catalog", validation.IDParamMiddleware("sellerId"), h.ListItems)
}

// RegisterProtectedRoutes sets up routes for authenticated sellers.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/catalog", h.CreateItem)
}

// CreateItem handles POST /v1/catalog
func (h *Handler) CreateItem(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadBody(c)
		return
	}
	req.Title = validation.SanitizeString(req.Title, 200)
	a, _ := auth.ActorFrom(c)
	item, err := h.service.Create(c.Request.Context(), a, req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"item": item})
}

// GetItem handles GET /v1/catalog/:itemId
func (h *Handler) GetItem(c *gin.Context) {
	item, err := h.service.Get(c.Request.Context(), c.Param("itemId"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"item": item})
}

// ListItems handles GET /v1/sellers/:sellerId/catalog
func (h *Handler) ListItems(c *gin.Context) {
	items, err := h.service.ListBySeller(c.Request.Context(), c.Param("sellerId"), pagination.ParseLimit(c.Query("limit")))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if items == nil {
		items = []*Item{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}
