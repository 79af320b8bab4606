// Package catalog holds the purchasable items sellers list. Orders snapshot
// an item's price, delivery days and revision limit at payment time.
package catalog

import (
	"context"
	"strings"
	"time"

	"github.com/gigmarket/orderflow/internal/apperr"
	"github.com/gigmarket/orderflow/internal/auth"
	"github.com/gigmarket/orderflow/internal/idgen"
)

var ErrNotFound = apperr.New(apperr.NotFound, "catalog_item_not_found", "catalog item not found")

// Item is a purchasable listing.
type Item struct {
	ID            string    `json:"id"`
	SellerID      string    `json:"sellerId"`
	Title         string    `json:"title"`
	Price         int64     `json:"price"`
	DeliveryDays  int       `json:"deliveryDays"`
	RevisionLimit int       `json:"revisionLimit"`
	Sales         int64     `json:"sales"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Store persists catalog items.
type Store interface {
	Create(ctx context.Context, item *Item) error
	Get(ctx context.Context, id string) (*Item, error)
	ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Item, error)
	IncrementSales(ctx context.Context, id string, delta int64) error
}

// Limits bound what a listing may ask for.
type Limits struct {
	MaxPrice        int64
	MaxDeliveryDays int
}

// CreateRequest lists a new item.
type CreateRequest struct {
	Title         string `json:"title" binding:"required"`
	Price         int64  `json:"price" binding:"required"`
	DeliveryDays  int    `json:"deliveryDays" binding:"required"`
	RevisionLimit int    `json:"revisionLimit"`
}

// Service implements catalog business logic.
type Service struct {
	store  Store
	limits Limits
	now    func() time.Time
}

// NewService creates a catalog service.
func NewService(store Store, limits Limits) *Service {
	return &Service{store: store, limits: limits, now: time.Now}
}

// Create lists an item owned by the calling seller.
func (s *Service) Create(ctx context.Context, actor auth.Actor, req CreateRequest) (*Item, error) {
	if actor.ID == "" || actor.IsSystem() {
		return nil, apperr.New(apperr.Forbidden, "forbidden", "sellers must be authenticated")
	}
	title := strings.TrimSpace(req.Title)
	switch {
	case title == "":
		return nil, apperr.Invalid("title is required")
	case req.Price <= 0 || req.Price > s.limits.MaxPrice:
		return nil, apperr.Invalid("price must be between 1 and %d", s.limits.MaxPrice)
	case req.DeliveryDays <= 0 || req.DeliveryDays > s.limits.MaxDeliveryDays:
		return nil, apperr.Invalid("deliveryDays must be between 1 and %d", s.limits.MaxDeliveryDays)
	case req.RevisionLimit < 0:
		return nil, apperr.Invalid("revisionLimit cannot be negative")
	}
	now := s.now()
	item := &Item{
		ID:            idgen.WithPrefix("itm_"),
		SellerID:      actor.ID,
		Title:         title,
		Price:         req.Price,
		DeliveryDays:  req.DeliveryDays,
		RevisionLimit: req.RevisionLimit,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// Get returns an item.
func (s *Service) Get(ctx context.Context, id string) (*Item, error) {
	return s.store.Get(ctx, id)
}

// ListBySeller returns a seller's items, newest first.
func (s *Service) ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Item, error) {
	return s.store.ListBySeller(ctx, sellerID, limit)
}

// IncrementSales bumps the item's sales counter.
func (s *Service) IncrementSales(ctx context.Context, id string, delta int64) error {
	return s.store.IncrementSales(ctx, id, delta)
}
