//go:build integration

package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigmarket/orderflow/internal/testutil"
)

func TestPostgresStore_CatalogItems(t *testing.T) {
	ctx := context.Background()
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	s := NewPostgresStore(db)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, title := range []string{"Logo", "Landing page", "Pitch deck"} {
		require.NoError(t, s.Create(ctx, &Item{
			ID:            "item_" + title,
			SellerID:      "seller1",
			Title:         title,
			Price:         int64(100_000 * (i + 1)),
			DeliveryDays:  3 + i,
			RevisionLimit: i,
			CreatedAt:     base.Add(time.Duration(i) * time.Hour),
			UpdatedAt:     base.Add(time.Duration(i) * time.Hour),
		}))
	}

	got, err := s.Get(ctx, "item_Landing page")
	require.NoError(t, err)
	assert.Equal(t, int64(200_000), got.Price)
	assert.Equal(t, 4, got.DeliveryDays)
	assert.Equal(t, 1, got.RevisionLimit)

	_, err = s.Get(ctx, "item_missing")
	assert.ErrorIs(t, err, ErrNotFound)

	items, err := s.ListBySeller(ctx, "seller1", 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "Pitch deck", items[0].Title, "newest first")

	require.NoError(t, s.IncrementSales(ctx, "item_Logo", 1))
	got, err = s.Get(ctx, "item_Logo")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Sales)

	assert.ErrorIs(t, s.IncrementSales(ctx, "item_missing", 1), ErrNotFound)
}
