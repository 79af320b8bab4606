package orders

import (
	"context"
	"time"

	"github.com/gigmarket/orderflow/internal/ledger"
)

// CorrelationKind tells the reconciler which branch an inbound payment
// belongs to.
type CorrelationKind string

const (
	CorrelationOrder CorrelationKind = "order"
	CorrelationExtra CorrelationKind = "extra"
)

// Correlation maps the external reference handed to the payment provider
// back to what it pays for. It is written before the provider ever sees
// the reference.
type Correlation struct {
	ExternalRef    string          `json:"externalRef"`
	Kind           CorrelationKind `json:"kind"`
	CatalogItemID  string          `json:"catalogItemId,omitempty"`
	BuyerID        string          `json:"buyerId,omitempty"`
	RelatedOrderID string          `json:"relatedOrderId,omitempty"`
	ExtraRequestID string          `json:"extraRequestId,omitempty"`
	Amount         int64           `json:"amount"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// ListFilter narrows order listings. Zero values match everything.
type ListFilter struct {
	BuyerID       string
	SellerID      string
	Status        Status
	DisputeActive bool
	Cursor        string
	Limit         int
}

// Summary is the admin dashboard rollup.
type Summary struct {
	TotalOrders     int            `json:"totalOrders"`
	ByStatus        map[Status]int `json:"byStatus"`
	GrossRevenue    int64          `json:"grossRevenue"`
	PlatformRevenue int64          `json:"platformRevenue"`
	HeldEscrow      int64          `json:"heldEscrow"`
	OpenDisputes    int            `json:"openDisputes"`
	Monthly         []MonthlyTotal `json:"monthly"`
}

// MonthlyTotal is completed-order revenue for one calendar month (UTC).
type MonthlyTotal struct {
	Month           string `json:"month"`
	Orders          int    `json:"orders"`
	GrossRevenue    int64  `json:"grossRevenue"`
	PlatformRevenue int64  `json:"platformRevenue"`
}

// Store persists orders and payment correlations.
//
// Update is a compare-and-swap: it succeeds only if the stored version
// equals o.Version, applies postings in the same atomic unit, and on
// success increments o.Version. A lost race returns ErrVersionConflict and
// changes nothing.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	GetByPaymentRef(ctx context.Context, ref string) (*Order, error)
	Update(ctx context.Context, o *Order, postings []ledger.Posting) error
	List(ctx context.Context, f ListFilter) ([]*Order, error)
	HasActiveOrder(ctx context.Context, catalogItemID string) (bool, error)

	// Deadline sweeps. Each returns candidates only; callers re-check the
	// rule inside the mutation.
	ListUnaccepted(ctx context.Context, createdBefore time.Time, limit int) ([]*Order, error)
	ListUnconfirmed(ctx context.Context, acceptedBefore time.Time, limit int) ([]*Order, error)
	ListUnansweredDisputes(ctx context.Context, reportedBefore time.Time, limit int) ([]*Order, error)

	// MarkWithdrawn flags the seller's released, not yet withdrawn orders.
	MarkWithdrawn(ctx context.Context, sellerID string, at time.Time) (int, error)
	Summary(ctx context.Context, since time.Time) (*Summary, error)

	CreateCorrelation(ctx context.Context, c *Correlation) error
	GetCorrelation(ctx context.Context, ref string) (*Correlation, error)
}
