package orders

import (
	"context"
	"time"

	"github.com/gigmarket/orderflow/internal/catalog"
	"github.com/gigmarket/orderflow/internal/payments"
)

// Catalog resolves the items orders are placed against.
type Catalog interface {
	Get(ctx context.Context, id string) (*catalog.Item, error)
	IncrementSales(ctx context.Context, id string, delta int64) error
}

// SalesRecorder bumps a seller's lifetime sales counter.
type SalesRecorder interface {
	IncrementSales(ctx context.Context, accountID string, delta int64) error
}

// PaymentGateway issues hosted invoices for order and extra-charge payments.
type PaymentGateway interface {
	CreateInvoice(ctx context.Context, req payments.InvoiceRequest) (*payments.Invoice, error)
}

// Conversations tears down the buyer/seller chat once an order is closed.
type Conversations interface {
	Teardown(ctx context.Context, orderID string) error
}

// BuyerResolver maps a payer email to a user id when a payment arrives for
// an intent created without an authenticated buyer.
type BuyerResolver interface {
	ResolveByEmail(ctx context.Context, email string) (string, error)
}

// Policy carries the business constants the service enforces.
type Policy struct {
	Fees              FeePolicy
	MaxOrderPrice     int64
	MaxDeliveryDays   int
	PlatformAccountID string
	DisputeWindow     time.Duration
}
