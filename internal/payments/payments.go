// Package payments talks to external payment providers: hosted invoices for
// buyer payments and disbursements for seller withdrawals.
package payments

import (
	"context"
	"time"

	"github.com/gigmarket/orderflow/internal/apperr"
)

var (
	ErrProviderUnavailable = apperr.New(apperr.Internal, "provider_unavailable", "payment provider unavailable")
	ErrInvalidSignature    = apperr.New(apperr.Unauthorized, "invalid_signature", "webhook signature verification failed")
	ErrPayoutsUnsupported  = apperr.New(apperr.Internal, "payouts_unsupported", "provider does not support payouts")
)

// InvoiceRequest asks the provider for a hosted payment page. ExternalRef
// comes back on the provider's callback and is the only correlation key.
type InvoiceRequest struct {
	ExternalRef string
	Amount      int64
	Description string
	PayerEmail  string
	PayerName   string
}

// Invoice is the provider's answer to an InvoiceRequest.
type Invoice struct {
	ExternalRef string     `json:"externalRef"`
	ProviderID  string     `json:"providerId"`
	URL         string     `json:"url"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

// PayoutRequest sends money to a seller's bank account.
type PayoutRequest struct {
	ExternalRef string
	Amount      int64
	Method      string
	Destination string
	AccountName string
	Description string
}

// Payout is the provider's acknowledgement of a PayoutRequest. The final
// outcome arrives later on a callback.
type Payout struct {
	ExternalRef string `json:"externalRef"`
	ProviderID  string `json:"providerId"`
	Status      string `json:"status"`
}

// Event is a verified provider notification about an invoice.
type Event struct {
	ExternalRef string
	Status      string
	PayerEmail  string
	ProviderID  string
}

// InvoiceCreator issues hosted invoices.
type InvoiceCreator interface {
	CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error)
}

// PayoutCreator issues disbursements.
type PayoutCreator interface {
	CreatePayout(ctx context.Context, req PayoutRequest) (*Payout, error)
}
