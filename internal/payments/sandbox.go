package payments

import (
	"context"
	"sync"
	"time"

	"github.com/gigmarket/orderflow/internal/idgen"
)

// Sandbox is an in-process gateway for development and tests. It records
// every request and never moves money; callbacks are simulated by posting
// to the webhook routes.
type Sandbox struct {
	BaseURL string

	mu       sync.Mutex
	invoices []InvoiceRequest
	payouts  []PayoutRequest
	fail     error
}

// NewSandbox creates a sandbox gateway whose invoice URLs point at baseURL.
func NewSandbox(baseURL string) *Sandbox {
	if baseURL == "" {
		baseURL = "https://sandbox.invalid/pay"
	}
	return &Sandbox{BaseURL: baseURL}
}

// FailWith makes subsequent calls return err. Pass nil to recover.
func (s *Sandbox) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

// CreateInvoice implements InvoiceCreator.
func (s *Sandbox) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	s.invoices = append(s.invoices, req)
	exp := time.Now().Add(24 * time.Hour).UTC()
	return &Invoice{
		ExternalRef: req.ExternalRef,
		ProviderID:  idgen.WithPrefix("inv_"),
		URL:         s.BaseURL + "/" + req.ExternalRef,
		ExpiresAt:   &exp,
	}, nil
}

// CreatePayout implements PayoutCreator.
func (s *Sandbox) CreatePayout(ctx context.Context, req PayoutRequest) (*Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	s.payouts = append(s.payouts, req)
	return &Payout{ExternalRef: req.ExternalRef, ProviderID: idgen.WithPrefix("po_"), Status: "PENDING"}, nil
}

// Invoices returns the invoice requests seen so far.
func (s *Sandbox) Invoices() []InvoiceRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]InvoiceRequest(nil), s.invoices...)
}

// Payouts returns the payout requests seen so far.
func (s *Sandbox) Payouts() []PayoutRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PayoutRequest(nil), s.payouts...)
}

var (
	_ InvoiceCreator = (*Sandbox)(nil)
	_ PayoutCreator  = (*Sandbox)(nil)
)
