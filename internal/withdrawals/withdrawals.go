// Package withdrawals moves available balance out to sellers' bank accounts.
//
// A withdrawal debits the owner's available balance in the same atomic unit
// that creates it, then asks the payout provider to send the money. The
// provider's callback settles it: success keeps the debit, failure credits
// the amount back exactly once.
package withdrawals

import (
	"context"
	"strings"
	"time"

	"github.com/gigmarket/orderflow/internal/apperr"
	"github.com/gigmarket/orderflow/internal/ledger"
	"github.com/gigmarket/orderflow/internal/pagination"
	"github.com/gigmarket/orderflow/internal/payments"
)

var (
	ErrWithdrawalNotFound = apperr.New(apperr.NotFound, "withdrawal_not_found", "withdrawal not found")
	ErrUnknownPayout      = apperr.New(apperr.InvalidRequest, "unknown_payout_reference", "no withdrawal for this payout reference")
	ErrBelowMinimum       = apperr.New(apperr.InvalidRequest, "below_minimum", "amount is below the minimum withdrawal")
	ErrUnsupportedMethod  = apperr.New(apperr.InvalidRequest, "unsupported_method", "unsupported withdrawal method")
	ErrInvalidDestination = apperr.New(apperr.InvalidRequest, "invalid_destination", "destination must be 6 to 20 characters")
	ErrDuplicateReference = apperr.New(apperr.Conflict, "duplicate_reference", "withdrawal reference already exists")
	ErrAlreadySettled     = apperr.New(apperr.Conflict, "already_settled", "withdrawal is no longer pending")
	ErrForbidden          = apperr.New(apperr.Forbidden, "forbidden", "not allowed to access this withdrawal")
)

// Status is the lifecycle state of a withdrawal.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// DefaultMethods are the bank codes accepted for payouts.
var DefaultMethods = []string{"bca", "bri", "bni", "mandiri", "cimb", "permata"}

const (
	minDestinationLen = 6
	maxDestinationLen = 20
)

// Withdrawal is one payout request.
type Withdrawal struct {
	ID            string      `json:"id"`
	ExternalRef   string      `json:"externalRef"`
	AccountID     string      `json:"accountId"`
	AccountKind   ledger.Kind `json:"accountKind"`
	RequestedBy   string      `json:"requestedBy"`
	Amount        int64       `json:"amount"`
	Method        string      `json:"method"`
	Destination   string      `json:"destination"`
	AccountName   string      `json:"accountName,omitempty"`
	Status        Status      `json:"status"`
	ProviderID    string      `json:"providerId,omitempty"`
	FailureReason string      `json:"failureReason,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
	SettledAt     *time.Time  `json:"settledAt,omitempty"`
}

// Request is the body of a withdrawal request.
type Request struct {
	Amount      int64  `json:"amount" binding:"required"`
	Method      string `json:"method" binding:"required"`
	Destination string `json:"destination" binding:"required"`
	AccountName string `json:"accountName"`
}

// Rules holds the configured withdrawal limits.
type Rules struct {
	MinAmount         int64
	Methods           []string
	PlatformAccountID string
}

func (r Rules) validate(req Request) error {
	if req.Amount < r.MinAmount || req.Amount <= 0 {
		return ErrBelowMinimum
	}
	method := strings.ToLower(strings.TrimSpace(req.Method))
	supported := false
	for _, m := range r.Methods {
		if m == method {
			supported = true
			break
		}
	}
	if !supported {
		return ErrUnsupportedMethod
	}
	if n := len(strings.TrimSpace(req.Destination)); n < minDestinationLen || n > maxDestinationLen {
		return ErrInvalidDestination
	}
	return nil
}

// Settlement is the outcome applied to a pending withdrawal.
type Settlement struct {
	To       Status
	Reason   string
	At       time.Time
	Postings []ledger.Posting
}

// ListFilter selects withdrawals, newest first. An empty AccountID spans
// every account.
type ListFilter struct {
	AccountID string
	Status    Status
	Cursor    *pagination.Cursor
	Limit     int
}

// Store persists withdrawals. Create and Settle apply their ledger postings
// in the same atomic unit as the row write.
type Store interface {
	Create(ctx context.Context, w *Withdrawal, postings []ledger.Posting) error
	Get(ctx context.Context, id string) (*Withdrawal, error)
	GetByRef(ctx context.Context, externalRef string) (*Withdrawal, error)
	List(ctx context.Context, f ListFilter) ([]*Withdrawal, error)
	// Settle moves a pending withdrawal to s.To. It returns ErrAlreadySettled
	// when the withdrawal is no longer pending.
	Settle(ctx context.Context, id string, s Settlement) (*Withdrawal, error)
	SetProviderID(ctx context.Context, id, providerID string) error
}

// PayoutGateway sends money to a bank account.
type PayoutGateway interface {
	CreatePayout(ctx context.Context, req payments.PayoutRequest) (*payments.Payout, error)
}

// WithdrawnMarker flags a seller's released orders once their money has left.
type WithdrawnMarker interface {
	MarkWithdrawn(ctx context.Context, sellerID string) (int, error)
}
