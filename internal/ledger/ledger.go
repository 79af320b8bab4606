// Package ledger holds per-account pending and available balances.
//
// Balances only move through Apply, which takes a batch of signed postings
// and applies all of them or none. A posting that would drive either bucket
// below zero fails the whole batch. Every posting carries the reference of
// the order or withdrawal transition that caused it.
package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/gigmarket/orderflow/internal/apperr"
)

var (
	ErrAccountNotFound     = apperr.New(apperr.NotFound, "account_not_found", "account not found")
	ErrInsufficientBalance = apperr.New(apperr.InvalidRequest, "insufficient_balance", "insufficient balance")
	ErrInvalidPosting      = apperr.New(apperr.InvalidRequest, "invalid_posting", "invalid posting")
)

// Kind distinguishes seller accounts from the platform (admin) account.
type Kind string

const (
	KindSeller   Kind = "seller"
	KindPlatform Kind = "platform"
)

// Bucket is one of the two balances an account carries.
type Bucket string

const (
	Pending   Bucket = "pending"
	Available Bucket = "available"
)

// Account is a fund-holding balance record.
type Account struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Pending    int64     `json:"pendingBalance"`
	Available  int64     `json:"availableBalance"`
	TotalSales int64     `json:"totalSales"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Posting is a signed change to one bucket of one account.
type Posting struct {
	AccountID string `json:"accountId"`
	Kind      Kind   `json:"kind"`
	Bucket    Bucket `json:"bucket"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
	Memo      string `json:"memo,omitempty"`
}

// Entry is the journal record written for each applied posting.
type Entry struct {
	ID        string    `json:"id"`
	AccountID string    `json:"accountId"`
	Bucket    Bucket    `json:"bucket"`
	Amount    int64     `json:"amount"`
	Reference string    `json:"reference"`
	Memo      string    `json:"memo,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Credit builds a positive posting.
func Credit(accountID string, kind Kind, bucket Bucket, amount int64, ref, memo string) Posting {
	return Posting{AccountID: accountID, Kind: kind, Bucket: bucket, Amount: amount, Reference: ref, Memo: memo}
}

// Debit builds a negative posting.
func Debit(accountID string, kind Kind, bucket Bucket, amount int64, ref, memo string) Posting {
	return Posting{AccountID: accountID, Kind: kind, Bucket: bucket, Amount: -amount, Reference: ref, Memo: memo}
}

// Validate rejects postings that cannot be applied regardless of balance.
func (p Posting) Validate() error {
	if p.AccountID == "" || p.Reference == "" || p.Amount == 0 {
		return ErrInvalidPosting
	}
	if p.Bucket != Pending && p.Bucket != Available {
		return ErrInvalidPosting
	}
	return nil
}

// Poster applies a batch of postings atomically.
type Poster interface {
	Apply(ctx context.Context, postings ...Posting) error
}

// Store persists accounts and their journal.
type Store interface {
	Poster
	Get(ctx context.Context, accountID string) (*Account, error)
	IncrementSales(ctx context.Context, accountID string, delta int64) error
	ListEntries(ctx context.Context, accountID string, limit int) ([]*Entry, error)
}

// Ledger is the read-side facade used by handlers and reporting.
type Ledger struct {
	store  Store
	logger *slog.Logger
}

// New creates a ledger over store.
func New(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger}
}

// Store returns the underlying store.
func (l *Ledger) Store() Store { return l.store }

// Balance returns the account, or a zero account if it has never been posted to.
func (l *Ledger) Balance(ctx context.Context, accountID string) (*Account, error) {
	acct, err := l.store.Get(ctx, accountID)
	if err == nil {
		return acct, nil
	}
	if apperr.KindOf(err) == apperr.NotFound {
		return &Account{ID: accountID}, nil
	}
	return nil, err
}

// History returns the most recent journal entries for an account.
func (l *Ledger) History(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return l.store.ListEntries(ctx, accountID, limit)
}

// netByBucket sums postings per account and bucket so a batch that credits
// and debits the same bucket is checked against its net effect.
func netByBucket(postings []Posting) map[string]map[Bucket]int64 {
	net := make(map[string]map[Bucket]int64)
	for _, p := range postings {
		if net[p.AccountID] == nil {
			net[p.AccountID] = make(map[Bucket]int64)
		}
		net[p.AccountID][p.Bucket] += p.Amount
	}
	return net
}
