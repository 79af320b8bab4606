package withdrawals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gigmarket/orderflow/internal/apperr"
	"github.com/gigmarket/orderflow/internal/auth"
	"github.com/gigmarket/orderflow/internal/idgen"
	"github.com/gigmarket/orderflow/internal/ledger"
	"github.com/gigmarket/orderflow/internal/metrics"
	"github.com/gigmarket/orderflow/internal/pagination"
	"github.com/gigmarket/orderflow/internal/payments"
	"github.com/gigmarket/orderflow/internal/traces"
)

// Service implements withdrawal requests and payout reconciliation.
type Service struct {
	store   Store
	gateway PayoutGateway
	marker  WithdrawnMarker
	rules   Rules
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a withdrawal service.
func NewService(store Store, gateway PayoutGateway, rules Rules) *Service {
	if len(rules.Methods) == 0 {
		rules.Methods = DefaultMethods
	}
	return &Service{
		store:   store,
		gateway: gateway,
		rules:   rules,
		logger:  slog.Default(),
		now:     time.Now,
	}
}

// WithWithdrawnMarker flags released orders when a seller payout succeeds.
func (s *Service) WithWithdrawnMarker(m WithdrawnMarker) *Service {
	s.marker = m
	return s
}

// WithLogger sets the logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	if l != nil {
		s.logger = l
	}
	return s
}

// WithClock overrides the clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// owner maps the caller to the account it withdraws from. Admins draw on
// the platform account.
func (s *Service) owner(actor auth.Actor) (string, ledger.Kind) {
	if actor.IsAdmin() {
		return s.rules.PlatformAccountID, ledger.KindPlatform
	}
	return actor.ID, ledger.KindSeller
}

// Request debits the caller's available balance and dispatches a payout.
// A provider that rejects the payout outright gets the debit reversed; a
// provider that is unreachable leaves the withdrawal pending for its
// callback or an admin to settle.
func (s *Service) Request(ctx context.Context, actor auth.Actor, req Request) (*Withdrawal, error) {
	if actor.ID == "" {
		return nil, apperr.New(apperr.Unauthorized, "unauthorized", "authentication required")
	}
	if err := s.rules.validate(req); err != nil {
		return nil, err
	}

	accountID, kind := s.owner(actor)
	now := s.now().UTC()
	w := &Withdrawal{
		ID:          idgen.WithPrefix("wd_"),
		ExternalRef: idgen.Reference("WITHDRAW"),
		AccountID:   accountID,
		AccountKind: kind,
		RequestedBy: actor.ID,
		Amount:      req.Amount,
		Method:      strings.ToLower(strings.TrimSpace(req.Method)),
		Destination: strings.TrimSpace(req.Destination),
		AccountName: strings.TrimSpace(req.AccountName),
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	ctx, span := traces.StartSpan(ctx, "withdrawals.Request", traces.WithdrawalID(w.ID), traces.Amount(w.Amount))
	defer span.End()

	debit := ledger.Debit(accountID, kind, ledger.Available, w.Amount, w.ID, "withdrawal requested")
	if err := s.store.Create(ctx, w, []ledger.Posting{debit}); err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	metrics.WithdrawalsTotal.WithLabelValues(string(StatusPending)).Inc()
	s.logger.Info("withdrawal requested",
		"withdrawal_id", w.ID, "account_id", accountID, "amount", w.Amount, "method", w.Method)

	payout, err := s.gateway.CreatePayout(ctx, payments.PayoutRequest{
		ExternalRef: w.ExternalRef,
		Amount:      w.Amount,
		Method:      w.Method,
		Destination: w.Destination,
		AccountName: w.AccountName,
		Description: fmt.Sprintf("Withdrawal %s", w.ID),
	})
	if err != nil {
		traces.RecordError(span, err)
		if apperr.KindOf(err) == apperr.InvalidRequest {
			if _, serr := s.settle(ctx, w, StatusFailed, "provider rejected payout: "+apperr.Message(err)); serr != nil {
				s.logger.Error("failed to reverse rejected withdrawal", "withdrawal_id", w.ID, "error", serr)
			}
			return nil, err
		}
		s.logger.Warn("payout dispatch failed, withdrawal left pending",
			"withdrawal_id", w.ID, "external_ref", w.ExternalRef, "error", err)
		return w, nil
	}

	if payout.ProviderID != "" {
		if err := s.store.SetProviderID(ctx, w.ID, payout.ProviderID); err != nil {
			s.logger.Warn("failed to store payout id", "withdrawal_id", w.ID, "error", err)
		} else {
			w.ProviderID = payout.ProviderID
		}
	}
	return w, nil
}

// Get returns a withdrawal visible to the caller.
func (s *Service) Get(ctx context.Context, actor auth.Actor, id string) (*Withdrawal, error) {
	w, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && w.AccountID != actor.ID {
		return nil, ErrForbidden
	}
	return w, nil
}

// List returns the caller's withdrawals, newest first.
func (s *Service) List(ctx context.Context, actor auth.Actor, cursor *pagination.Cursor, limit int) ([]*Withdrawal, error) {
	accountID, _ := s.owner(actor)
	return s.store.List(ctx, ListFilter{AccountID: accountID, Cursor: cursor, Limit: limit})
}

// ListAll returns withdrawals across every account for an admin, optionally
// narrowed to one status.
func (s *Service) ListAll(ctx context.Context, actor auth.Actor, status Status, cursor *pagination.Cursor, limit int) ([]*Withdrawal, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	return s.store.List(ctx, ListFilter{Status: status, Cursor: cursor, Limit: limit})
}

// PayoutEvent is a provider notification about a disbursement.
type PayoutEvent struct {
	ExternalRef string `json:"externalRef"`
	Status      string `json:"status"`
	ProviderID  string `json:"providerId,omitempty"`
	FailureCode string `json:"failureCode,omitempty"`
}

func (e PayoutEvent) outcome() (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(e.Status)) {
	case "completed", "succeeded", "success", "paid":
		return StatusSuccess, true
	case "failed", "rejected", "canceled", "cancelled", "reversed":
		return StatusFailed, true
	}
	return "", false
}

// Outcome describes what the reconciler did with a payout notification.
type Outcome string

const (
	OutcomeIgnored   Outcome = "ignored"
	OutcomeSettled   Outcome = "settled"
	OutcomeDuplicate Outcome = "duplicate"
)

// Result is returned to the webhook handler.
type Result struct {
	Outcome      Outcome `json:"outcome"`
	WithdrawalID string  `json:"withdrawalId,omitempty"`
	Status       Status  `json:"status,omitempty"`
}

// HandlePayoutEvent settles a pending withdrawal from a provider callback.
// Repeated or late callbacks for a settled withdrawal are acknowledged
// without effect.
func (s *Service) HandlePayoutEvent(ctx context.Context, ev PayoutEvent) (*Result, error) {
	ref := strings.TrimSpace(ev.ExternalRef)
	if ref == "" {
		return nil, apperr.Invalid("externalRef is required")
	}

	ctx, span := traces.StartSpan(ctx, "withdrawals.HandlePayoutEvent", traces.ExternalRef(ref))
	defer span.End()

	to, final := ev.outcome()
	if !final {
		return &Result{Outcome: OutcomeIgnored}, nil
	}

	w, err := s.store.GetByRef(ctx, ref)
	if err != nil {
		if apperr.KindOf(err) == apperr.NotFound {
			s.logger.Warn("payout callback for unknown reference", "external_ref", ref)
			return nil, ErrUnknownPayout
		}
		traces.RecordError(span, err)
		return nil, err
	}
	if w.Status != StatusPending {
		return &Result{Outcome: OutcomeDuplicate, WithdrawalID: w.ID, Status: w.Status}, nil
	}

	reason := ""
	if to == StatusFailed {
		reason = ev.FailureCode
		if reason == "" {
			reason = "payout failed"
		}
	}
	settled, err := s.settle(ctx, w, to, reason)
	if errors.Is(err, ErrAlreadySettled) {
		return &Result{Outcome: OutcomeDuplicate, WithdrawalID: w.ID}, nil
	}
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	return &Result{Outcome: OutcomeSettled, WithdrawalID: w.ID, Status: settled.Status}, nil
}

// Settle lets an admin close a pending withdrawal by hand, for payouts
// whose callback never arrives.
func (s *Service) Settle(ctx context.Context, actor auth.Actor, id string, to Status, reason string) (*Withdrawal, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	if to != StatusSuccess && to != StatusFailed {
		return nil, apperr.Invalid("status must be success or failed")
	}
	w, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status != StatusPending {
		return nil, ErrAlreadySettled
	}
	if reason == "" && to == StatusFailed {
		reason = "settled by admin"
	}
	return s.settle(ctx, w, to, reason)
}

func (s *Service) settle(ctx context.Context, w *Withdrawal, to Status, reason string) (*Withdrawal, error) {
	st := Settlement{To: to, Reason: reason, At: s.now().UTC()}
	if to == StatusFailed {
		st.Postings = []ledger.Posting{
			ledger.Credit(w.AccountID, w.AccountKind, ledger.Available, w.Amount, w.ID, "withdrawal failed"),
		}
	}

	settled, err := s.store.Settle(ctx, w.ID, st)
	if err != nil {
		return nil, err
	}
	metrics.WithdrawalsTotal.WithLabelValues(string(to)).Inc()
	s.logger.Info("withdrawal settled",
		"withdrawal_id", w.ID, "account_id", w.AccountID, "status", to, "amount", w.Amount)

	if to == StatusSuccess && w.AccountKind == ledger.KindSeller && s.marker != nil {
		n, err := s.marker.MarkWithdrawn(ctx, w.AccountID)
		if err != nil {
			s.logger.Error("failed to mark orders withdrawn", "account_id", w.AccountID, "error", err)
		} else if n > 0 {
			s.logger.Info("orders marked withdrawn", "account_id", w.AccountID, "count", n)
		}
	}
	return settled, nil
}
