package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gigmarket/orderflow/internal/apperr"
	"github.com/gigmarket/orderflow/internal/idgen"
	"github.com/gigmarket/orderflow/internal/ledger"
	"github.com/gigmarket/orderflow/internal/metrics"
	"github.com/gigmarket/orderflow/internal/traces"
)

// PaymentEvent is a provider notification normalized across gateways.
type PaymentEvent struct {
	Source      string `json:"source"`
	ExternalRef string `json:"externalRef"`
	Status      string `json:"status"`
	PayerEmail  string `json:"payerEmail,omitempty"`
	ProviderID  string `json:"providerId,omitempty"`
}

// IsPaid reports whether the provider status means funds were captured.
func (e PaymentEvent) IsPaid() bool {
	switch strings.ToLower(strings.TrimSpace(e.Status)) {
	case "paid", "settled", "succeeded", "completed":
		return true
	}
	return false
}

// Outcome describes what the reconciler did with a notification.
type Outcome string

const (
	OutcomeIgnored        Outcome = "ignored"
	OutcomeCredited       Outcome = "credited"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeExtraPaid      Outcome = "extra_paid"
	OutcomeOrphaned       Outcome = "orphaned"
	OutcomeAlreadySettled Outcome = "already_settled"
)

// ReconcileResult is returned to the webhook handler.
type ReconcileResult struct {
	Outcome Outcome `json:"outcome"`
	OrderID string  `json:"orderId,omitempty"`
}

// Reconciler applies provider payment notifications. Providers deliver at
// least once and in any order, so every path is idempotent: order creation
// is keyed by the payment reference and each balance credit is latched on
// the order it belongs to.
type Reconciler struct {
	svc    *Service
	logger *slog.Logger
}

// NewReconciler creates a reconciler over the order service.
func NewReconciler(svc *Service) *Reconciler {
	return &Reconciler{svc: svc, logger: svc.logger}
}

// HandlePaymentEvent reconciles one notification.
func (r *Reconciler) HandlePaymentEvent(ctx context.Context, ev PaymentEvent) (res *ReconcileResult, err error) {
	ctx, span := traces.StartSpan(ctx, "orders.HandlePaymentEvent", traces.ExternalRef(ev.ExternalRef))
	defer span.End()
	defer func() {
		outcome := "error"
		if err == nil {
			outcome = string(res.Outcome)
		}
		source := ev.Source
		if source == "" {
			source = "unknown"
		}
		metrics.PaymentEventsTotal.WithLabelValues(source, outcome).Inc()
		traces.RecordError(span, err)
	}()

	if strings.TrimSpace(ev.ExternalRef) == "" {
		return nil, apperr.Invalid("externalRef is required")
	}
	if !ev.IsPaid() {
		r.logger.Info("ignoring non-paid payment event", "externalRef", ev.ExternalRef, "status", ev.Status)
		return &ReconcileResult{Outcome: OutcomeIgnored}, nil
	}

	corr, err := r.svc.store.GetCorrelation(ctx, ev.ExternalRef)
	if errors.Is(err, ErrCorrelationNotFound) {
		r.logger.Warn("payment event for unknown reference", "externalRef", ev.ExternalRef)
		return nil, ErrUnknownReference
	}
	if err != nil {
		return nil, err
	}

	switch corr.Kind {
	case CorrelationExtra:
		return r.applyExtra(ctx, corr, ev)
	case CorrelationOrder:
		return r.applyOrder(ctx, corr, ev)
	default:
		return nil, ErrUnknownReference
	}
}

// applyOrder finds or creates the order for the reference, then credits the
// pending balances at most once.
func (r *Reconciler) applyOrder(ctx context.Context, corr *Correlation, ev PaymentEvent) (*ReconcileResult, error) {
	s := r.svc
	o, err := s.store.GetByPaymentRef(ctx, corr.ExternalRef)
	if errors.Is(err, ErrOrderNotFound) {
		o, err = r.createOrder(ctx, corr, ev)
	}
	if err != nil {
		return nil, err
	}

	buyerID := corr.BuyerID
	if buyerID == "" && ev.PayerEmail != "" && s.buyers != nil {
		resolved, rerr := s.buyers.ResolveByEmail(ctx, ev.PayerEmail)
		if rerr != nil {
			r.logger.Warn("buyer lookup failed", "externalRef", corr.ExternalRef, "error", rerr)
		}
		buyerID = resolved
	}

	updated, ch, err := s.tracedMutate(ctx, "orders.CreditEscrow", o.ID, func(o *Order, now time.Time) (*change, error) {
		var ch *change
		if o.BuyerID == "" && buyerID != "" {
			o.BuyerID = buyerID
			ch = &change{transition: "assign_buyer"}
		}
		if o.BuyerEmail == "" && ev.PayerEmail != "" {
			o.BuyerEmail = ev.PayerEmail
			if ch == nil {
				ch = &change{transition: "assign_buyer"}
			}
		}
		if o.IsBalanceUpdated || o.EscrowStatus != EscrowHeld {
			return ch, nil
		}
		o.AdminFee = s.policy.Fees.Fee(o.Price)
		o.IsBalanceUpdated = true
		o.PendingSellerCredit = o.SellerNet()
		o.PendingAdminCredit = o.AdminFee
		return &change{
			transition: "credit_escrow",
			event:      EventFunded,
			postings: appendNonZero(nil,
				s.sellerPosting(o, ledger.Pending, o.PendingSellerCredit, "escrow funded"),
				s.platformPosting(o, ledger.Pending, o.PendingAdminCredit, "platform fee held"),
			),
			movement: "credited",
			amount:   o.Price,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	if ch != nil && ch.transition == "credit_escrow" {
		return &ReconcileResult{Outcome: OutcomeCredited, OrderID: updated.ID}, nil
	}
	return &ReconcileResult{Outcome: OutcomeDuplicate, OrderID: updated.ID}, nil
}

// createOrder inserts the order keyed by the payment reference. A lost
// insert race resolves to the winner's row.
func (r *Reconciler) createOrder(ctx context.Context, corr *Correlation, ev PaymentEvent) (*Order, error) {
	s := r.svc
	item, err := s.catalog.Get(ctx, corr.CatalogItemID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	price := corr.Amount
	if price <= 0 {
		price = item.Price
	}
	o := &Order{
		ID:               idgen.WithPrefix("ord_"),
		PaymentIntentRef: corr.ExternalRef,
		CatalogItemID:    item.ID,
		Title:            item.Title,
		SellerID:         item.SellerID,
		BuyerID:          corr.BuyerID,
		BuyerEmail:       ev.PayerEmail,
		Price:            price,
		AdminFee:         s.policy.Fees.Fee(price),
		Status:           StatusPending,
		EscrowStatus:     EscrowHeld,
		ProgressStatus:   ProgressAwaitingAcceptance,
		DeliveryDays:     item.DeliveryDays,
		RevisionLimit:    item.RevisionLimit,
		Dispute:          Dispute{Status: DisputeNone},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err = s.store.Create(ctx, o)
	if errors.Is(err, ErrDuplicatePaymentRef) {
		return s.store.GetByPaymentRef(ctx, corr.ExternalRef)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	metrics.OrderTransitionsTotal.WithLabelValues("create").Inc()
	r.logger.Info("order created from payment", "orderId", o.ID, "externalRef", corr.ExternalRef, "price", o.Price)
	if s.events != nil {
		if err := s.events.Publish(ctx, newEvent(EventCreated, o, now)); err != nil {
			r.logger.Warn("failed to publish order event", "orderId", o.ID, "error", err)
		}
	}
	return o, nil
}

// applyExtra marks the extra charge paid and folds it into the order.
// Payments for a request that was rejected or superseded are acknowledged
// but change nothing; they need a manual refund.
func (r *Reconciler) applyExtra(ctx context.Context, corr *Correlation, ev PaymentEvent) (*ReconcileResult, error) {
	s := r.svc
	var outcome Outcome
	o, _, err := s.tracedMutate(ctx, "orders.ApplyExtraPayment", corr.RelatedOrderID, func(o *Order, now time.Time) (*change, error) {
		if o.hasPaidExtra(corr.ExtraRequestID) {
			outcome = OutcomeDuplicate
			return nil, nil
		}
		er := o.ExtraRequest
		if er == nil || er.ID != corr.ExtraRequestID || er.Status != ExtraPending {
			outcome = OutcomeOrphaned
			return nil, nil
		}
		if o.Status.IsTerminal() || o.EscrowStatus != EscrowHeld {
			outcome = OutcomeAlreadySettled
			return nil, nil
		}
		outcome = OutcomeExtraPaid

		oldNet, oldFee := o.SellerNet(), o.AdminFee
		er.Status = ExtraPaid
		er.PaidAt = &now
		o.PaidExtraIDs = append(o.PaidExtraIDs, er.ID)
		o.Price += er.Amount
		o.AdminFee = s.policy.Fees.Fee(o.Price)
		o.ExtraDays += er.ExtraDays
		// Work may have moved on while the invoice was open; the payment
		// still applies.
		if o.ProgressStatus.CanTransition(ProgressExtraPaid) {
			o.ProgressStatus = ProgressExtraPaid
		}

		ch := &change{transition: "extra_paid", event: EventExtraPaid, movement: "credited", amount: er.Amount}
		if o.IsBalanceUpdated {
			netDelta, feeDelta := o.SellerNet()-oldNet, o.AdminFee-oldFee
			o.PendingSellerCredit += netDelta
			o.PendingAdminCredit += feeDelta
			ch.postings = appendNonZero(nil,
				s.sellerPosting(o, ledger.Pending, netDelta, "extra charge"),
				s.platformPosting(o, ledger.Pending, feeDelta, "platform fee on extra"),
			)
		}
		return ch, nil
	})
	if errors.Is(err, ErrOrderNotFound) {
		outcome, err = OutcomeOrphaned, nil
	}
	if err != nil {
		return nil, err
	}
	if outcome != OutcomeExtraPaid && outcome != OutcomeDuplicate {
		r.logger.Warn("extra payment not applied; manual refund required",
			"externalRef", corr.ExternalRef,
			"orderId", corr.RelatedOrderID,
			"extraRequestId", corr.ExtraRequestID,
			"outcome", outcome,
		)
	}
	res := &ReconcileResult{Outcome: outcome}
	if o != nil {
		res.OrderID = o.ID
	}
	return res, nil
}
