package orders

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
	"github.com/gigmarket/orderflow/internal/payments"
	"github.com/gigmarket/orderflow/internal/traces"
	"go.opentelemetry.io/otel/attribute"
)

const maxMutateAttempts = 5

// Service implements order business logic.
type Service struct {
	store    Store
	catalog  Catalog
	policy   Policy
	gateway  PaymentGateway
	sales    SalesRecorder
	chat     Conversations
	events   EventPublisher
	buyers   BuyerResolver
	logger   *slog.Logger
	now      func() time.Time
	teardown time.Duration
}

// NewService creates an order service.
func NewService(store Store, catalog Catalog, policy Policy) *Service {
	return &Service{
		store:    store,
		catalog:  catalog,
		policy:   policy,
		logger:   slog.Default(),
		now:      time.Now,
		teardown: 10 * time.Second,
	}
}

// WithGateway sets the provider used to issue invoices.
func (s *Service) WithGateway(g PaymentGateway) *Service {
	s.gateway = g
	return s
}

// WithSalesRecorder sets where seller sales counters are bumped.
func (s *Service) WithSalesRecorder(r SalesRecorder) *Service {
	s.sales = r
	return s
}

// WithConversations enables chat teardown when orders close.
func (s *Service) WithConversations(c Conversations) *Service {
	s.chat = c
	return s
}

// WithEvents sets the publisher notified after each committed transition.
func (s *Service) WithEvents(p EventPublisher) *Service {
	s.events = p
	return s
}

// WithBuyerResolver sets the email lookup used for anonymous intents.
func (s *Service) WithBuyerResolver(r BuyerResolver) *Service {
	s.buyers = r
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	if l != nil {
		s.logger = l
	}
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Policy returns the configured business constants.
func (s *Service) Policy() Policy { return s.policy }

// change describes the side effects of one transition. It is built inside
// the mutation and acted on only after the CAS commits.
type change struct {
	transition string
	event      EventType
	postings   []ledger.Posting
	release    bool
	teardown   bool
	movement   string
	amount     int64
}

// mutate re-reads the order, applies fn to the fresh copy and persists it
// with a version check. fn must validate its preconditions on the copy it
// is given; on a lost race it is called again with the newer state. A nil
// change with a nil error means nothing needs writing.
func (s *Service) mutate(ctx context.Context, id string, fn func(o *Order, now time.Time) (*change, error)) (*Order, *change, error) {
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		o, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		now := s.now()
		ch, err := fn(o, now)
		if err != nil {
			return o, nil, err
		}
		if ch == nil {
			return o, nil, nil
		}
		o.UpdatedAt = now
		err = s.store.Update(ctx, o, ch.postings)
		if errors.Is(err, ErrVersionConflict) {
			metrics.VersionConflictsTotal.Inc()
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		s.afterCommit(ctx, o, ch, now)
		return o, ch, nil
	}
	return nil, nil, ErrContention
}

// afterCommit runs the side effects of a committed transition. None of them
// can undo it, so failures are logged and counted only.
func (s *Service) afterCommit(ctx context.Context, o *Order, ch *change, now time.Time) {
	metrics.OrderTransitionsTotal.WithLabelValues(ch.transition).Inc()
	if ch.movement != "" && ch.amount > 0 {
		metrics.EscrowAmountTotal.WithLabelValues(ch.movement).Add(float64(ch.amount))
	}
	s.logger.Info("order transition",
		"orderId", o.ID,
		"transition", ch.transition,
		"status", o.Status,
		"escrowStatus", o.EscrowStatus,
		"progressStatus", o.ProgressStatus,
		"version", o.Version,
	)

	if ch.release {
		if s.sales != nil {
			if err := s.sales.IncrementSales(ctx, o.SellerID, 1); err != nil {
				s.logger.Warn("failed to bump seller sales", "orderId", o.ID, "sellerId", o.SellerID, "error", err)
			}
		}
		if s.catalog != nil && o.CatalogItemID != "" {
			if err := s.catalog.IncrementSales(ctx, o.CatalogItemID, 1); err != nil {
				s.logger.Warn("failed to bump item sales", "orderId", o.ID, "itemId", o.CatalogItemID, "error", err)
			}
		}
	}
	if ch.teardown {
		s.teardownChat(ctx, o.ID)
	}
	if s.events != nil && ch.event != "" {
		if err := s.events.Publish(ctx, newEvent(ch.event, o, now)); err != nil {
			s.logger.Warn("failed to publish order event", "orderId", o.ID, "event", ch.event, "error", err)
		}
	}
}

func (s *Service) teardownChat(ctx context.Context, orderID string) {
	if s.chat == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.teardown)
	go func() {
		defer cancel()
		if err := s.chat.Teardown(ctx, orderID); err != nil {
			s.logger.Warn("chat teardown failed", "orderId", orderID, "error", err)
		}
	}()
}

func (s *Service) sellerPosting(o *Order, bucket ledger.Bucket, amount int64, memo string) ledger.Posting {
	return ledger.Credit(o.SellerID, ledger.KindSeller, bucket, amount, o.ID, memo)
}

func (s *Service) platformPosting(o *Order, bucket ledger.Bucket, amount int64, memo string) ledger.Posting {
	return ledger.Credit(s.policy.PlatformAccountID, ledger.KindPlatform, bucket, amount, o.ID, memo)
}

// appendNonZero drops zero-amount postings, which the ledger rejects.
func appendNonZero(dst []ledger.Posting, ps ...ledger.Posting) []ledger.Posting {
	for _, p := range ps {
		if p.Amount != 0 {
			dst = append(dst, p)
		}
	}
	return dst
}

// reversePending returns postings that undo whatever pending credit the
// order still carries, and zeroes the carried amounts.
func (s *Service) reversePending(o *Order, memo string) []ledger.Posting {
	var ps []ledger.Posting
	if o.IsBalanceUpdated {
		ps = appendNonZero(ps,
			s.sellerPosting(o, ledger.Pending, -o.PendingSellerCredit, memo),
			s.platformPosting(o, ledger.Pending, -o.PendingAdminCredit, memo),
		)
	}
	o.PendingSellerCredit = 0
	o.PendingAdminCredit = 0
	return ps
}

// releaseChange moves the order to completed and the escrow to released.
// Pending credits are reversed and the final net and fee are credited to
// available balances in the same batch.
func (s *Service) releaseChange(o *Order, now time.Time, transition string) (*change, error) {
	if o.EscrowStatus != EscrowHeld {
		return nil, ErrEscrowNotHeld
	}
	if o.Status == StatusCompleted {
		return nil, ErrAlreadyCompleted
	}
	if err := o.setStatus(StatusCompleted); err != nil {
		return nil, ErrOrderClosed
	}
	if err := o.setEscrow(EscrowReleased); err != nil {
		return nil, err
	}
	if err := o.setProgress(ProgressDelivered); err != nil {
		return nil, err
	}
	o.AdminFee = s.policy.Fees.Fee(o.Price)
	closeDispute(o, ResolveRelease, now)
	postings := s.reversePending(o, "escrow released")
	postings = appendNonZero(postings,
		s.sellerPosting(o, ledger.Available, o.SellerNet(), "escrow released"),
		s.platformPosting(o, ledger.Available, o.AdminFee, "platform fee"),
	)
	o.Released = true
	o.ReleasedAt = &now
	o.WorkCompletedAt = &now
	o.RevisionRequest = clearPendingRevision(o.RevisionRequest)
	return &change{
		transition: transition,
		event:      EventCompleted,
		postings:   postings,
		release:    true,
		teardown:   true,
		movement:   "released",
		amount:     o.Price,
	}, nil
}

// refundChange moves the order to canceled and the escrow to refunded,
// reversing any pending credit. The buyer-side refund is paid out of band.
func (s *Service) refundChange(o *Order, now time.Time, progress ProgressStatus, transition string) (*change, error) {
	if o.EscrowStatus != EscrowHeld {
		return nil, ErrEscrowNotHeld
	}
	if err := o.setStatus(StatusCanceled); err != nil {
		return nil, ErrOrderClosed
	}
	if err := o.setEscrow(EscrowRefunded); err != nil {
		return nil, err
	}
	if err := o.setProgress(progress); err != nil {
		return nil, err
	}
	closeDispute(o, ResolveRefund, now)
	postings := s.reversePending(o, "escrow refunded")
	o.RefundedAt = &now
	o.RevisionRequest = clearPendingRevision(o.RevisionRequest)
	return &change{
		transition: transition,
		event:      EventRefunded,
		postings:   postings,
		teardown:   true,
		movement:   "refunded",
		amount:     o.Price,
	}, nil
}

// closeDispute resolves a dispute left open when the escrow settles by
// some other path, so deadline sweeps never see a settled order.
func closeDispute(o *Order, action ResolutionAction, now time.Time) {
	if !o.Dispute.Status.IsActive() {
		return
	}
	o.Dispute.Status = DisputeResolved
	o.Dispute.Resolution = action
	o.Dispute.ResolvedAt = &now
}

func clearPendingRevision(r *RevisionRequest) *RevisionRequest {
	if r != nil && r.Status == RevisionPending {
		return nil
	}
	return r
}

// PaymentIntentRequest starts a purchase.
type PaymentIntentRequest struct {
	CatalogItemID string `json:"catalogItemId" binding:"required"`
	PayerEmail    string `json:"payerEmail"`
	PayerName     string `json:"payerName"`
}

// PaymentIntent is what the buyer needs to pay.
type PaymentIntent struct {
	ExternalRef string     `json:"externalRef"`
	InvoiceURL  string     `json:"invoiceUrl"`
	Amount      int64      `json:"amount"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

// CreatePaymentIntent registers an ORDER correlation and asks the gateway
// for an invoice. No order exists until the provider confirms payment.
func (s *Service) CreatePaymentIntent(ctx context.Context, actor auth.Actor, req PaymentIntentRequest) (*PaymentIntent, error) {
	ctx, span := traces.StartSpan(ctx, "orders.CreatePaymentIntent")
	defer span.End()

	if actor.ID == "" || actor.IsSystem() {
		return nil, ErrForbidden
	}
	item, err := s.catalog.Get(ctx, req.CatalogItemID)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	if item.SellerID == actor.ID {
		return nil, ErrOwnItem
	}
	if item.Price <= 0 || item.Price > s.policy.MaxOrderPrice {
		return nil, ErrPriceCapExceeded
	}
	active, err := s.store.HasActiveOrder(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, ErrActiveOrderExists
	}

	corr := &Correlation{
		ExternalRef:   idgen.Reference("ORDER"),
		Kind:          CorrelationOrder,
		CatalogItemID: item.ID,
		BuyerID:       actor.ID,
		Amount:        item.Price,
		CreatedAt:     s.now(),
	}
	if err := s.store.CreateCorrelation(ctx, corr); err != nil {
		return nil, fmt.Errorf("failed to record payment reference: %w", err)
	}
	span.SetAttributes(traces.ExternalRef(corr.ExternalRef), traces.Amount(corr.Amount))

	inv, err := s.invoice(ctx, payments.InvoiceRequest{
		ExternalRef: corr.ExternalRef,
		Amount:      corr.Amount,
		Description: item.Title,
		PayerEmail:  req.PayerEmail,
		PayerName:   req.PayerName,
	})
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	return &PaymentIntent{
		ExternalRef: corr.ExternalRef,
		InvoiceURL:  inv.URL,
		Amount:      corr.Amount,
		ExpiresAt:   inv.ExpiresAt,
	}, nil
}

func (s *Service) invoice(ctx context.Context, req payments.InvoiceRequest) (*payments.Invoice, error) {
	if s.gateway == nil {
		return nil, apperr.New(apperr.Internal, "gateway_unconfigured", "payment gateway not configured")
	}
	inv, err := s.gateway.CreateInvoice(ctx, req)
	if err != nil {
		s.logger.Error("invoice creation failed", "externalRef", req.ExternalRef, "error", err)
		return nil, fmt.Errorf("failed to create invoice: %w", err)
	}
	return inv, nil
}

// Get returns an order visible to actor.
func (s *Service) Get(ctx context.Context, actor auth.Actor, id string) (*Order, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := requireParty(o, actor, PartyBuyer, PartySeller, PartyAdmin, PartySystem); err != nil {
		return nil, err
	}
	return o, nil
}

// ListMine returns the actor's orders as buyer or as seller.
func (s *Service) ListMine(ctx context.Context, actor auth.Actor, asSeller bool, f ListFilter) ([]*Order, error) {
	f.BuyerID, f.SellerID = "", ""
	if asSeller {
		f.SellerID = actor.ID
	} else {
		f.BuyerID = actor.ID
	}
	return s.store.List(ctx, f)
}

// ListAll is the admin listing.
func (s *Service) ListAll(ctx context.Context, actor auth.Actor, f ListFilter) ([]*Order, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	return s.store.List(ctx, f)
}

// HasActiveOrder reports whether the item has a paid order still in flight.
func (s *Service) HasActiveOrder(ctx context.Context, catalogItemID string) (bool, error) {
	return s.store.HasActiveOrder(ctx, catalogItemID)
}

// Summary is the admin revenue and status rollup since the given time.
func (s *Service) Summary(ctx context.Context, actor auth.Actor, since time.Time) (*Summary, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	return s.store.Summary(ctx, since)
}

// MarkWithdrawn flags the seller's released orders after a successful payout.
func (s *Service) MarkWithdrawn(ctx context.Context, sellerID string) (int, error) {
	return s.store.MarkWithdrawn(ctx, sellerID, s.now().UTC())
}

// Accept records the seller's acceptance.
func (s *Service) Accept(ctx context.Context, actor auth.Actor, id string) (*Order, error) {
	o, _, err := s.mutate(ctx, id, func(o *Order, now time.Time) (*change, error) {
		if _, err := requireParty(o, actor, PartySeller); err != nil {
			return nil, err
		}
		if o.SellerAccepted {
			return nil, ErrAlreadyAccepted
		}
		if o.Status.IsTerminal() || o.EscrowStatus != EscrowHeld {
			return nil, ErrOrderClosed
		}
		if err := o.setProgress(ProgressAccepted); err != nil {
			return nil, err
		}
		o.SellerAccepted = true
		o.AcceptedAt = &now
		return &change{transition: "accept", event: EventAccepted}, nil
	})
	return o, err
}

// Complete is the buyer's confirmation. It releases escrow to the seller.
func (s *Service) Complete(ctx context.Context, actor auth.Actor, id string) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "orders.Complete", traces.OrderID(id))
	defer span.End()

	o, _, err := s.mutate(ctx, id, func(o *Order, now time.Time) (*change, error) {
		if _, err := requireParty(o, actor, PartyBuyer); err != nil {
			return nil, err
		}
		if o.Status == StatusCompleted || o.BuyerConfirmed {
			return nil, ErrAlreadyCompleted
		}
		if o.Status.IsTerminal() {
			return nil, ErrOrderClosed
		}
		ch, err := s.releaseChange(o, now, "complete")
		if err != nil {
			return nil, err
		}
		o.BuyerConfirmed = true
		o.BuyerConfirmedAt = &now
		return ch, nil
	})
	traces.RecordError(span, err)
	return o, err
}

// Reject is the seller declining a pending order. Escrow is refunded.
func (s *Service) Reject(ctx context.Context, actor auth.Actor, id string) (*Order, error) {
	o, _, err := s.mutate(ctx, id, func(o *Order, now time.Time) (*change, error) {
		if _, err := requireParty(o, actor, PartySeller); err != nil {
			return nil, err
		}
		if o.Status.IsTerminal() {
			return nil, ErrOrderClosed
		}
		if o.Status != StatusPending {
			return nil, ErrNotPending
		}
		return s.refundChange(o, now, ProgressSellerRefunded, "reject")
	})
	return o, err
}

// UpdateProgress lets the seller move the work sub-state.
func (s *Service) UpdateProgress(ctx context.Context, actor auth.Actor, id string, to ProgressStatus) (*Order, error) {
	switch to {
	case ProgressInProgress, ProgressDelivered:
	default:
		return nil, apperr.Invalid("progress can only be set to %q or %q", ProgressInProgress, ProgressDelivered)
	}
	o, _, err := s.mutate(ctx, id, func(o *Order, now time.Time) (*change, error) {
		if _, err := requireParty(o, actor, PartySeller); err != nil {
			return nil, err
		}
		if o.Status.IsTerminal() || o.EscrowStatus != EscrowHeld {
			return nil, ErrOrderClosed
		}
		if !o.SellerAccepted {
			return nil, ErrInvalidTransition
		}
		if o.ProgressStatus == to {
			return nil, nil
		}
		if err := o.setProgress(to); err != nil {
			return nil, err
		}
		if to == ProgressInProgress && o.WorkStartedAt == nil {
			o.WorkStartedAt = &now
		}
		return &change{transition: "progress_" + string(to), event: EventProgress}, nil
	})
	return o, err
}

// Fail is the admin marking an order as failed. Escrow is refunded.
func (s *Service) Fail(ctx context.Context, actor auth.Actor, id, reason string) (*Order, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Invalid("reason is required")
	}
	o, _, err := s.mutate(ctx, id, func(o *Order, now time.Time) (*change, error) {
		if _, err := requireParty(o, actor, PartyAdmin); err != nil {
			return nil, err
		}
		if o.Status.IsTerminal() {
			return nil, ErrOrderClosed
		}
		if o.EscrowStatus != EscrowHeld {
			return nil, ErrEscrowNotHeld
		}
		if err := o.setStatus(StatusFailed); err != nil {
			return nil, err
		}
		if err := o.setEscrow(EscrowRefunded); err != nil {
			return nil, err
		}
		closeDispute(o, ResolveRefund, now)
		o.FailureReason = reason
		o.RefundedAt = &now
		return &change{
			transition: "fail",
			event:      EventFailed,
			postings:   s.reversePending(o, "order failed"),
			teardown:   true,
			movement:   "refunded",
			amount:     o.Price,
		}, nil
	})
	return o, err
}

// tracedMutate wraps mutate in a span tagged with the order id and rule.
func (s *Service) tracedMutate(ctx context.Context, name, id string, fn func(o *Order, now time.Time) (*change, error)) (*Order, *change, error) {
	ctx, span := traces.StartSpan(ctx, name, traces.OrderID(id))
	defer span.End()
	o, ch, err := s.mutate(ctx, id, fn)
	if err != nil {
		traces.RecordError(span, err)
	} else if ch != nil {
		span.SetAttributes(attribute.String("transition", ch.transition))
	}
	return o, ch, err
}
