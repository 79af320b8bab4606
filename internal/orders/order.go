// Package orders implements the order lifecycle: escrow crediting from
// provider payment notifications, buyer and seller actions, extra-charge and
// revision negotiation, disputes, and time-based auto-resolution.
//
// Every mutation is a compare-and-swap on Order.Version. Balance postings
// caused by a transition are committed in the same atomic unit as the order
// row, so a transition and its money movement either both happen or neither
// does.
package orders

import (
	"time"

	"github.com/gigmarket/orderflow/internal/apperr"
	"github.com/gigmarket/orderflow/internal/auth"
	"github.com/shopspring/decimal"
)

var (
	ErrOrderNotFound        = apperr.New(apperr.NotFound, "order_not_found", "order not found")
	ErrCorrelationNotFound  = apperr.New(apperr.NotFound, "correlation_not_found", "payment reference not found")
	ErrUnknownReference     = apperr.New(apperr.InvalidRequest, "unknown_reference", "payment reference cannot be attributed")
	ErrDuplicatePaymentRef  = apperr.New(apperr.Conflict, "duplicate_payment_ref", "order already exists for payment reference")
	ErrDuplicateCorrelation = apperr.New(apperr.Conflict, "duplicate_correlation", "payment reference already registered")
	ErrVersionConflict      = apperr.New(apperr.Conflict, "version_conflict", "order was modified concurrently")
	ErrContention           = apperr.New(apperr.Conflict, "contention", "order is being modified, retry later")
	ErrForbidden            = apperr.New(apperr.Forbidden, "forbidden", "not permitted for this order")
	ErrAlreadyAccepted      = apperr.New(apperr.Conflict, "already_accepted", "order already accepted")
	ErrAlreadyCompleted     = apperr.New(apperr.Conflict, "already_completed", "order already completed")
	ErrOrderClosed          = apperr.New(apperr.Conflict, "order_closed", "order is no longer active")
	ErrEscrowNotHeld        = apperr.New(apperr.Conflict, "escrow_not_held", "escrow already released or refunded")
	ErrNotPending           = apperr.New(apperr.InvalidRequest, "order_not_pending", "order is not pending")
	ErrInvalidTransition    = apperr.New(apperr.InvalidRequest, "invalid_transition", "transition not allowed")
	ErrActiveOrderExists    = apperr.New(apperr.Conflict, "active_order_exists", "an active order already exists for this item")
	ErrOwnItem              = apperr.New(apperr.InvalidRequest, "own_item", "cannot order your own item")
	ErrPriceCapExceeded     = apperr.New(apperr.InvalidRequest, "price_cap_exceeded", "total price exceeds the maximum order price")
	ErrDurationCapExceeded  = apperr.New(apperr.InvalidRequest, "duration_cap_exceeded", "total delivery time exceeds the maximum")
	ErrExtraPending         = apperr.New(apperr.Conflict, "extra_pending", "an extra charge is already pending")
	ErrNoPendingExtra       = apperr.New(apperr.Conflict, "no_pending_extra", "no pending extra charge")
	ErrRevisionPending      = apperr.New(apperr.Conflict, "revision_pending", "a revision request is already pending")
	ErrRevisionLimit        = apperr.New(apperr.InvalidRequest, "revision_limit_reached", "all revisions have been used")
	ErrNoPendingRevision    = apperr.New(apperr.Conflict, "no_pending_revision", "no pending revision request")
	ErrDisputeOpen          = apperr.New(apperr.Conflict, "dispute_open", "a dispute is already open")
	ErrNoOpenDispute        = apperr.New(apperr.Conflict, "no_open_dispute", "no open dispute")
	ErrPreconditionChanged  = apperr.New(apperr.Conflict, "precondition_changed", "order no longer matches the deadline rule")
)

// Status is the top-level order state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCanceled   Status = "canceled"
	StatusFailed     Status = "failed"
)

var statusTransitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusCompleted, StatusCanceled, StatusFailed},
	StatusInProgress: {StatusCompleted, StatusCanceled, StatusFailed},
}

// IsTerminal reports whether no further status transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCanceled || s == StatusFailed
}

// CanTransition reports whether s → to is in the transition table.
func (s Status) CanTransition(to Status) bool {
	return allowed(statusTransitions, s, to)
}

// EscrowStatus tracks the funds held for the order. held is the only
// non-terminal state.
type EscrowStatus string

const (
	EscrowHeld     EscrowStatus = "held"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
)

var escrowTransitions = map[EscrowStatus][]EscrowStatus{
	EscrowHeld: {EscrowReleased, EscrowRefunded},
}

func (e EscrowStatus) CanTransition(to EscrowStatus) bool {
	return allowed(escrowTransitions, e, to)
}

// ProgressStatus is the work-tracking sub-state.
type ProgressStatus string

const (
	ProgressAwaitingAcceptance ProgressStatus = "awaiting_seller_acceptance"
	ProgressAccepted           ProgressStatus = "accepted"
	ProgressInProgress         ProgressStatus = "in_progress"
	ProgressRevisionRequested  ProgressStatus = "revision_requested"
	ProgressExtraRequested     ProgressStatus = "extra_revision_requested"
	ProgressExtraPaid          ProgressStatus = "extra_revision_paid"
	ProgressDelivered          ProgressStatus = "delivered"
	ProgressSellerRefunded     ProgressStatus = "seller_refunded"
	ProgressAutoRefunded       ProgressStatus = "auto_refunded"
)

var refunded = []ProgressStatus{ProgressSellerRefunded, ProgressAutoRefunded}

var progressTransitions = map[ProgressStatus][]ProgressStatus{
	ProgressAwaitingAcceptance: append([]ProgressStatus{ProgressAccepted, ProgressDelivered}, refunded...),
	ProgressAccepted:           append([]ProgressStatus{ProgressInProgress, ProgressRevisionRequested, ProgressExtraRequested, ProgressDelivered}, refunded...),
	ProgressInProgress:         append([]ProgressStatus{ProgressRevisionRequested, ProgressExtraRequested, ProgressDelivered}, refunded...),
	ProgressRevisionRequested:  append([]ProgressStatus{ProgressInProgress, ProgressExtraRequested, ProgressDelivered}, refunded...),
	ProgressExtraRequested:     append([]ProgressStatus{ProgressExtraPaid, ProgressInProgress, ProgressDelivered}, refunded...),
	ProgressExtraPaid:          append([]ProgressStatus{ProgressInProgress, ProgressRevisionRequested, ProgressExtraRequested, ProgressDelivered}, refunded...),
	ProgressDelivered:          append([]ProgressStatus{ProgressInProgress, ProgressRevisionRequested, ProgressExtraRequested}, refunded...),
}

func (p ProgressStatus) CanTransition(to ProgressStatus) bool {
	return allowed(progressTransitions, p, to)
}

// IsValid reports whether p is a known progress status.
func (p ProgressStatus) IsValid() bool {
	if _, ok := progressTransitions[p]; ok {
		return true
	}
	return p == ProgressSellerRefunded || p == ProgressAutoRefunded
}

// DisputeStatus is the dispute sub-state. refunded is reached only by the
// response-timeout refund; admin verdicts end in resolved or back at none.
type DisputeStatus string

const (
	DisputeNone        DisputeStatus = "none"
	DisputeOpen        DisputeStatus = "disputed"
	DisputeUnderReview DisputeStatus = "under_review"
	DisputeResolved    DisputeStatus = "resolved"
	DisputeRefunded    DisputeStatus = "refunded"
)

var disputeTransitions = map[DisputeStatus][]DisputeStatus{
	DisputeNone:        {DisputeOpen},
	DisputeOpen:        {DisputeUnderReview, DisputeResolved, DisputeRefunded, DisputeNone},
	DisputeUnderReview: {DisputeResolved, DisputeNone},
}

func (d DisputeStatus) CanTransition(to DisputeStatus) bool {
	return allowed(disputeTransitions, d, to)
}

// IsActive reports whether the dispute awaits a response or a verdict.
func (d DisputeStatus) IsActive() bool {
	return d == DisputeOpen || d == DisputeUnderReview
}

// ResolutionAction is an admin dispute verdict.
type ResolutionAction string

const (
	ResolveRefund        ResolutionAction = "refund"
	ResolveRelease       ResolutionAction = "release"
	ResolveRejectDispute ResolutionAction = "reject_dispute"
)

func (a ResolutionAction) IsValid() bool {
	return a == ResolveRefund || a == ResolveRelease || a == ResolveRejectDispute
}

// ExtraStatus is the state of an extra-charge request.
type ExtraStatus string

const (
	ExtraPending  ExtraStatus = "pending"
	ExtraPaid     ExtraStatus = "paid"
	ExtraRejected ExtraStatus = "rejected"
)

// RevisionStatus is the state of a revision-use request.
type RevisionStatus string

const (
	RevisionPending  RevisionStatus = "pending"
	RevisionAccepted RevisionStatus = "accepted"
	RevisionRejected RevisionStatus = "rejected"
)

func allowed[S comparable](table map[S][]S, from, to S) bool {
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ExtraRequest is an in-flight amendment adding scope, price and days.
type ExtraRequest struct {
	ID          string      `json:"id"`
	RequestedBy string      `json:"requestedBy"`
	Description string      `json:"description"`
	Amount      int64       `json:"amount"`
	ExtraDays   int         `json:"extraDays"`
	Status      ExtraStatus `json:"status"`
	PaymentRef  string      `json:"paymentRef"`
	RequestedAt time.Time   `json:"requestedAt"`
	PaidAt      *time.Time  `json:"paidAt,omitempty"`
}

// RevisionRequest asks the buyer to count one revision against the limit.
type RevisionRequest struct {
	From        string         `json:"from"`
	Status      RevisionStatus `json:"status"`
	Date        time.Time      `json:"date"`
	RespondedAt *time.Time     `json:"respondedAt,omitempty"`
}

// Dispute is the buyer's contest of an order.
type Dispute struct {
	Status             DisputeStatus    `json:"status"`
	ReportedBy         string           `json:"reportedBy,omitempty"`
	Reason             string           `json:"reason,omitempty"`
	ReportDate         *time.Time       `json:"reportDate,omitempty"`
	SellerResponse     string           `json:"sellerResponse,omitempty"`
	SellerResponseDate *time.Time       `json:"sellerResponseDate,omitempty"`
	Resolution         ResolutionAction `json:"resolution,omitempty"`
	ResolutionNote     string           `json:"resolutionNote,omitempty"`
	ResolvedBy         string           `json:"resolvedBy,omitempty"`
	ResolvedAt         *time.Time       `json:"resolvedAt,omitempty"`
}

// Order is one purchase of one catalog item by one buyer.
type Order struct {
	ID               string         `json:"id"`
	PaymentIntentRef string         `json:"paymentIntentRef"`
	CatalogItemID    string         `json:"catalogItemId"`
	Title            string         `json:"title"`
	SellerID         string         `json:"sellerId"`
	BuyerID          string         `json:"buyerId,omitempty"`
	BuyerEmail       string         `json:"buyerEmail,omitempty"`
	Price            int64          `json:"price"`
	AdminFee         int64          `json:"adminFee"`
	Status           Status         `json:"status"`
	EscrowStatus     EscrowStatus   `json:"escrowStatus"`
	ProgressStatus   ProgressStatus `json:"progressStatus"`
	DeliveryDays     int            `json:"deliveryDays"`
	ExtraDays        int            `json:"extraDays"`

	SellerAccepted   bool       `json:"sellerAccepted"`
	AcceptedAt       *time.Time `json:"acceptedAt,omitempty"`
	BuyerConfirmed   bool       `json:"buyerConfirmed"`
	BuyerConfirmedAt *time.Time `json:"buyerConfirmedAt,omitempty"`
	WorkStartedAt    *time.Time `json:"workStartedAt,omitempty"`
	WorkCompletedAt  *time.Time `json:"workCompletedAt,omitempty"`
	RefundedAt       *time.Time `json:"refundedAt,omitempty"`
	ReleasedAt       *time.Time `json:"releasedAt,omitempty"`

	// IsBalanceUpdated flips false→true exactly once, in the mutation that
	// credits the escrow to pending balances.
	IsBalanceUpdated    bool       `json:"isBalanceUpdated"`
	PendingSellerCredit int64      `json:"pendingSellerCredit"`
	PendingAdminCredit  int64      `json:"pendingAdminCredit"`
	Released            bool       `json:"released"`
	IsWithdrawn         bool       `json:"isWithdrawn"`
	WithdrawnAt         *time.Time `json:"withdrawnAt,omitempty"`

	ExtraRequest    *ExtraRequest    `json:"extraRequest,omitempty"`
	PaidExtraIDs    []string         `json:"paidExtraIds,omitempty"`
	RevisionLimit   int              `json:"revisionLimit"`
	UsedRevisions   int              `json:"usedRevisions"`
	RevisionRequest *RevisionRequest `json:"revisionRequest,omitempty"`
	Dispute         Dispute          `json:"dispute"`
	FailureReason   string           `json:"failureReason,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SellerNet is what the seller receives on release.
func (o *Order) SellerNet() int64 {
	return o.Price - o.AdminFee
}

// TotalDays is the catalog delivery time plus every paid extra.
func (o *Order) TotalDays() int {
	return o.DeliveryDays + o.ExtraDays
}

// DisputeDeadline is when an unanswered dispute is refunded automatically.
func (o *Order) DisputeDeadline(window time.Duration) *time.Time {
	if o.Dispute.Status != DisputeOpen || o.Dispute.ReportDate == nil {
		return nil
	}
	t := o.Dispute.ReportDate.Add(window)
	return &t
}

func (o *Order) hasPaidExtra(id string) bool {
	for _, paid := range o.PaidExtraIDs {
		if paid == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers never share nested pointers with a store.
func (o *Order) Clone() *Order {
	cp := *o
	if o.ExtraRequest != nil {
		er := *o.ExtraRequest
		cp.ExtraRequest = &er
	}
	if o.RevisionRequest != nil {
		rr := *o.RevisionRequest
		cp.RevisionRequest = &rr
	}
	cp.PaidExtraIDs = append([]string(nil), o.PaidExtraIDs...)
	return &cp
}

// setStatus applies a status change through the transition table.
func (o *Order) setStatus(to Status) error {
	if o.Status == to {
		return nil
	}
	if !o.Status.CanTransition(to) {
		return ErrInvalidTransition
	}
	o.Status = to
	return nil
}

func (o *Order) setEscrow(to EscrowStatus) error {
	if !o.EscrowStatus.CanTransition(to) {
		return ErrEscrowNotHeld
	}
	o.EscrowStatus = to
	return nil
}

// setProgress applies a progress change through the transition table.
// Work resuming moves a pending order to in_progress.
func (o *Order) setProgress(to ProgressStatus) error {
	if o.ProgressStatus == to {
		return nil
	}
	if !o.ProgressStatus.CanTransition(to) {
		return ErrInvalidTransition
	}
	o.ProgressStatus = to
	if to == ProgressInProgress && o.Status == StatusPending {
		o.Status = StatusInProgress
	}
	return nil
}

func (o *Order) setDispute(to DisputeStatus) error {
	if !o.Dispute.Status.CanTransition(to) {
		return ErrInvalidTransition
	}
	o.Dispute.Status = to
	return nil
}

// Party is the relationship of an actor to an order.
type Party int

const (
	PartyNone Party = iota
	PartyBuyer
	PartySeller
	PartyAdmin
	PartySystem
)

// PartyOf resolves actor's role on o. A user who is both buyer and seller
// cannot exist because ordering one's own item is rejected.
func (o *Order) PartyOf(actor auth.Actor) Party {
	switch {
	case actor.IsSystem():
		return PartySystem
	case actor.ID != "" && actor.ID == o.BuyerID:
		return PartyBuyer
	case actor.ID != "" && actor.ID == o.SellerID:
		return PartySeller
	case actor.IsAdmin():
		return PartyAdmin
	default:
		return PartyNone
	}
}

// requireParty is the single authorization check applied by every action.
func requireParty(o *Order, actor auth.Actor, allowed ...Party) (Party, error) {
	p := o.PartyOf(actor)
	for _, a := range allowed {
		if p == a {
			return p, nil
		}
	}
	return p, ErrForbidden
}

// FeePolicy computes the platform fee.
type FeePolicy struct {
	Rate decimal.Decimal
}

// Fee returns round(price * rate), rounding half away from zero.
func (f FeePolicy) Fee(price int64) int64 {
	return decimal.NewFromInt(price).Mul(f.Rate).Round(0).IntPart()
}
