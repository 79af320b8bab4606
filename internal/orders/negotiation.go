package orders

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gigmarket/orderflow/internal/apperr"
	"github.com/gigmarket/orderflow/internal/auth"
	"github.com/gigmarket/orderflow/internal/idgen"
	"github.com/gigmarket/orderflow/internal/payments"
)

// ExtraProposal asks for more scope, money and days on an order.
type ExtraProposal struct {
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
	ExtraDays   int    `json:"extraDays"`
}

func (p ExtraProposal) validate() error {
	if strings.TrimSpace(p.Description) == "" {
		return apperr.Invalid("description is required")
	}
	if p.Amount <= 0 {
		return apperr.Invalid("amount must be positive")
	}
	if p.ExtraDays < 0 {
		return apperr.Invalid("extraDays cannot be negative")
	}
	return nil
}

// checkExtraCaps rejects a proposal that would take the order past the
// price or delivery-time ceiling.
func (s *Service) checkExtraCaps(o *Order, p ExtraProposal) error {
	if o.Price+p.Amount > s.policy.MaxOrderPrice {
		return ErrPriceCapExceeded
	}
	if o.TotalDays()+p.ExtraDays > s.policy.MaxDeliveryDays {
		return ErrDurationCapExceeded
	}
	return nil
}

// RequestExtra opens an extra-charge request and issues the invoice the
// buyer pays to accept it.
func (s *Service) RequestExtra(ctx context.Context, actor auth.Actor, id string, p ExtraProposal) (*Order, *PaymentIntent, error) {
	if err := p.validate(); err != nil {
		return nil, nil, err
	}
	// Validate against the current order before writing the correlation so
	// a rejected proposal leaves nothing behind.
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err := s.canRequestExtra(current, actor, p); err != nil {
		return nil, nil, err
	}

	extraID := idgen.WithPrefix("xtr_")
	corr := &Correlation{
		ExternalRef:    idgen.Reference("EXTRA"),
		Kind:           CorrelationExtra,
		RelatedOrderID: id,
		ExtraRequestID: extraID,
		BuyerID:        current.BuyerID,
		Amount:         p.Amount,
		CreatedAt:      s.now(),
	}
	if err := s.store.CreateCorrelation(ctx, corr); err != nil {
		return nil, nil, fmt.Errorf("failed to record payment reference: %w", err)
	}

	o, _, err := s.tracedMutate(ctx, "orders.RequestExtra", id, func(o *Order, now time.Time) (*change, error) {
		if err := s.canRequestExtra(o, actor, p); err != nil {
			return nil, err
		}
		// Before acceptance the progress stays awaiting_seller_acceptance;
		// the pending request is carried by ExtraRequest alone.
		if o.SellerAccepted {
			if err := o.setProgress(ProgressExtraRequested); err != nil {
				return nil, err
			}
		}
		o.ExtraRequest = &ExtraRequest{
			ID:          extraID,
			RequestedBy: actor.ID,
			Description: strings.TrimSpace(p.Description),
			Amount:      p.Amount,
			ExtraDays:   p.ExtraDays,
			Status:      ExtraPending,
			PaymentRef:  corr.ExternalRef,
			RequestedAt: now,
		}
		return &change{transition: "extra_requested", event: EventExtraRequested}, nil
	})
	if err != nil {
		return nil, nil, err
	}

	intent, err := s.extraInvoice(ctx, o, corr)
	if err != nil {
		return o, nil, err
	}
	return o, intent, nil
}

func (s *Service) canRequestExtra(o *Order, actor auth.Actor, p ExtraProposal) error {
	if _, err := requireParty(o, actor, PartyBuyer, PartySeller); err != nil {
		return err
	}
	if o.Status.IsTerminal() || o.EscrowStatus != EscrowHeld {
		return ErrOrderClosed
	}
	if o.ExtraRequest != nil && o.ExtraRequest.Status == ExtraPending {
		return ErrExtraPending
	}
	if err := s.checkExtraCaps(o, p); err != nil {
		return err
	}
	if o.SellerAccepted && !o.ProgressStatus.CanTransition(ProgressExtraRequested) {
		return ErrInvalidTransition
	}
	return nil
}

// PayExtra re-issues the invoice for the pending extra charge under a fresh
// reference, for when the first invoice expired.
func (s *Service) PayExtra(ctx context.Context, actor auth.Actor, id string) (*PaymentIntent, error) {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := requireParty(current, actor, PartyBuyer); err != nil {
		return nil, err
	}
	if current.ExtraRequest == nil || current.ExtraRequest.Status != ExtraPending {
		return nil, ErrNoPendingExtra
	}
	extraID := current.ExtraRequest.ID

	corr := &Correlation{
		ExternalRef:    idgen.Reference("EXTRA"),
		Kind:           CorrelationExtra,
		RelatedOrderID: id,
		ExtraRequestID: extraID,
		BuyerID:        current.BuyerID,
		Amount:         current.ExtraRequest.Amount,
		CreatedAt:      s.now(),
	}
	if err := s.store.CreateCorrelation(ctx, corr); err != nil {
		return nil, fmt.Errorf("failed to record payment reference: %w", err)
	}
	o, _, err := s.mutate(ctx, id, func(o *Order, now time.Time) (*change, error) {
		if o.ExtraRequest == nil || o.ExtraRequest.ID != extraID || o.ExtraRequest.Status != ExtraPending {
			return nil, ErrNoPendingExtra
		}
		o.ExtraRequest.PaymentRef = corr.ExternalRef
		return &change{transition: "extra_invoice_reissued"}, nil
	})
	if err != nil {
		return nil, err
	}
	return s.extraInvoice(ctx, o, corr)
}

func (s *Service) extraInvoice(ctx context.Context, o *Order, corr *Correlation) (*PaymentIntent, error) {
	inv, err := s.invoice(ctx, payments.InvoiceRequest{
		ExternalRef: corr.ExternalRef,
		Amount:      corr.Amount,
		Description: fmt.Sprintf("Extra charge: %s", o.ExtraRequest.Description),
		PayerEmail:  o.BuyerEmail,
	})
	if err != nil {
		return nil, err
	}
	return &PaymentIntent{
		ExternalRef: corr.ExternalRef,
		InvoiceURL:  inv.URL,
		Amount:      corr.Amount,
		ExpiresAt:   inv.ExpiresAt,
	}, nil
}

// RejectExtra withdraws or declines the pending extra charge. The request
// is cleared, not archived.
func (s *Service) RejectExtra(ctx context.Context, actor auth.Actor, id string) (*Order, error) {
	o, _, err := s.mutate(ctx, id, func(o *Order, now time.Time) (*change, error) {
		if _, err := requireParty(o, actor, PartyBuyer, PartySeller); err != nil {
			return nil, err
		}
		if o.ExtraRequest == nil || o.ExtraRequest.Status != ExtraPending {
			return nil, ErrNoPendingExtra
		}
		o.ExtraRequest = nil
		if o.ProgressStatus == ProgressExtraRequested {
			if err := o.setProgress(ProgressInProgress); err != nil {
				return nil, err
			}
		}
		return &change{transition: "extra_rejected", event: EventExtraRejected}, nil
	})
	return o, err
}

// RequestRevisionUse is the seller asking the buyer to count a revision.
func (s *Service) RequestRevisionUse(ctx context.Context, actor auth.Actor, id string) (*Order, error) {
	o, _, err := s.mutate(ctx, id, func(o *Order, now time.Time) (*change, error) {
		if _, err := requireParty(o, actor, PartySeller); err != nil {
			return nil, err
		}
		if o.Status.IsTerminal() || o.EscrowStatus != EscrowHeld {
			return nil, ErrOrderClosed
		}
		if o.RevisionRequest != nil && o.RevisionRequest.Status == RevisionPending {
			return nil, ErrRevisionPending
		}
		if o.UsedRevisions >= o.RevisionLimit {
			return nil, ErrRevisionLimit
		}
		if err := o.setProgress(ProgressRevisionRequested); err != nil {
			return nil, err
		}
		o.RevisionRequest = &RevisionRequest{From: actor.ID, Status: RevisionPending, Date: now}
		return &change{transition: "revision_requested", event: EventRevisionRequest}, nil
	})
	return o, err
}

// RespondRevisionUse is the buyer approving or declining the revision count.
func (s *Service) RespondRevisionUse(ctx context.Context, actor auth.Actor, id string, approve bool) (*Order, error) {
	o, _, err := s.mutate(ctx, id, func(o *Order, now time.Time) (*change, error) {
		if _, err := requireParty(o, actor, PartyBuyer); err != nil {
			return nil, err
		}
		rr := o.RevisionRequest
		if rr == nil || rr.Status != RevisionPending {
			return nil, ErrNoPendingRevision
		}
		if approve {
			rr.Status = RevisionAccepted
			o.UsedRevisions = min(o.UsedRevisions+1, o.RevisionLimit)
		} else {
			rr.Status = RevisionRejected
		}
		rr.RespondedAt = &now
		if o.ProgressStatus == ProgressRevisionRequested {
			if err := o.setProgress(ProgressInProgress); err != nil {
				return nil, err
			}
		}
		return &change{transition: "revision_responded", event: EventRevisionResponse}, nil
	})
	return o, err
}
