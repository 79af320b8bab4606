package orders

import (
	"context"
	"strings"
	"time"

	"github.com/gigmarket/orderflow/internal/apperr"
	"github.com/gigmarket/orderflow/internal/auth"
)

// ReportDispute is the buyer contesting an order.
func (s *Service) ReportDispute(ctx context.Context, actor auth.Actor, id, reason string) (*Order, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Invalid("reason is required")
	}
	o, _, err := s.tracedMutate(ctx, "orders.ReportDispute", id, func(o *Order, now time.Time) (*change, error) {
		if _, err := requireParty(o, actor, PartyBuyer); err != nil {
			return nil, err
		}
		if o.Status.IsTerminal() || o.EscrowStatus != EscrowHeld {
			return nil, ErrOrderClosed
		}
		if o.Dispute.Status != DisputeNone {
			return nil, ErrDisputeOpen
		}
		if err := o.setDispute(DisputeOpen); err != nil {
			return nil, err
		}
		// A rejected earlier dispute keeps its verdict fields until a new
		// verdict replaces them.
		o.Dispute.ReportedBy = actor.ID
		o.Dispute.Reason = reason
		o.Dispute.ReportDate = &now
		o.Dispute.SellerResponse = ""
		o.Dispute.SellerResponseDate = nil
		return &change{transition: "dispute_opened", event: EventDisputeOpened}, nil
	})
	return o, err
}

// RespondDispute is the seller answering an open dispute, which stops the
// response-timeout refund and hands the case to an admin.
func (s *Service) RespondDispute(ctx context.Context, actor auth.Actor, id, response string) (*Order, error) {
	response = strings.TrimSpace(response)
	if response == "" {
		return nil, apperr.Invalid("response is required")
	}
	o, _, err := s.tracedMutate(ctx, "orders.RespondDispute", id, func(o *Order, now time.Time) (*change, error) {
		if _, err := requireParty(o, actor, PartySeller); err != nil {
			return nil, err
		}
		if o.Dispute.Status != DisputeOpen {
			return nil, ErrNoOpenDispute
		}
		if err := o.setDispute(DisputeUnderReview); err != nil {
			return nil, err
		}
		o.Dispute.SellerResponse = response
		o.Dispute.SellerResponseDate = &now
		return &change{transition: "dispute_responded", event: EventDisputeResponded}, nil
	})
	return o, err
}

// ResolveDispute applies an admin verdict.
func (s *Service) ResolveDispute(ctx context.Context, actor auth.Actor, id string, action ResolutionAction, note string) (*Order, error) {
	if !action.IsValid() {
		return nil, apperr.Invalid("action must be one of refund, release, reject_dispute")
	}
	o, _, err := s.tracedMutate(ctx, "orders.ResolveDispute", id, func(o *Order, now time.Time) (*change, error) {
		if _, err := requireParty(o, actor, PartyAdmin); err != nil {
			return nil, err
		}
		if !o.Dispute.Status.IsActive() {
			return nil, ErrNoOpenDispute
		}

		var (
			ch  *change
			err error
		)
		switch action {
		case ResolveRefund:
			ch, err = s.refundChange(o, now, ProgressSellerRefunded, "dispute_refund")
		case ResolveRelease:
			ch, err = s.releaseChange(o, now, "dispute_release")
		case ResolveRejectDispute:
			if err := o.setDispute(DisputeNone); err != nil {
				return nil, err
			}
			o.Dispute.Reason = ""
			o.Dispute.SellerResponse = ""
			o.Dispute.SellerResponseDate = nil
			ch = &change{transition: "dispute_rejected"}
		}
		if err != nil {
			return nil, err
		}
		o.Dispute.Resolution = action
		o.Dispute.ResolutionNote = strings.TrimSpace(note)
		o.Dispute.ResolvedBy = actor.ID
		o.Dispute.ResolvedAt = &now
		ch.event = EventDisputeResolved
		return ch, nil
	})
	return o, err
}
