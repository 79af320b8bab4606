package orders

import (
	"context"
	"time"
)

// EventType names an order lifecycle event.
type EventType string

const (
	EventCreated          EventType = "order.created"
	EventFunded           EventType = "order.funded"
	EventAccepted         EventType = "order.accepted"
	EventProgress         EventType = "order.progress"
	EventCompleted        EventType = "order.completed"
	EventRefunded         EventType = "order.refunded"
	EventFailed           EventType = "order.failed"
	EventExtraRequested   EventType = "order.extra_requested"
	EventExtraPaid        EventType = "order.extra_paid"
	EventExtraRejected    EventType = "order.extra_rejected"
	EventRevisionRequest  EventType = "order.revision_requested"
	EventRevisionResponse EventType = "order.revision_responded"
	EventDisputeOpened    EventType = "order.dispute_opened"
	EventDisputeResponded EventType = "order.dispute_responded"
	EventDisputeResolved  EventType = "order.dispute_resolved"
)

// Event is the notification emitted after a committed transition.
type Event struct {
	Type           EventType      `json:"type"`
	OrderID        string         `json:"orderId"`
	BuyerID        string         `json:"buyerId,omitempty"`
	SellerID       string         `json:"sellerId"`
	Status         Status         `json:"status"`
	EscrowStatus   EscrowStatus   `json:"escrowStatus"`
	ProgressStatus ProgressStatus `json:"progressStatus"`
	DisputeStatus  DisputeStatus  `json:"disputeStatus"`
	Price          int64          `json:"price"`
	Version        int64          `json:"version"`
	Timestamp      time.Time      `json:"timestamp"`
}

// EventPublisher delivers events to subscribers. Delivery is best-effort;
// a failed publish never rolls back the transition.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

func newEvent(t EventType, o *Order, at time.Time) Event {
	return Event{
		Type:           t,
		OrderID:        o.ID,
		BuyerID:        o.BuyerID,
		SellerID:       o.SellerID,
		Status:         o.Status,
		EscrowStatus:   o.EscrowStatus,
		ProgressStatus: o.ProgressStatus,
		DisputeStatus:  o.Dispute.Status,
		Price:          o.Price,
		Version:        o.Version,
		Timestamp:      at,
	}
}
