package eventbus

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gigmarket/orderflow/internal/metrics"
	"github.com/gigmarket/orderflow/internal/orders"
)

// Sink is a named destination inside a Fanout.
type Sink struct {
	Name      string
	Publisher orders.EventPublisher
}

// Fanout delivers each event to every sink. A failing sink is counted and
// logged but does not stop delivery to the others.
type Fanout struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewFanout creates a fanout over sinks. Sinks with a nil publisher are skipped.
func NewFanout(logger *slog.Logger, sinks ...Sink) *Fanout {
	f := &Fanout{logger: logger}
	for _, s := range sinks {
		if s.Publisher != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Len reports how many sinks are attached.
func (f *Fanout) Len() int { return len(f.sinks) }

// Publish sends the event to all sinks and joins their errors.
func (f *Fanout) Publish(ctx context.Context, event orders.Event) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publisher.Publish(ctx, event); err != nil {
			metrics.EventPublishFailuresTotal.WithLabelValues(s.Name).Inc()
			f.logger.Warn("event publish failed",
				"sink", s.Name, "type", event.Type, "order_id", event.OrderID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
