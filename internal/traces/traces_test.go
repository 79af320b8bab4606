package traces

import (
	"context"
	"errors"
	"log/slog"
	"testing"
)

func TestInit_NoEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "test", slog.Default())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestStartSpan_WithAttributes(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "orders.test", OrderID("ord_1"), Amount(100_000))
	defer span.End()

	if ctx == nil {
		t.Fatal("expected context")
	}
	RecordError(span, nil)
	RecordError(span, errors.New("boom"))
}
