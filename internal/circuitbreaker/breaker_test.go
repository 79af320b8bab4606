package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker() (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(3, time.Minute).WithClock(clock.Now), clock
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker()
	for i := 0; i < 2; i++ {
		b.RecordFailure("xendit.invoice")
	}
	if !b.Allow("xendit.invoice") {
		t.Fatal("expected closed circuit below threshold")
	}
	b.RecordFailure("xendit.invoice")
	if b.State("xendit.invoice") != StateOpen {
		t.Fatalf("expected open, got %s", b.State("xendit.invoice"))
	}
	if b.Allow("xendit.invoice") {
		t.Error("expected open circuit to reject")
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clock := newTestBreaker()
	for i := 0; i < 3; i++ {
		b.RecordFailure("k")
	}

	clock.Advance(time.Minute)
	if !b.Allow("k") {
		t.Fatal("expected probe after open duration")
	}
	if b.State("k") != StateHalfOpen {
		t.Fatalf("expected half_open, got %s", b.State("k"))
	}
	if b.Allow("k") {
		t.Error("expected second request rejected while probing")
	}

	b.RecordSuccess("k")
	if b.State("k") != StateClosed {
		t.Errorf("expected closed after successful probe, got %s", b.State("k"))
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker()
	for i := 0; i < 3; i++ {
		b.RecordFailure("k")
	}
	clock.Advance(time.Minute)
	b.Allow("k")
	b.RecordFailure("k")
	if b.State("k") != StateOpen {
		t.Errorf("expected open after failed probe, got %s", b.State("k"))
	}
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b, _ := newTestBreaker()
	for i := 0; i < 3; i++ {
		b.RecordFailure("xendit.payout")
	}
	if !b.Allow("xendit.invoice") {
		t.Error("expected unrelated key to stay closed")
	}
}

func TestBreaker_Execute(t *testing.T) {
	b, _ := newTestBreaker()
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		if err := b.Execute(context.Background(), "chat.teardown", func(context.Context) error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
	}

	called := false
	err := b.Execute(context.Background(), "chat.teardown", func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Error("expected fn not to run while open")
	}
}

func TestBreaker_ExecuteIgnoresCallerCancellation(t *testing.T) {
	b, _ := newTestBreaker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, "k", func(ctx context.Context) error { return ctx.Err() })
	}
	if b.State("k") != StateClosed {
		t.Errorf("expected cancellations not to trip the circuit, got %s", b.State("k"))
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half_open", State(9): "unknown"} {
		if s.String() != want {
			t.Errorf("State(%d).String() = %s, want %s", s, s.String(), want)
		}
	}
}
