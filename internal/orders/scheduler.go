package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gigmarket/orderflow/internal/apperr"
	"github.com/gigmarket/orderflow/internal/auth"
	"github.com/gigmarket/orderflow/internal/metrics"
	"github.com/gigmarket/orderflow/internal/traces"
)

// Deadline rule names, used in logs and metrics.
const (
	RuleNoResponse     = "no_response_refund"
	RuleDelayedRelease = "delayed_release"
	RuleDisputeTimeout = "dispute_timeout_refund"
)

// Windows are the deadlines the sweeper enforces.
type Windows struct {
	NoResponse     time.Duration
	Release        time.Duration
	DisputeTimeout time.Duration
}

// DefaultWindows are 30 days for seller acceptance, 25 days for buyer
// confirmation after acceptance, and 48 hours for a dispute response.
var DefaultWindows = Windows{
	NoResponse:     30 * 24 * time.Hour,
	Release:        25 * 24 * time.Hour,
	DisputeTimeout: 48 * time.Hour,
}

// AutoRefundUnaccepted refunds an order the seller never accepted. The rule
// is re-checked against the fresh order inside the mutation.
func (s *Service) AutoRefundUnaccepted(ctx context.Context, id string, createdBefore time.Time) (*Order, error) {
	o, _, err := s.tracedMutate(ctx, "orders.AutoRefundUnaccepted", id, func(o *Order, now time.Time) (*change, error) {
		if o.SellerAccepted || o.BuyerConfirmed || o.EscrowStatus != EscrowHeld ||
			o.Status != StatusPending || !o.CreatedAt.Before(createdBefore) || o.Dispute.Status.IsActive() {
			return nil, ErrPreconditionChanged
		}
		return s.refundChange(o, now, ProgressAutoRefunded, RuleNoResponse)
	})
	return o, err
}

// AutoRelease releases an accepted order the buyer never confirmed.
func (s *Service) AutoRelease(ctx context.Context, id string, acceptedBefore time.Time) (*Order, error) {
	o, _, err := s.tracedMutate(ctx, "orders.AutoRelease", id, func(o *Order, now time.Time) (*change, error) {
		if !o.SellerAccepted || o.AcceptedAt == nil || !o.AcceptedAt.Before(acceptedBefore) ||
			o.BuyerConfirmed || o.EscrowStatus != EscrowHeld || o.Dispute.Status.IsActive() {
			return nil, ErrPreconditionChanged
		}
		if o.Status != StatusPending && o.Status != StatusInProgress {
			return nil, ErrPreconditionChanged
		}
		return s.releaseChange(o, now, RuleDelayedRelease)
	})
	return o, err
}

// RefundUnansweredDispute refunds a dispute the seller let lapse.
func (s *Service) RefundUnansweredDispute(ctx context.Context, id string, reportedBefore time.Time) (*Order, error) {
	o, _, err := s.tracedMutate(ctx, "orders.RefundUnansweredDispute", id, func(o *Order, now time.Time) (*change, error) {
		d := o.Dispute
		if d.Status != DisputeOpen || d.SellerResponse != "" || d.ReportDate == nil ||
			!d.ReportDate.Before(reportedBefore) || o.EscrowStatus != EscrowHeld {
			return nil, ErrPreconditionChanged
		}
		if err := o.setDispute(DisputeRefunded); err != nil {
			return nil, err
		}
		o.Dispute.Resolution = ResolveRefund
		o.Dispute.ResolvedBy = auth.System.ID
		o.Dispute.ResolvedAt = &now
		ch, err := s.refundChange(o, now, ProgressAutoRefunded, RuleDisputeTimeout)
		if err != nil {
			return nil, err
		}
		ch.event = EventDisputeResolved
		return ch, nil
	})
	return o, err
}

// Scheduler runs one pass of every deadline rule.
type Scheduler interface {
	Sweep(ctx context.Context) (SweepResult, error)
}

// SweepResult counts what one pass did per rule.
type SweepResult struct {
	Applied map[string]int `json:"applied"`
	Skipped int            `json:"skipped"`
	Failed  int            `json:"failed"`
}

// Sweeper finds orders past a deadline and resolves them. Candidates come
// from store queries; the rule is re-checked under the version check, so a
// sweep racing a human action leaves whichever committed first.
type Sweeper struct {
	svc     *Service
	windows Windows
	batch   int
	logger  *slog.Logger
}

// NewSweeper creates a sweeper over the order service.
func NewSweeper(svc *Service, windows Windows, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{svc: svc, windows: windows, batch: 100, logger: logger}
}

type sweepRule struct {
	name  string
	list  func(ctx context.Context, cutoff time.Time, limit int) ([]*Order, error)
	apply func(ctx context.Context, id string, cutoff time.Time) (*Order, error)
	cut   time.Duration
}

// Sweep runs every rule once. A failing order does not stop the pass; the
// returned error joins list failures only.
func (sw *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	store := sw.svc.store
	rules := []sweepRule{
		{RuleNoResponse, store.ListUnaccepted, sw.svc.AutoRefundUnaccepted, sw.windows.NoResponse},
		{RuleDelayedRelease, store.ListUnconfirmed, sw.svc.AutoRelease, sw.windows.Release},
		{RuleDisputeTimeout, store.ListUnansweredDisputes, sw.svc.RefundUnansweredDispute, sw.windows.DisputeTimeout},
	}

	res := SweepResult{Applied: make(map[string]int, len(rules))}
	now := sw.svc.now()
	var errs []error
	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := sw.runRule(ctx, rule, now.Add(-rule.cut), &res); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rule.name, err))
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		metrics.SweepRunsTotal.WithLabelValues("error").Inc()
	} else {
		metrics.SweepRunsTotal.WithLabelValues("ok").Inc()
	}
	return res, err
}

// runRule drains a rule's candidates in batches. Orders already tried in
// this pass are skipped and the next fetch widens past them, so orders that
// keep failing cannot hold back the ones behind them.
func (sw *Sweeper) runRule(ctx context.Context, rule sweepRule, cutoff time.Time, res *SweepResult) error {
	ctx, span := traces.StartSpan(ctx, "orders.SweepRule", traces.Rule(rule.name))
	defer span.End()

	seen := make(map[string]struct{})
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		limit := sw.batch + len(seen)
		candidates, err := rule.list(ctx, cutoff, limit)
		if err != nil {
			traces.RecordError(span, err)
			return err
		}
		fresh := 0
		for _, c := range candidates {
			if _, ok := seen[c.ID]; ok {
				continue
			}
			seen[c.ID] = struct{}{}
			fresh++
			sw.apply(ctx, rule, c, cutoff, res)
		}
		if fresh == 0 || len(candidates) < limit {
			return nil
		}
	}
}

func (sw *Sweeper) apply(ctx context.Context, rule sweepRule, c *Order, cutoff time.Time, res *SweepResult) {
	_, err := rule.apply(ctx, c.ID, cutoff)
	switch {
	case err == nil:
		res.Applied[rule.name]++
		metrics.SweepActionsTotal.WithLabelValues(rule.name).Inc()
		sw.logger.Info("deadline rule applied", "rule", rule.name, "orderId", c.ID, "sellerId", c.SellerID, "price", c.Price)
	case apperr.KindOf(err) == apperr.Conflict:
		res.Skipped++
		sw.logger.Debug("deadline rule skipped", "rule", rule.name, "orderId", c.ID, "reason", err)
	default:
		res.Failed++
		sw.logger.Warn("deadline rule failed", "rule", rule.name, "orderId", c.ID, "error", err)
	}
}

// Locker serializes sweeps across replicas.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

const sweepLockKey = "orderflow:sweep"

// Timer periodically runs the scheduler.
type Timer struct {
	scheduler Scheduler
	interval  time.Duration
	locker    Locker
	logger    *slog.Logger
	stop      chan struct{}
	running   atomic.Bool
}

// NewTimer creates a timer that sweeps every interval.
func NewTimer(scheduler Scheduler, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		scheduler: scheduler,
		interval:  interval,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// WithLocker makes each tick skip unless it wins a distributed lock.
func (t *Timer) WithLocker(l Locker) *Timer {
	t.locker = l
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in sweep timer", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *Timer) sweep(ctx context.Context) {
	if t.locker != nil {
		release, ok, err := t.locker.TryLock(ctx, sweepLockKey, t.interval)
		if err != nil {
			t.logger.Warn("sweep lock unavailable", "error", err)
			metrics.SweepRunsTotal.WithLabelValues("skipped").Inc()
			return
		}
		if !ok {
			metrics.SweepRunsTotal.WithLabelValues("skipped").Inc()
			return
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				t.logger.Warn("failed to release sweep lock", "error", err)
			}
		}()
	}

	res, err := t.scheduler.Sweep(ctx)
	if err != nil {
		t.logger.Warn("sweep finished with errors", "error", err, "failed", res.Failed)
		return
	}
	if len(res.Applied) > 0 || res.Failed > 0 {
		t.logger.Info("sweep finished", "applied", res.Applied, "skipped", res.Skipped, "failed", res.Failed)
	}
}
