package orders

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigmarket/orderflow/internal/apperr"
)

func TestReportDispute(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.accepted(t, 100_000, 5, 1)

	_, err := f.svc.ReportDispute(ctx, seller, o.ID, "buyer vanished")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.ReportDispute(ctx, buyer, o.ID, "   ")
	assert.Equal(t, apperr.InvalidRequest, apperr.KindOf(err))

	o, err = f.svc.ReportDispute(ctx, buyer, o.ID, "files are empty")
	require.NoError(t, err)
	assert.Equal(t, DisputeOpen, o.Dispute.Status)
	assert.Equal(t, buyer.ID, o.Dispute.ReportedBy)
	assert.Equal(t, "files are empty", o.Dispute.Reason)
	require.NotNil(t, o.Dispute.ReportDate)

	deadline := o.DisputeDeadline(48 * time.Hour)
	require.NotNil(t, deadline)
	assert.Equal(t, o.Dispute.ReportDate.Add(48*time.Hour), *deadline)

	_, err = f.svc.ReportDispute(ctx, buyer, o.ID, "again")
	assert.ErrorIs(t, err, ErrDisputeOpen)
}

func TestReportDispute_ClosedOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.accepted(t, 100_000, 5, 1)
	_, err := f.svc.Complete(ctx, buyer, o.ID)
	require.NoError(t, err)

	_, err = f.svc.ReportDispute(ctx, buyer, o.ID, "changed my mind")
	assert.ErrorIs(t, err, ErrOrderClosed)
}

func TestRespondDispute(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.accepted(t, 100_000, 5, 1)

	_, err := f.svc.RespondDispute(ctx, seller, o.ID, "see attachment")
	assert.ErrorIs(t, err, ErrNoOpenDispute)

	_, err = f.svc.ReportDispute(ctx, buyer, o.ID, "files are empty")
	require.NoError(t, err)

	_, err = f.svc.RespondDispute(ctx, buyer, o.ID, "see attachment")
	assert.ErrorIs(t, err, ErrForbidden)

	o, err = f.svc.RespondDispute(ctx, seller, o.ID, "see attachment")
	require.NoError(t, err)
	assert.Equal(t, DisputeUnderReview, o.Dispute.Status)
	assert.Equal(t, "see attachment", o.Dispute.SellerResponse)
	assert.NotNil(t, o.Dispute.SellerResponseDate)
	assert.Nil(t, o.DisputeDeadline(48*time.Hour), "answered disputes have no deadline")

	_, err = f.svc.RespondDispute(ctx, seller, o.ID, "again")
	assert.ErrorIs(t, err, ErrNoOpenDispute)
}

func disputed(t *testing.T, f *fixture, respond bool) *Order {
	t.Helper()
	ctx := context.Background()
	o := f.accepted(t, 100_000, 5, 1)
	o, err := f.svc.ReportDispute(ctx, buyer, o.ID, "files are empty")
	require.NoError(t, err)
	if respond {
		o, err = f.svc.RespondDispute(ctx, seller, o.ID, "see attachment")
		require.NoError(t, err)
	}
	return o
}

func TestResolveDispute_Refund(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := disputed(t, f, true)

	_, err := f.svc.ResolveDispute(ctx, buyer, o.ID, ResolveRefund, "")
	assert.ErrorIs(t, err, ErrForbidden)

	o, err = f.svc.ResolveDispute(ctx, admin, o.ID, ResolveRefund, "work not delivered")
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, o.Status)
	assert.Equal(t, EscrowRefunded, o.EscrowStatus)
	assert.Equal(t, ProgressSellerRefunded, o.ProgressStatus)
	assert.Equal(t, DisputeResolved, o.Dispute.Status)
	assert.Equal(t, ResolveRefund, o.Dispute.Resolution)
	assert.Equal(t, "work not delivered", o.Dispute.ResolutionNote)
	assert.Equal(t, admin.ID, o.Dispute.ResolvedBy)

	assert.Equal(t, int64(0), f.account(t, seller.ID).Pending)
	assert.Equal(t, int64(0), f.account(t, seller.ID).Available)
	assert.Equal(t, int64(0), f.account(t, platformID).Pending)

	_, err = f.svc.ResolveDispute(ctx, admin, o.ID, ResolveRelease, "")
	assert.ErrorIs(t, err, ErrNoOpenDispute)
}

func TestResolveDispute_Release(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := disputed(t, f, false)

	o, err := f.svc.ResolveDispute(ctx, admin, o.ID, ResolveRelease, "delivered per brief")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, o.Status)
	assert.Equal(t, EscrowReleased, o.EscrowStatus)
	assert.Equal(t, DisputeResolved, o.Dispute.Status)
	assert.Equal(t, ResolveRelease, o.Dispute.Resolution)

	s := f.account(t, seller.ID)
	assert.Equal(t, int64(88_000), s.Available)
	assert.Equal(t, int64(1), s.TotalSales)
	assert.Equal(t, int64(12_000), f.account(t, platformID).Available)
}

func TestResolveDispute_RejectReopensPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := disputed(t, f, true)

	o, err := f.svc.ResolveDispute(ctx, admin, o.ID, ResolveRejectDispute, "no grounds")
	require.NoError(t, err)
	assert.Equal(t, DisputeNone, o.Dispute.Status)
	assert.Equal(t, ResolveRejectDispute, o.Dispute.Resolution)
	assert.Empty(t, o.Dispute.SellerResponse)
	assert.Equal(t, EscrowHeld, o.EscrowStatus)
	assert.Equal(t, int64(88_000), f.account(t, seller.ID).Pending)

	o, err = f.svc.ReportDispute(ctx, buyer, o.ID, "still broken")
	require.NoError(t, err)
	assert.Equal(t, DisputeOpen, o.Dispute.Status)
	assert.Equal(t, "still broken", o.Dispute.Reason)
	assert.Nil(t, o.Dispute.SellerResponseDate)

	// The earlier verdict survives the reopen.
	assert.Equal(t, ResolveRejectDispute, o.Dispute.Resolution)
	assert.Equal(t, "no grounds", o.Dispute.ResolutionNote)
	assert.Equal(t, admin.ID, o.Dispute.ResolvedBy)
	assert.NotNil(t, o.Dispute.ResolvedAt)
}

func TestResolveDispute_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.accepted(t, 100_000, 5, 1)

	_, err := f.svc.ResolveDispute(ctx, admin, o.ID, "split", "")
	assert.Equal(t, apperr.InvalidRequest, apperr.KindOf(err))

	_, err = f.svc.ResolveDispute(ctx, admin, o.ID, ResolveRefund, "")
	assert.ErrorIs(t, err, ErrNoOpenDispute)
}

func TestComplete_ClosesOpenDispute(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := disputed(t, f, false)

	o, err := f.svc.Complete(ctx, buyer, o.ID)
	require.NoError(t, err)
	assert.Equal(t, DisputeResolved, o.Dispute.Status)
	assert.Equal(t, ResolveRelease, o.Dispute.Resolution)

	f.clock.Advance(72 * time.Hour)
	res, err := NewSweeper(f.svc, DefaultWindows, nil).Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Applied[RuleDisputeTimeout])
	assert.Equal(t, int64(88_000), f.account(t, seller.ID).Available)
}
