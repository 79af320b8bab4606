package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigmarket/orderflow/internal/apperr"
	"github.com/gigmarket/orderflow/internal/auth"
	"github.com/gigmarket/orderflow/internal/catalog"
	"github.com/gigmarket/orderflow/internal/idgen"
	"github.com/gigmarket/orderflow/internal/ledger"
	"github.com/gigmarket/orderflow/internal/payments"
)

var (
	buyer    = auth.Actor{ID: "buyer1", Role: auth.RoleUser}
	seller   = auth.Actor{ID: "seller1", Role: auth.RoleUser}
	stranger = auth.Actor{ID: "someone", Role: auth.RoleUser}
	admin    = auth.Actor{ID: "ops", Role: auth.RoleAdmin}
)

const platformID = "platform"

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types(orderID string) []EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []EventType
	for _, ev := range p.events {
		if ev.OrderID == orderID {
			out = append(out, ev.Type)
		}
	}
	return out
}

type fixture struct {
	svc        *Service
	reconciler *Reconciler
	store      *MemoryStore
	ledger     *ledger.MemoryStore
	catalog    *catalog.MemoryStore
	gateway    *payments.Sandbox
	events     *recordingPublisher
	clock      *testClock
}

func testPolicy() Policy {
	return Policy{
		Fees:              FeePolicy{Rate: decimal.RequireFromString("0.12")},
		MaxOrderPrice:     10_000_000,
		MaxDeliveryDays:   20,
		PlatformAccountID: platformID,
		DisputeWindow:     48 * time.Hour,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	lg := ledger.NewMemoryStore()
	cat := catalog.NewMemoryStore()
	store := NewMemoryStore(lg)
	gw := payments.NewSandbox("")
	events := &recordingPublisher{}
	clock := &testClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}

	svc := NewService(store, catalog.NewService(cat, catalog.Limits{MaxPrice: 10_000_000, MaxDeliveryDays: 20}), testPolicy()).
		WithGateway(gw).
		WithSalesRecorder(lg).
		WithEvents(events).
		WithClock(clock.Now)
	return &fixture{
		svc:        svc,
		reconciler: NewReconciler(svc),
		store:      store,
		ledger:     lg,
		catalog:    cat,
		gateway:    gw,
		events:     events,
		clock:      clock,
	}
}

// listItem creates a catalog item owned by seller1.
func (f *fixture) listItem(t *testing.T, id string, price int64, days, revisions int) *catalog.Item {
	t.Helper()
	item := &catalog.Item{
		ID:            id,
		SellerID:      seller.ID,
		Title:         "Logo design " + id,
		Price:         price,
		DeliveryDays:  days,
		RevisionLimit: revisions,
		CreatedAt:     f.clock.Now(),
	}
	require.NoError(t, f.catalog.Create(context.Background(), item))
	return item
}

// pay delivers one paid notification for ref.
func (f *fixture) pay(t *testing.T, ref string) *ReconcileResult {
	t.Helper()
	res, err := f.reconciler.HandlePaymentEvent(context.Background(), PaymentEvent{
		Source:      "invoice",
		ExternalRef: ref,
		Status:      "PAID",
		PayerEmail:  "buyer@example.com",
	})
	require.NoError(t, err)
	return res
}

// paidOrder runs intent creation and one paid webhook for a fresh item.
func (f *fixture) paidOrder(t *testing.T, price int64, days, revisions int) *Order {
	t.Helper()
	item := f.listItem(t, idgen.WithPrefix("itm_"), price, days, revisions)
	intent, err := f.svc.CreatePaymentIntent(context.Background(), buyer, PaymentIntentRequest{CatalogItemID: item.ID})
	require.NoError(t, err)
	res := f.pay(t, intent.ExternalRef)
	require.Equal(t, OutcomeCredited, res.Outcome)
	o, err := f.store.Get(context.Background(), res.OrderID)
	require.NoError(t, err)
	return o
}

func (f *fixture) accepted(t *testing.T, price int64, days, revisions int) *Order {
	t.Helper()
	o := f.paidOrder(t, price, days, revisions)
	o, err := f.svc.Accept(context.Background(), seller, o.ID)
	require.NoError(t, err)
	return o
}

func (f *fixture) account(t *testing.T, id string) ledger.Account {
	t.Helper()
	acct, err := ledger.New(f.ledger, nil).Balance(context.Background(), id)
	require.NoError(t, err)
	return *acct
}

func (f *fixture) get(t *testing.T, id string) *Order {
	t.Helper()
	o, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return o
}

func TestFeePolicy_RoundsHalfAwayFromZero(t *testing.T) {
	fees := FeePolicy{Rate: decimal.RequireFromString("0.12")}
	tests := []struct {
		price int64
		want  int64
	}{
		{100_000, 12_000},
		{9_500_000, 1_140_000},
		{125, 15},
		{4, 0},
		{5, 1},
		{1, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, fees.Fee(tt.price), "price %d", tt.price)
	}
}

func TestCreatePaymentIntent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	item := f.listItem(t, "itm_logo", 100_000, 5, 1)

	intent, err := f.svc.CreatePaymentIntent(ctx, buyer, PaymentIntentRequest{CatalogItemID: item.ID, PayerEmail: "b@example.com"})
	require.NoError(t, err)
	assert.Contains(t, intent.ExternalRef, "ORDER-")
	assert.Equal(t, int64(100_000), intent.Amount)
	assert.NotEmpty(t, intent.InvoiceURL)

	corr, err := f.store.GetCorrelation(ctx, intent.ExternalRef)
	require.NoError(t, err)
	assert.Equal(t, CorrelationOrder, corr.Kind)
	assert.Equal(t, buyer.ID, corr.BuyerID)
	assert.Equal(t, item.ID, corr.CatalogItemID)

	invoices := f.gateway.Invoices()
	require.Len(t, invoices, 1)
	assert.Equal(t, intent.ExternalRef, invoices[0].ExternalRef)
}

func TestCreatePaymentIntent_Rejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	item := f.listItem(t, "itm_logo", 100_000, 5, 1)

	_, err := f.svc.CreatePaymentIntent(ctx, seller, PaymentIntentRequest{CatalogItemID: item.ID})
	assert.ErrorIs(t, err, ErrOwnItem)

	_, err = f.svc.CreatePaymentIntent(ctx, buyer, PaymentIntentRequest{CatalogItemID: "itm_missing"})
	assert.ErrorIs(t, err, catalog.ErrNotFound)

	_, err = f.svc.CreatePaymentIntent(ctx, auth.System, PaymentIntentRequest{CatalogItemID: item.ID})
	assert.ErrorIs(t, err, ErrForbidden)

	assert.Empty(t, f.gateway.Invoices())
}

func TestCreatePaymentIntent_ActiveOrderGuard(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.paidOrder(t, 100_000, 5, 1)

	_, err := f.svc.CreatePaymentIntent(ctx, stranger, PaymentIntentRequest{CatalogItemID: o.CatalogItemID})
	require.ErrorIs(t, err, ErrActiveOrderExists)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))

	_, err = f.svc.Complete(ctx, buyer, o.ID)
	require.NoError(t, err)

	_, err = f.svc.CreatePaymentIntent(ctx, stranger, PaymentIntentRequest{CatalogItemID: o.CatalogItemID})
	assert.NoError(t, err)
}

func TestCreatePaymentIntent_GatewayFailure(t *testing.T) {
	f := newFixture(t)
	item := f.listItem(t, "itm_logo", 100_000, 5, 1)
	f.gateway.FailWith(errors.New("provider down"))

	_, err := f.svc.CreatePaymentIntent(context.Background(), buyer, PaymentIntentRequest{CatalogItemID: item.ID})
	assert.Error(t, err)
}

func TestAccept(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.paidOrder(t, 100_000, 5, 1)

	_, err := f.svc.Accept(ctx, buyer, o.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	o, err = f.svc.Accept(ctx, seller, o.ID)
	require.NoError(t, err)
	assert.True(t, o.SellerAccepted)
	assert.NotNil(t, o.AcceptedAt)
	assert.Equal(t, ProgressAccepted, o.ProgressStatus)
	assert.Equal(t, StatusPending, o.Status)

	_, err = f.svc.Accept(ctx, seller, o.ID)
	assert.ErrorIs(t, err, ErrAlreadyAccepted)
}

func TestComplete_ReleasesEscrow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.accepted(t, 100_000, 5, 1)

	before := f.account(t, seller.ID)
	assert.Equal(t, int64(88_000), before.Pending)
	assert.Equal(t, int64(12_000), f.account(t, platformID).Pending)

	o, err := f.svc.Complete(ctx, buyer, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, o.Status)
	assert.Equal(t, EscrowReleased, o.EscrowStatus)
	assert.Equal(t, ProgressDelivered, o.ProgressStatus)
	assert.True(t, o.BuyerConfirmed)
	assert.True(t, o.Released)
	assert.Equal(t, int64(12_000), o.AdminFee)
	assert.Zero(t, o.PendingSellerCredit)

	s := f.account(t, seller.ID)
	assert.Equal(t, int64(0), s.Pending)
	assert.Equal(t, int64(88_000), s.Available)
	assert.Equal(t, int64(1), s.TotalSales)

	p := f.account(t, platformID)
	assert.Equal(t, int64(0), p.Pending)
	assert.Equal(t, int64(12_000), p.Available)

	item, err := f.catalog.Get(ctx, o.CatalogItemID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), item.Sales)

	assert.Equal(t, []EventType{EventCreated, EventFunded, EventAccepted, EventCompleted}, f.events.types(o.ID))
}

func TestComplete_TwiceConflictsWithoutMovingMoney(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.accepted(t, 100_000, 5, 1)

	_, err := f.svc.Complete(ctx, buyer, o.ID)
	require.NoError(t, err)
	after := f.account(t, seller.ID)

	_, err = f.svc.Complete(ctx, buyer, o.ID)
	require.ErrorIs(t, err, ErrAlreadyCompleted)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
	assert.Equal(t, after, f.account(t, seller.ID))
}

func TestComplete_OnlySellerOrStrangerForbidden(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.paidOrder(t, 100_000, 5, 1)

	for _, a := range []auth.Actor{seller, stranger, admin} {
		_, err := f.svc.Complete(ctx, a, o.ID)
		assert.ErrorIs(t, err, ErrForbidden, a.ID)
	}
}

func TestComplete_ConcurrentReleasesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.accepted(t, 100_000, 5, 1)

	const n = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Complete(ctx, buyer, o.ID)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrAlreadyCompleted)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	s := f.account(t, seller.ID)
	assert.Equal(t, int64(88_000), s.Available)
	assert.Equal(t, int64(0), s.Pending)
	assert.Equal(t, int64(1), s.TotalSales)
}

func TestReject_RefundsPendingOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.paidOrder(t, 100_000, 5, 1)

	_, err := f.svc.Reject(ctx, buyer, o.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	o, err = f.svc.Reject(ctx, seller, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, o.Status)
	assert.Equal(t, EscrowRefunded, o.EscrowStatus)
	assert.Equal(t, ProgressSellerRefunded, o.ProgressStatus)
	assert.NotNil(t, o.RefundedAt)

	assert.Equal(t, int64(0), f.account(t, seller.ID).Pending)
	assert.Equal(t, int64(0), f.account(t, seller.ID).Available)
	assert.Equal(t, int64(0), f.account(t, platformID).Pending)

	_, err = f.svc.Reject(ctx, seller, o.ID)
	assert.ErrorIs(t, err, ErrOrderClosed)
}

func TestReject_InProgressIsNotPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.accepted(t, 100_000, 5, 1)

	o, err := f.svc.UpdateProgress(ctx, seller, o.ID, ProgressInProgress)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, o.Status)

	_, err = f.svc.Reject(ctx, seller, o.ID)
	require.ErrorIs(t, err, ErrNotPending)
	assert.Equal(t, apperr.InvalidRequest, apperr.KindOf(err))
}

func TestUpdateProgress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.paidOrder(t, 100_000, 5, 1)

	_, err := f.svc.UpdateProgress(ctx, seller, o.ID, ProgressInProgress)
	assert.ErrorIs(t, err, ErrInvalidTransition, "not accepted yet")

	_, err = f.svc.Accept(ctx, seller, o.ID)
	require.NoError(t, err)

	_, err = f.svc.UpdateProgress(ctx, seller, o.ID, ProgressAutoRefunded)
	assert.Equal(t, apperr.InvalidRequest, apperr.KindOf(err))

	o, err = f.svc.UpdateProgress(ctx, seller, o.ID, ProgressInProgress)
	require.NoError(t, err)
	assert.Equal(t, ProgressInProgress, o.ProgressStatus)
	assert.NotNil(t, o.WorkStartedAt)
	version := o.Version

	o, err = f.svc.UpdateProgress(ctx, seller, o.ID, ProgressInProgress)
	require.NoError(t, err)
	assert.Equal(t, version, o.Version, "no-op must not write")

	o, err = f.svc.UpdateProgress(ctx, seller, o.ID, ProgressDelivered)
	require.NoError(t, err)
	assert.Equal(t, ProgressDelivered, o.ProgressStatus)
	assert.Equal(t, EscrowHeld, o.EscrowStatus)
}

func TestFail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.paidOrder(t, 100_000, 5, 1)

	_, err := f.svc.Fail(ctx, seller, o.ID, "chargeback")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.Fail(ctx, admin, o.ID, "  ")
	assert.Equal(t, apperr.InvalidRequest, apperr.KindOf(err))

	o, err = f.svc.Fail(ctx, admin, o.ID, "chargeback")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, o.Status)
	assert.Equal(t, EscrowRefunded, o.EscrowStatus)
	assert.Equal(t, "chargeback", o.FailureReason)
	assert.Equal(t, int64(0), f.account(t, seller.ID).Pending)

	_, err = f.svc.Complete(ctx, buyer, o.ID)
	assert.ErrorIs(t, err, ErrOrderClosed)
}

func TestGet_VisibleToPartiesAndAdmin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.paidOrder(t, 100_000, 5, 1)

	for _, a := range []auth.Actor{buyer, seller, admin, auth.System} {
		_, err := f.svc.Get(ctx, a, o.ID)
		assert.NoError(t, err, a.ID)
	}
	_, err := f.svc.Get(ctx, stranger, o.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.Get(ctx, admin, "ord_missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestListMine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.paidOrder(t, 100_000, 5, 1)
	f.clock.Advance(time.Minute)
	f.paidOrder(t, 200_000, 5, 1)

	asBuyer, err := f.svc.ListMine(ctx, buyer, false, ListFilter{})
	require.NoError(t, err)
	require.Len(t, asBuyer, 2)
	assert.Equal(t, int64(200_000), asBuyer[0].Price, "newest first")

	asSeller, err := f.svc.ListMine(ctx, seller, true, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, asSeller, 2)

	none, err := f.svc.ListMine(ctx, stranger, false, ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = f.svc.ListAll(ctx, buyer, ListFilter{})
	assert.ErrorIs(t, err, ErrForbidden)
	all, err := f.svc.ListAll(ctx, admin, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSummary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	done := f.accepted(t, 100_000, 5, 1)
	_, err := f.svc.Complete(ctx, buyer, done.ID)
	require.NoError(t, err)
	f.paidOrder(t, 50_000, 5, 1)

	_, err = f.svc.Summary(ctx, buyer, time.Time{})
	assert.ErrorIs(t, err, ErrForbidden)

	sum, err := f.svc.Summary(ctx, admin, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.TotalOrders)
	assert.Equal(t, 1, sum.ByStatus[StatusCompleted])
	assert.Equal(t, 1, sum.ByStatus[StatusPending])
	assert.Equal(t, int64(100_000), sum.GrossRevenue)
	assert.Equal(t, int64(12_000), sum.PlatformRevenue)
	assert.Equal(t, int64(50_000), sum.HeldEscrow)
	require.Len(t, sum.Monthly, 1)
	assert.Equal(t, "2026-03", sum.Monthly[0].Month)
}

func TestMarkWithdrawn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	done := f.accepted(t, 100_000, 5, 1)
	_, err := f.svc.Complete(ctx, buyer, done.ID)
	require.NoError(t, err)
	open := f.paidOrder(t, 50_000, 5, 1)

	n, err := f.svc.MarkWithdrawn(ctx, seller.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, f.get(t, done.ID).IsWithdrawn)
	assert.False(t, f.get(t, open.ID).IsWithdrawn)

	n, err = f.svc.MarkWithdrawn(ctx, seller.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// conflictStore loses every version check.
type conflictStore struct {
	*MemoryStore
}

func (conflictStore) Update(context.Context, *Order, []ledger.Posting) error {
	return ErrVersionConflict
}

func TestMutate_GivesUpAfterRepeatedConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.paidOrder(t, 100_000, 5, 1)

	svc := NewService(conflictStore{f.store}, f.svc.catalog, testPolicy()).WithClock(f.clock.Now)
	_, err := svc.Accept(ctx, seller, o.ID)
	require.ErrorIs(t, err, ErrContention)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
	assert.False(t, f.get(t, o.ID).SellerAccepted)
}

type recordingConversations struct {
	mu  sync.Mutex
	ids []string
}

func (c *recordingConversations) Teardown(_ context.Context, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, orderID)
	return nil
}

func (c *recordingConversations) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

func TestComplete_TearsDownConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	chat := &recordingConversations{}
	f.svc.WithConversations(chat)
	o := f.accepted(t, 100_000, 5, 1)
	assert.Equal(t, 0, chat.count())

	_, err := f.svc.Complete(ctx, buyer, o.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return chat.count() == 1 }, time.Second, 5*time.Millisecond)
}
