package withdrawals

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigmarket/orderflow/internal/apperr"
	"github.com/gigmarket/orderflow/internal/auth"
	"github.com/gigmarket/orderflow/internal/ledger"
	"github.com/gigmarket/orderflow/internal/payments"
	"github.com/gigmarket/orderflow/internal/security"
)

var (
	seller = auth.Actor{ID: "seller1", Role: auth.RoleUser}
	admin  = auth.Actor{ID: "ops", Role: auth.RoleAdmin}
)

type fakeMarker struct {
	calls atomic.Int32
	last  atomic.Value
}

func (m *fakeMarker) MarkWithdrawn(_ context.Context, sellerID string) (int, error) {
	m.calls.Add(1)
	m.last.Store(sellerID)
	return 2, nil
}

type fixture struct {
	svc     *Service
	ledger  *ledger.MemoryStore
	gateway *payments.Sandbox
	marker  *fakeMarker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	lg := ledger.NewMemoryStore()
	gw := payments.NewSandbox("")
	mk := &fakeMarker{}
	svc := NewService(NewMemoryStore(lg), gw, Rules{MinAmount: 10_000, PlatformAccountID: "platform"}).
		WithWithdrawnMarker(mk).
		WithClock(func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) })
	return &fixture{svc: svc, ledger: lg, gateway: gw, marker: mk}
}

func (f *fixture) fund(t *testing.T, accountID string, kind ledger.Kind, amount int64) {
	t.Helper()
	require.NoError(t, f.ledger.Apply(context.Background(),
		ledger.Credit(accountID, kind, ledger.Available, amount, "seed", "")))
}

func (f *fixture) available(t *testing.T, accountID string) int64 {
	t.Helper()
	acct, err := f.ledger.Get(context.Background(), accountID)
	require.NoError(t, err)
	return acct.Available
}

func validRequest(amount int64) Request {
	return Request{Amount: amount, Method: "BCA", Destination: "1234567890", AccountName: "Seller One"}
}

func TestRequest_DebitsAndDispatches(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "seller1", ledger.KindSeller, 100_000)

	w, err := f.svc.Request(context.Background(), seller, validRequest(40_000))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, w.Status)
	assert.Equal(t, "bca", w.Method)
	assert.NotEmpty(t, w.ProviderID)
	assert.Equal(t, int64(60_000), f.available(t, "seller1"))

	payouts := f.gateway.Payouts()
	require.Len(t, payouts, 1)
	assert.Equal(t, w.ExternalRef, payouts[0].ExternalRef)
	assert.Equal(t, int64(40_000), payouts[0].Amount)
}

func TestRequest_Validation(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "seller1", ledger.KindSeller, 100_000)

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"below minimum", validRequest(9_999), ErrBelowMinimum},
		{"unknown bank", Request{Amount: 20_000, Method: "chase", Destination: "1234567890"}, ErrUnsupportedMethod},
		{"short destination", Request{Amount: 20_000, Method: "bni", Destination: "12345"}, ErrInvalidDestination},
		{"long destination", Request{Amount: 20_000, Method: "bni", Destination: strings.Repeat("9", 21)}, ErrInvalidDestination},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Request(context.Background(), seller, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, int64(100_000), f.available(t, "seller1"), "rejected requests must not move money")
	assert.Empty(t, f.gateway.Payouts())
}

func TestRequest_InsufficientBalance(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "seller1", ledger.KindSeller, 15_000)

	_, err := f.svc.Request(context.Background(), seller, validRequest(20_000))
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Equal(t, int64(15_000), f.available(t, "seller1"))
	assert.Empty(t, f.gateway.Payouts())
}

func TestRequest_AdminDrawsOnPlatformAccount(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "platform", ledger.KindPlatform, 50_000)

	w, err := f.svc.Request(context.Background(), admin, validRequest(50_000))
	require.NoError(t, err)
	assert.Equal(t, "platform", w.AccountID)
	assert.Equal(t, ledger.KindPlatform, w.AccountKind)
	assert.Equal(t, int64(0), f.available(t, "platform"))
}

func TestRequest_ProviderRejectionReversesDebit(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "seller1", ledger.KindSeller, 30_000)
	f.gateway.FailWith(apperr.New(apperr.InvalidRequest, "provider_rejected", "invalid account"))

	_, err := f.svc.Request(context.Background(), seller, validRequest(30_000))
	require.Error(t, err)
	assert.Equal(t, int64(30_000), f.available(t, "seller1"))

	list, err := f.svc.List(context.Background(), seller, nil, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, StatusFailed, list[0].Status)
}

func TestRequest_ProviderOutageLeavesPending(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "seller1", ledger.KindSeller, 30_000)
	f.gateway.FailWith(payments.ErrProviderUnavailable)

	w, err := f.svc.Request(context.Background(), seller, validRequest(30_000))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, w.Status)
	assert.Equal(t, int64(0), f.available(t, "seller1"))
}

func TestHandlePayoutEvent_SuccessMarksOrders(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "seller1", ledger.KindSeller, 50_000)
	w, err := f.svc.Request(context.Background(), seller, validRequest(50_000))
	require.NoError(t, err)

	res, err := f.svc.HandlePayoutEvent(context.Background(), PayoutEvent{ExternalRef: w.ExternalRef, Status: "COMPLETED"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, res.Outcome)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, int64(0), f.available(t, "seller1"))
	assert.Equal(t, int32(1), f.marker.calls.Load())
	assert.Equal(t, "seller1", f.marker.last.Load())
}

func TestHandlePayoutEvent_FailureRecreditsOnce(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "seller1", ledger.KindSeller, 50_000)
	w, err := f.svc.Request(context.Background(), seller, validRequest(50_000))
	require.NoError(t, err)

	ev := PayoutEvent{ExternalRef: w.ExternalRef, Status: "FAILED", FailureCode: "INVALID_DESTINATION"}
	for i := 0; i < 3; i++ {
		_, err := f.svc.HandlePayoutEvent(context.Background(), ev)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(50_000), f.available(t, "seller1"))

	got, err := f.svc.Get(context.Background(), seller, w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "INVALID_DESTINATION", got.FailureReason)
	assert.Equal(t, int32(0), f.marker.calls.Load())
}

func TestHandlePayoutEvent_ConcurrentFailuresRecreditOnce(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "seller1", ledger.KindSeller, 20_000)
	w, err := f.svc.Request(context.Background(), seller, validRequest(20_000))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var settled atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.HandlePayoutEvent(context.Background(), PayoutEvent{ExternalRef: w.ExternalRef, Status: "FAILED"})
			if err == nil && res.Outcome == OutcomeSettled {
				settled.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), settled.Load())
	assert.Equal(t, int64(20_000), f.available(t, "seller1"))
}

func TestHandlePayoutEvent_LateFailureAfterSuccessIsNoop(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "seller1", ledger.KindSeller, 20_000)
	w, err := f.svc.Request(context.Background(), seller, validRequest(20_000))
	require.NoError(t, err)

	_, err = f.svc.HandlePayoutEvent(context.Background(), PayoutEvent{ExternalRef: w.ExternalRef, Status: "COMPLETED"})
	require.NoError(t, err)
	res, err := f.svc.HandlePayoutEvent(context.Background(), PayoutEvent{ExternalRef: w.ExternalRef, Status: "FAILED"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, int64(0), f.available(t, "seller1"))
}

func TestHandlePayoutEvent_UnknownAndIgnored(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.HandlePayoutEvent(context.Background(), PayoutEvent{ExternalRef: "WITHDRAW-NOPE", Status: "COMPLETED"})
	assert.ErrorIs(t, err, ErrUnknownPayout)

	res, err := f.svc.HandlePayoutEvent(context.Background(), PayoutEvent{ExternalRef: "WITHDRAW-NOPE", Status: "PENDING"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	_, err = f.svc.HandlePayoutEvent(context.Background(), PayoutEvent{Status: "COMPLETED"})
	assert.Equal(t, apperr.InvalidRequest, apperr.KindOf(err))
}

func TestGet_OwnerOnly(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "seller1", ledger.KindSeller, 20_000)
	w, err := f.svc.Request(context.Background(), seller, validRequest(20_000))
	require.NoError(t, err)

	_, err = f.svc.Get(context.Background(), auth.Actor{ID: "other", Role: auth.RoleUser}, w.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.Get(context.Background(), admin, w.ID)
	assert.NoError(t, err)
}

func TestSettle_AdminOnly(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "seller1", ledger.KindSeller, 20_000)
	w, err := f.svc.Request(context.Background(), seller, validRequest(20_000))
	require.NoError(t, err)

	_, err = f.svc.Settle(context.Background(), seller, w.ID, StatusFailed, "")
	assert.ErrorIs(t, err, ErrForbidden)

	got, err := f.svc.Settle(context.Background(), admin, w.ID, StatusFailed, "")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, int64(20_000), f.available(t, "seller1"))

	_, err = f.svc.Settle(context.Background(), admin, w.ID, StatusSuccess, "")
	assert.ErrorIs(t, err, ErrAlreadySettled)
}

func TestPayoutWebhook_RequiresToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	f.fund(t, "seller1", ledger.KindSeller, 20_000)
	w, err := f.svc.Request(context.Background(), seller, validRequest(20_000))
	require.NoError(t, err)

	r := gin.New()
	NewHandler(f.svc).RegisterWebhookRoutes(r.Group("/v1"), security.RequireCallbackToken("s3cret"))

	body := `{"id":"po_1","external_id":"` + w.ExternalRef + `","status":"FAILED"}`

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/webhooks/payouts", strings.NewReader(body)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/payouts", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(security.CallbackTokenHeader, "s3cret")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var res Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, OutcomeSettled, res.Outcome)
	assert.Equal(t, int64(20_000), f.available(t, "seller1"))
}

func TestRequestHandler_ReturnsCreated(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	f.fund(t, "seller1", ledger.KindSeller, 20_000)

	r := gin.New()
	g := r.Group("/v1", func(c *gin.Context) { c.Set(auth.ContextKeyActor, seller) })
	NewHandler(f.svc).RegisterProtectedRoutes(g)

	req := httptest.NewRequest(http.MethodPost, "/v1/withdrawals",
		strings.NewReader(`{"amount":15000,"method":"mandiri","destination":"99887766"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/withdrawals", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Count   int  `json:"count"`
		HasMore bool `json:"hasMore"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 1, page.Count)
	assert.False(t, page.HasMore)
}

func TestListAll_AdminSeesEveryAccount(t *testing.T) {
	f := newFixture(t)
	other := auth.Actor{ID: "seller2", Role: auth.RoleUser}
	f.fund(t, "seller1", ledger.KindSeller, 20_000)
	f.fund(t, "seller2", ledger.KindSeller, 30_000)

	pending, err := f.svc.Request(context.Background(), seller, validRequest(20_000))
	require.NoError(t, err)
	done, err := f.svc.Request(context.Background(), other, validRequest(30_000))
	require.NoError(t, err)
	_, err = f.svc.Settle(context.Background(), admin, done.ID, StatusSuccess, "")
	require.NoError(t, err)

	_, err = f.svc.ListAll(context.Background(), seller, "", nil, 10)
	assert.ErrorIs(t, err, ErrForbidden)

	all, err := f.svc.ListAll(context.Background(), admin, "", nil, 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	open, err := f.svc.ListAll(context.Background(), admin, StatusPending, nil, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, pending.ID, open[0].ID)
	assert.Equal(t, "seller1", open[0].AccountID)

	own, err := f.svc.List(context.Background(), other, nil, 10)
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, done.ID, own[0].ID)
}

func TestListAllHandler_FiltersByStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	f.fund(t, "seller1", ledger.KindSeller, 40_000)
	for i := 0; i < 2; i++ {
		_, err := f.svc.Request(context.Background(), seller, validRequest(20_000))
		require.NoError(t, err)
	}

	r := gin.New()
	g := r.Group("/v1/admin", func(c *gin.Context) { c.Set(auth.ContextKeyActor, admin) })
	NewHandler(f.svc).RegisterAdminRoutes(g)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/admin/withdrawals?status=pending&limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var page struct {
		Withdrawals []Withdrawal `json:"withdrawals"`
		Count       int          `json:"count"`
		HasMore     bool         `json:"hasMore"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 1, page.Count)
	assert.True(t, page.HasMore)
	assert.Equal(t, StatusPending, page.Withdrawals[0].Status)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/admin/withdrawals?status=success", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 0, page.Count)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/admin/withdrawals?status=lost", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
