package payments

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigmarket/orderflow/internal/apperr"
	"github.com/gigmarket/orderflow/internal/retry"
)

func newTestXendit(url string) *Xendit {
	return NewXendit(XenditConfig{APIKey: "xnd_test", BaseURL: url, SuccessURL: "https://app.test/done"}, nil).
		WithRetryPolicy(retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
}

func TestXendit_CreateInvoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/invoices", r.URL.Path)
		user, _, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "xnd_test", user)
		assert.Equal(t, "ORDER-ABC", r.Header.Get("Idempotency-Key"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ORDER-ABC", body["external_id"])
		assert.EqualValues(t, 150000, body["amount"])
		assert.Equal(t, "IDR", body["currency"])

		_, _ = w.Write([]byte(`{"id":"inv_1","external_id":"ORDER-ABC","invoice_url":"https://checkout.test/inv_1","status":"PENDING"}`))
	}))
	defer srv.Close()

	inv, err := newTestXendit(srv.URL).CreateInvoice(context.Background(), InvoiceRequest{
		ExternalRef: "ORDER-ABC",
		Amount:      150000,
		Description: "Logo design",
	})
	require.NoError(t, err)
	assert.Equal(t, "inv_1", inv.ProviderID)
	assert.Equal(t, "https://checkout.test/inv_1", inv.URL)
}

func TestXendit_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"id":"disb_1","external_id":"WD-1","status":"PENDING"}`))
	}))
	defer srv.Close()

	p, err := newTestXendit(srv.URL).CreatePayout(context.Background(), PayoutRequest{
		ExternalRef: "WD-1", Amount: 50000, Method: "bca", Destination: "1234567890", AccountName: "Seller",
	})
	require.NoError(t, err)
	assert.Equal(t, "disb_1", p.ProviderID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestXendit_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error_code":"INVALID_BANK_CODE"}`))
	}))
	defer srv.Close()

	_, err := newTestXendit(srv.URL).CreatePayout(context.Background(), PayoutRequest{ExternalRef: "WD-2", Amount: 1, Method: "xxx"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.InvalidRequest))
	assert.Equal(t, int32(1), calls.Load())
}

func TestXendit_ServerErrorsSurfaceAsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestXendit(srv.URL).CreateInvoice(context.Background(), InvoiceRequest{ExternalRef: "ORDER-X", Amount: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestSandbox_RecordsRequests(t *testing.T) {
	sb := NewSandbox("")
	inv, err := sb.CreateInvoice(context.Background(), InvoiceRequest{ExternalRef: "ORDER-1", Amount: 10})
	require.NoError(t, err)
	assert.Contains(t, inv.URL, "ORDER-1")
	assert.Len(t, sb.Invoices(), 1)

	sb.FailWith(ErrProviderUnavailable)
	_, err = sb.CreatePayout(context.Background(), PayoutRequest{ExternalRef: "WD-1"})
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Empty(t, sb.Payouts())
}
