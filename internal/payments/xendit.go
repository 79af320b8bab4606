package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gigmarket/orderflow/internal/apperr"
	"github.com/gigmarket/orderflow/internal/circuitbreaker"
	"github.com/gigmarket/orderflow/internal/retry"
)

// DefaultXenditBaseURL is the production API host.
const DefaultXenditBaseURL = "https://api.xendit.co"

// XenditConfig configures the Xendit client.
type XenditConfig struct {
	APIKey     string
	BaseURL    string
	SuccessURL string
	Currency   string
}

// Xendit issues invoices and disbursements through the Xendit REST API.
// Calls are retried on 429/5xx and guarded by a circuit breaker per
// endpoint so a provider outage fails fast.
type Xendit struct {
	cfg     XenditConfig
	client  *http.Client
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
	logger  *slog.Logger
}

// NewXendit creates a Xendit client.
func NewXendit(cfg XenditConfig, logger *slog.Logger) *Xendit {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultXenditBaseURL
	}
	if cfg.Currency == "" {
		cfg.Currency = "IDR"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Xendit{
		cfg:     cfg,
		client:  &http.Client{Timeout: 15 * time.Second},
		breaker: circuitbreaker.New(5, 30*time.Second),
		policy:  retry.DefaultPolicy,
		logger:  logger,
	}
}

// WithRetryPolicy overrides the retry policy.
func (x *Xendit) WithRetryPolicy(p retry.Policy) *Xendit {
	x.policy = p
	return x
}

type xenditInvoiceRequest struct {
	ExternalID         string `json:"external_id"`
	Amount             int64  `json:"amount"`
	Description        string `json:"description,omitempty"`
	PayerEmail         string `json:"payer_email,omitempty"`
	SuccessRedirectURL string `json:"success_redirect_url,omitempty"`
	Currency           string `json:"currency"`
}

type xenditInvoice struct {
	ID         string     `json:"id"`
	ExternalID string     `json:"external_id"`
	InvoiceURL string     `json:"invoice_url"`
	ExpiryDate *time.Time `json:"expiry_date"`
	Status     string     `json:"status"`
}

// CreateInvoice implements InvoiceCreator.
func (x *Xendit) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	var inv xenditInvoice
	err := x.post(ctx, "/v2/invoices", req.ExternalRef, xenditInvoiceRequest{
		ExternalID:         req.ExternalRef,
		Amount:             req.Amount,
		Description:        req.Description,
		PayerEmail:         req.PayerEmail,
		SuccessRedirectURL: x.cfg.SuccessURL,
		Currency:           x.cfg.Currency,
	}, &inv)
	if err != nil {
		return nil, err
	}
	return &Invoice{
		ExternalRef: req.ExternalRef,
		ProviderID:  inv.ID,
		URL:         inv.InvoiceURL,
		ExpiresAt:   inv.ExpiryDate,
	}, nil
}

type xenditDisbursementRequest struct {
	ExternalID        string `json:"external_id"`
	Amount            int64  `json:"amount"`
	BankCode          string `json:"bank_code"`
	AccountHolderName string `json:"account_holder_name"`
	AccountNumber     string `json:"account_number"`
	Description       string `json:"description,omitempty"`
}

type xenditDisbursement struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id"`
	Status     string `json:"status"`
}

// CreatePayout implements PayoutCreator.
func (x *Xendit) CreatePayout(ctx context.Context, req PayoutRequest) (*Payout, error) {
	var d xenditDisbursement
	err := x.post(ctx, "/disbursements", req.ExternalRef, xenditDisbursementRequest{
		ExternalID:        req.ExternalRef,
		Amount:            req.Amount,
		BankCode:          strings.ToUpper(req.Method),
		AccountHolderName: req.AccountName,
		AccountNumber:     req.Destination,
		Description:       req.Description,
	}, &d)
	if err != nil {
		return nil, err
	}
	return &Payout{ExternalRef: req.ExternalRef, ProviderID: d.ID, Status: d.Status}, nil
}

// post sends body to path and decodes the response into out. The external
// reference doubles as the idempotency key so retries never double-charge.
func (x *Xendit) post(ctx context.Context, path, idempotencyKey string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	err = x.breaker.Execute(ctx, path, func(ctx context.Context) error {
		return retry.Do(ctx, x.policy, func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, x.cfg.BaseURL+path, bytes.NewReader(payload))
			if err != nil {
				return retry.Permanent(err)
			}
			req.SetBasicAuth(x.cfg.APIKey, "")
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Idempotency-Key", idempotencyKey)

			resp, err := x.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err := retry.CheckStatus(resp.StatusCode, string(raw)); err != nil {
				return err
			}
			if err := json.Unmarshal(raw, out); err != nil {
				return retry.Permanent(fmt.Errorf("decode response: %w", err))
			}
			return nil
		})
	})
	if err != nil {
		x.logger.Warn("xendit request failed", "path", path, "ref", idempotencyKey, "error", err)
		var se *retry.StatusError
		if errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500 && se.StatusCode != http.StatusTooManyRequests {
			return apperr.Wrap(apperr.InvalidRequest, "provider_rejected", err)
		}
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return nil
}

var (
	_ InvoiceCreator = (*Xendit)(nil)
	_ PayoutCreator  = (*Xendit)(nil)
)
