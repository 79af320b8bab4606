package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/gigmarket/orderflow/internal/apperr"
)

// StripeConfig configures Checkout-based invoicing.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	Currency      string
}

// Stripe issues invoices as Checkout Sessions. The external reference rides
// in ClientReferenceID and comes back on checkout.session.* webhooks.
// Stripe is not used for payouts.
type Stripe struct {
	api    *client.API
	cfg    StripeConfig
	logger *slog.Logger
}

// NewStripe creates a Stripe gateway.
func NewStripe(cfg StripeConfig, logger *slog.Logger) *Stripe {
	if cfg.Currency == "" {
		cfg.Currency = "idr"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stripe{
		api:    client.New(cfg.SecretKey, nil),
		cfg:    cfg,
		logger: logger,
	}
}

// CreateInvoice implements InvoiceCreator.
func (s *Stripe) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(req.ExternalRef),
		SuccessURL:        stripe.String(s.cfg.SuccessURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(s.cfg.Currency)),
				UnitAmount: stripe.Int64(req.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(req.Description),
				},
			},
		}},
	}
	if req.PayerEmail != "" {
		params.CustomerEmail = stripe.String(req.PayerEmail)
	}
	params.AddMetadata("external_ref", req.ExternalRef)
	params.SetIdempotencyKey(req.ExternalRef)
	params.Context = ctx

	sess, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		s.logger.Warn("stripe checkout session failed", "ref", req.ExternalRef, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	inv := &Invoice{ExternalRef: req.ExternalRef, ProviderID: sess.ID, URL: sess.URL}
	if sess.ExpiresAt > 0 {
		t := time.Unix(sess.ExpiresAt, 0).UTC()
		inv.ExpiresAt = &t
	}
	return inv, nil
}

// ParseWebhook verifies the Stripe-Signature header and maps checkout
// session events to an Event. Event types that carry no payment outcome
// return (nil, nil).
func (s *Stripe) ParseWebhook(payload []byte, signature string) (*Event, error) {
	if signature == "" {
		return nil, ErrInvalidSignature
	}
	ev, err := webhook.ConstructEventWithOptions(payload, signature, s.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		s.logger.Warn("stripe webhook rejected", "error", err)
		return nil, ErrInvalidSignature
	}

	switch ev.Type {
	case "checkout.session.completed",
		"checkout.session.async_payment_succeeded",
		"checkout.session.async_payment_failed",
		"checkout.session.expired":
	default:
		return nil, nil
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(ev.Data.Raw, &sess); err != nil {
		return nil, apperr.Wrap(apperr.InvalidRequest, "invalid_payload", err)
	}

	out := &Event{
		ExternalRef: sess.ClientReferenceID,
		ProviderID:  sess.ID,
		Status:      string(sess.PaymentStatus),
	}
	if ev.Type == "checkout.session.async_payment_failed" || ev.Type == "checkout.session.expired" {
		out.Status = "failed"
	}
	if sess.CustomerDetails != nil && sess.CustomerDetails.Email != "" {
		out.PayerEmail = sess.CustomerDetails.Email
	} else {
		out.PayerEmail = sess.CustomerEmail
	}
	return out, nil
}

var _ InvoiceCreator = (*Stripe)(nil)
