package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/settld/server/internal/module/payment/domain"
	"github.com/settld/server/internal/shared/config"
	apperrors "github.com/settld/server/internal/shared/errors"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/refund"
	"github.com/stripe/stripe-go/v76/webhook"
)

// GatewayStripe is the gateway code for the card processor.
const GatewayStripe = "stripe"

// StripeAdapter verifies Stripe webhook notifications and submits
// refunds. Signature verification is an HMAC over the raw body plus a
// timestamp, bounded by a configured skew tolerance.
type StripeAdapter struct {
	webhookSecret string
	maxSkew       time.Duration
}

// NewStripeAdapter creates a new Stripe adapter.
func NewStripeAdapter(cfg *config.StripeConfig) (*StripeAdapter, error) {
	if cfg.APIKey == "" || cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("stripe: %w", apperrors.ErrConfigurationMissing)
	}
	stripe.Key = cfg.APIKey

	maxSkew := cfg.SignatureMaxSkew
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	return &StripeAdapter{
		webhookSecret: cfg.WebhookSecret,
		maxSkew:       maxSkew,
	}, nil
}

// Name returns the gateway code.
func (a *StripeAdapter) Name() string {
	return GatewayStripe
}

// Verify checks the Stripe-Signature header against the raw body.
func (a *StripeAdapter) Verify(ctx context.Context, req *InboundRequest) (*VerifiedEvent, error) {
	sig := req.Headers.Get("Stripe-Signature")
	if sig == "" {
		return nil, fmt.Errorf("missing Stripe-Signature header: %w", apperrors.ErrSignatureInvalid)
	}

	event, err := webhook.ConstructEventWithTolerance(req.Body, sig, a.webhookSecret, a.maxSkew)
	if err != nil {
		return nil, fmt.Errorf("construct event: %v: %w", err, apperrors.ErrSignatureInvalid)
	}

	return &VerifiedEvent{
		Gateway: GatewayStripe,
		EventID: event.ID,
		Type:    string(event.Type),
		Payload: req.Body,
		parsed:  &event,
	}, nil
}

// Normalize converts a verified Stripe event into the canonical schema.
func (a *StripeAdapter) Normalize(ev *VerifiedEvent) (*domain.CanonicalEvent, error) {
	event, ok := ev.parsed.(*stripe.Event)
	if !ok {
		return nil, fmt.Errorf("stripe normalize: unexpected verified payload")
	}

	var status domain.CanonicalStatus
	switch event.Type {
	case "payment_intent.created", "payment_intent.processing":
		status = domain.EventPending
	case "payment_intent.amount_capturable_updated":
		status = domain.EventApproved
	case "payment_intent.succeeded":
		status = domain.EventCompleted
	case "payment_intent.payment_failed", "payment_intent.canceled":
		status = domain.EventDenied
	case "charge.refunded":
		return a.normalizeRefund(ev, event)
	default:
		return nil, fmt.Errorf("stripe event %s: %w", event.Type, apperrors.ErrUnsupportedEvent)
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("unmarshal payment intent: %w", err)
	}

	var chargeID string
	if pi.LatestCharge != nil {
		chargeID = pi.LatestCharge.ID
	}
	quoteRef := pi.Metadata["quote_id"]
	var payerEmail string
	if pi.ReceiptEmail != "" {
		payerEmail = pi.ReceiptEmail
	}

	return &domain.CanonicalEvent{
		Gateway:     GatewayStripe,
		EventID:     event.ID,
		ExternalID:  pi.ID,
		GatewayRef:  chargeID,
		QuoteRef:    quoteRef,
		AmountMinor: pi.Amount,
		Currency:    strings.ToUpper(string(pi.Currency)),
		Status:      status,
		PayerEmail:  payerEmail,
		OccurredAt:  time.Unix(event.Created, 0),
		RawPayload:  ev.Payload,
	}, nil
}

// normalizeRefund maps charge.refunded. AmountRefunded is the charge's
// cumulative refunded total, which is the convention refunded canonical
// events carry.
func (a *StripeAdapter) normalizeRefund(ev *VerifiedEvent, event *stripe.Event) (*domain.CanonicalEvent, error) {
	var ch stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
		return nil, fmt.Errorf("unmarshal charge: %w", err)
	}

	externalID := ch.ID
	if ch.PaymentIntent != nil {
		externalID = ch.PaymentIntent.ID
	}

	return &domain.CanonicalEvent{
		Gateway:     GatewayStripe,
		EventID:     event.ID,
		ExternalID:  externalID,
		GatewayRef:  ch.ID,
		QuoteRef:    ch.Metadata["quote_id"],
		AmountMinor: ch.AmountRefunded,
		Currency:    strings.ToUpper(string(ch.Currency)),
		Status:      domain.EventRefunded,
		OccurredAt:  time.Unix(event.Created, 0),
		RawPayload:  ev.Payload,
	}, nil
}

// SubmitRefund submits a refund against the captured charge. The
// queue item id doubles as the idempotency key so a retried submission
// after a timeout cannot refund twice.
func (a *StripeAdapter) SubmitRefund(ctx context.Context, req *RefundRequest) (*RefundResult, error) {
	params := refundParams(req)
	params.Context = ctx

	r, err := refund.New(params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return &RefundResult{GatewayRefundID: r.ID}, nil
}

// refundParams builds the refund request. Stripe validates the reason
// field against its own enum, so the operator's free-text reason rides
// in metadata and the enum stays fixed.
func refundParams(req *RefundRequest) *stripe.RefundParams {
	params := &stripe.RefundParams{
		Params: stripe.Params{
			IdempotencyKey: stripe.String(req.TransactionID),
		},
		Charge: stripe.String(req.GatewayRef),
		Amount: stripe.Int64(req.AmountMinor),
		Reason: stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}
	return params
}

func classifyStripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.Code == stripe.ErrorCodeChargeAlreadyRefunded {
			return TerminalRefund("already_refunded", err)
		}
		if retryableHTTPStatus(stripeErr.HTTPStatusCode) {
			return RetryableRefund(fmt.Sprintf("http_%d", stripeErr.HTTPStatusCode), err)
		}
		return TerminalRefund(string(stripeErr.Code), err)
	}
	// Transport-level failure, assume transient
	return RetryableRefund("transport", err)
}
