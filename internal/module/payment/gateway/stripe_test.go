package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"

	"github.com/settld/server/internal/module/payment/domain"
	"github.com/settld/server/internal/shared/config"
	apperrors "github.com/settld/server/internal/shared/errors"
)

const stripeTestSecret = "whsec_test_secret"

func newTestStripe(t *testing.T) *StripeAdapter {
	t.Helper()
	a, err := NewStripeAdapter(&config.StripeConfig{
		APIKey:           "sk_test_123",
		WebhookSecret:    stripeTestSecret,
		SignatureMaxSkew: 5 * time.Minute,
	})
	require.NoError(t, err)
	return a
}

// stripeSignature builds the Stripe-Signature header the same way the
// gateway does: v1 is an HMAC-SHA256 over "<timestamp>.<body>".
func stripeSignature(secret string, ts time.Time, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func stripeSucceededPayload(created time.Time) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "evt_100",
		"type": "payment_intent.succeeded",
		"api_version": %q,
		"created": %d,
		"data": {
			"object": {
				"id": "pi_100",
				"amount": 10000,
				"currency": "usd",
				"receipt_email": "buyer@example.com",
				"metadata": {"quote_id": "7a9d7e4e-9a1f-4f33-9a52-1f2ce1b2a771"},
				"latest_charge": {"id": "ch_100"}
			}
		}
	}`, stripe.APIVersion, created.Unix()))
}

func TestStripeAdapter_VerifyAndNormalize(t *testing.T) {
	a := newTestStripe(t)
	now := time.Now()
	payload := stripeSucceededPayload(now)

	headers := http.Header{}
	headers.Set("Stripe-Signature", stripeSignature(stripeTestSecret, now, payload))

	ev, err := a.Verify(context.Background(), &InboundRequest{Body: payload, Headers: headers})
	require.NoError(t, err)
	assert.Equal(t, "evt_100", ev.EventID)

	canon, err := a.Normalize(ev)
	require.NoError(t, err)
	assert.Equal(t, GatewayStripe, canon.Gateway)
	assert.Equal(t, "pi_100", canon.ExternalID)
	assert.Equal(t, "ch_100", canon.GatewayRef)
	assert.Equal(t, "7a9d7e4e-9a1f-4f33-9a52-1f2ce1b2a771", canon.QuoteRef)
	assert.Equal(t, int64(10000), canon.AmountMinor)
	assert.Equal(t, "USD", canon.Currency)
	assert.Equal(t, domain.EventCompleted, canon.Status)
	assert.Equal(t, "buyer@example.com", canon.PayerEmail)
}

func TestStripeAdapter_VerifyRejectsTamperedBody(t *testing.T) {
	a := newTestStripe(t)
	now := time.Now()
	payload := stripeSucceededPayload(now)

	headers := http.Header{}
	headers.Set("Stripe-Signature", stripeSignature(stripeTestSecret, now, payload))

	tampered := []byte(string(payload[:len(payload)-1]) + " ")
	_, err := a.Verify(context.Background(), &InboundRequest{Body: tampered, Headers: headers})
	assert.ErrorIs(t, err, apperrors.ErrSignatureInvalid)
}

func TestStripeAdapter_VerifyRejectsWrongSecret(t *testing.T) {
	a := newTestStripe(t)
	now := time.Now()
	payload := stripeSucceededPayload(now)

	headers := http.Header{}
	headers.Set("Stripe-Signature", stripeSignature("whsec_wrong", now, payload))

	_, err := a.Verify(context.Background(), &InboundRequest{Body: payload, Headers: headers})
	assert.ErrorIs(t, err, apperrors.ErrSignatureInvalid)
}

func TestStripeAdapter_VerifyRejectsExpiredTimestamp(t *testing.T) {
	a := newTestStripe(t)
	old := time.Now().Add(-10 * time.Minute)
	payload := stripeSucceededPayload(old)

	headers := http.Header{}
	headers.Set("Stripe-Signature", stripeSignature(stripeTestSecret, old, payload))

	_, err := a.Verify(context.Background(), &InboundRequest{Body: payload, Headers: headers})
	assert.ErrorIs(t, err, apperrors.ErrSignatureInvalid)
}

func TestStripeAdapter_VerifyRejectsMissingHeader(t *testing.T) {
	a := newTestStripe(t)
	payload := stripeSucceededPayload(time.Now())

	_, err := a.Verify(context.Background(), &InboundRequest{Body: payload, Headers: http.Header{}})
	assert.ErrorIs(t, err, apperrors.ErrSignatureInvalid)
}

func TestStripeAdapter_NormalizeRefundUsesCumulativeTotal(t *testing.T) {
	a := newTestStripe(t)
	now := time.Now()
	payload := []byte(fmt.Sprintf(`{
		"id": "evt_200",
		"type": "charge.refunded",
		"api_version": %q,
		"created": %d,
		"data": {
			"object": {
				"id": "ch_100",
				"amount": 10000,
				"amount_refunded": 4000,
				"currency": "usd",
				"payment_intent": {"id": "pi_100"},
				"metadata": {"quote_id": "7a9d7e4e-9a1f-4f33-9a52-1f2ce1b2a771"}
			}
		}
	}`, stripe.APIVersion, now.Unix()))

	headers := http.Header{}
	headers.Set("Stripe-Signature", stripeSignature(stripeTestSecret, now, payload))

	ev, err := a.Verify(context.Background(), &InboundRequest{Body: payload, Headers: headers})
	require.NoError(t, err)

	canon, err := a.Normalize(ev)
	require.NoError(t, err)
	assert.Equal(t, domain.EventRefunded, canon.Status)
	assert.Equal(t, "pi_100", canon.ExternalID)
	assert.Equal(t, "ch_100", canon.GatewayRef)
	assert.Equal(t, int64(4000), canon.AmountMinor)
}

func TestStripeAdapter_RefundParamsKeepReasonEnumValid(t *testing.T) {
	params := refundParams(&RefundRequest{
		TransactionID: "rq-1",
		GatewayRef:    "ch_100",
		AmountMinor:   4000,
		Reason:        "requested by ops@example.com",
	})

	require.NotNil(t, params.Reason)
	assert.Equal(t, string(stripe.RefundReasonRequestedByCustomer), *params.Reason)
	assert.Equal(t, "requested by ops@example.com", params.Metadata["reason"])
	assert.Equal(t, "ch_100", *params.Charge)
	assert.Equal(t, int64(4000), *params.Amount)
	assert.Equal(t, "rq-1", *params.IdempotencyKey)

	bare := refundParams(&RefundRequest{TransactionID: "rq-2", GatewayRef: "ch_101", AmountMinor: 100})
	require.NotNil(t, bare.Reason)
	assert.Equal(t, string(stripe.RefundReasonRequestedByCustomer), *bare.Reason)
	assert.Nil(t, bare.Metadata)
}

func TestStripeAdapter_NormalizeUnsupportedEvent(t *testing.T) {
	a := newTestStripe(t)
	ev := &VerifiedEvent{
		Gateway: GatewayStripe,
		EventID: "evt_300",
		Type:    "invoice.created",
		parsed:  &stripe.Event{ID: "evt_300", Type: "invoice.created"},
	}
	_, err := a.Normalize(ev)
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedEvent)
}
