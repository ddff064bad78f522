package gateway

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld/server/internal/module/payment/domain"
	"github.com/settld/server/internal/shared/config"
	apperrors "github.com/settld/server/internal/shared/errors"
)

func newTestPayline(t *testing.T) *PaylineAdapter {
	t.Helper()
	a, err := NewPaylineAdapter(&config.PaylineConfig{
		MerchantID: "m-100",
		Salt:       "super-secret-salt",
		BaseURL:    "https://api.payline.example",
	})
	require.NoError(t, err)
	return a
}

func paylineNotification(a *PaylineAdapter) url.Values {
	values := url.Values{}
	values.Set("txn_id", "pl-9001")
	values.Set("merchant_id", "m-100")
	values.Set("order_ref", "7a9d7e4e-9a1f-4f33-9a52-1f2ce1b2a771")
	values.Set("amount", "150000")
	values.Set("currency", "UZS")
	values.Set("status", "success")
	values.Set("sign_time", "2026-01-10 12:00:00")
	values.Set("sign", a.Sign(values))
	return values
}

func TestPaylineAdapter_VerifyValidHash(t *testing.T) {
	a := newTestPayline(t)
	values := paylineNotification(a)

	ev, err := a.Verify(context.Background(), &InboundRequest{
		Body:    []byte(values.Encode()),
		Headers: http.Header{},
	})
	require.NoError(t, err)
	assert.Equal(t, GatewayPayline, ev.Gateway)

	canon, err := a.Normalize(ev)
	require.NoError(t, err)
	assert.Equal(t, "pl-9001", canon.ExternalID)
	assert.Equal(t, "7a9d7e4e-9a1f-4f33-9a52-1f2ce1b2a771", canon.QuoteRef)
	assert.Equal(t, int64(150000), canon.AmountMinor)
	assert.Equal(t, "UZS", canon.Currency)
	assert.Equal(t, domain.EventCompleted, canon.Status)
}

func TestPaylineAdapter_VerifyTamperedAmount(t *testing.T) {
	a := newTestPayline(t)
	values := paylineNotification(a)
	values.Set("amount", "1")

	_, err := a.Verify(context.Background(), &InboundRequest{
		Body:    []byte(values.Encode()),
		Headers: http.Header{},
	})
	assert.ErrorIs(t, err, apperrors.ErrSignatureInvalid)
}

func TestPaylineAdapter_VerifyTamperedHash(t *testing.T) {
	a := newTestPayline(t)
	values := paylineNotification(a)
	values.Set("sign", "deadbeef"+values.Get("sign")[8:])

	_, err := a.Verify(context.Background(), &InboundRequest{
		Body:    []byte(values.Encode()),
		Headers: http.Header{},
	})
	assert.ErrorIs(t, err, apperrors.ErrSignatureInvalid)
}

func TestPaylineAdapter_VerifyMissingSign(t *testing.T) {
	a := newTestPayline(t)
	values := paylineNotification(a)
	values.Del("sign")

	_, err := a.Verify(context.Background(), &InboundRequest{
		Body:    []byte(values.Encode()),
		Headers: http.Header{},
	})
	assert.ErrorIs(t, err, apperrors.ErrSignatureInvalid)
}

func TestPaylineAdapter_VerifyWrongMerchant(t *testing.T) {
	a := newTestPayline(t)
	values := paylineNotification(a)
	values.Set("merchant_id", "m-999")

	_, err := a.Verify(context.Background(), &InboundRequest{
		Body:    []byte(values.Encode()),
		Headers: http.Header{},
	})
	assert.ErrorIs(t, err, apperrors.ErrSignatureInvalid)
}

func TestPaylineAdapter_NormalizeStatuses(t *testing.T) {
	a := newTestPayline(t)

	for wire, want := range map[string]domain.CanonicalStatus{
		"created":   domain.EventPending,
		"hold":      domain.EventApproved,
		"success":   domain.EventCompleted,
		"failed":    domain.EventDenied,
		"cancelled": domain.EventDenied,
		"refunded":  domain.EventRefunded,
	} {
		values := paylineNotification(a)
		values.Set("status", wire)
		values.Set("sign", a.Sign(values))

		ev, err := a.Verify(context.Background(), &InboundRequest{
			Body:    []byte(values.Encode()),
			Headers: http.Header{},
		})
		require.NoError(t, err, wire)
		canon, err := a.Normalize(ev)
		require.NoError(t, err, wire)
		assert.Equal(t, want, canon.Status, wire)
	}

	values := paylineNotification(a)
	values.Set("status", "mystery")
	values.Set("sign", a.Sign(values))
	ev, err := a.Verify(context.Background(), &InboundRequest{
		Body:    []byte(values.Encode()),
		Headers: http.Header{},
	})
	require.NoError(t, err)
	_, err = a.Normalize(ev)
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedEvent)
}

func TestNewPaylineAdapter_RequiresSalt(t *testing.T) {
	_, err := NewPaylineAdapter(&config.PaylineConfig{MerchantID: "m-100"})
	assert.ErrorIs(t, err, apperrors.ErrConfigurationMissing)
}
