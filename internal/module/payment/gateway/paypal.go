package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/settld/server/internal/module/payment/domain"
	"github.com/settld/server/internal/shared/config"
	apperrors "github.com/settld/server/internal/shared/errors"
)

// GatewayPayPal is the gateway code for the wallet provider.
const GatewayPayPal = "paypal"

const (
	paypalLiveBase    = "https://api-m.paypal.com"
	paypalSandboxBase = "https://api-m.sandbox.paypal.com"

	// Subtracted from expires_in so a token is refreshed before the
	// provider actually rejects it.
	tokenTTLSafety = 60 * time.Second
)

// PayPalAdapter verifies notifications by calling the provider's
// verify-webhook-signature endpoint with a cached OAuth token. An
// unreachable verification service rejects the event; there is no
// fail-open path.
type PayPalAdapter struct {
	clientID  string
	secret    string
	webhookID string
	baseURL   string
	http      *http.Client
	tokens    TokenCache
}

// NewPayPalAdapter creates a new PayPal adapter.
func NewPayPalAdapter(cfg *config.PayPalConfig, tokens TokenCache) (*PayPalAdapter, error) {
	if cfg.ClientID == "" || cfg.Secret == "" || cfg.WebhookID == "" {
		return nil, fmt.Errorf("paypal: %w", apperrors.ErrConfigurationMissing)
	}
	base := paypalLiveBase
	if cfg.TestMode {
		base = paypalSandboxBase
	}
	timeout := cfg.VerifyTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PayPalAdapter{
		clientID:  cfg.ClientID,
		secret:    cfg.Secret,
		webhookID: cfg.WebhookID,
		baseURL:   base,
		http:      &http.Client{Timeout: timeout},
		tokens:    tokens,
	}, nil
}

// newPayPalAdapterForBase is used by tests to point the adapter at a
// stub server.
func newPayPalAdapterForBase(cfg *config.PayPalConfig, tokens TokenCache, baseURL string) (*PayPalAdapter, error) {
	a, err := NewPayPalAdapter(cfg, tokens)
	if err != nil {
		return nil, err
	}
	a.baseURL = baseURL
	return a, nil
}

// Name returns the gateway code.
func (a *PayPalAdapter) Name() string {
	return GatewayPayPal
}

type paypalWebhookEvent struct {
	ID           string          `json:"id"`
	EventType    string          `json:"event_type"`
	CreateTime   time.Time       `json:"create_time"`
	ResourceType string          `json:"resource_type"`
	Resource     json.RawMessage `json:"resource"`
}

type paypalResource struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	CustomID string `json:"custom_id"`
	Amount   struct {
		CurrencyCode string `json:"currency_code"`
		Value        string `json:"value"`
	} `json:"amount"`
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
	SellerPayableBreakdown struct {
		TotalRefundedAmount struct {
			Value string `json:"value"`
		} `json:"total_refunded_amount"`
	} `json:"seller_payable_breakdown"`
	Payer struct {
		PayerID string `json:"payer_id"`
		Email   string `json:"email_address"`
	} `json:"payer"`
}

// Verify calls the provider's verify-webhook-signature endpoint.
func (a *PayPalAdapter) Verify(ctx context.Context, req *InboundRequest) (*VerifiedEvent, error) {
	transmissionID := req.Headers.Get("Paypal-Transmission-Id")
	transmissionTime := req.Headers.Get("Paypal-Transmission-Time")
	transmissionSig := req.Headers.Get("Paypal-Transmission-Sig")
	certURL := req.Headers.Get("Paypal-Cert-Url")
	authAlgo := req.Headers.Get("Paypal-Auth-Algo")
	if transmissionID == "" || transmissionTime == "" || transmissionSig == "" || certURL == "" {
		return nil, fmt.Errorf("missing paypal transmission headers: %w", apperrors.ErrSignatureInvalid)
	}

	token, err := a.accessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtain access token: %v: %w", err, apperrors.ErrVerificationUnavailable)
	}

	verifyReq := map[string]interface{}{
		"transmission_id":   transmissionID,
		"transmission_time": transmissionTime,
		"transmission_sig":  transmissionSig,
		"cert_url":          certURL,
		"auth_algo":         authAlgo,
		"webhook_id":        a.webhookID,
		"webhook_event":     json.RawMessage(req.Body),
	}
	body, err := json.Marshal(verifyReq)
	if err != nil {
		return nil, fmt.Errorf("marshal verify request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/v1/notifications/verify-webhook-signature", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build verify request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call verification service: %v: %w", err, apperrors.ErrVerificationUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("verification service returned %d: %w", resp.StatusCode, apperrors.ErrVerificationUnavailable)
	}

	var result struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode verification response: %v: %w", err, apperrors.ErrVerificationUnavailable)
	}
	if result.VerificationStatus != "SUCCESS" {
		return nil, fmt.Errorf("verification status %q: %w", result.VerificationStatus, apperrors.ErrSignatureInvalid)
	}

	var event paypalWebhookEvent
	if err := json.Unmarshal(req.Body, &event); err != nil {
		return nil, fmt.Errorf("unmarshal webhook event: %w", err)
	}

	return &VerifiedEvent{
		Gateway: GatewayPayPal,
		EventID: event.ID,
		Type:    event.EventType,
		Payload: req.Body,
		parsed:  &event,
	}, nil
}

// Normalize converts a verified PayPal event into the canonical schema.
func (a *PayPalAdapter) Normalize(ev *VerifiedEvent) (*domain.CanonicalEvent, error) {
	event, ok := ev.parsed.(*paypalWebhookEvent)
	if !ok {
		return nil, fmt.Errorf("paypal normalize: unexpected verified payload")
	}

	var status domain.CanonicalStatus
	switch event.EventType {
	case "PAYMENT.CAPTURE.PENDING":
		status = domain.EventPending
	case "CHECKOUT.ORDER.APPROVED":
		status = domain.EventApproved
	case "PAYMENT.CAPTURE.COMPLETED":
		status = domain.EventCompleted
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		status = domain.EventDenied
	case "PAYMENT.CAPTURE.REFUNDED":
		status = domain.EventRefunded
	default:
		return nil, fmt.Errorf("paypal event %s: %w", event.EventType, apperrors.ErrUnsupportedEvent)
	}

	var res paypalResource
	if err := json.Unmarshal(event.Resource, &res); err != nil {
		return nil, fmt.Errorf("unmarshal resource: %w", err)
	}

	// Refunded events report the cumulative refunded total, matching
	// the convention the other adapters follow.
	amountValue := res.Amount.Value
	if status == domain.EventRefunded && res.SellerPayableBreakdown.TotalRefundedAmount.Value != "" {
		amountValue = res.SellerPayableBreakdown.TotalRefundedAmount.Value
	}
	amountMinor, err := parseDecimalMinor(amountValue)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amountValue, err)
	}

	externalID := res.SupplementaryData.RelatedIDs.OrderID
	gatewayRef := res.ID
	if externalID == "" {
		externalID = res.ID
		gatewayRef = ""
	}

	return &domain.CanonicalEvent{
		Gateway:     GatewayPayPal,
		EventID:     event.ID,
		ExternalID:  externalID,
		GatewayRef:  gatewayRef,
		QuoteRef:    res.CustomID,
		AmountMinor: amountMinor,
		Currency:    strings.ToUpper(res.Amount.CurrencyCode),
		Status:      status,
		PayerID:     res.Payer.PayerID,
		PayerEmail:  res.Payer.Email,
		OccurredAt:  event.CreateTime,
		RawPayload:  ev.Payload,
	}, nil
}

// SubmitRefund refunds a capture via the payments API.
func (a *PayPalAdapter) SubmitRefund(ctx context.Context, req *RefundRequest) (*RefundResult, error) {
	token, err := a.accessToken(ctx)
	if err != nil {
		return nil, RetryableRefund("token", err)
	}

	payload := map[string]interface{}{
		"amount": map[string]string{
			"value":         formatDecimalMinor(req.AmountMinor),
			"currency_code": req.Currency,
		},
	}
	if req.Reason != "" {
		payload["note_to_payer"] = req.Reason
	}
	body, _ := json.Marshal(payload)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/v2/payments/captures/%s/refund", a.baseURL, req.GatewayRef),
		bytes.NewReader(body))
	if err != nil {
		return nil, TerminalRefund("build_request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("PayPal-Request-Id", req.TransactionID)

	resp, err := a.http.Do(httpReq)
	if err != nil {
		return nil, RetryableRefund("transport", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	switch {
	case resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK:
		var result struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(respBody, &result); err != nil {
			return nil, RetryableRefund("decode", err)
		}
		return &RefundResult{GatewayRefundID: result.ID}, nil
	case retryableHTTPStatus(resp.StatusCode):
		return nil, RetryableRefund(fmt.Sprintf("http_%d", resp.StatusCode), fmt.Errorf("%s", respBody))
	default:
		return nil, TerminalRefund(fmt.Sprintf("http_%d", resp.StatusCode), fmt.Errorf("%s", respBody))
	}
}

// accessToken returns a cached OAuth token or requests a fresh one.
func (a *PayPalAdapter) accessToken(ctx context.Context) (string, error) {
	if token, ok := a.tokens.Get(ctx); ok {
		return token, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	httpReq.SetBasicAuth(a.clientID, a.secret)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var token struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned empty token")
	}

	ttl := time.Duration(token.ExpiresIn)*time.Second - tokenTTLSafety
	if ttl > 0 {
		a.tokens.Set(ctx, token.AccessToken, ttl)
	}
	return token.AccessToken, nil
}

// parseDecimalMinor converts a decimal currency string ("100.00") into
// minor units without going through floating point.
func parseDecimalMinor(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	whole, frac, _ := strings.Cut(s, ".")
	switch len(frac) {
	case 0:
		frac = "00"
	case 1:
		frac += "0"
	case 2:
	default:
		return 0, fmt.Errorf("too many decimal places in %q", s)
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, err
	}
	if w < 0 {
		return w*100 - f, nil
	}
	return w*100 + f, nil
}

// formatDecimalMinor renders minor units as a two-decimal string.
func formatDecimalMinor(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}
