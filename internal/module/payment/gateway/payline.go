package gateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
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

// GatewayPayline is the gateway code for the regional bank gateway.
const GatewayPayline = "payline"

// paylineSignFields is the field order the gateway signs, joined with
// "|" and suffixed with the shared salt.
var paylineSignFields = []string{"txn_id", "merchant_id", "order_ref", "amount", "status", "sign_time"}

// PaylineAdapter verifies the regional bank gateway's form-encoded
// notifications by reconstructing the delimited sign string and
// comparing its hash to the supplied one. Verification always runs;
// there is no skip mode in any configuration.
type PaylineAdapter struct {
	merchantID string
	salt       string
	baseURL    string
	http       *http.Client
}

// NewPaylineAdapter creates a new Payline adapter.
func NewPaylineAdapter(cfg *config.PaylineConfig) (*PaylineAdapter, error) {
	if cfg.MerchantID == "" || cfg.Salt == "" {
		return nil, fmt.Errorf("payline: %w", apperrors.ErrConfigurationMissing)
	}
	return &PaylineAdapter{
		merchantID: cfg.MerchantID,
		salt:       cfg.Salt,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		http:       &http.Client{Timeout: 15 * time.Second},
	}, nil
}

// Name returns the gateway code.
func (a *PaylineAdapter) Name() string {
	return GatewayPayline
}

// Sign computes the notification hash for the given form values. The
// gateway signs a delimited concatenation of the documented fields
// plus the shared salt.
func (a *PaylineAdapter) Sign(values url.Values) string {
	parts := make([]string, 0, len(paylineSignFields)+1)
	for _, f := range paylineSignFields {
		parts = append(parts, values.Get(f))
	}
	parts = append(parts, a.salt)
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Verify parses the form body and compares the reconstructed hash to
// the supplied one in constant time.
func (a *PaylineAdapter) Verify(ctx context.Context, req *InboundRequest) (*VerifiedEvent, error) {
	values, err := url.ParseQuery(string(req.Body))
	if err != nil {
		return nil, fmt.Errorf("parse form body: %v: %w", err, apperrors.ErrSignatureInvalid)
	}

	supplied := values.Get("sign")
	if supplied == "" {
		return nil, fmt.Errorf("missing sign field: %w", apperrors.ErrSignatureInvalid)
	}
	if values.Get("merchant_id") != a.merchantID {
		return nil, fmt.Errorf("merchant id mismatch: %w", apperrors.ErrSignatureInvalid)
	}

	expected := a.Sign(values)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(supplied))) != 1 {
		return nil, fmt.Errorf("hash mismatch: %w", apperrors.ErrSignatureInvalid)
	}

	return &VerifiedEvent{
		Gateway: GatewayPayline,
		EventID: "", // the gateway issues no event id; dedup falls back to txn_id+status
		Type:    values.Get("status"),
		Payload: req.Body,
		parsed:  values,
	}, nil
}

// Normalize converts a verified Payline notification into the
// canonical schema. Amounts arrive already in minor units.
func (a *PaylineAdapter) Normalize(ev *VerifiedEvent) (*domain.CanonicalEvent, error) {
	values, ok := ev.parsed.(url.Values)
	if !ok {
		return nil, fmt.Errorf("payline normalize: unexpected verified payload")
	}

	var status domain.CanonicalStatus
	switch values.Get("status") {
	case "created":
		status = domain.EventPending
	case "hold":
		status = domain.EventApproved
	case "success":
		status = domain.EventCompleted
	case "failed", "cancelled":
		status = domain.EventDenied
	case "refunded":
		status = domain.EventRefunded
	default:
		return nil, fmt.Errorf("payline status %q: %w", values.Get("status"), apperrors.ErrUnsupportedEvent)
	}

	amount, err := strconv.ParseInt(values.Get("amount"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", values.Get("amount"), err)
	}

	currency := strings.ToUpper(values.Get("currency"))
	if currency == "" {
		currency = "UZS"
	}

	return &domain.CanonicalEvent{
		Gateway:     GatewayPayline,
		ExternalID:  values.Get("txn_id"),
		QuoteRef:    values.Get("order_ref"),
		AmountMinor: amount,
		Currency:    currency,
		Status:      status,
		PayerID:     values.Get("payer_phone"),
		RawPayload:  ev.Payload,
	}, nil
}

// SubmitRefund submits a signed refund request to the gateway's REST
// endpoint.
func (a *PaylineAdapter) SubmitRefund(ctx context.Context, req *RefundRequest) (*RefundResult, error) {
	values := url.Values{}
	values.Set("merchant_id", a.merchantID)
	values.Set("txn_id", req.ExternalID)
	values.Set("refund_ref", req.TransactionID)
	values.Set("amount", strconv.FormatInt(req.AmountMinor, 10))
	sum := sha256.Sum256([]byte(strings.Join([]string{
		values.Get("txn_id"), values.Get("merchant_id"), values.Get("refund_ref"),
		values.Get("amount"), a.salt,
	}, "|")))
	values.Set("sign", hex.EncodeToString(sum[:]))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/api/v1/refunds", bytes.NewReader([]byte(values.Encode())))
	if err != nil {
		return nil, TerminalRefund("build_request", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.http.Do(httpReq)
	if err != nil {
		return nil, RetryableRefund("transport", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if retryableHTTPStatus(resp.StatusCode) {
		return nil, RetryableRefund(fmt.Sprintf("http_%d", resp.StatusCode), fmt.Errorf("%s", body))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, TerminalRefund(fmt.Sprintf("http_%d", resp.StatusCode), fmt.Errorf("%s", body))
	}

	var result struct {
		Error     int    `json:"error"`
		ErrorNote string `json:"error_note"`
		RefundID  string `json:"refund_id"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, RetryableRefund("decode", err)
	}
	if result.Error != 0 {
		// Gateway error codes are validation-level: wrong amount,
		// unknown transaction, already refunded.
		return nil, TerminalRefund(fmt.Sprintf("gateway_%d", result.Error), fmt.Errorf("%s", result.ErrorNote))
	}
	return &RefundResult{GatewayRefundID: result.RefundID}, nil
}
