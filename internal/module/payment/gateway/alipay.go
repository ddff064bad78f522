package gateway

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-pay/gopay"
	"github.com/go-pay/gopay/alipay"

	"github.com/settld/server/internal/module/payment/domain"
	"github.com/settld/server/internal/shared/config"
	apperrors "github.com/settld/server/internal/shared/errors"
)

// GatewayAlipay is the gateway code for Alipay.
const GatewayAlipay = "alipay"

// AlipayAdapter verifies Alipay async notifications via RSA2 signature
// and submits refunds through the trade refund API.
type AlipayAdapter struct {
	client    *alipay.Client
	publicKey string
}

// NewAlipayAdapter creates a new Alipay adapter.
func NewAlipayAdapter(cfg *config.AlipayConfig) (*AlipayAdapter, error) {
	if cfg.AppID == "" || cfg.PrivateKey == "" || cfg.AlipayPublicKey == "" {
		return nil, fmt.Errorf("alipay: %w", apperrors.ErrConfigurationMissing)
	}

	client, err := alipay.NewClient(cfg.AppID, cfg.PrivateKey, !cfg.TestMode)
	if err != nil {
		return nil, fmt.Errorf("create alipay client: %w", err)
	}
	client.AutoVerifySign([]byte(cfg.AlipayPublicKey))

	return &AlipayAdapter{
		client:    client,
		publicKey: cfg.AlipayPublicKey,
	}, nil
}

// Name returns the gateway code.
func (a *AlipayAdapter) Name() string {
	return GatewayAlipay
}

// Verify parses the form-urlencoded notification and checks its RSA2
// signature against the Alipay public key.
func (a *AlipayAdapter) Verify(ctx context.Context, req *InboundRequest) (*VerifiedEvent, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "/", bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("build notify request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	bm, err := alipay.ParseNotifyToBodyMap(httpReq)
	if err != nil {
		return nil, fmt.Errorf("parse notify: %v: %w", err, apperrors.ErrSignatureInvalid)
	}

	ok, err := alipay.VerifySign(a.publicKey, bm)
	if err != nil {
		return nil, fmt.Errorf("verify sign: %v: %w", err, apperrors.ErrSignatureInvalid)
	}
	if !ok {
		return nil, fmt.Errorf("signature mismatch: %w", apperrors.ErrSignatureInvalid)
	}

	return &VerifiedEvent{
		Gateway: GatewayAlipay,
		EventID: bm.GetString("notify_id"),
		Type:    bm.GetString("trade_status"),
		Payload: req.Body,
		parsed:  bm,
	}, nil
}

// Normalize converts a verified Alipay notification into the canonical
// schema. Alipay reports amounts in yuan with two decimal places.
func (a *AlipayAdapter) Normalize(ev *VerifiedEvent) (*domain.CanonicalEvent, error) {
	bm, ok := ev.parsed.(gopay.BodyMap)
	if !ok {
		return nil, fmt.Errorf("alipay normalize: unexpected verified payload")
	}

	var status domain.CanonicalStatus
	switch bm.GetString("trade_status") {
	case "WAIT_BUYER_PAY":
		status = domain.EventPending
	case "TRADE_SUCCESS", "TRADE_FINISHED":
		status = domain.EventCompleted
	case "TRADE_CLOSED":
		// TRADE_CLOSED fires both for unpaid-expired orders and for
		// fully refunded ones; refund_fee distinguishes them.
		if bm.GetString("refund_fee") != "" {
			status = domain.EventRefunded
		} else {
			status = domain.EventDenied
		}
	default:
		return nil, fmt.Errorf("alipay trade_status %q: %w", bm.GetString("trade_status"), apperrors.ErrUnsupportedEvent)
	}

	amountField := "total_amount"
	if status == domain.EventRefunded {
		amountField = "refund_fee"
	}
	amount, err := parseDecimalMinor(bm.GetString(amountField))
	if err != nil {
		return nil, fmt.Errorf("parse %s %q: %w", amountField, bm.GetString(amountField), err)
	}

	var occurredAt time.Time
	if ts := bm.GetString("gmt_payment"); ts != "" {
		if t, err := time.Parse("2006-01-02 15:04:05", ts); err == nil {
			occurredAt = t
		}
	}

	return &domain.CanonicalEvent{
		Gateway:     GatewayAlipay,
		EventID:     bm.GetString("notify_id"),
		ExternalID:  bm.GetString("out_trade_no"),
		GatewayRef:  bm.GetString("trade_no"),
		QuoteRef:    bm.GetString("out_trade_no"),
		AmountMinor: amount,
		Currency:    "CNY",
		Status:      status,
		PayerID:     bm.GetString("buyer_id"),
		OccurredAt:  occurredAt,
		RawPayload:  ev.Payload,
	}, nil
}

// SubmitRefund submits a refund through the trade refund API. The
// queue item id is passed as out_request_no so resubmission after a
// timeout stays idempotent on the gateway side.
func (a *AlipayAdapter) SubmitRefund(ctx context.Context, req *RefundRequest) (*RefundResult, error) {
	bm := make(gopay.BodyMap)
	if req.GatewayRef != "" {
		bm.Set("trade_no", req.GatewayRef)
	} else {
		bm.Set("out_trade_no", req.ExternalID)
	}
	bm.Set("out_request_no", req.TransactionID)
	bm.Set("refund_amount", formatDecimalMinor(req.AmountMinor))
	if req.Reason != "" {
		bm.Set("refund_reason", req.Reason)
	}

	resp, err := a.client.TradeRefund(ctx, bm)
	if err != nil {
		return nil, RetryableRefund("transport", err)
	}
	if resp.Response.Code != "10000" {
		// 20000 is the documented "service unavailable, retry" code.
		if resp.Response.Code == "20000" {
			return nil, RetryableRefund(resp.Response.Code, fmt.Errorf("%s", resp.Response.Msg))
		}
		return nil, TerminalRefund(resp.Response.Code, fmt.Errorf("%s: %s", resp.Response.Msg, resp.Response.SubMsg))
	}
	return &RefundResult{GatewayRefundID: resp.Response.TradeNo}, nil
}
