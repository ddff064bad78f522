package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/settld/server/internal/module/payment/domain"
	"github.com/settld/server/internal/shared/config"
)

// Notifier posts payment lifecycle events to the internal notification
// service. Delivery is fire-and-forget: failures are logged and never
// affect reconciliation.
type Notifier struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

// NewNotifier creates a notifier. An empty base URL disables it.
func NewNotifier(cfg *config.NotifierConfig, log *zap.Logger) *Notifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

type notifyPayload struct {
	Event         string `json:"event"`
	QuoteID       string `json:"quote_id"`
	TransactionID string `json:"transaction_id"`
	Gateway       string `json:"gateway"`
	AmountMinor   int64  `json:"amount_minor"`
	Currency      string `json:"currency"`
}

// PaymentCompleted announces a captured payment.
func (n *Notifier) PaymentCompleted(txn *domain.PaymentTransaction) {
	n.send("payment.completed", txn, txn.Amount)
}

// RefundProcessed announces a processed refund.
func (n *Notifier) RefundProcessed(txn *domain.PaymentTransaction, amountMinor int64) {
	n.send("payment.refunded", txn, amountMinor)
}

func (n *Notifier) send(event string, txn *domain.PaymentTransaction, amountMinor int64) {
	if n == nil || n.baseURL == "" {
		return
	}
	payload := notifyPayload{
		Event:         event,
		QuoteID:       txn.QuoteID.String(),
		TransactionID: txn.ID.String(),
		Gateway:       txn.Gateway,
		AmountMinor:   amountMinor,
		Currency:      txn.Currency,
	}
	go func() {
		body, _ := json.Marshal(payload)
		ctx, cancel := context.WithTimeout(context.Background(), n.http.Timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			n.baseURL+"/internal/notifications", bytes.NewReader(body))
		if err != nil {
			n.log.Warn("build notification request failed", zap.Error(err))
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.http.Do(req)
		if err != nil {
			n.log.Warn("notification delivery failed",
				zap.String("event", event),
				zap.Error(err))
			return
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			n.log.Warn("notification rejected",
				zap.String("event", event),
				zap.Int("status", resp.StatusCode))
		}
	}()
}
