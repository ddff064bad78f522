package payment

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/settld/server/internal/module/payment/gateway"
	"github.com/settld/server/internal/shared/config"
	apperrors "github.com/settld/server/internal/shared/errors"
)

// WebhookHandler exposes one POST endpoint per gateway. All endpoints
// share the reconciliation pipeline; only the ack format differs.
type WebhookHandler struct {
	service *Service
	timeout time.Duration
	logger  *zap.Logger
}

// NewWebhookHandler creates the webhook handler.
func NewWebhookHandler(service *Service, cfg *config.ServerConfig, logger *zap.Logger) *WebhookHandler {
	timeout := cfg.WebhookTimeout
	if timeout <= 0 {
		timeout = 25 * time.Second
	}
	return &WebhookHandler{
		service: service,
		timeout: timeout,
		logger:  logger,
	}
}

// RegisterRoutes registers the webhook routes.
func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/stripe", h.handleJSON(gateway.GatewayStripe))
	r.POST("/paypal", h.handleJSON(gateway.GatewayPayPal))
	r.POST("/payline", h.handleJSON(gateway.GatewayPayline))
	r.POST("/alipay", h.HandleAlipay)
}

// handleJSON processes a gateway notification and acks with a minimal
// JSON body. Webhooks are server-to-server; nothing here ever issues a
// redirect.
func (h *WebhookHandler) handleJSON(gatewayName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := h.process(c, gatewayName)
		if err != nil {
			h.respondError(c, gatewayName, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": res.Ack})
	}
}

// HandleAlipay processes Alipay notifications. Alipay requires a plain
// "success" body; anything else triggers redelivery.
func (h *WebhookHandler) HandleAlipay(c *gin.Context) {
	if _, err := h.process(c, gateway.GatewayAlipay); err != nil {
		c.String(apperrors.GetStatusCode(err), "fail")
		return
	}
	c.String(http.StatusOK, "success")
}

// process reads the raw body and runs the pipeline under the
// processing deadline. A deadline hit surfaces as a write failure so
// the gateway redelivers.
func (h *WebhookHandler) process(c *gin.Context, gatewayName string) (*WebhookResult, error) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.logger.Error("read webhook body failed",
			zap.String("gateway", gatewayName),
			zap.Error(err))
		return nil, apperrors.BadRequest("failed to read body")
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	return h.service.ProcessWebhook(ctx, gatewayName, &gateway.InboundRequest{
		Body:      body,
		Headers:   c.Request.Header.Clone(),
		UserAgent: c.Request.UserAgent(),
	})
}

func (h *WebhookHandler) respondError(c *gin.Context, gatewayName string, err error) {
	status := apperrors.GetStatusCode(err)
	switch {
	case errors.Is(err, apperrors.ErrSignatureInvalid):
		c.JSON(status, gin.H{"error": "invalid signature"})
	case errors.Is(err, apperrors.ErrVerificationUnavailable):
		c.JSON(status, gin.H{"error": "verification unavailable"})
	default:
		h.logger.Error("webhook processing failed",
			zap.String("gateway", gatewayName),
			zap.Error(err))
		c.JSON(status, gin.H{"error": "processing failed"})
	}
}
