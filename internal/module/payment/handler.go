package payment

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/settld/server/internal/module/payment/domain"
	apperrors "github.com/settld/server/internal/shared/errors"
)

// Handler exposes the operator API: refund requests, the escalation
// queue, and transaction lookups.
type Handler struct {
	service       *Service
	refundService *RefundService
	logger        *zap.Logger
}

// NewHandler creates the operator API handler.
func NewHandler(service *Service, refundService *RefundService, logger *zap.Logger) *Handler {
	return &Handler{
		service:       service,
		refundService: refundService,
		logger:        logger,
	}
}

// RegisterRoutes registers the operator API routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/refunds", h.RequestRefund)
	r.GET("/refunds/failed", h.ListFailedRefunds)
	r.GET("/transactions/:id", h.GetTransaction)
}

// RefundRequestDTO is the operator refund request body.
type RefundRequestDTO struct {
	TransactionID string `json:"transaction_id" binding:"required"`
	AmountMinor   int64  `json:"amount_minor" binding:"required"`
	RequestedBy   string `json:"requested_by" binding:"required"`
	Priority      int    `json:"priority"`
}

// RefundItemDTO is the refund queue item representation.
type RefundItemDTO struct {
	ID            string `json:"id"`
	TransactionID string `json:"transaction_id"`
	AmountMinor   int64  `json:"amount_minor"`
	Status        string `json:"status"`
	RetryCount    int    `json:"retry_count"`
	MaxRetries    int    `json:"max_retries"`
	NextRetryAt   string `json:"next_retry_at"`
	LastError     string `json:"last_error,omitempty"`
	RequestedBy   string `json:"requested_by"`
}

func refundItemDTO(i *domain.RefundQueueItem) RefundItemDTO {
	return RefundItemDTO{
		ID:            i.ID.String(),
		TransactionID: i.TransactionID.String(),
		AmountMinor:   i.RequestedAmount,
		Status:        string(i.Status),
		RetryCount:    i.RetryCount,
		MaxRetries:    i.MaxRetries,
		NextRetryAt:   i.NextRetryAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		LastError:     i.LastError,
		RequestedBy:   i.RequestedBy,
	}
}

// RequestRefund enqueues a refund. The refund is submitted to the
// gateway asynchronously, so acceptance is a 202.
func (h *Handler) RequestRefund(c *gin.Context) {
	var req RefundRequestDTO
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	txnID, err := uuid.Parse(req.TransactionID)
	if err != nil {
		h.respondError(c, apperrors.BadRequest("invalid transaction id"))
		return
	}

	item, err := h.refundService.RequestRefund(c.Request.Context(), txnID, req.AmountMinor, req.RequestedBy, req.Priority)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, refundItemDTO(item))
}

// ListFailedRefunds returns refunds awaiting manual review.
func (h *Handler) ListFailedRefunds(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	items, err := h.refundService.FailedRefunds(c.Request.Context(), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	dtos := make([]RefundItemDTO, len(items))
	for i, item := range items {
		dtos[i] = refundItemDTO(item)
	}
	c.JSON(http.StatusOK, gin.H{"refunds": dtos})
}

// GetTransaction returns a transaction and the ledger of its quote.
func (h *Handler) GetTransaction(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.respondError(c, apperrors.BadRequest("invalid transaction id"))
		return
	}

	txn, entries, err := h.service.GetTransaction(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}

	ledger := make([]gin.H, len(entries))
	for i, e := range entries {
		ledger[i] = gin.H{
			"id":             e.ID.String(),
			"type":           string(e.Type),
			"amount_minor":   e.Amount,
			"currency":       e.Currency,
			"balance_before": e.BalanceBefore,
			"balance_after":  e.BalanceAfter,
			"gateway_ref":    e.GatewayRef,
			"created_by":     e.CreatedBy,
			"created_at":     e.CreatedAt,
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"transaction": gin.H{
			"id":             txn.ID.String(),
			"gateway":        txn.Gateway,
			"external_id":    txn.ExternalID,
			"gateway_ref":    txn.GatewayRef,
			"quote_id":       txn.QuoteID.String(),
			"amount_minor":   txn.Amount,
			"currency":       txn.Currency,
			"status":         string(txn.Status),
			"total_refunded": txn.TotalRefunded,
			"created_at":     txn.CreatedAt,
			"updated_at":     txn.UpdatedAt,
		},
		"ledger": ledger,
	})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		c.JSON(appErr.StatusCode, appErr.ToResponse())
		return
	}
	h.logger.Error("operator api error", zap.Error(err))
	c.JSON(apperrors.GetStatusCode(err), apperrors.Internal("internal error", err).ToResponse())
}
