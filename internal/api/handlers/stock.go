package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"blingwatch/internal/monitor"
)

// StockMonitor processes decoded stock webhooks.
type StockMonitor interface {
	HandleWebhook(ctx context.Context, payload *monitor.WebhookPayload, warehouseLabel string) (*monitor.Result, error)
}

// StockHandler receives Bling stock webhooks, one route per warehouse.
type StockHandler struct {
	monitor StockMonitor
	logger  *slog.Logger
}

// NewStockHandler creates a new stock webhook handler.
func NewStockHandler(monitor StockMonitor, logger *slog.Logger) *StockHandler {
	return &StockHandler{
		monitor: monitor,
		logger:  logger,
	}
}

// Full handles webhooks for the fulfillment warehouse.
// POST /full
func (h *StockHandler) Full(c *gin.Context) {
	h.handle(c, "Depósito Full")
}

// Principal handles webhooks for the main warehouse.
// POST /principal
func (h *StockHandler) Principal(c *gin.Context) {
	h.handle(c, "Depósito Principal")
}

// handle decodes the payload and runs it through the monitor. Responses are
// always 200 with a status field: Bling retries non-2xx deliveries and a
// malformed payload will not get better on retry.
func (h *StockHandler) handle(c *gin.Context, warehouseLabel string) {
	var payload monitor.WebhookPayload
	if err := decodeWebhookBody(c, &payload); err != nil {
		h.logger.Warn("Invalid stock webhook payload",
			"component", "api.stock",
			"warehouse", warehouseLabel,
			"error", err,
		)
		c.JSON(http.StatusOK, gin.H{"status": "error", "message": err.Error()})
		return
	}

	if len(payload.Retorno.Estoques) == 0 {
		c.JSON(http.StatusOK, gin.H{"status": "warning", "message": "Formato de dados inválido"})
		return
	}

	result, err := h.monitor.HandleWebhook(c.Request.Context(), &payload, warehouseLabel)
	if err != nil {
		h.logger.Error("Failed to process stock webhook",
			"component", "api.stock",
			"warehouse", warehouseLabel,
			"error", err,
		)
		c.JSON(http.StatusOK, gin.H{"status": "error", "message": err.Error()})
		return
	}

	if result.Alerts > 0 {
		c.JSON(http.StatusOK, gin.H{
			"status":  "success",
			"message": "Alerta enviado",
			"count":   result.Alerts,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "Nenhum alerta necessário"})
}
