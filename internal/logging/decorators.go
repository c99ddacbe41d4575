package logging

import (
	"context"
	"log/slog"
	"time"

	"blingwatch/internal/agent"
	"blingwatch/internal/bling"
)

// InventoryLogger wraps an agent.Inventory and logs all method calls
type InventoryLogger struct {
	inventory agent.Inventory
	logger    *slog.Logger
}

// NewInventoryLogger creates a new logging decorator for the Bling inventory client
func NewInventoryLogger(inventory agent.Inventory, logger *slog.Logger) agent.Inventory {
	return &InventoryLogger{
		inventory: inventory,
		logger:    logger.With("interface", "Inventory"),
	}
}

func (l *InventoryLogger) ProductBySKU(ctx context.Context, sku string) (*bling.Product, error) {
	start := time.Now()
	l.logger.Debug("ProductBySKU called",
		"sku", sku)

	product, err := l.inventory.ProductBySKU(ctx, sku)
	duration := time.Since(start)

	if err != nil {
		l.logger.Error("ProductBySKU failed",
			"sku", sku,
			"duration", duration,
			"error", err)
		return nil, err
	}

	l.logger.Debug("ProductBySKU completed",
		"sku", sku,
		"found", product != nil,
		"duration", duration)

	return product, nil
}

func (l *InventoryLogger) Variations(ctx context.Context, parent *bling.Product) ([]bling.Product, error) {
	start := time.Now()
	l.logger.Debug("Variations called",
		"product_id", parent.ID)

	variations, err := l.inventory.Variations(ctx, parent)
	duration := time.Since(start)

	if err != nil {
		l.logger.Error("Variations failed",
			"product_id", parent.ID,
			"duration", duration,
			"error", err)
		return nil, err
	}

	l.logger.Debug("Variations completed",
		"product_id", parent.ID,
		"count", len(variations),
		"duration", duration)

	return variations, nil
}

func (l *InventoryLogger) StockBalances(ctx context.Context, productIDs ...int64) ([]bling.StockBalance, error) {
	start := time.Now()
	l.logger.Debug("StockBalances called",
		"product_ids", productIDs)

	balances, err := l.inventory.StockBalances(ctx, productIDs...)
	duration := time.Since(start)

	if err != nil {
		l.logger.Error("StockBalances failed",
			"product_ids", productIDs,
			"duration", duration,
			"error", err)
		return nil, err
	}

	l.logger.Debug("StockBalances completed",
		"product_ids", productIDs,
		"count", len(balances),
		"duration", duration)

	return balances, nil
}

func (l *InventoryLogger) Warehouses(ctx context.Context) ([]bling.Warehouse, error) {
	start := time.Now()
	l.logger.Debug("Warehouses called")

	warehouses, err := l.inventory.Warehouses(ctx)
	duration := time.Since(start)

	if err != nil {
		l.logger.Error("Warehouses failed",
			"duration", duration,
			"error", err)
		return nil, err
	}

	l.logger.Debug("Warehouses completed",
		"count", len(warehouses),
		"duration", duration)

	return warehouses, nil
}

func (l *InventoryLogger) UpdateStock(ctx context.Context, productID, warehouseID int64, op bling.StockOperation, quantity float64, note string) error {
	start := time.Now()
	l.logger.Info("UpdateStock called",
		"product_id", productID,
		"warehouse_id", warehouseID,
		"operation", string(op),
		"quantity", quantity)

	err := l.inventory.UpdateStock(ctx, productID, warehouseID, op, quantity, note)
	duration := time.Since(start)

	if err != nil {
		l.logger.Error("UpdateStock failed",
			"product_id", productID,
			"warehouse_id", warehouseID,
			"operation", string(op),
			"quantity", quantity,
			"duration", duration,
			"error", err)
		return err
	}

	l.logger.Info("UpdateStock completed",
		"product_id", productID,
		"warehouse_id", warehouseID,
		"operation", string(op),
		"quantity", quantity,
		"duration", duration)

	return nil
}
