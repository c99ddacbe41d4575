// Package monitor processes Bling stock webhooks and raises WhatsApp group
// alerts for products that hit zero or negative stock.
package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"blingwatch/internal/idgen"
	"blingwatch/internal/whatsapp"
)

// alertCooldown suppresses repeat alerts for the same (sku, warehouse) pair.
const alertCooldown = 24 * time.Hour

// AlertHistory records when each (sku, warehouse) pair was last alerted.
type AlertHistory interface {
	LastAlertAt(ctx context.Context, sku, warehouse string) (*time.Time, error)
	RecordAlert(ctx context.Context, sku, warehouse string, at time.Time) error
}

// Sender delivers alert messages. Satisfied by *whatsapp.Client.
type Sender interface {
	SendText(ctx context.Context, number, text string, opts ...whatsapp.SendOption) error
}

// FlexFloat accepts both JSON numbers and numeric strings; Bling webhooks
// deliver balances either way.
type FlexFloat float64

func (f *FlexFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
		if err != nil {
			return fmt.Errorf("invalid balance %q: %w", s, err)
		}
		*f = FlexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = FlexFloat(v)
	return nil
}

// WebhookPayload is the stock notification body posted by Bling.
type WebhookPayload struct {
	Retorno struct {
		Estoques []struct {
			Estoque ProductStock `json:"estoque"`
		} `json:"estoques"`
	} `json:"retorno"`
}

// ProductStock is one product entry inside a webhook.
type ProductStock struct {
	SKU        string    `json:"codigo"`
	Name       string    `json:"nome"`
	StockTotal FlexFloat `json:"estoqueAtual"`
	Warehouses []struct {
		Warehouse WarehouseStock `json:"deposito"`
	} `json:"depositos"`
}

// WarehouseStock is the per-warehouse balance of a product.
type WarehouseStock struct {
	Name      string    `json:"nome"`
	Balance   FlexFloat `json:"saldo"`
	Disregard string    `json:"desconsiderar"`
}

// Alert is one product that needs attention.
type Alert struct {
	SKU       string
	Name      string
	Warehouse string
	Balance   float64
}

// Result summarizes one processed webhook.
type Result struct {
	Alerts     int
	Suppressed int
}

// Monitor turns webhook payloads into group alerts.
type Monitor struct {
	history   AlertHistory
	sender    Sender
	groupID   string
	groupName string
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a stock monitor that alerts the given WhatsApp group.
func New(history AlertHistory, sender Sender, groupID, groupName string, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		history:   history,
		sender:    sender,
		groupID:   groupID,
		groupName: groupName,
		logger:    logger,
		now:       time.Now,
	}
}

// HandleWebhook inspects a stock notification for the named warehouse and
// sends at most one group alert covering every product that needs it.
func (m *Monitor) HandleWebhook(ctx context.Context, payload *WebhookPayload, warehouseLabel string) (*Result, error) {
	products := make(map[string]ProductStock)
	for _, wrapper := range payload.Retorno.Estoques {
		p := wrapper.Estoque
		if p.SKU != "" && p.Name != "" {
			products[p.SKU] = p
		}
	}

	children := parentChildren(products)

	result := &Result{}
	var alerts []Alert
	seen := make(map[string]bool)

	for _, wrapper := range payload.Retorno.Estoques {
		p := wrapper.Estoque
		if p.SKU == "" || seen[p.SKU] {
			continue
		}
		seen[p.SKU] = true

		for _, dw := range p.Warehouses {
			dep := dw.Warehouse
			if dep.Disregard == "S" {
				continue
			}
			if float64(dep.Balance) > 0 {
				continue
			}

			// A parent whose variations still have stock in this
			// warehouse does not need its own alert.
			if kids := children[p.SKU]; len(kids) > 0 && m.variationHasStock(products, kids, dep.Name) {
				m.logger.Info("Parent product skipped, variations have stock",
					"component", "monitor",
					"sku", p.SKU,
				)
				continue
			}

			if m.alertedRecently(ctx, p.SKU, warehouseLabel) {
				result.Suppressed++
				continue
			}

			alerts = append(alerts, Alert{
				SKU:       p.SKU,
				Name:      p.Name,
				Warehouse: warehouseLabel,
				Balance:   float64(dep.Balance),
			})
		}
	}

	result.Alerts = len(alerts)
	if len(alerts) == 0 {
		m.logger.Info("No alerts needed",
			"component", "monitor",
			"warehouse", warehouseLabel,
		)
		return result, nil
	}

	message := FormatAlertMessage(alerts, m.now())
	if err := m.sender.SendText(ctx, m.groupID, message); err != nil {
		return result, fmt.Errorf("failed to send group alert: %w", err)
	}

	now := m.now()
	for _, a := range alerts {
		if err := m.history.RecordAlert(ctx, a.SKU, a.Warehouse, now); err != nil {
			m.logger.Error("Failed to record alert",
				"component", "monitor",
				"sku", a.SKU,
				"error", err,
			)
		}
	}

	m.logger.Info("Group alert sent",
		"component", "monitor",
		"alert_id", idgen.NewAlert(),
		"group", m.groupName,
		"warehouse", warehouseLabel,
		"alerts", len(alerts),
	)
	return result, nil
}

// alertedRecently checks the per-day dedup window. History errors fail
// open: a duplicate alert beats a silently dropped one.
func (m *Monitor) alertedRecently(ctx context.Context, sku, warehouse string) bool {
	last, err := m.history.LastAlertAt(ctx, sku, warehouse)
	if err != nil {
		m.logger.Error("Failed to read alert history",
			"component", "monitor",
			"sku", sku,
			"error", err,
		)
		return false
	}
	return last != nil && m.now().Sub(*last) < alertCooldown
}

// variationHasStock reports whether any child product holds positive stock
// in the named warehouse.
func (m *Monitor) variationHasStock(products map[string]ProductStock, kids []string, warehouseName string) bool {
	for _, kid := range kids {
		child, ok := products[kid]
		if !ok {
			continue
		}
		for _, dw := range child.Warehouses {
			dep := dw.Warehouse
			if dep.Name == warehouseName && dep.Disregard != "S" && float64(dep.Balance) > 0 {
				return true
			}
		}
	}
	return false
}

// parentChildren derives parent/variation relations from product names: a
// variation carries the parent's name as a prefix plus a meaningful suffix.
func parentChildren(products map[string]ProductStock) map[string][]string {
	children := make(map[string][]string)
	for childSKU, child := range products {
		for parentSKU, parent := range products {
			if parentSKU == childSKU {
				continue
			}
			if isVariationName(parent.Name, child.Name) {
				children[parentSKU] = append(children[parentSKU], childSKU)
				break
			}
		}
	}
	return children
}

func isVariationName(parentName, childName string) bool {
	return parentName != "" && childName != "" &&
		childName != parentName &&
		strings.Contains(childName, parentName) &&
		len(childName) > len(parentName)+3
}
