// Package agent implements the conversational stock assistant that answers
// WhatsApp messages: stock lookups by SKU, and add/remove/transfer movements
// guarded by an explicit confirmation step.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"blingwatch/internal/bling"
)

// PendingTTL is how long a proposed stock movement waits for confirmation.
const PendingTTL = 5 * time.Minute

// Operation names accepted in commands and stored with pending operations.
const (
	OpAdd      = "adicionar"
	OpRemove   = "remover"
	OpTransfer = "transferir"
)

// PendingOperation is a stock movement awaiting user confirmation.
type PendingOperation struct {
	UserID          string
	Operation       string
	SKU             string
	ProductName     string
	Quantity        float64
	Warehouse       string
	TargetWarehouse string
	CreatedAt       time.Time
}

// Expired reports whether the operation outlived its confirmation window.
func (p *PendingOperation) Expired(now time.Time) bool {
	return now.Sub(p.CreatedAt) > PendingTTL
}

// OperationStore persists pending operations between messages.
type OperationStore interface {
	SavePending(ctx context.Context, op *PendingOperation) error
	GetPending(ctx context.Context, userID string) (*PendingOperation, error)
	DeletePending(ctx context.Context, userID string) error
	DeleteExpiredPending(ctx context.Context, before time.Time) (int, error)
}

// Inventory is the subset of the ERP client the agent needs.
type Inventory interface {
	ProductBySKU(ctx context.Context, sku string) (*bling.Product, error)
	Variations(ctx context.Context, parent *bling.Product) ([]bling.Product, error)
	StockBalances(ctx context.Context, productIDs ...int64) ([]bling.StockBalance, error)
	Warehouses(ctx context.Context) ([]bling.Warehouse, error)
	UpdateStock(ctx context.Context, productID, warehouseID int64, op bling.StockOperation, quantity float64, note string) error
}

// Completer interprets free-form messages. Optional: without one the agent
// answers unrecognized messages with the help hint.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Agent processes inbound messages and produces replies.
type Agent struct {
	inventory Inventory
	store     OperationStore
	llm       Completer
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a stock agent. llm may be nil.
func New(inventory Inventory, store OperationStore, llm Completer, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		inventory: inventory,
		store:     store,
		llm:       llm,
		logger:    logger,
		now:       time.Now,
	}
}

var (
	lookupRe   = regexp.MustCompile(`(?i)(?:verificar|consultar)\s+([\w\-./+]+)`)
	addRe      = regexp.MustCompile(`(?i)(?:adicionar|add)\s+(\d+(?:[.,]\d+)?)\s*(?:unidades?\s+)?(?:d[oe]\s+)?([\w\-./+]+)(?:\s+dep[oó]sito\s+(.+))?$`)
	removeRe   = regexp.MustCompile(`(?i)(?:remover|remove)\s+(\d+(?:[.,]\d+)?)\s*(?:unidades?\s+)?(?:d[oe]\s+)?([\w\-./+]+)(?:\s+dep[oó]sito\s+(.+))?$`)
	transferRe = regexp.MustCompile(`(?i)transferir\s+(\d+(?:[.,]\d+)?)\s*(?:unidades?\s+)?(?:d[oe]\s+)?([\w\-./+]+)\s+do\s+(.+?)\s+para\s+(?:o\s+)?(.+)$`)
)

// ProcessMessage handles one inbound message and returns the reply text.
// An empty reply means nothing should be sent.
func (a *Agent) ProcessMessage(ctx context.Context, userID, text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)

	switch {
	case strings.Contains(lower, "@confirmar"):
		return a.confirm(ctx, userID)

	case strings.Contains(lower, "@cancelar"):
		return a.cancel(ctx, userID)

	case containsAny(lower, "comandos", "ajuda", "help"):
		return helpMessage, nil

	case strings.Contains(lower, "@estoque verificar") || strings.Contains(lower, "@bot consultar"):
		m := lookupRe.FindStringSubmatch(trimmed)
		if m == nil {
			return "❌ Por favor, especifique o SKU do produto.\nExemplo: `@estoque verificar SKU123`", nil
		}
		return a.lookup(ctx, m[1])

	case transferRe.MatchString(trimmed):
		m := transferRe.FindStringSubmatch(trimmed)
		qty := parseQuantity(m[1])
		return a.propose(ctx, userID, &PendingOperation{
			UserID:          userID,
			Operation:       OpTransfer,
			SKU:             m[2],
			Quantity:        qty,
			Warehouse:       strings.TrimSpace(m[3]),
			TargetWarehouse: strings.TrimSpace(m[4]),
		})

	case strings.Contains(lower, "@estoque") && addRe.MatchString(trimmed):
		m := addRe.FindStringSubmatch(trimmed)
		return a.propose(ctx, userID, &PendingOperation{
			UserID:    userID,
			Operation: OpAdd,
			SKU:       m[2],
			Quantity:  parseQuantity(m[1]),
			Warehouse: strings.TrimSpace(m[3]),
		})

	case strings.Contains(lower, "@estoque") && removeRe.MatchString(trimmed):
		m := removeRe.FindStringSubmatch(trimmed)
		return a.propose(ctx, userID, &PendingOperation{
			UserID:    userID,
			Operation: OpRemove,
			SKU:       m[2],
			Quantity:  parseQuantity(m[1]),
			Warehouse: strings.TrimSpace(m[3]),
		})

	default:
		return a.freeForm(ctx, trimmed)
	}
}

// CleanupExpired removes confirmation requests that outlived their window.
func (a *Agent) CleanupExpired(ctx context.Context) {
	n, err := a.store.DeleteExpiredPending(ctx, a.now().Add(-PendingTTL))
	if err != nil {
		a.logger.Error("Failed to clean up expired operations",
			"component", "agent",
			"error", err,
		)
		return
	}
	if n > 0 {
		a.logger.Info("Cleaned up expired operations",
			"component", "agent",
			"count", n,
		)
	}
}

func (a *Agent) confirm(ctx context.Context, userID string) (string, error) {
	op, err := a.store.GetPending(ctx, userID)
	if err != nil {
		return "", err
	}
	if op == nil {
		return "❓ Não há operação pendente para confirmar.", nil
	}

	if op.Expired(a.now()) {
		if err := a.store.DeletePending(ctx, userID); err != nil {
			a.logger.Error("Failed to delete expired operation", "component", "agent", "error", err)
		}
		return "⏰ A operação expirou. Por favor, inicie novamente.", nil
	}

	if err := a.store.DeletePending(ctx, userID); err != nil {
		a.logger.Error("Failed to delete pending operation", "component", "agent", "error", err)
	}

	if err := a.execute(ctx, op); err != nil {
		if errors.Is(err, bling.ErrNoToken) {
			return "❌ Sistema temporariamente sem acesso ao Bling. Tente novamente em alguns minutos.", nil
		}
		return fmt.Sprintf("❌ Erro ao executar operação: %v", err), nil
	}

	reply := "✅ *Operação realizada com sucesso!*\n\n"
	reply += fmt.Sprintf("Produto: %s\nSKU: `%s`\nOperação: %s %s unidades\n",
		op.ProductName, op.SKU, op.Operation, formatQuantity(op.Quantity))

	if stock, err := a.stockSummary(ctx, op.SKU); err == nil && stock != "" {
		reply += "\n*Estoque atualizado:*\n" + stock
	}
	return reply, nil
}

func (a *Agent) cancel(ctx context.Context, userID string) (string, error) {
	op, err := a.store.GetPending(ctx, userID)
	if err != nil {
		return "", err
	}
	if op == nil {
		return "❓ Não há operação pendente para cancelar.", nil
	}
	if err := a.store.DeletePending(ctx, userID); err != nil {
		return "", err
	}
	return fmt.Sprintf("🚫 Operação de %s para produto '%s' cancelada.", op.Operation, op.ProductName), nil
}

// propose validates the product and stores the operation for confirmation.
func (a *Agent) propose(ctx context.Context, userID string, op *PendingOperation) (string, error) {
	product, err := a.inventory.ProductBySKU(ctx, op.SKU)
	if err != nil {
		if errors.Is(err, bling.ErrNoToken) {
			return "❌ Sistema temporariamente sem acesso ao Bling. Tente novamente em alguns minutos.", nil
		}
		return "", err
	}
	if product == nil {
		return fmt.Sprintf("❌ Produto com SKU %s não encontrado.", op.SKU), nil
	}

	op.ProductName = product.Name
	op.CreatedAt = a.now()
	if err := a.store.SavePending(ctx, op); err != nil {
		return "", err
	}

	msg := "🔍 *Confirmar operação de estoque:*\n\n"
	msg += fmt.Sprintf("• Operação: %s\n• Produto: %s\n• SKU: `%s`\n• Quantidade: %s unidades\n",
		op.Operation, op.ProductName, op.SKU, formatQuantity(op.Quantity))
	if op.Operation == OpTransfer {
		msg += fmt.Sprintf("• De: %s\n• Para: %s\n", op.Warehouse, op.TargetWarehouse)
	} else if op.Warehouse != "" {
		msg += fmt.Sprintf("• Depósito: %s\n", op.Warehouse)
	}
	msg += "\n*Para confirmar, responda com \"@confirmar\".*\n"
	msg += "*Para cancelar, responda com \"@cancelar\".*\n"
	msg += "_(Esta operação expira em 5 minutos)_"
	return msg, nil
}

// execute applies a confirmed operation to the ERP. Transfers are an exit
// from the source warehouse followed by an entry in the target.
func (a *Agent) execute(ctx context.Context, op *PendingOperation) error {
	product, err := a.inventory.ProductBySKU(ctx, op.SKU)
	if err != nil {
		return err
	}
	if product == nil {
		return fmt.Errorf("produto com SKU %s não encontrado", op.SKU)
	}

	warehouses, err := a.inventory.Warehouses(ctx)
	if err != nil {
		return err
	}

	sourceID, err := resolveWarehouse(warehouses, op.Warehouse)
	if err != nil {
		return err
	}

	note := fmt.Sprintf("Operação via assistente de estoque em %s", a.now().Format("02/01/2006 15:04"))

	switch op.Operation {
	case OpAdd:
		return a.inventory.UpdateStock(ctx, product.ID, sourceID, bling.StockEntry, op.Quantity, note)
	case OpRemove:
		return a.inventory.UpdateStock(ctx, product.ID, sourceID, bling.StockExit, op.Quantity, note)
	case OpTransfer:
		targetID, err := resolveWarehouse(warehouses, op.TargetWarehouse)
		if err != nil {
			return fmt.Errorf("depósito de destino: %w", err)
		}
		if err := a.inventory.UpdateStock(ctx, product.ID, sourceID, bling.StockExit, op.Quantity, note); err != nil {
			return err
		}
		return a.inventory.UpdateStock(ctx, product.ID, targetID, bling.StockEntry, op.Quantity, note)
	default:
		return fmt.Errorf("operação desconhecida: %s", op.Operation)
	}
}

// lookup answers a stock query for one SKU, including parent/variation
// context.
func (a *Agent) lookup(ctx context.Context, sku string) (string, error) {
	product, err := a.inventory.ProductBySKU(ctx, sku)
	if err != nil {
		if errors.Is(err, bling.ErrNoToken) {
			return "❌ Sistema temporariamente sem acesso ao Bling. Tente novamente em alguns minutos.", nil
		}
		return "", err
	}
	if product == nil {
		return fmt.Sprintf("❌ Produto com SKU %s não encontrado.", sku), nil
	}

	warehouses, err := a.inventory.Warehouses(ctx)
	if err != nil {
		warehouses = nil
	}
	names := warehouseNames(warehouses)

	reply := fmt.Sprintf("📦 *Produto: %s*\nSKU: `%s`\n\n*Estoque por Depósito:*\n", product.Name, product.SKU)
	reply += a.balanceLines(ctx, product.ID, names)

	if !product.IsVariation() {
		variations, err := a.inventory.Variations(ctx, product)
		if err == nil && len(variations) > 0 {
			reply += "\n*Variações deste produto:*\n"
			for i, v := range variations {
				reply += fmt.Sprintf("%d. *%s*\n   SKU: `%s`\n", i+1, v.Name, v.SKU)
				reply += indentLines(a.balanceLines(ctx, v.ID, names), "   ")
			}
		}
	}

	return reply, nil
}

// balanceLines renders the per-warehouse stock of one product.
func (a *Agent) balanceLines(ctx context.Context, productID int64, names map[int64]string) string {
	balances, err := a.inventory.StockBalances(ctx, productID)
	if err != nil || len(balances) == 0 {
		return "- Nenhum estoque encontrado para este produto\n"
	}

	var out string
	for _, b := range balances {
		if b.Product.ID != productID {
			continue
		}
		for _, w := range b.Warehouses {
			name := names[w.WarehouseID]
			if name == "" {
				name = fmt.Sprintf("Depósito %d", w.WarehouseID)
			}
			out += fmt.Sprintf("- %s: %s unidades\n", name, formatQuantity(w.Virtual))
		}
	}
	if out == "" {
		return "- Nenhum estoque encontrado para este produto\n"
	}
	return out
}

func (a *Agent) stockSummary(ctx context.Context, sku string) (string, error) {
	product, err := a.inventory.ProductBySKU(ctx, sku)
	if err != nil || product == nil {
		return "", err
	}
	warehouses, err := a.inventory.Warehouses(ctx)
	if err != nil {
		warehouses = nil
	}
	return a.balanceLines(ctx, product.ID, warehouseNames(warehouses)), nil
}

// freeForm hands the message to the LLM when one is configured.
func (a *Agent) freeForm(ctx context.Context, text string) (string, error) {
	if a.llm == nil {
		return "🤔 Não entendi o comando. Envie `ajuda` para ver os comandos disponíveis.", nil
	}

	reply, err := a.llm.Complete(ctx, systemPrompt, text)
	if err != nil {
		a.logger.Error("LLM request failed", "component", "agent", "error", err)
		return "❌ Desculpe, ocorreu um erro ao processar sua solicitação. Por favor, tente novamente.", nil
	}
	if reply == "" {
		return "Desculpe, não consegui processar sua solicitação.", nil
	}
	return reply, nil
}

func resolveWarehouse(warehouses []bling.Warehouse, name string) (int64, error) {
	if len(warehouses) == 0 {
		return 0, errors.New("nenhum depósito disponível")
	}
	if name == "" {
		return warehouses[0].ID, nil
	}
	lower := strings.ToLower(name)
	for _, w := range warehouses {
		if strings.Contains(strings.ToLower(w.Name), lower) {
			return w.ID, nil
		}
	}
	return 0, fmt.Errorf("depósito %q não encontrado", name)
}

func warehouseNames(warehouses []bling.Warehouse) map[int64]string {
	names := make(map[int64]string, len(warehouses))
	for _, w := range warehouses {
		names[w.ID] = w.Name
	}
	return names
}

func parseQuantity(s string) float64 {
	s = strings.ReplaceAll(s, ",", ".")
	q, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return q
}

func formatQuantity(q float64) string {
	if q == float64(int64(q)) {
		return strconv.FormatInt(int64(q), 10)
	}
	return strconv.FormatFloat(q, 'f', 2, 64)
}

func indentLines(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n") + "\n"
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

const helpMessage = `🤖 *Comandos Disponíveis*

1️⃣ *Consultar Estoque*
• ` + "`@estoque verificar SKU-123`" + `
• ` + "`@bot consultar SKU-123`" + `

2️⃣ *Adicionar Estoque*
• ` + "`@estoque adicionar 10 unidades do SKU-123`" + `
• ` + "`@estoque add 5 SKU-456 depósito principal`" + `

3️⃣ *Remover Estoque*
• ` + "`@estoque remover 3 unidades do SKU-789`" + `
• ` + "`@estoque remove 2 SKU-123 depósito full`" + `

4️⃣ *Transferir Estoque*
• ` + "`@estoque transferir 5 SKU-123 do principal para full`" + `

📝 *Observações*:
• Use sempre o SKU correto do produto
• Especifique a quantidade claramente
• Mencione o depósito quando necessário
• Aguarde confirmação em operações de alteração`

const systemPrompt = `Você é um assistente especializado em gerenciamento de estoque para e-commerce.
Responda sempre em português, de forma breve e objetiva.
Quando o usuário quiser consultar ou alterar estoque, oriente-o a usar os comandos:
"@estoque verificar SKU", "@estoque adicionar N SKU", "@estoque remover N SKU",
"@estoque transferir N SKU do depósito A para B".`
