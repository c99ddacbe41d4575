package bling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ErrNoToken is returned when no valid access token is available, either
// because the credential store is empty or because the API rejected the
// current token.
var ErrNoToken = errors.New("bling: no valid access token")

// TokenSource yields the current access token. The second return is false
// when no usable token exists.
type TokenSource interface {
	GetValidToken(ctx context.Context) (string, bool)
}

// Client is a client for the Bling ERP v3 REST API.
type Client struct {
	baseURL string
	tokens  TokenSource
	client  *http.Client
	logger  *slog.Logger
}

// NewClient creates a new Bling API client.
func NewClient(baseURL string, tokens TokenSource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		tokens:  tokens,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Product represents a product record.
type Product struct {
	ID         int64     `json:"id"`
	Name       string    `json:"nome"`
	SKU        string    `json:"codigo"`
	Type       string    `json:"tipo,omitempty"`
	ParentID   int64     `json:"idProdutoPai,omitempty"`
	Variations []Product `json:"variacoes,omitempty"`
}

// IsVariation reports whether the product belongs to a parent product.
func (p *Product) IsVariation() bool {
	return p.ParentID != 0
}

// WarehouseBalance is one warehouse entry inside a stock balance.
type WarehouseBalance struct {
	WarehouseID int64   `json:"id"`
	Physical    float64 `json:"saldoFisico"`
	Virtual     float64 `json:"saldoVirtual"`
}

// StockBalance is the per-product stock summary.
type StockBalance struct {
	Product struct {
		ID int64 `json:"id"`
	} `json:"produto"`
	PhysicalTotal float64            `json:"saldoFisicoTotal"`
	VirtualTotal  float64            `json:"saldoVirtualTotal"`
	Warehouses    []WarehouseBalance `json:"depositos"`
}

// Warehouse represents a deposit registered in the ERP.
type Warehouse struct {
	ID      int64  `json:"id"`
	Name    string `json:"nome"`
	Default bool   `json:"padrao,omitempty"`
}

// StockOperation is the movement direction for a stock update.
type StockOperation string

const (
	StockEntry StockOperation = "E"
	StockExit  StockOperation = "S"
)

// APIError represents a non-2xx response from the Bling API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bling API error %d: %s", e.StatusCode, e.Body)
}

// ProductBySKU finds a product by its SKU. Returns nil when no product
// matches.
func (c *Client) ProductBySKU(ctx context.Context, sku string) (*Product, error) {
	q := url.Values{}
	q.Set("codigo", sku)

	var resp struct {
		Data []Product `json:"data"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/produtos?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, nil
	}
	return &resp.Data[0], nil
}

// ProductByID fetches the full product record, including variations for a
// parent product.
func (c *Client) ProductByID(ctx context.Context, id int64) (*Product, error) {
	var resp struct {
		Data *Product `json:"data"`
	}
	path := "/produtos/" + strconv.FormatInt(id, 10)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Variations lists the variation products of a parent. Bling occasionally
// returns unrelated products for the parent filter, so the result is
// narrowed to names prefixed by the parent's own name.
func (c *Client) Variations(ctx context.Context, parent *Product) ([]Product, error) {
	if len(parent.Variations) > 0 {
		return parent.Variations, nil
	}

	// List endpoints return abbreviated records without the variations
	// list; the full fetch usually carries it and saves a second query.
	if full, err := c.ProductByID(ctx, parent.ID); err == nil && full != nil && len(full.Variations) > 0 {
		return full.Variations, nil
	}

	q := url.Values{}
	q.Set("idProdutoPai", strconv.FormatInt(parent.ID, 10))
	q.Set("tipo", "V")
	q.Set("limite", "100")

	var resp struct {
		Data []Product `json:"data"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/produtos?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}

	var related []Product
	for _, v := range resp.Data {
		if len(v.Name) > len(parent.Name) && v.Name[:len(parent.Name)] == parent.Name {
			related = append(related, v)
		}
	}
	return related, nil
}

// StockBalances fetches the stock summary for the given product IDs.
func (c *Client) StockBalances(ctx context.Context, productIDs ...int64) ([]StockBalance, error) {
	q := url.Values{}
	for _, id := range productIDs {
		q.Add("idsProdutos[]", strconv.FormatInt(id, 10))
	}

	var resp struct {
		Data []StockBalance `json:"data"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/estoques/saldos?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Warehouses lists the registered deposits.
func (c *Client) Warehouses(ctx context.Context) ([]Warehouse, error) {
	var resp struct {
		Data []Warehouse `json:"data"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/depositos", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// UpdateStock posts a stock movement for a product in a warehouse.
func (c *Client) UpdateStock(ctx context.Context, productID, warehouseID int64, op StockOperation, quantity float64, note string) error {
	req := struct {
		Operation string  `json:"operacao"`
		Quantity  float64 `json:"quantidade"`
		Notes     string  `json:"observacoes,omitempty"`
	}{
		Operation: string(op),
		Quantity:  quantity,
		Notes:     note,
	}

	path := fmt.Sprintf("/estoques/produtos/%d/depositos/%d", productID, warehouseID)
	return c.doRequest(ctx, http.MethodPost, path, req, nil)
}

// doRequest performs an authenticated HTTP request against the Bling API.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	token, ok := c.tokens.GetValidToken(ctx)
	if !ok {
		return ErrNoToken
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("Bling API request",
		"component", "bling",
		"method", method,
		"path", path,
	)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: API rejected token", ErrNoToken)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if result != nil && resp.StatusCode != http.StatusNoContent && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}
