package bling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTokens struct {
	token string
	ok    bool
}

func (s staticTokens) GetValidToken(ctx context.Context) (string, bool) {
	return s.token, s.ok
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(server.URL, staticTokens{token: "tok-123", ok: true}, nil)
}

func TestClient_ProductBySKU(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		assert.Equal(t, "/produtos", r.URL.Path)
		assert.Equal(t, "CAM-001", r.URL.Query().Get("codigo"))
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"id": 123, "nome": "Camiseta Basica", "codigo": "CAM-001"},
			},
		})
	})

	p, err := c.ProductBySKU(context.Background(), "CAM-001")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, int64(123), p.ID)
	assert.Equal(t, "Camiseta Basica", p.Name)
	assert.False(t, p.IsVariation())
}

func TestClient_ProductBySKUNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
	})

	p, err := c.ProductBySKU(context.Background(), "NOPE")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestClient_NoTokenDegradation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should be made without a token")
	}))
	defer server.Close()

	c := NewClient(server.URL, staticTokens{ok: false}, nil)
	_, err := c.ProductBySKU(context.Background(), "CAM-001")
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestClient_UnauthorizedMapsToNoToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.Warehouses(context.Background())
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestClient_VariationsFiltersByParentName(t *testing.T) {
	parent := &Product{ID: 10, Name: "Camiseta Basica", SKU: "CAM"}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		// The full fetch comes first but carries no variations here,
		// forcing the fallback to the parent filter query.
		if r.URL.Path == "/produtos/10" {
			json.NewEncoder(w).Encode(map[string]any{
				"data": map[string]any{"id": 10, "nome": "Camiseta Basica", "codigo": "CAM"},
			})
			return
		}
		assert.Equal(t, "10", r.URL.Query().Get("idProdutoPai"))
		assert.Equal(t, "V", r.URL.Query().Get("tipo"))
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"id": 11, "nome": "Camiseta Basica - P", "codigo": "CAM-P", "idProdutoPai": 10},
				{"id": 99, "nome": "Moletom Pesado - G", "codigo": "MOL-G", "idProdutoPai": 10},
			},
		})
	})

	vars, err := c.Variations(context.Background(), parent)
	require.NoError(t, err)
	require.Len(t, vars, 1, "unrelated products must be filtered out")
	assert.Equal(t, "CAM-P", vars[0].SKU)
}

func TestClient_VariationsFromFullFetch(t *testing.T) {
	parent := &Product{ID: 10, Name: "Camiseta Basica", SKU: "CAM"}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/produtos/10", r.URL.Path, "full fetch must satisfy the lookup")
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"id": 10, "nome": "Camiseta Basica", "codigo": "CAM",
				"variacoes": []map[string]any{
					{"id": 11, "nome": "Camiseta Basica - P", "codigo": "CAM-P", "idProdutoPai": 10},
				},
			},
		})
	})

	vars, err := c.Variations(context.Background(), parent)
	require.NoError(t, err)
	require.Len(t, vars, 1)
	assert.Equal(t, "CAM-P", vars[0].SKU)
}

func TestClient_VariationsUsesEmbeddedList(t *testing.T) {
	parent := &Product{
		ID:   10,
		Name: "Camiseta Basica",
		Variations: []Product{
			{ID: 11, Name: "Camiseta Basica - P", SKU: "CAM-P"},
		},
	}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("embedded variations must not trigger a request")
	})

	vars, err := c.Variations(context.Background(), parent)
	require.NoError(t, err)
	assert.Len(t, vars, 1)
}

func TestClient_StockBalances(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/estoques/saldos", r.URL.Path)
		assert.Equal(t, []string{"11", "12"}, r.URL.Query()["idsProdutos[]"])
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{
					"produto":           map[string]any{"id": 11},
					"saldoVirtualTotal": 5.0,
					"depositos": []map[string]any{
						{"id": 777, "saldoVirtual": 5.0},
					},
				},
			},
		})
	})

	balances, err := c.StockBalances(context.Background(), 11, 12)
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.Equal(t, int64(11), balances[0].Product.ID)
	assert.Equal(t, 5.0, balances[0].VirtualTotal)
	require.Len(t, balances[0].Warehouses, 1)
	assert.Equal(t, int64(777), balances[0].Warehouses[0].WarehouseID)
}

func TestClient_UpdateStock(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/estoques/produtos/11/depositos/777", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "E", body["operacao"])
		assert.EqualValues(t, 3, body["quantidade"])
		w.WriteHeader(http.StatusNoContent)
	})

	err := c.UpdateStock(context.Background(), 11, 777, StockEntry, 3, "ajuste manual")
	require.NoError(t, err)
}

func TestClient_APIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":{"type":"VALIDATION_ERROR"}}`))
	})

	err := c.UpdateStock(context.Background(), 11, 777, StockExit, 3, "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
}
