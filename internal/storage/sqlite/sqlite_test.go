package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blingwatch/internal/agent"
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAlertHistory(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	at, err := s.LastAlertAt(ctx, "CAM-001", "Depósito Full")
	require.NoError(t, err)
	assert.Nil(t, at, "no alert recorded yet")

	sent := time.Now().Truncate(time.Second)
	require.NoError(t, s.RecordAlert(ctx, "CAM-001", "Depósito Full", sent))

	at, err = s.LastAlertAt(ctx, "CAM-001", "Depósito Full")
	require.NoError(t, err)
	require.NotNil(t, at)
	assert.True(t, at.Equal(sent))

	// Other warehouse is tracked independently.
	at, err = s.LastAlertAt(ctx, "CAM-001", "Depósito Principal")
	require.NoError(t, err)
	assert.Nil(t, at)

	// Re-recording replaces the timestamp.
	later := sent.Add(25 * time.Hour)
	require.NoError(t, s.RecordAlert(ctx, "CAM-001", "Depósito Full", later))

	at, err = s.LastAlertAt(ctx, "CAM-001", "Depósito Full")
	require.NoError(t, err)
	require.NotNil(t, at)
	assert.True(t, at.Equal(later))
}

func TestPendingOperations(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	op, err := s.GetPending(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, op)

	created := time.Now().Truncate(time.Second)
	require.NoError(t, s.SavePending(ctx, &agent.PendingOperation{
		UserID:      "user-1",
		Operation:   agent.OpAdd,
		SKU:         "CAM-001",
		ProductName: "Camiseta Basica",
		Quantity:    10,
		Warehouse:   "principal",
		CreatedAt:   created,
	}))

	op, err = s.GetPending(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, op)
	assert.Equal(t, agent.OpAdd, op.Operation)
	assert.Equal(t, 10.0, op.Quantity)
	assert.True(t, op.CreatedAt.Equal(created))

	// A new proposal from the same user replaces the previous one.
	require.NoError(t, s.SavePending(ctx, &agent.PendingOperation{
		UserID:      "user-1",
		Operation:   agent.OpRemove,
		SKU:         "CAM-002",
		ProductName: "Camiseta Estampada",
		Quantity:    2,
		CreatedAt:   created.Add(time.Minute),
	}))

	op, err = s.GetPending(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, op)
	assert.Equal(t, agent.OpRemove, op.Operation)
	assert.Equal(t, "CAM-002", op.SKU)

	require.NoError(t, s.DeletePending(ctx, "user-1"))
	op, err = s.GetPending(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, op)
}

func TestDeleteExpiredPending(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, s.SavePending(ctx, &agent.PendingOperation{
		UserID: "old", Operation: agent.OpAdd, SKU: "A", ProductName: "a",
		Quantity: 1, CreatedAt: now.Add(-10 * time.Minute),
	}))
	require.NoError(t, s.SavePending(ctx, &agent.PendingOperation{
		UserID: "fresh", Operation: agent.OpAdd, SKU: "B", ProductName: "b",
		Quantity: 1, CreatedAt: now,
	}))

	n, err := s.DeleteExpiredPending(ctx, now.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	op, err := s.GetPending(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, op)

	op, err = s.GetPending(ctx, "fresh")
	require.NoError(t, err)
	assert.NotNil(t, op)
}
