package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spot-sniper/internal/config"
	"spot-sniper/internal/strategy"
)

func newMemoryStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewSQLite(config.DatabaseConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleStrategy(t *testing.T, id string, qty float64) strategy.Strategy {
	t.Helper()
	cfg := strategy.Config{TakeProfitPct: 20, TakeProfitSellPct: 50, StopLossPct: 10, TrailingStopPct: 5, TrailingActivationPct: 10}
	s, err := strategy.NewStrategy(id, "BTCUSDT", 100, qty, cfg, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC))
	require.NoError(t, err)
	return s.Clone()
}

func TestStrategyStore_SaveLoadDelete(t *testing.T) {
	ss, err := NewStrategyStore(newMemoryStore(t))
	require.NoError(t, err)
	ctx := context.Background()

	a := sampleStrategy(t, "BTCUSDT_1_a", 1.5)
	a.UpdatePriceTracking(115)
	require.NotNil(t, a.TrailingStopPrice)
	require.NoError(t, ss.Save(ctx, a))

	b := sampleStrategy(t, "BTCUSDT_2_b", 2)
	require.NoError(t, ss.Save(ctx, b))

	loaded, err := ss.LoadActive(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	got := loaded["BTCUSDT_1_a"]
	assert.Equal(t, a.BuyPrice, got.BuyPrice)
	assert.Equal(t, a.Quantity, got.Quantity)
	assert.Equal(t, a.TakeProfitPrice, got.TakeProfitPrice)
	assert.True(t, got.TrailingActivated)
	require.NotNil(t, got.TrailingStopPrice)
	assert.InDelta(t, *a.TrailingStopPrice, *got.TrailingStopPrice, 1e-12)
	assert.True(t, a.CreatedAt.Equal(got.CreatedAt))

	require.NoError(t, ss.Delete(ctx, "BTCUSDT_2_b"))
	require.NoError(t, ss.Delete(ctx, "BTCUSDT_2_b"))

	loaded, err = ss.LoadActive(ctx)
	require.NoError(t, err)
	assert.Len(t, loaded, 1)
}

func TestStrategyStore_ExecutedKeptAsHistory(t *testing.T) {
	ss, err := NewStrategyStore(newMemoryStore(t))
	require.NoError(t, err)
	ctx := context.Background()

	s := sampleStrategy(t, "BTCUSDT_3_c", 1)
	require.NoError(t, ss.Save(ctx, s))

	s.Quantity = 0
	s.Executed = true
	s.Status = strategy.StatusExecuted
	s.SellReason = strategy.ReasonStopLoss
	require.NoError(t, ss.Save(ctx, s))

	loaded, err := ss.LoadActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)

	history, err := ss.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, strategy.ReasonStopLoss, history[0].SellReason)
}

func TestNewSQLite_FileBacked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sniper.db")
	s, err := NewSQLite(config.DatabaseConfig{Path: path, MaxOpenConns: 2, MaxIdleConns: 1})
	require.NoError(t, err)
	defer s.Close()

	ss, err := NewStrategyStore(s)
	require.NoError(t, err)
	require.NoError(t, ss.Save(context.Background(), sampleStrategy(t, "BTCUSDT_4_d", 1)))
	assert.FileExists(t, path)
}

func TestNewStrategyStore_NilStore(t *testing.T) {
	_, err := NewStrategyStore(nil)
	assert.Error(t, err)
}
