package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateMarketBuy(t *testing.T) {
	book := OrderBook{
		Symbol: "BTCUSDT",
		Asks: []OrderBookLevel{
			{Price: 100, Amount: 1},
			{Price: 110, Amount: 2},
		},
	}

	est, ok := EstimateMarketBuy(book, 210)
	require.True(t, ok)
	assert.InDelta(t, 2.0, est.Quantity, 1e-9)
	assert.InDelta(t, 105.0, est.AvgPrice, 1e-9)
	assert.Equal(t, 2, est.Levels)
	assert.Equal(t, 110.0, est.WorstAsk)
	assert.InDelta(t, 5.0, est.Slippage, 1e-9)
	assert.False(t, est.Exhausted)
}

func TestEstimateMarketBuy_Exhausted(t *testing.T) {
	book := OrderBook{Asks: []OrderBookLevel{{Price: 10, Amount: 1}}}

	est, ok := EstimateMarketBuy(book, 50)
	require.True(t, ok)
	assert.True(t, est.Exhausted)
	assert.InDelta(t, 1.0, est.Quantity, 1e-9)

	_, ok = EstimateMarketBuy(OrderBook{}, 50)
	assert.False(t, ok)
	_, ok = EstimateMarketBuy(book, 0)
	assert.False(t, ok)
}

func TestFloorQuantity(t *testing.T) {
	assert.Equal(t, 1.23, FloorQuantity(1.23999, 2))
	assert.Equal(t, 6.0, FloorQuantity(6.99, 0))
	assert.Equal(t, 0.0, FloorQuantity(-1, 2))
	assert.Equal(t, "13.45", FormatQuantity(13.4599, 2))
}
