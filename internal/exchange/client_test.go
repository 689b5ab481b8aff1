package exchange

import (
	"context"
	"testing"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spot-sniper/internal/config"
)

type fakeSpotAPI struct {
	tickerErrs []error
	ticker     ccxt.Ticker
	order      ccxt.Order
	fetched    ccxt.Order
	balances   ccxt.Balances
	calls      []string
	lastSymbol string
}

func (f *fakeSpotAPI) FetchTicker(symbol string, _ ...ccxt.FetchTickerOptions) (ccxt.Ticker, error) {
	f.calls = append(f.calls, "FetchTicker")
	f.lastSymbol = symbol
	if len(f.tickerErrs) > 0 {
		err := f.tickerErrs[0]
		f.tickerErrs = f.tickerErrs[1:]
		return ccxt.Ticker{}, err
	}
	return f.ticker, nil
}

func (f *fakeSpotAPI) FetchOrderBook(symbol string, _ ...ccxt.FetchOrderBookOptions) (ccxt.OrderBook, error) {
	f.calls = append(f.calls, "FetchOrderBook")
	f.lastSymbol = symbol
	ts := int64(1700000000000)
	return ccxt.OrderBook{
		Bids:      [][]float64{{99, 1}},
		Asks:      [][]float64{{101, 2}, {102}},
		Timestamp: &ts,
	}, nil
}

func (f *fakeSpotAPI) CreateOrder(symbol string, _ string, _ string, _ float64, _ ...ccxt.CreateOrderOptions) (ccxt.Order, error) {
	f.calls = append(f.calls, "CreateOrder")
	f.lastSymbol = symbol
	return f.order, nil
}

func (f *fakeSpotAPI) CreateMarketBuyOrderWithCost(symbol string, _ float64, _ ...ccxt.CreateMarketBuyOrderWithCostOptions) (ccxt.Order, error) {
	f.calls = append(f.calls, "CreateMarketBuyOrderWithCost")
	f.lastSymbol = symbol
	return f.order, nil
}

func (f *fakeSpotAPI) FetchOrder(_ string, _ ...ccxt.FetchOrderOptions) (ccxt.Order, error) {
	f.calls = append(f.calls, "FetchOrder")
	return f.fetched, nil
}

func (f *fakeSpotAPI) FetchBalance(_ ...interface{}) (ccxt.Balances, error) {
	f.calls = append(f.calls, "FetchBalance")
	return f.balances, nil
}

func testExchangeConfig() config.ExchangeConfig {
	return config.ExchangeConfig{
		Name:       "mexc",
		QuoteAsset: "USDT",
		Retry: config.RetryConfig{
			MaxAttempts: 3,
			MinDelay:    time.Millisecond,
			MaxDelay:    2 * time.Millisecond,
		},
	}
}

func ptr[T any](v T) *T { return &v }

func TestClientGetPrice_RetriesTransient(t *testing.T) {
	api := &fakeSpotAPI{
		tickerErrs: []error{&ccxt.Error{Type: ccxt.NetworkErrorErrType, Message: "reset"}},
		ticker:     ccxt.Ticker{Last: ptr(42.5)},
	}
	client := newClient(testExchangeConfig(), api, nil)

	price, err := client.GetPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 42.5, price)
	assert.Equal(t, "BTC/USDT", api.lastSymbol)
	assert.Equal(t, []string{"FetchTicker", "FetchTicker"}, api.calls)
}

func TestClientGetPrice_NotTradableIsNotRetried(t *testing.T) {
	api := &fakeSpotAPI{
		tickerErrs: []error{&ccxt.Error{Type: ccxt.BadSymbolErrType, Message: "Invalid symbol"}},
	}
	client := newClient(testExchangeConfig(), api, nil)

	_, err := client.GetPrice(context.Background(), "NEWUSDT")
	assert.ErrorIs(t, err, ErrSymbolNotTradable)
	assert.Len(t, api.calls, 1)
}

func TestClientGetPrice_Unavailable(t *testing.T) {
	client := newClient(testExchangeConfig(), &fakeSpotAPI{}, nil)

	_, err := client.GetPrice(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, ErrPriceUnavailable)
}

func TestClientGetOrderBook(t *testing.T) {
	client := newClient(testExchangeConfig(), &fakeSpotAPI{}, nil)

	book, err := client.GetOrderBook(context.Background(), "BTCUSDT", 5)
	require.NoError(t, err)
	assert.Len(t, book.Bids, 1)
	assert.Len(t, book.Asks, 1)
	assert.Equal(t, int64(1700000000000), book.Timestamp.UnixMilli())
}

func TestClientPlaceMarketBuy(t *testing.T) {
	api := &fakeSpotAPI{order: ccxt.Order{
		Id:   ptr("12345"),
		Info: map[string]interface{}{"origQty": "3.5"},
	}}
	client := newClient(testExchangeConfig(), api, nil)

	placed, err := client.PlaceMarketBuy(context.Background(), "PEPEUSDT", 10)
	require.NoError(t, err)
	assert.Equal(t, "12345", placed.OrderID)
	assert.Equal(t, 0.0, placed.ExecutedQty)
	assert.Equal(t, 3.5, placed.OrigQty)
	assert.Equal(t, SideBuy, placed.Side)

	_, err = client.PlaceMarketBuy(context.Background(), "PEPEUSDT", 0)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestClientPlaceMarketSell_MissingID(t *testing.T) {
	client := newClient(testExchangeConfig(), &fakeSpotAPI{}, nil)

	_, err := client.PlaceMarketSell(context.Background(), "BTCUSDT", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "缺少订单号")
}

func TestClientGetBalance(t *testing.T) {
	api := &fakeSpotAPI{balances: ccxt.Balances{
		Free: map[string]*float64{"BTC": ptr(1.5)},
		Used: map[string]*float64{"BTC": ptr(0.5)},
	}}
	client := newClient(testExchangeConfig(), api, nil)

	balance, err := client.GetBalance(context.Background(), "btc")
	require.NoError(t, err)
	assert.Equal(t, Balance{Asset: "BTC", Free: 1.5, Locked: 0.5}, balance)
}

func TestStatusFromOrder(t *testing.T) {
	cases := []struct {
		name  string
		order ccxt.Order
		want  OrderState
	}{
		{"info filled", ccxt.Order{Info: map[string]interface{}{"status": "FILLED"}}, StateFilled},
		{"info partially canceled", ccxt.Order{Info: map[string]interface{}{"status": "PARTIALLY_CANCELED"}}, StateCanceled},
		{"closed", ccxt.Order{Status: ptr("closed")}, StateFilled},
		{"open partial", ccxt.Order{Status: ptr("open"), Filled: ptr(1.0)}, StatePartiallyFilled},
		{"open", ccxt.Order{Status: ptr("open")}, StateNew},
		{"expired", ccxt.Order{Status: ptr("expired")}, StateExpired},
		{"rejected", ccxt.Order{Status: ptr("rejected")}, StateRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, statusFromOrder("BTCUSDT", "1", tc.order).State)
		})
	}

	status := statusFromOrder("BTCUSDT", "1", ccxt.Order{
		Side: ptr("sell"),
		Info: map[string]interface{}{
			"status":              "FILLED",
			"executedQty":         "2",
			"cummulativeQuoteQty": "201",
		},
	})
	assert.Equal(t, SideSell, status.Side)
	assert.Equal(t, 2.0, status.ExecutedQty)
	assert.InDelta(t, 100.5, status.AvgPrice(), 1e-9)
}
