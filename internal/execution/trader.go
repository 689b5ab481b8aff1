package execution

import (
	"context"

	"spot-sniper/internal/exchange"
)

// Gateway 为协调器依赖的交易所能力。
type Gateway interface {
	PlaceMarketBuy(ctx context.Context, symbol string, quoteAmount float64) (exchange.PlacedOrder, error)
	PlaceMarketSell(ctx context.Context, symbol string, quantity float64) (exchange.PlacedOrder, error)
	GetOrderStatus(ctx context.Context, symbol, orderID string) (exchange.OrderStatus, error)
	GetBalance(ctx context.Context, asset string) (exchange.Balance, error)
}

// Trader 抽象下单接口，方便上层切换真实或模拟下单。
type Trader interface {
	Buy(ctx context.Context, symbol string, quoteAmount float64, opts ...OrderOption) (OrderRecord, error)
	Sell(ctx context.Context, symbol string, quantity float64, opts ...OrderOption) (OrderRecord, error)
	RegisterCallback(orderID string, cb CompletionCallback) error
	RegisterFailureCallback(orderID string, cb FailureCallback) error
}

var (
	_ Trader  = (*Coordinator)(nil)
	_ Gateway = (*exchange.Client)(nil)
	_ Gateway = (*exchange.PaperGateway)(nil)
)
