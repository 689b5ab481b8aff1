package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PriceSource 提供最新价。
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
}

type bookSource interface {
	GetOrderBook(ctx context.Context, symbol string, depth int) (OrderBook, error)
}

// PaperGateway 为模拟盘网关：价格取自 PriceSource，市价单按最新价立即全部成交。
type PaperGateway struct {
	prices PriceSource
	quote  string
	logger *zap.Logger

	mu       sync.Mutex
	balances map[string]float64
	orders   map[string]OrderStatus
}

// NewPaperGateway 创建模拟盘网关，initialQuote 为初始计价币余额。
func NewPaperGateway(prices PriceSource, quote string, initialQuote float64, logger *zap.Logger) *PaperGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	quote = quoteOrDefault(quote)
	return &PaperGateway{
		prices:   prices,
		quote:    quote,
		logger:   logger.Named("paper"),
		balances: map[string]float64{quote: initialQuote},
		orders:   make(map[string]OrderStatus),
	}
}

// QuoteAsset 返回计价币种。
func (p *PaperGateway) QuoteAsset() string {
	return p.quote
}

// Deposit 增加指定资产的模拟余额。
func (p *PaperGateway) Deposit(asset string, amount float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[strings.ToUpper(asset)] += amount
}

// GetPrice 返回价格源的最新价。
func (p *PaperGateway) GetPrice(ctx context.Context, symbol string) (float64, error) {
	price, err := p.prices.GetPrice(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if price <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrPriceUnavailable, symbol)
	}
	return price, nil
}

// GetOrderBook 优先使用价格源的盘口，否则以最新价构造单档盘口。
func (p *PaperGateway) GetOrderBook(ctx context.Context, symbol string, depth int) (OrderBook, error) {
	if src, ok := p.prices.(bookSource); ok {
		return src.GetOrderBook(ctx, symbol, depth)
	}
	price, err := p.GetPrice(ctx, symbol)
	if err != nil {
		return OrderBook{}, err
	}
	level := []OrderBookLevel{{Price: price, Amount: 1e12}}
	return OrderBook{Symbol: symbol, Bids: level, Asks: level, Timestamp: time.Now().UTC()}, nil
}

// PlaceMarketBuy 以最新价模拟市价买入。
func (p *PaperGateway) PlaceMarketBuy(ctx context.Context, symbol string, quoteAmount float64) (PlacedOrder, error) {
	if quoteAmount <= 0 {
		return PlacedOrder{}, fmt.Errorf("%w: 买入金额必须大于0", ErrInvalidInput)
	}
	price, err := p.GetPrice(ctx, symbol)
	if err != nil {
		return PlacedOrder{}, err
	}
	qty := FloorQuantity(quoteAmount/price, 8)
	if qty <= 0 {
		return PlacedOrder{}, fmt.Errorf("%w: 买入金额过小", ErrInvalidInput)
	}
	base := BaseAsset(symbol, p.quote)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.balances[p.quote] < quoteAmount {
		return PlacedOrder{}, fmt.Errorf("%w: %s 可用 %.8f 需要 %.8f", ErrInsufficientBalance, p.quote, p.balances[p.quote], quoteAmount)
	}
	p.balances[p.quote] -= quoteAmount
	p.balances[base] += qty

	return p.recordFill(symbol, SideBuy, qty, qty*price), nil
}

// PlaceMarketSell 以最新价模拟市价卖出。
func (p *PaperGateway) PlaceMarketSell(ctx context.Context, symbol string, quantity float64) (PlacedOrder, error) {
	if quantity <= 0 {
		return PlacedOrder{}, fmt.Errorf("%w: 卖出数量必须大于0", ErrInvalidInput)
	}
	price, err := p.GetPrice(ctx, symbol)
	if err != nil {
		return PlacedOrder{}, err
	}
	base := BaseAsset(symbol, p.quote)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.balances[base] < quantity {
		return PlacedOrder{}, fmt.Errorf("%w: %s 可用 %.8f 需要 %.8f", ErrInsufficientBalance, base, p.balances[base], quantity)
	}
	p.balances[base] -= quantity
	p.balances[p.quote] += quantity * price

	return p.recordFill(symbol, SideSell, quantity, quantity*price), nil
}

// PlaceLimitOrder 记录限价单，价格可立即成交时按限价全部成交，否则保持挂单。
func (p *PaperGateway) PlaceLimitOrder(ctx context.Context, symbol string, side Side, quantity, price float64) (PlacedOrder, error) {
	if quantity <= 0 || price <= 0 {
		return PlacedOrder{}, fmt.Errorf("%w: 限价单数量与价格必须大于0", ErrInvalidInput)
	}
	last, err := p.GetPrice(ctx, symbol)
	if err != nil {
		return PlacedOrder{}, err
	}
	base := BaseAsset(symbol, p.quote)
	marketable := (side == SideBuy && last <= price) || (side == SideSell && last >= price)

	p.mu.Lock()
	defer p.mu.Unlock()

	if !marketable {
		id := uuid.NewString()
		p.orders[id] = OrderStatus{OrderID: id, Symbol: symbol, Side: side, State: StateNew, OrigQty: quantity}
		return PlacedOrder{OrderID: id, Symbol: symbol, Side: side, OrigQty: quantity}, nil
	}

	switch side {
	case SideBuy:
		cost := quantity * price
		if p.balances[p.quote] < cost {
			return PlacedOrder{}, fmt.Errorf("%w: %s", ErrInsufficientBalance, p.quote)
		}
		p.balances[p.quote] -= cost
		p.balances[base] += quantity
	case SideSell:
		if p.balances[base] < quantity {
			return PlacedOrder{}, fmt.Errorf("%w: %s", ErrInsufficientBalance, base)
		}
		p.balances[base] -= quantity
		p.balances[p.quote] += quantity * price
	default:
		return PlacedOrder{}, fmt.Errorf("%w: 未知订单方向 %q", ErrInvalidInput, side)
	}

	return p.recordFill(symbol, side, quantity, quantity*price), nil
}

// GetOrderStatus 返回模拟订单状态。
func (p *PaperGateway) GetOrderStatus(_ context.Context, _ string, orderID string) (OrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	status, ok := p.orders[orderID]
	if !ok {
		return OrderStatus{}, fmt.Errorf("%w: 模拟订单不存在 %s", ErrInvalidInput, orderID)
	}
	return status, nil
}

// GetBalance 返回模拟余额。
func (p *PaperGateway) GetBalance(_ context.Context, asset string) (Balance, error) {
	asset = strings.ToUpper(strings.TrimSpace(asset))

	p.mu.Lock()
	defer p.mu.Unlock()

	return Balance{Asset: asset, Free: p.balances[asset]}, nil
}

// callers must hold p.mu
func (p *PaperGateway) recordFill(symbol string, side Side, qty, value float64) PlacedOrder {
	id := uuid.NewString()
	p.orders[id] = OrderStatus{
		OrderID:            id,
		Symbol:             symbol,
		Side:               side,
		State:              StateFilled,
		ExecutedQty:        qty,
		CumulativeQuoteQty: value,
		OrigQty:            qty,
	}

	p.logger.Info("模拟订单成交",
		zap.String("order_id", id),
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Float64("quantity", qty),
		zap.Float64("value", value),
	)

	return PlacedOrder{OrderID: id, Symbol: symbol, Side: side, ExecutedQty: qty, OrigQty: qty}
}
