package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"spot-sniper/internal/config"
)

// spotAPI 为 Client 依赖的 ccxt 现货接口子集。
type spotAPI interface {
	FetchTicker(symbol string, options ...ccxt.FetchTickerOptions) (ccxt.Ticker, error)
	FetchOrderBook(symbol string, options ...ccxt.FetchOrderBookOptions) (ccxt.OrderBook, error)
	CreateOrder(symbol string, typeVar string, side string, amount float64, options ...ccxt.CreateOrderOptions) (ccxt.Order, error)
	CreateMarketBuyOrderWithCost(symbol string, cost float64, options ...ccxt.CreateMarketBuyOrderWithCostOptions) (ccxt.Order, error)
	FetchOrder(id string, options ...ccxt.FetchOrderOptions) (ccxt.Order, error)
	FetchBalance(params ...interface{}) (ccxt.Balances, error)
}

// Client 负责与交易所现货接口交互，只读接口带重试，下单接口只做错误归类。
type Client struct {
	cfg    config.ExchangeConfig
	logger *zap.Logger
	api    spotAPI
}

// NewClient 构造 MEXC 现货客户端。
func NewClient(cfg config.ExchangeConfig, logger *zap.Logger) (*Client, error) {
	if !strings.EqualFold(cfg.Name, "mexc") {
		return nil, fmt.Errorf("exchange: 暂不支持交易所 %q", cfg.Name)
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "spot",
		},
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}

	ex := ccxt.NewMexc(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return newClient(cfg, ex, logger), nil
}

func newClient(cfg config.ExchangeConfig, api spotAPI, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		logger: logger.Named("exchange"),
		api:    api,
	}
}

// QuoteAsset 返回计价币种。
func (c *Client) QuoteAsset() string {
	return quoteOrDefault(c.cfg.QuoteAsset)
}

// GetPrice 返回最新成交价。
func (c *Client) GetPrice(ctx context.Context, symbol string) (float64, error) {
	market := MarketSymbol(symbol, c.cfg.QuoteAsset)

	var ticker ccxt.Ticker
	err := c.callWithRetry(ctx, "fetch_ticker", func() error {
		result, err := c.api.FetchTicker(market)
		if err != nil {
			return err
		}
		ticker = result
		return nil
	})
	if err != nil {
		return 0, err
	}

	price := derefFloat(ticker.Last)
	if price <= 0 {
		price = derefFloat(ticker.Close)
	}
	if price <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrPriceUnavailable, symbol)
	}
	return price, nil
}

// GetOrderBook 获取订单簿快照。
func (c *Client) GetOrderBook(ctx context.Context, symbol string, depth int) (OrderBook, error) {
	if depth <= 0 {
		depth = 20
	}
	market := MarketSymbol(symbol, c.cfg.QuoteAsset)

	var raw ccxt.OrderBook
	err := c.callWithRetry(ctx, "fetch_order_book", func() error {
		book, err := c.api.FetchOrderBook(market, ccxt.WithFetchOrderBookLimit(int64(depth)))
		if err != nil {
			return err
		}
		raw = book
		return nil
	})
	if err != nil {
		return OrderBook{}, err
	}

	return convertOrderBook(symbol, raw), nil
}

// PlaceMarketBuy 按计价币金额市价买入。
func (c *Client) PlaceMarketBuy(ctx context.Context, symbol string, quoteAmount float64) (PlacedOrder, error) {
	if quoteAmount <= 0 {
		return PlacedOrder{}, fmt.Errorf("%w: 买入金额必须大于0", ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return PlacedOrder{}, err
	}

	order, err := c.api.CreateMarketBuyOrderWithCost(MarketSymbol(symbol, c.cfg.QuoteAsset), quoteAmount)
	if err != nil {
		return PlacedOrder{}, Classify(err)
	}
	return c.placedFromOrder(symbol, SideBuy, order)
}

// PlaceMarketSell 按基础币数量市价卖出。
func (c *Client) PlaceMarketSell(ctx context.Context, symbol string, quantity float64) (PlacedOrder, error) {
	if quantity <= 0 {
		return PlacedOrder{}, fmt.Errorf("%w: 卖出数量必须大于0", ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return PlacedOrder{}, err
	}

	order, err := c.api.CreateOrder(MarketSymbol(symbol, c.cfg.QuoteAsset), "market", "sell", quantity)
	if err != nil {
		return PlacedOrder{}, Classify(err)
	}
	return c.placedFromOrder(symbol, SideSell, order)
}

// PlaceLimitOrder 提交限价单。
func (c *Client) PlaceLimitOrder(ctx context.Context, symbol string, side Side, quantity, price float64) (PlacedOrder, error) {
	if quantity <= 0 || price <= 0 {
		return PlacedOrder{}, fmt.Errorf("%w: 限价单数量与价格必须大于0", ErrInvalidInput)
	}
	if side != SideBuy && side != SideSell {
		return PlacedOrder{}, fmt.Errorf("%w: 未知订单方向 %q", ErrInvalidInput, side)
	}
	if err := ctx.Err(); err != nil {
		return PlacedOrder{}, err
	}

	order, err := c.api.CreateOrder(
		MarketSymbol(symbol, c.cfg.QuoteAsset),
		"limit",
		strings.ToLower(string(side)),
		quantity,
		ccxt.WithCreateOrderPrice(price),
	)
	if err != nil {
		return PlacedOrder{}, Classify(err)
	}
	return c.placedFromOrder(symbol, side, order)
}

// GetOrderStatus 查询订单状态。
func (c *Client) GetOrderStatus(ctx context.Context, symbol, orderID string) (OrderStatus, error) {
	if orderID == "" {
		return OrderStatus{}, fmt.Errorf("%w: 订单号为空", ErrInvalidInput)
	}

	var raw ccxt.Order
	err := c.callWithRetry(ctx, "fetch_order", func() error {
		order, err := c.api.FetchOrder(orderID, ccxt.WithFetchOrderSymbol(MarketSymbol(symbol, c.cfg.QuoteAsset)))
		if err != nil {
			return err
		}
		raw = order
		return nil
	})
	if err != nil {
		return OrderStatus{}, err
	}

	return statusFromOrder(symbol, orderID, raw), nil
}

// GetBalance 查询单一资产余额。
func (c *Client) GetBalance(ctx context.Context, asset string) (Balance, error) {
	asset = strings.ToUpper(strings.TrimSpace(asset))

	var raw ccxt.Balances
	err := c.callWithRetry(ctx, "fetch_balance", func() error {
		balances, err := c.api.FetchBalance()
		if err != nil {
			return err
		}
		raw = balances
		return nil
	})
	if err != nil {
		return Balance{}, err
	}

	balance := Balance{Asset: asset}
	if v, ok := raw.Free[asset]; ok && v != nil {
		balance.Free = *v
	}
	if v, ok := raw.Used[asset]; ok && v != nil {
		balance.Locked = *v
	}
	return balance, nil
}

func (c *Client) placedFromOrder(symbol string, side Side, order ccxt.Order) (PlacedOrder, error) {
	id := derefString(order.Id)
	if id == "" {
		return PlacedOrder{}, fmt.Errorf("exchange: 下单响应缺少订单号 symbol=%s", symbol)
	}

	placed := PlacedOrder{
		OrderID:     id,
		Symbol:      symbol,
		Side:        side,
		ExecutedQty: derefFloat(order.Filled),
		OrigQty:     derefFloat(order.Amount),
	}
	if placed.ExecutedQty <= 0 {
		placed.ExecutedQty = infoFloat(order.Info, "executedQty")
	}
	if placed.OrigQty <= 0 {
		placed.OrigQty = infoFloat(order.Info, "origQty")
	}

	c.logger.Info("订单已提交",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.String("order_id", id),
		zap.Float64("executed_qty", placed.ExecutedQty),
		zap.Float64("orig_qty", placed.OrigQty),
	)
	return placed, nil
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	maxAttempts := c.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr := Classify(err)
		if errors.Is(normalizedErr, ErrMaintenance) {
			c.logger.Warn("交易所维护中",
				zap.String("operation", operation),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		if !errors.Is(normalizedErr, ErrTransient) || attempt >= maxAttempts {
			c.logger.Debug("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func statusFromOrder(symbol, orderID string, order ccxt.Order) OrderStatus {
	status := OrderStatus{
		OrderID:            orderID,
		Symbol:             symbol,
		Side:               Side(strings.ToUpper(derefString(order.Side))),
		ExecutedQty:        derefFloat(order.Filled),
		CumulativeQuoteQty: derefFloat(order.Cost),
		OrigQty:            derefFloat(order.Amount),
	}
	if status.ExecutedQty <= 0 {
		status.ExecutedQty = infoFloat(order.Info, "executedQty")
	}
	if status.CumulativeQuoteQty <= 0 {
		status.CumulativeQuoteQty = infoFloat(order.Info, "cummulativeQuoteQty")
	}
	if status.CumulativeQuoteQty <= 0 && status.ExecutedQty > 0 {
		status.CumulativeQuoteQty = status.ExecutedQty * derefFloat(order.Average)
	}
	if status.OrigQty <= 0 {
		status.OrigQty = infoFloat(order.Info, "origQty")
	}

	status.State = mapOrderState(order, status.ExecutedQty)
	return status
}

func mapOrderState(order ccxt.Order, executed float64) OrderState {
	if raw, ok := order.Info["status"].(string); ok {
		switch strings.ToUpper(raw) {
		case "NEW":
			return StateNew
		case "PARTIALLY_FILLED":
			return StatePartiallyFilled
		case "FILLED":
			return StateFilled
		case "CANCELED", "PARTIALLY_CANCELED":
			return StateCanceled
		case "REJECTED":
			return StateRejected
		case "EXPIRED":
			return StateExpired
		}
	}

	switch strings.ToLower(derefString(order.Status)) {
	case "closed":
		return StateFilled
	case "canceled", "cancelled":
		return StateCanceled
	case "expired":
		return StateExpired
	case "rejected":
		return StateRejected
	default:
		if executed > 0 {
			return StatePartiallyFilled
		}
		return StateNew
	}
}

func convertOrderBook(symbol string, ob ccxt.OrderBook) OrderBook {
	bids := make([]OrderBookLevel, 0, len(ob.Bids))
	for _, level := range ob.Bids {
		if len(level) < 2 {
			continue
		}
		bids = append(bids, OrderBookLevel{Price: level[0], Amount: level[1]})
	}

	asks := make([]OrderBookLevel, 0, len(ob.Asks))
	for _, level := range ob.Asks {
		if len(level) < 2 {
			continue
		}
		asks = append(asks, OrderBookLevel{Price: level[0], Amount: level[1]})
	}

	ts := time.Now().UTC()
	if ob.Timestamp != nil {
		ts = time.UnixMilli(*ob.Timestamp).UTC()
	}

	return OrderBook{
		Symbol:    symbol,
		Bids:      bids,
		Asks:      asks,
		Timestamp: ts,
	}
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func infoFloat(info map[string]interface{}, key string) float64 {
	if info == nil {
		return 0
	}
	switch v := info[key].(type) {
	case float64:
		return v
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}
