package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"spot-sniper/internal/exchange"
	"spot-sniper/internal/notify"
)

// ErrUnknownOrder 表示订单号未被协调器跟踪。
var ErrUnknownOrder = errors.New("unknown order")

// Coordinator 负责提交买卖单、补全成交数量并在订单成交后恰好一次地通知回调。
type Coordinator struct {
	gateway Gateway
	opts    Options
	sink    notify.Sink
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	orders  map[string]*trackedOrder
	aliases map[string]string
	hook    BuyFilledHook

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type trackedOrder struct {
	record      OrderRecord
	autoCreate  bool
	completions []CompletionCallback
	failures    []FailureCallback
	fill        *Fill
	finished    bool
}

// NewCoordinator 创建订单协调器。
func NewCoordinator(gateway Gateway, opts Options, sink notify.Sink, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = notify.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		gateway: gateway,
		opts:    opts.withDefaults(),
		sink:    sink,
		logger:  logger.Named("execution"),
		now:     func() time.Time { return time.Now().UTC() },
		orders:  make(map[string]*trackedOrder),
		aliases: make(map[string]string),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// SetBuyFilledHook 设置买单成交钩子，应在装配阶段调用一次。
func (c *Coordinator) SetBuyFilledHook(hook BuyFilledHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hook != nil {
		c.logger.Warn("买单成交钩子被重复设置，覆盖旧值")
	}
	c.hook = hook
}

// Buy 以计价币金额市价买入，低于最小下单额时上调至最小值。
func (c *Coordinator) Buy(ctx context.Context, symbol string, quoteAmount float64, opts ...OrderOption) (OrderRecord, error) {
	if quoteAmount <= 0 {
		return OrderRecord{}, fmt.Errorf("execution: 买入金额非法 %.8f: %w", quoteAmount, exchange.ErrInvalidInput)
	}
	if quoteAmount < c.opts.MinOrderUSDT {
		c.logger.Warn("买入金额低于最小下单额，已上调",
			zap.String("symbol", symbol),
			zap.Float64("requested", quoteAmount),
			zap.Float64("adjusted", c.opts.MinOrderUSDT),
		)
		quoteAmount = c.opts.MinOrderUSDT
	}

	o := collectOptions(opts)

	placed, err := c.placeBuy(ctx, symbol, quoteAmount)
	if err != nil {
		return OrderRecord{}, err
	}

	executed := c.resolveExecutedQty(ctx, placed, 0)
	return c.track(placed, quoteAmount, executed, o, 0), nil
}

// Sell 市价卖出，quantity 为0时卖出基础币全部可用余额。
func (c *Coordinator) Sell(ctx context.Context, symbol string, quantity float64, opts ...OrderOption) (OrderRecord, error) {
	if quantity < 0 {
		return OrderRecord{}, fmt.Errorf("execution: 卖出数量非法 %.8f: %w", quantity, exchange.ErrInvalidInput)
	}

	if quantity == 0 {
		asset := exchange.BaseAsset(symbol, c.opts.QuoteAsset)
		balance, err := c.gateway.GetBalance(ctx, asset)
		if err != nil {
			return OrderRecord{}, fmt.Errorf("execution: 查询 %s 余额失败: %w", asset, err)
		}
		quantity = balance.Free
	}

	qty := exchange.FloorQuantity(quantity, c.opts.QuantityPrecision)
	if qty <= 0 {
		return OrderRecord{}, fmt.Errorf("execution: %s 无可卖数量: %w", symbol, ErrNoQuantity)
	}

	o := collectOptions(opts)

	placed, err := c.placeSell(ctx, symbol, qty)
	if err != nil {
		return OrderRecord{}, err
	}

	executed := c.resolveExecutedQty(ctx, placed, qty)
	return c.track(placed, qty, executed, o, 0), nil
}

// RegisterCallback 为订单追加成交回调，按注册顺序触发。订单已成交时在调用方 goroutine 中立即执行。
func (c *Coordinator) RegisterCallback(orderID string, cb CompletionCallback) error {
	if cb == nil {
		return nil
	}

	c.mu.Lock()
	id := c.resolveLocked(orderID)
	t, ok := c.orders[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("execution: 订单 %s: %w", orderID, ErrUnknownOrder)
	}
	if t.fill != nil {
		fill := *t.fill
		c.mu.Unlock()
		c.invoke(c.baseCtx, id, 0, cb, fill)
		return nil
	}
	if t.finished {
		c.mu.Unlock()
		return nil
	}
	t.completions = append(t.completions, cb)
	c.mu.Unlock()
	return nil
}

// RegisterFailureCallback 为订单追加失败回调。订单已失败时立即执行。
func (c *Coordinator) RegisterFailureCallback(orderID string, cb FailureCallback) error {
	if cb == nil {
		return nil
	}

	c.mu.Lock()
	id := c.resolveLocked(orderID)
	t, ok := c.orders[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("execution: 订单 %s: %w", orderID, ErrUnknownOrder)
	}
	if t.finished {
		record := cloneRecord(t.record)
		filled := t.fill != nil
		c.mu.Unlock()
		if !filled {
			c.invokeFailure(c.baseCtx, cb, record)
		}
		return nil
	}
	t.failures = append(t.failures, cb)
	c.mu.Unlock()
	return nil
}

// GetOrderStatus 查询交易所订单状态。
func (c *Coordinator) GetOrderStatus(ctx context.Context, symbol, orderID string) (exchange.OrderStatus, error) {
	status, err := c.gateway.GetOrderStatus(ctx, symbol, orderID)
	if err != nil {
		return exchange.OrderStatus{}, fmt.Errorf("execution: 查询订单状态失败 order_id=%s: %w", orderID, err)
	}
	return status, nil
}

// GetFilledOrderDetails 返回订单成交数量、均价与成交额，未成交时返回 ErrNoQuantity。
func (c *Coordinator) GetFilledOrderDetails(ctx context.Context, symbol, orderID string) (Fill, error) {
	status, err := c.GetOrderStatus(ctx, symbol, orderID)
	if err != nil {
		return Fill{}, err
	}
	if status.ExecutedQty <= 0 {
		return Fill{}, fmt.Errorf("execution: 订单 %s 尚无成交: %w", orderID, ErrNoQuantity)
	}
	return Fill{
		OrderID:  orderID,
		Symbol:   symbol,
		Side:     status.Side,
		Quantity: status.ExecutedQty,
		AvgPrice: status.AvgPrice(),
		Value:    status.CumulativeQuoteQty,
	}, nil
}

// Order 返回单个订单记录，已被重提的订单返回其替代订单。
func (c *Coordinator) Order(orderID string) (OrderRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.orders[c.resolveLocked(orderID)]
	if !ok {
		return OrderRecord{}, false
	}
	return cloneRecord(t.record), true
}

// Orders 返回全部订单记录快照，按下单时间排序。
func (c *Coordinator) Orders() []OrderRecord {
	c.mu.Lock()
	records := make([]OrderRecord, 0, len(c.orders))
	for _, t := range c.orders {
		records = append(records, cloneRecord(t.record))
	}
	c.mu.Unlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].PlacedAt.Before(records[j].PlacedAt)
	})
	return records
}

// Shutdown 停止全部订单监控，已提交到交易所的订单不会被撤销。
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.cancel()
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("execution: 等待订单监控退出超时: %w", ctx.Err())
	}
}

func (c *Coordinator) placeBuy(ctx context.Context, symbol string, quoteAmount float64) (exchange.PlacedOrder, error) {
	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetryAttempts; attempt++ {
		c.logger.Info("提交市价买单",
			zap.String("symbol", symbol),
			zap.Float64("quote_amount", quoteAmount),
			zap.Int("attempt", attempt+1),
		)

		placed, err := c.gateway.PlaceMarketBuy(ctx, symbol, quoteAmount)
		if err == nil {
			return placed, nil
		}
		lastErr = err

		if !exchange.IsRetryable(err) {
			c.logger.Error("买单提交失败", zap.String("symbol", symbol), zap.Error(err))
			return exchange.PlacedOrder{}, fmt.Errorf("execution: 买单提交失败 symbol=%s: %w", symbol, err)
		}
		if attempt == c.opts.MaxRetryAttempts {
			break
		}

		c.logger.Warn("交易对可能尚未开放，等待重试",
			zap.String("symbol", symbol),
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", c.opts.RetryDelay),
			zap.Error(err),
		)
		if err := sleepCtx(ctx, c.opts.RetryDelay); err != nil {
			return exchange.PlacedOrder{}, err
		}
	}

	c.logger.Error("买单重试次数已用尽", zap.String("symbol", symbol), zap.Error(lastErr))
	return exchange.PlacedOrder{}, fmt.Errorf("execution: 买单 symbol=%s: %w: %w", symbol, ErrRetriesExhausted, lastErr)
}

func (c *Coordinator) placeSell(ctx context.Context, symbol string, quantity float64) (exchange.PlacedOrder, error) {
	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetryAttempts; attempt++ {
		c.logger.Info("提交市价卖单",
			zap.String("symbol", symbol),
			zap.Float64("quantity", quantity),
			zap.Int("attempt", attempt+1),
		)

		placed, err := c.gateway.PlaceMarketSell(ctx, symbol, quantity)
		if err == nil {
			return placed, nil
		}
		lastErr = err

		if errors.Is(err, exchange.ErrInvalidInput) ||
			errors.Is(err, exchange.ErrInsufficientBalance) ||
			errors.Is(err, context.Canceled) ||
			errors.Is(err, context.DeadlineExceeded) {
			c.logger.Error("卖单提交失败", zap.String("symbol", symbol), zap.Error(err))
			return exchange.PlacedOrder{}, fmt.Errorf("execution: 卖单提交失败 symbol=%s: %w", symbol, err)
		}
		if attempt == c.opts.MaxRetryAttempts {
			break
		}

		c.logger.Warn("卖单提交失败，等待重试",
			zap.String("symbol", symbol),
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", c.opts.SellBackoff),
			zap.Error(err),
		)
		if err := sleepCtx(ctx, c.opts.SellBackoff); err != nil {
			return exchange.PlacedOrder{}, err
		}
	}

	c.logger.Error("卖单重试次数已用尽", zap.String("symbol", symbol), zap.Error(lastErr))
	return exchange.PlacedOrder{}, fmt.Errorf("execution: 卖单 symbol=%s: %w: %w", symbol, ErrRetriesExhausted, lastErr)
}

// resolveExecutedQty 依次尝试即时响应、委托数量、请求数量，最后查询订单状态。
func (c *Coordinator) resolveExecutedQty(ctx context.Context, placed exchange.PlacedOrder, requested float64) float64 {
	qty := placed.ExecutedQty
	if qty <= 0 {
		qty = placed.OrigQty
	}
	if qty <= 0 {
		qty = requested
	}
	if qty > 0 {
		return qty
	}

	c.logger.Warn("下单响应缺少成交数量，查询订单状态",
		zap.String("symbol", placed.Symbol),
		zap.String("order_id", placed.OrderID),
	)
	if err := sleepCtx(ctx, c.opts.StatusDelay); err != nil {
		return 0
	}
	status, err := c.gateway.GetOrderStatus(ctx, placed.Symbol, placed.OrderID)
	if err != nil {
		c.logger.Warn("查询订单成交数量失败",
			zap.String("order_id", placed.OrderID),
			zap.Error(err),
		)
		return 0
	}
	return status.ExecutedQty
}

func (c *Coordinator) track(placed exchange.PlacedOrder, requested, executed float64, o orderOptions, attempt int) OrderRecord {
	now := c.now()
	record := OrderRecord{
		OrderID:         placed.OrderID,
		Symbol:          placed.Symbol,
		Side:            placed.Side,
		RequestedAmount: requested,
		Status:          exchange.StateNew,
		StrategyID:      o.strategyID,
		Attempt:         attempt,
		PlacedAt:        now,
		UpdatedAt:       now,
	}
	if executed > 0 {
		qty := executed
		record.ExecutedQty = &qty
	}

	c.mu.Lock()
	c.orders[record.OrderID] = &trackedOrder{
		record:      record,
		autoCreate:  !o.noAutoCreate && o.strategyID == "",
		completions: o.completions,
		failures:    o.failures,
	}
	running := c.baseCtx.Err() == nil
	if running {
		c.wg.Add(1)
	}
	c.mu.Unlock()

	if running {
		go c.monitor(record.OrderID)
	} else {
		c.logger.Warn("协调器已停止，订单不再监控", zap.String("order_id", record.OrderID))
	}

	return cloneRecord(record)
}

func (c *Coordinator) monitor(orderID string) {
	defer c.wg.Done()

	current := orderID
	for {
		next, ok := c.watch(c.baseCtx, current)
		if !ok {
			return
		}
		current = next
	}
}

// watch 轮询单个订单直至成交、失败、超时或停止；订单被重提时返回新订单号。
func (c *Coordinator) watch(ctx context.Context, orderID string) (string, bool) {
	record, ok := c.Order(orderID)
	if !ok {
		return "", false
	}

	deadline := time.NewTimer(c.opts.MaxMonitorDuration)
	defer deadline.Stop()
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", false
		case <-deadline.C:
			c.finishFailed(ctx, orderID, StateTimeout)
			return "", false
		case <-ticker.C:
		}

		status, err := c.gateway.GetOrderStatus(ctx, record.Symbol, orderID)
		if err != nil {
			c.logger.Warn("查询订单状态失败，下一周期重试",
				zap.String("order_id", orderID),
				zap.Error(err),
			)
			continue
		}
		c.updateStatus(orderID, status)

		switch {
		case status.State == exchange.StateFilled:
			c.complete(ctx, orderID, status)
			return "", false
		case status.State.Failed():
			return c.resubmit(ctx, orderID, status.State)
		case status.State == exchange.StatePartiallyFilled:
			pct := 0.0
			if status.OrigQty > 0 {
				pct = status.ExecutedQty / status.OrigQty * 100
			}
			c.logger.Debug("订单部分成交",
				zap.String("order_id", orderID),
				zap.Float64("filled_pct", pct),
			)
		}
	}
}

func (c *Coordinator) updateStatus(orderID string, status exchange.OrderStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.orders[orderID]
	if !ok || t.finished {
		return
	}
	t.record.Status = status.State
	t.record.UpdatedAt = c.now()
	if status.ExecutedQty > 0 {
		qty := status.ExecutedQty
		t.record.ExecutedQty = &qty
	}
}

func (c *Coordinator) complete(ctx context.Context, orderID string, status exchange.OrderStatus) {
	c.mu.Lock()
	t, ok := c.orders[orderID]
	if !ok || t.finished {
		c.mu.Unlock()
		return
	}

	fill := Fill{
		OrderID:    orderID,
		Symbol:     t.record.Symbol,
		Side:       t.record.Side,
		Quantity:   status.ExecutedQty,
		AvgPrice:   status.AvgPrice(),
		Value:      status.CumulativeQuoteQty,
		StrategyID: t.record.StrategyID,
	}
	if fill.Quantity <= 0 && t.record.ExecutedQty != nil {
		fill.Quantity = *t.record.ExecutedQty
	}

	qty := fill.Quantity
	t.record.ExecutedQty = &qty
	t.record.Status = exchange.StateFilled
	t.record.UpdatedAt = c.now()
	t.finished = true
	t.fill = &fill

	callbacks := t.completions
	t.completions = nil
	t.failures = nil
	autoCreate := t.autoCreate
	hook := c.hook
	c.mu.Unlock()

	c.logger.Info("订单已成交",
		zap.String("order_id", orderID),
		zap.String("symbol", fill.Symbol),
		zap.String("side", string(fill.Side)),
		zap.Float64("quantity", fill.Quantity),
		zap.Float64("avg_price", fill.AvgPrice),
		zap.Float64("value", fill.Value),
	)

	for i, cb := range callbacks {
		c.invoke(ctx, orderID, i, cb, fill)
	}

	c.sink.OnTrade(ctx, notify.TradeEvent{
		OrderID:   orderID,
		Side:      string(fill.Side),
		Symbol:    fill.Symbol,
		Quantity:  fill.Quantity,
		Price:     fill.AvgPrice,
		Value:     fill.Value,
		Timestamp: c.now(),
	})

	if fill.Side == exchange.SideBuy && autoCreate && hook != nil {
		c.runHook(ctx, hook, fill)
	}
}

func (c *Coordinator) resubmit(ctx context.Context, orderID string, state exchange.OrderState) (string, bool) {
	record, ok := c.Order(orderID)
	if !ok {
		return "", false
	}
	if record.Attempt >= c.opts.MaxRetryAttempts {
		c.finishFailed(ctx, orderID, state)
		return "", false
	}

	c.logger.Warn("订单未成交，重新提交",
		zap.String("order_id", orderID),
		zap.String("symbol", record.Symbol),
		zap.String("state", string(state)),
		zap.Int("attempt", record.Attempt+1),
	)

	var (
		placed exchange.PlacedOrder
		err    error
	)
	requested := 0.0
	if record.Side == exchange.SideBuy {
		placed, err = c.placeBuy(ctx, record.Symbol, record.RequestedAmount)
	} else {
		requested = record.RequestedAmount
		placed, err = c.placeSell(ctx, record.Symbol, record.RequestedAmount)
	}
	if err != nil {
		c.logger.Error("订单重提失败", zap.String("order_id", orderID), zap.Error(err))
		c.finishFailed(ctx, orderID, state)
		return "", false
	}

	executed := c.resolveExecutedQty(ctx, placed, requested)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	old, ok := c.orders[orderID]
	if !ok || old.finished {
		return "", false
	}

	next := &trackedOrder{
		record: OrderRecord{
			OrderID:         placed.OrderID,
			Symbol:          record.Symbol,
			Side:            record.Side,
			RequestedAmount: record.RequestedAmount,
			Status:          exchange.StateNew,
			StrategyID:      record.StrategyID,
			Attempt:         record.Attempt + 1,
			PlacedAt:        now,
			UpdatedAt:       now,
		},
		autoCreate:  old.autoCreate,
		completions: old.completions,
		failures:    old.failures,
	}
	if executed > 0 {
		next.record.ExecutedQty = &executed
	}

	old.completions = nil
	old.failures = nil
	old.finished = true
	old.record.Status = state
	old.record.ReplacedBy = placed.OrderID
	old.record.UpdatedAt = now

	c.orders[placed.OrderID] = next
	c.aliases[orderID] = placed.OrderID

	return placed.OrderID, true
}

func (c *Coordinator) finishFailed(ctx context.Context, orderID string, state exchange.OrderState) {
	c.mu.Lock()
	t, ok := c.orders[orderID]
	if !ok || t.finished {
		c.mu.Unlock()
		return
	}
	t.finished = true
	t.record.Status = state
	t.record.UpdatedAt = c.now()
	failures := t.failures
	t.failures = nil
	t.completions = nil
	record := cloneRecord(t.record)
	c.mu.Unlock()

	c.logger.Error("订单最终未成交",
		zap.String("order_id", orderID),
		zap.String("symbol", record.Symbol),
		zap.String("side", string(record.Side)),
		zap.String("state", string(state)),
		zap.Int("attempt", record.Attempt),
		zap.Error(FailureError(state)),
	)

	for _, cb := range failures {
		c.invokeFailure(ctx, cb, record)
	}
}

func (c *Coordinator) invoke(ctx context.Context, orderID string, index int, cb CompletionCallback, fill Fill) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("成交回调异常",
				zap.String("order_id", orderID),
				zap.Int("index", index),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	if err := cb(ctx, fill); err != nil {
		c.logger.Error("成交回调失败",
			zap.String("order_id", orderID),
			zap.Int("index", index),
			zap.Error(err),
		)
	}
}

func (c *Coordinator) invokeFailure(ctx context.Context, cb FailureCallback, record OrderRecord) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("失败回调异常",
				zap.String("order_id", record.OrderID),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	cb(ctx, record)
}

func (c *Coordinator) runHook(ctx context.Context, hook BuyFilledHook, fill Fill) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("买单成交钩子异常",
				zap.String("order_id", fill.OrderID),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	hook(ctx, fill)
}

// callers must hold c.mu
func (c *Coordinator) resolveLocked(orderID string) string {
	id := orderID
	for i := 0; i < len(c.aliases)+1; i++ {
		next, ok := c.aliases[id]
		if !ok {
			return id
		}
		id = next
	}
	return id
}

func cloneRecord(r OrderRecord) OrderRecord {
	if r.ExecutedQty != nil {
		qty := *r.ExecutedQty
		r.ExecutedQty = &qty
	}
	return r
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
