package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spot-sniper/internal/config"
	"spot-sniper/internal/execution"
	"spot-sniper/internal/notify"
)

// PriceSource 提供当前成交价。
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
}

// Seller 为引擎依赖的卖出能力，通常由 execution.Coordinator 实现。
type Seller interface {
	Sell(ctx context.Context, symbol string, quantity float64, opts ...execution.OrderOption) (execution.OrderRecord, error)
}

// Store 为策略持久化接口，按策略ID读写快照。
type Store interface {
	Save(ctx context.Context, s Strategy) error
	LoadActive(ctx context.Context) (map[string]Strategy, error)
	Delete(ctx context.Context, id string) error
}

// Options 控制监控循环节奏。
// LotStep 为交易所最小数量单位，卖出数量按其向下取整，剩余不足一个单位即视为卖完；为0时不取整。
// 连续卖出失败时退避时间从 FailureBackoff 起倍增，最长 MaxFailureBackoff。
type Options struct {
	PollInterval      time.Duration
	PriceRetryDelay   time.Duration
	FailureBackoff    time.Duration
	MaxFailureBackoff time.Duration
	QuantityEpsilon   float64
	LotStep           float64
}

// OptionsFromConfig 由配置构造 Options，precision 与卖单数量精度一致。
func OptionsFromConfig(cfg config.StrategyConfig, precision int32) Options {
	return Options{
		PollInterval:    cfg.PollInterval,
		PriceRetryDelay: cfg.PriceRetryDelay,
		QuantityEpsilon: cfg.QuantityEpsilon,
		LotStep:         LotStep(precision),
	}
}

// LotStep 返回 precision 位小数对应的最小数量单位，precision 为负时返回0。
func LotStep(precision int32) float64 {
	if precision < 0 {
		return 0
	}
	return decimal.New(1, -precision).InexactFloat64()
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.PriceRetryDelay <= 0 {
		o.PriceRetryDelay = time.Second
	}
	if o.FailureBackoff <= 0 {
		o.FailureBackoff = 5 * o.PollInterval
	}
	if o.MaxFailureBackoff < o.FailureBackoff {
		o.MaxFailureBackoff = 32 * o.FailureBackoff
	}
	if o.QuantityEpsilon <= 0 {
		o.QuantityEpsilon = 1e-8
	}
	if o.LotStep < 0 {
		o.LotStep = 0
	}
	return o
}

// fillEpsilon 为判定全部卖出的容差：剩余数量小于一个数量单位即视为卖完。
func (o Options) fillEpsilon() float64 {
	if o.LotStep > o.QuantityEpsilon {
		return o.LotStep - o.QuantityEpsilon
	}
	return o.QuantityEpsilon
}

// sellQuantity 将卖出数量向下取整到数量单位。
func (o Options) sellQuantity(qty float64) float64 {
	if o.LotStep <= 0 || qty <= 0 {
		return qty
	}
	step := decimal.NewFromFloat(o.LotStep)
	return decimal.NewFromFloat(qty).Div(step).Floor().Mul(step).InexactFloat64()
}

type pendingSell struct {
	decision Decision
	orderID  string
}

// Engine 持有全部活跃策略，为每个策略运行独立的监控循环。
type Engine struct {
	prices   PriceSource
	seller   Seller
	store    Store
	sink     notify.Sink
	defaults Config
	opts     Options
	logger   *zap.Logger
	now      func() time.Time

	mu         sync.Mutex
	strategies map[string]*Strategy
	pending    map[string]pendingSell
	backoff    map[string]time.Time
	failures   map[string]int
	tasks      map[string]context.CancelFunc

	// storeMu 串行化存储写入，须在 mu 之前获取
	storeMu sync.Mutex

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine 创建策略引擎，store 可为 nil 表示不持久化。
func NewEngine(prices PriceSource, seller Seller, store Store, sink notify.Sink, defaults Config, opts Options, logger *zap.Logger) (*Engine, error) {
	if prices == nil || seller == nil {
		return nil, errors.New("strategy: 价格源与卖出执行器不能为空")
	}
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("strategy: 默认参数非法: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = notify.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		prices:     prices,
		seller:     seller,
		store:      store,
		sink:       sink,
		defaults:   defaults,
		opts:       opts.withDefaults(),
		logger:     logger.Named("strategy"),
		now:        func() time.Time { return time.Now().UTC() },
		strategies: make(map[string]*Strategy),
		pending:    make(map[string]pendingSell),
		backoff:    make(map[string]time.Time),
		failures:   make(map[string]int),
		tasks:      make(map[string]context.CancelFunc),
		baseCtx:    ctx,
		cancel:     cancel,
	}, nil
}

// Defaults 返回默认策略参数。
func (e *Engine) Defaults() Config {
	return e.defaults
}

// CreateStrategy 创建策略并启动监控，cfg 为 nil 时使用默认参数。
func (e *Engine) CreateStrategy(ctx context.Context, symbol string, buyPrice, quantity float64, cfg *Config) (string, error) {
	params := e.defaults
	if cfg != nil {
		params = *cfg
	}

	now := e.now()
	id := newStrategyID(symbol, now)
	s, err := NewStrategy(id, symbol, buyPrice, quantity, params, now)
	if err != nil {
		return "", fmt.Errorf("strategy: 创建策略失败: %w", err)
	}

	e.mu.Lock()
	if e.baseCtx.Err() != nil {
		e.mu.Unlock()
		return "", errors.New("strategy: 引擎已关闭")
	}
	e.strategies[id] = s
	snapshot := s.Clone()
	e.mu.Unlock()

	e.persistLive(ctx, id)
	e.start(id)

	e.logger.Info("策略已创建",
		zap.String("strategy_id", id),
		zap.String("symbol", symbol),
		zap.Float64("buy_price", buyPrice),
		zap.Float64("quantity", quantity),
		zap.Float64("take_profit_price", snapshot.TakeProfitPrice),
		zap.Float64("stop_loss_price", snapshot.StopLossPrice),
	)
	return id, nil
}

// CreateFromFill 为买单成交创建默认参数策略，可作为 execution.BuyFilledHook 使用。
func (e *Engine) CreateFromFill(ctx context.Context, fill execution.Fill) {
	if fill.Quantity <= 0 || fill.AvgPrice <= 0 {
		e.logger.Warn("成交信息不完整，跳过创建策略",
			zap.String("order_id", fill.OrderID),
			zap.String("symbol", fill.Symbol),
			zap.Float64("quantity", fill.Quantity),
			zap.Float64("avg_price", fill.AvgPrice),
		)
		return
	}
	if _, err := e.CreateStrategy(ctx, fill.Symbol, fill.AvgPrice, fill.Quantity, nil); err != nil {
		e.logger.Error("根据成交创建策略失败", zap.String("order_id", fill.OrderID), zap.Error(err))
	}
}

// RemoveStrategy 停止监控并删除策略，已提交的卖单不会撤回。
func (e *Engine) RemoveStrategy(ctx context.Context, id string) error {
	e.mu.Lock()
	if _, ok := e.strategies[id]; !ok {
		e.mu.Unlock()
		return fmt.Errorf("strategy: %s: %w", id, ErrStrategyNotFound)
	}
	delete(e.strategies, id)
	delete(e.pending, id)
	delete(e.backoff, id)
	delete(e.failures, id)
	cancel := e.tasks[id]
	delete(e.tasks, id)
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if e.store != nil {
		e.storeMu.Lock()
		err := e.store.Delete(context.WithoutCancel(ctx), id)
		e.storeMu.Unlock()
		if err != nil {
			return fmt.Errorf("strategy: 删除持久化策略 %s 失败: %w", id, err)
		}
	}

	e.logger.Info("策略已移除", zap.String("strategy_id", id))
	return nil
}

// Get 返回策略快照。
func (e *Engine) Get(id string) (Strategy, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.strategies[id]
	if !ok {
		return Strategy{}, false
	}
	return s.Clone(), true
}

// Strategies 返回全部未结束策略，按创建时间排序。
func (e *Engine) Strategies() []Strategy {
	e.mu.Lock()
	out := make([]Strategy, 0, len(e.strategies))
	for _, s := range e.strategies {
		out = append(out, s.Clone())
	}
	e.mu.Unlock()
	sortByCreated(out)
	return out
}

// HasActiveStrategyForSymbol 判断交易对是否存在未结束策略。
func (e *Engine) HasActiveStrategyForSymbol(symbol string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.strategies {
		if s.Symbol == symbol && !s.Executed {
			return true
		}
	}
	return false
}

// ActiveStrategiesForSymbol 返回交易对下全部未结束策略。
func (e *Engine) ActiveStrategiesForSymbol(symbol string) []Strategy {
	e.mu.Lock()
	out := make([]Strategy, 0)
	for _, s := range e.strategies {
		if s.Symbol == symbol && !s.Executed {
			out = append(out, s.Clone())
		}
	}
	e.mu.Unlock()
	sortByCreated(out)
	return out
}

// TotalQuantityForSymbol 汇总交易对下未结束策略的剩余数量。
func (e *Engine) TotalQuantityForSymbol(symbol string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := decimal.Zero
	for _, s := range e.strategies {
		if s.Symbol == symbol && !s.Executed {
			total = total.Add(decimal.NewFromFloat(s.Quantity))
		}
	}
	return total.InexactFloat64()
}

// Restore 从存储加载未结束策略并重新启动监控，返回恢复数量。
func (e *Engine) Restore(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	loaded, err := e.store.LoadActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("strategy: 加载策略失败: %w", err)
	}

	ids := make([]string, 0, len(loaded))
	for id, snap := range loaded {
		if snap.ID == "" {
			snap.ID = id
		}
		if snap.Executed {
			continue
		}
		if err := snap.Validate(); err != nil {
			e.logger.Warn("跳过非法策略快照", zap.String("strategy_id", id), zap.Error(err))
			continue
		}
		s := snap
		e.mu.Lock()
		if _, exists := e.strategies[s.ID]; exists {
			e.mu.Unlock()
			continue
		}
		e.strategies[s.ID] = &s
		e.mu.Unlock()
		ids = append(ids, s.ID)
	}

	for _, id := range ids {
		e.start(id)
	}
	if len(ids) > 0 {
		e.logger.Info("策略已恢复", zap.Int("count", len(ids)))
	}
	return len(ids), nil
}

// Shutdown 取消全部监控循环，并在 ctx 结束前等待其退出。
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.cancel()
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("strategy: 等待监控循环退出超时: %w", ctx.Err())
	}
}

func (e *Engine) start(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.baseCtx.Err() != nil {
		return
	}
	if _, ok := e.strategies[id]; !ok {
		return
	}
	ctx, cancel := context.WithCancel(e.baseCtx)
	e.tasks[id] = cancel
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		e.run(ctx, id)
	}()
}

func (e *Engine) run(ctx context.Context, id string) {
	logger := e.logger.With(zap.String("strategy_id", id))
	for {
		if ctx.Err() != nil {
			return
		}

		s, ok := e.Get(id)
		if !ok || s.Executed {
			return
		}

		if d, fire := e.timeExit(id); fire {
			e.executeSell(ctx, id, d)
			if !sleepCtx(ctx, e.opts.PollInterval) {
				return
			}
			continue
		}

		price, err := e.prices.GetPrice(ctx, s.Symbol)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Debug("获取价格失败，稍后重试", zap.String("symbol", s.Symbol), zap.Error(err))
			if !sleepCtx(ctx, e.opts.PriceRetryDelay) {
				return
			}
			continue
		}

		d, fire, changed := e.observe(id, price)
		if changed {
			e.persistLive(ctx, id)
		}
		if fire {
			logger.Info("触发卖出条件",
				zap.String("symbol", s.Symbol),
				zap.String("reason", string(d.Reason)),
				zap.Float64("price", price),
				zap.Float64("quantity", d.Quantity),
			)
			e.executeSell(ctx, id, d)
		}

		if !sleepCtx(ctx, e.opts.PollInterval) {
			return
		}
	}
}

func (e *Engine) timeExit(id string) (Decision, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.strategies[id]
	if !ok || !e.canSellLocked(id) || !s.TimeExpired(e.now()) {
		return Decision{}, false
	}
	price := s.LastPrice
	if price <= 0 {
		price = s.BuyPrice
	}
	return Decision{Reason: ReasonTimeBased, Quantity: s.Quantity, Price: price}, true
}

// observe 在同一临界区内更新价格跟踪并判断卖出条件。
func (e *Engine) observe(id string, price float64) (Decision, bool, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.strategies[id]
	if !ok {
		return Decision{}, false, false
	}
	changed := s.UpdatePriceTracking(price)
	if changed {
		s.UpdatedAt = e.now()
	}
	if !e.canSellLocked(id) {
		return Decision{}, false, changed
	}
	d, fire := s.Evaluate(price)
	return d, fire, changed
}

func (e *Engine) canSellLocked(id string) bool {
	if _, busy := e.pending[id]; busy {
		return false
	}
	if until, ok := e.backoff[id]; ok && e.now().Before(until) {
		return false
	}
	return true
}

func (e *Engine) executeSell(ctx context.Context, id string, d Decision) {
	e.mu.Lock()
	s, ok := e.strategies[id]
	if !ok || s.Executed || !e.canSellLocked(id) {
		e.mu.Unlock()
		return
	}
	d.Quantity = e.opts.sellQuantity(d.Quantity)
	if d.Quantity <= 0 && d.Partial {
		// 分批数量不足一个单位时改为全部止盈
		d = Decision{Reason: ReasonTakeProfit, Quantity: e.opts.sellQuantity(s.Quantity), Price: d.Price}
	}
	if d.Quantity <= 0 {
		e.mu.Unlock()
		e.closeDust(ctx, id, d)
		return
	}
	e.pending[id] = pendingSell{decision: d}
	delete(e.backoff, id)
	symbol := s.Symbol
	buyPrice := s.BuyPrice
	e.mu.Unlock()

	record, err := e.seller.Sell(ctx, symbol, d.Quantity,
		execution.WithStrategy(id),
		execution.WithCompletion(func(cbCtx context.Context, fill execution.Fill) error {
			return e.onSellFilled(cbCtx, id, d, fill)
		}),
		execution.WithFailure(func(cbCtx context.Context, rec execution.OrderRecord) {
			e.onSellFailed(cbCtx, id, d, rec)
		}),
	)
	if err != nil {
		if errors.Is(err, execution.ErrNoQuantity) && !d.Partial {
			e.mu.Lock()
			delete(e.pending, id)
			e.mu.Unlock()
			e.closeDust(ctx, id, d)
			return
		}

		e.mu.Lock()
		delete(e.pending, id)
		failures := e.recordFailureLocked(id)
		e.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		e.logger.Error("卖单提交失败",
			zap.String("strategy_id", id),
			zap.String("symbol", symbol),
			zap.String("reason", string(d.Reason)),
			zap.Int("failures", failures),
			zap.Error(err),
		)
		e.sink.OnExit(ctx, notify.ExitEvent{
			StrategyID: id,
			Symbol:     symbol,
			BuyPrice:   buyPrice,
			SellPrice:  buyPrice,
			Quantity:   d.Quantity,
			Reason:     string(d.Reason.Failed()),
			Failed:     true,
			Timestamp:  e.now(),
		})
		return
	}

	e.mu.Lock()
	if p, ok := e.pending[id]; ok && p.orderID == "" {
		p.orderID = record.OrderID
		e.pending[id] = p
	}
	e.mu.Unlock()

	e.logger.Info("卖单已提交",
		zap.String("strategy_id", id),
		zap.String("order_id", record.OrderID),
		zap.String("reason", string(d.Reason)),
	)
}

func (e *Engine) onSellFilled(ctx context.Context, id string, d Decision, fill execution.Fill) error {
	e.mu.Lock()
	delete(e.pending, id)
	s, ok := e.strategies[id]
	if !ok {
		e.mu.Unlock()
		e.logger.Warn("策略已移除，忽略卖单成交", zap.String("strategy_id", id), zap.String("order_id", fill.OrderID))
		return nil
	}

	qty := fill.Quantity
	if qty <= 0 {
		qty = d.Quantity
	}
	sold, err := s.ApplyFill(d, qty, e.opts.fillEpsilon(), e.now())
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("strategy: 更新策略 %s 失败: %w", id, err)
	}

	sellPrice := fill.AvgPrice
	if sellPrice <= 0 {
		sellPrice = d.Price
	}
	snapshot := s.Clone()
	delete(e.failures, id)

	var cancel context.CancelFunc
	if snapshot.Executed {
		cancel = e.dropLocked(id)
	}
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if snapshot.Executed {
		e.persistFinal(ctx, snapshot)
	} else {
		e.persistLive(ctx, id)
	}

	profit := snapshot.ProfitPct(sellPrice)
	e.logger.Info("策略卖出成交",
		zap.String("strategy_id", id),
		zap.String("symbol", snapshot.Symbol),
		zap.String("reason", string(d.Reason)),
		zap.Float64("quantity", sold),
		zap.Float64("sell_price", sellPrice),
		zap.Float64("remaining", snapshot.Quantity),
		zap.Float64("profit_pct", profit),
		zap.String("status", string(snapshot.Status)),
	)

	e.sink.OnExit(ctx, notify.ExitEvent{
		StrategyID: id,
		Symbol:     snapshot.Symbol,
		BuyPrice:   snapshot.BuyPrice,
		SellPrice:  sellPrice,
		Quantity:   sold,
		Remaining:  snapshot.Quantity,
		Reason:     string(d.Reason),
		ProfitPct:  profit,
		Timestamp:  e.now(),
	})
	return nil
}

func (e *Engine) onSellFailed(ctx context.Context, id string, d Decision, rec execution.OrderRecord) {
	e.mu.Lock()
	delete(e.pending, id)
	s, ok := e.strategies[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	failures := e.recordFailureLocked(id)
	symbol := s.Symbol
	buyPrice := s.BuyPrice
	e.mu.Unlock()

	e.logger.Error("卖单最终失败",
		zap.String("strategy_id", id),
		zap.Int("failures", failures),
		zap.String("order_id", rec.OrderID),
		zap.String("status", string(rec.Status)),
		zap.String("reason", string(d.Reason)),
	)
	e.sink.OnExit(ctx, notify.ExitEvent{
		StrategyID: id,
		Symbol:     symbol,
		BuyPrice:   buyPrice,
		SellPrice:  buyPrice,
		Quantity:   d.Quantity,
		Reason:     string(d.Reason.Failed()),
		Failed:     true,
		Timestamp:  e.now(),
	})
}

// closeDust 在剩余数量不足一个数量单位时直接结束策略。
func (e *Engine) closeDust(ctx context.Context, id string, d Decision) {
	e.mu.Lock()
	s, ok := e.strategies[id]
	if !ok || s.Executed {
		e.mu.Unlock()
		return
	}
	dust := s.Quantity
	s.Quantity = 0
	s.Status = StatusExecuted
	s.Executed = true
	s.SellReason = d.Reason
	s.UpdatedAt = e.now()
	snapshot := s.Clone()
	cancel := e.dropLocked(id)
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.persistFinal(ctx, snapshot)

	e.logger.Warn("剩余数量低于最小下单单位，策略结束",
		zap.String("strategy_id", id),
		zap.String("symbol", snapshot.Symbol),
		zap.String("reason", string(d.Reason)),
		zap.Float64("dust", dust),
	)
}

// callers must hold e.mu
func (e *Engine) dropLocked(id string) context.CancelFunc {
	delete(e.strategies, id)
	delete(e.pending, id)
	delete(e.backoff, id)
	delete(e.failures, id)
	cancel := e.tasks[id]
	delete(e.tasks, id)
	return cancel
}

// recordFailureLocked 累加连续失败次数并设置倍增退避，返回当前次数。
func (e *Engine) recordFailureLocked(id string) int {
	e.failures[id]++
	n := e.failures[id]
	e.backoff[id] = e.now().Add(e.opts.failureBackoff(n))
	return n
}

func (o Options) failureBackoff(failures int) time.Duration {
	d := o.FailureBackoff
	for i := 1; i < failures && d < o.MaxFailureBackoff; i++ {
		d *= 2
	}
	if d > o.MaxFailureBackoff {
		d = o.MaxFailureBackoff
	}
	return d
}

// persistLive 保存仍在监控中的策略的最新状态，策略已移除或已结束时跳过。
func (e *Engine) persistLive(ctx context.Context, id string) {
	if e.store == nil {
		return
	}
	e.storeMu.Lock()
	defer e.storeMu.Unlock()

	e.mu.Lock()
	s, ok := e.strategies[id]
	if !ok || s.Executed {
		e.mu.Unlock()
		return
	}
	snapshot := s.Clone()
	e.mu.Unlock()

	e.save(ctx, snapshot)
}

// persistFinal 写入已结束策略的最终状态。
func (e *Engine) persistFinal(ctx context.Context, s Strategy) {
	if e.store == nil {
		return
	}
	e.storeMu.Lock()
	defer e.storeMu.Unlock()
	e.save(ctx, s)
}

func (e *Engine) save(ctx context.Context, s Strategy) {
	if err := e.store.Save(context.WithoutCancel(ctx), s); err != nil {
		e.logger.Warn("保存策略失败", zap.String("strategy_id", s.ID), zap.Error(err))
	}
}

func newStrategyID(symbol string, now time.Time) string {
	return fmt.Sprintf("%s_%d_%s", symbol, now.Unix(), uuid.NewString()[:8])
}

func sortByCreated(list []Strategy) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
