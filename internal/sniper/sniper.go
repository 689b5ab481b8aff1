// Package sniper 维护目标交易对，并在上线前后以固定频率反复尝试市价买入。
package sniper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"spot-sniper/internal/config"
	"spot-sniper/internal/exchange"
	"spot-sniper/internal/execution"
)

// Buyer 为狙击所需的下单能力。
type Buyer interface {
	Buy(ctx context.Context, symbol string, quoteAmount float64, opts ...execution.OrderOption) (execution.OrderRecord, error)
}

// PositionChecker 判断交易对是否已有持仓策略。
type PositionChecker interface {
	HasActiveStrategyForSymbol(symbol string) bool
}

// BookReader 提供盘口，用于下单前估算成交均价。
type BookReader interface {
	GetOrderBook(ctx context.Context, symbol string, depth int) (exchange.OrderBook, error)
}

// TargetStatus 为目标状态。
type TargetStatus string

const (
	TargetPending TargetStatus = "PENDING"
	TargetSniping TargetStatus = "SNIPING"
	TargetPlaced  TargetStatus = "PLACED"
	TargetSkipped TargetStatus = "SKIPPED"
	TargetFailed  TargetStatus = "FAILED"
)

// Target 为一个狙击目标。
type Target struct {
	Symbol     string       `json:"symbol"`
	USDTAmount float64      `json:"usdt_amount"`
	Status     TargetStatus `json:"status"`
	Attempts   int          `json:"attempts"`
	OrderID    string       `json:"order_id,omitempty"`
	LastError  string       `json:"last_error,omitempty"`
	AddedAt    time.Time    `json:"added_at"`
}

// Options 控制狙击节奏。
type Options struct {
	DefaultUSDTAmount float64
	BuyFrequency      time.Duration
	MaxAttempts       int
	BookDepth         int
}

// OptionsFromConfig 由配置构造 Options。
func OptionsFromConfig(cfg config.SniperConfig) Options {
	return Options{
		DefaultUSDTAmount: cfg.DefaultUSDTAmount,
		BuyFrequency:      cfg.BuyFrequency,
		MaxAttempts:       cfg.MaxAttempts,
	}
}

// ErrInvalidTarget 表示目标参数非法。
var ErrInvalidTarget = errors.New("invalid sniper target")

// Sniper 为每个目标运行独立的买入循环。
type Sniper struct {
	buyer   Buyer
	checker PositionChecker
	book    BookReader
	opts    Options
	logger  *zap.Logger

	mu      sync.Mutex
	targets map[string]*Target
	tasks   map[string]context.CancelFunc
	runCtx  context.Context
	wg      sync.WaitGroup
}

// New 创建狙击器，checker 与 book 可为 nil。
func New(buyer Buyer, checker PositionChecker, book BookReader, opts Options, logger *zap.Logger) *Sniper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.BuyFrequency <= 0 {
		opts.BuyFrequency = 10 * time.Millisecond
	}
	if opts.BookDepth <= 0 {
		opts.BookDepth = 20
	}
	return &Sniper{
		buyer:   buyer,
		checker: checker,
		book:    book,
		opts:    opts,
		logger:  logger.Named("sniper"),
		targets: make(map[string]*Target),
		tasks:   make(map[string]context.CancelFunc),
	}
}

// AddTarget 新增或覆盖目标，usdt 不大于0时使用默认金额。运行中会立即启动买入循环。
func (s *Sniper) AddTarget(symbol string, usdt float64) (Target, error) {
	if symbol == "" {
		return Target{}, fmt.Errorf("sniper: 交易对不能为空: %w", ErrInvalidTarget)
	}
	if usdt <= 0 {
		usdt = s.opts.DefaultUSDTAmount
	}
	if usdt <= 0 {
		return Target{}, fmt.Errorf("sniper: %s 买入金额必须大于0: %w", symbol, ErrInvalidTarget)
	}

	s.mu.Lock()
	if cancel, ok := s.tasks[symbol]; ok {
		cancel()
		delete(s.tasks, symbol)
	}
	t := &Target{Symbol: symbol, USDTAmount: usdt, Status: TargetPending, AddedAt: time.Now().UTC()}
	s.targets[symbol] = t
	snapshot := *t
	running := s.runCtx != nil && s.runCtx.Err() == nil
	if running {
		s.startLocked(symbol)
	}
	s.mu.Unlock()

	s.logger.Info("已添加狙击目标", zap.String("symbol", symbol), zap.Float64("usdt_amount", usdt), zap.Bool("started", running))
	return snapshot, nil
}

// RemoveTarget 移除目标并停止其买入循环。
func (s *Sniper) RemoveTarget(symbol string) bool {
	s.mu.Lock()
	_, ok := s.targets[symbol]
	delete(s.targets, symbol)
	cancel := s.tasks[symbol]
	delete(s.tasks, symbol)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ok {
		s.logger.Info("已移除狙击目标", zap.String("symbol", symbol))
	}
	return ok
}

// Targets 返回目标快照，按交易对排序。
func (s *Sniper) Targets() []Target {
	s.mu.Lock()
	out := make([]Target, 0, len(s.targets))
	for _, t := range s.targets {
		out = append(out, *t)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Run 启动全部待处理目标的买入循环，阻塞至 ctx 结束并等待循环退出。
func (s *Sniper) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.runCtx != nil && s.runCtx.Err() == nil {
		s.mu.Unlock()
		return errors.New("sniper: 已在运行")
	}
	s.runCtx = ctx
	for symbol, t := range s.targets {
		if t.Status == TargetPending {
			s.startLocked(symbol)
		}
	}
	s.mu.Unlock()

	s.logger.Info("狙击器启动", zap.Int("targets", len(s.Targets())))
	<-ctx.Done()
	s.wg.Wait()
	s.logger.Info("狙击器已停止")
	return nil
}

func (s *Sniper) startLocked(symbol string) {
	ctx, cancel := context.WithCancel(s.runCtx)
	s.tasks[symbol] = cancel
	s.targets[symbol].Status = TargetSniping
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.snipe(ctx, symbol)
	}()
}

func (s *Sniper) snipe(ctx context.Context, symbol string) {
	amount, ok := s.amount(symbol)
	if !ok {
		return
	}
	logger := s.logger.With(zap.String("symbol", symbol), zap.Float64("usdt_amount", amount))
	estimated := false

	for {
		if ctx.Err() != nil {
			return
		}
		if s.checker != nil && s.checker.HasActiveStrategyForSymbol(symbol) {
			logger.Info("已有活跃策略，跳过狙击")
			s.finish(symbol, TargetSkipped, "", nil)
			return
		}
		if !estimated {
			estimated = s.logEstimate(ctx, logger, symbol, amount)
		}

		attempt := s.bumpAttempt(symbol)
		record, err := s.buyer.Buy(ctx, symbol, amount)
		if err == nil {
			logger.Info("狙击买单已提交", zap.String("order_id", record.OrderID), zap.Int("attempt", attempt))
			s.finish(symbol, TargetPlaced, record.OrderID, nil)
			return
		}
		if ctx.Err() != nil {
			return
		}

		if !retryable(err) {
			logger.Error("狙击买入失败，停止重试", zap.Int("attempt", attempt), zap.Error(err))
			s.finish(symbol, TargetFailed, "", err)
			return
		}
		if s.opts.MaxAttempts > 0 && attempt >= s.opts.MaxAttempts {
			logger.Warn("狙击尝试次数已用尽", zap.Int("attempt", attempt), zap.Error(err))
			s.finish(symbol, TargetFailed, "", err)
			return
		}
		logger.Debug("交易对暂不可交易，继续尝试", zap.Int("attempt", attempt), zap.Error(err))
		s.setError(symbol, err)

		t := time.NewTimer(s.opts.BuyFrequency)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (s *Sniper) logEstimate(ctx context.Context, logger *zap.Logger, symbol string, amount float64) bool {
	if s.book == nil {
		return true
	}
	book, err := s.book.GetOrderBook(ctx, symbol, s.opts.BookDepth)
	if err != nil {
		return false
	}
	est, ok := exchange.EstimateMarketBuy(book, amount)
	if !ok {
		return false
	}
	logger.Info("盘口估算",
		zap.Float64("quantity", est.Quantity),
		zap.Float64("avg_price", est.AvgPrice),
		zap.Float64("worst_ask", est.WorstAsk),
		zap.Float64("slippage", est.Slippage),
		zap.Bool("exhausted", est.Exhausted),
	)
	return true
}

func retryable(err error) bool {
	return exchange.IsRetryable(err) || errors.Is(err, execution.ErrRetriesExhausted)
}

func (s *Sniper) amount(symbol string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[symbol]
	if !ok {
		return 0, false
	}
	return t.USDTAmount, true
}

func (s *Sniper) bumpAttempt(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[symbol]
	if !ok {
		return 0
	}
	t.Attempts++
	return t.Attempts
}

func (s *Sniper) setError(symbol string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.targets[symbol]; ok {
		t.LastError = err.Error()
	}
}

func (s *Sniper) finish(symbol string, status TargetStatus, orderID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[symbol]
	if !ok {
		return
	}
	t.Status = status
	t.OrderID = orderID
	if err != nil {
		t.LastError = err.Error()
	}
	delete(s.tasks, symbol)
}
