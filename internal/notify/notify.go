package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// TradeEvent 描述一笔已成交订单。
type TradeEvent struct {
	OrderID   string    `json:"order_id"`
	Side      string    `json:"side"`
	Symbol    string    `json:"symbol"`
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// ExitEvent 描述一次止盈止损退出，Reason 以 _FAILED 结尾表示卖单未能提交或最终失败。
type ExitEvent struct {
	StrategyID string    `json:"strategy_id"`
	Symbol     string    `json:"symbol"`
	BuyPrice   float64   `json:"buy_price"`
	SellPrice  float64   `json:"sell_price"`
	Quantity   float64   `json:"quantity"`
	Remaining  float64   `json:"remaining"`
	Reason     string    `json:"reason"`
	ProfitPct  float64   `json:"profit_pct"`
	Failed     bool      `json:"failed"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sink 接收成交与退出通知。实现方不应阻塞调用方过久。
type Sink interface {
	OnTrade(ctx context.Context, event TradeEvent)
	OnExit(ctx context.Context, event ExitEvent)
}

// ProfitPercent 以买入价为基准计算收益百分比。
func ProfitPercent(buyPrice, sellPrice float64) float64 {
	if buyPrice <= 0 {
		return 0
	}
	return (sellPrice - buyPrice) / buyPrice * 100
}

// Nop 丢弃全部通知。
type Nop struct{}

func (Nop) OnTrade(context.Context, TradeEvent) {}
func (Nop) OnExit(context.Context, ExitEvent)   {}

// Multi 将通知依次分发给多个 Sink，单个 Sink 的 panic 不影响其余 Sink。
type Multi struct {
	sinks  []Sink
	logger *zap.Logger
}

// NewMulti 创建分发器，nil Sink 会被忽略。
func NewMulti(logger *zap.Logger, sinks ...Sink) *Multi {
	if logger == nil {
		logger = zap.NewNop()
	}
	filtered := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &Multi{sinks: filtered, logger: logger}
}

// Add 追加 Sink，仅应在装配阶段调用。
func (m *Multi) Add(sink Sink) {
	if sink != nil {
		m.sinks = append(m.sinks, sink)
	}
}

// OnTrade 分发成交通知。
func (m *Multi) OnTrade(ctx context.Context, event TradeEvent) {
	for _, s := range m.sinks {
		m.safely("trade", func() { s.OnTrade(ctx, event) })
	}
}

// OnExit 分发退出通知。
func (m *Multi) OnExit(ctx context.Context, event ExitEvent) {
	for _, s := range m.sinks {
		m.safely("exit", func() { s.OnExit(ctx, event) })
	}
}

func (m *Multi) safely(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("通知处理异常",
				zap.String("kind", kind),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	fn()
}

// LogSink 将通知写入日志。
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink 创建日志通知。
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (l *LogSink) OnTrade(_ context.Context, event TradeEvent) {
	l.logger.Info("订单成交",
		zap.String("order_id", event.OrderID),
		zap.String("side", event.Side),
		zap.String("symbol", event.Symbol),
		zap.Float64("quantity", event.Quantity),
		zap.Float64("price", event.Price),
		zap.Float64("value", event.Value),
	)
}

func (l *LogSink) OnExit(_ context.Context, event ExitEvent) {
	fields := []zap.Field{
		zap.String("strategy_id", event.StrategyID),
		zap.String("symbol", event.Symbol),
		zap.String("reason", event.Reason),
		zap.Float64("buy_price", event.BuyPrice),
		zap.Float64("sell_price", event.SellPrice),
		zap.Float64("quantity", event.Quantity),
		zap.Float64("remaining", event.Remaining),
		zap.Float64("profit_pct", event.ProfitPct),
	}
	if event.Failed {
		l.logger.Warn("退出卖单失败", fields...)
		return
	}
	l.logger.Info("策略退出", fields...)
}
