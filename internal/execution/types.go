package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"spot-sniper/internal/config"
	"spot-sniper/internal/exchange"
)

// StateTimeout 表示订单在最长监控时间内未到达终态。
const StateTimeout exchange.OrderState = "TIMEOUT"

var (
	// ErrOrderRejected 表示订单被拒绝、过期或撤销且重提次数已用尽。
	ErrOrderRejected = errors.New("order rejected")
	// ErrOrderTimeout 表示订单监控超时。
	ErrOrderTimeout = errors.New("order monitoring timeout")
	// ErrNoQuantity 表示无可卖数量或成交数量为0。
	ErrNoQuantity = errors.New("no quantity")
	// ErrRetriesExhausted 表示下单重试次数已用尽。
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// Fill 为订单最终成交信息。
type Fill struct {
	OrderID    string        `json:"order_id"`
	Symbol     string        `json:"symbol"`
	Side       exchange.Side `json:"side"`
	Quantity   float64       `json:"quantity"`
	AvgPrice   float64       `json:"avg_price"`
	Value      float64       `json:"value"`
	StrategyID string        `json:"strategy_id,omitempty"`
}

// OrderRecord 为协调器跟踪的单个订单。
type OrderRecord struct {
	OrderID         string              `json:"order_id"`
	Symbol          string              `json:"symbol"`
	Side            exchange.Side       `json:"side"`
	RequestedAmount float64             `json:"requested_amount"`
	ExecutedQty     *float64            `json:"executed_qty,omitempty"`
	Status          exchange.OrderState `json:"status"`
	StrategyID      string              `json:"strategy_id,omitempty"`
	Attempt         int                 `json:"attempt"`
	ReplacedBy      string              `json:"replaced_by,omitempty"`
	PlacedAt        time.Time           `json:"placed_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// FailureError 将订单最终失败状态映射为错误分类。
func FailureError(state exchange.OrderState) error {
	if state == StateTimeout {
		return ErrOrderTimeout
	}
	return fmt.Errorf("%w: %s", ErrOrderRejected, state)
}

// CompletionCallback 在订单确认成交后调用，每个订单至多一次。
type CompletionCallback func(ctx context.Context, fill Fill) error

// FailureCallback 在订单最终失败或监控超时后调用。
type FailureCallback func(ctx context.Context, record OrderRecord)

// BuyFilledHook 在可生成策略的买单成交后调用。
type BuyFilledHook func(ctx context.Context, fill Fill)

// Options 控制下单与监控参数。
type Options struct {
	QuoteAsset         string
	MinOrderUSDT       float64
	MaxRetryAttempts   int
	RetryDelay         time.Duration
	StatusDelay        time.Duration
	PollInterval       time.Duration
	MaxMonitorDuration time.Duration
	SellBackoff        time.Duration
	QuantityPrecision  int32
}

// OptionsFromConfig 由配置构造 Options。
func OptionsFromConfig(cfg config.ExecutionConfig, quoteAsset string) Options {
	return Options{
		QuoteAsset:         quoteAsset,
		MinOrderUSDT:       cfg.MinOrderUSDT,
		MaxRetryAttempts:   cfg.MaxRetryAttempts,
		RetryDelay:         cfg.RetryDelay,
		StatusDelay:        cfg.StatusDelay,
		PollInterval:       cfg.PollInterval,
		MaxMonitorDuration: cfg.MaxMonitorDuration,
		SellBackoff:        cfg.SellBackoff,
		QuantityPrecision:  cfg.QuantityPrecision,
	}
}

func (o Options) withDefaults() Options {
	if o.QuoteAsset == "" {
		o.QuoteAsset = exchange.DefaultQuoteAsset
	}
	if o.MaxRetryAttempts < 0 {
		o.MaxRetryAttempts = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 500 * time.Millisecond
	}
	if o.StatusDelay < 0 {
		o.StatusDelay = 0
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.MaxMonitorDuration <= 0 {
		o.MaxMonitorDuration = 300 * time.Second
	}
	if o.SellBackoff <= 0 {
		o.SellBackoff = time.Second
	}
	return o
}

// OrderOption 为单笔订单的附加参数。
type OrderOption func(*orderOptions)

type orderOptions struct {
	strategyID   string
	noAutoCreate bool
	completions  []CompletionCallback
	failures     []FailureCallback
}

// WithStrategy 将订单关联到指定策略。
func WithStrategy(id string) OrderOption {
	return func(o *orderOptions) {
		o.strategyID = id
	}
}

// WithoutStrategy 表示买单成交后不自动创建退出策略。
func WithoutStrategy() OrderOption {
	return func(o *orderOptions) {
		o.noAutoCreate = true
	}
}

// WithCompletion 在监控开始前注册成交回调，避免与快速成交竞争。
func WithCompletion(cb CompletionCallback) OrderOption {
	return func(o *orderOptions) {
		if cb != nil {
			o.completions = append(o.completions, cb)
		}
	}
}

// WithFailure 在监控开始前注册失败回调。
func WithFailure(cb FailureCallback) OrderOption {
	return func(o *orderOptions) {
		if cb != nil {
			o.failures = append(o.failures, cb)
		}
	}
}

func collectOptions(opts []OrderOption) orderOptions {
	var o orderOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
