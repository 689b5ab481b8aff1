package strategy

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"go.uber.org/multierr"

	"spot-sniper/internal/config"
)

var (
	// ErrInvalidStrategy 表示策略参数或状态非法。
	ErrInvalidStrategy = errors.New("invalid strategy")
	// ErrStrategyNotFound 表示策略不存在或已结束。
	ErrStrategyNotFound = errors.New("strategy not found")
)

// Status 为策略生命周期状态。
type Status string

const (
	StatusActive          Status = "ACTIVE"
	StatusPartialExecuted Status = "PARTIAL_EXECUTED"
	StatusExecuted        Status = "EXECUTED"
)

// Reason 为卖出原因标签。
type Reason string

const (
	ReasonStopLoss     Reason = "STOP_LOSS"
	ReasonTrailingStop Reason = "TRAILING_STOP"
	ReasonTakeProfit   Reason = "TAKE_PROFIT"
	ReasonTimeBased    Reason = "TIME_BASED"
)

const failedSuffix = "_FAILED"

// PartialTakeProfitReason 返回部分止盈标签，如 TAKE_PROFIT_PARTIAL_50PCT。
func PartialTakeProfitReason(sellPct float64) Reason {
	return Reason("TAKE_PROFIT_PARTIAL_" + strconv.FormatFloat(sellPct, 'f', -1, 64) + "PCT")
}

// Failed 返回带 _FAILED 后缀的原因标签。
func (r Reason) Failed() Reason {
	return r + failedSuffix
}

// Config 为单个策略的参数，百分比均以买入价为基准，0 表示关闭对应条件。
type Config struct {
	TakeProfitPct         float64 `json:"take_profit_pct"`
	TakeProfitSellPct     float64 `json:"take_profit_sell_pct"`
	StopLossPct           float64 `json:"stop_loss_pct"`
	TrailingStopPct       float64 `json:"trailing_stop_pct"`
	TrailingActivationPct float64 `json:"trailing_activation_pct"`
	TimeBasedMinutes      int     `json:"time_based_minutes"`
}

// ConfigFromSettings 由全局配置构造默认策略参数。
func ConfigFromSettings(cfg config.StrategyConfig) Config {
	return Config{
		TakeProfitPct:         cfg.TakeProfitPct,
		TakeProfitSellPct:     cfg.TakeProfitSellPct,
		StopLossPct:           cfg.StopLossPct,
		TrailingStopPct:       cfg.TrailingStopPct,
		TrailingActivationPct: cfg.TrailingActivationPct,
		TimeBasedMinutes:      cfg.TimeBasedMinutes,
	}
}

// Validate 校验参数范围。
func (c Config) Validate() error {
	var err error
	if c.TakeProfitPct < 0 || math.IsNaN(c.TakeProfitPct) {
		err = multierr.Append(err, fmt.Errorf("止盈百分比不能为负: %v", c.TakeProfitPct))
	}
	if c.TakeProfitSellPct <= 0 || c.TakeProfitSellPct > 100 {
		err = multierr.Append(err, fmt.Errorf("止盈卖出比例必须位于(0,100]: %v", c.TakeProfitSellPct))
	}
	if c.StopLossPct < 0 || c.StopLossPct >= 100 {
		err = multierr.Append(err, fmt.Errorf("止损百分比必须位于[0,100): %v", c.StopLossPct))
	}
	if c.TrailingStopPct < 0 || c.TrailingStopPct >= 100 {
		err = multierr.Append(err, fmt.Errorf("移动止损百分比必须位于[0,100): %v", c.TrailingStopPct))
	}
	if c.TrailingActivationPct < 0 {
		err = multierr.Append(err, fmt.Errorf("移动止损激活百分比不能为负: %v", c.TrailingActivationPct))
	}
	if c.TimeBasedMinutes < 0 {
		err = multierr.Append(err, fmt.Errorf("定时退出分钟数不能为负: %d", c.TimeBasedMinutes))
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidStrategy, err)
	}
	return nil
}

// Strategy 为一次买入成交对应的退出计划。
type Strategy struct {
	ID                      string    `json:"id"`
	Symbol                  string    `json:"symbol"`
	BuyPrice                float64   `json:"buy_price"`
	Quantity                float64   `json:"quantity"`
	OriginalQuantity        float64   `json:"original_quantity"`
	TakeProfitPct           float64   `json:"take_profit_pct"`
	TakeProfitPrice         float64   `json:"take_profit_price"`
	TakeProfitSellPct       float64   `json:"take_profit_sell_pct"`
	TakeProfitExecuted      bool      `json:"tp_executed"`
	StopLossPct             float64   `json:"stop_loss_pct"`
	StopLossPrice           float64   `json:"stop_loss_price"`
	TrailingStopPct         float64   `json:"trailing_stop_pct"`
	TrailingActivationPct   float64   `json:"trailing_activation_pct"`
	TrailingActivationPrice float64   `json:"trailing_activation_price"`
	TrailingStopPrice       *float64  `json:"trailing_stop_price"`
	TrailingActivated       bool      `json:"trailing_activated"`
	HighestPrice            float64   `json:"highest_price"`
	LastPrice               float64   `json:"last_price"`
	TimeBasedMinutes        int       `json:"time_based_minutes"`
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`
	Status                  Status    `json:"status"`
	Executed                bool      `json:"executed"`
	SellReason              Reason    `json:"sell_reason,omitempty"`
	SoldQuantity            float64   `json:"sold_quantity"`
}

// Decision 为一次卖出判定结果。
type Decision struct {
	Reason   Reason  `json:"reason"`
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`
	Partial  bool    `json:"partial"`
}

// NewStrategy 按买入价与参数计算止盈、止损与移动止损激活价。
func NewStrategy(id, symbol string, buyPrice, quantity float64, cfg Config, now time.Time) (*Strategy, error) {
	if id == "" || symbol == "" {
		return nil, fmt.Errorf("%w: 策略ID与交易对不能为空", ErrInvalidStrategy)
	}
	if !(buyPrice > 0) || math.IsInf(buyPrice, 0) {
		return nil, fmt.Errorf("%w: 买入价必须大于0: %v", ErrInvalidStrategy, buyPrice)
	}
	if !(quantity > 0) || math.IsInf(quantity, 0) {
		return nil, fmt.Errorf("%w: 数量必须大于0: %v", ErrInvalidStrategy, quantity)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Strategy{
		ID:                      id,
		Symbol:                  symbol,
		BuyPrice:                buyPrice,
		Quantity:                quantity,
		OriginalQuantity:        quantity,
		TakeProfitPct:           cfg.TakeProfitPct,
		TakeProfitPrice:         buyPrice * (1 + cfg.TakeProfitPct/100),
		TakeProfitSellPct:       cfg.TakeProfitSellPct,
		StopLossPct:             cfg.StopLossPct,
		StopLossPrice:           buyPrice * (1 - cfg.StopLossPct/100),
		TrailingStopPct:         cfg.TrailingStopPct,
		TrailingActivationPct:   cfg.TrailingActivationPct,
		TrailingActivationPrice: buyPrice * (1 + cfg.TrailingActivationPct/100),
		HighestPrice:            buyPrice,
		TimeBasedMinutes:        cfg.TimeBasedMinutes,
		CreatedAt:               now,
		UpdatedAt:               now,
		Status:                  StatusActive,
	}, nil
}

// Validate 校验从存储恢复的策略状态。
func (s *Strategy) Validate() error {
	var err error
	if s.ID == "" || s.Symbol == "" {
		err = multierr.Append(err, errors.New("策略ID与交易对不能为空"))
	}
	if !(s.BuyPrice > 0) {
		err = multierr.Append(err, fmt.Errorf("买入价必须大于0: %v", s.BuyPrice))
	}
	if s.Quantity < 0 || s.Quantity > s.OriginalQuantity {
		err = multierr.Append(err, fmt.Errorf("剩余数量 %v 超出范围 [0,%v]", s.Quantity, s.OriginalQuantity))
	}
	if s.TakeProfitSellPct <= 0 || s.TakeProfitSellPct > 100 {
		err = multierr.Append(err, fmt.Errorf("止盈卖出比例必须位于(0,100]: %v", s.TakeProfitSellPct))
	}
	switch s.Status {
	case StatusActive, StatusPartialExecuted, StatusExecuted:
	default:
		err = multierr.Append(err, fmt.Errorf("未知状态 %q", s.Status))
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidStrategy, s.ID, err)
	}
	return nil
}

// UpdatePriceTracking 更新最高价与移动止损，移动止损价只升不降。返回移动止损状态是否变化。
func (s *Strategy) UpdatePriceTracking(price float64) bool {
	if s.Executed || !(price > 0) {
		return false
	}
	s.LastPrice = price
	if price > s.HighestPrice {
		s.HighestPrice = price
	}
	if s.TrailingStopPct <= 0 {
		return false
	}

	if !s.TrailingActivated {
		if price < s.TrailingActivationPrice {
			return false
		}
		stop := price * (1 - s.TrailingStopPct/100)
		s.TrailingActivated = true
		s.TrailingStopPrice = &stop
		return true
	}

	candidate := s.HighestPrice * (1 - s.TrailingStopPct/100)
	if s.TrailingStopPrice == nil || candidate > *s.TrailingStopPrice {
		s.TrailingStopPrice = &candidate
		return true
	}
	return false
}

// Evaluate 按 止损 > 移动止损 > 止盈 的优先级判断是否卖出。
func (s *Strategy) Evaluate(price float64) (Decision, bool) {
	if s.Executed || s.Quantity <= 0 || !(price > 0) {
		return Decision{}, false
	}

	if s.StopLossPct > 0 && price <= s.StopLossPrice {
		return Decision{Reason: ReasonStopLoss, Quantity: s.Quantity, Price: price}, true
	}

	if s.TrailingActivated && s.TrailingStopPrice != nil && price <= *s.TrailingStopPrice {
		return Decision{Reason: ReasonTrailingStop, Quantity: s.Quantity, Price: price}, true
	}

	if s.TakeProfitPct > 0 && !s.TakeProfitExecuted && price >= s.TakeProfitPrice {
		if s.TakeProfitSellPct >= 100 {
			return Decision{Reason: ReasonTakeProfit, Quantity: s.Quantity, Price: price}, true
		}
		return Decision{
			Reason:   PartialTakeProfitReason(s.TakeProfitSellPct),
			Quantity: s.Quantity * s.TakeProfitSellPct / 100,
			Price:    price,
			Partial:  true,
		}, true
	}

	return Decision{}, false
}

// ShouldSell 返回是否应卖出及原因。
func (s *Strategy) ShouldSell(price float64) (bool, Reason) {
	d, ok := s.Evaluate(price)
	return ok, d.Reason
}

// TimeExpired 判断定时退出是否到期。
func (s *Strategy) TimeExpired(now time.Time) bool {
	if s.TimeBasedMinutes <= 0 || s.Executed {
		return false
	}
	return now.Sub(s.CreatedAt) > time.Duration(s.TimeBasedMinutes)*time.Minute
}

// ApplyFill 按实际成交数量扣减剩余数量，返回计入本策略的卖出数量。
// 成交数量不小于 剩余数量-epsilon 时策略视为全部卖出。
func (s *Strategy) ApplyFill(d Decision, executedQty, epsilon float64, now time.Time) (float64, error) {
	if s.Executed {
		return 0, fmt.Errorf("%w: 策略 %s 已结束", ErrInvalidStrategy, s.ID)
	}
	if !(executedQty > 0) {
		return 0, fmt.Errorf("%w: 成交数量必须大于0", ErrInvalidStrategy)
	}

	sold := math.Min(executedQty, s.Quantity)
	if d.Partial {
		s.TakeProfitExecuted = true
	}

	s.SoldQuantity += sold
	s.SellReason = d.Reason
	s.UpdatedAt = now

	if executedQty >= s.Quantity-epsilon {
		s.Quantity = 0
		s.Status = StatusExecuted
		s.Executed = true
		return sold, nil
	}

	s.Quantity -= sold
	s.Status = StatusPartialExecuted
	return sold, nil
}

// ProfitPct 计算相对买入价的收益百分比。
func (s *Strategy) ProfitPct(sellPrice float64) float64 {
	return (sellPrice - s.BuyPrice) / s.BuyPrice * 100
}

// Clone 返回独立副本。
func (s *Strategy) Clone() Strategy {
	c := *s
	if s.TrailingStopPrice != nil {
		v := *s.TrailingStopPrice
		c.TrailingStopPrice = &v
	}
	return c
}
