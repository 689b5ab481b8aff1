package telegram

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"spot-sniper/internal/exchange"
	"spot-sniper/internal/execution"
	"spot-sniper/internal/sniper"
	"spot-sniper/internal/strategy"
)

// Trader 为手动买卖命令所需的下单能力。
type Trader interface {
	Buy(ctx context.Context, symbol string, quoteAmount float64, opts ...execution.OrderOption) (execution.OrderRecord, error)
	Sell(ctx context.Context, symbol string, quantity float64, opts ...execution.OrderOption) (execution.OrderRecord, error)
}

// StrategyManager 为策略查询与取消能力。
type StrategyManager interface {
	Strategies() []strategy.Strategy
	Get(id string) (strategy.Strategy, bool)
	RemoveStrategy(ctx context.Context, id string) error
}

// TargetManager 为狙击目标管理能力。
type TargetManager interface {
	AddTarget(symbol string, usdt float64) (sniper.Target, error)
	RemoveTarget(symbol string) bool
	Targets() []sniper.Target
}

// PriceReader 批量查询最新价，失败的交易对不出现在结果中。
type PriceReader interface {
	Prices(ctx context.Context, symbols []string) map[string]float64
}

// BalanceReader 查询资产余额。
type BalanceReader interface {
	GetBalance(ctx context.Context, asset string) (exchange.Balance, error)
}

// Handler 解析聊天命令并调用对应组件，返回回复文本。
type Handler struct {
	trader     Trader
	strategies StrategyManager
	targets    TargetManager
	prices     PriceReader
	balances   BalanceReader
	quote      string
	authorized map[int64]struct{}
	logger     *zap.Logger
}

// Deps 汇总命令处理依赖，targets 可为 nil 表示未启用狙击。
type Deps struct {
	Trader     Trader
	Strategies StrategyManager
	Targets    TargetManager
	Prices     PriceReader
	Balances   BalanceReader
	QuoteAsset string
}

// NewHandler 创建命令处理器，仅响应 authorized 中的会话。
func NewHandler(deps Deps, authorized []int64, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	quote := deps.QuoteAsset
	if quote == "" {
		quote = exchange.DefaultQuoteAsset
	}
	allowed := make(map[int64]struct{}, len(authorized))
	for _, id := range authorized {
		allowed[id] = struct{}{}
	}
	return &Handler{
		trader:     deps.Trader,
		strategies: deps.Strategies,
		targets:    deps.Targets,
		prices:     deps.Prices,
		balances:   deps.Balances,
		quote:      quote,
		authorized: allowed,
		logger:     logger.Named("telegram"),
	}
}

// Authorized 判断会话是否允许操作。
func (h *Handler) Authorized(chatID int64) bool {
	_, ok := h.authorized[chatID]
	return ok
}

// Handle 执行一条命令。command 不含前导斜杠。
func (h *Handler) Handle(ctx context.Context, chatID int64, command, args string) string {
	if !h.Authorized(chatID) {
		h.logger.Warn("拒绝未授权会话", zap.Int64("chat_id", chatID), zap.String("command", command))
		return "⚠️ 无权使用此机器人"
	}

	fields := strings.Fields(args)
	h.logger.Info("收到命令", zap.Int64("chat_id", chatID), zap.String("command", command), zap.Strings("args", fields))

	switch strings.ToLower(command) {
	case "start", "help":
		return helpText
	case "buy":
		return h.buy(ctx, fields)
	case "sell":
		return h.sell(ctx, fields)
	case "snipe":
		return h.snipe(fields)
	case "cancel":
		return h.cancel(ctx, fields)
	case "strategies", "status":
		return h.listStrategies()
	case "price", "cek":
		return h.price(ctx, fields)
	case "balance":
		return h.balance(ctx, fields)
	default:
		return "❓ 未知命令，发送 /help 查看用法"
	}
}

const helpText = `可用命令:
/buy <交易对> <USDT金额> 市价买入
/sell <交易对> [数量] 市价卖出，省略数量卖出全部可用余额
/snipe <交易对> <USDT金额> 添加狙击目标
/cancel <交易对|策略ID> 取消狙击目标或策略
/strategies 查看活跃策略与狙击目标
/price <交易对>... 查询最新价
/balance [资产] 查询余额`

func (h *Handler) buy(ctx context.Context, args []string) string {
	if len(args) < 2 {
		return "⚠️ 用法: /buy <交易对> <USDT金额>"
	}
	symbol, err := exchange.NormalizeSymbol(args[0], h.quote)
	if err != nil {
		return fmt.Sprintf("⚠️ 交易对无效: %s", args[0])
	}
	amount, err := parsePositive(args[1])
	if err != nil {
		return "⚠️ 金额必须为正数"
	}

	record, err := h.trader.Buy(ctx, symbol, amount)
	if err != nil {
		h.logger.Error("手动买入失败", zap.String("symbol", symbol), zap.Error(err))
		return fmt.Sprintf("❌ 买入 %s 失败: %v", symbol, err)
	}
	return fmt.Sprintf("✅ 买单已提交 %s %.2f %s，订单号 %s，成交后通知", symbol, record.RequestedAmount, h.quote, record.OrderID)
}

func (h *Handler) sell(ctx context.Context, args []string) string {
	if len(args) < 1 {
		return "⚠️ 用法: /sell <交易对> [数量]"
	}
	symbol, err := exchange.NormalizeSymbol(args[0], h.quote)
	if err != nil {
		return fmt.Sprintf("⚠️ 交易对无效: %s", args[0])
	}
	qty := 0.0
	if len(args) > 1 {
		if qty, err = parsePositive(args[1]); err != nil {
			return "⚠️ 数量必须为正数"
		}
	}

	record, err := h.trader.Sell(ctx, symbol, qty)
	if err != nil {
		h.logger.Error("手动卖出失败", zap.String("symbol", symbol), zap.Error(err))
		return fmt.Sprintf("❌ 卖出 %s 失败: %v", symbol, err)
	}
	return fmt.Sprintf("✅ 卖单已提交 %s 数量 %s，订单号 %s，成交后通知", symbol, exchange.FormatQuantity(record.RequestedAmount, 8), record.OrderID)
}

func (h *Handler) snipe(args []string) string {
	if h.targets == nil {
		return "⚠️ 狙击功能未启用"
	}
	if len(args) < 2 {
		return "⚠️ 用法: /snipe <交易对> <USDT金额>"
	}
	symbol, err := exchange.NormalizeSymbol(args[0], h.quote)
	if err != nil {
		return fmt.Sprintf("⚠️ 交易对无效: %s", args[0])
	}
	amount, err := parsePositive(args[1])
	if err != nil {
		return "⚠️ 金额必须为正数"
	}
	if _, err := h.targets.AddTarget(symbol, amount); err != nil {
		return fmt.Sprintf("❌ 添加狙击目标失败: %v", err)
	}
	return fmt.Sprintf("🎯 已添加狙击目标 %s，金额 %.2f %s", symbol, amount, h.quote)
}

func (h *Handler) cancel(ctx context.Context, args []string) string {
	if len(args) < 1 {
		return "⚠️ 用法: /cancel <交易对|策略ID>"
	}
	arg := args[0]

	if _, ok := h.strategies.Get(arg); ok {
		if err := h.strategies.RemoveStrategy(ctx, arg); err != nil && !errors.Is(err, strategy.ErrStrategyNotFound) {
			return fmt.Sprintf("❌ 取消策略失败: %v", err)
		}
		return fmt.Sprintf("✅ 已取消策略 %s", arg)
	}

	symbol, err := exchange.NormalizeSymbol(arg, h.quote)
	if err != nil {
		return fmt.Sprintf("⚠️ 交易对无效: %s", arg)
	}
	if h.targets != nil && h.targets.RemoveTarget(symbol) {
		return fmt.Sprintf("✅ 已取消 %s 的狙击", symbol)
	}
	return fmt.Sprintf("❌ %s 既不是狙击目标也不是策略ID", arg)
}

func (h *Handler) listStrategies() string {
	var b strings.Builder
	list := h.strategies.Strategies()
	if len(list) == 0 {
		b.WriteString("📭 暂无活跃策略\n")
	} else {
		fmt.Fprintf(&b, "📊 活跃策略 %d 个\n", len(list))
		for _, s := range list {
			fmt.Fprintf(&b, "%s %s 买入 %s 剩余 %s 止盈 %s 止损 %s [%s]\n",
				s.ID, s.Symbol,
				formatPrice(s.BuyPrice), exchange.FormatQuantity(s.Quantity, 8),
				formatPrice(s.TakeProfitPrice), formatPrice(s.StopLossPrice), s.Status)
		}
	}
	if h.targets != nil {
		targets := h.targets.Targets()
		if len(targets) > 0 {
			fmt.Fprintf(&b, "🎯 狙击目标 %d 个\n", len(targets))
			for _, t := range targets {
				fmt.Fprintf(&b, "%s %.2f %s [%s] 尝试 %d 次\n", t.Symbol, t.USDTAmount, h.quote, t.Status, t.Attempts)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *Handler) price(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return "⚠️ 用法: /price <交易对>..."
	}
	symbols := make([]string, 0, len(args))
	for _, a := range args {
		symbol, err := exchange.NormalizeSymbol(a, h.quote)
		if err != nil {
			return fmt.Sprintf("⚠️ 交易对无效: %s", a)
		}
		symbols = append(symbols, symbol)
	}

	prices := h.prices.Prices(ctx, symbols)
	var b strings.Builder
	for _, symbol := range symbols {
		if p, ok := prices[symbol]; ok {
			fmt.Fprintf(&b, "💹 %s: %s\n", symbol, formatPrice(p))
		} else {
			fmt.Fprintf(&b, "❌ %s: 暂无价格\n", symbol)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *Handler) balance(ctx context.Context, args []string) string {
	asset := h.quote
	if len(args) > 0 {
		asset = strings.ToUpper(strings.TrimSpace(args[0]))
	}
	bal, err := h.balances.GetBalance(ctx, asset)
	if err != nil {
		return fmt.Sprintf("❌ 查询 %s 余额失败: %v", asset, err)
	}
	return fmt.Sprintf("💰 %s 可用 %s 冻结 %s", bal.Asset, exchange.FormatQuantity(bal.Free, 8), exchange.FormatQuantity(bal.Locked, 8))
}

func parsePositive(raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q 不是数字", exchange.ErrInvalidInput, raw)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0, fmt.Errorf("%w: %q 必须为正数", exchange.ErrInvalidInput, raw)
	}
	return v, nil
}

// formatPrice 以8位小数输出并去掉末尾多余的0。
func formatPrice(v float64) string {
	s := strconv.FormatFloat(v, 'f', 8, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
