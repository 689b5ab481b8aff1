package telegram

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"spot-sniper/internal/notify"
)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier 将成交与退出事件推送到授权会话。
type Notifier struct {
	sender  sender
	chatIDs []int64
	quote   string
	logger  *zap.Logger
}

var _ notify.Sink = (*Notifier)(nil)

// NewNotifier 创建会话通知器。
func NewNotifier(s sender, chatIDs []int64, quote string, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{sender: s, chatIDs: chatIDs, quote: quote, logger: logger.Named("telegram")}
}

// Broadcast 向全部会话发送文本，汇总各会话的发送错误。
func (n *Notifier) Broadcast(text string) error {
	var err error
	for _, id := range n.chatIDs {
		if _, sendErr := n.sender.Send(tgbotapi.NewMessage(id, text)); sendErr != nil {
			err = multierr.Append(err, fmt.Errorf("telegram: 发送至 %d 失败: %w", id, sendErr))
		}
	}
	return err
}

// OnTrade 推送成交通知。
func (n *Notifier) OnTrade(_ context.Context, e notify.TradeEvent) {
	if err := n.Broadcast(FormatTrade(e, n.quote)); err != nil {
		n.logger.Warn("推送成交通知失败", zap.String("order_id", e.OrderID), zap.Error(err))
	}
}

// OnExit 推送退出或退出失败通知。
func (n *Notifier) OnExit(_ context.Context, e notify.ExitEvent) {
	if err := n.Broadcast(FormatExit(e, n.quote)); err != nil {
		n.logger.Warn("推送退出通知失败", zap.String("strategy_id", e.StrategyID), zap.Error(err))
	}
}

// FormatTrade 生成成交通知文本。
func FormatTrade(e notify.TradeEvent, quote string) string {
	emoji := "🟢"
	if strings.EqualFold(e.Side, "SELL") {
		emoji = "🔴"
	}
	return fmt.Sprintf("%s %s %s\n数量: %s\n均价: %s\n金额: %.2f %s",
		emoji, strings.ToUpper(e.Side), e.Symbol,
		formatPrice(e.Quantity), formatPrice(e.Price), e.Value, quote)
}

// FormatExit 生成退出通知文本，失败时明确标注仓位未平。
func FormatExit(e notify.ExitEvent, quote string) string {
	if e.Failed {
		return fmt.Sprintf("⚠️ 卖出失败 %s\n原因: %s\n数量: %s\n仓位未平，策略继续监控",
			e.Symbol, e.Reason, formatPrice(e.Quantity))
	}
	pnl := (e.SellPrice - e.BuyPrice) * e.Quantity
	emoji := "💰"
	if pnl < 0 {
		emoji = "📉"
	}
	return fmt.Sprintf("%s 盈亏报告 %s\n买入价: %s\n卖出价: %s\n数量: %s\n剩余: %s\n盈亏: %.2f %s (%.2f%%)\n原因: %s",
		emoji, e.Symbol,
		formatPrice(e.BuyPrice), formatPrice(e.SellPrice),
		formatPrice(e.Quantity), formatPrice(e.Remaining),
		pnl, quote, e.ProfitPct, e.Reason)
}
