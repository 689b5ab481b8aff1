// Package telegram 提供聊天命令入口与成交通知推送。
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"spot-sniper/internal/config"
)

// Bot 通过长轮询接收命令并回复。
type Bot struct {
	api      *tgbotapi.BotAPI
	chatIDs  []int64
	handler  *Handler
	notifier *Notifier
	logger   *zap.Logger
}

// ParseChatIDs 解析授权会话ID。
func ParseChatIDs(raw []string) ([]int64, error) {
	ids := make([]int64, 0, len(raw))
	var err error
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		id, parseErr := strconv.ParseInt(r, 10, 64)
		if parseErr != nil {
			err = multierr.Append(err, fmt.Errorf("telegram: 会话ID %q 非法: %w", r, parseErr))
			continue
		}
		ids = append(ids, id)
	}
	return ids, err
}

// NewBot 登录 Bot API 并创建通知器。
func NewBot(cfg config.TelegramConfig, quote string, logger *zap.Logger) (*Bot, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Token == "" {
		return nil, errors.New("telegram: token 不能为空")
	}
	ids, err := ParseChatIDs(cfg.ChatIDs)
	if err != nil {
		return nil, err
	}

	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: 登录失败: %w", err)
	}

	logger = logger.Named("telegram")
	logger.Info("Telegram 已登录", zap.String("bot", api.Self.UserName), zap.Int("chats", len(ids)))

	return &Bot{
		api:      api,
		chatIDs:  ids,
		notifier: NewNotifier(api, ids, quote, logger),
		logger:   logger,
	}, nil
}

// ChatIDs 返回授权会话。
func (b *Bot) ChatIDs() []int64 {
	return b.chatIDs
}

// Notifier 返回推送器，可作为 notify.Sink 接入。
func (b *Bot) Notifier() *Notifier {
	return b.notifier
}

// SetHandler 设置命令处理器，应在 Run 之前调用。
func (b *Bot) SetHandler(h *Handler) {
	b.handler = h
}

// Run 阻塞处理更新直至 ctx 结束。
func (b *Bot) Run(ctx context.Context) error {
	if b.handler == nil {
		return errors.New("telegram: 未设置命令处理器")
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	if err := b.notifier.Broadcast("🤖 狙击机器人已启动，发送 /help 查看命令"); err != nil {
		b.logger.Warn("发送启动通知失败", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || !msg.IsCommand() {
		return
	}
	reply := b.handler.Handle(ctx, msg.Chat.ID, msg.Command(), msg.CommandArguments())
	out := tgbotapi.NewMessage(msg.Chat.ID, reply)
	out.ReplyToMessageID = msg.MessageID
	if _, err := b.api.Send(out); err != nil {
		b.logger.Warn("回复命令失败", zap.Int64("chat_id", msg.Chat.ID), zap.Error(err))
	}
}
