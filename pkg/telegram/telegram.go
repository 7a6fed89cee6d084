// Package telegram 负责创建 Telegram 机器人并以轮询或 webhook 方式运行。
package telegram

import (
	"context"
	"fmt"
	"morpho-bot/internal/config"
	"morpho-bot/pkg/log"

	"github.com/go-telegram/bot"
)

const (
	ModePolling = "polling"
	ModeWebhook = "webhook"
)

// New 创建机器人，所有更新都交给 handler 处理。
func New(cfg config.BotConfig, handler bot.HandlerFunc) (*bot.Bot, error) {
	opts := []bot.Option{
		bot.WithDefaultHandler(handler),
		bot.WithErrorsHandler(func(err error) {
			log.Errorf("Telegram 客户端错误: %v", err)
		}),
	}
	if cfg.ServerURL != "" {
		opts = append(opts, bot.WithServerURL(cfg.ServerURL))
	}
	if cfg.Mode == ModeWebhook && cfg.WebhookSecret != "" {
		opts = append(opts, bot.WithWebhookSecretToken(cfg.WebhookSecret))
	}

	b, err := bot.New(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("创建 Telegram 机器人失败: %w", err)
	}
	return b, nil
}

// Run 按配置的模式接收更新，阻塞直到 ctx 被取消。
// webhook 模式下 HTTP 入口由调用方挂载 b.WebhookHandler()。
func Run(ctx context.Context, b *bot.Bot, cfg config.BotConfig) error {
	switch cfg.Mode {
	case ModeWebhook:
		if _, err := b.SetWebhook(ctx, &bot.SetWebhookParams{
			URL:         cfg.WebhookURL,
			SecretToken: cfg.WebhookSecret,
		}); err != nil {
			return fmt.Errorf("设置 webhook 失败: %w", err)
		}
		log.Infof("Telegram webhook 已设置: %s", cfg.WebhookURL)
		b.StartWebhook(ctx)
	default:
		// 轮询和 webhook 不能同时生效
		if _, err := b.DeleteWebhook(ctx, &bot.DeleteWebhookParams{}); err != nil {
			log.Warnf("删除旧 webhook 失败: %v", err)
		}
		log.Info("Telegram 长轮询已启动")
		b.Start(ctx)
	}
	return nil
}
