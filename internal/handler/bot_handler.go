package handler

import (
	"context"
	"errors"
	"morpho-bot/internal/config"
	"morpho-bot/internal/service"
	"morpho-bot/pkg/log"
	"morpho-bot/pkg/metrics"
	"strings"
	"unicode/utf8"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// telegramMaxMessageChars 是 Telegram 单条消息的字符上限。
const telegramMaxMessageChars = 4096

// Sender 是发送 Telegram 消息的最小接口，*bot.Bot 满足该接口。
type Sender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// AccessPredicate 判断用户是否有权使用机器人。
type AccessPredicate func(userID int64, username string) bool

type commandFunc func(ctx context.Context, s Sender, msg *models.Message, arg string)

// BotHandler 负责把 Telegram 命令分发到对话服务。
type BotHandler struct {
	dialogueService service.DialogueService
	allowed         AccessPredicate
	messages        config.BotMessages
	metrics         *metrics.Metrics
	commands        map[string]commandFunc
}

// NewBotHandler 创建一个新的 BotHandler。
func NewBotHandler(dialogueService service.DialogueService, allowed AccessPredicate, messages config.BotMessages, m *metrics.Metrics) *BotHandler {
	h := &BotHandler{
		dialogueService: dialogueService,
		allowed:         allowed,
		messages:        messages,
		metrics:         m,
	}
	h.commands = map[string]commandFunc{
		"start": h.start,
		"reset": h.reset,
		"ask":   h.ask,
	}
	return h
}

// Handle 满足 bot.HandlerFunc，作为机器人的默认处理函数注册。
func (h *BotHandler) Handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	h.route(ctx, b, update)
}

// route 解析命令，统一做白名单检查后再分发。
func (h *BotHandler) route(ctx context.Context, s Sender, update *models.Update) {
	if update == nil || update.Message == nil || update.Message.From == nil {
		return
	}
	msg := update.Message
	name, arg, ok := parseCommand(msg.Text)
	if !ok {
		log.Infow("忽略非命令消息", "userId", msg.From.ID, "username", msg.From.Username)
		return
	}
	fn, known := h.commands[name]
	if !known {
		log.Infow("忽略未知命令", "userId", msg.From.ID, "command", name)
		return
	}

	h.metrics.IncCommand(name)
	logUserMessage(msg)

	if !h.allowed(msg.From.ID, msg.From.Username) {
		h.metrics.IncAccessDenied()
		log.Infow("拒绝未授权用户", "userId", msg.From.ID, "username", msg.From.Username, "command", name)
		h.reply(ctx, s, msg, h.messages.Denied)
		return
	}
	fn(ctx, s, msg, arg)
}

func (h *BotHandler) start(ctx context.Context, s Sender, msg *models.Message, _ string) {
	h.reply(ctx, s, msg, h.messages.Greeting)
}

func (h *BotHandler) reset(ctx context.Context, s Sender, msg *models.Message, _ string) {
	if err := h.dialogueService.ResetDialogue(ctx, msg.From.ID); err != nil {
		log.Errorw("清空对话失败", "userId", msg.From.ID, "error", err)
		h.reply(ctx, s, msg, h.messages.ServiceUnavailable)
		return
	}
	h.reply(ctx, s, msg, h.messages.ResetDone)
}

func (h *BotHandler) ask(ctx context.Context, s Sender, msg *models.Message, arg string) {
	answer, err := h.dialogueService.Ask(ctx, service.Inbound{
		UserID:    msg.From.ID,
		Username:  msg.From.Username,
		FirstName: msg.From.FirstName,
		LastName:  msg.From.LastName,
		Text:      arg,
	})
	switch {
	case errors.Is(err, service.ErrEmptyQuestion):
		h.reply(ctx, s, msg, h.messages.EmptyQuestion)
		return
	case err != nil:
		log.Errorw("Service unavailable", "userId", msg.From.ID, "error", err)
		h.reply(ctx, s, msg, h.messages.ServiceUnavailable)
		return
	}
	log.Infow("机器人回复", "userId", msg.From.ID, "text", answer)
	h.reply(ctx, s, msg, answer)
}

// reply 发送回复，超长文本按 Telegram 上限拆分成多条。
func (h *BotHandler) reply(ctx context.Context, s Sender, msg *models.Message, text string) {
	if strings.TrimSpace(text) == "" {
		text = "…"
	}
	for _, part := range splitMessage(text, telegramMaxMessageChars) {
		if _, err := s.SendMessage(ctx, &bot.SendMessageParams{ChatID: msg.Chat.ID, Text: part}); err != nil {
			log.Errorw("发送 Telegram 消息失败", "chatId", msg.Chat.ID, "error", err)
			return
		}
	}
}

// parseCommand 把 "/ask@MorphoBot 你好" 拆成 ("ask", "你好", true)。
func parseCommand(text string) (name, arg string, ok bool) {
	text = strings.TrimLeft(text, " \t\n")
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text, " ")
	if i := strings.IndexAny(head, "\n\t"); i >= 0 {
		rest = head[i+1:] + " " + rest
		head = head[:i]
	}
	head = strings.TrimPrefix(head, "/")
	if at := strings.IndexByte(head, '@'); at >= 0 {
		head = head[:at]
	}
	if head == "" {
		return "", "", false
	}
	return strings.ToLower(head), strings.TrimSpace(rest), true
}

func splitMessage(text string, maxChars int) []string {
	if utf8.RuneCountInString(text) <= maxChars {
		return []string{text}
	}
	var parts []string
	runes := []rune(text)
	for len(runes) > 0 {
		n := maxChars
		if len(runes) < n {
			n = len(runes)
		}
		parts = append(parts, string(runes[:n]))
		runes = runes[n:]
	}
	return parts
}

func logUserMessage(msg *models.Message) {
	log.Infow("收到用户消息",
		"userId", msg.From.ID,
		"username", msg.From.Username,
		"firstName", msg.From.FirstName,
		"lastName", msg.From.LastName,
		"text", msg.Text,
	)
}
