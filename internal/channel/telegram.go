package channel

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"wabridge/internal/domain"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
)

// Telegram implements domain.Channel for a Telegram bot that relays
// composer insertions. It never requests auto-send.
type Telegram struct {
	token     string
	allowFrom []int64 // empty = allow all
	status    StatusFunc

	bot    *tgbotapi.BotAPI
	bus    domain.MessageBus
	logger *slog.Logger
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // user IDs as strings
	Status    StatusFunc
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		} else if cfg.Logger != nil {
			cfg.Logger.Warn("ignoring invalid telegram user id", "value", s)
		}
	}
	return &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		status:    cfg.Status,
		logger:    cfg.Logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and polls for updates until ctx is cancelled.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	t.bus = bus

	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			// Each update runs on its own so a slow insertion does not hold
			// up /ping.
			go t.handleUpdate(ctx, update)
		}
	}
}

// Stop is a no-op: the bot stops when Start's context is cancelled, and
// StopReceivingUpdates panics when called twice.
func (t *Telegram) Stop() error { return nil }

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	m := update.Message
	if m == nil || m.From == nil || m.Chat == nil {
		return
	}
	chatID := m.Chat.ID

	if !t.isAllowed(m.From.ID) {
		t.logger.Warn("unauthorized telegram user", "user_id", m.From.ID, "username", m.From.UserName)
		t.sendMessage(chatID, "Unauthorized. Your user ID is not in the allow list.")
		return
	}

	command, args := "", strings.TrimSpace(m.Text)
	if m.IsCommand() {
		command, args = m.Command(), strings.TrimSpace(m.CommandArguments())
	}
	if command == "" && args == "" {
		return
	}

	switch command {
	case "start", "help":
		t.sendMessage(chatID, chatHelp("/"))
		return
	case "status":
		t.sendMessage(chatID, t.statusText(ctx))
		return
	}

	msg, err := commandMessage(command, args)
	if err != nil {
		t.sendMessage(chatID, err.Error())
		return
	}
	msg.ID = uuid.NewString()
	msg.Channel = t.Name()

	t.logger.Info("telegram message received", "id", msg.ID, "type", msg.Type, "user_id", m.From.ID, "text_len", len(msg.Text))
	_, _ = t.bot.Send(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))

	reqCtx, cancel := context.WithTimeout(ctx, chatRequestTimeout)
	defer cancel()
	resp, err := t.bus.Send(reqCtx, msg)
	if err != nil {
		resp = domain.ErrorResponse(err)
	}
	t.sendMessage(chatID, replyText(msg.Type, resp))
}

func (t *Telegram) statusText(ctx context.Context) string {
	header := "wabridge is running"
	if t.bot != nil {
		header += " as @" + t.bot.Self.UserName
	}
	return formatStatus(ctx, header, t.status)
}

func (t *Telegram) isAllowed(userID int64) bool {
	return len(t.allowFrom) == 0 || slices.Contains(t.allowFrom, userID)
}

func (t *Telegram) sendMessage(chatID int64, text string) {
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		t.sendChunk(chatID, chunk)
	}
}

// sendChunk sends one chunk, backing off on rate limits and transient errors.
func (t *Telegram) sendChunk(chatID int64, text string) {
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		_, err := t.bot.Send(tgbotapi.NewMessage(chatID, text))
		if err == nil {
			return
		}

		backoff := time.Duration(attempt+1) * time.Second
		if strings.Contains(err.Error(), "Too Many Requests") || strings.Contains(err.Error(), "429") {
			backoff *= 3
		}
		if attempt < telegramMaxSendRetries {
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}
		t.logger.Error("telegram send failed after retries", "err", err, "attempts", telegramMaxSendRetries+1)
	}
}
