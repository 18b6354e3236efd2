package driver

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"batchbot/internal/domain"
)

const telegramMaxMsgLen = 4000

// telegramAPI is the subset of *tgbotapi.BotAPI the driver uses.
type telegramAPI interface {
	GetChat(config tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram delivers through the Bot API. Recipients are chat IDs, @channel
// usernames, or names mapped to either in the chat directory.
type Telegram struct {
	token  string
	chats  map[string]string
	logger *slog.Logger

	mu   sync.Mutex
	api  telegramAPI
	chat int64
}

type TelegramConfig struct {
	Token  string
	Chats  map[string]string // display name -> chat ID or @username
	API    telegramAPI       // nil = connect with Token on first use
	Logger *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	return &Telegram{
		token:  cfg.Token,
		chats:  cfg.Chats,
		api:    cfg.API,
		logger: cfg.Logger,
	}
}

func (t *Telegram) client() (telegramAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.api != nil {
		return t.api, nil
	}
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)
	t.api = bot
	return bot, nil
}

func (t *Telegram) Focus(_ context.Context, recipient string) error {
	t.chat = 0
	api, err := t.client()
	if err != nil {
		return err
	}

	target := resolve(t.chats, recipient)
	cfg := tgbotapi.ChatInfoConfig{}
	if id, err := strconv.ParseInt(strings.TrimSpace(target), 10, 64); err == nil {
		cfg.ChatID = id
	} else if strings.HasPrefix(target, "@") {
		cfg.SuperGroupUsername = target
	} else {
		return fmt.Errorf("no telegram chat configured for %q", recipient)
	}

	chat, err := api.GetChat(cfg)
	if err != nil {
		return fmt.Errorf("telegram get chat: %w", err)
	}
	t.chat = chat.ID
	return nil
}

func (t *Telegram) SendText(_ context.Context, text string) error {
	if t.chat == 0 {
		return domain.ErrNotFocused
	}
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		if _, err := t.api.Send(tgbotapi.NewMessage(t.chat, chunk)); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

func (t *Telegram) AttachFile(_ context.Context, path string) error {
	if t.chat == 0 {
		return domain.ErrNotFocused
	}
	file := tgbotapi.FilePath(path)
	var msg tgbotapi.Chattable
	if isImage(path) {
		msg = tgbotapi.NewPhoto(t.chat, file)
	} else {
		msg = tgbotapi.NewDocument(t.chat, file)
	}
	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("telegram upload: %w", err)
	}
	return nil
}

func (t *Telegram) AttachClipboardImage(context.Context) error {
	return fmt.Errorf("telegram: clipboard images: %w", domain.ErrUnsupported)
}

// Probe connects to the Bot API, validating the token.
func (t *Telegram) Probe(context.Context) error {
	_, err := t.client()
	return err
}

func isImage(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		return true
	}
	return false
}
