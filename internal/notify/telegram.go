package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/stellarlinkco/moltclaw/internal/config"
)

const telegramMaxMessage = 4096

// TelegramBot is the part of the bot API the mirror uses.
type TelegramBot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
}

type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances.
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// Telegram mirrors every exchange to one operator chat. The bot is created
// on first use.
type Telegram struct {
	token   string
	chatID  int64
	proxy   string
	factory BotFactory
	logger  *log.Logger

	mu  sync.Mutex
	bot TelegramBot
}

func NewTelegram(cfg config.TelegramConfig, logger *log.Logger) (*Telegram, error) {
	return NewTelegramWithFactory(cfg, defaultBotFactory, logger)
}

func NewTelegramWithFactory(cfg config.TelegramConfig, factory BotFactory, logger *log.Logger) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat id is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Telegram{
		token:   cfg.Token,
		chatID:  cfg.ChatID,
		proxy:   cfg.Proxy,
		factory: factory,
		logger:  logger,
	}, nil
}

func (t *Telegram) initBot() (TelegramBot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}

	client := http.DefaultClient
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	bot, err := t.factory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram mirror authorized", "bot", bot.GetSelf().UserName)
	return bot, nil
}

func (t *Telegram) Report(ctx context.Context, ex Exchange) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bot, err := t.initBot()
	if err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(t.chatID, formatExchange(ex))
	msg.DisableWebPagePreview = true
	if _, err := bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func formatExchange(ex Exchange) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s from @%s\n", ex.Label, ex.Author)
	if ex.Title != "" && ex.Label != LabelReply {
		fmt.Fprintf(&b, "%s\n", ex.Title)
	}
	fmt.Fprintf(&b, "\n%s\n\n---\n%s", truncate(ex.Original, 500), ex.Response)
	return truncate(b.String(), telegramMaxMessage-3)
}
