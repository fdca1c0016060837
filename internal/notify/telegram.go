package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fare-scraper/internal/logger"

	"github.com/go-resty/resty/v2"
)

// TelegramConfig addresses the Bot API and the operator chat.
type TelegramConfig struct {
	APIURL         string
	BotToken       string
	OperatorChatID string
	Timeout        time.Duration
}

// Telegram sends HTML messages through the Bot API sendMessage method.
type Telegram struct {
	cfg    TelegramConfig
	client *resty.Client
	log    logger.Logger
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// NewTelegram builds a sender on a resty client with cfg.Timeout.
func NewTelegram(cfg TelegramConfig, log logger.Logger) *Telegram {
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.telegram.org"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}

	client := resty.New()
	client.SetTimeout(cfg.Timeout)
	client.SetBaseURL(cfg.APIURL)

	return &Telegram{cfg: cfg, client: client, log: log}
}

// Enabled reports whether a bot token is configured.
func (t *Telegram) Enabled() bool { return t.cfg.BotToken != "" }

func (t *Telegram) Send(ctx context.Context, msg Message) (bool, error) {
	chatID := msg.ChatID
	if msg.Operator {
		chatID = t.cfg.OperatorChatID
	}
	if !t.Enabled() || chatID == "" {
		return false, nil
	}

	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"chat_id":                  chatID,
			"text":                     msg.Text,
			"parse_mode":               "HTML",
			"disable_web_page_preview": true,
		}).
		Post("/bot" + t.cfg.BotToken + "/sendMessage")
	if err != nil {
		return false, fmt.Errorf("%w: telegram: %w", ErrDelivery, err)
	}

	var body telegramResponse
	_ = json.Unmarshal(resp.Body(), &body)
	if !resp.IsSuccess() || !body.OK {
		return false, fmt.Errorf("%w: telegram status %d: %s", ErrDelivery, resp.StatusCode(), body.Description)
	}

	t.log.Debug("Telegram message sent", logger.String("kind", msg.Kind), logger.String("chat_id", chatID))
	return true, nil
}
