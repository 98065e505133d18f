package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "pushsched/pkg/logx"
)

// telegramDeliverer sends notifications as Telegram messages.
//
// Destination shape: {"chat_id": 123456, "thread_id": 0}
// Payload shape:     {"title": "...", "body": "..."}
type telegramDeliverer struct {
	bot       *tele.Bot
	parseMode string
	log       logx.Logger
}

type tgDestination struct {
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"`
}

type tgPayload struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

func newTelegram(cfg TelegramConfig, log logx.Logger) (Deliverer, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &telegramDeliverer{bot: b, parseMode: cfg.ParseMode, log: log}, nil
}

func (d *telegramDeliverer) Deliver(ctx context.Context, destination, payload json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dest, err := parseTelegramDestination(destination)
	if err != nil {
		return err
	}
	text := formatTelegramText(payload)

	opts := &tele.SendOptions{
		ThreadID:              dest.ThreadID,
		ParseMode:             d.parseMode,
		DisableWebPagePreview: true,
	}
	_, err = d.bot.Send(&tele.Chat{ID: dest.ChatID}, text, opts)
	return err
}

func parseTelegramDestination(raw json.RawMessage) (tgDestination, error) {
	var dest tgDestination
	if err := json.Unmarshal(raw, &dest); err != nil {
		return tgDestination{}, fmt.Errorf("telegram destination: %w", err)
	}
	if dest.ChatID == 0 {
		return tgDestination{}, errors.New("telegram destination: chat_id is required")
	}
	return dest, nil
}

// formatTelegramText renders the opaque payload as message text. Unknown
// payload shapes fall back to the raw JSON so nothing is silently dropped.
func formatTelegramText(raw json.RawMessage) string {
	var p tgPayload
	if err := json.Unmarshal(raw, &p); err == nil {
		switch {
		case p.Title != "" && p.Body != "":
			return p.Title + "\n" + p.Body
		case p.Title != "":
			return p.Title
		case p.Body != "":
			return p.Body
		}
	}
	if len(raw) == 0 {
		return "(empty notification)"
	}
	return string(raw)
}
