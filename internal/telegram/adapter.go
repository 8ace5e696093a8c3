package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/jotbot/internal/pipeline"
	"github.com/user/jotbot/internal/types"
)

const maxTelegramMessage = 4096

// Adapter bridges Telegram long-polling to the pipeline. It also implements
// types.Deliverer so the reminder dispatcher can push outbound messages.
type Adapter struct {
	bot  *tgbotapi.BotAPI
	pipe *pipeline.Pipeline
}

// New creates a Telegram adapter.
func New(token string, pipe *pipeline.Pipeline) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Adapter{bot: bot, pipe: pipe}, nil
}

// Start begins long-polling for Telegram updates. Blocks until ctx is done.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message == nil {
				continue
			}
			a.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	event := buildEvent(msg)
	if event == nil {
		return
	}

	err := a.pipe.Handle(ctx, event, func(outcome *pipeline.Outcome, err error) {
		if err != nil {
			slog.Error("pipeline error", "chat_id", chatID, "error", err)
			a.sendResponse(chatID, "Sorry, I couldn't process that message.")
			return
		}
		if reply := pipeline.ComposeResponse(outcome); reply != "" {
			a.sendResponse(chatID, reply)
		}
	})
	if err != nil {
		slog.Warn("inbound event rejected", "chat_id", chatID, "error", err)
		a.sendResponse(chatID, "I couldn't read that message. Try sending text.")
	}
}

// buildEvent maps a Telegram message onto a raw inbound event. Returns nil
// for update shapes we do not capture (stickers, locations, joins).
func buildEvent(msg *tgbotapi.Message) *types.RawEvent {
	event := &types.RawEvent{
		UserKey:   string(userKey(msg.Chat.ID)),
		MessageID: strconv.Itoa(msg.MessageID),
		Timestamp: time.Unix(int64(msg.Date), 0),
	}

	switch {
	case msg.Text != "":
		event.Content = msg.Text
		event.Source = "text"
	case msg.Voice != nil:
		event.Source = "voice"
		event.MediaRef = msg.Voice.FileID
		event.Content = msg.Caption
	case msg.Audio != nil:
		event.Source = "audio"
		event.MediaRef = msg.Audio.FileID
		event.Content = msg.Caption
	case len(msg.Photo) > 0:
		event.Source = "photo"
		event.MediaRef = msg.Photo[len(msg.Photo)-1].FileID
		event.Content = msg.Caption
	case msg.Document != nil:
		event.Source = "document"
		event.MediaRef = msg.Document.FileID
		event.Content = msg.Caption
	default:
		return nil
	}
	return event
}

// Send implements types.Deliverer. The user key carries the chat id.
func (a *Adapter) Send(_ context.Context, user types.UserKey, text string) error {
	chatID, err := chatIDFromKey(user)
	if err != nil {
		return err
	}
	a.sendResponse(chatID, text)
	return nil
}

func (a *Adapter) sendResponse(chatID int64, text string) {
	parts := splitMessage(text)
	for _, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = "Markdown"
		if _, err := a.bot.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := a.bot.Send(msg); err != nil {
				slog.Error("send message failed", "chat_id", chatID, "error", err)
			}
		}
	}
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}

func userKey(chatID int64) types.UserKey {
	return types.NewUserKey("telegram", strconv.FormatInt(chatID, 10))
}

func chatIDFromKey(user types.UserKey) (int64, error) {
	parts := strings.Split(string(user), ":")
	if len(parts) != 2 || parts[0] != "telegram" {
		return 0, fmt.Errorf("not a telegram user key: %s", user)
	}
	return strconv.ParseInt(parts[1], 10, 64)
}
