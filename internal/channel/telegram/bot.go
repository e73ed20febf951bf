package telegram

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const longPollTimeout = 60 // seconds

// BotClient adapts the Telegram Bot API to Messenger and an update stream.
type BotClient struct {
	api    *tgbotapi.BotAPI
	logger *slog.Logger
}

// NewBotClient authenticates with token and returns a client.
func NewBotClient(token string, logger *slog.Logger) (*BotClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &BotClient{api: api, logger: logger.With("component", "telegram-client")}, nil
}

// Username returns the bot's username.
func (b *BotClient) Username() string {
	return b.api.Self.UserName
}

// Updates long-polls for new messages until ctx is done.
func (b *BotClient) Updates(ctx context.Context) <-chan Update {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = longPollTimeout
	cfg.AllowedUpdates = []string{"message"}

	raw := b.api.GetUpdatesChan(cfg)
	out := make(chan Update)

	go func() {
		defer close(out)
		defer b.api.StopReceivingUpdates()

		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-raw:
				if !ok {
					return
				}
				update, ok := fromAPI(u)
				if !ok {
					continue
				}
				select {
				case <-ctx.Done():
					return
				case out <- update:
				}
			}
		}
	}()

	return out
}

// SendText sends text to chatID, replying to replyTo when it is non-zero.
func (b *BotClient) SendText(ctx context.Context, chatID int64, replyTo int, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = replyTo
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("failed to send message to chat %d: %w", chatID, err)
	}
	return nil
}

// SendTyping shows the typing indicator in chatID.
func (b *BotClient) SendTyping(ctx context.Context, chatID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := b.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		return fmt.Errorf("failed to send chat action: %w", err)
	}
	return nil
}

// fromAPI keeps text messages only.
func fromAPI(u tgbotapi.Update) (Update, bool) {
	m := u.Message
	if m == nil || m.Text == "" || m.Chat == nil {
		return Update{}, false
	}
	update := Update{
		ChatID:    m.Chat.ID,
		MessageID: m.MessageID,
		Text:      m.Text,
	}
	if m.From != nil {
		update.UserID = m.From.ID
		update.Username = m.From.UserName
	}
	return update, true
}

// Ensure BotClient implements Messenger
var _ Messenger = (*BotClient)(nil)
