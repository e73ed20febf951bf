// Package telegram answers chat bot messages with generated responses.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/knoguchi/promptrelay/internal/channel"
)

const (
	// ChannelName labels this adapter in logs and metrics.
	ChannelName = "telegram"

	// MaxMessageLength is the Telegram limit for a single text message.
	MaxMessageLength = 4096

	defaultPartDelay   = 100 * time.Millisecond
	defaultConcurrency = 8
)

const (
	startText = "🤖 Welcome to the AI Assistant Bot!\n\n" +
		"Send me any message and I'll answer it using AI.\n\n" +
		"Available commands:\n" +
		"/start - Show this welcome message\n" +
		"/help - Show help information\n" +
		"/model - Show current AI model\n" +
		"/status - Show bot status"

	helpText = "🆘 Help\n\n" +
		"Simply send me any text message and I'll respond using AI.\n\n" +
		"Examples:\n" +
		"• What is the weather like?\n" +
		"• Explain quantum physics\n" +
		"• Write a poem about cats\n" +
		"• Help me with coding"

	statusText         = "✅ Bot is running and ready to process your requests!"
	unknownCommandText = "❓ Unknown command. Type /help for available commands."
	unauthorizedText   = "Sorry, you are not authorized to use this bot."
	noPromptText       = "❓ Please send your request as a text message."
)

// Update is an inbound text message.
type Update struct {
	ChatID    int64
	UserID    int64
	Username  string
	MessageID int
	Text      string
}

// Messenger sends messages back to a chat.
type Messenger interface {
	SendText(ctx context.Context, chatID int64, replyTo int, text string) error
	SendTyping(ctx context.Context, chatID int64) error
}

// ModelNamer reports the model currently answering prompts.
type ModelNamer interface {
	ID() string
}

// Listener dispatches updates to command handlers or the prompt pipeline.
type Listener struct {
	messenger   Messenger
	processor   *channel.Processor
	model       ModelNamer
	allowed     map[int64]struct{}
	partDelay   time.Duration
	concurrency int
	logger      *slog.Logger
}

// Option is a functional option for configuring Listener.
type Option func(*Listener)

// WithAllowedUsers restricts the bot to the given user IDs. An empty list allows everyone.
func WithAllowedUsers(ids []int64) Option {
	return func(l *Listener) {
		for _, id := range ids {
			l.allowed[id] = struct{}{}
		}
	}
}

// WithPartDelay sets the pause between parts of a split reply.
func WithPartDelay(d time.Duration) Option {
	return func(l *Listener) {
		l.partDelay = d
	}
}

// WithConcurrency bounds how many updates are handled at once.
func WithConcurrency(n int) Option {
	return func(l *Listener) {
		if n > 0 {
			l.concurrency = n
		}
	}
}

// NewListener creates a listener.
func NewListener(messenger Messenger, gen channel.Generator, model ModelNamer, logger *slog.Logger, opts ...Option) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Listener{
		messenger:   messenger,
		processor:   channel.NewProcessor(ChannelName, gen, logger, channel.WithExtractor(channel.ExtractChatPrompt)),
		model:       model,
		allowed:     make(map[int64]struct{}),
		partDelay:   defaultPartDelay,
		concurrency: defaultConcurrency,
		logger:      logger.With("component", "telegram-listener"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run handles updates until the channel closes or ctx is done, then waits for
// in-flight handlers.
func (l *Listener) Run(ctx context.Context, updates <-chan Update) error {
	l.logger.Info("telegram listener started", "restricted_users", len(l.allowed))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case u, ok := <-updates:
			if !ok {
				break loop
			}
			g.Go(func() error {
				l.Handle(gctx, u)
				return nil
			})
		}
	}

	err := g.Wait()
	l.logger.Info("telegram listener stopped")
	return err
}

// Handle processes a single update. Failures are logged, never returned.
func (l *Listener) Handle(ctx context.Context, u Update) {
	logger := l.logger.With("chat_id", u.ChatID, "user_id", u.UserID)
	logger.Info("message received", "chars", len(u.Text))

	if !l.isAllowed(u.UserID) {
		logger.Warn("unauthorized user")
		l.send(ctx, logger, u, unauthorizedText)
		return
	}

	if strings.HasPrefix(u.Text, "/") {
		l.handleCommand(ctx, logger, u)
		return
	}

	if err := l.messenger.SendTyping(ctx, u.ChatID); err != nil {
		logger.Debug("failed to send typing action", "error", err)
	}

	in := channel.Inbound{
		Sender:    fmt.Sprintf("%d", u.UserID),
		Body:      u.Text,
		MessageID: fmt.Sprintf("%d", u.MessageID),
	}
	l.processor.Process(ctx, in, formatter{}, func(ctx context.Context, body string) error {
		return l.reply(ctx, u, body)
	})
}

func (l *Listener) handleCommand(ctx context.Context, logger *slog.Logger, u Update) {
	command := strings.ToLower(strings.Fields(u.Text)[0])
	// commands may be addressed as /cmd@botname in groups
	command, _, _ = strings.Cut(command, "@")

	var text string
	switch command {
	case "/start":
		text = startText
	case "/help":
		text = helpText
	case "/model":
		text = "🧠 Current AI Model: " + l.model.ID()
	case "/status":
		text = statusText
	default:
		text = unknownCommandText
	}
	l.send(ctx, logger, u, text)
}

func (l *Listener) isAllowed(userID int64) bool {
	if len(l.allowed) == 0 {
		return true
	}
	_, ok := l.allowed[userID]
	return ok
}

func (l *Listener) send(ctx context.Context, logger *slog.Logger, u Update, text string) {
	if err := l.messenger.SendText(ctx, u.ChatID, u.MessageID, text); err != nil {
		logger.Error("failed to send message", "error", err)
	}
}

// reply sends body, split into parts that fit the message limit.
func (l *Listener) reply(ctx context.Context, u Update, body string) error {
	parts := SplitMessage(body, MaxMessageLength)
	for i, part := range parts {
		if i > 0 && l.partDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.partDelay):
			}
		}
		if err := l.messenger.SendText(ctx, u.ChatID, u.MessageID, part); err != nil {
			return err
		}
	}
	return nil
}

// formatter renders chat replies; replies are threaded to the prompt message.
type formatter struct{}

// Success echoes the extracted request above the response.
func (formatter) Success(prompt, response string) string {
	return fmt.Sprintf("📝 Your request: %s\n\n%s", prompt, response)
}

func (formatter) Failure(kind channel.Failure) string {
	switch kind {
	case channel.FailureNoPrompt:
		return noPromptText
	case channel.FailureEmptyResponse:
		return "Sorry, I couldn't generate a response. Please try again."
	default:
		return "❌ " + channel.ErrorText
	}
}

// SplitMessage cuts text into parts of at most max runes, preferring a newline,
// then a space, then a hard cut. A non-positive max returns text unsplit.
func SplitMessage(text string, max int) []string {
	if max <= 0 {
		return []string{text}
	}
	runes := []rune(text)
	var parts []string

	for len(runes) > max {
		cut := lastIndex(runes[:max+1], '\n')
		if cut <= 0 {
			cut = lastIndex(runes[:max+1], ' ')
		}
		if cut <= 0 {
			cut = max
		}
		parts = append(parts, string(runes[:cut]))
		runes = []rune(strings.TrimLeft(string(runes[cut:]), " \t\r\n"))
	}

	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}

func lastIndex(runes []rune, r rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == r {
			return i
		}
	}
	return -1
}
