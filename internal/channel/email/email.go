// Package email polls a mailbox for prompt requests and answers them by reply mail.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/knoguchi/promptrelay/internal/channel"
)

// ChannelName labels this adapter in logs and metrics.
const ChannelName = "email"

// Message is an unread request fetched from the mailbox.
type Message struct {
	UID       uint32
	From      string
	Subject   string
	Body      string
	MessageID string
	Date      time.Time
}

// Outgoing is a reply to send.
type Outgoing struct {
	To        string
	Subject   string
	Body      string
	InReplyTo string
}

// Mailbox is the mail transport the adapter depends on.
type Mailbox interface {
	// FetchUnread returns unread messages whose subject contains the trigger subject.
	FetchUnread(ctx context.Context) ([]Message, error)
	Send(ctx context.Context, out Outgoing) error
}

// Adapter turns unread trigger mails into generated replies.
type Adapter struct {
	mailbox   Mailbox
	processor *channel.Processor
	formatter Formatter
	logger    *slog.Logger
}

// NewAdapter creates an email adapter.
func NewAdapter(mailbox Mailbox, gen channel.Generator, triggerSubject string, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		mailbox:   mailbox,
		processor: channel.NewProcessor(ChannelName, gen, logger),
		formatter: Formatter{TriggerSubject: triggerSubject},
		logger:    logger.With("component", "email-adapter"),
	}
}

// Poll fetches unread trigger mails and processes each one independently.
// Only a failed fetch is returned; per-message failures are answered and logged.
func (a *Adapter) Poll(ctx context.Context) error {
	a.logger.Debug("checking for new emails")

	messages, err := a.mailbox.FetchUnread(ctx)
	if err != nil {
		a.logger.Error("failed to fetch emails", "error", err)
		return fmt.Errorf("failed to fetch emails: %w", err)
	}
	if len(messages) == 0 {
		a.logger.Debug("no new emails found")
		return nil
	}

	a.logger.Info("processing new emails", "count", len(messages))

	for _, m := range messages {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.processOne(ctx, m)
	}
	return nil
}

func (a *Adapter) processOne(ctx context.Context, m Message) channel.Outcome {
	in := channel.Inbound{
		Sender:    m.From,
		Subject:   m.Subject,
		Body:      m.Body,
		MessageID: m.MessageID,
	}

	reply := func(ctx context.Context, body string) error {
		to, err := ExtractAddress(m.From)
		if err != nil {
			return err
		}
		return a.mailbox.Send(ctx, Outgoing{
			To:        to,
			Subject:   ReplySubject(m.Subject),
			Body:      body,
			InReplyTo: m.MessageID,
		})
	}

	return a.processor.Process(ctx, in, a.formatter, reply)
}
