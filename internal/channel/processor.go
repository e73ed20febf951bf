package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knoguchi/promptrelay/internal/metrics"
)

// Fixed replies shared by the adapters.
const (
	NoPromptText      = "No valid prompt found in your message. Please include your AI request in the message body."
	EmptyResponseText = "Sorry, I couldn't generate a response to your request. Please try again."
	ErrorText         = "Sorry, there was an error processing your request. Please try again later."
)

// Inbound is one message pulled from a channel. It is processed once and then dropped.
type Inbound struct {
	Sender    string
	Subject   string
	Body      string
	MessageID string
}

// Failure identifies which fixed reply to send.
type Failure int

const (
	FailureNoPrompt Failure = iota
	FailureEmptyResponse
	FailureError
)

// Outcome reports how a message was handled.
type Outcome string

const (
	OutcomeReplied  Outcome = "replied"
	OutcomeNoPrompt Outcome = "no_prompt"
	OutcomeEmpty    Outcome = "empty_response"
	OutcomeFailed   Outcome = "failed"
)

// Generator produces the aggregated response for a prompt against the current model.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Formatter renders reply bodies for a channel.
type Formatter interface {
	Success(prompt, response string) string
	Failure(kind Failure) string
}

// ReplyFunc sends body back on the channel the message came from, keeping the thread.
type ReplyFunc func(ctx context.Context, body string) error

// Processor runs the extract, generate and reply pipeline for one message at a time.
type Processor struct {
	channel string
	gen     Generator
	extract func(string) string
	logger  *slog.Logger
}

// ProcessorOption is a functional option for configuring Processor.
type ProcessorOption func(*Processor)

// WithExtractor replaces ExtractPrompt, for channels whose messages are already bare prompts.
func WithExtractor(fn func(string) string) ProcessorOption {
	return func(p *Processor) {
		p.extract = fn
	}
}

// NewProcessor creates a processor for the named channel.
func NewProcessor(channel string, gen Generator, logger *slog.Logger, opts ...ProcessorOption) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		channel: channel,
		gen:     gen,
		extract: ExtractPrompt,
		logger:  logger.With("component", "processor", "channel", channel),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process handles a single inbound message. It never returns an error; every failure is
// logged and answered with a fixed reply so that one bad message cannot stop the batch.
func (p *Processor) Process(ctx context.Context, in Inbound, f Formatter, reply ReplyFunc) (outcome Outcome) {
	logger := p.logger.With("sender", in.Sender, "message_id", in.MessageID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while processing message", "panic", fmt.Sprint(r))
			p.apologize(ctx, logger, f.Failure(FailureError), reply)
			outcome = OutcomeFailed
		}
		metrics.ChannelMessagesTotal.WithLabelValues(p.channel, string(outcome)).Inc()
	}()

	prompt := p.extract(in.Body)
	if prompt == "" {
		logger.Warn("no valid prompt found")
		p.apologize(ctx, logger, f.Failure(FailureNoPrompt), reply)
		return OutcomeNoPrompt
	}

	logger.Info("processing prompt", "subject", in.Subject, "prompt_chars", len(prompt))

	response, err := p.gen.Generate(ctx, prompt)
	if err != nil {
		logger.Error("generation failed", "error", err)
		p.apologize(ctx, logger, f.Failure(FailureError), reply)
		return OutcomeFailed
	}

	if strings.TrimSpace(response) == "" {
		logger.Warn("provider returned an empty response")
		p.apologize(ctx, logger, f.Failure(FailureEmptyResponse), reply)
		return OutcomeEmpty
	}

	if err := reply(ctx, f.Success(prompt, response)); err != nil {
		logger.Error("failed to send reply", "error", err)
		p.apologize(ctx, logger, f.Failure(FailureError), reply)
		return OutcomeFailed
	}

	logger.Info("reply sent")
	return OutcomeReplied
}

// apologize sends a fixed reply; a failure here is logged and not retried.
func (p *Processor) apologize(ctx context.Context, logger *slog.Logger, body string, reply ReplyFunc) {
	if err := reply(ctx, body); err != nil {
		logger.Error("failed to send fixed reply", "error", err)
	}
}
