// Package relay streams provider output to push subscribers and serves aggregate generation.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/knoguchi/promptrelay/internal/llm"
	"github.com/knoguchi/promptrelay/internal/logging"
	"github.com/knoguchi/promptrelay/internal/metrics"
)

var (
	// ErrBadRequest is returned synchronously for a request missing its prompt or subscriber.
	ErrBadRequest = errors.New("bad request")

	// ErrShuttingDown is returned by Start once Shutdown has begun.
	ErrShuttingDown = errors.New("relay is shutting down")
)

// DefaultStreamTimeout bounds a single streaming session.
const DefaultStreamTimeout = 5 * time.Minute

const terminalEventTimeout = 5 * time.Second

// EventType names the events pushed to a subscriber.
type EventType string

const (
	EventStarted   EventType = "StreamStarted"
	EventChunk     EventType = "StreamChunk"
	EventCompleted EventType = "StreamCompleted"
	EventError     EventType = "StreamError"
)

// Event is the payload delivered to a subscriber.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Prompt    string    `json:"prompt,omitempty"`
	Chunk     string    `json:"chunk,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Publisher delivers events to a subscriber handle.
type Publisher interface {
	Publish(ctx context.Context, subscriberID string, event Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, subscriberID string, event Event) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, subscriberID string, event Event) error {
	return f(ctx, subscriberID, event)
}

// StreamRequest asks for prompt to be streamed to the subscriber identified by SubscriberID.
type StreamRequest struct {
	Prompt       string `json:"prompt"`
	SubscriberID string `json:"connectionId"`
}

// Relay runs streaming sessions and aggregate generation against the current model.
type Relay struct {
	provider  llm.LLM
	current   *CurrentModel
	publisher Publisher
	logger    *slog.Logger
	timeout   time.Duration
	now       func() time.Time

	// sessions outlive the request that started them, so they derive from base
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session
	closing  bool
}

// Option is a functional option for configuring Relay.
type Option func(*Relay)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		r.logger = logger
	}
}

// WithStreamTimeout bounds each streaming session.
func WithStreamTimeout(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// New creates a relay.
func New(provider llm.LLM, current *CurrentModel, publisher Publisher, opts ...Option) *Relay {
	base, cancel := context.WithCancel(context.Background())
	r := &Relay{
		provider:  provider,
		current:   current,
		publisher: publisher,
		logger:    slog.Default(),
		timeout:   DefaultStreamTimeout,
		now:       time.Now,
		base:      base,
		cancel:    cancel,
		sessions:  make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "relay")
	return r
}

// CurrentModel returns the relay's current model reference.
func (r *Relay) CurrentModel() *CurrentModel {
	return r.current
}

// Generate returns the aggregated response for prompt using the current model.
func (r *Relay) Generate(ctx context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", fmt.Errorf("%w: prompt is required", ErrBadRequest)
	}
	return r.provider.Generate(ctx, prompt, r.current.Options())
}

// Start validates req, opens a new session and streams it in the background.
// It returns as soon as the session is accepted.
func (r *Relay) Start(ctx context.Context, req StreamRequest) (string, error) {
	prompt := strings.TrimSpace(req.Prompt)
	subscriber := strings.TrimSpace(req.SubscriberID)
	if prompt == "" || subscriber == "" {
		return "", fmt.Errorf("%w: prompt and connectionId are required", ErrBadRequest)
	}

	session := newSession(uuid.NewString(), subscriber, prompt, r.now())

	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return "", ErrShuttingDown
	}
	r.sessions[session.ID] = session
	r.wg.Add(1)
	r.mu.Unlock()
	metrics.ActiveStreams.Inc()

	sessionCtx, cancel := context.WithTimeout(r.base, r.timeout)
	go func() {
		defer r.wg.Done()
		defer cancel()
		defer r.finish(session)
		r.run(sessionCtx, cancel, session)
	}()

	r.logger.DebugContext(ctx, "stream session accepted", "session_id", session.ID, "subscriber", subscriber)
	return session.ID, nil
}

// ActiveSessions returns the number of sessions in flight.
func (r *Relay) ActiveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown stops accepting sessions and waits for in-flight ones. When ctx expires first,
// remaining sessions are cancelled.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}

func (r *Relay) run(ctx context.Context, cancel context.CancelFunc, s *Session) {
	logger := r.logger.With("session_id", s.ID, "subscriber", s.SubscriberID)

	s.transition(StateStarted)
	if !r.emit(ctx, s, Event{Type: EventStarted, Prompt: s.Prompt}) {
		r.undelivered(ctx, logger, cancel, s)
		return
	}

	chunks, err := r.provider.GenerateStream(ctx, s.Prompt, r.current.Options())
	if err != nil {
		r.fail(ctx, logger, s, err)
		return
	}

	for chunk := range chunks {
		if chunk.Error != nil {
			r.fail(ctx, logger, s, chunk.Error)
			return
		}
		if chunk.Token == "" {
			continue
		}

		s.transition(StateStreaming)
		s.append(chunk.Token)
		if !r.emit(ctx, s, Event{Type: EventChunk, Chunk: chunk.Token}) {
			r.undelivered(ctx, logger, cancel, s)
			// let the provider goroutine observe cancellation and exit
			for range chunks {
			}
			return
		}
	}

	// the provider closes its channel without an error chunk when ctx ends
	if err := ctx.Err(); err != nil {
		r.fail(ctx, logger, s, err)
		return
	}

	if !s.transition(StateCompleted) {
		return
	}
	// the session deadline may pass between the last chunk and this event
	pubCtx, cancelPub := terminalContext(ctx)
	defer cancelPub()
	if !r.emit(pubCtx, s, Event{Type: EventCompleted}) {
		logger.Debug("subscriber gone before completion event")
	}
	metrics.StreamSessionsTotal.WithLabelValues("completed").Inc()
	logger.Info("stream completed", "chars", len(s.Text()), "duration", time.Since(s.StartedAt))
}

// emit publishes an event and reports whether the subscriber is still reachable.
func (r *Relay) emit(ctx context.Context, s *Session, ev Event) bool {
	ev.SessionID = s.ID
	if err := r.publisher.Publish(ctx, s.SubscriberID, ev); err != nil {
		return false
	}
	metrics.StreamEventsTotal.WithLabelValues(string(ev.Type)).Inc()
	return true
}

func (r *Relay) fail(ctx context.Context, logger *slog.Logger, s *Session, cause error) {
	if !s.transition(StateErrored) {
		return
	}
	metrics.StreamSessionsTotal.WithLabelValues("errored").Inc()
	logger.Error("stream failed", "error", cause)

	pubCtx, cancel := terminalContext(ctx)
	defer cancel()
	if !r.emit(pubCtx, s, Event{Type: EventError, Error: logging.Redact(cause.Error())}) {
		logger.Debug("subscriber gone before error event")
	}
}

// undelivered handles a failed publish. A publish that failed because the session
// itself ended is a timeout or shutdown and still owes the subscriber a StreamError.
func (r *Relay) undelivered(ctx context.Context, logger *slog.Logger, cancel context.CancelFunc, s *Session) {
	if err := ctx.Err(); err != nil {
		r.fail(ctx, logger, s, err)
		return
	}
	r.abandon(logger, cancel, s)
}

// terminalContext gives a terminal event a short window past the session context.
func terminalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), terminalEventTimeout)
}

func (r *Relay) abandon(logger *slog.Logger, cancel context.CancelFunc, s *Session) {
	if !s.transition(StateErrored) {
		return
	}
	cancel()
	metrics.StreamSessionsTotal.WithLabelValues("abandoned").Inc()
	logger.Info("subscriber unreachable, session abandoned")
}

func (r *Relay) finish(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s.ID)
	r.mu.Unlock()
	metrics.ActiveStreams.Dec()
}
