package push

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"
)

type testEvent struct {
	Type  string `json:"type"`
	Chunk string `json:"chunk,omitempty"`
}

func dial(t *testing.T, srv *httptest.Server, origin string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, err := websocket.Dial(url, "", origin)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func connect(t *testing.T, srv *httptest.Server) (*websocket.Conn, string) {
	t.Helper()
	conn := dial(t, srv, "http://localhost/")
	var msg controlMessage
	if err := websocket.JSON.Receive(conn, &msg); err != nil {
		t.Fatalf("receive connected: %v", err)
	}
	if msg.Type != TypeConnected || msg.ConnectionID == "" {
		t.Fatalf("unexpected first message %+v", msg)
	}
	return conn, msg.ConnectionID
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHub_PublishToSubscriber(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	conn, id := connect(t, srv)
	waitFor(t, func() bool { return hub.Count() == 1 })

	for _, chunk := range []string{"a", "b"} {
		if err := hub.Publish(context.Background(), id, testEvent{Type: "StreamChunk", Chunk: chunk}); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	for _, want := range []string{"a", "b"} {
		var ev testEvent
		if err := websocket.JSON.Receive(conn, &ev); err != nil {
			t.Fatalf("receive: %v", err)
		}
		if ev.Type != "StreamChunk" || ev.Chunk != want {
			t.Errorf("expected chunk %q, got %+v", want, ev)
		}
	}
}

func TestHub_UnknownSubscriber(t *testing.T) {
	hub := NewHub()

	err := hub.Publish(context.Background(), "nope", testEvent{Type: "x"})
	if !errors.Is(err, ErrSubscriberNotFound) {
		t.Fatalf("expected ErrSubscriberNotFound, got %v", err)
	}
}

func TestHub_DisconnectRemovesSubscriber(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	conn, id := connect(t, srv)
	waitFor(t, func() bool { return hub.Count() == 1 })

	conn.Close()
	waitFor(t, func() bool { return hub.Count() == 0 })

	if err := hub.Publish(context.Background(), id, testEvent{Type: "x"}); !errors.Is(err, ErrSubscriberNotFound) {
		t.Fatalf("expected ErrSubscriberNotFound after disconnect, got %v", err)
	}
}

func TestHub_Ping(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	conn, _ := connect(t, srv)
	if err := websocket.JSON.Send(conn, controlMessage{Type: "ping"}); err != nil {
		t.Fatalf("send ping: %v", err)
	}
	var msg controlMessage
	if err := websocket.JSON.Receive(conn, &msg); err != nil {
		t.Fatalf("receive pong: %v", err)
	}
	if msg.Type != TypePong {
		t.Errorf("expected pong, got %+v", msg)
	}
}

func TestHub_OriginCheck(t *testing.T) {
	hub := NewHub(WithAllowedOrigins([]string{"http://app.example.com"}))
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	if _, err := websocket.Dial(url, "", "http://evil.example.com"); err == nil {
		t.Fatal("expected handshake to be rejected for a foreign origin")
	}

	conn := dial(t, srv, "http://app.example.com")
	var msg controlMessage
	if err := websocket.JSON.Receive(conn, &msg); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if msg.Type != TypeConnected {
		t.Errorf("expected connected message, got %+v", msg)
	}
}

func TestHub_CanceledContext(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := hub.Publish(ctx, "any", testEvent{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestHub_CallerDeadlineKeepsSubscriber(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	conn, id := connect(t, srv)
	waitFor(t, func() bool { return hub.Count() == 1 })

	expired, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-expired.Done()
	if err := hub.Publish(expired, id, testEvent{Type: "StreamChunk"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
	if hub.Count() != 1 {
		t.Fatalf("expected subscriber to survive a caller timeout, count = %d", hub.Count())
	}

	// a near deadline on the caller does not shorten the write
	short, cancelShort := context.WithTimeout(context.Background(), time.Hour)
	defer cancelShort()
	if err := hub.Publish(short, id, testEvent{Type: "StreamError"}); err != nil {
		t.Fatalf("Publish() after caller timeout error = %v", err)
	}
	var ev testEvent
	if err := websocket.JSON.Receive(conn, &ev); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if ev.Type != "StreamError" {
		t.Errorf("expected StreamError, got %+v", ev)
	}
}

func TestHub_WithWriteTimeout(t *testing.T) {
	if got := NewHub(WithWriteTimeout(2 * time.Second)).writeTimeout; got != 2*time.Second {
		t.Errorf("expected write timeout 2s, got %s", got)
	}
	if got := NewHub(WithWriteTimeout(0)).writeTimeout; got != defaultWriteTimeout {
		t.Errorf("expected default write timeout for zero, got %s", got)
	}
}
