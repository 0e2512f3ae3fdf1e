package hub

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func startEchoServer(tb testing.TB) *httptest.Server {
	tb.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			payload, err := conn.ReadMessage(context.Background())
			if err != nil {
				return
			}
			if err := conn.WriteText(payload); err != nil {
				return
			}
		}
	}))
	tb.Cleanup(server.Close)
	return server
}

func dialEcho(tb testing.TB, server *httptest.Server) *Conn {
	tb.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := Dial(ctx, url, nil, nil)
	if err != nil {
		tb.Fatalf("dial: %v", err)
	}
	tb.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocketEchoRoundtrip(t *testing.T) {
	server := startEchoServer(t)
	conn := dialEcho(t, server)

	messages := [][]byte{
		[]byte("hello"),
		[]byte(`{"event":"authenticate","userId":"user-1"}`),
		bytes.Repeat([]byte("x"), 200),   // 16-bit extended length
		bytes.Repeat([]byte("y"), 70000), // 64-bit extended length
	}
	for _, message := range messages {
		if err := conn.WriteText(message); err != nil {
			t.Fatalf("write %d bytes: %v", len(message), err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		echo, err := conn.ReadMessage(ctx)
		cancel()
		if err != nil {
			t.Fatalf("read echo of %d bytes: %v", len(message), err)
		}
		if !bytes.Equal(echo, message) {
			t.Fatalf("echo mismatch: sent %d bytes, got %d", len(message), len(echo))
		}
	}
}

func TestWebSocketReadAnswersPing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r)
		if err != nil {
			return
		}
		defer conn.Close()
		// Ping first; the client's next ReadMessage must answer transparently
		// and still deliver the following text frame.
		if err := conn.Ping([]byte("beat")); err != nil {
			return
		}
		if err := conn.WriteText([]byte("after-ping")); err != nil {
			return
		}
		// Reading here blocks until the pong arrives (pongs are skipped), so
		// echo a confirmation once any subsequent text frame shows up.
		payload, err := conn.ReadMessage(context.Background())
		if err != nil {
			return
		}
		_ = conn.WriteText(payload)
	}))
	defer server.Close()

	conn := dialEcho(t, server)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	payload, err := conn.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("read after ping: %v", err)
	}
	if string(payload) != "after-ping" {
		t.Fatalf("got %q, want after-ping", payload)
	}
	if err := conn.WriteText([]byte("pong-sent")); err != nil {
		t.Fatal(err)
	}
	payload, err = conn.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(payload) != "pong-sent" {
		t.Fatalf("got %q, want pong-sent", payload)
	}
}

func TestAcceptRejectsPlainRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := Accept(w, r); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	}))
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
}

func TestDialRejectsUnsupportedScheme(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := Dial(ctx, "http://localhost/ws", nil, nil); err == nil {
		t.Fatal("expected an error for a non-websocket scheme")
	}
}

func TestReadMessageHonoursContextDeadline(t *testing.T) {
	server := startEchoServer(t)
	conn := dialEcho(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := conn.ReadMessage(ctx); err == nil {
		t.Fatal("expected a timeout with no inbound frames")
	}
}
