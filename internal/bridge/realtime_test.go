package bridge

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeBackend upgrades connections and echoes every audio frame back,
// standing in for the AI voice backend.
func fakeBackend(t *testing.T) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		for {
			var msg backendMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type == "audio" {
				if err := conn.WriteJSON(backendMessage{Type: "audio", Audio: msg.Audio}); err != nil {
					return
				}
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRealtimeClient_RoundTrip(t *testing.T) {
	srv := fakeBackend(t)
	defer srv.Close()

	c, err := NewRealtimeClient(RealtimeConfig{URL: wsURL(srv)}, nil)
	if err != nil {
		t.Fatalf("expected client, got %v", err)
	}

	echoed := make(chan []byte, 1)
	id, err := c.Create(context.Background(), "CA1", "ST1", func(audio []byte) error {
		select {
		case echoed <- audio:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected create to succeed, got %v", err)
	}

	if err := c.Feed(id, []byte{0x7f, 0x00}); err != nil {
		t.Fatalf("expected feed to succeed, got %v", err)
	}

	select {
	case audio := <-echoed:
		if base64.StdEncoding.EncodeToString(audio) != base64.StdEncoding.EncodeToString([]byte{0x7f, 0x00}) {
			t.Fatalf("unexpected audio: %v", audio)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for backend audio")
	}

	if err := c.Close(id); err != nil {
		t.Fatalf("expected close to succeed, got %v", err)
	}
	if err := c.Close(id); err != nil {
		t.Fatalf("expected double close to be a no-op, got %v", err)
	}
	if err := c.Feed(id, []byte{1}); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after close, got %v", err)
	}
}

func TestRealtimeClient_CreateFailsFast(t *testing.T) {
	if _, err := NewRealtimeClient(RealtimeConfig{}, nil); err == nil {
		t.Fatalf("expected missing url error")
	}

	c, _ := NewRealtimeClient(RealtimeConfig{URL: "ws://127.0.0.1:1", DialTimeout: 200 * time.Millisecond}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := c.Create(ctx, "CA1", "ST1", nil); err == nil {
		t.Fatalf("expected dial failure")
	}
}

func TestRealtimeClient_PauseSuppressesFeed(t *testing.T) {
	srv := fakeBackend(t)
	defer srv.Close()

	c, _ := NewRealtimeClient(RealtimeConfig{URL: wsURL(srv)}, nil)

	echoed := make(chan []byte, 4)
	id, err := c.Create(context.Background(), "CA1", "ST1", func(audio []byte) error {
		echoed <- audio
		return nil
	})
	if err != nil {
		t.Fatalf("expected create to succeed, got %v", err)
	}
	defer c.Close(id)

	if err := c.Pause(id); err != nil {
		t.Fatalf("expected pause to succeed, got %v", err)
	}
	if err := c.Feed(id, []byte{1}); err != nil {
		t.Fatalf("paused feed must not error, got %v", err)
	}
	select {
	case <-echoed:
		t.Fatalf("expected no echo while paused")
	case <-time.After(200 * time.Millisecond):
	}

	if err := c.Resume(id); err != nil {
		t.Fatalf("expected resume to succeed, got %v", err)
	}
	if err := c.Feed(id, []byte{2}); err != nil {
		t.Fatalf("expected feed to succeed, got %v", err)
	}
	select {
	case <-echoed:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for echo after resume")
	}
}
