package stream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"voicebridge/internal/bridge"
	"voicebridge/internal/calllog"
	"voicebridge/internal/registry"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type serverFixture struct {
	server   *Server
	registry *registry.Registry
	calls    *calllog.MemoryStore
	bridge   *bridge.MemoryClient
	ts       *httptest.Server
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := registry.New()
	calls := calllog.NewMemoryStore()
	bc := bridge.NewMemoryClient()
	srv := NewServer(nil, reg, calls, bc)

	r := gin.New()
	r.GET("/media-stream", srv.HandleMediaStream)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	return &serverFixture{server: srv, registry: reg, calls: calls, bridge: bc, ts: ts}
}

func (f *serverFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/media-stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, msg carrierMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func sendStart(t *testing.T, conn *websocket.Conn, callID, streamID string) {
	t.Helper()
	sendFrame(t, conn, carrierMessage{
		Event:     eventStart,
		StreamSID: streamID,
		Start: &startPayload{
			CallSID:   callID,
			StreamSID: streamID,
			CustomParameters: map[string]string{
				"from": "+15550001111",
				"to":   "+15550002222",
			},
		},
	})
}

func sendMedia(t *testing.T, conn *websocket.Conn, streamID string, audio []byte) {
	t.Helper()
	sendFrame(t, conn, carrierMessage{
		Event:     eventMedia,
		StreamSID: streamID,
		Media:     &mediaPayload{Payload: base64.StdEncoding.EncodeToString(audio)},
	})
}

// waitFor polls cond until it holds or the deadline passes. The server
// handles frames on its own goroutines, so tests observe state
// asynchronously.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestMediaStream_StartActivatesCall(t *testing.T) {
	f := newServerFixture(t)
	if _, err := f.calls.Create(context.Background(), calllog.Entry{CallSID: "CA1"}); err != nil {
		t.Fatalf("seed log: %v", err)
	}

	conn := f.dial(t)
	sendFrame(t, conn, carrierMessage{Event: eventConnected})
	sendStart(t, conn, "CA1", "ST1")

	waitFor(t, "call active", func() bool {
		c, ok := f.registry.Get("CA1")
		return ok && c.State == registry.StateActive
	})

	call, _ := f.registry.Get("CA1")
	if call.StreamID != "ST1" {
		t.Fatalf("expected stream id recorded, got %q", call.StreamID)
	}
	if call.BridgeID == "" {
		t.Fatalf("expected bridge id recorded")
	}
	if !f.bridge.Open(call.BridgeID) {
		t.Fatalf("expected live bridge session")
	}

	entry, found, err := f.calls.GetByCallSID(context.Background(), "CA1")
	if err != nil || !found {
		t.Fatalf("lookup entry: found=%v err=%v", found, err)
	}
	if entry.Status != calllog.StatusInProgress {
		t.Fatalf("expected in-progress, got %s", entry.Status)
	}
}

func TestMediaStream_ForwardsAudioToBridge(t *testing.T) {
	f := newServerFixture(t)

	conn := f.dial(t)
	sendStart(t, conn, "CA2", "ST2")

	waitFor(t, "call active", func() bool {
		c, ok := f.registry.Get("CA2")
		return ok && c.State == registry.StateActive
	})
	call, _ := f.registry.Get("CA2")

	audio := []byte{0x7e, 0x7f, 0x80, 0x81}
	sendMedia(t, conn, "ST2", audio)

	waitFor(t, "frame delivered", func() bool {
		return len(f.bridge.Frames(call.BridgeID)) == 1
	})
	got := f.bridge.Frames(call.BridgeID)[0]
	if string(got) != string(audio) {
		t.Fatalf("frame mangled: %v", got)
	}
}

func TestMediaStream_BackendAudioReachesCarrier(t *testing.T) {
	f := newServerFixture(t)

	conn := f.dial(t)
	sendStart(t, conn, "CA3", "ST3")

	waitFor(t, "call active", func() bool {
		c, ok := f.registry.Get("CA3")
		return ok && c.State == registry.StateActive
	})
	call, _ := f.registry.Get("CA3")

	audio := []byte("backend-voice")
	if err := f.bridge.PushOutbound(call.BridgeID, audio); err != nil {
		t.Fatalf("push outbound: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read outbound frame: %v", err)
	}
	var msg carrierMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode outbound frame: %v", err)
	}
	if msg.Event != eventMedia || msg.StreamSID != "ST3" || msg.Media == nil {
		t.Fatalf("unexpected outbound frame: %s", data)
	}
	decoded, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
	if err != nil || string(decoded) != string(audio) {
		t.Fatalf("outbound payload mangled: %q err=%v", decoded, err)
	}
}

func TestMediaStream_StopCompletesCall(t *testing.T) {
	f := newServerFixture(t)
	if _, err := f.calls.Create(context.Background(), calllog.Entry{CallSID: "CA4"}); err != nil {
		t.Fatalf("seed log: %v", err)
	}

	released := make(chan string, 1)
	f.server.ReleaseSlot = func(ctx context.Context, toNumber string) { released <- toNumber }

	conn := f.dial(t)
	sendStart(t, conn, "CA4", "ST4")

	waitFor(t, "call active", func() bool {
		c, ok := f.registry.Get("CA4")
		return ok && c.State == registry.StateActive
	})
	call, _ := f.registry.Get("CA4")

	sendFrame(t, conn, carrierMessage{Event: eventStop, StreamSID: "ST4"})

	waitFor(t, "call removed", func() bool {
		_, ok := f.registry.Get("CA4")
		return !ok
	})
	waitFor(t, "bridge closed", func() bool {
		return !f.bridge.Open(call.BridgeID)
	})

	entry, found, err := f.calls.GetByCallSID(context.Background(), "CA4")
	if err != nil || !found {
		t.Fatalf("lookup entry: found=%v err=%v", found, err)
	}
	if entry.Status != calllog.StatusCompleted {
		t.Fatalf("expected completed, got %s", entry.Status)
	}
	if entry.EndedAt == nil || entry.DurationSeconds < 0 {
		t.Fatalf("expected closed-out entry, got %+v", entry)
	}

	select {
	case to := <-released:
		if to != "+15550002222" {
			t.Fatalf("released wrong number: %s", to)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("concurrency slot never released")
	}
}

func TestMediaStream_AbruptDisconnectCleansUp(t *testing.T) {
	f := newServerFixture(t)

	conn := f.dial(t)
	sendStart(t, conn, "CA5", "ST5")

	waitFor(t, "call active", func() bool {
		c, ok := f.registry.Get("CA5")
		return ok && c.State == registry.StateActive
	})
	call, _ := f.registry.Get("CA5")

	// No stop event; the socket just dies.
	_ = conn.Close()

	waitFor(t, "call removed", func() bool {
		_, ok := f.registry.Get("CA5")
		return !ok
	})
	waitFor(t, "bridge closed", func() bool {
		return !f.bridge.Open(call.BridgeID)
	})
	waitFor(t, "session table drained", func() bool {
		return f.server.SessionCount() == 0
	})
}

func TestMediaStream_MalformedFrameTolerated(t *testing.T) {
	f := newServerFixture(t)

	conn := f.dial(t)
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	// Session must survive and still accept a start.
	sendStart(t, conn, "CA6", "ST6")
	waitFor(t, "call active after garbage frame", func() bool {
		c, ok := f.registry.Get("CA6")
		return ok && c.State == registry.StateActive
	})
}

func TestMediaStream_BridgeFailureClosesConnection(t *testing.T) {
	f := newServerFixture(t)
	f.bridge.CreateErr = errors.New("backend unreachable")

	conn := f.dial(t)
	sendStart(t, conn, "CA7", "ST7")

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected connection closed after bridge failure")
	}

	waitFor(t, "call removed", func() bool {
		_, ok := f.registry.Get("CA7")
		return !ok
	})
}

func TestMediaStream_FramesBeforeBridgeDropped(t *testing.T) {
	f := newServerFixture(t)

	conn := f.dial(t)
	// Media before any start resolves no bridge; the frame is dropped and
	// the connection stays healthy.
	sendMedia(t, conn, "ST8", []byte{0x00})

	sendStart(t, conn, "CA8", "ST8")
	waitFor(t, "call active", func() bool {
		c, ok := f.registry.Get("CA8")
		return ok && c.State == registry.StateActive
	})
	call, _ := f.registry.Get("CA8")
	if len(f.bridge.Frames(call.BridgeID)) != 0 {
		t.Fatalf("pre-bridge frame must not be queued")
	}
}

func TestListen_RequiresBridgeClient(t *testing.T) {
	srv := NewServer(nil, registry.New(), calllog.NewMemoryStore(), nil)
	if _, err := srv.Listen("127.0.0.1", 0); !errors.Is(err, ErrNoBridgeClient) {
		t.Fatalf("expected ErrNoBridgeClient, got %v", err)
	}
}

func TestListen_ServesHealthz(t *testing.T) {
	srv := NewServer(nil, registry.New(), calllog.NewMemoryStore(), bridge.NewMemoryClient())
	h, err := srv.Listen("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = h.Stop() }()

	resp, err := http.Get("http://" + h.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
