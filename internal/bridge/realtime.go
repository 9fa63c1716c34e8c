package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// RealtimeConfig controls the connection to the AI voice backend.
type RealtimeConfig struct {
	// URL is the backend realtime WebSocket endpoint (wss://...).
	URL string

	// APIKey is sent as a bearer token on the handshake.
	APIKey string

	DialTimeout time.Duration
}

func (c RealtimeConfig) withDefaults() RealtimeConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 10 * time.Second
	}
	return out
}

// RealtimeClient relays call audio to the AI voice backend over one
// WebSocket per call. Inbound backend audio is handed to the session's
// OutboundWrite callback in arrival order.
type RealtimeClient struct {
	cfg RealtimeConfig
	log *slog.Logger

	mu       sync.Mutex
	sessions map[string]*realtimeSession
}

type realtimeSession struct {
	id       string
	callID   string
	streamID string

	conn    *websocket.Conn
	writeMu sync.Mutex

	paused atomic.Bool
	closed atomic.Bool
}

// backendMessage is the JSON frame exchanged with the voice backend.
type backendMessage struct {
	Type     string `json:"type"`
	CallID   string `json:"call_id,omitempty"`
	StreamID string `json:"stream_id,omitempty"`
	Audio    string `json:"audio,omitempty"`
	Message  string `json:"message,omitempty"`
}

func NewRealtimeClient(cfg RealtimeConfig, log *slog.Logger) (*RealtimeClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("bridge: backend url is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &RealtimeClient{
		cfg:      cfg.withDefaults(),
		log:      log,
		sessions: make(map[string]*realtimeSession),
	}, nil
}

// Create dials the backend and announces the call. This is the only
// suspending operation; callers bound it with ctx.
func (c *RealtimeClient) Create(ctx context.Context, callID, streamID string, write OutboundWrite) (string, error) {
	if callID == "" || streamID == "" {
		return "", fmt.Errorf("%w: call and stream ids are required", ErrCreateFailed)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return "", fmt.Errorf("%w: backend handshake status %d: %v", ErrCreateFailed, resp.StatusCode, err)
		}
		return "", fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}

	s := &realtimeSession{
		id:       uuid.NewString(),
		callID:   callID,
		streamID: streamID,
		conn:     conn,
	}

	if err := s.send(backendMessage{Type: "session.start", CallID: callID, StreamID: streamID}); err != nil {
		_ = conn.Close()
		return "", fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}

	c.mu.Lock()
	c.sessions[s.id] = s
	c.mu.Unlock()

	go c.readLoop(s, write)

	c.log.Info("bridge session created", "bridge_id", s.id, "call_id", callID, "stream_id", streamID)
	return s.id, nil
}

// readLoop pumps backend audio into the carrier write callback until the
// socket dies or the session is closed.
func (c *RealtimeClient) readLoop(s *realtimeSession, write OutboundWrite) {
	defer c.drop(s)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() {
				c.log.Warn("bridge backend read failed", "bridge_id", s.id, "err", err)
			}
			return
		}

		var msg backendMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("bridge backend sent malformed frame", "bridge_id", s.id, "err", err)
			continue
		}

		switch msg.Type {
		case "audio":
			audio, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				c.log.Warn("bridge backend audio not base64", "bridge_id", s.id, "err", err)
				continue
			}
			if write == nil {
				continue
			}
			if err := write(audio); err != nil {
				c.log.Warn("carrier write failed, dropping bridge", "bridge_id", s.id, "err", err)
				return
			}
		case "error":
			c.log.Warn("bridge backend error", "bridge_id", s.id, "message", msg.Message)
		default:
			// Backend housekeeping frames are ignored.
		}
	}
}

func (c *RealtimeClient) Feed(bridgeID string, audio []byte) error {
	s, ok := c.get(bridgeID)
	if !ok {
		return ErrNotFound
	}
	if s.paused.Load() {
		return nil
	}
	return s.send(backendMessage{Type: "audio", Audio: base64.StdEncoding.EncodeToString(audio)})
}

// Pause suspends relay of carrier audio to the backend. The backend
// session stays alive, so resume needs no renegotiation.
func (c *RealtimeClient) Pause(bridgeID string) error {
	s, ok := c.get(bridgeID)
	if !ok {
		return ErrNotFound
	}
	s.paused.Store(true)
	return nil
}

func (c *RealtimeClient) Resume(bridgeID string) error {
	s, ok := c.get(bridgeID)
	if !ok {
		return ErrNotFound
	}
	s.paused.Store(false)
	return nil
}

// Close tears the backend socket down. Unknown or already-closed bridges
// are a no-op.
func (c *RealtimeClient) Close(bridgeID string) error {
	s, ok := c.get(bridgeID)
	if !ok {
		return nil
	}
	c.drop(s)
	return nil
}

func (c *RealtimeClient) get(bridgeID string) (*realtimeSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[bridgeID]
	return s, ok
}

func (c *RealtimeClient) drop(s *realtimeSession) {
	if s.closed.Swap(true) {
		return
	}

	c.mu.Lock()
	delete(c.sessions, s.id)
	c.mu.Unlock()

	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	_ = s.conn.Close()

	c.log.Info("bridge session closed", "bridge_id", s.id, "call_id", s.callID)
}

func (s *realtimeSession) send(msg backendMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(msg)
}
