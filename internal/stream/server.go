package stream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"voicebridge/internal/audit"
	"voicebridge/internal/bridge"
	"voicebridge/internal/calllog"
	"voicebridge/internal/registry"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Server terminates carrier media-stream connections and drives the
// bridge lifecycle. Each connection runs in its own goroutine; the only
// shared state is the call registry and the session table.
//
// Failure posture:
// - malformed frames: logged, connection stays open
// - bridge creation failure: connection closed, no retry; the close
//   handler reconciles registry and call log
// - abrupt disconnect: identical cleanup to a stop event
type Server struct {
	log      *slog.Logger
	registry *registry.Registry
	calls    calllog.Store
	bridge   bridge.Client

	// Audit records lifecycle events best-effort; nil disables it.
	Audit *audit.Service

	// ReleaseSlot frees the per-number concurrency slot acquired at
	// webhook time; nil when no cap is enforced.
	ReleaseSlot func(ctx context.Context, toNumber string)

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session

	clock func() time.Time
}

var ErrNoBridgeClient = errors.New("stream: bridge client not configured")

func NewServer(log *slog.Logger, reg *registry.Registry, calls calllog.Store, bc bridge.Client) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log,
		registry: reg,
		calls:    calls,
		bridge:   bc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			// The carrier connects server-to-server; origin checks do not apply.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]*session),
		clock:    time.Now,
	}
}

// Handle controls a running listener.
type Handle struct {
	srv  *http.Server
	addr string
}

// Addr is the bound address, useful when listening on port 0.
func (h *Handle) Addr() string { return h.addr }

func (h *Handle) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return h.srv.Shutdown(ctx)
}

// Listen binds the media-stream endpoint and the liveness probe.
// It fails before binding when no bridge client is configured: accepting
// carrier audio we cannot bridge would strand every call.
func (s *Server) Listen(host string, port int) (*Handle, error) {
	if s.bridge == nil {
		return nil, ErrNoBridgeClient
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/media-stream", s.HandleMediaStream)

	srv := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("media-stream server failed", "err", err)
		}
	}()

	s.log.Info("media-stream server listening", "addr", ln.Addr().String())
	return &Handle{srv: srv, addr: ln.Addr().String()}, nil
}

// HandleMediaStream upgrades the connection and runs the event loop.
// Mountable on any gin engine; Listen uses it for its own.
func (s *Server) HandleMediaStream(c *gin.Context) {
	if s.bridge == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "bridge client not configured"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("media-stream upgrade failed", "err", err)
		return
	}

	sess := &session{id: uuid.NewString(), conn: conn}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	s.log.Debug("carrier connection opened", "session_id", sess.id)

	// Cleanup is tied to the connection's lifetime: it runs on stop, on
	// abrupt close, and on setup failure alike.
	defer s.cleanup(sess)

	s.readLoop(sess)
}

func (s *Server) readLoop(sess *session) {
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			s.log.Debug("carrier connection closed", "session_id", sess.id, "err", err)
			return
		}

		var msg carrierMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			// One bad frame does not kill the session.
			s.log.Warn("malformed carrier frame", "session_id", sess.id, "err", err)
			continue
		}

		switch msg.Event {
		case eventConnected:
			s.log.Debug("carrier stream connected", "session_id", sess.id)
		case eventStart:
			s.onStart(sess, msg)
		case eventMedia:
			if !s.onMedia(sess, msg) {
				return
			}
		case eventStop:
			s.cleanup(sess)
			return
		default:
			s.log.Warn("unknown carrier event", "session_id", sess.id, "event", msg.Event)
		}
	}
}

func (s *Server) onStart(sess *session, msg carrierMessage) {
	if msg.Start == nil || msg.Start.CallSID == "" || msg.Start.StreamSID == "" {
		s.log.Warn("start frame missing call or stream id", "session_id", sess.id)
		return
	}
	callID := msg.Start.CallSID
	streamID := msg.Start.StreamSID

	if !sess.begin(callID, streamID) {
		s.log.Warn("duplicate start frame ignored", "session_id", sess.id, "call_id", callID)
		return
	}

	// Calls normally arrive via the inbound webhook and are already in
	// connecting/ringing. A stream with no prior webhook (outbound legs,
	// direct stream tests) is registered here.
	if _, ok := s.registry.Get(callID); !ok {
		from := msg.Start.CustomParameters["from"]
		to := msg.Start.CustomParameters["to"]
		if _, err := s.registry.Add(callID, from, to, registry.DirectionInbound); err != nil {
			s.log.Warn("call registration raced", "call_id", callID, "err", err)
		}
	}

	s.registry.SetStreamID(callID, streamID)
	s.registry.UpdateState(callID, registry.StateRinging)
	s.registry.UpdateState(callID, registry.StateBridging)

	s.log.Info("media stream started", "session_id", sess.id, "call_id", callID, "stream_id", streamID)

	// Bridge creation is the one suspending operation; run it off the
	// read loop so media/stop and other connections stay serviced.
	go s.createBridge(sess, callID, streamID)
}

func (s *Server) createBridge(sess *session, callID, streamID string) {
	write := func(audio []byte) error {
		return sess.writeMedia(streamID, audio)
	}

	bridgeID, err := s.bridge.Create(context.Background(), callID, streamID, write)
	if err != nil {
		// Call setup is not idempotent enough to retry mid-handshake.
		// Drop the connection; the close handler reconciles state.
		s.log.Error("bridge creation failed, closing carrier connection", "call_id", callID, "err", err)
		s.recordAudit(callID, audit.EventTypeCallFailed, err.Error())
		_ = sess.conn.Close()
		return
	}

	if !sess.attachBridge(bridgeID) {
		// The carrier hung up while the bridge was being created.
		s.log.Info("bridge resolved after close, discarding", "call_id", callID, "bridge_id", bridgeID)
		_ = s.bridge.Close(bridgeID)
		return
	}

	s.registry.SetBridgeID(callID, bridgeID)
	s.registry.UpdateState(callID, registry.StateActive)

	now := s.clock().UTC()
	if entry, ok, err := s.calls.GetByCallSID(context.Background(), callID); err != nil {
		s.log.Warn("call log lookup failed", "call_id", callID, "err", err)
	} else if ok {
		status := calllog.StatusInProgress
		if err := s.calls.Update(context.Background(), entry.ID, calllog.Update{
			Status:    &status,
			StartedAt: &now,
		}); err != nil {
			s.log.Warn("call log update failed", "call_id", callID, "err", err)
		}
	}

	s.recordAudit(callID, audit.EventTypeCallAnswered, "bridge "+bridgeID)
	s.log.Info("call active", "call_id", callID, "bridge_id", bridgeID)
}

// onMedia forwards one audio frame. Returns false when the connection
// should be torn down (the bridge vanished underneath us).
func (s *Server) onMedia(sess *session, msg carrierMessage) bool {
	callID, _, bridgeID := sess.snapshot()
	if bridgeID == "" {
		// Frames racing bridge creation are dropped, never queued.
		return true
	}
	if msg.Media == nil {
		s.log.Warn("media frame without payload", "session_id", sess.id)
		return true
	}

	audio, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
	if err != nil {
		s.log.Warn("media payload not base64", "session_id", sess.id, "err", err)
		return true
	}

	s.registry.Touch(callID)

	if err := s.bridge.Feed(bridgeID, audio); err != nil {
		if errors.Is(err, bridge.ErrNotFound) {
			// The call was ended out-of-band (operator hangup); the
			// carrier leg has nothing left to talk to.
			s.log.Info("bridge gone, closing carrier connection", "call_id", callID)
			s.cleanup(sess)
			return false
		}
		s.log.Warn("bridge feed failed", "call_id", callID, "err", err)
	}
	return true
}

// cleanup releases everything a connection owns: bridge session, registry
// entry, call log closure, concurrency slot. Safe to call multiple times
// and from any exit path.
func (s *Server) cleanup(sess *session) {
	callID, bridgeID, first := sess.finish()
	if !first {
		return
	}

	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()

	_ = sess.conn.Close()

	if bridgeID != "" {
		_ = s.bridge.Close(bridgeID)
	}

	if callID == "" {
		// Connection never got a start event; nothing to reconcile.
		return
	}

	s.registry.UpdateState(callID, registry.StateEnding)
	call, ok := s.registry.End(callID)
	if !ok {
		return
	}

	ctx := context.Background()
	now := s.clock().UTC()

	if entry, found, err := s.calls.GetByCallSID(ctx, callID); err != nil {
		s.log.Warn("call log lookup failed", "call_id", callID, "err", err)
	} else if found {
		status := calllog.StatusCompleted
		dur := int(now.Sub(call.StartedAt).Seconds())
		if dur < 0 {
			dur = 0
		}
		if err := s.calls.Update(ctx, entry.ID, calllog.Update{
			Status:          &status,
			EndedAt:         &now,
			DurationSeconds: &dur,
		}); err != nil {
			s.log.Warn("call log update failed", "call_id", callID, "err", err)
		}
	}

	if s.ReleaseSlot != nil && call.To != "" {
		s.ReleaseSlot(ctx, call.To)
	}

	s.recordAudit(callID, audit.EventTypeCallEnded, "")
	s.log.Info("call ended", "call_id", callID, "session_id", sess.id)
}

// SessionCount reports live carrier connections; used by the admin API.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) recordAudit(callID string, typ audit.EventType, detail string) {
	if s.Audit == nil {
		return
	}
	// Best-effort; audit failures never affect call handling.
	_ = s.Audit.Record(context.Background(), audit.Event{
		CallID: callID,
		Type:   typ,
		Detail: detail,
	})
}
