package stream

import (
	"encoding/base64"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
)

// session is the per-connection state, scoped strictly to the transport
// connection's lifetime. A connection with no start event yet has an
// empty session (callID/streamID unset).
type session struct {
	id   string
	conn *websocket.Conn

	// writeMu serializes writes; the bridge read loop and the server's
	// own frames share the socket.
	writeMu sync.Mutex

	mu       sync.Mutex
	callID   string
	streamID string
	bridgeID string
	closed   bool
}

// begin records the start event. Reports false if the session already
// started or is closed.
func (s *session) begin(callID, streamID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.callID != "" {
		return false
	}
	s.callID = callID
	s.streamID = streamID
	return true
}

// attachBridge stores the bridge ID unless the session closed while the
// bridge was being created. Reports whether the bridge was accepted;
// a false return means the caller must close the just-created bridge.
func (s *session) attachBridge(bridgeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.bridgeID = bridgeID
	return true
}

// finish marks the session closed exactly once and returns the state
// needed for cleanup. The second and later calls report false.
func (s *session) finish() (callID, bridgeID string, first bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", "", false
	}
	s.closed = true
	return s.callID, s.bridgeID, true
}

func (s *session) snapshot() (callID, streamID, bridgeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID, s.streamID, s.bridgeID
}

// writeMedia sends backend audio to the carrier as a media frame.
func (s *session) writeMedia(streamID string, audio []byte) error {
	frame, err := json.Marshal(carrierMessage{
		Event:     eventMedia,
		StreamSID: streamID,
		Media:     &mediaPayload{Payload: base64.StdEncoding.EncodeToString(audio)},
	})
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}
