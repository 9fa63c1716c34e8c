package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryClient is an in-process bridge useful for tests and local runs.
// It records fed frames instead of relaying them anywhere.

type MemoryClient struct {
	mu       sync.Mutex
	sessions map[string]*memorySession

	// CreateErr, when set, makes Create fail. Lets tests exercise the
	// setup-failure path.
	CreateErr error
}

type memorySession struct {
	callID   string
	streamID string
	write    OutboundWrite
	frames   [][]byte
	paused   bool
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{sessions: make(map[string]*memorySession)}
}

func (c *MemoryClient) Create(ctx context.Context, callID, streamID string, write OutboundWrite) (string, error) {
	if c.CreateErr != nil {
		return "", c.CreateErr
	}
	if callID == "" || streamID == "" {
		return "", fmt.Errorf("%w: call and stream ids are required", ErrCreateFailed)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	id := uuid.NewString()
	c.sessions[id] = &memorySession{callID: callID, streamID: streamID, write: write}
	return id, nil
}

func (c *MemoryClient) Feed(bridgeID string, audio []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[bridgeID]
	if !ok {
		return ErrNotFound
	}
	if s.paused {
		return nil
	}
	frame := make([]byte, len(audio))
	copy(frame, audio)
	s.frames = append(s.frames, frame)
	return nil
}

func (c *MemoryClient) Pause(bridgeID string) error {
	return c.setPaused(bridgeID, true)
}

func (c *MemoryClient) Resume(bridgeID string) error {
	return c.setPaused(bridgeID, false)
}

func (c *MemoryClient) setPaused(bridgeID string, paused bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[bridgeID]
	if !ok {
		return ErrNotFound
	}
	s.paused = paused
	return nil
}

// Close removes the session. Closing twice is a safe no-op.
func (c *MemoryClient) Close(bridgeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, bridgeID)
	return nil
}

// Frames returns a copy of the audio fed to a bridge so far.
func (c *MemoryClient) Frames(bridgeID string) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[bridgeID]
	if !ok {
		return nil
	}
	out := make([][]byte, len(s.frames))
	copy(out, s.frames)
	return out
}

// Open reports whether the bridge still exists.
func (c *MemoryClient) Open(bridgeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[bridgeID]
	return ok
}

// Paused reports the relay suspension state.
func (c *MemoryClient) Paused(bridgeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[bridgeID]
	return ok && s.paused
}

// PushOutbound simulates backend audio arriving for a bridge.
func (c *MemoryClient) PushOutbound(bridgeID string, audio []byte) error {
	c.mu.Lock()
	s, ok := c.sessions[bridgeID]
	c.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if s.write == nil {
		return nil
	}
	return s.write(audio)
}
