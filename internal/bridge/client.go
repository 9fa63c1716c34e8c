package bridge

import (
	"context"
	"errors"
)

// OutboundWrite delivers AI-backend audio back to the carrier leg.
// Implementations write onto the carrier media-stream connection that
// owns the call; they must be safe to call from the bridge's read loop.
type OutboundWrite func(audio []byte) error

// Client pairs carrier audio with an AI voice backend, one session per
// call. The backend wire protocol is an implementation detail; this core
// only depends on create/feed/pause/resume/close.
//
// Rules:
// - Create is the only operation that may block on the network.
// - Close must be idempotent: closing an unknown or already-closed bridge
//   is a no-op; teardown races connection close.
// - Feed preserves frame order for a given bridge.
type Client interface {
	Create(ctx context.Context, callID, streamID string, write OutboundWrite) (string, error)
	Feed(bridgeID string, audio []byte) error
	Pause(bridgeID string) error
	Resume(bridgeID string) error
	Close(bridgeID string) error
}

var (
	ErrNotFound     = errors.New("bridge session not found")
	ErrCreateFailed = errors.New("bridge creation failed")
)
