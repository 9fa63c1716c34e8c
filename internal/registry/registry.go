package registry

import (
	"errors"
	"sync"
	"time"
)

// Registry is the authoritative in-memory table of live calls.
//
// Rules:
// - At most one Call per CallID at any time.
// - End is the only removal path.
// - All access is serialized by a single mutex; per-call operations never
//   need a multi-call atomic view, so one lock is enough.
//
// Rejected transitions are a no-op and report failure; they are never
// escalated as errors (a bad hold attempt must not kill a live call).
type Registry struct {
	mu    sync.Mutex
	calls map[string]*Call
	clock func() time.Time
}

func New() *Registry {
	return &Registry{
		calls: make(map[string]*Call),
		clock: time.Now,
	}
}

var ErrCallExists = errors.New("call already registered")

// Add registers a new call in state connecting.
// Idempotency is the caller's responsibility; a duplicate CallID fails.
func (r *Registry) Add(callID, from, to string, direction Direction) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.calls[callID]; ok {
		return Call{}, ErrCallExists
	}

	now := r.clock().UTC()
	c := &Call{
		CallID:         callID,
		From:           from,
		To:             to,
		Direction:      direction,
		State:          StateConnecting,
		StartedAt:      now,
		LastActivityAt: now,
	}
	r.calls[callID] = c
	return *c, nil
}

// UpdateState attempts a state transition and reports whether it was legal
// and applied. Unknown call IDs also report false. State is unchanged on
// rejection.
func (r *Registry) UpdateState(callID string, target State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.calls[callID]
	if !ok {
		return false
	}
	if !transitionAllowed(c.State, target) {
		return false
	}

	switch {
	case target == StateOnHold:
		now := r.clock().UTC()
		c.HoldStartedAt = &now
	case c.State == StateOnHold && target == StateActive:
		c.HoldStartedAt = nil
	}
	c.State = target
	return true
}

// Get returns a snapshot of the call, if present.
func (r *Registry) Get(callID string) (Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.calls[callID]
	if !ok {
		return Call{}, false
	}
	return *c, true
}

// SetStreamID records the media-session identifier assigned at stream start.
func (r *Registry) SetStreamID(callID, streamID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.calls[callID]
	if !ok {
		return false
	}
	c.StreamID = streamID
	return true
}

// SetBridgeID records the attached bridge session.
func (r *Registry) SetBridgeID(callID, bridgeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.calls[callID]
	if !ok {
		return false
	}
	c.BridgeID = bridgeID
	return true
}

// End removes the call and returns its last snapshot. Any reachable
// pre-state is acceptable; a call may be ended from active, on-hold or
// mid-setup.
func (r *Registry) End(callID string) (Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.calls[callID]
	if !ok {
		return Call{}, false
	}
	delete(r.calls, callID)
	return *c, true
}

// Duration reports now - StartedAt in whole seconds.
// Non-negative and non-decreasing for a given call.
func (r *Registry) Duration(callID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.calls[callID]
	if !ok {
		return 0, false
	}
	d := int(r.clock().UTC().Sub(c.StartedAt).Seconds())
	if d < 0 {
		d = 0
	}
	return d, true
}

// Touch records last-activity time without changing state.
// Used to detect idle media streams.
func (r *Registry) Touch(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.calls[callID]
	if !ok {
		return false
	}
	c.LastActivityAt = r.clock().UTC()
	return true
}

// Snapshot returns copies of every tracked call, in no particular order.
func (r *Registry) Snapshot() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Call, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, *c)
	}
	return out
}

// InState returns snapshots of calls currently in the given state.
func (r *Registry) InState(s State) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Call
	for _, c := range r.calls {
		if c.State == s {
			out = append(out, *c)
		}
	}
	return out
}
