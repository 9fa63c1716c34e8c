package registry

import "time"

// Call is the in-memory record of a live phone call.
//
// Lifecycle invariant: State is mutated only through Registry.UpdateState;
// callers get value snapshots and never hold a pointer into the registry.
//
// Durable history lives in the call log, not here. A Call disappears from
// the registry the moment it ends.

type Call struct {
	// CallID is the carrier-assigned identifier, stable for the call's lifetime.
	CallID string `json:"call_id"`

	// StreamID is the media-session identifier; empty until streaming starts.
	StreamID string `json:"stream_id,omitempty"`

	From string `json:"from"`
	To   string `json:"to"`

	Direction Direction `json:"direction"`
	State     State     `json:"state"`

	// BridgeID identifies the attached bridge session; empty if none established.
	BridgeID string `json:"bridge_id,omitempty"`

	StartedAt      time.Time  `json:"started_at"`
	HoldStartedAt  *time.Time `json:"hold_started_at,omitempty"`
	LastActivityAt time.Time  `json:"last_activity_at"`
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type State string

const (
	StateConnecting State = "connecting"
	StateRinging    State = "ringing"
	StateBridging   State = "bridging"
	StateActive     State = "active"
	StateOnHold     State = "on-hold"
	StateEnding     State = "ending"
)

// legalTransitions is the full edge set of the call state machine.
// Forward chain plus hold/resume; everything else is rejected.
var legalTransitions = map[State][]State{
	StateConnecting: {StateRinging, StateEnding},
	StateRinging:    {StateBridging, StateEnding},
	StateBridging:   {StateActive, StateEnding},
	StateActive:     {StateOnHold, StateEnding},
	StateOnHold:     {StateActive, StateEnding},
}

func transitionAllowed(from, to State) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
