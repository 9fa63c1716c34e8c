package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"voicebridge/internal/audit"
	"voicebridge/internal/bridge"
	"voicebridge/internal/calllog"
	"voicebridge/internal/registry"
	"voicebridge/internal/stream"
)

// Manager is the caller-facing surface over the call registry and bridge
// client: hold/resume/end, active-call listing, default-number
// resolution, and stream-server delegation.
//
// All failures are explicit error values with human-readable reasons;
// nothing here panics or escalates.
type Manager struct {
	log      *slog.Logger
	registry *registry.Registry
	calls    calllog.Store
	bridge   bridge.Client
	server   *stream.Server
	audit    *audit.Service

	mu           sync.Mutex
	configNumber string
	localNumber  string
	envNumber    string

	clock func() time.Time
}

// ManagerConfig carries construction-time options.
type ManagerConfig struct {
	// DefaultPhoneNumber, when set, wins over every other tier.
	DefaultPhoneNumber string
}

// envDefaultNumber is read once at construction unless overridden.
const envDefaultNumber = "DEFAULT_PHONE_NUMBER"

func NewManager(log *slog.Logger, reg *registry.Registry, calls calllog.Store, bc bridge.Client, srv *stream.Server, cfg ManagerConfig) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:          log,
		registry:     reg,
		calls:        calls,
		bridge:       bc,
		server:       srv,
		configNumber: cfg.DefaultPhoneNumber,
		envNumber:    os.Getenv(envDefaultNumber),
		clock:        time.Now,
	}
}

// SetAudit wires the call event trail; nil disables it.
func (m *Manager) SetAudit(a *audit.Service) { m.audit = a }

var (
	ErrNoActiveCall  = errors.New("no active call")
	ErrNoHeldCall    = errors.New("no held call")
	ErrCallNotFound  = errors.New("call not found")
	ErrAmbiguousCall = errors.New("multiple calls in progress, specify a call id")
	ErrNotConfigured = errors.New("stream server not configured")
)

// NumberSource names the tier the default number resolved from.
type NumberSource string

const (
	NumberSourceConfig NumberSource = "config"
	NumberSourceLocal  NumberSource = "local"
	NumberSourceEnv    NumberSource = "env"
)

// SetDefaultPhoneNumber sets the runtime override tier. An empty value
// clears it, falling back to the environment tier.
func (m *Manager) SetDefaultPhoneNumber(number string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localNumber = number
}

// DefaultPhoneNumber resolves the outbound caller-ID number.
// Precedence: construction config, runtime override, environment.
func (m *Manager) DefaultPhoneNumber() (string, NumberSource) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.configNumber != "" {
		return m.configNumber, NumberSourceConfig
	}
	if m.localNumber != "" {
		return m.localNumber, NumberSourceLocal
	}
	return m.envNumber, NumberSourceEnv
}

// Status is the manager snapshot reported to operators.
type Status struct {
	PhoneNumber string       `json:"phone_number"`
	Source      NumberSource `json:"source"`
	ActiveCalls int          `json:"active_calls"`
}

func (m *Manager) Status() Status {
	number, source := m.DefaultPhoneNumber()
	return Status{
		PhoneNumber: number,
		Source:      source,
		ActiveCalls: len(m.registry.Snapshot()),
	}
}

// HoldCall puts a call on hold: registry active -> on-hold, and the
// bridge suspends carrier-to-backend relay while keeping the backend
// session alive. Empty callID resolves the sole active call.
func (m *Manager) HoldCall(callID string) error {
	id, err := m.resolve(callID, registry.StateActive, ErrNoActiveCall)
	if err != nil {
		return err
	}

	call, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrCallNotFound, id)
	}

	if !m.registry.UpdateState(id, registry.StateOnHold) {
		return fmt.Errorf("%w: call %s is %s", ErrNoActiveCall, id, call.State)
	}
	if call.BridgeID != "" {
		if err := m.bridge.Pause(call.BridgeID); err != nil {
			m.log.Warn("bridge pause failed", "call_id", id, "err", err)
		}
	}

	m.recordAudit(id, audit.EventTypeCallHeld)
	m.log.Info("call held", "call_id", id)
	return nil
}

// ResumeCall is symmetric to HoldCall.
func (m *Manager) ResumeCall(callID string) error {
	id, err := m.resolve(callID, registry.StateOnHold, ErrNoHeldCall)
	if err != nil {
		return err
	}

	call, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrCallNotFound, id)
	}

	if !m.registry.UpdateState(id, registry.StateActive) {
		return fmt.Errorf("%w: call %s is %s", ErrNoHeldCall, id, call.State)
	}
	if call.BridgeID != "" {
		if err := m.bridge.Resume(call.BridgeID); err != nil {
			m.log.Warn("bridge resume failed", "call_id", id, "err", err)
		}
	}

	m.recordAudit(id, audit.EventTypeCallResumed)
	m.log.Info("call resumed", "call_id", id)
	return nil
}

// EndCall hangs a call up: closes its bridge, removes it from the
// registry, and closes out the call log entry. Empty callID resolves the
// sole tracked call regardless of state.
func (m *Manager) EndCall(callID string) error {
	id := callID
	if id == "" {
		all := m.registry.Snapshot()
		switch len(all) {
		case 0:
			return ErrNoActiveCall
		case 1:
			id = all[0].CallID
		default:
			return ErrAmbiguousCall
		}
	}

	call, ok := m.registry.End(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrCallNotFound, id)
	}

	if call.BridgeID != "" {
		_ = m.bridge.Close(call.BridgeID)
	}

	ctx := context.Background()

	// The stream cleanup skips slot release once the registry entry is
	// gone, so an operator-initiated end releases it here.
	if m.server != nil && m.server.ReleaseSlot != nil && call.To != "" {
		m.server.ReleaseSlot(ctx, call.To)
	}
	now := m.clock().UTC()
	if entry, found, err := m.calls.GetByCallSID(ctx, id); err != nil {
		m.log.Warn("call log lookup failed", "call_id", id, "err", err)
	} else if found {
		status := calllog.StatusCompleted
		dur := int(now.Sub(call.StartedAt).Seconds())
		if dur < 0 {
			dur = 0
		}
		if err := m.calls.Update(ctx, entry.ID, calllog.Update{
			Status:          &status,
			EndedAt:         &now,
			DurationSeconds: &dur,
		}); err != nil {
			m.log.Warn("call log update failed", "call_id", id, "err", err)
		}
	}

	m.recordAudit(id, audit.EventTypeCallEnded)
	m.log.Info("call ended by operator", "call_id", id)
	return nil
}

// resolve maps an optional explicit call id to a concrete one, defaulting
// to the sole call in wantState. With several candidates and no explicit
// id the operation fails rather than guessing.
func (m *Manager) resolve(callID string, wantState registry.State, noneErr error) (string, error) {
	if callID != "" {
		if _, ok := m.registry.Get(callID); !ok {
			return "", fmt.Errorf("%w: %s", ErrCallNotFound, callID)
		}
		return callID, nil
	}

	candidates := m.registry.InState(wantState)
	switch len(candidates) {
	case 0:
		return "", noneErr
	case 1:
		return candidates[0].CallID, nil
	default:
		return "", ErrAmbiguousCall
	}
}

// ActiveCall pairs a registry snapshot with its computed duration.
type ActiveCall struct {
	registry.Call
	DurationSeconds int `json:"duration_seconds"`
}

// ActiveCalls returns every tracked call, any non-removed state.
func (m *Manager) ActiveCalls() []ActiveCall {
	calls := m.registry.Snapshot()
	out := make([]ActiveCall, 0, len(calls))
	for _, c := range calls {
		dur, _ := m.registry.Duration(c.CallID)
		out = append(out, ActiveCall{Call: c, DurationSeconds: dur})
	}
	return out
}

// Listen delegates to the stream server. It errors before binding when
// the server (and with it, the bridge client) is not configured.
func (m *Manager) Listen(host string, port int) (*stream.Handle, error) {
	if m.server == nil {
		return nil, ErrNotConfigured
	}
	return m.server.Listen(host, port)
}

func (m *Manager) recordAudit(callID string, typ audit.EventType) {
	if m.audit == nil {
		return
	}
	_ = m.audit.Record(context.Background(), audit.Event{CallID: callID, Type: typ, Detail: "operator"})
}
