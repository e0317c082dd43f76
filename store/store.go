// Package store holds the shared machine record exchanged between the
// control and communication contexts. One mutex guards the whole record;
// it is the only synchronization primitive the two contexts share.
// Critical sections are plain memory copies, never I/O or computation.
package store

import (
	"sync"

	"brewos-go/types"
)

// State is the full shared record. The control tick is the sole writer of
// Sensors/Outputs/Machine/Flags/Uptime; command handlers are the sole
// writers of the tunables and Requests. Allocated once at boot.
type State struct {
	Sensors types.SensorSnapshot
	Outputs types.OutputSnapshot

	Machine types.MachineState
	Mode    types.MachineMode
	Flags   types.ErrorFlags

	Setpoints     types.Setpoints
	BrewGains     types.PIDGains
	SteamGains    types.PIDGains
	Strategy      types.StrategyConfig
	PreInfusion   types.PreInfusionConfig
	EcoTimeoutMin uint16

	UptimeS uint32
	ShotMs  uint16

	Power      types.PowerReading
	LastPeerMs int64 // last valid frame from the peer, 0 = never

	Requests Requests
}

// Requests are command-side asks the control tick collects once per tick.
// They are edge events, not levels: TakeRequests clears them.
type Requests struct {
	Mode          types.MachineMode
	ModeSet       bool
	BrewStart     bool
	BrewStop      bool
	CleaningStart bool
	CleaningStop  bool
	FaultReset    bool

	// Tunables changed; the owning PID must reset its history.
	GainsChanged    bool
	SetpointChanged bool

	// Any persisted field changed; the config saver debounce restarts.
	ConfigChanged bool
}

type Store struct {
	mu sync.Mutex
	s  State
}

// New seeds the record from the booted configuration.
func New(cfg types.RuntimeConfig) *Store {
	st := &Store{}
	st.s.Machine = types.StateBoot
	st.s.Mode = types.ModeBrew // power-on means "make coffee", not idle
	st.s.Setpoints = cfg.Setpoints
	st.s.BrewGains = cfg.BrewGains
	st.s.SteamGains = cfg.SteamGains
	st.s.Strategy = cfg.Strategy
	st.s.PreInfusion = cfg.PreInfusion
	st.s.EcoTimeoutMin = cfg.EcoTimeoutMin
	return st
}

// Snapshot returns a complete copy of the record under one lock hold.
// Callers serialize or inspect the copy without holding the lock.
func (st *Store) Snapshot() State {
	st.mu.Lock()
	s := st.s
	st.mu.Unlock()
	return s
}

// Apply runs fn with the lock held. fn must be a plain memory mutation;
// anything that can block does not belong inside.
func (st *Store) Apply(fn func(*State)) {
	st.mu.Lock()
	fn(&st.s)
	st.mu.Unlock()
}

// PublishTick is the control context's once-per-tick write of everything
// it owns.
func (st *Store) PublishTick(sensors types.SensorSnapshot, outputs types.OutputSnapshot,
	machine types.MachineState, flags types.ErrorFlags, uptimeS uint32, shotMs uint16) {
	st.mu.Lock()
	st.s.Sensors = sensors
	st.s.Outputs = outputs
	st.s.Machine = machine
	st.s.Flags = flags
	st.s.UptimeS = uptimeS
	st.s.ShotMs = shotMs
	st.mu.Unlock()
}

// TakeRequests hands the pending command requests to the control tick and
// clears them in the same critical section, so a request is consumed by
// exactly one tick.
func (st *Store) TakeRequests() Requests {
	st.mu.Lock()
	r := st.s.Requests
	st.s.Requests = Requests{}
	st.mu.Unlock()
	return r
}

// PeerSeen records frame arrival time for the peer-timeout check.
func (st *Store) PeerSeen(nowMs int64) {
	st.mu.Lock()
	st.s.LastPeerMs = nowMs
	st.mu.Unlock()
}
