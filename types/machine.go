package types

// ---- Machine state (FSM) ----

// MachineState is the top-level operating state. Values are wire-stable:
// they appear verbatim in status frames, so never renumber.
type MachineState uint8

const (
	StateBoot MachineState = iota
	StateSelfTest
	StateHeating
	StateReady
	StateBrewing
	StatePostBrew
	StateSafeMode
	StateFault
	StateStandby
	StateService

	StateCount // sentinel, not a real state
)

func (s MachineState) String() string {
	switch s {
	case StateBoot:
		return "boot"
	case StateSelfTest:
		return "selftest"
	case StateHeating:
		return "heating"
	case StateReady:
		return "ready"
	case StateBrewing:
		return "brewing"
	case StatePostBrew:
		return "postbrew"
	case StateSafeMode:
		return "safemode"
	case StateFault:
		return "fault"
	case StateStandby:
		return "standby"
	case StateService:
		return "service"
	}
	return "unknown"
}

// Valid reports whether s is a real state (not the sentinel).
func (s MachineState) Valid() bool { return s < StateCount }

// ---- Operating mode ----

// MachineMode selects which setpoint the active boiler follows on
// single-boiler machines, and biases allocation elsewhere.
type MachineMode uint8

const (
	ModeIdle MachineMode = iota
	ModeBrew
	ModeSteam

	modeCount
)

func (m MachineMode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeBrew:
		return "brew"
	case ModeSteam:
		return "steam"
	}
	return "unknown"
}

func (m MachineMode) Valid() bool { return m < modeCount }

// ---- Machine hardware class ----

type MachineType uint8

const (
	DualBoiler MachineType = iota
	SingleBoiler
	HeatExchanger

	machineTypeCount
)

func (t MachineType) String() string {
	switch t {
	case DualBoiler:
		return "dual_boiler"
	case SingleBoiler:
		return "single_boiler"
	case HeatExchanger:
		return "heat_exchanger"
	}
	return "unknown"
}

func (t MachineType) Valid() bool { return t < machineTypeCount }

// ---- Heating strategy ----

// HeatingStrategy selects the duty allocator that splits heater demand
// between the brew and steam elements each tick.
type HeatingStrategy uint8

const (
	BrewOnly HeatingStrategy = iota
	Sequential
	Parallel
	SteamPriority
	SmartStagger

	strategyCount
)

func (h HeatingStrategy) String() string {
	switch h {
	case BrewOnly:
		return "brew_only"
	case Sequential:
		return "sequential"
	case Parallel:
		return "parallel"
	case SteamPriority:
		return "steam_priority"
	case SmartStagger:
		return "smart_stagger"
	}
	return "unknown"
}

func (h HeatingStrategy) Valid() bool { return h < strategyCount }
