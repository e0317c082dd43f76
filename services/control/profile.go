package control

import "brewos-go/types"

// Profile is the machine-class abstraction: one implementation per
// hardware variant, selected at startup from configuration. It owns the
// PID controllers and turns one tick's sensor readings into per-element
// duty demands.
type Profile interface {
	Machine() types.MachineType

	// Compute runs the PIDs and the configured allocator for one tick.
	// Returned duties are 0..MaxDutyPct.
	Compute(s types.SensorSnapshot, mode types.MachineMode,
		strat types.StrategyConfig, dt float32) (brewDuty, steamDuty float32)

	// AtTemperature reports whether the boilers the current mode depends
	// on are inside the ready band.
	AtTemperature(s types.SensorSnapshot, mode types.MachineMode) bool

	SetSetpoints(sp types.Setpoints, mode types.MachineMode)
	SetGains(brew, steam types.PIDGains)

	// ResetPIDs zeroes controller history on mode re-entry.
	ResetPIDs()

	// ElementWatts is the nominal element rating used for the power
	// estimate in telemetry.
	ElementWatts() (brew, steam uint16)
}

// readyBandC is how close to setpoint counts as "at temperature".
const readyBandC = 1.0

func within(temp, setpoint, band float32) bool {
	if temp != temp { // NaN never qualifies
		return false
	}
	d := temp - setpoint
	if d < 0 {
		d = -d
	}
	return d <= band
}

// NewProfile builds the profile for a machine class. Unknown classes get
// the dual-boiler profile; it is the conservative superset.
func NewProfile(cfg types.RuntimeConfig) Profile {
	switch cfg.Machine {
	case types.SingleBoiler:
		return newSingleBoiler(cfg)
	case types.HeatExchanger:
		return newHeatExchanger(cfg)
	default:
		return newDualBoiler(cfg)
	}
}
