package control

import "brewos-go/types"

// singleBoiler: one boiler, one SSR on the brew channel. The mode decides
// which setpoint the boiler follows; there is nothing to arbitrate, so the
// strategy config is ignored and the steam channel never fires.
type singleBoiler struct {
	pid *PID
	sp  types.Setpoints
}

func newSingleBoiler(cfg types.RuntimeConfig) *singleBoiler {
	return &singleBoiler{
		pid: NewPID(cfg.BrewGains, cfg.Setpoints.BrewC),
		sp:  cfg.Setpoints,
	}
}

func (sb *singleBoiler) Machine() types.MachineType { return types.SingleBoiler }

func (sb *singleBoiler) active(mode types.MachineMode) float32 {
	if mode == types.ModeSteam {
		return sb.sp.SteamC
	}
	return sb.sp.BrewC
}

func (sb *singleBoiler) Compute(s types.SensorSnapshot, mode types.MachineMode,
	_ types.StrategyConfig, dt float32) (float32, float32) {
	sb.pid.SetTarget(sb.active(mode))
	duty := sb.pid.Compute(s.BrewTempC, dt)
	if duty > MaxDutyPct {
		duty = MaxDutyPct
	}
	return duty, 0
}

func (sb *singleBoiler) AtTemperature(s types.SensorSnapshot, mode types.MachineMode) bool {
	return within(s.BrewTempC, sb.active(mode), readyBandC)
}

func (sb *singleBoiler) SetSetpoints(sp types.Setpoints, mode types.MachineMode) {
	sb.sp = sp
	sb.pid.SetTarget(sb.active(mode))
}

func (sb *singleBoiler) SetGains(brew, _ types.PIDGains) {
	sb.pid.SetGains(brew)
}

func (sb *singleBoiler) ResetPIDs() { sb.pid.Reset() }

func (sb *singleBoiler) ElementWatts() (uint16, uint16) { return 1350, 0 }
