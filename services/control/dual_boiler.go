package control

import "brewos-go/types"

// dualBoiler: independent brew and steam boilers, one SSR each. Both PIDs
// run every tick; the configured strategy arbitrates their demands.
type dualBoiler struct {
	brew  *PID
	steam *PID
}

func newDualBoiler(cfg types.RuntimeConfig) *dualBoiler {
	return &dualBoiler{
		brew:  NewPID(cfg.BrewGains, cfg.Setpoints.BrewC),
		steam: NewPID(cfg.SteamGains, cfg.Setpoints.SteamC),
	}
}

func (d *dualBoiler) Machine() types.MachineType { return types.DualBoiler }

func (d *dualBoiler) Compute(s types.SensorSnapshot, mode types.MachineMode,
	strat types.StrategyConfig, dt float32) (float32, float32) {
	brewDemand := d.brew.Compute(s.BrewTempC, dt)
	steamDemand := d.steam.Compute(s.SteamTempC, dt)
	return Allocate(strat, AllocInput{
		BrewDemand:  brewDemand,
		SteamDemand: steamDemand,
		BrewTempC:   s.BrewTempC,
		SteamTempC:  s.SteamTempC,
		BrewSetC:    d.brew.Setpoint(),
		SteamSetC:   d.steam.Setpoint(),
	})
}

func (d *dualBoiler) AtTemperature(s types.SensorSnapshot, mode types.MachineMode) bool {
	if !within(s.BrewTempC, d.brew.Target(), readyBandC) {
		return false
	}
	if mode == types.ModeSteam {
		return within(s.SteamTempC, d.steam.Target(), readyBandC)
	}
	return true
}

func (d *dualBoiler) SetSetpoints(sp types.Setpoints, mode types.MachineMode) {
	d.brew.SetTarget(sp.BrewC)
	d.steam.SetTarget(sp.SteamC)
}

func (d *dualBoiler) SetGains(brew, steam types.PIDGains) {
	d.brew.SetGains(brew)
	d.steam.SetGains(steam)
}

func (d *dualBoiler) ResetPIDs() {
	d.brew.Reset()
	d.steam.Reset()
}

func (d *dualBoiler) ElementWatts() (uint16, uint16) { return 1400, 1200 }
