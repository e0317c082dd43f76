package control

import "brewos-go/types"

// heatExchanger: the steam boiler does all the heating and brew water
// picks up temperature through the exchanger coil. One PID on the steam
// boiler, driven on the steam channel; the group temperature is telemetry
// only.
type heatExchanger struct {
	steam *PID
	sp    types.Setpoints
}

func newHeatExchanger(cfg types.RuntimeConfig) *heatExchanger {
	return &heatExchanger{
		steam: NewPID(cfg.SteamGains, cfg.Setpoints.SteamC),
		sp:    cfg.Setpoints,
	}
}

func (h *heatExchanger) Machine() types.MachineType { return types.HeatExchanger }

func (h *heatExchanger) Compute(s types.SensorSnapshot, _ types.MachineMode,
	_ types.StrategyConfig, dt float32) (float32, float32) {
	duty := h.steam.Compute(s.SteamTempC, dt)
	if duty > MaxDutyPct {
		duty = MaxDutyPct
	}
	return 0, duty
}

func (h *heatExchanger) AtTemperature(s types.SensorSnapshot, _ types.MachineMode) bool {
	return within(s.SteamTempC, h.steam.Target(), readyBandC)
}

func (h *heatExchanger) SetSetpoints(sp types.Setpoints, _ types.MachineMode) {
	h.sp = sp
	h.steam.SetTarget(sp.SteamC)
}

func (h *heatExchanger) SetGains(_, steam types.PIDGains) {
	h.steam.SetGains(steam)
}

func (h *heatExchanger) ResetPIDs() { h.steam.Reset() }

func (h *heatExchanger) ElementWatts() (uint16, uint16) { return 0, 1800 }
