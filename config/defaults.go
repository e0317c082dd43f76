package config

import "brewos-go/types"

// Compiled-in limits. These bound what any peer command or corrupted
// persisted blob may install.
const (
	MinSetpointC      = 40
	MaxBrewSetpointC  = 105
	MaxSteamSetpointC = 150
	MaxGain           = 100
)

// Defaults returns the factory configuration for a machine class.
// Sequential is the shipping strategy: it keeps peak draw to one element
// on circuits that cannot carry both.
func Defaults(machine types.MachineType) types.RuntimeConfig {
	cfg := types.RuntimeConfig{
		Machine:    machine,
		Setpoints:  types.Setpoints{BrewC: 93.0, SteamC: 140.0},
		BrewGains:  types.PIDGains{Kp: 2.0, Ki: 0.1, Kd: 1.0},
		SteamGains: types.PIDGains{Kp: 2.0, Ki: 0.1, Kd: 1.0},
		Strategy: types.StrategyConfig{
			Strategy:        types.Sequential,
			ThresholdPct:    80,
			MaxCombinedDuty: 150,
			PriorityBrew:    true,
		},
		PreInfusion: types.PreInfusionConfig{
			Enabled: false,
			OnMs:    3000,
			PauseMs: 5000,
		},
		EcoTimeoutMin: 30,
	}
	switch machine {
	case types.SingleBoiler:
		// One element; anything but brew-only is meaningless.
		cfg.Strategy.Strategy = types.BrewOnly
	case types.HeatExchanger:
		// Steam boiler does all the heating.
		cfg.Strategy.Strategy = types.BrewOnly
		cfg.Strategy.PriorityBrew = false
		cfg.Setpoints.SteamC = 120.0
	}
	return cfg
}

// Sanitize clamps a loaded or commanded config into the compiled-in
// limits and fails unknown selectors closed.
func Sanitize(cfg types.RuntimeConfig, machine types.MachineType) types.RuntimeConfig {
	def := Defaults(machine)
	cfg.Machine = machine // storage never overrides the build's hardware class

	if !(cfg.Setpoints.BrewC >= MinSetpointC && cfg.Setpoints.BrewC <= MaxBrewSetpointC) {
		cfg.Setpoints.BrewC = def.Setpoints.BrewC
	}
	if !(cfg.Setpoints.SteamC >= MinSetpointC && cfg.Setpoints.SteamC <= MaxSteamSetpointC) {
		cfg.Setpoints.SteamC = def.Setpoints.SteamC
	}
	cfg.BrewGains = sanitizeGains(cfg.BrewGains, def.BrewGains)
	cfg.SteamGains = sanitizeGains(cfg.SteamGains, def.SteamGains)

	if !cfg.Strategy.Strategy.Valid() {
		cfg.Strategy.Strategy = types.BrewOnly // fail closed
	}
	if cfg.Strategy.ThresholdPct > 100 {
		cfg.Strategy.ThresholdPct = def.Strategy.ThresholdPct
	}
	if cfg.Strategy.MaxCombinedDuty == 0 || cfg.Strategy.MaxCombinedDuty > 200 {
		cfg.Strategy.MaxCombinedDuty = def.Strategy.MaxCombinedDuty
	}
	return cfg
}

func sanitizeGains(g, def types.PIDGains) types.PIDGains {
	bad := func(v float32) bool { return v != v || v < 0 || v > MaxGain }
	if bad(g.Kp) || bad(g.Ki) || bad(g.Kd) {
		return def
	}
	return g
}
