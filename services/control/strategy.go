package control

import (
	"brewos-go/types"
	"brewos-go/x/mathx"
)

// Duty allocation between the two heating elements. Recomputed from
// scratch every tick from the raw PID demands; the PIDs hold the only
// cross-tick state.

// AllocInput is everything an allocator may consult.
type AllocInput struct {
	BrewDemand  float32 // raw PID outputs, 0..100
	SteamDemand float32
	BrewTempC   float32
	SteamTempC  float32
	BrewSetC    float32
	SteamSetC   float32
}

// Allocate arbitrates the two demands under cfg and applies the global
// duty ceiling last. Unknown strategy selectors fail closed to BrewOnly.
func Allocate(cfg types.StrategyConfig, in AllocInput) (brew, steam float32) {
	switch cfg.Strategy {
	case types.BrewOnly:
		brew, steam = in.BrewDemand, 0

	case types.Sequential:
		// Brew leads; steam joins once brew is near its setpoint.
		brew = in.BrewDemand
		if pctOfSetpoint(in.BrewTempC, in.BrewSetC) >= float32(cfg.ThresholdPct) {
			steam = in.SteamDemand
		}

	case types.Parallel:
		brew, steam = in.BrewDemand, in.SteamDemand

	case types.SteamPriority:
		steam = in.SteamDemand
		if pctOfSetpoint(in.SteamTempC, in.SteamSetC) >= float32(cfg.ThresholdPct) {
			brew = in.BrewDemand
		}

	case types.SmartStagger:
		brew, steam = stagger(cfg, in.BrewDemand, in.SteamDemand)

	default:
		brew, steam = in.BrewDemand, 0
	}

	return mathx.Clamp(brew, 0, MaxDutyPct), mathx.Clamp(steam, 0, MaxDutyPct)
}

// stagger keeps brew+steam at or under the combined budget. Under budget
// both demands pass through; over budget the priority element gets its
// full demand (capped at the budget) and the other takes the remainder.
func stagger(cfg types.StrategyConfig, brew, steam float32) (float32, float32) {
	budget := float32(cfg.MaxCombinedDuty)
	if brew+steam <= budget {
		return brew, steam
	}
	if cfg.PriorityBrew {
		if brew > budget {
			brew = budget
		}
		steam = budget - brew
	} else {
		if steam > budget {
			steam = budget
		}
		brew = budget - steam
	}
	return brew, steam
}

func pctOfSetpoint(temp, setpoint float32) float32 {
	if setpoint <= 0 || temp != temp {
		return 0
	}
	return temp / setpoint * 100
}
