package types

// ---- Runtime tunables ----

type PIDGains struct {
	Kp float32
	Ki float32
	Kd float32
}

type Setpoints struct {
	BrewC  float32
	SteamC float32
}

// StrategyConfig parameterises the duty allocator.
type StrategyConfig struct {
	Strategy HeatingStrategy
	// ThresholdPct gates Sequential/SteamPriority: the waiting boiler gets
	// power only once the leading boiler reaches this percentage of its
	// setpoint.
	ThresholdPct uint8
	// MaxCombinedDuty is the SmartStagger budget for duty_brew + duty_steam.
	MaxCombinedDuty uint16
	// PriorityBrew selects the boiler SmartStagger satisfies first.
	PriorityBrew bool
}

type PreInfusionConfig struct {
	Enabled bool
	OnMs    uint16 // pump on at line pressure
	PauseMs uint16 // pump off, puck soaks
}

// RuntimeConfig is the persisted tunable set. It round-trips through the
// config storage envelope and through SetConfig/Config protocol frames, so
// keep fields fixed-width friendly.
type RuntimeConfig struct {
	Machine       MachineType
	Setpoints     Setpoints
	BrewGains     PIDGains
	SteamGains    PIDGains
	Strategy      StrategyConfig
	PreInfusion   PreInfusionConfig
	EcoTimeoutMin uint16 // 0 disables auto-standby
}
