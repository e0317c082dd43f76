package control

import (
	"brewos-go/errcode"
	"brewos-go/types"
)

// Safety limits. Compiled in; no peer command can loosen them.
const (
	MaxDutyPct = 95 // never 100: the loop must always be able to command off

	brewMaxTempC    = 130.0
	steamMaxTempC   = 165.0
	ntcOpenC        = 150.0 // reading above this = open circuit
	ntcShortC       = -20.0 // reading below this = short circuit
	tempHysteresisC = 10.0  // re-arm the over-temp check this far below max

	heaterStuckMs        = 60_000 // SSR on this long with no temp movement
	heaterStuckMinDeltaC = 1.0

	waterDebounceSamples  = 5
	tempDebounceSamples   = 3
	sensorDebounceSamples = 5
)

// debounce requires limit consecutive failing samples before it trips.
// Any passing sample resets it.
type debounce struct {
	n, limit uint8
}

func (d *debounce) sample(failing bool) bool {
	if !failing {
		d.n = 0
		return false
	}
	if d.n < d.limit {
		d.n++
	}
	return d.n >= d.limit
}

// Inputs is the per-tick view the interlock engine evaluates.
type Inputs struct {
	Sensors types.SensorSnapshot
	Outputs types.OutputSnapshot // what was commanded last tick
	NowMs   int64
}

// Verdict is the engine's decision for this tick. Kill* clear the owning
// output immediately; Critical forces the state machine toward
// SafeMode/Fault (ToFault selects which).
type Verdict struct {
	Flags     types.ErrorFlags // full latched set after this evaluation
	Critical  bool
	ToFault   bool
	KillBrew  bool
	KillSteam bool
	KillPump  bool
}

// Interlocks evaluates every safety check in fixed priority order, once
// per control tick, in bounded time. Fault flags latch: the condition
// clearing never clears its flag, only Reset does.
type Interlocks struct {
	hasSteamNTC bool

	reservoirDeb  debounce
	tankDeb       debounce
	steamLevelDeb debounce
	brewOverDeb   debounce
	steamOverDeb  debounce
	brewNTCDeb    debounce
	steamNTCDeb   debounce

	// Hysteresis arming for the over-temp checks. Disarming stops the
	// check re-firing while hot; it never touches the latched flag.
	brewOverArmed  bool
	steamOverArmed bool

	// SSR-on-without-temperature-change tracking.
	brewOnSince  int64
	brewRefC     float32
	steamOnSince int64
	steamRefC    float32

	latched types.ErrorFlags
}

func NewInterlocks(machine types.MachineType) *Interlocks {
	il := &Interlocks{
		hasSteamNTC:    machine != types.SingleBoiler,
		brewOverArmed:  true,
		steamOverArmed: true,
	}
	il.reservoirDeb.limit = waterDebounceSamples
	il.tankDeb.limit = waterDebounceSamples
	il.steamLevelDeb.limit = waterDebounceSamples
	il.brewOverDeb.limit = tempDebounceSamples
	il.steamOverDeb.limit = tempDebounceSamples
	il.brewNTCDeb.limit = sensorDebounceSamples
	il.steamNTCDeb.limit = sensorDebounceSamples
	return il
}

// Latch sets a flag from outside the evaluation order (watchdog reset at
// boot, for example).
func (il *Interlocks) Latch(f types.ErrorFlags) { il.latched.Set(f) }

// Evaluate runs all checks. Constant time, no suspension, no I/O.
func (il *Interlocks) Evaluate(in Inputs) Verdict {
	s := in.Sensors

	// Water path first: a dry boiler is the fastest way to destroy one.
	if il.reservoirDeb.sample(!s.Level.Has(types.LevelReservoir)) {
		il.latched.Set(types.FlagLevelFault)
	}
	if il.tankDeb.sample(!s.Level.Has(types.LevelTank)) {
		il.latched.Set(types.FlagLevelFault)
	}
	steamDry := il.steamLevelDeb.sample(!s.Level.Has(types.LevelSteamProbe))
	if steamDry {
		il.latched.Set(types.FlagLevelFault)
	}

	// Over-temperature, per boiler, with re-arm hysteresis.
	if il.brewOverArmed {
		if il.brewOverDeb.sample(validTemp(s.BrewTempC) && s.BrewTempC > brewMaxTempC) {
			il.latched.Set(types.FlagOverTemp)
			il.brewOverArmed = false
		}
	} else if validTemp(s.BrewTempC) && s.BrewTempC < brewMaxTempC-tempHysteresisC {
		il.brewOverArmed = true
		il.brewOverDeb.n = 0
	}
	if il.hasSteamNTC {
		if il.steamOverArmed {
			if il.steamOverDeb.sample(validTemp(s.SteamTempC) && s.SteamTempC > steamMaxTempC) {
				il.latched.Set(types.FlagOverTemp)
				il.steamOverArmed = false
			}
		} else if validTemp(s.SteamTempC) && s.SteamTempC < steamMaxTempC-tempHysteresisC {
			il.steamOverArmed = true
			il.steamOverDeb.n = 0
		}
	}

	// Sensor plausibility.
	if il.brewNTCDeb.sample(ntcFault(s.BrewTempC)) {
		if s.BrewTempC < ntcShortC { // NaN compares false, lands on open
			il.latched.Set(types.FlagSensorShortBrew)
		} else {
			il.latched.Set(types.FlagSensorOpenBrew)
		}
	}
	if il.hasSteamNTC && il.steamNTCDeb.sample(ntcFault(s.SteamTempC)) {
		if s.SteamTempC < ntcShortC {
			il.latched.Set(types.FlagSensorShortSteam)
		} else {
			il.latched.Set(types.FlagSensorOpenSteam)
		}
	}

	// SSR on with no temperature movement: welded relay or dry element.
	il.checkStuck(in.NowMs, in.Outputs.BrewDuty, s.BrewTempC, &il.brewOnSince, &il.brewRefC)
	if il.hasSteamNTC {
		il.checkStuck(in.NowMs, in.Outputs.SteamDuty, s.SteamTempC, &il.steamOnSince, &il.steamRefC)
	}

	return il.verdict(steamDry)
}

func (il *Interlocks) checkStuck(nowMs int64, duty uint8, tempC float32, since *int64, refC *float32) {
	if duty == 0 || !validTemp(tempC) {
		*since = 0
		return
	}
	if *since == 0 {
		*since = nowMs
		*refC = tempC
		return
	}
	delta := tempC - *refC
	if delta < 0 {
		delta = -delta
	}
	if delta >= heaterStuckMinDeltaC {
		*since = nowMs
		*refC = tempC
		return
	}
	if nowMs-*since >= heaterStuckMs {
		il.latched.Set(types.FlagHeaterStuck)
	}
}

func (il *Interlocks) verdict(steamDry bool) Verdict {
	v := Verdict{Flags: il.latched}
	if !il.latched.AnyLatched() {
		return v
	}
	v.Critical = true
	// Over-temp, stuck heater, watchdog history and a failed self test
	// mean the hardware itself is suspect: Fault. Everything else
	// degrades to SafeMode.
	v.ToFault = il.latched.Has(types.FlagOverTemp) ||
		il.latched.Has(types.FlagHeaterStuck) ||
		il.latched.Has(types.FlagWatchdogReset) ||
		il.latched.Has(types.FlagSelfTest)

	v.KillBrew = il.latched.Has(types.FlagSensorOpenBrew) ||
		il.latched.Has(types.FlagSensorShortBrew) ||
		il.latched.Has(types.FlagOverTemp) ||
		il.latched.Has(types.FlagHeaterStuck) ||
		il.latched.Has(types.FlagSelfTest)
	v.KillSteam = il.latched.Has(types.FlagSensorOpenSteam) ||
		il.latched.Has(types.FlagSensorShortSteam) ||
		il.latched.Has(types.FlagOverTemp) ||
		il.latched.Has(types.FlagHeaterStuck) ||
		il.latched.Has(types.FlagSelfTest) || steamDry
	v.KillPump = il.latched.Has(types.FlagLevelFault)
	return v
}

// Reset clears latched faults, but only if every underlying condition has
// actually gone away. Called solely from the external reset command.
func (il *Interlocks) Reset(in Inputs) error {
	s := in.Sensors
	still := !s.Level.Has(types.LevelReservoir) ||
		!s.Level.Has(types.LevelTank) ||
		!s.Level.Has(types.LevelSteamProbe) ||
		ntcFault(s.BrewTempC) ||
		(validTemp(s.BrewTempC) && s.BrewTempC > brewMaxTempC)
	if il.hasSteamNTC {
		still = still || ntcFault(s.SteamTempC) ||
			(validTemp(s.SteamTempC) && s.SteamTempC > steamMaxTempC)
	}
	if still {
		return &errcode.E{C: errcode.Rejected, Op: "safety.reset", Msg: "condition still present"}
	}
	il.latched = 0
	il.brewOverArmed = true
	il.steamOverArmed = true
	il.brewOnSince = 0
	il.steamOnSince = 0
	il.reservoirDeb.n = 0
	il.tankDeb.n = 0
	il.steamLevelDeb.n = 0
	il.brewOverDeb.n = 0
	il.steamOverDeb.n = 0
	il.brewNTCDeb.n = 0
	il.steamNTCDeb.n = 0
	return nil
}

func validTemp(t float32) bool { return t == t } // false for NaN

func ntcFault(t float32) bool {
	return t != t || t > ntcOpenC || t < ntcShortC
}
