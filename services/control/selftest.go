package control

import (
	"brewos-go/errcode"
	"brewos-go/types"
)

// Startup self test, run while the state machine dwells in SelfTest.
// This is the hardware-independent subset of the power-on checks: a
// march-style pattern walk over a scratch RAM region, a re-validation of
// the persisted configuration envelope, and a plausibility sweep over
// the first sensor snapshot. Any failure latches FlagSelfTest and the
// machine goes to Fault instead of heating.

// SelfCheck is the platform hook for the storage re-check. On hardware
// it re-reads and CRC-validates the config block; nil skips the check.
type SelfCheck func() error

const ramTestWords = 256

// Plausibility window for a finite temperature reading. The NTC rails
// map inside this range; a finite value outside it means the ADC path
// itself is broken, which is a different failure than a bad probe.
const (
	selfTestMinTempC  = -45.0
	selfTestMaxTempC  = 200.0
	selfTestMaxPressB = 25.0
)

type selfTest struct {
	check SelfCheck
	ran   bool
}

func (t *selfTest) run(s types.SensorSnapshot) error {
	if err := ramPattern(); err != nil {
		return err
	}
	if t.check != nil {
		if err := t.check(); err != nil {
			return &errcode.E{C: errcode.Of(err), Op: "selftest.storage", Err: err}
		}
	}
	return sensorPlausible(s)
}

// ramPattern walks an address-dependent pattern up, verifies and inverts
// it down, then verifies the inversion, so both stuck bits and simple
// address-line faults in the region show up.
func ramPattern() error {
	var buf [ramTestWords]uint32
	for i := range buf {
		buf[i] = 0x5555aaaa ^ uint32(i)
	}
	for i := len(buf) - 1; i >= 0; i-- {
		if buf[i] != 0x5555aaaa^uint32(i) {
			return &errcode.E{C: errcode.Error, Op: "selftest.ram", Msg: "pattern mismatch"}
		}
		buf[i] = ^buf[i]
	}
	for i := range buf {
		if buf[i] != ^(0x5555aaaa ^ uint32(i)) {
			return &errcode.E{C: errcode.Error, Op: "selftest.ram", Msg: "inversion mismatch"}
		}
	}
	return nil
}

// sensorPlausible rejects finite readings outside the physical window.
// NaN is a probe fault and belongs to the interlocks, not here.
func sensorPlausible(s types.SensorSnapshot) error {
	for _, t := range [...]float32{s.BrewTempC, s.SteamTempC, s.GroupTempC} {
		if t == t && (t < selfTestMinTempC || t > selfTestMaxTempC) {
			return &errcode.E{C: errcode.Error, Op: "selftest.sensors", Msg: "temperature out of range"}
		}
	}
	p := s.PressureBar
	if p == p && (p < 0 || p > selfTestMaxPressB) {
		return &errcode.E{C: errcode.Error, Op: "selftest.sensors", Msg: "pressure out of range"}
	}
	return nil
}
