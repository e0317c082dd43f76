// Package drivers is the hardware boundary. The control and comm services
// only see these interfaces; the rp2040 provider implements them against
// real pins and UARTs, the sim provider against a thermal model.
//
// Everything here is non-blocking by contract: sensor polls return the
// driver's latest state, link reads return immediately, output writes are
// plain pin operations.
package drivers

import "brewos-go/types"

// HeaterChannel selects a solid-state relay output.
type HeaterChannel uint8

const (
	HeaterBrew HeaterChannel = iota
	HeaterSteam

	HeaterCount
)

// Sensors supplies calibrated readings. Temperatures are °C or NaN for a
// detected open/short; digital inputs arrive already debounced at the
// electrical level (the interlock engine applies its own logical debounce
// on top).
type Sensors interface {
	Poll() types.SensorSnapshot
}

// Outputs drives the SSRs and relays. Raw pin level, no duty logic; the
// PWM driver owns timing.
type Outputs interface {
	SetHeater(ch HeaterChannel, on bool)
	SetRelay(r types.RelayBits, on bool)
	// AllOff forces every output to its inactive level. Must be callable
	// before anything else and safe to call repeatedly.
	AllOff()
}

// ByteLink is the peer UART. TryReadByte never blocks; ok=false means no
// byte pending. Write may buffer but must not block the comm loop
// indefinitely.
type ByteLink interface {
	TryReadByte() (b byte, ok bool)
	Write(p []byte) (int, error)
}

// Watchdog is the hardware countdown timer. Once started it cannot be
// stopped; Feed is the only thing keeping the device alive.
type Watchdog interface {
	Start(timeoutMs uint32)
	Feed()
	// CausedReset reports whether the previous boot ended in a watchdog
	// reset. Read once at startup.
	CausedReset() bool
}

// Flash stages a firmware image during update. Begin erases the staging
// area; Commit marks the verified image for the boot loader and is the
// point of no return.
type Flash interface {
	Begin(size uint32) error
	WriteAt(off uint32, data []byte) error
	Commit() error
	Abort()
}

// Resetter restarts the device. Does not return.
type Resetter interface {
	Reset()
}
