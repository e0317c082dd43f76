package types

// ErrorFlags is the latched fault bitmask. Bits are set by the interlock
// engine and survive until an explicit fault reset; they are never cleared
// by the condition merely going away. Bit positions are wire-stable.
type ErrorFlags uint16

const (
	FlagSensorOpenBrew ErrorFlags = 1 << iota
	FlagSensorShortBrew
	FlagSensorOpenSteam
	FlagSensorShortSteam
	FlagOverTemp
	FlagHeaterStuck
	FlagLevelFault
	FlagWatchdogReset
	FlagPeerTimeout // advisory, cleared when the peer returns
	FlagSelfTest
)

// latching is the subset that only an explicit reset may clear.
const latching = FlagSensorOpenBrew | FlagSensorShortBrew |
	FlagSensorOpenSteam | FlagSensorShortSteam |
	FlagOverTemp | FlagHeaterStuck | FlagLevelFault | FlagWatchdogReset |
	FlagSelfTest

func (f ErrorFlags) Has(bit ErrorFlags) bool { return f&bit != 0 }
func (f *ErrorFlags) Set(bit ErrorFlags)     { *f |= bit }
func (f *ErrorFlags) Clear(bit ErrorFlags)   { *f &^= bit }
func (f ErrorFlags) AnyLatched() bool        { return f&latching != 0 }
func (f ErrorFlags) Latched() ErrorFlags     { return f & latching }
func (f ErrorFlags) Any() bool               { return f != 0 }

func (f ErrorFlags) String() string {
	if f == 0 {
		return "none"
	}
	names := []struct {
		bit  ErrorFlags
		name string
	}{
		{FlagSensorOpenBrew, "sensor_open_brew"},
		{FlagSensorShortBrew, "sensor_short_brew"},
		{FlagSensorOpenSteam, "sensor_open_steam"},
		{FlagSensorShortSteam, "sensor_short_steam"},
		{FlagOverTemp, "over_temp"},
		{FlagHeaterStuck, "heater_stuck"},
		{FlagLevelFault, "level_fault"},
		{FlagWatchdogReset, "watchdog_reset"},
		{FlagPeerTimeout, "peer_timeout"},
		{FlagSelfTest, "self_test"},
	}
	out := ""
	for _, n := range names {
		if f.Has(n.bit) {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	return out
}
