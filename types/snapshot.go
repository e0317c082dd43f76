package types

// ---- Level probe bitmask ----

type LevelBits uint8

const (
	LevelReservoir  LevelBits = 1 << iota // water reservoir present
	LevelTank                             // brew tank above minimum
	LevelSteamProbe                       // steam boiler probe wet
)

func (l LevelBits) Has(bit LevelBits) bool { return l&bit != 0 }

// ---- Relay bitmask ----

type RelayBits uint8

const (
	RelayPump     RelayBits = 1 << iota
	RelaySolenoid           // 3-way brew valve
	RelayAux
)

// ---- Snapshots ----

// SensorSnapshot is one poll of the calibrated driver inputs. Temperatures
// are °C or NaN when the driver flags an open/short circuit. Digital inputs
// arrive already debounced by the driver.
type SensorSnapshot struct {
	BrewTempC   float32
	SteamTempC  float32
	GroupTempC  float32
	PressureBar float32
	Level       LevelBits
	BrewSwitch  bool
}

// OutputSnapshot is what the control tick last commanded.
type OutputSnapshot struct {
	BrewDuty  uint8 // 0..95
	SteamDuty uint8 // 0..95
	Relays    RelayBits
	PowerW    uint16 // estimated element draw
}
