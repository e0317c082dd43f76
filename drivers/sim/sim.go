// Package sim is the host-side machine: a small thermal model behind the
// driver interfaces, with scriptable faults. The simulator binary wires it
// where the rp2040 provider sits on hardware, so both control contexts run
// unmodified against it.
package sim

import (
	"math"
	"sync"

	"brewos-go/bus"
	"brewos-go/drivers"
	"brewos-go/types"
)

var (
	_ drivers.Sensors  = (*Machine)(nil)
	_ drivers.Outputs  = (*Machine)(nil)
	_ drivers.Watchdog = (*Machine)(nil)
	_ drivers.Flash    = (*Machine)(nil)
	_ drivers.Resetter = (*Machine)(nil)
)

// Topics the model publishes on. Scenario runners subscribe to observe
// the machine from outside the firmware.
var (
	TopicHeater   = bus.Topic{bus.S("sim"), bus.S("heater")}
	TopicRelay    = bus.Topic{bus.S("sim"), bus.S("relay")}
	TopicWatchdog = bus.Topic{bus.S("sim"), bus.S("watchdog")}
	TopicReset    = bus.Topic{bus.S("sim"), bus.S("reset")}
	TopicFault    = bus.Topic{bus.S("sim"), bus.S("fault")}
)

// Config sets the physical constants. The defaults approximate a dual
// boiler prosumer machine on a cold counter.
type Config struct {
	Machine  types.MachineType
	AmbientC float32

	BrewWatts  float32
	SteamWatts float32

	// Heat capacity, J/°C.
	BrewMassJ  float32
	SteamMassJ float32

	// Passive loss, W/°C above ambient.
	BrewLossW  float32
	SteamLossW float32

	// Extra brew-boiler load while the pump pulls cold water through, W.
	PumpLoadW float32

	CausedReset bool
}

func DefaultConfig() Config {
	return Config{
		Machine:    types.DualBoiler,
		AmbientC:   22,
		BrewWatts:  1400,
		SteamWatts: 1200,
		BrewMassJ:  900,
		SteamMassJ: 1600,
		BrewLossW:  1.1,
		SteamLossW: 1.6,
		PumpLoadW:  700,
	}
}

// Faults are the scriptable failure injections. All of them act at the
// sensor or element level, exactly where the real failure would.
type Faults struct {
	BrewNTCOpen   bool
	BrewNTCShort  bool
	SteamNTCOpen  bool
	SteamNTCShort bool

	ReservoirEmpty bool
	TankLow        bool
	SteamProbeDry  bool

	// BrewSSRStuck keeps the brew element energized whatever the pin says.
	BrewSSRStuck bool
}

// Machine is the simulated hardware. It implements every driver interface
// the firmware needs; Step advances the physics. The mutex exists because
// the firmware contexts and the scenario script call in from different
// goroutines.
type Machine struct {
	mu   sync.Mutex
	cfg  Config
	conn *bus.Connection

	brewC  float32
	steamC float32
	groupC float32
	bar    float32

	heaterOn [drivers.HeaterCount]bool
	relays   types.RelayBits
	switchOn bool
	faults   Faults

	wdStarted   bool
	wdTimeoutMs uint32
	wdRemainMs  int64
	wdExpired   bool

	flash flashImage

	resets int
}

type flashImage struct {
	staged    []byte
	committed []byte
	active    bool
}

func New(cfg Config, conn *bus.Connection) *Machine {
	return &Machine{
		cfg:    cfg,
		conn:   conn,
		brewC:  cfg.AmbientC,
		steamC: cfg.AmbientC,
		groupC: cfg.AmbientC,
	}
}

// ---- drivers.Sensors ----

func (m *Machine) Poll() types.SensorSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := types.SensorSnapshot{
		BrewTempC:   m.brewC,
		SteamTempC:  m.steamC,
		GroupTempC:  m.groupC,
		PressureBar: m.bar,
		BrewSwitch:  m.switchOn,
	}
	if !m.faults.ReservoirEmpty {
		s.Level |= types.LevelReservoir
	}
	if !m.faults.TankLow {
		s.Level |= types.LevelTank
	}
	if !m.faults.SteamProbeDry {
		s.Level |= types.LevelSteamProbe
	}
	switch {
	case m.faults.BrewNTCOpen:
		s.BrewTempC = float32(math.NaN())
	case m.faults.BrewNTCShort:
		s.BrewTempC = -30 // reads like a shorted thermistor
	}
	switch {
	case m.faults.SteamNTCOpen:
		s.SteamTempC = float32(math.NaN())
	case m.faults.SteamNTCShort:
		s.SteamTempC = -30
	}
	return s
}

// ---- drivers.Outputs ----

func (m *Machine) SetHeater(ch drivers.HeaterChannel, on bool) {
	m.mu.Lock()
	changed := ch < drivers.HeaterCount && m.heaterOn[ch] != on
	if ch < drivers.HeaterCount {
		m.heaterOn[ch] = on
	}
	m.mu.Unlock()
	if changed {
		m.publish(TopicHeater, map[string]any{"channel": int(ch), "on": on})
	}
}

func (m *Machine) SetRelay(r types.RelayBits, on bool) {
	m.mu.Lock()
	before := m.relays
	if on {
		m.relays |= r
	} else {
		m.relays &^= r
	}
	changed := before != m.relays
	m.mu.Unlock()
	if changed {
		m.publish(TopicRelay, map[string]any{"relay": int(r), "on": on})
	}
}

func (m *Machine) AllOff() {
	m.mu.Lock()
	m.heaterOn = [drivers.HeaterCount]bool{}
	m.relays = 0
	m.mu.Unlock()
}

// ---- drivers.Watchdog ----

func (m *Machine) Start(timeoutMs uint32) {
	m.mu.Lock()
	m.wdStarted = true
	m.wdTimeoutMs = timeoutMs
	m.wdRemainMs = int64(timeoutMs)
	m.mu.Unlock()
}

func (m *Machine) Feed() {
	m.mu.Lock()
	m.wdRemainMs = int64(m.wdTimeoutMs)
	m.mu.Unlock()
}

func (m *Machine) CausedReset() bool { return m.cfg.CausedReset }

// Expired reports whether a started watchdog ran out. On hardware this
// would have rebooted the board; the scenario decides what to do with it.
func (m *Machine) Expired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wdExpired
}

// ---- drivers.Flash ----

func (m *Machine) Begin(size uint32) error {
	m.mu.Lock()
	m.flash.staged = make([]byte, size)
	m.flash.active = true
	m.mu.Unlock()
	return nil
}

func (m *Machine) WriteAt(off uint32, data []byte) error {
	m.mu.Lock()
	copy(m.flash.staged[off:], data)
	m.mu.Unlock()
	return nil
}

func (m *Machine) Commit() error {
	m.mu.Lock()
	m.flash.committed = m.flash.staged
	m.flash.staged = nil
	m.flash.active = false
	m.mu.Unlock()
	return nil
}

func (m *Machine) Abort() {
	m.mu.Lock()
	m.flash.staged = nil
	m.flash.active = false
	m.mu.Unlock()
}

// CommittedImage is what a reboot would run.
func (m *Machine) CommittedImage() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flash.committed
}

// ---- drivers.Resetter ----

func (m *Machine) Reset() {
	m.mu.Lock()
	m.resets++
	n := m.resets
	m.mu.Unlock()
	m.publish(TopicReset, map[string]any{"count": n})
}

func (m *Machine) Resets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resets
}

// ---- Scenario controls ----

func (m *Machine) SetBrewSwitch(on bool) {
	m.mu.Lock()
	m.switchOn = on
	m.mu.Unlock()
}

func (m *Machine) SetFaults(f Faults) {
	m.mu.Lock()
	m.faults = f
	m.mu.Unlock()
	m.publish(TopicFault, f)
}

func (m *Machine) Temps() (brew, steam float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.brewC, m.steamC
}

// Step advances the physics by dtMs. First-order per boiler: element power
// in, passive loss to ambient, pump load on the brew side while extracting.
func (m *Machine) Step(dtMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dt := float32(dtMs) / 1000

	brewOn := m.heaterOn[0] || m.faults.BrewSSRStuck
	var brewIn float32
	if brewOn {
		brewIn = m.cfg.BrewWatts
	}
	pumpOn := m.relays&types.RelayPump != 0
	if pumpOn {
		brewIn -= m.cfg.PumpLoadW
	}
	loss := m.cfg.BrewLossW * (m.brewC - m.cfg.AmbientC)
	m.brewC += (brewIn - loss) * dt / m.cfg.BrewMassJ

	var steamIn float32
	if m.heaterOn[1] {
		steamIn = m.cfg.SteamWatts
	}
	loss = m.cfg.SteamLossW * (m.steamC - m.cfg.AmbientC)
	m.steamC += (steamIn - loss) * dt / m.cfg.SteamMassJ

	// Group head trails the brew boiler.
	m.groupC += (m.brewC - m.groupC) * dt / 30

	if pumpOn {
		m.bar = 9.0
	} else if m.relays&types.RelaySolenoid != 0 {
		m.bar = 3.0
	} else {
		m.bar = 0
	}

	if m.wdStarted && !m.wdExpired {
		m.wdRemainMs -= dtMs
		if m.wdRemainMs <= 0 {
			m.wdExpired = true
			m.mu.Unlock()
			m.publish(TopicWatchdog, map[string]any{"expired": true})
			m.mu.Lock()
		}
	}
}

func (m *Machine) publish(topic bus.Topic, payload any) {
	if m.conn == nil {
		return
	}
	m.conn.Publish(&bus.Message{Topic: topic, Payload: payload})
}
