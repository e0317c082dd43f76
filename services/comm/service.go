// Package comm runs the peer link: it drains the UART, decodes frames,
// dispatches commands into the shared store and pushes telemetry back out.
// It is the second of the two contexts; everything it exchanges with the
// control tick goes through the store, nothing else.
package comm

import (
	"context"
	"math"
	"time"

	"brewos-go/config"
	"brewos-go/drivers"
	"brewos-go/protocol"
	"brewos-go/store"
	"brewos-go/types"
	"brewos-go/x/timex"
)

const (
	// Firmware identity, announced in the boot frame.
	FWMajor = 1
	FWMinor = 4

	DefaultTickMs = 10

	statusPeriodMs = 500
	// Boot frames repeat until something from the peer proves it is
	// listening.
	bootRetryMs = 5_000

	// A partial frame older than this is a desync, not a slow sender.
	interByteTimeoutMs = 50

	// Upper bound on bytes consumed per tick so a firehose peer cannot
	// starve telemetry.
	maxDrainPerTick = 2048
)

type Service struct {
	st    *store.Store
	link  drivers.ByteLink
	saver *config.Saver
	flash drivers.Flash
	rst   drivers.Resetter

	machine types.MachineType
	wdReset bool

	stats protocol.Stats
	dec   *protocol.Decoder
	enc   *protocol.Encoder
	pbuf  [protocol.MaxPayload]byte

	update updateSession

	peerAlive    bool
	lastBootMs   int64
	lastByteMs   int64
	lastStatusMs int64
	lastFlags    types.ErrorFlags
	flagsPrimed  bool
}

// New wires the comm context. wdReset is the watchdog history bit carried
// in the boot announcement.
func New(st *store.Store, link drivers.ByteLink, saver *config.Saver,
	flash drivers.Flash, rst drivers.Resetter,
	machine types.MachineType, wdReset bool) *Service {

	s := &Service{
		st:      st,
		link:    link,
		saver:   saver,
		flash:   flash,
		rst:     rst,
		machine: machine,
		wdReset: wdReset,
	}
	s.dec = protocol.NewDecoder(&s.stats)
	s.enc = protocol.NewEncoder(&s.stats)
	return s
}

func (s *Service) Stats() *protocol.Stats { return &s.stats }

// Run drives Tick until ctx ends.
func (s *Service) Run(ctx context.Context) {
	tk := time.NewTicker(DefaultTickMs * time.Millisecond)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			println("[comm] stopping")
			return
		case <-tk.C:
			s.Tick(timex.NowMs())
		}
	}
}

// Tick is one pass of the comm loop: drain, housekeep, publish. Exported
// so tests and the simulator drive time explicitly.
func (s *Service) Tick(nowMs int64) {
	s.drain(nowMs)

	if s.update.active {
		s.checkUpdateTimeouts(nowMs)
		// Telemetry is suspended while an image streams; the link is
		// saturated anyway.
		return
	}

	if !s.dec.Idle() && s.lastByteMs != 0 && nowMs-s.lastByteMs > interByteTimeoutMs {
		s.dec.Reset()
	}

	if s.lastBootMs == 0 || (!s.peerAlive && nowMs-s.lastBootMs >= bootRetryMs) {
		s.sendBoot()
		s.lastBootMs = nowMs
	}

	snap := s.st.Snapshot()

	// Alarms preempt routine telemetry: any flag change goes out now.
	if !s.flagsPrimed || snap.Flags != s.lastFlags {
		if s.flagsPrimed && snap.Flags != 0 {
			s.sendAlarm(snap)
		}
		s.lastFlags = snap.Flags
		s.flagsPrimed = true
	}

	if nowMs-s.lastStatusMs >= statusPeriodMs {
		s.sendStatus(snap)
		s.lastStatusMs = nowMs
	}

	if err := s.saver.Tick(nowMs, s.configSnapshot); err != nil {
		println("[comm] config save failed:", err.Error())
	}
}

func (s *Service) drain(nowMs int64) {
	for i := 0; i < maxDrainPerTick; i++ {
		b, ok := s.link.TryReadByte()
		if !ok {
			return
		}
		s.lastByteMs = nowMs
		if s.update.active {
			s.feedUpdate(b, nowMs)
			continue
		}
		f, err := s.dec.Feed(b)
		if err != nil {
			continue // decoder counted it and reseeks sync
		}
		if f != nil {
			s.handleFrame(f, nowMs)
		}
	}
}

// ---- Outbound ----

func (s *Service) send(t protocol.MsgType, payload []byte) {
	wire, err := s.enc.Frame(t, payload)
	if err != nil {
		println("[comm] encode failed:", t.String(), err.Error())
		return
	}
	if _, err := s.link.Write(wire); err != nil {
		println("[comm] write failed:", err.Error())
	}
}

func (s *Service) sendAck(cmd protocol.MsgType, err error) {
	p := protocol.AckPayload{Cmd: cmd, Result: protocol.ResultOf(err)}
	s.send(protocol.MsgAck, p.Marshal(s.pbuf[:0]))
}

func (s *Service) sendBoot() {
	p := protocol.BootPayload{
		ProtocolVersion: protocol.Version,
		FWMajor:         FWMajor,
		FWMinor:         FWMinor,
		Machine:         s.machine,
		WatchdogReset:   s.wdReset,
	}
	s.send(protocol.MsgBoot, p.Marshal(s.pbuf[:0]))
}

func (s *Service) sendStatus(snap store.State) {
	p := protocol.StatusPayload{
		State:       snap.Machine,
		Mode:        snap.Mode,
		Flags:       snap.Flags,
		BrewTempC:   snap.Sensors.BrewTempC,
		SteamTempC:  snap.Sensors.SteamTempC,
		GroupTempC:  snap.Sensors.GroupTempC,
		PressureBar: snap.Sensors.PressureBar,
		BrewDuty:    snap.Outputs.BrewDuty,
		SteamDuty:   snap.Outputs.SteamDuty,
		Relays:      snap.Outputs.Relays,
		Level:       snap.Sensors.Level,
		PowerW:      snap.Outputs.PowerW,
		UptimeS:     snap.UptimeS,
		ShotMs:      snap.ShotMs,
	}
	s.send(protocol.MsgStatus, p.Marshal(s.pbuf[:0]))
}

func (s *Service) sendAlarm(snap store.State) {
	code, temp := alarmOf(snap)
	p := protocol.AlarmPayload{Code: code, Flags: snap.Flags, TempC: temp}
	s.send(protocol.MsgAlarm, p.Marshal(s.pbuf[:0]))
}

// sendLog forwards one controller log line to the peer.
func (s *Service) sendLog(level protocol.LogLevel, text string) {
	p := protocol.LogPayload{Level: level, Text: text}
	s.send(protocol.MsgLog, p.Marshal(s.pbuf[:0]))
}

// alarmOf picks the most urgent condition in the flag set and the reading
// that backs it.
func alarmOf(snap store.State) (protocol.AlarmCode, float32) {
	nan := float32(math.NaN())
	f := snap.Flags
	switch {
	case f.Has(types.FlagOverTemp):
		t := snap.Sensors.BrewTempC
		if snap.Sensors.SteamTempC > t || t != t {
			t = snap.Sensors.SteamTempC
		}
		return protocol.AlarmOverTemp, t
	case f.Has(types.FlagHeaterStuck):
		return protocol.AlarmHeaterFail, nan
	case f.Has(types.FlagSensorOpenBrew) || f.Has(types.FlagSensorShortBrew):
		return protocol.AlarmSensorFail, snap.Sensors.BrewTempC
	case f.Has(types.FlagSensorOpenSteam) || f.Has(types.FlagSensorShortSteam):
		return protocol.AlarmSensorFail, snap.Sensors.SteamTempC
	case f.Has(types.FlagLevelFault):
		return protocol.AlarmWaterLow, nan
	case f.Has(types.FlagWatchdogReset):
		return protocol.AlarmWatchdog, nan
	case f.Has(types.FlagPeerTimeout):
		return protocol.AlarmCommTimeout, nan
	}
	return protocol.AlarmNone, nan
}

// configSnapshot rebuilds the persisted set from the store for the saver.
func (s *Service) configSnapshot() types.RuntimeConfig {
	snap := s.st.Snapshot()
	return types.RuntimeConfig{
		Machine:       s.machine,
		Setpoints:     snap.Setpoints,
		BrewGains:     snap.BrewGains,
		SteamGains:    snap.SteamGains,
		Strategy:      snap.Strategy,
		PreInfusion:   snap.PreInfusion,
		EcoTimeoutMin: snap.EcoTimeoutMin,
	}
}
