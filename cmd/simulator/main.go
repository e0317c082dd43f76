// Runs the controller against the simulated machine in lockstep: virtual
// time advances 10ms per iteration, the thermal model and both service
// ticks move together, and a scripted peer on the far end of a loopback
// link prints what the wire carries. Scenarios are YAML timelines of
// switch flips, commands and injected faults.
package main

import (
	"flag"
	"os"

	"gopkg.in/yaml.v3"

	"brewos-go/bus"
	"brewos-go/config"
	"brewos-go/drivers/loopback"
	"brewos-go/drivers/sim"
	"brewos-go/protocol"
	"brewos-go/services/comm"
	"brewos-go/services/control"
	"brewos-go/store"
	"brewos-go/types"
	"brewos-go/x/fmtx"
	"brewos-go/x/strx"
)

type scenario struct {
	Machine       string  `yaml:"machine"`
	AmbientC      float32 `yaml:"ambient_c"`
	DurationMs    int64   `yaml:"duration_ms"`
	ReportEveryMs int64   `yaml:"report_every_ms"`
	Timeline      []event `yaml:"timeline"`
}

type event struct {
	AtMs   int64   `yaml:"at_ms"`
	Action string  `yaml:"action"` // brew_switch, set_temp, set_pid, mode, fault, fault_reset
	On     bool    `yaml:"on"`
	Boiler string  `yaml:"boiler"`
	TempC  float32 `yaml:"temp_c"`
	Kp     float32 `yaml:"kp"`
	Ki     float32 `yaml:"ki"`
	Kd     float32 `yaml:"kd"`
	Mode   string  `yaml:"mode"`
	Fault  string  `yaml:"fault"`
}

func defaultScenario() scenario {
	return scenario{
		Machine:       "dual_boiler",
		DurationMs:    300_000,
		ReportEveryMs: 5_000,
		Timeline: []event{
			{AtMs: 120_000, Action: "brew_switch", On: true},
			{AtMs: 148_000, Action: "brew_switch", On: false},
		},
	}
}

func loadScenario(path string) (scenario, error) {
	if path == "" {
		return defaultScenario(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return scenario{}, err
	}
	sc := defaultScenario()
	sc.Timeline = nil
	if err := yaml.Unmarshal(raw, &sc); err != nil {
		return scenario{}, err
	}
	return sc, nil
}

func machineOf(s string) types.MachineType {
	switch strx.Coalesce(s, "dual_boiler") {
	case "single_boiler":
		return types.SingleBoiler
	case "heat_exchanger":
		return types.HeatExchanger
	default:
		return types.DualBoiler
	}
}

// fileStorage persists the runtime config next to the scenario, so a
// second run boots with whatever the first one tuned.
type fileStorage struct{ path string }

func (f *fileStorage) Read() ([]byte, error) { return os.ReadFile(f.path) }
func (f *fileStorage) Write(b []byte) error  { return os.WriteFile(f.path, b, 0o644) }

// peer is the scripted far end of the link. It decodes whatever the
// controller sends and narrates it.
type peer struct {
	end   *loopback.End
	dec   *protocol.Decoder
	buf   [64]byte
	lastS protocol.StatusPayload
	seenS bool
}

func (p *peer) send(t protocol.MsgType, payload []byte) {
	wire, err := protocol.AppendFrame(nil, t, payload)
	if err != nil {
		fmtx.Printf("peer: encode %s: %v\n", t, err)
		return
	}
	p.end.Write(wire)
}

func (p *peer) pump(nowMs int64) {
	for {
		n, _ := p.end.Read(p.buf[:])
		if n == 0 {
			return
		}
		for _, b := range p.buf[:n] {
			f, err := p.dec.Feed(b)
			if err != nil || f == nil {
				continue
			}
			p.show(nowMs, f)
		}
	}
}

func (p *peer) show(nowMs int64, f *protocol.Frame) {
	switch f.Type {
	case protocol.MsgBoot:
		var bp protocol.BootPayload
		if bp.Unmarshal(f.Payload) == nil {
			fmtx.Printf("%8dms boot fw=%d.%d proto=%d machine=%s wd_reset=%v\n",
				nowMs, bp.FWMajor, bp.FWMinor, bp.ProtocolVersion, bp.Machine, bp.WatchdogReset)
		}
	case protocol.MsgStatus:
		var sp protocol.StatusPayload
		if sp.Unmarshal(f.Payload) == nil {
			p.lastS = sp
			p.seenS = true
		}
	case protocol.MsgAlarm:
		var ap protocol.AlarmPayload
		if ap.Unmarshal(f.Payload) == nil {
			fmtx.Printf("%8dms ALARM code=%d flags=%s temp=%.1f\n", nowMs, ap.Code, ap.Flags, ap.TempC)
		}
	case protocol.MsgAck:
		var ak protocol.AckPayload
		if ak.Unmarshal(f.Payload) == nil {
			fmtx.Printf("%8dms ack %s -> %d\n", nowMs, ak.Cmd, ak.Result)
		}
	case protocol.MsgLog:
		var lp protocol.LogPayload
		if lp.Unmarshal(f.Payload) == nil {
			fmtx.Printf("%8dms log[%d] %s\n", nowMs, lp.Level, lp.Text)
		}
	case protocol.MsgConfig:
		var cp protocol.ConfigPayload
		if cp.Unmarshal(f.Payload) == nil {
			fmtx.Printf("%8dms config brew=%.1f steam=%.1f strategy=%s\n",
				nowMs, cp.Config.Setpoints.BrewC, cp.Config.Setpoints.SteamC, cp.Config.Strategy.Strategy)
		}
	}
}

func (p *peer) report(nowMs int64) {
	if !p.seenS {
		return
	}
	s := &p.lastS
	fmtx.Printf("%8dms %-8s brew=%6.2fC steam=%6.2fC duty=%d/%d relays=%03b flags=%s\n",
		nowMs, s.State, s.BrewTempC, s.SteamTempC, s.BrewDuty, s.SteamDuty, s.Relays, s.Flags)
}

func (e *event) fire(m *sim.Machine, p *peer, nowMs int64) {
	boiler := uint8(protocol.BoilerBrew)
	if e.Boiler == "steam" {
		boiler = protocol.BoilerSteam
	}
	switch e.Action {
	case "brew_switch":
		fmtx.Printf("%8dms >> brew switch %v\n", nowMs, e.On)
		m.SetBrewSwitch(e.On)
	case "set_temp":
		fmtx.Printf("%8dms >> set_temp %s %.1f\n", nowMs, e.Boiler, e.TempC)
		sp := protocol.SetTempPayload{Boiler: boiler, TempC: e.TempC}
		p.send(protocol.MsgSetTemp, sp.Marshal(nil))
	case "set_pid":
		gp := protocol.SetPIDPayload{Boiler: boiler,
			Gains: types.PIDGains{Kp: e.Kp, Ki: e.Ki, Kd: e.Kd}}
		p.send(protocol.MsgSetPID, gp.Marshal(nil))
	case "mode":
		mode := types.ModeIdle
		switch e.Mode {
		case "brew":
			mode = types.ModeBrew
		case "steam":
			mode = types.ModeSteam
		}
		mp := protocol.ModePayload{Mode: mode}
		p.send(protocol.MsgMode, mp.Marshal(nil))
	case "fault":
		fmtx.Printf("%8dms >> inject %s\n", nowMs, e.Fault)
		m.SetFaults(faultOf(e.Fault))
	case "fault_reset":
		var fr protocol.FaultResetPayload
		p.send(protocol.MsgFaultReset, fr.Marshal(nil))
	default:
		fmtx.Printf("%8dms >> unknown action %q\n", nowMs, e.Action)
	}
}

func faultOf(name string) sim.Faults {
	var f sim.Faults
	switch name {
	case "brew_ntc_open":
		f.BrewNTCOpen = true
	case "brew_ntc_short":
		f.BrewNTCShort = true
	case "steam_ntc_open":
		f.SteamNTCOpen = true
	case "steam_ntc_short":
		f.SteamNTCShort = true
	case "reservoir_empty":
		f.ReservoirEmpty = true
	case "tank_low":
		f.TankLow = true
	case "steam_probe_dry":
		f.SteamProbeDry = true
	case "brew_ssr_stuck":
		f.BrewSSRStuck = true
	}
	return f
}

func main() {
	scenarioPath := flag.String("scenario", "", "YAML scenario file (empty = built-in warmup and shot)")
	configPath := flag.String("config", "brewos-sim.cfg", "persisted runtime config")
	flag.Parse()

	sc, err := loadScenario(*scenarioPath)
	if err != nil {
		fmtx.Printf("scenario: %v\n", err)
		os.Exit(1)
	}
	machine := machineOf(sc.Machine)

	b := bus.NewBus(64)
	events := b.NewConnection("observer")
	faultSub := events.Subscribe(sim.TopicFault)
	wdSub := events.Subscribe(sim.TopicWatchdog)
	rstSub := events.Subscribe(sim.TopicReset)

	simCfg := sim.DefaultConfig()
	simCfg.Machine = machine
	if sc.AmbientC != 0 {
		simCfg.AmbientC = sc.AmbientC
	}
	m := sim.New(simCfg, b.NewConnection("sim"))

	fwEnd, peerEnd := loopback.Pair()
	p := &peer{end: peerEnd, dec: protocol.NewDecoder(nil)}

	storage := &fileStorage{path: *configPath}
	cfg, fromStorage := config.Load(storage, machine)
	if fromStorage {
		fmtx.Printf("config: restored from %s\n", *configPath)
	}

	st := store.New(cfg)
	saver := config.NewSaver(storage)
	var selfcheck control.SelfCheck
	if fromStorage {
		selfcheck = func() error { return config.Verify(storage) }
	}
	ctl := control.New(st, m, m, m, cfg, selfcheck, 0)
	com := comm.New(st, fwEnd, saver, m, m, machine, m.CausedReset())

	fmtx.Printf("machine=%s duration=%dms events=%d\n", machine, sc.DurationMs, len(sc.Timeline))

	next := 0
	lastReport := -sc.ReportEveryMs
	for now := int64(0); now <= sc.DurationMs; now += 10 {
		for next < len(sc.Timeline) && sc.Timeline[next].AtMs <= now {
			sc.Timeline[next].fire(m, p, now)
			next++
		}

		m.Step(10)
		if now%100 == 0 {
			ctl.Tick(now)
		}
		com.Tick(now)
		p.pump(now)

		if sc.ReportEveryMs > 0 && now-lastReport >= sc.ReportEveryMs {
			p.report(now)
			lastReport = now
		}

		drainEvents(now, faultSub, wdSub, rstSub)

		if m.Expired() {
			fmtx.Printf("%8dms watchdog expired, controller stopped feeding\n", now)
			break
		}
	}

	events.Unsubscribe(faultSub)
	events.Unsubscribe(wdSub)
	events.Unsubscribe(rstSub)
}

func drainEvents(nowMs int64, subs ...*bus.Subscription) {
	for _, sub := range subs {
		for {
			select {
			case msg := <-sub.Channel():
				fmtx.Printf("%8dms event %+v\n", nowMs, msg.Payload)
				continue
			default:
			}
			break
		}
	}
}
