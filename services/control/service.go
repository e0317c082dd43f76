// Package control runs the machine's real-time loop: one fixed-period
// tick that reads sensors, evaluates the safety interlocks, advances the
// state machine, computes heater duty and drives the outputs. The tick
// never blocks on I/O; its only synchronization point is the shared store.
//
// Within a tick the order is a safety invariant, not a preference:
// interlocks, then state machine, then control computation, then output
// application, then the watchdog feed.
package control

import (
	"context"
	"time"

	"brewos-go/drivers"
	"brewos-go/store"
	"brewos-go/types"
	"brewos-go/x/timex"
)

const (
	DefaultTickMs = 100
	// Peer silence beyond this raises the advisory PeerTimeout flag and
	// lets an idle machine fall back to Standby. A shot in progress still
	// finishes; the brew switch keeps working standalone.
	peerTimeoutMs = 5000
	// Minimum dwell in SelfTest; the check suite runs on the first tick
	// in the state and the dwell gives the sensors a settled sample.
	selfTestMs = 500
	// A cleaning flush stops on its own after this long.
	cleaningFlushMs = 10_000
	// Ticks outside the ready band before Ready degrades to Heating.
	droopDebounceTicks = 20
)

type Service struct {
	st      *store.Store
	sensors drivers.Sensors
	outputs drivers.Outputs

	profile  Profile
	locks    *Interlocks
	fsm      *FSM
	pwm      *PWM
	brew     brewCycle
	selftest selfTest
	wd       *Supervisor

	mode        types.MachineMode
	tick        uint64
	bootMs      int64
	lastTickMs  int64
	lastSwitch  bool  // previous brew-switch level, for edge detection
	lastBrewMs  int64 // last brew activity, for the eco timer
	droopTicks  uint8
	peerStandby bool // Standby was entered because the peer went silent

	// Cleaning flush tracking while the FSM sits in Service.
	flushOn bool
	flushMs int64

	relays types.RelayBits
}

// New wires the control context. cfg is the booted runtime configuration;
// live changes arrive later through store requests. check is the platform
// storage re-check for the startup self test, nil to skip.
func New(st *store.Store, sensors drivers.Sensors, outputs drivers.Outputs,
	wd drivers.Watchdog, cfg types.RuntimeConfig, check SelfCheck, nowMs int64) *Service {

	s := &Service{
		st:         st,
		sensors:    sensors,
		outputs:    outputs,
		profile:    NewProfile(cfg),
		locks:      NewInterlocks(cfg.Machine),
		fsm:        NewFSM(nowMs),
		pwm:        NewPWM(outputs, DefaultPWMPeriodMs),
		selftest:   selfTest{check: check},
		wd:         NewSupervisor(wd),
		mode:       types.ModeBrew,
		bootMs:     nowMs,
		lastBrewMs: nowMs,
	}
	// Outputs must be at their inactive level before anything else runs.
	outputs.AllOff()
	if wd.CausedReset() {
		s.locks.Latch(types.FlagWatchdogReset)
	}
	s.wd.Arm()
	return s
}

// Run drives Tick at the fixed period until ctx ends. On hardware ctx
// never ends; cancellation exists for the simulator and tests. A hung
// tick is deliberately not recoverable here: the hardware watchdog is the
// only cancellation for that.
func (s *Service) Run(ctx context.Context) {
	tk := time.NewTicker(DefaultTickMs * time.Millisecond)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			s.pwm.AllOff()
			s.outputs.AllOff()
			return
		case <-tk.C:
			s.Tick(timex.NowMs())
		}
	}
}

// Tick is one complete control cycle. Exported so tests and the simulator
// can drive time explicitly.
func (s *Service) Tick(nowMs int64) {
	s.tick++
	dt := float32(DefaultTickMs) / 1000
	if s.lastTickMs != 0 {
		elapsed := nowMs - s.lastTickMs
		if elapsed > 2*DefaultTickMs {
			println("[control] tick overrun:", elapsed, "ms")
		}
		if elapsed > 0 {
			dt = float32(elapsed) / 1000
		}
	}
	s.lastTickMs = nowMs

	sensors := s.sensors.Poll()
	prevOut := s.snapshotOutputs()

	// Collect pending peer commands before the interlocks so a fault
	// reset can take effect within this tick.
	reqs := s.st.TakeRequests()
	shared := s.st.Snapshot()
	s.applyRequests(reqs, shared, sensors, nowMs)

	// 1. Interlocks.
	verdict := s.locks.Evaluate(Inputs{Sensors: sensors, Outputs: prevOut, NowMs: nowMs})
	if shared.LastPeerMs != 0 && nowMs-shared.LastPeerMs > peerTimeoutMs {
		verdict.Flags.Set(types.FlagPeerTimeout)
	}

	// 2. State machine.
	s.advanceState(verdict, sensors, reqs, shared, nowMs)
	state := s.fsm.State()

	// 3. Control computation.
	var brewDuty, steamDuty float32
	if heatingState(state) {
		brewDuty, steamDuty = s.profile.Compute(sensors, s.mode, shared.Strategy, dt)
	} else {
		s.profile.ResetPIDs()
	}
	if verdict.KillBrew {
		brewDuty = 0
	}
	if verdict.KillSteam {
		steamDuty = 0
	}

	// 4. Output application.
	s.pwm.SetDuty(drivers.HeaterBrew, uint8(brewDuty+0.5))
	s.pwm.SetDuty(drivers.HeaterSteam, uint8(steamDuty+0.5))
	s.setStaggerPhase(shared.Strategy, brewDuty)
	s.pwm.Update(nowMs)
	pumpOn := s.brew.Tick(nowMs) && state == types.StateBrewing && !verdict.KillPump
	solenoidOn := (state == types.StateBrewing || state == types.StatePostBrew) && !verdict.KillPump
	if state == types.StateService {
		// Backflush: pump and solenoid move together.
		pumpOn = s.flushOn && !verdict.KillPump
		solenoidOn = pumpOn
	}
	s.setRelay(types.RelayPump, pumpOn)
	s.setRelay(types.RelaySolenoid, solenoidOn)

	// 5. Publish, then feed. Feeding is the last act of a completed tick.
	out := types.OutputSnapshot{
		BrewDuty:  s.pwm.Duty(drivers.HeaterBrew),
		SteamDuty: s.pwm.Duty(drivers.HeaterSteam),
		Relays:    s.relays,
		PowerW:    s.powerEstimate(),
	}
	uptime := uint32((nowMs - s.bootMs) / 1000)
	s.st.PublishTick(sensors, out, state, verdict.Flags, uptime, s.brew.ShotMs(nowMs))
	s.wd.Feed(s.tick)
}

// applyRequests folds the comm context's asks into this tick.
func (s *Service) applyRequests(r store.Requests, shared store.State,
	sensors types.SensorSnapshot, nowMs int64) {

	if r.GainsChanged {
		s.profile.SetGains(shared.BrewGains, shared.SteamGains)
	}
	if r.SetpointChanged {
		s.profile.SetSetpoints(shared.Setpoints, s.mode)
	}
	if r.ModeSet && r.Mode.Valid() && r.Mode != s.mode {
		s.mode = r.Mode
		s.profile.SetSetpoints(shared.Setpoints, s.mode)
		s.profile.ResetPIDs()
		s.lastBrewMs = nowMs // mode change counts as activity
	}
	if r.FaultReset {
		s.resetFaults(sensors, nowMs)
	}
}

func (s *Service) resetFaults(sensors types.SensorSnapshot, nowMs int64) {
	if err := s.locks.Reset(Inputs{Sensors: sensors, NowMs: nowMs}); err != nil {
		println("[control] fault reset refused:", err.Error())
		return
	}
	st := s.fsm.State()
	if st == types.StateFault || st == types.StateSafeMode {
		if err := s.fsm.Request(types.StateBoot, nowMs); err == nil {
			s.profile.ResetPIDs()
			s.brew.Stop(nowMs)
			s.selftest.ran = false // the reboot path re-runs the checks
			println("[control] fault reset, rebooting state machine")
		}
	}
}

func (s *Service) advanceState(v Verdict, sensors types.SensorSnapshot,
	reqs store.Requests, shared store.State, nowMs int64) {

	if v.Critical {
		target := types.StateSafeMode
		if v.ToFault {
			target = types.StateFault
		}
		if s.fsm.State() != target {
			println("[control] critical interlock, entering", target.String(),
				"flags:", v.Flags.String())
		}
		s.fsm.Force(target, nowMs)
		s.brew.Stop(nowMs)
		s.flushOn = false
		return
	}

	switchOn := sensors.BrewSwitch
	switchEdge := switchOn && !s.lastSwitch
	s.lastSwitch = switchOn

	switch s.fsm.State() {
	case types.StateBoot:
		s.fsm.Request(types.StateSelfTest, nowMs)

	case types.StateSelfTest:
		if !s.selftest.ran {
			s.selftest.ran = true
			if err := s.selftest.run(sensors); err != nil {
				s.locks.Latch(types.FlagSelfTest)
				println("[control] self test failed:", err.Error())
			}
		}
		if s.fsm.InStateMs(nowMs) >= selfTestMs {
			if s.mode == types.ModeIdle {
				s.fsm.Request(types.StateStandby, nowMs)
			} else {
				s.fsm.Request(types.StateHeating, nowMs)
			}
		}

	case types.StateHeating:
		// The switch works here too: purging a cold group is routine.
		if switchEdge || reqs.BrewStart {
			s.startBrew(shared, nowMs)
		} else if reqs.CleaningStart {
			s.enterCleaning(nowMs)
		} else if s.peerLost(v, nowMs) {
			// fell back to Standby
		} else if s.profile.AtTemperature(sensors, s.mode) {
			s.fsm.Request(types.StateReady, nowMs)
		} else {
			s.maybeStandby(shared, nowMs)
		}

	case types.StateReady:
		if switchEdge || reqs.BrewStart {
			s.startBrew(shared, nowMs)
		} else if reqs.CleaningStart {
			s.enterCleaning(nowMs)
		} else if s.peerLost(v, nowMs) {
			// fell back to Standby
		} else if s.readyDrooped(sensors) {
			s.droopTicks = 0
			s.fsm.Request(types.StateHeating, nowMs)
		} else {
			s.maybeStandby(shared, nowMs)
		}

	case types.StateBrewing:
		if !switchOn || reqs.BrewStop {
			s.brew.Stop(nowMs)
			s.fsm.Request(types.StatePostBrew, nowMs)
			s.lastBrewMs = nowMs
		}

	case types.StatePostBrew:
		if s.fsm.InStateMs(nowMs) >= postBrewSettleMs {
			s.fsm.Request(types.StateReady, nowMs)
		}

	case types.StateStandby:
		if switchEdge || reqs.BrewStart || (reqs.ModeSet && s.mode != types.ModeIdle) {
			s.peerStandby = false
			s.fsm.Request(types.StateHeating, nowMs)
			s.lastBrewMs = nowMs
		} else if reqs.CleaningStart {
			s.peerStandby = false
			s.enterCleaning(nowMs)
		} else if s.peerStandby && !v.Flags.Has(types.FlagPeerTimeout) && s.mode != types.ModeIdle {
			// The peer came back; resume where the silence interrupted.
			s.peerStandby = false
			s.fsm.Request(types.StateHeating, nowMs)
			s.lastBrewMs = nowMs
		}

	case types.StateService:
		// Cleaning mode. Each switch press runs one backflush (pump and
		// solenoid together); a flush also ends on its own timer. The
		// peer's stop command leaves the mode.
		if reqs.CleaningStop {
			s.flushOn = false
			s.fsm.Request(types.StateHeating, nowMs)
			s.lastBrewMs = nowMs
		} else if s.flushOn {
			if !switchOn || nowMs-s.flushMs >= cleaningFlushMs {
				s.flushOn = false
			}
		} else if switchEdge {
			s.flushOn = true
			s.flushMs = nowMs
		}
	}

	if reqs.ModeSet && s.mode == types.ModeIdle {
		st := s.fsm.State()
		if st == types.StateHeating || st == types.StateReady {
			s.fsm.Request(types.StateStandby, nowMs)
		}
	}
}

func (s *Service) enterCleaning(nowMs int64) {
	if s.fsm.Request(types.StateService, nowMs) == nil {
		s.flushOn = false
		println("[control] cleaning mode")
	}
}

func (s *Service) startBrew(shared store.State, nowMs int64) {
	if err := s.fsm.Request(types.StateBrewing, nowMs); err != nil {
		return
	}
	s.brew.Start(nowMs, shared.PreInfusion)
	s.lastBrewMs = nowMs
}

// peerLost drops an idle machine to Standby while the peer is silent. It
// reports true when the timeout is active so the caller skips the normal
// heat-up edges for this tick.
func (s *Service) peerLost(v Verdict, nowMs int64) bool {
	if !v.Flags.Has(types.FlagPeerTimeout) {
		return false
	}
	if s.fsm.Request(types.StateStandby, nowMs) == nil {
		s.peerStandby = true
		println("[control] peer silent, standby")
	}
	return true
}

// readyDrooped debounces the fall out of Ready: the temperature has to sit
// outside the band for a stretch before the state flips back to Heating,
// so Ready does not flap at the band edge.
func (s *Service) readyDrooped(sensors types.SensorSnapshot) bool {
	if s.profile.AtTemperature(sensors, s.mode) {
		s.droopTicks = 0
		return false
	}
	if s.droopTicks < droopDebounceTicks {
		s.droopTicks++
	}
	return s.droopTicks >= droopDebounceTicks
}

func (s *Service) maybeStandby(shared store.State, nowMs int64) {
	if shared.EcoTimeoutMin == 0 {
		return
	}
	idleMs := nowMs - s.lastBrewMs
	if idleMs >= int64(shared.EcoTimeoutMin)*60_000 {
		if s.fsm.Request(types.StateStandby, nowMs) == nil {
			println("[control] idle timeout, standby")
		}
	}
}

// setStaggerPhase interleaves the steam window behind the brew window
// under SmartStagger, so both elements avoid switching on together.
func (s *Service) setStaggerPhase(strat types.StrategyConfig, brewDuty float32) {
	if strat.Strategy != types.SmartStagger {
		s.pwm.SetPhase(drivers.HeaterSteam, 0)
		return
	}
	offset := int64(brewDuty) * DefaultPWMPeriodMs / 100
	s.pwm.SetPhase(drivers.HeaterSteam, offset%DefaultPWMPeriodMs)
}

func (s *Service) setRelay(r types.RelayBits, on bool) {
	cur := s.relays&r != 0
	if cur == on {
		return
	}
	if on {
		s.relays |= r
	} else {
		s.relays &^= r
	}
	s.outputs.SetRelay(r, on)
}

func (s *Service) snapshotOutputs() types.OutputSnapshot {
	return types.OutputSnapshot{
		BrewDuty:  s.pwm.Duty(drivers.HeaterBrew),
		SteamDuty: s.pwm.Duty(drivers.HeaterSteam),
		Relays:    s.relays,
	}
}

func (s *Service) powerEstimate() uint16 {
	bw, sw := s.profile.ElementWatts()
	b := uint32(s.pwm.Duty(drivers.HeaterBrew)) * uint32(bw) / 100
	st := uint32(s.pwm.Duty(drivers.HeaterSteam)) * uint32(sw) / 100
	return uint16(b + st)
}

func heatingState(st types.MachineState) bool {
	switch st {
	case types.StateHeating, types.StateReady, types.StateBrewing,
		types.StatePostBrew, types.StateService:
		return true
	}
	return false
}
