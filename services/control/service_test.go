package control

import (
	"math"
	"testing"

	"brewos-go/config"
	"brewos-go/errcode"
	"brewos-go/store"
	"brewos-go/types"
)

type fakeSensors struct {
	snap types.SensorSnapshot
}

func (f *fakeSensors) Poll() types.SensorSnapshot { return f.snap }

type fakeWatchdog struct {
	started   bool
	timeoutMs uint32
	feeds     int
	caused    bool
}

func (f *fakeWatchdog) Start(timeoutMs uint32) { f.started = true; f.timeoutMs = timeoutMs }
func (f *fakeWatchdog) Feed()                  { f.feeds++ }
func (f *fakeWatchdog) CausedReset() bool      { return f.caused }

// rig is a complete control context on fakes, driven by explicit time.
type rig struct {
	st  *store.Store
	sen *fakeSensors
	out *fakeOutputs
	wd  *fakeWatchdog
	svc *Service
	now int64
}

func newRig(machine types.MachineType, caused bool) *rig {
	return newRigCheck(machine, caused, nil)
}

func newRigCheck(machine types.MachineType, caused bool, check SelfCheck) *rig {
	cfg := config.Defaults(machine)
	r := &rig{
		st:  store.New(cfg),
		sen: &fakeSensors{snap: healthySensors()},
		out: &fakeOutputs{},
		wd:  &fakeWatchdog{caused: caused},
		now: 1000,
	}
	r.sen.snap.BrewTempC = cfg.Setpoints.BrewC
	r.sen.snap.SteamTempC = cfg.Setpoints.SteamC
	r.svc = New(r.st, r.sen, r.out, r.wd, cfg, check, r.now)
	return r
}

func (r *rig) tick() {
	r.now += DefaultTickMs
	r.svc.Tick(r.now)
}

func (r *rig) runUntil(t *testing.T, want types.MachineState, maxTicks int) {
	t.Helper()
	for i := 0; i < maxTicks; i++ {
		r.tick()
		if r.st.Snapshot().Machine == want {
			return
		}
	}
	t.Fatalf("never reached %v, stuck in %v", want, r.st.Snapshot().Machine)
}

func (r *rig) request(fn func(*store.Requests)) {
	r.st.Apply(func(s *store.State) { fn(&s.Requests) })
}

func TestBootReachesReadyAtTemperature(t *testing.T) {
	r := newRig(types.DualBoiler, false)
	if !r.wd.started || r.wd.timeoutMs != WatchdogTimeoutMs {
		t.Fatal("watchdog not armed at construction")
	}
	if r.out.allOffs == 0 {
		t.Fatal("outputs not forced off before the first tick")
	}
	r.runUntil(t, types.StateReady, 20)
}

func TestColdStartHeatsAtFullDuty(t *testing.T) {
	r := newRig(types.DualBoiler, false)
	r.sen.snap.BrewTempC = 20
	r.sen.snap.SteamTempC = 20
	r.runUntil(t, types.StateHeating, 20)
	r.tick()
	s := r.st.Snapshot()
	if s.Outputs.BrewDuty != MaxDutyPct {
		t.Fatalf("cold boiler demands %d%%, want ceiling %d%%", s.Outputs.BrewDuty, MaxDutyPct)
	}
	if s.Outputs.PowerW == 0 {
		t.Fatal("power estimate stuck at zero while heating")
	}
}

func TestBrewSensorFaultEntersSafeModeWithHeaterOff(t *testing.T) {
	r := newRig(types.DualBoiler, false)
	r.sen.snap.BrewTempC = 20
	r.sen.snap.SteamTempC = 20
	r.runUntil(t, types.StateHeating, 20)
	r.tick()
	if r.st.Snapshot().Outputs.BrewDuty == 0 {
		t.Fatal("precondition: brew element should be driven")
	}

	r.sen.snap.BrewTempC = float32(math.NaN())
	for i := 0; i < sensorDebounceSamples; i++ {
		r.tick()
	}
	s := r.st.Snapshot()
	if !s.Flags.Has(types.FlagSensorOpenBrew) {
		t.Fatal("open-sensor flag not raised")
	}
	if s.Machine != types.StateSafeMode {
		t.Fatalf("machine in %v, want SafeMode", s.Machine)
	}
	if s.Outputs.BrewDuty != 0 || r.out.heater[0] {
		t.Fatal("brew element still driven with a dead sensor")
	}
}

func TestWatchdogHistoryForcesFault(t *testing.T) {
	r := newRig(types.DualBoiler, true)
	r.tick()
	s := r.st.Snapshot()
	if s.Machine != types.StateFault {
		t.Fatalf("machine in %v after a watchdog reset, want Fault", s.Machine)
	}
	if !s.Flags.Has(types.FlagWatchdogReset) {
		t.Fatal("watchdog flag not latched")
	}
	if s.Outputs.BrewDuty != 0 || s.Outputs.SteamDuty != 0 {
		t.Fatal("heaters driven in Fault")
	}
	// The watchdog is still fed in Fault so the board does not reboot-loop.
	feeds := r.wd.feeds
	r.tick()
	if r.wd.feeds != feeds+1 {
		t.Fatal("watchdog starved in Fault")
	}
}

func TestWatchdogFedExactlyOncePerTick(t *testing.T) {
	r := newRig(types.DualBoiler, false)
	for i := 0; i < 5; i++ {
		r.tick()
	}
	if r.wd.feeds != 5 {
		t.Fatalf("%d hardware feeds over 5 ticks", r.wd.feeds)
	}
}

func TestSupervisorIgnoresRepeatFeeds(t *testing.T) {
	wd := &fakeWatchdog{}
	sup := NewSupervisor(wd)
	sup.Feed(1)
	if wd.feeds != 0 {
		t.Fatal("fed before Arm")
	}
	sup.Arm()
	sup.Feed(1)
	sup.Feed(1)
	sup.Feed(1)
	if wd.feeds != 1 {
		t.Fatalf("repeat feed within one tick reached hardware %d times", wd.feeds)
	}
	sup.Feed(2)
	if wd.feeds != 2 {
		t.Fatal("next tick's feed lost")
	}
}

func TestBrewSwitchDrivesFullCycle(t *testing.T) {
	r := newRig(types.DualBoiler, false)
	r.runUntil(t, types.StateReady, 20)

	r.sen.snap.BrewSwitch = true
	r.tick()
	s := r.st.Snapshot()
	if s.Machine != types.StateBrewing {
		t.Fatalf("switch edge left machine in %v", s.Machine)
	}
	if s.Outputs.Relays&types.RelayPump == 0 || s.Outputs.Relays&types.RelaySolenoid == 0 {
		t.Fatal("pump/solenoid not energized for the shot")
	}

	for i := 0; i < 10; i++ {
		r.tick()
	}
	if got := r.st.Snapshot().ShotMs; got < 900 {
		t.Fatalf("shot timer %dms after ~1.1s", got)
	}

	r.sen.snap.BrewSwitch = false
	r.tick()
	s = r.st.Snapshot()
	if s.Machine != types.StatePostBrew {
		t.Fatalf("release left machine in %v", s.Machine)
	}
	if s.Outputs.Relays&types.RelayPump != 0 {
		t.Fatal("pump still on in post-brew")
	}
	if s.Outputs.Relays&types.RelaySolenoid == 0 {
		t.Fatal("solenoid must hold through the settle")
	}

	r.runUntil(t, types.StateReady, postBrewSettleMs/DefaultTickMs+2)
	if r.st.Snapshot().Outputs.Relays != 0 {
		t.Fatal("relays not released back in Ready")
	}
}

func TestPreInfusionPulsesPump(t *testing.T) {
	r := newRig(types.DualBoiler, false)
	r.st.Apply(func(s *store.State) {
		s.PreInfusion = types.PreInfusionConfig{Enabled: true, OnMs: 300, PauseMs: 400}
	})
	r.runUntil(t, types.StateReady, 20)

	r.request(func(q *store.Requests) { q.BrewStart = true })
	r.tick()
	if r.st.Snapshot().Machine != types.StateBrewing {
		t.Fatal("remote brew start ignored")
	}
	if r.st.Snapshot().Outputs.Relays&types.RelayPump == 0 {
		t.Fatal("pump off during pre-infusion wet phase")
	}
	for i := 0; i < 3; i++ { // past the 300ms wet phase
		r.tick()
	}
	if r.st.Snapshot().Outputs.Relays&types.RelayPump != 0 {
		t.Fatal("pump on during pre-infusion pause")
	}
	for i := 0; i < 4; i++ { // past the 400ms pause
		r.tick()
	}
	if r.st.Snapshot().Outputs.Relays&types.RelayPump == 0 {
		t.Fatal("pump not restored for the full extraction")
	}

	r.request(func(q *store.Requests) { q.BrewStop = true })
	r.tick()
	if r.st.Snapshot().Machine != types.StatePostBrew {
		t.Fatal("remote brew stop ignored")
	}
}

func TestIdleModeParksInStandby(t *testing.T) {
	r := newRig(types.DualBoiler, false)
	r.runUntil(t, types.StateReady, 20)

	r.request(func(q *store.Requests) { q.ModeSet = true; q.Mode = types.ModeIdle })
	r.tick()
	s := r.st.Snapshot()
	if s.Machine != types.StateStandby {
		t.Fatalf("idle mode left machine in %v", s.Machine)
	}
	r.tick()
	s = r.st.Snapshot()
	if s.Outputs.BrewDuty != 0 || s.Outputs.SteamDuty != 0 {
		t.Fatal("heaters driven in Standby")
	}

	// The switch wakes it back up.
	r.request(func(q *store.Requests) { q.ModeSet = true; q.Mode = types.ModeBrew })
	r.sen.snap.BrewSwitch = true
	r.tick()
	if r.st.Snapshot().Machine != types.StateHeating {
		t.Fatalf("standby wake left machine in %v", r.st.Snapshot().Machine)
	}
}

func TestFaultResetRefusedThenAccepted(t *testing.T) {
	r := newRig(types.DualBoiler, false)
	r.runUntil(t, types.StateReady, 20)

	r.sen.snap.BrewTempC = float32(math.NaN())
	for i := 0; i < sensorDebounceSamples; i++ {
		r.tick()
	}
	if r.st.Snapshot().Machine != types.StateSafeMode {
		t.Fatal("precondition: SafeMode not reached")
	}

	// Sensor still dead: reset must bounce.
	r.request(func(q *store.Requests) { q.FaultReset = true })
	r.tick()
	s := r.st.Snapshot()
	if s.Machine != types.StateSafeMode || !s.Flags.Has(types.FlagSensorOpenBrew) {
		t.Fatal("reset accepted while the sensor is still faulty")
	}

	// Sensor back: reset clears the flag and restarts from Boot.
	r.sen.snap.BrewTempC = 93
	r.request(func(q *store.Requests) { q.FaultReset = true })
	r.tick()
	s = r.st.Snapshot()
	if s.Flags.Has(types.FlagSensorOpenBrew) {
		t.Fatal("flag survived an accepted reset")
	}
	if s.Machine == types.StateSafeMode || s.Machine == types.StateFault {
		t.Fatalf("machine stuck in %v after reset", s.Machine)
	}
	r.runUntil(t, types.StateReady, 20)
}

func TestPeerSilenceFallsBackToStandby(t *testing.T) {
	r := newRig(types.DualBoiler, false)
	r.st.PeerSeen(r.now)
	r.runUntil(t, types.StateReady, 20)

	for r.now < 1000+peerTimeoutMs+1000 {
		r.tick()
	}
	s := r.st.Snapshot()
	if !s.Flags.Has(types.FlagPeerTimeout) {
		t.Fatal("peer timeout flag not raised")
	}
	if s.Machine != types.StateStandby {
		t.Fatalf("peer silence left the machine in %v, want Standby", s.Machine)
	}

	// Peer back: the flag drops on its own and the machine re-heats,
	// no reset needed.
	r.st.PeerSeen(r.now)
	r.tick()
	s = r.st.Snapshot()
	if s.Flags.Has(types.FlagPeerTimeout) {
		t.Fatal("advisory flag latched")
	}
	if s.Machine != types.StateHeating {
		t.Fatalf("peer return left the machine in %v, want Heating", s.Machine)
	}
}

func TestPeerSilenceNeverInterruptsAShot(t *testing.T) {
	r := newRig(types.DualBoiler, false)
	r.st.PeerSeen(r.now)
	r.runUntil(t, types.StateReady, 20)

	r.sen.snap.BrewSwitch = true
	r.tick()
	if got := r.st.Snapshot().Machine; got != types.StateBrewing {
		t.Fatalf("switch did not start the shot, state %v", got)
	}
	for i := int64(0); i < (peerTimeoutMs+1000)/DefaultTickMs; i++ {
		r.tick()
	}
	s := r.st.Snapshot()
	if !s.Flags.Has(types.FlagPeerTimeout) {
		t.Fatal("peer timeout flag not raised")
	}
	if s.Machine != types.StateBrewing {
		t.Fatalf("peer silence interrupted the shot, state %v", s.Machine)
	}
}

func TestEcoTimeoutDropsToStandby(t *testing.T) {
	r := newRig(types.DualBoiler, false)
	r.st.Apply(func(s *store.State) { s.EcoTimeoutMin = 1 })
	r.runUntil(t, types.StateReady, 20)

	for i := 0; i < 60_000/DefaultTickMs+5; i++ {
		r.tick()
	}
	if got := r.st.Snapshot().Machine; got != types.StateStandby {
		t.Fatalf("machine in %v after the idle timeout, want Standby", got)
	}
}

func TestGainAndSetpointRequestsReachTheProfile(t *testing.T) {
	r := newRig(types.DualBoiler, false)
	r.runUntil(t, types.StateReady, 20)

	r.st.Apply(func(s *store.State) {
		s.Setpoints.BrewC = 88
		s.Requests.SetpointChanged = true
	})
	// Drop below the new band: with enough droop ticks Ready degrades.
	r.sen.snap.BrewTempC = 84
	for i := 0; i < droopDebounceTicks+2; i++ {
		r.tick()
	}
	if got := r.st.Snapshot().Machine; got != types.StateHeating {
		t.Fatalf("machine in %v, want Heating after sustained droop", got)
	}
}

func TestSelfTestStorageFailureGoesToFault(t *testing.T) {
	r := newRigCheck(types.DualBoiler, false, func() error { return errcode.StorageFailed })
	for i := 0; i < 10; i++ {
		r.tick()
	}
	s := r.st.Snapshot()
	if !s.Flags.Has(types.FlagSelfTest) {
		t.Fatal("self test flag not latched")
	}
	if s.Machine != types.StateFault {
		t.Fatalf("machine in %v, want Fault", s.Machine)
	}
	if s.Outputs.BrewDuty != 0 || s.Outputs.SteamDuty != 0 {
		t.Fatal("heaters commanded after a failed self test")
	}
}

func TestSelfTestImplausibleSensorGoesToFault(t *testing.T) {
	r := newRig(types.DualBoiler, false)
	// Finite but physically impossible: the ADC path, not the probe.
	r.sen.snap.BrewTempC = 500
	for i := 0; i < 10; i++ {
		r.tick()
	}
	s := r.st.Snapshot()
	if !s.Flags.Has(types.FlagSelfTest) {
		t.Fatal("self test flag not latched for an impossible reading")
	}
	if s.Machine != types.StateFault {
		t.Fatalf("machine in %v, want Fault", s.Machine)
	}
}

func TestSelfTestRunsOnceAndAgainAfterReset(t *testing.T) {
	calls, failures := 0, 1
	check := func() error {
		calls++
		if failures > 0 {
			failures--
			return errcode.StorageFailed
		}
		return nil
	}
	r := newRigCheck(types.DualBoiler, false, check)
	for i := 0; i < 10; i++ {
		r.tick()
	}
	if r.st.Snapshot().Machine != types.StateFault {
		t.Fatal("first self test should have faulted")
	}
	if calls != 1 {
		t.Fatalf("storage check ran %d times before reset, want 1", calls)
	}

	r.request(func(q *store.Requests) { q.FaultReset = true })
	r.runUntil(t, types.StateReady, 30)
	if calls != 2 {
		t.Fatalf("storage check ran %d times in total, want 2 after the reboot path", calls)
	}
}

func TestCleaningModeRunsBackflushes(t *testing.T) {
	r := newRig(types.DualBoiler, false)
	r.runUntil(t, types.StateReady, 20)

	r.request(func(q *store.Requests) { q.CleaningStart = true })
	r.tick()
	s := r.st.Snapshot()
	if s.Machine != types.StateService {
		t.Fatalf("cleaning request left machine in %v", s.Machine)
	}
	if s.Outputs.Relays&types.RelayPump != 0 {
		t.Fatal("pump running before any flush")
	}

	// Switch press starts a flush: pump and solenoid together.
	r.sen.snap.BrewSwitch = true
	r.tick()
	r.tick()
	s = r.st.Snapshot()
	if s.Outputs.Relays&types.RelayPump == 0 || s.Outputs.Relays&types.RelaySolenoid == 0 {
		t.Fatal("flush did not energize pump and solenoid")
	}

	// Held past the flush window it stops on its own.
	for i := int64(0); i < cleaningFlushMs/DefaultTickMs+2; i++ {
		r.tick()
	}
	s = r.st.Snapshot()
	if s.Machine != types.StateService {
		t.Fatalf("auto-stop left cleaning mode, machine in %v", s.Machine)
	}
	if s.Outputs.Relays&types.RelayPump != 0 {
		t.Fatal("flush did not auto-stop")
	}

	r.sen.snap.BrewSwitch = false
	r.request(func(q *store.Requests) { q.CleaningStop = true })
	r.tick()
	if got := r.st.Snapshot().Machine; got != types.StateHeating {
		t.Fatalf("cleaning stop left machine in %v, want Heating", got)
	}
}

func TestCleaningRefusedWhileBrewing(t *testing.T) {
	r := newRig(types.DualBoiler, false)
	r.runUntil(t, types.StateReady, 20)
	r.sen.snap.BrewSwitch = true
	r.tick()
	if r.st.Snapshot().Machine != types.StateBrewing {
		t.Fatal("precondition: shot should be running")
	}

	r.request(func(q *store.Requests) { q.CleaningStart = true })
	r.tick()
	if got := r.st.Snapshot().Machine; got != types.StateBrewing {
		t.Fatalf("cleaning request interrupted the shot, machine in %v", got)
	}
}

func TestShotTimerLatchesFinalDuration(t *testing.T) {
	r := newRig(types.DualBoiler, false)
	r.runUntil(t, types.StateReady, 20)

	r.sen.snap.BrewSwitch = true
	r.tick()
	for i := 0; i < 20; i++ {
		r.tick()
	}
	running := r.st.Snapshot().ShotMs

	r.sen.snap.BrewSwitch = false
	r.tick()
	latched := r.st.Snapshot().ShotMs
	if latched == 0 || latched < running {
		t.Fatalf("final shot time %dms, running was %dms", latched, running)
	}

	// The value holds through post-brew and back to Ready.
	r.runUntil(t, types.StateReady, 40)
	if got := r.st.Snapshot().ShotMs; got != latched {
		t.Fatalf("latched shot time drifted from %dms to %dms", latched, got)
	}
}
