package sim

import (
	"testing"

	"brewos-go/bus"
	"brewos-go/drivers"
	"brewos-go/types"
)

func stepFor(m *Machine, ms int64) {
	for t := int64(0); t < ms; t += 100 {
		m.Step(100)
	}
}

func TestHeaterWarmsOnlyItsBoiler(t *testing.T) {
	m := New(DefaultConfig(), nil)
	m.SetHeater(drivers.HeaterBrew, true)
	stepFor(m, 60_000)

	brew, steam := m.Temps()
	if brew < DefaultConfig().AmbientC+20 {
		t.Fatalf("brew boiler only reached %.1f after a minute at full power", brew)
	}
	if steam > DefaultConfig().AmbientC+1 {
		t.Fatalf("steam boiler warmed to %.1f with its element off", steam)
	}
}

func TestPumpLoadsTheBrewBoiler(t *testing.T) {
	m := New(DefaultConfig(), nil)
	m.SetHeater(drivers.HeaterBrew, true)
	stepFor(m, 120_000)
	hot, _ := m.Temps()

	m.SetRelay(types.RelayPump, true)
	stepFor(m, 20_000)
	pulled, _ := m.Temps()
	if pulled >= hot {
		t.Fatalf("pulling a shot did not load the boiler: %.1f -> %.1f", hot, pulled)
	}
	if s := m.Poll(); s.PressureBar != 9.0 {
		t.Fatalf("pressure %.1f with the pump on", s.PressureBar)
	}
}

func TestFaultInjectionShowsAtTheSensors(t *testing.T) {
	m := New(DefaultConfig(), nil)
	s := m.Poll()
	if s.Level != types.LevelReservoir|types.LevelTank|types.LevelSteamProbe {
		t.Fatalf("healthy machine missing level bits: %v", s.Level)
	}

	m.SetFaults(Faults{BrewNTCOpen: true, ReservoirEmpty: true})
	s = m.Poll()
	if s.BrewTempC == s.BrewTempC {
		t.Fatal("open NTC still reads a number")
	}
	if s.Level.Has(types.LevelReservoir) {
		t.Fatal("empty reservoir still reads present")
	}

	m.SetFaults(Faults{SteamNTCShort: true})
	if s = m.Poll(); s.SteamTempC > -20 {
		t.Fatalf("shorted steam NTC reads %.1f", s.SteamTempC)
	}
}

func TestStuckSSRHeatsAgainstTheCommand(t *testing.T) {
	m := New(DefaultConfig(), nil)
	m.SetFaults(Faults{BrewSSRStuck: true})
	m.SetHeater(drivers.HeaterBrew, false)
	stepFor(m, 60_000)
	if brew, _ := m.Temps(); brew < DefaultConfig().AmbientC+20 {
		t.Fatalf("stuck relay did not heat: %.1f", brew)
	}
}

func TestWatchdogExpiresWithoutFeeding(t *testing.T) {
	m := New(DefaultConfig(), nil)
	m.Start(2000)

	for i := 0; i < 30; i++ {
		m.Step(100)
		m.Feed()
	}
	if m.Expired() {
		t.Fatal("fed watchdog expired")
	}

	stepFor(m, 2_500)
	if !m.Expired() {
		t.Fatal("starved watchdog never expired")
	}
}

func TestFlashStageAndCommit(t *testing.T) {
	m := New(DefaultConfig(), nil)
	img := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := m.Begin(uint32(len(img))); err != nil {
		t.Fatal(err)
	}
	if err := m.WriteAt(0, img[:4]); err != nil {
		t.Fatal(err)
	}
	if err := m.WriteAt(4, img[4:]); err != nil {
		t.Fatal(err)
	}
	if m.CommittedImage() != nil {
		t.Fatal("image visible before commit")
	}
	if err := m.Commit(); err != nil {
		t.Fatal(err)
	}
	got := m.CommittedImage()
	if string(got) != string(img) {
		t.Fatalf("committed %v, want %v", got, img)
	}
}

func TestEventsReachTheBus(t *testing.T) {
	b := bus.NewBus(8)
	conn := b.NewConnection("test")
	sub := conn.Subscribe(TopicHeater)
	defer conn.Unsubscribe(sub)

	m := New(DefaultConfig(), b.NewConnection("sim"))
	m.SetHeater(drivers.HeaterSteam, true)

	select {
	case msg := <-sub.Channel():
		p, ok := msg.Payload.(map[string]any)
		if !ok || p["on"] != true {
			t.Fatalf("unexpected heater event payload: %+v", msg.Payload)
		}
	default:
		t.Fatal("no heater event published")
	}
}
