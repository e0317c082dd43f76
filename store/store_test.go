package store

import (
	"sync"
	"testing"

	"brewos-go/types"
)

func defaults() types.RuntimeConfig {
	return types.RuntimeConfig{
		Setpoints: types.Setpoints{BrewC: 93, SteamC: 140},
		BrewGains: types.PIDGains{Kp: 2, Ki: 0.1, Kd: 1},
	}
}

func TestNewSeedsFromConfig(t *testing.T) {
	st := New(defaults())
	s := st.Snapshot()
	if s.Machine != types.StateBoot || s.Mode != types.ModeBrew {
		t.Fatalf("boot state: %v %v", s.Machine, s.Mode)
	}
	if s.Setpoints.BrewC != 93 || s.BrewGains.Kp != 2 {
		t.Fatalf("tunables not seeded: %+v", s)
	}
}

func TestTakeRequestsConsumesOnce(t *testing.T) {
	st := New(defaults())
	st.Apply(func(s *State) {
		s.Requests.BrewStart = true
		s.Requests.ModeSet = true
		s.Requests.Mode = types.ModeSteam
	})
	r := st.TakeRequests()
	if !r.BrewStart || !r.ModeSet || r.Mode != types.ModeSteam {
		t.Fatalf("first take: %+v", r)
	}
	if r2 := st.TakeRequests(); r2 != (Requests{}) {
		t.Fatalf("second take not empty: %+v", r2)
	}
}

func TestSnapshotNeverTorn(t *testing.T) {
	// A writer flips two fields together under Apply; every snapshot must
	// see them agree.
	st := New(defaults())
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		v := uint8(0)
		for {
			select {
			case <-done:
				return
			default:
			}
			v++
			duty := v % 96
			st.Apply(func(s *State) {
				s.Outputs.BrewDuty = duty
				s.Outputs.SteamDuty = duty
			})
		}
	}()
	for i := 0; i < 10000; i++ {
		s := st.Snapshot()
		if s.Outputs.BrewDuty != s.Outputs.SteamDuty {
			t.Fatalf("torn read: %d != %d", s.Outputs.BrewDuty, s.Outputs.SteamDuty)
		}
	}
	close(done)
	wg.Wait()
}

func TestPublishTickOwnsItsFields(t *testing.T) {
	st := New(defaults())
	st.Apply(func(s *State) { s.Setpoints.BrewC = 95 })
	st.PublishTick(
		types.SensorSnapshot{BrewTempC: 92.5},
		types.OutputSnapshot{BrewDuty: 40},
		types.StateHeating, types.FlagPeerTimeout, 120, 0,
	)
	s := st.Snapshot()
	if s.Sensors.BrewTempC != 92.5 || s.Outputs.BrewDuty != 40 {
		t.Fatalf("tick write lost: %+v", s)
	}
	if s.Machine != types.StateHeating || s.UptimeS != 120 {
		t.Fatalf("tick state lost: %+v", s)
	}
	// Command-side field untouched by the tick write.
	if s.Setpoints.BrewC != 95 {
		t.Fatalf("setpoint clobbered: %v", s.Setpoints.BrewC)
	}
}
