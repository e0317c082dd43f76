package control

import "brewos-go/drivers"

// Supervisor wraps the hardware watchdog. Fed exactly once per completed
// tick; feeding again within the same tick is a no-op, so a double feed
// cannot double the safety margin.
type Supervisor struct {
	wd      drivers.Watchdog
	fedTick uint64
	started bool
}

const WatchdogTimeoutMs = 2000

func NewSupervisor(wd drivers.Watchdog) *Supervisor {
	return &Supervisor{wd: wd}
}

// Arm starts the hardware countdown. After this only Feed keeps the
// device alive; there is no stop.
func (s *Supervisor) Arm() {
	if s.started {
		return
	}
	s.wd.Start(WatchdogTimeoutMs)
	s.started = true
	s.fedTick = 0
}

// Feed marks tick n complete. The first call for a given n reaches the
// hardware; repeats are ignored.
func (s *Supervisor) Feed(tick uint64) {
	if !s.started || tick == s.fedTick {
		return
	}
	s.fedTick = tick
	s.wd.Feed()
}
