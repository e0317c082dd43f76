package control

import "brewos-go/types"

// Brew cycle plumbing: pump and 3-way solenoid sequencing while the FSM
// sits in Brewing/PostBrew. The solenoid stays energized from first pump
// stroke until the post-brew settle ends, so line pressure always has a
// release path.

const postBrewSettleMs = 2000

type brewPhase uint8

const (
	brewIdle brewPhase = iota
	brewPreOn
	brewPrePause
	brewFull
)

type brewCycle struct {
	cfg     types.PreInfusionConfig
	phase   brewPhase
	startMs int64 // cycle start
	stopMs  int64 // cycle end, 0 while running
	phaseMs int64 // current phase start
}

func (b *brewCycle) Start(nowMs int64, cfg types.PreInfusionConfig) {
	b.cfg = cfg
	b.startMs = nowMs
	b.stopMs = 0
	b.phaseMs = nowMs
	if cfg.Enabled && cfg.OnMs > 0 {
		b.phase = brewPreOn
	} else {
		b.phase = brewFull
	}
}

// Stop captures the stop time so the finished shot duration stays on
// display until the next shot starts.
func (b *brewCycle) Stop(nowMs int64) {
	if b.phase != brewIdle && b.stopMs == 0 {
		b.stopMs = nowMs
	}
	b.phase = brewIdle
}

func (b *brewCycle) Active() bool { return b.phase != brewIdle }

// ShotMs is the shot timer: running while the cycle is active, latched at
// the final duration after Stop. Saturates at the uint16 telemetry field.
func (b *brewCycle) ShotMs(nowMs int64) uint16 {
	if b.startMs == 0 {
		return 0
	}
	end := nowMs
	if b.stopMs != 0 {
		end = b.stopMs
	}
	ms := end - b.startMs
	if ms > 65535 {
		return 65535
	}
	return uint16(ms)
}

// Tick advances the pre-infusion phases and reports what the pump should
// be doing. The solenoid is on for the whole active cycle.
func (b *brewCycle) Tick(nowMs int64) (pumpOn bool) {
	switch b.phase {
	case brewIdle:
		return false
	case brewPreOn:
		if nowMs-b.phaseMs >= int64(b.cfg.OnMs) {
			b.phase = brewPrePause
			b.phaseMs = nowMs
			return false
		}
		return true
	case brewPrePause:
		if nowMs-b.phaseMs >= int64(b.cfg.PauseMs) {
			b.phase = brewFull
			b.phaseMs = nowMs
			return true
		}
		return false
	default: // brewFull
		return true
	}
}
