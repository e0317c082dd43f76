package control

import "brewos-go/drivers"

// PWM is the software time-proportioning driver for the zero-cross SSRs.
// One fixed period, per-channel duty and phase offset; Update is called
// every control tick and drives the raw pins. The period is a tunable
// constant: long enough to limit switching wear, short enough to avoid
// thermal ripple.
type PWM struct {
	out      drivers.Outputs
	periodMs int64
	startMs  int64 // current window start, 0 until first Update
	ch       [drivers.HeaterCount]pwmChannel
}

type pwmChannel struct {
	duty     uint8 // 0..MaxDutyPct
	offsetMs int64 // phase shift within the period
	on       bool
}

const DefaultPWMPeriodMs = 1000

// MinPWMPeriodMs bounds configurable periods; finer than this and the
// relay switches on nearly every mains cycle.
const MinPWMPeriodMs = 40

func NewPWM(out drivers.Outputs, periodMs int64) *PWM {
	if periodMs < MinPWMPeriodMs {
		periodMs = MinPWMPeriodMs
	}
	// Channels stay off until the first Update; the provider's AllOff at
	// init guarantees no output glitch before that.
	return &PWM{out: out, periodMs: periodMs}
}

// SetDuty stores a 0-100 target, clamped to the safety ceiling. Takes
// effect from the next Update.
func (p *PWM) SetDuty(ch drivers.HeaterChannel, pct uint8) {
	if pct > MaxDutyPct {
		pct = MaxDutyPct
	}
	p.ch[ch].duty = pct
}

// SetPhase shifts a channel's ON window within the period. SmartStagger
// uses this to interleave the two elements instead of stacking them.
func (p *PWM) SetPhase(ch drivers.HeaterChannel, offsetMs int64) {
	if offsetMs < 0 || offsetMs >= p.periodMs {
		offsetMs = 0
	}
	p.ch[ch].offsetMs = offsetMs
}

func (p *PWM) Duty(ch drivers.HeaterChannel) uint8 { return p.ch[ch].duty }

// Update advances the window and drives each pin high while the elapsed
// time sits inside the channel's ON span, wrapping at the period boundary.
func (p *PWM) Update(nowMs int64) {
	if p.startMs == 0 {
		p.startMs = nowMs
	}
	for nowMs-p.startMs >= p.periodMs {
		p.startMs += p.periodMs
	}
	elapsed := nowMs - p.startMs

	for i := range p.ch {
		c := &p.ch[i]
		onMs := p.periodMs * int64(c.duty) / 100
		on := inWindow(elapsed, c.offsetMs, onMs, p.periodMs)
		if on != c.on {
			c.on = on
			p.out.SetHeater(drivers.HeaterChannel(i), on)
		}
	}
}

// AllOff zeroes every duty and forces the pins off immediately, without
// waiting for the next window.
func (p *PWM) AllOff() {
	for i := range p.ch {
		p.ch[i].duty = 0
		p.ch[i].on = false
	}
	p.out.SetHeater(drivers.HeaterBrew, false)
	p.out.SetHeater(drivers.HeaterSteam, false)
}

// inWindow reports whether elapsed lies inside [start, start+width) taken
// modulo period.
func inWindow(elapsed, start, width, period int64) bool {
	if width <= 0 {
		return false
	}
	if width >= period {
		return true
	}
	end := start + width
	if end <= period {
		return elapsed >= start && elapsed < end
	}
	return elapsed >= start || elapsed < end-period
}
