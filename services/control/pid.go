package control

import "brewos-go/types"

// PID is one boiler's temperature controller. No locking here: it lives
// entirely inside the control context and other contexts reach it only
// through store requests.
//
// Shape of the computation, once per tick:
//   - setpoint approaches its target at RampRate °C/s
//   - derivative is taken on the measurement, not the error, through a
//     first-order low-pass, so setpoint steps cannot kick the output
//   - integration is suppressed in the saturating direction whenever the
//     summed output clips (anti-windup)
type PID struct {
	gains types.PIDGains

	setpoint float32 // ramped working setpoint
	target   float32 // commanded setpoint
	ramping  bool

	integral  float32
	lastMeas  float32
	lastDeriv float32
	firstRun  bool

	out float32
}

const (
	outputMin = 0.0
	outputMax = 95.0 // SSR ceiling; the loop must always be able to back off

	// Derivative low-pass time constant, seconds.
	derivTau = 0.5

	// Setpoint ramp, °C/s. Slow enough that the boiler tracks instead of
	// overshooting on a cold start.
	rampRate = 1.0

	// Below this Ki the integral term is treated as disabled.
	kiEpsilon = 0.001
)

func NewPID(gains types.PIDGains, setpoint float32) *PID {
	p := &PID{gains: gains, setpoint: setpoint, target: setpoint}
	p.Reset()
	return p
}

// SetTarget moves the setpoint. The working setpoint ramps toward it and
// the controller history is zeroed so stale integral from the old operating
// point cannot carry over.
func (p *PID) SetTarget(t float32) {
	if t == p.target {
		return
	}
	p.target = t
	p.ramping = true
	p.Reset()
}

// Jump sets the setpoint immediately, without ramping. Used on mode
// re-entry where the boiler is already near the new operating point.
func (p *PID) Jump(t float32) {
	p.target = t
	p.setpoint = t
	p.ramping = false
	p.Reset()
}

func (p *PID) SetGains(g types.PIDGains) {
	p.gains = g
	p.Reset()
}

func (p *PID) Gains() types.PIDGains { return p.gains }
func (p *PID) Setpoint() float32     { return p.setpoint }
func (p *PID) Target() float32       { return p.target }
func (p *PID) Output() float32       { return p.out }

// Reset zeroes integral and derivative history. The next Compute skips the
// derivative term entirely rather than differentiating against garbage.
func (p *PID) Reset() {
	p.integral = 0
	p.lastDeriv = 0
	p.firstRun = true
}

// Compute advances one tick. dt is seconds and must be > 0.
func (p *PID) Compute(measurement, dt float32) float32 {
	// A faulted sensor reads NaN. Demand nothing and restart the
	// derivative history, so a recovering sensor is not differentiated
	// against garbage.
	if measurement != measurement {
		p.firstRun = true
		p.out = 0
		return 0
	}

	if p.ramping {
		diff := p.target - p.setpoint
		step := rampRate * dt
		if diff <= step && diff >= -step {
			p.setpoint = p.target
			p.ramping = false
		} else if diff > 0 {
			p.setpoint += step
		} else {
			p.setpoint -= step
		}
	}

	err := p.setpoint - measurement

	pTerm := p.gains.Kp * err

	iTerm := float32(0)
	iStep := float32(0)
	if p.gains.Ki > kiEpsilon {
		iStep = err * dt
		p.integral += iStep
		// Independent clamp so the integral alone can never demand more
		// than full output.
		maxI := outputMax / p.gains.Ki
		if p.integral > maxI {
			p.integral = maxI
		} else if p.integral < -maxI {
			p.integral = -maxI
		}
		iTerm = p.gains.Ki * p.integral
	} else {
		p.integral = 0
	}

	dTerm := float32(0)
	if p.firstRun {
		p.lastMeas = measurement
		p.lastDeriv = 0
		p.firstRun = false
	} else {
		rate := (measurement - p.lastMeas) / dt
		alpha := dt / (derivTau + dt)
		p.lastDeriv = alpha*rate + (1-alpha)*p.lastDeriv
		dTerm = -p.gains.Kd * p.lastDeriv
		p.lastMeas = measurement
	}

	out := pTerm + iTerm + dTerm
	if out > outputMax {
		if iStep > 0 {
			p.integral -= iStep // anti-windup: undo this tick's integration
		}
		out = outputMax
	} else if out < outputMin {
		if iStep < 0 {
			p.integral -= iStep
		}
		out = outputMin
	}
	p.out = out
	return out
}
