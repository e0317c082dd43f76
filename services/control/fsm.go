package control

import (
	"brewos-go/errcode"
	"brewos-go/types"
)

// FSM owns the machine lifecycle. Requested transitions are legal only if
// present in the static adjacency table; illegal requests are rejected and
// reported, never silently coerced. Critical interlocks bypass the table
// through Force.
type FSM struct {
	state types.MachineState
	// entered is when the current state was entered, for timed edges
	// (PostBrew settle, Standby wake).
	enteredMs int64
}

// legal[from][to]. Rows not mentioned stay all-false. Fault's only exit is
// Boot, and only the explicit reset command takes it.
var legal = func() [types.StateCount][types.StateCount]bool {
	var t [types.StateCount][types.StateCount]bool
	allow := func(from types.MachineState, to ...types.MachineState) {
		for _, s := range to {
			t[from][s] = true
		}
	}
	allow(types.StateBoot, types.StateSelfTest)
	allow(types.StateSelfTest, types.StateHeating, types.StateStandby, types.StateSafeMode, types.StateFault)
	allow(types.StateHeating, types.StateReady, types.StateBrewing, types.StateStandby, types.StateService, types.StateSafeMode, types.StateFault)
	allow(types.StateReady, types.StateBrewing, types.StateHeating, types.StateStandby, types.StateService, types.StateSafeMode, types.StateFault)
	allow(types.StateBrewing, types.StatePostBrew, types.StateSafeMode, types.StateFault)
	allow(types.StatePostBrew, types.StateReady, types.StateSafeMode, types.StateFault)
	allow(types.StateStandby, types.StateHeating, types.StateService, types.StateSafeMode, types.StateFault)
	allow(types.StateService, types.StateHeating, types.StateStandby, types.StateSafeMode, types.StateFault)
	allow(types.StateSafeMode, types.StateBoot, types.StateFault)
	allow(types.StateFault, types.StateBoot)
	return t
}()

func NewFSM(nowMs int64) *FSM {
	return &FSM{state: types.StateBoot, enteredMs: nowMs}
}

func (f *FSM) State() types.MachineState { return f.state }

// InStateMs reports how long the current state has been held.
func (f *FSM) InStateMs(nowMs int64) int64 { return nowMs - f.enteredMs }

// Request attempts a table-checked transition. On rejection the current
// state is untouched.
func (f *FSM) Request(to types.MachineState, nowMs int64) error {
	if !to.Valid() || !legal[f.state][to] {
		return &errcode.E{
			C: errcode.Rejected, Op: "fsm.request",
			Msg: f.state.String() + " -> " + to.String(),
		}
	}
	f.state = to
	f.enteredMs = nowMs
	return nil
}

// Force enters SafeMode or Fault unconditionally, overriding any in-flight
// request. Only the interlock engine calls this.
func (f *FSM) Force(to types.MachineState, nowMs int64) {
	if to != types.StateSafeMode && to != types.StateFault {
		return
	}
	// Fault outranks SafeMode; never downgrade.
	if f.state == types.StateFault {
		return
	}
	if f.state == to {
		return
	}
	if f.state == types.StateSafeMode && to != types.StateFault {
		return
	}
	f.state = to
	f.enteredMs = nowMs
}
