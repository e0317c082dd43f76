package comm

import (
	"brewos-go/config"
	"brewos-go/errcode"
	"brewos-go/protocol"
	"brewos-go/store"
	"brewos-go/types"
)

// handleFrame dispatches one validated frame. Every command is answered
// with an ack carrying the handler's result; queries answer with their
// data frame instead.
func (s *Service) handleFrame(f *protocol.Frame, nowMs int64) {
	s.st.PeerSeen(nowMs)
	s.peerAlive = true

	switch f.Type {
	case protocol.MsgPing:
		// Echoed verbatim; the peer uses the round trip as a liveness probe.
		s.send(protocol.MsgPing, f.Payload)

	case protocol.MsgPowerMeter:
		s.handlePowerMeter(f.Payload, nowMs)

	case protocol.MsgSetTemp:
		s.sendAck(f.Type, s.handleSetTemp(f.Payload, nowMs))
	case protocol.MsgSetPID:
		s.sendAck(f.Type, s.handleSetPID(f.Payload, nowMs))
	case protocol.MsgMode:
		s.sendAck(f.Type, s.handleMode(f.Payload))
	case protocol.MsgBrew:
		s.sendAck(f.Type, s.handleBrew(f.Payload))
	case protocol.MsgCleaning:
		s.sendAck(f.Type, s.handleCleaning(f.Payload))
	case protocol.MsgFaultReset:
		s.sendAck(f.Type, s.handleFaultReset(f.Payload))
	case protocol.MsgSetConfig:
		s.sendAck(f.Type, s.handleSetConfig(f.Payload, nowMs))
	case protocol.MsgGetConfig:
		s.handleGetConfig()
	case protocol.MsgEnterUpdate:
		s.handleEnterUpdate(f.Payload, nowMs)

	default:
		s.stats.Unknown++
		s.sendAck(f.Type, errcode.UnknownMsg)
	}
}

func (s *Service) handlePowerMeter(b []byte, nowMs int64) {
	var p protocol.PowerMeterPayload
	if err := p.Unmarshal(b); err != nil {
		return // meter data is advisory, not worth a nack
	}
	s.st.Apply(func(st *store.State) {
		st.Power = types.PowerReading{
			Watts:    p.Watts,
			DeciVolt: p.DeciVolt,
			CentiAmp: p.CentiAmp,
			EnergyWh: p.EnergyWh,
			AtMs:     nowMs,
		}
	})
}

func (s *Service) handleSetTemp(b []byte, nowMs int64) error {
	var p protocol.SetTempPayload
	if err := p.Unmarshal(b); err != nil {
		return err
	}
	if p.TempC != p.TempC || p.TempC < config.MinSetpointC {
		return errcode.InvalidParams
	}
	switch p.Boiler {
	case protocol.BoilerBrew:
		if p.TempC > config.MaxBrewSetpointC {
			return errcode.InvalidParams
		}
		s.st.Apply(func(st *store.State) {
			st.Setpoints.BrewC = p.TempC
			st.Requests.SetpointChanged = true
		})
	case protocol.BoilerSteam:
		if p.TempC > config.MaxSteamSetpointC {
			return errcode.InvalidParams
		}
		s.st.Apply(func(st *store.State) {
			st.Setpoints.SteamC = p.TempC
			st.Requests.SetpointChanged = true
		})
	default:
		return errcode.InvalidParams
	}
	s.saver.Changed(nowMs)
	return nil
}

func (s *Service) handleSetPID(b []byte, nowMs int64) error {
	var p protocol.SetPIDPayload
	if err := p.Unmarshal(b); err != nil {
		return err
	}
	g := p.Gains
	bad := func(v float32) bool { return v != v || v < 0 || v > config.MaxGain }
	if bad(g.Kp) || bad(g.Ki) || bad(g.Kd) {
		return errcode.InvalidParams
	}
	switch p.Boiler {
	case protocol.BoilerBrew:
		s.st.Apply(func(st *store.State) {
			st.BrewGains = g
			st.Requests.GainsChanged = true
		})
	case protocol.BoilerSteam:
		s.st.Apply(func(st *store.State) {
			st.SteamGains = g
			st.Requests.GainsChanged = true
		})
	default:
		return errcode.InvalidParams
	}
	s.saver.Changed(nowMs)
	return nil
}

func (s *Service) handleMode(b []byte) error {
	var p protocol.ModePayload
	if err := p.Unmarshal(b); err != nil {
		return err
	}
	if !p.Mode.Valid() {
		return errcode.InvalidParams
	}
	s.st.Apply(func(st *store.State) {
		st.Requests.Mode = p.Mode
		st.Requests.ModeSet = true
	})
	return nil
}

func (s *Service) handleBrew(b []byte) error {
	var p protocol.BrewPayload
	if err := p.Unmarshal(b); err != nil {
		return err
	}
	s.st.Apply(func(st *store.State) {
		if p.Start {
			st.Requests.BrewStart = true
		} else {
			st.Requests.BrewStop = true
		}
	})
	return nil
}

// handleCleaning queues the mode change. Like the fault reset, the ack
// means "accepted for evaluation": the control tick refuses to enter
// cleaning while a shot is running, and the status state shows which way
// it went.
func (s *Service) handleCleaning(b []byte) error {
	var p protocol.CleaningPayload
	if err := p.Unmarshal(b); err != nil {
		return err
	}
	s.st.Apply(func(st *store.State) {
		if p.Active {
			st.Requests.CleaningStart = true
		} else {
			st.Requests.CleaningStop = true
		}
	})
	return nil
}

// handleFaultReset queues the reset for the control tick. The ack means
// "accepted for evaluation"; the interlocks still refuse a reset whose
// condition persists, and the flags in the next status tell the peer which
// way it went.
func (s *Service) handleFaultReset(b []byte) error {
	var p protocol.FaultResetPayload
	if err := p.Unmarshal(b); err != nil {
		return err
	}
	s.st.Apply(func(st *store.State) { st.Requests.FaultReset = true })
	return nil
}

func (s *Service) handleSetConfig(b []byte, nowMs int64) error {
	var p protocol.ConfigPayload
	if err := p.Unmarshal(b); err != nil {
		return err
	}
	cfg := config.Sanitize(p.Config, s.machine)
	s.st.Apply(func(st *store.State) {
		st.Setpoints = cfg.Setpoints
		st.BrewGains = cfg.BrewGains
		st.SteamGains = cfg.SteamGains
		st.Strategy = cfg.Strategy
		st.PreInfusion = cfg.PreInfusion
		st.EcoTimeoutMin = cfg.EcoTimeoutMin
		st.Requests.SetpointChanged = true
		st.Requests.GainsChanged = true
		st.Requests.ConfigChanged = true
	})
	s.saver.Changed(nowMs)
	return nil
}

func (s *Service) handleGetConfig() {
	p := protocol.ConfigPayload{Config: s.configSnapshot()}
	s.send(protocol.MsgConfig, p.Marshal(s.pbuf[:0]))
}
