package main

import (
	"fmt"
	"time"

	"go.bug.st/serial"

	"brewos-go/protocol"
)

// session wraps the serial port with the frame codec. All the commands
// speak through it; the update path drops to raw bytes on the same port.
type session struct {
	port serial.Port
	dec  *protocol.Decoder
	buf  [256]byte
}

func openSession() (*session, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", portName, err)
	}
	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		port.Close()
		return nil, err
	}
	return &session{port: port, dec: protocol.NewDecoder(nil)}, nil
}

func (s *session) close() { s.port.Close() }

func (s *session) send(t protocol.MsgType, payload []byte) error {
	wire, err := protocol.AppendFrame(nil, t, payload)
	if err != nil {
		return err
	}
	_, err = s.port.Write(wire)
	return err
}

// next returns the next valid frame, waiting up to timeout. Frames carry
// payload slices owned by the decoder; callers unmarshal before reading on.
func (s *session) next(timeout time.Duration) (*protocol.Frame, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		n, err := s.port.Read(s.buf[:])
		if err != nil {
			return nil, err
		}
		for _, b := range s.buf[:n] {
			f, ferr := s.dec.Feed(b)
			if ferr != nil {
				continue
			}
			if f != nil {
				return f, nil
			}
		}
	}
	return nil, fmt.Errorf("no frame within %v", timeout)
}

// waitFor skips frames until one of the wanted type arrives. Telemetry
// keeps flowing between a command and its ack, so skipping is normal.
func (s *session) waitFor(t protocol.MsgType, timeout time.Duration) (*protocol.Frame, error) {
	deadline := time.Now().Add(timeout)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return nil, fmt.Errorf("no %s within %v", t, timeout)
		}
		f, err := s.next(left)
		if err != nil {
			return nil, err
		}
		if f.Type == t {
			return f, nil
		}
	}
}

// waitAck resolves a command round-trip, surfacing a refused ack as an
// error the caller can print.
func (s *session) waitAck(cmd protocol.MsgType, timeout time.Duration) error {
	for {
		f, err := s.waitFor(protocol.MsgAck, timeout)
		if err != nil {
			return err
		}
		var ack protocol.AckPayload
		if ack.Unmarshal(f.Payload) != nil || ack.Cmd != cmd {
			continue
		}
		if ack.Result != protocol.AckOK {
			return fmt.Errorf("%s refused: %s", cmd, ackName(ack.Result))
		}
		return nil
	}
}

func ackName(r protocol.AckResult) string {
	switch r {
	case protocol.AckOK:
		return "ok"
	case protocol.AckInvalid:
		return "invalid"
	case protocol.AckRejected:
		return "rejected"
	case protocol.AckFailed:
		return "failed"
	case protocol.AckTimeout:
		return "timeout"
	case protocol.AckBusy:
		return "busy"
	case protocol.AckNotReady:
		return "not ready"
	}
	return "unknown"
}

// readRaw reads whatever bytes are pending, for the update sub-protocol.
func (s *session) readRaw(p []byte) (int, error) { return s.port.Read(p) }

func (s *session) writeRaw(p []byte) (int, error) { return s.port.Write(p) }
