package protocol

import (
	"math"
	"testing"

	"brewos-go/errcode"
	"brewos-go/types"
)

func feedAll(t *testing.T, d *Decoder, wire []byte) *Frame {
	t.Helper()
	var got *Frame
	for i, b := range wire {
		f, err := d.Feed(b)
		if err != nil {
			t.Fatalf("byte %d: unexpected decode error: %v", i, err)
		}
		if f != nil {
			if got != nil {
				t.Fatalf("byte %d: second frame from one wire image", i)
			}
			got = f
		}
	}
	return got
}

func mustFrame(t *testing.T, typ MsgType, payload []byte) []byte {
	t.Helper()
	wire, err := AppendFrame(nil, typ, payload)
	if err != nil {
		t.Fatalf("AppendFrame: %v", err)
	}
	return wire
}

func TestRoundTripAllLengths(t *testing.T) {
	// Minimum, typical, and maximum payload sizes through encode+decode.
	for _, n := range []int{0, 1, 7, MaxPayload} {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i*31 + 5)
		}
		wire := mustFrame(t, MsgPing, payload)
		d := NewDecoder(nil)
		f := feedAll(t, d, wire)
		if f == nil {
			t.Fatalf("len %d: no frame decoded", n)
		}
		if f.Type != MsgPing || len(f.Payload) != n {
			t.Fatalf("len %d: got type %v len %d", n, f.Type, len(f.Payload))
		}
		for i := range payload {
			if f.Payload[i] != payload[i] {
				t.Fatalf("len %d: payload byte %d mismatch", n, i)
			}
		}
	}
}

func TestChecksumSensitivity(t *testing.T) {
	// Flipping any single bit in payload or CRC must reject the frame.
	payload := []byte{0x01, 0x02, 0x03, 0x04}
	wire := mustFrame(t, MsgStatus, payload)
	for pos := headerSize; pos < len(wire); pos++ {
		for bit := 0; bit < 8; bit++ {
			mut := make([]byte, len(wire))
			copy(mut, wire)
			mut[pos] ^= 1 << bit

			d := NewDecoder(nil)
			var got *Frame
			for _, b := range mut {
				f, _ := d.Feed(b)
				if f != nil {
					got = f
				}
			}
			if got != nil {
				t.Fatalf("flip at byte %d bit %d: frame accepted", pos, bit)
			}
		}
	}
}

func TestDecoderResyncsAfterGarbage(t *testing.T) {
	d := NewDecoder(nil)
	// Noise, a corrupt frame, then a clean frame.
	noise := []byte{0x00, 0xFF, 0x13, SyncByte, byte(MsgPing), 2, 0xDE, 0xAD, 0x00, 0x00}
	for _, b := range noise {
		d.Feed(b)
	}
	wire := mustFrame(t, MsgMode, []byte{byte(types.ModeSteam)})
	f := feedAll(t, d, wire)
	if f == nil || f.Type != MsgMode {
		t.Fatalf("decoder did not recover: %+v", f)
	}
}

func TestLengthFieldBounded(t *testing.T) {
	var s Stats
	d := NewDecoder(&s)
	_, err := d.Feed(SyncByte)
	if err != nil {
		t.Fatal(err)
	}
	d.Feed(byte(MsgStatus))
	_, err = d.Feed(MaxPayload + 1)
	if errcode.Of(err) != errcode.InvalidLength {
		t.Fatalf("oversize length: got %v", err)
	}
	if s.LengthErrors != 1 {
		t.Fatalf("LengthErrors = %d", s.LengthErrors)
	}
	if !d.Idle() {
		t.Fatal("decoder not reseeking after length error")
	}
}

func TestResetCountsPartialAsDropped(t *testing.T) {
	var s Stats
	d := NewDecoder(&s)
	d.Feed(SyncByte)
	d.Feed(byte(MsgStatus))
	d.Reset()
	if s.Dropped != 1 {
		t.Fatalf("Dropped = %d, want 1", s.Dropped)
	}
	d.Reset() // idle reset must not double-count
	if s.Dropped != 1 {
		t.Fatalf("idle Reset counted: Dropped = %d", s.Dropped)
	}
}

func TestEncoderRefusesOversizePayload(t *testing.T) {
	e := NewEncoder(nil)
	_, err := e.Frame(MsgLog, make([]byte, MaxPayload+1))
	if errcode.Of(err) != errcode.InvalidLength {
		t.Fatalf("got %v", err)
	}
}

func TestStatusPayloadRoundTrip(t *testing.T) {
	in := StatusPayload{
		State:       types.StateBrewing,
		Mode:        types.ModeBrew,
		Flags:       types.FlagOverTemp | types.FlagPeerTimeout,
		BrewTempC:   92.4,
		SteamTempC:  139.9,
		GroupTempC:  float32(math.NaN()),
		PressureBar: 9.12,
		BrewDuty:    63,
		SteamDuty:   0,
		Relays:      types.RelayPump | types.RelaySolenoid,
		Level:       types.LevelReservoir | types.LevelTank,
		PowerW:      1420,
		UptimeS:     86401,
		ShotMs:      12400,
	}
	var out StatusPayload
	if err := out.Unmarshal(in.Marshal(nil)); err != nil {
		t.Fatal(err)
	}
	if out.State != in.State || out.Mode != in.Mode || out.Flags != in.Flags {
		t.Fatalf("state fields: %+v", out)
	}
	if out.BrewTempC != 92.4 || out.SteamTempC != 139.9 {
		t.Fatalf("temps: %v %v", out.BrewTempC, out.SteamTempC)
	}
	if !math.IsNaN(float64(out.GroupTempC)) {
		t.Fatalf("fault sentinel lost: %v", out.GroupTempC)
	}
	if out.ShotMs != in.ShotMs || out.UptimeS != in.UptimeS || out.PowerW != in.PowerW {
		t.Fatalf("counters: %+v", out)
	}
}

func TestConfigPayloadRoundTrip(t *testing.T) {
	in := ConfigPayload{Config: types.RuntimeConfig{
		Machine:    types.DualBoiler,
		Setpoints:  types.Setpoints{BrewC: 93, SteamC: 140},
		BrewGains:  types.PIDGains{Kp: 2, Ki: 0.1, Kd: 1},
		SteamGains: types.PIDGains{Kp: 3.5, Ki: 0.05, Kd: 0.8},
		Strategy: types.StrategyConfig{
			Strategy:        types.SmartStagger,
			ThresholdPct:    90,
			MaxCombinedDuty: 150,
			PriorityBrew:    true,
		},
		PreInfusion:   types.PreInfusionConfig{Enabled: true, OnMs: 3000, PauseMs: 5000},
		EcoTimeoutMin: 30,
	}}
	var out ConfigPayload
	if err := out.Unmarshal(in.Marshal(nil)); err != nil {
		t.Fatal(err)
	}
	if out.Config != in.Config {
		t.Fatalf("config mismatch:\n in  %+v\n out %+v", in.Config, out.Config)
	}
}

func TestFaultResetRequiresMagic(t *testing.T) {
	var p FaultResetPayload
	if err := p.Unmarshal([]byte{FaultResetMagic}); err != nil {
		t.Fatal(err)
	}
	if err := p.Unmarshal([]byte{0x00}); errcode.Of(err) != errcode.InvalidParams {
		t.Fatalf("bad magic accepted: %v", err)
	}
	if err := p.Unmarshal(nil); errcode.Of(err) != errcode.InvalidLength {
		t.Fatalf("empty accepted: %v", err)
	}
}

func TestAckResultMapping(t *testing.T) {
	cases := []struct {
		err  error
		want AckResult
	}{
		{nil, AckOK},
		{errcode.InvalidParams, AckInvalid},
		{errcode.Rejected, AckRejected},
		{errcode.Busy, AckBusy},
		{errcode.NotReady, AckNotReady},
		{errcode.Timeout, AckTimeout},
		{errcode.FlashFailed, AckFailed},
	}
	for _, c := range cases {
		if got := ResultOf(c.err); got != c.want {
			t.Errorf("ResultOf(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestLogPayloadTruncates(t *testing.T) {
	long := make([]byte, 100)
	for i := range long {
		long[i] = 'a'
	}
	p := LogPayload{Level: LogWarn, Text: string(long)}
	b := p.Marshal(nil)
	if len(b) != MaxPayload {
		t.Fatalf("marshalled %d bytes, want %d", len(b), MaxPayload)
	}
	var out LogPayload
	if err := out.Unmarshal(b); err != nil {
		t.Fatal(err)
	}
	if out.Level != LogWarn || len(out.Text) != maxLogText {
		t.Fatalf("got level %d len %d", out.Level, len(out.Text))
	}
}

func TestChecksumKnownVector(t *testing.T) {
	// Reference value for the reflected 0xA001 polynomial, init 0xFFFF.
	if got := Checksum([]byte("123456789")); got != 0x4B37 {
		t.Fatalf("Checksum = 0x%04X, want 0x4B37", got)
	}
}
