package protocol

import (
	"bytes"
	"testing"
)

// FuzzDecoder feeds arbitrary byte streams through the decoder. The decoder
// must never panic, and any frame it does emit must re-encode to a byte
// sequence present in the input.
func FuzzDecoder(f *testing.F) {
	seed, _ := AppendFrame(nil, MsgStatus, []byte{1, 2, 3, 4})
	f.Add(seed)
	f.Add([]byte{SyncByte, 0xFF, 0xFF})
	f.Add([]byte{})
	f.Add(bytes.Repeat([]byte{SyncByte}, 64))

	f.Fuzz(func(t *testing.T, data []byte) {
		d := NewDecoder(nil)
		for _, b := range data {
			frame, err := d.Feed(b)
			if frame != nil && err != nil {
				t.Fatal("frame and error from the same byte")
			}
			if frame == nil {
				continue
			}
			if len(frame.Payload) > MaxPayload {
				t.Fatalf("oversize payload: %d", len(frame.Payload))
			}
			wire, err := AppendFrame(nil, frame.Type, frame.Payload)
			if err != nil {
				t.Fatalf("re-encode of decoded frame failed: %v", err)
			}
			if !bytes.Contains(data, wire) {
				t.Fatalf("decoded frame not present in input: % X", wire)
			}
		}
	})
}

// FuzzRoundTrip encodes arbitrary (type, payload) pairs and requires the
// decoder to reproduce them exactly.
func FuzzRoundTrip(f *testing.F) {
	f.Add(uint8(MsgStatus), []byte{1, 2, 3})
	f.Add(uint8(MsgPing), []byte{})

	f.Fuzz(func(t *testing.T, typ uint8, payload []byte) {
		if len(payload) > MaxPayload {
			return
		}
		wire, err := AppendFrame(nil, MsgType(typ), payload)
		if err != nil {
			t.Fatal(err)
		}
		d := NewDecoder(nil)
		var got *Frame
		for _, b := range wire {
			frame, err := d.Feed(b)
			if err != nil {
				t.Fatalf("decode error on clean frame: %v", err)
			}
			if frame != nil {
				got = frame
			}
		}
		if got == nil {
			t.Fatal("no frame decoded")
		}
		if got.Type != MsgType(typ) || !bytes.Equal(got.Payload, payload) {
			t.Fatalf("round trip mismatch: %v % X", got.Type, got.Payload)
		}
	})
}
