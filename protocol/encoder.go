package protocol

import "brewos-go/errcode"

// AppendFrame appends one complete frame for payload to dst and returns the
// extended slice. Payloads over MaxPayload are refused, never truncated.
func AppendFrame(dst []byte, t MsgType, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return dst, errcode.InvalidLength
	}
	start := len(dst)
	dst = append(dst, SyncByte, byte(t), byte(len(payload)))
	dst = append(dst, payload...)
	crc := Checksum(dst[start+1:]) // type+length+payload
	dst = append(dst, byte(crc), byte(crc>>8))
	return dst, nil
}

// Encoder builds frames into a fixed scratch buffer so the comm loop can
// transmit without per-frame allocation. Not safe for concurrent use; the
// comm context is its only caller.
type Encoder struct {
	buf   [MaxPacket]byte
	stats *Stats
}

func NewEncoder(stats *Stats) *Encoder {
	if stats == nil {
		stats = &Stats{}
	}
	return &Encoder{stats: stats}
}

// Frame encodes one frame and returns the wire bytes, valid until the next
// call.
func (e *Encoder) Frame(t MsgType, payload []byte) ([]byte, error) {
	out, err := AppendFrame(e.buf[:0], t, payload)
	if err != nil {
		return nil, err
	}
	e.stats.FramesTx++
	return out, nil
}
