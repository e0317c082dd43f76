package protocol

import "brewos-go/errcode"

// Decoder is a streaming frame decoder. Feed it one byte at a time; it
// returns a frame only after both length and CRC validate, and discards
// malformed input atomically while reseeking the sync byte. It never
// allocates after construction and never blocks.
type Decoder struct {
	state   dstate
	typ     MsgType
	length  uint8
	got     uint8
	crc     uint16 // running CRC over type+length+payload
	rxCRCLo byte
	payload [MaxPayload]byte
	stats   *Stats
}

type dstate uint8

const (
	dSeekSync dstate = iota
	dType
	dLength
	dPayload
	dCRCLo
	dCRCHi
)

// NewDecoder returns a decoder counting into stats (may be nil).
func NewDecoder(stats *Stats) *Decoder {
	if stats == nil {
		stats = &Stats{}
	}
	return &Decoder{stats: stats}
}

// Reset drops any partial frame and reseeks sync. The comm loop calls this
// on inter-byte timeout so a stalled sender cannot wedge the decoder.
func (d *Decoder) Reset() {
	if d.state != dSeekSync {
		d.stats.Dropped++
	}
	d.state = dSeekSync
}

// Feed advances the state machine by one byte. It returns a non-nil frame
// exactly when a complete frame has validated. The returned payload slice
// aliases the decoder's buffer.
func (d *Decoder) Feed(b byte) (*Frame, error) {
	switch d.state {
	case dSeekSync:
		if b == SyncByte {
			d.state = dType
			d.crc = ChecksumInit
		}
		return nil, nil

	case dType:
		d.typ = MsgType(b)
		d.crc = ChecksumUpdate(d.crc, b)
		d.state = dLength
		return nil, nil

	case dLength:
		if b > MaxPayload {
			d.stats.LengthErrors++
			d.state = dSeekSync
			return nil, errcode.InvalidLength
		}
		d.length = b
		d.got = 0
		d.crc = ChecksumUpdate(d.crc, b)
		if d.length == 0 {
			d.state = dCRCLo
		} else {
			d.state = dPayload
		}
		return nil, nil

	case dPayload:
		d.payload[d.got] = b
		d.got++
		d.crc = ChecksumUpdate(d.crc, b)
		if d.got == d.length {
			d.state = dCRCLo
		}
		return nil, nil

	case dCRCLo:
		d.rxCRCLo = b
		d.state = dCRCHi
		return nil, nil

	case dCRCHi:
		d.state = dSeekSync
		rx := uint16(d.rxCRCLo) | uint16(b)<<8
		if rx != d.crc {
			d.stats.CRCErrors++
			return nil, errcode.BadChecksum
		}
		d.stats.FramesRx++
		return &Frame{Type: d.typ, Payload: d.payload[:d.length]}, nil
	}
	return nil, nil
}

// Idle reports whether the decoder is between frames.
func (d *Decoder) Idle() bool { return d.state == dSeekSync }
