// Package loopback is an in-memory UART: two byte rings cross-wired into a
// pair of link ends. The simulator hands one end to the comm service and
// drives the other as the connectivity peer.
package loopback

import (
	"brewos-go/x/shmring"
)

const defaultRingSize = 4096

// End is one side of the link. Reads never block; writes drop on overflow
// the way a real UART does when nobody drains the other side.
type End struct {
	rx *shmring.Ring
	tx *shmring.Ring

	// Dropped counts bytes lost to a full transmit ring.
	Dropped uint32
}

// Pair returns the two ends of a fresh link.
func Pair() (*End, *End) {
	a := shmring.New(defaultRingSize)
	b := shmring.New(defaultRingSize)
	return &End{rx: a, tx: b}, &End{rx: b, tx: a}
}

func (e *End) TryReadByte() (byte, bool) {
	var b [1]byte
	if e.rx.ReadInto(b[:]) == 0 {
		return 0, false
	}
	return b[0], true
}

func (e *End) Write(p []byte) (int, error) {
	n := e.tx.WriteFrom(p)
	if n < len(p) {
		e.Dropped += uint32(len(p) - n)
	}
	// UART semantics: the line accepted everything, whether or not anyone
	// was listening.
	return len(p), nil
}

// Read drains up to len(p) buffered bytes, for peer-side code that wants
// bulk reads instead of the byte interface.
func (e *End) Read(p []byte) (int, error) {
	return e.rx.ReadInto(p), nil
}

// Buffered reports bytes waiting on the receive side.
func (e *End) Buffered() int { return e.rx.Available() }

// Readable exposes the receive ring's wake-up edge for peers that block.
func (e *End) Readable() <-chan struct{} { return e.rx.Readable() }
