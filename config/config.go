// Package config is the persisted-tunables boundary. The core treats load
// and save as atomic external operations; this package owns the storage
// envelope (magic, version, CRC-32) and the debounce that bounds flash
// wear.
package config

import (
	"encoding/binary"
	"hash/crc32"

	"brewos-go/errcode"
	"brewos-go/protocol"
	"brewos-go/types"
)

// Storage is whatever byte store the platform provides (flash sector on
// hardware, a file in the simulator).
type Storage interface {
	Read() ([]byte, error)
	Write([]byte) error
}

const (
	magic   = 0x42524557 // "BREW"
	version = 1
	// magic(4) + version(1) + body len(1)
	envHeader = 6
)

// Encode wraps cfg in the storage envelope. The CRC-32 (IEEE polynomial)
// covers everything before it.
func Encode(cfg types.RuntimeConfig) []byte {
	p := protocol.ConfigPayload{Config: cfg}
	buf := make([]byte, envHeader, envHeader+64)
	binary.LittleEndian.PutUint32(buf[0:], magic)
	buf[4] = version
	buf = p.Marshal(buf)
	buf[5] = byte(len(buf) - envHeader)
	crc := crc32.ChecksumIEEE(buf)
	return binary.LittleEndian.AppendUint32(buf, crc)
}

// Decode validates an envelope. Any structural or checksum problem is a
// single error; the caller falls back to defaults rather than guessing.
func Decode(b []byte) (types.RuntimeConfig, error) {
	var zero types.RuntimeConfig
	if len(b) < envHeader+4 {
		return zero, errcode.InvalidLength
	}
	if binary.LittleEndian.Uint32(b[0:]) != magic || b[4] != version {
		return zero, errcode.InvalidParams
	}
	body := b[:len(b)-4]
	want := binary.LittleEndian.Uint32(b[len(b)-4:])
	if crc32.ChecksumIEEE(body) != want {
		return zero, errcode.BadChecksum
	}
	if int(b[5]) != len(body)-envHeader {
		return zero, errcode.InvalidLength
	}
	var p protocol.ConfigPayload
	if err := p.Unmarshal(body[envHeader:]); err != nil {
		return zero, err
	}
	return p.Config, nil
}

// Load reads and validates the persisted config. ok=false means storage
// was empty or corrupt and the caller must use machine defaults; that is
// the normal first-boot path, not an error.
func Load(s Storage, machine types.MachineType) (types.RuntimeConfig, bool) {
	raw, err := s.Read()
	if err != nil || len(raw) == 0 {
		return Defaults(machine), false
	}
	cfg, err := Decode(raw)
	if err != nil {
		return Defaults(machine), false
	}
	cfg = Sanitize(cfg, machine)
	return cfg, true
}

// Verify re-reads the persisted envelope and checks its integrity without
// keeping the result. The startup self test uses it to confirm the block
// that booted the machine is still readable. Empty storage passes; there
// is nothing to corrupt on a first boot.
func Verify(s Storage) error {
	raw, err := s.Read()
	if err != nil {
		return &errcode.E{C: errcode.StorageFailed, Op: "config.verify", Err: err}
	}
	if len(raw) == 0 {
		return nil
	}
	_, err = Decode(raw)
	return err
}

// Save writes the envelope. Callers go through Saver so writes stay
// debounced; direct Save is for tests and first-boot initialization.
func Save(s Storage, cfg types.RuntimeConfig) error {
	if err := s.Write(Encode(cfg)); err != nil {
		return &errcode.E{C: errcode.StorageFailed, Op: "config.save", Err: err}
	}
	return nil
}
