// Package protocol implements the framed binary link between the machine
// controller and the connectivity peer.
//
// Wire layout, little-endian throughout:
//
//	| SYNC (0xAA) | TYPE | LENGTH | PAYLOAD... | CRC16 |
//
// The CRC covers TYPE, LENGTH and PAYLOAD. Payloads are statically bounded
// by MaxPayload; anything longer is a protocol error, not a resize.
package protocol

const (
	Version = 1

	SyncByte   = 0xAA
	MaxPayload = 32
	// sync + type + length
	headerSize = 3
	crcSize    = 2
	MaxPacket  = headerSize + MaxPayload + crcSize

	BaudRate = 921600
)

// MsgType tags a frame. The numbering is part of the wire contract.
type MsgType uint8

// Status / response types (0x00 - 0x0F).
const (
	MsgPing       MsgType = 0x00
	MsgStatus     MsgType = 0x01
	MsgAlarm      MsgType = 0x02
	MsgBoot       MsgType = 0x03
	MsgAck        MsgType = 0x04
	MsgConfig     MsgType = 0x05
	MsgPowerMeter MsgType = 0x0B
)

// Command types (0x10 - 0x2F).
const (
	MsgSetTemp     MsgType = 0x10
	MsgSetPID      MsgType = 0x11
	MsgFaultReset  MsgType = 0x12
	MsgBrew        MsgType = 0x13
	MsgMode        MsgType = 0x14
	MsgSetConfig   MsgType = 0x15
	MsgGetConfig   MsgType = 0x16
	MsgCleaning    MsgType = 0x17
	MsgEnterUpdate MsgType = 0x1F
	MsgLog         MsgType = 0x25
)

func (t MsgType) String() string {
	switch t {
	case MsgPing:
		return "ping"
	case MsgStatus:
		return "status"
	case MsgAlarm:
		return "alarm"
	case MsgBoot:
		return "boot"
	case MsgAck:
		return "ack"
	case MsgConfig:
		return "config"
	case MsgPowerMeter:
		return "power_meter"
	case MsgSetTemp:
		return "set_temp"
	case MsgSetPID:
		return "set_pid"
	case MsgFaultReset:
		return "fault_reset"
	case MsgBrew:
		return "brew"
	case MsgMode:
		return "mode"
	case MsgSetConfig:
		return "set_config"
	case MsgGetConfig:
		return "get_config"
	case MsgEnterUpdate:
		return "enter_update"
	case MsgLog:
		return "log"
	}
	return "unknown"
}

// AlarmCode identifies the condition carried by an alarm frame.
type AlarmCode uint8

const (
	AlarmNone AlarmCode = iota
	AlarmOverTemp
	AlarmWaterLow
	AlarmSensorFail
	AlarmHeaterFail
	AlarmWatchdog
	AlarmCommTimeout
)

// Frame is one validated unit off the wire. Payload aliases the decoder's
// buffer until the next frame completes; copy it if it must outlive that.
type Frame struct {
	Type    MsgType
	Payload []byte
}
