package protocol

import (
	"encoding/binary"
	"math"

	"brewos-go/errcode"
	"brewos-go/types"
)

// Payload codecs. Everything on the wire is little-endian and fixed-width:
// temperatures travel as deci-°C int16 (0x7FFF = sensor fault), PID gains
// and pressure as centi-unit uint16. Each payload knows its own size and
// refuses anything else, so a handler never sees a short read.

const tempFault = 0x7FFF // wire sentinel for NaN / failed sensor

func putTemp(b []byte, t float32) {
	if t != t { // NaN
		binary.LittleEndian.PutUint16(b, tempFault)
		return
	}
	d := int16(math.Round(float64(t) * 10))
	binary.LittleEndian.PutUint16(b, uint16(d))
}

func getTemp(b []byte) float32 {
	d := int16(binary.LittleEndian.Uint16(b))
	if d == tempFault {
		return float32(math.NaN())
	}
	return float32(d) / 10
}

func putCenti(b []byte, v float32) {
	binary.LittleEndian.PutUint16(b, uint16(math.Round(float64(v)*100)))
}

func getCenti(b []byte) float32 {
	return float32(binary.LittleEndian.Uint16(b)) / 100
}

// ---- Status ----

// StatusPayload is the periodic telemetry snapshot.
type StatusPayload struct {
	State       types.MachineState
	Mode        types.MachineMode
	Flags       types.ErrorFlags
	BrewTempC   float32
	SteamTempC  float32
	GroupTempC  float32
	PressureBar float32
	BrewDuty    uint8
	SteamDuty   uint8
	Relays      types.RelayBits
	Level       types.LevelBits
	PowerW      uint16
	UptimeS     uint32
	ShotMs      uint16
}

const statusLen = 26

func (p *StatusPayload) Marshal(dst []byte) []byte {
	var b [statusLen]byte
	b[0] = byte(p.State)
	b[1] = byte(p.Mode)
	binary.LittleEndian.PutUint16(b[2:], uint16(p.Flags))
	putTemp(b[4:], p.BrewTempC)
	putTemp(b[6:], p.SteamTempC)
	putTemp(b[8:], p.GroupTempC)
	putCenti(b[10:], p.PressureBar)
	b[12] = p.BrewDuty
	b[13] = p.SteamDuty
	b[14] = byte(p.Relays)
	b[15] = byte(p.Level)
	binary.LittleEndian.PutUint16(b[16:], p.PowerW)
	binary.LittleEndian.PutUint32(b[18:], p.UptimeS)
	binary.LittleEndian.PutUint16(b[22:], p.ShotMs)
	// b[24:26] reserved
	return append(dst, b[:]...)
}

func (p *StatusPayload) Unmarshal(b []byte) error {
	if len(b) != statusLen {
		return errcode.InvalidLength
	}
	p.State = types.MachineState(b[0])
	p.Mode = types.MachineMode(b[1])
	p.Flags = types.ErrorFlags(binary.LittleEndian.Uint16(b[2:]))
	p.BrewTempC = getTemp(b[4:])
	p.SteamTempC = getTemp(b[6:])
	p.GroupTempC = getTemp(b[8:])
	p.PressureBar = getCenti(b[10:])
	p.BrewDuty = b[12]
	p.SteamDuty = b[13]
	p.Relays = types.RelayBits(b[14])
	p.Level = types.LevelBits(b[15])
	p.PowerW = binary.LittleEndian.Uint16(b[16:])
	p.UptimeS = binary.LittleEndian.Uint32(b[18:])
	p.ShotMs = binary.LittleEndian.Uint16(b[22:])
	return nil
}

// ---- Alarm ----

// AlarmPayload is pushed immediately on any fault-flag change, ahead of
// routine telemetry.
type AlarmPayload struct {
	Code  AlarmCode
	Flags types.ErrorFlags
	TempC float32 // reading that tripped the alarm, NaN if not temperature
}

const alarmLen = 5

func (p *AlarmPayload) Marshal(dst []byte) []byte {
	var b [alarmLen]byte
	b[0] = byte(p.Code)
	binary.LittleEndian.PutUint16(b[1:], uint16(p.Flags))
	putTemp(b[3:], p.TempC)
	return append(dst, b[:]...)
}

func (p *AlarmPayload) Unmarshal(b []byte) error {
	if len(b) != alarmLen {
		return errcode.InvalidLength
	}
	p.Code = AlarmCode(b[0])
	p.Flags = types.ErrorFlags(binary.LittleEndian.Uint16(b[1:]))
	p.TempC = getTemp(b[3:])
	return nil
}

// ---- Boot ----

// BootPayload announces firmware identity after reset. WatchdogReset tells
// the peer the previous run died to the hardware watchdog.
type BootPayload struct {
	ProtocolVersion uint8
	FWMajor         uint8
	FWMinor         uint8
	Machine         types.MachineType
	WatchdogReset   bool
}

const bootLen = 5

func (p *BootPayload) Marshal(dst []byte) []byte {
	wd := byte(0)
	if p.WatchdogReset {
		wd = 1
	}
	return append(dst, p.ProtocolVersion, p.FWMajor, p.FWMinor, byte(p.Machine), wd)
}

func (p *BootPayload) Unmarshal(b []byte) error {
	if len(b) != bootLen {
		return errcode.InvalidLength
	}
	p.ProtocolVersion = b[0]
	p.FWMajor = b[1]
	p.FWMinor = b[2]
	p.Machine = types.MachineType(b[3])
	p.WatchdogReset = b[4] != 0
	return nil
}

// ---- Ack ----

// AckResult is the wire form of an errcode on command completion.
type AckResult uint8

const (
	AckOK AckResult = iota
	AckInvalid
	AckRejected
	AckFailed
	AckTimeout
	AckBusy
	AckNotReady
)

// ResultOf maps a handler error to its wire result.
func ResultOf(err error) AckResult {
	switch errcode.Of(err) {
	case errcode.OK:
		return AckOK
	case errcode.InvalidParams, errcode.InvalidLength, errcode.BadChecksum, errcode.UnknownMsg:
		return AckInvalid
	case errcode.Rejected, errcode.Unsupported:
		return AckRejected
	case errcode.Timeout:
		return AckTimeout
	case errcode.Busy:
		return AckBusy
	case errcode.NotReady:
		return AckNotReady
	}
	return AckFailed
}

type AckPayload struct {
	Cmd    MsgType
	Result AckResult
}

const ackLen = 2

func (p *AckPayload) Marshal(dst []byte) []byte {
	return append(dst, byte(p.Cmd), byte(p.Result))
}

func (p *AckPayload) Unmarshal(b []byte) error {
	if len(b) != ackLen {
		return errcode.InvalidLength
	}
	p.Cmd = MsgType(b[0])
	p.Result = AckResult(b[1])
	return nil
}

// ---- Config ----

// ConfigPayload carries the full RuntimeConfig in both directions:
// outbound as a config dump, inbound as MsgSetConfig.
type ConfigPayload struct {
	Config types.RuntimeConfig
}

const configLen = 29

func (p *ConfigPayload) Marshal(dst []byte) []byte {
	c := &p.Config
	var b [configLen]byte
	b[0] = byte(c.Machine)
	putTemp(b[1:], c.Setpoints.BrewC)
	putTemp(b[3:], c.Setpoints.SteamC)
	putCenti(b[5:], c.BrewGains.Kp)
	putCenti(b[7:], c.BrewGains.Ki)
	putCenti(b[9:], c.BrewGains.Kd)
	putCenti(b[11:], c.SteamGains.Kp)
	putCenti(b[13:], c.SteamGains.Ki)
	putCenti(b[15:], c.SteamGains.Kd)
	b[17] = byte(c.Strategy.Strategy)
	b[18] = c.Strategy.ThresholdPct
	binary.LittleEndian.PutUint16(b[19:], c.Strategy.MaxCombinedDuty)
	if c.Strategy.PriorityBrew {
		b[21] = 1
	}
	if c.PreInfusion.Enabled {
		b[22] = 1
	}
	binary.LittleEndian.PutUint16(b[23:], c.PreInfusion.OnMs)
	binary.LittleEndian.PutUint16(b[25:], c.PreInfusion.PauseMs)
	binary.LittleEndian.PutUint16(b[27:], c.EcoTimeoutMin)
	return append(dst, b[:]...)
}

func (p *ConfigPayload) Unmarshal(b []byte) error {
	if len(b) != configLen {
		return errcode.InvalidLength
	}
	c := &p.Config
	c.Machine = types.MachineType(b[0])
	c.Setpoints.BrewC = getTemp(b[1:])
	c.Setpoints.SteamC = getTemp(b[3:])
	c.BrewGains.Kp = getCenti(b[5:])
	c.BrewGains.Ki = getCenti(b[7:])
	c.BrewGains.Kd = getCenti(b[9:])
	c.SteamGains.Kp = getCenti(b[11:])
	c.SteamGains.Ki = getCenti(b[13:])
	c.SteamGains.Kd = getCenti(b[15:])
	c.Strategy.Strategy = types.HeatingStrategy(b[17])
	c.Strategy.ThresholdPct = b[18]
	c.Strategy.MaxCombinedDuty = binary.LittleEndian.Uint16(b[19:])
	c.Strategy.PriorityBrew = b[21] != 0
	c.PreInfusion.Enabled = b[22] != 0
	c.PreInfusion.OnMs = binary.LittleEndian.Uint16(b[23:])
	c.PreInfusion.PauseMs = binary.LittleEndian.Uint16(b[25:])
	c.EcoTimeoutMin = binary.LittleEndian.Uint16(b[27:])
	return nil
}

// ---- Power meter ----

type PowerMeterPayload struct {
	Watts    uint16
	DeciVolt uint16
	CentiAmp uint16
	EnergyWh uint32
}

const powerMeterLen = 10

func (p *PowerMeterPayload) Marshal(dst []byte) []byte {
	var b [powerMeterLen]byte
	binary.LittleEndian.PutUint16(b[0:], p.Watts)
	binary.LittleEndian.PutUint16(b[2:], p.DeciVolt)
	binary.LittleEndian.PutUint16(b[4:], p.CentiAmp)
	binary.LittleEndian.PutUint32(b[6:], p.EnergyWh)
	return append(dst, b[:]...)
}

func (p *PowerMeterPayload) Unmarshal(b []byte) error {
	if len(b) != powerMeterLen {
		return errcode.InvalidLength
	}
	p.Watts = binary.LittleEndian.Uint16(b[0:])
	p.DeciVolt = binary.LittleEndian.Uint16(b[2:])
	p.CentiAmp = binary.LittleEndian.Uint16(b[4:])
	p.EnergyWh = binary.LittleEndian.Uint32(b[6:])
	return nil
}

// ---- Log ----

type LogLevel uint8

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

// LogPayload forwards a controller log line to the peer. Text longer than
// the frame allows is truncated, not refused; losing a log tail beats
// losing the log.
type LogPayload struct {
	Level LogLevel
	Text  string
}

const maxLogText = MaxPayload - 1

func (p *LogPayload) Marshal(dst []byte) []byte {
	txt := p.Text
	if len(txt) > maxLogText {
		txt = txt[:maxLogText]
	}
	dst = append(dst, byte(p.Level))
	return append(dst, txt...)
}

func (p *LogPayload) Unmarshal(b []byte) error {
	if len(b) < 1 {
		return errcode.InvalidLength
	}
	p.Level = LogLevel(b[0])
	p.Text = string(b[1:])
	return nil
}

// ---- Commands ----

// Boiler selector for SetTemp / SetPID.
const (
	BoilerBrew  = 0
	BoilerSteam = 1
)

type SetTempPayload struct {
	Boiler uint8
	TempC  float32
}

const setTempLen = 3

func (p *SetTempPayload) Marshal(dst []byte) []byte {
	var b [setTempLen]byte
	b[0] = p.Boiler
	putTemp(b[1:], p.TempC)
	return append(dst, b[:]...)
}

func (p *SetTempPayload) Unmarshal(b []byte) error {
	if len(b) != setTempLen {
		return errcode.InvalidLength
	}
	p.Boiler = b[0]
	p.TempC = getTemp(b[1:])
	return nil
}

type SetPIDPayload struct {
	Boiler uint8
	Gains  types.PIDGains
}

const setPIDLen = 7

func (p *SetPIDPayload) Marshal(dst []byte) []byte {
	var b [setPIDLen]byte
	b[0] = p.Boiler
	putCenti(b[1:], p.Gains.Kp)
	putCenti(b[3:], p.Gains.Ki)
	putCenti(b[5:], p.Gains.Kd)
	return append(dst, b[:]...)
}

func (p *SetPIDPayload) Unmarshal(b []byte) error {
	if len(b) != setPIDLen {
		return errcode.InvalidLength
	}
	p.Boiler = b[0]
	p.Gains.Kp = getCenti(b[1:])
	p.Gains.Ki = getCenti(b[3:])
	p.Gains.Kd = getCenti(b[5:])
	return nil
}

type ModePayload struct {
	Mode types.MachineMode
}

func (p *ModePayload) Marshal(dst []byte) []byte {
	return append(dst, byte(p.Mode))
}

func (p *ModePayload) Unmarshal(b []byte) error {
	if len(b) != 1 {
		return errcode.InvalidLength
	}
	p.Mode = types.MachineMode(b[0])
	return nil
}

type BrewPayload struct {
	Start bool
}

func (p *BrewPayload) Marshal(dst []byte) []byte {
	v := byte(0)
	if p.Start {
		v = 1
	}
	return append(dst, v)
}

func (p *BrewPayload) Unmarshal(b []byte) error {
	if len(b) != 1 {
		return errcode.InvalidLength
	}
	p.Start = b[0] != 0
	return nil
}

// CleaningPayload enters or leaves cleaning mode. While active, the brew
// switch runs backflush pulses instead of shots.
type CleaningPayload struct {
	Active bool
}

func (p *CleaningPayload) Marshal(dst []byte) []byte {
	v := byte(0)
	if p.Active {
		v = 1
	}
	return append(dst, v)
}

func (p *CleaningPayload) Unmarshal(b []byte) error {
	if len(b) != 1 {
		return errcode.InvalidLength
	}
	p.Active = b[0] != 0
	return nil
}

// FaultResetMagic guards the reset command against a corrupted-but-valid
// frame clearing latched faults.
const FaultResetMagic = 0xA5

type FaultResetPayload struct{}

func (p *FaultResetPayload) Marshal(dst []byte) []byte {
	return append(dst, FaultResetMagic)
}

func (p *FaultResetPayload) Unmarshal(b []byte) error {
	if len(b) != 1 {
		return errcode.InvalidLength
	}
	if b[0] != FaultResetMagic {
		return errcode.InvalidParams
	}
	return nil
}

// EnterUpdatePayload announces an incoming firmware image: total size and
// its CRC-32, verified before the device ever resets into it.
type EnterUpdatePayload struct {
	ImageSize uint32
	ImageCRC  uint32
}

const enterUpdateLen = 8

func (p *EnterUpdatePayload) Marshal(dst []byte) []byte {
	var b [enterUpdateLen]byte
	binary.LittleEndian.PutUint32(b[0:], p.ImageSize)
	binary.LittleEndian.PutUint32(b[4:], p.ImageCRC)
	return append(dst, b[:]...)
}

func (p *EnterUpdatePayload) Unmarshal(b []byte) error {
	if len(b) != enterUpdateLen {
		return errcode.InvalidLength
	}
	p.ImageSize = binary.LittleEndian.Uint32(b[0:])
	p.ImageCRC = binary.LittleEndian.Uint32(b[4:])
	return nil
}
