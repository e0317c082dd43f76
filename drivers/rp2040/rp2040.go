//go:build rp2040

// Package rp2040 implements the driver contracts on a Raspberry Pi Pico
// class control board: SSRs and relays on GPIO, NTC thermistors on the
// ADC, an I2C pressure transducer, the hardware watchdog, and the peer
// UART. Build for anything else and the sim provider takes its place.
package rp2040

import (
	"errors"
	"machine"
	"math"

	"brewos-go/drivers"
	"brewos-go/types"
	"brewos-go/x/mathx"

	uartx "github.com/jangala-dev/tinygo-uartx/uartx"
	tinydrv "tinygo.org/x/drivers"

	"device/rp"
)

var (
	_ drivers.Sensors  = (*Board)(nil)
	_ drivers.Outputs  = (*Board)(nil)
	_ drivers.Watchdog = (*Board)(nil)
	_ drivers.Flash    = (*Board)(nil)
	_ drivers.Resetter = (*Board)(nil)
	_ drivers.ByteLink = (*uartLink)(nil)

	// machine.I2C carries the same Tx contract the sensor adapter needs.
	_ tinydrv.I2C = machine.I2C0
)

// Pins is the board wiring. Numbers are RP2040 GPIO numbers; ADC inputs
// are the muxed channels (26..29 on the Pico).
type Pins struct {
	SSRBrew  int
	SSRSteam int

	RelayPump     int
	RelaySolenoid int
	RelayAux      int

	// Level probes pull to ground when wet; brew switch to ground when on.
	LevelReservoir  int
	LevelTank       int
	LevelSteamProbe int
	BrewSwitch      int

	ADCBrew  int
	ADCSteam int
	ADCGroup int

	UARTTx int
	UARTRx int

	I2CSDA int
	I2CSCL int
}

func DefaultPins() Pins {
	return Pins{
		SSRBrew:  2,
		SSRSteam: 3,

		RelayPump:     4,
		RelaySolenoid: 5,
		RelayAux:      6,

		LevelReservoir:  10,
		LevelTank:       11,
		LevelSteamProbe: 12,
		BrewSwitch:      13,

		ADCBrew:  26,
		ADCSteam: 27,
		ADCGroup: 28,

		UARTTx: 0,
		UARTRx: 1,

		I2CSDA: 20,
		I2CSCL: 21,
	}
}

const pressureAddr = 0x28

// Board owns every peripheral the services touch.
type Board struct {
	ssr    [drivers.HeaterCount]machine.Pin
	relays map[types.RelayBits]machine.Pin

	levelReservoir machine.Pin
	levelTank      machine.Pin
	levelSteam     machine.Pin
	brewSwitch     machine.Pin

	adcBrew  machine.ADC
	adcSteam machine.ADC
	adcGroup machine.ADC

	press tinydrv.I2C

	link *uartLink

	flash stagedFlash
}

func New(p Pins, baud uint32) *Board {
	b := &Board{
		relays: make(map[types.RelayBits]machine.Pin, 3),
	}

	out := func(n int) machine.Pin {
		pin := machine.Pin(n)
		pin.Configure(machine.PinConfig{Mode: machine.PinOutput})
		pin.Low()
		return pin
	}
	in := func(n int) machine.Pin {
		pin := machine.Pin(n)
		pin.Configure(machine.PinConfig{Mode: machine.PinInputPullup})
		return pin
	}

	b.ssr[drivers.HeaterBrew] = out(p.SSRBrew)
	b.ssr[drivers.HeaterSteam] = out(p.SSRSteam)
	b.relays[types.RelayPump] = out(p.RelayPump)
	b.relays[types.RelaySolenoid] = out(p.RelaySolenoid)
	b.relays[types.RelayAux] = out(p.RelayAux)

	b.levelReservoir = in(p.LevelReservoir)
	b.levelTank = in(p.LevelTank)
	b.levelSteam = in(p.LevelSteamProbe)
	b.brewSwitch = in(p.BrewSwitch)

	machine.InitADC()
	b.adcBrew = machine.ADC{Pin: machine.Pin(p.ADCBrew)}
	b.adcSteam = machine.ADC{Pin: machine.Pin(p.ADCSteam)}
	b.adcGroup = machine.ADC{Pin: machine.Pin(p.ADCGroup)}
	b.adcBrew.Configure(machine.ADCConfig{})
	b.adcSteam.Configure(machine.ADCConfig{})
	b.adcGroup.Configure(machine.ADCConfig{})

	sda := machine.Pin(p.I2CSDA)
	scl := machine.Pin(p.I2CSCL)
	sda.Configure(machine.PinConfig{Mode: machine.PinI2C})
	scl.Configure(machine.PinConfig{Mode: machine.PinI2C})
	machine.I2C0.Configure(machine.I2CConfig{SDA: sda, SCL: scl, Frequency: 400_000})
	b.press = machine.I2C0

	_ = uartx.UART0.Configure(uartx.UARTConfig{
		BaudRate: baud,
		TX:       machine.Pin(p.UARTTx),
		RX:       machine.Pin(p.UARTRx),
	})
	b.link = &uartLink{u: uartx.UART0}

	return b
}

// Link is the peer UART.
func (b *Board) Link() drivers.ByteLink { return b.link }

// -----------------------------------------------------------------------------
// Sensors
// -----------------------------------------------------------------------------

// ADC codes at the rails mean a broken probe rather than a temperature.
// With the thermistor on the low side of the divider an open probe reads
// full scale and a shorted one reads zero.
const (
	adcRailLow  = 0x0400
	adcRailHigh = 0xFC00
)

// 100k NTC (beta 3950) against a 10k pull-up, 16-bit ADC codes against
// tenths of a degree. Codes ascend, temperatures descend.
var ntcTable = []struct {
	code uint16
	c10  uint16
}{
	{9050, 1600},
	{13088, 1400},
	{18920, 1200},
	{26936, 1000},
	{36635, 800},
	{46716, 600},
	{55130, 400},
	{60680, 200},
	{63648, 0},
}

func ntcTemp(raw uint16) float32 {
	if raw >= adcRailHigh {
		return float32(math.NaN()) // open probe
	}
	if raw <= adcRailLow {
		return -30 // shorted probe
	}
	if raw <= ntcTable[0].code {
		return float32(ntcTable[0].c10) / 10
	}
	last := len(ntcTable) - 1
	for i := 0; i < last; i++ {
		lo, hi := ntcTable[i], ntcTable[i+1]
		if raw <= hi.code {
			t := mathx.MapU16(raw, lo.code, hi.code, 0, 65535)
			return float32(mathx.LerpU16(lo.c10, hi.c10, t)) / 10
		}
	}
	return float32(ntcTable[last].c10) / 10
}

// readPressure polls the transducer. 14-bit bridge output, 10%..90% of
// full scale spanning 0..16 bar. Errors read as zero pressure and the
// interlocks never act on pressure alone.
func (b *Board) readPressure() float32 {
	var buf [2]byte
	if err := b.press.Tx(pressureAddr, nil, buf[:]); err != nil {
		return 0
	}
	if buf[0]&0xC0 != 0 { // status bits: stale or fault
		return 0
	}
	raw := uint16(buf[0]&0x3F)<<8 | uint16(buf[1])
	const spanMin, spanMax = 0x0666, 0x3999
	if raw <= spanMin {
		return 0
	}
	return float32(raw-spanMin) * 16.0 / float32(spanMax-spanMin)
}

func (b *Board) Poll() types.SensorSnapshot {
	var lvl types.LevelBits
	if !b.levelReservoir.Get() {
		lvl |= types.LevelReservoir
	}
	if !b.levelTank.Get() {
		lvl |= types.LevelTank
	}
	if !b.levelSteam.Get() {
		lvl |= types.LevelSteamProbe
	}
	return types.SensorSnapshot{
		BrewTempC:   ntcTemp(b.adcBrew.Get()),
		SteamTempC:  ntcTemp(b.adcSteam.Get()),
		GroupTempC:  ntcTemp(b.adcGroup.Get()),
		PressureBar: b.readPressure(),
		Level:       lvl,
		BrewSwitch:  !b.brewSwitch.Get(),
	}
}

// -----------------------------------------------------------------------------
// Outputs
// -----------------------------------------------------------------------------

func (b *Board) SetHeater(ch drivers.HeaterChannel, on bool) {
	if ch >= drivers.HeaterCount {
		return
	}
	b.ssr[ch].Set(on)
}

func (b *Board) SetRelay(r types.RelayBits, on bool) {
	if pin, ok := b.relays[r]; ok {
		pin.Set(on)
	}
}

func (b *Board) AllOff() {
	for _, pin := range b.ssr {
		pin.Low()
	}
	for _, pin := range b.relays {
		pin.Low()
	}
}

// -----------------------------------------------------------------------------
// Watchdog
// -----------------------------------------------------------------------------

func (b *Board) Start(timeoutMs uint32) {
	machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: timeoutMs})
	machine.Watchdog.Start()
}

func (b *Board) Feed() { machine.Watchdog.Update() }

func (b *Board) CausedReset() bool {
	// Sticky until the next power-on reset.
	return rp.WATCHDOG.REASON.Get() != 0
}

// -----------------------------------------------------------------------------
// Flash staging
// -----------------------------------------------------------------------------

// The staging area is the top of external flash, below it a one-block
// header the second stage loader reads on boot. Commit writes the header
// last so a torn update never looks valid.
const (
	stageHeaderMagic = 0x42525753
	stageHeaderSize  = 16
)

type stagedFlash struct {
	size    uint32
	started bool
}

func stageBase() int64 {
	return machine.Flash.Size() / 2
}

func (b *Board) Begin(size uint32) error {
	base := stageBase()
	// The last erase block belongs to ConfigStorage.
	limit := machine.Flash.Size() - machine.Flash.EraseBlockSize()
	if int64(size) > limit-base-stageHeaderSize {
		return errors.New("image larger than staging area")
	}
	blk := machine.Flash.EraseBlockSize()
	n := (int64(size) + stageHeaderSize + blk - 1) / blk
	if err := machine.Flash.EraseBlocks(base/blk, n); err != nil {
		return err
	}
	b.flash = stagedFlash{size: size, started: true}
	return nil
}

func (b *Board) WriteAt(off uint32, data []byte) error {
	if !b.flash.started {
		return errors.New("no staging session")
	}
	_, err := machine.Flash.WriteAt(data, stageBase()+stageHeaderSize+int64(off))
	return err
}

func (b *Board) Commit() error {
	if !b.flash.started {
		return errors.New("no staging session")
	}
	var hdr [stageHeaderSize]byte
	putU32 := func(off int, v uint32) {
		hdr[off] = byte(v)
		hdr[off+1] = byte(v >> 8)
		hdr[off+2] = byte(v >> 16)
		hdr[off+3] = byte(v >> 24)
	}
	putU32(0, stageHeaderMagic)
	putU32(4, b.flash.size)
	_, err := machine.Flash.WriteAt(hdr[:], stageBase())
	b.flash.started = false
	return err
}

func (b *Board) Abort() {
	b.flash.started = false
}

// -----------------------------------------------------------------------------
// Config storage
// -----------------------------------------------------------------------------

// ConfigStorage keeps the runtime config envelope in the last erase block
// of flash, below the firmware staging area. The envelope embeds its own
// body length, so Read trims the block down to the bytes that were
// actually written; erased flash reads 0xFF and fails the magic check
// upstream, which is the first-boot path.
type ConfigStorage struct{}

func (ConfigStorage) base() int64 {
	return machine.Flash.Size() - machine.Flash.EraseBlockSize()
}

func (c ConfigStorage) Read() ([]byte, error) {
	var buf [64]byte
	if _, err := machine.Flash.ReadAt(buf[:], c.base()); err != nil {
		return nil, err
	}
	// magic(4) + version(1) + bodyLen(1) + body + crc(4)
	total := 6 + int(buf[5]) + 4
	if total > len(buf) {
		total = len(buf)
	}
	out := make([]byte, total)
	copy(out, buf[:total])
	return out, nil
}

func (c ConfigStorage) Write(b []byte) error {
	blk := machine.Flash.EraseBlockSize()
	if err := machine.Flash.EraseBlocks(c.base()/blk, 1); err != nil {
		return err
	}
	_, err := machine.Flash.WriteAt(b, c.base())
	return err
}

// -----------------------------------------------------------------------------
// Resetter
// -----------------------------------------------------------------------------

func (b *Board) Reset() {
	machine.CPUReset()
}

// -----------------------------------------------------------------------------
// UART link
// -----------------------------------------------------------------------------

type uartLink struct{ u *uartx.UART }

func (l *uartLink) TryReadByte() (byte, bool) {
	if l.u.Buffered() == 0 {
		return 0, false
	}
	b, err := l.u.ReadByte()
	if err != nil {
		return 0, false
	}
	return b, true
}

func (l *uartLink) Write(p []byte) (int, error) { return l.u.Write(p) }
