package types

// PowerReading is the last sample from the external power meter. Zero value
// means "never seen"; the meter is optional and its loss is only advisory.
type PowerReading struct {
	Watts    uint16
	DeciVolt uint16
	CentiAmp uint16
	EnergyWh uint32
	AtMs     int64 // monotonic receive time, 0 = never
}
