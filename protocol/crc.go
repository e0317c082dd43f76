package protocol

// CRC-16 with the reflected polynomial 0xA001, initial value 0xFFFF.
// Both link endpoints implement this identically; it is transmitted
// little-endian after the payload.

const (
	crcPoly = 0xA001

	// ChecksumInit seeds an incremental CRC.
	ChecksumInit uint16 = 0xFFFF
)

// Checksum computes the frame CRC over data.
func Checksum(data []byte) uint16 {
	crc := ChecksumInit
	for _, b := range data {
		crc = ChecksumUpdate(crc, b)
	}
	return crc
}

// ChecksumUpdate folds one byte into a running CRC. The streaming decoder
// and the firmware chunk receiver use this to avoid buffering headers
// separately.
func ChecksumUpdate(crc uint16, b byte) uint16 {
	crc ^= uint16(b)
	for i := 0; i < 8; i++ {
		if crc&1 != 0 {
			crc = (crc >> 1) ^ crcPoly
		} else {
			crc >>= 1
		}
	}
	return crc
}
