package protocol

// CRC-16/MODBUS parameters. The BMS appends the code low byte first,
// immediately after the payload.
const (
	crcInit       = 0xFFFF
	crcPolynomial = 0xA001 // reflected form of 0x8005
)

// Checksum computes the CRC-16/MODBUS code over data.
func Checksum(data []byte) uint16 {
	crc := uint16(crcInit)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ crcPolynomial
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// VerifyChecksum reports whether the little-endian code bytes (lo, hi)
// match the CRC of data.
func VerifyChecksum(data []byte, lo, hi byte) bool {
	crc := Checksum(data)
	return lo == byte(crc&0xFF) && hi == byte(crc>>8)
}
