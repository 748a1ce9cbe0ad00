package frame

// L2CAP frame check sequence: CRC-16 with generator x^16 + x^15 + x^2 + 1,
// initial value zero, processed LSB first (0xA001 reflected).

var fcsTable [256]uint16

func init() {
	const poly uint16 = 0xA001

	for i := 0; i < 256; i++ {
		crc := uint16(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc >>= 1
			}
		}
		fcsTable[i] = crc
	}
}

// CalculateFCS calculates the FCS over data
func CalculateFCS(data []byte) uint16 {
	return updateFCS(0, data)
}

func updateFCS(crc uint16, data []byte) uint16 {
	for _, b := range data {
		crc = fcsTable[byte(crc)^b] ^ (crc >> 8)
	}
	return crc
}

// VerifyFCS checks the little-endian FCS in the last two bytes of data
func VerifyFCS(data []byte) bool {
	if len(data) < FCSSize {
		return false
	}
	n := len(data) - FCSSize
	received := uint16(data[n]) | uint16(data[n+1])<<8
	return CalculateFCS(data[:n]) == received
}

// AppendFCS appends the FCS of data and returns the extended slice
func AppendFCS(data []byte) []byte {
	fcs := CalculateFCS(data)
	return append(data, byte(fcs), byte(fcs>>8))
}
