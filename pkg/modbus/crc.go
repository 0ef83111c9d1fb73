package modbus

// crc16 computes the Modbus RTU checksum (polynomial 0xA001, initial
// value 0xFFFF) over data. The wire format appends it little-endian.
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// appendCRC appends the little-endian checksum of adu to itself.
func appendCRC(adu []byte) []byte {
	crc := crc16(adu)
	return append(adu, byte(crc), byte(crc>>8))
}

// checkCRC verifies the trailing checksum of a complete frame.
func checkCRC(frame []byte) bool {
	if len(frame) < 4 {
		return false
	}
	body, tail := frame[:len(frame)-2], frame[len(frame)-2:]
	crc := crc16(body)
	return tail[0] == byte(crc) && tail[1] == byte(crc>>8)
}
