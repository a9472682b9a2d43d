package codec

// CRC16IBM calcula CRC-16/IBM (poly 0xA001 reflejado, init 0) como lo
// esperan los equipos en el campo CRC de 4 bytes (los 2 altos en cero).
func CRC16IBM(b []byte) uint16 {
	var crc uint16
	for _, v := range b {
		crc ^= uint16(v)
		for i := 0; i < 8; i++ {
			if (crc & 1) == 1 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
