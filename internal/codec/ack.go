package codec

import "encoding/binary"

// EncodeAck es la respuesta que espera el equipo tras un batch aceptado:
// la cantidad de records en 4 bytes big-endian. Sin ACK (o con otra
// cantidad) el equipo retransmite el batch.
func EncodeAck(accepted int) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, uint32(accepted))
	return out
}
