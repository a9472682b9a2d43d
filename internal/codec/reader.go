package codec

import (
	"encoding/binary"
	"fmt"
)

// byteReader es un cursor sobre el body; toda lectura valida lo que queda
// en el buffer y devuelve ErrTruncated en vez de hacer panic.
type byteReader struct {
	data []byte
	pos  int
}

func newByteReader(data []byte) *byteReader {
	return &byteReader{data: data}
}

func (r *byteReader) remaining() int { return len(r.data) - r.pos }

func (r *byteReader) read(n int) ([]byte, error) {
	if n < 0 || n > r.remaining() {
		return nil, fmt.Errorf("%w: tried to read %d bytes at offset %d (len=%d)", ErrTruncated, n, r.pos, len(r.data))
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *byteReader) u8() (uint8, error) {
	b, err := r.read(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *byteReader) u16() (uint16, error) {
	b, err := r.read(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *byteReader) u32() (uint32, error) {
	b, err := r.read(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *byteReader) u64() (uint64, error) {
	b, err := r.read(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// uintN lee un entero big-endian de 1, 2, 4 u 8 bytes.
func (r *byteReader) uintN(w Width) (uint64, error) {
	switch w {
	case Width1:
		v, err := r.u8()
		return uint64(v), err
	case Width2:
		v, err := r.u16()
		return uint64(v), err
	case Width4:
		v, err := r.u32()
		return uint64(v), err
	case Width8:
		return r.u64()
	default:
		return 0, fmt.Errorf("codec: invalid fixed width %d", w)
	}
}
