// Package framing separa el stream TCP de un equipo en frames completos.
//
// El stream llega en chunks de cualquier tamaño; Reader acumula los bytes y
// entrega cada frame una sola vez cuando ya está completo. Un campo de
// longitud partido entre dos chunks simplemente espera al siguiente Feed.
package framing

import (
	"encoding/binary"
	"fmt"
	"iter"

	"avl-svr/internal/codec"
)

const (
	headerLen = 8 // preamble(4B) + dataFieldLength(4B)
	crcLen    = 4

	// body mínimo: codecId + qty1 + qty2
	minBodyLen = 3

	DefaultMaxFrameLen = 4096
	DefaultMaxIMEILen  = 32
)

type Limits struct {
	// MaxFrameLen acota el dataFieldLength declarado.
	MaxFrameLen uint32
	MaxIMEILen  uint16
}

func DefaultLimits() Limits {
	return Limits{
		MaxFrameLen: DefaultMaxFrameLen,
		MaxIMEILen:  DefaultMaxIMEILen,
	}
}

// Reader no es goroutine-safe: lo usa solo la sesión dueña de la conexión.
type Reader struct {
	limits Limits
	buf    []byte
	err    error // una vez seteado el reader queda inutilizable
}

func NewReader(limits Limits) *Reader {
	if limits.MaxFrameLen == 0 {
		limits.MaxFrameLen = DefaultMaxFrameLen
	}
	if limits.MaxIMEILen == 0 {
		limits.MaxIMEILen = DefaultMaxIMEILen
	}
	return &Reader{limits: limits}
}

// Feed agrega bytes recibidos. Nunca bloquea; después de un error de framing
// los bytes se descartan.
func (r *Reader) Feed(chunk []byte) {
	if r.err != nil || len(chunk) == 0 {
		return
	}
	r.buf = append(r.buf, chunk...)
}

// Buffered devuelve cuántos bytes quedan sin consumir.
func (r *Reader) Buffered() int { return len(r.buf) }

// Err devuelve el error de framing que detuvo al reader, si lo hay.
func (r *Reader) Err() error { return r.err }

// Discard tira lo que haya en el buffer.
func (r *Reader) Discard() { r.buf = nil }

func (r *Reader) fail(err error) error {
	r.err = err
	r.buf = nil
	return err
}

// NextIdentification consume el frame de identificación
// [imeiLength(2B)][imei ASCII]. ok=false significa que faltan bytes.
func (r *Reader) NextIdentification() (imei string, ok bool, err error) {
	if r.err != nil {
		return "", false, r.err
	}
	if len(r.buf) < 2 {
		return "", false, nil
	}
	n := binary.BigEndian.Uint16(r.buf[:2])
	if n == 0 || n > r.limits.MaxIMEILen {
		return "", false, r.fail(fmt.Errorf("%w: identification length %d (max %d)", codec.ErrFraming, n, r.limits.MaxIMEILen))
	}
	if len(r.buf) < 2+int(n) {
		return "", false, nil
	}
	imei = string(r.buf[2 : 2+int(n)])
	r.consume(2 + int(n))
	return imei, true, nil
}

// Next devuelve el próximo frame AVL/Codec12 completo. ok=false sin error
// significa que hay que esperar más bytes.
func (r *Reader) Next() (f codec.Frame, ok bool, err error) {
	if r.err != nil {
		return codec.Frame{}, false, r.err
	}

	// el preamble se valida en cuanto llega, aunque falte la longitud.
	for i := 0; i < len(r.buf) && i < 4; i++ {
		if r.buf[i] != 0x00 {
			return codec.Frame{}, false, r.fail(fmt.Errorf("%w: invalid preamble (expected 0x00000000)", codec.ErrFraming))
		}
	}
	if len(r.buf) < headerLen {
		return codec.Frame{}, false, nil
	}

	dataLen := binary.BigEndian.Uint32(r.buf[4:8])
	if dataLen < minBodyLen {
		return codec.Frame{}, false, r.fail(fmt.Errorf("%w: data field length %d below minimum %d", codec.ErrFraming, dataLen, minBodyLen))
	}
	if dataLen > r.limits.MaxFrameLen {
		return codec.Frame{}, false, r.fail(fmt.Errorf("%w: data field length %d exceeds maximum %d", codec.ErrFraming, dataLen, r.limits.MaxFrameLen))
	}

	total := headerLen + int(dataLen) + crcLen
	if len(r.buf) < total {
		return codec.Frame{}, false, nil
	}

	body := make([]byte, dataLen)
	copy(body, r.buf[headerLen:headerLen+int(dataLen)])
	f = codec.Frame{
		DataFieldLength: dataLen,
		Body:            body,
		CRC:             binary.BigEndian.Uint32(r.buf[headerLen+int(dataLen) : total]),
	}
	r.consume(total)
	return f, true, nil
}

// Frames recorre los frames completos que hay en el buffer. Se puede volver a
// llamar después de otro Feed; los frames ya entregados no se repiten. Un
// error de framing se entrega una vez y termina la secuencia.
func (r *Reader) Frames() iter.Seq2[codec.Frame, error] {
	return func(yield func(codec.Frame, error) bool) {
		for {
			f, ok, err := r.Next()
			if err != nil {
				yield(codec.Frame{}, err)
				return
			}
			if !ok {
				return
			}
			if !yield(f, nil) {
				return
			}
		}
	}
}

func (r *Reader) consume(n int) {
	rest := len(r.buf) - n
	if rest == 0 {
		r.buf = r.buf[:0]
		return
	}
	// compactar para que el buffer no crezca con conexiones largas
	copy(r.buf, r.buf[n:])
	r.buf = r.buf[:rest]
}
