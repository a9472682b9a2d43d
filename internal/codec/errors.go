package codec

import "errors"

var (
	// ErrFraming: preamble o longitud inválida. Fatal para la conexión.
	ErrFraming = errors.New("codec: framing error")

	ErrProtocolMismatch = errors.New("codec: protocol mismatch")
	ErrCountMismatch    = errors.New("codec: count mismatch")
	ErrChecksumMismatch = errors.New("codec: checksum mismatch")
	ErrTruncated        = errors.New("codec: truncated data")
	ErrTrailingBytes    = errors.New("codec: trailing bytes after record count")
	ErrEmptyCommand     = errors.New("codec: empty command")
)

// IsRetryable indica si el error es local al batch: no se manda ACK y el
// equipo retransmite, la conexión sigue abierta.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrFraming):
		return false
	case errors.Is(err, ErrProtocolMismatch),
		errors.Is(err, ErrCountMismatch),
		errors.Is(err, ErrChecksumMismatch),
		errors.Is(err, ErrTruncated),
		errors.Is(err, ErrTrailingBytes):
		return true
	}
	return false
}

// ErrorKind devuelve una etiqueta corta para métricas y logs.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrFraming):
		return "framing"
	case errors.Is(err, ErrProtocolMismatch):
		return "protocol_mismatch"
	case errors.Is(err, ErrCountMismatch):
		return "count_mismatch"
	case errors.Is(err, ErrChecksumMismatch):
		return "checksum_mismatch"
	case errors.Is(err, ErrTruncated):
		return "truncated"
	case errors.Is(err, ErrTrailingBytes):
		return "trailing_bytes"
	default:
		return "other"
	}
}
