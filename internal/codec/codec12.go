package codec

import (
	"encoding/binary"
	"fmt"
)

// Tipos de mensaje Codec 12.
const (
	TypeCommand  uint8 = 0x05
	TypeResponse uint8 = 0x06
)

// Command es un comando de texto para el equipo (p.ej. "getver").
// La gramática depende del firmware; aquí solo se arma el frame.
type Command struct {
	Name string
	Text string
}

// CommandResponse es la respuesta Codec 12 (Type=0x06) ya validada.
type CommandResponse struct {
	Type uint8
	Text string
}

// EncodeCommand arma un comando Codec 12 (Type=0x05) con el texto ASCII del comando.
// Frame = 00000000 | dataSize(4B) | payload | crc(4B)
// payload = 0x0C | 0x01 | 0x05 | cmdLen(4B) | cmd | 0x01
func EncodeCommand(cmd Command) ([]byte, error) {
	if cmd.Text == "" {
		return nil, fmt.Errorf("%w: %q", ErrEmptyCommand, cmd.Name)
	}
	payload := make([]byte, 0, 3+4+len(cmd.Text)+1)
	payload = append(payload, Codec12, 0x01, TypeCommand)
	payload = binary.BigEndian.AppendUint32(payload, uint32(len(cmd.Text)))
	payload = append(payload, cmd.Text...)
	payload = append(payload, 0x01)
	return wrapFrame(payload), nil
}

// ParseCommandResponse parsea una respuesta Codec12 y devuelve el texto ASCII.
// El CRC se verifica igual que en los frames AVL.
func ParseCommandResponse(f Frame) (CommandResponse, error) {
	if calc := CRC16IBM(f.Body); uint32(calc) != f.CRC {
		return CommandResponse{}, fmt.Errorf("%w: calculated %08X, received %08X", ErrChecksumMismatch, calc, f.CRC)
	}

	r := newByteReader(f.Body)
	codecID, err := r.u8()
	if err != nil {
		return CommandResponse{}, err
	}
	if codecID != Codec12 {
		return CommandResponse{}, fmt.Errorf("%w: codec id 0x%02X (expected 0x%02X)", ErrProtocolMismatch, codecID, Codec12)
	}
	qty1, err := r.u8()
	if err != nil {
		return CommandResponse{}, err
	}
	typ, err := r.u8()
	if err != nil {
		return CommandResponse{}, err
	}
	if typ != TypeResponse {
		return CommandResponse{}, fmt.Errorf("%w: codec12 type 0x%02X is not a response", ErrProtocolMismatch, typ)
	}
	size, err := r.u32()
	if err != nil {
		return CommandResponse{}, err
	}
	text, err := r.read(int(size))
	if err != nil {
		return CommandResponse{}, fmt.Errorf("response text: %w", err)
	}
	qty2, err := r.u8()
	if err != nil {
		return CommandResponse{}, err
	}
	if qty1 != qty2 {
		return CommandResponse{}, fmt.Errorf("%w: leading=%d trailing=%d", ErrCountMismatch, qty1, qty2)
	}
	return CommandResponse{Type: typ, Text: string(text)}, nil
}

// EncodeCommandResponse arma una respuesta como la manda el equipo (simulador y tests).
func EncodeCommandResponse(text string) []byte {
	payload := []byte{Codec12, 0x01, TypeResponse}
	payload = binary.BigEndian.AppendUint32(payload, uint32(len(text)))
	payload = append(payload, text...)
	payload = append(payload, 0x01)
	return wrapFrame(payload)
}
