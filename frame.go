package framed

import (
	"encoding/binary"
	"errors"
	"io"
)

// HeaderSize is the width of the length prefix preceding every message.
const HeaderSize = 4

// byteOrder is the byte order of the length prefix. Both peers must agree;
// this package fixes it to little-endian.
var byteOrder = binary.LittleEndian

// ErrMessageTooLarge is returned when a message exceeds the maximum allowed size.
var ErrMessageTooLarge = errors.New("message too large")

// EncodeFrame returns the payload prefixed with its 4-byte length, as a
// single buffer ready to be written to the wire.
func EncodeFrame(payload []byte) []byte {
	return AppendFrame(make([]byte, 0, HeaderSize+len(payload)), payload)
}

// AppendFrame appends the length prefix and payload to dst and returns the
// extended buffer.
func AppendFrame(dst, payload []byte) []byte {
	dst = byteOrder.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// ReadFrame reads one length-prefixed message from r, blocking until the
// message is complete. A declared length above maxLength returns
// ErrMessageTooLarge without reading the payload.
//
// Conn implements its own receive machinery; ReadFrame exists for plain
// readers such as test peers and client tooling.
func ReadFrame(r io.Reader, maxLength int) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := byteOrder.Uint32(header[:])
	if int64(length) > int64(maxLength) {
		return nil, ErrMessageTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
