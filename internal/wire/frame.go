package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameSize bounds a single envelope on the wire.
const DefaultMaxFrameSize = 16 * 1024 * 1024

// ErrFrameTooLarge is returned for frames above the configured limit.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// WriteFrame encodes e and writes it with its 4-byte length prefix.
func WriteFrame(w io.Writer, e *Envelope) error {
	body, err := Encode(e)
	if err != nil {
		return err
	}
	return WriteRaw(w, body)
}

// WriteRaw writes an already encoded envelope with its length prefix.
func WriteRaw(w io.Writer, body []byte) error {
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadRaw reads one length-prefixed frame without decoding it.
func ReadRaw(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])
	if uint64(length) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d", ErrFrameTooLarge, length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return body, nil
}

// ReadFrame reads and decodes one envelope.
func ReadFrame(r io.Reader, maxSize int) (*Envelope, error) {
	body, err := ReadRaw(r, maxSize)
	if err != nil {
		return nil, err
	}
	return Decode(body)
}
