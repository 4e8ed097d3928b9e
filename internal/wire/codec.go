package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/bldr-io/bldr/internal/neterr"
)

var (
	ErrInvalidMagic       = errors.New("wire: invalid magic")
	ErrUnsupportedVersion = errors.New("wire: unsupported envelope version")
	ErrInvalidCRC         = errors.New("wire: CRC32C checksum mismatch")
	ErrInvalidKind        = errors.New("wire: invalid envelope kind")
	ErrUnknownErrorCode   = errors.New("wire: unknown error code")
	ErrUnknownCompression = errors.New("wire: unknown compression")
	ErrTruncated          = errors.New("wire: truncated envelope")
	ErrTrailingBytes      = errors.New("wire: trailing bytes after envelope")
	ErrFieldTooLong       = errors.New("wire: field exceeds maximum length")
)

// crc32cTable is the Castagnoli polynomial table used for CRC32C.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// EncodedSize returns the number of bytes Encode produces for e.
func EncodedSize(e *Envelope) int {
	size := HeaderSize
	size += 2 + len(e.MessageType)
	size += 2 + len(e.RouteKey)
	if e.Err != nil {
		size += 2 + 4 + len(e.Err.Msg)
	}
	size += 4 + len(e.Payload)
	size += TrailerSize
	return size
}

// Encode serializes an envelope. The envelope is validated first.
func Encode(e *Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	buf := make([]byte, EncodedSize(e))
	offset := 0

	binary.BigEndian.PutUint16(buf[offset:], Magic)
	offset += 2
	buf[offset] = Version
	offset++
	buf[offset] = byte(e.Kind)
	offset++

	var flags uint8
	if e.Keyed {
		flags |= flagKeyed
	}
	if e.Err != nil {
		flags |= flagHasError
	}
	flags |= uint8(e.Compression) << compressionShift & compressionMask
	buf[offset] = flags
	offset++

	copy(buf[offset:offset+16], e.CorrelationID[:])
	offset += 16
	binary.BigEndian.PutUint32(buf[offset:], e.TimeoutMs)
	offset += 4

	offset += putString16(buf[offset:], []byte(e.MessageType))
	offset += putString16(buf[offset:], e.RouteKey)

	if e.Err != nil {
		binary.BigEndian.PutUint16(buf[offset:], uint16(e.Err.Code))
		offset += 2
		binary.BigEndian.PutUint32(buf[offset:], uint32(len(e.Err.Msg)))
		offset += 4
		offset += copy(buf[offset:], e.Err.Msg)
	}

	binary.BigEndian.PutUint32(buf[offset:], uint32(len(e.Payload)))
	offset += 4
	offset += copy(buf[offset:], e.Payload)

	crc := crc32.Checksum(buf[:offset], crc32cTable)
	binary.BigEndian.PutUint32(buf[offset:], crc)
	return buf, nil
}

func putString16(buf []byte, b []byte) int {
	binary.BigEndian.PutUint16(buf, uint16(len(b)))
	copy(buf[2:], b)
	return 2 + len(b)
}

// PeekHeader decodes the fixed header and the message type without verifying
// the checksum or touching the payload.
func PeekHeader(data []byte) (Kind, CorrelationID, string, error) {
	var id CorrelationID
	if len(data) < HeaderSize+2 {
		return 0, id, "", ErrTruncated
	}
	if err := checkPreamble(data); err != nil {
		return 0, id, "", err
	}
	kind := Kind(data[3])
	copy(id[:], data[5:21])
	n := int(binary.BigEndian.Uint16(data[HeaderSize:]))
	if len(data) < HeaderSize+2+n {
		return 0, id, "", ErrTruncated
	}
	return kind, id, string(data[HeaderSize+2 : HeaderSize+2+n]), nil
}

func checkPreamble(data []byte) error {
	if magic := binary.BigEndian.Uint16(data[0:2]); magic != Magic {
		return fmt.Errorf("%w: got 0x%04x", ErrInvalidMagic, magic)
	}
	if data[2] != Version {
		return fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, data[2], Version)
	}
	if !Kind(data[3]).valid() {
		return fmt.Errorf("%w: %d", ErrInvalidKind, data[3])
	}
	return nil
}

// Decode parses one envelope. The returned envelope does not alias data.
func Decode(data []byte) (*Envelope, error) {
	if len(data) < HeaderSize+TrailerSize {
		return nil, ErrTruncated
	}
	if err := checkPreamble(data); err != nil {
		return nil, err
	}

	r := reader{buf: data[:len(data)-TrailerSize], off: HeaderSize}
	e := &Envelope{Kind: Kind(data[3])}

	flags := data[4]
	e.Keyed = flags&flagKeyed != 0
	e.Compression = Compression((flags & compressionMask) >> compressionShift)
	copy(e.CorrelationID[:], data[5:21])
	e.TimeoutMs = binary.BigEndian.Uint32(data[21:25])

	messageType, ok := r.bytes16()
	if !ok {
		return nil, ErrTruncated
	}
	e.MessageType = string(messageType)

	routeKey, ok := r.bytes16()
	if !ok {
		return nil, ErrTruncated
	}
	if len(routeKey) > 0 {
		e.RouteKey = append([]byte(nil), routeKey...)
	}

	if flags&flagHasError != 0 {
		code, ok := r.uint16()
		if !ok {
			return nil, ErrTruncated
		}
		msg, ok := r.bytes32()
		if !ok {
			return nil, ErrTruncated
		}
		c := neterr.ErrCode(code)
		if !c.Valid() {
			return nil, fmt.Errorf("%w: %d", ErrUnknownErrorCode, code)
		}
		e.Err = neterr.New(c, string(msg))
	}

	payload, ok := r.bytes32()
	if !ok {
		return nil, ErrTruncated
	}
	e.Payload = append([]byte{}, payload...)

	if r.off != len(r.buf) {
		return nil, ErrTrailingBytes
	}

	body := data[:len(data)-TrailerSize]
	want := binary.BigEndian.Uint32(data[len(data)-TrailerSize:])
	if got := crc32.Checksum(body, crc32cTable); got != want {
		return nil, fmt.Errorf("%w: got 0x%08x, want 0x%08x", ErrInvalidCRC, got, want)
	}

	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) uint16() (uint16, bool) {
	if len(r.buf)-r.off < 2 {
		return 0, false
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, true
}

func (r *reader) uint32() (uint32, bool) {
	if len(r.buf)-r.off < 4 {
		return 0, false
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, true
}

func (r *reader) bytes16() ([]byte, bool) {
	n, ok := r.uint16()
	if !ok {
		return nil, false
	}
	return r.take(int(n))
}

func (r *reader) bytes32() ([]byte, bool) {
	n, ok := r.uint32()
	if !ok {
		return nil, false
	}
	if uint64(n) > uint64(len(r.buf)-r.off) {
		return nil, false
	}
	return r.take(int(n))
}

func (r *reader) take(n int) ([]byte, bool) {
	if len(r.buf)-r.off < n {
		return nil, false
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, true
}
