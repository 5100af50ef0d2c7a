package proto

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrFrameTooLarge is returned when a frame exceeds the framer's limit, or
// when a raw read may have been truncated.
var ErrFrameTooLarge = errors.New("frame too large")

const (
	// DefaultMaxFrame bounds length-prefixed frames.
	DefaultMaxFrame = 1 << 20
	// RawControlSize is the raw read buffer for control messages.
	RawControlSize = 1024
	// RawResponseSize is the raw read buffer for response-bearing messages.
	RawResponseSize = 4096
)

// Framing names accepted by NewFramer.
const (
	FramingLength = "length"
	FramingRaw    = "raw"
)

// Framer reads and writes whole messages on a stream.
type Framer interface {
	ReadFrame() ([]byte, error)
	WriteFrame(b []byte) error
}

// NewFramer returns the framer called name over rw. max bounds a frame; for
// raw framing it is the read buffer size. max <= 0 selects the default.
func NewFramer(name string, rw io.ReadWriter, max int) (Framer, error) {
	switch name {
	case "", FramingLength:
		return NewLengthFramer(rw, max), nil
	case FramingRaw:
		return NewRawFramer(rw, max), nil
	}
	return nil, fmt.Errorf("unknown framing %q", name)
}

// ValidFraming reports whether name is a known framing.
func ValidFraming(name string) bool {
	return name == "" || name == FramingLength || name == FramingRaw
}

// LengthFramer prefixes every frame with its length as a big-endian uint32.
type LengthFramer struct {
	rw  io.ReadWriter
	max int
}

// NewLengthFramer returns a LengthFramer with the given frame limit.
func NewLengthFramer(rw io.ReadWriter, max int) *LengthFramer {
	if max <= 0 {
		max = DefaultMaxFrame
	}
	return &LengthFramer{rw: rw, max: max}
}

// ReadFrame reads one length-prefixed frame. A clean EOF before the header
// is returned as io.EOF; EOF inside a frame is io.ErrUnexpectedEOF.
func (f *LengthFramer) ReadFrame() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(f.rw, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if uint64(n) > uint64(f.max) {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrFrameTooLarge, n, f.max)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(f.rw, b); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return b, nil
}

// WriteFrame writes header and payload in a single write.
func (f *LengthFramer) WriteFrame(b []byte) error {
	if len(b) > f.max {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrFrameTooLarge, len(b), f.max)
	}
	buf := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(buf, uint32(len(b)))
	copy(buf[4:], b)
	_, err := f.rw.Write(buf)
	return err
}

// RawFramer treats each read of a bounded buffer as one message, which is
// how peers without framing exchange messages. It relies on the peer sending
// each message in a single write.
type RawFramer struct {
	rw    io.ReadWriter
	size  int
	limit int
}

// NewRawFramer returns a RawFramer reading into a buffer of size bytes.
func NewRawFramer(rw io.ReadWriter, size int) *RawFramer {
	if size <= 0 {
		size = RawControlSize
	}
	return &RawFramer{rw: rw, size: size}
}

// ReadFrame performs one read. A read that fills the buffer is reported as
// ErrFrameTooLarge since the message may have been cut.
func (f *RawFramer) ReadFrame() ([]byte, error) {
	buf := make([]byte, f.size)
	n, err := f.rw.Read(buf)
	if n == 0 {
		if err == nil {
			err = io.ErrNoProgress
		}
		return nil, err
	}
	if n == f.size {
		return nil, fmt.Errorf("%w: read filled %d byte buffer", ErrFrameTooLarge, f.size)
	}
	return buf[:n], nil
}

// SetWriteLimit bounds written frames to n bytes, which should be less than
// the peer's read buffer. n <= 0 removes the limit.
func (f *RawFramer) SetWriteLimit(n int) {
	f.limit = n
}

// WriteFrame writes b as is.
func (f *RawFramer) WriteFrame(b []byte) error {
	if f.limit > 0 && len(b) > f.limit {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrFrameTooLarge, len(b), f.limit)
	}
	_, err := f.rw.Write(b)
	return err
}

// Send marshals v to JSON and writes it as one frame.
func Send(f Framer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return f.WriteFrame(b)
}
