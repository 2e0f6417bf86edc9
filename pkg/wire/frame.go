// Package wire implements the TWS API framing and message codec.
//
// A frame is a 4-byte big-endian payload length followed by the payload. The
// payload is a run of fields, each terminated by a single NUL byte. The first
// field of every message is its numeric id; many kinds carry a body version
// as the second field.
//
// Everything in this package is pure: no I/O, no state kept between calls.
// Partial-frame buffering is the caller's job.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the length prefix size in bytes.
	HeaderSize = 4

	// MaxFrameSize bounds a single payload (matches the client library limit).
	MaxFrameSize = 0xFFFFFF

	fieldSep = 0x00
)

// ErrNeedMoreData is returned when buf does not yet hold a complete frame.
var ErrNeedMoreData = errors.New("wire: need more data")

// MalformedFrameError reports a frame that could not be decoded. Field is the
// zero-based index of the offending field within the payload (the message id
// is field 0); -1 means the frame header itself. Consumed is the full frame
// size so a caller may skip it.
type MalformedFrameError struct {
	MsgID    int
	Field    int
	Reason   string
	Consumed int
}

func (e *MalformedFrameError) Error() string {
	if e.Field < 0 {
		return fmt.Sprintf("wire: malformed frame: %s", e.Reason)
	}
	return fmt.Sprintf("wire: malformed frame (msg %d, field %d): %s", e.MsgID, e.Field, e.Reason)
}

const reasonUnknownID = "unknown message id"

// IsUnknownMessage reports whether err is a well-framed message whose id the
// decoder does not know.
func IsUnknownMessage(err error) bool {
	var mf *MalformedFrameError
	return errors.As(err, &mf) && mf.Reason == reasonUnknownID
}

// IsMalformed reports whether err is a *MalformedFrameError.
func IsMalformed(err error) bool {
	var mf *MalformedFrameError
	return errors.As(err, &mf)
}

// splitFrame extracts the payload of the first frame in buf.
func splitFrame(buf []byte) (payload []byte, n int, err error) {
	if len(buf) < HeaderSize {
		return nil, 0, ErrNeedMoreData
	}
	size := binary.BigEndian.Uint32(buf[:HeaderSize])
	if size > MaxFrameSize {
		return nil, 0, &MalformedFrameError{Field: -1, Reason: fmt.Sprintf("frame length %d exceeds limit", size)}
	}
	total := HeaderSize + int(size)
	if len(buf) < total {
		return nil, 0, ErrNeedMoreData
	}
	return buf[HeaderSize:total], total, nil
}

// splitFields cuts a payload on the field separator. Every field must be
// terminated; an unterminated tail is reported by index.
func splitFields(payload []byte) ([]string, int) {
	if len(payload) == 0 {
		return nil, -1
	}
	fields := make([]string, 0, 16)
	start := 0
	for i, b := range payload {
		if b == fieldSep {
			fields = append(fields, string(payload[start:i]))
			start = i + 1
		}
	}
	if start != len(payload) {
		return fields, len(fields)
	}
	return fields, -1
}

// AppendFrame appends the framed encoding of m to dst.
func AppendFrame(dst []byte, m Message) []byte {
	start := len(dst)
	dst = append(dst, 0, 0, 0, 0)
	w := fieldWriter{buf: dst}
	w.int(m.MsgID())
	m.writeFields(&w)
	dst = w.buf
	binary.BigEndian.PutUint32(dst[start:start+HeaderSize], uint32(len(dst)-start-HeaderSize))
	return dst
}

// Encode returns the framed encoding of m.
func Encode(m Message) []byte {
	return AppendFrame(make([]byte, 0, 64), m)
}

// appendRawFrame frames an arbitrary payload.
func appendRawFrame(dst, payload []byte) []byte {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}
