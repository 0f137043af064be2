// Package wire defines the binary frame header and the tagged input-event
// union exchanged between agent and browser.
package wire

import (
	"encoding/binary"
	"errors"
)

// FrameMagic identifies a frame header: "BEAV" little-endian.
const FrameMagic uint32 = 0x56414542

// FrameVersion is the only header version this module emits or accepts.
const FrameVersion uint8 = 1

// HeaderSize is the fixed on-wire size of a Header in bytes.
const HeaderSize = 24

const (
	FlagKeyframe uint8 = 1 << 0
	FlagAudio    uint8 = 1 << 1
)

// ErrBadMagic is returned when a header does not start with FrameMagic.
var ErrBadMagic = errors.New("wire: bad frame magic")

// ErrTruncated is returned when fewer bytes are available than the header
// or the declared payload length require.
var ErrTruncated = errors.New("wire: truncated frame")

// ErrUnsupportedVersion is returned for a header version this build does
// not understand.
var ErrUnsupportedVersion = errors.New("wire: unsupported frame version")

// Header is the 24-byte frame header described in the external interface:
// magic, version, flags, width, height, reserved, timestamp (µs), payload
// length. All integers are little-endian.
type Header struct {
	Flags     uint8
	Width     uint16
	Height    uint16
	TimestampUs uint64
	PayloadLen  uint32
}

// IsKeyframe reports whether FlagKeyframe is set.
func (h Header) IsKeyframe() bool { return h.Flags&FlagKeyframe != 0 }

// IsAudio reports whether FlagAudio is set.
func (h Header) IsAudio() bool { return h.Flags&FlagAudio != 0 }

// EncodeHeader writes a Header plus payload into a single buffer.
func EncodeHeader(h Header, payload []byte) []byte {
	h.PayloadLen = uint32(len(payload))
	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], FrameMagic)
	buf[4] = FrameVersion
	buf[5] = h.Flags
	binary.LittleEndian.PutUint16(buf[6:8], h.Width)
	binary.LittleEndian.PutUint16(buf[8:10], h.Height)
	binary.LittleEndian.PutUint16(buf[10:12], 0) // reserved
	binary.LittleEndian.PutUint64(buf[12:20], h.TimestampUs)
	binary.LittleEndian.PutUint32(buf[20:24], h.PayloadLen)
	copy(buf[HeaderSize:], payload)
	return buf
}

// DecodeHeader parses the fixed header from the front of buf. It does not
// validate that the payload actually follows; call DecodeFrame for a
// header+payload round trip.
func DecodeHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderSize {
		return h, ErrTruncated
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != FrameMagic {
		return h, ErrBadMagic
	}
	version := buf[4]
	if version != FrameVersion {
		return h, ErrUnsupportedVersion
	}
	h.Flags = buf[5]
	h.Width = binary.LittleEndian.Uint16(buf[6:8])
	h.Height = binary.LittleEndian.Uint16(buf[8:10])
	h.TimestampUs = binary.LittleEndian.Uint64(buf[12:20])
	h.PayloadLen = binary.LittleEndian.Uint32(buf[20:24])
	return h, nil
}

// DecodeFrame parses a header and returns the header plus a slice pointing
// at the payload within buf. It fails if fewer bytes than PayloadLen follow
// the header.
func DecodeFrame(buf []byte) (Header, []byte, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return h, nil, err
	}
	end := HeaderSize + int(h.PayloadLen)
	if len(buf) < end {
		return h, nil, ErrTruncated
	}
	return h, buf[HeaderSize:end], nil
}
