// Package protocol implements the binary frame protocol for gen-rpc.
//
// Stream transports have no message boundaries, so every frame starts with
// a fixed-size 10-byte header carrying the body length. The receiver reads
// the header first, then reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5  6         10
//	┌──────┬──┬──┬──┬─────────┬───────────────┐
//	│magic │v │ct│ft│ bodyLen │    body ...    │
//	│ grp  │01│  │  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/juju/errors"
)

// Magic number bytes: "grp" (gen-rpc protocol).
// Used to reject non-protocol connections (e.g., HTTP clients hitting the wrong port).
const (
	MagicNumber byte = 0x67 // 'g'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 10 // 3 (magic) + 1 (version) + 1 (codec) + 1 (frameType) + 4 (bodyLen)
)

// MaxBodyLen bounds a single frame body.
const MaxBodyLen = 64 << 20

// FrameType distinguishes envelope frames from heartbeats.
type FrameType byte

const (
	FrameEnvelope  FrameType = 0 // Body is one encoded envelope
	FrameHeartbeat FrameType = 1 // Liveness probe, no body
)

// Codec ids carried in the header, mirrored from the codec package.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
	CodecTypeBSON   byte = 2
)

// Header is the fixed 10-byte frame header.
type Header struct {
	CodecType byte      // Serialization format of the body
	FrameType FrameType // Envelope or Heartbeat
	BodyLen   uint32    // Body length in bytes
}

// Marshal renders a complete frame (header + body) into one buffer, so a
// single Write puts the whole frame on the wire.
func Marshal(h *Header, body []byte) ([]byte, error) {
	if len(body) > MaxBodyLen {
		return nil, errors.NotValidf("frame body of %d bytes", len(body))
	}
	buf := make([]byte, HeaderSize, HeaderSize+len(body))
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.FrameType)
	binary.BigEndian.PutUint32(buf[6:10], uint32(len(body)))
	return append(buf, body...), nil
}

// Encode writes a complete frame to w.
// The caller must hold a write lock if multiple goroutines share the same writer.
func Encode(w io.Writer, h *Header, body []byte) error {
	frame, err := Marshal(h, body)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, codec type, frame type and length.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, errors.NotValidf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, errors.NotValidf("unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] > CodecTypeBSON {
		return nil, nil, errors.NotValidf("unsupported codec type: %d", headerBuf[4])
	}
	frameType := FrameType(headerBuf[5])
	if frameType != FrameEnvelope && frameType != FrameHeartbeat {
		return nil, nil, errors.NotValidf("unsupported frame type: %d", frameType)
	}

	bodyLen := binary.BigEndian.Uint32(headerBuf[6:10])
	if bodyLen > MaxBodyLen {
		return nil, nil, errors.NotValidf("frame body of %d bytes", bodyLen)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		FrameType: frameType,
		BodyLen:   bodyLen,
	}, body, nil
}
