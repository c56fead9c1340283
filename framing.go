package amqp

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	frameHeaderSize = 8

	frameTypeAMQP = 0x0
	frameTypeSASL = 0x1

	// minMaxFrameSize is the smallest maximum frame size a peer may
	// declare.
	minMaxFrameSize = 512

	// defaultMaxFrameSize is used until Open negotiation completes.
	defaultMaxFrameSize = 65536
)

// frameHeader is the fixed eight byte prefix of every frame. Size covers
// the header, the extended header and the body. DataOffset counts 4-byte
// words from the start of the frame to the body.
type frameHeader struct {
	Size       uint32
	DataOffset uint8
	FrameType  uint8
	Channel    uint16
}

// frame pairs a channel with a decoded performative. A nil body is an
// empty frame, used as a heartbeat.
type frame struct {
	typ     uint8
	channel uint16
	body    performative
}

// parseFrameHeader validates and decodes the header at the front of buf.
func parseFrameHeader(buf []byte) (frameHeader, error) {
	if len(buf) < frameHeaderSize {
		return frameHeader{}, &IncompleteError{Needed: frameHeaderSize}
	}
	fh := frameHeader{
		Size:       binary.BigEndian.Uint32(buf[0:4]),
		DataOffset: buf[4],
		FrameType:  buf[5],
		Channel:    binary.BigEndian.Uint16(buf[6:8]),
	}
	if fh.Size < frameHeaderSize {
		return fh, &InvalidSizeError{Type: "frame", Size: int(fh.Size)}
	}
	if int(fh.DataOffset)*4 > int(fh.Size) || fh.DataOffset < 2 {
		return fh, &InvalidSizeError{Type: "frame data-offset", Size: int(fh.DataOffset)}
	}
	if fh.FrameType != frameTypeAMQP && fh.FrameType != frameTypeSASL {
		return fh, UnexpectedFrameTypeError(fh.FrameType)
	}
	return fh, nil
}

// frameDecoder extracts frames from a byte stream.
type frameDecoder struct {
	// maxFrameSize bounds accepted frames. Zero means the default.
	maxFrameSize uint32
}

func (d *frameDecoder) max() uint32 {
	if d.maxFrameSize == 0 {
		return defaultMaxFrameSize
	}
	return d.maxFrameSize
}

// decode extracts one frame from the front of buf. n reports the bytes
// consumed. An *IncompleteError with Needed set means buf must grow to
// Needed bytes before retrying; no bytes were consumed.
func (d *frameDecoder) decode(buf []byte) (fr frame, n int, err error) {
	fh, err := parseFrameHeader(buf)
	if err != nil {
		return frame{}, 0, err
	}
	if fh.Size > d.max() {
		return frame{}, 0, errors.Wrapf(ErrMaxSizeExceeded, "frame size %d exceeds max %d", fh.Size, d.max())
	}
	if len(buf) < int(fh.Size) {
		return frame{}, 0, &IncompleteError{Needed: int(fh.Size)}
	}

	body := buf[int(fh.DataOffset)*4 : int(fh.Size)]
	fr = frame{typ: fh.FrameType, channel: fh.Channel}
	if len(body) == 0 {
		// empty frame, heartbeat
		return fr, int(fh.Size), nil
	}
	fr.body, err = parsePerformative(fh.FrameType, body)
	if err != nil {
		return frame{}, 0, err
	}
	return fr, int(fh.Size), nil
}

// parsePerformative decodes a complete frame body. Bytes past the end of
// the performative and its payload are a protocol violation.
func parsePerformative(typ uint8, body []byte) (performative, error) {
	r := &buffer{b: body}
	desc, err := peekDescriptor(r)
	if err != nil {
		return nil, completeBodyError(err)
	}

	var p performative
	switch typ {
	case frameTypeAMQP:
		switch desc {
		case descOpen:
			p = new(Open)
		case descBegin:
			p = new(Begin)
		case descAttach:
			p = new(Attach)
		case descFlow:
			p = new(Flow)
		case descTransfer:
			p = new(Transfer)
		case descDisposition:
			p = new(Disposition)
		case descDetach:
			p = new(Detach)
		case descEnd:
			p = new(End)
		case descClose:
			p = new(Close)
		default:
			return nil, &InvalidDescriptorError{Descriptor: desc}
		}
	case frameTypeSASL:
		switch desc {
		case descSASLMechanisms:
			p = new(saslMechanisms)
		case descSASLInit:
			p = new(saslInit)
		case descSASLChallenge:
			p = new(saslChallenge)
		case descSASLResponse:
			p = new(saslResponse)
		case descSASLOutcome:
			p = new(saslOutcome)
		default:
			return nil, &InvalidDescriptorError{Descriptor: desc}
		}
	default:
		return nil, UnexpectedFrameTypeError(typ)
	}

	if err := p.unmarshal(r); err != nil {
		return nil, completeBodyError(err)
	}
	if r.len() > 0 {
		return nil, errors.Wrapf(ErrUnparsedBytesLeft, "%d bytes after %T", r.len(), p)
	}
	return p, nil
}

// completeBodyError rewrites an underflow as a size error. The frame was
// fully buffered, so more input can never arrive.
func completeBodyError(err error) error {
	var inc *IncompleteError
	if errors.As(err, &inc) {
		return &InvalidSizeError{Type: "frame body", Size: inc.Needed}
	}
	return err
}

// writeFrame encodes fr into buf. max bounds the encoded size; zero means
// unbounded.
func writeFrame(buf *bytes.Buffer, fr frame, max uint32) error {
	start := buf.Len()

	// reserve the header, it is patched once the body size is known
	buf.Write([]byte{0, 0, 0, 0, 2, fr.typ, 0, 0})
	binary.BigEndian.PutUint16(buf.Bytes()[start+6:start+8], fr.channel)

	if fr.body != nil {
		if err := marshal(buf, fr.body); err != nil {
			return err
		}
	}

	size := buf.Len() - start
	if max != 0 && uint32(size) > max {
		return errors.Wrapf(ErrMaxSizeExceeded, "frame size %d exceeds max %d", size, max)
	}
	binary.BigEndian.PutUint32(buf.Bytes()[start:start+4], uint32(size))
	return nil
}
