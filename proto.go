package amqp

import (
	"io"

	"github.com/pkg/errors"
)

// protoID selects the protocol layered after the header exchange.
type protoID uint8

const (
	protoAMQP protoID = 0x0
	protoTLS  protoID = 0x2
	protoSASL protoID = 0x3
)

func (p protoID) String() string {
	switch p {
	case protoAMQP:
		return "AMQP"
	case protoTLS:
		return "TLS"
	case protoSASL:
		return "SASL"
	default:
		return "unknown"
	}
}

const protoHeaderSize = 8

// protoHeader is the eight byte prologue exchanged before any frames.
type protoHeader struct {
	ID       protoID
	Major    uint8
	Minor    uint8
	Revision uint8
}

// writeProtoHeader sends the 1.0.0 header for id.
func writeProtoHeader(wr io.Writer, id protoID) error {
	_, err := wr.Write([]byte{'A', 'M', 'Q', 'P', byte(id), 1, 0, 0})
	return err
}

// parseProtoHeader validates the header at the front of buf. The magic is
// checked before the version so a non-AMQP peer is reported as such rather
// than as a version mismatch.
func parseProtoHeader(buf []byte) (protoHeader, error) {
	if len(buf) < protoHeaderSize {
		return protoHeader{}, &IncompleteError{Needed: protoHeaderSize}
	}
	if buf[0] != 'A' || buf[1] != 'M' || buf[2] != 'Q' || buf[3] != 'P' {
		return protoHeader{}, errors.Wrapf(ErrInvalidHeader, "% x", buf[:protoHeaderSize])
	}
	p := protoHeader{
		ID:       protoID(buf[4]),
		Major:    buf[5],
		Minor:    buf[6],
		Revision: buf[7],
	}
	if p.Major != 1 || p.Minor != 0 || p.Revision != 0 {
		return p, errors.Wrapf(ErrIncompatibleVersion, "peer version %d.%d.%d", p.Major, p.Minor, p.Revision)
	}
	switch p.ID {
	case protoAMQP, protoTLS, protoSASL:
		return p, nil
	default:
		return p, errors.Wrapf(ErrInvalidHeader, "unknown protocol id %d", p.ID)
	}
}
