package amqp

import (
	"encoding/hex"
	"fmt"
	"time"
)

// formatCode is the constructor octet of an encoded value.
type formatCode byte

const (
	codeDescribed formatCode = 0x00

	codeNull  formatCode = 0x40
	codeBool  formatCode = 0x56
	codeTrue  formatCode = 0x41
	codeFalse formatCode = 0x42

	codeUbyte      formatCode = 0x50
	codeUshort     formatCode = 0x60
	codeUint       formatCode = 0x70
	codeSmallUint  formatCode = 0x52
	codeUint0      formatCode = 0x43
	codeUlong      formatCode = 0x80
	codeSmallUlong formatCode = 0x53
	codeUlong0     formatCode = 0x44

	codeByte      formatCode = 0x51
	codeShort     formatCode = 0x61
	codeInt       formatCode = 0x71
	codeSmallInt  formatCode = 0x54
	codeLong      formatCode = 0x81
	codeSmallLong formatCode = 0x55

	codeFloat      formatCode = 0x72
	codeDouble     formatCode = 0x82
	codeDecimal32  formatCode = 0x74
	codeDecimal64  formatCode = 0x84
	codeDecimal128 formatCode = 0x94

	codeChar      formatCode = 0x73
	codeTimestamp formatCode = 0x83
	codeUUID      formatCode = 0x98

	codeVbin8  formatCode = 0xa0
	codeVbin32 formatCode = 0xb0
	codeStr8   formatCode = 0xa1
	codeStr32  formatCode = 0xb1
	codeSym8   formatCode = 0xa3
	codeSym32  formatCode = 0xb3

	codeList0   formatCode = 0x45
	codeList8   formatCode = 0xc0
	codeList32  formatCode = 0xd0
	codeMap8    formatCode = 0xc1
	codeMap32   formatCode = 0xd1
	codeArray8  formatCode = 0xe0
	codeArray32 formatCode = 0xf0
)

// Composite descriptor codes.
const (
	descOpen        uint64 = 0x10
	descBegin       uint64 = 0x11
	descAttach      uint64 = 0x12
	descFlow        uint64 = 0x13
	descTransfer    uint64 = 0x14
	descDisposition uint64 = 0x15
	descDetach      uint64 = 0x16
	descEnd         uint64 = 0x17
	descClose       uint64 = 0x18

	descError uint64 = 0x1d

	descReceived uint64 = 0x23
	descAccepted uint64 = 0x24
	descRejected uint64 = 0x25
	descReleased uint64 = 0x26
	descModified uint64 = 0x27

	descSource uint64 = 0x28
	descTarget uint64 = 0x29

	descSASLMechanisms uint64 = 0x40
	descSASLInit       uint64 = 0x41
	descSASLChallenge  uint64 = 0x42
	descSASLResponse   uint64 = 0x43
	descSASLOutcome    uint64 = 0x44

	descMessageHeader         uint64 = 0x70
	descDeliveryAnnotations   uint64 = 0x71
	descMessageAnnotations    uint64 = 0x72
	descMessageProperties     uint64 = 0x73
	descApplicationProperties uint64 = 0x74
	descData                  uint64 = 0x75
	descAMQPSequence          uint64 = 0x76
	descAMQPValue             uint64 = 0x77
	descFooter                uint64 = 0x78
)

// symbol is an AMQP symbolic value, restricted to ASCII in practice.
type symbol string

// char is a single Unicode scalar value. It is distinct from rune so the
// codec can tell a char apart from an int.
type char rune

// milliseconds is a duration carried on the wire as a uint count of
// milliseconds.
type milliseconds time.Duration

// UUID is a RFC 4122 universally unique identifier.
type UUID [16]byte

func (u UUID) String() string {
	var buf [36]byte
	hex.Encode(buf[:8], u[:4])
	buf[8] = '-'
	hex.Encode(buf[9:13], u[4:6])
	buf[13] = '-'
	hex.Encode(buf[14:18], u[6:8])
	buf[18] = '-'
	hex.Encode(buf[19:23], u[8:10])
	buf[23] = '-'
	hex.Encode(buf[24:], u[10:])
	return string(buf[:])
}

// describedType is a generic described value whose descriptor did not
// resolve to a known composite.
type describedType struct {
	descriptor interface{}
	value      interface{}
}

func (t describedType) marshal(wr writer) error {
	err := wr.WriteByte(byte(codeDescribed))
	if err != nil {
		return err
	}
	err = marshal(wr, t.descriptor)
	if err != nil {
		return err
	}
	return marshal(wr, t.value)
}

func (t describedType) String() string {
	return fmt.Sprintf("describedType{descriptor: %v, value: %v}", t.descriptor, t.value)
}

// role distinguishes the sender (false) and receiver (true) ends of a
// link.
type role bool

const (
	roleSender   role = false
	roleReceiver role = true
)

func (r role) String() string {
	if r == roleSender {
		return "sender"
	}
	return "receiver"
}

// SenderSettleMode controls when the sender settles deliveries.
type SenderSettleMode uint8

const (
	// ModeUnsettled sends deliveries unsettled and waits for the
	// receiver's disposition.
	ModeUnsettled SenderSettleMode = 0

	// ModeSettled settles every delivery at send time.
	ModeSettled SenderSettleMode = 1

	// ModeMixed leaves the choice per delivery.
	ModeMixed SenderSettleMode = 2
)

func (m SenderSettleMode) String() string {
	switch m {
	case ModeUnsettled:
		return "unsettled"
	case ModeSettled:
		return "settled"
	case ModeMixed:
		return "mixed"
	default:
		return fmt.Sprintf("unknown sender mode %d", uint8(m))
	}
}

func (m SenderSettleMode) marshal(wr writer) error {
	return marshal(wr, uint8(m))
}

// ReceiverSettleMode controls when the receiver settles deliveries.
type ReceiverSettleMode uint8

const (
	// ModeFirst settles on arrival, before sending a disposition.
	ModeFirst ReceiverSettleMode = 0

	// ModeSecond settles only after the sender settles.
	ModeSecond ReceiverSettleMode = 1
)

func (m ReceiverSettleMode) String() string {
	switch m {
	case ModeFirst:
		return "first"
	case ModeSecond:
		return "second"
	default:
		return fmt.Sprintf("unknown receiver mode %d", uint8(m))
	}
}

func (m ReceiverSettleMode) marshal(wr writer) error {
	return marshal(wr, uint8(m))
}

// performative is a frame body. Bodies carrying a link handle report it via
// linkHandle so the session can route them.
type performative interface {
	marshaler
	unmarshaler
	linkHandle() (uint32, bool)
}

// Error carries a symbolic condition and optional context. It appears in
// Close, End, Detach, Rejected and Modified.
type Error struct {
	Condition   ErrorCondition
	Description string
	Info        map[symbol]interface{}
}

func (e *Error) marshal(wr writer) error {
	return writeComposite(wr, descError,
		field{value: symbol(e.Condition)},
		field{value: e.Description, omit: e.Description == ""},
		field{value: e.Info, omit: len(e.Info) == 0},
	)
}

func (e *Error) unmarshal(r *buffer) error {
	var cond symbol
	err := readComposite(r, descError,
		dest{target: &cond, onNull: required("error.condition")},
		dest{target: &e.Description},
		dest{target: &e.Info},
	)
	e.Condition = ErrorCondition(cond)
	return err
}

func (e *Error) Error() string {
	if e.Description != "" {
		return string(e.Condition) + ": " + e.Description
	}
	return string(e.Condition)
}

// Open negotiates connection limits. It is the first frame in each
// direction after the protocol headers.
type Open struct {
	ContainerID         string
	Hostname            string
	MaxFrameSize        uint32
	ChannelMax          uint16
	IdleTimeout         milliseconds
	OutgoingLocales     []symbol
	IncomingLocales     []symbol
	OfferedCapabilities []symbol
	DesiredCapabilities []symbol
	Properties          map[symbol]interface{}
}

func (o *Open) marshal(wr writer) error {
	return writeComposite(wr, descOpen,
		field{value: o.ContainerID},
		field{value: o.Hostname, omit: o.Hostname == ""},
		field{value: o.MaxFrameSize, omit: o.MaxFrameSize == 0},
		field{value: o.ChannelMax, omit: o.ChannelMax == 0},
		field{value: o.IdleTimeout, omit: o.IdleTimeout == 0},
		field{value: o.OutgoingLocales, omit: len(o.OutgoingLocales) == 0},
		field{value: o.IncomingLocales, omit: len(o.IncomingLocales) == 0},
		field{value: o.OfferedCapabilities, omit: len(o.OfferedCapabilities) == 0},
		field{value: o.DesiredCapabilities, omit: len(o.DesiredCapabilities) == 0},
		field{value: o.Properties, omit: len(o.Properties) == 0},
	)
}

func (o *Open) unmarshal(r *buffer) error {
	return readComposite(r, descOpen,
		dest{target: &o.ContainerID, onNull: required("open.container-id")},
		dest{target: &o.Hostname},
		dest{target: &o.MaxFrameSize, onNull: defaultUint32(&o.MaxFrameSize, 4294967295)},
		dest{target: &o.ChannelMax, onNull: defaultUint16(&o.ChannelMax, 65535)},
		dest{target: &o.IdleTimeout},
		dest{target: &o.OutgoingLocales},
		dest{target: &o.IncomingLocales},
		dest{target: &o.OfferedCapabilities},
		dest{target: &o.DesiredCapabilities},
		dest{target: &o.Properties},
	)
}

func (o *Open) linkHandle() (uint32, bool) { return 0, false }

func (o *Open) String() string {
	return fmt.Sprintf("Open{ContainerID: %s, Hostname: %s, MaxFrameSize: %d, ChannelMax: %d, IdleTimeout: %v}",
		o.ContainerID, o.Hostname, o.MaxFrameSize, o.ChannelMax, time.Duration(o.IdleTimeout))
}

// Begin maps a session onto a channel.
type Begin struct {
	// RemoteChannel is set on the responding Begin to identify the
	// channel the peer began.
	RemoteChannel *uint16

	NextOutgoingID      uint32
	IncomingWindow      uint32
	OutgoingWindow      uint32
	HandleMax           uint32
	OfferedCapabilities []symbol
	DesiredCapabilities []symbol
	Properties          map[symbol]interface{}
}

func (b *Begin) marshal(wr writer) error {
	return writeComposite(wr, descBegin,
		field{value: b.RemoteChannel, omit: b.RemoteChannel == nil},
		field{value: b.NextOutgoingID},
		field{value: b.IncomingWindow},
		field{value: b.OutgoingWindow},
		field{value: b.HandleMax, omit: b.HandleMax == 0},
		field{value: b.OfferedCapabilities, omit: len(b.OfferedCapabilities) == 0},
		field{value: b.DesiredCapabilities, omit: len(b.DesiredCapabilities) == 0},
		field{value: b.Properties, omit: len(b.Properties) == 0},
	)
}

func (b *Begin) unmarshal(r *buffer) error {
	return readComposite(r, descBegin,
		dest{target: &b.RemoteChannel},
		dest{target: &b.NextOutgoingID, onNull: required("begin.next-outgoing-id")},
		dest{target: &b.IncomingWindow, onNull: required("begin.incoming-window")},
		dest{target: &b.OutgoingWindow, onNull: required("begin.outgoing-window")},
		dest{target: &b.HandleMax, onNull: defaultUint32(&b.HandleMax, 4294967295)},
		dest{target: &b.OfferedCapabilities},
		dest{target: &b.DesiredCapabilities},
		dest{target: &b.Properties},
	)
}

func (b *Begin) linkHandle() (uint32, bool) { return 0, false }

func (b *Begin) String() string {
	return fmt.Sprintf("Begin{RemoteChannel: %v, NextOutgoingID: %d, IncomingWindow: %d, OutgoingWindow: %d, HandleMax: %d}",
		b.RemoteChannel, b.NextOutgoingID, b.IncomingWindow, b.OutgoingWindow, b.HandleMax)
}

// Attach maps a link onto a session handle.
type Attach struct {
	Name                 string
	Handle               uint32
	Role                 role
	SenderSettleMode     *SenderSettleMode
	ReceiverSettleMode   *ReceiverSettleMode
	Source               *Source
	Target               *Target
	Unsettled            map[interface{}]interface{}
	IncompleteUnsettled  bool
	InitialDeliveryCount uint32
	MaxMessageSize       uint64
	OfferedCapabilities  []symbol
	DesiredCapabilities  []symbol
	Properties           map[symbol]interface{}
}

func (a *Attach) marshal(wr writer) error {
	return writeComposite(wr, descAttach,
		field{value: a.Name},
		field{value: a.Handle},
		field{value: bool(a.Role)},
		field{value: a.SenderSettleMode, omit: a.SenderSettleMode == nil},
		field{value: a.ReceiverSettleMode, omit: a.ReceiverSettleMode == nil},
		field{value: a.Source, omit: a.Source == nil},
		field{value: a.Target, omit: a.Target == nil},
		field{value: a.Unsettled, omit: len(a.Unsettled) == 0},
		field{value: a.IncompleteUnsettled, omit: !a.IncompleteUnsettled},
		field{value: a.InitialDeliveryCount, omit: a.Role == roleReceiver},
		field{value: a.MaxMessageSize, omit: a.MaxMessageSize == 0},
		field{value: a.OfferedCapabilities, omit: len(a.OfferedCapabilities) == 0},
		field{value: a.DesiredCapabilities, omit: len(a.DesiredCapabilities) == 0},
		field{value: a.Properties, omit: len(a.Properties) == 0},
	)
}

func (a *Attach) unmarshal(r *buffer) error {
	return readComposite(r, descAttach,
		dest{target: &a.Name, onNull: required("attach.name")},
		dest{target: &a.Handle, onNull: required("attach.handle")},
		dest{target: &a.Role, onNull: required("attach.role")},
		dest{target: &a.SenderSettleMode},
		dest{target: &a.ReceiverSettleMode},
		dest{target: &a.Source},
		dest{target: &a.Target},
		dest{target: &a.Unsettled},
		dest{target: &a.IncompleteUnsettled},
		dest{target: &a.InitialDeliveryCount},
		dest{target: &a.MaxMessageSize},
		dest{target: &a.OfferedCapabilities},
		dest{target: &a.DesiredCapabilities},
		dest{target: &a.Properties},
	)
}

func (a *Attach) linkHandle() (uint32, bool) { return a.Handle, true }

func (a *Attach) String() string {
	return fmt.Sprintf("Attach{Name: %s, Handle: %d, Role: %s, SenderSettleMode: %v, ReceiverSettleMode: %v}",
		a.Name, a.Handle, a.Role, a.SenderSettleMode, a.ReceiverSettleMode)
}

// Flow updates session windows and, when Handle is set, link credit.
type Flow struct {
	NextIncomingID *uint32
	IncomingWindow uint32
	NextOutgoingID uint32
	OutgoingWindow uint32
	Handle         *uint32
	DeliveryCount  *uint32
	LinkCredit     *uint32
	Available      *uint32
	Drain          bool
	Echo           bool
	Properties     map[symbol]interface{}
}

func (f *Flow) marshal(wr writer) error {
	return writeComposite(wr, descFlow,
		field{value: f.NextIncomingID, omit: f.NextIncomingID == nil},
		field{value: f.IncomingWindow},
		field{value: f.NextOutgoingID},
		field{value: f.OutgoingWindow},
		field{value: f.Handle, omit: f.Handle == nil},
		field{value: f.DeliveryCount, omit: f.DeliveryCount == nil},
		field{value: f.LinkCredit, omit: f.LinkCredit == nil},
		field{value: f.Available, omit: f.Available == nil},
		field{value: f.Drain, omit: !f.Drain},
		field{value: f.Echo, omit: !f.Echo},
		field{value: f.Properties, omit: len(f.Properties) == 0},
	)
}

func (f *Flow) unmarshal(r *buffer) error {
	return readComposite(r, descFlow,
		dest{target: &f.NextIncomingID},
		dest{target: &f.IncomingWindow, onNull: required("flow.incoming-window")},
		dest{target: &f.NextOutgoingID, onNull: required("flow.next-outgoing-id")},
		dest{target: &f.OutgoingWindow, onNull: required("flow.outgoing-window")},
		dest{target: &f.Handle},
		dest{target: &f.DeliveryCount},
		dest{target: &f.LinkCredit},
		dest{target: &f.Available},
		dest{target: &f.Drain},
		dest{target: &f.Echo},
		dest{target: &f.Properties},
	)
}

func (f *Flow) linkHandle() (uint32, bool) {
	if f.Handle == nil {
		return 0, false
	}
	return *f.Handle, true
}

func (f *Flow) String() string {
	return fmt.Sprintf("Flow{NextIncomingID: %v, IncomingWindow: %d, NextOutgoingID: %d, OutgoingWindow: %d, Handle: %v, LinkCredit: %v}",
		ptrString(f.NextIncomingID), f.IncomingWindow, f.NextOutgoingID, f.OutgoingWindow, ptrString(f.Handle), ptrString(f.LinkCredit))
}

func ptrString(p *uint32) string {
	if p == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%d", *p)
}

// Transfer carries one frame of a delivery. Payload is the raw bytes after
// the performative, not a composite field.
type Transfer struct {
	Handle             uint32
	DeliveryID         *uint32
	DeliveryTag        []byte
	MessageFormat      *uint32
	Settled            bool
	More               bool
	ReceiverSettleMode *ReceiverSettleMode
	State              deliveryState
	Resume             bool
	Aborted            bool
	Batchable          bool

	Payload []byte
}

func (t *Transfer) marshal(wr writer) error {
	err := writeComposite(wr, descTransfer,
		field{value: t.Handle},
		field{value: t.DeliveryID, omit: t.DeliveryID == nil},
		field{value: t.DeliveryTag, omit: len(t.DeliveryTag) == 0},
		field{value: t.MessageFormat, omit: t.MessageFormat == nil},
		field{value: t.Settled, omit: !t.Settled},
		field{value: t.More, omit: !t.More},
		field{value: t.ReceiverSettleMode, omit: t.ReceiverSettleMode == nil},
		field{value: t.State, omit: t.State == nil},
		field{value: t.Resume, omit: !t.Resume},
		field{value: t.Aborted, omit: !t.Aborted},
		field{value: t.Batchable, omit: !t.Batchable},
	)
	if err != nil {
		return err
	}
	_, err = wr.Write(t.Payload)
	return err
}

func (t *Transfer) unmarshal(r *buffer) error {
	err := readComposite(r, descTransfer,
		dest{target: &t.Handle, onNull: required("transfer.handle")},
		dest{target: &t.DeliveryID},
		dest{target: &t.DeliveryTag},
		dest{target: &t.MessageFormat},
		dest{target: &t.Settled},
		dest{target: &t.More},
		dest{target: &t.ReceiverSettleMode},
		dest{target: &t.State},
		dest{target: &t.Resume},
		dest{target: &t.Aborted},
		dest{target: &t.Batchable},
	)
	if err != nil {
		return err
	}
	// the rest of the frame body is the payload
	if r.len() > 0 {
		t.Payload = make([]byte, r.len())
		copy(t.Payload, r.bytes())
		r.i = len(r.b)
	}
	return nil
}

func (t *Transfer) linkHandle() (uint32, bool) { return t.Handle, true }

func (t *Transfer) String() string {
	return fmt.Sprintf("Transfer{Handle: %d, DeliveryID: %v, DeliveryTag: %x, Settled: %t, More: %t, Payload: %d bytes}",
		t.Handle, ptrString(t.DeliveryID), t.DeliveryTag, t.Settled, t.More, len(t.Payload))
}

// Disposition reports the settlement state of a contiguous delivery-id
// range.
type Disposition struct {
	Role      role
	First     uint32
	Last      *uint32
	Settled   bool
	State     deliveryState
	Batchable bool
}

func (d *Disposition) marshal(wr writer) error {
	return writeComposite(wr, descDisposition,
		field{value: bool(d.Role)},
		field{value: d.First},
		field{value: d.Last, omit: d.Last == nil},
		field{value: d.Settled, omit: !d.Settled},
		field{value: d.State, omit: d.State == nil},
		field{value: d.Batchable, omit: !d.Batchable},
	)
}

func (d *Disposition) unmarshal(r *buffer) error {
	return readComposite(r, descDisposition,
		dest{target: &d.Role, onNull: required("disposition.role")},
		dest{target: &d.First, onNull: required("disposition.first")},
		dest{target: &d.Last},
		dest{target: &d.Settled},
		dest{target: &d.State},
		dest{target: &d.Batchable},
	)
}

func (d *Disposition) linkHandle() (uint32, bool) { return 0, false }

func (d *Disposition) String() string {
	return fmt.Sprintf("Disposition{Role: %s, First: %d, Last: %v, Settled: %t, State: %v}",
		d.Role, d.First, ptrString(d.Last), d.Settled, d.State)
}

// Detach releases a link handle. Closed means the link is gone rather than
// suspended.
type Detach struct {
	Handle uint32
	Closed bool
	Error  *Error
}

func (d *Detach) marshal(wr writer) error {
	return writeComposite(wr, descDetach,
		field{value: d.Handle},
		field{value: d.Closed, omit: !d.Closed},
		field{value: d.Error, omit: d.Error == nil},
	)
}

func (d *Detach) unmarshal(r *buffer) error {
	return readComposite(r, descDetach,
		dest{target: &d.Handle, onNull: required("detach.handle")},
		dest{target: &d.Closed},
		dest{target: &d.Error},
	)
}

func (d *Detach) linkHandle() (uint32, bool) { return d.Handle, true }

func (d *Detach) String() string {
	return fmt.Sprintf("Detach{Handle: %d, Closed: %t, Error: %v}", d.Handle, d.Closed, d.Error)
}

// End unmaps a session from its channel.
type End struct {
	Error *Error
}

func (e *End) marshal(wr writer) error {
	return writeComposite(wr, descEnd,
		field{value: e.Error, omit: e.Error == nil},
	)
}

func (e *End) unmarshal(r *buffer) error {
	return readComposite(r, descEnd,
		dest{target: &e.Error},
	)
}

func (e *End) linkHandle() (uint32, bool) { return 0, false }

func (e *End) String() string {
	return fmt.Sprintf("End{Error: %v}", e.Error)
}

// Close terminates the connection.
type Close struct {
	Error *Error
}

func (c *Close) marshal(wr writer) error {
	return writeComposite(wr, descClose,
		field{value: c.Error, omit: c.Error == nil},
	)
}

func (c *Close) unmarshal(r *buffer) error {
	return readComposite(r, descClose,
		dest{target: &c.Error},
	)
}

func (c *Close) linkHandle() (uint32, bool) { return 0, false }

func (c *Close) String() string {
	return fmt.Sprintf("Close{Error: %v}", c.Error)
}

// Source describes the origin terminus of a link.
type Source struct {
	Address               string
	Durable               uint32
	ExpiryPolicy          symbol
	Timeout               uint32
	Dynamic               bool
	DynamicNodeProperties map[symbol]interface{}
	DistributionMode      symbol
	Filter                map[symbol]interface{}
	DefaultOutcome        interface{}
	Outcomes              []symbol
	Capabilities          []symbol
}

func (s *Source) marshal(wr writer) error {
	return writeComposite(wr, descSource,
		field{value: s.Address, omit: s.Address == ""},
		field{value: s.Durable, omit: s.Durable == 0},
		field{value: s.ExpiryPolicy, omit: s.ExpiryPolicy == ""},
		field{value: s.Timeout, omit: s.Timeout == 0},
		field{value: s.Dynamic, omit: !s.Dynamic},
		field{value: s.DynamicNodeProperties, omit: len(s.DynamicNodeProperties) == 0},
		field{value: s.DistributionMode, omit: s.DistributionMode == ""},
		field{value: s.Filter, omit: len(s.Filter) == 0},
		field{value: s.DefaultOutcome, omit: s.DefaultOutcome == nil},
		field{value: s.Outcomes, omit: len(s.Outcomes) == 0},
		field{value: s.Capabilities, omit: len(s.Capabilities) == 0},
	)
}

func (s *Source) unmarshal(r *buffer) error {
	return readComposite(r, descSource,
		dest{target: &s.Address},
		dest{target: &s.Durable},
		dest{target: &s.ExpiryPolicy},
		dest{target: &s.Timeout},
		dest{target: &s.Dynamic},
		dest{target: &s.DynamicNodeProperties},
		dest{target: &s.DistributionMode},
		dest{target: &s.Filter},
		dest{target: &s.DefaultOutcome},
		dest{target: &s.Outcomes},
		dest{target: &s.Capabilities},
	)
}

// Target describes the destination terminus of a link.
type Target struct {
	Address               string
	Durable               uint32
	ExpiryPolicy          symbol
	Timeout               uint32
	Dynamic               bool
	DynamicNodeProperties map[symbol]interface{}
	Capabilities          []symbol
}

func (t *Target) marshal(wr writer) error {
	return writeComposite(wr, descTarget,
		field{value: t.Address, omit: t.Address == ""},
		field{value: t.Durable, omit: t.Durable == 0},
		field{value: t.ExpiryPolicy, omit: t.ExpiryPolicy == ""},
		field{value: t.Timeout, omit: t.Timeout == 0},
		field{value: t.Dynamic, omit: !t.Dynamic},
		field{value: t.DynamicNodeProperties, omit: len(t.DynamicNodeProperties) == 0},
		field{value: t.Capabilities, omit: len(t.Capabilities) == 0},
	)
}

func (t *Target) unmarshal(r *buffer) error {
	return readComposite(r, descTarget,
		dest{target: &t.Address},
		dest{target: &t.Durable},
		dest{target: &t.ExpiryPolicy},
		dest{target: &t.Timeout},
		dest{target: &t.Dynamic},
		dest{target: &t.DynamicNodeProperties},
		dest{target: &t.Capabilities},
	)
}

// deliveryState is one of Received, Accepted, Rejected, Released or
// Modified.
type deliveryState interface {
	deliveryState()
	marshaler
}

// stateReceived reports partial transfer progress.
type stateReceived struct {
	SectionNumber uint32
	SectionOffset uint64
}

func (s *stateReceived) deliveryState() {}

func (s *stateReceived) marshal(wr writer) error {
	return writeComposite(wr, descReceived,
		field{value: s.SectionNumber},
		field{value: s.SectionOffset},
	)
}

func (s *stateReceived) unmarshal(r *buffer) error {
	return readComposite(r, descReceived,
		dest{target: &s.SectionNumber, onNull: required("received.section-number")},
		dest{target: &s.SectionOffset, onNull: required("received.section-offset")},
	)
}

func (s *stateReceived) String() string {
	return fmt.Sprintf("Received{SectionNumber: %d, SectionOffset: %d}", s.SectionNumber, s.SectionOffset)
}

type stateAccepted struct{}

func (s *stateAccepted) deliveryState() {}

func (s *stateAccepted) marshal(wr writer) error {
	return writeComposite(wr, descAccepted)
}

func (s *stateAccepted) unmarshal(r *buffer) error {
	return readComposite(r, descAccepted)
}

func (s *stateAccepted) String() string { return "Accepted" }

type stateRejected struct {
	Error *Error
}

func (s *stateRejected) deliveryState() {}

func (s *stateRejected) marshal(wr writer) error {
	return writeComposite(wr, descRejected,
		field{value: s.Error, omit: s.Error == nil},
	)
}

func (s *stateRejected) unmarshal(r *buffer) error {
	return readComposite(r, descRejected,
		dest{target: &s.Error},
	)
}

func (s *stateRejected) String() string {
	return fmt.Sprintf("Rejected{Error: %v}", s.Error)
}

type stateReleased struct{}

func (s *stateReleased) deliveryState() {}

func (s *stateReleased) marshal(wr writer) error {
	return writeComposite(wr, descReleased)
}

func (s *stateReleased) unmarshal(r *buffer) error {
	return readComposite(r, descReleased)
}

func (s *stateReleased) String() string { return "Released" }

type stateModified struct {
	DeliveryFailed     bool
	UndeliverableHere  bool
	MessageAnnotations map[symbol]interface{}
}

func (s *stateModified) deliveryState() {}

func (s *stateModified) marshal(wr writer) error {
	return writeComposite(wr, descModified,
		field{value: s.DeliveryFailed, omit: !s.DeliveryFailed},
		field{value: s.UndeliverableHere, omit: !s.UndeliverableHere},
		field{value: s.MessageAnnotations, omit: len(s.MessageAnnotations) == 0},
	)
}

func (s *stateModified) unmarshal(r *buffer) error {
	return readComposite(r, descModified,
		dest{target: &s.DeliveryFailed},
		dest{target: &s.UndeliverableHere},
		dest{target: &s.MessageAnnotations},
	)
}

func (s *stateModified) String() string {
	return fmt.Sprintf("Modified{DeliveryFailed: %t, UndeliverableHere: %t}", s.DeliveryFailed, s.UndeliverableHere)
}
