package amqp

import (
	"bytes"
	"fmt"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var exampleTypes = []interface{}{
	true,
	false,
	uint8(200),
	uint16(50000),
	uint32(0),
	uint32(77),
	uint32(1000000),
	uint64(0),
	uint64(200),
	uint64(math.MaxUint64),
	int8(-100),
	int16(-20000),
	int32(-100),
	int32(1000000),
	int64(-100),
	int64(1125899906842624),
	float32(3.5),
	float64(-1.25e10),
	char('Ä'),
	char('�'),
	"hello",
	string(bytes.Repeat([]byte("a"), 500)),
	[]byte{1, 2, 3, 4},
	symbol("amqp:accepted:list"),
	[]symbol{"a", "b"},
	milliseconds(10 * time.Second),
	time.Date(2018, 3, 1, 12, 30, 0, 5e6, time.UTC),
	UUID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
	map[interface{}]interface{}{uint32(1): "one"},
	map[string]interface{}{"k": uint64(9)},
	map[symbol]interface{}{"sym": "val"},
	&Error{
		Condition:   ErrorNotFound,
		Description: "it went missing",
		Info:        map[symbol]interface{}{"checked": "everywhere"},
	},
	&Open{
		ContainerID:  "container-a",
		Hostname:     "example.test",
		MaxFrameSize: 65536,
		ChannelMax:   511,
		IdleTimeout:  milliseconds(time.Minute),
		Properties:   map[symbol]interface{}{"product": "amqpwire"},
	},
	&Begin{
		RemoteChannel:  uint16p(3),
		NextOutgoingID: 10,
		IncomingWindow: 500,
		OutgoingWindow: 600,
		HandleMax:      64,
	},
	&Attach{
		Name:               "link-a",
		Handle:             2,
		Role:               roleSender,
		SenderSettleMode:   sndSettleP(ModeMixed),
		ReceiverSettleMode: rcvSettleP(ModeFirst),
		Source:             &Source{Address: "queue-a", Durable: 1},
		Target:             &Target{Address: "queue-b"},
		MaxMessageSize:     1 << 20,
	},
	&Flow{
		NextIncomingID: uint32p(5),
		IncomingWindow: 100,
		NextOutgoingID: 7,
		OutgoingWindow: 200,
		Handle:         uint32p(1),
		DeliveryCount:  uint32p(12),
		LinkCredit:     uint32p(50),
		Drain:          true,
	},
	&Transfer{
		Handle:      1,
		DeliveryID:  uint32p(44),
		DeliveryTag: []byte("tag-1"),
		Settled:     true,
		More:        true,
		Payload:     []byte("payload bytes"),
	},
	&Disposition{
		Role:    roleReceiver,
		First:   10,
		Last:    uint32p(12),
		Settled: true,
		State:   &stateAccepted{},
	},
	&Detach{
		Handle: 3,
		Closed: true,
		Error:  &Error{Condition: ErrorDetachForced},
	},
	&End{Error: &Error{Condition: ErrorWindowViolation}},
	&Close{},
	&Source{
		Address:          "source-node",
		ExpiryPolicy:     "session-end",
		DistributionMode: "copy",
		Filter:           map[symbol]interface{}{"selector": "a > 1"},
		Outcomes:         []symbol{"amqp:accepted:list", "amqp:rejected:list"},
	},
	&Target{Address: "target-node", Dynamic: true},
	&stateReceived{SectionNumber: 1, SectionOffset: 200},
	&stateRejected{Error: &Error{Condition: ErrorDecodeError}},
	&stateReleased{},
	&stateModified{DeliveryFailed: true, MessageAnnotations: map[symbol]interface{}{"x": "y"}},
	&saslMechanisms{Mechanisms: []symbol{"PLAIN", "ANONYMOUS"}},
	&saslInit{Mechanism: "PLAIN", InitialResponse: []byte("\x00user\x00pass"), Hostname: "host"},
	&saslChallenge{Challenge: []byte{1, 2}},
	&saslResponse{Response: []byte{3, 4}},
	&saslOutcome{Code: saslAuth, AdditionalData: []byte("nope")},
	&MessageHeader{Durable: true, Priority: 7, TTL: milliseconds(time.Second), DeliveryCount: 2},
	&MessageProperties{
		MessageID:     "id-1",
		UserID:        []byte("user"),
		To:            "to",
		Subject:       "subject",
		ReplyTo:       "reply",
		CorrelationID: uint64(34),
		ContentType:   symbol("text/plain"),
		CreationTime:  time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC),
		GroupID:       "group",
		GroupSequence: 3,
	},
}

func TestRoundTrip(t *testing.T) {
	for _, tt := range exampleTypes {
		t.Run(testName(tt), func(t *testing.T) {
			buf := new(bytes.Buffer)
			require.NoError(t, marshal(buf, tt))

			got := reflect.New(reflect.TypeOf(tt))
			r := &buffer{b: buf.Bytes()}
			require.NoError(t, unmarshal(r, got.Interface()))
			assert.Zero(t, r.len(), "undecoded bytes remain")

			if diff := cmp.Diff(tt, got.Elem().Interface(), compareOpts(tt)...); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSmallestEncodings(t *testing.T) {
	tests := []struct {
		value interface{}
		want  []byte
	}{
		{uint32(0), []byte{byte(codeUint0)}},
		{uint32(200), []byte{byte(codeSmallUint), 200}},
		{uint32(300), []byte{byte(codeUint), 0, 0, 1, 44}},
		{uint64(0), []byte{byte(codeUlong0)}},
		{uint64(5), []byte{byte(codeSmallUlong), 5}},
		{int32(-1), []byte{byte(codeSmallInt), 0xff}},
		{int64(100), []byte{byte(codeSmallLong), 100}},
		{"ab", []byte{byte(codeStr8), 2, 'a', 'b'}},
		{nil, []byte{byte(codeNull)}},
		{true, []byte{byte(codeTrue)}},
	}
	for _, tt := range tests {
		t.Run(testName(tt.value), func(t *testing.T) {
			buf := new(bytes.Buffer)
			require.NoError(t, marshal(buf, tt.value))
			assert.Equal(t, tt.want, buf.Bytes())
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		read  func(*buffer) error
		check func(*testing.T, error)
	}{
		{
			name:  "unknown format code",
			input: []byte{0x3f},
			read:  func(r *buffer) error { _, err := readAny(r); return err },
			check: func(t *testing.T, err error) {
				var fcErr InvalidFormatCodeError
				require.ErrorAs(t, err, &fcErr)
				assert.Equal(t, byte(0x3f), byte(fcErr))
			},
		},
		{
			name:  "string for uint",
			input: []byte{byte(codeStr8), 1, 'a'},
			read:  func(r *buffer) error { _, err := readUint32(r); return err },
			check: func(t *testing.T, err error) {
				var fcErr InvalidFormatCodeError
				require.ErrorAs(t, err, &fcErr)
			},
		},
		{
			name:  "truncated string",
			input: []byte{byte(codeStr8), 10, 'a', 'b'},
			read:  func(r *buffer) error { _, err := readString(r); return err },
			check: func(t *testing.T, err error) {
				var inc *IncompleteError
				require.ErrorAs(t, err, &inc)
			},
		},
		{
			name:  "invalid char",
			input: []byte{byte(codeChar), 0x00, 0x11, 0x00, 0x00},
			read:  func(r *buffer) error { _, err := readChar(r); return err },
			check: func(t *testing.T, err error) {
				var cErr InvalidCharError
				require.ErrorAs(t, err, &cErr)
			},
		},
		{
			name:  "boolean out of range",
			input: []byte{byte(codeBool), 2},
			read:  func(r *buffer) error { _, err := readBool(r); return err },
			check: func(t *testing.T, err error) {
				var eErr *UnknownEnumOptionError
				require.ErrorAs(t, err, &eErr)
			},
		},
		{
			name:  "sender settle mode out of range",
			input: []byte{byte(codeUbyte), 3},
			read: func(r *buffer) error {
				var m SenderSettleMode
				return unmarshal(r, &m)
			},
			check: func(t *testing.T, err error) {
				var eErr *UnknownEnumOptionError
				require.ErrorAs(t, err, &eErr)
				assert.Equal(t, "snd-settle-mode", eErr.Type)
			},
		},
		{
			name:  "list size contradicts input",
			input: []byte{byte(codeList8), 200, 3},
			read:  func(r *buffer) error { _, err := readAnyList(r); return err },
			check: func(t *testing.T, err error) {
				var sErr *InvalidSizeError
				require.ErrorAs(t, err, &sErr)
			},
		},
		{
			// size says four body bytes but the single null element
			// only accounts for one
			name:  "list elements shorter than declared size",
			input: []byte{byte(codeList8), 4, 1, byte(codeNull), 0x40, 0x40},
			read:  func(r *buffer) error { _, err := readAnyList(r); return err },
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, ErrUnparsedBytesLeft)
			},
		},
		{
			name:  "null where composite required",
			input: []byte{byte(codeNull)},
			read: func(r *buffer) error {
				var f Flow
				return f.unmarshal(r)
			},
			check: func(t *testing.T, err error) {
				var fcErr InvalidFormatCodeError
				require.ErrorAs(t, err, &fcErr)
				assert.Equal(t, byte(codeNull), byte(fcErr))
			},
		},
		{
			name:  "unknown descriptor",
			input: []byte{byte(codeDescribed), byte(codeSmallUlong), 0x99, byte(codeList0)},
			read: func(r *buffer) error {
				var s deliveryState
				return unmarshal(r, &s)
			},
			check: func(t *testing.T, err error) {
				var dErr *InvalidDescriptorError
				require.ErrorAs(t, err, &dErr)
			},
		},
		{
			name:  "unknown symbolic descriptor",
			input: []byte{byte(codeDescribed), byte(codeSym8), 3, 'f', 'o', 'o', byte(codeList0)},
			read: func(r *buffer) error {
				_, err := readDescriptor(r)
				return err
			},
			check: func(t *testing.T, err error) {
				var dErr *InvalidDescriptorError
				require.ErrorAs(t, err, &dErr)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.read(&buffer{b: tt.input})
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestRequiredFieldOmitted(t *testing.T) {
	// a begin with no fields at all is missing its mandatory ids
	buf := new(bytes.Buffer)
	require.NoError(t, writeComposite(buf, descBegin))

	var b Begin
	err := b.unmarshal(&buffer{b: buf.Bytes()})
	var rErr *RequiredFieldOmittedError
	require.ErrorAs(t, err, &rErr)
	assert.Equal(t, "begin.next-outgoing-id", rErr.Field)
}

func TestSymbolicDescriptorAccepted(t *testing.T) {
	// composites written with a symbolic descriptor must decode the same
	// as numeric ones
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(codeDescribed))
	require.NoError(t, writeSymbol(buf, "amqp:accepted:list"))
	buf.WriteByte(byte(codeList0))

	var s deliveryState
	require.NoError(t, unmarshal(&buffer{b: buf.Bytes()}, &s))
	assert.IsType(t, &stateAccepted{}, s)
}

func TestReadAnyDescribed(t *testing.T) {
	buf := new(bytes.Buffer)
	require.NoError(t, marshal(buf, describedType{descriptor: symbol("x-custom"), value: "v"}))

	got, err := readAny(&buffer{b: buf.Bytes()})
	require.NoError(t, err)
	assert.Equal(t, describedType{descriptor: symbol("x-custom"), value: "v"}, got)
}

func TestNullFieldsUseDefaults(t *testing.T) {
	// open with only a container-id
	buf := new(bytes.Buffer)
	require.NoError(t, (&Open{ContainerID: "c"}).marshal(buf))

	var o Open
	require.NoError(t, o.unmarshal(&buffer{b: buf.Bytes()}))
	assert.Equal(t, uint32(4294967295), o.MaxFrameSize)
	assert.Equal(t, uint16(65535), o.ChannelMax)
}

func BenchmarkMarshalTransfer(b *testing.B) {
	tr := &Transfer{
		Handle:      1,
		DeliveryID:  uint32p(1),
		DeliveryTag: []byte("tag"),
		Payload:     bytes.Repeat([]byte("x"), 1024),
	}
	buf := new(bytes.Buffer)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		if err := marshal(buf, tr); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkUnmarshalTransfer(b *testing.B) {
	tr := &Transfer{
		Handle:      1,
		DeliveryID:  uint32p(1),
		DeliveryTag: []byte("tag"),
		Payload:     bytes.Repeat([]byte("x"), 1024),
	}
	buf := new(bytes.Buffer)
	if err := marshal(buf, tr); err != nil {
		b.Fatal(err)
	}
	data := buf.Bytes()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var got Transfer
		if err := got.unmarshal(&buffer{b: data}); err != nil {
			b.Fatal(err)
		}
	}
}

func testName(v interface{}) string {
	if v == nil {
		return "nil"
	}
	return fmt.Sprintf("%T", v)
}

func uint16p(v uint16) *uint16                            { return &v }
func uint32p(v uint32) *uint32                            { return &v }
func sndSettleP(m SenderSettleMode) *SenderSettleMode     { return &m }
func rcvSettleP(m ReceiverSettleMode) *ReceiverSettleMode { return &m }

// compareOpts allows cmp to look inside this package's unexported types.
func compareOpts(vals ...interface{}) []cmp.Option {
	types := make(map[reflect.Type]bool)
	for _, v := range vals {
		collectStructTypes(reflect.TypeOf(v), types)
	}
	var opts []cmp.Option
	for typ := range types {
		opts = append(opts, cmp.AllowUnexported(reflect.New(typ).Elem().Interface()))
	}
	return opts
}

var ownPkgPath = reflect.TypeOf(frame{}).PkgPath()

func collectStructTypes(typ reflect.Type, seen map[reflect.Type]bool) {
	switch typ.Kind() {
	case reflect.Ptr, reflect.Slice, reflect.Array, reflect.Map:
		collectStructTypes(typ.Elem(), seen)
	case reflect.Struct:
		// external types are compared with their own Equal methods
		if typ.PkgPath() != ownPkgPath || seen[typ] {
			return
		}
		seen[typ] = true
		for i := 0; i < typ.NumField(); i++ {
			collectStructTypes(typ.Field(i).Type, seen)
		}
	}
}
