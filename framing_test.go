package amqp

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeFrame(t *testing.T, fr frame) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	require.NoError(t, writeFrame(buf, fr, 0))
	return buf.Bytes()
}

func TestFrameRoundTrip(t *testing.T) {
	frames := []frame{
		{typ: frameTypeAMQP, channel: 0, body: &Open{ContainerID: "a", MaxFrameSize: 4096, ChannelMax: 10}},
		{typ: frameTypeAMQP, channel: 3, body: &Begin{NextOutgoingID: 1, IncomingWindow: 50, OutgoingWindow: 60, HandleMax: 8}},
		{typ: frameTypeAMQP, channel: 1, body: &Transfer{
			Handle:      0,
			DeliveryID:  uint32p(9),
			DeliveryTag: []byte("t"),
			More:        true,
			Payload:     []byte("partial body"),
		}},
		{typ: frameTypeAMQP, channel: 0, body: &Close{Error: &Error{Condition: ErrorInternalError}}},
		{typ: frameTypeSASL, channel: 0, body: &saslInit{Mechanism: "ANONYMOUS"}},
	}

	var dec frameDecoder
	for _, want := range frames {
		t.Run(testName(want.body), func(t *testing.T) {
			data := encodeFrame(t, want)
			got, n, err := dec.decode(data)
			require.NoError(t, err)
			assert.Equal(t, len(data), n)
			if diff := cmp.Diff(want, got, compareOpts(want, want.body)...); diff != "" {
				t.Errorf("frame mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFrameDecodeIncomplete(t *testing.T) {
	data := encodeFrame(t, frame{typ: frameTypeAMQP, body: &Open{ContainerID: "container"}})

	var dec frameDecoder
	for i := 0; i < len(data); i++ {
		_, n, err := dec.decode(data[:i])
		assert.Zero(t, n, "consumed bytes from a partial frame")
		var inc *IncompleteError
		require.ErrorAs(t, err, &inc, "prefix length %d", i)
		if i < frameHeaderSize {
			assert.Equal(t, frameHeaderSize, inc.Needed)
		} else {
			assert.Equal(t, len(data), inc.Needed)
		}
	}
}

func TestFrameDecodeStream(t *testing.T) {
	// several frames back to back decode one at a time
	buf := new(bytes.Buffer)
	bodies := []performative{
		&Begin{NextOutgoingID: 0, IncomingWindow: 10, OutgoingWindow: 10},
		nil, // heartbeat
		&End{},
	}
	for _, body := range bodies {
		require.NoError(t, writeFrame(buf, frame{typ: frameTypeAMQP, channel: 2, body: body}, 0))
	}

	var dec frameDecoder
	data := buf.Bytes()
	for i, want := range bodies {
		fr, n, err := dec.decode(data)
		require.NoError(t, err, "frame %d", i)
		require.NotZero(t, n)
		assert.Equal(t, uint16(2), fr.channel)
		if want == nil {
			assert.Nil(t, fr.body)
		} else {
			assert.IsType(t, want, fr.body)
		}
		data = data[n:]
	}
	assert.Empty(t, data)
}

func TestFrameHeaderInvalid(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		check func(*testing.T, error)
	}{
		{
			name:  "size below header",
			input: []byte{0, 0, 0, 7, 2, 0, 0, 0},
			check: func(t *testing.T, err error) {
				var sErr *InvalidSizeError
				require.ErrorAs(t, err, &sErr)
				assert.Equal(t, 7, sErr.Size)
			},
		},
		{
			name:  "data offset below two",
			input: []byte{0, 0, 0, 8, 1, 0, 0, 0},
			check: func(t *testing.T, err error) {
				var sErr *InvalidSizeError
				require.ErrorAs(t, err, &sErr)
			},
		},
		{
			name:  "data offset past frame end",
			input: []byte{0, 0, 0, 8, 3, 0, 0, 0},
			check: func(t *testing.T, err error) {
				var sErr *InvalidSizeError
				require.ErrorAs(t, err, &sErr)
			},
		},
		{
			name:  "unknown frame type",
			input: []byte{0, 0, 0, 8, 2, 9, 0, 0},
			check: func(t *testing.T, err error) {
				var tErr UnexpectedFrameTypeError
				require.ErrorAs(t, err, &tErr)
				assert.Equal(t, byte(9), byte(tErr))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseFrameHeader(tt.input)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestFrameMaxSizeExceeded(t *testing.T) {
	data := encodeFrame(t, frame{typ: frameTypeAMQP, body: &Open{ContainerID: "id", Properties: map[symbol]interface{}{
		"pad": string(bytes.Repeat([]byte("x"), 600)),
	}}})

	dec := frameDecoder{maxFrameSize: minMaxFrameSize}
	_, _, err := dec.decode(data)
	require.ErrorIs(t, err, ErrMaxSizeExceeded)
}

func TestWriteFrameMaxSize(t *testing.T) {
	buf := new(bytes.Buffer)
	fr := frame{typ: frameTypeAMQP, body: &Open{ContainerID: string(bytes.Repeat([]byte("c"), 600))}}
	err := writeFrame(buf, fr, minMaxFrameSize)
	require.ErrorIs(t, err, ErrMaxSizeExceeded)
}

func TestWriteFrameAppends(t *testing.T) {
	// writing into a non-empty buffer must patch the right header
	buf := new(bytes.Buffer)
	buf.WriteString("prefix--")
	require.NoError(t, writeFrame(buf, frame{typ: frameTypeAMQP, channel: 7, body: &End{}}, 0))

	data := buf.Bytes()[8:]
	fh, err := parseFrameHeader(data)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), fh.Channel)
	assert.Equal(t, len(data), int(fh.Size))
}

func TestTrailingBytesRejected(t *testing.T) {
	data := encodeFrame(t, frame{typ: frameTypeAMQP, body: &End{}})
	data = append(data, 0x40) // stray null after the performative
	binary.BigEndian.PutUint32(data[0:4], uint32(len(data)))

	var dec frameDecoder
	_, _, err := dec.decode(data)
	require.ErrorIs(t, err, ErrUnparsedBytesLeft)
}

func TestTruncatedBodyIsSizeError(t *testing.T) {
	// a frame whose declared size cuts the performative short must not be
	// reported as incomplete, the stream has no more bytes to offer
	data := encodeFrame(t, frame{typ: frameTypeAMQP, body: &Open{ContainerID: "container-name"}})
	data = data[:len(data)-4]
	binary.BigEndian.PutUint32(data[0:4], uint32(len(data)))

	var dec frameDecoder
	_, _, err := dec.decode(data)
	var sErr *InvalidSizeError
	require.ErrorAs(t, err, &sErr)
	var inc *IncompleteError
	assert.False(t, errors.As(err, &inc), "truncated body reported as incomplete")
}

func TestSASLDescriptorOnAMQPFrame(t *testing.T) {
	data := encodeFrame(t, frame{typ: frameTypeAMQP, body: &saslInit{Mechanism: "PLAIN"}})

	var dec frameDecoder
	_, _, err := dec.decode(data)
	var dErr *InvalidDescriptorError
	require.ErrorAs(t, err, &dErr)
}
