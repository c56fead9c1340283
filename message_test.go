package amqp

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	tests := []*Message{
		NewMessage([]byte("hello")),
		{Data: [][]byte{[]byte("one"), []byte("two")}},
		{Value: "just a value"},
		{Sequence: [][]interface{}{{uint32(1), "a"}, {uint64(2)}}},
		{
			Header: &MessageHeader{Durable: true, Priority: 9, TTL: milliseconds(time.Minute)},
			DeliveryAnnotations: map[interface{}]interface{}{
				symbol("x-forwarded"): true,
			},
			Annotations: map[interface{}]interface{}{
				symbol("x-origin"): "test",
			},
			Properties: &MessageProperties{
				MessageID:   "m-1",
				To:          "queue",
				ContentType: symbol("application/json"),
			},
			ApplicationProperties: map[string]interface{}{
				"retries": uint32(2),
			},
			Data:   [][]byte{[]byte(`{"k":"v"}`)},
			Footer: map[interface{}]interface{}{symbol("checksum"): uint64(99)},
		},
	}
	for _, want := range tests {
		t.Run(testName(want), func(t *testing.T) {
			buf := new(bytes.Buffer)
			require.NoError(t, want.marshal(buf))

			var got Message
			require.NoError(t, got.unmarshal(&buffer{b: buf.Bytes()}))
			if diff := cmp.Diff(want, &got, compareOpts(want)...); diff != "" {
				t.Errorf("message mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMessageNested(t *testing.T) {
	// sub-messages are enveloped into their own Data sections and come
	// back out as raw Data on the far side
	inner1 := &Message{Value: "first"}
	inner2 := NewMessage([]byte("second"))
	outer := &Message{
		Properties: &MessageProperties{MessageID: "batch-1"},
		Messages:   []*Message{inner1, inner2},
	}

	buf := new(bytes.Buffer)
	require.NoError(t, outer.marshal(buf))

	var got Message
	require.NoError(t, got.unmarshal(&buffer{b: buf.Bytes()}))
	require.Len(t, got.Data, 2)
	assert.Empty(t, got.Messages)

	var sub1, sub2 Message
	require.NoError(t, sub1.unmarshal(&buffer{b: got.Data[0]}))
	require.NoError(t, sub2.unmarshal(&buffer{b: got.Data[1]}))
	assert.Equal(t, "first", sub1.Value)
	assert.Equal(t, [][]byte{[]byte("second")}, sub2.Data)
}

func TestMessageMultipleValueSections(t *testing.T) {
	buf := new(bytes.Buffer)
	for i := 0; i < 2; i++ {
		require.NoError(t, writeDescriptor(buf, descAMQPValue))
		require.NoError(t, marshal(buf, "v"))
	}

	var got Message
	err := got.unmarshal(&buffer{b: buf.Bytes()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiple amqp-value")
}

func TestMessageUnknownSection(t *testing.T) {
	buf := new(bytes.Buffer)
	require.NoError(t, writeDescriptor(buf, 0x99))
	require.NoError(t, marshal(buf, "v"))

	var got Message
	err := got.unmarshal(&buffer{b: buf.Bytes()})
	var dErr *InvalidDescriptorError
	require.ErrorAs(t, err, &dErr)
}

func TestMessageHeaderPriorityDefault(t *testing.T) {
	// priority 4 is the wire default and is omitted on encode
	buf := new(bytes.Buffer)
	require.NoError(t, (&MessageHeader{Priority: 4, Durable: true}).marshal(buf))

	var h MessageHeader
	require.NoError(t, h.unmarshal(&buffer{b: buf.Bytes()}))
	assert.Equal(t, uint8(4), h.Priority)
	assert.True(t, h.Durable)

	var bare MessageHeader
	empty := new(bytes.Buffer)
	require.NoError(t, (&MessageHeader{Priority: 4}).marshal(empty))
	require.NoError(t, bare.unmarshal(&buffer{b: empty.Bytes()}))
	assert.Equal(t, uint8(4), bare.Priority)
}

func TestMessageSettleWithoutReceiver(t *testing.T) {
	// messages constructed locally have nothing to settle
	m := NewMessage([]byte("x"))
	assert.NoError(t, m.Accept())
	assert.NoError(t, m.Reject(&Error{Condition: ErrorDecodeError}))
	assert.NoError(t, m.Release())
	assert.NoError(t, m.Modify(true, false, nil))
}

func TestMessageGetData(t *testing.T) {
	assert.Nil(t, (&Message{}).GetData())
	assert.Equal(t, []byte("d"), NewMessage([]byte("d")).GetData())
}
