package amqp

import (
	"bytes"
	"time"
)

// Message is an application message assembled from one or more transfer
// frames. Body content may be carried as opaque Data sections, as
// Sequence sections of AMQP values, or as a single Value.
type Message struct {
	Header                *MessageHeader
	DeliveryAnnotations   map[interface{}]interface{}
	Annotations           map[interface{}]interface{}
	Properties            *MessageProperties
	ApplicationProperties map[string]interface{}
	Data                  [][]byte
	Sequence              [][]interface{}
	Value                 interface{}
	Footer                map[interface{}]interface{}

	// Messages holds sub-messages carried in the body. Each is encoded
	// into its own Data section, so on the receiving side they surface
	// in Data.
	Messages []*Message

	receiver *Receiver
	id       uint32
	settled  bool
}

// NewMessage wraps data in a message with a single Data section.
func NewMessage(data []byte) *Message {
	return &Message{Data: [][]byte{data}}
}

// GetData returns the first Data section, or nil.
func (m *Message) GetData() []byte {
	if len(m.Data) == 0 {
		return nil
	}
	return m.Data[0]
}

// DeliveryID identifies the delivery within its session. Only meaningful
// on received messages.
func (m *Message) DeliveryID() uint32 {
	return m.id
}

// Accept notifies the sender that the message was processed.
func (m *Message) Accept() error {
	return m.disposition(&stateAccepted{})
}

// Reject notifies the sender that the message is invalid.
func (m *Message) Reject(e *Error) error {
	return m.disposition(&stateRejected{Error: e})
}

// Release notifies the sender that the message was not and will not be
// acted upon here.
func (m *Message) Release() error {
	return m.disposition(&stateReleased{})
}

// Modify releases the message with updated delivery annotations.
func (m *Message) Modify(deliveryFailed, undeliverableHere bool, annotations map[symbol]interface{}) error {
	return m.disposition(&stateModified{
		DeliveryFailed:     deliveryFailed,
		UndeliverableHere:  undeliverableHere,
		MessageAnnotations: annotations,
	})
}

func (m *Message) disposition(state deliveryState) error {
	if m.receiver == nil || m.settled {
		return nil
	}
	m.settled = true
	return m.receiver.settle(m.id, state)
}

func (m *Message) marshal(wr writer) error {
	if m.Header != nil {
		if err := m.Header.marshal(wr); err != nil {
			return err
		}
	}
	if len(m.DeliveryAnnotations) > 0 {
		if err := writeMapSection(wr, descDeliveryAnnotations, m.DeliveryAnnotations); err != nil {
			return err
		}
	}
	if len(m.Annotations) > 0 {
		if err := writeMapSection(wr, descMessageAnnotations, m.Annotations); err != nil {
			return err
		}
	}
	if m.Properties != nil {
		if err := m.Properties.marshal(wr); err != nil {
			return err
		}
	}
	if len(m.ApplicationProperties) > 0 {
		if err := writeDescriptor(wr, descApplicationProperties); err != nil {
			return err
		}
		if err := writeMap(wr, m.ApplicationProperties); err != nil {
			return err
		}
	}
	for _, data := range m.Data {
		if err := writeDescriptor(wr, descData); err != nil {
			return err
		}
		if err := writeBinary(wr, data); err != nil {
			return err
		}
	}
	for _, sub := range m.Messages {
		if err := writeNested(wr, sub); err != nil {
			return err
		}
	}
	for _, seq := range m.Sequence {
		if err := writeDescriptor(wr, descAMQPSequence); err != nil {
			return err
		}
		if err := writeList(wr, seq); err != nil {
			return err
		}
	}
	if m.Value != nil {
		if err := writeDescriptor(wr, descAMQPValue); err != nil {
			return err
		}
		if err := marshal(wr, m.Value); err != nil {
			return err
		}
	}
	if len(m.Footer) > 0 {
		if err := writeMapSection(wr, descFooter, m.Footer); err != nil {
			return err
		}
	}
	return nil
}

// writeNested encodes a sub-message and wraps it in a Data section.
func writeNested(wr writer, sub *Message) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(buf)
	buf.Reset()

	if err := sub.marshal(buf); err != nil {
		return err
	}
	if err := writeDescriptor(wr, descData); err != nil {
		return err
	}
	return writeBinary(wr, buf.Bytes())
}

func writeMapSection(wr writer, code uint64, m map[interface{}]interface{}) error {
	if err := writeDescriptor(wr, code); err != nil {
		return err
	}
	return writeMap(wr, m)
}

// unmarshal decodes sections until the input is exhausted.
func (m *Message) unmarshal(r *buffer) error {
	for r.len() > 0 {
		desc, err := peekDescriptor(r)
		if err != nil {
			return err
		}
		switch desc {
		case descMessageHeader:
			m.Header = new(MessageHeader)
			err = m.Header.unmarshal(r)
		case descDeliveryAnnotations:
			err = skipDescriptor(r)
			if err == nil {
				err = unmarshal(r, &m.DeliveryAnnotations)
			}
		case descMessageAnnotations:
			err = skipDescriptor(r)
			if err == nil {
				err = unmarshal(r, &m.Annotations)
			}
		case descMessageProperties:
			m.Properties = new(MessageProperties)
			err = m.Properties.unmarshal(r)
		case descApplicationProperties:
			err = skipDescriptor(r)
			if err == nil {
				err = unmarshal(r, &m.ApplicationProperties)
			}
		case descData:
			err = skipDescriptor(r)
			if err == nil {
				var data []byte
				data, err = readBinary(r)
				m.Data = append(m.Data, data)
			}
		case descAMQPSequence:
			err = skipDescriptor(r)
			if err == nil {
				var seq []interface{}
				seq, err = readAnyList(r)
				m.Sequence = append(m.Sequence, seq)
			}
		case descAMQPValue:
			if m.Value != nil {
				return errorNew("message has multiple amqp-value sections")
			}
			err = skipDescriptor(r)
			if err == nil {
				m.Value, err = readAny(r)
			}
		case descFooter:
			err = skipDescriptor(r)
			if err == nil {
				err = unmarshal(r, &m.Footer)
			}
		default:
			return &InvalidDescriptorError{Descriptor: desc}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// skipDescriptor consumes a descriptor whose code has already been peeked.
func skipDescriptor(r *buffer) error {
	_, err := readDescriptor(r)
	return err
}

// MessageHeader carries delivery metadata ahead of the bare message.
type MessageHeader struct {
	Durable       bool
	Priority      uint8
	TTL           milliseconds
	FirstAcquirer bool
	DeliveryCount uint32
}

func (h *MessageHeader) marshal(wr writer) error {
	return writeComposite(wr, descMessageHeader,
		field{value: h.Durable, omit: !h.Durable},
		field{value: h.Priority, omit: h.Priority == 4},
		field{value: h.TTL, omit: h.TTL == 0},
		field{value: h.FirstAcquirer, omit: !h.FirstAcquirer},
		field{value: h.DeliveryCount, omit: h.DeliveryCount == 0},
	)
}

func (h *MessageHeader) unmarshal(r *buffer) error {
	h.Priority = 4
	return readComposite(r, descMessageHeader,
		dest{target: &h.Durable},
		dest{target: &h.Priority},
		dest{target: &h.TTL},
		dest{target: &h.FirstAcquirer},
		dest{target: &h.DeliveryCount},
	)
}

// MessageProperties is the application-visible envelope of the bare
// message.
type MessageProperties struct {
	MessageID          interface{}
	UserID             []byte
	To                 string
	Subject            string
	ReplyTo            string
	CorrelationID      interface{}
	ContentType        symbol
	ContentEncoding    symbol
	AbsoluteExpiryTime time.Time
	CreationTime       time.Time
	GroupID            string
	GroupSequence      uint32
	ReplyToGroupID     string
}

func (p *MessageProperties) marshal(wr writer) error {
	return writeComposite(wr, descMessageProperties,
		field{value: p.MessageID, omit: p.MessageID == nil},
		field{value: p.UserID, omit: len(p.UserID) == 0},
		field{value: p.To, omit: p.To == ""},
		field{value: p.Subject, omit: p.Subject == ""},
		field{value: p.ReplyTo, omit: p.ReplyTo == ""},
		field{value: p.CorrelationID, omit: p.CorrelationID == nil},
		field{value: p.ContentType, omit: p.ContentType == ""},
		field{value: p.ContentEncoding, omit: p.ContentEncoding == ""},
		field{value: p.AbsoluteExpiryTime, omit: p.AbsoluteExpiryTime.IsZero()},
		field{value: p.CreationTime, omit: p.CreationTime.IsZero()},
		field{value: p.GroupID, omit: p.GroupID == ""},
		field{value: p.GroupSequence, omit: p.GroupSequence == 0},
		field{value: p.ReplyToGroupID, omit: p.ReplyToGroupID == ""},
	)
}

func (p *MessageProperties) unmarshal(r *buffer) error {
	return readComposite(r, descMessageProperties,
		dest{target: &p.MessageID},
		dest{target: &p.UserID},
		dest{target: &p.To},
		dest{target: &p.Subject},
		dest{target: &p.ReplyTo},
		dest{target: &p.CorrelationID},
		dest{target: &p.ContentType},
		dest{target: &p.ContentEncoding},
		dest{target: &p.AbsoluteExpiryTime},
		dest{target: &p.CreationTime},
		dest{target: &p.GroupID},
		dest{target: &p.GroupSequence},
		dest{target: &p.ReplyToGroupID},
	)
}
