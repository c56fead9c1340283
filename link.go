package amqp

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
)

// transferOverhead is a conservative bound on the encoded size of a
// transfer performative plus the frame header, used when splitting a
// message across frames.
const transferOverhead = 128

// LinkOption configures a link before the Attach exchange.
type LinkOption func(*link) error

// LinkAddress sets the node address: the source for a receiver, the
// target for a sender.
func LinkAddress(addr string) LinkOption {
	return func(l *link) error {
		l.address = addr
		return nil
	}
}

// LinkName overrides the generated link name. Names must be unique per
// session.
func LinkName(name string) LinkOption {
	return func(l *link) error {
		l.name = name
		return nil
	}
}

// LinkCredit sets how many deliveries a receiver keeps in flight.
func LinkCredit(n uint32) LinkOption {
	return func(l *link) error {
		if n == 0 {
			return errorNew("LinkCredit must be greater than zero")
		}
		l.receiverCredit = n
		return nil
	}
}

// LinkSenderSettle sets the sender settlement mode offered in Attach.
func LinkSenderSettle(mode SenderSettleMode) LinkOption {
	return func(l *link) error {
		if mode > ModeMixed {
			return &UnknownEnumOptionError{Type: "snd-settle-mode", Value: uint8(mode)}
		}
		l.senderSettleMode = &mode
		return nil
	}
}

// LinkReceiverSettle sets the receiver settlement mode offered in Attach.
func LinkReceiverSettle(mode ReceiverSettleMode) LinkOption {
	return func(l *link) error {
		if mode > ModeSecond {
			return &UnknownEnumOptionError{Type: "rcv-settle-mode", Value: uint8(mode)}
		}
		l.receiverSettleMode = &mode
		return nil
	}
}

// LinkMaxMessageSize bounds the size of a reassembled message.
func LinkMaxMessageSize(n uint64) LinkOption {
	return func(l *link) error {
		l.maxMessageSize = n
		return nil
	}
}

// link is one unidirectional route for deliveries within a session.
type link struct {
	name         string
	address      string
	handle       uint32
	remoteHandle uint32
	role         role
	session      *Session

	// owned by the session mux
	credit         uint32
	deliveryCount  uint32
	lastDeliveryID uint32
	detachSent     bool

	receiverCredit     uint32
	maxMessageSize     uint64
	senderSettleMode   *SenderSettleMode
	receiverSettleMode *ReceiverSettleMode

	rx        chan frame
	allocated chan error

	// err is set once before detached is closed
	err       error
	detached  chan struct{}
	closeOnce sync.Once
}

func newLink(s *Session, r role, opts []LinkOption) (*link, error) {
	l := &link{
		role:           r,
		session:        s,
		receiverCredit: 1,
		allocated:      make(chan error, 1),
		detached:       make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	if l.name == "" {
		l.name = randString()
	}
	// every frame the peer may legally have in flight fits: one slot per
	// granted delivery plus one per session window frame
	l.rx = make(chan frame, l.receiverCredit+s.incomingWindow)

	select {
	case s.allocReq <- l:
	case <-s.done:
		return nil, s.sessionError()
	}
	if err := <-l.allocated; err != nil {
		return nil, err
	}

	attach := &Attach{
		Name:               l.name,
		Handle:             l.handle,
		Role:               l.role,
		SenderSettleMode:   l.senderSettleMode,
		ReceiverSettleMode: l.receiverSettleMode,
		MaxMessageSize:     l.maxMessageSize,
	}
	if l.role == roleReceiver {
		attach.Source = &Source{Address: l.address}
		attach.Target = &Target{}
	} else {
		attach.Source = &Source{}
		attach.Target = &Target{Address: l.address}
	}
	err := s.conn.wantWriteFrame(frame{typ: frameTypeAMQP, channel: s.channel, body: attach})
	if err != nil {
		l.dealloc()
		return nil, err
	}

	// wait for the peer's Attach
	select {
	case fr := <-l.rx:
		resp, ok := fr.body.(*Attach)
		if !ok {
			l.dealloc()
			return nil, errorErrorf("unexpected frame body %T during attach", fr.body)
		}
		if resp.MaxMessageSize != 0 && (l.maxMessageSize == 0 || resp.MaxMessageSize < l.maxMessageSize) {
			l.maxMessageSize = resp.MaxMessageSize
		}
	case <-l.detached:
		return nil, l.err
	case <-s.done:
		l.dealloc()
		return nil, s.sessionError()
	}
	return l, nil
}

func (l *link) dealloc() {
	select {
	case l.session.deallocReq <- l:
	case <-l.session.done:
	}
}

// deliverFrame hands a frame to the link's consumer without blocking the
// session mux. The channel is sized past the credit and window this side
// grants, so a false return means the peer ignored flow control.
func (l *link) deliverFrame(fr frame, sessionDone chan struct{}) bool {
	select {
	case l.rx <- fr:
		return true
	case <-l.detached:
		return true
	case <-sessionDone:
		return true
	default:
		return false
	}
}

func (l *link) closeWithError(err error) {
	l.closeOnce.Do(func() {
		l.err = err
		close(l.detached)
	})
}

// detach runs the Detach exchange and waits for the peer's reply.
func (l *link) detach(ctx context.Context, derr *Error) error {
	cmd := &linkCmd{l: l, detach: true, detachError: derr, done: make(chan error, 1)}
	select {
	case l.session.linkCmd <- cmd:
	case <-l.detached:
		return nil
	case <-l.session.done:
		return l.session.sessionError()
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.done:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-l.detached:
		return nil
	case <-l.session.done:
		return l.session.sessionError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sender transmits deliveries on an attached link.
type Sender struct {
	l        *link
	tagCount uint64

	// guards against interleaving multi-frame deliveries
	mu sync.Mutex
}

// NewSender attaches a sending link addressed to target.
func (s *Session) NewSender(opts ...LinkOption) (*Sender, error) {
	l, err := newLink(s, roleSender, opts)
	if err != nil {
		return nil, err
	}
	return &Sender{l: l}, nil
}

// Send transmits a message, splitting it across transfer frames when it
// exceeds the negotiated frame size. It blocks while the link is out of
// credit or the session window is exhausted; ctx cancels the wait. Unless
// the link was attached with ModeSettled, Send also waits for the
// receiver's disposition.
func (sn *Sender) Send(ctx context.Context, msg *Message) error {
	sn.mu.Lock()
	defer sn.mu.Unlock()

	l := sn.l
	buf := new(bytes.Buffer)
	if err := msg.marshal(buf); err != nil {
		return err
	}
	payload := buf.Bytes()
	if l.maxMessageSize != 0 && uint64(len(payload)) > l.maxMessageSize {
		return errorWrapf(ErrMaxSizeExceeded, "message size %d exceeds link max %d", len(payload), l.maxMessageSize)
	}

	maxChunk := int(l.session.conn.peerMaxFrameSize) - transferOverhead
	if maxChunk <= 0 {
		maxChunk = minMaxFrameSize - transferOverhead
	}

	var tag [8]byte
	binary.BigEndian.PutUint64(tag[:], atomic.AddUint64(&sn.tagCount, 1))
	settled := l.senderSettleMode != nil && *l.senderSettleMode == ModeSettled

	var ack chan error
	first := true
	for first || len(payload) > 0 {
		chunk := payload
		if len(chunk) > maxChunk {
			chunk = chunk[:maxChunk]
		}
		payload = payload[len(chunk):]

		req := &sendReq{
			ctx:     ctx,
			l:       l,
			first:   first,
			more:    len(payload) > 0,
			payload: chunk,
			settled: settled,
			resp:    make(chan sendResp, 1),
		}
		if first {
			req.tag = tag[:]
		}

		select {
		case l.session.tx <- req:
		case <-l.detached:
			return l.err
		case <-l.session.done:
			return l.session.sessionError()
		case <-ctx.Done():
			return ctx.Err()
		}

		select {
		case resp := <-req.resp:
			if resp.err != nil {
				return resp.err
			}
			if first {
				ack = resp.ack
			}
		case <-l.session.done:
			return l.session.sessionError()
		case <-ctx.Done():
			return ctx.Err()
		}
		first = false
	}

	if ack == nil {
		return nil
	}
	select {
	case err := <-ack:
		return err
	case <-l.session.done:
		return l.session.sessionError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close detaches the link.
func (sn *Sender) Close(ctx context.Context) error {
	return sn.l.detach(ctx, nil)
}

// Receiver consumes deliveries from an attached link.
type Receiver struct {
	l          *link
	buf        bytes.Buffer
	creditUsed uint32
}

// NewReceiver attaches a receiving link addressed to a source and grants
// its initial credit.
func (s *Session) NewReceiver(opts ...LinkOption) (*Receiver, error) {
	l, err := newLink(s, roleReceiver, opts)
	if err != nil {
		return nil, err
	}
	r := &Receiver{l: l}
	if err := r.issueCredit(l.receiverCredit); err != nil {
		_ = l.detach(context.Background(), nil)
		return nil, err
	}
	return r, nil
}

func (r *Receiver) issueCredit(n uint32) error {
	cmd := &linkCmd{l: r.l, issueCredit: n, done: make(chan error, 1)}
	select {
	case r.l.session.linkCmd <- cmd:
	case <-r.l.detached:
		return r.l.err
	case <-r.l.session.done:
		return r.l.session.sessionError()
	}
	return <-cmd.done
}

// Receive returns the next complete message, reassembling multi-frame
// deliveries. The message payload is limited by LinkMaxMessageSize; a
// delivery exceeding it detaches the link.
func (r *Receiver) Receive(ctx context.Context) (*Message, error) {
	r.buf.Reset()

	var (
		deliveryID uint32
		idSet      bool
		settled    bool
	)
	for {
		var fr frame
		// frames already buffered are delivered even when the link or
		// session has since been torn down
		select {
		case fr = <-r.l.rx:
		default:
			select {
			case fr = <-r.l.rx:
			case <-r.l.detached:
				return nil, r.l.err
			case <-r.l.session.done:
				return nil, r.l.session.sessionError()
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		t, ok := fr.body.(*Transfer)
		if !ok {
			r.l.session.conn.log.Warn().Msgf("unexpected frame %T on receiving link", fr.body)
			continue
		}
		if t.DeliveryID != nil && !idSet {
			deliveryID = *t.DeliveryID
			idSet = true
			settled = t.Settled
		}
		if max := r.l.maxMessageSize; max != 0 && uint64(r.buf.Len()+len(t.Payload)) > max {
			_ = r.l.detach(ctx, &Error{
				Condition:   ErrorMessageSizeExceeded,
				Description: "message exceeds negotiated maximum size",
			})
			return nil, errorWrapf(ErrMaxSizeExceeded, "message exceeds max size %d", max)
		}
		r.buf.Write(t.Payload)
		if t.More {
			continue
		}

		msg := &Message{receiver: r, id: deliveryID, settled: settled}
		if err := msg.unmarshal(&buffer{b: r.buf.Bytes()}); err != nil {
			return nil, err
		}
		r.creditUsed++
		if r.creditUsed > r.l.receiverCredit/2 {
			if err := r.issueCredit(r.l.receiverCredit); err != nil {
				return nil, err
			}
			r.creditUsed = 0
		}
		return msg, nil
	}
}

// settle sends a disposition for a single delivery.
func (r *Receiver) settle(id uint32, state deliveryState) error {
	cmd := &linkCmd{
		l:       r.l,
		settle:  true,
		first:   id,
		state:   state,
		settled: true,
		done:    make(chan error, 1),
	}
	select {
	case r.l.session.linkCmd <- cmd:
	case <-r.l.session.done:
		return r.l.session.sessionError()
	}
	return <-cmd.done
}

// Close detaches the link.
func (r *Receiver) Close(ctx context.Context) error {
	return r.l.detach(ctx, nil)
}
