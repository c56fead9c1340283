package amqp

import (
	"context"
	"sync"
)

// Session defaults.
const (
	defaultIncomingWindow = 100
	defaultOutgoingWindow = 100
	defaultHandleMax      = 4294967295
)

// SessionOption configures a session before the Begin exchange.
type SessionOption func(*Session) error

// SessionIncomingWindow sets how many transfer frames the peer may send
// before this side must replenish the window.
func SessionIncomingWindow(n uint32) SessionOption {
	return func(s *Session) error {
		if n == 0 {
			return errorNew("SessionIncomingWindow must be greater than zero")
		}
		s.incomingWindow = n
		return nil
	}
}

// SessionOutgoingWindow sets the outgoing window advertised in Begin.
func SessionOutgoingWindow(n uint32) SessionOption {
	return func(s *Session) error {
		if n == 0 {
			return errorNew("SessionOutgoingWindow must be greater than zero")
		}
		s.outgoingWindow = n
		return nil
	}
}

// SessionHandleMax bounds the number of concurrent links.
func SessionHandleMax(n uint32) SessionOption {
	return func(s *Session) error {
		s.handleMax = n
		return nil
	}
}

// Session is an independently flow-controlled channel multiplexed onto a
// connection.
type Session struct {
	conn          *conn
	channel       uint16
	remoteChannel uint16

	incomingWindow uint32
	outgoingWindow uint32
	handleMax      uint32

	// begin response values, set before mux starts
	beginNextOutgoingID uint32
	beginIncomingWindow uint32

	rx chan frame

	tx         chan *sendReq
	linkCmd    chan *linkCmd
	endReq     chan chan error
	allocReq   chan *link
	deallocReq chan *link

	err       error
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(c *conn, channel uint16) *Session {
	return &Session{
		conn:           c,
		channel:        channel,
		incomingWindow: defaultIncomingWindow,
		outgoingWindow: defaultOutgoingWindow,
		handleMax:      defaultHandleMax,
		rx:             make(chan frame),
		tx:             make(chan *sendReq),
		linkCmd:        make(chan *linkCmd),
		endReq:         make(chan chan error, 1),
		allocReq:       make(chan *link),
		deallocReq:     make(chan *link),
		done:           make(chan struct{}),
	}
}

// deliver routes a frame from the connection mux into the session,
// dropping it if the session is already gone.
func (s *Session) deliver(fr frame, connDone chan struct{}) {
	select {
	case s.rx <- fr:
	case <-s.done:
	case <-connDone:
	}
}

// connClosed is called by the connection mux during shutdown.
func (s *Session) connClosed() {
	s.closeOnce.Do(func() {
		s.err = s.conn.connError()
		close(s.done)
	})
}

// Close ends the session and waits for the peer's End.
func (s *Session) Close(ctx context.Context) error {
	select {
	case <-s.done:
		return s.sessionError()
	default:
	}
	ack := make(chan error, 1)
	select {
	case s.endReq <- ack:
	case <-s.done:
		return s.sessionError()
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) sessionError() error {
	select {
	case <-s.done:
		if s.err != nil {
			return s.err
		}
		return &SessionEndedError{}
	default:
		return &SessionEndedError{}
	}
}

// sendReq asks the session mux to transmit one transfer frame. The mux
// answers on resp once the frame is written or the request fails.
type sendReq struct {
	ctx     context.Context
	l       *link
	first   bool
	more    bool
	tag     []byte
	payload []byte
	settled bool
	resp    chan sendResp
}

type sendResp struct {
	id  uint32
	ack chan error
	err error
}

// linkCmd carries receiver-side commands that must run on the session mux:
// granting credit and settling deliveries.
type linkCmd struct {
	l    *link
	done chan error

	// credit grant
	issueCredit uint32

	// settlement
	settle  bool
	first   uint32
	last    *uint32
	state   deliveryState
	settled bool

	// detach
	detach      bool
	detachError *Error
}

// unsettledDelivery is a sent delivery awaiting the peer's disposition.
type unsettledDelivery struct {
	tag []byte
	l   *link
	ack chan error
}

// mux owns all session state: the windows, the transfer ids, the link
// table and the queue of sends waiting for window or credit.
func (s *Session) mux() {
	var (
		links    = make(map[uint32]*link) // by local handle
		byRemote = make(map[uint32]*link) // by peer handle
		byName   = make(map[string]*link)

		nextOutgoingID uint32
		nextIncomingID = s.beginNextOutgoingID

		// how many more transfer frames the peer will accept
		remoteIncomingWindow = s.beginIncomingWindow

		// how many more transfer frames this side accepts before
		// replenishing
		incomingWindow = s.incomingWindow

		nextDeliveryID uint32
		unsettled      = make(map[uint32]*unsettledDelivery)
		pending        []*sendReq

		endSent bool
		endAck  chan error
	)

	log := s.conn.log.With().Uint16("channel", s.channel).Logger()

	// transmit writes one transfer frame, consuming window and, for the
	// first frame of a delivery, link credit.
	transmit := func(req *sendReq) {
		fr := &Transfer{
			Handle:  req.l.handle,
			More:    req.more,
			Payload: req.payload,
		}
		var ack chan error
		if req.first {
			id := nextDeliveryID
			nextDeliveryID++
			req.l.deliveryCount++
			req.l.credit--
			fr.DeliveryID = &id
			fr.DeliveryTag = req.tag
			var format uint32
			fr.MessageFormat = &format
			fr.Settled = req.settled
			if !req.settled {
				ack = make(chan error, 1)
				unsettled[id] = &unsettledDelivery{tag: req.tag, l: req.l, ack: ack}
			}
			req.l.lastDeliveryID = id
		}
		err := s.conn.wantWriteFrame(frame{typ: frameTypeAMQP, channel: s.channel, body: fr})
		if err == nil {
			nextOutgoingID++
			remoteIncomingWindow--
		}
		req.resp <- sendResp{id: req.l.lastDeliveryID, ack: ack, err: err}
	}

	eligible := func(req *sendReq) bool {
		if remoteIncomingWindow == 0 {
			return false
		}
		return !req.first || req.l.credit > 0
	}

	// drainPending transmits queued sends in order, stopping at the first
	// that still lacks window or credit.
	drainPending := func() {
		for len(pending) > 0 {
			req := pending[0]
			if req.ctx != nil && req.ctx.Err() != nil {
				req.resp <- sendResp{err: req.ctx.Err()}
				pending = pending[1:]
				continue
			}
			if !eligible(req) {
				return
			}
			transmit(req)
			pending = pending[1:]
		}
	}

	// fail tears the session down, failing queued sends, unsettled
	// deliveries and attached links with err. endErr is what a waiting
	// Close caller sees; nil for an orderly close.
	fail := func(err, endErr error) {
		if err == nil {
			err = &SessionEndedError{}
		}
		for _, req := range pending {
			req.resp <- sendResp{err: err}
		}
		pending = nil
		for id, d := range unsettled {
			d.ack <- err
			delete(unsettled, id)
		}
		for _, l := range links {
			l.closeWithError(err)
		}
		if endAck != nil {
			endAck <- endErr
		}
		s.closeOnce.Do(func() {
			s.err = err
			close(s.done)
		})
		select {
		case s.conn.delSession <- s:
		case <-s.conn.done:
		}
	}

	// detachLink completes a link teardown after both Detach frames have
	// been exchanged. In-flight deliveries on the link are surfaced as
	// unresolved, never settled on the peer's behalf.
	detachLink := func(l *link, lerr *LinkDetachedError) {
		delete(links, l.handle)
		delete(byRemote, l.remoteHandle)
		delete(byName, l.name)

		var orphaned []*unsettledDelivery
		for id, d := range unsettled {
			if d.l != l {
				continue
			}
			lerr.Unresolved = append(lerr.Unresolved, d.tag)
			orphaned = append(orphaned, d)
			delete(unsettled, id)
		}
		for _, d := range orphaned {
			d.ack <- lerr
		}

		var keep []*sendReq
		for _, req := range pending {
			if req.l == l {
				req.resp <- sendResp{err: lerr}
				continue
			}
			keep = append(keep, req)
		}
		pending = keep

		l.closeWithError(lerr)
	}

	for {
		select {
		case <-s.conn.done:
			cerr := s.conn.connError()
			fail(cerr, cerr)
			return

		case <-s.done:
			return

		case fr := <-s.rx:
			switch body := fr.body.(type) {
			case *Attach:
				l, ok := byName[body.Name]
				if !ok {
					log.Warn().Str("link", body.Name).Msg("attach for unknown link dropped")
					continue
				}
				l.remoteHandle = body.Handle
				byRemote[body.Handle] = l
				l.deliverFrame(fr, s.done)

			case *Flow:
				// the peer's next-outgoing-id is what this side should
				// be expecting; resynchronize on mismatch rather than
				// tearing the session down
				if body.NextOutgoingID != nextIncomingID {
					log.Warn().
						Uint32("expected", nextIncomingID).
						Uint32("got", body.NextOutgoingID).
						Msg("flow sequence mismatch, resynchronizing")
					nextIncomingID = body.NextOutgoingID
				}
				if body.NextIncomingID != nil {
					remoteIncomingWindow = *body.NextIncomingID + body.IncomingWindow - nextOutgoingID
				} else {
					remoteIncomingWindow = body.IncomingWindow
				}

				if h, ok := body.linkHandle(); ok {
					l, ok := byRemote[h]
					if !ok {
						log.Warn().Uint32("handle", h).Msg("flow for unknown handle dropped")
						continue
					}
					if body.LinkCredit != nil {
						if body.DeliveryCount != nil {
							// credit = count + credit - our count, all mod 2^32
							l.credit = *body.DeliveryCount + *body.LinkCredit - l.deliveryCount
						} else {
							l.credit = *body.LinkCredit
						}
					}
				}
				drainPending()

			case *Transfer:
				if incomingWindow == 0 {
					verr := &WindowViolationError{Channel: s.channel}
					log.Error().Msg("incoming window violated")
					_ = s.conn.wantWriteFrame(frame{
						typ:     frameTypeAMQP,
						channel: s.channel,
						body: &End{Error: &Error{
							Condition:   ErrorWindowViolation,
							Description: "transfer received with incoming window at zero",
						}},
					})
					fail(verr, verr)
					return
				}
				incomingWindow--
				nextIncomingID++
				l, ok := byRemote[body.Handle]
				if !ok {
					log.Warn().Uint32("handle", body.Handle).Msg("transfer for unknown handle dropped")
					continue
				}
				if !l.deliverFrame(fr, s.done) {
					// the link buffer covers every frame the peer may
					// legally have outstanding, so overflow means it
					// exceeded the granted credit
					log.Error().Str("link", l.name).Msg("transfer exceeds granted credit, detaching")
					lerr := &LinkDetachedError{Err: &Error{
						Condition:   ErrorTransferLimitExceeded,
						Description: "transfer exceeds granted link credit",
					}}
					if !l.detachSent {
						l.detachSent = true
						_ = s.conn.wantWriteFrame(frame{
							typ:     frameTypeAMQP,
							channel: s.channel,
							body:    &Detach{Handle: l.handle, Closed: true, Error: lerr.Err},
						})
					}
					detachLink(l, lerr)
					drainPending()
				}

			case *Disposition:
				if body.Role != roleReceiver {
					log.Debug().Stringer("disposition", body).Msg("sender disposition ignored")
					continue
				}
				last := body.First
				if body.Last != nil {
					last = *body.Last
				}
				// walk the unsettled map rather than the id range: the
				// range is peer-controlled and may span most of the
				// uint32 sequence space
				span := last - body.First
				for id, d := range unsettled {
					if id-body.First > span {
						continue
					}
					d.ack <- outcomeError(body.State)
					delete(unsettled, id)
				}

			case *Detach:
				l, ok := byRemote[body.Handle]
				if !ok {
					log.Warn().Uint32("handle", body.Handle).Msg("detach for unknown handle dropped")
					continue
				}
				if !l.detachSent {
					_ = s.conn.wantWriteFrame(frame{
						typ:     frameTypeAMQP,
						channel: s.channel,
						body:    &Detach{Handle: l.handle, Closed: true},
					})
				}
				detachLink(l, &LinkDetachedError{Err: body.Error})
				drainPending()

			case *End:
				if !endSent {
					_ = s.conn.wantWriteFrame(frame{
						typ:     frameTypeAMQP,
						channel: s.channel,
						body:    &End{},
					})
					e := &SessionEndedError{Err: body.Error}
					fail(e, e)
					return
				}
				// reply to our End, orderly close
				var endErr error
				if body.Error != nil {
					endErr = body.Error
				}
				fail(&SessionEndedError{Err: body.Error}, endErr)
				return

			default:
				log.Warn().Msgf("unexpected frame %T on session", body)
			}

		case req := <-s.tx:
			if req.ctx != nil && req.ctx.Err() != nil {
				req.resp <- sendResp{err: req.ctx.Err()}
				continue
			}
			if len(pending) == 0 && eligible(req) {
				transmit(req)
			} else {
				pending = append(pending, req)
			}

		case l := <-s.allocReq:
			h, ok := lowestFreeHandle(links, s.handleMax)
			if !ok {
				l.allocated <- errorErrorf("handle-max %d reached", s.handleMax)
				continue
			}
			l.handle = h
			links[h] = l
			byName[l.name] = l
			l.allocated <- nil

		case l := <-s.deallocReq:
			delete(links, l.handle)
			delete(byRemote, l.remoteHandle)
			delete(byName, l.name)

		case cmd := <-s.linkCmd:
			switch {
			case cmd.detach:
				cmd.l.detachSent = true
				err := s.conn.wantWriteFrame(frame{
					typ:     frameTypeAMQP,
					channel: s.channel,
					body:    &Detach{Handle: cmd.l.handle, Closed: true, Error: cmd.detachError},
				})
				cmd.done <- err

			case cmd.settle:
				err := s.conn.wantWriteFrame(frame{
					typ:     frameTypeAMQP,
					channel: s.channel,
					body: &Disposition{
						Role:    roleReceiver,
						First:   cmd.first,
						Last:    cmd.last,
						Settled: cmd.settled,
						State:   cmd.state,
					},
				})
				cmd.done <- err

			default:
				// credit grant, also replenishes the incoming window
				cmd.l.credit = cmd.issueCredit
				incomingWindow = s.incomingWindow
				nid := nextIncomingID
				dc := cmd.l.deliveryCount
				credit := cmd.issueCredit
				err := s.conn.wantWriteFrame(frame{
					typ:     frameTypeAMQP,
					channel: s.channel,
					body: &Flow{
						NextIncomingID: &nid,
						IncomingWindow: incomingWindow,
						NextOutgoingID: nextOutgoingID,
						OutgoingWindow: s.outgoingWindow,
						Handle:         &cmd.l.handle,
						DeliveryCount:  &dc,
						LinkCredit:     &credit,
					},
				})
				cmd.done <- err
			}

		case ack := <-s.endReq:
			err := s.conn.wantWriteFrame(frame{
				typ:     frameTypeAMQP,
				channel: s.channel,
				body:    &End{},
			})
			if err != nil {
				ack <- err
				fail(err, err)
				return
			}
			endSent = true
			endAck = ack
		}
	}
}

func lowestFreeHandle(links map[uint32]*link, max uint32) (uint32, bool) {
	for h := uint32(0); ; h++ {
		if _, used := links[h]; !used {
			return h, true
		}
		if h == max {
			return 0, false
		}
	}
}

// outcomeError maps a terminal delivery state onto an error, nil meaning
// the delivery was accepted.
func outcomeError(state deliveryState) error {
	switch st := state.(type) {
	case *stateAccepted, nil:
		return nil
	case *stateRejected:
		if st.Error != nil {
			return st.Error
		}
		return errorNew("delivery rejected")
	case *stateReleased:
		return errorNew("delivery released")
	case *stateModified:
		return errorErrorf("delivery modified: failed=%t", st.DeliveryFailed)
	default:
		return errorErrorf("unexpected delivery state %T", state)
	}
}
