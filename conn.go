package amqp

import (
	"bytes"
	"crypto/tls"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Connection defaults, used until Open negotiation completes.
const (
	defaultIdleTimeout  = 1 * time.Minute
	defaultChannelMax   = 65535
	defaultConnectDelay = 30 * time.Second
)

// ConnOption configures a connection before negotiation starts.
type ConnOption func(*conn) error

// ConnServerHostname sets the hostname sent in the Open frame, overriding
// the one derived from the dialed address.
func ConnServerHostname(hostname string) ConnOption {
	return func(c *conn) error {
		c.hostname = hostname
		return nil
	}
}

// ConnContainerID sets the container-id sent in the Open frame. A random
// id is generated when unset.
func ConnContainerID(id string) ConnOption {
	return func(c *conn) error {
		c.containerID = id
		return nil
	}
}

// ConnMaxFrameSize sets the largest frame this side is willing to accept.
// Must be 512 or greater.
func ConnMaxFrameSize(n uint32) ConnOption {
	return func(c *conn) error {
		if n < minMaxFrameSize {
			return errorNew("ConnMaxFrameSize must be 512 or greater")
		}
		c.maxFrameSize = n
		return nil
	}
}

// ConnChannelMax bounds the number of concurrent sessions.
func ConnChannelMax(n uint16) ConnOption {
	return func(c *conn) error {
		c.channelMax = n
		return nil
	}
}

// ConnIdleTimeout sets the duration after which the connection fails if
// the peer sends nothing. Zero disables the check.
func ConnIdleTimeout(d time.Duration) ConnOption {
	return func(c *conn) error {
		if d < 0 {
			return errorNew("ConnIdleTimeout cannot be negative")
		}
		c.idleTimeout = d
		return nil
	}
}

// ConnConnectTimeout bounds the handshake, from dial through the Open
// exchange.
func ConnConnectTimeout(d time.Duration) ConnOption {
	return func(c *conn) error {
		c.connectTimeout = d
		return nil
	}
}

// ConnTLSConfig sets the TLS configuration used when dialing an amqps
// address.
func ConnTLSConfig(tc *tls.Config) ConnOption {
	return func(c *conn) error {
		c.tlsConfig = tc
		return nil
	}
}

// ConnLogger replaces the connection's logger. The default writes nothing.
func ConnLogger(log zerolog.Logger) ConnOption {
	return func(c *conn) error {
		c.log = log
		return nil
	}
}

// ConnDebugLogging enables structured logging to stderr.
func ConnDebugLogging() ConnOption {
	return func(c *conn) error {
		c.log = zerolog.New(os.Stderr).With().Timestamp().Str("component", "amqpwire").Logger()
		return nil
	}
}

// stateFunc is one step of the negotiation machine. It returns the next
// step, or nil when negotiation is finished or c.err is set.
type stateFunc func() stateFunc

type conn struct {
	net net.Conn
	log zerolog.Logger

	// local limits and identity
	containerID    string
	hostname       string
	maxFrameSize   uint32
	channelMax     uint16
	idleTimeout    time.Duration
	connectTimeout time.Duration
	tlsConfig      *tls.Config

	// peer limits from the Open exchange
	peerMaxFrameSize uint32
	peerIdleTimeout  time.Duration

	saslHandlers map[symbol]stateFunc
	saslComplete bool

	dec  frameDecoder
	rbuf []byte // handshake read buffer, handed to connReader

	// err is set once before done is closed
	err       error
	done      chan struct{}
	closeOnce sync.Once

	readErr    chan error
	writeErr   chan error
	rxFrame    chan frame
	txFrame    chan *outFrame
	newSession chan *Session
	delSession chan *Session
}

// outFrame carries a frame to the mux along with a completion channel so
// the submitter learns about write failures.
type outFrame struct {
	fr   frame
	sent chan error
}

func newConn(netConn net.Conn, opts ...ConnOption) (*conn, error) {
	c := &conn{
		net:            netConn,
		log:            zerolog.Nop(),
		maxFrameSize:   defaultMaxFrameSize,
		channelMax:     defaultChannelMax,
		idleTimeout:    defaultIdleTimeout,
		connectTimeout: defaultConnectDelay,
		done:           make(chan struct{}),
		readErr:        make(chan error, 1),
		writeErr:       make(chan error, 1),
		rxFrame:        make(chan frame),
		txFrame:        make(chan *outFrame),
		newSession:     make(chan *Session),
		delSession:     make(chan *Session),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.containerID == "" {
		c.containerID = randString()
	}
	c.dec.maxFrameSize = c.maxFrameSize
	return c, nil
}

// start runs the negotiation machine and, on success, launches the
// reader, writer and mux goroutines.
func (c *conn) start() error {
	if c.connectTimeout != 0 {
		_ = c.net.SetDeadline(time.Now().Add(c.connectTimeout))
	}

	for state := c.negotiateProto; state != nil; {
		state = state()
	}
	if c.err != nil {
		_ = c.net.Close()
		return c.err
	}

	_ = c.net.SetDeadline(time.Time{})
	go c.connReader()
	go c.connWriter()
	go c.mux()
	return nil
}

// negotiateProto sends the protocol header for the current layer and
// checks the peer's reply. SASL runs first when credentials are
// configured, then the exchange restarts with the AMQP header.
func (c *conn) negotiateProto() stateFunc {
	id := protoAMQP
	if c.saslHandlers != nil && !c.saslComplete {
		id = protoSASL
	}

	if err := writeProtoHeader(c.net, id); err != nil {
		c.err = wrapNetError(err)
		return nil
	}
	p, err := c.readProtoHeader()
	if err != nil {
		c.err = err
		return nil
	}
	if p.ID != id {
		c.err = &UnexpectedProtoError{Expected: id, Got: p.ID}
		return nil
	}
	c.log.Debug().Str("proto", p.ID.String()).Msg("protocol header exchanged")

	switch p.ID {
	case protoSASL:
		return c.negotiateSASL
	case protoAMQP:
		return c.txOpen
	default:
		c.err = errors.Wrapf(ErrInvalidHeader, "protocol id %d after negotiation", p.ID)
		return nil
	}
}

// txOpen sends our Open frame.
func (c *conn) txOpen() stateFunc {
	c.err = c.writeFrame(frame{
		typ: frameTypeAMQP,
		body: &Open{
			ContainerID:  c.containerID,
			Hostname:     c.hostname,
			MaxFrameSize: c.maxFrameSize,
			ChannelMax:   c.channelMax,
			IdleTimeout:  milliseconds(c.idleTimeout),
		},
	})
	if c.err != nil {
		return nil
	}
	return c.rxOpen
}

// rxOpen reads the peer's Open frame and records its limits.
func (c *conn) rxOpen() stateFunc {
	fr, err := c.readFrame()
	if err != nil {
		c.err = err
		return nil
	}
	o, ok := fr.body.(*Open)
	if !ok {
		c.err = errorErrorf("unexpected frame body %T during open", fr.body)
		return nil
	}
	c.log.Debug().Stringer("open", o).Msg("peer open received")

	if o.MaxFrameSize < minMaxFrameSize {
		c.err = errorErrorf("peer max frame size %d below minimum %d", o.MaxFrameSize, minMaxFrameSize)
		return nil
	}
	c.peerMaxFrameSize = o.MaxFrameSize
	if o.ChannelMax < c.channelMax {
		c.channelMax = o.ChannelMax
	}
	c.peerIdleTimeout = time.Duration(o.IdleTimeout)
	return nil
}

// readProtoHeader reads the peer's eight byte protocol header during the
// handshake.
func (c *conn) readProtoHeader() (protoHeader, error) {
	for {
		p, err := parseProtoHeader(c.rbuf)
		var inc *IncompleteError
		if !errors.As(err, &inc) {
			c.rbuf = c.rbuf[protoHeaderSize:]
			return p, err
		}
		if err := c.fill(); err != nil {
			return protoHeader{}, err
		}
	}
}

// readFrame reads one frame during the handshake, before the reader
// goroutine exists.
func (c *conn) readFrame() (frame, error) {
	for {
		fr, n, err := c.dec.decode(c.rbuf)
		var inc *IncompleteError
		if !errors.As(err, &inc) {
			c.rbuf = c.rbuf[n:]
			return fr, err
		}
		if err := c.fill(); err != nil {
			return frame{}, err
		}
	}
}

func (c *conn) fill() error {
	chunk := make([]byte, 4096)
	n, err := c.net.Read(chunk)
	if err != nil {
		return wrapNetError(err)
	}
	c.rbuf = append(c.rbuf, chunk[:n]...)
	return nil
}

// connReader owns the transport's read side after the handshake. Decoded
// frames flow to the mux; the first failure is reported and the reader
// exits.
func (c *conn) connReader() {
	buf := c.rbuf
	c.rbuf = nil
	chunk := make([]byte, 8192)

	for {
		for len(buf) > 0 {
			fr, n, err := c.dec.decode(buf)
			if err != nil {
				var inc *IncompleteError
				if errors.As(err, &inc) {
					break
				}
				c.readErr <- err
				return
			}
			buf = buf[n:]
			select {
			case c.rxFrame <- fr:
			case <-c.done:
				return
			}
		}

		if c.idleTimeout > 0 {
			_ = c.net.SetReadDeadline(time.Now().Add(2 * c.idleTimeout))
		}
		n, err := c.net.Read(chunk)
		if err != nil {
			c.readErr <- wrapNetError(err)
			return
		}
		buf = append(buf, chunk[:n]...)
	}
}

// mux routes inbound frames to sessions and owns the session tables
// after start returns. It never touches the transport itself, so a peer
// that is slow to read cannot stall the demux path.
func (c *conn) mux() {
	var (
		// sessions by local channel, and by the peer's channel once
		// the remote Begin arrives
		sessions  = make(map[uint16]*Session)
		byRemote  = make(map[uint16]*Session)
		nextKnown = true
	)
	nextSession := newSession(c, 0)

	for {
		var newSessionCh chan *Session
		if nextKnown {
			newSessionCh = c.newSession
		}

		select {
		case <-c.done:
			return

		case err := <-c.readErr:
			c.log.Debug().Err(err).Msg("connection read failed")
			c.shutdown(err, sessions)
			return

		case err := <-c.writeErr:
			c.log.Debug().Err(err).Msg("connection write failed")
			c.shutdown(err, sessions)
			return

		case fr := <-c.rxFrame:
			if fr.body == nil {
				// heartbeat
				continue
			}
			switch body := fr.body.(type) {
			case *Close:
				var err error = ErrDisconnected
				if body.Error != nil {
					err = body.Error
				}
				c.shutdown(err, sessions)
				return
			case *Begin:
				if body.RemoteChannel == nil {
					c.log.Warn().Uint16("channel", fr.channel).Msg("begin without remote-channel dropped")
					continue
				}
				s, ok := sessions[*body.RemoteChannel]
				if !ok {
					c.log.Warn().Uint16("channel", *body.RemoteChannel).Msg("begin for unknown channel dropped")
					continue
				}
				s.remoteChannel = fr.channel
				byRemote[fr.channel] = s
				s.deliver(fr, c.done)
			default:
				s, ok := byRemote[fr.channel]
				if !ok {
					c.log.Warn().Uint16("channel", fr.channel).Msg("frame for unmapped channel dropped")
					continue
				}
				s.deliver(fr, c.done)
			}

		case newSessionCh <- nextSession:
			sessions[nextSession.channel] = nextSession
			ch, ok := lowestFreeChannel(sessions, c.channelMax)
			nextKnown = ok
			if ok {
				nextSession = newSession(c, ch)
			}

		case s := <-c.delSession:
			delete(sessions, s.channel)
			delete(byRemote, s.remoteChannel)
			if !nextKnown {
				if ch, ok := lowestFreeChannel(sessions, c.channelMax); ok {
					nextSession = newSession(c, ch)
					nextKnown = true
				}
			}
		}
	}
}

// connWriter owns the queue of outbound frames. Submissions are accepted
// even while a write is in flight, so the mux and session loops keep
// draining inbound frames while the peer catches up on its reads.
func (c *conn) connWriter() {
	ready := make(chan *outFrame)
	go c.writeLoop(ready)

	var queue []*outFrame
	for {
		var (
			out  chan *outFrame
			head *outFrame
		)
		if len(queue) > 0 {
			out, head = ready, queue[0]
		}
		select {
		case of := <-c.txFrame:
			queue = append(queue, of)
		case out <- head:
			queue = queue[1:]
		case <-c.done:
			return
		}
	}
}

// writeLoop performs the transport writes and the keepalive heartbeat.
// It is the sole writer to the transport after the handshake.
func (c *conn) writeLoop(ready <-chan *outFrame) {
	var keepalive <-chan time.Time
	if c.peerIdleTimeout > 0 {
		t := time.NewTicker(c.peerIdleTimeout / 2)
		defer t.Stop()
		keepalive = t.C
	}

	for {
		select {
		case of := <-ready:
			err := c.writeFrame(of.fr)
			if of.sent != nil {
				of.sent <- err
			}
			if err != nil {
				c.writeErr <- err
				return
			}

		case <-keepalive:
			if err := c.writeFrame(frame{typ: frameTypeAMQP}); err != nil {
				c.writeErr <- err
				return
			}

		case <-c.done:
			return
		}
	}
}

// lowestFreeChannel scans for the smallest unused channel number.
func lowestFreeChannel(sessions map[uint16]*Session, max uint16) (uint16, bool) {
	for ch := uint16(0); ; ch++ {
		if _, used := sessions[ch]; !used {
			return ch, true
		}
		if ch == max {
			return 0, false
		}
	}
}

// shutdown fails every session and closes the transport. Safe to call
// multiple times; only the first error wins.
func (c *conn) shutdown(err error, sessions map[uint16]*Session) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
	})
	for _, s := range sessions {
		s.connClosed()
	}
	_ = c.net.Close()
}

// close performs an orderly Close exchange when possible.
func (c *conn) close() error {
	select {
	case <-c.done:
		if c.err == ErrDisconnected {
			return nil
		}
		return c.err
	default:
	}
	// best effort Close frame, the writer may already be gone
	of := &outFrame{fr: frame{typ: frameTypeAMQP, body: &Close{}}, sent: make(chan error, 1)}
	select {
	case c.txFrame <- of:
		<-of.sent
	case <-c.done:
	case <-time.After(time.Second):
	}
	c.closeOnce.Do(func() {
		c.err = ErrDisconnected
		close(c.done)
	})
	return c.net.Close()
}

// wantWriteFrame queues a frame for transmission. The write itself
// happens asynchronously; a failure tears the connection down rather
// than being reported here.
func (c *conn) wantWriteFrame(fr frame) error {
	select {
	case c.txFrame <- &outFrame{fr: fr}:
		return nil
	case <-c.done:
		return c.connError()
	}
}

// writeFrame encodes and writes directly to the transport. Only the
// write loop and the handshake call it.
func (c *conn) writeFrame(fr frame) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(buf)
	buf.Reset()

	if err := writeFrame(buf, fr, c.peerMaxFrameSize); err != nil {
		return err
	}
	_, err := c.net.Write(buf.Bytes())
	return wrapNetError(err)
}

// connError reports why the connection stopped.
func (c *conn) connError() error {
	select {
	case <-c.done:
		if c.err != nil {
			return c.err
		}
		return ErrDisconnected
	default:
		return ErrDisconnected
	}
}

// wrapNetError maps transport failures onto the package's sentinels.
func wrapNetError(err error) error {
	if err == nil {
		return nil
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return errors.Wrap(ErrTimeout, err.Error())
	}
	return errors.Wrap(ErrDisconnected, err.Error())
}

const randChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// randString generates a container-id when the caller did not set one.
func randString() string {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	b := make([]byte, 40)
	for i := range b {
		b[i] = randChars[r.Intn(len(randChars))]
	}
	return string(b)
}
