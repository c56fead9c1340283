package amqp

import (
	"crypto/tls"
	"net"
	"net/url"
)

// Client is an AMQP 1.0 connection.
type Client struct {
	conn *conn
}

// Dial connects to an AMQP endpoint. The addr scheme must be "amqp" or
// "amqps"; "amqps" negotiates TLS before the protocol headers. The
// default ports are 5672 and 5671.
func Dial(addr string, opts ...ConnOption) (*Client, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	host, port := u.Hostname(), u.Port()
	if port == "" {
		port = "5672"
		if u.Scheme == "amqps" {
			port = "5671"
		}
	}

	c, err := newConn(nil, opts...)
	if err != nil {
		return nil, err
	}
	// hostname option wins over the dialed host
	if c.hostname == "" {
		c.hostname = host
	}

	switch u.Scheme {
	case "amqp", "":
		c.net, err = net.DialTimeout("tcp", net.JoinHostPort(host, port), c.connectTimeout)
	case "amqps":
		tc := c.tlsConfig
		if tc == nil {
			tc = new(tls.Config)
		}
		if tc.ServerName == "" {
			tc = tc.Clone()
			tc.ServerName = host
		}
		d := &net.Dialer{Timeout: c.connectTimeout}
		c.net, err = tls.DialWithDialer(d, "tcp", net.JoinHostPort(host, port), tc)
	default:
		return nil, errorErrorf("unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, wrapNetError(err)
	}

	if err := c.start(); err != nil {
		return nil, err
	}
	return &Client{conn: c}, nil
}

// New begins the protocol on an established transport, for callers that
// manage their own dialing.
func New(netConn net.Conn, opts ...ConnOption) (*Client, error) {
	c, err := newConn(netConn, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.start(); err != nil {
		return nil, err
	}
	return &Client{conn: c}, nil
}

// Close runs the Close exchange and shuts the transport down.
func (c *Client) Close() error {
	return c.conn.close()
}

// NewSession begins a session on the next free channel.
func (c *Client) NewSession(opts ...SessionOption) (*Session, error) {
	var s *Session
	select {
	case s = <-c.conn.newSession:
	case <-c.conn.done:
		return nil, c.conn.connError()
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			s.abandon()
			return nil, err
		}
	}

	err := c.conn.wantWriteFrame(frame{
		typ:     frameTypeAMQP,
		channel: s.channel,
		body: &Begin{
			NextOutgoingID: 0,
			IncomingWindow: s.incomingWindow,
			OutgoingWindow: s.outgoingWindow,
			HandleMax:      s.handleMax,
		},
	})
	if err != nil {
		s.abandon()
		return nil, err
	}

	// the response arrives on s.rx once the connection mux maps the
	// remote channel
	var fr frame
	select {
	case fr = <-s.rx:
	case <-c.conn.done:
		return nil, c.conn.connError()
	}
	begin, ok := fr.body.(*Begin)
	if !ok {
		s.abandon()
		return nil, errorErrorf("unexpected frame body %T during begin", fr.body)
	}
	s.beginNextOutgoingID = begin.NextOutgoingID
	s.beginIncomingWindow = begin.IncomingWindow

	go s.mux()
	return s, nil
}

// abandon returns an unused session slot to the connection.
func (s *Session) abandon() {
	select {
	case s.conn.delSession <- s:
	case <-s.conn.done:
	}
}
