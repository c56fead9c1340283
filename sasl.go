package amqp

import "fmt"

// saslCode is the outcome of a SASL exchange.
type saslCode uint8

const (
	saslOK      saslCode = 0
	saslAuth    saslCode = 1
	saslSys     saslCode = 2
	saslSysPerm saslCode = 3
	saslSysTemp saslCode = 4
)

func (c *saslCode) unmarshal(r *buffer) error {
	v, err := readUbyte(r)
	if err != nil {
		return err
	}
	if v > uint8(saslSysTemp) {
		return &UnknownEnumOptionError{Type: "sasl-code", Value: v}
	}
	*c = saslCode(v)
	return nil
}

// Supported SASL mechanisms.
const (
	saslMechanismPLAIN     symbol = "PLAIN"
	saslMechanismANONYMOUS symbol = "ANONYMOUS"
)

// ConnSASLPlain enables SASL PLAIN authentication.
func ConnSASLPlain(username, password string) ConnOption {
	return func(c *conn) error {
		if c.saslHandlers == nil {
			c.saslHandlers = make(map[symbol]stateFunc)
		}
		c.saslHandlers[saslMechanismPLAIN] = func() stateFunc {
			c.err = c.writeFrame(frame{
				typ: frameTypeSASL,
				body: &saslInit{
					Mechanism:       saslMechanismPLAIN,
					InitialResponse: []byte("\x00" + username + "\x00" + password),
				},
			})
			if c.err != nil {
				return nil
			}
			return c.saslOutcome
		}
		return nil
	}
}

// ConnSASLAnonymous enables SASL ANONYMOUS authentication.
func ConnSASLAnonymous() ConnOption {
	return func(c *conn) error {
		if c.saslHandlers == nil {
			c.saslHandlers = make(map[symbol]stateFunc)
		}
		c.saslHandlers[saslMechanismANONYMOUS] = func() stateFunc {
			c.err = c.writeFrame(frame{
				typ:  frameTypeSASL,
				body: &saslInit{Mechanism: saslMechanismANONYMOUS},
			})
			if c.err != nil {
				return nil
			}
			return c.saslOutcome
		}
		return nil
	}
}

type saslMechanisms struct {
	Mechanisms []symbol
}

func (m *saslMechanisms) marshal(wr writer) error {
	return writeComposite(wr, descSASLMechanisms,
		field{value: m.Mechanisms},
	)
}

func (m *saslMechanisms) unmarshal(r *buffer) error {
	return readComposite(r, descSASLMechanisms,
		dest{target: &m.Mechanisms, onNull: required("sasl-mechanisms.sasl-server-mechanisms")},
	)
}

func (*saslMechanisms) linkHandle() (uint32, bool) { return 0, false }

type saslInit struct {
	Mechanism       symbol
	InitialResponse []byte
	Hostname        string
}

func (i *saslInit) marshal(wr writer) error {
	return writeComposite(wr, descSASLInit,
		field{value: i.Mechanism},
		field{value: i.InitialResponse, omit: len(i.InitialResponse) == 0},
		field{value: i.Hostname, omit: i.Hostname == ""},
	)
}

func (i *saslInit) unmarshal(r *buffer) error {
	return readComposite(r, descSASLInit,
		dest{target: &i.Mechanism, onNull: required("sasl-init.mechanism")},
		dest{target: &i.InitialResponse},
		dest{target: &i.Hostname},
	)
}

func (*saslInit) linkHandle() (uint32, bool) { return 0, false }

type saslChallenge struct {
	Challenge []byte
}

func (c *saslChallenge) marshal(wr writer) error {
	return writeComposite(wr, descSASLChallenge,
		field{value: c.Challenge},
	)
}

func (c *saslChallenge) unmarshal(r *buffer) error {
	return readComposite(r, descSASLChallenge,
		dest{target: &c.Challenge, onNull: required("sasl-challenge.challenge")},
	)
}

func (*saslChallenge) linkHandle() (uint32, bool) { return 0, false }

type saslResponse struct {
	Response []byte
}

func (s *saslResponse) marshal(wr writer) error {
	return writeComposite(wr, descSASLResponse,
		field{value: s.Response},
	)
}

func (s *saslResponse) unmarshal(r *buffer) error {
	return readComposite(r, descSASLResponse,
		dest{target: &s.Response, onNull: required("sasl-response.response")},
	)
}

func (*saslResponse) linkHandle() (uint32, bool) { return 0, false }

type saslOutcome struct {
	Code           saslCode
	AdditionalData []byte
}

func (o *saslOutcome) marshal(wr writer) error {
	return writeComposite(wr, descSASLOutcome,
		field{value: uint8(o.Code)},
		field{value: o.AdditionalData, omit: len(o.AdditionalData) == 0},
	)
}

func (o *saslOutcome) unmarshal(r *buffer) error {
	return readComposite(r, descSASLOutcome,
		dest{target: &o.Code, onNull: required("sasl-outcome.code")},
		dest{target: &o.AdditionalData},
	)
}

func (*saslOutcome) linkHandle() (uint32, bool) { return 0, false }

// negotiateSASL runs after the SASL protocol header exchange. The server
// advertises mechanisms, the client picks the first it has a handler for.
func (c *conn) negotiateSASL() stateFunc {
	fr, err := c.readFrame()
	if err != nil {
		c.err = err
		return nil
	}
	sm, ok := fr.body.(*saslMechanisms)
	if !ok {
		c.err = errorErrorf("unexpected frame body %T during SASL negotiation", fr.body)
		return nil
	}

	for _, mech := range sm.Mechanisms {
		if state, ok := c.saslHandlers[mech]; ok {
			c.log.Debug().Str("mechanism", string(mech)).Msg("sasl mechanism selected")
			return state
		}
	}
	c.err = errorErrorf("no supported SASL mechanism offered, peer offers %v", sm.Mechanisms)
	return nil
}

// saslOutcome reads the outcome frame that ends the SASL exchange. Success
// restarts negotiation with the AMQP protocol header.
func (c *conn) saslOutcome() stateFunc {
	fr, err := c.readFrame()
	if err != nil {
		c.err = err
		return nil
	}
	so, ok := fr.body.(*saslOutcome)
	if !ok {
		c.err = errorErrorf("unexpected frame body %T during SASL negotiation", fr.body)
		return nil
	}
	if so.Code != saslOK {
		c.err = errorErrorf("SASL authentication failed: %s", saslCodeString(so.Code))
		return nil
	}
	c.saslComplete = true
	return c.negotiateProto
}

func saslCodeString(c saslCode) string {
	switch c {
	case saslOK:
		return "ok"
	case saslAuth:
		return "auth failure"
	case saslSys:
		return "system error"
	case saslSysPerm:
		return "permanent system error"
	case saslSysTemp:
		return "transient system error"
	default:
		return fmt.Sprintf("code %d", uint8(c))
	}
}
