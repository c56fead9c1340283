package amqp

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "amqp.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfigFile(t, `
address = "amqp://broker.test:5672"
container_id = "worker-1"
max_frame_size = 131072
channel_max = 31
idle_timeout = "45s"
incoming_window = 500

[sasl]
mechanism = "PLAIN"
username = "user"
password = "secret"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "amqp://broker.test:5672", cfg.Address)
	assert.Equal(t, "worker-1", cfg.ContainerID)
	assert.Equal(t, uint32(131072), cfg.MaxFrameSize)
	assert.Equal(t, uint16(31), cfg.ChannelMax)
	assert.Equal(t, 45*time.Second, time.Duration(cfg.IdleTimeout))
	assert.Equal(t, uint32(500), cfg.IncomingWindow)
	assert.Equal(t, "PLAIN", cfg.SASL.Mechanism)

	// unset fields keep their defaults
	assert.Equal(t, uint32(defaultOutgoingWindow), cfg.OutgoingWindow)
	assert.Equal(t, defaultConnectDelay, time.Duration(cfg.ConnectTimeout))
}

func TestLoadConfigBadDuration(t *testing.T) {
	path := writeConfigFile(t, `idle_timeout = "not a duration"`)
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestConfigOptions(t *testing.T) {
	cfg := Config{
		ContainerID:  "c1",
		Hostname:     "vhost",
		MaxFrameSize: 8192,
		ChannelMax:   7,
		IdleTimeout:  duration(time.Minute),
		SASL:         SASLConfig{Mechanism: "PLAIN", Username: "u", Password: "p"},
	}

	c, err := newConn(nil, cfg.ConnOptions()...)
	require.NoError(t, err)
	assert.Equal(t, "c1", c.containerID)
	assert.Equal(t, "vhost", c.hostname)
	assert.Equal(t, uint32(8192), c.maxFrameSize)
	assert.Equal(t, uint16(7), c.channelMax)
	assert.Equal(t, time.Minute, c.idleTimeout)
	assert.Contains(t, c.saslHandlers, saslMechanismPLAIN)

	s := newSession(c, 0)
	for _, opt := range (Config{IncomingWindow: 5, OutgoingWindow: 6}).SessionOptions() {
		require.NoError(t, opt(s))
	}
	assert.Equal(t, uint32(5), s.incomingWindow)
	assert.Equal(t, uint32(6), s.outgoingWindow)
}

func TestConfigOptionValidation(t *testing.T) {
	_, err := newConn(nil, ConnMaxFrameSize(100))
	require.Error(t, err)

	_, err = newConn(nil, ConnIdleTimeout(-time.Second))
	require.Error(t, err)

	s := newSession(&conn{}, 0)
	require.Error(t, SessionIncomingWindow(0)(s))
	require.Error(t, SessionOutgoingWindow(0)(s))

	var l link
	require.Error(t, LinkCredit(0)(&l))
	require.Error(t, LinkSenderSettle(SenderSettleMode(9))(&l))
	require.Error(t, LinkReceiverSettle(ReceiverSettleMode(9))(&l))
}
