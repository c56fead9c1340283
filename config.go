package amqp

import (
	"time"

	"github.com/BurntSushi/toml"
)

// Config collects connection and session tuning in a form loadable from a
// TOML file.
type Config struct {
	Address        string   `toml:"address"`
	ContainerID    string   `toml:"container_id"`
	Hostname       string   `toml:"hostname"`
	MaxFrameSize   uint32   `toml:"max_frame_size"`
	ChannelMax     uint16   `toml:"channel_max"`
	IdleTimeout    duration `toml:"idle_timeout"`
	ConnectTimeout duration `toml:"connect_timeout"`

	IncomingWindow uint32 `toml:"incoming_window"`
	OutgoingWindow uint32 `toml:"outgoing_window"`

	SASL SASLConfig `toml:"sasl"`
}

// SASLConfig selects an authentication mechanism. An empty mechanism
// disables the SASL layer.
type SASLConfig struct {
	Mechanism string `toml:"mechanism"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
}

// duration lets TOML carry values like "30s".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

// DefaultConfig returns the values used when a field is absent from the
// file.
func DefaultConfig() Config {
	return Config{
		Address:        "amqp://localhost:5672",
		MaxFrameSize:   defaultMaxFrameSize,
		ChannelMax:     defaultChannelMax,
		IdleTimeout:    duration(defaultIdleTimeout),
		ConnectTimeout: duration(defaultConnectDelay),
		IncomingWindow: defaultIncomingWindow,
		OutgoingWindow: defaultOutgoingWindow,
	}
}

// LoadConfig reads a TOML file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, errorWrapf(err, "loading config %s", path)
	}
	return cfg, nil
}

// ConnOptions translates the config into connection options.
func (cfg Config) ConnOptions() []ConnOption {
	var opts []ConnOption
	if cfg.ContainerID != "" {
		opts = append(opts, ConnContainerID(cfg.ContainerID))
	}
	if cfg.Hostname != "" {
		opts = append(opts, ConnServerHostname(cfg.Hostname))
	}
	if cfg.MaxFrameSize != 0 {
		opts = append(opts, ConnMaxFrameSize(cfg.MaxFrameSize))
	}
	if cfg.ChannelMax != 0 {
		opts = append(opts, ConnChannelMax(cfg.ChannelMax))
	}
	if cfg.IdleTimeout != 0 {
		opts = append(opts, ConnIdleTimeout(time.Duration(cfg.IdleTimeout)))
	}
	if cfg.ConnectTimeout != 0 {
		opts = append(opts, ConnConnectTimeout(time.Duration(cfg.ConnectTimeout)))
	}
	switch cfg.SASL.Mechanism {
	case "PLAIN":
		opts = append(opts, ConnSASLPlain(cfg.SASL.Username, cfg.SASL.Password))
	case "ANONYMOUS":
		opts = append(opts, ConnSASLAnonymous())
	}
	return opts
}

// SessionOptions translates the config into session options.
func (cfg Config) SessionOptions() []SessionOption {
	var opts []SessionOption
	if cfg.IncomingWindow != 0 {
		opts = append(opts, SessionIncomingWindow(cfg.IncomingWindow))
	}
	if cfg.OutgoingWindow != 0 {
		opts = append(opts, SessionOutgoingWindow(cfg.OutgoingWindow))
	}
	return opts
}
