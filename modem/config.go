package modem

import (
	"log/slog"
	"time"
)

func (c *Config) validate() error {
	if c.Dialer == nil {
		return ErrNoDialer
	}
	return nil
}

// Config carries everything New needs to bring a module up.
type Config struct {
	Dialer Dialer
	SimPIN string
	// MinSendInterval spaces consecutive SMS submissions.
	MinSendInterval time.Duration
	// MaxRetries bounds the wake-up handshake and registration polls.
	MaxRetries int
	EchoOn     bool
	// ATTimeout is the default deadline of a single exchange.
	ATTimeout   time.Duration
	InitTimeout time.Duration
	// ReadQuantum is the longest a single transport Read may block when the
	// transport supports read timeouts.
	ReadQuantum time.Duration
	// IdleInterval is how long Loop releases the session between drains.
	IdleInterval  time.Duration
	MaxLineLength int
	EventBuffer   int
	// Trace logs every byte exchanged with the module at debug level.
	Trace  bool
	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.MinSendInterval == 0 {
		c.MinSendInterval = time.Minute / 30
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.ATTimeout == 0 {
		c.ATTimeout = 8 * time.Second
	}
	if c.InitTimeout == 0 {
		c.InitTimeout = 30 * time.Second
	}
	if c.ReadQuantum == 0 {
		c.ReadQuantum = 100 * time.Millisecond
	}
	if c.IdleInterval == 0 {
		c.IdleInterval = 250 * time.Millisecond
	}
	if c.MaxLineLength == 0 {
		c.MaxLineLength = 4096
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = 100
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ConfigBuilder assembles a Config fluently. Build applies defaults and
// validates the result.
type ConfigBuilder struct {
	config Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{}
}

func (b *ConfigBuilder) WithDialer(d Dialer) *ConfigBuilder {
	b.config.Dialer = d
	return b
}

func (b *ConfigBuilder) WithSimPIN(pin string) *ConfigBuilder {
	b.config.SimPIN = pin
	return b
}

func (b *ConfigBuilder) WithMinSendInterval(d time.Duration) *ConfigBuilder {
	b.config.MinSendInterval = d
	return b
}

func (b *ConfigBuilder) WithMaxRetries(n int) *ConfigBuilder {
	b.config.MaxRetries = n
	return b
}

func (b *ConfigBuilder) WithEcho(on bool) *ConfigBuilder {
	b.config.EchoOn = on
	return b
}

func (b *ConfigBuilder) WithATTimeout(d time.Duration) *ConfigBuilder {
	b.config.ATTimeout = d
	return b
}

func (b *ConfigBuilder) WithInitTimeout(d time.Duration) *ConfigBuilder {
	b.config.InitTimeout = d
	return b
}

func (b *ConfigBuilder) WithReadQuantum(d time.Duration) *ConfigBuilder {
	b.config.ReadQuantum = d
	return b
}

func (b *ConfigBuilder) WithIdleInterval(d time.Duration) *ConfigBuilder {
	b.config.IdleInterval = d
	return b
}

func (b *ConfigBuilder) WithTrace(on bool) *ConfigBuilder {
	b.config.Trace = on
	return b
}

func (b *ConfigBuilder) WithLogger(l *slog.Logger) *ConfigBuilder {
	b.config.Logger = l
	return b
}

func (b *ConfigBuilder) Build() (Config, error) {
	c := b.config
	c.setDefaults()
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
