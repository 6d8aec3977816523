package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"i4.energy/across/ubxmodem/modem/pdp"
)

// Config holds the application configuration
type Config struct {
	// BindAddress is the address the server listens on (e.g. "0.0.0.0:8080")
	BindAddress string `yaml:"bind_address"`
	// HTTPToken, when set, must be presented as a bearer token on every
	// gateway request.
	HTTPToken string `yaml:"http_token"`
	// SerialPort is the path to the modem's serial port (e.g. "/dev/ttyUSB0")
	SerialPort string `yaml:"serial_port"`
	// BaudRate is the baud rate for serial communication with the modem (e.g. 115200)
	BaudRate int `yaml:"baud_rate"`
	// LogLevel sets the logging level (e.g. "debug", "info", "warn", "error")
	LogLevel string `yaml:"log_level"`
	// SimPIN is the SIM card PIN code
	SimPIN string `yaml:"sim_pin"`
	// Trace logs every byte exchanged with the module.
	Trace bool `yaml:"trace"`

	ATTimeout       time.Duration `yaml:"at_timeout"`
	MinSendInterval time.Duration `yaml:"min_send_interval"`
	MaxRetries      int           `yaml:"max_retries"`

	// APN overrides the built-in APN table. Leave empty to pick the APN
	// from the SIM's IMSI.
	APN         string   `yaml:"apn"`
	APNUsername string   `yaml:"apn_username"`
	APNPassword string   `yaml:"apn_password"`
	APNAuth     pdp.Auth `yaml:"apn_auth"`
	// APNFile is a YAML APN table used instead of the built-in one.
	APNFile string `yaml:"apn_file"`
	// Connect activates the data connection when the gateway starts.
	Connect bool `yaml:"connect"`
	// PowerDownOnFailure switches the module off when no APN works.
	PowerDownOnFailure bool `yaml:"power_down_on_failure"`
	// PackedUSSD sends USSD strings packed GSM 7 bit, hex encoded.
	PackedUSSD bool `yaml:"packed_ussd"`
}

// Credentials returns the configured APN, or nil to use the APN table.
func (c *Config) Credentials() []pdp.Credentials {
	if c.APN == "" {
		return nil
	}
	return []pdp.Credentials{{
		APN:      c.APN,
		User:     c.APNUsername,
		Password: c.APNPassword,
		Auth:     c.APNAuth,
	}}
}

// ConfigOption is a function that modifies a Config
type ConfigOption func(*Config) error

// LoadConfig creates a new config by applying the given options in order
func LoadConfig(opts ...ConfigOption) (*Config, error) {
	config := &Config{}

	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}

	return config, nil
}

// WithDefaults applies default configuration values
func WithDefaults() ConfigOption {
	return func(c *Config) error {
		c.BindAddress = "0.0.0.0:8080"
		c.SerialPort = "/dev/ttyUSB0"
		c.BaudRate = 115200
		c.LogLevel = "info"
		c.ATTimeout = 8 * time.Second
		c.MinSendInterval = 2 * time.Second
		c.MaxRetries = 3
		return nil
	}
}

// WithFile overlays the YAML file at path. An empty path is skipped.
func WithFile(path string) ConfigOption {
	return func(c *Config) error {
		if path == "" {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open config: %w", err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
		return nil
	}
}

// WithEnv loads configuration from environment variables
func WithEnv() ConfigOption {
	return func(c *Config) error {
		if addr := os.Getenv("BIND_ADDRESS"); addr != "" {
			c.BindAddress = addr
		}

		if token := os.Getenv("HTTP_TOKEN"); token != "" {
			c.HTTPToken = token
		}

		if serial := os.Getenv("SERIAL_PORT"); serial != "" {
			c.SerialPort = serial
		}

		if baud := os.Getenv("BAUD_RATE"); baud != "" {
			if b, err := strconv.Atoi(baud); err == nil {
				c.BaudRate = b
			}
		}

		if level := os.Getenv("LOG_LEVEL"); level != "" {
			c.LogLevel = level
		}

		if simPIN := os.Getenv("SIM_PIN"); simPIN != "" {
			c.SimPIN = simPIN
		}

		if apn := os.Getenv("APN"); apn != "" {
			c.APN = apn
		}
		if user := os.Getenv("APN_USERNAME"); user != "" {
			c.APNUsername = user
		}
		if pass := os.Getenv("APN_PASSWORD"); pass != "" {
			c.APNPassword = pass
		}

		if trace := os.Getenv("MODEM_TRACE"); trace != "" {
			if t, err := strconv.ParseBool(trace); err == nil {
				c.Trace = t
			}
		}

		return nil
	}
}

// WithFlags loads configuration from the command-line flags that were set
func WithFlags(fSet *pflag.FlagSet) ConfigOption {
	return func(c *Config) error {
		var err error
		fSet.Visit(func(f *pflag.Flag) {
			switch f.Name {
			case "bind-address":
				c.BindAddress = f.Value.String()
			case "serial-port":
				c.SerialPort = f.Value.String()
			case "baud-rate":
				if b, e := strconv.Atoi(f.Value.String()); e == nil {
					c.BaudRate = b
				}
			case "log-level":
				c.LogLevel = f.Value.String()
			case "sim-pin":
				c.SimPIN = f.Value.String()
			case "trace":
				c.Trace = f.Value.String() == "true"
			case "apn":
				c.APN = f.Value.String()
			case "apn-username":
				c.APNUsername = f.Value.String()
			case "apn-password":
				c.APNPassword = f.Value.String()
			case "apn-auth":
				if e := c.APNAuth.UnmarshalText([]byte(f.Value.String())); e != nil {
					err = e
				}
			case "connect":
				c.Connect = f.Value.String() == "true"
			}
		})
		return err
	}
}
