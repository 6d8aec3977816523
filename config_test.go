package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"i4.energy/across/ubxmodem/modem/pdp"
)

func TestLoadConfigLayers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ubxmodem.yaml")
	file := `serial_port: /dev/ttyACM0
baud_rate: 9600
at_timeout: 5s
apn: from-file
apn_auth: chap
connect: true
`
	if err := os.WriteFile(path, []byte(file), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BAUD_RATE", "57600")
	t.Setenv("APN", "from-env")
	t.Setenv("MODEM_TRACE", "true")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("apn", "", "")
	flags.String("log-level", "info", "")
	if err := flags.Parse([]string{"--apn", "from-flag"}); err != nil {
		t.Fatal(err)
	}

	config, err := LoadConfig(WithDefaults(), WithFile(path), WithEnv(), WithFlags(flags))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"serial port from file", config.SerialPort, "/dev/ttyACM0"},
		{"baud rate from env", config.BaudRate, 57600},
		{"timeout from file", config.ATTimeout, 5 * time.Second},
		{"apn from flag", config.APN, "from-flag"},
		{"auth from file", config.APNAuth, pdp.AuthCHAP},
		{"trace from env", config.Trace, true},
		{"connect from file", config.Connect, true},
		{"unset flag keeps default", config.LogLevel, "info"},
		{"default bind address", config.BindAddress, "0.0.0.0:8080"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}

	creds := config.Credentials()
	if len(creds) != 1 || creds[0].APN != "from-flag" || creds[0].Auth != pdp.AuthCHAP {
		t.Errorf("Credentials() = %+v", creds)
	}
}

func TestWithFileRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("serial: /dev/ttyS0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(WithDefaults(), WithFile(path)); err == nil {
		t.Error("LoadConfig() accepted an unknown key")
	}
	if _, err := LoadConfig(WithFile(filepath.Join(t.TempDir(), "missing.yaml"))); err == nil {
		t.Error("LoadConfig() accepted a missing file")
	}
}

func TestCredentialsFromTable(t *testing.T) {
	config, _ := LoadConfig(WithDefaults())
	if creds := config.Credentials(); creds != nil {
		t.Errorf("Credentials() = %+v, want nil without an APN", creds)
	}
}

func TestBadAuthFlag(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("apn-auth", "detect", "")
	if err := flags.Parse([]string{"--apn-auth", "kerberos"}); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(WithDefaults(), WithFlags(flags)); err == nil {
		t.Error("LoadConfig() accepted an unknown authentication protocol")
	}
}
