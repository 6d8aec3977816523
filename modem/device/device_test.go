package device_test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"i4.energy/across/ubxmodem/modem"
	"i4.energy/across/ubxmodem/modem/device"
	"i4.energy/across/ubxmodem/modem/sockets"
)

func testConfig(tr *modem.TestTransport) modem.Config {
	config, _ := modem.NewConfigBuilder().
		WithDialer(modem.TestDialer{Transport: tr.ScriptInit()}).
		WithATTimeout(time.Second).
		WithReadQuantum(10 * time.Millisecond).
		WithIdleInterval(10 * time.Millisecond).
		WithMinSendInterval(time.Millisecond).
		Build()
	return config
}

func TestNewDialFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	dialer := modem.NewMockDialer(ctrl)
	dialErr := errors.New("no such port")
	dialer.EXPECT().Dial(gomock.Any()).Return(nil, dialErr)

	_, err := device.New(context.Background(), modem.Config{Dialer: dialer})
	if !errors.Is(err, dialErr) {
		t.Errorf("New() error = %v, want %v", err, dialErr)
	}
}

func TestSocketsResolveThroughModule(t *testing.T) {
	tr := modem.NewTestTransport()
	d, err := device.New(context.Background(), testConfig(tr))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer d.Close()

	tr.Respond("AT+USOCR=6", "\r\n+USOCR: 0\r\n\r\nOK\r\n").
		Respond(`AT+UDNSRN=0,"example.com"`, "\r\n+UDNSRN: \"93.184.216.34\"\r\n\r\nOK\r\n").
		Respond("AT+USOCO=0", "\r\nOK\r\n")

	sock, err := d.Sockets.Open(context.Background(), sockets.TCP, 0)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := d.Sockets.Connect(context.Background(), sock, "example.com", 80); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if cmds := tr.Commands(); !slices.Contains(cmds, `AT+USOCO=0,"93.184.216.34",80`) {
		t.Errorf("commands = %q, want a connect to the resolved address", cmds)
	}
}

func TestEventsFromEveryService(t *testing.T) {
	tr := modem.NewTestTransport()
	d, err := device.New(context.Background(), testConfig(tr))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	tr.SendData("\r\n+CMTI: \"SM\",3\r\n\r\n+UUPSDD: 0\r\n")

	want := []string{"+CMTI", "+UUPSDD"}
	for _, prefix := range want {
		select {
		case e := <-d.Events():
			if e.Prefix != prefix {
				t.Errorf("event prefix = %q, want %q", e.Prefix, prefix)
			}
		case <-time.After(time.Second):
			t.Fatalf("no %s event", prefix)
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}
