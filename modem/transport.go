package modem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/warthog618/modem/trace"
	"go.bug.st/serial"
)

//go:generate go tool mockgen -destination=mock_transport.go -package=modem . Transport,Dialer

// Transport represents an established, bidirectional byte stream to a
// u-blox module.
//
// A Transport is assumed to be already connected and ready for use. It provides
// the low-level I/O primitives required to send AT commands and receive responses.
// Typical implementations include serial ports, TCP connections to emulators,
// or in-memory fakes used for testing.
type Transport interface {
	io.ReadWriteCloser
}

// ReadTimeouter is implemented by transports whose Read can give up after a
// bounded wait, returning (0, nil) when nothing arrived. Serial ports opened
// by SerialDialer implement it. Without it a Read blocks until the module
// sends something, so deadlines are only checked between reads.
type ReadTimeouter interface {
	SetReadTimeout(t time.Duration) error
}

// Dialer opens a Transport to a u-blox module.
//
// Dialer abstracts how the modem connection is created (for example, via a
// serial port, TCP-based emulator, or test double) and is intended to be used
// during modem construction only. Once a Transport is obtained, the Dialer is
// no longer needed.
type Dialer interface {
	// Dial is responsible for creating and returning a connected Transport. It may
	// perform blocking operations and should respect cancellation and deadlines
	// provided by the context. Dial returns an error if the transport cannot be
	// established.
	Dial(ctx context.Context) (Transport, error)
}

// SerialDialer opens the module's UART with go.bug.st/serial.
type SerialDialer struct {
	PortName string
	// Mode overrides the line settings. When nil, 8N1 at BaudRate is used.
	Mode     *serial.Mode
	BaudRate int
}

func (d SerialDialer) Dial(ctx context.Context) (Transport, error) {
	if ctx == nil {
		return nil, errors.New("modem: context is nil")
	}
	if d.PortName == "" {
		return nil, errors.New("modem: serial port name is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mode := d.Mode
	if mode == nil {
		baud := d.BaudRate
		if baud == 0 {
			baud = 115200
		}
		mode = &serial.Mode{
			BaudRate: baud,
			Parity:   serial.NoParity,
			DataBits: 8,
			StopBits: serial.OneStopBit,
		}
	}

	port, err := serial.Open(d.PortName, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.PortName, err)
	}
	return port, nil
}

// tracedTransport routes reads and writes through a wire trace while Close
// still reaches the underlying transport.
type tracedTransport struct {
	Transport
	rw io.ReadWriter
}

func (t tracedTransport) Read(p []byte) (int, error) {
	return t.rw.Read(p)
}

func (t tracedTransport) Write(p []byte) (int, error) {
	return t.rw.Write(p)
}

func newTracedTransport(t Transport, logger *slog.Logger) Transport {
	l := slog.NewLogLogger(logger.Handler(), slog.LevelDebug)
	return tracedTransport{
		Transport: t,
		rw: trace.New(t,
			trace.WithLogger(l),
			trace.WithReadFormat("r: %q"),
			trace.WithWriteFormat("w: %q")),
	}
}
