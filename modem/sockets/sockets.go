// Package sockets drives the TCP and UDP sockets of the module's internal IP
// stack. A fixed table of slots maps application sockets to module handles;
// URC handlers keep each slot's pending byte count and connection state
// current.
package sockets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"strconv"
	"time"

	"i4.energy/across/ubxmodem/at"
	"i4.energy/across/ubxmodem/modem"
)

const (
	// NumSockets is the capacity of the slot table.
	NumSockets = 12
	// MaxWrite is the largest payload a single AT+USOWR or AT+USOST accepts.
	MaxWrite = 1024
	// DefaultMaxRead bounds each AT+USORD and AT+USORF.
	DefaultMaxRead = 128
	// DefaultPollInterval is how long Recv waits for a +UUSORD before
	// checking its timeout again.
	DefaultPollInterval = 8 * time.Second
	// DefaultPromptSettle is the pause between the '@' prompt and the
	// payload. The module drops bytes sent immediately after the prompt.
	DefaultPromptSettle = 50 * time.Millisecond

	unused = -1
)

var (
	ErrNoSlot       = errors.New("no free socket slot")
	ErrNoSocket     = errors.New("invalid socket")
	ErrIsConnected  = errors.New("socket already connected")
	ErrNotConnected = errors.New("socket not connected")
)

// Proto is the transport protocol of a socket, numbered as AT+USOCR expects.
type Proto int

const (
	TCP Proto = 6
	UDP Proto = 17
)

func (p Proto) String() string {
	switch p {
	case TCP:
		return "TCP"
	case UDP:
		return "UDP"
	}
	return "Proto(" + strconv.Itoa(int(p)) + ")"
}

// Socket identifies a slot in the table. It stays valid until Close.
type Socket int

type slot struct {
	handle    int
	proto     Proto
	connected bool
	// closed is set when the peer closes the socket, so Recv and RecvFrom
	// stop waiting for data that will never come.
	closed  bool
	pending int
	timeout modem.Timeout
}

// Resolver turns a host name into an address, typically with the module's
// own DNS client.
type Resolver interface {
	Resolve(ctx context.Context, host string) (netip.Addr, error)
}

// Sockets is the socket table of one module. Slot state is only touched
// with the session held, either by a method below or by a URC handler
// running inside someone else's exchange.
type Sockets struct {
	m      *modem.Modem
	logger *slog.Logger
	slots  [NumSockets]slot

	resolver     Resolver
	maxRead      int
	pollInterval time.Duration
	promptSettle time.Duration
}

type Option func(*Sockets)

// WithResolver lets Connect accept host names.
func WithResolver(r Resolver) Option {
	return func(t *Sockets) {
		t.resolver = r
	}
}

func WithMaxRead(n int) Option {
	return func(t *Sockets) {
		if n > 0 {
			t.maxRead = n
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(t *Sockets) {
		if d > 0 {
			t.pollInterval = d
		}
	}
}

func WithPromptSettle(d time.Duration) Option {
	return func(t *Sockets) {
		t.promptSettle = d
	}
}

// New creates the socket table and registers its URC handlers on m.
func New(m *modem.Modem, opts ...Option) (*Sockets, error) {
	t := &Sockets{
		m:            m,
		logger:       m.Logger().With("component", "sockets"),
		maxRead:      DefaultMaxRead,
		pollInterval: DefaultPollInterval,
		promptSettle: DefaultPromptSettle,
	}
	for i := range t.slots {
		t.slots[i] = slot{handle: unused}
	}
	for _, opt := range opts {
		opt(t)
	}

	handlers := map[string]modem.URCHandler{
		"+UUSORD": t.onPending,
		"+UUSORF": t.onPending,
		"+UUSOCL": t.onClosed,
	}
	for prefix, h := range handlers {
		if err := m.HandleURC(prefix, h); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// find returns the slot holding a module handle. Call with the session held.
func (t *Sockets) find(handle int) *slot {
	for i := range t.slots {
		if t.slots[i].handle == handle {
			return &t.slots[i]
		}
	}
	return nil
}

func (t *Sockets) slot(s Socket) (*slot, error) {
	if s < 0 || int(s) >= len(t.slots) || t.slots[s].handle == unused {
		return nil, fmt.Errorf("%w: %d", ErrNoSocket, s)
	}
	return &t.slots[s], nil
}

// onPending handles +UUSORD and +UUSORF: <handle>,<length>. The length is
// the total the module holds for the socket.
func (t *Sockets) onPending(u *modem.URC) {
	v, err := u.Ints(2)
	if err != nil {
		t.logger.Debug("discarding malformed URC", "prefix", u.Prefix, "error", err)
		return
	}
	sl := t.find(v[0])
	if sl == nil {
		t.logger.Debug("data for unknown handle", "handle", v[0], "length", v[1])
		return
	}
	sl.pending = max(v[1], 0)
	t.logger.Debug("data pending", "handle", v[0], "length", v[1])
}

// onClosed handles +UUSOCL: <handle>.
func (t *Sockets) onClosed(u *modem.URC) {
	v, err := u.Ints(1)
	if err != nil {
		t.logger.Debug("discarding malformed URC", "prefix", u.Prefix, "error", err)
		return
	}
	sl := t.find(v[0])
	if sl == nil {
		return
	}
	sl.connected = false
	sl.closed = true
	t.logger.Info("socket closed by remote host", "handle", v[0])
	t.m.Emit(u.Prefix, strconv.Itoa(v[0]))
}

// Open creates a socket in the first free slot. A UDP socket may be given a
// local port; zero lets the module choose.
func (t *Sockets) Open(ctx context.Context, proto Proto, localPort int) (sock Socket, err error) {
	err = t.m.Do(ctx, func(s *modem.Session) error {
		idx := -1
		for i := range t.slots {
			if t.slots[i].handle == unused {
				idx = i
				break
			}
		}
		if idx < 0 {
			return ErrNoSlot
		}

		cmd := fmt.Sprintf("AT+USOCR=%d", proto)
		if proto == UDP && localPort > 0 {
			cmd += fmt.Sprintf(",%d", localPort)
		}
		fields, err := s.Query("+USOCR", "%s", cmd)
		if err != nil {
			return fmt.Errorf("create %v socket: %w", proto, err)
		}
		handle, err := strconv.Atoi(fields[0])
		if err != nil || handle < 0 {
			return fmt.Errorf("create %v socket: %w: %q", proto, modem.ErrMalformed, fields)
		}

		t.slots[idx] = slot{handle: handle, proto: proto, timeout: modem.Blocking}
		sock = Socket(idx)
		t.logger.Debug("socket created", "socket", idx, "handle", handle, "proto", proto)
		return nil
	})
	return sock, err
}

// Connect connects s to host:port. host may be a literal address or, with a
// Resolver configured, a name.
func (t *Sockets) Connect(ctx context.Context, sock Socket, host string, port int) error {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		if t.resolver == nil {
			return fmt.Errorf("connect to %s: not an address and no resolver configured", host)
		}
		if addr, err = t.resolver.Resolve(ctx, host); err != nil {
			return fmt.Errorf("resolve %s: %w", host, err)
		}
	}
	return t.connect(ctx, sock, netip.AddrPortFrom(addr, uint16(port)))
}

// Bind issues the same AT+USOCO as Connect. The module has no separate
// bind for its internal stack sockets.
func (t *Sockets) Bind(ctx context.Context, sock Socket, addr netip.AddrPort) error {
	return t.connect(ctx, sock, addr)
}

func (t *Sockets) connect(ctx context.Context, sock Socket, addr netip.AddrPort) error {
	return t.m.Do(ctx, func(s *modem.Session) error {
		sl, err := t.slot(sock)
		if err != nil {
			return err
		}
		if sl.connected {
			return ErrIsConnected
		}
		if err := s.Command(`AT+USOCO=%d,"%s",%d`, sl.handle, addr.Addr(), addr.Port()); err != nil {
			return fmt.Errorf("connect to %s: %w", addr, err)
		}
		sl.connected = true
		sl.closed = false
		t.logger.Debug("socket connected", "socket", int(sock), "addr", addr)
		return nil
	})
}

// IsConnected reports whether s is connected and has not been closed by the
// peer.
func (t *Sockets) IsConnected(ctx context.Context, sock Socket) (connected bool, err error) {
	err = t.m.Do(ctx, func(*modem.Session) error {
		sl, err := t.slot(sock)
		if err != nil {
			return err
		}
		connected = sl.connected
		return nil
	})
	return connected, err
}

// SetTimeout bounds how long Recv and RecvFrom wait for data.
func (t *Sockets) SetTimeout(ctx context.Context, sock Socket, timeout modem.Timeout) error {
	return t.m.Do(ctx, func(*modem.Session) error {
		sl, err := t.slot(sock)
		if err != nil {
			return err
		}
		sl.timeout = timeout
		return nil
	})
}

// SetBlocking makes Recv wait indefinitely, or return at once when no data
// is pending.
func (t *Sockets) SetBlocking(ctx context.Context, sock Socket, blocking bool) error {
	timeout := modem.After(0)
	if blocking {
		timeout = modem.Blocking
	}
	return t.SetTimeout(ctx, sock, timeout)
}

// Close closes s on the module if it is connected and frees the slot in any
// case.
func (t *Sockets) Close(ctx context.Context, sock Socket) error {
	return t.m.Do(ctx, func(s *modem.Session) error {
		sl, err := t.slot(sock)
		if err != nil {
			return err
		}
		var cerr error
		if sl.connected {
			if cerr = s.Command("AT+USOCL=%d", sl.handle); cerr != nil {
				cerr = fmt.Errorf("close socket %d: %w", sock, cerr)
			}
		}
		*sl = slot{handle: unused}
		return cerr
	})
}

// Send writes p to a connected socket in blocks of MaxWrite. It stops at the
// first failing block and returns the bytes accepted before it.
func (t *Sockets) Send(ctx context.Context, sock Socket, p []byte) (int, error) {
	return t.send(ctx, sock, p, func(sl *slot, n int) (string, error) {
		if !sl.connected {
			return "", ErrNotConnected
		}
		return fmt.Sprintf("AT+USOWR=%d,%d", sl.handle, n), nil
	})
}

// SendTo writes p as datagrams to addr in blocks of MaxWrite.
func (t *Sockets) SendTo(ctx context.Context, sock Socket, addr netip.AddrPort, p []byte) (int, error) {
	return t.send(ctx, sock, p, func(sl *slot, n int) (string, error) {
		return fmt.Sprintf(`AT+USOST=%d,"%s",%d,%d`, sl.handle, addr.Addr(), addr.Port(), n), nil
	})
}

func (t *Sockets) send(ctx context.Context, sock Socket, p []byte, command func(*slot, int) (string, error)) (int, error) {
	sent := 0
	for sent < len(p) {
		block := p[sent:min(sent+MaxWrite, len(p))]
		err := t.m.Do(ctx, func(s *modem.Session) error {
			sl, err := t.slot(sock)
			if err != nil {
				return err
			}
			cmd, err := command(sl, len(block))
			if err != nil {
				return err
			}
			if err := s.Send("%s", cmd); err != nil {
				return err
			}
			if err := s.WaitPrompt(at.SocketPrompt); err != nil {
				return err
			}
			time.Sleep(t.promptSettle)
			if _, err := s.Write(block); err != nil {
				return err
			}
			return s.OK()
		})
		if err != nil {
			return sent, fmt.Errorf("send on socket %d: %w", sock, err)
		}
		sent += len(block)
	}
	return sent, nil
}

// Readable waits up to the poll interval for data to arrive and returns the
// number of bytes pending.
func (t *Sockets) Readable(ctx context.Context, sock Socket) (pending int, err error) {
	err = t.m.Do(ctx, func(s *modem.Session) error {
		sl, err := t.slot(sock)
		if err != nil {
			return err
		}
		if !sl.connected {
			return ErrNotConnected
		}
		err = s.Pump(func() bool { return sl.pending > 0 || !sl.connected }, modem.After(t.pollInterval))
		if err != nil && !errors.Is(err, modem.ErrTimeout) {
			return err
		}
		if !sl.connected {
			return ErrNotConnected
		}
		pending = sl.pending
		return nil
	})
	return pending, err
}

// Recv reads from a connected socket. It waits, within the socket timeout,
// until data is pending, then reads in blocks until p is full or nothing
// more is pending. It returns io.EOF once the peer has closed the socket and
// nothing was read, and modem.ErrTimeout when the timeout elapses first.
func (t *Sockets) Recv(ctx context.Context, sock Socket, p []byte) (n int, err error) {
	err = t.m.Do(ctx, func(s *modem.Session) error {
		sl, err := t.slot(sock)
		if err != nil {
			return err
		}
		start := time.Now()
		for n < len(p) {
			if !sl.connected {
				if n == 0 {
					if sl.closed {
						return io.EOF
					}
					return ErrNotConnected
				}
				return nil
			}
			block := min(len(p)-n, t.maxRead, sl.pending)
			if block == 0 {
				if n > 0 {
					return nil
				}
				if err := t.wait(s, sl, start); err != nil {
					return err
				}
				continue
			}

			if err := s.Send("AT+USORD=%d,%d", sl.handle, block); err != nil {
				return err
			}
			_, payload, err := s.RecvPayload("+USORD", 2)
			if err != nil {
				return err
			}
			if err := s.OK(); err != nil {
				return err
			}
			copy(p[n:], payload)
			n += len(payload)
			sl.pending = max(sl.pending-len(payload), 0)
		}
		return nil
	})
	return n, err
}

// RecvFrom reads one datagram, or the first part of it that fits in p, and
// returns the sender's address.
func (t *Sockets) RecvFrom(ctx context.Context, sock Socket, p []byte) (n int, from netip.AddrPort, err error) {
	err = t.m.Do(ctx, func(s *modem.Session) error {
		sl, err := t.slot(sock)
		if err != nil {
			return err
		}
		start := time.Now()
		for {
			if sl.closed {
				return io.EOF
			}
			block := min(len(p), t.maxRead, sl.pending)
			if block > 0 {
				break
			}
			if len(p) == 0 {
				return nil
			}
			if err := t.wait(s, sl, start); err != nil {
				return err
			}
		}

		block := min(len(p), t.maxRead, sl.pending)
		if err := s.Send("AT+USORF=%d,%d", sl.handle, block); err != nil {
			return err
		}
		params, payload, err := s.RecvPayload("+USORF", 4)
		if err != nil {
			return err
		}
		if err := s.OK(); err != nil {
			return err
		}
		addr, aerr := netip.ParseAddr(at.Unquote(params[1]))
		port, perr := strconv.ParseUint(params[2], 10, 16)
		if aerr != nil || perr != nil {
			return fmt.Errorf("%w: sender %q", modem.ErrMalformed, params[1:3])
		}
		from = netip.AddrPortFrom(addr, uint16(port))
		n = copy(p, payload)
		sl.pending = max(sl.pending-len(payload), 0)
		return nil
	})
	return n, from, err
}

// wait services URCs until data is pending, the peer closes the socket, the
// poll interval passes or the socket timeout runs out.
func (t *Sockets) wait(s *modem.Session, sl *slot, start time.Time) error {
	if sl.timeout.Expired(start) {
		return modem.ErrTimeout
	}
	step := modem.After(t.pollInterval)
	if !sl.timeout.IsBlocking() {
		step = step.Min(modem.After(sl.timeout.Duration() - time.Since(start)))
	}
	err := s.Pump(func() bool { return sl.pending > 0 || sl.closed }, step)
	if errors.Is(err, modem.ErrTimeout) {
		return nil
	}
	return err
}
