package modem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.uber.org/atomic"

	"i4.energy/across/ubxmodem/at"
)

// Modem drives a u-blox cellular module over a single AT channel. Exchanges
// are serialized by one session lock held for the whole of a multi-step
// operation; unsolicited result codes are dispatched inline by whichever
// exchange is reading when they arrive, or by Loop while the line is idle.
type Modem struct {
	// transport provides the physical connection to the modem (serial, TCP, etc.)
	transport Transport
	// rt bounds reads when the transport supports it
	rt     ReadTimeouter
	config Config
	logger *slog.Logger

	// lock is the session lock; a buffered channel so waiting for it can be
	// abandoned when the caller's context ends.
	lock chan struct{}

	// Receive state, owned by the lock holder
	rx    []byte
	chunk []byte
	urcs  urcTable

	events      chan Event
	closed      *atomic.Bool
	loopRunning *atomic.Bool
}

// Event is a notification forwarded to the application, such as a new SMS
// stored on the SIM or a socket closed by the peer.
type Event struct {
	Prefix string
	Params string
	// Body holds the text line that follows notifications such as +CMT.
	Body string
	Time time.Time
}

// PollConfig defines configuration for polling operations like waiting for SIM readiness.
type PollConfig struct {
	// Interval is the time between polling attempts
	Interval time.Duration
	// Timeout is the maximum time to wait for the condition
	Timeout time.Duration
	// MaxRetries is the maximum number of polling attempts
	MaxRetries int
}

// New creates a new Modem instance with the given configuration.
// It establishes the transport connection and runs the bring-up sequence:
// handshake, echo, verbose errors, SIM check (entering the PIN if needed)
// and SMS text mode.
//
// Returns an error if the transport connection or modem initialization
// fails.
func New(ctx context.Context, config Config) (*Modem, error) {
	if config.Dialer == nil {
		return nil, ErrNoDialer
	}
	config.setDefaults()

	transport, err := config.Dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, ErrNotInitialized
	}

	m := &Modem{
		transport:   transport,
		config:      config,
		logger:      config.Logger.With("component", "modem"),
		lock:        make(chan struct{}, 1),
		chunk:       make([]byte, 512),
		events:      make(chan Event, config.EventBuffer),
		closed:      atomic.NewBool(false),
		loopRunning: atomic.NewBool(false),
	}
	m.rt, _ = transport.(ReadTimeouter)
	if config.Trace {
		m.transport = newTracedTransport(transport, config.Logger)
	}

	// Initialize the modem with proper timeout
	initCtx := ctx
	if config.InitTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, config.InitTimeout)
		defer cancel()
	}

	if err := m.init(initCtx); err != nil {
		transport.Close()
		return nil, fmt.Errorf("initialize modem: %w", err)
	}

	return m, nil
}

// Do runs fn with exclusive use of the AT channel. The lock is held for the
// whole of fn, so a multi-step exchange (command, prompt, payload, result
// polling) is never interleaved with another caller's commands. fn must not
// call Do itself.
func (m *Modem) Do(ctx context.Context, fn func(*Session) error) error {
	if m.closed.Load() {
		return ErrAlreadyClosed
	}
	select {
	case m.lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-m.lock }()

	s := &Session{m: m, ctx: ctx, timeout: After(m.config.ATTimeout)}
	return fn(s)
}

// HandleURC registers the handler for lines starting with prefix. Feature
// packages register their URCs when they are constructed; the longest
// matching prefix wins.
func (m *Modem) HandleURC(prefix string, h URCHandler) error {
	return m.Do(context.Background(), func(*Session) error {
		return m.urcs.add(prefix, h)
	})
}

// Config returns the configuration the modem was built with, defaults
// applied.
func (m *Modem) Config() Config {
	return m.config
}

// Logger returns the modem's logger so feature packages can derive their own.
func (m *Modem) Logger() *slog.Logger {
	return m.config.Logger
}

// Events returns a read-only channel of notifications forwarded by URC
// handlers. The channel is buffered, but events are dropped if it is not
// consumed fast enough.
func (m *Modem) Events() <-chan Event {
	return m.events
}

// Emit forwards a notification to the Events channel without blocking.
func (m *Modem) Emit(prefix, params string) {
	m.Notify(Event{Prefix: prefix, Params: params})
}

// Notify is Emit for events that carry a body. A zero Time is set to now.
func (m *Modem) Notify(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	select {
	case m.events <- e:
	default:
		m.logger.Warn("event channel full, dropping event", "prefix", e.Prefix)
	}
}

// Loop services URCs while no exchange is running, so slot state (pending
// socket bytes, HTTP completions) stays current between calls. It takes the
// session lock for one read quantum at a time and releases it for
// IdleInterval in between.
//
// Loop runs until ctx is cancelled or the transport fails. It requires a
// transport implementing ReadTimeouter.
//
// Usage:
//
//	m, err := modem.New(ctx, config)
//	if err != nil { return err }
//	go m.Loop(ctx)
func (m *Modem) Loop(ctx context.Context) error {
	if m.rt == nil {
		return ErrNoReadTimeout
	}
	if !m.loopRunning.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer m.loopRunning.Store(false)

	idle := time.NewTicker(m.config.IdleInterval)
	defer idle.Stop()

	for {
		err := m.Do(ctx, func(s *Session) error {
			return s.drain(m.config.ReadQuantum)
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C:
		}
	}
}

// drain dispatches URCs until nothing arrives for quantum. Other lines are
// orphaned responses and are dropped.
func (s *Session) drain(quantum time.Duration) error {
	for {
		kind, line, err := s.next(time.Now().Add(quantum), "", "")
		if errors.Is(err, ErrTimeout) {
			return nil
		}
		if err != nil {
			return err
		}
		if kind == itemLine {
			s.m.logger.Debug("dropping orphaned line", "line", line)
		}
	}
}

// Close shuts down the modem and releases all resources.
// It closes the transport connection, which ends Loop, and marks
// the modem as closed. After calling Close(), the modem cannot be reused.
func (m *Modem) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return ErrAlreadyClosed
	}

	if m.transport != nil {
		return m.transport.Close()
	}

	return nil
}

// init performs the initial setup sequence for the modem hardware.
// This method is called during New() and must complete successfully
// before the modem can be used.
func (m *Modem) init(ctx context.Context) error {
	return m.Do(ctx, func(s *Session) error {
		// 1. Wake-up / sanity check
		if err := m.handshake(s); err != nil {
			return fmt.Errorf("modem not responding: %w", err)
		}

		echo := at.CmdEchoOff
		if m.config.EchoOn {
			echo = at.CmdEchoOn
		}
		if err := s.Command("%s", echo); err != nil {
			return fmt.Errorf("could not set echo: %w", err)
		}

		if err := s.Command(at.CmdVerboseErrors); err != nil {
			return fmt.Errorf("could not enable verbose errors: %w", err)
		}

		// 4. Check SIM status
		simStatus, err := m.simStatus(s)
		if err != nil {
			return fmt.Errorf("query SIM status: %w", err)
		}

		switch {
		case strings.Contains(simStatus, at.SimReady):
			// OK

		case strings.Contains(simStatus, at.SimPin):
			if m.config.SimPIN == "" {
				return ErrSIMPinRequired
			}
			if err := s.Command(`AT+CPIN="%s"`, m.config.SimPIN); err != nil {
				return fmt.Errorf("enter SIM PIN: %w", err)
			}

			// Wait until SIM becomes ready
			if err := m.waitForSIMReady(s, PollConfig{}); err != nil {
				return err
			}

		default:
			return fmt.Errorf("unsupported SIM state: %q", simStatus)
		}

		// 5. Select SMS text mode
		if err := s.Command(at.CmdSetTextMode); err != nil {
			return fmt.Errorf("set SMS text mode: %w", err)
		}

		return nil
	})
}

// handshake sends AT until the module answers, up to MaxRetries attempts.
// A module that has just powered up can drop the first characters.
func (m *Modem) handshake(s *Session) error {
	saved := s.Timeout()
	defer s.SetTimeout(saved)
	s.SetTimeout(After(time.Second).Min(saved))

	var err error
	for attempt := 0; attempt < m.config.MaxRetries; attempt++ {
		if err = s.Command(at.CmdAt); err == nil {
			return nil
		}
		if !errors.Is(err, ErrTimeout) {
			return err
		}
		m.logger.Debug("no answer to AT, retrying", "attempt", attempt+1)
	}
	return err
}

func (m *Modem) simStatus(s *Session) (string, error) {
	if err := s.Send(at.CmdSimStatus); err != nil {
		return "", err
	}
	line, err := s.Recv("+CPIN:")
	if err != nil {
		return "", err
	}
	if err := s.OK(); err != nil {
		return "", err
	}
	return line, nil
}

// waitForSIMReady polls the SIM card status until it reports ready state.
// This is necessary after entering a SIM PIN, as the SIM card needs time
// to authenticate and become operational. URCs keep being serviced between
// polls.
func (m *Modem) waitForSIMReady(s *Session, config PollConfig) error {
	var (
		pollInterval = config.Interval
		timeout      = config.Timeout
		maxRetries   = config.MaxRetries
	)

	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxRetries <= 0 {
		maxRetries = int(timeout / pollInterval)
	}

	for retries := 1; ; retries++ {
		if err := s.Sleep(pollInterval); err != nil {
			return fmt.Errorf("SIM not ready: %w", err)
		}
		if retries > maxRetries {
			return fmt.Errorf("SIM not ready after %d retries", maxRetries)
		}
		status, err := m.simStatus(s)
		if err != nil {
			// Fail fast on critical errors
			if errors.Is(err, ErrAlreadyClosed) || errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("SIM status check failed: %w", err)
			}
			continue
		}
		if strings.Contains(status, at.SimReady) {
			return nil
		}
	}
}
