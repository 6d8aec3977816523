package modem

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"
)

// TestTransport is a test helper that simulates a u-blox module on the far
// end of a serial line. Reads block until data is queued (like a real
// serial port would), honouring SetReadTimeout. Writes are recorded and can
// trigger scripted replies registered with Respond.
//
// Exported so feature packages can drive the engine in their own tests.
type TestTransport struct {
	mu      sync.Mutex
	queue   []byte
	notify  chan struct{}
	closed  bool
	timeout time.Duration
	writes  []string
	rules   []rule
}

type rule struct {
	prefix  string
	replies []string
	used    bool
	// fn makes the rule persistent; its result is queued for every match.
	fn func(w string) string
}

// NewTestTransport creates a new test transport for testing.
// Exported for use in tests.
func NewTestTransport() *TestTransport {
	return &TestTransport{
		notify: make(chan struct{}, 1),
	}
}

// Respond scripts the module: the first write starting with prefix that has
// not yet been answered queues replies, in order, for the engine to read.
// Rules are single use so the same command can be scripted repeatedly with
// different replies.
func (t *TestTransport) Respond(prefix string, replies ...string) *TestTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules = append(t.rules, rule{prefix: prefix, replies: replies})
	return t
}

// RespondFunc scripts a stateful module: every write starting with prefix
// is passed to fn and whatever it returns is queued. Rules are tried in
// registration order, so register catch-all handlers last.
func (t *TestTransport) RespondFunc(prefix string, fn func(w string) string) *TestTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules = append(t.rules, rule{prefix: prefix, fn: fn})
	return t
}

// Writes returns everything written so far, one entry per Write call.
func (t *TestTransport) Writes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.writes...)
}

// Commands returns the CR terminated writes with the terminator removed.
func (t *TestTransport) Commands() []string {
	var cmds []string
	for _, w := range t.Writes() {
		if cmd, ok := strings.CutSuffix(w, "\r"); ok {
			cmds = append(cmds, cmd)
		}
	}
	return cmds
}

func (t *TestTransport) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, io.ErrClosedPipe
	}
	w := string(p)
	t.writes = append(t.writes, w)
	for i := range t.rules {
		r := &t.rules[i]
		if r.used || !strings.HasPrefix(w, r.prefix) {
			continue
		}
		if r.fn != nil {
			t.queue = append(t.queue, r.fn(w)...)
		} else {
			r.used = true
			for _, reply := range r.replies {
				t.queue = append(t.queue, reply...)
			}
		}
		t.signal()
		break
	}
	return len(p), nil
}

func (t *TestTransport) Read(p []byte) (n int, err error) {
	var expire <-chan time.Time
	for {
		t.mu.Lock()
		if len(t.queue) > 0 {
			n = copy(p, t.queue)
			t.queue = t.queue[n:]
			t.mu.Unlock()
			return n, nil
		}
		if t.closed {
			t.mu.Unlock()
			return 0, io.EOF
		}
		if expire == nil && t.timeout > 0 {
			expire = time.After(t.timeout)
		}
		t.mu.Unlock()

		select {
		case <-t.notify:
		case <-expire:
			return 0, nil
		}
	}
}

// SetReadTimeout bounds each Read. Zero blocks until data arrives.
func (t *TestTransport) SetReadTimeout(d time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = d
	return nil
}

func (t *TestTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.signal()
	return nil
}

// SendData queues data to be read by the transport.
// This simulates receiving data from the modem.
func (t *TestTransport) SendData(data string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.queue = append(t.queue, data...)
		t.signal()
	}
}

func (t *TestTransport) signal() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// TestDialer hands out a fixed Transport.
type TestDialer struct {
	Transport Transport
}

func (d TestDialer) Dial(context.Context) (Transport, error) {
	return d.Transport, nil
}

// ScriptInit queues the replies to the bring-up sequence New runs.
func (t *TestTransport) ScriptInit() *TestTransport {
	return t.
		Respond("AT\r", "OK\r\n").
		Respond("ATE0\r", "OK\r\n").
		Respond("AT+CMEE=2\r", "OK\r\n").
		Respond("AT+CPIN?\r", "+CPIN: READY\r\nOK\r\n").
		Respond("AT+CMGF=1\r", "OK\r\n")
}

// NewTestModem brings up a Modem on tr with the init sequence scripted and
// timeouts short enough for tests.
func NewTestModem(ctx context.Context, tr *TestTransport) (*Modem, error) {
	config, err := NewConfigBuilder().
		WithDialer(TestDialer{Transport: tr.ScriptInit()}).
		WithATTimeout(time.Second).
		WithReadQuantum(10 * time.Millisecond).
		WithIdleInterval(10 * time.Millisecond).
		WithMinSendInterval(time.Millisecond).
		Build()
	if err != nil {
		return nil, err
	}
	return New(ctx, config)
}
