package modem

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"i4.energy/across/ubxmodem/at"
)

var crlf = []byte(at.CRLF)

// Session is one holder's exclusive use of the AT channel, handed to the
// function passed to Modem.Do. All methods run on the caller's goroutine;
// URCs are dispatched inline whenever a method reads from the module.
type Session struct {
	m       *Modem
	ctx     context.Context
	timeout Timeout
}

// Context returns the context the exchange was started with.
func (s *Session) Context() context.Context {
	return s.ctx
}

// SetTimeout sets the deadline applied to every subsequent receive in this
// session.
func (s *Session) SetTimeout(t Timeout) {
	s.timeout = t
}

func (s *Session) Timeout() Timeout {
	return s.timeout
}

// Send formats a command line and writes it CR terminated.
func (s *Session) Send(format string, args ...any) error {
	cmd := strings.TrimSpace(fmt.Sprintf(format, args...))
	if _, err := s.m.transport.Write([]byte(cmd + at.CR)); err != nil {
		return fmt.Errorf("write command %q: %w", cmd, err)
	}
	return nil
}

// Recv reads lines until one starts with prefix and returns it. Lines that
// match neither the prefix nor a final error result are skipped. A final
// error result ends the wait with the matching at error.
func (s *Session) Recv(prefix string) (string, error) {
	deadline := s.timeout.deadline(time.Now())
	for {
		kind, line, err := s.next(deadline, "", "")
		if err != nil {
			return "", err
		}
		if kind != itemLine {
			continue
		}
		if strings.HasPrefix(line, prefix) {
			return line, nil
		}
		if err := at.FinalError(line); err != nil {
			return "", err
		}
	}
}

// RecvInfo waits for the information response of cmd ("+USOCR" matches
// "+USOCR: 3") and returns its parameters.
func (s *Session) RecvInfo(cmd string) ([]string, error) {
	line, err := s.Recv(cmd + ":")
	if err != nil {
		return nil, err
	}
	payload, _ := at.Payload(line, cmd)
	return at.Fields(payload), nil
}

// OK waits for the OK final result.
func (s *Session) OK() error {
	_, err := s.Recv(at.OK)
	return err
}

// Command sends a command and waits for OK.
func (s *Session) Command(format string, args ...any) error {
	if err := s.Send(format, args...); err != nil {
		return err
	}
	return s.OK()
}

// Query sends a command, returns the parameters of the information response
// named cmd and waits for the trailing OK.
func (s *Session) Query(cmd, format string, args ...any) ([]string, error) {
	if err := s.Send(format, args...); err != nil {
		return nil, err
	}
	fields, err := s.RecvInfo(cmd)
	if err != nil {
		return nil, err
	}
	return fields, s.OK()
}

// Exchange sends a raw command line and returns every response line up to
// and including the final result. A final error result is also returned as
// the matching at error.
func (s *Session) Exchange(cmd string) ([]string, error) {
	if err := s.Send("%s", cmd); err != nil {
		return nil, err
	}
	var lines []string
	for {
		line, err := s.ReadLine()
		if err != nil {
			return lines, err
		}
		lines = append(lines, line)
		if at.Classify(line) == at.TypeFinal {
			return lines, at.FinalError(line)
		}
	}
}

// ReadLine returns the next line that is not a URC, whatever its content.
func (s *Session) ReadLine() (string, error) {
	deadline := s.timeout.deadline(time.Now())
	for {
		kind, line, err := s.next(deadline, "", "")
		if err != nil {
			return "", err
		}
		if kind == itemLine {
			return line, nil
		}
	}
}

// WaitPrompt waits for an input prompt such as ">" or "@" at the start of a
// line. A space following the prompt is consumed with it.
func (s *Session) WaitPrompt(prompt string) error {
	deadline := s.timeout.deadline(time.Now())
	for {
		kind, line, err := s.next(deadline, "", prompt)
		if err != nil {
			return err
		}
		switch kind {
		case itemPrompt:
			if len(s.m.rx) > 0 && s.m.rx[0] == ' ' {
				s.consume(1)
			}
			return nil
		case itemLine:
			if err := at.FinalError(line); err != nil {
				return err
			}
		}
	}
}

// Write passes raw bytes to the module, used for payloads that follow a
// prompt.
func (s *Session) Write(p []byte) (int, error) {
	n, err := s.m.transport.Write(p)
	if err != nil {
		return n, fmt.Errorf("write payload: %w", err)
	}
	return n, nil
}

// Read returns raw bytes without line processing. It returns as soon as any
// bytes are available.
func (s *Session) Read(p []byte) (int, error) {
	deadline := s.timeout.deadline(time.Now())
	for len(s.m.rx) == 0 {
		if err := s.fill(deadline); err != nil {
			return 0, err
		}
	}
	n := copy(p, s.m.rx)
	s.consume(n)
	return n, nil
}

// ReadFull reads exactly len(p) raw bytes.
func (s *Session) ReadFull(p []byte) error {
	return s.readFull(s.timeout.deadline(time.Now()), p)
}

// RecvPayload waits for a response that carries a quoted binary payload,
// such as `+USORD: 0,5,"hello"`. fields is the number of parameters ahead of
// the payload; the last of them must be the payload length. The header
// parameters are returned along with the payload, which may itself contain
// quotes or line breaks.
func (s *Session) RecvPayload(prefix string, fields int) ([]string, []byte, error) {
	deadline := s.timeout.deadline(time.Now())
	for {
		kind, line, err := s.next(deadline, prefix, "")
		if err != nil {
			return nil, nil, err
		}
		if kind == itemHead {
			break
		}
		if kind == itemLine {
			if err := at.FinalError(line); err != nil {
				return nil, nil, err
			}
		}
	}
	s.consume(len(prefix))

	header, err := s.readHeader(deadline, fields)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", prefix, err)
	}
	params := at.Fields(trimSeparator(header))
	if len(params) != fields {
		return nil, nil, fmt.Errorf("%s: %w: header %q", prefix, ErrMalformed, header)
	}
	n, err := strconv.Atoi(params[fields-1])
	if err != nil || n < 0 {
		return nil, nil, fmt.Errorf("%s: %w: length %q", prefix, ErrMalformed, params[fields-1])
	}

	payload := make([]byte, n+1)
	if err := s.readFull(deadline, payload); err != nil {
		return nil, nil, err
	}
	if payload[n] != '"' {
		return nil, nil, fmt.Errorf("%s: %w: payload not terminated", prefix, ErrMalformed)
	}
	return params, payload[:n], nil
}

// Pump keeps reading and dispatching URCs until done reports true or t
// elapses, in which case it returns ErrTimeout. Lines that are not URCs are
// discarded. done is checked before the first read, so a condition that
// already holds costs no I/O.
func (s *Session) Pump(done func() bool, t Timeout) error {
	deadline := t.deadline(time.Now())
	for !done() {
		if _, _, err := s.next(deadline, "", ""); err != nil {
			return err
		}
	}
	return nil
}

// Await is Pump for waits whose command result may arrive before or after
// the awaited URC. Every line that is not a URC is passed to onLine, and an
// error from onLine ends the wait.
func (s *Session) Await(done func() bool, onLine func(line string) error, t Timeout) error {
	deadline := t.deadline(time.Now())
	for !done() {
		kind, line, err := s.next(deadline, "", "")
		if err != nil {
			return err
		}
		if kind != itemLine {
			continue
		}
		if err := onLine(line); err != nil {
			return err
		}
	}
	return nil
}

// Sleep waits for d while still dispatching URCs.
func (s *Session) Sleep(d time.Duration) error {
	err := s.Pump(func() bool { return false }, After(d))
	if errors.Is(err, ErrTimeout) {
		return nil
	}
	return err
}

type itemKind int

const (
	itemLine itemKind = iota
	itemPrompt
	itemHead
	itemURC
)

// next classifies and consumes what is at the head of the receive buffer:
// a prompt (when prompt is set), the start of a head-prefixed response
// (when head is set, left unconsumed), a URC (dispatched), or a line.
// URC prefixes are always checked before the line is treated as a response.
// Blank lines are dropped.
func (s *Session) next(deadline time.Time, head, prompt string) (itemKind, string, error) {
	m := s.m
	for {
		for bytes.HasPrefix(m.rx, crlf) {
			m.rx = m.rx[len(crlf):]
		}
		if buf := m.rx; len(buf) > 0 {
			if prompt != "" && bytes.HasPrefix(buf, []byte(prompt)) {
				s.consume(len(prompt))
				return itemPrompt, prompt, nil
			}
			if head != "" && bytes.HasPrefix(buf, []byte(head)) {
				return itemHead, head, nil
			}
			prefix, h, wait := m.urcs.match(buf)
			if h != nil {
				s.consume(len(prefix))
				s.dispatch(prefix, h)
				return itemURC, prefix, nil
			}
			if !wait && !couldBecome(buf, head) && !couldBecome(buf, prompt) {
				if i := bytes.Index(buf, crlf); i >= 0 {
					line := string(buf[:i])
					s.consume(i + len(crlf))
					return itemLine, line, nil
				}
				if len(buf) > m.config.MaxLineLength {
					m.rx = nil
					return itemLine, "", ErrLineTooLong
				}
			}
		}
		if err := s.fill(deadline); err != nil {
			return itemLine, "", err
		}
	}
}

func (s *Session) dispatch(prefix string, h URCHandler) {
	u := &URC{
		Prefix:   prefix,
		s:        s,
		deadline: time.Now().Add(s.m.config.ATTimeout),
	}
	h(u)
	if !u.eol {
		if _, err := s.readLine(u.deadline); err != nil {
			s.m.logger.Debug("discarding unterminated URC", "prefix", prefix, "error", err)
		}
	}
}

// readLine consumes through the next CRLF without any URC matching.
func (s *Session) readLine(deadline time.Time) (string, error) {
	for {
		if i := bytes.Index(s.m.rx, crlf); i >= 0 {
			line := string(s.m.rx[:i])
			s.consume(i + len(crlf))
			return line, nil
		}
		if len(s.m.rx) > s.m.config.MaxLineLength {
			s.m.rx = nil
			return "", ErrLineTooLong
		}
		if err := s.fill(deadline); err != nil {
			return "", err
		}
	}
}

// readHeader consumes the parameters ahead of a quoted payload, through the
// opening quote, and returns them without the trailing comma.
func (s *Session) readHeader(deadline time.Time, fields int) (string, error) {
	for {
		buf := s.m.rx
		commas, inQuote := 0, false
	scan:
		for i := 0; i < len(buf); i++ {
			c := buf[i]
			switch {
			case c == '"':
				inQuote = !inQuote
			case (c == '\r' || c == '\n') && !inQuote:
				return "", fmt.Errorf("%w: line ended before payload", ErrMalformed)
			case c == ',' && !inQuote:
				commas++
				if commas < fields {
					continue
				}
				if i+1 >= len(buf) {
					break scan
				}
				if buf[i+1] != '"' {
					return "", fmt.Errorf("%w: payload not quoted", ErrMalformed)
				}
				header := string(buf[:i])
				s.consume(i + 2)
				return header, nil
			}
		}
		if len(buf) > s.m.config.MaxLineLength {
			s.m.rx = nil
			return "", ErrLineTooLong
		}
		if err := s.fill(deadline); err != nil {
			return "", err
		}
	}
}

func (s *Session) readFull(deadline time.Time, p []byte) error {
	for len(s.m.rx) < len(p) {
		if err := s.fill(deadline); err != nil {
			return err
		}
	}
	copy(p, s.m.rx)
	s.consume(len(p))
	return nil
}

func (s *Session) consume(n int) {
	s.m.rx = s.m.rx[n:]
	if len(s.m.rx) == 0 {
		s.m.rx = nil
	}
}

// fill performs one transport read into the receive buffer. With a
// ReadTimeouter the read is bounded by the read quantum and the deadline;
// a read that returns nothing is not an error, the caller loops and the
// deadline check here ends the wait.
func (s *Session) fill(deadline time.Time) error {
	m := s.m
	if err := s.ctx.Err(); err != nil {
		return err
	}
	if m.closed.Load() {
		return ErrAlreadyClosed
	}

	var remaining time.Duration
	if !deadline.IsZero() {
		remaining = time.Until(deadline)
		if remaining <= 0 {
			return ErrTimeout
		}
	}
	if m.rt != nil {
		q := m.config.ReadQuantum
		if !deadline.IsZero() && remaining < q {
			q = remaining
		}
		if err := m.rt.SetReadTimeout(q); err != nil {
			return fmt.Errorf("set read timeout: %w", err)
		}
	}

	n, err := m.transport.Read(m.chunk)
	if n > 0 {
		m.rx = append(m.rx, m.chunk[:n]...)
	}
	if err != nil {
		if errors.Is(err, io.EOF) && n > 0 {
			return nil
		}
		return fmt.Errorf("read error: %w", err)
	}
	return nil
}
