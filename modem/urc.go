package modem

import (
	"bytes"
	"fmt"
	"slices"
	"strings"
	"time"

	"i4.energy/across/ubxmodem/at"
)

// URCHandler consumes one unsolicited result code. It runs synchronously on
// the receive path of whatever exchange was reading when the URC arrived,
// with the session lock already held, so it must not call Modem.Do.
type URCHandler func(u *URC)

// URC gives a handler access to the bytes that follow the matched prefix.
// A handler reads exactly its own notification; whatever it leaves of the
// current line is discarded once it returns.
type URC struct {
	// Prefix is the registered prefix that matched, e.g. "+UUSORD".
	Prefix string

	s        *Session
	deadline time.Time
	eol      bool
}

// Session returns the session the handler is running in. Commands sent from
// a handler interleave with the interrupted exchange, so only use it for
// follow-up reads the notification itself announces.
func (u *URC) Session() *Session {
	return u.s
}

// Line consumes the rest of the line and returns it with the ':' separator
// and surrounding spaces removed.
func (u *URC) Line() (string, error) {
	line, err := u.s.readLine(u.deadline)
	if err != nil {
		return "", err
	}
	u.eol = true
	return trimSeparator(line), nil
}

// Fields returns the rest of the line split into parameters.
func (u *URC) Fields() ([]string, error) {
	line, err := u.Line()
	if err != nil {
		return nil, err
	}
	return at.Fields(line), nil
}

// Ints returns the rest of the line parsed as n integer parameters. Extra
// parameters are ignored.
func (u *URC) Ints(n int) ([]int, error) {
	fields, err := u.Fields()
	if err != nil {
		return nil, err
	}
	if len(fields) < n {
		return nil, fmt.Errorf("%s: %w: want %d fields, got %q", u.Prefix, ErrMalformed, n, fields)
	}
	return at.Ints(fields[:n])
}

// ReadUntil consumes up to and including delim and returns what preceded it
// with the ':' separator removed. The line terminator is not crossed.
func (u *URC) ReadUntil(delim byte) (string, error) {
	s := u.s
	for {
		buf := s.m.rx
		if i := bytes.IndexByte(buf, delim); i >= 0 {
			if j := bytes.Index(buf[:i], []byte(at.CRLF)); j >= 0 {
				return "", fmt.Errorf("%s: %w: %q before %q", u.Prefix, ErrMalformed, at.CRLF, delim)
			}
			out := string(buf[:i])
			s.consume(i + 1)
			return trimSeparator(out), nil
		}
		if bytes.Contains(buf, []byte(at.CRLF)) {
			return "", fmt.Errorf("%s: %w: no %q on line", u.Prefix, ErrMalformed, delim)
		}
		if err := s.fill(u.deadline); err != nil {
			return "", err
		}
	}
}

// ReadRawUntil consumes up to and including delim, crossing line breaks,
// and returns what preceded it unmodified.
func (u *URC) ReadRawUntil(delim byte) (string, error) {
	s := u.s
	for {
		if i := bytes.IndexByte(s.m.rx, delim); i >= 0 {
			out := string(s.m.rx[:i])
			s.consume(i + 1)
			return out, nil
		}
		if len(s.m.rx) > s.m.config.MaxLineLength {
			s.m.rx = nil
			return "", ErrLineTooLong
		}
		if err := s.fill(u.deadline); err != nil {
			return "", err
		}
	}
}

// ReadFull consumes exactly len(p) raw bytes.
func (u *URC) ReadFull(p []byte) error {
	return u.s.readFull(u.deadline, p)
}

func trimSeparator(s string) string {
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimLeft(s, " "), ":"))
}

// urcTable maps prefixes to handlers, kept sorted longest first so the most
// specific registration wins (+UULOCIND before +UULOC, +CMTI before +CMT).
type urcTable struct {
	prefixes []string
	handlers map[string]URCHandler
}

func (t *urcTable) add(prefix string, h URCHandler) error {
	if prefix == "" || h == nil {
		return fmt.Errorf("register URC %q: empty prefix or nil handler", prefix)
	}
	if t.handlers == nil {
		t.handlers = make(map[string]URCHandler)
	}
	if _, ok := t.handlers[prefix]; ok {
		return fmt.Errorf("register URC %q: %w", prefix, ErrURCExists)
	}
	t.handlers[prefix] = h
	t.prefixes = append(t.prefixes, prefix)
	slices.SortStableFunc(t.prefixes, func(a, b string) int {
		return len(b) - len(a)
	})
	return nil
}

// match looks for a registered prefix at the head of buf. wait is true when
// buf is too short to rule out a prefix it might still grow into.
func (t *urcTable) match(buf []byte) (prefix string, h URCHandler, wait bool) {
	for _, p := range t.prefixes {
		if bytes.HasPrefix(buf, []byte(p)) {
			return p, t.handlers[p], false
		}
		if couldBecome(buf, p) {
			return "", nil, true
		}
	}
	return "", nil, false
}

// couldBecome reports whether buf is a strict prefix of s.
func couldBecome(buf []byte, s string) bool {
	return len(buf) < len(s) && strings.HasPrefix(s, string(buf))
}
