// Package sms lists, reads, deletes and sends text mode short messages
// stored on the SIM, and forwards new message notifications as modem
// events.
package sms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/warthog618/sms/encoding/gsm7"

	"i4.energy/across/ubxmodem/at"
	"i4.energy/across/ubxmodem/modem"
)

// Message status filters for List, and values of Message.Status.
const (
	Unread = "REC UNREAD"
	Read   = "REC READ"
	Unsent = "STO UNSENT"
	Sent   = "STO SENT"
	All    = "ALL"
)

// Type of address of the destination number.
const (
	TypeInternational = 145
	TypeNational      = 129
)

// DefaultSendTimeout bounds the wait for +CMGS after the message body has
// been submitted; the network may take minutes to accept it.
const DefaultSendTimeout = 3 * time.Minute

var ErrNotGSM7 = errors.New("text is not encodable in the GSM 7 bit alphabet")

// Message is a stored message as returned by AT+CMGR.
type Message struct {
	Index  int
	Status string
	Sender string
	// Time is the service centre timestamp as reported, e.g.
	// "07/04/05,18:02:28+08".
	Time string
	Text string
}

// cursor collects +CMGL indices while a listing runs.
type cursor struct {
	indices []int
	limit   int
	count   int
}

// Messages is the SMS store and submission service of one module.
type Messages struct {
	m           *modem.Modem
	logger      *slog.Logger
	interval    time.Duration
	sendTimeout time.Duration

	cursor *cursor
	// next is the earliest time the next submission may start.
	next time.Time
}

type Option func(*Messages)

// WithSendTimeout overrides DefaultSendTimeout.
func WithSendTimeout(d time.Duration) Option {
	return func(s *Messages) {
		s.sendTimeout = d
	}
}

// New creates the service and registers +CMGL, +CMTI and +CMT on m.
// Submissions are spaced by the modem's MinSendInterval.
func New(m *modem.Modem, opts ...Option) (*Messages, error) {
	s := &Messages{
		m:           m,
		logger:      m.Logger().With("component", "sms"),
		interval:    m.Config().MinSendInterval,
		sendTimeout: DefaultSendTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	handlers := []struct {
		prefix string
		h      modem.URCHandler
	}{
		{"+CMGL", s.onList},
		{"+CMTI", s.onStored},
		{"+CMT", s.onDelivered},
	}
	for _, r := range handlers {
		if err := m.HandleURC(r.prefix, r.h); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// onList handles +CMGL: <index>,<stat>,... and the text line after it.
func (s *Messages) onList(u *modem.URC) {
	fields, err := u.Fields()
	if err != nil {
		s.logger.Debug("discarding malformed URC", "prefix", u.Prefix, "error", err)
		return
	}
	if _, err := u.Line(); err != nil {
		s.logger.Debug("listing entry without text", "error", err)
	}
	index, err := strconv.Atoi(fields[0])
	if err != nil || s.cursor == nil {
		return
	}
	c := s.cursor
	c.count++
	if len(c.indices) < c.limit {
		c.indices = append(c.indices, index)
	}
}

// onStored handles +CMTI: <mem>,<index>.
func (s *Messages) onStored(u *modem.URC) {
	line, err := u.Line()
	if err != nil {
		s.logger.Debug("discarding malformed URC", "prefix", u.Prefix, "error", err)
		return
	}
	s.logger.Info("new SMS stored", "location", line)
	s.m.Emit(u.Prefix, line)
}

// onDelivered handles +CMT: <oa>,[<alpha>],<scts> followed by the text of a
// message that was routed to the terminal instead of being stored.
func (s *Messages) onDelivered(u *modem.URC) {
	header, err := u.Line()
	if err != nil {
		s.logger.Debug("discarding malformed URC", "prefix", u.Prefix, "error", err)
		return
	}
	text, err := u.Line()
	if err != nil {
		s.logger.Debug("SMS delivered without text", "error", err)
	}
	fields := at.Fields(header)
	s.logger.Info("SMS received", "from", at.Unquote(fields[0]), "length", len(text))
	s.m.Notify(modem.Event{Prefix: u.Prefix, Params: header, Body: text})
}

// List returns the indices of stored messages with status stat (one of
// the status constants, or All), at most limit of them, together with the
// total number the module listed.
func (s *Messages) List(ctx context.Context, stat string, limit int) (indices []int, total int, err error) {
	q, err := at.Quote(stat)
	if err != nil {
		return nil, 0, err
	}
	err = s.m.Do(ctx, func(sess *modem.Session) error {
		s.cursor = &cursor{limit: limit}
		defer func() { s.cursor = nil }()

		if err := sess.Command("AT+CMGL=%s", q); err != nil {
			return fmt.Errorf("list messages: %w", err)
		}
		indices, total = s.cursor.indices, s.cursor.count
		return nil
	})
	return indices, total, err
}

// Read returns the message stored at index.
func (s *Messages) Read(ctx context.Context, index int) (msg Message, err error) {
	err = s.m.Do(ctx, func(sess *modem.Session) error {
		if err := sess.Send("AT+CMGR=%d", index); err != nil {
			return err
		}
		header, err := sess.RecvInfo("+CMGR")
		if err != nil {
			return fmt.Errorf("read message %d: %w", index, err)
		}
		if len(header) < 2 {
			return fmt.Errorf("read message %d: %w: %q", index, modem.ErrMalformed, header)
		}
		msg = Message{
			Index:  index,
			Status: at.Unquote(header[0]),
			Sender: at.Unquote(header[1]),
		}
		if len(header) > 3 {
			msg.Time = at.Unquote(header[3])
		}

		var text []string
		for {
			line, err := sess.ReadLine()
			if err != nil {
				return fmt.Errorf("read message %d: %w", index, err)
			}
			if line == at.OK {
				break
			}
			if err := at.FinalError(line); err != nil {
				return fmt.Errorf("read message %d: %w", index, err)
			}
			text = append(text, line)
		}
		msg.Text = strings.Join(text, "\n")
		return nil
	})
	return msg, err
}

// Delete removes the message stored at index.
func (s *Messages) Delete(ctx context.Context, index int) error {
	return s.m.Do(ctx, func(sess *modem.Session) error {
		if err := sess.Command("AT+CMGD=%d", index); err != nil {
			return fmt.Errorf("delete message %d: %w", index, err)
		}
		return nil
	})
}

// Send submits text to number and returns the message reference the
// network assigned. Numbers starting with '+' are sent as international.
// Submissions closer together than the minimum send interval wait, without
// holding the AT channel, until their turn.
func (s *Messages) Send(ctx context.Context, number, text string) (ref int, err error) {
	if _, err := gsm7.Encode([]byte(text)); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNotGSM7, err)
	}
	if strings.Contains(text, at.CtrlZ) {
		return 0, fmt.Errorf("%w: contains Ctrl-Z", ErrNotGSM7)
	}
	q, err := at.Quote(number)
	if err != nil {
		return 0, err
	}
	toa := TypeNational
	if strings.HasPrefix(number, "+") {
		toa = TypeInternational
	}

	if err := s.wait(ctx); err != nil {
		return 0, err
	}

	err = s.m.Do(ctx, func(sess *modem.Session) error {
		if err := sess.Send("AT+CMGS=%s,%d", q, toa); err != nil {
			return err
		}
		if err := sess.WaitPrompt(">"); err != nil {
			return fmt.Errorf("send SMS: %w", err)
		}
		if _, err := sess.Write([]byte(text + at.CtrlZ)); err != nil {
			return err
		}

		sess.SetTimeout(modem.After(s.sendTimeout))
		fields, err := sess.RecvInfo("+CMGS")
		if err != nil {
			return fmt.Errorf("send SMS: %w", err)
		}
		if ref, err = strconv.Atoi(fields[0]); err != nil {
			return fmt.Errorf("send SMS: %w: reference %q", modem.ErrMalformed, fields[0])
		}
		return sess.OK()
	})
	if err == nil {
		s.logger.Info("SMS sent", "to", number, "length", len(text), "reference", ref)
	}
	return ref, err
}

// wait reserves the next submission slot and sleeps until it starts.
func (s *Messages) wait(ctx context.Context) error {
	var delay time.Duration
	err := s.m.Do(ctx, func(*modem.Session) error {
		now := time.Now()
		start := now
		if s.next.After(now) {
			start = s.next
		}
		s.next = start.Add(s.interval)
		delay = start.Sub(now)
		return nil
	})
	if err != nil || delay <= 0 {
		return err
	}
	s.logger.Debug("rate limiting SMS submission", "delay", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
