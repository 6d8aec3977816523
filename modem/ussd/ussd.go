// Package ussd sends USSD requests. Networks answer with +CUSD, or for
// supplementary service codes (call waiting, forwarding, caller id) with
// the matching service URC instead, so both are captured.
package ussd

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/warthog618/sms/encoding/gsm7"

	"i4.energy/across/ubxmodem/at"
	"i4.energy/across/ubxmodem/modem"
)

// dcsGSM7 is the data coding scheme of a packed GSM 7 bit request.
const dcsGSM7 = 15

// supplementary lists the service URCs that can answer a USSD request.
var supplementary = []string{"+CCWA", "+CCFC", "+CLIR", "+CLIP", "+COLP", "+COLR"}

// Response is the network's answer to a request.
type Response struct {
	// Source is "+CUSD" or the supplementary service URC that answered.
	Source string
	// Status is the +CUSD <m> value: 0 done, 1 further action required,
	// 2 terminated by network. It is -1 for service URCs.
	Status int
	// Text is the decoded +CUSD string or the service URC parameters.
	Text string
	DCS  int
}

// Client sends USSD requests on one module.
type Client struct {
	m      *modem.Modem
	logger *slog.Logger
	packed bool

	// Capture state of the running request, nil between requests.
	rsp *Response
	ss  *Response
}

type Option func(*Client)

// WithPacked sends requests as hex encoded packed GSM 7 bit and decodes
// responses the same way, for modules configured with AT+CSCS="HEX".
func WithPacked() Option {
	return func(c *Client) {
		c.packed = true
	}
}

// New creates the client and registers +CUSD and the supplementary service
// URCs on m.
func New(m *modem.Modem, opts ...Option) (*Client, error) {
	c := &Client{
		m:      m,
		logger: m.Logger().With("component", "ussd"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := m.HandleURC("+CUSD", c.onResponse); err != nil {
		return nil, err
	}
	for _, prefix := range supplementary {
		if err := m.HandleURC(prefix, c.onService); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// onResponse handles +CUSD: <m>[,"<str>",<dcs>]. The string may span
// lines, so it is read through its closing quote.
func (c *Client) onResponse(u *modem.URC) {
	rsp := Response{Source: u.Prefix, Status: -1}

	head, err := u.ReadUntil('"')
	if err != nil {
		// No string: "+CUSD: 2" and the like.
		line, err := u.Line()
		if err != nil {
			c.logger.Debug("discarding malformed URC", "prefix", u.Prefix, "error", err)
			return
		}
		head = line
	} else {
		text, err := u.ReadRawUntil('"')
		if err != nil {
			c.logger.Debug("discarding malformed URC", "prefix", u.Prefix, "error", err)
			return
		}
		rsp.Text = text
		if rest, err := u.Line(); err == nil {
			rsp.DCS, _ = strconv.Atoi(strings.TrimPrefix(rest, ","))
		}
	}
	if rsp.Status, err = strconv.Atoi(strings.TrimSuffix(head, ",")); err != nil {
		c.logger.Debug("discarding malformed URC", "prefix", u.Prefix, "status", head)
		return
	}

	if c.packed && rsp.Text != "" {
		text, err := unpack(rsp.Text)
		if err != nil {
			c.logger.Warn("could not decode USSD response", "error", err)
		} else {
			rsp.Text = text
		}
	}
	if c.rsp == nil {
		c.logger.Info("unsolicited USSD", "status", rsp.Status, "text", rsp.Text)
		c.m.Notify(modem.Event{Prefix: u.Prefix, Params: strconv.Itoa(rsp.Status), Body: rsp.Text})
		return
	}
	*c.rsp = rsp
}

// onService captures the first supplementary service URC of a request.
func (c *Client) onService(u *modem.URC) {
	line, err := u.Line()
	if err != nil {
		c.logger.Debug("discarding malformed URC", "prefix", u.Prefix, "error", err)
		return
	}
	c.logger.Debug("supplementary service status", "prefix", u.Prefix, "params", line)
	if c.ss != nil && c.ss.Source == "" {
		*c.ss = Response{Source: u.Prefix, Status: -1, Text: line}
	}
}

func pack(s string) (string, error) {
	septets, err := gsm7.Encode([]byte(s))
	if err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(gsm7.Pack7BitUSSD(septets, 0))), nil
}

func unpack(s string) (string, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return "", err
	}
	text, err := gsm7.Decode(gsm7.Unpack7BitUSSD(b, 0))
	if err != nil {
		return "", err
	}
	return string(text), nil
}

// Command sends code, e.g. "*100#", and waits up to the AT timeout for the
// network's answer.
func (c *Client) Command(ctx context.Context, code string) (rsp Response, err error) {
	arg, err := at.Quote(code)
	if err != nil {
		return Response{}, err
	}
	if c.packed {
		p, err := pack(code)
		if err != nil {
			return Response{}, fmt.Errorf("pack USSD request: %w", err)
		}
		arg = fmt.Sprintf(`"%s",%d`, p, dcsGSM7)
	}

	err = c.m.Do(ctx, func(s *modem.Session) error {
		var cusd, ss Response
		c.rsp, c.ss = &cusd, &ss
		defer func() { c.rsp, c.ss = nil, nil }()

		if err := s.Send("AT+CUSD=1,%s", arg); err != nil {
			return err
		}
		ok := false
		done := func() bool { return cusd.Source != "" || ss.Source != "" }
		err := s.Await(done, func(line string) error {
			if line == at.OK {
				ok = true
				return nil
			}
			return at.FinalError(line)
		}, s.Timeout())
		if err != nil {
			return fmt.Errorf("USSD %s: %w", code, err)
		}

		rsp = cusd
		if rsp.Source == "" {
			rsp = ss
		}
		if !ok {
			if err := s.OK(); err != nil {
				c.logger.Debug("no final result after USSD response", "error", err)
			}
		}
		return nil
	})
	return rsp, err
}
