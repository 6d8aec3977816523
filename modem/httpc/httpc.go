// Package httpc runs HTTP requests through the module's built-in HTTP
// client. Each request is issued on one of a fixed number of profiles; the
// module stores the response in its file system and reports completion with
// +UUHTTPCR, after which the body is read back.
package httpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"

	"i4.energy/across/ubxmodem/at"
	"i4.energy/across/ubxmodem/modem"
	"i4.energy/across/ubxmodem/modem/mfs"
)

// NumProfiles is the number of HTTP profiles the module provides.
const NumProfiles = 4

// resultSuccess is the +UUHTTPCR result reported for a completed request.
const resultSuccess = 1

const noResult = -1

var (
	ErrNoProfile   = errors.New("no free HTTP profile")
	ErrBadProfile  = errors.New("invalid HTTP profile")
	ErrProfileBusy = errors.New("HTTP profile has a command in progress")
)

// Profile identifies an allocated HTTP profile.
type Profile int

// Param selects a profile setting for AT+UHTTP.
type Param int

const (
	IPAddress Param = iota
	ServerName
	UserName
	Password
	AuthType
	ServerPort
	Secure
)

// Method is the AT+UHTTPC command code.
type Method int

const (
	Head Method = iota
	Get
	Delete
	Put
	PostFile
	PostData
)

func (m Method) String() string {
	switch m {
	case Head:
		return "HEAD"
	case Get:
		return "GET"
	case Delete:
		return "DELETE"
	case Put:
		return "PUT"
	case PostFile:
		return "POST file"
	case PostData:
		return "POST data"
	}
	return "Method(" + strconv.Itoa(int(m)) + ")"
}

// ContentType is the body type of a POST.
type ContentType int

const (
	URLEncoded ContentType = iota
	Text
	OctetStream
	FormData
	JSON
	XML
	UserDefined
)

// Request describes one AT+UHTTPC command.
type Request struct {
	Method Method
	Path   string
	// ResponseFile names the module file the response is stored in. It
	// defaults to "http_last_response_<profile>".
	ResponseFile string
	// Send is the file to upload for Put and PostFile, or the body itself
	// for PostData.
	Send        string
	ContentType ContentType
	// CustomType is the content type sent when ContentType is UserDefined.
	CustomType string
}

type profile struct {
	inUse   bool
	timeout modem.Timeout
	pending bool
	cmd     int
	result  int
	err     modem.ProtocolError
}

// Resolver looks up the address for the IPAddress parameter.
type Resolver interface {
	Resolve(ctx context.Context, host string) (netip.Addr, error)
}

// Client owns the HTTP profiles of one module.
type Client struct {
	m        *modem.Modem
	fs       *mfs.FS
	logger   *slog.Logger
	resolver Resolver
	profiles [NumProfiles]profile
}

type Option func(*Client)

func WithResolver(r Resolver) Option {
	return func(c *Client) {
		c.resolver = r
	}
}

// WithFS sets the file system responses are read back from.
func WithFS(fs *mfs.FS) Option {
	return func(c *Client) {
		c.fs = fs
	}
}

// New creates the client and registers its +UUHTTPCR handler on m.
func New(m *modem.Modem, opts ...Option) (*Client, error) {
	c := &Client{
		m:      m,
		logger: m.Logger().With("component", "httpc"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.fs == nil {
		c.fs = mfs.New(m)
	}
	if err := m.HandleURC("+UUHTTPCR", c.onResult); err != nil {
		return nil, err
	}
	return c, nil
}

// onResult handles +UUHTTPCR: <profile>,<command>,<result>.
func (c *Client) onResult(u *modem.URC) {
	v, err := u.Ints(3)
	if err != nil {
		c.logger.Debug("discarding malformed URC", "prefix", u.Prefix, "error", err)
		return
	}
	if v[0] < 0 || v[0] >= NumProfiles {
		c.logger.Debug("result for unknown profile", "profile", v[0])
		return
	}
	p := &c.profiles[v[0]]
	p.cmd = v[1]
	p.result = v[2]
	p.pending = false
	c.logger.Debug("HTTP command completed", "profile", v[0], "command", Method(v[1]), "result", v[2])
}

func (c *Client) profile(p Profile) (*profile, error) {
	if p < 0 || p >= NumProfiles || !c.profiles[p].inUse {
		return nil, fmt.Errorf("%w: %d", ErrBadProfile, p)
	}
	return &c.profiles[p], nil
}

// Alloc reserves a free profile. A new profile blocks until its commands
// complete; see SetTimeout.
func (c *Client) Alloc(ctx context.Context) (p Profile, err error) {
	err = c.m.Do(ctx, func(*modem.Session) error {
		for i := range c.profiles {
			if !c.profiles[i].inUse {
				c.profiles[i] = profile{
					inUse:   true,
					timeout: modem.Blocking,
					cmd:     noResult,
					result:  noResult,
				}
				p = Profile(i)
				c.logger.Debug("profile allocated", "profile", i)
				return nil
			}
		}
		return ErrNoProfile
	})
	return p, err
}

// Free releases p and resets its settings on the module.
func (c *Client) Free(ctx context.Context, p Profile) error {
	return c.m.Do(ctx, func(s *modem.Session) error {
		if _, err := c.profile(p); err != nil {
			return err
		}
		c.profiles[p] = profile{}
		return s.Command("AT+UHTTP=%d", p)
	})
}

// SetTimeout bounds how long Command waits for completion on p.
func (c *Client) SetTimeout(ctx context.Context, p Profile, timeout modem.Timeout) error {
	return c.m.Do(ctx, func(*modem.Session) error {
		pr, err := c.profile(p)
		if err != nil {
			return err
		}
		pr.timeout = timeout
		return nil
	})
}

// Reset returns p's settings to the module defaults and abandons a command
// still in progress.
func (c *Client) Reset(ctx context.Context, p Profile) error {
	return c.m.Do(ctx, func(s *modem.Session) error {
		pr, err := c.profile(p)
		if err != nil {
			return err
		}
		if err := s.Command("AT+UHTTP=%d", p); err != nil {
			return fmt.Errorf("reset profile %d: %w", p, err)
		}
		pr.pending = false
		return nil
	})
}

// SetParam sets one profile parameter. For IPAddress a host name is
// resolved first when a Resolver is configured.
func (c *Client) SetParam(ctx context.Context, p Profile, param Param, value string) error {
	var arg string
	switch param {
	case IPAddress:
		addr, err := netip.ParseAddr(value)
		if err != nil {
			if c.resolver == nil {
				return fmt.Errorf("IP address %q: not an address and no resolver configured", value)
			}
			if addr, err = c.resolver.Resolve(ctx, value); err != nil {
				return fmt.Errorf("resolve %s: %w", value, err)
			}
		}
		arg = `"` + addr.String() + `"`
	case ServerName, UserName, Password:
		q, err := at.Quote(value)
		if err != nil {
			return err
		}
		arg = q
	case AuthType, ServerPort, Secure:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("HTTP parameter %d: %w", param, err)
		}
		arg = strconv.Itoa(n)
	default:
		return fmt.Errorf("unknown HTTP parameter %d", param)
	}

	return c.m.Do(ctx, func(s *modem.Session) error {
		if _, err := c.profile(p); err != nil {
			return err
		}
		if err := s.Command("AT+UHTTP=%d,%d,%s", p, param, arg); err != nil {
			return fmt.Errorf("set HTTP parameter %d: %w", param, err)
		}
		return nil
	})
}

func (r Request) command(p Profile) (string, error) {
	rsp := r.ResponseFile
	if rsp == "" {
		rsp = fmt.Sprintf("http_last_response_%d", p)
	}
	args := []string{r.Path, rsp}
	switch r.Method {
	case Head, Get, Delete:
	case Put, PostFile, PostData:
		args = append(args, r.Send)
	default:
		return "", fmt.Errorf("unknown HTTP method %d", r.Method)
	}

	cmd := fmt.Sprintf("AT+UHTTPC=%d,%d", p, r.Method)
	for _, a := range args {
		q, err := at.Quote(a)
		if err != nil {
			return "", err
		}
		cmd += "," + q
	}
	if r.Method == PostFile || r.Method == PostData {
		cmd += "," + strconv.Itoa(int(r.ContentType))
		if r.ContentType == UserDefined {
			q, err := at.Quote(r.CustomType)
			if err != nil {
				return "", err
			}
			cmd += "," + q
		}
	}
	return cmd, nil
}

// Command runs req on p and reads the response file into buf. It succeeds
// only if the module reports success and the response can be read back.
// When the module reports failure the error is a *modem.ProtocolError
// carrying the class and code from AT+UHTTPER.
//
// If the profile timeout elapses first, modem.ErrTimeout is returned and the
// profile stays busy until the module reports completion or it is Reset.
func (c *Client) Command(ctx context.Context, p Profile, req Request, buf []byte) (n int, err error) {
	cmd, err := req.command(p)
	if err != nil {
		return 0, err
	}
	rsp := req.ResponseFile
	if rsp == "" {
		rsp = fmt.Sprintf("http_last_response_%d", p)
	}

	err = c.m.Do(ctx, func(s *modem.Session) error {
		pr, err := c.profile(p)
		if err != nil {
			return err
		}
		if pr.pending {
			return ErrProfileBusy
		}
		// Armed before sending, the completion URC may arrive ahead of OK.
		pr.pending = true
		pr.result = noResult
		if err := s.Command("%s", cmd); err != nil {
			pr.pending = false
			return fmt.Errorf("HTTP %v: %w", req.Method, err)
		}

		if err := s.Pump(func() bool { return pr.result != noResult }, pr.timeout); err != nil {
			return fmt.Errorf("HTTP %v: %w", req.Method, err)
		}

		if pr.result != resultSuccess {
			return c.lastError(s, p, pr)
		}
		n, err = c.fs.ReadBlocksIn(s, rsp, buf)
		return err
	})
	return n, err
}

func (c *Client) lastError(s *modem.Session, p Profile, pr *profile) error {
	fields, err := s.Query("+UHTTPER", "AT+UHTTPER=%d", p)
	if err != nil {
		return fmt.Errorf("query HTTP error: %w", err)
	}
	v, err := at.Ints(fields)
	if err != nil || len(v) < 3 {
		return fmt.Errorf("query HTTP error: %w: %q", modem.ErrMalformed, fields)
	}
	pr.err = modem.ProtocolError{Class: v[1], Code: v[2]}
	c.logger.Warn("HTTP command failed", "profile", int(p), "class", v[1], "code", v[2])
	perr := pr.err
	return &perr
}

// LastError returns the error class and code of the last failed command
// on p.
func (c *Client) LastError(ctx context.Context, p Profile) (perr modem.ProtocolError, err error) {
	err = c.m.Do(ctx, func(*modem.Session) error {
		pr, err := c.profile(p)
		if err != nil {
			return err
		}
		perr = pr.err
		return nil
	})
	return perr, err
}

// Result returns the command and result code last reported for p, or -1
// for both when nothing has completed since allocation.
func (c *Client) Result(ctx context.Context, p Profile) (cmd Method, result int, err error) {
	err = c.m.Do(ctx, func(*modem.Session) error {
		pr, err := c.profile(p)
		if err != nil {
			return err
		}
		cmd, result = Method(pr.cmd), pr.result
		return nil
	})
	return cmd, result, err
}
