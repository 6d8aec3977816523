// Package ftp drives the module's built-in FTP client. Commands complete
// asynchronously: the module acknowledges AT+UFTPC at once and reports the
// outcome later with +UUFTPCR. Listings and file information arrive inline
// with +UUFTPCD and are copied into the caller's buffer.
package ftp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"i4.energy/across/ubxmodem/at"
	"i4.energy/across/ubxmodem/modem"
)

// numParams is the number of AT+UFTP parameters Reset restores.
const numParams = 9

const (
	resultSuccess = 1
	unused        = -1
	// pollStep bounds each wait for the completion URC so a cancelled
	// context is noticed.
	pollStep = time.Second
)

var ErrUnsupported = errors.New("FTP command not supported")

// Param selects an AT+UFTP setting.
type Param int

const (
	IPAddress Param = iota
	ServerName
	UserName
	Password
	Account
	InactivityTimeout
	Mode
	ServerPort
	Secure
)

// Command is the AT+UFTPC operation code.
type Command int

const (
	Logout    Command = 0
	Login     Command = 1
	Delete    Command = 2
	Rename    Command = 3
	Get       Command = 4
	Put       Command = 5
	GetDirect Command = 6
	PutDirect Command = 7
	CD        Command = 8
	MkDir     Command = 10
	RmDir     Command = 11
	FileInfo  Command = 13
	List      Command = 14
	FOTA      Command = 100
)

func (c Command) String() string {
	switch c {
	case Logout:
		return "logout"
	case Login:
		return "login"
	case Delete:
		return "delete"
	case Rename:
		return "rename"
	case Get:
		return "get"
	case Put:
		return "put"
	case GetDirect:
		return "get direct"
	case PutDirect:
		return "put direct"
	case CD:
		return "cd"
	case MkDir:
		return "mkdir"
	case RmDir:
		return "rmdir"
	case FileInfo:
		return "file info"
	case List:
		return "ls"
	case FOTA:
		return "FOTA"
	}
	return "Command(" + strconv.Itoa(int(c)) + ")"
}

// Request is one FTP operation.
type Request struct {
	Command Command
	// File is the remote name, or the directory for CD, MkDir and RmDir.
	// List and FileInfo take it optionally.
	File string
	// Local is the module file for Get and Put, defaulting to File. For
	// Rename it is the new name.
	Local  string
	Offset int
	// Buf receives the data of List and FileInfo, or the MD5 sum reported
	// on completion of FOTA.
	Buf []byte
}

// Result is what completion reported.
type Result struct {
	// N is the number of bytes copied into Request.Buf.
	N int
	// MD5 is the checksum the module reports for a FOTA download.
	MD5 string
}

// Client is the FTP client of one module. The module has a single FTP
// session, so Client has no slots.
type Client struct {
	m       *modem.Modem
	logger  *slog.Logger
	timeout modem.Timeout

	// Completion state, written by the URC handlers under the session lock.
	opResult int
	result   int
	opData   int
	buf      []byte
	n        int
	md5      string
	err      modem.ProtocolError
}

// New creates the client and registers its URC handlers on m. Commands
// block until completion unless SetTimeout is called.
func New(m *modem.Modem) (*Client, error) {
	c := &Client{
		m:        m,
		logger:   m.Logger().With("component", "ftp"),
		timeout:  modem.Blocking,
		opResult: unused,
		opData:   unused,
	}
	if err := m.HandleURC("+UUFTPCR", c.onResult); err != nil {
		return nil, err
	}
	if err := m.HandleURC("+UUFTPCD", c.onData); err != nil {
		return nil, err
	}
	return c, nil
}

// onResult handles +UUFTPCR: <op>,<result>[,<md5>].
func (c *Client) onResult(u *modem.URC) {
	fields, err := u.Fields()
	if err != nil || len(fields) < 2 {
		c.logger.Debug("discarding malformed URC", "prefix", u.Prefix, "fields", fields, "error", err)
		return
	}
	v, err := at.Ints(fields[:2])
	if err != nil {
		c.logger.Debug("discarding malformed URC", "prefix", u.Prefix, "error", err)
		return
	}
	c.opResult, c.result = v[0], v[1]
	if len(fields) > 2 {
		c.md5 = at.Unquote(fields[2])
	}
	c.logger.Debug("FTP command completed", "command", Command(v[0]), "result", v[1])
}

// onData handles +UUFTPCD: <op>,<len>,"<data>". The data may hold line
// breaks, so it is read by length. What does not fit the buffer is dropped.
func (c *Client) onData(u *modem.URC) {
	head, err := u.ReadUntil('"')
	if err != nil {
		c.logger.Debug("discarding malformed URC", "prefix", u.Prefix, "error", err)
		return
	}
	v, err := at.Ints(at.Fields(strings.TrimSuffix(head, ",")))
	if err != nil || len(v) != 2 || v[1] < 0 {
		c.logger.Debug("discarding malformed URC", "prefix", u.Prefix, "header", head)
		return
	}
	c.opData = v[0]

	// Outside a command c.buf is nil and the whole chunk is dropped.
	size := v[1]
	keep := max(0, min(size, len(c.buf)-c.n))
	if keep > 0 {
		if err := u.ReadFull(c.buf[c.n : c.n+keep]); err != nil {
			c.logger.Debug("FTP data truncated", "error", err)
			return
		}
		c.n += keep
	}
	if keep < size {
		c.logger.Warn("FTP data does not fit buffer", "dropped", size-keep)
		if err := u.ReadFull(make([]byte, size-keep)); err != nil {
			c.logger.Debug("FTP data truncated", "error", err)
		}
	}
}

// SetTimeout bounds how long Command waits for completion.
func (c *Client) SetTimeout(ctx context.Context, timeout modem.Timeout) error {
	return c.m.Do(ctx, func(*modem.Session) error {
		c.timeout = timeout
		return nil
	})
}

// Reset returns every FTP parameter to its default.
func (c *Client) Reset(ctx context.Context) error {
	return c.m.Do(ctx, func(s *modem.Session) error {
		for p := 0; p < numParams; p++ {
			if err := s.Command("AT+UFTP=%d", p); err != nil {
				return fmt.Errorf("reset FTP parameter %d: %w", p, err)
			}
		}
		return nil
	})
}

// SetParam sets one FTP parameter. Addresses, names and credentials are
// strings; the rest must be numeric.
func (c *Client) SetParam(ctx context.Context, param Param, value string) error {
	var arg string
	switch param {
	case IPAddress, ServerName, UserName, Password, Account:
		q, err := at.Quote(value)
		if err != nil {
			return err
		}
		arg = q
	case InactivityTimeout, Mode, ServerPort, Secure:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("FTP parameter %d: %w", param, err)
		}
		arg = strconv.Itoa(n)
	default:
		return fmt.Errorf("unknown FTP parameter %d", param)
	}
	return c.m.Do(ctx, func(s *modem.Session) error {
		if err := s.Command("AT+UFTP=%d,%s", param, arg); err != nil {
			return fmt.Errorf("set FTP parameter %d: %w", param, err)
		}
		return nil
	})
}

func (r Request) command() (string, error) {
	var files []string
	switch r.Command {
	case Logout, Login:
	case Delete, CD, MkDir, RmDir, FOTA:
		files = []string{r.File}
	case Rename:
		files = []string{r.File, r.Local}
	case Get, Put:
		local := r.Local
		if local == "" {
			local = r.File
		}
		files = []string{r.File, local}
	case FileInfo, List:
		if r.File != "" {
			files = []string{r.File}
		}
	default:
		return "", fmt.Errorf("%w: %v", ErrUnsupported, r.Command)
	}

	cmd := fmt.Sprintf("AT+UFTPC=%d", r.Command)
	for _, f := range files {
		q, err := at.Quote(f)
		if err != nil {
			return "", err
		}
		cmd += "," + q
	}
	if r.Command == Get || r.Command == Put {
		cmd += "," + strconv.Itoa(r.Offset)
	}
	return cmd, nil
}

// Command runs req and waits for its completion. It succeeds only when the
// module reports success for this very command. Otherwise the error is a
// *modem.ProtocolError with the class and code from AT+UFTPER.
func (c *Client) Command(ctx context.Context, req Request) (res Result, err error) {
	cmd, err := req.command()
	if err != nil {
		return Result{}, err
	}

	err = c.m.Do(ctx, func(s *modem.Session) error {
		c.buf, c.n, c.md5 = req.Buf, 0, ""
		defer func() { c.buf, c.n = nil, 0 }()

		// Armed before sending, the completion URC may arrive ahead of OK.
		c.opResult, c.opData, c.result = unused, unused, unused
		if err := s.Command("%s", cmd); err != nil {
			return fmt.Errorf("FTP %v: %w", req.Command, err)
		}

		start := time.Now()
		for c.opResult == unused {
			if c.timeout.Expired(start) {
				return fmt.Errorf("FTP %v: %w", req.Command, modem.ErrTimeout)
			}
			step := modem.After(pollStep)
			if !c.timeout.IsBlocking() {
				step = step.Min(modem.After(c.timeout.Duration() - time.Since(start)))
			}
			err := s.Pump(func() bool { return c.opResult != unused }, step)
			if err != nil && !errors.Is(err, modem.ErrTimeout) {
				return fmt.Errorf("FTP %v: %w", req.Command, err)
			}
		}

		if c.opResult != int(req.Command) || c.result != resultSuccess {
			return c.lastError(s, req.Command)
		}
		res.N = c.n
		res.MD5 = c.md5
		if req.Command == FOTA && c.md5 != "" {
			res.N = copy(req.Buf, c.md5)
		}
		return nil
	})
	return res, err
}

func (c *Client) lastError(s *modem.Session, cmd Command) error {
	fields, err := s.Query("+UFTPER", "AT+UFTPER")
	if err != nil {
		return fmt.Errorf("query FTP error: %w", err)
	}
	v, err := at.Ints(fields)
	if err != nil || len(v) < 2 {
		return fmt.Errorf("query FTP error: %w: %q", modem.ErrMalformed, fields)
	}
	c.err = modem.ProtocolError{Class: v[0], Code: v[1]}
	c.logger.Warn("FTP command failed", "command", cmd, "class", v[0], "code", v[1])
	perr := c.err
	return &perr
}

// LastError returns the error class and code of the last failed command.
func (c *Client) LastError(ctx context.Context) (perr modem.ProtocolError, err error) {
	err = c.m.Do(ctx, func(*modem.Session) error {
		perr = c.err
		return nil
	})
	return perr, err
}
