// Package locate requests position fixes from the u-blox Cell Locate
// service. Fixes are reported asynchronously with +UULOC and kept in a
// result buffer indexed by hypothesis; progress is reported with +UULOCIND
// and only logged.
package locate

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

// MaxHypotheses is the number of result slots, the most fixes one
// multi-hypothesis request can return.
const MaxHypotheses = 17

// DefaultResultWait is how long Results services URCs before counting.
const DefaultResultWait = time.Second

var (
	ErrHypotheses = errors.New("invalid number of hypotheses")
	ErrNoData     = errors.New("no position at index")
)

// Sensor selects, and reports, the source of a fix.
type Sensor int

const (
	Last Sensor = iota
	GNSS
	CellLocate
	Hybrid
)

func (s Sensor) String() string {
	switch s {
	case Last:
		return "last"
	case GNSS:
		return "GNSS"
	case CellLocate:
		return "CellLocate"
	case Hybrid:
		return "hybrid"
	}
	return "Sensor(" + strconv.Itoa(int(s)) + ")"
}

// ResponseType selects the +UULOC layout the module answers with.
type ResponseType int

const (
	Detailed ResponseType = 1
	// MultiHypothesis returns up to MaxHypotheses candidate fixes.
	MultiHypothesis ResponseType = 2
)

// Fix is one reported position.
type Fix struct {
	Time      time.Time
	Latitude  float64
	Longitude float64
	// Altitude in metres.
	Altitude int
	// Uncertainty is the horizontal radius in metres; for multi-hypothesis
	// answers the semi-major axis of the 50% confidence ellipse.
	Uncertainty      int
	Speed            int
	Direction        int
	VerticalAccuracy int
	Sensor           Sensor
	SVUsed           int
}

// TCPServer configures the AssistNow Online servers (AT+UGSRV).
type TCPServer struct {
	Token     string
	Primary   string
	Secondary string
	// Days of offline data for u-blox 7 receivers.
	Days int
	// Period is the number of weeks of offline data for u-blox M8.
	Period int
	// Resolution is 1 for daily offline data, 0 for every other day.
	Resolution int
}

// DefaultTCPServer returns the u-blox production servers with token.
func DefaultTCPServer(token string) TCPServer {
	return TCPServer{
		Token:      token,
		Primary:    "cell-live1.services.u-blox.com",
		Secondary:  "cell-live2.services.u-blox.com",
		Days:       14,
		Period:     4,
		Resolution: 1,
	}
}

// UDPServer configures the aiding server (AT+UGAOP).
type UDPServer struct {
	Server  string
	Port    int
	Latency int
	Mode    int
}

func DefaultUDPServer() UDPServer {
	return UDPServer{
		Server:  "cell-live1.services.u-blox.com",
		Port:    46434,
		Latency: 1000,
	}
}

// Request parameters of AT+ULOC.
type Request struct {
	Sensor Sensor
	// Timeout is how long the module may search, in whole seconds.
	Timeout    time.Duration
	Accuracy   int
	Type       ResponseType
	Hypotheses int
}

// Locator owns the Cell Locate result buffer of one module.
type Locator struct {
	m          *modem.Modem
	logger     *slog.Logger
	resultWait time.Duration

	fixes    [MaxHypotheses]Fix
	valid    [MaxHypotheses]bool
	received int
	expected int
}

type Option func(*Locator)

// WithResultWait overrides DefaultResultWait.
func WithResultWait(d time.Duration) Option {
	return func(l *Locator) {
		l.resultWait = d
	}
}

// New creates the locator and registers +UULOC and +UULOCIND on m.
func New(m *modem.Modem, opts ...Option) (*Locator, error) {
	l := &Locator{
		m:          m,
		logger:     m.Logger().With("component", "locate"),
		resultWait: DefaultResultWait,
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := m.HandleURC("+UULOCIND", l.onProgress); err != nil {
		return nil, err
	}
	if err := m.HandleURC("+UULOC", l.onFix); err != nil {
		return nil, err
	}
	return l, nil
}

var steps = []string{
	"network scan start",
	"network scan end",
	"requesting data from server",
	"received data from server",
	"sending feedback to server",
}

var results = []string{
	"ok",
	"wrong URL",
	"HTTP error",
	"create socket error",
	"close socket error",
	"write to socket error",
	"read from socket error",
	"connection/DNS error",
	"authentication token problem",
	"generic error",
	"user terminated",
	"no data from server",
}

func name(names []string, i int) string {
	if i < 0 || i >= len(names) {
		return "unknown (" + strconv.Itoa(i) + ")"
	}
	return names[i]
}

// onProgress handles +UULOCIND: <step>,<result>.
func (l *Locator) onProgress(u *modem.URC) {
	v, err := u.Ints(2)
	if err != nil {
		l.logger.Debug("discarding malformed URC", "prefix", u.Prefix, "error", err)
		return
	}
	if v[1] != 0 {
		l.logger.Warn("cell locate step failed", "step", name(steps, v[0]), "result", name(results, v[1]))
		return
	}
	l.logger.Debug("cell locate progress", "step", name(steps, v[0]))
}

// onFix handles the three +UULOC layouts:
//
//	<date>,<time>,<lat>,<long>,<alt>,<uncertainty>,<speed>,<direction>,<vacc>,<sensor>,<sv>,<antenna>,<jamming>
//	<sol>,<num>,<sensor>,<date>,<time>,<lat>,<long>,<alt>,<uncertainty>,<speed>,<direction>,<vacc>,<sv>,<antenna>,<jamming>
//	<sol>,<num>,<sensor>,<date>,<time>,<lat>,<long>,<alt>,<lat50>,<long50>,<major50>,<minor50>,<orientation50>,<confidence50>[,...95]
//
// The first answers a single-hypothesis request and lands in slot 0; the
// others carry their solution number and the count to expect.
func (l *Locator) onFix(u *modem.URC) {
	line, err := u.Line()
	if err != nil {
		l.logger.Debug("discarding malformed URC", "prefix", u.Prefix, "error", err)
		return
	}
	fix, sol, num, err := parseFix(at.Fields(line))
	if err != nil {
		l.logger.Debug("discarding malformed URC", "prefix", u.Prefix, "line", line, "error", err)
		return
	}
	idx := sol - 1
	if idx < 0 || idx >= MaxHypotheses {
		l.logger.Debug("fix for unknown hypothesis", "solution", sol)
		return
	}
	l.fixes[idx] = fix
	l.valid[idx] = true
	l.expected = num
	l.received++
	l.logger.Debug("position found", "index", idx, "lat", fix.Latitude, "long", fix.Longitude, "sensor", fix.Sensor)
	l.m.Emit(u.Prefix, line)
}

func parseFix(f []string) (fix Fix, sol, num int, err error) {
	var p fieldParser
	switch {
	case len(f) >= 13 && strings.Contains(f[0], "/"):
		sol, num = 1, 1
		fix.Time = p.time(f[0], f[1])
		fix.Latitude, fix.Longitude = p.float(f[2]), p.float(f[3])
		fix.Altitude, fix.Uncertainty = p.int(f[4]), p.int(f[5])
		fix.Speed, fix.Direction, fix.VerticalAccuracy = p.int(f[6]), p.int(f[7]), p.int(f[8])
		fix.Sensor = sensor(p.int(f[9]))
		fix.SVUsed = p.int(f[10])
	case len(f) >= 11:
		sol, num = p.int(f[0]), p.int(f[1])
		fix.Sensor = sensor(p.int(f[2]))
		fix.Time = p.time(f[3], f[4])
		fix.Latitude, fix.Longitude = p.float(f[5]), p.float(f[6])
		fix.Altitude = p.int(f[7])
		if strings.Contains(f[8], ".") {
			fix.Uncertainty = p.int(f[10])
			break
		}
		if len(f) < 13 {
			return Fix{}, 0, 0, fmt.Errorf("%w: %d fields", modem.ErrMalformed, len(f))
		}
		fix.Uncertainty, fix.Speed = p.int(f[8]), p.int(f[9])
		fix.Direction, fix.VerticalAccuracy = p.int(f[10]), p.int(f[11])
		fix.SVUsed = p.int(f[12])
	default:
		return Fix{}, 0, 0, fmt.Errorf("%w: %d fields", modem.ErrMalformed, len(f))
	}
	return fix, sol, num, p.err
}

// sensor maps unknown codes to Last.
func sensor(n int) Sensor {
	if n < int(Last) || n > int(Hybrid) {
		return Last
	}
	return Sensor(n)
}

// fieldParser keeps the first conversion error.
type fieldParser struct {
	err error
}

func (p *fieldParser) int(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil && p.err == nil {
		p.err = err
	}
	return n
}

func (p *fieldParser) float(s string) float64 {
	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil && p.err == nil {
		p.err = err
	}
	return n
}

// time parses dd/mm/yyyy and hh:mm:ss.sss as UTC.
func (p *fieldParser) time(date, clock string) time.Time {
	t, err := time.Parse("2/1/2006 15:04:05", strings.TrimSpace(date)+" "+strings.TrimSpace(clock))
	if err != nil && p.err == nil {
		p.err = err
	}
	return t
}

// ConfigureServerTCP sets the AssistNow Online servers.
func (l *Locator) ConfigureServerTCP(ctx context.Context, srv TCPServer) error {
	var args []string
	for _, s := range []string{srv.Primary, srv.Secondary, srv.Token} {
		q, err := at.Quote(s)
		if err != nil {
			return err
		}
		args = append(args, q)
	}
	return l.m.Do(ctx, func(s *modem.Session) error {
		return s.Command("AT+UGSRV=%s,%d,%d,%d", strings.Join(args, ","), srv.Days, srv.Period, srv.Resolution)
	})
}

// ConfigureServerUDP sets the aiding server.
func (l *Locator) ConfigureServerUDP(ctx context.Context, srv UDPServer) error {
	q, err := at.Quote(srv.Server)
	if err != nil {
		return err
	}
	return l.m.Do(ctx, func(s *modem.Session) error {
		return s.Command("AT+UGAOP=%s,%d,%d,%d", q, srv.Port, srv.Latency, srv.Mode)
	})
}

// ConfigureSensor sets the network scan mode: 0 for a normal scan, 1 for a
// deep scan.
func (l *Locator) ConfigureSensor(ctx context.Context, scanMode int) error {
	return l.m.Do(ctx, func(s *modem.Session) error {
		return s.Command("AT+ULOCCELL=%d", scanMode)
	})
}

// Request clears the result buffer and starts a location request. Fixes
// arrive later; poll with Results or Wait.
func (l *Locator) Request(ctx context.Context, req Request) error {
	if req.Hypotheses < 1 || req.Hypotheses > MaxHypotheses ||
		(req.Hypotheses > 1 && req.Type != MultiHypothesis) {
		return fmt.Errorf("%w: %d for response type %d", ErrHypotheses, req.Hypotheses, req.Type)
	}
	return l.m.Do(ctx, func(s *modem.Session) error {
		l.received, l.expected = 0, 0
		l.valid = [MaxHypotheses]bool{}

		if err := s.Command("AT+ULOCIND=1"); err != nil {
			return fmt.Errorf("enable location indications: %w", err)
		}
		secs := int(req.Timeout / time.Second)
		if err := s.Command("AT+ULOC=2,%d,%d,%d,%d,%d", req.Sensor, req.Type, secs, req.Accuracy, req.Hypotheses); err != nil {
			return fmt.Errorf("request location: %w", err)
		}
		l.logger.Debug("location requested", "sensor", req.Sensor, "hypotheses", req.Hypotheses)
		return nil
	})
}

// Data returns the fix in slot index.
func (l *Locator) Data(ctx context.Context, index int) (fix Fix, err error) {
	if index < 0 || index >= MaxHypotheses {
		return Fix{}, fmt.Errorf("%w %d", ErrNoData, index)
	}
	err = l.m.Do(ctx, func(*modem.Session) error {
		if !l.valid[index] {
			return fmt.Errorf("%w %d", ErrNoData, index)
		}
		fix = l.fixes[index]
		return nil
	})
	return fix, err
}

// Results services URCs for the result wait and returns how many fixes have
// arrived since the last Request.
func (l *Locator) Results(ctx context.Context) (n int, err error) {
	err = l.m.Do(ctx, func(s *modem.Session) error {
		if err := s.Sleep(l.resultWait); err != nil {
			return err
		}
		n = l.received
		return nil
	})
	return n, err
}

// Expected returns the number of fixes the module announced, or 0 until the
// first one has arrived.
func (l *Locator) Expected(ctx context.Context) (n int, err error) {
	err = l.m.Do(ctx, func(*modem.Session) error {
		if l.received > 0 {
			n = l.expected
		}
		return nil
	})
	return n, err
}

// Wait services URCs until every expected fix has arrived or timeout
// elapses, and returns the number received.
func (l *Locator) Wait(ctx context.Context, timeout modem.Timeout) (n int, err error) {
	err = l.m.Do(ctx, func(s *modem.Session) error {
		defer func() { n = l.received }()
		return s.Pump(func() bool {
			return l.received > 0 && l.received >= l.expected
		}, timeout)
	})
	return n, err
}
