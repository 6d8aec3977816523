// Package pdp registers the module on the packet network and brings up the
// internal IP stack's PDP context (profile 0), trying APN candidates and
// authentication protocols until one yields an address. It also resolves
// host names with the module's DNS client.
package pdp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/looplab/fsm"

	"i4.energy/across/ubxmodem/at"
	"i4.energy/across/ubxmodem/modem"
)

// Connection states.
const (
	StateDetached   = "detached"
	StateRegistered = "registered"
	StateActive     = "active"
)

const (
	evRegister   = "register"
	evActivate   = "activate"
	evDeactivate = "deactivate"
	evDetach     = "detach"
)

const (
	profile = 0
	// ipPolls bounds the address polls after an activation attempt.
	ipPolls = 18
	// activateTimeout is how long AT+UPSDA=0,3 may take to answer.
	activateTimeout = 180 * time.Second
)

var (
	ErrDenied       = errors.New("network registration denied")
	ErrNotReg       = errors.New("not registered on the network")
	ErrNoAPN        = errors.New("no APN candidates for this SIM")
	ErrNoConnection = errors.New("could not activate a PDP context")
	ErrNoAddress    = errors.New("no IP address assigned")
)

// Auth selects the authentication protocol for the context.
type Auth int

// The zero value, AuthDetect, tries none, PAP and CHAP in turn.
const (
	AuthDetect Auth = iota
	AuthNone
	AuthPAP
	AuthCHAP
)

// code is the AT+UPSD tag 6 value.
func (a Auth) code() int {
	return int(a) - 1
}

func (a Auth) String() string {
	switch a {
	case AuthNone:
		return "none"
	case AuthPAP:
		return "pap"
	case AuthCHAP:
		return "chap"
	case AuthDetect:
		return "detect"
	}
	return "auth(" + strconv.Itoa(int(a)) + ")"
}

func (a *Auth) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "", "detect":
		*a = AuthDetect
	case "none":
		*a = AuthNone
	case "pap":
		*a = AuthPAP
	case "chap":
		*a = AuthCHAP
	default:
		return fmt.Errorf("unknown authentication protocol %q", b)
	}
	return nil
}

// Credentials describe one APN to try.
type Credentials struct {
	APN      string `yaml:"apn"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Auth     Auth   `yaml:"auth"`
}

// APNLookup returns the candidates to try for the SIM with the given IMSI.
type APNLookup func(imsi string) []Credentials

// PowerController switches the module off when a connection cannot be
// established, so the next attempt starts from a cold module.
type PowerController interface {
	PowerDown(ctx context.Context) error
}

// CommandPowerDown powers the module off with AT+CPWROFF.
type CommandPowerDown struct {
	Modem *modem.Modem
}

func (p CommandPowerDown) PowerDown(ctx context.Context) error {
	return p.Modem.Do(ctx, func(s *modem.Session) error {
		s.SetTimeout(modem.After(40 * time.Second))
		return s.Command("AT+CPWROFF")
	})
}

// Network tracks registration and the PDP context of one module.
type Network struct {
	m            *modem.Modem
	logger       *slog.Logger
	state        *fsm.FSM
	lookup       APNLookup
	power        PowerController
	pollInterval time.Duration
	retries      int
}

type Option func(*Network)

// WithAPNLookup sets where candidates come from when Connect is called
// without credentials. The default is DefaultAPNs().Lookup.
func WithAPNLookup(f APNLookup) Option {
	return func(n *Network) {
		n.lookup = f
	}
}

func WithPowerController(p PowerController) Option {
	return func(n *Network) {
		n.power = p
	}
}

// WithPollInterval spaces registration and address polls.
func WithPollInterval(d time.Duration) Option {
	return func(n *Network) {
		if d > 0 {
			n.pollInterval = d
		}
	}
}

// New creates the network service and registers for context deactivation
// notifications.
func New(m *modem.Modem, opts ...Option) (*Network, error) {
	n := &Network{
		m:            m,
		logger:       m.Logger().With("component", "pdp"),
		pollInterval: time.Second,
		retries:      m.Config().MaxRetries,
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.lookup == nil {
		n.lookup = DefaultAPNs().Lookup
	}
	n.state = fsm.NewFSM(StateDetached,
		fsm.Events{
			{Name: evRegister, Src: []string{StateDetached, StateRegistered}, Dst: StateRegistered},
			{Name: evActivate, Src: []string{StateRegistered, StateActive}, Dst: StateActive},
			{Name: evDeactivate, Src: []string{StateActive, StateRegistered}, Dst: StateRegistered},
			{Name: evDetach, Src: []string{StateDetached, StateRegistered, StateActive}, Dst: StateDetached},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				n.logger.Info("connection state changed", "from", e.Src, "to", e.Dst)
			},
		},
	)
	if err := m.HandleURC("+UUPSDD", n.onDeactivated); err != nil {
		return nil, err
	}
	return n, nil
}

// State returns one of StateDetached, StateRegistered or StateActive.
func (n *Network) State() string {
	return n.state.Current()
}

func (n *Network) transition(ctx context.Context, event string) {
	err := n.state.Event(ctx, event)
	if err != nil && !errors.As(err, new(fsm.NoTransitionError)) {
		n.logger.Warn("state transition failed", "event", event, "error", err)
	}
}

func (n *Network) onDeactivated(u *modem.URC) {
	line, err := u.Line()
	if err != nil {
		n.logger.Warn("bad context deactivation", "error", err)
		return
	}
	n.transition(context.Background(), evDeactivate)
	n.m.Emit(u.Prefix, line)
}

// Register polls CREG and CGREG until either reports home or roaming
// registration, up to MaxRetries polls.
func (n *Network) Register(ctx context.Context) error {
	err := n.m.Do(ctx, func(s *modem.Session) error {
		for attempt := 1; ; attempt++ {
			ok, err := n.registered(s)
			if ok || err != nil {
				return err
			}
			if attempt >= n.retries {
				return ErrNotReg
			}
			n.logger.Debug("not registered yet", "attempt", attempt)
			if err := s.Sleep(n.pollInterval); err != nil {
				return err
			}
		}
	})
	if err != nil {
		n.transition(ctx, evDetach)
		return err
	}
	n.transition(ctx, evRegister)
	return nil
}

func (n *Network) registered(s *modem.Session) (bool, error) {
	denied := false
	for _, cmd := range []string{"+CREG", "+CGREG"} {
		v, err := s.Query(cmd, "AT%s?", cmd)
		if err != nil {
			var cme at.CMEError
			if errors.As(err, &cme) {
				continue
			}
			return false, err
		}
		if len(v) < 2 {
			return false, fmt.Errorf("%s: %w: %q", cmd, modem.ErrMalformed, v)
		}
		switch v[1] {
		case "1", "5":
			return true, nil
		case "3":
			denied = true
		}
	}
	if denied {
		return false, ErrDenied
	}
	return false, nil
}

// Connect activates the context. With no credentials the candidates come
// from the APN lookup keyed by the SIM's IMSI. A context already active on
// the module is deactivated first. When every candidate fails the module is
// powered down if a PowerController is set.
func (n *Network) Connect(ctx context.Context, creds ...Credentials) (netip.Addr, error) {
	if n.State() == StateDetached {
		if err := n.Register(ctx); err != nil {
			return netip.Addr{}, err
		}
	}

	var ip netip.Addr
	err := n.m.Do(ctx, func(s *modem.Session) error {
		v, err := s.Query("+UPSND", "AT+UPSND=%d,8", profile)
		if err != nil {
			return err
		}
		if len(v) >= 3 && v[2] == "1" {
			n.logger.Info("deactivating stale context")
			if err := s.Command("AT+UPSDA=%d,4", profile); err != nil {
				return err
			}
		}

		candidates := creds
		if len(candidates) == 0 {
			imsi, err := n.imsi(s)
			if err != nil {
				return err
			}
			candidates = n.lookup(imsi)
			if len(candidates) == 0 {
				return fmt.Errorf("%w: IMSI %s", ErrNoAPN, imsi)
			}
		}
		for _, c := range candidates {
			ip, err = n.activate(s, c)
			if err == nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			n.logger.Warn("APN failed", "apn", c.APN, "error", err)
		}
		return ErrNoConnection
	})
	if err != nil {
		if errors.Is(err, ErrNoConnection) && n.power != nil {
			if perr := n.power.PowerDown(ctx); perr != nil {
				n.logger.Error("power down failed", "error", perr)
			}
			n.transition(ctx, evDetach)
		}
		return netip.Addr{}, err
	}
	n.transition(ctx, evActivate)
	return ip, nil
}

func (n *Network) imsi(s *modem.Session) (string, error) {
	if err := s.Send("AT+CIMI"); err != nil {
		return "", err
	}
	for {
		line, err := s.ReadLine()
		if err != nil {
			return "", err
		}
		if err := at.FinalError(line); err != nil {
			return "", err
		}
		if line != "" && strings.Trim(line, "0123456789") == "" {
			return line, s.OK()
		}
	}
}

// activate sets up the profile for c and tries its authentication
// protocols until the module reports an address.
func (n *Network) activate(s *modem.Session, c Credentials) (netip.Addr, error) {
	params := []struct {
		tag   int
		value string
	}{
		{1, c.APN},
		{2, c.User},
		{3, c.Password},
	}
	for _, p := range params {
		if p.value == "" && p.tag != 1 {
			continue
		}
		q, err := at.Quote(p.value)
		if err != nil {
			return netip.Addr{}, err
		}
		if err := s.Command("AT+UPSD=%d,%d,%s", profile, p.tag, q); err != nil {
			return netip.Addr{}, err
		}
	}
	if err := s.Command(`AT+UPSD=%d,7,"0.0.0.0"`, profile); err != nil {
		return netip.Addr{}, err
	}

	auth := c.Auth
	if c.User == "" && c.Password == "" {
		auth = AuthNone
	}
	err := ErrNoAddress
	for _, proto := range []Auth{AuthNone, AuthPAP, AuthCHAP} {
		if auth != AuthDetect && auth != proto {
			continue
		}
		if err = s.Command("AT+UPSD=%d,6,%d", profile, proto.code()); err != nil {
			return netip.Addr{}, err
		}
		saved := s.Timeout()
		s.SetTimeout(modem.After(activateTimeout))
		err = s.Command("AT+UPSDA=%d,3", profile)
		s.SetTimeout(saved)
		if err != nil {
			n.logger.Debug("activation refused", "apn", c.APN, "auth", proto, "error", err)
			continue
		}
		var ip netip.Addr
		if ip, err = n.pollAddress(s); err == nil {
			n.logger.Info("context active", "apn", c.APN, "auth", proto, "ip", ip)
			return ip, nil
		}
	}
	return netip.Addr{}, err
}

func (n *Network) pollAddress(s *modem.Session) (netip.Addr, error) {
	for i := 0; i < ipPolls; i++ {
		ip, err := address(s)
		if err == nil {
			return ip, nil
		}
		if s.Context().Err() != nil {
			return netip.Addr{}, s.Context().Err()
		}
		if err := s.Sleep(n.pollInterval); err != nil {
			return netip.Addr{}, err
		}
	}
	return netip.Addr{}, ErrNoAddress
}

func address(s *modem.Session) (netip.Addr, error) {
	v, err := s.Query("+UPSND", "AT+UPSND=%d,0", profile)
	if err != nil {
		return netip.Addr{}, err
	}
	if len(v) < 3 {
		return netip.Addr{}, fmt.Errorf("+UPSND: %w: %q", modem.ErrMalformed, v)
	}
	ip, err := netip.ParseAddr(at.Unquote(v[2]))
	if err != nil || ip.IsUnspecified() {
		return netip.Addr{}, ErrNoAddress
	}
	return ip, nil
}

// IPAddress asks the module for the context's current address.
func (n *Network) IPAddress(ctx context.Context) (netip.Addr, error) {
	var ip netip.Addr
	err := n.m.Do(ctx, func(s *modem.Session) (err error) {
		ip, err = address(s)
		return err
	})
	return ip, err
}

// Disconnect deactivates the context if it holds an address.
func (n *Network) Disconnect(ctx context.Context) error {
	err := n.m.Do(ctx, func(s *modem.Session) error {
		if _, err := address(s); err != nil {
			return nil
		}
		return s.Command("AT+UPSDA=%d,4", profile)
	})
	if err != nil {
		return err
	}
	n.transition(ctx, evDeactivate)
	return nil
}

// Resolve returns host itself when it is an address literal and otherwise
// asks the module's DNS client.
func (n *Network) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return ip, nil
	}
	q, err := at.Quote(host)
	if err != nil {
		return netip.Addr{}, err
	}
	var ip netip.Addr
	err = n.m.Do(ctx, func(s *modem.Session) error {
		v, err := s.Query("+UDNSRN", "AT+UDNSRN=0,%s", q)
		if err != nil {
			return err
		}
		if len(v) == 0 {
			return fmt.Errorf("+UDNSRN: %w", modem.ErrMalformed)
		}
		ip, err = netip.ParseAddr(at.Unquote(v[0]))
		return err
	})
	if err != nil {
		return netip.Addr{}, fmt.Errorf("resolve %s: %w", host, err)
	}
	return ip, nil
}
