// Package device brings up one u-blox module and every service that talks
// to it over the shared AT channel.
package device

import (
	"context"
	"fmt"

	"i4.energy/across/ubxmodem/modem"
	"i4.energy/across/ubxmodem/modem/ftp"
	"i4.energy/across/ubxmodem/modem/httpc"
	"i4.energy/across/ubxmodem/modem/locate"
	"i4.energy/across/ubxmodem/modem/mfs"
	"i4.energy/across/ubxmodem/modem/pdp"
	"i4.energy/across/ubxmodem/modem/sms"
	"i4.energy/across/ubxmodem/modem/sockets"
	"i4.energy/across/ubxmodem/modem/ussd"
)

// Device is a module with its services. All of them share the one engine,
// so their URC handlers are registered on the same table.
type Device struct {
	Modem   *modem.Modem
	Network *pdp.Network
	FS      *mfs.FS
	Sockets *sockets.Sockets
	HTTP    *httpc.Client
	FTP     *ftp.Client
	Locate  *locate.Locator
	SMS     *sms.Messages
	USSD    *ussd.Client
}

type options struct {
	pdp     []pdp.Option
	sockets []sockets.Option
	sms     []sms.Option
	ussd    []ussd.Option
	locate  []locate.Option
	power   bool
}

type Option func(*options)

func WithNetworkOptions(opts ...pdp.Option) Option {
	return func(o *options) {
		o.pdp = append(o.pdp, opts...)
	}
}

func WithSocketOptions(opts ...sockets.Option) Option {
	return func(o *options) {
		o.sockets = append(o.sockets, opts...)
	}
}

func WithSMSOptions(opts ...sms.Option) Option {
	return func(o *options) {
		o.sms = append(o.sms, opts...)
	}
}

func WithUSSDOptions(opts ...ussd.Option) Option {
	return func(o *options) {
		o.ussd = append(o.ussd, opts...)
	}
}

func WithLocateOptions(opts ...locate.Option) Option {
	return func(o *options) {
		o.locate = append(o.locate, opts...)
	}
}

// WithPowerDownOnFailure switches the module off with AT+CPWROFF when no
// PDP context can be activated.
func WithPowerDownOnFailure() Option {
	return func(o *options) {
		o.power = true
	}
}

// New dials and initialises the module described by config, then builds
// the services. Names are resolved with the module's DNS client.
func New(ctx context.Context, config modem.Config, opts ...Option) (*Device, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	m, err := modem.New(ctx, config)
	if err != nil {
		return nil, err
	}
	d, err := build(m, o)
	if err != nil {
		m.Close()
		return nil, err
	}
	return d, nil
}

func build(m *modem.Modem, o options) (*Device, error) {
	d := &Device{Modem: m, FS: mfs.New(m)}

	var err error
	if o.power {
		o.pdp = append(o.pdp, pdp.WithPowerController(pdp.CommandPowerDown{Modem: m}))
	}
	if d.Network, err = pdp.New(m, o.pdp...); err != nil {
		return nil, fmt.Errorf("network: %w", err)
	}
	o.sockets = append([]sockets.Option{sockets.WithResolver(d.Network)}, o.sockets...)
	if d.Sockets, err = sockets.New(m, o.sockets...); err != nil {
		return nil, fmt.Errorf("sockets: %w", err)
	}
	if d.HTTP, err = httpc.New(m, httpc.WithFS(d.FS), httpc.WithResolver(d.Network)); err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	if d.FTP, err = ftp.New(m); err != nil {
		return nil, fmt.Errorf("ftp: %w", err)
	}
	if d.Locate, err = locate.New(m, o.locate...); err != nil {
		return nil, fmt.Errorf("locate: %w", err)
	}
	if d.SMS, err = sms.New(m, o.sms...); err != nil {
		return nil, fmt.Errorf("sms: %w", err)
	}
	if d.USSD, err = ussd.New(m, o.ussd...); err != nil {
		return nil, fmt.Errorf("ussd: %w", err)
	}
	return d, nil
}

// Run services URCs between calls until ctx ends. See modem.Modem.Loop.
func (d *Device) Run(ctx context.Context) error {
	return d.Modem.Loop(ctx)
}

// Events forwards the notifications of every service.
func (d *Device) Events() <-chan modem.Event {
	return d.Modem.Events()
}

func (d *Device) Close() error {
	return d.Modem.Close()
}
