package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"i4.energy/across/ubxmodem/modem"
	"i4.energy/across/ubxmodem/modem/device"
	"i4.energy/across/ubxmodem/modem/pdp"
	"i4.energy/across/ubxmodem/modem/ussd"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app carries what every subcommand needs once the persistent flags have
// been parsed.
type app struct {
	configFile string
	config     *Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "ubxmodem",
		Short: "Drive a u-blox cellular module over its AT interface",
		Long: `ubxmodem talks to a u-blox cellular module on a serial port. It can run
as a gateway exposing SMS, USSD, location, file and HTTP services over a JSON
API, or run single operations from the command line.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	f := rootCmd.PersistentFlags()
	f.StringVar(&a.configFile, "config", "", "YAML configuration file")
	f.String("serial-port", "/dev/ttyUSB0", "Serial port to connect to the modem")
	f.Int("baud-rate", 115200, "Baud rate for serial communication")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("sim-pin", "", "SIM card PIN code (if required)")
	f.Bool("trace", false, "Log every byte exchanged with the modem")
	f.String("apn", "", "APN to use instead of the built-in table")
	f.String("apn-username", "", "APN user name")
	f.String("apn-password", "", "APN password")
	f.String("apn-auth", "detect", "APN authentication (detect, none, pap, chap)")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newServeCmd(a))
	rootCmd.AddCommand(newSMSCmd(a))
	rootCmd.AddCommand(newUSSDCmd(a))
	rootCmd.AddCommand(newLocateCmd(a))
	rootCmd.AddCommand(newFileCmd(a))
	rootCmd.AddCommand(newHTTPCmd(a))
	rootCmd.AddCommand(newATCmd(a))
	rootCmd.AddCommand(newDecodeCmd())

	return rootCmd
}

func (a *app) load(cmd *cobra.Command) error {
	config, err := LoadConfig(WithDefaults(), WithFile(a.configFile), WithEnv(), WithFlags(cmd.Flags()))
	if err != nil {
		return err
	}
	a.config = config
	a.logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(config.LogLevel)}))
	return nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// open brings the module up and builds its services.
func (a *app) open(ctx context.Context) (*device.Device, error) {
	config := a.config

	modemConfig, err := modem.NewConfigBuilder().
		WithATTimeout(config.ATTimeout).
		WithInitTimeout(30 * time.Second).
		WithMaxRetries(config.MaxRetries).
		WithMinSendInterval(config.MinSendInterval).
		WithSimPIN(config.SimPIN).
		WithTrace(config.Trace).
		WithLogger(a.logger).
		WithDialer(modem.SerialDialer{
			PortName: config.SerialPort,
			BaudRate: config.BaudRate,
		}).
		Build()
	if err != nil {
		return nil, fmt.Errorf("modem config: %w", err)
	}

	var opts []device.Option
	if config.APNFile != "" {
		f, err := os.Open(config.APNFile)
		if err != nil {
			return nil, fmt.Errorf("open APN table: %w", err)
		}
		table, err := pdp.LoadAPNs(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		opts = append(opts, device.WithNetworkOptions(pdp.WithAPNLookup(table.Lookup)))
	}
	if config.PowerDownOnFailure {
		opts = append(opts, device.WithPowerDownOnFailure())
	}
	if config.PackedUSSD {
		opts = append(opts, device.WithUSSDOptions(ussd.WithPacked()))
	}

	d, err := device.New(ctx, modemConfig, opts...)
	if err != nil {
		return nil, fmt.Errorf("open modem on %s: %w", config.SerialPort, err)
	}
	return d, nil
}

// run opens the module for a single command and closes it afterwards.
func (a *app) run(cmd *cobra.Command, fn func(ctx context.Context, d *device.Device) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer d.Close()
	return fn(ctx, d)
}

// connect activates the data connection with the configured credentials.
func (a *app) connect(ctx context.Context, d *device.Device) error {
	ip, err := d.Network.Connect(ctx, a.config.Credentials()...)
	if err != nil {
		return fmt.Errorf("data connection: %w", err)
	}
	a.logger.Info("Data connection up", "ip", ip)
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ubxmodem %s (%s)\n", version, commit)
		},
	}
}

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the JSON HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().String("bind-address", "0.0.0.0:8080", "Bind address for the HTTP server")
	cmd.Flags().Bool("connect", false, "Activate the data connection at start-up")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	logger := a.logger
	config := a.config

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d, err := a.open(ctx)
	if err != nil {
		return err
	}

	logger.Info("Starting u-blox gateway", "port", config.SerialPort)

	go func() {
		if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("URC loop stopped", "error", err)
		}
	}()
	go func() {
		for e := range d.Events() {
			logger.Info("Modem event", "prefix", e.Prefix, "params", e.Params)
		}
	}()

	if config.Connect {
		if err := a.connect(ctx, d); err != nil {
			logger.Error("Failed to connect", "error", err)
		}
	}

	httpServer := &http.Server{
		Addr: config.BindAddress,
		Handler: &Server{
			Logger: logger.With("component", "server"),
			Device: d,
			Token:  config.HTTPToken,
		},
	}

	// Channel to listen for interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start HTTP server in a goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		logger.Error("HTTP server failed", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info("Closing HTTP server")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to gracefully shutdown server", "error", err)
	}

	cancel()
	logger.Info("Closing modem connection")
	if err := d.Close(); err != nil {
		logger.Error("Failed to close modem", "error", err)
	}
	return nil
}
