package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"i4.energy/across/ubxmodem/at"
	"i4.energy/across/ubxmodem/modem"
	"i4.energy/across/ubxmodem/modem/device"
	"i4.energy/across/ubxmodem/modem/httpc"
	"i4.energy/across/ubxmodem/modem/locate"
	"i4.energy/across/ubxmodem/modem/sms"
)

// maxBody bounds what file get and http get read back from the module.
const maxBody = 1 << 20

var smsStatus = map[string]string{
	"all":    sms.All,
	"unread": sms.Unread,
	"read":   sms.Read,
	"unsent": sms.Unsent,
	"sent":   sms.Sent,
}

var sensors = map[string]locate.Sensor{
	"last":   locate.Last,
	"gnss":   locate.GNSS,
	"cell":   locate.CellLocate,
	"hybrid": locate.Hybrid,
}

func indexArg(arg string) (int, error) {
	i, err := strconv.Atoi(arg)
	if err != nil || i < 0 {
		return 0, fmt.Errorf("invalid message index %q", arg)
	}
	return i, nil
}

func newSMSCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sms",
		Short: "Send and manage text messages",
	}

	send := &cobra.Command{
		Use:     "send <number> <text>",
		Short:   "Send a text message",
		Example: `  ubxmodem sms send +447700900123 "Hello"`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, d *device.Device) error {
				ref, err := d.SMS.Send(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "sent, reference %d\n", ref)
				return nil
			})
		},
	}

	var (
		status string
		limit  int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List stored messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stat, ok := smsStatus[status]
			if !ok {
				return fmt.Errorf("unknown status %q", status)
			}
			return a.run(cmd, func(ctx context.Context, d *device.Device) error {
				indices, total, err := d.SMS.List(ctx, stat, limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, i := range indices {
					msg, err := d.SMS.Read(ctx, i)
					if err != nil {
						return err
					}
					printMessage(out, msg)
				}
				if total > len(indices) {
					fmt.Fprintf(out, "(%d more not shown)\n", total-len(indices))
				}
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "all", "Filter (all, unread, read, unsent, sent)")
	list.Flags().IntVar(&limit, "limit", 50, "Maximum number of messages to show")

	read := &cobra.Command{
		Use:   "read <index>",
		Short: "Show a stored message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			i, err := indexArg(args[0])
			if err != nil {
				return err
			}
			return a.run(cmd, func(ctx context.Context, d *device.Device) error {
				msg, err := d.SMS.Read(ctx, i)
				if err != nil {
					return err
				}
				printMessage(cmd.OutOrStdout(), msg)
				return nil
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <index>",
		Short: "Delete a stored message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			i, err := indexArg(args[0])
			if err != nil {
				return err
			}
			return a.run(cmd, func(ctx context.Context, d *device.Device) error {
				return d.SMS.Delete(ctx, i)
			})
		},
	}

	cmd.AddCommand(send, list, read, del)
	return cmd
}

func printMessage(w io.Writer, msg sms.Message) {
	fmt.Fprintf(w, "#%d %s from %s at %s\n%s\n", msg.Index, msg.Status, msg.Sender, msg.Time, msg.Text)
}

func newUSSDCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "ussd <code>",
		Short:   "Run a USSD request",
		Example: `  ubxmodem ussd "*100#"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, d *device.Device) error {
				rsp, err := d.USSD.Command(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s (status %d)\n%s\n", rsp.Source, rsp.Status, rsp.Text)
				return nil
			})
		},
	}
}

type locateFlags struct {
	sensor     string
	timeout    time.Duration
	accuracy   int
	hypotheses int
	token      string
}

func newLocateCmd(a *app) *cobra.Command {
	flags := &locateFlags{}

	cmd := &cobra.Command{
		Use:   "locate",
		Short: "Request a position from Cell Locate or GNSS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sensor, ok := sensors[flags.sensor]
			if !ok {
				return fmt.Errorf("unknown sensor %q", flags.sensor)
			}
			req := locate.Request{
				Sensor:     sensor,
				Timeout:    flags.timeout,
				Accuracy:   flags.accuracy,
				Type:       locate.Detailed,
				Hypotheses: flags.hypotheses,
			}
			if flags.hypotheses > 1 {
				req.Type = locate.MultiHypothesis
			}
			return a.run(cmd, func(ctx context.Context, d *device.Device) error {
				if err := a.connect(ctx, d); err != nil {
					return err
				}
				return runLocate(ctx, cmd.OutOrStdout(), d, req, flags.token)
			})
		},
	}

	cmd.Flags().StringVar(&flags.sensor, "sensor", "hybrid", "Sensor (last, gnss, cell, hybrid)")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", time.Minute, "How long the module may search")
	cmd.Flags().IntVar(&flags.accuracy, "accuracy", 100, "Target accuracy in metres")
	cmd.Flags().IntVar(&flags.hypotheses, "hypotheses", 1, "Number of candidate fixes (1-17)")
	cmd.Flags().StringVar(&flags.token, "token", "", "AssistNow authorization token")

	return cmd
}

func runLocate(ctx context.Context, out io.Writer, d *device.Device, req locate.Request, token string) error {
	if token != "" {
		if err := d.Locate.ConfigureServerTCP(ctx, locate.DefaultTCPServer(token)); err != nil {
			return err
		}
	}
	if err := d.Locate.Request(ctx, req); err != nil {
		return err
	}
	n, err := d.Locate.Wait(ctx, modem.After(req.Timeout+10*time.Second))
	if n == 0 {
		return fmt.Errorf("no position: %w", err)
	}
	for i := 0; i < n; i++ {
		fix, err := d.Locate.Data(ctx, i)
		if err != nil {
			continue
		}
		fmt.Fprintf(out, "%s %.6f,%.6f alt %dm ±%dm (%s)\n",
			fix.Time.Format(time.RFC3339), fix.Latitude, fix.Longitude, fix.Altitude, fix.Uncertainty, fix.Sensor)
	}
	return nil
}

func newFileCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "file",
		Short: "Manage files in the module's file system",
	}

	put := &cobra.Command{
		Use:   "put <name> <local-file>",
		Short: "Upload a local file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			return a.run(cmd, func(ctx context.Context, d *device.Device) error {
				n, err := d.FS.Write(ctx, args[0], data)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes\n", n)
				return nil
			})
		},
	}

	get := &cobra.Command{
		Use:   "get <name> [local-file]",
		Short: "Download a file, to stdout when no local file is given",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, d *device.Device) error {
				size, err := d.FS.Size(ctx, args[0])
				if err != nil {
					return err
				}
				buf := make([]byte, min(size, maxBody))
				n, err := d.FS.ReadBlocks(ctx, args[0], buf)
				if err != nil {
					return err
				}
				if len(args) == 2 {
					return os.WriteFile(args[1], buf[:n], 0o644)
				}
				_, err = cmd.OutOrStdout().Write(buf[:n])
				return err
			})
		},
	}

	rm := &cobra.Command{
		Use:   "rm <name>",
		Short: "Delete a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, d *device.Device) error {
				return d.FS.Delete(ctx, args[0])
			})
		},
	}

	size := &cobra.Command{
		Use:   "size <name>",
		Short: "Print the size of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, d *device.Device) error {
				n, err := d.FS.Size(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}

	cmd.AddCommand(put, get, rm, size)
	return cmd
}

func newHTTPCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "http",
		Short: "Run requests through the module's HTTP client",
	}

	get := &cobra.Command{
		Use:     "get <url>",
		Short:   "Fetch a URL and print the response",
		Example: `  ubxmodem http get http://example.com/`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, d *device.Device) error {
				if err := a.connect(ctx, d); err != nil {
					return err
				}
				buf := make([]byte, maxBody)
				n, err := httpGet(ctx, d.HTTP, args[0], buf)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(buf[:n])
				return err
			})
		},
	}

	cmd.AddCommand(get)
	return cmd
}

// httpGet fetches rawURL on a freshly allocated profile. The response
// includes the headers the module stores with the body.
func httpGet(ctx context.Context, c *httpc.Client, rawURL string, buf []byte) (int, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, err
	}
	secure := "0"
	port := u.Port()
	switch u.Scheme {
	case "http":
		if port == "" {
			port = "80"
		}
	case "https":
		secure = "1"
		if port == "" {
			port = "443"
		}
	default:
		return 0, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	p, err := c.Alloc(ctx)
	if err != nil {
		return 0, err
	}
	defer c.Free(ctx, p)

	if err := c.SetTimeout(ctx, p, modem.After(2*time.Minute)); err != nil {
		return 0, err
	}
	params := []struct {
		param httpc.Param
		value string
	}{
		{httpc.ServerName, u.Hostname()},
		{httpc.ServerPort, port},
		{httpc.Secure, secure},
	}
	for _, pv := range params {
		if err := c.SetParam(ctx, p, pv.param, pv.value); err != nil {
			return 0, err
		}
	}
	path := u.RequestURI()
	return c.Command(ctx, p, httpc.Request{Method: httpc.Get, Path: path}, buf)
}

func newATCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "at <command>",
		Short:   "Send a raw AT command and print the response",
		Example: `  ubxmodem at ATI9`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, d *device.Device) error {
				return d.Modem.Do(ctx, func(s *modem.Session) error {
					lines, err := s.Exchange(args[0])
					for _, l := range lines {
						fmt.Fprintln(cmd.OutOrStdout(), l)
					}
					return err
				})
			})
		},
	}
}

// splitters maps the decode --prompt values to the split function that
// recognises that prompt.
var splitters = map[string]bufio.SplitFunc{
	"sms":    at.Splitter,
	"socket": at.PromptSplitter(at.SocketPrompt),
	"none":   at.LineSplitter,
}

func newDecodeCmd() *cobra.Command {
	var prompt string
	cmd := &cobra.Command{
		Use:   "decode [capture-file]",
		Short: "Split a raw capture of module output into classified lines",
		Long: `Reads bytes captured from the module's serial line (stdin when no file is
given) and prints each line with its kind: final, urc, data or prompt.

--prompt selects the input prompt to split off: "sms" for "> " (SMS and
file downloads), "socket" for the "@" socket writes answer with, or "none"
to split on line breaks only.`,
		Args: cobra.MaximumNArgs(1),
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			split, ok := splitters[prompt]
			if !ok {
				return fmt.Errorf("unknown prompt %q: want sms, socket or none", prompt)
			}
			in := cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			return decode(in, cmd.OutOrStdout(), split)
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "sms", "input prompt to recognise: sms, socket or none")
	return cmd
}

func decode(r io.Reader, w io.Writer, split bufio.SplitFunc) error {
	scanner := bufio.NewScanner(r)
	scanner.Split(split)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fmt.Fprintf(w, "%-6s %s\n", at.Classify(line), line)
	}
	return scanner.Err()
}
