package httpc_test

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"testing"
	"time"

	"i4.energy/across/ubxmodem/at"
	"i4.energy/across/ubxmodem/modem"
	"i4.energy/across/ubxmodem/modem/httpc"
)

// fakeHTTP plays the module's HTTP client and the file system holding the
// responses.
type fakeHTTP struct {
	result int
	// silent suppresses the completion URC.
	silent bool
	// early sends the completion URC ahead of OK.
	early bool
	// reject answers AT+UHTTPC with an error.
	reject bool
	// before is queued ahead of the completion URC.
	before string
	body   string
}

func (f *fakeHTTP) handle(w string) string {
	cmd, _ := strings.CutSuffix(w, "\r")
	verb, args, _ := strings.Cut(cmd, "=")
	params := at.Fields(args)
	switch verb {
	case "AT+UHTTP":
		return "OK\r\n"
	case "AT+UHTTPC":
		switch {
		case f.reject:
			return "+CME ERROR: operation not allowed\r\n"
		case f.silent:
			return "OK\r\n"
		case f.early:
			return fmt.Sprintf("%s+UUHTTPCR: %s,%s,%d\r\nOK\r\n", f.before, params[0], params[1], f.result)
		}
		return fmt.Sprintf("OK\r\n%s+UUHTTPCR: %s,%s,%d\r\n", f.before, params[0], params[1], f.result)
	case "AT+UHTTPER":
		return fmt.Sprintf("+UHTTPER: %s,3,11\r\nOK\r\n", params[0])
	case "AT+ULSTFILE":
		return fmt.Sprintf("+ULSTFILE: %d\r\nOK\r\n", len(f.body))
	case "AT+URDBLOCK":
		off, _ := strconv.Atoi(params[1])
		n, _ := strconv.Atoi(params[2])
		chunk := f.body[off:min(off+n, len(f.body))]
		return fmt.Sprintf("+URDBLOCK: %s,%d,\"%s\"\r\nOK\r\n", params[0], len(chunk), chunk)
	}
	return "ERROR\r\n"
}

type staticResolver map[string]netip.Addr

func (r staticResolver) Resolve(_ context.Context, host string) (netip.Addr, error) {
	if a, ok := r[host]; ok {
		return a, nil
	}
	return netip.Addr{}, errors.New("no such host")
}

func newClient(t *testing.T, fake *fakeHTTP, opts ...httpc.Option) (*httpc.Client, *modem.TestTransport) {
	t.Helper()
	tr := modem.NewTestTransport()
	m, err := modem.NewTestModem(context.Background(), tr)
	if err != nil {
		t.Fatalf("failed to create modem: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	tr.RespondFunc("", fake.handle)

	c, err := httpc.New(m, opts...)
	if err != nil {
		t.Fatalf("httpc.New() error = %v", err)
	}
	return c, tr
}

func TestGet(t *testing.T) {
	fake := &fakeHTTP{result: 1, body: strings.Repeat("<html></html>", 20)}
	c, tr := newClient(t, fake)
	ctx := context.Background()

	p, err := c.Alloc(ctx)
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}

	buf := make([]byte, 1024)
	n, err := c.Command(ctx, p, httpc.Request{Method: httpc.Get, Path: "/index.html"}, buf)
	if err != nil {
		t.Fatalf("Command() error = %v", err)
	}
	if string(buf[:n]) != fake.body {
		t.Errorf("body = %q, want %q", buf[:n], fake.body)
	}

	want := `AT+UHTTPC=0,1,"/index.html","http_last_response_0"`
	if !contains(tr.Commands(), want) {
		t.Errorf("commands %q do not include %q", tr.Commands(), want)
	}
}

func TestCommandFailureReportsProtocolError(t *testing.T) {
	fake := &fakeHTTP{result: 0}
	c, _ := newClient(t, fake)
	ctx := context.Background()

	p, _ := c.Alloc(ctx)
	_, err := c.Command(ctx, p, httpc.Request{Method: httpc.Head, Path: "/"}, nil)

	var perr *modem.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("Command() error = %v, want *modem.ProtocolError", err)
	}
	if perr.Class != 3 || perr.Code != 11 {
		t.Errorf("ProtocolError = %+v, want class 3 code 11", perr)
	}

	last, err := c.LastError(ctx, p)
	if err != nil || last != *perr {
		t.Errorf("LastError() = %+v, %v", last, err)
	}
}

func TestProfileAllocation(t *testing.T) {
	c, _ := newClient(t, &fakeHTTP{})
	ctx := context.Background()

	var profiles []httpc.Profile
	for i := 0; i < httpc.NumProfiles; i++ {
		p, err := c.Alloc(ctx)
		if err != nil {
			t.Fatalf("Alloc() #%d error = %v", i+1, err)
		}
		profiles = append(profiles, p)
	}
	if _, err := c.Alloc(ctx); !errors.Is(err, httpc.ErrNoProfile) {
		t.Fatalf("Alloc() beyond capacity error = %v, want ErrNoProfile", err)
	}

	if err := c.Free(ctx, profiles[1]); err != nil {
		t.Fatalf("Free() error = %v", err)
	}
	p, err := c.Alloc(ctx)
	if err != nil || p != profiles[1] {
		t.Fatalf("Alloc() after Free() = %d, %v, want %d", p, err, profiles[1])
	}
	if _, err := c.Alloc(ctx); !errors.Is(err, httpc.ErrNoProfile) {
		t.Errorf("second Alloc() after one Free() error = %v, want ErrNoProfile", err)
	}
	if err := c.Free(ctx, httpc.Profile(7)); !errors.Is(err, httpc.ErrBadProfile) {
		t.Errorf("Free() of invalid profile error = %v, want ErrBadProfile", err)
	}
}

func TestCompletionUpdatesOnlyItsProfile(t *testing.T) {
	fake := &fakeHTTP{result: 1, before: "+UUHTTPCR: 2,1,0\r\n", body: "ok"}
	c, _ := newClient(t, fake)
	ctx := context.Background()

	for i := 0; i < httpc.NumProfiles; i++ {
		if _, err := c.Alloc(ctx); err != nil {
			t.Fatal(err)
		}
	}

	buf := make([]byte, 16)
	if _, err := c.Command(ctx, 0, httpc.Request{Method: httpc.Get, Path: "/"}, buf); err != nil {
		t.Fatalf("Command() error = %v", err)
	}

	tests := []struct {
		profile    httpc.Profile
		wantCmd    httpc.Method
		wantResult int
	}{
		{0, httpc.Get, 1},
		{1, -1, -1},
		{2, httpc.Get, 0},
		{3, -1, -1},
	}
	for _, tt := range tests {
		cmd, result, err := c.Result(ctx, tt.profile)
		if err != nil {
			t.Fatalf("Result(%d) error = %v", tt.profile, err)
		}
		if cmd != tt.wantCmd || result != tt.wantResult {
			t.Errorf("Result(%d) = %v, %d, want %v, %d", tt.profile, cmd, result, tt.wantCmd, tt.wantResult)
		}
	}
}

func TestCompletionBeforeOK(t *testing.T) {
	fake := &fakeHTTP{result: 1, early: true, body: "pong"}
	c, _ := newClient(t, fake)
	ctx := context.Background()

	p, _ := c.Alloc(ctx)
	if err := c.SetTimeout(ctx, p, modem.After(500*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 16)
	n, err := c.Command(ctx, p, httpc.Request{Method: httpc.Get, Path: "/ping"}, buf)
	if err != nil {
		t.Fatalf("Command() error = %v", err)
	}
	if string(buf[:n]) != fake.body {
		t.Errorf("body = %q, want %q", buf[:n], fake.body)
	}
}

func TestRejectedCommandLeavesProfileFree(t *testing.T) {
	fake := &fakeHTTP{result: 1, reject: true, body: "ok"}
	c, _ := newClient(t, fake)
	ctx := context.Background()

	p, _ := c.Alloc(ctx)
	req := httpc.Request{Method: httpc.Get, Path: "/"}
	var cme at.CMEError
	if _, err := c.Command(ctx, p, req, nil); !errors.As(err, &cme) {
		t.Fatalf("Command() error = %v, want CME error", err)
	}

	fake.reject = false
	if _, err := c.Command(ctx, p, req, make([]byte, 4)); err != nil {
		t.Errorf("Command() after rejection error = %v", err)
	}
}

func TestBusyProfileRefusesCommand(t *testing.T) {
	fake := &fakeHTTP{result: 1, silent: true}
	c, _ := newClient(t, fake)
	ctx := context.Background()

	p, _ := c.Alloc(ctx)
	if err := c.SetTimeout(ctx, p, modem.After(50*time.Millisecond)); err != nil {
		t.Fatal(err)
	}

	req := httpc.Request{Method: httpc.Get, Path: "/slow"}
	if _, err := c.Command(ctx, p, req, nil); !errors.Is(err, modem.ErrTimeout) {
		t.Fatalf("Command() error = %v, want ErrTimeout", err)
	}
	if _, err := c.Command(ctx, p, req, nil); !errors.Is(err, httpc.ErrProfileBusy) {
		t.Fatalf("Command() on busy profile error = %v, want ErrProfileBusy", err)
	}

	if err := c.Reset(ctx, p); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	fake.silent = false
	if _, err := c.Command(ctx, p, req, make([]byte, 4)); err != nil {
		t.Errorf("Command() after Reset() error = %v", err)
	}
}

func TestSetParam(t *testing.T) {
	resolver := staticResolver{"example.com": netip.MustParseAddr("93.184.216.34")}
	c, tr := newClient(t, &fakeHTTP{}, httpc.WithResolver(resolver))
	ctx := context.Background()
	p, _ := c.Alloc(ctx)

	tests := []struct {
		param httpc.Param
		value string
		want  string
	}{
		{httpc.IPAddress, "10.0.0.1", `AT+UHTTP=0,0,"10.0.0.1"`},
		{httpc.IPAddress, "example.com", `AT+UHTTP=0,0,"93.184.216.34"`},
		{httpc.ServerName, "example.com", `AT+UHTTP=0,1,"example.com"`},
		{httpc.ServerPort, "8080", `AT+UHTTP=0,5,8080`},
		{httpc.Secure, "1", `AT+UHTTP=0,6,1`},
	}
	for _, tt := range tests {
		if err := c.SetParam(ctx, p, tt.param, tt.value); err != nil {
			t.Errorf("SetParam(%d, %q) error = %v", tt.param, tt.value, err)
			continue
		}
		cmds := tr.Commands()
		if got := cmds[len(cmds)-1]; got != tt.want {
			t.Errorf("SetParam(%d, %q) sent %q, want %q", tt.param, tt.value, got, tt.want)
		}
	}

	if err := c.SetParam(ctx, p, httpc.ServerPort, "eighty"); err == nil {
		t.Error("SetParam() accepted a non-numeric port")
	}
	if err := c.SetParam(ctx, p, httpc.IPAddress, "unknown.invalid"); err == nil {
		t.Error("SetParam() accepted an unresolvable host")
	}
}

func TestRequestCommand(t *testing.T) {
	tests := []struct {
		name string
		req  httpc.Request
		want string
	}{
		{
			name: "PUT",
			req:  httpc.Request{Method: httpc.Put, Path: "/up", ResponseFile: "rsp", Send: "data.bin"},
			want: `AT+UHTTPC=1,3,"/up","rsp","data.bin"`,
		},
		{
			name: "POST data",
			req:  httpc.Request{Method: httpc.PostData, Path: "/api", ResponseFile: "rsp", Send: "a=1", ContentType: httpc.URLEncoded},
			want: `AT+UHTTPC=1,5,"/api","rsp","a=1",0`,
		},
		{
			name: "POST file user defined",
			req: httpc.Request{Method: httpc.PostFile, Path: "/api", ResponseFile: "rsp", Send: "body.cbor",
				ContentType: httpc.UserDefined, CustomType: "application/cbor"},
			want: `AT+UHTTPC=1,4,"/api","rsp","body.cbor",6,"application/cbor"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, tr := newClient(t, &fakeHTTP{result: 1})
			ctx := context.Background()
			c.Alloc(ctx)
			p, _ := c.Alloc(ctx)

			if _, err := c.Command(ctx, p, tt.req, make([]byte, 8)); err != nil {
				t.Fatalf("Command() error = %v", err)
			}
			if !contains(tr.Commands(), tt.want) {
				t.Errorf("commands %q do not include %q", tr.Commands(), tt.want)
			}
		})
	}
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
