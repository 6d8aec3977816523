package sockets_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"
	"testing"
	"time"

	"i4.energy/across/ubxmodem/at"
	"i4.energy/across/ubxmodem/modem"
	"i4.energy/across/ubxmodem/modem/sockets"
)

// fakeStack answers socket commands like the module's internal IP stack.
type fakeStack struct {
	next    int
	payload int
	// sent records the length announced by each write command.
	sent   []int
	data   map[int][]byte
	closed []int
}

func (f *fakeStack) handle(w string) string {
	if f.payload > 0 {
		f.payload = 0
		return "OK\r\n"
	}
	cmd, _ := strings.CutSuffix(w, "\r")
	verb, args, _ := strings.Cut(cmd, "=")
	params := at.Fields(args)
	switch verb {
	case "AT+USOCR":
		h := f.next
		f.next++
		return fmt.Sprintf("+USOCR: %d\r\nOK\r\n", h)
	case "AT+USOCO":
		return "OK\r\n"
	case "AT+USOWR", "AT+USOST":
		n, _ := strconv.Atoi(params[len(params)-1])
		f.payload = n
		f.sent = append(f.sent, n)
		return "\r\n@"
	case "AT+USORD", "AT+USORF":
		h, _ := strconv.Atoi(params[0])
		n, _ := strconv.Atoi(params[1])
		chunk := f.data[h][:min(n, len(f.data[h]))]
		f.data[h] = f.data[h][len(chunk):]
		if verb == "AT+USORD" {
			return fmt.Sprintf("+USORD: %d,%d,\"%s\"\r\nOK\r\n", h, len(chunk), chunk)
		}
		return fmt.Sprintf("+USORF: %d,\"10.1.2.3\",5683,%d,\"%s\"\r\nOK\r\n", h, len(chunk), chunk)
	case "AT+USOCL":
		h, _ := strconv.Atoi(params[0])
		f.closed = append(f.closed, h)
		return "OK\r\n"
	}
	return "ERROR\r\n"
}

func newSockets(t *testing.T) (*sockets.Sockets, *fakeStack, *modem.TestTransport, *modem.Modem) {
	t.Helper()
	tr := modem.NewTestTransport()
	m, err := modem.NewTestModem(context.Background(), tr)
	if err != nil {
		t.Fatalf("failed to create modem: %v", err)
	}
	t.Cleanup(func() { m.Close() })

	fake := &fakeStack{data: map[int][]byte{}}
	tr.RespondFunc("", fake.handle)

	socks, err := sockets.New(m,
		sockets.WithPromptSettle(0),
		sockets.WithPollInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("sockets.New() error = %v", err)
	}
	return socks, fake, tr, m
}

func TestSendToSplitsIntoBlocks(t *testing.T) {
	socks, fake, tr, _ := newSockets(t)
	ctx := context.Background()

	sock, err := socks.Open(ctx, sockets.UDP, 0)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	payload := bytes.Repeat([]byte{0xA5}, 2000)
	dst := netip.MustParseAddrPort("192.0.2.1:5683")
	n, err := socks.SendTo(ctx, sock, dst, payload)
	if err != nil || n != 2000 {
		t.Fatalf("SendTo() = %d, %v", n, err)
	}

	if len(fake.sent) != 2 || fake.sent[0] != 1024 || fake.sent[1] != 976 {
		t.Errorf("write commands carried %v, want [1024 976]", fake.sent)
	}
	var cmds []string
	for _, c := range tr.Commands() {
		if strings.HasPrefix(c, "AT+USOST") {
			cmds = append(cmds, c)
		}
	}
	want := []string{`AT+USOST=0,"192.0.2.1",5683,1024`, `AT+USOST=0,"192.0.2.1",5683,976`}
	if strings.Join(cmds, "|") != strings.Join(want, "|") {
		t.Errorf("commands = %q, want %q", cmds, want)
	}
}

func TestRecvReturnsPendingBytes(t *testing.T) {
	socks, fake, tr, _ := newSockets(t)
	ctx := context.Background()

	sock, err := socks.Open(ctx, sockets.UDP, 0)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := socks.Connect(ctx, sock, "192.0.2.1", 7); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	fake.data[0] = bytes.Repeat([]byte("z"), 50)
	tr.SendData("\r\n+UUSORD: 0,50\r\n")

	buf := make([]byte, 100)
	n, err := socks.Recv(ctx, sock, buf)
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if n != 50 {
		t.Errorf("Recv() = %d, want 50", n)
	}

	// Everything pending was consumed; a non-blocking read now times out.
	if err := socks.SetBlocking(ctx, sock, false); err != nil {
		t.Fatal(err)
	}
	if _, err := socks.Recv(ctx, sock, buf); !errors.Is(err, modem.ErrTimeout) {
		t.Errorf("second Recv() error = %v, want ErrTimeout", err)
	}
}

func TestRecvInBlocks(t *testing.T) {
	socks, fake, tr, _ := newSockets(t)
	ctx := context.Background()

	sock, _ := socks.Open(ctx, sockets.TCP, 0)
	if err := socks.Connect(ctx, sock, "192.0.2.1", 80); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	data := bytes.Repeat([]byte("0123456789"), 30)
	fake.data[0] = data
	tr.SendData("+UUSORD: 0,300\r\n")

	buf := make([]byte, 512)
	n, err := socks.Recv(ctx, sock, buf)
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if !bytes.Equal(buf[:n], data) {
		t.Errorf("Recv() = %d bytes, want %d", n, len(data))
	}

	reads := 0
	for _, c := range tr.Commands() {
		if strings.HasPrefix(c, "AT+USORD") {
			reads++
		}
	}
	if reads != 3 {
		t.Errorf("issued %d reads, want 3 blocks of at most %d", reads, sockets.DefaultMaxRead)
	}
}

func TestRecvFrom(t *testing.T) {
	socks, fake, tr, _ := newSockets(t)
	ctx := context.Background()

	sock, _ := socks.Open(ctx, sockets.UDP, 5000)
	fake.data[0] = []byte("pong")
	tr.SendData("+UUSORF: 0,4\r\n")

	buf := make([]byte, 16)
	n, from, err := socks.RecvFrom(ctx, sock, buf)
	if err != nil {
		t.Fatalf("RecvFrom() error = %v", err)
	}
	if string(buf[:n]) != "pong" {
		t.Errorf("RecvFrom() = %q, want pong", buf[:n])
	}
	if from != netip.MustParseAddrPort("10.1.2.3:5683") {
		t.Errorf("RecvFrom() sender = %v", from)
	}
	if cmds := tr.Commands(); !contains(cmds, "AT+USOCR=17,5000") {
		t.Errorf("local port not requested: %q", cmds)
	}
}

func TestSlotExhaustionAndReuse(t *testing.T) {
	socks, _, _, _ := newSockets(t)
	ctx := context.Background()

	var opened []sockets.Socket
	for i := 0; i < sockets.NumSockets; i++ {
		s, err := socks.Open(ctx, sockets.TCP, 0)
		if err != nil {
			t.Fatalf("Open() #%d error = %v", i+1, err)
		}
		opened = append(opened, s)
	}

	if _, err := socks.Open(ctx, sockets.TCP, 0); !errors.Is(err, sockets.ErrNoSlot) {
		t.Fatalf("Open() beyond capacity error = %v, want ErrNoSlot", err)
	}

	if err := socks.Close(ctx, opened[4]); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	s, err := socks.Open(ctx, sockets.TCP, 0)
	if err != nil {
		t.Fatalf("Open() after Close() error = %v", err)
	}
	if s != opened[4] {
		t.Errorf("reopened slot %d, want freed slot %d", s, opened[4])
	}
}

func TestConnectTwiceRejected(t *testing.T) {
	socks, _, _, _ := newSockets(t)
	ctx := context.Background()

	sock, _ := socks.Open(ctx, sockets.TCP, 0)
	if err := socks.Connect(ctx, sock, "192.0.2.1", 80); err != nil {
		t.Fatal(err)
	}
	if err := socks.Connect(ctx, sock, "192.0.2.1", 80); !errors.Is(err, sockets.ErrIsConnected) {
		t.Errorf("second Connect() error = %v, want ErrIsConnected", err)
	}
	if err := socks.Connect(ctx, sock, "example.com", 80); err == nil {
		t.Error("Connect() to a name without resolver should fail")
	}
}

func TestRemoteClose(t *testing.T) {
	socks, fake, tr, m := newSockets(t)
	ctx := context.Background()

	sock, _ := socks.Open(ctx, sockets.TCP, 0)
	if err := socks.Connect(ctx, sock, "192.0.2.1", 80); err != nil {
		t.Fatal(err)
	}

	tr.SendData("+UUSOCL: 0\r\n")
	if _, err := socks.Recv(ctx, sock, make([]byte, 10)); !errors.Is(err, io.EOF) {
		t.Errorf("Recv() after remote close error = %v, want io.EOF", err)
	}

	select {
	case ev := <-m.Events():
		if ev.Prefix != "+UUSOCL" || ev.Params != "0" {
			t.Errorf("event = %+v", ev)
		}
	default:
		t.Error("no event for remote close")
	}

	// Not connected any more, so no AT+USOCL is sent, but the slot is freed.
	if err := socks.Close(ctx, sock); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if len(fake.closed) != 0 {
		t.Errorf("AT+USOCL sent for %v", fake.closed)
	}
	if _, err := socks.IsConnected(ctx, sock); !errors.Is(err, sockets.ErrNoSocket) {
		t.Errorf("IsConnected() on freed slot error = %v, want ErrNoSocket", err)
	}
}

func TestReadable(t *testing.T) {
	socks, _, tr, _ := newSockets(t)
	ctx := context.Background()

	sock, _ := socks.Open(ctx, sockets.TCP, 0)
	if err := socks.Connect(ctx, sock, "192.0.2.1", 80); err != nil {
		t.Fatal(err)
	}

	n, err := socks.Readable(ctx, sock)
	if err != nil || n != 0 {
		t.Fatalf("Readable() = %d, %v, want 0", n, err)
	}

	tr.SendData("+UUSORD: 0,12\r\n")
	n, err = socks.Readable(ctx, sock)
	if err != nil || n != 12 {
		t.Errorf("Readable() = %d, %v, want 12", n, err)
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
