package mfs_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"

	"i4.energy/across/ubxmodem/at"
	"i4.energy/across/ubxmodem/modem"
	"i4.energy/across/ubxmodem/modem/mfs"
)

// fakeFS answers the file system commands from an in-memory map.
type fakeFS struct {
	files  map[string][]byte
	upload string
	blocks int
}

func (f *fakeFS) handle(w string) string {
	if f.upload != "" {
		f.files[f.upload] = []byte(w)
		f.upload = ""
		return "OK\r\n"
	}
	cmd, _ := strings.CutSuffix(w, "\r")
	verb, args, _ := strings.Cut(cmd, "=")
	params := at.Fields(args)
	name := ""
	if len(params) > 0 {
		name = at.Unquote(params[0])
	}
	switch verb {
	case "AT+UDWNFILE":
		f.upload = name
		return ">"
	case "AT+URDFILE":
		data, ok := f.files[name]
		if !ok {
			return "+CME ERROR: FILE NOT FOUND\r\n"
		}
		return fmt.Sprintf("+URDFILE: \"%s\",%d,\"%s\"\r\nOK\r\n", name, len(data), data)
	case "AT+URDBLOCK":
		f.blocks++
		data := f.files[name]
		off, _ := strconv.Atoi(params[1])
		n, _ := strconv.Atoi(params[2])
		chunk := data[off:min(off+n, len(data))]
		return fmt.Sprintf("+URDBLOCK: \"%s\",%d,\"%s\"\r\nOK\r\n", name, len(chunk), chunk)
	case "AT+ULSTFILE":
		name = at.Unquote(params[1])
		data, ok := f.files[name]
		if !ok {
			return "+CME ERROR: FILE NOT FOUND\r\n"
		}
		return fmt.Sprintf("+ULSTFILE: %d\r\nOK\r\n", len(data))
	case "AT+UDELFILE":
		if _, ok := f.files[name]; !ok {
			return "+CME ERROR: FILE NOT FOUND\r\n"
		}
		delete(f.files, name)
		return "OK\r\n"
	}
	return "ERROR\r\n"
}

func newFS(t *testing.T, opts ...mfs.Option) (*mfs.FS, *fakeFS) {
	t.Helper()
	tr := modem.NewTestTransport()
	m, err := modem.NewTestModem(context.Background(), tr)
	if err != nil {
		t.Fatalf("failed to create modem: %v", err)
	}
	t.Cleanup(func() { m.Close() })

	fake := &fakeFS{files: map[string][]byte{}}
	tr.RespondFunc("", fake.handle)
	return mfs.New(m, opts...), fake
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		size int
	}{
		{"empty-ish", 1},
		{"below block", 100},
		{"exactly one block", mfs.DefaultBlockSize},
		{"above block", 1000},
		{"binary with quotes and line breaks", 300},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs, fake := newFS(t)
			ctx := context.Background()

			data := bytes.Repeat([]byte("ab\"\r\nc"), tt.size/6+1)[:tt.size]

			n, err := fs.Write(ctx, "blob", data)
			if err != nil || n != len(data) {
				t.Fatalf("Write() = %d, %v", n, err)
			}

			buf := make([]byte, tt.size+10)
			n, err = fs.Read(ctx, "blob", buf)
			if err != nil {
				t.Fatalf("Read() error = %v", err)
			}
			if !bytes.Equal(buf[:n], data) {
				t.Errorf("Read() = %q, want %q", buf[:n], data)
			}

			clear(buf)
			n, err = fs.ReadBlocks(ctx, "blob", buf)
			if err != nil {
				t.Fatalf("ReadBlocks() error = %v", err)
			}
			if !bytes.Equal(buf[:n], data) {
				t.Errorf("ReadBlocks() = %q, want %q", buf[:n], data)
			}
			wantBlocks := (tt.size + mfs.DefaultBlockSize - 1) / mfs.DefaultBlockSize
			if fake.blocks != wantBlocks {
				t.Errorf("ReadBlocks() used %d blocks, want %d", fake.blocks, wantBlocks)
			}
		})
	}
}

func TestReadBlocksTruncatesToBuffer(t *testing.T) {
	fs, fake := newFS(t, mfs.WithBlockSize(16))
	fake.files["log"] = bytes.Repeat([]byte("x"), 100)

	buf := make([]byte, 40)
	n, err := fs.ReadBlocks(context.Background(), "log", buf)
	if err != nil {
		t.Fatalf("ReadBlocks() error = %v", err)
	}
	if n != 40 {
		t.Errorf("ReadBlocks() = %d, want 40", n)
	}
	if fake.blocks != 3 {
		t.Errorf("ReadBlocks() used %d blocks, want 3", fake.blocks)
	}
}

func TestSizeAndDelete(t *testing.T) {
	fs, fake := newFS(t)
	ctx := context.Background()
	fake.files["cfg"] = []byte("hello")

	size, err := fs.Size(ctx, "cfg")
	if err != nil || size != 5 {
		t.Fatalf("Size() = %d, %v, want 5", size, err)
	}

	if err := fs.Delete(ctx, "cfg"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok := fake.files["cfg"]; ok {
		t.Error("file still present after Delete()")
	}

	var cme at.CMEError
	if _, err := fs.Size(ctx, "cfg"); !errors.As(err, &cme) {
		t.Errorf("Size() of deleted file error = %v, want CMEError", err)
	}
	if err := fs.Delete(ctx, "cfg"); !errors.As(err, &cme) {
		t.Errorf("second Delete() error = %v, want CMEError", err)
	}
}

func TestRejectsQuotedName(t *testing.T) {
	fs, _ := newFS(t)
	if _, err := fs.Write(context.Background(), `bad"name`, []byte("x")); err == nil {
		t.Error("Write() accepted a name containing a quote")
	}
}
