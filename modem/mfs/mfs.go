// Package mfs reads and writes files in the module's own file system, where
// HTTP responses and FTP downloads land.
package mfs

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"i4.energy/across/ubxmodem/at"
	"i4.energy/across/ubxmodem/modem"
)

// DefaultBlockSize is the chunk ReadBlocks requests per AT+URDBLOCK. The
// module's line buffer caps a single read response.
const DefaultBlockSize = 128

const uploadPrompt = ">"

// FS is the file system of one module.
type FS struct {
	m         *modem.Modem
	logger    *slog.Logger
	blockSize int
}

type Option func(*FS)

// WithBlockSize overrides DefaultBlockSize.
func WithBlockSize(n int) Option {
	return func(f *FS) {
		if n > 0 {
			f.blockSize = n
		}
	}
}

func New(m *modem.Modem, opts ...Option) *FS {
	f := &FS{
		m:         m,
		logger:    m.Logger().With("component", "mfs"),
		blockSize: DefaultBlockSize,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Write stores data as name, replacing any existing file, and returns the
// number of bytes written.
func (f *FS) Write(ctx context.Context, name string, data []byte) (n int, err error) {
	err = f.m.Do(ctx, func(s *modem.Session) error {
		n, err = f.WriteIn(s, name, data)
		return err
	})
	return n, err
}

// WriteIn is Write for a caller that already holds the session.
func (f *FS) WriteIn(s *modem.Session, name string, data []byte) (int, error) {
	q, err := at.Quote(name)
	if err != nil {
		return 0, err
	}
	if err := s.Send("AT+UDWNFILE=%s,%d", q, len(data)); err != nil {
		return 0, err
	}
	if err := s.WaitPrompt(uploadPrompt); err != nil {
		return 0, fmt.Errorf("write %s: %w", name, err)
	}
	if _, err := s.Write(data); err != nil {
		return 0, err
	}
	if err := s.OK(); err != nil {
		return 0, fmt.Errorf("write %s: %w", name, err)
	}
	f.logger.Debug("file written", "name", name, "size", len(data))
	return len(data), nil
}

// Read fetches name with a single AT+URDFILE into buf. A file larger than
// buf is truncated to len(buf). Use ReadBlocks for files that may exceed the
// module's line buffer.
func (f *FS) Read(ctx context.Context, name string, buf []byte) (n int, err error) {
	err = f.m.Do(ctx, func(s *modem.Session) error {
		n, err = f.ReadIn(s, name, buf)
		return err
	})
	return n, err
}

func (f *FS) ReadIn(s *modem.Session, name string, buf []byte) (int, error) {
	q, err := at.Quote(name)
	if err != nil {
		return 0, err
	}
	if err := s.Send("AT+URDFILE=%s", q); err != nil {
		return 0, err
	}
	_, payload, err := s.RecvPayload("+URDFILE", 2)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", name, err)
	}
	if err := s.OK(); err != nil {
		return 0, fmt.Errorf("read %s: %w", name, err)
	}
	return copy(buf, payload), nil
}

// ReadBlocks fetches up to len(buf) bytes of name in blocks, advancing the
// offset until the file or buf is exhausted. The first failing block fails
// the read.
func (f *FS) ReadBlocks(ctx context.Context, name string, buf []byte) (n int, err error) {
	err = f.m.Do(ctx, func(s *modem.Session) error {
		n, err = f.ReadBlocksIn(s, name, buf)
		return err
	})
	return n, err
}

func (f *FS) ReadBlocksIn(s *modem.Session, name string, buf []byte) (int, error) {
	size, err := f.SizeIn(s, name)
	if err != nil {
		return 0, err
	}
	toRead := min(size, len(buf))
	q, err := at.Quote(name)
	if err != nil {
		return 0, err
	}

	offset := 0
	for offset < toRead {
		block := min(f.blockSize, toRead-offset)
		if err := s.Send("AT+URDBLOCK=%s,%d,%d", q, offset, block); err != nil {
			return offset, err
		}
		_, payload, err := s.RecvPayload("+URDBLOCK", 2)
		if err != nil {
			return offset, fmt.Errorf("read %s at %d: %w", name, offset, err)
		}
		if len(payload) == 0 || len(payload) > block {
			return offset, fmt.Errorf("read %s at %d: %w: block of %d bytes", name, offset, modem.ErrMalformed, len(payload))
		}
		copy(buf[offset:], payload)
		offset += len(payload)
		if err := s.OK(); err != nil {
			return offset, err
		}
	}
	f.logger.Debug("file read", "name", name, "size", size, "read", offset)
	return offset, nil
}

// Delete removes name.
func (f *FS) Delete(ctx context.Context, name string) error {
	return f.m.Do(ctx, func(s *modem.Session) error {
		return f.DeleteIn(s, name)
	})
}

func (f *FS) DeleteIn(s *modem.Session, name string) error {
	q, err := at.Quote(name)
	if err != nil {
		return err
	}
	if err := s.Command("AT+UDELFILE=%s", q); err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

// Size returns the size of name in bytes.
func (f *FS) Size(ctx context.Context, name string) (n int, err error) {
	err = f.m.Do(ctx, func(s *modem.Session) error {
		n, err = f.SizeIn(s, name)
		return err
	})
	return n, err
}

func (f *FS) SizeIn(s *modem.Session, name string) (int, error) {
	q, err := at.Quote(name)
	if err != nil {
		return 0, err
	}
	fields, err := s.Query("+ULSTFILE", "AT+ULSTFILE=2,%s", q)
	if err != nil {
		return 0, fmt.Errorf("size of %s: %w", name, err)
	}
	size, err := strconv.Atoi(fields[0])
	if err != nil || size < 0 {
		return 0, fmt.Errorf("size of %s: %w: %q", name, modem.ErrMalformed, fields)
	}
	return size, nil
}
