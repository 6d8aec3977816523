package modem

import (
	"fmt"
	"time"
)

// Timeout bounds how long a receive may wait. A Timeout is either a finite
// duration or Blocking, which waits until a match arrives. The zero value is
// a finite timeout of zero: only data already buffered can satisfy it.
type Timeout struct {
	d        time.Duration
	blocking bool
}

// Blocking never expires.
var Blocking = Timeout{blocking: true}

// After returns a finite timeout of d. Negative durations are treated as zero.
func After(d time.Duration) Timeout {
	if d < 0 {
		d = 0
	}
	return Timeout{d: d}
}

// IsBlocking reports whether t has no deadline.
func (t Timeout) IsBlocking() bool {
	return t.blocking
}

// Duration returns the finite duration of t. It is zero for Blocking.
func (t Timeout) Duration() time.Duration {
	if t.blocking {
		return 0
	}
	return t.d
}

// Expired reports whether a wait that started at start has run out of time.
func (t Timeout) Expired(start time.Time) bool {
	return !t.blocking && time.Since(start) > t.d
}

// deadline returns the absolute deadline for a wait starting now. The zero
// time means no deadline.
func (t Timeout) deadline(now time.Time) time.Time {
	if t.blocking {
		return time.Time{}
	}
	return now.Add(t.d)
}

// Min returns the shorter of t and u. Blocking is longer than any finite
// timeout.
func (t Timeout) Min(u Timeout) Timeout {
	switch {
	case t.blocking:
		return u
	case u.blocking:
		return t
	case u.d < t.d:
		return u
	}
	return t
}

func (t Timeout) String() string {
	if t.blocking {
		return "blocking"
	}
	return fmt.Sprint(t.d)
}
