package modem

import (
	"testing"
	"time"
)

func TestTimeoutMin(t *testing.T) {
	tests := []struct {
		name string
		a, b Timeout
		want Timeout
	}{
		{"finite shorter first", After(time.Second), After(2 * time.Second), After(time.Second)},
		{"finite shorter second", After(2 * time.Second), After(time.Second), After(time.Second)},
		{"blocking loses to finite", Blocking, After(time.Second), After(time.Second)},
		{"finite beats blocking", After(time.Second), Blocking, After(time.Second)},
		{"both blocking", Blocking, Blocking, Blocking},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Min(tt.b); got != tt.want {
				t.Errorf("Min() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTimeoutExpired(t *testing.T) {
	start := time.Now().Add(-time.Second)
	if !After(500 * time.Millisecond).Expired(start) {
		t.Error("500ms timeout should have expired after 1s")
	}
	if After(2 * time.Second).Expired(start) {
		t.Error("2s timeout should not have expired after 1s")
	}
	if Blocking.Expired(start) {
		t.Error("Blocking never expires")
	}
}

func TestTimeoutDeadline(t *testing.T) {
	now := time.Now()
	if d := Blocking.deadline(now); !d.IsZero() {
		t.Errorf("Blocking deadline = %v, want zero", d)
	}
	if d := After(time.Second).deadline(now); !d.Equal(now.Add(time.Second)) {
		t.Errorf("deadline = %v, want %v", d, now.Add(time.Second))
	}
	if After(-time.Second).Duration() != 0 {
		t.Error("negative duration should clamp to zero")
	}
	if Blocking.String() != "blocking" || After(time.Second).String() != "1s" {
		t.Errorf("String() = %q, %q", Blocking.String(), After(time.Second).String())
	}
}
