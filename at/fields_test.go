package at_test

import (
	"errors"
	"slices"
	"testing"

	"i4.energy/across/ubxmodem/at"
)

func TestFields(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{name: "Integers", input: "0,8,1", expected: []string{"0", "8", "1"}},
		{name: "Quoted comma", input: `1,"a,b",3`, expected: []string{"1", `"a,b"`, "3"}},
		{name: "Empty field", input: `"REC READ","+123",,"07/04/05"`, expected: []string{`"REC READ"`, `"+123"`, "", `"07/04/05"`}},
		{name: "Spaces trimmed", input: " 1, 2", expected: []string{"1", "2"}},
		{name: "Single", input: "42", expected: []string{"42"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := at.Fields(tt.input)
			if !slices.Equal(got, tt.expected) {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestPayload(t *testing.T) {
	p, ok := at.Payload("+USOCR: 3", "+USOCR")
	if !ok || p != "3" {
		t.Errorf("Expected (\"3\", true), got (%q, %v)", p, ok)
	}
	if _, ok := at.Payload("+USOCL: 3", "+USOCR"); ok {
		t.Error("Expected no match for a different command")
	}
}

func TestInts(t *testing.T) {
	got, err := at.Ints([]string{"1", " 2", "-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slices.Equal(got, []int{1, 2, -1}) {
		t.Errorf("unexpected ints %v", got)
	}
	if _, err := at.Ints([]string{"1", "x"}); err == nil {
		t.Error("expected error for non-numeric field")
	}
}

func TestQuote(t *testing.T) {
	if q, err := at.Quote("apn.example"); err != nil || q != `"apn.example"` {
		t.Errorf("unexpected quote result %q, %v", q, err)
	}
	if _, err := at.Quote(`bad"name`); err == nil {
		t.Error("expected error for embedded quote")
	}
	if at.Unquote(`"x"`) != "x" || at.Unquote("x") != "x" {
		t.Error("Unquote did not strip exactly one pair of quotes")
	}
}

func TestFinalError(t *testing.T) {
	tests := []struct {
		line string
		want error
	}{
		{line: "OK", want: nil},
		{line: "+USOCR: 1", want: nil},
		{line: "ERROR", want: at.ErrError},
		{line: "+CME ERROR: SIM not inserted", want: at.CMEError("SIM not inserted")},
		{line: "+CMS ERROR: 500", want: at.CMSError("500")},
		{line: "NO CARRIER", want: at.ResultError("NO CARRIER")},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got := at.FinalError(tt.line)
			if !errors.Is(got, tt.want) && got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}
