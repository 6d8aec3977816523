package at

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/warthog618/modem/info"
)

// Payload returns the part of an information response following "cmd:",
// e.g. Payload(`+USOCR: 3`, "+USOCR") returns "3". The bool reports whether
// the line carried that command's prefix at all.
func Payload(line, cmd string) (string, bool) {
	if !info.HasPrefix(line, cmd) {
		return "", false
	}
	return info.TrimPrefix(line, cmd), true
}

// Fields splits a comma separated parameter list. Commas inside double
// quotes do not split, and the quotes are kept so callers can tell an empty
// string parameter from an omitted one.
func Fields(s string) []string {
	var (
		fields  []string
		start   int
		inQuote bool
	)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuote = !inQuote
		case ',':
			if !inQuote {
				fields = append(fields, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	return append(fields, strings.TrimSpace(s[start:]))
}

// Unquote strips one pair of surrounding double quotes, if present.
func Unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// Ints parses every field as a decimal integer.
func Ints(fields []string) ([]int, error) {
	out := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}
		out[i] = n
	}
	return out, nil
}

// Quote returns s wrapped in double quotes for use as a string parameter.
// The AT parser has no escape for '"', so an embedded quote is rejected.
func Quote(s string) (string, error) {
	if strings.ContainsAny(s, "\"\r\n") {
		return "", fmt.Errorf("parameter %q contains a quote or line break", s)
	}
	return `"` + s + `"`, nil
}
