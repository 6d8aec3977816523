package at

import (
	"errors"
	"strings"
)

var (
	// ErrError is returned when the module answers a command with a bare
	// ERROR final result.
	ErrError = errors.New("ERROR")
)

// CMEError is the equipment error reported by a "+CME ERROR:" final result.
// With AT+CMEE=2 the value is the verbose text, otherwise the numeric code.
type CMEError string

func (e CMEError) Error() string {
	return "CME Error: " + string(e)
}

// CMSError is the message service error reported by a "+CMS ERROR:" final
// result.
type CMSError string

func (e CMSError) Error() string {
	return "CMS Error: " + string(e)
}

// ResultError is a call-progress final result (NO CARRIER, BUSY, ...)
// received while a command was waiting for OK.
type ResultError string

func (e ResultError) Error() string {
	return string(e)
}

// FinalError maps a final result line other than OK to the matching error.
// It returns nil for OK and for lines that are not final results.
func FinalError(line string) error {
	switch {
	case line == ERROR:
		return ErrError
	case strings.HasPrefix(line, CmeError):
		return CMEError(strings.TrimSpace(line[len(CmeError):]))
	case strings.HasPrefix(line, CmsError):
		return CMSError(strings.TrimSpace(line[len(CmsError):]))
	case line == NoCarrier, line == NoDialtone, line == Busy, line == NoAnswer:
		return ResultError(line)
	}
	return nil
}
