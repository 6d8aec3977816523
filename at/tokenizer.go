package at

import (
	"bufio"
	"bytes"
	"strings"
)

// Splitter is used for tokenizing AT command modem responses. It uses
// the signature of bufio.SplitFunc so it can be directly used with bufio.Scanner.
//
// It splits the input by CRLF line endings and also
// recognizes the SMS input prompt ("> ").
//
// Important: This splitter assumes "No Echo" mode (ATE0). If echo is enabled,
// command echoes come through as ordinary lines ahead of the response.
//
// The atEOF parameter indicates whether any more data will be available.
// When true, any remaining data is returned as the final token.
func Splitter(data []byte, atEOF bool) (advance int, token []byte, err error) {
	return PromptSplitter(Prompt)(data, atEOF)
}

var _ bufio.SplitFunc = Splitter

// PromptSplitter returns a split function that behaves like Splitter but
// recognises prompt instead of the SMS prompt. u-blox socket writes answer
// with a bare "@" that is never followed by CRLF, so the prompt has to be
// detected at the head of the buffer before any line split is attempted.
func PromptSplitter(prompt string) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (int, []byte, error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}

		// 1. Match the input prompt
		if prompt != "" && bytes.HasPrefix(data, []byte(prompt)) {
			return len(prompt), data[0:len(prompt)], nil
		}

		// 2. Match standard line ending with CRLF
		if i := bytes.Index(data, []byte(CRLF)); i >= 0 {
			return i + len(CRLF), data[0:i], nil
		}

		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
}

// LineSplitter splits on CRLF only, for captures taken outside prompt
// exchanges where payload text may start with '>' or '@'.
var LineSplitter = PromptSplitter("")

// Classify identifies the nature of the modem output
func Classify(line string) ResponseType {
	if line == Prompt || line == SocketPrompt || line == ">" {
		return TypePrompt
	}

	// Direct matches for final results
	switch line {
	case OK, ERROR, NoCarrier, NoDialtone, Busy, NoAnswer:
		return TypeFinal
	}

	// Prefix matches
	switch {
	case strings.HasPrefix(line, CmeError), strings.HasPrefix(line, CmsError):
		return TypeFinal
	case strings.HasPrefix(line, UrcNewMsg), line == UrcCall:
		return TypeURC
	default:
		return TypeData
	}
}
