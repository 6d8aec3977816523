package at_test

import (
	"bufio"
	"strings"
	"testing"

	"i4.energy/across/ubxmodem/at"
)

func scanAll(t *testing.T, input string, split bufio.SplitFunc) []string {
	t.Helper()
	var tokens []string
	scanner := bufio.NewScanner(strings.NewReader(input))
	scanner.Split(split)
	for scanner.Scan() {
		tokens = append(tokens, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("Scanner error: %v", err)
	}
	return tokens
}

func TestSplitter(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "Socket create response",
			input:    "+USOCR: 0\r\nOK\r\n",
			expected: []string{"+USOCR: 0", "OK"},
		},
		{
			name:     "Command with CME error",
			input:    "AT+USOCO=0,\"1.2.3.4\",80\r\n+CME ERROR: operation not allowed\r\n",
			expected: []string{"AT+USOCO=0,\"1.2.3.4\",80", "+CME ERROR: operation not allowed"},
		},
		{
			name:     "SMS sending sequence",
			input:    "\r\n> Hello World!\x1A\r\n+CMGS: 12\r\nOK\r\n",
			expected: []string{"", "> ", "Hello World!\x1A", "+CMGS: 12", "OK"},
		},
		{
			name:     "URC interleaved with response",
			input:    "+UUSORD: 0,50\r\n+UPSND: 0,8,1\r\nOK\r\n",
			expected: []string{"+UUSORD: 0,50", "+UPSND: 0,8,1", "OK"},
		},
		{
			name:     "Multiple URCs",
			input:    "+UUSORD: 0,12\r\n+UUSOCL: 0\r\n+UUHTTPCR: 1,1,1\r\n",
			expected: []string{"+UUSORD: 0,12", "+UUSOCL: 0", "+UUHTTPCR: 1,1,1"},
		},
		{
			name:     "Empty lines handling",
			input:    "\r\n\r\nAT\r\nOK\r\n\r\n",
			expected: []string{"", "", "AT", "OK", ""},
		},
		{
			name:     "Response cut off mid-stream at EOF",
			input:    "+ULSTFILE: 12\r\nOK\r\n+UULOC: 1",
			expected: []string{"+ULSTFILE: 12", "OK", "+UULOC: 1"},
		},
		{
			name:     "Partial SMS prompt at EOF",
			input:    "AT+CMGS=\"+123\"\r\n>",
			expected: []string{"AT+CMGS=\"+123\"", ">"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens := scanAll(t, tt.input, at.Splitter)

			if len(tokens) != len(tt.expected) {
				t.Fatalf("Expected %d tokens, got %d.\nExpected: %q\nGot: %q",
					len(tt.expected), len(tokens), tt.expected, tokens)
			}

			for i, expected := range tt.expected {
				if tokens[i] != expected {
					t.Errorf("Token %d: expected %q, got %q", i, expected, tokens[i])
				}
			}
		})
	}
}

func TestPromptSplitter(t *testing.T) {
	tests := []struct {
		name     string
		split    bufio.SplitFunc
		input    string
		expected []string
	}{
		{
			name:     "Socket prompt without terminator",
			split:    at.PromptSplitter(at.SocketPrompt),
			input:    "@",
			expected: []string{"@"},
		},
		{
			name:     "URC ahead of socket prompt",
			split:    at.PromptSplitter(at.SocketPrompt),
			input:    "+UUSORD: 1,4\r\n@",
			expected: []string{"+UUSORD: 1,4", "@"},
		},
		{
			name:     "Line splitter ignores prompts",
			split:    at.LineSplitter,
			input:    "> quoted reply\r\n@home\r\n",
			expected: []string{"> quoted reply", "@home"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens := scanAll(t, tt.input, tt.split)
			if strings.Join(tokens, "|") != strings.Join(tt.expected, "|") {
				t.Errorf("Expected %q, got %q", tt.expected, tokens)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected at.ResponseType
	}{
		// Final responses
		{name: "OK response", input: "OK", expected: at.TypeFinal},
		{name: "ERROR response", input: "ERROR", expected: at.TypeFinal},
		{name: "CME Error", input: "+CME ERROR: 30", expected: at.TypeFinal},
		{name: "CMS Error", input: "+CMS ERROR: 500", expected: at.TypeFinal},
		{name: "NO CARRIER", input: "NO CARRIER", expected: at.TypeFinal},

		// URCs
		{name: "New message URC", input: "+CMTI: \"SM\",1", expected: at.TypeURC},
		{name: "Incoming call URC", input: "RING", expected: at.TypeURC},

		// Data responses
		{name: "Socket handle", input: "+USOCR: 3", expected: at.TypeData},
		{name: "File size", input: "+ULSTFILE: 120", expected: at.TypeData},
		{name: "PIN status", input: "+CPIN: READY", expected: at.TypeData},

		// Prompt
		{name: "SMS input prompt", input: "> ", expected: at.TypePrompt},
		{name: "Socket write prompt", input: "@", expected: at.TypePrompt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := at.Classify(tt.input)
			if result != tt.expected {
				t.Errorf("Expected %v, got %v for input %q", tt.expected, result, tt.input)
			}
		})
	}
}
