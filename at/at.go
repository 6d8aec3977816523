// Package at holds the AT wire vocabulary shared by the modem engine and its
// feature packages: terminators, prompts, final result codes, and helpers to
// split and classify the lines a u-blox module emits.
package at

const (
	// Terminal Control
	CRLF   = "\r\n"
	CR     = "\r"
	CtrlZ  = "\x1a"
	Prompt = "> "

	// SocketPrompt is emitted by +USOWR/+USOST (and +UDWNFILE on newer
	// firmware) before the raw payload is accepted.
	SocketPrompt = "@"

	// Response Codes
	OK         = "OK"
	ERROR      = "ERROR"
	NoCarrier  = "NO CARRIER"
	NoDialtone = "NO DIALTONE"
	Busy       = "BUSY"
	NoAnswer   = "NO ANSWER"
	CmeError   = "+CME ERROR:"
	CmsError   = "+CMS ERROR:"

	// URCs (Unsolicited Result Codes)
	UrcNewMsg = "+CMTI:"
	UrcCall   = "RING"

	// Commands issued while bringing the module up
	CmdAt            = "AT"
	CmdEchoOff       = "ATE0"
	CmdEchoOn        = "ATE1"
	CmdVerboseErrors = "AT+CMEE=2"
	CmdSimStatus     = "AT+CPIN?"
	CmdSetTextMode   = "AT+CMGF=1"

	// +CPIN states
	SimReady = "READY"
	SimPin   = "SIM PIN"
)

type ResponseType int

const (
	TypeFinal  ResponseType = iota // OK, ERROR
	TypeURC                        // Asynchronous notifications
	TypeData                       // Intermediate command output (+CSQ: ...)
	TypePrompt                     // SMS input prompt
)

func (t ResponseType) String() string {
	switch t {
	case TypeFinal:
		return "final"
	case TypeURC:
		return "urc"
	case TypeData:
		return "data"
	case TypePrompt:
		return "prompt"
	}
	return "unknown"
}
