package modem

import (
	"errors"
	"fmt"
)

var (
	// ErrNoDialer is returned when a Modem is constructed without a Dialer.
	//
	// This indicates a configuration error. A Dialer is required in order to
	// establish a connection to the modem.
	ErrNoDialer = errors.New("no dialer configured")

	// ErrNotInitialized is returned when an operation is attempted on a Modem
	// that has not been successfully initialized.
	//
	// This can occur if initialization failed or if the Dialer returned no
	// Transport.
	ErrNotInitialized = errors.New("modem not initialized")

	// ErrAlreadyClosed is returned when Close is called on a Modem that has
	// already been closed, and by any exchange attempted after Close.
	ErrAlreadyClosed = errors.New("modem already closed")

	// ErrSIMPinRequired is returned when the SIM card requires a PIN and no
	// PIN was provided in the Config.
	//
	// Callers may handle this error specially (for example, by prompting
	// the user for a PIN) and retry initialization.
	ErrSIMPinRequired = errors.New("SIM PIN required")

	// ErrLineTooLong is returned when a modem response line exceeds the
	// maximum allowed length.
	//
	// This typically indicates malformed input, unexpected binary data,
	// or a protocol framing error. The receive buffer is discarded.
	ErrLineTooLong = errors.New("response line too long")

	// ErrLoopRunning is returned by Loop when another Loop is already
	// servicing the same Modem.
	ErrLoopRunning = errors.New("loop already running")

	// ErrNoReadTimeout is returned by Loop when the Transport cannot bound a
	// Read, which would leave the session lock held while the line is idle.
	ErrNoReadTimeout = errors.New("transport does not support read timeouts")

	// ErrTimeout is returned when the deadline of an exchange elapses before
	// the expected response, prompt or completion URC arrives. It is distinct
	// from transport failures so callers may choose to retry.
	ErrTimeout = errors.New("timeout waiting for modem")

	// ErrURCExists is returned when a URC prefix is registered twice.
	ErrURCExists = errors.New("URC handler already registered")

	// ErrMalformed is returned when a response does not have the layout the
	// command defines.
	ErrMalformed = errors.New("malformed response")
)

// ProtocolError is the error class and code pair the module reports for a
// failed HTTP or FTP command, retrieved with +UHTTPER or +UFTPER.
type ProtocolError struct {
	Class int
	Code  int
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("modem reported error class %d code %d", e.Class, e.Code)
}
