package minerapi

import (
	"errors"
	"fmt"
)

// Error codes for the device protocol tier. The aggregator keys retry/degrade
// decisions off these, so they stay coarse on purpose.
const (
	CodeConnection = "CONNECTION_FAILED"
	CodeTimeout    = "TIMEOUT"
	CodeProtocol   = "PROTOCOL_ERROR"
)

// Error is a coded device-protocol error.
type Error struct {
	Code    string
	Address string
	Command string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s %q: %v", e.Code, e.Address, e.Command, e.Cause)
	}
	return fmt.Sprintf("%s: %s %q", e.Code, e.Address, e.Command)
}

func (e *Error) Unwrap() error { return e.Cause }

func newConnectionError(addr, cmd string, cause error) *Error {
	return &Error{Code: CodeConnection, Address: addr, Command: cmd, Cause: cause}
}

func newTimeoutError(addr, cmd string, cause error) *Error {
	return &Error{Code: CodeTimeout, Address: addr, Command: cmd, Cause: cause}
}

func newProtocolError(addr, cmd string, cause error) *Error {
	return &Error{Code: CodeProtocol, Address: addr, Command: cmd, Cause: cause}
}

// IsConnection reports whether the command never reached the device: dial
// failures (timeouts included) and write failures.
func IsConnection(err error) bool { return hasCode(err, CodeConnection) }

// IsTimeout reports whether the device accepted the command but the reply
// deadline expired before it closed the stream.
func IsTimeout(err error) bool { return hasCode(err, CodeTimeout) }

// IsProtocol reports whether err is a malformed-reply failure.
func IsProtocol(err error) bool { return hasCode(err, CodeProtocol) }

func hasCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
