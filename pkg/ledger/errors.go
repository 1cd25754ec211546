package ledger

import (
	"errors"
	"fmt"
)

// Status words returned in the trailing two bytes of every APDU response.
const (
	StatusOK                     uint16 = 0x9000 // command executed
	StatusIncorrectLength        uint16 = 0x6700 // wrong data length for this instruction
	StatusSecurityStatus         uint16 = 0x6982 // security status not satisfied (device locked)
	StatusConditionsNotSatisfied uint16 = 0x6985 // user rejected or preconditions missing
	StatusInvalidData            uint16 = 0x6a80 // instruction data could not be parsed
	StatusFileNotFound           uint16 = 0x6a82 // referenced file/app not present
	StatusIncorrectParameters    uint16 = 0x6b00 // bad p1/p2 or instruction unsupported at this stage
	StatusInsNotSupported        uint16 = 0x6d00 // instruction code not supported
)

// internalErrorClass is the high byte shared by the 0x6Fxx family of
// device-internal failures.
const internalErrorClass = 0x6f

var statusMessages = map[uint16]string{
	StatusIncorrectLength:        "incorrect length",
	StatusSecurityStatus:         "invalid security status",
	StatusConditionsNotSatisfied: "conditions of use not satisfied",
	StatusInvalidData:            "invalid data",
	StatusFileNotFound:           "file not found",
	StatusIncorrectParameters:    "incorrect parameters",
	StatusInsNotSupported:        "instruction not supported",
}

// APDUError is returned whenever the device answers with a status word
// other than StatusOK. Code always carries the raw two byte status.
type APDUError struct {
	Code        uint16
	Description string
}

func newAPDUError(code uint16) *APDUError {
	desc, ok := statusMessages[code]
	if !ok {
		if code>>8 == internalErrorClass {
			desc = "internal device error"
		} else {
			desc = "unknown status"
		}
	}
	return &APDUError{Code: code, Description: desc}
}

func (e *APDUError) Error() string {
	return fmt.Sprintf("ledger: status 0x%04x: %s", e.Code, e.Description)
}

// FramingError reports a violation of the packet layer: channel, tag or
// sequence mismatches, truncated packets and premature reads.
type FramingError struct {
	Reason string
}

func framingErrorf(format string, args ...interface{}) *FramingError {
	return &FramingError{Reason: fmt.Sprintf(format, args...)}
}

func (e *FramingError) Error() string {
	return "ledger: framing: " + e.Reason
}

// SessionError reports a precondition violation in a signing session:
// using an uninitialized session, initializing twice, looking up an
// unmapped input or signing the same input twice. These are programmer
// errors, not conditions to retry.
type SessionError struct {
	Reason string
}

func sessionErrorf(format string, args ...interface{}) *SessionError {
	return &SessionError{Reason: fmt.Sprintf(format, args...)}
}

func (e *SessionError) Error() string {
	return "ledger: session: " + e.Reason
}

// Transport level failures.
var (
	// ErrDeviceClosed is returned when exchanging with or closing a
	// transport that has not been opened.
	ErrDeviceClosed = errors.New("ledger: device not open")

	// ErrDeviceOpen is returned when opening a transport twice.
	ErrDeviceOpen = errors.New("ledger: device already open")

	// ErrReadTimeout is returned when the device did not answer within
	// the transport's read timeout. The pending physical read is only
	// abandoned, not cancelled at the hardware level.
	ErrReadTimeout = errors.New("ledger: read timed out")

	// ErrNoDevice is returned by enumeration when no ledger is attached.
	ErrNoDevice = errors.New("ledger: no devices detected")
)

// ErrInvalidPath is wrapped by all BIP44 path parsing failures.
var ErrInvalidPath = errors.New("ledger: invalid derivation path")
