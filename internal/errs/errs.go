// Package errs implements an error taxonomy for the MTA: failure kinds,
// each carrying an SMTP code and enhanced status code, with permanence
// derived from the code. The inbound session and the outbound courier
// do not import it; they write their reply codes and classify 5xx
// replies as permanent on their own.
package errs

import "fmt"

// Kind identifies a broad category of failure.
type Kind int

const (
	// Protocol covers malformed or out-of-sequence SMTP commands.
	Protocol Kind = iota
	// Policy covers rejections based on local policy (relay access,
	// sender/recipient checks, plugin vetoes).
	Policy
	// Size covers message or parameter size limit violations.
	Size
	// Resource covers local resource exhaustion (spool full, too many
	// connections, out of memory).
	Resource
	// TransientDelivery covers outbound failures that are expected to
	// succeed on retry (4xx replies, connection failures, timeouts).
	TransientDelivery
	// PermanentDelivery covers outbound failures that will not succeed
	// on retry (5xx replies, no such domain).
	PermanentDelivery
	// Configuration covers invalid or inconsistent configuration.
	Configuration
	// Internal covers invariant violations: bugs, not inputs.
	Internal
)

func (k Kind) String() string {
	switch k {
	case Protocol:
		return "protocol"
	case Policy:
		return "policy"
	case Size:
		return "size"
	case Resource:
		return "resource"
	case TransientDelivery:
		return "transient_delivery"
	case PermanentDelivery:
		return "permanent_delivery"
	case Configuration:
		return "configuration"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is a classified error carrying the SMTP reply code and enhanced
// status code that should be sent (or that were received) alongside it.
type Error struct {
	Kind      Kind
	Code      int    // SMTP reply code, e.g. 550
	Enhanced  string // enhanced status code, e.g. "5.1.1"
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%d %s): %s: %v", e.Kind, e.Code, e.Enhanced, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%d %s): %s", e.Kind, e.Code, e.Enhanced, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Permanent reports whether the SMTP code indicates a permanent (5xx)
// failure as opposed to a transient (4xx) one.
func (e *Error) Permanent() bool {
	return e.Code >= 500
}

func newf(k Kind, code int, enhanced, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Code: code, Enhanced: enhanced, Message: fmt.Sprintf(format, args...)}
}

// Protocolf builds a Protocol error with the given SMTP code.
func Protocolf(code int, enhanced, format string, args ...interface{}) *Error {
	return newf(Protocol, code, enhanced, format, args...)
}

// Policyf builds a Policy error with the given SMTP code.
func Policyf(code int, enhanced, format string, args ...interface{}) *Error {
	return newf(Policy, code, enhanced, format, args...)
}

// Sizef builds a Size error with the given SMTP code.
func Sizef(code int, enhanced, format string, args ...interface{}) *Error {
	return newf(Size, code, enhanced, format, args...)
}

// Resourcef builds a Resource error with the given SMTP code.
func Resourcef(code int, enhanced, format string, args ...interface{}) *Error {
	return newf(Resource, code, enhanced, format, args...)
}

// Transientf builds a TransientDelivery error, wrapping cause.
func Transientf(cause error, format string, args ...interface{}) *Error {
	e := newf(TransientDelivery, 450, "4.0.0", format, args...)
	e.Cause = cause
	return e
}

// Permanentf builds a PermanentDelivery error, wrapping cause.
func Permanentf(cause error, format string, args ...interface{}) *Error {
	e := newf(PermanentDelivery, 550, "5.0.0", format, args...)
	e.Cause = cause
	return e
}

// Configurationf builds a Configuration error.
func Configurationf(format string, args ...interface{}) *Error {
	return newf(Configuration, 0, "", format, args...)
}

// Internalf builds an Internal error, for invariant violations.
func Internalf(format string, args ...interface{}) *Error {
	return newf(Internal, 451, "4.5.0", format, args...)
}

// FromSMTPCode classifies a delivery error purely from the numeric SMTP
// reply code received from a remote server, for cases where we have no
// richer information (e.g. a connection-level failure).
func FromSMTPCode(code int, enhanced, msg string) *Error {
	if code >= 500 {
		return newf(PermanentDelivery, code, enhanced, "%s", msg)
	}
	return newf(TransientDelivery, code, enhanced, "%s", msg)
}
