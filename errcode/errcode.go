package errcode

// Code is a stable, wire-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes (short, stable). ACK result bytes on the peer link are
// derived from these, so treat the set as closed.
const (
	OK            Code = "ok"
	Busy          Code = "busy"
	Rejected      Code = "rejected" // illegal state transition or refused command
	Unsupported   Code = "unsupported"
	InvalidParams Code = "invalid_params"
	InvalidLength Code = "invalid_length"
	BadChecksum   Code = "bad_checksum"
	UnknownMsg    Code = "unknown_msg"
	NotReady      Code = "not_ready"
	Timeout       Code = "timeout"
	StorageFailed Code = "storage_failed"
	FlashFailed   Code = "flash_failed"

	Error Code = "error" // generic fallback
)

// Optional wrapper when we want to keep context and a cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	if e.Msg != "" {
		return string(e.C) + ": " + e.Msg
	}
	return string(e.C)
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Of extracts a Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	if c, ok := err.(Code); ok {
		return c
	}
	type coder interface{ Code() Code }
	if x, ok := err.(coder); ok {
		return x.Code()
	}
	return Error
}
