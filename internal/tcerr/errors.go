// Package tcerr defines the error taxonomy shared by every layer of the
// terminal-multiplexing core (PTY spawning, session management, the wire
// protocol). Call sites match on Kind, never on message text, the same way
// the teacher daemon matched on its proto.Response.Error strings but with a
// typed tag instead of free text.
package tcerr

import "fmt"

// Kind names a class of failure, not a specific error value. Handlers
// branch on Kind; the message is for humans only.
type Kind string

const (
	Disabled           Kind = "disabled"
	InvalidClientID    Kind = "invalid_client_id"
	InvalidSessionID   Kind = "invalid_session_id"
	InvalidCwd         Kind = "invalid_cwd"
	OutsideAllowedRoot Kind = "outside_allowed_root"
	InvalidArgument    Kind = "invalid_argument"
	QuotaExceeded      Kind = "quota_exceeded"
	NotFound           Kind = "not_found"
	AccessDenied       Kind = "access_denied"
	NotRunning         Kind = "not_running"
	InputTooLarge      Kind = "input_too_large"
	FrameTooLarge      Kind = "frame_too_large"
	QueueOverflow      Kind = "queue_overflow"
	Timeout            Kind = "timeout"
	PtyFailure         Kind = "pty_failure"
)

// Error pairs a Kind with a human-readable message. It is the error type
// this module returns across package boundaries for classified failures;
// configuration load errors, shutdown errors and raw PTY I/O errors are
// returned as plain errors.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// New builds an *Error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from err, or "" if err is not one of ours.
func KindOf(err error) Kind {
	var e *Error
	if as(err, &e) {
		return e.Kind
	}
	return ""
}

// as is a tiny errors.As wrapper kept local so this leaf package has no
// other dependency than fmt.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
