package auth

import (
	"fmt"
	"time"
)

// Error is returned by credential resolution and by the session guard.
type Error struct {
	Reason string
	// RetryAfter is set on lockout errors.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := "auth: " + e.Reason
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry in %ds)", int(e.RetryAfter.Seconds()))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error when target has an empty Reason, and otherwise compares reasons.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

var (
	ErrAuth              = &Error{}
	ErrInvalidCredential = &Error{Reason: "invalid_credential"}
	ErrLockedOut         = &Error{Reason: "locked_out"}
	ErrSessionExpired    = &Error{Reason: "session_expired"}
	ErrNotAuthenticated  = &Error{Reason: "not_authenticated"}
	ErrLoginInProgress   = &Error{Reason: "login_in_progress"}

	ErrCredentialMissing   = &Error{Reason: "admin_credential_missing"}
	ErrCredentialAmbiguous = &Error{Reason: "admin_credential_ambiguous"}
	ErrCredentialWeak      = &Error{Reason: "admin_credential_weak"}
	ErrCredentialMalformed = &Error{Reason: "admin_credential_malformed"}
)

func wrap(kind *Error, err error) error {
	return &Error{Reason: kind.Reason, Err: err}
}
