package config

import "fmt"

// Error reports a configuration the subsystem refuses to start with.
type Error struct {
	Reason string
	// Field is the environment variable or file key at fault.
	Field string
	Err   error
}

func (e *Error) Error() string {
	msg := "config: " + e.Reason
	if e.Field != "" {
		msg += fmt.Sprintf(" (%s)", e.Field)
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
	ErrConfig                  = &Error{}
	ErrMissingSigningKey       = &Error{Reason: "missing_signing_key"}
	ErrInvalidEnvelopeVersion  = &Error{Reason: "invalid_envelope_version"}
	ErrInvalidRolloverSchedule = &Error{Reason: "invalid_rollover_schedule"}
	ErrSaltSigningKey          = &Error{Reason: "signing_key_from_log_salt"}
	ErrPlaintextCredential     = &Error{Reason: "plaintext_admin_password"}
)
