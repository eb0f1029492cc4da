package ledger

// Error is returned by ledger operations. Every failed append leaves the
// store exactly as it was before the call.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "ledger: " + e.Reason + ": " + e.Err.Error()
	}
	return "ledger: " + e.Reason
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
	ErrLedger            = &Error{}
	ErrInvalidFact       = &Error{Reason: "invalid_fact"}
	ErrMissingSigningKey = &Error{Reason: "missing_signing_key"}
	ErrStorage           = &Error{Reason: "storage_failure"}
	ErrEventNotFound     = &Error{Reason: "event_not_found"}
)

func wrap(kind *Error, err error) error {
	return &Error{Reason: kind.Reason, Err: err}
}
