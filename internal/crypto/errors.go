package crypto

// Error is returned by every cryptographic failure in the module. Its Reason is a
// stable machine code and never tells a wrong key apart from a corrupt ciphertext.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "crypto: " + e.Reason + ": " + e.Err.Error()
	}
	return "crypto: " + e.Reason
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
	// ErrCrypto matches every crypto failure.
	ErrCrypto = &Error{}
	// ErrSignatureMismatch indicates the MAC did not verify.
	ErrSignatureMismatch = &Error{Reason: "signature_mismatch"}
	// ErrMalformedEnvelope indicates an envelope field could not be decoded.
	ErrMalformedEnvelope = &Error{Reason: "malformed_envelope"}
	// ErrPayloadNotObject indicates decrypted bytes are not a JSON object.
	ErrPayloadNotObject = &Error{Reason: "payload_not_object"}
	// ErrUnsupportedVersion indicates an envelope version this build cannot open.
	ErrUnsupportedVersion = &Error{Reason: "unsupported_version"}
	// ErrMissingKey indicates an empty secret was supplied.
	ErrMissingKey = &Error{Reason: "missing_key"}
	// ErrRandom indicates the system random source failed.
	ErrRandom = &Error{Reason: "random_source_failed"}
)

// Wrap returns a new *Error carrying the reason of kind and the underlying cause.
func Wrap(kind *Error, err error) error {
	return &Error{Reason: kind.Reason, Err: err}
}
