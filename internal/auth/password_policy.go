package auth

import "unicode/utf8"

// MinPasswordLength is the shortest plaintext admin password accepted.
const MinPasswordLength = 12

// Policy reason codes, reported in the order they are checked.
const (
	PolicyOK            = "ok"
	PolicyTooShort      = "password_too_short"
	PolicyMissingUpper  = "missing_uppercase"
	PolicyMissingLower  = "missing_lowercase"
	PolicyMissingDigit  = "missing_digit"
	PolicyMissingSymbol = "missing_symbol"
)

// CheckPolicy reports whether password is strong enough to be used as a plaintext
// admin credential. On failure the reason names the first unmet rule.
func CheckPolicy(password string) (bool, string) {
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return false, PolicyTooShort
	}

	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range password {
		switch {
		case r >= 'A' && r <= 'Z':
			hasUpper = true
		case r >= 'a' && r <= 'z':
			hasLower = true
		case r >= '0' && r <= '9':
			hasDigit = true
		default:
			hasSymbol = true
		}
	}

	switch {
	case !hasUpper:
		return false, PolicyMissingUpper
	case !hasLower:
		return false, PolicyMissingLower
	case !hasDigit:
		return false, PolicyMissingDigit
	case !hasSymbol:
		return false, PolicyMissingSymbol
	}
	return true, PolicyOK
}
