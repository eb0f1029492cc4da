package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckPolicy(t *testing.T) {
	tests := []struct {
		password string
		wantOK   bool
		reason   string
	}{
		{"short1!", false, PolicyTooShort},
		{"", false, PolicyTooShort},
		{"Ab1!Ab1!Ab1", false, PolicyTooShort},
		{"alllowercase1!", false, PolicyMissingUpper},
		{"ALLUPPERCASE1!", false, PolicyMissingLower},
		{"NoDigitsHere!!", false, PolicyMissingDigit},
		{"NoSymbols12345", false, PolicyMissingSymbol},
		{"Correct-Horse-9", true, PolicyOK},
		{"Ab1 Ab1 Ab1 Ab1", true, PolicyOK},
		{"Pässwörd12345", true, PolicyOK},
	}

	for _, tt := range tests {
		t.Run(tt.password, func(t *testing.T) {
			ok, reason := CheckPolicy(tt.password)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.reason, reason)
		})
	}
}
