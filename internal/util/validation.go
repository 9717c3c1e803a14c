package util

import (
	"regexp"
)

var pairingCodeRegex = regexp.MustCompile(`^[0-9]{6}$`)

func IsValidPairingCode(s string) bool {
	return pairingCodeRegex.MatchString(s)
}

// IsValidEnum reports whether value is one of validValues. Empty is allowed.
func IsValidEnum(value string, validValues []string) bool {
	if value == "" {
		return true
	}
	for _, v := range validValues {
		if value == v {
			return true
		}
	}
	return false
}
