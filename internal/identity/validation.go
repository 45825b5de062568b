package identity

import (
	"strings"

	"orthanc-helper/internal/study"
)

// placeholderNames are normalized names that stand for missing or test data.
var placeholderNames = map[string]bool{
	"":           true,
	"UNKNOWN":    true,
	"NONAME":     true,
	"ANONYMOUS":  true,
	"ANONYMIZED": true,
	"TEST":       true,
	"PATIENT":    true,
}

// placeholderBirthDates are DA values that stand for a missing birth date.
var placeholderBirthDates = map[string]bool{
	"":         true,
	"00000000": true,
	"11111111": true,
	"19000101": true,
	"99999999": true,
}

// IsValidIdentity reports whether name and birth date are real values that
// can identify a patient across studies.
func IsValidIdentity(name, birthDate string) bool {
	normalized := study.NormalizeName(name)
	if placeholderNames[normalized] || len(normalized) < 3 {
		return false
	}
	birthDate = strings.TrimSpace(birthDate)
	return !placeholderBirthDates[birthDate] && len(birthDate) == len(study.DateLayout)
}
