package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"orthanc-helper/internal/study"
)

// IdentityHash returns a stable 12-character hex key for a patient, built
// from the normalized name, the birth date and a salt. "SMITH^JOHN" and
// "John Smith" born the same day hash alike.
func IdentityHash(name, birthDate, salt string) string {
	identity := study.NormalizeName(name) + "|" + strings.TrimSpace(birthDate) + "|" + salt
	sum := sha256.Sum256([]byte(identity))
	return strings.ToUpper(hex.EncodeToString(sum[:])[:12])
}
