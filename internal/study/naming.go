package study

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Placeholders substituted for missing fields in archive names.
const (
	UnknownPatient = "UNKNOWN"
	UnknownDate    = "00000000"
	UnknownTime    = "000000"

	// NameSeparator joins the parts of an archive name.
	NameSeparator = "_"

	// idPrefixLen is how much of the study ID is appended to archive names.
	idPrefixLen = 8
)

var (
	unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)
	nonDigits       = regexp.MustCompile(`[^0-9]`)
)

// ResolveName returns the base name used for a study's downloaded archive:
//
//	<StudyDate>_<StudyTime>_<Patient>_<ID prefix>
//
// Names sort by study date and time. The ID prefix keeps two studies of the
// same patient taken at the same time apart. Missing fields are replaced by
// placeholders, so ResolveName never fails.
func ResolveName(s Study) string {
	parts := []string{
		dateField(s.StudyDate),
		timeField(s.StudyTime),
		SafePatientName(s.PatientName),
	}
	if id := SafeToken(s.ID); id != "" {
		if len(id) > idPrefixLen {
			id = id[:idPrefixLen]
		}
		parts = append(parts, id)
	}
	return strings.Join(parts, NameSeparator)
}

// ArchiveFileName is ResolveName plus the zip extension.
func ArchiveFileName(s Study) string {
	return ResolveName(s) + ".zip"
}

// SafePatientName turns a DICOM person name (LAST^FIRST^MIDDLE^^) into a
// filesystem-safe token: trailing separators dropped, components joined by
// "_", accents folded to ASCII, other characters replaced by "-".
func SafePatientName(name string) string {
	name = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(name), "^"))
	name = strings.ReplaceAll(name, "^", NameSeparator)
	name = SafeToken(name)
	if name == "" {
		return UnknownPatient
	}
	return name
}

// SafeToken folds accents and replaces every run of characters outside
// [A-Za-z0-9_-] with a single "-". Leading and trailing "-" are trimmed.
func SafeToken(value string) string {
	value = foldAccents(value)
	value = unsafeNameChars.ReplaceAllString(value, "-")
	return strings.Trim(value, "-")
}

// foldAccents maps "Müller" to "Muller".
func foldAccents(value string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, value)
	if err != nil {
		return value
	}
	return folded
}

func dateField(value string) string {
	value = strings.TrimSpace(value)
	if len(value) != len(DateLayout) || nonDigits.MatchString(value) {
		return UnknownDate
	}
	return value
}

// timeField keeps HHMMSS from a DICOM TM value (HH, HHMM, HHMMSS or
// HHMMSS.FFFFFF), padding short forms with zeros.
func timeField(value string) string {
	value = strings.TrimSpace(value)
	if i := strings.IndexByte(value, '.'); i >= 0 {
		value = value[:i]
	}
	if value == "" || len(value) > len(UnknownTime) || len(value)%2 != 0 || nonDigits.MatchString(value) {
		return UnknownTime
	}
	return value + UnknownTime[len(value):]
}
