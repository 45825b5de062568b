// Package study holds the study model shared by the locator, the batch
// executor and the anonymization sequence: studies, dates, sources and the
// naming rules for downloaded archives.
package study

import (
	"fmt"
	"strings"
)

// Source says where studies are looked up: the local archive (zero value)
// or a modality registered on it.
type Source struct {
	Modality string
}

// Local is the archive itself.
var Local = Source{}

// Modality returns the source for a registered modality.
func Modality(name string) Source {
	return Source{Modality: strings.TrimSpace(name)}
}

// IsLocal reports whether s is the local archive.
func (s Source) IsLocal() bool {
	return s.Modality == ""
}

func (s Source) String() string {
	if s.IsLocal() {
		return "local archive"
	}
	return "modality " + s.Modality
}

// Study is one imaging study. ID is the only identity; the other fields
// are descriptive and used for locating and naming.
type Study struct {
	ID               string
	PatientName      string
	PatientID        string
	PatientBirthDate string
	StudyDate        string
	StudyTime        string
	StudyInstanceUID string
	Description      string

	// Source is where the study was found.
	Source Source
	// QueryID and AnswerIndex address a study found on a modality; they are
	// needed to retrieve it.
	QueryID     string
	AnswerIndex int
}

// IsRemote reports whether the study was found on a modality rather than
// on the archive.
func (s Study) IsRemote() bool {
	return s.QueryID != ""
}

// Label is a short human-readable description used in logs and reports.
func (s Study) Label() string {
	name := s.PatientName
	if name == "" {
		name = UnknownPatient
	}
	parts := []string{strings.TrimRight(name, "^")}
	if s.StudyDate != "" {
		parts = append(parts, s.StudyDate)
	}
	if s.StudyTime != "" {
		parts = append(parts, s.StudyTime)
	}
	return fmt.Sprintf("%s [%s]", strings.Join(parts, " "), s.ID)
}
