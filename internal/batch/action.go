package batch

import (
	"errors"
	"fmt"
	"strings"

	"orthanc-helper/internal/study"
)

// ErrInvalidAction is returned when an action cannot run against a source,
// or is missing a parameter.
var ErrInvalidAction = errors.New("invalid action")

// Action is applied to every study of a batch run. The implementations are
// CopyToServer, DownloadToLocal, AnonymizeDownloadDelete and Delete.
type Action interface {
	Name() string
	validate(src study.Source) error
}

// CopyToServer copies studies to another DICOM node. From a modality the
// study is retrieved (C-MOVE) to the AE title Target, normally the archive
// itself. From the archive the study is sent (C-STORE) to the modality named
// Target.
type CopyToServer struct {
	Target string
}

func (CopyToServer) Name() string { return "copy" }

func (a CopyToServer) validate(study.Source) error {
	if strings.TrimSpace(a.Target) == "" {
		return fmt.Errorf("%w: copy needs a target", ErrInvalidAction)
	}
	return nil
}

// DownloadToLocal saves each study's zip archive into DestDir.
type DownloadToLocal struct {
	DestDir string
}

func (DownloadToLocal) Name() string { return "download" }

func (a DownloadToLocal) validate(src study.Source) error {
	if !src.IsLocal() {
		return fmt.Errorf("%w: download works on the local archive only, not %s", ErrInvalidAction, src)
	}
	if a.DestDir == "" {
		return fmt.Errorf("%w: download needs a destination directory", ErrInvalidAction)
	}
	return nil
}

// AnonymizeDownloadDelete saves an anonymized archive of each study whose
// patient name matches PatientFilter (all studies when empty) into DestDir.
// The anonymized copy made on the archive is deleted afterwards; the
// original study is kept.
type AnonymizeDownloadDelete struct {
	DestDir       string
	PatientFilter string
}

func (AnonymizeDownloadDelete) Name() string { return "anonymize" }

func (a AnonymizeDownloadDelete) validate(src study.Source) error {
	if !src.IsLocal() {
		return fmt.Errorf("%w: anonymize works on the local archive only, not %s", ErrInvalidAction, src)
	}
	if a.DestDir == "" {
		return fmt.Errorf("%w: anonymize needs a destination directory", ErrInvalidAction)
	}
	return nil
}

// Delete removes each study from the archive.
type Delete struct{}

func (Delete) Name() string { return "delete" }

func (Delete) validate(src study.Source) error {
	if !src.IsLocal() {
		return fmt.Errorf("%w: delete works on the local archive only, not %s", ErrInvalidAction, src)
	}
	return nil
}
