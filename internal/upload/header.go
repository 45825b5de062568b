package upload

import (
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Header is the part of a DICOM header logged with each upload.
type Header struct {
	PatientName string
	PatientID   string
	StudyDate   string
	Modality    string
}

// ReadHeader parses the metadata of a DICOM file, skipping pixel data.
func ReadHeader(afs afero.Fs, path string) (Header, error) {
	file, err := afs.Open(path)
	if err != nil {
		return Header{}, fmt.Errorf("could not open file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return Header{}, fmt.Errorf("could not stat file: %w", err)
	}

	ds, err := dicom.Parse(file, info.Size(), nil, dicom.SkipPixelData())
	if err != nil {
		return Header{}, fmt.Errorf("could not parse DICOM: %w", err)
	}

	return Header{
		PatientName: stringValue(ds, tag.PatientName),
		PatientID:   stringValue(ds, tag.PatientID),
		StudyDate:   stringValue(ds, tag.StudyDate),
		Modality:    stringValue(ds, tag.Modality),
	}, nil
}

// stringValue returns the first string value of a tag, or "".
func stringValue(ds dicom.Dataset, t tag.Tag) string {
	elem, err := ds.FindElementByTag(t)
	if err != nil || elem.Value == nil {
		return ""
	}
	switch v := elem.Value.GetValue().(type) {
	case []string:
		if len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
	case string:
		return strings.TrimSpace(v)
	}
	return ""
}
