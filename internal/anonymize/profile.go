package anonymize

import (
	"fmt"

	"github.com/suyashkumar/dicom/pkg/tag"

	"orthanc-helper/internal/orthanc"
	"orthanc-helper/internal/study"
)

// DefaultKeepTags are left untouched by the server-side anonymization for
// clinical and research context.
var DefaultKeepTags = []tag.Tag{
	tag.PatientSex,
	tag.InstitutionName,
	tag.StudyDescription,
	tag.SeriesDescription,
	tag.BodyPartExamined,
	tag.Modality,
}

// Profile controls the anonymization request sent for each study.
type Profile struct {
	Keep            []tag.Tag
	KeepPrivateTags bool
	// TruncateDates replaces StudyDate by the first day of its month.
	TruncateDates bool
}

// DefaultProfile keeps DefaultKeepTags and drops private tags.
func DefaultProfile() Profile {
	return Profile{Keep: DefaultKeepTags}
}

// Request builds the anonymization request for s. A non-empty pseudonym
// replaces PatientName and PatientID; replacing PatientID needs Force.
func (p Profile) Request(s study.Study, pseudonym string) orthanc.AnonymizeRequest {
	req := orthanc.AnonymizeRequest{KeepPrivateTags: p.KeepPrivateTags}
	for _, t := range p.Keep {
		req.Keep = append(req.Keep, tagPath(t))
	}

	replace := map[string]string{}
	if pseudonym != "" {
		replace["PatientName"] = pseudonym
		replace["PatientID"] = pseudonym
		req.Force = true
	}
	if p.TruncateDates {
		if d, err := study.ParseDate(s.StudyDate); err == nil && len(s.StudyDate) == len(study.DateLayout) {
			replace["StudyDate"] = d.String()[:6] + "01"
		}
	}
	if len(replace) > 0 {
		req.Replace = replace
	}
	return req
}

// tagPath formats a tag the way the anonymize endpoint accepts it: "0010,0040".
func tagPath(t tag.Tag) string {
	return fmt.Sprintf("%04x,%04x", t.Group, t.Element)
}
