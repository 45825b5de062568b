package orthanc

// StudyDetails holds the fields of an Orthanc study resource used by the tool.
// Field names follow the JSON returned by GET /studies/{id} and by
// /tools/find with Expand set.
type StudyDetails struct {
	ID              string `json:"ID"`
	PatientMainTags struct {
		PatientName      string `json:"PatientName,omitempty"`
		PatientID        string `json:"PatientID,omitempty"`
		PatientBirthDate string `json:"PatientBirthDate,omitempty"`
	} `json:"PatientMainDicomTags"`
	MainTags struct {
		StudyInstanceUID string `json:"StudyInstanceUID,omitempty"`
		StudyDate        string `json:"StudyDate,omitempty"`
		StudyTime        string `json:"StudyTime,omitempty"`
		StudyDescription string `json:"StudyDescription,omitempty"`
	} `json:"MainDicomTags"`
}

// SystemInfo is the subset of GET /system used to check connectivity.
type SystemInfo struct {
	Name       string `json:"Name"`
	Version    string `json:"Version"`
	DicomAet   string `json:"DicomAet"`
	APIVersion int    `json:"ApiVersion"`
}

// FindRequest is the body of POST /tools/find.
type FindRequest struct {
	Level  string            `json:"Level"`
	Query  map[string]string `json:"Query"`
	Expand bool              `json:"Expand"`
}

// QueryRequest is the body of POST /modalities/{name}/query.
type QueryRequest struct {
	Level string            `json:"Level"`
	Query map[string]string `json:"Query"`
}

// AnonymizeRequest is the body of POST /studies/{id}/anonymize.
// An empty request asks Orthanc for its default profile.
type AnonymizeRequest struct {
	Replace         map[string]string `json:"Replace,omitempty"`
	Keep            []string          `json:"Keep,omitempty"`
	KeepPrivateTags bool              `json:"KeepPrivateTags,omitempty"`
	Force           bool              `json:"Force,omitempty"`
}

// AnonymizeResponse is returned by the anonymize endpoint. ID is the
// identifier of the newly created study.
type AnonymizeResponse struct {
	ID        string `json:"ID"`
	Path      string `json:"Path"`
	PatientID string `json:"PatientID"`
	Type      string `json:"Type"`
}

// UploadStatus values reported by POST /instances.
const (
	UploadSuccess       = "Success"
	UploadAlreadyStored = "AlreadyStored"
)

// UploadResult describes one stored instance. A zip upload yields one
// result per instance it contained.
type UploadResult struct {
	ID          string `json:"ID"`
	Path        string `json:"Path"`
	Status      string `json:"Status"`
	ParentStudy string `json:"ParentStudy"`
}

// Answer is one simplified C-FIND answer returned by a modality query,
// keyed by DICOM keyword (StudyDate, PatientName, ...).
type Answer map[string]string

// queryResponse is returned by POST /modalities/{name}/query.
type queryResponse struct {
	ID   string `json:"ID"`
	Path string `json:"Path"`
}

type retrieveRequest struct {
	TargetAet   string `json:"TargetAet"`
	Synchronous bool   `json:"Synchronous"`
}

type storeRequest struct {
	Resources   []string `json:"Resources"`
	Synchronous bool     `json:"Synchronous"`
}
