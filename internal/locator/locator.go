// Package locator finds studies by date on the archive or on a modality
// registered on it.
package locator

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"orthanc-helper/internal/orthanc"
	"orthanc-helper/internal/study"
)

// ErrSourceUnreachable is returned when the archive or the modality cannot be
// reached, rejects the credentials, or does not exist.
var ErrSourceUnreachable = errors.New("source unreachable")

// Archive is the part of the archive client the locator needs.
type Archive interface {
	System(ctx context.Context) (*orthanc.SystemInfo, error)
	ListStudies(ctx context.Context) ([]string, error)
	GetStudy(ctx context.Context, studyID string) (*orthanc.StudyDetails, error)
	FindStudies(ctx context.Context, query map[string]string) ([]orthanc.StudyDetails, error)
	EchoModality(ctx context.Context, modality string) error
	QueryModality(ctx context.Context, modality string, req orthanc.QueryRequest) (string, error)
	QueryAnswers(ctx context.Context, queryID string) ([]orthanc.Answer, error)
}

// Locator runs date-scoped study lookups.
type Locator struct {
	archive Archive
	log     *zap.Logger
}

// New creates a Locator.
func New(archive Archive, log *zap.Logger) *Locator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Locator{archive: archive, log: log.Named("locator")}
}

// Check verifies that the source answers: a ping of the archive, or a C-ECHO
// for a modality.
func (l *Locator) Check(ctx context.Context, src study.Source) error {
	if src.IsLocal() {
		info, err := l.archive.System(ctx)
		if err != nil {
			return sourceError(src, err)
		}
		l.log.Debug("archive answered",
			zap.String("name", info.Name),
			zap.String("version", info.Version),
			zap.Int("api_version", info.APIVersion),
			zap.String("aet", info.DicomAet))
		return nil
	}
	if err := l.archive.EchoModality(ctx, src.Modality); err != nil {
		return sourceError(src, err)
	}
	return nil
}

// Find returns the studies of one day on src, in the order the source
// returns them. No match is an empty slice and a nil error.
func (l *Locator) Find(ctx context.Context, date study.Date, src study.Source) ([]study.Study, error) {
	if date.IsZero() {
		return nil, fmt.Errorf("%w: no date given", study.ErrInvalidDate)
	}

	var (
		found []study.Study
		err   error
	)
	if src.IsLocal() {
		found, err = l.findLocal(ctx, map[string]string{"StudyDate": date.String()})
	} else {
		found, err = l.findRemote(ctx, src, date)
	}
	if err != nil {
		return nil, err
	}

	l.log.Debug("studies found",
		zap.String("date", date.String()),
		zap.Stringer("source", src),
		zap.Int("count", len(found)),
	)
	return found, nil
}

// FindRange queries every day of rng in ascending order and concatenates the
// results. The range is validated before any request is made.
func (l *Locator) FindRange(ctx context.Context, rng study.DateRange, src study.Source) ([]study.Study, error) {
	if err := rng.Validate(); err != nil {
		return nil, err
	}
	all := []study.Study{}
	for _, date := range rng.Dates() {
		found, err := l.Find(ctx, date, src)
		if err != nil {
			return nil, fmt.Errorf("lookup of %s: %w", date, err)
		}
		all = append(all, found...)
	}
	return all, nil
}

// FindByPatient returns the archive studies whose patient name matches
// filter (see study.PatientMatches).
func (l *Locator) FindByPatient(ctx context.Context, filter string) ([]study.Study, error) {
	candidates, err := l.findLocal(ctx, map[string]string{"PatientName": study.WildcardQuery(filter)})
	if err != nil {
		return nil, err
	}
	matched := []study.Study{}
	for _, s := range candidates {
		if study.PatientMatches(filter, s.PatientName) {
			matched = append(matched, s)
		}
	}
	return matched, nil
}

// All returns every study on the archive with its details.
func (l *Locator) All(ctx context.Context) ([]study.Study, error) {
	found, err := l.findLocal(ctx, map[string]string{})
	if err == nil {
		return found, nil
	}
	if !errors.Is(err, orthanc.ErrNotFound) {
		return nil, err
	}

	// Archives without /tools/find: list then fetch one by one.
	ids, err := l.archive.ListStudies(ctx)
	if err != nil {
		return nil, sourceError(study.Local, err)
	}
	all := make([]study.Study, 0, len(ids))
	for _, id := range ids {
		details, err := l.archive.GetStudy(ctx, id)
		if errors.Is(err, orthanc.ErrNotFound) {
			// Deleted between the two calls.
			continue
		}
		if err != nil {
			return nil, sourceError(study.Local, err)
		}
		all = append(all, FromDetails(*details))
	}
	return all, nil
}

func (l *Locator) findLocal(ctx context.Context, query map[string]string) ([]study.Study, error) {
	details, err := l.archive.FindStudies(ctx, query)
	if err != nil {
		return nil, sourceError(study.Local, err)
	}
	found := make([]study.Study, 0, len(details))
	for _, d := range details {
		found = append(found, FromDetails(d))
	}
	return found, nil
}

func (l *Locator) findRemote(ctx context.Context, src study.Source, date study.Date) ([]study.Study, error) {
	queryID, err := l.archive.QueryModality(ctx, src.Modality, orthanc.QueryRequest{
		Level: "Study",
		Query: map[string]string{
			"StudyDate":        date.String(),
			"StudyTime":        "",
			"PatientName":      "",
			"PatientID":        "",
			"StudyInstanceUID": "",
			"StudyDescription": "",
		},
	})
	if err != nil {
		return nil, sourceError(src, err)
	}

	answers, err := l.archive.QueryAnswers(ctx, queryID)
	if err != nil {
		return nil, sourceError(src, err)
	}

	found := make([]study.Study, 0, len(answers))
	for i, a := range answers {
		found = append(found, FromAnswer(src, queryID, i, a))
	}
	return found, nil
}

// FromDetails converts an archive study resource.
func FromDetails(d orthanc.StudyDetails) study.Study {
	return study.Study{
		ID:               d.ID,
		PatientName:      d.PatientMainTags.PatientName,
		PatientID:        d.PatientMainTags.PatientID,
		PatientBirthDate: d.PatientMainTags.PatientBirthDate,
		StudyDate:        d.MainTags.StudyDate,
		StudyTime:        d.MainTags.StudyTime,
		StudyInstanceUID: d.MainTags.StudyInstanceUID,
		Description:      d.MainTags.StudyDescription,
		Source:           study.Local,
	}
}

// FromAnswer converts a modality query answer. The study has no archive ID
// yet; it is identified by its Study Instance UID, or by its position in the
// query when the modality did not return one.
func FromAnswer(src study.Source, queryID string, index int, a orthanc.Answer) study.Study {
	id := a["StudyInstanceUID"]
	if id == "" {
		id = queryID + "/" + strconv.Itoa(index)
	}
	return study.Study{
		ID:               id,
		PatientName:      a["PatientName"],
		PatientID:        a["PatientID"],
		StudyDate:        a["StudyDate"],
		StudyTime:        a["StudyTime"],
		StudyInstanceUID: a["StudyInstanceUID"],
		Description:      a["StudyDescription"],
		Source:           src,
		QueryID:          queryID,
		AnswerIndex:      index,
	}
}

// sourceError maps transport, credential and not-found failures to
// ErrSourceUnreachable. Other errors pass through wrapped.
func sourceError(src study.Source, err error) error {
	if errors.Is(err, orthanc.ErrUnreachable) || errors.Is(err, orthanc.ErrNotFound) {
		return fmt.Errorf("%w: %s: %w", ErrSourceUnreachable, src, err)
	}
	return fmt.Errorf("%s: %w", src, err)
}
