// Package anonymize runs the anonymize-download-cleanup sequence: the
// archive makes an anonymized copy of a study, the copy is downloaded, and
// the copy is deleted again. The original study is never modified.
package anonymize

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"orthanc-helper/internal/orthanc"
	"orthanc-helper/internal/study"
)

// ErrCleanupFailed is returned when the anonymized copy could not be deleted
// from the archive. The error names the leaked study ID.
var ErrCleanupFailed = errors.New("anonymized copy cleanup failed")

// cleanupTimeout bounds the delete of the anonymized copy, which still runs
// after the caller's context is cancelled.
const cleanupTimeout = 30 * time.Second

// State is a step of the sequence.
type State int

const (
	Requested State = iota
	Anonymized
	Fetched
	CleanupRequired
	Failed
	Done
)

func (s State) String() string {
	switch s {
	case Requested:
		return "requested"
	case Anonymized:
		return "anonymized"
	case Fetched:
		return "fetched"
	case CleanupRequired:
		return "cleanup-required"
	case Failed:
		return "failed"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Result is the outcome of one run. State is Failed when the archive refused
// to anonymize and Done otherwise; Err reports a failed download or cleanup
// even when State is Done.
type Result struct {
	State        State
	Path         string
	AnonymizedID string
	Err          error
	// Trace lists every state the run went through, in order.
	Trace []State
}

// Archive is the part of the archive client the sequence needs.
type Archive interface {
	AnonymizeStudy(ctx context.Context, studyID string, req orthanc.AnonymizeRequest) (*orthanc.AnonymizeResponse, error)
	GetStudy(ctx context.Context, studyID string) (*orthanc.StudyDetails, error)
	DeleteStudy(ctx context.Context, studyID string) error
}

// Saver stores the archive of a study in a local directory.
type Saver interface {
	Save(ctx context.Context, studyID string, named study.Study, destDir string) (string, error)
}

// Pseudonymizer returns the replacement patient name and ID for a study.
type Pseudonymizer interface {
	Pseudonym(s study.Study) (string, error)
}

// Options configures a Sequence.
type Options struct {
	Profile    Profile
	Pseudonyms Pseudonymizer
	Logger     *zap.Logger
}

// Sequence runs the anonymize-download-cleanup steps for one study at a time.
type Sequence struct {
	archive    Archive
	saver      Saver
	profile    Profile
	pseudonyms Pseudonymizer
	log        *zap.Logger
}

// New creates a Sequence.
func New(archive Archive, saver Saver, opts Options) *Sequence {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Sequence{
		archive:    archive,
		saver:      saver,
		profile:    opts.Profile,
		pseudonyms: opts.Pseudonyms,
		log:        log.Named("anonymize"),
	}
}

// Run anonymizes s on the archive, saves the anonymized archive into destDir
// and deletes the anonymized copy. Once a copy exists its deletion is always
// attempted, whatever happened to the download.
func (q *Sequence) Run(ctx context.Context, s study.Study, destDir string) Result {
	res := Result{}
	res.enter(Requested)
	log := q.log.With(zap.String("study", s.ID))

	pseudonym := ""
	if q.pseudonyms != nil {
		p, err := q.pseudonyms.Pseudonym(s)
		if err != nil {
			res.enter(Failed)
			res.Err = fmt.Errorf("pseudonym for study %s: %w", s.ID, err)
			return res
		}
		pseudonym = p
	}

	resp, err := q.archive.AnonymizeStudy(ctx, s.ID, q.profile.Request(s, pseudonym))
	if err != nil {
		res.enter(Failed)
		res.Err = fmt.Errorf("anonymize study %s: %w", s.ID, err)
		log.Warn("anonymization refused", zap.Error(err))
		return res
	}
	if resp.ID == s.ID {
		// Deleting this "copy" would delete the original.
		res.enter(Failed)
		res.Err = fmt.Errorf("anonymize study %s: archive returned the original study id", s.ID)
		return res
	}
	res.AnonymizedID = resp.ID
	res.enter(Anonymized)
	log.Debug("anonymized copy created", zap.String("anonymized", resp.ID))

	named := q.anonymizedName(ctx, s, resp.ID, pseudonym)
	path, downloadErr := q.saver.Save(ctx, resp.ID, named, destDir)
	if downloadErr != nil {
		res.enter(CleanupRequired)
		downloadErr = fmt.Errorf("download anonymized study %s: %w", resp.ID, downloadErr)
		log.Warn("download of anonymized copy failed", zap.Error(downloadErr))
	} else {
		res.Path = path
		res.enter(Fetched)
	}

	cleanupErr := q.cleanup(ctx, resp.ID)
	if cleanupErr != nil {
		log.Error("anonymized copy left on archive", zap.String("anonymized", resp.ID), zap.Error(cleanupErr))
	}
	res.enter(Done)
	res.Err = errors.Join(downloadErr, cleanupErr)
	return res
}

// anonymizedName returns the metadata used to name the saved archive. The
// anonymized copy's own tags are preferred; the fallback takes the original
// dates with the pseudonym, never the real patient name.
func (q *Sequence) anonymizedName(ctx context.Context, orig study.Study, anonID, pseudonym string) study.Study {
	details, err := q.archive.GetStudy(ctx, anonID)
	if err == nil {
		return study.Study{
			ID:          anonID,
			PatientName: details.PatientMainTags.PatientName,
			StudyDate:   details.MainTags.StudyDate,
			StudyTime:   details.MainTags.StudyTime,
		}
	}
	q.log.Debug("anonymized study details unavailable", zap.String("anonymized", anonID), zap.Error(err))
	return study.Study{
		ID:          anonID,
		PatientName: pseudonym,
		StudyDate:   orig.StudyDate,
		StudyTime:   orig.StudyTime,
	}
}

func (q *Sequence) cleanup(ctx context.Context, anonID string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	err := q.archive.DeleteStudy(ctx, anonID)
	if err == nil || errors.Is(err, orthanc.ErrNotFound) {
		return nil
	}
	return fmt.Errorf("%w: study %s: %w", ErrCleanupFailed, anonID, err)
}

func (r *Result) enter(s State) {
	r.State = s
	r.Trace = append(r.Trace, s)
}
