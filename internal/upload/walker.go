// Package upload stores the DICOM files and zip archives found under a
// folder on the archive.
package upload

import (
	"context"
	"fmt"
	"io"
	iofs "io/fs"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"orthanc-helper/internal/batch"
	"orthanc-helper/internal/orthanc"
)

const actionName = "upload"

// Uploader stores one file on the archive.
type Uploader interface {
	UploadInstance(ctx context.Context, body io.Reader, zipped bool) ([]orthanc.UploadResult, error)
}

// Ledger remembers uploaded files across invocations.
type Ledger interface {
	Seen(path string, info iofs.FileInfo) bool
	Record(path string, info iofs.FileInfo, instances int, uploadErr error) error
}

// Options configures a Walker.
type Options struct {
	// Ledger, if set, skips files recorded as uploaded by an earlier run.
	Ledger Ledger
	// OnStart, if set, receives the number of candidates before the first
	// upload of a folder.
	OnStart   func(candidates int)
	OnOutcome func(batch.Outcome)
	Logger    *zap.Logger
}

// Walker uploads folders one file at a time.
type Walker struct {
	fs        afero.Fs
	archive   Uploader
	ledger    Ledger
	onStart   func(int)
	onOutcome func(batch.Outcome)
	log       *zap.Logger
}

// NewWalker creates a Walker reading from afs. A nil afs means the OS
// filesystem.
func NewWalker(afs afero.Fs, archive Uploader, opts Options) *Walker {
	if afs == nil {
		afs = afero.NewOsFs()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Walker{
		fs:        afs,
		archive:   archive,
		ledger:    opts.Ledger,
		onStart:   opts.OnStart,
		onOutcome: opts.OnOutcome,
		log:       log.Named("upload"),
	}
}

// UploadFolder uploads every candidate file under root, each exactly once,
// and returns one outcome per candidate. Files that are not candidates
// produce no outcome. A failed file does not stop the walk. A missing root
// is returned as ErrRootNotFound.
func (w *Walker) UploadFolder(ctx context.Context, root string) (batch.Outcomes, error) {
	candidates, err := FindCandidates(w.fs, root)
	if err != nil {
		return nil, err
	}
	w.log.Info("upload started", zap.String("root", root), zap.Int("candidates", len(candidates)))
	if w.onStart != nil {
		w.onStart(len(candidates))
	}

	outcomes := make(batch.Outcomes, 0, len(candidates))
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, w.uploadCandidate(ctx, c))
	}

	sum := outcomes.Summary()
	w.log.Info("upload finished",
		zap.String("root", root),
		zap.Int("success", sum.Success),
		zap.Int("noop", sum.Noop),
		zap.Int("skipped", sum.Skipped),
		zap.Int("failed", sum.Failed),
	)
	return outcomes, nil
}

// UploadFile uploads a single file if it is a candidate. The second result
// is false when the file is not one.
func (w *Walker) UploadFile(ctx context.Context, path string) (batch.Outcome, bool) {
	info, err := w.fs.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return batch.Outcome{}, false
	}
	kind, ok := Classify(w.fs, path, info)
	if !ok {
		return batch.Outcome{}, false
	}
	return w.uploadCandidate(ctx, Candidate{Path: path, Kind: kind, Info: info}), true
}

func (w *Walker) uploadCandidate(ctx context.Context, c Candidate) batch.Outcome {
	out := batch.Outcome{Action: actionName, File: c.Path}

	if w.ledger != nil && w.ledger.Seen(c.Path, c.Info) {
		out.Status, out.Detail = batch.StatusSkipped, "uploaded by an earlier run"
		return w.emit(out)
	}

	log := w.log.With(zap.String("file", c.Path), zap.Stringer("kind", c.Kind))
	if c.Kind == KindDICOM {
		// Header fields only add log context.
		if h, err := ReadHeader(w.fs, c.Path); err == nil {
			log = log.With(zap.String("patient", h.PatientName), zap.String("study_date", h.StudyDate), zap.String("modality", h.Modality))
		} else {
			log.Debug("header not readable", zap.Error(err))
		}
	}

	results, err := w.send(ctx, c)
	if w.ledger != nil {
		if ledgerErr := w.ledger.Record(c.Path, c.Info, len(results), err); ledgerErr != nil {
			log.Warn("ledger not updated", zap.Error(ledgerErr))
		}
	}
	if err != nil {
		out.Status, out.Err = batch.StatusFailed, err
		log.Warn("upload failed", zap.Error(err))
		return w.emit(out)
	}

	stored := 0
	studies := map[string]bool{}
	for _, r := range results {
		if r.Status != orthanc.UploadAlreadyStored {
			stored++
		}
		if r.ParentStudy != "" {
			studies[r.ParentStudy] = true
		}
	}
	switch {
	case len(results) > 0 && stored == 0:
		out.Status, out.Detail = batch.StatusNoop, "already stored"
	default:
		out.Status = batch.StatusSuccess
		out.Detail = fmt.Sprintf("%d of %d instances stored", stored, len(results))
	}
	log.Debug("uploaded", zap.Int("instances", len(results)), zap.Int("new", stored), zap.Int("studies", len(studies)))
	return w.emit(out)
}

func (w *Walker) send(ctx context.Context, c Candidate) ([]orthanc.UploadResult, error) {
	file, err := w.fs.Open(c.Path)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", c.Path, err)
	}
	defer file.Close()
	return w.archive.UploadInstance(ctx, file, c.Kind == KindZip)
}

func (w *Walker) emit(o batch.Outcome) batch.Outcome {
	if w.onOutcome != nil {
		w.onOutcome(o)
	}
	return o
}
