// Package batch applies an action (copy, download, anonymize, delete) to
// every study of a date range, one study at a time, and reports one outcome
// per study.
package batch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"orthanc-helper/internal/anonymize"
	"orthanc-helper/internal/orthanc"
	"orthanc-helper/internal/study"
)

// Archive is the part of the archive client the executor needs.
type Archive interface {
	RetrieveAnswer(ctx context.Context, queryID string, index int, targetAET string) error
	StoreToModality(ctx context.Context, modality, studyID string) error
	DeleteStudy(ctx context.Context, studyID string) error
}

// Finder checks sources and looks studies up by date.
type Finder interface {
	Check(ctx context.Context, src study.Source) error
	Find(ctx context.Context, date study.Date, src study.Source) ([]study.Study, error)
}

// Saver stores the archive of a study in a local directory.
type Saver interface {
	Save(ctx context.Context, studyID string, named study.Study, destDir string) (string, error)
}

// Anonymizer runs the anonymize-download-cleanup sequence for one study.
type Anonymizer interface {
	Run(ctx context.Context, s study.Study, destDir string) anonymize.Result
}

// Options configures an Executor. Saver and Anonymizer are only needed by
// the actions that use them.
type Options struct {
	Saver      Saver
	Anonymizer Anonymizer
	// OnOutcome, if set, is called with each outcome as soon as it exists.
	OnOutcome func(Outcome)
	Logger    *zap.Logger
}

// Executor runs batch actions.
type Executor struct {
	archive    Archive
	finder     Finder
	saver      Saver
	anonymizer Anonymizer
	onOutcome  func(Outcome)
	log        *zap.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(archive Archive, finder Finder, opts Options) *Executor {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		archive:    archive,
		finder:     finder,
		saver:      opts.Saver,
		anonymizer: opts.Anonymizer,
		onOutcome:  opts.OnOutcome,
		log:        log.Named("batch"),
	}
}

// Run applies action to every study found on src for each day of rng, in
// ascending date order and in the order the source returns studies within a
// day.
//
// An invalid range, an action that cannot run against src and an unreachable
// source are reported as an error before anything is done. After that, a
// failure affects only its own study (or day, for a failed lookup) and is
// recorded as a failed outcome; the full list is always returned. Use
// Outcomes.Err to detect failed items. A cancelled context stops the run and
// returns the outcomes so far with the context error.
func (e *Executor) Run(ctx context.Context, rng study.DateRange, src study.Source, action Action) (Outcomes, error) {
	if err := rng.Validate(); err != nil {
		return nil, err
	}
	if err := e.setup(ctx, src, action); err != nil {
		return nil, err
	}

	e.log.Info("batch started",
		zap.String("action", action.Name()),
		zap.Stringer("range", rng),
		zap.Stringer("source", src),
	)

	outcomes := Outcomes{}
	for _, date := range rng.Dates() {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}

		studies, err := e.finder.Find(ctx, date, src)
		if err != nil {
			if ctx.Err() != nil {
				return outcomes, ctx.Err()
			}
			outcomes = e.record(outcomes, Outcome{
				Status: StatusFailed,
				Action: action.Name(),
				Date:   date,
				Err:    fmt.Errorf("lookup of %s: %w", date, err),
			})
			continue
		}

		for _, s := range studies {
			if err := ctx.Err(); err != nil {
				return outcomes, err
			}
			outcome := e.apply(ctx, src, action, s)
			outcome.Date = date
			outcomes = e.record(outcomes, outcome)
		}
	}

	e.logSummary(action, outcomes)
	return outcomes, nil
}

// Apply runs action on an explicit list of studies from src, such as the
// result of a patient lookup. Setup checks are the same as for Run.
func (e *Executor) Apply(ctx context.Context, studies []study.Study, src study.Source, action Action) (Outcomes, error) {
	if err := e.setup(ctx, src, action); err != nil {
		return nil, err
	}
	outcomes := Outcomes{}
	for _, s := range studies {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		outcomes = e.record(outcomes, e.apply(ctx, src, action, s))
	}
	e.logSummary(action, outcomes)
	return outcomes, nil
}

func (e *Executor) setup(ctx context.Context, src study.Source, action Action) error {
	if action == nil {
		return fmt.Errorf("%w: no action", ErrInvalidAction)
	}
	if err := action.validate(src); err != nil {
		return err
	}
	switch action.(type) {
	case DownloadToLocal:
		if e.saver == nil {
			return fmt.Errorf("%w: download needs a saver", ErrInvalidAction)
		}
	case AnonymizeDownloadDelete:
		if e.anonymizer == nil {
			return fmt.Errorf("%w: anonymize needs an anonymizer", ErrInvalidAction)
		}
	case CopyToServer, Delete:
	default:
		return fmt.Errorf("%w: %T", ErrInvalidAction, action)
	}
	if err := e.finder.Check(ctx, src); err != nil {
		return err
	}
	if copyAction, ok := action.(CopyToServer); ok && src.IsLocal() {
		// The target of a store is a modality; it must answer too.
		return e.finder.Check(ctx, study.Modality(copyAction.Target))
	}
	return nil
}

func (e *Executor) apply(ctx context.Context, src study.Source, action Action, s study.Study) Outcome {
	out := Outcome{Action: action.Name(), Study: s}

	var err error
	switch a := action.(type) {
	case CopyToServer:
		if src.IsLocal() {
			err = e.archive.StoreToModality(ctx, a.Target, s.ID)
		} else if !s.IsRemote() {
			err = fmt.Errorf("study %s has no query reference to retrieve it", s.ID)
		} else {
			err = e.archive.RetrieveAnswer(ctx, s.QueryID, s.AnswerIndex, a.Target)
		}
		if errors.Is(err, orthanc.ErrNotFound) {
			out.Status, out.Detail = StatusNoop, "study no longer exists"
			return out
		}

	case DownloadToLocal:
		out.Path, err = e.saver.Save(ctx, s.ID, s, a.DestDir)
		if errors.Is(err, orthanc.ErrNotFound) {
			out.Status, out.Detail = StatusNoop, "study no longer exists"
			return out
		}

	case AnonymizeDownloadDelete:
		if !study.PatientMatches(a.PatientFilter, s.PatientName) {
			out.Status, out.Detail = StatusSkipped, "patient does not match "+a.PatientFilter
			return out
		}
		res := e.anonymizer.Run(ctx, s, a.DestDir)
		// Only the original vanishing is a no-op; a 404 on the anonymized
		// copy is a failure.
		if res.State == anonymize.Failed && errors.Is(res.Err, orthanc.ErrNotFound) {
			out.Status, out.Detail = StatusNoop, "study no longer exists"
			return out
		}
		out.Path, err = res.Path, res.Err
		if res.State == anonymize.Done && err == nil {
			out.Detail = "anonymized copy " + res.AnonymizedID + " removed"
		}

	case Delete:
		err = e.archive.DeleteStudy(ctx, s.ID)
		if errors.Is(err, orthanc.ErrNotFound) {
			out.Status, out.Detail = StatusNoop, "already deleted"
			return out
		}

	default:
		err = fmt.Errorf("%w: %T", ErrInvalidAction, action)
	}

	if err != nil {
		out.Status, out.Err = StatusFailed, err
		return out
	}
	out.Status = StatusSuccess
	return out
}

func (e *Executor) record(outcomes Outcomes, o Outcome) Outcomes {
	fields := []zap.Field{
		zap.String("action", o.Action),
		zap.String("status", string(o.Status)),
		zap.String("subject", o.Subject()),
	}
	if o.Err != nil {
		e.log.Warn("item failed", append(fields, zap.Error(o.Err))...)
	} else {
		e.log.Debug("item done", fields...)
	}
	if e.onOutcome != nil {
		e.onOutcome(o)
	}
	return append(outcomes, o)
}

func (e *Executor) logSummary(action Action, outcomes Outcomes) {
	sum := outcomes.Summary()
	e.log.Info("batch finished",
		zap.String("action", action.Name()),
		zap.Int("success", sum.Success),
		zap.Int("noop", sum.Noop),
		zap.Int("skipped", sum.Skipped),
		zap.Int("failed", sum.Failed),
	)
}
