package batch

import (
	"errors"
	"fmt"

	"orthanc-helper/internal/study"
)

// ErrPartialFailure is returned by Outcomes.Err when at least one item failed.
var ErrPartialFailure = errors.New("partial batch failure")

// Status is the result of processing one item.
type Status string

const (
	StatusSuccess Status = "success"
	// StatusNoop means there was nothing to do: already stored, already gone.
	StatusNoop    Status = "noop"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Outcome is the result of one study (batch runs) or one file (uploads).
// A failed lookup of a whole day is reported with a zero Study and its Date.
type Outcome struct {
	Status Status
	Action string
	Date   study.Date
	Study  study.Study
	File   string
	// Path is the local file written, if any.
	Path   string
	Detail string
	Err    error
}

// Subject names what the outcome is about.
func (o Outcome) Subject() string {
	switch {
	case o.File != "":
		return o.File
	case o.Study.ID != "":
		return o.Study.Label()
	case !o.Date.IsZero():
		return "studies of " + o.Date.String()
	default:
		return "-"
	}
}

func (o Outcome) String() string {
	s := fmt.Sprintf("%s %s %s", o.Status, o.Action, o.Subject())
	if o.Path != "" {
		s += " -> " + o.Path
	}
	if o.Err != nil {
		s += ": " + o.Err.Error()
	} else if o.Detail != "" {
		s += " (" + o.Detail + ")"
	}
	return s
}

// Outcomes is the ordered list of outcomes of a run.
type Outcomes []Outcome

// Summary counts outcomes per status.
type Summary struct {
	Success int
	Noop    int
	Skipped int
	Failed  int
}

// Total returns the number of outcomes counted.
func (s Summary) Total() int {
	return s.Success + s.Noop + s.Skipped + s.Failed
}

// Summary counts the outcomes per status.
func (o Outcomes) Summary() Summary {
	var s Summary
	for _, item := range o {
		switch item.Status {
		case StatusSuccess:
			s.Success++
		case StatusNoop:
			s.Noop++
		case StatusSkipped:
			s.Skipped++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}

// Failed returns the failed outcomes.
func (o Outcomes) Failed() Outcomes {
	var failed Outcomes
	for _, item := range o {
		if item.Status == StatusFailed {
			failed = append(failed, item)
		}
	}
	return failed
}

// Err returns ErrPartialFailure, with the failure count, when any outcome
// failed, and nil otherwise.
func (o Outcomes) Err() error {
	failed := o.Summary().Failed
	if failed == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d of %d items failed", ErrPartialFailure, failed, len(o))
}
