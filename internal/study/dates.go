package study

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// DateLayout is the DICOM DA format used in queries and names.
const DateLayout = "20060102"

// ErrInvalidDate is returned for unparsable dates and for ranges whose end
// precedes their start.
var ErrInvalidDate = errors.New("invalid date")

// Date is a calendar day.
type Date struct {
	t time.Time
}

// NewDate returns the given calendar day.
func NewDate(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates t to its calendar day.
func DateOf(t time.Time) Date {
	return NewDate(t.Year(), t.Month(), t.Day())
}

// ParseDate accepts the DICOM form (20240131) and the usual human forms
// (2024-01-31, 01/31/2024, "Jan 31 2024", ...).
func ParseDate(value string) (Date, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Date{}, fmt.Errorf("%w: empty date", ErrInvalidDate)
	}
	if t, err := time.Parse(DateLayout, value); err == nil {
		return DateOf(t), nil
	}
	t, err := dateparse.ParseIn(value, time.UTC)
	if err != nil {
		return Date{}, fmt.Errorf("%w: %q: %v", ErrInvalidDate, value, err)
	}
	return DateOf(t), nil
}

// String returns the date in DICOM form.
func (d Date) String() string {
	return d.t.Format(DateLayout)
}

// Time returns midnight UTC of the day.
func (d Date) Time() time.Time {
	return d.t
}

// IsZero reports whether d is the zero Date.
func (d Date) IsZero() bool {
	return d.t.IsZero()
}

// AddDays returns the day n days after d.
func (d Date) AddDays(n int) Date {
	return Date{t: d.t.AddDate(0, 0, n)}
}

// Before reports whether d is an earlier day than other.
func (d Date) Before(other Date) bool {
	return d.t.Before(other.t)
}

// DateRange is an inclusive range of days.
type DateRange struct {
	Start Date
	End   Date
}

// NewDateRange validates and returns the range [start, end].
func NewDateRange(start, end Date) (DateRange, error) {
	r := DateRange{Start: start, End: end}
	if err := r.Validate(); err != nil {
		return DateRange{}, err
	}
	return r, nil
}

// SingleDay returns the range covering only d.
func SingleDay(d Date) DateRange {
	return DateRange{Start: d, End: d}
}

// Validate checks that both ends are set and End is not before Start.
func (r DateRange) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("%w: range needs a start and an end", ErrInvalidDate)
	}
	if r.End.Before(r.Start) {
		return fmt.Errorf("%w: end %s is before start %s", ErrInvalidDate, r.End, r.Start)
	}
	return nil
}

// Len returns the number of days in the range, or 0 for an invalid range.
func (r DateRange) Len() int {
	if r.Validate() != nil {
		return 0
	}
	return int(r.End.t.Sub(r.Start.t).Hours()/24) + 1
}

// Dates returns every day of the range in ascending order.
func (r DateRange) Dates() []Date {
	n := r.Len()
	dates := make([]Date, 0, n)
	for i := 0; i < n; i++ {
		dates = append(dates, r.Start.AddDays(i))
	}
	return dates
}

func (r DateRange) String() string {
	if r.Start.String() == r.End.String() {
		return r.Start.String()
	}
	return r.Start.String() + "-" + r.End.String()
}
