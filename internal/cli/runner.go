package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/term"

	"orthanc-helper/internal/batch"
	"orthanc-helper/internal/progress"
)

const ruleWidth = 50

// printHeader prints the command title and the settings it runs with.
func printHeader(w io.Writer, title string, rows ...[2]string) {
	fmt.Fprintln(w, styleTitle.Render("Orthanc Helper - "+title))
	fmt.Fprintln(w, strings.Repeat("=", ruleWidth))
	for _, row := range rows {
		if row[1] == "" {
			continue
		}
		fmt.Fprintf(w, "%s %s\n", styleLabel.Render(row[0]+":"), row[1])
	}
	fmt.Fprintln(w)
}

// reporter prints outcomes as they arrive and copies failures to the
// error log. On a terminal, with a known total, a progress bar replaces the
// per-item lines of successful items.
type reporter struct {
	w       io.Writer
	errLog  *progress.ErrorLog
	log     *zap.Logger
	bar     *progressBar
	total   int
	current int
}

func newReporter(w io.Writer, errLog *progress.ErrorLog, log *zap.Logger) *reporter {
	return &reporter{w: w, errLog: errLog, log: log}
}

// start sets the number of items expected, when known up front.
func (r *reporter) start(total int) {
	r.total, r.current, r.bar = total, 0, nil
	if total > 0 && isTerminal(r.w) {
		r.bar = newProgressBar(ruleWidth)
	}
}

func (r *reporter) outcome(o batch.Outcome) {
	r.current++
	if r.errLog != nil {
		if err := r.errLog.Record(o); err != nil {
			r.log.Warn("error log not written", zap.Error(err))
		}
	}

	if r.bar == nil {
		fmt.Fprintln(r.w, formatOutcome(o))
		return
	}
	if o.Status == batch.StatusFailed {
		fmt.Fprintf(r.w, "\r\033[K%s\n", formatOutcome(o))
	}
	r.bar.update(r.w, r.current, r.total)
}

// finish ends the progress bar line, if any.
func (r *reporter) finish() {
	if r.bar != nil && r.current > 0 {
		fmt.Fprintln(r.w)
	}
}

func formatOutcome(o batch.Outcome) string {
	var icon string
	switch o.Status {
	case batch.StatusSuccess:
		icon = styleSuccess.Render("✓")
	case batch.StatusNoop:
		icon = styleSubtle.Render("=")
	case batch.StatusSkipped:
		icon = styleWarning.Render("-")
	default:
		icon = styleError.Render("✗")
	}

	line := fmt.Sprintf("%s %-9s %s", icon, o.Action, o.Subject())
	if o.Path != "" {
		line += styleSubtle.Render(" -> " + o.Path)
	}
	switch {
	case o.Err != nil:
		line += ": " + styleError.Render(o.Err.Error())
	case o.Detail != "":
		line += styleSubtle.Render(" (" + o.Detail + ")")
	}
	return line
}

// printSummary prints the final counts.
func printSummary(w io.Writer, outcomes batch.Outcomes, errLog *progress.ErrorLog) {
	sum := outcomes.Summary()
	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("=", ruleWidth))
	if sum.Total() == 0 {
		fmt.Fprintln(w, styleWarning.Render("Nothing to do: no matching studies or files."))
		return
	}

	counts := fmt.Sprintf("%d succeeded, %d unchanged, %d skipped, %d failed",
		sum.Success, sum.Noop, sum.Skipped, sum.Failed)
	if sum.Failed > 0 {
		fmt.Fprintln(w, styleError.Render("Finished with failures:"), counts)
	} else {
		fmt.Fprintln(w, styleSuccess.Render("Complete!"), counts)
	}
	if errLog != nil {
		fmt.Fprintf(w, "%s %s\n", styleLabel.Render("Errors:"), errLog.Summary())
	}
}

// progressBar draws a one-line bar redrawn in place.
type progressBar struct {
	width int
}

func newProgressBar(width int) *progressBar {
	return &progressBar{width: width}
}

func (pb *progressBar) update(w io.Writer, current, total int) {
	if total == 0 {
		return
	}

	percent := float64(current) / float64(total)
	filled := int(percent * float64(pb.width))
	if filled > pb.width {
		filled = pb.width
	}

	bar := strings.Repeat("#", filled) + strings.Repeat("-", pb.width-filled)
	fmt.Fprintf(w, "\r[%s] %3.0f%%  (%d/%d)", bar, percent*100, current, total)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
