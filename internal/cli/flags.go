package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"orthanc-helper/internal/study"
)

// dateFlags are the --date, --from and --to flags shared by the batch
// commands.
type dateFlags struct {
	date string
	from string
	to   string
}

func (d *dateFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&d.date, "date", "", "single study date (20240131, 2024-01-31, ...)")
	f.StringVar(&d.from, "from", "", "first study date of the range")
	f.StringVar(&d.to, "to", "", "last study date of the range (default: --from)")
	cmd.MarkFlagsMutuallyExclusive("date", "from")
	cmd.MarkFlagsMutuallyExclusive("date", "to")
}

func (d *dateFlags) set() bool {
	return d.date != "" || d.from != "" || d.to != ""
}

// rangeOf turns the flags into a validated range.
func (d *dateFlags) rangeOf() (study.DateRange, error) {
	if d.date != "" {
		day, err := study.ParseDate(d.date)
		if err != nil {
			return study.DateRange{}, err
		}
		return study.SingleDay(day), nil
	}
	if d.from == "" {
		return study.DateRange{}, fmt.Errorf("%w: give --date or --from", study.ErrInvalidDate)
	}
	start, err := study.ParseDate(d.from)
	if err != nil {
		return study.DateRange{}, err
	}
	end := start
	if d.to != "" {
		if end, err = study.ParseDate(d.to); err != nil {
			return study.DateRange{}, err
		}
	}
	return study.NewDateRange(start, end)
}
