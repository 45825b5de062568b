package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"orthanc-helper/internal/batch"
	"orthanc-helper/internal/study"
)

func (a *app) newListCmd() *cobra.Command {
	var (
		dates    dateFlags
		modality string
		patient  string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List studies on the archive or on a modality",
		Long: `List studies with their patient, date and description. Without filters
every study on the archive is listed. A modality can only be listed for
a date or date range.`,
		Example: `  orthanc-helper list
  orthanc-helper list --date 2024-03-01 --modality CT1
  orthanc-helper list --patient "doe john"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			loc := a.locator()
			src := study.Modality(modality)

			var (
				found []study.Study
				err   error
			)
			switch {
			case dates.set():
				rng, rerr := dates.rangeOf()
				if rerr != nil {
					return rerr
				}
				if found, err = loc.FindRange(ctx, rng, src); err != nil {
					return err
				}
				if patient != "" {
					found = filterPatient(found, patient)
				}
			case !src.IsLocal():
				return fmt.Errorf("%w: listing a modality needs --date or --from", batch.ErrInvalidAction)
			case patient != "":
				found, err = loc.FindByPatient(ctx, patient)
			default:
				found, err = loc.All(ctx)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(found) == 0 {
				fmt.Fprintln(out, styleWarning.Render("No studies found on "+src.String()+"."))
				return nil
			}
			printStudies(out, found, false)
			fmt.Fprintln(out, styleSubtle.Render(fmt.Sprintf("%d studies on %s", len(found), src)))
			return nil
		},
	}

	dates.register(cmd)
	cmd.Flags().StringVar(&modality, "modality", "", "list a modality instead of the archive")
	cmd.Flags().StringVar(&patient, "patient", "", "only studies of this patient")
	return cmd
}

func filterPatient(studies []study.Study, filter string) []study.Study {
	kept := []study.Study{}
	for _, s := range studies {
		if study.PatientMatches(filter, s.PatientName) {
			kept = append(kept, s)
		}
	}
	return kept
}

// printStudies renders studies as a table, numbered from 1 when asked.
func printStudies(w io.Writer, studies []study.Study, numbered bool) {
	headers := []string{"Patient", "Date", "Time", "Description", "ID"}
	if numbered {
		headers = append([]string{"#"}, headers...)
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(styleSubtle).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return styleTableHeader
			}
			return styleTableCell
		})

	for i, s := range studies {
		name := s.PatientName
		if name == "" {
			name = study.UnknownPatient
		}
		row := []string{name, s.StudyDate, s.StudyTime, s.Description, s.ID}
		if numbered {
			row = append([]string{strconv.Itoa(i + 1)}, row...)
		}
		t.Row(row...)
	}
	fmt.Fprintln(w, t.Render())
}
