package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"orthanc-helper/internal/batch"
	"orthanc-helper/internal/download"
	"orthanc-helper/internal/progress"
	"orthanc-helper/internal/study"
)

type runFunc func(ctx context.Context, exec *batch.Executor) (batch.Outcomes, error)

// runBatch runs a batch with outcome reporting and the error log wired in.
// total is the number of studies when known in advance, 0 otherwise. A
// setup error is returned as is; failed items make the command fail after
// the summary is printed.
func (a *app) runBatch(cmd *cobra.Command, total int, opts batch.Options, run runFunc) error {
	out := cmd.OutOrStdout()

	errLog, err := progress.OpenErrorLog(a.fs, a.cfg.ErrorLog, a.runID)
	if err != nil {
		return err
	}
	defer func() {
		if err := errLog.Close(); err != nil {
			a.log.Warn("error log not closed", zap.Error(err))
		}
	}()

	rep := newReporter(out, errLog, a.log)
	rep.start(total)
	opts.OnOutcome = rep.outcome
	opts.Logger = a.log

	exec := batch.NewExecutor(a.client, a.locator(), opts)
	outcomes, err := run(cmd.Context(), exec)
	rep.finish()
	if err != nil && outcomes == nil {
		return err
	}

	printSummary(out, outcomes, errLog)
	if err != nil {
		return err
	}
	return outcomes.Err()
}

func (a *app) newCopyCmd() *cobra.Command {
	var (
		dates      dateFlags
		modality   string
		toModality string
		target     string
	)

	cmd := &cobra.Command{
		Use:   "copy",
		Short: "Copy studies of a date range between a modality and the archive",
		Long: `Copy studies of a date range between a modality and the archive.

With --modality, studies found on the modality are retrieved (C-MOVE) to
the archive, or to --target. With --to-modality, studies on the archive
are sent (C-STORE) to the modality. Copying a study twice is harmless.`,
		Example: `  orthanc-helper copy --date 2024-03-01 --modality CT1
  orthanc-helper copy --from 20240301 --to 20240307 --to-modality PACS2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rng, err := dates.rangeOf()
			if err != nil {
				return err
			}
			if (modality == "") == (toModality == "") {
				return fmt.Errorf("%w: give either --modality or --to-modality", batch.ErrInvalidAction)
			}

			src := study.Local
			action := batch.CopyToServer{Target: toModality}
			if modality != "" {
				src = study.Modality(modality)
				if action.Target, err = a.retrieveTarget(cmd.Context(), target); err != nil {
					return err
				}
			}

			printHeader(cmd.OutOrStdout(), "copy",
				[2]string{"Archive", a.cfg.URL()},
				[2]string{"Source", src.String()},
				[2]string{"Target", action.Target},
				[2]string{"Dates", rng.String()},
			)
			return a.runBatch(cmd, 0, batch.Options{}, func(ctx context.Context, exec *batch.Executor) (batch.Outcomes, error) {
				return exec.Run(ctx, rng, src, action)
			})
		},
	}

	dates.register(cmd)
	cmd.Flags().StringVar(&modality, "modality", "", "copy from this modality to the archive")
	cmd.Flags().StringVar(&toModality, "to-modality", "", "copy from the archive to this modality")
	cmd.Flags().StringVar(&target, "target", "", "AE title receiving retrieved studies (default: the archive)")
	cmd.MarkFlagsMutuallyExclusive("modality", "to-modality")
	return cmd
}

// retrieveTarget picks the AE title studies are moved to: the flag, then
// the configured server AET, then the archive's own AET.
func (a *app) retrieveTarget(ctx context.Context, flag string) (string, error) {
	if t := strings.TrimSpace(flag); t != "" {
		return t, nil
	}
	if a.cfg.ServerAET != "" {
		return a.cfg.ServerAET, nil
	}
	info, err := a.client.System(ctx)
	if err != nil {
		return "", fmt.Errorf("could not read the archive AE title: %w", err)
	}
	if info.DicomAet == "" {
		return "", errors.New("the archive reports no AE title; give --target")
	}
	return info.DicomAet, nil
}

func (a *app) newDownloadCmd() *cobra.Command {
	var (
		dates dateFlags
		dest  string
	)

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Save the zip archive of every study of a date range",
		Long: `Save the zip archive of every study of a date range into a local
directory. Files are named DATE_TIME_PATIENT_ID.zip so that they sort by
date; an existing file of the same name is replaced.`,
		Example: `  orthanc-helper download --date 2024-03-01 --dest ./studies`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rng, err := dates.rangeOf()
			if err != nil {
				return err
			}
			action := batch.DownloadToLocal{DestDir: dest}

			printHeader(cmd.OutOrStdout(), "download",
				[2]string{"Archive", a.cfg.URL()},
				[2]string{"Dates", rng.String()},
				[2]string{"Dest", dest},
			)
			opts := batch.Options{Saver: download.NewSaver(a.fs, a.client)}
			return a.runBatch(cmd, 0, opts, func(ctx context.Context, exec *batch.Executor) (batch.Outcomes, error) {
				return exec.Run(ctx, rng, study.Local, action)
			})
		},
	}

	dates.register(cmd)
	cmd.Flags().StringVar(&dest, "dest", "", "directory receiving the archives")
	_ = cmd.MarkFlagRequired("dest")
	return cmd
}

func (a *app) newDeleteCmd() *cobra.Command {
	var (
		dates dateFlags
		all   bool
		yes   bool
	)

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete the studies of a date range, or every study",
		Long: `Delete the studies of a date range from the archive. With --all --yes,
every study on the archive is deleted. Deleting a study that is already
gone is not an error.`,
		Example: `  orthanc-helper delete --date 2024-03-01
  orthanc-helper delete --all --yes`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if !all {
				rng, err := dates.rangeOf()
				if err != nil {
					return err
				}
				printHeader(out, "delete",
					[2]string{"Archive", a.cfg.URL()},
					[2]string{"Dates", rng.String()},
				)
				return a.runBatch(cmd, 0, batch.Options{}, func(ctx context.Context, exec *batch.Executor) (batch.Outcomes, error) {
					return exec.Run(ctx, rng, study.Local, batch.Delete{})
				})
			}

			if dates.set() {
				return fmt.Errorf("%w: --all cannot be combined with dates", batch.ErrInvalidAction)
			}
			if !yes {
				return fmt.Errorf("%w: --all deletes every study on the archive; add --yes to confirm", batch.ErrInvalidAction)
			}
			studies, err := a.locator().All(cmd.Context())
			if err != nil {
				return err
			}
			printHeader(out, "delete",
				[2]string{"Archive", a.cfg.URL()},
				[2]string{"Studies", fmt.Sprintf("all (%d)", len(studies))},
			)
			return a.runBatch(cmd, len(studies), batch.Options{}, func(ctx context.Context, exec *batch.Executor) (batch.Outcomes, error) {
				return exec.Apply(ctx, studies, study.Local, batch.Delete{})
			})
		},
	}

	dates.register(cmd)
	cmd.Flags().BoolVar(&all, "all", false, "delete every study on the archive")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm --all")
	cmd.MarkFlagsMutuallyExclusive("all", "date")
	cmd.MarkFlagsMutuallyExclusive("all", "from")
	return cmd
}
