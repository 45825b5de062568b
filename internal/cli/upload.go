package cli

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"orthanc-helper/internal/batch"
	"orthanc-helper/internal/progress"
	"orthanc-helper/internal/study"
	"orthanc-helper/internal/upload"
)

// ledgerName is the resume ledger kept in the uploaded folder.
const ledgerName = ".orthanc-helper-upload.json"

func (a *app) newUploadCmd() *cobra.Command {
	var (
		resume bool
		watch  bool
		settle time.Duration
	)

	cmd := &cobra.Command{
		Use:   "upload <dir>",
		Short: "Store every DICOM file and zip archive under a folder",
		Long: `Walk a folder recursively and store every DICOM file (.dcm, .dicom, or
no extension with a DICM header) and every zip archive on the archive.
Zip archives are sent as they are and expanded by the archive.

--resume remembers uploaded files in ` + ledgerName + ` inside the folder
and skips them on the next run. --watch keeps running and uploads files
added to the folder until interrupted; the command then fails if any
upload of the run failed.`,
		Example: `  orthanc-helper upload ./incoming
  orthanc-helper upload ./incoming --resume --watch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := args[0]
			out := cmd.OutOrStdout()

			errLog, err := progress.OpenErrorLog(a.fs, a.cfg.ErrorLog, a.runID)
			if err != nil {
				return err
			}
			defer errLog.Close()
			rep := newReporter(out, errLog, a.log)

			opts := upload.Options{OnStart: rep.start, OnOutcome: rep.outcome, Logger: a.log}
			ledgerPath := ""
			if resume {
				ledgerPath = filepath.Join(root, ledgerName)
				ledger, err := progress.OpenLedger(a.fs, ledgerPath, a.log)
				if err != nil {
					return err
				}
				if cleared, err := ledger.ClearFailed(); err != nil {
					a.log.Warn("ledger not updated", zap.Error(err))
				} else if cleared > 0 {
					a.log.Info("retrying files that failed before", zap.Int("files", cleared))
				}
				opts.Ledger = ledger
			}

			printHeader(out, "upload",
				[2]string{"Archive", a.cfg.URL()},
				[2]string{"Folder", root},
				[2]string{"Ledger", ledgerPath},
			)
			if err := a.locator().Check(cmd.Context(), study.Local); err != nil {
				return err
			}

			walker := upload.NewWalker(a.fs, a.client, opts)
			outcomes, err := walker.UploadFolder(cmd.Context(), root)
			rep.finish()
			if err != nil && outcomes == nil {
				return err
			}
			printSummary(out, outcomes, errLog)
			if err != nil {
				return err
			}

			if watch {
				fmt.Fprintln(out)
				fmt.Fprintln(out, styleSubtle.Render("Watching "+root+" for new files, Ctrl-C to stop..."))
				// Watched files are reported one by one.
				rep.start(0)
				if err := walker.Watch(cmd.Context(), root, settle); err != nil {
					return err
				}
				fmt.Fprintln(out, styleSubtle.Render(errLog.Summary()))
				// Failures of the first walk and of the watch alike.
				if n := errLog.Count(); n > 0 {
					return fmt.Errorf("%w: %d files not uploaded", batch.ErrPartialFailure, n)
				}
				return nil
			}
			return outcomes.Err()
		},
	}

	cmd.Flags().BoolVar(&resume, "resume", false, "skip files uploaded by an earlier run")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep uploading files added to the folder")
	cmd.Flags().DurationVar(&settle, "settle", upload.DefaultSettle, "how long a new file must stay unchanged before upload")
	return cmd
}
