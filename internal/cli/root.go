// Package cli implements the orthanc-helper commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"orthanc-helper/internal/config"
	"orthanc-helper/internal/locator"
	"orthanc-helper/internal/logger"
	"orthanc-helper/internal/orthanc"
)

// skipSetup marks commands that run without a loaded configuration.
const skipSetup = "skip-setup"

// Options lets tests replace process-wide dependencies.
type Options struct {
	// Fs is used for config, downloads, ledgers and logs. Defaults to the
	// OS filesystem.
	Fs afero.Fs
	// Logger replaces the logger built from the configuration.
	Logger *zap.Logger
}

// app is the state shared by the commands of one invocation.
type app struct {
	fs      afero.Fs
	baseLog *zap.Logger

	configFile string
	envFile    string
	verbose    bool

	cfg    *config.Config
	log    *zap.Logger
	runID  string
	client *orthanc.Client
}

// NewRootCmd builds the command tree.
func NewRootCmd(opts Options) *cobra.Command {
	a := &app{fs: opts.Fs, baseLog: opts.Logger}
	if a.fs == nil {
		a.fs = afero.NewOsFs()
	}

	root := &cobra.Command{
		Use:   "orthanc-helper",
		Short: "Routine data management against an Orthanc archive",
		Long: `orthanc-helper drives an Orthanc archive over its REST API: upload
folders of DICOM files, list studies, copy studies between the archive and
modalities, download (optionally anonymized) study archives and delete
studies by date.

Connection settings come from ~/.orthanc-helper.yaml, a .env file,
ORTHANC_* environment variables and flags, in increasing precedence.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "config file (default ~/"+config.FileName+")")
	pf.StringVar(&a.envFile, "env-file", ".env", "dotenv file with ORTHANC_* variables")
	pf.String("scheme", "", "archive URL scheme (http or https)")
	pf.String("host", "", "archive host")
	pf.Int("port", 0, "archive HTTP port")
	pf.String("user", "", "archive username")
	pf.String("password", "", "archive password")
	pf.Duration("timeout", 0, "HTTP request timeout, 0 for none")
	pf.String("log-level", "", "debug, info, warn or error")
	pf.String("log-file", "", "also write logs to this file")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		a.newUploadCmd(),
		a.newListCmd(),
		a.newCopyCmd(),
		a.newDownloadCmd(),
		a.newAnonymizeCmd(),
		a.newDeleteCmd(),
		a.newConfigCmd(),
	)
	return root
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd(Options{})
	if err := root.ExecuteContext(ctx); err != nil {
		reportError(root.ErrOrStderr(), err)
		return 1
	}
	return 0
}

func reportError(w io.Writer, err error) {
	msg := err.Error()
	switch {
	case errors.Is(err, context.Canceled):
		msg = "interrupted"
	case errors.Is(err, locator.ErrSourceUnreachable), errors.Is(err, orthanc.ErrUnreachable):
		msg += "\ncheck the host, port and credentials (orthanc-helper config show)"
	}
	fmt.Fprintln(w, styleError.Render("Error:"), msg)
}

// setup loads the configuration and builds the logger and the archive
// client before any command that needs them.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if cmd.Annotations[skipSetup] != "" {
		return nil
	}

	cfg, err := a.loadConfig(cmd)
	if err != nil {
		return err
	}
	a.cfg = cfg

	log := a.baseLog
	if log == nil {
		level := cfg.LogLevel
		if a.verbose {
			level = "debug"
		}
		log, err = logger.New(logger.Options{
			Level:   level,
			File:    cfg.LogFile,
			Console: isTerminal(os.Stderr),
		})
		if err != nil {
			return err
		}
	}

	a.runID = uuid.NewString()
	a.log = log.With(zap.String("run_id", a.runID), zap.String("command", cmd.Name()))
	a.client = orthanc.NewClient(orthanc.Options{
		BaseURL:  cfg.URL(),
		Username: cfg.Username,
		Password: cfg.Password,
		Timeout:  cfg.Timeout,
		Logger:   a.log,
	})
	a.log.Debug("configured", zap.String("archive", cfg.URL()))
	return nil
}

func (a *app) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(config.LoadOptions{
		File:    a.configFile,
		EnvFile: a.envFile,
		Flags:   cmd.Flags(),
		Fs:      a.fs,
	})
}

func (a *app) locator() *locator.Locator {
	return locator.New(a.client, a.log)
}
