package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"orthanc-helper/internal/config"
)

func (a *app) newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or inspect the configuration file",
	}
	cmd.AddCommand(a.newConfigInitCmd(), a.newConfigShowCmd())
	return cmd
}

func (a *app) newConfigInitCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file interactively",
		Long: `Ask for the archive connection settings and write them to a YAML file
readable only by you. Current values are offered as defaults; the
password is read without echo on a terminal.`,
		Annotations: map[string]string{skipSetup: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				path = a.configFile
			}
			if path == "" {
				path = config.DefaultPath()
			}
			if path == "" {
				return fmt.Errorf("no home directory; give --path")
			}

			current := config.Default()
			if loaded, err := a.loadConfig(cmd); err == nil {
				current = *loaded
			}

			out := cmd.OutOrStdout()
			in := cmd.InOrStdin()
			prompt := config.Prompt{In: in, Out: out}
			if in == os.Stdin {
				prompt.ReadPassword = config.TerminalPassword()
			}
			cfg, err := prompt.Ask(current)
			if err != nil {
				return err
			}
			if err := config.Write(a.fs, path, cfg); err != nil {
				return err
			}
			fmt.Fprintln(out, styleSuccess.Render("Configuration written to"), path)
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "path", "", "file to write (default: --config or ~/"+config.FileName+")")
	return cmd
}

func (a *app) newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration, password masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := yaml.Marshal(a.cfg.Masked())
			if err != nil {
				return fmt.Errorf("could not encode configuration: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n\n", styleLabel.Render("Archive:"), a.cfg.URL())
			fmt.Fprint(out, string(data))
			return nil
		},
	}
}
