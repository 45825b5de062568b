package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"orthanc-helper/internal/anonymize"
	"orthanc-helper/internal/batch"
	"orthanc-helper/internal/download"
	"orthanc-helper/internal/identity"
	"orthanc-helper/internal/study"
)

func (a *app) newAnonymizeCmd() *cobra.Command {
	var (
		dates       dateFlags
		patient     string
		dest        string
		pick        int
		truncate    bool
		keepPrivate bool
	)

	cmd := &cobra.Command{
		Use:   "anonymize",
		Short: "Download anonymized copies of studies, keeping the originals",
		Long: `Download anonymized copies of studies. For each study the archive makes
an anonymized copy, the copy is downloaded into --dest, then the copy is
deleted from the archive. The original study is never modified.

Studies are selected by patient name, by date range, or both. When several
studies match a patient, all of them are processed unless --pick selects
one by its number in the listing.

With a mapping file (--mapping or mapping_file), patients get stable
pseudonyms (ANON-000001, ...) across runs; keep the mapping key secret.`,
		Example: `  orthanc-helper anonymize --patient "Doe John" --dest ./anon
  orthanc-helper anonymize --patient doe --dest ./anon --pick 2
  orthanc-helper anonymize --from 2024-03-01 --to 2024-03-31 --dest ./anon --truncate-dates`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !dates.set() && patient == "" {
				return fmt.Errorf("%w: give --patient, a date range, or both", batch.ErrInvalidAction)
			}
			if pick < 0 || (pick > 0 && dates.set()) {
				return fmt.Errorf("%w: --pick selects among the studies of a --patient lookup", batch.ErrInvalidAction)
			}

			out := cmd.OutOrStdout()
			mapper, err := a.openMapper(out)
			if err != nil {
				return err
			}

			profile := anonymize.DefaultProfile()
			profile.TruncateDates = truncate
			profile.KeepPrivateTags = keepPrivate
			seqOpts := anonymize.Options{Profile: profile, Logger: a.log}
			if mapper != nil {
				seqOpts.Pseudonyms = mapper
			}
			saver := download.NewSaver(a.fs, a.client)
			opts := batch.Options{Saver: saver, Anonymizer: anonymize.New(a.client, saver, seqOpts)}
			action := batch.AnonymizeDownloadDelete{DestDir: dest, PatientFilter: patient}

			var runErr error
			if dates.set() {
				rng, err := dates.rangeOf()
				if err != nil {
					return err
				}
				printHeader(out, "anonymize",
					[2]string{"Archive", a.cfg.URL()},
					[2]string{"Dates", rng.String()},
					[2]string{"Patient", patient},
					[2]string{"Dest", dest},
				)
				runErr = a.runBatch(cmd, 0, opts, func(ctx context.Context, exec *batch.Executor) (batch.Outcomes, error) {
					return exec.Run(ctx, rng, study.Local, action)
				})
			} else {
				studies, err := a.locator().FindByPatient(cmd.Context(), patient)
				if err != nil {
					return err
				}
				if len(studies) > 1 || pick > 0 {
					fmt.Fprintln(out, styleSubtle.Render(fmt.Sprintf("%d studies match %q:", len(studies), patient)))
					printStudies(out, studies, true)
					fmt.Fprintln(out)
				}
				if pick > 0 {
					if pick > len(studies) {
						return fmt.Errorf("%w: --pick %d but only %d studies match", batch.ErrInvalidAction, pick, len(studies))
					}
					studies = studies[pick-1 : pick]
				}
				printHeader(out, "anonymize",
					[2]string{"Archive", a.cfg.URL()},
					[2]string{"Patient", patient},
					[2]string{"Studies", fmt.Sprint(len(studies))},
					[2]string{"Dest", dest},
				)
				runErr = a.runBatch(cmd, len(studies), opts, func(ctx context.Context, exec *batch.Executor) (batch.Outcomes, error) {
					return exec.Apply(ctx, studies, study.Local, action)
				})
			}

			if mapper != nil {
				st := mapper.Stats()
				fmt.Fprintf(out, "%s %d total (%d by Name+DOB, %d by PatientID)\n",
					styleLabel.Render("Patients:"), st.TotalPatients, st.IdentityMatched, st.PIDFallback)
				fmt.Fprintf(out, "%s %s\n", styleLabel.Render("Mapping:"), a.cfg.MappingFile)
			}
			return runErr
		},
	}

	dates.register(cmd)
	f := cmd.Flags()
	f.StringVar(&patient, "patient", "", "patient name, any word order, accents and case ignored")
	f.StringVar(&dest, "dest", "", "directory receiving the anonymized archives")
	f.IntVar(&pick, "pick", 0, "process only the Nth study matching --patient")
	f.BoolVar(&truncate, "truncate-dates", false, "replace study dates by the first day of their month")
	f.BoolVar(&keepPrivate, "keep-private-tags", false, "keep private tags")
	f.String("mapping", "", "patient mapping file for stable pseudonyms")
	f.String("key", "", "secret key for the patient mapping")
	_ = cmd.MarkFlagRequired("dest")
	return cmd
}

// openMapper opens the pseudonym mapping when one is configured. A new
// mapping without a key gets a generated one, shown once; an existing
// mapping needs the key it was built with.
func (a *app) openMapper(out io.Writer) (*identity.Mapper, error) {
	if a.cfg.MappingFile == "" {
		return nil, nil
	}
	if a.cfg.MappingKey != "" {
		return identity.Open(a.fs, a.cfg.MappingFile, a.cfg.MappingKey, a.log)
	}

	key := generateSecretKey()
	mapper, err := identity.Open(a.fs, a.cfg.MappingFile, key, a.log)
	if err != nil {
		return nil, err
	}
	if n := mapper.Stats().TotalPatients; n > 0 {
		return nil, fmt.Errorf("%w: %s already maps %d patients; give the mapping_key it was created with",
			batch.ErrInvalidAction, a.cfg.MappingFile, n)
	}
	fmt.Fprintln(out, styleWarning.Render("WARNING: mapping key was auto-generated:"), key)
	fmt.Fprintln(out, "         Save it as mapping_key (or ORTHANC_MAPPING_KEY) to keep")
	fmt.Fprintln(out, "         pseudonyms consistent across runs.")
	fmt.Fprintln(out)
	return mapper, nil
}

// generateSecretKey returns a random 32-character hex key.
func generateSecretKey() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
