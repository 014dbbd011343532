package main

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/odvcencio/rgeres/pkg/generate"
	"github.com/odvcencio/rgeres/pkg/reconcile"
)

func newGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate scripts, update the index, and push them when a repository is configured",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, closeLog := newLogger(cmd, cfg)
			defer closeLog()

			kinds, err := generate.ParseSelection(cfg.Type)
			if err != nil {
				return err
			}
			rec, err := newReconciler(cmd, cfg, logger)
			if err != nil {
				return err
			}

			report, runErr := rec.Run(cmd.Context(), reconcile.ArtifactsFor(kinds))
			printReport(cmd.OutOrStdout(), cfg.OutDir, report)
			if runErr != nil {
				return runErr
			}
			if n := report.Failed(); n > 0 {
				return fmt.Errorf("%d item(s) failed", n)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Done.")
			return nil
		},
	}

	f := cmd.Flags()
	f.String("mode", "local", "how scripts are produced: local or ai")
	f.String("type", "both", "which scripts to generate: server, local, or both")
	f.String("template-dir", "", "directory with <kind>.lua templates overriding the bundled ones")
	f.String("commit-message", reconcile.DefaultMessage, "commit message for pushed files")
	f.String("model", generate.DefaultModel, "model used in ai mode")
	addRemoteFlags(cmd)
	return cmd
}

func printReport(w io.Writer, root string, report *reconcile.Report) {
	if report == nil {
		return
	}
	ok := color.New(color.FgGreen)
	bad := color.New(color.FgRed)
	for _, res := range report.Artifacts {
		if res.Saved {
			ok.Fprint(w, "saved   ")
			fmt.Fprintln(w, filepath.Join(root, filepath.FromSlash(res.Path)))
		}
		if res.Pushed {
			ok.Fprint(w, "pushed  ")
			fmt.Fprintf(w, "%s (sha: %s)\n", res.Path, res.RemoteHash)
		}
		if res.Err != nil {
			bad.Fprint(w, "failed  ")
			fmt.Fprintln(w, res.Err)
		}
	}
	if m := report.Manifest; m != nil {
		if m.Pushed {
			ok.Fprint(w, "pushed  ")
			fmt.Fprintf(w, "index %s (sha: %s)\n", m.Path, m.RemoteHash)
		}
		if m.Err != nil {
			bad.Fprint(w, "failed  ")
			fmt.Fprintf(w, "index %v\n", m.Err)
		}
	}
}
