package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/odvcencio/rgeres/pkg/config"
	"github.com/odvcencio/rgeres/pkg/generate"
	"github.com/odvcencio/rgeres/pkg/reconcile"
	"github.com/odvcencio/rgeres/pkg/watch"
)

func newWatchCmd() *cobra.Command {
	var debounce time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Regenerate (and push) the --type scripts whenever their template in --template-dir changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.TemplateDir) == "" {
				return fmt.Errorf("watch needs --template-dir (or template_dir in the config file)")
			}
			if cfg.Mode != config.ModeLocal {
				return fmt.Errorf("watch only works in %s mode", config.ModeLocal)
			}
			logger, closeLog := newLogger(cmd, cfg)
			defer closeLog()

			rec, err := newReconciler(cmd, cfg, logger)
			if err != nil {
				return err
			}
			w, err := watch.New(watch.Config{Dir: cfg.TemplateDir, DebounceInterval: debounce, Logger: logger})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			kinds, err := generate.ParseSelection(cfg.Type)
			if err != nil {
				return err
			}
			runOnce(cmd.Context(), rec, kinds, cfg.OutDir, logger, out)

			return w.Run(cmd.Context(), func(ctx context.Context, changed []generate.Kind) {
				selected := selectedKinds(changed, kinds)
				if len(selected) == 0 {
					logger.Printf("ignoring template change for %v (not selected by --type)", changed)
					return
				}
				runOnce(ctx, rec, selected, cfg.OutDir, logger, out)
			})
		},
	}

	f := cmd.Flags()
	f.String("mode", config.ModeLocal, "production mode (watch supports local only)")
	f.String("type", "both", "scripts to regenerate: server, local, or both")
	f.String("template-dir", "", "directory with <kind>.lua templates to watch")
	f.String("commit-message", reconcile.DefaultMessage, "commit message for pushed files")
	f.DurationVar(&debounce, "debounce", watch.DefaultDebounce, "quiet period before a changed template is regenerated")
	addRemoteFlags(cmd)
	return cmd
}

// runOnce reconciles kinds and reports the outcome. Failures are logged; a
// watch session keeps going until it is interrupted.
func runOnce(ctx context.Context, rec *reconcile.Reconciler, kinds []generate.Kind, root string, logger *log.Logger, out io.Writer) {
	report, err := rec.Run(ctx, reconcile.ArtifactsFor(kinds))
	printReport(out, root, report)
	if err != nil {
		logger.Printf("WARNING: run aborted: %v", err)
		return
	}
	if n := report.Failed(); n > 0 {
		logger.Printf("WARNING: %d item(s) failed", n)
	}
}

// selectedKinds returns the kinds in changed that are also in selection.
func selectedKinds(changed, selection []generate.Kind) []generate.Kind {
	var out []generate.Kind
	for _, k := range changed {
		if slices.Contains(selection, k) {
			out = append(out, k)
		}
	}
	return out
}
