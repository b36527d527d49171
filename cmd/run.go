// -- cmd/run.go --
package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nettleworks/ferret/internal/browser"
	"github.com/nettleworks/ferret/internal/defect"
	"github.com/nettleworks/ferret/internal/framediff"
	"github.com/nettleworks/ferret/internal/observability"
	"github.com/nettleworks/ferret/internal/pipeline"
	"github.com/nettleworks/ferret/internal/reasoning"
	"github.com/nettleworks/ferret/internal/tracker"
)

// newRunCmd creates and configures the `run` command.
func newRunCmd() *cobra.Command {
	var (
		targetURL  string
		maxSteps   int
		reportPath string
		headless   bool
	)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Starts an exploratory testing session against a target URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg := appCfg

			// Flags override the config file only when explicitly set.
			if cmd.Flags().Changed("url") {
				cfg.SetSessionTargetURL(targetURL)
			}
			if cmd.Flags().Changed("steps") {
				cfg.SetSessionMaxSteps(maxSteps)
			}
			if cmd.Flags().Changed("report") {
				cfg.SetSessionReportPath(reportPath)
			}
			if cmd.Flags().Changed("headless") {
				cfg.SetBrowserHeadless(headless)
			}

			if cfg.Session().TargetURL == "" {
				return errors.New("a target URL is required (--url or session.target_url)")
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			drv := browser.New(cfg.Browser(), logger)
			if err := drv.Start(ctx); err != nil {
				return fmt.Errorf("starting browser: %w", err)
			}
			defer drv.Close()

			rsn := reasoning.NewClient(cfg.Reasoning(), logger)
			if !rsn.Available() {
				logger.Warn("No reasoning service configured, running on local heuristics only")
			}

			trk := tracker.New(cfg.Tracker(), logger)
			if !trk.Enabled() {
				logger.Info("No issue tracker configured, defects are recorded locally only")
			}

			filter := defect.NewFilter(cfg.Defects())
			dedup := defect.NewDeduplicator(cfg.Defects(),
				filter, defect.TokenSetJaccard{}, trk, rsn, logger)
			builder := defect.NewBuilder(cfg.Defects(), logger)
			detector := framediff.NewDetector(cfg.Diff())

			logger.Info("Session configured",
				zap.String("target", cfg.Session().TargetURL),
				zap.Int("max_steps", cfg.Session().MaxSteps))

			return pipeline.New(cfg, drv, rsn, dedup, filter, builder, detector, logger).Run(ctx)
		},
	}

	runCmd.Flags().StringVarP(&targetURL, "url", "u", "", "target URL to explore")
	runCmd.Flags().IntVarP(&maxSteps, "steps", "s", 0, "maximum number of steps (0 runs until interrupted)")
	runCmd.Flags().StringVarP(&reportPath, "report", "r", "", "path for the session report")
	runCmd.Flags().BoolVar(&headless, "headless", true, "run the browser headless")

	return runCmd
}
