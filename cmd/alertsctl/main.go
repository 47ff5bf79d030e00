// alertsctl drives the alerts pipeline in batch mode: stage-by-stage
// commands over JSON artefacts, a whole-pipeline run, portal view builds,
// and the observability export.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/verdantis/alerts-service/internal/telemetry"
)

// Default artefact locations for the one-shot flow. Every command takes
// explicit paths, so these only pick where the chain lands by default.
const (
	defaultAlertsDir  = "data/processed/alerts"
	defaultPortalsDir = "data/processed/portals"
	defaultMatched    = defaultAlertsDir + "/filtered_events.json"
	defaultDeduped    = defaultAlertsDir + "/filtered_events_deduped.json"
	defaultStatePath  = defaultAlertsDir + "/state/dedupe_state.json"
	defaultLogsDir    = "data/observability/logs"
)

var (
	logDir string
	logger *zap.Logger
)

func main() {
	var logCleanup func()

	root := &cobra.Command{
		Use:   "alertsctl [command]",
		Short: "Verdantis streaming alerts pipeline",
		Long: `Verdantis streaming alerts pipeline.

Stage commands (filters, dedupe, route, feed) transform JSON artefacts one
step at a time; run executes the whole chain in one shot. Portal commands
(regulator, investor, public) project the deduped stream into role views,
and obs exports stage metrics as a Prometheus textfile.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			logger, logCleanup, err = telemetry.NewLogger("alertsctl", logDir)
			return err
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if logCleanup != nil {
				logCleanup()
			}
		},
	}

	root.PersistentFlags().StringVar(&logDir, "log-dir", defaultLogsDir, "directory for daily JSON log files (empty disables the file log)")

	root.AddCommand(newFiltersCommand())
	root.AddCommand(newDedupeCommand())
	root.AddCommand(newRouteCommand())
	root.AddCommand(newFeedCommand())
	root.AddCommand(newRunCommand())
	root.AddCommand(newRegulatorCommand())
	root.AddCommand(newAuditRequestCommand())
	root.AddCommand(newInvestorCommand())
	root.AddCommand(newPublicCommand())
	root.AddCommand(newObsCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
