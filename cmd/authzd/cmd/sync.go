package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Out-of-band synchronization commands",
}

var syncNowCmd = &cobra.Command{
	Use:   "now",
	Short: "Run a single synchronization tick and exit",
	Long: `Wires the same component graph as "serve", forces the syncer into
service and write mode for this one invocation regardless of the
configured sync cadence, runs a single Tick, and tears everything down.
Useful for backfilling the repository after a config change or outage
without waiting for the next scheduled tick.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := newLogger(cfg)

		comps, err := build(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("wire components: %w", err)
		}
		defer comps.stop()

		comps.syncer.SetInService(true)
		comps.syncer.SetWriteModeEnabled(true)

		if err := comps.syncer.Tick(ctx); err != nil {
			return fmt.Errorf("sync tick: %w", err)
		}

		logger.Info("manual sync tick complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.AddCommand(syncNowCmd)
}
