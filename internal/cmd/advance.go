package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
)

var advanceCmd = &cobra.Command{
	Use:   "advance",
	Short: "Run a single queue tick",
	Long: `Reconcile running pipeline processes and promote queued jobs once,
then exit. Useful for cron-driven deployments and debugging; the serve
command ticks on its own.`,
	RunE: runAdvance,
}

func init() {
	rootCmd.AddCommand(advanceCmd)
	advanceCmd.Flags().Bool("json", false, "Output the tick summary as JSON")
}

func runAdvance(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	ctx := cmd.Context()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	sched, err := buildScheduler(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to assemble scheduler", err)
	}
	defer sched.Close()

	summary, err := sched.manager.Advance(ctx)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Queue tick failed", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}

	_, _ = fmt.Fprintf(os.Stdout, "checked=%d promoted=%d completed=%d errored=%d aborted=%d\n",
		summary.Checked, summary.Promoted, summary.Completed, summary.Errored, summary.Aborted)
	return nil
}
