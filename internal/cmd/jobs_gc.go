package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
)

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Garbage collect old terminal job records",
	RunE:  runJobsGC,
}

func init() {
	jobsCmd.AddCommand(jobsGCCmd)

	jobsGCCmd.Flags().String("max-age", "168h", "Delete terminal jobs that ended longer ago than this duration")
	jobsGCCmd.Flags().Bool("dry-run", false, "Show how many jobs would be deleted")
	jobsGCCmd.Flags().Bool("json", false, "Output as JSON")
}

type jobsGCResult struct {
	Deleted      int    `json:"deleted"`
	WouldDelete  int    `json:"would_delete"`
	DryRun       bool   `json:"dry_run"`
	MaxAgeString string `json:"max_age"`
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	maxAgeStr, _ := cmd.Flags().GetString("max-age")
	maxAgeStr = strings.TrimSpace(maxAgeStr)
	if maxAgeStr == "" {
		maxAgeStr = "168h"
	}
	maxAge, err := time.ParseDuration(maxAgeStr)
	if err != nil {
		return fmt.Errorf("invalid --max-age: %w", err)
	}
	if maxAge <= 0 {
		return fmt.Errorf("--max-age must be > 0")
	}

	jsonOutput, _ := cmd.Flags().GetBool("json")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	ctx := cmd.Context()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	store, err := openRegistry(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Registry unavailable", err)
	}
	defer func() { _ = store.Close() }()

	jobs, err := store.ListJobs(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	deleted := 0
	for i := range jobs {
		j := &jobs[i]
		if !j.Status.IsTerminal() || j.EndedAt == nil {
			continue
		}
		if now.Sub(j.EndedAt.UTC()) <= maxAge {
			continue
		}

		if !dryRun {
			if err := os.RemoveAll(filepath.Join(cfg.Pipeline.WorkRoot, j.ResourceID)); err != nil {
				return fmt.Errorf("remove work dir: %w", err)
			}
			if err := store.DeleteJob(ctx, j.ResourceID); err != nil {
				return fmt.Errorf("delete job record: %w", err)
			}
		}
		deleted++
	}

	if jsonOutput {
		res := jobsGCResult{DryRun: dryRun, MaxAgeString: maxAgeStr}
		if dryRun {
			res.WouldDelete = deleted
		} else {
			res.Deleted = deleted
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	if dryRun {
		_, _ = fmt.Fprintf(os.Stdout, "would_delete=%d\n", deleted)
		return nil
	}
	_, _ = fmt.Fprintf(os.Stdout, "deleted=%d\n", deleted)
	return nil
}
