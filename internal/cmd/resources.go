package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/annolab/corpusd/internal/config"
	"github.com/annolab/corpusd/pkg/registry"
)

var resourcesCmd = &cobra.Command{
	Use:   "resources",
	Short: "Inspect registered resources",
}

var resourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered resources",
	RunE:  runResourcesList,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and control annotation jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List job records",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <resource_id>",
	Short: "Show the job record for a resource",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsAbortCmd = &cobra.Command{
	Use:   "abort <resource_id>",
	Short: "Abort the active job for a resource",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsAbort,
}

func init() {
	rootCmd.AddCommand(resourcesCmd)
	resourcesCmd.AddCommand(resourcesListCmd)

	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsAbortCmd)

	resourcesListCmd.Flags().String("owner", "", "Filter by owner")
	resourcesListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsListCmd.Flags().Bool("active", false, "Only jobs that are not in a terminal state")
	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobsAbortCmd.Flags().Bool("json", false, "Output as JSON")
}

// openRegistry opens the registry database for read-mostly CLI commands.
func openRegistry(ctx context.Context, cfg *config.Config) (*registry.Store, error) {
	store, err := registry.Open(ctx, registry.Config{
		Path:      cfg.Registry.Path,
		URL:       cfg.Registry.URL,
		AuthToken: cfg.Registry.AuthToken,
	})
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	if err := registry.Migrate(ctx, store.DB()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate registry: %w", err)
	}
	return store, nil
}

func runResourcesList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	owner, _ := cmd.Flags().GetString("owner")
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

	resources, err := store.ListResources(ctx, owner)
	if err != nil {
		return err
	}
	if len(resources) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No resources found")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resources)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "RESOURCE ID\tOWNER\tKIND\tCONFIG\tSOURCES\tEXPORTS\tCREATED")
	for _, res := range resources {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			res.ResourceID,
			res.Owner,
			res.Kind,
			yesNo(res.HasConfig),
			res.SourceCount,
			yesNo(res.HasExports),
			res.CreatedAt.UTC().Format(time.RFC3339),
		)
	}
	return nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	activeOnly, _ := cmd.Flags().GetBool("active")
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

	var jobs []registry.JobRecord
	if activeOnly {
		jobs, err = store.ListActiveJobs(ctx)
	} else {
		jobs, err = store.ListJobs(ctx)
	}
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No jobs found")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	now := time.Now().UTC()
	_, _ = fmt.Fprintln(w, "RESOURCE ID\tTYPE\tSTATUS\tQUEUED\tSTARTED\tENDED\tDURATION")
	for i := range jobs {
		j := &jobs[i]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			j.ResourceID,
			j.JobType,
			j.Status,
			j.QueuedAt.UTC().Format(time.RFC3339),
			formatOptionalTime(j.StartedAt),
			formatOptionalTime(j.EndedAt),
			formatDuration(j.Duration(now)),
		)
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
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

	resourceID, err := resolveResourceID(ctx, store, args[0])
	if err != nil {
		return err
	}
	job, err := store.GetJob(ctx, resourceID)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	}

	_, _ = fmt.Fprintf(os.Stdout, "resource_id=%s\n", job.ResourceID)
	_, _ = fmt.Fprintf(os.Stdout, "job_type=%s\n", job.JobType)
	_, _ = fmt.Fprintf(os.Stdout, "status=%s\n", job.Status)
	if job.RunID != "" {
		_, _ = fmt.Fprintf(os.Stdout, "run_id=%s\n", job.RunID)
	}
	if job.PID != 0 {
		_, _ = fmt.Fprintf(os.Stdout, "pid=%d\n", job.PID)
	}
	_, _ = fmt.Fprintf(os.Stdout, "queued_at=%s\n", job.QueuedAt.UTC().Format(time.RFC3339))
	if job.StartedAt != nil {
		_, _ = fmt.Fprintf(os.Stdout, "started_at=%s\n", job.StartedAt.UTC().Format(time.RFC3339))
	}
	if job.EndedAt != nil {
		_, _ = fmt.Fprintf(os.Stdout, "ended_at=%s\n", job.EndedAt.UTC().Format(time.RFC3339))
	}
	for _, warn := range job.Warnings {
		_, _ = fmt.Fprintf(os.Stdout, "warning=%s\n", warn)
	}
	for _, errMsg := range job.Errors {
		_, _ = fmt.Fprintf(os.Stdout, "error=%s\n", errMsg)
	}
	return nil
}

func runJobsAbort(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	ctx := cmd.Context()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	// Abort may need to signal a live pipeline process, so wire the full
	// scheduler rather than just the registry.
	sched, err := buildScheduler(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to assemble scheduler", err)
	}
	defer sched.Close()

	resourceID, err := resolveResourceID(ctx, sched.store, args[0])
	if err != nil {
		return err
	}
	job, err := sched.manager.Abort(ctx, resourceID)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	}
	_, _ = fmt.Fprintf(os.Stdout, "resource_id=%s status=%s\n", job.ResourceID, job.Status)
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Second).String()
}

// resolveResourceID accepts a full resource ID or a unique prefix of one.
func resolveResourceID(ctx context.Context, store *registry.Store, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("resource_id is required")
	}

	// Exact match first.
	if _, err := store.GetResource(ctx, input); err == nil {
		return input, nil
	}

	resources, err := store.ListResources(ctx, "")
	if err != nil {
		return "", err
	}
	matches := make([]string, 0, 2)
	for _, res := range resources {
		if strings.HasPrefix(res.ResourceID, input) {
			matches = append(matches, res.ResourceID)
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("resource not found: %s", input)
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("resource id prefix is ambiguous (%d matches); use the full resource_id", len(matches))
	}
	return matches[0], nil
}
