package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/annolab/corpusd/internal/config"
	"github.com/annolab/corpusd/internal/observability"
	"github.com/annolab/corpusd/internal/server"
	"github.com/annolab/corpusd/internal/server/handlers"
	"github.com/annolab/corpusd/pkg/jobqueue"
	"github.com/annolab/corpusd/pkg/provider"
	fileprovider "github.com/annolab/corpusd/pkg/provider/file"
	s3provider "github.com/annolab/corpusd/pkg/provider/s3"
	"github.com/annolab/corpusd/pkg/registry"
	"github.com/annolab/corpusd/pkg/runner"
	"github.com/annolab/corpusd/pkg/stager"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and its HTTP API",
	Long: `Start the corpusd daemon: open the registry, connect the storage
tier, and serve the resource/job API. A background tick reconciles
running pipeline processes and promotes queued jobs.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// registryHealthChecker probes registry database connectivity.
type registryHealthChecker struct {
	store *registry.Store
}

func (c registryHealthChecker) CheckHealth(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// storageHealthChecker probes the storage tier with a one-key listing.
type storageHealthChecker struct {
	prov provider.Provider
}

func (c storageHealthChecker) CheckHealth(ctx context.Context) error {
	_, err := c.prov.List(ctx, provider.ListOptions{MaxKeys: 1})
	return err
}

// scheduler bundles the wired job-scheduling components.
type scheduler struct {
	store   *registry.Store
	prov    provider.Provider
	syncer  *stager.Coordinator
	local   *runner.Local
	queue   *jobqueue.Queue
	manager *jobqueue.Manager
}

func (s *scheduler) Close() {
	_ = s.prov.Close()
	_ = s.store.Close()
}

func buildScheduler(ctx context.Context, cfg *config.Config) (*scheduler, error) {
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

	prov, err := buildProvider(ctx, cfg.Storage)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	syncer, err := stager.New(prov, cfg.Pipeline.ExportBlacklist, observability.CLILogger)
	if err != nil {
		_ = prov.Close()
		_ = store.Close()
		return nil, fmt.Errorf("create sync coordinator: %w", err)
	}

	local, err := runner.NewLocal(runner.Config{
		Command:       cfg.Pipeline.Command,
		WorkRoot:      cfg.Pipeline.WorkRoot,
		TerminateWait: cfg.Pipeline.TerminateWait,
	}, observability.CLILogger)
	if err != nil {
		_ = prov.Close()
		_ = store.Close()
		return nil, fmt.Errorf("create pipeline runner: %w", err)
	}

	cache := jobqueue.NewStatusCache()
	queue := jobqueue.NewQueue(store, cache, observability.CLILogger)
	manager, err := jobqueue.NewManager(store, cache, local, syncer, jobqueue.ManagerConfig{
		MaxConcurrent: cfg.Pipeline.MaxConcurrent,
		JobArgs:       cfg.Pipeline.JobArgs(),
	}, observability.CLILogger)
	if err != nil {
		_ = prov.Close()
		_ = store.Close()
		return nil, fmt.Errorf("create queue manager: %w", err)
	}

	return &scheduler{
		store:   store,
		prov:    prov,
		syncer:  syncer,
		local:   local,
		queue:   queue,
		manager: manager,
	}, nil
}

func buildProvider(ctx context.Context, cfg config.StorageConfig) (provider.Provider, error) {
	switch cfg.Provider {
	case "file":
		return fileprovider.New(fileprovider.Config{BaseDir: cfg.BaseDir})
	case "s3":
		return s3provider.New(ctx, s3provider.Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			Profile:         cfg.S3.Profile,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			ForcePathStyle:  cfg.S3.ForcePathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	sched, err := buildScheduler(ctx, cfg)
	if err != nil {
		observability.CLILogger.Error("Failed to assemble scheduler", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to assemble scheduler", err)
	}
	defer sched.Close()

	handlers.SetVersion(versionInfo.Version)
	hm := handlers.InitHealthManager(versionInfo.Version)
	hm.RegisterChecker("registry", registryHealthChecker{store: sched.store})
	hm.RegisterChecker("storage", storageHealthChecker{prov: sched.prov})

	api := handlers.NewAPI(sched.store, sched.queue, sched.manager, sched.syncer, handlers.APIConfig{
		ResourcePrefix:   cfg.ResourcePrefix,
		AdminSecret:      cfg.Server.AdminSecret,
		AdvancePerMinute: cfg.Server.AdvancePerMinute,
	}, observability.CLILogger)

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithAPI(api),
		server.WithLogger(observability.CLILogger))

	go runTicker(ctx, sched.manager, cfg.Pipeline.TickInterval)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	observability.CLILogger.Info("corpusd started",
		zap.String("addr", srv.Addr()),
		zap.Duration("tick_interval", cfg.Pipeline.TickInterval),
		zap.Int("max_concurrent", cfg.Pipeline.MaxConcurrent))

	select {
	case err := <-errCh:
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "HTTP server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	observability.CLILogger.Info("shutting down",
		zap.Duration("grace", cfg.Server.ShutdownTimeout))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return exitError(foundry.ExitSignalInt, "Shutdown did not complete cleanly", err)
	}
	return nil
}

// runTicker drives the queue on a fixed interval until ctx is cancelled.
func runTicker(ctx context.Context, manager *jobqueue.Manager, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := manager.Advance(ctx)
			if err != nil {
				observability.CLILogger.Warn("queue tick failed", zap.Error(err))
				continue
			}
			if summary.Promoted+summary.Completed+summary.Errored+summary.Aborted > 0 {
				observability.CLILogger.Info("queue tick",
					zap.Int("checked", summary.Checked),
					zap.Int("promoted", summary.Promoted),
					zap.Int("completed", summary.Completed),
					zap.Int("errored", summary.Errored),
					zap.Int("aborted", summary.Aborted))
			}
		}
	}
}
