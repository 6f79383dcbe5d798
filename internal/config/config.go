// Package config loads the corpusd configuration from defaults, an
// optional YAML file, environment variables, and runtime overrides, in
// ascending precedence.
package config

import (
	"fmt"
	"time"

	"github.com/annolab/corpusd/pkg/registry"
)

// Config is the root configuration.
type Config struct {
	Server         ServerConfig   `mapstructure:"server"`
	Logging        LoggingConfig  `mapstructure:"logging"`
	Registry       RegistryConfig `mapstructure:"registry"`
	Storage        StorageConfig  `mapstructure:"storage"`
	Pipeline       PipelineConfig `mapstructure:"pipeline"`
	ResourcePrefix string         `mapstructure:"resource_prefix"`
}

// ServerConfig tunes the HTTP listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// AdminSecret guards the external queue-advance endpoint; empty
	// disables it.
	AdminSecret string `mapstructure:"admin_secret"`

	// AdvancePerMinute rate-limits external tick requests.
	AdvancePerMinute int `mapstructure:"advance_per_minute"`
}

// LoggingConfig tunes the structured logger.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// RegistryConfig locates the job/resource registry database.
type RegistryConfig struct {
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// StorageConfig selects and configures the storage tier.
type StorageConfig struct {
	// Provider is "file" or "s3".
	Provider string `mapstructure:"provider"`

	// BaseDir is the root of the file provider.
	BaseDir string `mapstructure:"base_dir"`

	S3 S3Config `mapstructure:"s3"`
}

// S3Config configures the S3 storage tier.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Profile         string `mapstructure:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

// PipelineConfig configures the external annotation pipeline.
type PipelineConfig struct {
	Command  string `mapstructure:"command"`
	WorkRoot string `mapstructure:"work_root"`

	MaxConcurrent int           `mapstructure:"max_concurrent"`
	TickInterval  time.Duration `mapstructure:"tick_interval"`
	TerminateWait time.Duration `mapstructure:"terminate_wait"`

	AnnotateArgs         []string `mapstructure:"annotate_args"`
	InstallSearchArgs    []string `mapstructure:"install_search_args"`
	InstallExploreArgs   []string `mapstructure:"install_explore_args"`
	UninstallSearchArgs  []string `mapstructure:"uninstall_search_args"`
	UninstallExploreArgs []string `mapstructure:"uninstall_explore_args"`

	// ExportBlacklist holds glob patterns for pipeline artifacts that are
	// never synced back to storage.
	ExportBlacklist []string `mapstructure:"export_blacklist"`
}

// JobArgs returns the per-job-type pipeline argument lists.
func (p PipelineConfig) JobArgs() map[registry.JobType][]string {
	return map[registry.JobType][]string{
		registry.JobAnnotate:         p.AnnotateArgs,
		registry.JobInstallSearch:    p.InstallSearchArgs,
		registry.JobInstallExplore:   p.InstallExploreArgs,
		registry.JobUninstallSearch:  p.UninstallSearchArgs,
		registry.JobUninstallExplore: p.UninstallExploreArgs,
	}
}

// Validate checks cross-field constraints that viper cannot express.
func (c *Config) Validate() error {
	switch c.Storage.Provider {
	case "file", "s3":
	default:
		return fmt.Errorf("storage.provider must be file or s3, got %q", c.Storage.Provider)
	}
	if c.Storage.Provider == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("storage.s3.bucket is required for the s3 provider")
	}
	if c.Pipeline.MaxConcurrent < 1 {
		return fmt.Errorf("pipeline.max_concurrent must be at least 1")
	}
	return nil
}
