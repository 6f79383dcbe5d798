package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/annolab/corpusd/internal/observability"
	"github.com/annolab/corpusd/pkg/provider"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the deployment and suggest fixes for common issues.

Examples:
  corpusd doctor              # Full environment check
  corpusd doctor --config /etc/corpusd.yaml`,
	Run: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, _ []string) {
	ctx := cmd.Context()

	cfg, cfgErr := loadConfig(ctx)
	if cfgErr != nil {
		// Config failed to load, so the logger was never built.
		_ = observability.InitLogging("info", "console")
	}

	observability.CLILogger.Info("=== corpusd doctor ===")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("Running diagnostic checks...")
	observability.CLILogger.Info("")

	allChecks := true
	checkNum := 1
	totalChecks := 5
	if cfg != nil && cfg.Storage.Provider == "s3" {
		totalChecks = 7
	}

	// Check 1: Go version
	goVersion := runtime.Version()
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Go version... ✅ %s", checkNum, totalChecks, goVersion),
		zap.String("go_version", goVersion))
	checkNum++

	// Check 2: Configuration
	if cfgErr != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking configuration... ❌ %v", checkNum, totalChecks, cfgErr),
			zap.Error(cfgErr))
		observability.CLILogger.Info("")
		observability.CLILogger.Warn("⚠️  Cannot continue without a valid configuration.")
		observability.CLILogger.Info("=== End Diagnostics ===")
		return
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking configuration... ✅ storage=%s registry=%s", checkNum, totalChecks, cfg.Storage.Provider, cfg.Registry.Path),
		zap.String("storage_provider", cfg.Storage.Provider))
	checkNum++

	// Check 3: Registry
	if store, err := openRegistry(ctx, cfg); err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking registry... ❌ %v", checkNum, totalChecks, err),
			zap.Error(err))
		allChecks = false
	} else {
		pingErr := store.Ping(ctx)
		_ = store.Close()
		if pingErr != nil {
			observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking registry... ❌ %v", checkNum, totalChecks, pingErr),
				zap.Error(pingErr))
			allChecks = false
		} else {
			observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking registry... ✅ reachable", checkNum, totalChecks))
		}
	}
	checkNum++

	// Check 4: Storage tier
	if prov, err := buildProvider(ctx, cfg.Storage); err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking storage tier... ❌ %v", checkNum, totalChecks, err),
			zap.Error(err))
		allChecks = false
	} else {
		_, listErr := prov.List(ctx, provider.ListOptions{MaxKeys: 1})
		_ = prov.Close()
		if listErr != nil {
			observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking storage tier... ❌ %v", checkNum, totalChecks, listErr),
				zap.Error(listErr))
			allChecks = false
		} else {
			observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking storage tier... ✅ %s", checkNum, totalChecks, cfg.Storage.Provider))
		}
	}
	checkNum++

	// Check 5: Pipeline command
	if path, err := resolvePipelineCommand(cfg.Pipeline.Command); err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking pipeline command... ❌ %v", checkNum, totalChecks, err),
			zap.String("command", cfg.Pipeline.Command),
			zap.Error(err))
		allChecks = false
	} else {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking pipeline command... ✅ %s", checkNum, totalChecks, path),
			zap.String("command", path))
	}
	checkNum++

	// S3-specific checks
	if cfg.Storage.Provider == "s3" {
		allChecks = runS3Checks(ctx, checkNum, totalChecks, allChecks)
	}

	observability.CLILogger.Info("")
	if allChecks {
		observability.CLILogger.Info("✅ All checks passed! Your corpusd installation is healthy.")
	} else {
		observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	observability.CLILogger.Info("")
	observability.CLILogger.Info("=== End Diagnostics ===")
}

// resolvePipelineCommand locates the configured pipeline executable.
func resolvePipelineCommand(command string) (string, error) {
	if command == "" {
		return "", fmt.Errorf("pipeline.command is empty")
	}
	if filepath.IsAbs(command) {
		if _, err := os.Stat(command); err != nil {
			return "", err
		}
		return command, nil
	}
	return exec.LookPath(command)
}

// runS3Checks runs S3-specific diagnostic checks.
func runS3Checks(ctx context.Context, checkNum, totalChecks int, allChecks bool) bool {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("S3 Provider Checks:")

	// AWS credentials
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot load AWS config", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot retrieve credentials", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	// Mask the access key for display
	maskedKey := maskAccessKey(creds.AccessKeyID)
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ Found credentials", checkNum, totalChecks),
		zap.String("access_key", maskedKey),
		zap.String("source", creds.Source))
	checkNum++

	// Credential source info
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking credential source... ✅ %s", checkNum, totalChecks, source),
		zap.String("credential_source", source))

	return allChecks
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure AWS credentials:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Run 'aws configure' to set up a profile, or")
	observability.CLILogger.Info("  3. Use IAM role when running on AWS infrastructure")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set:")
	observability.CLILogger.Info("  - storage.s3.endpoint in the config file")
	observability.CLILogger.Info("")
}
