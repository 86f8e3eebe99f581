package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/whitewater-guide/aws/internal/awsctx"
	"github.com/whitewater-guide/aws/internal/config"
	"github.com/whitewater-guide/aws/internal/otel"
)

const serviceName = "stackctl"

var (
	cfgPath       string
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   serviceName,
	Short: "Start and stop the whitewater.guide AWS environment",
	Long: `stackctl brings a whole AWS environment up or down in dependency
order: NAT instances, then databases, then ECS services, then CloudFront
distributions when starting, and the reverse when stopping.

Managed resources are discovered by tags and state; nothing is hard-coded.
Configuration is read from a YAML file (--config) with optional CLI flag
overrides for the most common settings.`,
	SilenceUsage: true,
}

func init() {
	f := rootCmd.PersistentFlags()

	// Config file
	f.StringVar(&cfgPath, "config", config.DefaultPath, "Path to YAML configuration file (optional)")

	// AWS overrides
	f.StringVar(&flagOverrides.AWS.Profile, "profile", "", "AWS shared-config profile (required unless set in the config file)")
	f.StringVar(&flagOverrides.AWS.Region, "region", "", "AWS region (default us-east-1)")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")

	rootCmd.AddCommand(startCmd, stopCmd, backupCmd, restoreCmd, versionCmd)
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.AWS.Profile != "" {
		cfg.AWS.Profile = flagOverrides.AWS.Profile
	}
	if flagOverrides.AWS.Region != "" {
		cfg.AWS.Region = flagOverrides.AWS.Region
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

// session is what every AWS-facing subcommand needs.
type session struct {
	cfg    *config.Config
	logger *slog.Logger
	aws    *awsctx.Context

	shutdown func(context.Context) error
}

// Close flushes telemetry.  Failures are logged, never returned.
func (s *session) Close(ctx context.Context) {
	if err := s.shutdown(ctx); err != nil {
		s.logger.Warn("failed to shut down telemetry", slog.String("error", err.Error()))
	}
}

func newSession(ctx context.Context) (*session, error) {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Debug("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("profile", cfg.AWS.Profile),
		slog.String("region", cfg.AWS.Region),
		slog.Any("kinds", cfg.Order()),
	)

	// ---------------------------------------------------------------
	// 3. Initialize OpenTelemetry
	// ---------------------------------------------------------------
	shutdown, err := otel.SetupOTelSDK(ctx, serviceName, otel.Config{
		Enabled:        cfg.OTel.Enabled,
		Endpoint:       cfg.OTel.Endpoint,
		Insecure:       cfg.OTel.Insecure,
		StdOut:         cfg.OTel.StdOut,
		PushgatewayURL: cfg.OTel.PushgatewayURL,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	// ---------------------------------------------------------------
	// 4. Load AWS credentials
	// ---------------------------------------------------------------
	awsCtx, err := awsctx.Load(ctx, cfg.AWS.Profile, cfg.AWS.Region)
	if err != nil {
		_ = shutdown(context.WithoutCancel(ctx))
		return nil, err
	}

	return &session{cfg: cfg, logger: logger, aws: awsCtx, shutdown: shutdown}, nil
}
