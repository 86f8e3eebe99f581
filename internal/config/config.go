// Package config handles loading, validating, and applying
// configuration for stackctl.  Configuration is read from a YAML file
// and can be overridden by CLI flags.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"gopkg.in/yaml.v3"

	"github.com/whitewater-guide/aws/internal/awsctx"
	"github.com/whitewater-guide/aws/internal/driver"
	"github.com/whitewater-guide/aws/internal/driver/distribution"
	"github.com/whitewater-guide/aws/internal/driver/ec2instance"
	"github.com/whitewater-guide/aws/internal/driver/ecsservice"
	"github.com/whitewater-guide/aws/internal/driver/rdsinstance"
)

// DefaultPath is the config file read when --config is not given.
const DefaultPath = "stackctl.yaml"

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	AWS     AWSConfig     `yaml:"aws"`
	Tags    TagsConfig    `yaml:"tags"`
	Drivers DriversConfig `yaml:"drivers"`
	Tasks   TasksConfig   `yaml:"tasks"`
	Logging LoggingConfig `yaml:"logging"`
	OTel    OTelConfig    `yaml:"otel"`
}

// ---------------------------------------------------------------------------
// AWS
// ---------------------------------------------------------------------------

// AWSConfig selects the account and region to operate on.
type AWSConfig struct {
	// Profile is the shared-config profile (required).
	Profile string `yaml:"profile"`

	// Region.  Default: "us-east-1".
	Region string `yaml:"region"`
}

// ---------------------------------------------------------------------------
// Tags
// ---------------------------------------------------------------------------

// TagsConfig names the tag keys used to discover managed resources.
type TagsConfig struct {
	// Stoppable marks ECS services as managed (value "true").
	// Default: "wwguide:stoppable".
	Stoppable string `yaml:"stoppable"`

	// DesiredCount holds the task count an ECS service is restored to.
	// Default: "wwguide:desiredCount".
	DesiredCount string `yaml:"desired_count"`

	// VPC marks EC2 instances (NAT) as managed.  Default: "wwguide:vpc".
	VPC string `yaml:"vpc"`
}

// ---------------------------------------------------------------------------
// Drivers
// ---------------------------------------------------------------------------

// DriversConfig holds per-kind settings.
type DriversConfig struct {
	EC2Instance  DriverConfig `yaml:"ec2_instance"`
	RDSInstance  DriverConfig `yaml:"rds_instance"`
	ECSService   DriverConfig `yaml:"ecs_service"`
	Distribution DriverConfig `yaml:"cloudfront_distribution"`
}

// DriverConfig controls one resource kind.
type DriverConfig struct {
	// Enabled includes the kind in start/stop runs.  Default: true.  A
	// *bool distinguishes "not set" from "explicitly false".
	Enabled *bool `yaml:"enabled"`

	// PollInterval between convergence checks, e.g. "30s".
	PollInterval time.Duration `yaml:"poll_interval"`

	// Timeout bounds the convergence wait per resource, e.g. "1h".
	Timeout time.Duration `yaml:"timeout"`
}

// IsEnabled reports whether the kind takes part in runs.
func (d DriverConfig) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// For returns the settings of kind.
func (c *DriversConfig) For(kind driver.Kind) *DriverConfig {
	switch kind {
	case driver.KindEC2Instance:
		return &c.EC2Instance
	case driver.KindRDSInstance:
		return &c.RDSInstance
	case driver.KindECSService:
		return &c.ECSService
	case driver.KindDistribution:
		return &c.Distribution
	default:
		return nil
	}
}

// defaultTiming is the poll interval and timeout of each kind.
// CloudFront does not poll.
var defaultTiming = map[driver.Kind][2]time.Duration{
	driver.KindEC2Instance: {30 * time.Second, 30 * time.Minute},
	driver.KindRDSInstance: {30 * time.Second, time.Hour},
	driver.KindECSService:  {5 * time.Second, 30 * time.Minute},
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

// TasksConfig configures the one-off backup and restore tasks.
type TasksConfig struct {
	// ContainerName is the container overridden in the backup task
	// definition.  Default: "BackupContainer".
	ContainerName string `yaml:"container_name"`

	// TaskDefinitionPrefix is matched case-insensitively against task
	// definition ARNs, followed by the tool version.
	// Default: "manualbackupv".
	TaskDefinitionPrefix string `yaml:"task_definition_prefix"`

	// WaitInterval between task status checks with --wait.  Default: 30s.
	WaitInterval time.Duration `yaml:"wait_interval"`

	// WaitTimeout bounds --wait.  Default: 2h.
	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP export is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout"`

	// PushgatewayURL, when set, pushes run metrics to a Prometheus
	// Pushgateway on exit.
	PushgatewayURL string `yaml:"pushgateway_url"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// A missing file yields a zero Config; flags can supply everything.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.AWS.Region == "" {
		c.AWS.Region = awsctx.DefaultRegion
	}
	if c.Tags.Stoppable == "" {
		c.Tags.Stoppable = "wwguide:stoppable"
	}
	if c.Tags.DesiredCount == "" {
		c.Tags.DesiredCount = "wwguide:desiredCount"
	}
	if c.Tags.VPC == "" {
		c.Tags.VPC = "wwguide:vpc"
	}
	for kind, timing := range defaultTiming {
		d := c.Drivers.For(kind)
		if d.PollInterval == 0 {
			d.PollInterval = timing[0]
		}
		if d.Timeout == 0 {
			d.Timeout = timing[1]
		}
	}
	if c.Tasks.ContainerName == "" {
		c.Tasks.ContainerName = "BackupContainer"
	}
	if c.Tasks.TaskDefinitionPrefix == "" {
		c.Tasks.TaskDefinitionPrefix = "manualbackupv"
	}
	if c.Tasks.WaitInterval == 0 {
		c.Tasks.WaitInterval = 30 * time.Second
	}
	if c.Tasks.WaitTimeout == 0 {
		c.Tasks.WaitTimeout = 2 * time.Hour
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if c.AWS.Profile == "" {
		return fmt.Errorf("aws.profile is required (set it in the config file or pass --profile)")
	}

	if len(c.Order()) == 0 {
		return fmt.Errorf("drivers: every resource kind is disabled")
	}

	for kind := range defaultTiming {
		d := c.Drivers.For(kind)
		if d.PollInterval < 0 || d.Timeout < 0 {
			return fmt.Errorf("drivers.%s: poll_interval and timeout must be positive", yamlKey(kind))
		}
		if d.Timeout < d.PollInterval {
			return fmt.Errorf("drivers.%s: timeout (%s) is shorter than poll_interval (%s)", yamlKey(kind), d.Timeout, d.PollInterval)
		}
	}

	if c.Tasks.WaitInterval < 0 || c.Tasks.WaitTimeout < c.Tasks.WaitInterval {
		return fmt.Errorf("tasks: wait_timeout (%s) must be at least wait_interval (%s)", c.Tasks.WaitTimeout, c.Tasks.WaitInterval)
	}

	if c.OTel.PushgatewayURL != "" {
		if _, err := url.ParseRequestURI(c.OTel.PushgatewayURL); err != nil {
			return fmt.Errorf("otel.pushgateway_url: invalid URL %q: %w", c.OTel.PushgatewayURL, err)
		}
	}

	return nil
}

func yamlKey(kind driver.Kind) string {
	return strings.ReplaceAll(string(kind), "-", "_")
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.  Logs
// go to stderr so command output on stdout stays clean.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Order returns the enabled kinds in dependency order.
func (c *Config) Order() []driver.Kind {
	var out []driver.Kind
	for _, k := range driver.Kinds {
		if c.Drivers.For(k).IsEnabled() {
			out = append(out, k)
		}
	}
	return out
}

// NewDrivers creates a driver for every enabled kind, in dependency order.
func (c *Config) NewDrivers(awsCfg aws.Config, logger *slog.Logger) []driver.Driver {
	kinds := c.Order()
	out := make([]driver.Driver, 0, len(kinds))
	for _, kind := range kinds {
		d := c.Drivers.For(kind)
		group := logger.WithGroup("driver." + string(kind))
		switch kind {
		case driver.KindEC2Instance:
			out = append(out, ec2instance.New(awsCfg, ec2instance.Config{
				VPCTag:       c.Tags.VPC,
				PollInterval: d.PollInterval,
				Timeout:      d.Timeout,
			}, group))
		case driver.KindRDSInstance:
			out = append(out, rdsinstance.New(awsCfg, rdsinstance.Config{
				PollInterval: d.PollInterval,
				Timeout:      d.Timeout,
			}, group))
		case driver.KindECSService:
			out = append(out, ecsservice.New(awsCfg, ecsservice.Config{
				StoppableTag:    c.Tags.Stoppable,
				DesiredCountTag: c.Tags.DesiredCount,
				PollInterval:    d.PollInterval,
				Timeout:         d.Timeout,
			}, group))
		case driver.KindDistribution:
			out = append(out, distribution.New(awsCfg, group))
		}
	}
	return out
}
