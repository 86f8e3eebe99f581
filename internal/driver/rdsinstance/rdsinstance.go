// Package rdsinstance implements driver.Driver for RDS database instances.
package rdsinstance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/whitewater-guide/aws/internal/driver"
	"github.com/whitewater-guide/aws/internal/poll"
)

// RDS instance statuses the driver understands.  Every other status
// (starting, stopping, backing-up, ...) is transitional and ignored by
// discovery.
const (
	StatusAvailable = "available"
	StatusStopped   = "stopped"
)

// Config holds RDS-specific driver settings.
type Config struct {
	// PollInterval is the delay between status checks.  Default: 30s.
	PollInterval time.Duration

	// Timeout bounds the convergence wait per instance.  Default: 1h.
	Timeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = time.Hour
	}
}

// rdsAPI is the subset of *rds.Client the driver uses.
type rdsAPI interface {
	DescribeDBInstances(ctx context.Context, params *rds.DescribeDBInstancesInput, optFns ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error)
	StartDBInstance(ctx context.Context, params *rds.StartDBInstanceInput, optFns ...func(*rds.Options)) (*rds.StartDBInstanceOutput, error)
	StopDBInstance(ctx context.Context, params *rds.StopDBInstanceInput, optFns ...func(*rds.Options)) (*rds.StopDBInstanceOutput, error)
}

// Driver manages every RDS instance in the account and region.
type Driver struct {
	client rdsAPI
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// Compile-time check that Driver satisfies the driver.Driver interface.
var _ driver.Driver = (*Driver)(nil)

// New creates an RDS driver from an AWS configuration.
func New(awsCfg aws.Config, cfg Config, logger *slog.Logger) *Driver {
	return newDriver(rds.NewFromConfig(awsCfg), cfg, logger)
}

func newDriver(client rdsAPI, cfg Config, logger *slog.Logger) *Driver {
	cfg.applyDefaults()
	return &Driver{
		client: client,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("stackctl/driver/rdsinstance"),
	}
}

// Kind implements driver.Driver.
func (d *Driver) Kind() driver.Kind { return driver.KindRDSInstance }

// ListManaged returns the instances that are settled in the opposite of
// target.
func (d *Driver) ListManaged(ctx context.Context, target driver.TargetState) ([]driver.Resource, error) {
	ctx, span := d.tracer.Start(ctx, "driver.rdsinstance.ListManaged")
	defer span.End()

	want := statusFor(target.Opposite())

	var out []driver.Resource
	p := rds.NewDescribeDBInstancesPaginator(d.client, &rds.DescribeDBInstancesInput{})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describe db instances: %w", err)
		}
		for _, db := range page.DBInstances {
			if aws.ToString(db.DBInstanceStatus) != want {
				continue
			}
			out = append(out, toResource(db, target))
		}
	}

	span.SetAttributes(attribute.Int("rds.managed_instances", len(out)))
	return out, nil
}

// Toggle starts or stops the instance.
func (d *Driver) Toggle(ctx context.Context, r driver.Resource, target driver.TargetState) error {
	ctx, span := d.tracer.Start(ctx, "driver.rdsinstance.Toggle")
	defer span.End()
	span.SetAttributes(
		attribute.String("rds.instance", r.ID),
		attribute.String("rds.target", target.String()),
	)

	var err error
	if target == driver.Running {
		_, err = d.client.StartDBInstance(ctx, &rds.StartDBInstanceInput{DBInstanceIdentifier: aws.String(r.ID)})
	} else {
		_, err = d.client.StopDBInstance(ctx, &rds.StopDBInstanceInput{DBInstanceIdentifier: aws.String(r.ID)})
	}
	if err != nil {
		return fmt.Errorf("%s db instance %s: %w", target.Verb(), r.Label(), err)
	}

	d.logger.Info("db instance transition initiated",
		slog.String("instance", r.Label()),
		slog.String("target", target.String()),
	)
	return nil
}

// AwaitConvergence polls the instance status until it reports the
// settled status for target.
func (d *Driver) AwaitConvergence(ctx context.Context, r driver.Resource, target driver.TargetState) error {
	ctx, span := d.tracer.Start(ctx, "driver.rdsinstance.AwaitConvergence")
	defer span.End()
	span.SetAttributes(attribute.String("rds.instance", r.ID))

	want := statusFor(target)
	err := poll.WaitFor(ctx, d.cfg.PollInterval, d.cfg.Timeout, func(ctx context.Context) (bool, error) {
		resp, err := d.client.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{
			DBInstanceIdentifier: aws.String(r.ID),
		})
		if err != nil {
			return false, fmt.Errorf("describe db instance %s: %w", r.Label(), err)
		}
		if len(resp.DBInstances) == 0 {
			return false, fmt.Errorf("db instance %s no longer exists", r.Label())
		}
		status := aws.ToString(resp.DBInstances[0].DBInstanceStatus)
		d.logger.Debug("db instance status",
			slog.String("instance", r.Label()),
			slog.String("status", status),
		)
		return status == want, nil
	})
	if err != nil {
		return fmt.Errorf("waiting for db instance %s to become %s: %w", r.Label(), want, err)
	}

	d.logger.Info("db instance converged",
		slog.String("instance", r.Label()),
		slog.String("status", want),
	)
	return nil
}

func statusFor(s driver.TargetState) string {
	if s == driver.Running {
		return StatusAvailable
	}
	return StatusStopped
}

func toResource(db rdstypes.DBInstance, target driver.TargetState) driver.Resource {
	id := aws.ToString(db.DBInstanceIdentifier)
	return driver.Resource{
		Kind:         driver.KindRDSInstance,
		ID:           id,
		Name:         id,
		CurrentState: target.Opposite(),
		DesiredState: target,
		Tags: driver.TagMap(db.TagList, func(t rdstypes.Tag) (*string, *string) {
			return t.Key, t.Value
		}),
	}
}
