// Package ec2instance implements driver.Driver for EC2 instances, in
// practice the NAT instances that give private subnets outbound access.
package ec2instance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/whitewater-guide/aws/internal/driver"
	"github.com/whitewater-guide/aws/internal/poll"
)

// Config holds EC2-specific driver settings.
type Config struct {
	// VPCTag is the tag key whose presence marks an instance as managed.
	// Default: "wwguide:vpc".
	VPCTag string

	// PollInterval is the delay between state checks.  Default: 30s.
	PollInterval time.Duration

	// Timeout bounds the convergence wait per instance.  Default: 30m.
	Timeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.VPCTag == "" {
		c.VPCTag = "wwguide:vpc"
	}
	if c.PollInterval == 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Minute
	}
}

// ec2API is the subset of *ec2.Client the driver uses.
type ec2API interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	StartInstances(ctx context.Context, params *ec2.StartInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	StopInstances(ctx context.Context, params *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
}

// Driver manages EC2 instances carrying the VPC tag.
type Driver struct {
	client ec2API
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// Compile-time check that Driver satisfies the driver.Driver interface.
var _ driver.Driver = (*Driver)(nil)

// New creates an EC2 driver from an AWS configuration.
func New(awsCfg aws.Config, cfg Config, logger *slog.Logger) *Driver {
	return newDriver(ec2.NewFromConfig(awsCfg), cfg, logger)
}

func newDriver(client ec2API, cfg Config, logger *slog.Logger) *Driver {
	cfg.applyDefaults()
	return &Driver{
		client: client,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("stackctl/driver/ec2instance"),
	}
}

// Kind implements driver.Driver.
func (d *Driver) Kind() driver.Kind { return driver.KindEC2Instance }

// ListManaged returns tagged instances in the opposite of target.  Both
// the tag and the state are filtered server-side.
func (d *Driver) ListManaged(ctx context.Context, target driver.TargetState) ([]driver.Resource, error) {
	ctx, span := d.tracer.Start(ctx, "driver.ec2instance.ListManaged")
	defer span.End()

	var out []driver.Resource
	p := ec2.NewDescribeInstancesPaginator(d.client, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag-key"), Values: []string{d.cfg.VPCTag}},
			{Name: aws.String("instance-state-name"), Values: []string{string(stateFor(target.Opposite()))}},
		},
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describe instances tagged %s: %w", d.cfg.VPCTag, err)
		}
		for _, res := range page.Reservations {
			for _, inst := range res.Instances {
				out = append(out, toResource(inst, target))
			}
		}
	}

	span.SetAttributes(attribute.Int("ec2.managed_instances", len(out)))
	return out, nil
}

// Toggle starts or stops the instance.
func (d *Driver) Toggle(ctx context.Context, r driver.Resource, target driver.TargetState) error {
	ctx, span := d.tracer.Start(ctx, "driver.ec2instance.Toggle")
	defer span.End()
	span.SetAttributes(
		attribute.String("ec2.instance", r.ID),
		attribute.String("ec2.target", target.String()),
	)

	ids := []string{r.ID}
	var err error
	if target == driver.Running {
		_, err = d.client.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: ids})
	} else {
		_, err = d.client.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: ids})
	}
	if err != nil {
		return fmt.Errorf("%s instance %s: %w", target.Verb(), r.Label(), err)
	}

	d.logger.Info("instance transition initiated",
		slog.String("instance", r.Label()),
		slog.String("target", target.String()),
	)
	return nil
}

// AwaitConvergence polls the instance state until it matches target.
func (d *Driver) AwaitConvergence(ctx context.Context, r driver.Resource, target driver.TargetState) error {
	ctx, span := d.tracer.Start(ctx, "driver.ec2instance.AwaitConvergence")
	defer span.End()
	span.SetAttributes(attribute.String("ec2.instance", r.ID))

	want := stateFor(target)
	err := poll.WaitFor(ctx, d.cfg.PollInterval, d.cfg.Timeout, func(ctx context.Context) (bool, error) {
		resp, err := d.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{r.ID}})
		if err != nil {
			return false, fmt.Errorf("describe instance %s: %w", r.Label(), err)
		}
		for _, res := range resp.Reservations {
			for _, inst := range res.Instances {
				if inst.State != nil {
					return inst.State.Name == want, nil
				}
			}
		}
		return false, fmt.Errorf("instance %s no longer exists", r.Label())
	})
	if err != nil {
		return fmt.Errorf("waiting for instance %s to become %s: %w", r.Label(), want, err)
	}

	d.logger.Info("instance converged",
		slog.String("instance", r.Label()),
		slog.String("state", string(want)),
	)
	return nil
}

func stateFor(s driver.TargetState) ec2types.InstanceStateName {
	if s == driver.Running {
		return ec2types.InstanceStateNameRunning
	}
	return ec2types.InstanceStateNameStopped
}

func toResource(inst ec2types.Instance, target driver.TargetState) driver.Resource {
	tags := driver.TagMap(inst.Tags, func(t ec2types.Tag) (*string, *string) {
		return t.Key, t.Value
	})
	return driver.Resource{
		Kind:         driver.KindEC2Instance,
		ID:           aws.ToString(inst.InstanceId),
		Name:         tags["Name"],
		CurrentState: target.Opposite(),
		DesiredState: target,
		Tags:         tags,
	}
}
