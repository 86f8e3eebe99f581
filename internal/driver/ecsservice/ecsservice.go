// Package ecsservice implements driver.Driver for ECS services.
//
// Services opt in to orchestration with the stoppable tag
// (wwguide:stoppable=true).  Stopping scales a service to zero tasks;
// starting scales it back to the count recorded in the desired-count tag
// (wwguide:desiredCount), or 1 when that tag is missing or unusable.
package ecsservice

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/arn"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi"
	taggingtypes "github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/whitewater-guide/aws/internal/driver"
	"github.com/whitewater-guide/aws/internal/poll"
)

// DefaultDesiredCount is the task count restored on start when a service
// carries no usable desired-count tag.
const DefaultDesiredCount int32 = 1

// DescribeServices accepts at most this many services per call.
const describeBatchSize = 10

// Config holds ECS-specific driver settings.
type Config struct {
	// StoppableTag is the tag key marking a service as managed.  Its value
	// must be "true".  Default: "wwguide:stoppable".
	StoppableTag string

	// DesiredCountTag is the tag key holding the task count to restore on
	// start.  Default: "wwguide:desiredCount".
	DesiredCountTag string

	// PollInterval is the delay between convergence checks.  Default: 5s.
	PollInterval time.Duration

	// Timeout bounds the convergence wait per service.  Default: 30m.
	Timeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.StoppableTag == "" {
		c.StoppableTag = "wwguide:stoppable"
	}
	if c.DesiredCountTag == "" {
		c.DesiredCountTag = "wwguide:desiredCount"
	}
	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Minute
	}
}

// ecsAPI is the subset of *ecs.Client the driver uses.
type ecsAPI interface {
	ListClusters(ctx context.Context, params *ecs.ListClustersInput, optFns ...func(*ecs.Options)) (*ecs.ListClustersOutput, error)
	DescribeServices(ctx context.Context, params *ecs.DescribeServicesInput, optFns ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error)
	UpdateService(ctx context.Context, params *ecs.UpdateServiceInput, optFns ...func(*ecs.Options)) (*ecs.UpdateServiceOutput, error)
}

// taggingAPI is the subset of *resourcegroupstaggingapi.Client the driver uses.
type taggingAPI interface {
	GetResources(ctx context.Context, params *resourcegroupstaggingapi.GetResourcesInput, optFns ...func(*resourcegroupstaggingapi.Options)) (*resourcegroupstaggingapi.GetResourcesOutput, error)
}

// Driver manages tagged ECS services.
type Driver struct {
	ecs     ecsAPI
	tagging taggingAPI
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
}

// Compile-time check that Driver satisfies the driver.Driver interface.
var _ driver.Driver = (*Driver)(nil)

// New creates an ECS service driver from an AWS configuration.
func New(awsCfg aws.Config, cfg Config, logger *slog.Logger) *Driver {
	return newDriver(ecs.NewFromConfig(awsCfg), resourcegroupstaggingapi.NewFromConfig(awsCfg), cfg, logger)
}

func newDriver(ecsClient ecsAPI, tagging taggingAPI, cfg Config, logger *slog.Logger) *Driver {
	cfg.applyDefaults()
	return &Driver{
		ecs:     ecsClient,
		tagging: tagging,
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer("stackctl/driver/ecsservice"),
	}
}

// Kind implements driver.Driver.
func (d *Driver) Kind() driver.Kind { return driver.KindECSService }

// ListManaged returns the stoppable services whose desired count puts
// them in the opposite of target: zero when starting, positive when
// stopping.
func (d *Driver) ListManaged(ctx context.Context, target driver.TargetState) ([]driver.Resource, error) {
	ctx, span := d.tracer.Start(ctx, "driver.ecsservice.ListManaged")
	defer span.End()

	arns, err := d.taggedServiceARNs(ctx)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("ecs.tagged_services", len(arns)))
	if len(arns) == 0 {
		return nil, nil
	}

	byCluster, err := d.groupByCluster(ctx, arns)
	if err != nil {
		return nil, err
	}

	var out []driver.Resource
	for cluster, services := range byCluster {
		for batch := range slices.Chunk(services, describeBatchSize) {
			resp, err := d.ecs.DescribeServices(ctx, &ecs.DescribeServicesInput{
				Cluster:  aws.String(cluster),
				Services: batch,
				Include:  []ecstypes.ServiceField{ecstypes.ServiceFieldTags},
			})
			if err != nil {
				return nil, fmt.Errorf("describe services in %s: %w", cluster, err)
			}
			for _, f := range resp.Failures {
				d.logger.Warn("tagged service could not be described",
					slog.String("arn", aws.ToString(f.Arn)),
					slog.String("reason", aws.ToString(f.Reason)),
				)
			}
			for _, svc := range resp.Services {
				if aws.ToString(svc.Status) == "INACTIVE" {
					continue
				}
				r := d.toResource(svc, cluster)
				if r.CurrentState == target {
					continue
				}
				r.DesiredState = target
				out = append(out, r)
			}
		}
	}

	span.SetAttributes(attribute.Int("ecs.managed_services", len(out)))
	return out, nil
}

// Toggle sets the service's desired count: the restore count when
// starting, zero when stopping.
func (d *Driver) Toggle(ctx context.Context, r driver.Resource, target driver.TargetState) error {
	ctx, span := d.tracer.Start(ctx, "driver.ecsservice.Toggle")
	defer span.End()

	count := d.targetCount(r, target)
	span.SetAttributes(
		attribute.String("ecs.service", r.ID),
		attribute.String("ecs.cluster", r.Scope),
		attribute.Int("ecs.desired_count", int(count)),
	)

	_, err := d.ecs.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:      aws.String(r.Scope),
		Service:      aws.String(r.ID),
		DesiredCount: aws.Int32(count),
	})
	if err != nil {
		return fmt.Errorf("update service %s: %w", r.Label(), err)
	}

	d.logger.Info("scaling service",
		slog.String("service", r.Label()),
		slog.String("direction", direction(target)),
		slog.Int("desiredCount", int(count)),
	)
	return nil
}

// AwaitConvergence polls the service until its running task count equals
// the count Toggle requested.
func (d *Driver) AwaitConvergence(ctx context.Context, r driver.Resource, target driver.TargetState) error {
	ctx, span := d.tracer.Start(ctx, "driver.ecsservice.AwaitConvergence")
	defer span.End()

	count := d.targetCount(r, target)
	span.SetAttributes(
		attribute.String("ecs.service", r.ID),
		attribute.Int("ecs.desired_count", int(count)),
	)

	err := poll.WaitFor(ctx, d.cfg.PollInterval, d.cfg.Timeout, func(ctx context.Context) (bool, error) {
		resp, err := d.ecs.DescribeServices(ctx, &ecs.DescribeServicesInput{
			Cluster:  aws.String(r.Scope),
			Services: []string{r.ID},
		})
		if err != nil {
			return false, fmt.Errorf("describe service %s: %w", r.Label(), err)
		}
		if len(resp.Services) == 0 {
			return false, fmt.Errorf("service %s no longer exists", r.Label())
		}
		return resp.Services[0].RunningCount == count, nil
	})
	if err != nil {
		return fmt.Errorf("waiting for service %s to scale to %d: %w", r.Label(), count, err)
	}

	d.logger.Info("scaled service",
		slog.String("service", r.Label()),
		slog.String("direction", direction(target)),
		slog.Int("runningCount", int(count)),
	)
	return nil
}

// RestoreCount returns the task count recorded in the desired-count tag.
// ok is false when the tag is absent, unparsable or below one, in which
// case DefaultDesiredCount is returned.
func (d *Driver) RestoreCount(tags map[string]string) (count int32, ok bool) {
	raw, found := tags[d.cfg.DesiredCountTag]
	if !found {
		return DefaultDesiredCount, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 32)
	if err != nil || n < 1 {
		return DefaultDesiredCount, false
	}
	return int32(n), true
}

func (d *Driver) targetCount(r driver.Resource, target driver.TargetState) int32 {
	if target == driver.Stopped {
		return 0
	}
	count, ok := d.RestoreCount(r.Tags)
	if !ok {
		if raw, found := r.Tags[d.cfg.DesiredCountTag]; found {
			d.logger.Warn("unusable desired count tag, using default",
				slog.String("service", r.Label()),
				slog.String("value", raw),
				slog.Int("default", int(DefaultDesiredCount)),
			)
		}
	}
	return count
}

// taggedServiceARNs returns the ARNs of every service carrying the
// stoppable tag.
func (d *Driver) taggedServiceARNs(ctx context.Context) ([]string, error) {
	var arns []string
	p := resourcegroupstaggingapi.NewGetResourcesPaginator(d.tagging, &resourcegroupstaggingapi.GetResourcesInput{
		TagFilters: []taggingtypes.TagFilter{
			{Key: aws.String(d.cfg.StoppableTag), Values: []string{"true"}},
		},
		ResourceTypeFilters: []string{"ecs:service"},
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("get resources tagged %s: %w", d.cfg.StoppableTag, err)
		}
		for _, m := range page.ResourceTagMappingList {
			if m.ResourceARN != nil {
				arns = append(arns, *m.ResourceARN)
			}
		}
	}
	return arns, nil
}

// groupByCluster maps cluster ARN -> service ARNs.  Long-format service
// ARNs embed their cluster; legacy ARNs fall back to the account's first
// cluster.
func (d *Driver) groupByCluster(ctx context.Context, serviceARNs []string) (map[string][]string, error) {
	out := make(map[string][]string)
	var fallback string
	for _, s := range serviceARNs {
		cluster, err := clusterARN(s)
		if err != nil {
			return nil, err
		}
		if cluster == "" {
			if fallback == "" {
				fallback, err = d.firstCluster(ctx)
				if err != nil {
					return nil, err
				}
			}
			cluster = fallback
		}
		out[cluster] = append(out[cluster], s)
	}
	return out, nil
}

func (d *Driver) firstCluster(ctx context.Context) (string, error) {
	resp, err := d.ecs.ListClusters(ctx, &ecs.ListClustersInput{})
	if err != nil {
		return "", fmt.Errorf("list clusters: %w", err)
	}
	if len(resp.ClusterArns) == 0 {
		return "", fmt.Errorf("no ECS cluster found for legacy service ARNs")
	}
	return resp.ClusterArns[0], nil
}

func (d *Driver) toResource(svc ecstypes.Service, cluster string) driver.Resource {
	state := driver.Stopped
	if svc.DesiredCount > 0 {
		state = driver.Running
	}
	if svc.ClusterArn != nil {
		cluster = *svc.ClusterArn
	}
	return driver.Resource{
		Kind:         driver.KindECSService,
		ID:           aws.ToString(svc.ServiceArn),
		Name:         aws.ToString(svc.ServiceName),
		CurrentState: state,
		Scope:        cluster,
		Tags: driver.TagMap(svc.Tags, func(t ecstypes.Tag) (*string, *string) {
			return t.Key, t.Value
		}),
	}
}

// clusterARN derives the cluster ARN from a long-format service ARN
// (arn:aws:ecs:region:account:service/cluster/name).  It returns "" for
// legacy ARNs (service/name), which do not carry the cluster.
func clusterARN(serviceARN string) (string, error) {
	parsed, err := arn.Parse(serviceARN)
	if err != nil {
		return "", fmt.Errorf("parse service arn %q: %w", serviceARN, err)
	}
	parts := strings.Split(parsed.Resource, "/")
	if len(parts) != 3 || parts[0] != "service" {
		return "", nil
	}
	parsed.Resource = "cluster/" + parts[1]
	return parsed.String(), nil
}

func direction(target driver.TargetState) string {
	if target == driver.Running {
		return "up"
	}
	return "down"
}
