// Package backup resolves everything needed to run the database backup or
// restore Fargate task: the task definition for a pg_dump_restore
// version, the cluster, and the subnets of the target database.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/whitewater-guide/aws/internal/ecstask"
)

// Operation selects the script run inside the task.
type Operation string

const (
	OpBackup  Operation = "backup"
	OpRestore Operation = "restore"
)

// Command returns the container command for op.
func (op Operation) Command() []string {
	return []string{"/app/" + string(op) + ".sh"}
}

// SupportedVersions are the pg_dump_restore image versions with a
// matching task definition.
var SupportedVersions = []int{2, 3}

// ErrNotFound is returned when a required AWS resource cannot be located.
var ErrNotFound = errors.New("not found")

// ParseVersion validates a pg_dump_restore version.
func ParseVersion(v int) (int, error) {
	for _, s := range SupportedVersions {
		if v == s {
			return v, nil
		}
	}
	return 0, fmt.Errorf("valid pg_dump_restore versions are 2 and 3, got %d", v)
}

// Request describes one backup or restore run.
type Request struct {
	Op       Operation
	Version  int
	Host     string
	Password string

	// SkipPartitions skips archiving old measurement partitions (backup).
	SkipPartitions bool
	// SkipGorge skips restoring gorge measurements (restore).
	SkipGorge bool
}

// Config holds planner settings.
type Config struct {
	// ContainerName is the container to override.
	ContainerName string
	// TaskDefinitionPrefix is followed by the version in the task
	// definition ARN, e.g. "manualbackupv" -> ".../manualbackupv3:7".
	TaskDefinitionPrefix string
}

type ecsAPI interface {
	ListTaskDefinitions(ctx context.Context, params *ecs.ListTaskDefinitionsInput, optFns ...func(*ecs.Options)) (*ecs.ListTaskDefinitionsOutput, error)
	ListClusters(ctx context.Context, params *ecs.ListClustersInput, optFns ...func(*ecs.Options)) (*ecs.ListClustersOutput, error)
}

type rdsAPI interface {
	DescribeDBInstances(ctx context.Context, params *rds.DescribeDBInstancesInput, optFns ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error)
}

// Planner looks up the AWS resources a Request needs.
type Planner struct {
	ecs    ecsAPI
	rds    rdsAPI
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates a Planner from an AWS configuration.
func New(awsCfg aws.Config, cfg Config, logger *slog.Logger) *Planner {
	return newPlanner(ecs.NewFromConfig(awsCfg), rds.NewFromConfig(awsCfg), cfg, logger)
}

func newPlanner(ecsClient ecsAPI, rdsClient rdsAPI, cfg Config, logger *slog.Logger) *Planner {
	return &Planner{
		ecs:    ecsClient,
		rds:    rdsClient,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("stackctl/backup"),
	}
}

// Plan resolves req into a task launch.
func (p *Planner) Plan(ctx context.Context, req Request) (ecstask.RunSpec, error) {
	ctx, span := p.tracer.Start(ctx, "backup.Plan")
	defer span.End()
	span.SetAttributes(
		attribute.String("backup.op", string(req.Op)),
		attribute.Int("backup.version", req.Version),
	)

	if _, err := ParseVersion(req.Version); err != nil {
		return ecstask.RunSpec{}, err
	}
	if req.Host == "" || req.Password == "" {
		return ecstask.RunSpec{}, fmt.Errorf("host and password are required")
	}

	taskDef, err := p.findTaskDefinition(ctx, req.Version)
	if err != nil {
		return ecstask.RunSpec{}, err
	}
	cluster, err := p.firstCluster(ctx)
	if err != nil {
		return ecstask.RunSpec{}, err
	}
	subnets, err := p.dbSubnets(ctx, req.Host)
	if err != nil {
		return ecstask.RunSpec{}, err
	}

	env := map[string]string{
		"PGHOST":            req.Host,
		"POSTGRES_PASSWORD": req.Password,
	}
	if req.Op == OpBackup && req.SkipPartitions {
		env["SKIP_PARTITIONS"] = "true"
	}
	if req.Op == OpRestore && req.SkipGorge {
		env["SKIP_GORGE"] = "true"
	}

	p.logger.Info("running task",
		slog.String("op", string(req.Op)),
		slog.String("taskDefinition", taskDef),
		slog.String("cluster", cluster),
	)

	return ecstask.RunSpec{
		Cluster:        cluster,
		TaskDefinition: taskDef,
		Subnets:        subnets,
		Container: &ecstask.ContainerOverride{
			Name:        p.cfg.ContainerName,
			Environment: env,
			Command:     req.Op.Command(),
		},
	}, nil
}

func (p *Planner) findTaskDefinition(ctx context.Context, version int) (string, error) {
	needle := strings.ToLower(fmt.Sprintf("%s%d", p.cfg.TaskDefinitionPrefix, version))
	pages := ecs.NewListTaskDefinitionsPaginator(p.ecs, &ecs.ListTaskDefinitionsInput{})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return "", fmt.Errorf("list task definitions: %w", err)
		}
		for _, arn := range page.TaskDefinitionArns {
			if strings.Contains(strings.ToLower(arn), needle) {
				return arn, nil
			}
		}
	}
	return "", fmt.Errorf("backup/restore task definition %q: %w", needle, ErrNotFound)
}

func (p *Planner) firstCluster(ctx context.Context) (string, error) {
	resp, err := p.ecs.ListClusters(ctx, &ecs.ListClustersInput{})
	if err != nil {
		return "", fmt.Errorf("list clusters: %w", err)
	}
	if len(resp.ClusterArns) == 0 {
		return "", fmt.Errorf("cluster to run the task on: %w", ErrNotFound)
	}
	return resp.ClusterArns[0], nil
}

func (p *Planner) dbSubnets(ctx context.Context, host string) ([]string, error) {
	pages := rds.NewDescribeDBInstancesPaginator(p.rds, &rds.DescribeDBInstancesInput{})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describe db instances: %w", err)
		}
		for _, db := range page.DBInstances {
			if db.Endpoint == nil || aws.ToString(db.Endpoint.Address) != host {
				continue
			}
			if db.DBSubnetGroup == nil || len(db.DBSubnetGroup.Subnets) == 0 {
				return nil, fmt.Errorf("subnets of db instance %s: %w", aws.ToString(db.DBInstanceIdentifier), ErrNotFound)
			}
			var subnets []string
			for _, sn := range db.DBSubnetGroup.Subnets {
				if id := aws.ToString(sn.SubnetIdentifier); id != "" {
					subnets = append(subnets, id)
				}
			}
			return subnets, nil
		}
	}
	return nil, fmt.Errorf("db instance with endpoint %s: %w", host, ErrNotFound)
}
