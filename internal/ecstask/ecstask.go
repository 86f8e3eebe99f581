// Package ecstask launches one-off Fargate tasks and classifies their
// progress.  It is shared by the CloudFormation completion handler and
// the backup/restore commands.
package ecstask

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/arn"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/whitewater-guide/aws/internal/poll"
)

// Task and container statuses.
const (
	StatusStopped = "STOPPED"
	StatusRunning = "RUNNING"
)

var (
	// ErrProtocolViolation means DescribeTasks returned a shape the
	// completion protocol does not accept: not exactly one task, or a task
	// without exactly one container.
	ErrProtocolViolation = errors.New("task protocol violation")

	// ErrTaskFailed means the task stopped abnormally or its container
	// exited non-zero.
	ErrTaskFailed = errors.New("task failed")

	// ErrLaunchFailed means RunTask reported failures or returned no task.
	ErrLaunchFailed = errors.New("task launch failed")
)

// Execution is a snapshot of one launched task.
type Execution struct {
	// TaskID is the task ARN.
	TaskID string
	// ClusterID is the ARN or name of the cluster running the task.
	ClusterID         string
	LastStatus        string
	StopCode          ecstypes.TaskStopCode
	StoppedReason     string
	ContainerExitCode *int32
}

// ShortID returns the trailing task id of the ARN, or TaskID when it
// cannot be parsed.
func (e Execution) ShortID() string {
	parsed, err := arn.Parse(e.TaskID)
	if err != nil {
		return e.TaskID
	}
	return parsed.Resource[strings.LastIndex(parsed.Resource, "/")+1:]
}

// Classify decides whether a task has completed successfully.  It returns
// (true, nil) once the task stopped cleanly, (false, nil) while it is
// still in progress, and an ErrTaskFailed error when it stopped
// abnormally or its container exited non-zero.  A stopped task whose
// container reported no exit code has failed too.
func Classify(e Execution) (bool, error) {
	if e.LastStatus == StatusStopped && e.StopCode != ecstypes.TaskStopCodeEssentialContainerExited {
		return false, fmt.Errorf("%w: stopped with code %q: %s", ErrTaskFailed, e.StopCode, e.StoppedReason)
	}
	if e.ContainerExitCode != nil && *e.ContainerExitCode != 0 {
		return false, fmt.Errorf("%w: container exited with code %d", ErrTaskFailed, *e.ContainerExitCode)
	}
	if e.LastStatus != StatusStopped {
		return false, nil
	}
	if e.ContainerExitCode == nil {
		return false, fmt.Errorf("%w: container exited without an exit code", ErrTaskFailed)
	}
	return true, nil
}

// ContainerOverride customises the single container of a launched task.
type ContainerOverride struct {
	Name        string
	Environment map[string]string
	Command     []string
}

// RunSpec describes a Fargate task launch.
type RunSpec struct {
	Cluster        string
	TaskDefinition string
	Subnets        []string
	// StartedBy tags the task with its initiator (max 128 characters).
	StartedBy string
	Container *ContainerOverride
}

// ecsAPI is the subset of *ecs.Client used to run and inspect tasks.
type ecsAPI interface {
	RunTask(ctx context.Context, params *ecs.RunTaskInput, optFns ...func(*ecs.Options)) (*ecs.RunTaskOutput, error)
	DescribeTasks(ctx context.Context, params *ecs.DescribeTasksInput, optFns ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error)
}

// Runner launches and inspects tasks.
type Runner struct {
	api    ecsAPI
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates a Runner from an AWS configuration.
func New(awsCfg aws.Config, logger *slog.Logger) *Runner {
	return newRunner(ecs.NewFromConfig(awsCfg), logger)
}

func newRunner(api ecsAPI, logger *slog.Logger) *Runner {
	return &Runner{api: api, logger: logger, tracer: otel.Tracer("stackctl/ecstask")}
}

// Run launches exactly one Fargate task.
func (r *Runner) Run(ctx context.Context, spec RunSpec) (Execution, error) {
	ctx, span := r.tracer.Start(ctx, "ecstask.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("ecs.cluster", spec.Cluster),
		attribute.String("ecs.task_definition", spec.TaskDefinition),
		attribute.String("ecs.started_by", spec.StartedBy),
	)

	in := &ecs.RunTaskInput{
		Cluster:        aws.String(spec.Cluster),
		TaskDefinition: aws.String(spec.TaskDefinition),
		LaunchType:     ecstypes.LaunchTypeFargate,
		Count:          aws.Int32(1),
		NetworkConfiguration: &ecstypes.NetworkConfiguration{
			AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{Subnets: spec.Subnets},
		},
	}
	if spec.StartedBy != "" {
		in.StartedBy = aws.String(spec.StartedBy)
	}
	if c := spec.Container; c != nil {
		in.Overrides = &ecstypes.TaskOverride{
			ContainerOverrides: []ecstypes.ContainerOverride{containerOverride(c)},
		}
	}

	resp, err := r.api.RunTask(ctx, in)
	if err != nil {
		return Execution{}, fmt.Errorf("run task %s: %w", spec.TaskDefinition, err)
	}
	if len(resp.Failures) > 0 {
		reasons := make([]string, 0, len(resp.Failures))
		for _, f := range resp.Failures {
			reasons = append(reasons, fmt.Sprintf("%s: %s", aws.ToString(f.Arn), aws.ToString(f.Reason)))
		}
		return Execution{}, fmt.Errorf("%w: %s", ErrLaunchFailed, strings.Join(reasons, "; "))
	}
	if len(resp.Tasks) == 0 || aws.ToString(resp.Tasks[0].TaskArn) == "" {
		return Execution{}, fmt.Errorf("%w: no task returned", ErrLaunchFailed)
	}

	exec := toExecution(resp.Tasks[0], spec.Cluster)
	span.SetAttributes(attribute.String("ecs.task", exec.TaskID))
	r.logger.Info("task launched",
		slog.String("task", exec.ShortID()),
		slog.String("cluster", exec.ClusterID),
		slog.String("taskDefinition", spec.TaskDefinition),
	)
	return exec, nil
}

// Describe reads the current state of a task.  Responses that do not
// contain exactly one task with exactly one container are rejected with
// ErrProtocolViolation.
func (r *Runner) Describe(ctx context.Context, cluster, taskARN string) (Execution, error) {
	ctx, span := r.tracer.Start(ctx, "ecstask.Describe")
	defer span.End()
	span.SetAttributes(attribute.String("ecs.task", taskARN))

	resp, err := r.api.DescribeTasks(ctx, &ecs.DescribeTasksInput{
		Cluster: aws.String(cluster),
		Tasks:   []string{taskARN},
	})
	if err != nil {
		return Execution{}, fmt.Errorf("describe task %s: %w", taskARN, err)
	}
	if len(resp.Tasks) != 1 {
		return Execution{}, fmt.Errorf("%w: expected exactly one task, got %d", ErrProtocolViolation, len(resp.Tasks))
	}
	task := resp.Tasks[0]
	if len(task.Containers) != 1 {
		return Execution{}, fmt.Errorf("%w: expected exactly one container, got %d", ErrProtocolViolation, len(task.Containers))
	}

	exec := toExecution(task, cluster)
	span.SetAttributes(attribute.String("ecs.last_status", exec.LastStatus))
	return exec, nil
}

// Wait polls the task until Classify reports completion or failure, or
// the timeout elapses.
func (r *Runner) Wait(ctx context.Context, exec Execution, interval, timeout time.Duration) (Execution, error) {
	last := exec
	err := poll.WaitFor(ctx, interval, timeout, func(ctx context.Context) (bool, error) {
		cur, err := r.Describe(ctx, exec.ClusterID, exec.TaskID)
		if err != nil {
			return false, err
		}
		if cur.LastStatus != last.LastStatus {
			r.logger.Info("task status changed",
				slog.String("task", cur.ShortID()),
				slog.String("status", cur.LastStatus),
			)
		}
		last = cur
		return Classify(cur)
	})
	if err != nil {
		return last, fmt.Errorf("waiting for task %s: %w", exec.ShortID(), err)
	}
	return last, nil
}

func containerOverride(c *ContainerOverride) ecstypes.ContainerOverride {
	out := ecstypes.ContainerOverride{Name: aws.String(c.Name), Command: c.Command}
	for _, k := range slices.Sorted(maps.Keys(c.Environment)) {
		out.Environment = append(out.Environment, ecstypes.KeyValuePair{
			Name:  aws.String(k),
			Value: aws.String(c.Environment[k]),
		})
	}
	return out
}

func toExecution(task ecstypes.Task, cluster string) Execution {
	exec := Execution{
		TaskID:        aws.ToString(task.TaskArn),
		ClusterID:     cluster,
		LastStatus:    aws.ToString(task.LastStatus),
		StopCode:      task.StopCode,
		StoppedReason: aws.ToString(task.StoppedReason),
	}
	if task.ClusterArn != nil {
		exec.ClusterID = *task.ClusterArn
	}
	if len(task.Containers) > 0 {
		exec.ContainerExitCode = task.Containers[0].ExitCode
	}
	return exec
}
