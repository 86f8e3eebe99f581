// Package completion implements the two entry points of a CloudFormation
// custom-resource provider whose Create launches a background ECS task
// and only completes once that task has stopped:
//
//   - OnEvent is invoked once per lifecycle event and launches the task.
//   - IsComplete is invoked repeatedly by the provider framework until it
//     reports completion or returns an error.
//
// The framework owns the polling schedule and total timeout; IsComplete
// never waits on its own.
package completion

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-lambda-go/cfn"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/whitewater-guide/aws/internal/ecstask"
)

// DefaultIDPrefix prefixes generated physical resource ids.
const DefaultIDPrefix = "Migrate12To13"

// DataTaskARN is the response Data key carrying the launched task ARN from
// OnEvent to IsComplete.
const DataTaskARN = "TaskArn"

// Resource property keys.
const (
	propTaskDefinition = "taskDefArn"
	propCluster        = "clusterArn"
	propSubnets        = "subnets"
)

// Properties are the custom resource's ResourceProperties.
type Properties struct {
	TaskDefinitionARN string
	ClusterARN        string
	Subnets           []string
}

// DecodeProperties extracts Properties from raw ResourceProperties.
func DecodeProperties(raw map[string]interface{}) (Properties, error) {
	var p Properties
	var err error
	if p.TaskDefinitionARN, err = stringProp(raw, propTaskDefinition); err != nil {
		return p, err
	}
	if p.ClusterARN, err = stringProp(raw, propCluster); err != nil {
		return p, err
	}
	switch v := raw[propSubnets].(type) {
	case nil:
	case []string:
		p.Subnets = v
	case []interface{}:
		for _, s := range v {
			str, ok := s.(string)
			if !ok {
				return p, fmt.Errorf("property %s: expected strings, got %T", propSubnets, s)
			}
			p.Subnets = append(p.Subnets, str)
		}
	default:
		return p, fmt.Errorf("property %s: expected a list, got %T", propSubnets, v)
	}
	return p, nil
}

func stringProp(raw map[string]interface{}, key string) (string, error) {
	v, ok := raw[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("property %s is required", key)
	}
	return v, nil
}

// IsCompleteEvent is the payload the provider framework sends to the
// completion check: the original lifecycle event plus the Data returned
// by OnEvent.
type IsCompleteEvent struct {
	cfn.Event
	Data map[string]interface{} `json:"Data,omitempty"`
}

// IsCompleteResponse reports whether the custom resource operation has
// finished.
type IsCompleteResponse struct {
	IsComplete bool `json:"IsComplete"`
}

// Config holds handler settings.
type Config struct {
	// IDPrefix prefixes generated physical resource ids.
	// Default: DefaultIDPrefix.
	IDPrefix string
}

// taskRunner is the subset of *ecstask.Runner the handler uses.
type taskRunner interface {
	Run(ctx context.Context, spec ecstask.RunSpec) (ecstask.Execution, error)
	Describe(ctx context.Context, cluster, taskARN string) (ecstask.Execution, error)
}

// Handler serves both provider entry points.
type Handler struct {
	runner taskRunner
	prefix string
	newID  func() (uuid.UUID, error)
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates a Handler with ECS clients built from awsCfg.
func New(awsCfg aws.Config, cfg Config, logger *slog.Logger) *Handler {
	return newHandler(ecstask.New(awsCfg, logger), cfg, logger)
}

func newHandler(runner taskRunner, cfg Config, logger *slog.Logger) *Handler {
	if cfg.IDPrefix == "" {
		cfg.IDPrefix = DefaultIDPrefix
	}
	return &Handler{
		runner: runner,
		prefix: cfg.IDPrefix,
		newID:  uuid.NewV7,
		logger: logger,
		tracer: otel.Tracer("stackctl/completion"),
	}
}

// OnEvent handles a lifecycle event.  Create launches one task and
// returns its ARN in Data; Update and Delete succeed without side
// effects, keeping the incoming physical resource id.
//
// Launch problems are reported as a FAILED response rather than an
// error, so CloudFormation shows the reason on the resource.
func (h *Handler) OnEvent(ctx context.Context, event cfn.Event) (cfn.Response, error) {
	ctx, span := h.tracer.Start(ctx, "completion.OnEvent")
	defer span.End()
	span.SetAttributes(
		attribute.String("cfn.request_type", string(event.RequestType)),
		attribute.String("cfn.logical_resource_id", event.LogicalResourceID),
	)

	resp := cfn.Response{
		Status:             cfn.StatusSuccess,
		RequestID:          event.RequestID,
		LogicalResourceID:  event.LogicalResourceID,
		StackID:            event.StackID,
		PhysicalResourceID: event.PhysicalResourceID,
	}

	if event.RequestType != cfn.RequestCreate {
		h.logger.Info("passing through lifecycle event",
			slog.String("requestType", string(event.RequestType)),
			slog.String("physicalResourceId", event.PhysicalResourceID),
		)
		return resp, nil
	}

	id, err := h.physicalID()
	if err != nil {
		return cfn.Response{}, err
	}
	resp.PhysicalResourceID = id
	span.SetAttributes(attribute.String("cfn.physical_resource_id", id))

	props, err := DecodeProperties(event.ResourceProperties)
	if err != nil {
		return h.failed(resp, fmt.Errorf("invalid resource properties: %w", err)), nil
	}

	exec, err := h.runner.Run(ctx, ecstask.RunSpec{
		Cluster:        props.ClusterARN,
		TaskDefinition: props.TaskDefinitionARN,
		Subnets:        props.Subnets,
		StartedBy:      id,
	})
	if err != nil {
		return h.failed(resp, fmt.Errorf("task creation failed: %w", err)), nil
	}

	resp.Data = map[string]interface{}{DataTaskARN: exec.TaskID}
	h.logger.Info("task started for custom resource",
		slog.String("physicalResourceId", id),
		slog.String("task", exec.TaskID),
	)
	return resp, nil
}

// IsComplete reports whether the task launched by OnEvent has finished.
// Non-Create events are always complete.  Any returned error is turned
// into a FAILED response by the provider framework.
func (h *Handler) IsComplete(ctx context.Context, event IsCompleteEvent) (IsCompleteResponse, error) {
	ctx, span := h.tracer.Start(ctx, "completion.IsComplete")
	defer span.End()
	span.SetAttributes(
		attribute.String("cfn.request_type", string(event.RequestType)),
		attribute.String("cfn.physical_resource_id", event.PhysicalResourceID),
	)

	if event.RequestType != cfn.RequestCreate {
		return IsCompleteResponse{IsComplete: true}, nil
	}

	props, err := DecodeProperties(event.ResourceProperties)
	if err != nil {
		return IsCompleteResponse{}, fmt.Errorf("invalid resource properties: %w", err)
	}
	taskARN, _ := event.Data[DataTaskARN].(string)
	if taskARN == "" {
		return IsCompleteResponse{}, fmt.Errorf("%w: event data carries no %s", ecstask.ErrProtocolViolation, DataTaskARN)
	}

	exec, err := h.runner.Describe(ctx, props.ClusterARN, taskARN)
	if err != nil {
		return IsCompleteResponse{}, err
	}
	h.logger.Info("task state",
		slog.String("task", exec.ShortID()),
		slog.String("lastStatus", exec.LastStatus),
		slog.String("stopCode", string(exec.StopCode)),
	)

	done, err := ecstask.Classify(exec)
	if err != nil {
		return IsCompleteResponse{}, err
	}
	span.SetAttributes(attribute.Bool("cfn.is_complete", done))
	return IsCompleteResponse{IsComplete: done}, nil
}

// physicalID returns "<prefix>X<32 hex chars>".  Version 7 UUIDs sort by
// creation time.
func (h *Handler) physicalID() (string, error) {
	u, err := h.newID()
	if err != nil {
		return "", fmt.Errorf("generate physical resource id: %w", err)
	}
	return h.prefix + "X" + hex.EncodeToString(u[:]), nil
}

func (h *Handler) failed(resp cfn.Response, err error) cfn.Response {
	h.logger.Error("custom resource create failed",
		slog.String("physicalResourceId", resp.PhysicalResourceID),
		slog.String("error", err.Error()),
	)
	resp.Status = cfn.StatusFailed
	resp.Reason = err.Error()
	return resp
}

// IsFatal reports whether err is a task failure or protocol violation, as
// opposed to a transient API error.
func IsFatal(err error) bool {
	return errors.Is(err, ecstask.ErrTaskFailed) || errors.Is(err, ecstask.ErrProtocolViolation)
}
