// Command taskwaiter is the Lambda behind a CloudFormation custom resource
// that runs a one-off ECS task during stack deployment.  The same binary
// serves both provider entry points; TASKWAITER_HANDLER selects one.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/cfn"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/whitewater-guide/aws/internal/awsctx"
	"github.com/whitewater-guide/aws/internal/buildinfo"
	"github.com/whitewater-guide/aws/internal/completion"
)

const serviceName = "taskwaiter"

const (
	handlerOnEvent    = "onEvent"
	handlerIsComplete = "isComplete"
)

// settings are read from the function environment.
type settings struct {
	Handler  string
	IDPrefix string
	Region   string
}

func loadSettings(getenv func(string) string) (settings, error) {
	s := settings{
		Handler:  getenv("TASKWAITER_HANDLER"),
		IDPrefix: getenv("TASKWAITER_ID_PREFIX"),
		Region:   getenv("AWS_REGION"),
	}
	switch s.Handler {
	case handlerOnEvent, handlerIsComplete:
	case "":
		return settings{}, fmt.Errorf("TASKWAITER_HANDLER is required (%s or %s)", handlerOnEvent, handlerIsComplete)
	default:
		return settings{}, fmt.Errorf("unknown TASKWAITER_HANDLER %q (want %s or %s)", s.Handler, handlerOnEvent, handlerIsComplete)
	}
	if s.IDPrefix == "" {
		s.IDPrefix = completion.DefaultIDPrefix
	}
	return s, nil
}

// eventHandler is the subset of *completion.Handler the entry points use.
type eventHandler interface {
	OnEvent(ctx context.Context, event cfn.Event) (cfn.Response, error)
	IsComplete(ctx context.Context, event completion.IsCompleteEvent) (completion.IsCompleteResponse, error)
}

// function builds a fresh handler for every invocation.
type function struct {
	settings   settings
	logger     *slog.Logger
	newHandler func(ctx context.Context) (eventHandler, error)
}

func newFunction(s settings, logger *slog.Logger) *function {
	f := &function{settings: s, logger: logger}
	f.newHandler = f.awsHandler
	return f
}

func (f *function) awsHandler(ctx context.Context) (eventHandler, error) {
	awsCtx, err := awsctx.Load(ctx, "", f.settings.Region)
	if err != nil {
		return nil, err
	}
	return completion.New(awsCtx.Config, completion.Config{IDPrefix: f.settings.IDPrefix}, f.logger), nil
}

func (f *function) onEvent(ctx context.Context, event cfn.Event) (cfn.Response, error) {
	h, err := f.newHandler(ctx)
	if err != nil {
		return cfn.Response{}, err
	}
	return h.OnEvent(ctx, event)
}

func (f *function) isComplete(ctx context.Context, event completion.IsCompleteEvent) (completion.IsCompleteResponse, error) {
	h, err := f.newHandler(ctx)
	if err != nil {
		return completion.IsCompleteResponse{}, err
	}
	resp, err := h.IsComplete(ctx, event)
	if err != nil {
		level := slog.LevelWarn
		if completion.IsFatal(err) {
			level = slog.LevelError
		}
		f.logger.Log(ctx, level, "isComplete failed",
			slog.String("physicalResourceId", event.PhysicalResourceID),
			slog.Bool("fatal", completion.IsFatal(err)),
			slog.String("error", err.Error()),
		)
	}
	return resp, err
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	s, err := loadSettings(os.Getenv)
	if err != nil {
		logger.Error("invalid environment", slog.String("error", err.Error()))
		os.Exit(1)
	}

	info := buildinfo.Get(serviceName)
	logger.Info("cold start",
		slog.String("handler", s.Handler),
		slog.String("version", info.Version),
		slog.String("commit", info.Commit),
		slog.String("goVersion", info.GoVersion),
	)

	f := newFunction(s, logger)
	switch s.Handler {
	case handlerOnEvent:
		lambda.Start(f.onEvent)
	case handlerIsComplete:
		lambda.Start(f.isComplete)
	}
}
