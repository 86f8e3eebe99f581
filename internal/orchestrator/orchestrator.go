// Package orchestrator starts and stops a whole environment by driving
// every resource kind through its driver.Driver in dependency order.
//
// Kinds are processed strictly one after another: forward (foundational
// first) when starting and in reverse when stopping.  Within a kind every
// resource is toggled and awaited concurrently.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/whitewater-guide/aws/internal/driver"
)

// Outcome is what happened to one resource during a run.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	// OutcomePlanned marks a resource discovered during a dry run.
	OutcomePlanned Outcome = "planned"
)

// Result records the outcome for one resource.
type Result struct {
	Resource driver.Resource
	Outcome  Outcome
	Err      error
	Duration time.Duration
}

// Report summarises a run.  Results are grouped by kind in processing
// order and sorted by label within a kind.
type Report struct {
	Target driver.TargetState
	DryRun bool

	mu      sync.Mutex
	Results []Result
	// Skipped lists kinds that were not processed because an earlier kind
	// failed.
	Skipped []driver.Kind
}

func (r *Report) add(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Resource.Label() < results[j].Resource.Label()
	})
	r.mu.Lock()
	r.Results = append(r.Results, results...)
	r.mu.Unlock()
}

func (r *Report) skip(kinds []driver.Kind) {
	r.mu.Lock()
	r.Skipped = append(r.Skipped, kinds...)
	r.mu.Unlock()
}

// Count returns the number of results with the given outcome.
func (r *Report) Count(o Outcome) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Config holds the parameters of an Orchestrator.
type Config struct {
	Drivers []driver.Driver
	Logger  *slog.Logger
	// DryRun limits runs to discovery.
	DryRun bool
}

// Orchestrator runs environment-wide transitions.
type Orchestrator struct {
	drivers []driver.Driver
	logger  *slog.Logger
	dryRun  bool

	tracer trace.Tracer
	meter  metric.Meter

	resourcesToggled    metric.Int64Counter
	resourcesFailed     metric.Int64Counter
	convergenceDuration metric.Float64Histogram
}

// New creates an Orchestrator.  Drivers are put in dependency order
// regardless of the order they are passed in.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	drivers := slices.Clone(cfg.Drivers)
	slices.SortStableFunc(drivers, func(a, b driver.Driver) int {
		return slices.Index(driver.Kinds, a.Kind()) - slices.Index(driver.Kinds, b.Kind())
	})

	o := &Orchestrator{
		drivers: drivers,
		logger:  cfg.Logger,
		dryRun:  cfg.DryRun,
		tracer:  otel.Tracer("stackctl/orchestrator"),
		meter:   otel.Meter("stackctl/orchestrator"),
	}

	// Instrument creation errors are logged but not fatal.
	var err error
	o.resourcesToggled, err = o.meter.Int64Counter(
		"stackctl.resources.toggled",
		metric.WithDescription("Total number of resources moved to their target state"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create resourcesToggled counter", slog.String("error", err.Error()))
	}

	o.resourcesFailed, err = o.meter.Int64Counter(
		"stackctl.resources.failed",
		metric.WithDescription("Total number of resources that failed to reach their target state"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create resourcesFailed counter", slog.String("error", err.Error()))
	}

	o.convergenceDuration, err = o.meter.Float64Histogram(
		"stackctl.resource.convergence.duration",
		metric.WithDescription("Time from toggle to convergence (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 30, 60, 300, 600, 1800, 3600),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create convergenceDuration histogram", slog.String("error", err.Error()))
	}

	return o
}

// Kinds returns the kinds the orchestrator will process when starting, in
// order.
func (o *Orchestrator) Kinds() []driver.Kind {
	out := make([]driver.Kind, len(o.drivers))
	for i, d := range o.drivers {
		out[i] = d.Kind()
	}
	return out
}

// Start brings every managed resource up, foundational kinds first.
func (o *Orchestrator) Start(ctx context.Context) (*Report, error) {
	return o.run(ctx, driver.Running, o.drivers)
}

// Stop brings every managed resource down, in reverse dependency order.
func (o *Orchestrator) Stop(ctx context.Context) (*Report, error) {
	reversed := slices.Clone(o.drivers)
	slices.Reverse(reversed)
	return o.run(ctx, driver.Stopped, reversed)
}

// ---------------------------------------------------------------------------
// internal helpers
// ---------------------------------------------------------------------------

func (o *Orchestrator) run(ctx context.Context, target driver.TargetState, drivers []driver.Driver) (*Report, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator."+target.Verb())
	defer span.End()
	span.SetAttributes(
		attribute.String("stackctl.target", target.String()),
		attribute.Bool("stackctl.dry_run", o.dryRun),
	)

	report := &Report{Target: target, DryRun: o.dryRun}

	for i, d := range drivers {
		if err := o.runDriver(ctx, d, target, report); err != nil {
			remaining := make([]driver.Kind, 0, len(drivers)-i-1)
			for _, rest := range drivers[i+1:] {
				remaining = append(remaining, rest.Kind())
			}
			report.skip(remaining)
			if len(remaining) > 0 {
				o.logger.Warn("skipping remaining resource kinds",
					slog.Any("kinds", remaining),
				)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return report, err
		}
	}
	return report, nil
}

func (o *Orchestrator) runDriver(ctx context.Context, d driver.Driver, target driver.TargetState, report *Report) error {
	kind := d.Kind()
	ctx, span := o.tracer.Start(ctx, "orchestrator.runDriver")
	defer span.End()
	span.SetAttributes(attribute.String("stackctl.kind", string(kind)))

	logger := o.logger.With(slog.String("kind", string(kind)))

	resources, err := d.ListManaged(ctx, target)
	if err != nil {
		return fmt.Errorf("discover %s resources: %w", kind, err)
	}
	span.SetAttributes(attribute.Int("stackctl.resources", len(resources)))

	if len(resources) == 0 {
		logger.Info("nothing to " + target.Verb())
		return nil
	}

	if o.dryRun {
		planned := make([]Result, len(resources))
		for i, r := range resources {
			planned[i] = Result{Resource: r, Outcome: OutcomePlanned}
			logger.Info("would "+target.Verb(), slog.String("resource", r.Label()))
		}
		report.add(planned)
		return nil
	}

	logger.Info("transitioning resources",
		slog.String("target", target.String()),
		slog.Int("count", len(resources)),
	)

	var mu sync.Mutex
	results := make([]Result, 0, len(resources))

	p := pool.New().WithErrors().WithContext(ctx)
	for _, r := range resources {
		p.Go(func(ctx context.Context) error {
			res := o.transition(ctx, d, r, target)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return res.Err
		})
	}
	err = p.Wait()
	report.add(results)

	if err != nil {
		return fmt.Errorf("%s %s resources: %w", target.Verb(), kind, err)
	}
	return nil
}

// transition toggles one resource and waits for it to converge.
func (o *Orchestrator) transition(ctx context.Context, d driver.Driver, r driver.Resource, target driver.TargetState) Result {
	ctx, span := o.tracer.Start(ctx, "orchestrator.transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("stackctl.kind", string(r.Kind)),
		attribute.String("stackctl.resource", r.ID),
	)

	kindAttr := metric.WithAttributes(attribute.String("kind", string(d.Kind())))
	startTime := time.Now()

	fail := func(err error) Result {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if o.resourcesFailed != nil {
			o.resourcesFailed.Add(ctx, 1, kindAttr)
		}
		o.logger.Error("resource transition failed",
			slog.String("kind", string(d.Kind())),
			slog.String("resource", r.Label()),
			slog.String("error", err.Error()),
		)
		return Result{Resource: r, Outcome: OutcomeFailed, Err: err, Duration: time.Since(startTime)}
	}

	if err := d.Toggle(ctx, r, target); err != nil {
		return fail(err)
	}
	if err := d.AwaitConvergence(ctx, r, target); err != nil {
		return fail(err)
	}

	duration := time.Since(startTime)
	if o.convergenceDuration != nil {
		o.convergenceDuration.Record(ctx, duration.Seconds(), kindAttr)
	}
	if o.resourcesToggled != nil {
		o.resourcesToggled.Add(ctx, 1, kindAttr)
	}
	return Result{Resource: r, Outcome: OutcomeSucceeded, Duration: duration}
}
