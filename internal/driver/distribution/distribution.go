// Package distribution implements driver.Driver for CloudFront
// distributions.  Stopping a distribution disables it; starting enables it.
package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/whitewater-guide/aws/internal/driver"
)

// ErrVersionConflict is returned by Toggle when the distribution changed
// between reading its configuration and writing it back.  Rerunning the
// command re-reads the configuration.
var ErrVersionConflict = errors.New("distribution config changed concurrently")

// cloudfrontAPI is the subset of *cloudfront.Client the driver uses.
type cloudfrontAPI interface {
	ListDistributions(ctx context.Context, params *cloudfront.ListDistributionsInput, optFns ...func(*cloudfront.Options)) (*cloudfront.ListDistributionsOutput, error)
	GetDistributionConfig(ctx context.Context, params *cloudfront.GetDistributionConfigInput, optFns ...func(*cloudfront.Options)) (*cloudfront.GetDistributionConfigOutput, error)
	UpdateDistribution(ctx context.Context, params *cloudfront.UpdateDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.UpdateDistributionOutput, error)
}

// Driver toggles every CloudFront distribution in the account.
type Driver struct {
	client cloudfrontAPI
	logger *slog.Logger
	tracer trace.Tracer
}

// Compile-time check that Driver satisfies the driver.Driver interface.
var _ driver.Driver = (*Driver)(nil)

// New creates a CloudFront driver from an AWS configuration.
func New(awsCfg aws.Config, logger *slog.Logger) *Driver {
	return newDriver(cloudfront.NewFromConfig(awsCfg), logger)
}

func newDriver(client cloudfrontAPI, logger *slog.Logger) *Driver {
	return &Driver{
		client: client,
		logger: logger,
		tracer: otel.Tracer("stackctl/driver/distribution"),
	}
}

// Kind implements driver.Driver.
func (d *Driver) Kind() driver.Kind { return driver.KindDistribution }

// ListManaged returns the distributions whose Enabled flag differs from
// target.
func (d *Driver) ListManaged(ctx context.Context, target driver.TargetState) ([]driver.Resource, error) {
	ctx, span := d.tracer.Start(ctx, "driver.distribution.ListManaged")
	defer span.End()

	wantEnabled := target == driver.Running

	var out []driver.Resource
	pages := cloudfront.NewListDistributionsPaginator(d.client, &cloudfront.ListDistributionsInput{})
	for pages.HasMorePages() {
		resp, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list distributions: %w", err)
		}
		if resp.DistributionList == nil {
			break
		}
		for _, item := range resp.DistributionList.Items {
			if aws.ToBool(item.Enabled) == wantEnabled {
				continue
			}
			out = append(out, toResource(item, target))
		}
	}

	span.SetAttributes(attribute.Int("cloudfront.managed_distributions", len(out)))
	return out, nil
}

// Toggle reads the distribution config, flips Enabled on a copy and
// writes it back conditioned on the ETag that was read.
func (d *Driver) Toggle(ctx context.Context, r driver.Resource, target driver.TargetState) error {
	ctx, span := d.tracer.Start(ctx, "driver.distribution.Toggle")
	defer span.End()

	enabled := target == driver.Running
	span.SetAttributes(
		attribute.String("cloudfront.distribution", r.ID),
		attribute.Bool("cloudfront.enabled", enabled),
	)

	current, err := d.client.GetDistributionConfig(ctx, &cloudfront.GetDistributionConfigInput{Id: aws.String(r.ID)})
	if err != nil {
		return fmt.Errorf("get config of distribution %s: %w", r.Label(), err)
	}
	if current.DistributionConfig == nil {
		return fmt.Errorf("distribution %s returned no config", r.Label())
	}
	if aws.ToString(current.ETag) == "" {
		return fmt.Errorf("distribution %s returned no ETag", r.Label())
	}

	updated := *current.DistributionConfig
	updated.Enabled = aws.Bool(enabled)

	_, err = d.client.UpdateDistribution(ctx, &cloudfront.UpdateDistributionInput{
		Id:                 aws.String(r.ID),
		IfMatch:            current.ETag,
		DistributionConfig: &updated,
	})
	if err != nil {
		if isPreconditionFailed(err) {
			return fmt.Errorf("update distribution %s: %w: %w", r.Label(), ErrVersionConflict, err)
		}
		return fmt.Errorf("update distribution %s: %w", r.Label(), err)
	}

	d.logger.Info("distribution updated",
		slog.String("distribution", r.Label()),
		slog.Bool("enabled", enabled),
	)
	return nil
}

// AwaitConvergence returns immediately: the update is accepted
// synchronously and edge propagation is not waited for.
func (d *Driver) AwaitConvergence(context.Context, driver.Resource, driver.TargetState) error {
	return nil
}

func isPreconditionFailed(err error) bool {
	var pf *cftypes.PreconditionFailed
	if errors.As(err, &pf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed"
}

func toResource(item cftypes.DistributionSummary, target driver.TargetState) driver.Resource {
	name := aws.ToString(item.DomainName)
	if item.Aliases != nil && len(item.Aliases.Items) > 0 {
		name = item.Aliases.Items[0]
	}
	return driver.Resource{
		Kind:         driver.KindDistribution,
		ID:           aws.ToString(item.Id),
		Name:         name,
		CurrentState: target.Opposite(),
		DesiredState: target,
	}
}
