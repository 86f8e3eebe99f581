// Package awsctx resolves AWS credentials and region once per process
// (or per Lambda invocation) and hands the result to every client
// constructor.  There are no package-level SDK clients.
package awsctx

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

// DefaultRegion is used when neither the caller nor the shared config
// supplies a region.
const DefaultRegion = "us-east-1"

// Context is the resolved AWS session.
type Context struct {
	// Profile is the shared-config profile the credentials came from.
	// Empty means the default credential chain (environment, IAM role).
	Profile string
	Region  string
	Config  aws.Config
}

// Load resolves credentials for profile and region.  An empty region
// falls back to the profile's region, then to DefaultRegion.
func Load(ctx context.Context, profile, region string) (*Context, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		if profile != "" {
			return nil, fmt.Errorf("load aws config for profile %q: %w", profile, err)
		}
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}

	return &Context{Profile: profile, Region: cfg.Region, Config: cfg}, nil
}
