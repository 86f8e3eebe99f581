package distribution

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/whitewater-guide/aws/internal/driver"
)

// ---------------------------------------------------------------------------
// Mock CloudFront client (satisfies cloudfrontAPI)
// ---------------------------------------------------------------------------

type mockDistribution struct {
	summary cftypes.DistributionSummary
	config  *cftypes.DistributionConfig
	etag    string
}

type mockCloudFront struct {
	mu sync.Mutex

	order    []string
	dists    map[string]*mockDistribution
	pageSize int

	listCalls   int
	markers     []string
	updateCalls []*cloudfront.UpdateDistributionInput

	listErr   error
	getErr    error
	updateErr error
	noConfig  bool
	noETag    bool
}

func newMockCloudFront() *mockCloudFront {
	return &mockCloudFront{dists: make(map[string]*mockDistribution)}
}

func (m *mockCloudFront) add(id string, enabled bool, aliases ...string) {
	m.order = append(m.order, id)
	m.dists[id] = &mockDistribution{
		summary: cftypes.DistributionSummary{
			Id:         aws.String(id),
			DomainName: aws.String(id + ".cloudfront.net"),
			Enabled:    aws.Bool(enabled),
			Aliases:    &cftypes.Aliases{Items: aliases, Quantity: aws.Int32(int32(len(aliases)))},
		},
		config: &cftypes.DistributionConfig{
			Enabled:         aws.Bool(enabled),
			Comment:         aws.String("comment of " + id),
			CallerReference: aws.String("ref-" + id),
		},
		etag: "E1",
	}
}

func (m *mockCloudFront) ListDistributions(_ context.Context, in *cloudfront.ListDistributionsInput, _ ...func(*cloudfront.Options)) (*cloudfront.ListDistributionsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.listCalls++
	m.markers = append(m.markers, aws.ToString(in.Marker))
	if m.listErr != nil {
		return nil, m.listErr
	}
	start := 0
	if mk := aws.ToString(in.Marker); mk != "" {
		fmt.Sscanf(mk, "%d", &start)
	}
	end := len(m.order)
	if m.pageSize > 0 {
		end = min(start+m.pageSize, len(m.order))
	}
	list := &cftypes.DistributionList{IsTruncated: aws.Bool(end < len(m.order))}
	for _, id := range m.order[start:end] {
		list.Items = append(list.Items, m.dists[id].summary)
	}
	if end < len(m.order) {
		list.NextMarker = aws.String(fmt.Sprintf("%d", end))
	}
	return &cloudfront.ListDistributionsOutput{DistributionList: list}, nil
}

func (m *mockCloudFront) GetDistributionConfig(_ context.Context, in *cloudfront.GetDistributionConfigInput, _ ...func(*cloudfront.Options)) (*cloudfront.GetDistributionConfigOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.getErr != nil {
		return nil, m.getErr
	}
	dist, ok := m.dists[aws.ToString(in.Id)]
	if !ok {
		return nil, &cftypes.NoSuchDistribution{}
	}
	out := &cloudfront.GetDistributionConfigOutput{}
	if !m.noConfig {
		out.DistributionConfig = dist.config
	}
	if !m.noETag {
		out.ETag = aws.String(dist.etag)
	}
	return out, nil
}

func (m *mockCloudFront) UpdateDistribution(_ context.Context, in *cloudfront.UpdateDistributionInput, _ ...func(*cloudfront.Options)) (*cloudfront.UpdateDistributionOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.updateCalls = append(m.updateCalls, in)
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	dist := m.dists[aws.ToString(in.Id)]
	if aws.ToString(in.IfMatch) != dist.etag {
		return nil, &cftypes.PreconditionFailed{Message: aws.String("etag mismatch")}
	}
	dist.config = in.DistributionConfig
	dist.summary.Enabled = in.DistributionConfig.Enabled
	dist.etag = dist.etag + "'"
	return &cloudfront.UpdateDistributionOutput{ETag: aws.String(dist.etag)}, nil
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type DistributionSuite struct {
	suite.Suite
	ctx    context.Context
	client *mockCloudFront
	logger *slog.Logger
}

func (s *DistributionSuite) SetupTest() {
	s.ctx = context.Background()
	s.client = newMockCloudFront()
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *DistributionSuite) newDriver() *Driver {
	return newDriver(s.client, s.logger)
}

func TestDistributionSuite(t *testing.T) {
	suite.Run(t, new(DistributionSuite))
}

// ---------------------------------------------------------------------------
// ListManaged tests
// ---------------------------------------------------------------------------

func (s *DistributionSuite) TestListManaged_FiltersByEnabled() {
	s.client.add("E100", true, "whitewater.guide")
	s.client.add("E200", false)
	d := s.newDriver()

	stopping, err := d.ListManaged(s.ctx, driver.Stopped)
	require.NoError(s.T(), err)
	require.Len(s.T(), stopping, 1)
	assert.Equal(s.T(), "E100", stopping[0].ID)
	assert.Equal(s.T(), "whitewater.guide", stopping[0].Name, "first alias names the distribution")

	starting, err := d.ListManaged(s.ctx, driver.Running)
	require.NoError(s.T(), err)
	require.Len(s.T(), starting, 1)
	assert.Equal(s.T(), "E200", starting[0].ID)
	assert.Equal(s.T(), "E200.cloudfront.net", starting[0].Name, "domain name without aliases")
}

func (s *DistributionSuite) TestListManaged_FollowsMarker() {
	for i := range 5 {
		s.client.add(fmt.Sprintf("E%d", i), true)
	}
	s.client.pageSize = 2
	d := s.newDriver()

	res, err := d.ListManaged(s.ctx, driver.Stopped)
	require.NoError(s.T(), err)
	assert.Len(s.T(), res, 5)
	assert.Equal(s.T(), 3, s.client.listCalls)
	assert.Equal(s.T(), []string{"", "2", "4"}, s.client.markers)
}

func (s *DistributionSuite) TestListManaged_Error() {
	s.client.listErr = fmt.Errorf("AccessDenied")
	d := s.newDriver()

	_, err := d.ListManaged(s.ctx, driver.Stopped)
	assert.ErrorContains(s.T(), err, "AccessDenied")
}

// ---------------------------------------------------------------------------
// Toggle tests
// ---------------------------------------------------------------------------

func (s *DistributionSuite) TestToggle_CopiesConfigAndSendsETag() {
	s.client.add("E100", true)
	original := s.client.dists["E100"].config
	d := s.newDriver()

	r := driver.Resource{ID: "E100"}
	require.NoError(s.T(), d.Toggle(s.ctx, r, driver.Stopped))

	require.Len(s.T(), s.client.updateCalls, 1)
	in := s.client.updateCalls[0]
	assert.Equal(s.T(), "E1", aws.ToString(in.IfMatch))
	assert.False(s.T(), aws.ToBool(in.DistributionConfig.Enabled))
	assert.Equal(s.T(), "comment of E100", aws.ToString(in.DistributionConfig.Comment), "other fields are preserved")
	assert.True(s.T(), aws.ToBool(original.Enabled), "the config that was read is not mutated")

	again, err := d.ListManaged(s.ctx, driver.Stopped)
	require.NoError(s.T(), err)
	assert.Empty(s.T(), again)

	require.NoError(s.T(), d.AwaitConvergence(s.ctx, r, driver.Stopped))
}

func (s *DistributionSuite) TestToggle_VersionConflict() {
	s.client.add("E100", false)
	s.client.updateErr = &cftypes.PreconditionFailed{Message: aws.String("The If-Match version is missing or not valid")}
	d := s.newDriver()

	err := d.Toggle(s.ctx, driver.Resource{ID: "E100"}, driver.Running)
	assert.ErrorIs(s.T(), err, ErrVersionConflict)
	assert.Len(s.T(), s.client.updateCalls, 1, "conflicts are not retried")
}

func (s *DistributionSuite) TestToggle_VersionConflictByErrorCode() {
	s.client.add("E100", false)
	s.client.updateErr = &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "stale"}
	d := s.newDriver()

	err := d.Toggle(s.ctx, driver.Resource{ID: "E100"}, driver.Running)
	assert.ErrorIs(s.T(), err, ErrVersionConflict)
}

func (s *DistributionSuite) TestToggle_OtherUpdateError() {
	s.client.add("E100", false)
	s.client.updateErr = fmt.Errorf("InvalidArgument")
	d := s.newDriver()

	err := d.Toggle(s.ctx, driver.Resource{ID: "E100"}, driver.Running)
	assert.ErrorContains(s.T(), err, "InvalidArgument")
	assert.NotErrorIs(s.T(), err, ErrVersionConflict)
}

func (s *DistributionSuite) TestToggle_MissingConfig() {
	s.client.add("E100", false)
	s.client.noConfig = true
	d := s.newDriver()

	err := d.Toggle(s.ctx, driver.Resource{ID: "E100"}, driver.Running)
	assert.ErrorContains(s.T(), err, "no config")
	assert.Empty(s.T(), s.client.updateCalls)
}

func (s *DistributionSuite) TestToggle_MissingETag() {
	s.client.add("E100", false)
	s.client.noETag = true
	d := s.newDriver()

	err := d.Toggle(s.ctx, driver.Resource{ID: "E100"}, driver.Running)
	assert.ErrorContains(s.T(), err, "no ETag")
	assert.Empty(s.T(), s.client.updateCalls)
}

func (s *DistributionSuite) TestToggle_GetConfigError() {
	s.client.getErr = fmt.Errorf("throttled")
	d := s.newDriver()

	err := d.Toggle(s.ctx, driver.Resource{ID: "E100"}, driver.Running)
	assert.ErrorContains(s.T(), err, "throttled")
}

func TestKind(t *testing.T) {
	d := newDriver(newMockCloudFront(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Equal(t, driver.KindDistribution, d.Kind())
}
