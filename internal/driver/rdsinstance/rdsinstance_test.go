package rdsinstance

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/whitewater-guide/aws/internal/driver"
	"github.com/whitewater-guide/aws/internal/poll"
)

// ---------------------------------------------------------------------------
// Mock RDS client (satisfies rdsAPI)
// ---------------------------------------------------------------------------

type mockInstance struct {
	status string
	// after a toggle, the instance reports transitional for this many polls.
	pending    int
	nextStatus string
}

type mockRDS struct {
	mu sync.Mutex

	order     []string
	instances map[string]*mockInstance
	pageSize  int

	describeCalls int
	startCalls    []string
	stopCalls     []string

	describeErr error
	toggleErr   error
	lag         int
}

func newMockRDS() *mockRDS {
	return &mockRDS{instances: make(map[string]*mockInstance)}
}

func (m *mockRDS) add(id, status string) {
	m.order = append(m.order, id)
	m.instances[id] = &mockInstance{status: status}
}

func (m *mockRDS) DescribeDBInstances(_ context.Context, in *rds.DescribeDBInstancesInput, _ ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.describeCalls++
	if m.describeErr != nil {
		return nil, m.describeErr
	}

	if id := aws.ToString(in.DBInstanceIdentifier); id != "" {
		inst, ok := m.instances[id]
		if !ok {
			return &rds.DescribeDBInstancesOutput{}, nil
		}
		if inst.nextStatus != "" {
			if inst.pending > 0 {
				inst.pending--
			} else {
				inst.status, inst.nextStatus = inst.nextStatus, ""
			}
		}
		return &rds.DescribeDBInstancesOutput{DBInstances: []rdstypes.DBInstance{m.toDB(id)}}, nil
	}

	start := 0
	if mk := aws.ToString(in.Marker); mk != "" {
		fmt.Sscanf(mk, "%d", &start)
	}
	end := len(m.order)
	if m.pageSize > 0 {
		end = min(start+m.pageSize, len(m.order))
	}
	out := &rds.DescribeDBInstancesOutput{}
	for _, id := range m.order[start:end] {
		out.DBInstances = append(out.DBInstances, m.toDB(id))
	}
	if end < len(m.order) {
		out.Marker = aws.String(fmt.Sprintf("%d", end))
	}
	return out, nil
}

func (m *mockRDS) toDB(id string) rdstypes.DBInstance {
	return rdstypes.DBInstance{
		DBInstanceIdentifier: aws.String(id),
		DBInstanceStatus:     aws.String(m.instances[id].status),
		TagList:              []rdstypes.Tag{{Key: aws.String("env"), Value: aws.String("dev")}},
	}
}

func (m *mockRDS) transition(id, via, to string) {
	inst := m.instances[id]
	inst.status = via
	inst.nextStatus = to
	inst.pending = m.lag
}

func (m *mockRDS) StartDBInstance(_ context.Context, in *rds.StartDBInstanceInput, _ ...func(*rds.Options)) (*rds.StartDBInstanceOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := aws.ToString(in.DBInstanceIdentifier)
	m.startCalls = append(m.startCalls, id)
	if m.toggleErr != nil {
		return nil, m.toggleErr
	}
	m.transition(id, "starting", StatusAvailable)
	return &rds.StartDBInstanceOutput{}, nil
}

func (m *mockRDS) StopDBInstance(_ context.Context, in *rds.StopDBInstanceInput, _ ...func(*rds.Options)) (*rds.StopDBInstanceOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := aws.ToString(in.DBInstanceIdentifier)
	m.stopCalls = append(m.stopCalls, id)
	if m.toggleErr != nil {
		return nil, m.toggleErr
	}
	m.transition(id, "stopping", StatusStopped)
	return &rds.StopDBInstanceOutput{}, nil
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type RDSInstanceSuite struct {
	suite.Suite
	ctx    context.Context
	client *mockRDS
	logger *slog.Logger
	cfg    Config
}

func (s *RDSInstanceSuite) SetupTest() {
	s.ctx = context.Background()
	s.client = newMockRDS()
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.cfg = Config{PollInterval: 5 * time.Millisecond, Timeout: time.Second}
}

func (s *RDSInstanceSuite) newDriver() *Driver {
	return newDriver(s.client, s.cfg, s.logger)
}

func TestRDSInstanceSuite(t *testing.T) {
	suite.Run(t, new(RDSInstanceSuite))
}

// ---------------------------------------------------------------------------
// ListManaged tests
// ---------------------------------------------------------------------------

func (s *RDSInstanceSuite) TestListManaged_StartSelectsStopped() {
	s.client.add("postgres", StatusStopped)
	s.client.add("analytics", StatusAvailable)
	s.client.add("replica", "backing-up")
	d := s.newDriver()

	res, err := d.ListManaged(s.ctx, driver.Running)
	require.NoError(s.T(), err)
	require.Len(s.T(), res, 1)
	assert.Equal(s.T(), "postgres", res[0].ID)
	assert.Equal(s.T(), driver.KindRDSInstance, res[0].Kind)
	assert.Equal(s.T(), driver.Stopped, res[0].CurrentState)
	assert.Equal(s.T(), driver.Running, res[0].DesiredState)
	assert.Equal(s.T(), "dev", res[0].Tags["env"])
}

func (s *RDSInstanceSuite) TestListManaged_StopSelectsAvailable() {
	s.client.add("postgres", StatusStopped)
	s.client.add("analytics", StatusAvailable)
	d := s.newDriver()

	res, err := d.ListManaged(s.ctx, driver.Stopped)
	require.NoError(s.T(), err)
	require.Len(s.T(), res, 1)
	assert.Equal(s.T(), "analytics", res[0].ID)
}

func (s *RDSInstanceSuite) TestListManaged_FollowsMarker() {
	for i := range 5 {
		s.client.add(fmt.Sprintf("db-%d", i), StatusAvailable)
	}
	s.client.pageSize = 2
	d := s.newDriver()

	res, err := d.ListManaged(s.ctx, driver.Stopped)
	require.NoError(s.T(), err)
	assert.Len(s.T(), res, 5)
	assert.Equal(s.T(), 3, s.client.describeCalls)
}

func (s *RDSInstanceSuite) TestListManaged_Error() {
	s.client.describeErr = fmt.Errorf("AccessDenied")
	d := s.newDriver()

	_, err := d.ListManaged(s.ctx, driver.Stopped)
	assert.ErrorContains(s.T(), err, "describe db instances")
	assert.ErrorContains(s.T(), err, "AccessDenied")
}

// ---------------------------------------------------------------------------
// Toggle / AwaitConvergence tests
// ---------------------------------------------------------------------------

func (s *RDSInstanceSuite) TestStart_ConvergesAfterTransitionalStatus() {
	s.client.add("postgres", StatusStopped)
	s.client.lag = 2
	d := s.newDriver()

	res, err := d.ListManaged(s.ctx, driver.Running)
	require.NoError(s.T(), err)
	require.Len(s.T(), res, 1)

	require.NoError(s.T(), d.Toggle(s.ctx, res[0], driver.Running))
	assert.Equal(s.T(), []string{"postgres"}, s.client.startCalls)
	assert.Empty(s.T(), s.client.stopCalls)

	require.NoError(s.T(), d.AwaitConvergence(s.ctx, res[0], driver.Running))
	assert.Equal(s.T(), StatusAvailable, s.client.instances["postgres"].status)

	again, err := d.ListManaged(s.ctx, driver.Running)
	require.NoError(s.T(), err)
	assert.Empty(s.T(), again, "a converged instance is not rediscovered")
}

func (s *RDSInstanceSuite) TestStop_IssuesStop() {
	s.client.add("postgres", StatusAvailable)
	d := s.newDriver()

	r := driver.Resource{ID: "postgres", Name: "postgres"}
	require.NoError(s.T(), d.Toggle(s.ctx, r, driver.Stopped))
	assert.Equal(s.T(), []string{"postgres"}, s.client.stopCalls)
	require.NoError(s.T(), d.AwaitConvergence(s.ctx, r, driver.Stopped))
}

func (s *RDSInstanceSuite) TestToggle_Error() {
	s.client.add("postgres", StatusAvailable)
	s.client.toggleErr = fmt.Errorf("InvalidDBInstanceState")
	d := s.newDriver()

	err := d.Toggle(s.ctx, driver.Resource{ID: "postgres"}, driver.Stopped)
	assert.ErrorContains(s.T(), err, "stop db instance postgres")
	assert.ErrorContains(s.T(), err, "InvalidDBInstanceState")
}

func (s *RDSInstanceSuite) TestAwaitConvergence_Timeout() {
	s.client.add("postgres", "starting")
	s.cfg.Timeout = 30 * time.Millisecond
	d := s.newDriver()

	err := d.AwaitConvergence(s.ctx, driver.Resource{ID: "postgres"}, driver.Running)
	assert.ErrorIs(s.T(), err, poll.ErrTimeout)
}

func (s *RDSInstanceSuite) TestAwaitConvergence_Vanished() {
	d := s.newDriver()

	err := d.AwaitConvergence(s.ctx, driver.Resource{ID: "gone"}, driver.Running)
	assert.ErrorContains(s.T(), err, "no longer exists")
}

func (s *RDSInstanceSuite) TestAwaitConvergence_DescribeError() {
	s.client.add("postgres", "starting")
	s.client.describeErr = fmt.Errorf("throttled")
	d := s.newDriver()

	err := d.AwaitConvergence(s.ctx, driver.Resource{ID: "postgres"}, driver.Running)
	assert.ErrorContains(s.T(), err, "throttled")
	assert.NotErrorIs(s.T(), err, poll.ErrTimeout)
}

func TestDefaults(t *testing.T) {
	d := newDriver(newMockRDS(), Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Equal(t, driver.KindRDSInstance, d.Kind())
	assert.Equal(t, 30*time.Second, d.cfg.PollInterval)
	assert.Equal(t, time.Hour, d.cfg.Timeout)
}
