package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/terrpan/nodesource/internal/connector"
	"github.com/terrpan/nodesource/internal/connector/connectortest"
	"github.com/terrpan/nodesource/internal/retry"
	"github.com/terrpan/nodesource/internal/retry/retrytest"
)

type CoordinatorSuite struct {
	suite.Suite
	gw    *connectortest.Gateway
	coord *Coordinator
	ctx   context.Context
}

func TestCoordinatorSuite(t *testing.T) {
	suite.Run(t, new(CoordinatorSuite))
}

func (s *CoordinatorSuite) SetupTest() {
	s.gw = connectortest.NewGateway()
	s.ctx = context.Background()
	timer := retrytest.NewTimer()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := connector.NewClient(connector.Config{
		Gateway:      s.gw,
		WaitPolicy:   retry.Policy{MaxAttempts: 3, Delay: time.Second, Timer: timer},
		ScriptPolicy: retry.Policy{MaxAttempts: 3, Delay: time.Second, Timer: timer},
		Logger:       logger,
	})
	s.coord = New(Config{Connector: client, BackendType: "aws-ec2", Logger: logger})
}

func (s *CoordinatorSuite) lastCreate() connector.InstanceRequest {
	calls := s.gw.Calls(connectortest.OpCreate)
	s.Require().NotEmpty(calls)
	var req connector.InstanceRequest
	s.Require().NoError(json.Unmarshal(calls[len(calls)-1].Body, &req))
	return req
}

func (s *CoordinatorSuite) TestCreateInfrastructure_ForcesBackendType() {
	err := s.coord.CreateInfrastructure(s.ctx, connector.Infrastructure{ID: "infra", Type: "ignored"})
	s.Require().NoError(err)

	infra, ok := s.gw.Infrastructure("infra")
	s.Require().True(ok)
	s.Equal("aws-ec2", infra.Type)
}

func (s *CoordinatorSuite) TestCreateInstances_ScenarioA() {
	first, err := s.coord.CreateInstances(s.ctx, "infra", "ns1", "ami-1", 2, 1, 512)
	s.Require().NoError(err)
	s.Len(first, 2)

	second, err := s.coord.CreateInstances(s.ctx, "infra", "ns1", "ami-1", 2, 1, 512)
	s.Require().NoError(err)

	s.Equal(first, second)
	s.Equal(1, s.gw.Count(connectortest.OpCreate))
	s.Equal(2, s.gw.Count(connectortest.OpList))
}

func (s *CoordinatorSuite) TestCreateInstances_PlainRequestShape() {
	_, err := s.coord.CreateInstances(s.ctx, "infra", "ns1", "ami-1", 2, 4, 2048)
	s.Require().NoError(err)

	s.JSONEq(`{
		"tag": "ns1",
		"image": "ami-1",
		"number": "2",
		"hardware": {"minCores": "4", "minRam": "2048"},
		"options": {}
	}`, string(s.gw.Calls(connectortest.OpCreate)[0].Body))
}

func (s *CoordinatorSuite) TestCreateInstancesWithOptions() {
	_, err := s.coord.CreateInstancesWithOptions(s.ctx, "infra", "ns1", "ami-1", 1, 1, 512, InstanceOptions{
		SpotPrice:          "0.05",
		SecurityGroupNames: []string{"default", "web"},
		SubnetID:           "subnet-1",
		MACAddresses:       []string{"00:11:22:33:44:55"},
	})
	s.Require().NoError(err)

	req := s.lastCreate()
	s.Equal(&connector.Options{
		SpotPrice:          "0.05",
		SecurityGroupNames: []string{"default", "web"},
		SubnetID:           "subnet-1",
		MACAddresses:       []string{"00:11:22:33:44:55"},
	}, req.Options)
}

func (s *CoordinatorSuite) TestCreateInstancesWithPublicKeyAndInitScript() {
	ids, err := s.coord.CreateInstancesWithPublicKeyAndInitScript(s.ctx, "infra", "infra_1", "img", 1, "3", "key", []string{"wget x", "nohup run  &"})
	s.Require().NoError(err)
	s.Len(ids, 1)

	s.JSONEq(`{
		"tag": "infra_1",
		"image": "img",
		"number": "1",
		"credentials": {"publicKeyName": "key"},
		"hardware": {"type": "3"},
		"initScript": {"scripts": ["wget x", "nohup run  &"]}
	}`, string(s.gw.Calls(connectortest.OpCreate)[0].Body))
}

func (s *CoordinatorSuite) TestCreateAzureInstances() {
	_, err := s.coord.CreateAzureInstances(s.ctx, "infra", "infra", AzureInstances{
		Image:              "Canonical:UbuntuServer:16.04-LTS",
		Count:              2,
		Username:           "admin",
		Password:           "pw",
		VMSizeType:         "Standard_D1_v2",
		ResourceGroup:      "rg",
		Region:             "westeurope",
		PrivateNetworkCIDR: "10.0.0.0/24",
		StaticPublicIP:     true,
	})
	s.Require().NoError(err)

	req := s.lastCreate()
	s.Equal("2", req.Number)
	s.Equal(&connector.Hardware{Type: "Standard_D1_v2"}, req.Hardware)
	s.Equal(&connector.InstanceCredentials{Username: "admin", Password: "pw"}, req.Credentials)
	s.Equal(&connector.Options{ResourceGroup: "rg", Region: "westeurope"}, req.Options)
	s.Equal(&connector.Network{PrivateNetworkCIDR: "10.0.0.0/24", StaticPublicIP: true}, req.Network)
}

func (s *CoordinatorSuite) TestCreateMaasInstances() {
	_, err := s.coord.CreateMaasInstances(s.ctx, "infra", "infra_1", MaasInstances{
		Image:      "ubuntu/focal",
		Count:      1,
		SystemID:   "abc123",
		InitScript: []string{"-c 'run'"},
	})
	s.Require().NoError(err)

	req := s.lastCreate()
	s.Nil(req.Hardware)
	s.Equal("abc123", req.Options.SystemID)
	s.Equal(&connector.Script{Scripts: []string{"-c 'run'"}}, req.InitScript)
}

func (s *CoordinatorSuite) TestCreate_RejectionPropagates() {
	rejected := &connector.StatusError{StatusCode: 500}
	s.gw.Fail(connectortest.OpCreate, 1, rejected)

	_, err := s.coord.CreateInstances(s.ctx, "infra", "ns1", "ami-1", 1, 1, 512)

	s.Require().Error(err)
	s.ErrorAs(err, new(*connector.StatusError))
	s.Equal(1, s.gw.Count(connectortest.OpCreate))
}

func (s *CoordinatorSuite) TestCreate_ConcurrentSameTagCreatesOnce() {
	const n = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results [][]string
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids, err := s.coord.CreateInstances(s.ctx, "infra", "ns1", "ami-1", 2, 1, 512)
			s.NoError(err)
			mu.Lock()
			results = append(results, ids)
			mu.Unlock()
		}()
	}
	wg.Wait()

	s.Equal(1, s.gw.Count(connectortest.OpCreate))
	s.Require().Len(results, n)
	for _, ids := range results {
		s.Equal(results[0], ids)
	}
}

func (s *CoordinatorSuite) TestExecuteScriptWithCredentials() {
	s.gw.Seed("infra", connector.Instance{ID: "i-1", Tag: "infra"})

	out, err := s.coord.ExecuteScriptWithCredentials(s.ctx, "infra", "i-1", []string{"-c 'x'"},
		&connector.Credentials{Username: "admin", Password: "pw"})

	s.Require().NoError(err)
	s.Equal("ok", out)
	s.JSONEq(`{"scripts":["-c 'x'"],"credentials":{"username":"admin","password":"pw"}}`,
		string(s.gw.Calls(connectortest.OpScript)[0].Body))
}

func (s *CoordinatorSuite) TestExecuteScript_ErrorAfterRetries() {
	s.gw.Seed("infra", connector.Instance{ID: "i-1", Tag: "infra"})
	boom := errors.New("boom")
	s.gw.Fail(connectortest.OpScript, -1, boom)

	_, err := s.coord.ExecuteScript(s.ctx, "infra", "i-1", []string{"x"})

	s.ErrorIs(err, boom)
	s.Equal(3, s.gw.Count(connectortest.OpScript))
}

func (s *CoordinatorSuite) TestTerminate() {
	s.gw.Seed("infra",
		connector.Instance{ID: "i-1", Tag: "a"},
		connector.Instance{ID: "i-2", Tag: "b"},
	)

	s.Require().NoError(s.coord.TerminateInstance(s.ctx, "infra", "i-1"))
	s.Require().NoError(s.coord.TerminateInstanceByTag(s.ctx, "infra", "b"))
	s.Empty(s.gw.Instances("infra"))

	err := s.coord.TerminateInstance(s.ctx, "infra", "i-1")
	s.True(connector.IsNotFound(err))
}

func (s *CoordinatorSuite) TestTerminateInfrastructure() {
	s.Require().NoError(s.coord.CreateInfrastructure(s.ctx, connector.Infrastructure{ID: "infra"}))

	s.Require().NoError(s.coord.TerminateInfrastructure(s.ctx, "infra"))

	_, ok := s.gw.Infrastructure("infra")
	s.False(ok)
}

func (s *CoordinatorSuite) TestRedactedHidesPassword() {
	req := connector.InstanceRequest{Credentials: &connector.InstanceCredentials{Username: "u", Password: "secret"}}

	out := redacted(req)

	s.Equal("***", out.Credentials.Password)
	s.Equal("secret", req.Credentials.Password)
}

func (s *CoordinatorSuite) TestCreate_CountsOnlyNewInstances() {
	reader := sdkmetric.NewManualReader()
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	s.T().Cleanup(func() { otel.SetMeterProvider(prev) })

	client := connector.NewClient(connector.Config{Gateway: s.gw})
	coord := New(Config{Connector: client, BackendType: "aws-ec2"})

	for range 3 {
		_, err := coord.CreateInstances(s.ctx, "infra", "ns1", "ami-1", 2, 1, 512)
		s.Require().NoError(err)
	}

	var rm metricdata.ResourceMetrics
	s.Require().NoError(reader.Collect(s.ctx, &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "nodesource.instances.created" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			s.Require().True(ok)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	s.Equal(int64(2), total)
}

// ---------------------------------------------------------------------------
// Shared creation and caller cancellation
// ---------------------------------------------------------------------------

// slowConnector blocks ListInstances until release is closed.
type slowConnector struct {
	Connector
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (c *slowConnector) ListInstances(ctx context.Context, _ string) ([]connector.Instance, error) {
	c.once.Do(func() { close(c.entered) })
	select {
	case <-c.release:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *slowConnector) CreateInstancesIfAbsent(context.Context, string, string, connector.InstanceRequest, []connector.Instance) ([]string, error) {
	return []string{"i-1"}, nil
}

func (s *CoordinatorSuite) TestCreate_CancelledCallerDoesNotFailOthers() {
	conn := &slowConnector{entered: make(chan struct{}), release: make(chan struct{})}
	coord := New(Config{Connector: conn, BackendType: "aws-ec2"})

	ctxA, cancelA := context.WithCancel(s.ctx)
	errA := make(chan error, 1)
	go func() {
		_, err := coord.CreateInstances(ctxA, "infra", "ns1", "ami-1", 1, 1, 512)
		errA <- err
	}()
	<-conn.entered

	type result struct {
		ids []string
		err error
	}
	resB := make(chan result, 1)
	go func() {
		ids, err := coord.CreateInstances(context.Background(), "infra", "ns1", "ami-1", 1, 1, 512)
		resB <- result{ids, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelA()
	s.ErrorIs(<-errA, context.Canceled)

	close(conn.release)
	b := <-resB
	s.Require().NoError(b.err)
	s.Equal([]string{"i-1"}, b.ids)
}
