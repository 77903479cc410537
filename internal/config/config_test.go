package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/nodesource/internal/connector/connectortest"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// validEC2Config returns a minimal Config that passes Validate() with the
// aws-ec2 backend.
func validEC2Config() *Config {
	return &Config{
		NodeSource: NodeSourceConfig{Name: "My Nodes"},
		Bootstrap:  BootstrapConfig{RMURL: "pnp://rm.example.com:64738"},
		Backend: BackendConfig{
			Type: "aws-ec2",
			EC2: EC2Config{
				AccessKey: "AKIA",
				SecretKey: "secret",
				Image:     "eu-west-1/ami-123",
			},
		},
	}
}

// validMAASConfig returns a minimal Config that passes Validate() with the
// maas backend.
func validMAASConfig() *Config {
	return &Config{
		NodeSource: NodeSourceConfig{Name: "rack"},
		Bootstrap:  BootstrapConfig{RMURL: "pnp://rm.example.com:64738"},
		Backend: BackendConfig{
			Type: "maas",
			MAAS: MAASConfig{
				Token:    "key:token:secret",
				Endpoint: "https://maas.example.com/MAAS",
			},
		},
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type ConfigValidationSuite struct {
	suite.Suite
}

func TestConfigValidationSuite(t *testing.T) {
	suite.Run(t, new(ConfigValidationSuite))
}

// ---------------------------------------------------------------------------
// Valid configs
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_ValidEC2Config() {
	cfg := validEC2Config()
	err := cfg.Validate()
	require.NoError(s.T(), err)
}

func (s *ConfigValidationSuite) TestValidate_ValidMAASConfig() {
	cfg := validMAASConfig()
	err := cfg.Validate()
	require.NoError(s.T(), err)
}

func (s *ConfigValidationSuite) TestValidate_EveryBackendType() {
	cases := map[string]BackendConfig{
		"azure": {Type: "azure", Azure: AzureConfig{
			ClientID: "id", Secret: "s", Domain: "d", Image: "img",
			VMUsername: "u", VMPassword: "p",
		}},
		"openstack-nova": {Type: "openstack-nova", OpenStack: OpenStackConfig{
			Username: "u", Password: "p", Endpoint: "http://keystone:5000/v3", Image: "img",
		}},
		"vmware": {Type: "vmware", VMware: VMwareConfig{
			Username: "u", Password: "p", Endpoint: "https://vcenter/sdk", Image: "tpl",
			VMUsername: "root", VMPassword: "pw",
		}},
	}
	for name, b := range cases {
		s.Run(name, func() {
			cfg := validEC2Config()
			cfg.Backend = b
			require.NoError(s.T(), cfg.Validate())
		})
	}
}

// ---------------------------------------------------------------------------
// Node source & connector
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_MissingName() {
	cfg := validEC2Config()
	cfg.NodeSource.Name = "   "
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "nodesource.name is required")
}

func (s *ConfigValidationSuite) TestValidate_InvalidConnectorURL() {
	cfg := validEC2Config()
	cfg.Connector.URL = "not a url"
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "connector.url")
}

func (s *ConfigValidationSuite) TestValidate_NegativeAttempts() {
	cfg := validEC2Config()
	cfg.Connector.Script.MaxAttempts = -1
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "max_attempts")
}

// ---------------------------------------------------------------------------
// Bootstrap
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_MissingRMURL() {
	cfg := validEC2Config()
	cfg.Bootstrap.RMURL = ""
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "bootstrap.rm_url is required")
}

func (s *ConfigValidationSuite) TestValidate_UnsupportedOperatingSystem() {
	cfg := validEC2Config()
	cfg.Bootstrap.OperatingSystem = "plan9"
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "plan9")
}

// ---------------------------------------------------------------------------
// Backend
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_MissingBackendType() {
	cfg := validEC2Config()
	cfg.Backend.Type = ""
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "backend.type is required")
}

func (s *ConfigValidationSuite) TestValidate_UnknownBackendType() {
	cfg := validEC2Config()
	cfg.Backend.Type = "gce"
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "not supported")
}

func (s *ConfigValidationSuite) TestValidate_EC2_MissingImage() {
	cfg := validEC2Config()
	cfg.Backend.EC2.Image = ""
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "backend.ec2.image is required")
}

func (s *ConfigValidationSuite) TestValidate_MAAS_MissingToken() {
	cfg := validMAASConfig()
	cfg.Backend.MAAS.Token = ""
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "backend.maas.token is required")
}

func (s *ConfigValidationSuite) TestValidate_Azure_MissingVMPassword() {
	cfg := validEC2Config()
	cfg.Backend = BackendConfig{Type: "azure", Azure: AzureConfig{
		ClientID: "id", Secret: "s", Domain: "d", Image: "img", VMUsername: "u",
	}}
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "backend.azure.vm_password is required")
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestApplyDefaults_SetsExpectedValues() {
	cfg := &Config{}
	cfg.ApplyDefaults()

	require.NotNil(s.T(), cfg.NodeSource.DestroyOnShutdown)
	assert.True(s.T(), *cfg.NodeSource.DestroyOnShutdown)
	assert.Equal(s.T(), 8, cfg.NodeSource.BootstrapConcurrency)
	assert.Equal(s.T(), "http://localhost:8088/connector-iaas", cfg.Connector.URL)
	assert.Equal(s.T(), 60*time.Second, cfg.Connector.Timeout)
	assert.Equal(s.T(), 20, cfg.Connector.Wait.MaxAttempts)
	assert.Equal(s.T(), 10*time.Second, cfg.Connector.Wait.Delay)
	assert.Equal(s.T(), 20, cfg.Connector.Script.MaxAttempts)
	assert.Equal(s.T(), 10*time.Second, cfg.Connector.Script.Delay)
	assert.NotEmpty(s.T(), cfg.Bootstrap.RMHost)
	assert.Equal(s.T(), 1, cfg.Bootstrap.NodesPerInstance)
	assert.Equal(s.T(), "linux", cfg.Bootstrap.OperatingSystem)
	assert.Equal(s.T(), ":8080", cfg.Server.Listen)
	assert.Equal(s.T(), "info", cfg.Logging.Level)
	assert.Equal(s.T(), "text", cfg.Logging.Format)
	assert.True(s.T(), *cfg.OTel.Insecure)
	assert.True(s.T(), *cfg.OTel.Prometheus)
}

func (s *ConfigValidationSuite) TestApplyDefaults_KeepsExplicitFalse() {
	f := false
	cfg := &Config{NodeSource: NodeSourceConfig{DestroyOnShutdown: &f}}
	cfg.ApplyDefaults()
	assert.False(s.T(), *cfg.NodeSource.DestroyOnShutdown)
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestLoad_MissingFileIsEmpty() {
	cfg, err := Load(filepath.Join(s.T().TempDir(), "absent.yaml"))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), &Config{}, cfg)
}

func (s *ConfigValidationSuite) TestLoad_ParsesYAML() {
	path := writeConfig(s.T(), `
nodesource:
  name: Cloud Nodes
  destroy_on_shutdown: false
connector:
  url: http://connector:8088/connector-iaas
  script:
    max_attempts: 3
    delay: 2s
bootstrap:
  rm_url: pnp://rm:64738
  nodes_per_instance: 4
backend:
  type: openstack-nova
  openstack:
    username: admin
    password: pw
    endpoint: http://keystone:5000/v3
    image: img-1
    instances: 2
logging:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(s.T(), err)
	require.NoError(s.T(), cfg.Validate())

	assert.Equal(s.T(), "Cloud Nodes", cfg.NodeSource.Name)
	assert.False(s.T(), *cfg.NodeSource.DestroyOnShutdown)
	assert.Equal(s.T(), 3, cfg.Connector.Script.MaxAttempts)
	assert.Equal(s.T(), 2*time.Second, cfg.Connector.Script.Delay)
	assert.Equal(s.T(), 20, cfg.Connector.Wait.MaxAttempts)
	assert.Equal(s.T(), 4, cfg.Bootstrap.NodesPerInstance)
	assert.Equal(s.T(), 2, cfg.Backend.OpenStack.Instances)
	assert.Equal(s.T(), "json", cfg.Logging.Format)
}

func (s *ConfigValidationSuite) TestLoad_InvalidYAML() {
	path := writeConfig(s.T(), "nodesource: [unterminated")
	_, err := Load(path)
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "parsing config")
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestNewLogger_Level() {
	cfg := validEC2Config()
	cfg.Logging.Level = "warn"
	logger := cfg.NewLogger()
	assert.False(s.T(), logger.Enabled(context.Background(), slog.LevelInfo))
	assert.True(s.T(), logger.Enabled(context.Background(), slog.LevelWarn))
}

func (s *ConfigValidationSuite) TestNewBackend_SelectsType() {
	cfg := validMAASConfig()
	require.NoError(s.T(), cfg.Validate())

	b, err := cfg.NewBackend()
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "maas", b.Type())
}

func (s *ConfigValidationSuite) TestNewBackend_UnknownType() {
	cfg := validEC2Config()
	cfg.Backend.Type = "gce"
	_, err := cfg.NewBackend()
	require.Error(s.T(), err)
}

func (s *ConfigValidationSuite) TestNewNodeSource_Wires() {
	cfg := validEC2Config()
	require.NoError(s.T(), cfg.Validate())

	ns, err := cfg.NewNodeSource(connectortest.NewGateway(), slog.Default())
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "my_nodes", ns.InfrastructureID())
	assert.Equal(s.T(), "aws-ec2", ns.BackendType())
}

func (s *ConfigValidationSuite) TestNewGateway_UsesConnectorURL() {
	cfg := validEC2Config()
	require.NoError(s.T(), cfg.Validate())

	gw, err := cfg.NewGateway(slog.Default())
	require.NoError(s.T(), err)
	assert.NotNil(s.T(), gw)
}

func (s *ConfigValidationSuite) TestNewOTelConfig() {
	cfg := validEC2Config()
	cfg.OTel.Enabled = true
	cfg.ApplyDefaults()

	oc := cfg.NewOTelConfig()
	assert.True(s.T(), oc.Enabled)
	assert.True(s.T(), oc.Insecure)
	assert.True(s.T(), oc.Prometheus)
}
