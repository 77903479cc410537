// Package config handles loading, validating, and applying
// configuration for the node source.  Configuration is read from a
// YAML file and can be overridden by CLI flags.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/terrpan/nodesource/internal/backend"
	"github.com/terrpan/nodesource/internal/backend/azure"
	"github.com/terrpan/nodesource/internal/backend/ec2"
	"github.com/terrpan/nodesource/internal/backend/maas"
	"github.com/terrpan/nodesource/internal/backend/openstack"
	"github.com/terrpan/nodesource/internal/backend/vmware"
	"github.com/terrpan/nodesource/internal/bootstrap"
	"github.com/terrpan/nodesource/internal/connector"
	"github.com/terrpan/nodesource/internal/coordinator"
	"github.com/terrpan/nodesource/internal/nodesource"
	"github.com/terrpan/nodesource/internal/otel"
	"github.com/terrpan/nodesource/internal/retry"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	NodeSource NodeSourceConfig `yaml:"nodesource"`
	Connector  ConnectorConfig  `yaml:"connector"`
	Bootstrap  BootstrapConfig  `yaml:"bootstrap"`
	Backend    BackendConfig    `yaml:"backend"`
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	OTel       OTelConfig       `yaml:"otel"`
}

// ---------------------------------------------------------------------------
// Node source
// ---------------------------------------------------------------------------

// NodeSourceConfig describes the logical infrastructure.
type NodeSourceConfig struct {
	// Name is the node source name.  The infrastructure id is derived
	// from it (trimmed, spaces to underscores, lower-cased).
	Name string `yaml:"name"`

	// DestroyOnShutdown asks the connector to remove the infrastructure
	// and its instances on shutdown.  Default: true.  A *bool so we can
	// tell "not set" from "explicitly false".
	DestroyOnShutdown *bool `yaml:"destroy_on_shutdown"`

	// BootstrapConcurrency bounds concurrent bootstrap scripts.
	// Default: 8.
	BootstrapConcurrency int `yaml:"bootstrap_concurrency"`

	// KillWorkers sends DELETE to a removed node's URL.  Default: false.
	KillWorkers bool `yaml:"kill_workers"`
}

// ---------------------------------------------------------------------------
// Connector
// ---------------------------------------------------------------------------

// ConnectorConfig locates the connector service.
type ConnectorConfig struct {
	// URL is the connector root.
	// Default: "http://localhost:8088/connector-iaas".
	URL string `yaml:"url"`

	// Timeout bounds a single HTTP request.  Default: 60s.
	Timeout time.Duration `yaml:"timeout"`

	// Wait bounds the liveness probe.  Default: 20 attempts, 10s apart.
	Wait RetryConfig `yaml:"wait"`

	// Script bounds bootstrap script runs.  Default: 20 attempts, 10s apart.
	Script RetryConfig `yaml:"script"`
}

// RetryConfig is a fixed-delay retry policy.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Delay       time.Duration `yaml:"delay"`
}

// Policy converts r into a retry.Policy.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{MaxAttempts: r.MaxAttempts, Delay: r.Delay}
}

// ---------------------------------------------------------------------------
// Bootstrap
// ---------------------------------------------------------------------------

// BootstrapConfig controls the worker start script.
type BootstrapConfig struct {
	// RMURL is the resource manager URL workers register with (required).
	RMURL string `yaml:"rm_url"`

	// RMHost serves node.jar and routes PAMR.  Default: this host's name.
	RMHost string `yaml:"rm_host"`

	// NodesPerInstance is the number of workers per instance.  Default: 1.
	NodesPerInstance int `yaml:"nodes_per_instance"`

	// OperatingSystem of the instances: linux, windows.  Default: linux.
	OperatingSystem string `yaml:"operating_system"`

	// DownloadCommand overrides the node.jar download (optional).
	DownloadCommand string `yaml:"download_command"`

	// AdditionalProperties are extra JVM properties (optional).
	AdditionalProperties string `yaml:"additional_properties"`
}

// ---------------------------------------------------------------------------
// Backend
// ---------------------------------------------------------------------------

// BackendConfig selects and configures the provider.
type BackendConfig struct {
	// Type selects the provider: "aws-ec2", "azure", "openstack-nova",
	// "vmware", "maas".
	Type string `yaml:"type"`

	EC2       EC2Config       `yaml:"ec2"`
	Azure     AzureConfig     `yaml:"azure"`
	OpenStack OpenStackConfig `yaml:"openstack"`
	VMware    VMwareConfig    `yaml:"vmware"`
	MAAS      MAASConfig      `yaml:"maas"`
}

// EC2Config holds Amazon EC2 settings.  Only read when Type == "aws-ec2".
type EC2Config struct {
	AccessKey      string   `yaml:"access_key"`
	SecretKey      string   `yaml:"secret_key"`
	Image          string   `yaml:"image"`
	Instances      int      `yaml:"instances"`
	CPU            int      `yaml:"cpu"`
	RAM            int      `yaml:"ram"`
	SpotPrice      string   `yaml:"spot_price"`
	SecurityGroups []string `yaml:"security_groups"`
	SubnetID       string   `yaml:"subnet_id"`
}

// AzureConfig holds Azure settings.  Only read when Type == "azure".
type AzureConfig struct {
	ClientID                string `yaml:"client_id"`
	Secret                  string `yaml:"secret"`
	Domain                  string `yaml:"domain"`
	SubscriptionID          string `yaml:"subscription_id"`
	AuthenticationEndpoint  string `yaml:"authentication_endpoint"`
	ManagementEndpoint      string `yaml:"management_endpoint"`
	ResourceManagerEndpoint string `yaml:"resource_manager_endpoint"`
	GraphEndpoint           string `yaml:"graph_endpoint"`
	Image                   string `yaml:"image"`
	VMSizeType              string `yaml:"vm_size_type"`
	VMUsername              string `yaml:"vm_username"`
	VMPassword              string `yaml:"vm_password"`
	VMPublicKey             string `yaml:"vm_public_key"`
	ResourceGroup           string `yaml:"resource_group"`
	Region                  string `yaml:"region"`
	Instances               int    `yaml:"instances"`
	PrivateNetworkCIDR      string `yaml:"private_network_cidr"`
	StaticPublicIP          *bool  `yaml:"static_public_ip"`
}

// OpenStackConfig holds OpenStack settings.  Only read when
// Type == "openstack-nova".
type OpenStackConfig struct {
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	Domain        string `yaml:"domain"`
	Endpoint      string `yaml:"endpoint"`
	Image         string `yaml:"image"`
	Flavor        string `yaml:"flavor"`
	PublicKeyName string `yaml:"public_key_name"`
	Instances     int    `yaml:"instances"`
}

// VMwareConfig holds vSphere settings.  Only read when Type == "vmware".
type VMwareConfig struct {
	Username     string   `yaml:"username"`
	Password     string   `yaml:"password"`
	Endpoint     string   `yaml:"endpoint"`
	Image        string   `yaml:"image"`
	Instances    int      `yaml:"instances"`
	CPU          int      `yaml:"cpu"`
	RAM          int      `yaml:"ram"`
	MACAddresses []string `yaml:"mac_addresses"`
	VMUsername   string   `yaml:"vm_username"`
	VMPassword   string   `yaml:"vm_password"`
}

// MAASConfig holds MAAS settings.  Only read when Type == "maas".
type MAASConfig struct {
	Token                         string   `yaml:"token"`
	Endpoint                      string   `yaml:"endpoint"`
	AllowSelfSignedSSLCertificate bool     `yaml:"allow_self_signed_ssl_certificate"`
	Image                         string   `yaml:"image"`
	Instances                     int      `yaml:"instances"`
	SystemID                      string   `yaml:"system_id"`
	MinCores                      int      `yaml:"min_cores"`
	MinRAM                        int      `yaml:"min_ram"`
	MACAddresses                  []string `yaml:"mac_addresses"`
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	// Listen is the address of the HTTP API.  Default: ":8080".
	Listen string `yaml:"listen"`

	// ShutdownTimeout bounds graceful shutdown.  Default: 30s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP push is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.  Default: true.
	Insecure *bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout"`

	// Prometheus serves metrics on the API's /metrics.  Default: true.
	Prometheus *bool `yaml:"prometheus"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// If the file does not exist the returned Config will contain zero values
// which must be filled via flag overrides before calling Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional -- flags can supply everything.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.NodeSource.DestroyOnShutdown == nil {
		t := true
		c.NodeSource.DestroyOnShutdown = &t
	}
	if c.NodeSource.BootstrapConcurrency == 0 {
		c.NodeSource.BootstrapConcurrency = 8
	}
	if c.Connector.URL == "" {
		c.Connector.URL = "http://localhost:8088/connector-iaas"
	}
	if c.Connector.Timeout == 0 {
		c.Connector.Timeout = 60 * time.Second
	}
	if c.Connector.Wait.MaxAttempts == 0 {
		c.Connector.Wait.MaxAttempts = connector.DefaultWaitPolicy.MaxAttempts
	}
	if c.Connector.Wait.Delay == 0 {
		c.Connector.Wait.Delay = connector.DefaultWaitPolicy.Delay
	}
	if c.Connector.Script.MaxAttempts == 0 {
		c.Connector.Script.MaxAttempts = connector.DefaultScriptPolicy.MaxAttempts
	}
	if c.Connector.Script.Delay == 0 {
		c.Connector.Script.Delay = connector.DefaultScriptPolicy.Delay
	}
	if c.Bootstrap.RMHost == "" {
		c.Bootstrap.RMHost = defaultRMHost()
	}
	if c.Bootstrap.NodesPerInstance == 0 {
		c.Bootstrap.NodesPerInstance = 1
	}
	if c.Bootstrap.OperatingSystem == "" {
		c.Bootstrap.OperatingSystem = bootstrap.OSLinux
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.OTel.Insecure == nil {
		t := true
		c.OTel.Insecure = &t
	}
	if c.OTel.Prometheus == nil {
		t := true
		c.OTel.Prometheus = &t
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if nodesource.InfrastructureID(c.NodeSource.Name) == "" {
		return fmt.Errorf("nodesource.name is required")
	}
	if c.NodeSource.BootstrapConcurrency < 0 {
		return fmt.Errorf("nodesource.bootstrap_concurrency must be positive")
	}

	if _, err := url.ParseRequestURI(c.Connector.URL); err != nil {
		return fmt.Errorf("connector.url: invalid URL %q: %w", c.Connector.URL, err)
	}
	if c.Connector.Wait.MaxAttempts < 1 || c.Connector.Script.MaxAttempts < 1 {
		return fmt.Errorf("connector.wait.max_attempts and connector.script.max_attempts must be at least 1")
	}
	if c.Connector.Wait.Delay < 0 || c.Connector.Script.Delay < 0 {
		return fmt.Errorf("connector retry delays must not be negative")
	}

	if c.Bootstrap.RMURL == "" {
		return fmt.Errorf("bootstrap.rm_url is required")
	}
	if c.Bootstrap.NodesPerInstance < 1 {
		return fmt.Errorf("bootstrap.nodes_per_instance must be at least 1")
	}
	switch c.Bootstrap.OperatingSystem {
	case bootstrap.OSLinux, bootstrap.OSWindows:
	default:
		return fmt.Errorf("bootstrap.operating_system %q is not supported (supported: linux, windows)", c.Bootstrap.OperatingSystem)
	}

	return c.validateBackend()
}

func (c *Config) validateBackend() error {
	required := func(field, value string) error {
		if value == "" {
			return fmt.Errorf("backend.%s is required when backend.type is %q", field, c.Backend.Type)
		}
		return nil
	}

	var checks []error
	switch c.Backend.Type {
	case ec2.Type:
		b := c.Backend.EC2
		checks = []error{
			required("ec2.access_key", b.AccessKey),
			required("ec2.secret_key", b.SecretKey),
			required("ec2.image", b.Image),
		}
	case azure.Type:
		b := c.Backend.Azure
		checks = []error{
			required("azure.client_id", b.ClientID),
			required("azure.secret", b.Secret),
			required("azure.domain", b.Domain),
			required("azure.image", b.Image),
			required("azure.vm_username", b.VMUsername),
			required("azure.vm_password", b.VMPassword),
		}
	case openstack.Type:
		b := c.Backend.OpenStack
		checks = []error{
			required("openstack.username", b.Username),
			required("openstack.password", b.Password),
			required("openstack.endpoint", b.Endpoint),
			required("openstack.image", b.Image),
		}
	case vmware.Type:
		b := c.Backend.VMware
		checks = []error{
			required("vmware.username", b.Username),
			required("vmware.password", b.Password),
			required("vmware.endpoint", b.Endpoint),
			required("vmware.image", b.Image),
			required("vmware.vm_username", b.VMUsername),
			required("vmware.vm_password", b.VMPassword),
		}
	case maas.Type:
		b := c.Backend.MAAS
		checks = []error{
			required("maas.token", b.Token),
			required("maas.endpoint", b.Endpoint),
		}
	case "":
		return fmt.Errorf("backend.type is required")
	default:
		return fmt.Errorf("backend.type %q is not supported (supported: aws-ec2, azure, openstack-nova, vmware, maas)", c.Backend.Type)
	}

	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	return nil
}

func defaultRMHost() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "localhost"
	}
	return host
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	case "text":
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewOTelConfig returns the telemetry settings.
func (c *Config) NewOTelConfig() otel.Config {
	return otel.Config{
		Enabled:    c.OTel.Enabled,
		Endpoint:   c.OTel.Endpoint,
		Insecure:   c.OTel.Insecure == nil || *c.OTel.Insecure,
		StdOut:     c.OTel.StdOut,
		Prometheus: c.OTel.Prometheus == nil || *c.OTel.Prometheus,
	}
}

// NewGateway creates the HTTP gateway to the connector.
func (c *Config) NewGateway(logger *slog.Logger) (*connector.HTTPGateway, error) {
	return connector.NewHTTPGateway(connector.HTTPGatewayConfig{
		BaseURL: c.Connector.URL,
		Timeout: c.Connector.Timeout,
		Logger:  logger,
	})
}

// NewClient creates the connector client on top of gw.
func (c *Config) NewClient(gw connector.Gateway, logger *slog.Logger) *connector.Client {
	return connector.NewClient(connector.Config{
		Gateway:      gw,
		WaitPolicy:   c.Connector.Wait.Policy(),
		ScriptPolicy: c.Connector.Script.Policy(),
		Logger:       logger,
	})
}

// NewBackend creates the provider selected by backend.type.
func (c *Config) NewBackend() (backend.Backend, error) {
	switch c.Backend.Type {
	case ec2.Type:
		b := c.Backend.EC2
		return ec2.New(ec2.Config{
			AccessKey:      b.AccessKey,
			SecretKey:      b.SecretKey,
			Image:          b.Image,
			Instances:      b.Instances,
			CPU:            b.CPU,
			RAM:            b.RAM,
			SpotPrice:      b.SpotPrice,
			SecurityGroups: b.SecurityGroups,
			SubnetID:       b.SubnetID,
		})
	case azure.Type:
		b := c.Backend.Azure
		return azure.New(azure.Config{
			ClientID:                b.ClientID,
			Secret:                  b.Secret,
			Domain:                  b.Domain,
			SubscriptionID:          b.SubscriptionID,
			AuthenticationEndpoint:  b.AuthenticationEndpoint,
			ManagementEndpoint:      b.ManagementEndpoint,
			ResourceManagerEndpoint: b.ResourceManagerEndpoint,
			GraphEndpoint:           b.GraphEndpoint,
			Image:                   b.Image,
			VMSizeType:              b.VMSizeType,
			VMUsername:              b.VMUsername,
			VMPassword:              b.VMPassword,
			VMPublicKey:             b.VMPublicKey,
			ResourceGroup:           b.ResourceGroup,
			Region:                  b.Region,
			Instances:               b.Instances,
			PrivateNetworkCIDR:      b.PrivateNetworkCIDR,
			StaticPublicIP:          b.StaticPublicIP,
		})
	case openstack.Type:
		b := c.Backend.OpenStack
		return openstack.New(openstack.Config{
			Username:      b.Username,
			Password:      b.Password,
			Domain:        b.Domain,
			Endpoint:      b.Endpoint,
			Image:         b.Image,
			Flavor:        b.Flavor,
			PublicKeyName: b.PublicKeyName,
			Instances:     b.Instances,
		})
	case vmware.Type:
		b := c.Backend.VMware
		return vmware.New(vmware.Config{
			Username:     b.Username,
			Password:     b.Password,
			Endpoint:     b.Endpoint,
			Image:        b.Image,
			Instances:    b.Instances,
			CPU:          b.CPU,
			RAM:          b.RAM,
			MACAddresses: b.MACAddresses,
			VMUsername:   b.VMUsername,
			VMPassword:   b.VMPassword,
		})
	case maas.Type:
		b := c.Backend.MAAS
		return maas.New(maas.Config{
			Token:                         b.Token,
			Endpoint:                      b.Endpoint,
			AllowSelfSignedSSLCertificate: b.AllowSelfSignedSSLCertificate,
			Image:                         b.Image,
			Instances:                     b.Instances,
			SystemID:                      b.SystemID,
			MinCores:                      b.MinCores,
			MinRAM:                        b.MinRAM,
			MACAddresses:                  b.MACAddresses,
		})
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", c.Backend.Type)
	}
}

// NewBootstrap creates the bootstrap script builder.
func (c *Config) NewBootstrap() (*bootstrap.Builder, error) {
	return bootstrap.New(bootstrap.Config{
		RMURL:                c.Bootstrap.RMURL,
		RMHost:               c.Bootstrap.RMHost,
		NodeSourceName:       c.NodeSource.Name,
		NodesPerInstance:     c.Bootstrap.NodesPerInstance,
		OperatingSystem:      c.Bootstrap.OperatingSystem,
		DownloadCommand:      c.Bootstrap.DownloadCommand,
		AdditionalProperties: c.Bootstrap.AdditionalProperties,
	})
}

// NewNodeSource wires the whole stack over gw: client, coordinator,
// backend, bootstrap and worker killer.
func (c *Config) NewNodeSource(gw connector.Gateway, logger *slog.Logger) (*nodesource.NodeSource, error) {
	b, err := c.NewBackend()
	if err != nil {
		return nil, fmt.Errorf("creating backend: %w", err)
	}
	boot, err := c.NewBootstrap()
	if err != nil {
		return nil, fmt.Errorf("creating bootstrap: %w", err)
	}

	coord := coordinator.New(coordinator.Config{
		Connector:   c.NewClient(gw, logger),
		BackendType: b.Type(),
		Logger:      logger,
	})

	var killer nodesource.WorkerKiller
	if c.NodeSource.KillWorkers {
		killer = nodesource.NewHTTPWorkerKiller(nil)
	}

	return nodesource.New(nodesource.Config{
		Name:                 c.NodeSource.Name,
		Coordinator:          coord,
		Backend:              b,
		Bootstrap:            boot,
		WorkerKiller:         killer,
		DestroyOnShutdown:    *c.NodeSource.DestroyOnShutdown,
		BootstrapConcurrency: c.NodeSource.BootstrapConcurrency,
		Logger:               logger,
	})
}
