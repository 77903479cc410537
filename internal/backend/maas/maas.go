// Package maas implements backend.Backend for Canonical MAAS through
// the connector's "maas" infrastructure type.
//
// Machines are deployed one per request under the tag
// <infrastructure id>_<n>, with the bootstrap passed to cloud-init as
// a single shell command.  Workers advertise that tag and machines are
// released by tag.
package maas

import (
	"context"
	"fmt"

	"github.com/terrpan/nodesource/internal/backend"
	"github.com/terrpan/nodesource/internal/connector"
	"github.com/terrpan/nodesource/internal/coordinator"
)

// Type is the connector infrastructure type.
const Type = "maas"

// Config holds MAAS-specific settings.
type Config struct {
	// Token is the MAAS API key (required).
	Token string

	// Endpoint is the MAAS API URL (required).
	Endpoint string

	// AllowSelfSignedSSLCertificate disables certificate verification.
	AllowSelfSignedSSLCertificate bool

	// Image is the distro series to deploy, e.g. "ubuntu/focal"
	// (optional, MAAS default otherwise).
	Image string

	// Instances is the number of machines.  Default: 1.
	Instances int

	// SystemID pins a specific machine (optional).  Only valid with a
	// single instance.
	SystemID string

	// MinCores and MinRAM (MB) constrain allocation (optional).
	MinCores int
	MinRAM   int

	// MACAddresses constrain allocation to machines owning them (optional).
	MACAddresses []string
}

// Backend deploys MAAS machines.
type Backend struct {
	cfg Config
}

// Compile-time check.
var _ backend.Backend = (*Backend)(nil)

// New validates cfg and creates a Backend.
func New(cfg Config) (*Backend, error) {
	switch {
	case cfg.Token == "":
		return nil, fmt.Errorf("maas: token is required")
	case cfg.Endpoint == "":
		return nil, fmt.Errorf("maas: endpoint is required")
	case cfg.Instances < 0 || cfg.MinCores < 0 || cfg.MinRAM < 0:
		return nil, fmt.Errorf("maas: instances, cores and ram must be positive")
	}
	if cfg.Instances == 0 {
		cfg.Instances = 1
	}
	if cfg.SystemID != "" && cfg.Instances > 1 {
		return nil, fmt.Errorf("maas: system id pins one machine, got %d instances", cfg.Instances)
	}
	return &Backend{cfg: cfg}, nil
}

func (b *Backend) Type() string { return Type }

func (b *Backend) Addressing() backend.Addressing { return backend.ByInstanceTag }

func (b *Backend) Infrastructure(id string, destroyOnShutdown bool) connector.Infrastructure {
	return connector.Infrastructure{
		ID:   id,
		Type: Type,
		Credentials: connector.Credentials{
			Password: b.cfg.Token,
		},
		Endpoint:                      b.cfg.Endpoint,
		AllowSelfSignedSSLCertificate: b.cfg.AllowSelfSignedSSLCertificate,
		ToBeRemovedOnShutdown:         destroyOnShutdown,
	}
}

func (b *Backend) Provision(ctx context.Context, c backend.Creator, p backend.Plan) ([]string, error) {
	tags := backend.InstanceTags(p.InfrastructureID, b.cfg.Instances)
	for _, tag := range tags {
		_, err := c.CreateMaasInstances(ctx, p.InfrastructureID, tag, coordinator.MaasInstances{
			Image:        b.cfg.Image,
			Count:        1,
			SystemID:     b.cfg.SystemID,
			MinCores:     b.cfg.MinCores,
			MinRAM:       b.cfg.MinRAM,
			MACAddresses: b.cfg.MACAddresses,
			InitScript:   p.Bootstrap.ShellCommand(b.Addressing().NodeProperty(), tag),
		})
		if err != nil {
			return nil, fmt.Errorf("deploy machine %s: %w", tag, err)
		}
	}
	return tags, nil
}

func (b *Backend) Script(boot backend.Bootstrapper, key string) connector.Script {
	return connector.Script{Scripts: boot.ShellCommand(b.Addressing().NodeProperty(), key)}
}
