// Package vmware implements backend.Backend for vSphere through the
// connector's "vmware" infrastructure type.  Machines are cloned from a
// template image; the bootstrap runs through VMware tools with the
// guest credentials.
package vmware

import (
	"context"
	"fmt"

	"github.com/terrpan/nodesource/internal/backend"
	"github.com/terrpan/nodesource/internal/connector"
	"github.com/terrpan/nodesource/internal/coordinator"
)

// Type is the connector infrastructure type.
const Type = "vmware"

// Config holds VMware-specific settings.
type Config struct {
	Username string
	Password string

	// Endpoint is the vCenter SDK URL (required).
	Endpoint string

	// Image is the template to clone (required).
	Image string

	// Instances is the number of machines.  Default: 1.
	Instances int

	// CPU and RAM (MB) size each machine.  Defaults: 1 and 512.
	CPU int
	RAM int

	// MACAddresses pins the network adapters (optional).
	MACAddresses []string

	// VMUsername and VMPassword log into the guest (required).
	VMUsername string
	VMPassword string
}

// Backend provisions vSphere virtual machines.
type Backend struct {
	cfg Config
}

// Compile-time check.
var _ backend.Backend = (*Backend)(nil)

// New validates cfg and creates a Backend.
func New(cfg Config) (*Backend, error) {
	switch {
	case cfg.Username == "" || cfg.Password == "":
		return nil, fmt.Errorf("vmware: username and password are required")
	case cfg.Endpoint == "":
		return nil, fmt.Errorf("vmware: endpoint is required")
	case cfg.Image == "":
		return nil, fmt.Errorf("vmware: image is required")
	case cfg.VMUsername == "" || cfg.VMPassword == "":
		return nil, fmt.Errorf("vmware: vm username and password are required")
	case cfg.Instances < 0 || cfg.CPU < 0 || cfg.RAM < 0:
		return nil, fmt.Errorf("vmware: instances, cpu and ram must be positive")
	}
	if cfg.Instances == 0 {
		cfg.Instances = 1
	}
	if cfg.CPU == 0 {
		cfg.CPU = 1
	}
	if cfg.RAM == 0 {
		cfg.RAM = 512
	}
	return &Backend{cfg: cfg}, nil
}

func (b *Backend) Type() string { return Type }

func (b *Backend) Addressing() backend.Addressing { return backend.ByInstanceID }

func (b *Backend) Infrastructure(id string, destroyOnShutdown bool) connector.Infrastructure {
	return connector.Infrastructure{
		ID:   id,
		Type: Type,
		Credentials: connector.Credentials{
			Username: b.cfg.Username,
			Password: b.cfg.Password,
		},
		Endpoint:              b.cfg.Endpoint,
		ToBeRemovedOnShutdown: destroyOnShutdown,
	}
}

func (b *Backend) Provision(ctx context.Context, c backend.Creator, p backend.Plan) ([]string, error) {
	if len(b.cfg.MACAddresses) > 0 {
		return c.CreateInstancesWithOptions(ctx, p.InfrastructureID, p.InfrastructureID, b.cfg.Image,
			b.cfg.Instances, b.cfg.CPU, b.cfg.RAM, coordinator.InstanceOptions{MACAddresses: b.cfg.MACAddresses})
	}
	return c.CreateInstances(ctx, p.InfrastructureID, p.InfrastructureID, b.cfg.Image, b.cfg.Instances, b.cfg.CPU, b.cfg.RAM)
}

func (b *Backend) Script(boot backend.Bootstrapper, key string) connector.Script {
	return connector.Script{
		Scripts: boot.ShellCommand(b.Addressing().NodeProperty(), key),
		Credentials: &connector.Credentials{
			Username: b.cfg.VMUsername,
			Password: b.cfg.VMPassword,
		},
	}
}
