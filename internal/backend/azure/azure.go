// Package azure implements backend.Backend for Azure virtual machines
// through the connector's "azure" infrastructure type.
//
// The service principal (client id, secret, tenant domain and
// subscription) authenticates the infrastructure.  The VM user name and
// password are both set on the machines at creation and used by the
// connector to run the bootstrap script.
package azure

import (
	"context"
	"fmt"

	"github.com/terrpan/nodesource/internal/backend"
	"github.com/terrpan/nodesource/internal/connector"
	"github.com/terrpan/nodesource/internal/coordinator"
)

// Type is the connector infrastructure type.
const Type = "azure"

// Config holds Azure-specific settings.
type Config struct {
	ClientID       string
	Secret         string
	Domain         string
	SubscriptionID string

	// Endpoint overrides for sovereign clouds (optional).
	AuthenticationEndpoint  string
	ManagementEndpoint      string
	ResourceManagerEndpoint string
	GraphEndpoint           string

	// Image is the image name or URN (required).
	Image string

	// VMSizeType is the Azure VM size, e.g. "Standard_D1_v2" (optional).
	VMSizeType string

	// VMUsername and VMPassword are the machine credentials (required).
	VMUsername string
	VMPassword string

	// VMPublicKey is an SSH public key installed for VMUsername (optional).
	VMPublicKey string

	ResourceGroup string
	Region        string

	// Instances is the number of VMs to create.  Default: 1.
	Instances int

	// PrivateNetworkCIDR is the private network range (optional).
	PrivateNetworkCIDR string

	// StaticPublicIP requests a static public address.  Default: true.
	StaticPublicIP *bool
}

// Backend provisions Azure virtual machines.
type Backend struct {
	cfg Config
}

// Compile-time check.
var _ backend.Backend = (*Backend)(nil)

// New validates cfg and creates a Backend.
func New(cfg Config) (*Backend, error) {
	switch {
	case cfg.ClientID == "" || cfg.Secret == "":
		return nil, fmt.Errorf("azure: client id and secret are required")
	case cfg.Domain == "":
		return nil, fmt.Errorf("azure: domain is required")
	case cfg.Image == "":
		return nil, fmt.Errorf("azure: image is required")
	case cfg.VMUsername == "" || cfg.VMPassword == "":
		return nil, fmt.Errorf("azure: vm username and password are required")
	case cfg.Instances < 0:
		return nil, fmt.Errorf("azure: instances must be positive")
	}
	if cfg.Instances == 0 {
		cfg.Instances = 1
	}
	if cfg.StaticPublicIP == nil {
		static := true
		cfg.StaticPublicIP = &static
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
			Username:       b.cfg.ClientID,
			Password:       b.cfg.Secret,
			Domain:         b.cfg.Domain,
			SubscriptionID: b.cfg.SubscriptionID,
		},
		AuthenticationEndpoint:  b.cfg.AuthenticationEndpoint,
		ManagementEndpoint:      b.cfg.ManagementEndpoint,
		ResourceManagerEndpoint: b.cfg.ResourceManagerEndpoint,
		GraphEndpoint:           b.cfg.GraphEndpoint,
		ToBeRemovedOnShutdown:   destroyOnShutdown,
	}
}

func (b *Backend) Provision(ctx context.Context, c backend.Creator, p backend.Plan) ([]string, error) {
	return c.CreateAzureInstances(ctx, p.InfrastructureID, p.InfrastructureID, coordinator.AzureInstances{
		Image:              b.cfg.Image,
		Count:              b.cfg.Instances,
		Username:           b.cfg.VMUsername,
		Password:           b.cfg.VMPassword,
		PublicKey:          b.cfg.VMPublicKey,
		VMSizeType:         b.cfg.VMSizeType,
		ResourceGroup:      b.cfg.ResourceGroup,
		Region:             b.cfg.Region,
		PrivateNetworkCIDR: b.cfg.PrivateNetworkCIDR,
		StaticPublicIP:     *b.cfg.StaticPublicIP,
	})
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
