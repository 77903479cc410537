// Package openstack implements backend.Backend for OpenStack Nova
// through the connector's "openstack-nova" infrastructure type.
//
// Every instance is created by its own single-instance request tagged
// <infrastructure id>_<n>, with the bootstrap passed as init script.
// Workers advertise that tag and instances are terminated by tag.
package openstack

import (
	"context"
	"fmt"

	"github.com/terrpan/nodesource/internal/backend"
	"github.com/terrpan/nodesource/internal/connector"
)

// Type is the connector infrastructure type.
const Type = "openstack-nova"

// Config holds OpenStack-specific settings.
type Config struct {
	Username string
	Password string

	// Domain is the Keystone v3 user domain (optional).
	Domain string

	// Endpoint is the Keystone identity endpoint (required).
	Endpoint string

	// Image is the Glance image id (required).
	Image string

	// Flavor is the Nova flavor id.  Default: "3".
	Flavor string

	// PublicKeyName is the key pair injected into instances (optional).
	PublicKeyName string

	// Instances is the number of instances to create.  Default: 1.
	Instances int
}

// Backend provisions OpenStack instances.
type Backend struct {
	cfg Config
}

// Compile-time check.
var _ backend.Backend = (*Backend)(nil)

// New validates cfg and creates a Backend.
func New(cfg Config) (*Backend, error) {
	switch {
	case cfg.Username == "" || cfg.Password == "":
		return nil, fmt.Errorf("openstack: username and password are required")
	case cfg.Endpoint == "":
		return nil, fmt.Errorf("openstack: endpoint is required")
	case cfg.Image == "":
		return nil, fmt.Errorf("openstack: image is required")
	case cfg.Instances < 0:
		return nil, fmt.Errorf("openstack: instances must be positive")
	}
	if cfg.Instances == 0 {
		cfg.Instances = 1
	}
	if cfg.Flavor == "" {
		cfg.Flavor = "3"
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
			Username: b.cfg.Username,
			Password: b.cfg.Password,
			Domain:   b.cfg.Domain,
		},
		Endpoint:              b.cfg.Endpoint,
		ToBeRemovedOnShutdown: destroyOnShutdown,
	}
}

// Provision issues one request per instance and returns the tags.  A
// failed request aborts the round; instances already created stay and
// are found again by tag on the next round.
func (b *Backend) Provision(ctx context.Context, c backend.Creator, p backend.Plan) ([]string, error) {
	tags := backend.InstanceTags(p.InfrastructureID, b.cfg.Instances)
	for _, tag := range tags {
		scripts := p.Bootstrap.Commands(b.Addressing().NodeProperty(), tag)
		if _, err := c.CreateInstancesWithPublicKeyAndInitScript(ctx, p.InfrastructureID, tag, b.cfg.Image, 1,
			b.cfg.Flavor, b.cfg.PublicKeyName, scripts); err != nil {
			return nil, fmt.Errorf("create instance %s: %w", tag, err)
		}
	}
	return tags, nil
}

func (b *Backend) Script(boot backend.Bootstrapper, key string) connector.Script {
	return connector.Script{Scripts: boot.Commands(b.Addressing().NodeProperty(), key)}
}
