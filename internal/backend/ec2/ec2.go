// Package ec2 implements backend.Backend for Amazon EC2 through the
// connector's "aws-ec2" infrastructure type.
package ec2

import (
	"context"
	"fmt"

	"github.com/terrpan/nodesource/internal/backend"
	"github.com/terrpan/nodesource/internal/connector"
	"github.com/terrpan/nodesource/internal/coordinator"
)

// Type is the connector infrastructure type.
const Type = "aws-ec2"

// Config holds EC2-specific settings.
type Config struct {
	// AccessKey and SecretKey authenticate against AWS (required).
	AccessKey string
	SecretKey string

	// Image is the AMI id (required).
	Image string

	// Instances is the number of instances to create.  Default: 1.
	Instances int

	// CPU is the minimum number of cores.  Default: 1.
	CPU int

	// RAM is the minimum memory in MB.  Default: 512.
	RAM int

	// SpotPrice requests spot instances at this maximum price (optional).
	SpotPrice string

	// SecurityGroups are attached to every instance (optional).
	SecurityGroups []string

	// SubnetID places instances in a VPC subnet (optional).
	SubnetID string
}

// Backend provisions EC2 instances.
type Backend struct {
	cfg Config
}

// Compile-time check.
var _ backend.Backend = (*Backend)(nil)

// New validates cfg and creates a Backend.
func New(cfg Config) (*Backend, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("ec2: access key and secret key are required")
	}
	if cfg.Image == "" {
		return nil, fmt.Errorf("ec2: image is required")
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
	if cfg.Instances < 0 || cfg.CPU < 0 || cfg.RAM < 0 {
		return nil, fmt.Errorf("ec2: instances, cpu and ram must be positive")
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
			Username: b.cfg.AccessKey,
			Password: b.cfg.SecretKey,
		},
		ToBeRemovedOnShutdown: destroyOnShutdown,
	}
}

// Provision creates every instance under the infrastructure id as tag.
func (b *Backend) Provision(ctx context.Context, c backend.Creator, p backend.Plan) ([]string, error) {
	opts := coordinator.InstanceOptions{
		SpotPrice:          b.cfg.SpotPrice,
		SecurityGroupNames: b.cfg.SecurityGroups,
		SubnetID:           b.cfg.SubnetID,
	}
	if opts.SpotPrice == "" && len(opts.SecurityGroupNames) == 0 && opts.SubnetID == "" {
		return c.CreateInstances(ctx, p.InfrastructureID, p.InfrastructureID, b.cfg.Image, b.cfg.Instances, b.cfg.CPU, b.cfg.RAM)
	}
	return c.CreateInstancesWithOptions(ctx, p.InfrastructureID, p.InfrastructureID, b.cfg.Image, b.cfg.Instances, b.cfg.CPU, b.cfg.RAM, opts)
}

func (b *Backend) Script(boot backend.Bootstrapper, key string) connector.Script {
	return connector.Script{Scripts: boot.Commands(b.Addressing().NodeProperty(), key)}
}
